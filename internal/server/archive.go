package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sipico/breadbox/internal/archive"
	"github.com/sipico/breadbox/internal/gate"
	"github.com/sipico/breadbox/internal/metrics"
	"github.com/sipico/breadbox/internal/middleware"
	"github.com/sipico/breadbox/internal/permission"
	"github.com/sipico/breadbox/internal/signedurl"
)

// Listing is the body of a directory listing.
type Listing struct {
	Archive string          `json:"archive"`
	Path    string          `json:"path"`
	Entries []archive.Entry `json:"entries"`
}

// WhoamiResponse describes the authenticated user.
type WhoamiResponse struct {
	ID        string                      `json:"id"`
	Name      string                      `json:"name"`
	CreatedAt time.Time                   `json:"created_at"`
	Grants    map[string]permission.Level `json:"grants"`
}

// SignRequest asks for a signed link to one file. TTL is in seconds; zero
// means the longest allowed.
type SignRequest struct {
	Path string `json:"path"`
	TTL  int64  `json:"ttl"`
}

// SignResponse carries a freshly issued link.
type SignResponse struct {
	URL       string    `json:"url"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleWhoami returns the caller's account
// GET /api/whoami
func (h *Handler) HandleWhoami(w http.ResponseWriter, r *http.Request) {
	id := gate.IdentityFromContext(r.Context())
	if id.Anonymous() {
		WriteResponse(w, CodeUnauthorized)
		return
	}

	grants := id.User.Grants
	if grants == nil {
		grants = map[string]permission.Level{}
	}
	writeJSON(w, http.StatusOK, WhoamiResponse{
		ID:        id.User.ID,
		Name:      id.User.Name,
		CreatedAt: id.User.CreatedAt.UTC(),
		Grants:    grants,
	})
}

// HandleGet streams a file or lists a directory
// GET|HEAD /archive/{archive}/*
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	t, _ := gate.TargetFromContext(r.Context())
	if t.Action == permission.ActionList {
		h.serveListing(w, r, t)
		return
	}

	f, info, err := h.archives.OpenFile(t.Archive, t.Path)
	switch {
	case errors.Is(err, archive.ErrIsDirectory):
		// Links are issued for single files only.
		if id := gate.IdentityFromContext(r.Context()); id != nil && id.Via == gate.SignedURL {
			WriteResponse(w, CodeNotInArchive)
			return
		}
		middleware.Charge(r.Context())
		h.serveListing(w, r, t)
		return
	case errors.Is(err, archive.ErrNotFound):
		WriteResponse(w, CodeNotInArchive)
		return
	case errors.Is(err, archive.ErrOutsideArchive):
		WriteResponse(w, CodeBadRequest)
		return
	case err != nil:
		h.fail(w, r, "failed to open file", err)
		return
	}
	defer f.Close() //nolint:errcheck

	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (h *Handler) serveListing(w http.ResponseWriter, r *http.Request, t gate.Target) {
	info, err := h.archives.Stat(t.Archive, t.Path)
	switch {
	case errors.Is(err, archive.ErrNotFound):
		WriteResponse(w, CodeNotInArchive)
		return
	case err != nil:
		h.fail(w, r, "failed to stat directory", err)
		return
	case !info.IsDir():
		WriteResponse(w, CodeNotInArchive)
		return
	}

	entries, err := h.archives.List(t.Archive, t.Path)
	if err != nil {
		h.fail(w, r, "failed to list directory", err)
		return
	}
	writeJSON(w, http.StatusOK, Listing{Archive: t.Archive, Path: t.Path, Entries: entries})
}

// HandlePut stores the request body as a file
// PUT /archive/{archive}/*
func (h *Handler) HandlePut(w http.ResponseWriter, r *http.Request) {
	t, _ := gate.TargetFromContext(r.Context())
	if t.Path == "" {
		WriteResponse(w, CodeBadRequest)
		return
	}

	created, n, err := h.archives.Put(t.Archive, t.Path, r.Body)
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		WriteResponse(w, CodePayloadTooLarge)
		return
	case errors.Is(err, archive.ErrIsDirectory):
		WriteResponse(w, CodeAlreadyExists)
		return
	case errors.Is(err, archive.ErrOutsideArchive):
		WriteResponse(w, CodeBadRequest)
		return
	case err != nil:
		h.fail(w, r, "failed to store upload", err)
		return
	}

	middleware.Logger(r.Context(), h.logger).Info("file uploaded",
		"user", gate.IdentityFromContext(r.Context()).Name(),
		"archive", t.Archive,
		"path", t.Path,
		"bytes", n,
		"created", created,
	)

	if created {
		WriteResponse(w, CodeResourceCreated)
		return
	}
	WriteResponse(w, CodeUploadSucceeded)
}

// HandleDelete removes a file or empty directory
// DELETE /archive/{archive}/*
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	t, _ := gate.TargetFromContext(r.Context())

	err := h.archives.Remove(t.Archive, t.Path)
	switch {
	case errors.Is(err, archive.ErrNotFound):
		WriteResponse(w, CodeNotInArchive)
		return
	case errors.Is(err, archive.ErrNotEmpty):
		WriteResponse(w, CodeNotEmpty)
		return
	case errors.Is(err, archive.ErrOutsideArchive):
		WriteResponse(w, CodeBadRequest)
		return
	case err != nil:
		h.fail(w, r, "failed to remove file", err)
		return
	}

	middleware.Logger(r.Context(), h.logger).Info("file removed",
		"user", gate.IdentityFromContext(r.Context()).Name(),
		"archive", t.Archive,
		"path", t.Path,
	)
	WriteResponse(w, CodeResourceDeleted)
}

// HandleSign issues a signed link to one file for the caller
// POST /archive/{archive}/sign
// Body: {"path": "ep01.mkv", "ttl": 600}
func (h *Handler) HandleSign(w http.ResponseWriter, r *http.Request) {
	if h.issuer == nil {
		WriteResponse(w, CodeDisabledFeature)
		return
	}

	id := gate.IdentityFromContext(r.Context())
	archiveName := chi.URLParam(r, "archive")

	var req SignRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil || req.TTL < 0 {
		WriteResponse(w, CodeBadRequest)
		return
	}

	rel, err := archive.CleanPath(req.Path)
	if err != nil || rel == "" {
		WriteResponse(w, CodeBadRequest)
		return
	}

	if d := h.gate.Authorize(id, archiveName, permission.ActionRead); !d.Allowed() {
		h.reject(w, r, d)
		return
	}

	info, err := h.archives.Stat(archiveName, rel)
	switch {
	case errors.Is(err, archive.ErrNotFound):
		WriteResponse(w, CodeNotInArchive)
		return
	case errors.Is(err, archive.ErrOutsideArchive):
		WriteResponse(w, CodeBadRequest)
		return
	case err != nil:
		h.fail(w, r, "failed to stat file", err)
		return
	case info.IsDir():
		WriteResponse(w, CodeBadRequest)
		return
	}

	ttl := time.Duration(req.TTL) * time.Second
	if req.TTL == 0 {
		ttl = h.issuer.MaxTTL()
	}

	token, expiresAt, err := h.issuer.Issue(gate.Resource(archiveName, rel), id.User.ID, ttl)
	if errors.Is(err, signedurl.ErrTTL) {
		WriteResponse(w, CodeBadRequest)
		return
	}
	if err != nil {
		h.fail(w, r, "failed to issue signed URL", err)
		return
	}

	metrics.RecordSignedURLIssued()
	middleware.Logger(r.Context(), h.logger).Info("signed URL issued",
		"user", id.Name(),
		"archive", archiveName,
		"path", rel,
		"expires_at", expiresAt,
	)

	writeJSON(w, http.StatusOK, SignResponse{
		URL:       fileURL(archiveName, rel) + "?" + h.cfg.SignedQuery + "=" + token,
		Token:     token,
		ExpiresAt: expiresAt.UTC(),
	})
}
