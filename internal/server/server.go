// Package server exposes archives over HTTP behind the access gate.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/sipico/breadbox/internal/archive"
	"github.com/sipico/breadbox/internal/gate"
	"github.com/sipico/breadbox/internal/metrics"
	"github.com/sipico/breadbox/internal/middleware"
	"github.com/sipico/breadbox/internal/permission"
)

// Pinger checks that the credential database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Issuer mints signed URL tokens.
type Issuer interface {
	Issue(path, issuedFor string, ttl time.Duration) (string, time.Time, error)
	MaxTTL() time.Duration
}

// Config holds HTTP settings fixed for the process lifetime.
type Config struct {
	// SignedQuery is the query parameter carrying signed URL tokens.
	SignedQuery    string
	MaxUploadBytes int64

	RateLimit      bool
	RateLimitRPS   float64
	RateLimitBurst int

	Log middleware.LogConfig
}

// Handler serves the archive API.
type Handler struct {
	gate     *gate.Gate
	archives *archive.Set
	issuer   Issuer
	db       Pinger
	cfg      Config
	limiter  *middleware.RateLimiter
	logger   *slog.Logger
}

// logAllowlist names the JSON fields safe to show in debug logs. Tokens and
// signed URLs are not among them.
var logAllowlist = []string{
	"status", "code", "message", "details", "database", "archives",
	"archive", "path", "entries", "name", "dir", "size", "modified",
	"id", "created_at", "grants", "ttl", "expires_at",
}

// NewHandler creates a handler. A nil issuer disables link issuance.
func NewHandler(g *gate.Gate, archives *archive.Set, issuer Issuer, db Pinger, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SignedQuery == "" {
		cfg.SignedQuery = gate.DefaultTransport.SignedQuery
	}
	if cfg.Log.Allowlist == nil {
		cfg.Log.Allowlist = logAllowlist
	}

	h := &Handler{
		gate:     g,
		archives: archives,
		issuer:   issuer,
		db:       db,
		cfg:      cfg,
		logger:   logger,
	}
	if cfg.RateLimit {
		h.limiter = middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, isFileDownload,
			func(w http.ResponseWriter, _ *http.Request) { WriteResponse(w, CodeRateLimited) })
	}
	return h
}

// NewRouter builds the public router.
func (h *Handler) NewRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(metrics.Middleware)
	r.Use(chimw.Recoverer)
	r.Use(middleware.HTTPLogging(h.logger, h.cfg.Log))
	if h.limiter != nil {
		r.Use(h.limiter.Middleware)
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) { WriteResponse(w, CodeNotFound) })
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, Response{
			Status:  "error",
			Code:    "method_not_allowed",
			Message: http.StatusText(http.StatusMethodNotAllowed),
			Details: "This method is not supported on this URL.",
		})
	})

	r.Get("/health", h.HandleHealth)
	r.Get("/ready", h.HandleReady)

	requireKey := h.gate.RequireAPIKey(h.reject)
	r.With(requireKey).Get("/api/whoami", h.HandleWhoami)

	r.Route("/archive/{archive}", func(r chi.Router) {
		r.With(requireKey).Post("/sign", h.HandleSign)

		r.Group(func(r chi.Router) {
			r.Use(h.gate.Middleware(resolveTarget, h.reject))

			r.Get("/", h.HandleGet)
			r.Head("/", h.HandleGet)
			r.Get("/*", h.HandleGet)
			r.Head("/*", h.HandleGet)
			r.With(middleware.MaxBodySize(h.cfg.MaxUploadBytes, func(w http.ResponseWriter, _ *http.Request) {
				WriteResponse(w, CodePayloadTooLarge)
			})).Put("/*", h.HandlePut)
			r.Delete("/*", h.HandleDelete)
		})
	})

	return r
}

// resolveTarget maps a request to its archive, path and action without
// touching the filesystem. A trailing slash or the archive root lists; any
// other GET or HEAD reads. Listing and reading need the same level, so the
// handler may still fall back to a listing for a directory.
func resolveTarget(r *http.Request) (gate.Target, error) {
	raw := chi.URLParam(r, "*")
	if r.URL.RawPath != "" {
		unescaped, err := url.PathUnescape(raw)
		if err != nil {
			return gate.Target{}, archive.ErrOutsideArchive
		}
		raw = unescaped
	}

	rel, err := archive.CleanPath(raw)
	if err != nil {
		return gate.Target{}, err
	}

	t := gate.Target{Archive: chi.URLParam(r, "archive"), Path: rel}
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		if rel == "" || strings.HasSuffix(raw, "/") {
			t.Action = permission.ActionList
		} else {
			t.Action = permission.ActionRead
		}
	case http.MethodPut, http.MethodPost, http.MethodPatch:
		t.Action = permission.ActionWrite
	case http.MethodDelete:
		t.Action = permission.ActionAdmin
	default:
		return gate.Target{}, errUnsupportedMethod
	}
	return t, nil
}

var errUnsupportedMethod = errors.New("unsupported method")

// isFileDownload reports whether r looks like a single file fetch. Such
// requests skip the regular rate limit since a long video is many range
// requests; reject and the directory fallback charge them back.
func isFileDownload(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	rest, ok := strings.CutPrefix(r.URL.Path, "/archive/")
	if !ok {
		return false
	}
	_, file, ok := strings.Cut(rest, "/")
	return ok && file != "" && !strings.HasSuffix(file, "/")
}

// reject writes the catalogue response for a failed gate decision.
func (h *Handler) reject(w http.ResponseWriter, r *http.Request, d gate.Decision) {
	middleware.Charge(r.Context())
	err := d.Err()
	switch {
	case errors.Is(err, gate.ErrUnauthorized):
		w.Header().Set("WWW-Authenticate", `Bearer realm="breadbox"`)
		WriteResponse(w, CodeUnauthorized)
	case errors.Is(err, gate.ErrReadOnly):
		WriteResponse(w, CodeReadOnly)
	case errors.Is(err, gate.ErrSignedURLMethod):
		WriteResponse(w, CodeSignedURLMethod)
	case errors.Is(err, permission.ErrUnknownArchive):
		WriteResponse(w, CodeNotFound)
	case errors.Is(err, gate.ErrForbidden):
		WriteResponse(w, CodeInsufficientPermissions)
	case errors.Is(err, archive.ErrOutsideArchive), errors.Is(err, errUnsupportedMethod):
		WriteResponse(w, CodeBadRequest)
	default:
		WriteResponse(w, CodeInternalError)
	}
}

// fail logs an unexpected error and replies internal_error.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	middleware.Logger(r.Context(), h.logger).Error(msg, "error", err, "path", r.URL.Path)
	WriteResponse(w, CodeInternalError)
}

// fileURL builds the download URL for rel in archive.
func fileURL(archiveName, rel string) string {
	segs := strings.Split(rel, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return "/archive/" + url.PathEscape(archiveName) + "/" + strings.Join(segs, "/")
}
