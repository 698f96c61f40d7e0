package server

import (
	"encoding/json"
	"net/http"
)

// Response codes. Every JSON reply that is not a resource body uses one.
const (
	CodeUnauthorized            = "unauthorized"
	CodeInsufficientPermissions = "insufficient_permissions"
	CodeReadOnly                = "read_only"
	CodeDisabledFeature         = "disabled_feature"
	CodeSignedURLMethod         = "signed_url_method"
	CodeNotInArchive            = "not_in_archive"
	CodeNotFound                = "not_found"
	CodeAlreadyExists           = "already_exists"
	CodeNotEmpty                = "not_empty"
	CodeResourceCreated         = "resource_created"
	CodeResourceDeleted         = "resource_deleted"
	CodeUploadSucceeded         = "upload_succeeded"
	CodeBadRequest              = "bad_request"
	CodePayloadTooLarge         = "payload_too_large"
	CodeRateLimited             = "rate_limited"
	CodeInternalError           = "internal_error"
)

type catalogueEntry struct {
	status  int
	details string
}

var catalogue = map[string]catalogueEntry{
	CodeUnauthorized:            {http.StatusUnauthorized, "You must provide authentication, such as an API key or a signed URL."},
	CodeInsufficientPermissions: {http.StatusForbidden, "You lack the required permissions to perform this action."},
	CodeReadOnly:                {http.StatusForbidden, "The archive is in read-only mode. Try again later or contact the archive's administrator."},
	CodeDisabledFeature:         {http.StatusForbidden, "This feature has been disabled."},
	CodeSignedURLMethod:         {http.StatusMethodNotAllowed, "Only GET and HEAD requests are supported by signed URLs."},
	CodeNotInArchive:            {http.StatusNotFound, "The media requested was not found in the archive."},
	CodeNotFound:                {http.StatusNotFound, "The requested URL was not found on this server."},
	CodeAlreadyExists:           {http.StatusConflict, "The resource you're trying to create already exists."},
	CodeNotEmpty:                {http.StatusConflict, "The directory is not empty."},
	CodeResourceCreated:         {http.StatusCreated, "Resource has been successfully created."},
	CodeResourceDeleted:         {http.StatusOK, "Resource has been successfully deleted."},
	CodeUploadSucceeded:         {http.StatusOK, "Your file has been added to the archive."},
	CodeBadRequest:              {http.StatusBadRequest, "The request could not be understood."},
	CodePayloadTooLarge:         {http.StatusRequestEntityTooLarge, "The uploaded file exceeds the size limit."},
	CodeRateLimited:             {http.StatusTooManyRequests, "Too many requests. Slow down and try again shortly."},
	CodeInternalError:           {http.StatusInternalServerError, "The server encountered an unexpected error."},
}

// Response is the body of every catalogue reply.
type Response struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
}

// StatusFor returns the HTTP status for a catalogue code.
func StatusFor(code string) int {
	if e, ok := catalogue[code]; ok {
		return e.status
	}
	return http.StatusInternalServerError
}

// WriteResponse writes the catalogue entry for code. Unknown codes become
// internal_error.
func WriteResponse(w http.ResponseWriter, code string) {
	e, ok := catalogue[code]
	if !ok {
		code = CodeInternalError
		e = catalogue[code]
	}

	status := "ok"
	if e.status >= 400 {
		status = "error"
	}

	writeJSON(w, e.status, Response{
		Status:  status,
		Code:    code,
		Message: http.StatusText(e.status),
		Details: e.details,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // Response write errors are unrecoverable
	json.NewEncoder(w).Encode(v)
}
