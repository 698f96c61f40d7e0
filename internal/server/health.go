package server

import (
	"context"
	"net/http"
	"time"
)

const readyTimeout = 5 * time.Second

// readiness is the /ready body. Archives is omitted when the database is
// not usable, so probes only see a count once the server can authenticate.
type readiness struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Archives int    `json:"archives,omitempty"`
}

// HandleHealth is the liveness check. It never touches dependencies.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReady reports 200 once the credential database answers a ping.
func (h *Handler) HandleReady(w http.ResponseWriter, r *http.Request) {
	state := h.databaseState(r.Context())
	if state != "connected" {
		writeJSON(w, http.StatusServiceUnavailable, readiness{Status: "error", Database: state})
		return
	}
	writeJSON(w, http.StatusOK, readiness{
		Status:   "ok",
		Database: state,
		Archives: len(h.archives.Names()),
	})
}

func (h *Handler) databaseState(ctx context.Context) string {
	if h.db == nil {
		return "not configured"
	}
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		h.logger.Warn("readiness check failed", "error", err)
		return "unavailable"
	}
	return "connected"
}
