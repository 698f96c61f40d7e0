package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sipico/breadbox/internal/config"
)

// SetLogLevelRequest is the request body for POST /loglevel
type SetLogLevelRequest struct {
	Level string `json:"level"`
}

// OpsHandler serves the operator listener: metrics and runtime log level.
// It must not be exposed publicly.
type OpsHandler struct {
	logLevel *slog.LevelVar
	metrics  http.Handler
	logger   *slog.Logger
}

// NewOpsHandler creates an operator handler.
func NewOpsHandler(logLevel *slog.LevelVar, metricsHandler http.Handler, logger *slog.Logger) *OpsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpsHandler{logLevel: logLevel, metrics: metricsHandler, logger: logger}
}

// NewRouter builds the operator router.
func (h *OpsHandler) NewRouter() chi.Router {
	r := chi.NewRouter()
	r.Handle("/metrics", h.metrics)
	r.Post("/loglevel", h.HandleSetLogLevel)
	return r
}

// HandleSetLogLevel changes runtime log level
// POST /loglevel
// Body: {"level": "debug|info|warn|error"}
func (h *OpsHandler) HandleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	var req SetLogLevelRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		WriteResponse(w, CodeBadRequest)
		return
	}

	level, err := config.ParseLogLevel(req.Level)
	if err != nil || req.Level == "" {
		writeJSON(w, http.StatusBadRequest, Response{
			Status:  "error",
			Code:    CodeBadRequest,
			Message: http.StatusText(http.StatusBadRequest),
			Details: "Invalid log level (must be: debug, info, warn, error).",
		})
		return
	}

	h.logLevel.Set(level)
	h.logger.Info("log level changed", "new_level", level.String())
	writeJSON(w, http.StatusOK, map[string]string{"level": req.Level})
}
