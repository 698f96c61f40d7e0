// Package middleware provides HTTP middleware components for the archive server.
package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/sipico/breadbox/internal/logging"
)

// DefaultMaxLoggedBody caps how much of a body is kept for debug logs.
const DefaultMaxLoggedBody = 64 << 10

// LogConfig controls what HTTPLogging records.
type LogConfig struct {
	// Allowlist holds JSON fields to preserve in bodies (nil = log everything).
	Allowlist []string
	// SensitiveParams are query parameters whose values are redacted.
	SensitiveParams []string
	// SensitiveHeaders are extra header names masked like X-API-Key.
	SensitiveHeaders []string
	// MaxBody is the capture limit in bytes; zero means DefaultMaxLoggedBody.
	MaxBody int64
}

// HTTPLogging logs each request and response pair at debug level and is a
// pass-through otherwise. JSON bodies are captured up to cfg.MaxBody bytes
// and masked; file transfers are described by size only.
func HTTPLogging(logger *slog.Logger, cfg LogConfig) func(http.Handler) http.Handler {
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = DefaultMaxLoggedBody
	}
	if cfg.SensitiveParams == nil {
		cfg.SensitiveParams = logging.DefaultSensitiveParams
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !logger.Enabled(r.Context(), slog.LevelDebug) {
				next.ServeHTTP(w, r)
				return
			}

			logRequest(logger, r, cfg)

			rec := &responseRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
				limit:          cfg.MaxBody,
			}

			start := time.Now()
			next.ServeHTTP(rec, r)
			logResponse(logger, r, rec, time.Since(start), cfg)
		})
	}
}

func logRequest(logger *slog.Logger, r *http.Request, cfg LogConfig) {
	body := ""
	if r.Body != nil && r.Body != http.NoBody {
		if isJSON(r.Header.Get("Content-Type")) {
			captured, err := peekBody(r, cfg.MaxBody)
			if err != nil {
				logger.Error("failed to read request body", "error", err)
				return
			}
			body = maskBody(captured, cfg.Allowlist)
		} else if r.ContentLength > 0 {
			body = logging.FormatSize(r.ContentLength)
		}
	}

	Logger(r.Context(), logger).Debug("HTTP Request",
		"method", r.Method,
		"url", r.URL.Path,
		"query_params", logging.MaskQuery(r.URL.RawQuery, cfg.SensitiveParams),
		"headers", maskHeaders(r.Header, cfg.SensitiveHeaders),
		"body", body,
	)
}

func logResponse(logger *slog.Logger, r *http.Request, rec *responseRecorder, duration time.Duration, cfg LogConfig) {
	body := ""
	switch {
	case rec.capture:
		body = maskBody(rec.body.Bytes(), cfg.Allowlist)
	case rec.written > 0:
		body = logging.FormatSize(rec.written)
	}

	Logger(r.Context(), logger).Debug("HTTP Response",
		"method", r.Method,
		"url", r.URL.Path,
		"status_code", rec.statusCode,
		"headers", maskHeaders(rec.Header(), cfg.SensitiveHeaders),
		"body", body,
		"bytes", rec.written,
		"duration_ms", duration.Milliseconds(),
	)
}

// peekBody reads up to limit bytes and puts them back in front of the
// remaining body so the handler still sees the whole stream.
func peekBody(r *http.Request, limit int64) ([]byte, error) {
	captured, err := io.ReadAll(io.LimitReader(r.Body, limit))
	if err != nil {
		return nil, err
	}
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(captured), r.Body), r.Body}
	return captured, nil
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "application/json"
}

func maskHeaders(headers http.Header, extra []string) map[string]string {
	result := make(map[string]string, len(headers))
	for k, v := range headers {
		if len(v) > 0 {
			result[k] = logging.MaskHeader(k, v[0], extra...)
		}
	}
	return result
}

func maskBody(body []byte, allowlist []string) string {
	if len(body) == 0 {
		return ""
	}
	if !utf8.Valid(body) {
		return logging.FormatBinaryData(body)
	}
	return string(logging.MaskJSONBody(body, allowlist))
}

// responseRecorder tracks status and size, and keeps a bounded copy of
// JSON response bodies.
type responseRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
	capture     bool
	limit       int64
	written     int64
	body        bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.wroteHeader = true
		r.statusCode = code
		r.capture = isJSON(r.Header().Get("Content-Type"))
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	if r.capture {
		if room := r.limit - int64(r.body.Len()); room > 0 {
			r.body.Write(b[:min(int64(len(b)), room)])
		}
	}
	n, err := r.ResponseWriter.Write(b)
	r.written += int64(n)
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
