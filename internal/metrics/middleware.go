package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// statusRecorder remembers the first status code sent.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status != 0 {
		return
	}
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Middleware counts and times every request, labelled by method, route
// pattern and numeric status. A panic that escapes the handler is answered
// with 500 and counted as such.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()

		defer func() {
			if p := recover(); p != nil {
				if rec.status == 0 {
					rec.WriteHeader(http.StatusInternalServerError)
				}
				rec.status = http.StatusInternalServerError
			}
			if rec.status == 0 {
				rec.status = http.StatusOK
			}

			// Route patterns only: archive and file names must never become labels.
			path := routePattern(r)
			status := strconv.Itoa(rec.status)
			RecordRequest(r.Method, path, status)
			RecordRequestDuration(r.Method, path, status, time.Since(start).Seconds())
		}()

		next.ServeHTTP(rec, r)
	})
}

// routePattern returns the matched chi route pattern, falling back to
// normalizePath when the request did not go through a chi router.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return normalizePath(r.URL.Path)
}

// normalizePath collapses archive URLs to their route shape:
//
//	/archive/Anime -> /archive/{archive}
//	/archive/Anime/Season 1/ep01.mkv -> /archive/{archive}/*
func normalizePath(path string) string {
	rest, ok := strings.CutPrefix(path, "/archive/")
	if !ok {
		return path
	}
	if _, _, nested := strings.Cut(rest, "/"); nested {
		return "/archive/{archive}/*"
	}
	return "/archive/{archive}"
}
