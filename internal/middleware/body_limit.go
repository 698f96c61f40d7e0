package middleware

import "net/http"

// MaxBodySize caps request bodies at maxBytes.
//
// A declared Content-Length over the cap goes straight to reject (when
// non-nil). Anything else is wrapped in http.MaxBytesReader, so an
// oversized chunked upload fails with *http.MaxBytesError on read.
func MaxBodySize(maxBytes int64, reject http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			if reject != nil && r.ContentLength > maxBytes {
				reject(w, r)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(fn)
	}
}
