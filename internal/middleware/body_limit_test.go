package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

// upload sends n bytes through MaxBodySize(limit). When chunked is set the
// Content-Length is hidden so only the reader enforces the cap.
func upload(t *testing.T, limit int64, n int, chunked bool, reject http.HandlerFunc) (status int, read int, readErr error, called bool) {
	t.Helper()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		var data []byte
		data, readErr = io.ReadAll(r.Body)
		read = len(data)
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodPut, "/archive/Anime/ep01.mkv", bytes.NewReader(make([]byte, n)))
	if chunked {
		req.ContentLength = -1
	}
	rec := httptest.NewRecorder()
	MaxBodySize(limit, reject)(handler).ServeHTTP(rec, req)
	return rec.Code, read, readErr, called
}

func TestMaxBodySize_StreamedBodies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		size    int
		wantErr bool
	}{
		{"empty", 0, false},
		{"under", 100, false},
		{"at limit", 1024, false},
		{"one over", 1025, true},
		{"far over", 8192, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, read, err, _ := upload(t, 1024, tt.size, true, nil)

			var maxErr *http.MaxBytesError
			if got := errors.As(err, &maxErr); got != tt.wantErr {
				t.Fatalf("MaxBytesError = %v, want %v (err %v)", got, tt.wantErr, err)
			}
			if !tt.wantErr && read != tt.size {
				t.Errorf("read %d bytes, want %d", read, tt.size)
			}
		})
	}
}

func TestMaxBodySize_DeclaredLengthRejectedEarly(t *testing.T) {
	t.Parallel()

	reject := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	}
	status, _, _, called := upload(t, 1024, 2048, false, reject)
	if called {
		t.Error("handler ran for a body declared over the limit")
	}
	if status != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", status)
	}
}

func TestMaxBodySize_NilRejectFallsBackToReader(t *testing.T) {
	t.Parallel()

	_, _, err, called := upload(t, 1024, 2048, false, nil)
	if !called {
		t.Fatal("handler should run when no reject func is set")
	}
	var maxErr *http.MaxBytesError
	if !errors.As(err, &maxErr) {
		t.Errorf("expected *http.MaxBytesError, got %v", err)
	}
}
