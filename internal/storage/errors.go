package storage

import "errors"

// Sentinel errors returned by Storage implementations. Callers compare
// with errors.Is; the SQLite driver error is never exposed directly.
var (
	ErrDuplicate = errors.New("storage: user id or name already taken")
	ErrNotFound  = errors.New("storage: no such record")
)
