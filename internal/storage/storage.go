// Package storage persists Breadbox users and their archive grants in SQLite.
package storage

import (
	"context"
	"time"

	"github.com/sipico/breadbox/internal/permission"
)

// Storage defines the interface for SQLite persistence operations.
type Storage interface {
	// User operations
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByName(ctx context.Context, name string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	RevokeUser(ctx context.Context, id string, at time.Time) error
	UpdateUserKey(ctx context.Context, id, keyHash, keyLookup string) error
	DeleteUser(ctx context.Context, id string) error

	// Grant operations
	SetGrant(ctx context.Context, userID, archive string, level permission.Level) error
	RemoveGrant(ctx context.Context, userID, archive string) error

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}
