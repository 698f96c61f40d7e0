// Package mockstore provides a configurable mock implementation of storage interfaces for testing.
//
// The MockStorage type uses function fields for each method, allowing tests to customize behavior
// as needed while providing sensible defaults for methods that aren't customized.
package mockstore

import (
	"context"
	"time"

	"github.com/sipico/breadbox/internal/permission"
	"github.com/sipico/breadbox/internal/storage"
)

// MockStorage is a configurable mock implementation of storage.Storage.
// Each method can be customized by setting the corresponding function field.
// If a function field is nil, the method returns a sensible default value.
type MockStorage struct {
	// User operations
	CreateUserFunc    func(ctx context.Context, u *storage.User) error
	GetUserFunc       func(ctx context.Context, id string) (*storage.User, error)
	GetUserByNameFunc func(ctx context.Context, name string) (*storage.User, error)
	ListUsersFunc     func(ctx context.Context) ([]*storage.User, error)
	RevokeUserFunc    func(ctx context.Context, id string, at time.Time) error
	UpdateUserKeyFunc func(ctx context.Context, id, keyHash, keyLookup string) error
	DeleteUserFunc    func(ctx context.Context, id string) error

	// Grant operations
	SetGrantFunc    func(ctx context.Context, userID, archive string, level permission.Level) error
	RemoveGrantFunc func(ctx context.Context, userID, archive string) error

	// Lifecycle
	PingFunc  func(ctx context.Context) error
	CloseFunc func() error
}

// CreateUser stores a new user.
func (m *MockStorage) CreateUser(ctx context.Context, u *storage.User) error {
	if m.CreateUserFunc != nil {
		return m.CreateUserFunc(ctx, u)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (m *MockStorage) GetUser(ctx context.Context, id string) (*storage.User, error) {
	if m.GetUserFunc != nil {
		return m.GetUserFunc(ctx, id)
	}
	return nil, storage.ErrNotFound
}

// GetUserByName retrieves a user by name.
func (m *MockStorage) GetUserByName(ctx context.Context, name string) (*storage.User, error) {
	if m.GetUserByNameFunc != nil {
		return m.GetUserByNameFunc(ctx, name)
	}
	return nil, storage.ErrNotFound
}

// ListUsers retrieves all users.
func (m *MockStorage) ListUsers(ctx context.Context) ([]*storage.User, error) {
	if m.ListUsersFunc != nil {
		return m.ListUsersFunc(ctx)
	}
	return []*storage.User{}, nil
}

// RevokeUser marks a user revoked.
func (m *MockStorage) RevokeUser(ctx context.Context, id string, at time.Time) error {
	if m.RevokeUserFunc != nil {
		return m.RevokeUserFunc(ctx, id, at)
	}
	return nil
}

// UpdateUserKey replaces a user's key hash.
func (m *MockStorage) UpdateUserKey(ctx context.Context, id, keyHash, keyLookup string) error {
	if m.UpdateUserKeyFunc != nil {
		return m.UpdateUserKeyFunc(ctx, id, keyHash, keyLookup)
	}
	return nil
}

// DeleteUser removes a user.
func (m *MockStorage) DeleteUser(ctx context.Context, id string) error {
	if m.DeleteUserFunc != nil {
		return m.DeleteUserFunc(ctx, id)
	}
	return nil
}

// SetGrant sets a user's level on an archive.
func (m *MockStorage) SetGrant(ctx context.Context, userID, archive string, level permission.Level) error {
	if m.SetGrantFunc != nil {
		return m.SetGrantFunc(ctx, userID, archive, level)
	}
	return nil
}

// RemoveGrant removes a user's grant on an archive.
func (m *MockStorage) RemoveGrant(ctx context.Context, userID, archive string) error {
	if m.RemoveGrantFunc != nil {
		return m.RemoveGrantFunc(ctx, userID, archive)
	}
	return nil
}

// Ping checks the database connection.
func (m *MockStorage) Ping(ctx context.Context) error {
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return nil
}

// Close closes the storage.
func (m *MockStorage) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}
