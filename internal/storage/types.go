package storage

import (
	"time"

	"github.com/sipico/breadbox/internal/permission"
)

// User is an account able to authenticate with an API key.
type User struct {
	ID        string
	Name      string
	KeyHash   string // Argon2id PHC string; the raw key is never stored
	KeyLookup string // non-secret fast-reject index, see keyhash.Lookup
	Grants    map[string]permission.Level
	CreatedAt time.Time
	RevokedAt *time.Time
}

// GrantFor implements permission.Grantee.
func (u *User) GrantFor(archive string) (permission.Level, bool) {
	if u == nil {
		return permission.None, false
	}
	level, ok := u.Grants[archive]
	return level, ok
}

// Revoked reports whether the user has been revoked.
func (u *User) Revoked() bool {
	return u.RevokedAt != nil
}

// Clone returns a deep copy of u.
func (u *User) Clone() *User {
	c := *u
	c.Grants = make(map[string]permission.Level, len(u.Grants))
	for archive, level := range u.Grants {
		c.Grants[archive] = level
	}
	if u.RevokedAt != nil {
		at := *u.RevokedAt
		c.RevokedAt = &at
	}
	return &c
}
