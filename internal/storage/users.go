package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sipico/breadbox/internal/permission"
)

const userColumns = "id, name, key_hash, key_lookup, created_at, revoked_at"

// CreateUser inserts u and its grants in one transaction.
// Returns ErrDuplicate if the id or name is taken.
func (s *SQLiteStorage) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" || u.Name == "" {
		return errors.New("user id and name required")
	}
	if u.KeyHash == "" || u.KeyLookup == "" {
		return errors.New("user key hash and lookup required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		"INSERT INTO users (id, name, key_hash, key_lookup, created_at, revoked_at) VALUES (?, ?, ?, ?, ?, ?)",
		u.ID, u.Name, u.KeyHash, u.KeyLookup, u.CreatedAt.UTC(), nullTime(u.RevokedAt))
	if err != nil {
		if isConstraintError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	for archive, level := range u.Grants {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO grants (user_id, archive, level) VALUES (?, ?, ?)",
			u.ID, archive, level.String()); err != nil {
			return fmt.Errorf("failed to insert grant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit user: %w", err)
	}
	return nil
}

// GetUser retrieves a user and its grants by id.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStorage) GetUser(ctx context.Context, id string) (*User, error) {
	return s.getUser(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
}

// GetUserByName retrieves a user and its grants by name.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStorage) GetUserByName(ctx context.Context, name string) (*User, error) {
	return s.getUser(ctx, "SELECT "+userColumns+" FROM users WHERE name = ?", name)
}

func (s *SQLiteStorage) getUser(ctx context.Context, query string, arg string) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id, archive, level FROM grants WHERE user_id = ?", u.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query grants: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	if err := scanGrants(rows, map[string]*User{u.ID: u}); err != nil {
		return nil, err
	}
	return u, nil
}

// ListUsers returns all users with their grants, oldest first.
// Returns empty slice if no users exist.
func (s *SQLiteStorage) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+userColumns+" FROM users ORDER BY created_at ASC, name ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}

	users := make([]*User, 0)
	byID := make(map[string]*User)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			_ = rows.Close() //nolint:errcheck
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		users = append(users, u)
		byID[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close() //nolint:errcheck
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	// Single connection: release it before the next query.
	_ = rows.Close() //nolint:errcheck

	grantRows, err := s.db.QueryContext(ctx, "SELECT user_id, archive, level FROM grants")
	if err != nil {
		return nil, fmt.Errorf("failed to query grants: %w", err)
	}
	defer grantRows.Close() //nolint:errcheck

	if err := scanGrants(grantRows, byID); err != nil {
		return nil, err
	}
	return users, nil
}

// RevokeUser marks a user revoked at the given time. Revoking an already
// revoked user keeps the original timestamp.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStorage) RevokeUser(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE users SET revoked_at = COALESCE(revoked_at, ?) WHERE id = ?",
		at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to revoke user: %w", err)
	}
	return requireRow(result)
}

// UpdateUserKey replaces the stored hash for a reissued key.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStorage) UpdateUserKey(ctx context.Context, id, keyHash, keyLookup string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE users SET key_hash = ?, key_lookup = ? WHERE id = ?",
		keyHash, keyLookup, id)
	if err != nil {
		return fmt.Errorf("failed to update user key: %w", err)
	}
	return requireRow(result)
}

// DeleteUser removes a user. Grants cascade.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStorage) DeleteUser(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return requireRow(result)
}

// SetGrant creates or replaces the user's grant on archive.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStorage) SetGrant(ctx context.Context, userID, archive string, level permission.Level) error {
	if archive == "" {
		return errors.New("archive required")
	}
	if !level.Valid() {
		return fmt.Errorf("%w: %d", permission.ErrUnknownLevel, int(level))
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO grants (user_id, archive, level) VALUES (?, ?, ?)
		 ON CONFLICT (user_id, archive) DO UPDATE SET level = excluded.level`,
		userID, archive, level.String())
	if err != nil {
		if isConstraintError(err) {
			// Foreign key failure: no such user
			return ErrNotFound
		}
		return fmt.Errorf("failed to set grant: %w", err)
	}
	return nil
}

// RemoveGrant deletes the user's grant on archive.
// Returns ErrNotFound if no such grant exists.
func (s *SQLiteStorage) RemoveGrant(ctx context.Context, userID, archive string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM grants WHERE user_id = ? AND archive = ?", userID, archive)
	if err != nil {
		return fmt.Errorf("failed to remove grant: %w", err)
	}
	return requireRow(result)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var revoked sql.NullTime
	if err := row.Scan(&u.ID, &u.Name, &u.KeyHash, &u.KeyLookup, &u.CreatedAt, &revoked); err != nil {
		return nil, err
	}
	if revoked.Valid {
		at := revoked.Time
		u.RevokedAt = &at
	}
	u.Grants = make(map[string]permission.Level)
	return &u, nil
}

func scanGrants(rows *sql.Rows, byID map[string]*User) error {
	for rows.Next() {
		var userID, archive, levelName string
		if err := rows.Scan(&userID, &archive, &levelName); err != nil {
			return fmt.Errorf("failed to scan grant row: %w", err)
		}
		level, err := permission.ParseLevel(levelName)
		if err != nil {
			return fmt.Errorf("grant %s/%s: %w", userID, archive, err)
		}
		if u, ok := byID[userID]; ok {
			u.Grants[archive] = level
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating grants: %w", err)
	}
	return nil
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
