package storage

import (
	"database/sql"
	"fmt"
)

// migrations are applied in order; PRAGMA user_version records how many
// have run. Append only.
var migrations = []string{
	`CREATE TABLE users (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL UNIQUE,
		key_hash   TEXT NOT NULL,
		key_lookup TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		revoked_at TIMESTAMP
	);
	CREATE INDEX idx_users_key_lookup ON users(key_lookup);
	CREATE TABLE grants (
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		archive TEXT NOT NULL,
		level   TEXT NOT NULL,
		PRIMARY KEY (user_id, archive)
	);`,
}

// SchemaVersion is the user_version of a fully migrated database.
var SchemaVersion = len(migrations)

// InitSchema brings db up to SchemaVersion. Running it on a current
// database is a no-op.
func InitSchema(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	var current int
	if err := db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if current > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than supported version %d", current, len(migrations))
	}

	for v := current; v < len(migrations); v++ {
		if err := migrate(db, v); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", v+1, err)
		}
	}
	return nil
}

func migrate(db *sql.DB, v int) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(migrations[v]); err != nil {
		return err
	}
	// PRAGMA does not accept bound parameters.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
		return err
	}
	return tx.Commit()
}
