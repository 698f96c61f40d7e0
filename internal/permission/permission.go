// Package permission evaluates per-archive access for users and anonymous
// requests.
package permission

import (
	"errors"
	"fmt"
	"strings"
)

// Level is a permission level. Levels are totally ordered:
// None < Read < ReadWrite < Admin.
type Level int

const (
	// None grants nothing.
	None Level = iota
	// Read allows listing and downloading.
	Read
	// ReadWrite additionally allows uploads.
	ReadWrite
	// Admin additionally allows deletion.
	Admin
)

// String returns the configuration spelling of the level.
func (l Level) String() string {
	switch l {
	case None:
		return "none"
	case Read:
		return "read"
	case ReadWrite:
		return "readwrite"
	case Admin:
		return "admin"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	return l >= None && l <= Admin
}

// ErrUnknownLevel is returned by ParseLevel for unrecognised input.
var ErrUnknownLevel = errors.New("permission: unknown level")

// ParseLevel parses a level name, case-insensitively.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return None, nil
	case "read":
		return Read, nil
	case "readwrite", "read_write", "read-write":
		return ReadWrite, nil
	case "admin":
		return Admin, nil
	default:
		return None, fmt.Errorf("%w: %q", ErrUnknownLevel, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLevel, int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Action is an operation on an archive.
type Action int

const (
	// ActionList lists a directory.
	ActionList Action = iota
	// ActionRead downloads a file.
	ActionRead
	// ActionWrite uploads or modifies a file.
	ActionWrite
	// ActionAdmin deletes files and other destructive operations.
	ActionAdmin
)

// String returns the action name used in logs and metrics.
func (a Action) String() string {
	switch a {
	case ActionList:
		return "list"
	case ActionRead:
		return "read"
	case ActionWrite:
		return "write"
	case ActionAdmin:
		return "admin"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Required returns the minimum level needed to perform a. Unknown actions
// require a level above Admin and therefore are never allowed.
func Required(a Action) Level {
	switch a {
	case ActionList, ActionRead:
		return Read
	case ActionWrite:
		return ReadWrite
	case ActionAdmin:
		return Admin
	default:
		return Admin + 1
	}
}
