package permission

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied means the effective level is below what the action
	// requires.
	ErrPermissionDenied = errors.New("permission: denied")

	// ErrUnknownArchive means the archive is not configured. It wraps
	// ErrPermissionDenied so callers treating both as a denial can match
	// either.
	ErrUnknownArchive = fmt.Errorf("%w: unknown archive", ErrPermissionDenied)
)

// Grantee is anything holding explicit per-archive grants.
type Grantee interface {
	// GrantFor returns the explicit grant for archive, if any. Archive names
	// are matched exactly.
	GrantFor(archive string) (Level, bool)
}

// Evaluator decides allow/deny from explicit grants and archive defaults.
// It is immutable after construction and safe for concurrent use.
type Evaluator struct {
	defaults map[string]Level
}

// NewEvaluator creates an evaluator from archive name to default level.
// The map is copied.
func NewEvaluator(defaults map[string]Level) *Evaluator {
	d := make(map[string]Level, len(defaults))
	for name, level := range defaults {
		d[name] = level
	}
	return &Evaluator{defaults: d}
}

// HasArchive reports whether archive is configured.
func (e *Evaluator) HasArchive(archive string) bool {
	_, ok := e.defaults[archive]
	return ok
}

// Default returns the archive's default level and whether it exists.
func (e *Evaluator) Default(archive string) (Level, bool) {
	level, ok := e.defaults[archive]
	return level, ok
}

// Effective returns the level g holds on archive: the explicit grant when
// present, otherwise the archive default. A nil g is anonymous.
func (e *Evaluator) Effective(g Grantee, archive string) (Level, error) {
	def, ok := e.defaults[archive]
	if !ok {
		return None, ErrUnknownArchive
	}
	if g != nil {
		if level, granted := g.GrantFor(archive); granted {
			return level, nil
		}
	}
	return def, nil
}

// Evaluate returns nil when g may perform action on archive, and an error
// wrapping ErrPermissionDenied otherwise.
func (e *Evaluator) Evaluate(g Grantee, archive string, action Action) error {
	level, err := e.Effective(g, archive)
	if err != nil {
		return err
	}
	if level < Required(action) {
		return fmt.Errorf("%w: %s requires %s on %q, have %s",
			ErrPermissionDenied, action, Required(action), archive, level)
	}
	return nil
}

// AnonymousAllowed reports whether an unauthenticated request may perform
// action on archive.
func (e *Evaluator) AnonymousAllowed(archive string, action Action) bool {
	return e.Evaluate(nil, archive, action) == nil
}
