package gate

import (
	"errors"
	"fmt"
)

// Verdict is the closed set of outcomes of an access decision.
type Verdict int

const (
	// Allow means the request may proceed.
	Allow Verdict = iota
	// Deny means the identity is known but lacks permission.
	Deny
	// Unauthorized means no usable identity could be established.
	Unauthorized
	// Expired means a signed URL was genuine but is past its expiry.
	Expired
	// Tampered means a signed URL's signature did not match.
	Tampered
	// Invalid means a signed URL could not be decoded.
	Invalid
)

// String returns the verdict name used in logs and metrics.
func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case Unauthorized:
		return "unauthorized"
	case Expired:
		return "expired"
	case Tampered:
		return "tampered"
	case Invalid:
		return "invalid"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// External collapses the authentication failures into Unauthorized so
// callers facing clients cannot tell them apart.
func (v Verdict) External() Verdict {
	switch v {
	case Expired, Tampered, Invalid:
		return Unauthorized
	default:
		return v
	}
}

var (
	// ErrUnauthorized is the single externally visible authentication failure.
	ErrUnauthorized = errors.New("gate: unauthorized")

	// ErrForbidden means a known identity lacks the required level.
	ErrForbidden = errors.New("gate: insufficient permissions")

	// ErrReadOnly means the server refuses modifying actions.
	ErrReadOnly = errors.New("gate: server is read-only")

	// ErrSignedURLMethod means a signed URL was presented with a method
	// other than GET or HEAD.
	ErrSignedURLMethod = errors.New("gate: signed URLs only permit GET and HEAD")

	// Internal reasons behind Unauthorized. Logged and counted, never
	// returned to clients.
	errNoCredential   = errors.New("no credential presented")
	errPathMismatch   = errors.New("signed URL does not cover this path")
	errSignedURLScope = errors.New("signed URL not accepted here")
)
