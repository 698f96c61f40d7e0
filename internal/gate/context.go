package gate

import (
	"context"
)

// ctxKey is a private type for context keys to prevent collisions.
type ctxKey int

const (
	identityKey ctxKey = iota // stores *Identity
	targetKey                 // stores Target
)

// WithIdentity adds the resolved identity to the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext retrieves the identity attached by the gate middleware.
// Returns nil if the request did not pass through it.
func IdentityFromContext(ctx context.Context) *Identity {
	if v := ctx.Value(identityKey); v != nil {
		if id, ok := v.(*Identity); ok {
			return id
		}
	}
	return nil
}

// WithTarget adds the authorized target to the context.
func WithTarget(ctx context.Context, t Target) context.Context {
	return context.WithValue(ctx, targetKey, t)
}

// TargetFromContext retrieves the target the request was authorized for.
func TargetFromContext(ctx context.Context) (Target, bool) {
	t, ok := ctx.Value(targetKey).(Target)
	return t, ok
}
