// Package gate decides, per request, who is asking and whether they may
// perform an action on an archive.
//
// Every request moves through Unauthenticated, then Authenticated or
// Rejected, then Authorized or Denied. Authentication failures are
// collapsed into a single Unauthorized outcome for clients; the specific
// reason is only logged and counted.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/sipico/breadbox/internal/credentials"
	"github.com/sipico/breadbox/internal/metrics"
	"github.com/sipico/breadbox/internal/permission"
	"github.com/sipico/breadbox/internal/signedurl"
	"github.com/sipico/breadbox/internal/storage"
)

// Users resolves credentials to users.
type Users interface {
	FindByRawKey(ctx context.Context, rawKey string) (*storage.User, error)
	FindByID(ctx context.Context, id string) (*storage.User, error)
}

// Redeemer validates signed URL tokens.
type Redeemer interface {
	Redeem(token string) (*signedurl.Claims, error)
}

// Identity is the resolved requester. A nil User means anonymous.
type Identity struct {
	User   *storage.User
	Via    CredentialKind
	Claims *signedurl.Claims // set when Via is SignedURL
}

// Anonymous reports whether no user was resolved.
func (id *Identity) Anonymous() bool {
	return id == nil || id.User == nil
}

// Name returns the user name, or "anonymous".
func (id *Identity) Name() string {
	if id.Anonymous() {
		return "anonymous"
	}
	return id.User.Name
}

// Target is what a request wants to do.
type Target struct {
	Archive string
	Path    string // relative to the archive root, no leading slash
	Action  permission.Action
}

// Resource returns the archive-qualified path signed URLs are issued for,
// e.g. "Anime/ep01.mkv".
func (t Target) Resource() string {
	return Resource(t.Archive, t.Path)
}

// Resource joins an archive name and a relative path.
func Resource(archive, path string) string {
	if path == "" {
		return archive
	}
	return archive + "/" + path
}

// Decision is the outcome of a gate operation.
type Decision struct {
	Verdict  Verdict
	Identity *Identity
	// Reason explains a non-Allow verdict. For authentication failures it
	// is internal and must not reach clients; use Err for that.
	Reason error
}

// Allowed reports whether the verdict is Allow.
func (d Decision) Allowed() bool {
	return d.Verdict == Allow
}

// Err returns the client-safe error for the decision, or nil on Allow.
// Every authentication failure maps to ErrUnauthorized. Denials keep their
// reason, which always wraps ErrForbidden, ErrReadOnly or
// ErrSignedURLMethod, or a resolution error from the caller.
func (d Decision) Err() error {
	switch d.Verdict.External() {
	case Allow:
		return nil
	case Deny:
		if d.Reason != nil {
			return d.Reason
		}
		return ErrForbidden
	default:
		return ErrUnauthorized
	}
}

// Config holds gate settings fixed for the process lifetime.
type Config struct {
	Transport Transport
	ReadOnly  bool
}

// Gate is the access gate. It is safe for concurrent use.
type Gate struct {
	users     Users
	codec     Redeemer
	evaluator *permission.Evaluator
	transport Transport
	readOnly  bool
	logger    *slog.Logger
}

// New creates a gate. A nil codec disables signed URLs.
func New(users Users, codec Redeemer, evaluator *permission.Evaluator, cfg Config, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	t := cfg.Transport
	if codec == nil {
		t.SignedURLs = false
	}
	return &Gate{
		users:     users,
		codec:     codec,
		evaluator: evaluator,
		transport: t,
		readOnly:  cfg.ReadOnly,
		logger:    logger,
	}
}

// Extract reads the request's credential using the configured transport.
func (g *Gate) Extract(r *http.Request) Credentials {
	return g.transport.Extract(r)
}

// Authenticate resolves creds to an identity. The verdict is Allow on
// success and one of Unauthorized, Expired, Tampered or Invalid otherwise.
func (g *Gate) Authenticate(ctx context.Context, creds Credentials) Decision {
	switch creds.Kind {
	case APIKey:
		user, err := g.users.FindByRawKey(ctx, creds.APIKey)
		if err != nil {
			return Decision{Verdict: Unauthorized, Reason: err}
		}
		return Decision{Verdict: Allow, Identity: &Identity{User: user, Via: APIKey}}

	case SignedURL:
		if g.codec == nil {
			return Decision{Verdict: Unauthorized, Reason: errSignedURLScope}
		}
		claims, err := g.codec.Redeem(creds.Token)
		switch {
		case errors.Is(err, signedurl.ErrExpired):
			return Decision{Verdict: Expired, Reason: err}
		case errors.Is(err, signedurl.ErrTampered):
			return Decision{Verdict: Tampered, Reason: err}
		case err != nil:
			return Decision{Verdict: Invalid, Reason: err}
		}
		// The issuer must still exist and not be revoked.
		user, err := g.users.FindByID(ctx, claims.IssuedFor)
		if err != nil {
			return Decision{Verdict: Unauthorized, Reason: err}
		}
		return Decision{Verdict: Allow, Identity: &Identity{User: user, Via: SignedURL, Claims: claims}}

	default:
		return Decision{Verdict: Unauthorized, Reason: errNoCredential}
	}
}

// Authorize asks the permission evaluator whether id may perform action on
// archive. A nil or anonymous id is evaluated against archive defaults.
func (g *Gate) Authorize(id *Identity, archive string, action permission.Action) Decision {
	var grantee permission.Grantee
	if !id.Anonymous() {
		grantee = id.User
	}
	if err := g.evaluator.Evaluate(grantee, archive, action); err != nil {
		return Decision{Verdict: Deny, Identity: id, Reason: fmt.Errorf("%w: %w", ErrForbidden, err)}
	}
	return Decision{Verdict: Allow, Identity: id}
}

// Check runs the full pipeline for a request against target: read-only
// mode, credential extraction, authentication, signed URL scope and
// permission evaluation. Signed URLs are re-authorized against the issuer's
// current grants.
func (g *Gate) Check(r *http.Request, target Target) Decision {
	creds := g.Extract(r)
	d := g.check(r, creds, target)
	g.record(r, creds.Kind, target, d)
	return d
}

func (g *Gate) check(r *http.Request, creds Credentials, target Target) Decision {
	if g.readOnly && (target.Action == permission.ActionWrite || target.Action == permission.ActionAdmin) {
		return Decision{Verdict: Deny, Reason: ErrReadOnly}
	}

	if creds.Kind == SignedURL && r.Method != http.MethodGet && r.Method != http.MethodHead {
		return Decision{Verdict: Deny, Reason: ErrSignedURLMethod}
	}

	if creds.Kind == NoCredential {
		if g.evaluator.AnonymousAllowed(target.Archive, target.Action) {
			return Decision{Verdict: Allow, Identity: &Identity{Via: NoCredential}}
		}
		return Decision{Verdict: Unauthorized, Reason: errNoCredential}
	}

	d := g.Authenticate(r.Context(), creds)
	if !d.Allowed() {
		return d
	}

	if creds.Kind == SignedURL {
		// Exact resource only, never a prefix, and only file reads.
		if target.Action != permission.ActionRead || d.Identity.Claims.Path != target.Resource() {
			return Decision{Verdict: Unauthorized, Reason: errPathMismatch}
		}
	}

	return g.Authorize(d.Identity, target.Archive, target.Action)
}

// record counts and logs a decision. Raw credentials never reach the log.
func (g *Gate) record(r *http.Request, kind CredentialKind, target Target, d Decision) {
	metrics.RecordAuthVerdict(d.Verdict.External().String(), kind.String())

	attrs := []any{
		"method", r.Method,
		"archive", target.Archive,
		"path", target.Path,
		"action", target.Action.String(),
		"credential", kind.String(),
		"remote_addr", r.RemoteAddr,
	}

	switch d.Verdict {
	case Allow:
		g.logger.Info("access granted", append(attrs, "user", d.Identity.Name())...)
	case Deny:
		g.logger.Warn("access denied", append(attrs, "user", d.Identity.Name(), "reason", d.Reason.Error())...)
	default:
		reason := failureReason(d)
		metrics.RecordAuthFailure(reason)
		g.logger.Warn("authentication failed", append(attrs, "verdict", d.Verdict.String(), "reason", reason)...)
	}
}

// failureReason names an authentication failure for metrics and logs.
func failureReason(d Decision) string {
	switch {
	case d.Verdict == Expired:
		return "expired"
	case d.Verdict == Tampered:
		return "tampered"
	case d.Verdict == Invalid:
		return "invalid"
	case errors.Is(d.Reason, credentials.ErrUserRevoked):
		return "user_revoked"
	case errors.Is(d.Reason, credentials.ErrUserNotFound):
		return "user_not_found"
	case errors.Is(d.Reason, errPathMismatch):
		return "path_mismatch"
	case errors.Is(d.Reason, errSignedURLScope):
		return "signed_url_scope"
	case errors.Is(d.Reason, errNoCredential):
		return "missing_credential"
	default:
		return "other"
	}
}
