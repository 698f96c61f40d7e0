package gate

import (
	"net/http"
)

// Resolver maps a request to the target it wants to act on. It must not
// touch the filesystem: resolution happens before authentication.
type Resolver func(r *http.Request) (Target, error)

// RejectFunc writes the response for a non-Allow decision.
type RejectFunc func(w http.ResponseWriter, r *http.Request, d Decision)

// Middleware returns Chi-compatible middleware running Check on every
// request. On Allow the identity and target are attached to the context.
func (g *Gate) Middleware(resolve Resolver, reject RejectFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			target, err := resolve(r)
			if err != nil {
				reject(w, r, Decision{Verdict: Deny, Reason: err})
				return
			}

			d := g.Check(r, target)
			if !d.Allowed() {
				reject(w, r, d)
				return
			}

			ctx := WithTarget(WithIdentity(r.Context(), d.Identity), target)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAPIKey returns middleware that authenticates with an API key only.
// Signed URLs and anonymous requests are rejected. Used for account and
// link-issuing endpoints that are not tied to one file.
func (g *Gate) RequireAPIKey(reject RejectFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			creds := g.Extract(r)

			var d Decision
			switch creds.Kind {
			case APIKey:
				d = g.Authenticate(r.Context(), creds)
			case SignedURL:
				d = Decision{Verdict: Unauthorized, Reason: errSignedURLScope}
			default:
				d = Decision{Verdict: Unauthorized, Reason: errNoCredential}
			}

			if !d.Allowed() {
				g.record(r, creds.Kind, Target{}, d)
				reject(w, r, d)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), d.Identity)))
		})
	}
}
