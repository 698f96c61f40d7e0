package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sipico/breadbox/internal/metrics"
)

// idleClientTTL is how long an idle client's bucket is kept.
const idleClientTTL = 10 * time.Minute

type client struct {
	limiter *rate.Limiter
	// penalty gates exempt requests; it is spent by Charge.
	penalty  *rate.Limiter
	pending  int // exempt requests in flight
	lastSeen time.Time
}

// RateLimiter applies a token bucket per client address.
//
// Exempt requests do not spend the regular bucket, but they are admitted
// only while the client has penalty budget left, counting those still in
// flight. A handler calls Charge for an exempt request that turned out not
// to deserve the exemption, such as a failed authentication.
type RateLimiter struct {
	limit  rate.Limit
	burst  int
	exempt func(*http.Request) bool
	reject http.HandlerFunc
	now    func() time.Time

	mu        sync.Mutex
	clients   map[string]*client
	lastSweep time.Time
}

// NewRateLimiter allows rps requests per second with bursts of burst per
// client. Requests for which exempt returns true are only counted when
// charged; reject writes the response for throttled requests.
func NewRateLimiter(rps float64, burst int, exempt func(*http.Request) bool, reject http.HandlerFunc) *RateLimiter {
	if reject == nil {
		reject = func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}
	}
	return &RateLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		exempt:  exempt,
		reject:  reject,
		now:     time.Now,
		clients: make(map[string]*client),
	}
}

// Middleware enforces the limit. Run it after chi's RealIP so proxied
// clients are keyed by their own address.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := clientAddr(r)
		if rl.exempt != nil && rl.exempt(r) {
			if !rl.admit(addr) {
				rl.throttle(w, r)
				return
			}
			charge := new(pendingCharge)
			defer func() { rl.finish(addr, charge.charged) }()
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), chargeKey{}, charge)))
			return
		}
		if !rl.allow(addr) {
			rl.throttle(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) throttle(w http.ResponseWriter, r *http.Request) {
	metrics.RecordRateLimited()
	w.Header().Set("Retry-After", "1")
	rl.reject(w, r)
}

func (rl *RateLimiter) allow(addr string) bool {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.clientLocked(addr, now).limiter.AllowN(now, 1)
}

// admit reserves room for an exempt request in the penalty bucket.
func (rl *RateLimiter) admit(addr string) bool {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	c := rl.clientLocked(addr, now)
	if c.penalty.TokensAt(now)-float64(c.pending) < 1 {
		return false
	}
	c.pending++
	return true
}

func (rl *RateLimiter) finish(addr string, charged bool) {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	c := rl.clientLocked(addr, now)
	if c.pending > 0 {
		c.pending--
	}
	if charged {
		c.penalty.AllowN(now, 1)
	}
}

// clientLocked returns the bucket pair for addr, sweeping idle clients
// first. rl.mu must be held.
func (rl *RateLimiter) clientLocked(addr string, now time.Time) *client {
	if now.Sub(rl.lastSweep) > idleClientTTL {
		for k, c := range rl.clients {
			if c.pending == 0 && now.Sub(c.lastSeen) > idleClientTTL {
				delete(rl.clients, k)
			}
		}
		rl.lastSweep = now
	}

	c, ok := rl.clients[addr]
	if !ok {
		c = &client{
			limiter: rate.NewLimiter(rl.limit, rl.burst),
			penalty: rate.NewLimiter(rl.limit, rl.burst),
		}
		rl.clients[addr] = c
	}
	c.lastSeen = now
	return c
}

type chargeKey struct{}

type pendingCharge struct{ charged bool }

// Charge makes an exempt request spend its client's penalty budget. It is a
// no-op for requests the limiter counted normally or did not see.
func Charge(ctx context.Context) {
	if p, ok := ctx.Value(chargeKey{}).(*pendingCharge); ok {
		p.charged = true
	}
}

// Len reports how many clients are being tracked.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
