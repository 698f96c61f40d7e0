// Package signedurl issues and redeems time-limited, tamper-evident tokens
// that authorize fetching a single archive file.
//
// A token is the base64url (unpadded) encoding of
//
//	payload || HMAC-SHA256(secret, payload)
//
// where payload is
//
//	version(1) | expiresAt unix seconds (int64 BE) |
//	len(issuedFor) (uint16 BE) | issuedFor | len(path) (uint16 BE) | path
//
// The fields are authenticated but not encrypted. Clients can read the
// expiry to show "link expired" without a round trip.
package signedurl

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

const (
	tokenVersion = 1
	macSize      = sha256.Size
	// version + expiry + two length prefixes
	minPayload = 1 + 8 + 2 + 2
)

var (
	// ErrInvalid means the token is malformed or undecodable.
	ErrInvalid = errors.New("signedurl: invalid token")
	// ErrTampered means the signature does not match the token contents.
	ErrTampered = errors.New("signedurl: signature mismatch")
	// ErrExpired means the signature is valid but the validity window is over.
	ErrExpired = errors.New("signedurl: token expired")
	// ErrTTL is returned by Issue for a non-positive ttl or one above the cap.
	ErrTTL = errors.New("signedurl: ttl out of range")
)

var encoding = base64.RawURLEncoding.Strict()

// Claims are the authenticated contents of a redeemed token.
type Claims struct {
	Path      string
	IssuedFor string
	ExpiresAt time.Time
}

// Codec issues and redeems tokens with a process-wide secret. It is safe for
// concurrent use; Rotate serializes with other rotations and never blocks
// Issue or Redeem.
type Codec struct {
	secret atomic.Pointer[[]byte]
	mu     sync.Mutex // serializes Rotate

	maxTTL time.Duration
	now    func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithMaxTTL caps the validity window of issued and redeemed tokens. Zero
// means no cap.
func WithMaxTTL(d time.Duration) Option {
	return func(c *Codec) { c.maxTTL = d }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// NewCodec creates a codec keyed by secret, which must be at least
// MinSecretLen bytes.
func NewCodec(secret []byte, opts ...Option) (*Codec, error) {
	if err := checkSecret(secret); err != nil {
		return nil, err
	}
	c := &Codec{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	s := append([]byte(nil), secret...)
	c.secret.Store(&s)
	return c, nil
}

// MaxTTL returns the configured cap, zero if uncapped.
func (c *Codec) MaxTTL() time.Duration {
	return c.maxTTL
}

// Rotate replaces the signing secret. Every outstanding token becomes
// Tampered immediately.
func (c *Codec) Rotate(secret []byte) error {
	if err := checkSecret(secret); err != nil {
		return err
	}
	s := append([]byte(nil), secret...)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.secret.Store(&s)
	return nil
}

// Issue returns a token authorizing path for issuedFor until now+ttl.
func (c *Codec) Issue(path, issuedFor string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 || (c.maxTTL > 0 && ttl > c.maxTTL) {
		return "", time.Time{}, fmt.Errorf("%w: %s", ErrTTL, ttl)
	}
	if path == "" || issuedFor == "" {
		return "", time.Time{}, fmt.Errorf("%w: empty path or issuer", ErrInvalid)
	}
	if len(path) > math.MaxUint16 || len(issuedFor) > math.MaxUint16 {
		return "", time.Time{}, fmt.Errorf("%w: field too long", ErrInvalid)
	}

	// Whole seconds on the wire; round up so a token is never born expired.
	expiresAt := c.now().Add(ttl)
	if t := expiresAt.Truncate(time.Second); !t.Equal(expiresAt) {
		expiresAt = t.Add(time.Second)
	}

	buf := make([]byte, 0, minPayload+len(issuedFor)+len(path)+macSize)
	buf = append(buf, tokenVersion)
	buf = binary.BigEndian.AppendUint64(buf, uint64(expiresAt.Unix()))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(issuedFor)))
	buf = append(buf, issuedFor...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(path)))
	buf = append(buf, path...)
	buf = append(buf, c.sign(buf)...)

	return encoding.EncodeToString(buf), expiresAt, nil
}

// Redeem validates token and returns its claims. The signature is checked
// before any field is interpreted, so any modification of a well-formed
// token reports ErrTampered.
func (c *Codec) Redeem(token string) (*Claims, error) {
	raw, err := encoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalid
	}
	if len(raw) < minPayload+macSize {
		return nil, ErrInvalid
	}

	payload, mac := raw[:len(raw)-macSize], raw[len(raw)-macSize:]
	if !hmac.Equal(mac, c.sign(payload)) {
		return nil, ErrTampered
	}

	claims, err := parsePayload(payload)
	if err != nil {
		return nil, err
	}

	now := c.now()
	if now.After(claims.ExpiresAt) {
		return nil, ErrExpired
	}
	if c.maxTTL > 0 && claims.ExpiresAt.Sub(now) > c.maxTTL+time.Second {
		// Signed under a longer cap than the one now configured.
		return nil, fmt.Errorf("%w: expires too late", ErrInvalid)
	}
	return claims, nil
}

func (c *Codec) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, *c.secret.Load())
	mac.Write(payload)
	return mac.Sum(nil)
}

func parsePayload(p []byte) (*Claims, error) {
	if len(p) < minPayload || p[0] != tokenVersion {
		return nil, ErrInvalid
	}
	expires := int64(binary.BigEndian.Uint64(p[1:9]))
	rest := p[9:]

	issuedFor, rest, ok := readField(rest)
	if !ok {
		return nil, ErrInvalid
	}
	path, rest, ok := readField(rest)
	if !ok || len(rest) != 0 || issuedFor == "" || path == "" {
		return nil, ErrInvalid
	}

	return &Claims{
		Path:      path,
		IssuedFor: issuedFor,
		ExpiresAt: time.Unix(expires, 0),
	}, nil
}

func readField(b []byte) (string, []byte, bool) {
	if len(b) < 2 {
		return "", nil, false
	}
	n := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) < n {
		return "", nil, false
	}
	return string(b[:n]), b[n:], true
}
