package signedurl

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var testSecret = bytes.Repeat([]byte("k"), MinSecretLen)

// fakeClock is a settable clock safe for concurrent reads.
type fakeClock struct {
	unix atomic.Int64
}

func newFakeClock(t time.Time) *fakeClock {
	c := &fakeClock{}
	c.unix.Store(t.UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time          { return time.Unix(0, c.unix.Load()) }
func (c *fakeClock) Advance(d time.Duration) { c.unix.Add(int64(d)) }

func newTestCodec(t *testing.T, opts ...Option) (*Codec, *fakeClock) {
	t.Helper()
	clock := newFakeClock(time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC))
	c, err := NewCodec(testSecret, append([]Option{WithClock(clock.Now)}, opts...)...)
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}
	return c, clock
}

func TestIssueRedeemRoundTrip(t *testing.T) {
	t.Parallel()
	c, _ := newTestCodec(t)

	ttls := []time.Duration{time.Nanosecond, 500 * time.Millisecond, time.Second, time.Minute, 24 * time.Hour}
	for _, ttl := range ttls {
		token, expiresAt, err := c.Issue("Anime/ep01.mkv", "user-1", ttl)
		if err != nil {
			t.Fatalf("Issue(ttl=%s) error = %v", ttl, err)
		}

		claims, err := c.Redeem(token)
		if err != nil {
			t.Fatalf("Redeem(ttl=%s) error = %v", ttl, err)
		}
		if claims.Path != "Anime/ep01.mkv" || claims.IssuedFor != "user-1" {
			t.Errorf("claims = %+v", claims)
		}
		if !claims.ExpiresAt.Equal(expiresAt) {
			t.Errorf("ExpiresAt = %v, want %v", claims.ExpiresAt, expiresAt)
		}
	}
}

func TestTokenIsURLSafe(t *testing.T) {
	t.Parallel()
	c, _ := newTestCodec(t)

	token, _, err := c.Issue("Anime/Some Show/ep 01?.mkv", "user-1", time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if strings.ContainsAny(token, "+/=?&# ") {
		t.Errorf("token %q is not URL safe", token)
	}
}

func TestRedeemExpiryScenario(t *testing.T) {
	t.Parallel()
	c, clock := newTestCodec(t)

	token, _, err := c.Issue("Anime/ep01.mkv", "alice", 60*time.Second)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	clock.Advance(30 * time.Second)
	if _, err := c.Redeem(token); err != nil {
		t.Fatalf("Redeem at T+30 error = %v", err)
	}

	clock.Advance(30 * time.Second)
	if _, err := c.Redeem(token); err != nil {
		t.Fatalf("Redeem at T+60 error = %v", err)
	}

	clock.Advance(time.Second)
	if _, err := c.Redeem(token); !errors.Is(err, ErrExpired) {
		t.Fatalf("Redeem at T+61 error = %v, want ErrExpired", err)
	}
}

func TestExpiredIsNeverTampered(t *testing.T) {
	t.Parallel()
	c, clock := newTestCodec(t)

	token, _, err := c.Issue("a/b", "u", time.Second)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	clock.Advance(time.Hour)

	_, err = c.Redeem(token)
	if errors.Is(err, ErrTampered) {
		t.Fatal("expired token reported as tampered")
	}
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("error = %v, want ErrExpired", err)
	}
}

func TestSingleBitFlipIsTampered(t *testing.T) {
	t.Parallel()
	c, _ := newTestCodec(t)

	token, _, err := c.Issue("Anime/ep01.mkv", "alice", time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	for i := 0; i < len(raw)*8; i++ {
		flipped := append([]byte(nil), raw...)
		flipped[i/8] ^= 1 << (i % 8)

		_, err := c.Redeem(base64.RawURLEncoding.EncodeToString(flipped))
		if !errors.Is(err, ErrTampered) {
			t.Fatalf("bit %d: error = %v, want ErrTampered", i, err)
		}
	}
}

func TestRedeemTruncatedOrExtendedIsTampered(t *testing.T) {
	t.Parallel()
	c, _ := newTestCodec(t)

	token, _, err := c.Issue("Anime/ep01.mkv", "alice", time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	raw, _ := base64.RawURLEncoding.DecodeString(token)

	variants := [][]byte{
		raw[:len(raw)-1],
		append(append([]byte(nil), raw...), 0),
		append([]byte{0}, raw...),
	}
	for i, v := range variants {
		if _, err := c.Redeem(base64.RawURLEncoding.EncodeToString(v)); !errors.Is(err, ErrTampered) {
			t.Errorf("variant %d: error = %v, want ErrTampered", i, err)
		}
	}
}

func TestRedeemInvalid(t *testing.T) {
	t.Parallel()
	c, _ := newTestCodec(t)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"not base64", "!!!not-base64!!!"},
		{"padded", "YWJjZA=="},
		{"too short", base64.RawURLEncoding.EncodeToString(make([]byte, minPayload+macSize-1))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := c.Redeem(tt.token); !errors.Is(err, ErrInvalid) {
				t.Errorf("Redeem(%q) error = %v, want ErrInvalid", tt.token, err)
			}
		})
	}
}

func TestRedeemValidMACBadStructure(t *testing.T) {
	t.Parallel()
	c, _ := newTestCodec(t)

	// Correctly signed but with a bogus version byte.
	payload := make([]byte, minPayload)
	payload[0] = 9
	raw := append(payload, c.sign(payload)...)

	if _, err := c.Redeem(base64.RawURLEncoding.EncodeToString(raw)); !errors.Is(err, ErrInvalid) {
		t.Errorf("error = %v, want ErrInvalid", err)
	}
}

func TestIssueValidation(t *testing.T) {
	t.Parallel()
	c, _ := newTestCodec(t, WithMaxTTL(720*time.Second))

	tests := []struct {
		name    string
		path    string
		user    string
		ttl     time.Duration
		wantErr error
	}{
		{"zero ttl", "a", "u", 0, ErrTTL},
		{"negative ttl", "a", "u", -time.Second, ErrTTL},
		{"over cap", "a", "u", 721 * time.Second, ErrTTL},
		{"empty path", "", "u", time.Second, ErrInvalid},
		{"empty user", "a", "", time.Second, ErrInvalid},
		{"long path", strings.Repeat("p", 1<<16), "u", time.Second, ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, _, err := c.Issue(tt.path, tt.user, tt.ttl); !errors.Is(err, tt.wantErr) {
				t.Errorf("Issue() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, _, err := c.Issue("a", "u", 720*time.Second); err != nil {
		t.Errorf("Issue at the cap error = %v", err)
	}
}

func TestRedeemExpiresTooLate(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(time.Unix(1_700_000_000, 0))

	long, err := NewCodec(testSecret, WithClock(clock.Now), WithMaxTTL(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	short, err := NewCodec(testSecret, WithClock(clock.Now), WithMaxTTL(time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	token, _, err := long.Issue("a/b", "u", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := short.Redeem(token); !errors.Is(err, ErrInvalid) {
		t.Errorf("error = %v, want ErrInvalid", err)
	}
}

func TestRotateInvalidatesTokens(t *testing.T) {
	t.Parallel()
	c, _ := newTestCodec(t)

	token, _, err := c.Issue("a/b", "u", time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if err := c.Rotate(bytes.Repeat([]byte("n"), MinSecretLen)); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if _, err := c.Redeem(token); !errors.Is(err, ErrTampered) {
		t.Errorf("old token after rotation: error = %v, want ErrTampered", err)
	}

	fresh, _, err := c.Issue("a/b", "u", time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := c.Redeem(fresh); err != nil {
		t.Errorf("new token after rotation: %v", err)
	}

	if err := c.Rotate([]byte("short")); !errors.Is(err, ErrSecret) {
		t.Errorf("Rotate(short) error = %v, want ErrSecret", err)
	}
}

func TestNewCodecRejectsShortSecret(t *testing.T) {
	t.Parallel()
	if _, err := NewCodec(make([]byte, MinSecretLen-1)); !errors.Is(err, ErrSecret) {
		t.Errorf("error = %v, want ErrSecret", err)
	}
	if _, err := NewCodec(nil); !errors.Is(err, ErrSecret) {
		t.Errorf("error = %v, want ErrSecret", err)
	}
}

func TestNewCodecCopiesSecret(t *testing.T) {
	t.Parallel()
	secret := bytes.Repeat([]byte("s"), MinSecretLen)
	c, err := NewCodec(secret)
	if err != nil {
		t.Fatal(err)
	}
	token, _, err := c.Issue("a", "u", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	secret[0] = 'x'
	if _, err := c.Redeem(token); err != nil {
		t.Errorf("mutating caller's secret affected codec: %v", err)
	}
}

func TestConcurrentRedeemAndRotate(t *testing.T) {
	t.Parallel()
	c, _ := newTestCodec(t)

	token, _, err := c.Issue("a/b", "u", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, err := c.Redeem(token)
				if err != nil && !errors.Is(err, ErrTampered) {
					t.Errorf("unexpected error: %v", err)
					return
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		secret := bytes.Repeat([]byte{byte('a' + i)}, MinSecretLen)
		if err := c.Rotate(secret); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()
}
