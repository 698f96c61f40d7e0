package gate

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipico/breadbox/internal/credentials"
	"github.com/sipico/breadbox/internal/keyhash"
	"github.com/sipico/breadbox/internal/permission"
	"github.com/sipico/breadbox/internal/signedurl"
	"github.com/sipico/breadbox/internal/storage"
)

var testSecret = bytes.Repeat([]byte{0x42}, 32)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	gate     *Gate
	store    *credentials.Store
	codec    *signedurl.Codec
	clock    *clock
	alice    *storage.User
	aliceKey string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	hasher := keyhash.New(keyhash.Params{Time: 1, Memory: 1024, Threads: 1, SaltLen: 16, KeyLen: 32})
	store, err := credentials.New(ctx, db, hasher)
	require.NoError(t, err)

	alice, aliceKey, err := store.Create(ctx, "alice", map[string]permission.Level{"Anime": permission.Read})
	require.NoError(t, err)

	clk := &clock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	codec, err := signedurl.NewCodec(testSecret,
		signedurl.WithMaxTTL(720*time.Second),
		signedurl.WithClock(clk.Now))
	require.NoError(t, err)

	evaluator := permission.NewEvaluator(map[string]permission.Level{
		"Anime":   permission.None,
		"Games":   permission.Read,
		"Private": permission.None,
	})

	if cfg.Transport == (Transport{}) {
		cfg.Transport = DefaultTransport
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &fixture{
		gate:     New(store, codec, evaluator, cfg, logger),
		store:    store,
		codec:    codec,
		clock:    clk,
		alice:    alice,
		aliceKey: aliceKey,
	}
}

func (f *fixture) keyRequest(method, target string) *http.Request {
	r := httptest.NewRequest(method, target, nil)
	r.Header.Set("X-API-Key", f.aliceKey)
	return r
}

func (f *fixture) sign(t *testing.T, resource string, ttl time.Duration) string {
	t.Helper()
	token, _, err := f.codec.Issue(resource, f.alice.ID, ttl)
	require.NoError(t, err)
	return token
}

func TestAuthorizeAliceScenario(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	d := f.gate.Authenticate(context.Background(), Credentials{Kind: APIKey, APIKey: f.aliceKey})
	require.True(t, d.Allowed())
	alice := d.Identity

	assert.Equal(t, Allow, f.gate.Authorize(alice, "Anime", permission.ActionRead).Verdict)
	assert.Equal(t, Allow, f.gate.Authorize(alice, "Anime", permission.ActionList).Verdict)

	write := f.gate.Authorize(alice, "Anime", permission.ActionWrite)
	assert.Equal(t, Deny, write.Verdict)
	assert.ErrorIs(t, write.Err(), ErrForbidden)

	// No grant on Games: default Read applies
	assert.Equal(t, Allow, f.gate.Authorize(alice, "Games", permission.ActionRead).Verdict)
	// No grant on Private: default None applies
	assert.Equal(t, Deny, f.gate.Authorize(alice, "Private", permission.ActionRead).Verdict)
	// Unknown archive
	unknown := f.gate.Authorize(alice, "anime", permission.ActionRead)
	assert.Equal(t, Deny, unknown.Verdict)
	assert.ErrorIs(t, unknown.Reason, permission.ErrUnknownArchive)
}

func TestCheckWithAPIKey(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	d := f.gate.Check(f.keyRequest(http.MethodGet, "/archive/Anime/ep01.mkv"),
		Target{Archive: "Anime", Path: "ep01.mkv", Action: permission.ActionRead})
	require.Equal(t, Allow, d.Verdict)
	assert.Equal(t, "alice", d.Identity.Name())
	assert.Equal(t, APIKey, d.Identity.Via)

	d = f.gate.Check(f.keyRequest(http.MethodPut, "/archive/Anime/ep02.mkv"),
		Target{Archive: "Anime", Path: "ep02.mkv", Action: permission.ActionWrite})
	assert.Equal(t, Deny, d.Verdict)
}

func TestCheckRejectsBadKeysAsUnauthorized(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	target := Target{Archive: "Games", Path: "x.iso", Action: permission.ActionRead}

	r := httptest.NewRequest(http.MethodGet, "/archive/Games/x.iso", nil)
	r.Header.Set("X-API-Key", "not-a-real-key")

	// Games allows anonymous reads, but a presented bad key is not ignored.
	d := f.gate.Check(r, target)
	assert.Equal(t, Unauthorized, d.Verdict)
	assert.ErrorIs(t, d.Err(), ErrUnauthorized)
	assert.ErrorIs(t, d.Reason, credentials.ErrUserNotFound)
}

func TestAnonymousFallback(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	d := f.gate.Check(httptest.NewRequest(http.MethodGet, "/archive/Games/x.iso", nil),
		Target{Archive: "Games", Path: "x.iso", Action: permission.ActionRead})
	require.Equal(t, Allow, d.Verdict)
	assert.True(t, d.Identity.Anonymous())

	d = f.gate.Check(httptest.NewRequest(http.MethodPut, "/archive/Games/x.iso", nil),
		Target{Archive: "Games", Path: "x.iso", Action: permission.ActionWrite})
	assert.Equal(t, Unauthorized, d.Verdict)

	d = f.gate.Check(httptest.NewRequest(http.MethodGet, "/archive/Anime/ep01.mkv", nil),
		Target{Archive: "Anime", Path: "ep01.mkv", Action: permission.ActionRead})
	assert.Equal(t, Unauthorized, d.Verdict)
	assert.ErrorIs(t, d.Err(), ErrUnauthorized)
}

func TestSignedURLExpiryScenario(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	target := Target{Archive: "Anime", Path: "ep01.mkv", Action: permission.ActionRead}

	token := f.sign(t, "Anime/ep01.mkv", 60*time.Second)
	url := "/archive/Anime/ep01.mkv?signature=" + token

	f.clock.Advance(30 * time.Second)
	d := f.gate.Check(httptest.NewRequest(http.MethodGet, url, nil), target)
	require.Equal(t, Allow, d.Verdict)
	assert.Equal(t, SignedURL, d.Identity.Via)
	assert.Equal(t, f.alice.ID, d.Identity.User.ID)

	f.clock.Advance(31 * time.Second)
	d = f.gate.Check(httptest.NewRequest(http.MethodGet, url, nil), target)
	assert.Equal(t, Expired, d.Verdict)
	assert.Equal(t, Unauthorized, d.Verdict.External())
	assert.ErrorIs(t, d.Err(), ErrUnauthorized)
}

func TestSignedURLFailuresCollapse(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	target := Target{Archive: "Anime", Path: "ep01.mkv", Action: permission.ActionRead}
	token := f.sign(t, "Anime/ep01.mkv", time.Minute)

	flipped := []byte(token)
	if flipped[5] == 'A' {
		flipped[5] = 'B'
	} else {
		flipped[5] = 'A'
	}

	tests := []struct {
		name    string
		token   string
		verdict Verdict
	}{
		{"tampered", string(flipped), Tampered},
		{"garbage", "!!!not-base64!!!", Invalid},
		{"too short", "AAAA", Invalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/archive/Anime/ep01.mkv", nil)
			q := r.URL.Query()
			q.Set("signature", tt.token)
			r.URL.RawQuery = q.Encode()

			d := f.gate.Check(r, target)
			assert.Equal(t, tt.verdict, d.Verdict)
			assert.ErrorIs(t, d.Err(), ErrUnauthorized)
		})
	}
}

func TestSignedURLExactPathOnly(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	token := f.sign(t, "Anime/ep01.mkv", time.Minute)

	tests := []struct {
		name   string
		target Target
	}{
		{"other file", Target{Archive: "Anime", Path: "ep02.mkv", Action: permission.ActionRead}},
		{"prefix", Target{Archive: "Anime", Path: "ep01.mkv.bak", Action: permission.ActionRead}},
		{"directory", Target{Archive: "Anime", Path: "", Action: permission.ActionList}},
		{"other archive", Target{Archive: "Games", Path: "ep01.mkv", Action: permission.ActionRead}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/x?signature="+token, nil)
			d := f.gate.Check(r, tt.target)
			assert.Equal(t, Unauthorized, d.Verdict)
			assert.Equal(t, "path_mismatch", failureReason(d))
		})
	}
}

func TestSignedURLMethod(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	token := f.sign(t, "Anime/ep01.mkv", time.Minute)

	head := f.gate.Check(httptest.NewRequest(http.MethodHead, "/x?signature="+token, nil),
		Target{Archive: "Anime", Path: "ep01.mkv", Action: permission.ActionRead})
	assert.Equal(t, Allow, head.Verdict)

	put := f.gate.Check(httptest.NewRequest(http.MethodPut, "/x?signature="+token, nil),
		Target{Archive: "Anime", Path: "ep01.mkv", Action: permission.ActionWrite})
	assert.Equal(t, Deny, put.Verdict)
	assert.ErrorIs(t, put.Err(), ErrSignedURLMethod)
}

func TestSignedURLReauthorizedAtRedemption(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	target := Target{Archive: "Anime", Path: "ep01.mkv", Action: permission.ActionRead}

	t.Run("revoked issuer", func(t *testing.T) {
		f := newFixture(t, Config{})
		token := f.sign(t, "Anime/ep01.mkv", time.Minute)
		require.NoError(t, f.store.Revoke(ctx, f.alice.ID))

		d := f.gate.Check(httptest.NewRequest(http.MethodGet, "/x?signature="+token, nil), target)
		assert.Equal(t, Unauthorized, d.Verdict)
		assert.ErrorIs(t, d.Reason, credentials.ErrUserRevoked)

		// And the API key itself stops working.
		d = f.gate.Check(f.keyRequest(http.MethodGet, "/x"), target)
		assert.Equal(t, Unauthorized, d.Verdict)
	})

	t.Run("grant removed", func(t *testing.T) {
		f := newFixture(t, Config{})
		token := f.sign(t, "Anime/ep01.mkv", time.Minute)
		require.NoError(t, f.store.RemoveGrant(ctx, f.alice.ID, "Anime"))

		d := f.gate.Check(httptest.NewRequest(http.MethodGet, "/x?signature="+token, nil), target)
		assert.Equal(t, Deny, d.Verdict)
		assert.ErrorIs(t, d.Err(), ErrForbidden)
	})

	t.Run("secret rotated", func(t *testing.T) {
		f := newFixture(t, Config{})
		token := f.sign(t, "Anime/ep01.mkv", time.Minute)
		require.NoError(t, f.codec.Rotate(bytes.Repeat([]byte{0x17}, 32)))

		d := f.gate.Check(httptest.NewRequest(http.MethodGet, "/x?signature="+token, nil), target)
		assert.Equal(t, Tampered, d.Verdict)
	})
}

func TestAPIKeyWinsOverSignature(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	r := f.keyRequest(http.MethodGet, "/x?signature=garbage")
	d := f.gate.Check(r, Target{Archive: "Anime", Path: "ep09.mkv", Action: permission.ActionRead})
	require.Equal(t, Allow, d.Verdict)
	assert.Equal(t, APIKey, d.Identity.Via)
}

func TestSignedURLsDisabled(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	token := f.sign(t, "Anime/ep01.mkv", time.Minute)

	g := New(f.store, nil, permission.NewEvaluator(map[string]permission.Level{"Anime": permission.None}),
		Config{Transport: DefaultTransport}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	d := g.Check(httptest.NewRequest(http.MethodGet, "/x?signature="+token, nil),
		Target{Archive: "Anime", Path: "ep01.mkv", Action: permission.ActionRead})
	assert.Equal(t, Unauthorized, d.Verdict)
	assert.Equal(t, "missing_credential", failureReason(d))
}

func TestReadOnlyMode(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{ReadOnly: true})
	ctx := context.Background()
	require.NoError(t, f.store.SetGrant(ctx, f.alice.ID, "Anime", permission.Admin))

	for _, action := range []permission.Action{permission.ActionWrite, permission.ActionAdmin} {
		d := f.gate.Check(f.keyRequest(http.MethodPut, "/x"), Target{Archive: "Anime", Path: "a", Action: action})
		assert.Equal(t, Deny, d.Verdict, action.String())
		assert.ErrorIs(t, d.Err(), ErrReadOnly)
	}

	d := f.gate.Check(f.keyRequest(http.MethodGet, "/x"), Target{Archive: "Anime", Path: "a", Action: permission.ActionRead})
	assert.Equal(t, Allow, d.Verdict)
}

func TestMonotonicGrants(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	actions := []permission.Action{permission.ActionList, permission.ActionRead, permission.ActionWrite, permission.ActionAdmin}

	allowed := func() map[permission.Action]bool {
		u, err := f.store.FindByID(ctx, f.alice.ID)
		require.NoError(t, err)
		out := make(map[permission.Action]bool)
		for _, a := range actions {
			out[a] = f.gate.Authorize(&Identity{User: u, Via: APIKey}, "Private", a).Allowed()
		}
		return out
	}

	prev := allowed()
	for _, level := range []permission.Level{permission.Read, permission.ReadWrite, permission.Admin} {
		require.NoError(t, f.store.SetGrant(ctx, f.alice.ID, "Private", level))
		next := allowed()
		for _, a := range actions {
			if prev[a] {
				assert.True(t, next[a], "raising to %s revoked %s", level, a)
			}
		}
		prev = next
	}
	for _, a := range actions {
		assert.True(t, prev[a], "admin should allow %s", a)
	}
}

func TestDecisionErr(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Decision{Verdict: Allow}.Err())
	assert.ErrorIs(t, Decision{Verdict: Deny}.Err(), ErrForbidden)
	for _, v := range []Verdict{Unauthorized, Expired, Tampered, Invalid} {
		err := Decision{Verdict: v, Reason: credentials.ErrUserRevoked}.Err()
		assert.ErrorIs(t, err, ErrUnauthorized, v.String())
		assert.NotErrorIs(t, err, credentials.ErrUserRevoked, v.String())
	}
}

func TestLogsNeverContainCredentials(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	var buf bytes.Buffer
	g := New(f.store, f.codec, permission.NewEvaluator(map[string]permission.Level{"Anime": permission.None}),
		Config{Transport: DefaultTransport}, slog.New(slog.NewJSONHandler(&buf, nil)))

	token := f.sign(t, "Anime/ep01.mkv", time.Minute)
	target := Target{Archive: "Anime", Path: "ep01.mkv", Action: permission.ActionRead}
	g.Check(f.keyRequest(http.MethodGet, "/x"), target)
	g.Check(httptest.NewRequest(http.MethodGet, "/x?signature="+token, nil), target)
	g.Check(httptest.NewRequest(http.MethodGet, "/x?signature="+token+"x", nil), target)

	out := buf.String()
	assert.NotContains(t, out, f.aliceKey)
	assert.NotContains(t, out, token)
	assert.True(t, strings.Contains(out, "access granted"))
}
