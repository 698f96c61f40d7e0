// Package credentials holds the read-mostly set of users able to authenticate.
//
// The Store keeps an in-memory snapshot of every user loaded from the
// persistence layer. Lookups read the snapshot under a shared lock and run
// Argon2 verification with no lock held. Writes go to persistence first and
// are then applied to the snapshot, one writer at a time.
package credentials

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/sipico/breadbox/internal/keyhash"
	"github.com/sipico/breadbox/internal/metrics"
	"github.com/sipico/breadbox/internal/permission"
	"github.com/sipico/breadbox/internal/storage"
)

var (
	// ErrUserNotFound means no user matches the key or id.
	ErrUserNotFound = errors.New("credentials: user not found")

	// ErrUserRevoked means the user exists but has been revoked. Callers
	// facing clients should not distinguish it from ErrUserNotFound.
	ErrUserRevoked = errors.New("credentials: user revoked")

	// ErrNameTaken means another user already has the requested name.
	ErrNameTaken = errors.New("credentials: name already taken")
)

// Persistence is the subset of storage the Store needs.
type Persistence interface {
	CreateUser(ctx context.Context, u *storage.User) error
	GetUser(ctx context.Context, id string) (*storage.User, error)
	ListUsers(ctx context.Context) ([]*storage.User, error)
	RevokeUser(ctx context.Context, id string, at time.Time) error
	UpdateUserKey(ctx context.Context, id, keyHash, keyLookup string) error
	DeleteUser(ctx context.Context, id string) error
	SetGrant(ctx context.Context, userID, archive string, level permission.Level) error
	RemoveGrant(ctx context.Context, userID, archive string) error
}

// snapshot is immutable once published; writers build a new one.
type snapshot struct {
	byID     map[string]*storage.User
	byLookup map[string][]*storage.User
}

func newSnapshot(users []*storage.User) *snapshot {
	s := &snapshot{
		byID:     make(map[string]*storage.User, len(users)),
		byLookup: make(map[string][]*storage.User, len(users)),
	}
	for _, u := range users {
		s.byID[u.ID] = u
		s.byLookup[u.KeyLookup] = append(s.byLookup[u.KeyLookup], u)
	}
	return s
}

// with returns a copy of s with u inserted or replaced.
func (s *snapshot) with(u *storage.User) *snapshot {
	users := make([]*storage.User, 0, len(s.byID)+1)
	for id, existing := range s.byID {
		if id != u.ID {
			users = append(users, existing)
		}
	}
	return newSnapshot(append(users, u))
}

// without returns a copy of s with id removed.
func (s *snapshot) without(id string) *snapshot {
	users := make([]*storage.User, 0, len(s.byID))
	for uid, existing := range s.byID {
		if uid != id {
			users = append(users, existing)
		}
	}
	return newSnapshot(users)
}

// Store is the credential store. It is safe for concurrent use.
type Store struct {
	db     Persistence
	hasher *keyhash.Hasher
	logger *slog.Logger
	now    func() time.Time

	// writeMu serializes writers, including Reload. mu guards only the
	// snapshot pointer swap, so readers never wait on database I/O.
	writeMu sync.Mutex
	mu      sync.RWMutex
	snap    *snapshot

	cache     *verifyCache
	inflight  singleflight.Group
	dummyHash string
}

// Option configures a Store.
type Option func(*Store)

// WithCacheTTL enables caching of successful verifications for ttl.
// Zero disables the cache.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.cache = newVerifyCache(ttl)
		} else {
			s.cache = nil
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
		if s.cache != nil {
			s.cache.now = now
		}
	}
}

// New loads every user from db and returns a ready Store.
func New(ctx context.Context, db Persistence, hasher *keyhash.Hasher, opts ...Option) (*Store, error) {
	s := &Store{
		db:     db,
		hasher: hasher,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cache != nil {
		s.cache.now = s.now
	}

	// Verified against when no candidate matches, so a miss costs the same
	// as a wrong key.
	dummyKey, err := keyhash.GenerateKey()
	if err != nil {
		return nil, err
	}
	if s.dummyHash, err = hasher.Hash(dummyKey); err != nil {
		return nil, fmt.Errorf("failed to prepare dummy hash: %w", err)
	}

	users, err := db.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}
	s.snap = newSnapshot(users)
	return s, nil
}

func (s *Store) current() *snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *Store) publish(next *snapshot) {
	s.mu.Lock()
	s.snap = next
	s.mu.Unlock()
}

// FindByRawKey resolves a raw API key to its user.
//
// Returns ErrUserNotFound when no stored hash verifies and ErrUserRevoked
// when the matching user is revoked. The returned user is a copy.
func (s *Store) FindByRawKey(ctx context.Context, rawKey string) (*storage.User, error) {
	digest := sha256.Sum256([]byte(rawKey))

	if s.cache != nil {
		if id, keyHash, ok := s.cache.get(digest); ok {
			if u, err := s.resolveVerified(id, keyHash); err == nil || errors.Is(err, ErrUserRevoked) {
				metrics.RecordKeyVerification("cache_hit")
				return u, err
			}
			s.cache.evict(digest)
		}
	}

	// Concurrent requests carrying the same key (a video player issuing
	// range requests) share one Argon2 pass.
	v, err, _ := s.inflight.Do(string(digest[:]), func() (any, error) {
		return s.verify(rawKey)
	})
	if err != nil {
		return nil, err
	}
	match := v.(*storage.User)

	u, err := s.resolveVerified(match.ID, match.KeyHash)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.put(digest, u.ID, u.KeyHash)
	}
	return u, nil
}

// verify runs Argon2 over the candidates sharing rawKey's lookup value.
func (s *Store) verify(rawKey string) (*storage.User, error) {
	candidates := s.current().byLookup[keyhash.Lookup(rawKey)]

	if len(candidates) == 0 {
		s.timedVerify(rawKey, s.dummyHash)
		metrics.RecordKeyVerification("no_candidate")
		return nil, ErrUserNotFound
	}

	for _, c := range candidates {
		if s.timedVerify(rawKey, c.KeyHash) {
			metrics.RecordKeyVerification("match")
			return c, nil
		}
	}
	metrics.RecordKeyVerification("mismatch")
	return nil, ErrUserNotFound
}

func (s *Store) timedVerify(rawKey, encoded string) bool {
	start := time.Now()
	ok, err := s.hasher.Verify(rawKey, encoded)
	metrics.RecordKeyVerifyDuration(time.Since(start).Seconds())
	if err != nil {
		s.logger.Warn("stored key hash unusable", "error", err)
		return false
	}
	return ok
}

// resolveVerified re-reads the live user after a verification that may
// have raced a revoke or key reissue.
func (s *Store) resolveVerified(id, keyHash string) (*storage.User, error) {
	u, ok := s.current().byID[id]
	if !ok || u.KeyHash != keyHash {
		return nil, ErrUserNotFound
	}
	if u.Revoked() {
		return nil, ErrUserRevoked
	}
	return u.Clone(), nil
}

// FindByID returns a copy of the user with id.
// Returns ErrUserRevoked for revoked users.
func (s *Store) FindByID(_ context.Context, id string) (*storage.User, error) {
	u, ok := s.current().byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	if u.Revoked() {
		return nil, ErrUserRevoked
	}
	return u.Clone(), nil
}

// Get returns a copy of the user with id, revoked or not.
func (s *Store) Get(_ context.Context, id string) (*storage.User, error) {
	u, ok := s.current().byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u.Clone(), nil
}

// List returns copies of all users, oldest first.
func (s *Store) List(_ context.Context) []*storage.User {
	snap := s.current()
	users := make([]*storage.User, 0, len(snap.byID))
	for _, u := range snap.byID {
		users = append(users, u.Clone())
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].Name < users[j].Name
		}
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users
}

// Create adds a user with the given grants and returns it together with its
// raw API key. The raw key is not retained anywhere.
func (s *Store) Create(ctx context.Context, name string, grants map[string]permission.Level) (*storage.User, string, error) {
	if name == "" {
		return nil, "", errors.New("user name required")
	}
	for archive, level := range grants {
		if archive == "" || !level.Valid() {
			return nil, "", fmt.Errorf("invalid grant %q=%s", archive, level)
		}
	}

	rawKey, keyHash, err := s.newKey()
	if err != nil {
		return nil, "", err
	}

	u := &storage.User{
		ID:        uuid.NewString(),
		Name:      name,
		KeyHash:   keyHash,
		KeyLookup: keyhash.Lookup(rawKey),
		Grants:    make(map[string]permission.Level, len(grants)),
		CreatedAt: s.now().UTC(),
	}
	for archive, level := range grants {
		u.Grants[archive] = level
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.db.CreateUser(ctx, u); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, "", fmt.Errorf("%w: %s", ErrNameTaken, name)
		}
		return nil, "", fmt.Errorf("failed to create user: %w", err)
	}
	s.publish(s.current().with(u))

	s.logger.Info("user created", "user_id", u.ID, "name", u.Name)
	return u.Clone(), rawKey, nil
}

// Revoke marks the user revoked. Its key stops authenticating immediately.
func (s *Store) Revoke(ctx context.Context, id string) error {
	return s.update(ctx, id, "user revoked", func() error {
		return s.db.RevokeUser(ctx, id, s.now().UTC())
	})
}

// ReissueKey replaces the user's API key and returns the new raw key.
// The previous key stops authenticating immediately.
func (s *Store) ReissueKey(ctx context.Context, id string) (string, error) {
	rawKey, keyHash, err := s.newKey()
	if err != nil {
		return "", err
	}
	err = s.update(ctx, id, "user key reissued", func() error {
		return s.db.UpdateUserKey(ctx, id, keyHash, keyhash.Lookup(rawKey))
	})
	if err != nil {
		return "", err
	}
	return rawKey, nil
}

// SetGrant sets the user's explicit level on archive.
func (s *Store) SetGrant(ctx context.Context, id, archive string, level permission.Level) error {
	return s.update(ctx, id, "grant set", func() error {
		return s.db.SetGrant(ctx, id, archive, level)
	})
}

// RemoveGrant drops the user's explicit grant on archive so the archive
// default applies again.
func (s *Store) RemoveGrant(ctx context.Context, id, archive string) error {
	return s.update(ctx, id, "grant removed", func() error {
		return s.db.RemoveGrant(ctx, id, archive)
	})
}

// Delete removes the user entirely.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.db.DeleteUser(ctx, id); err != nil {
		return mapNotFound(err)
	}
	s.publish(s.current().without(id))
	s.evictUser(id)

	s.logger.Info("user deleted", "user_id", id)
	return nil
}

// update applies a persistence write for id and refreshes that user's
// snapshot entry from the database.
func (s *Store) update(ctx context.Context, id, event string, write func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := write(); err != nil {
		return mapNotFound(err)
	}
	u, err := s.db.GetUser(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to refresh user: %w", mapNotFound(err))
	}
	s.publish(s.current().with(u))
	s.evictUser(id)

	s.logger.Info(event, "user_id", id)
	return nil
}

// Reload replaces the snapshot with the database contents. Changes made by
// another process (breadctl) become visible here.
func (s *Store) Reload(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	users, err := s.db.ListUsers(ctx)
	if err != nil {
		metrics.RecordCredentialReload("error")
		return fmt.Errorf("failed to reload users: %w", err)
	}
	s.publish(newSnapshot(users))
	if s.cache != nil {
		s.cache.clear()
	}

	metrics.RecordCredentialReload("ok")
	s.logger.Info("credentials reloaded", "users", len(users))
	return nil
}

// Len returns the number of users, including revoked ones.
func (s *Store) Len() int {
	return len(s.current().byID)
}

func (s *Store) newKey() (rawKey, keyHash string, err error) {
	rawKey, err = keyhash.GenerateKey()
	if err != nil {
		return "", "", err
	}
	// Hash before taking any lock.
	keyHash, err = s.hasher.Hash(rawKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash key: %w", err)
	}
	return rawKey, keyHash, nil
}

func (s *Store) evictUser(id string) {
	if s.cache != nil {
		s.cache.evictUser(id)
	}
}

func mapNotFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrUserNotFound
	}
	return err
}
