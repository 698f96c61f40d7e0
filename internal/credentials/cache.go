package credentials

import (
	"sync"
	"time"
)

// maxCacheEntries bounds memory when many distinct keys authenticate.
const maxCacheEntries = 10000

type cacheEntry struct {
	userID  string
	keyHash string
	expires time.Time
}

// verifyCache maps SHA-256(raw key) to the user it verified against.
// Entries carry the key hash they matched so a reissued key misses.
type verifyCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[[32]byte]cacheEntry
}

func newVerifyCache(ttl time.Duration) *verifyCache {
	return &verifyCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[[32]byte]cacheEntry),
	}
}

func (c *verifyCache) get(digest [32]byte) (userID, keyHash string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.entries[digest]
	if !found {
		return "", "", false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, digest)
		return "", "", false
	}
	return e.userID, e.keyHash, true
}

func (c *verifyCache) put(digest [32]byte, userID, keyHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if len(c.entries) >= maxCacheEntries {
		for d, e := range c.entries {
			if !now.Before(e.expires) {
				delete(c.entries, d)
			}
		}
		if len(c.entries) >= maxCacheEntries {
			c.entries = make(map[[32]byte]cacheEntry)
		}
	}
	c.entries[digest] = cacheEntry{userID: userID, keyHash: keyHash, expires: now.Add(c.ttl)}
}

func (c *verifyCache) evict(digest [32]byte) {
	c.mu.Lock()
	delete(c.entries, digest)
	c.mu.Unlock()
}

func (c *verifyCache) evictUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for d, e := range c.entries {
		if e.userID == userID {
			delete(c.entries, d)
		}
	}
}

func (c *verifyCache) clear() {
	c.mu.Lock()
	c.entries = make(map[[32]byte]cacheEntry)
	c.mu.Unlock()
}

func (c *verifyCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
