package keyhash

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// keyBytes of entropy per key; encodes to 38 URL-safe characters.
const keyBytes = 28

// lookupPrefixLen is how many leading characters of a raw key feed the
// fast-reject lookup.
const lookupPrefixLen = 8

// GenerateKey returns a new random API key, base64url encoded.
func GenerateKey() (string, error) {
	b := make([]byte, keyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Lookup derives the non-secret index value for a raw key: the first 8 bytes
// of SHA-256 over the key's leading characters, hex encoded. It narrows the
// set of stored hashes that need an Argon2 verification and reveals nothing
// about the remainder of the key.
func Lookup(rawKey string) string {
	prefix := rawKey
	if len(prefix) > lookupPrefixLen {
		prefix = prefix[:lookupPrefixLen]
	}
	sum := sha256.Sum256([]byte(prefix))
	return hex.EncodeToString(sum[:8])
}
