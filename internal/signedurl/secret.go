package signedurl

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// MinSecretLen is the minimum signing secret length in bytes.
const MinSecretLen = 32

// ErrSecret is returned for a missing, undecodable or too short secret.
var ErrSecret = errors.New("signedurl: unusable signing secret")

func checkSecret(secret []byte) error {
	if len(secret) < MinSecretLen {
		return fmt.Errorf("%w: need at least %d bytes, got %d", ErrSecret, MinSecretLen, len(secret))
	}
	return nil
}

// GenerateSecret returns MinSecretLen random bytes.
func GenerateSecret() ([]byte, error) {
	s := make([]byte, MinSecretLen)
	if _, err := rand.Read(s); err != nil {
		return nil, fmt.Errorf("failed to generate signing secret: %w", err)
	}
	return s, nil
}

// EncodeSecret renders a secret for an environment variable or key file.
func EncodeSecret(secret []byte) string {
	return base64.StdEncoding.EncodeToString(secret)
}

// DecodeSecret parses a base64 secret and checks its length.
func DecodeSecret(encoded string) ([]byte, error) {
	s, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecret, err)
	}
	if err := checkSecret(s); err != nil {
		return nil, err
	}
	return s, nil
}

// ReadSecretFile reads an existing secret file. A missing file is reported
// as an error wrapping fs.ErrNotExist; nothing is created.
func ReadSecretFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret file: %w", err)
	}
	s, err := DecodeSecret(string(data))
	if err != nil {
		return nil, fmt.Errorf("secret file %s: %w", path, err)
	}
	return s, nil
}

// LoadSecret resolves the signing secret. A non-empty encoded value wins;
// otherwise the secret is read from path. If path does not exist a new
// secret is generated and written there with mode 0600, so tokens survive
// restarts. created reports whether that happened. Any present but
// unusable secret is an error: the server must not start without one.
func LoadSecret(encoded, path string) (secret []byte, created bool, err error) {
	if encoded != "" {
		s, err := DecodeSecret(encoded)
		return s, false, err
	}
	if path == "" {
		return nil, false, fmt.Errorf("%w: no secret or secret file configured", ErrSecret)
	}

	s, err := ReadSecretFile(path)
	if err == nil || !errors.Is(err, fs.ErrNotExist) {
		return s, false, err
	}

	s, err = GenerateSecret()
	if err != nil {
		return nil, false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, false, fmt.Errorf("failed to create secret directory: %w", err)
	}
	// Never overwrite a secret another process just wrote.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create secret file: %w", err)
	}
	if _, err := f.WriteString(EncodeSecret(s) + "\n"); err != nil {
		_ = f.Close() //nolint:errcheck
		return nil, false, fmt.Errorf("failed to write secret file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, false, fmt.Errorf("failed to write secret file: %w", err)
	}
	return s, true, nil
}
