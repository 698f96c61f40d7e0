// Package config provides configuration loading and validation from
// environment variables and the archives file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all server configuration. Every field has a default so a
// bare container starts with only the archives file mounted.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	// MetricsListenAddr serves /metrics separately. "off" disables it.
	MetricsListenAddr string `env:"METRICS_LISTEN_ADDR" envDefault:"localhost:9090"`
	DatabasePath      string `env:"DATABASE_PATH" envDefault:"/data/breadbox.db"`
	ArchivesFile      string `env:"ARCHIVES_FILE" envDefault:"/config/archives.toml"`

	// SigningSecret (base64) takes precedence over SigningSecretFile.
	SigningSecret     string        `env:"SIGNING_SECRET"`
	SigningSecretFile string        `env:"SIGNING_SECRET_FILE" envDefault:"/data/signing.key"`
	SignedURLsEnabled bool          `env:"SIGNED_URLS_ENABLED" envDefault:"true"`
	SignedURLMaxTTL   time.Duration `env:"SIGNED_URL_MAX_TTL" envDefault:"720s"`
	SignedURLQuery    string        `env:"SIGNED_URL_QUERY" envDefault:"signature"`

	// Empty cookie or query names disable that key transport.
	AuthHeader string `env:"AUTH_HEADER" envDefault:"X-API-Key"`
	AuthCookie string `env:"AUTH_COOKIE"`
	AuthQuery  string `env:"AUTH_QUERY"`

	ReadOnly bool `env:"READ_ONLY" envDefault:"false"`
	// KeyCacheTTL of 0 disables the verification cache.
	KeyCacheTTL time.Duration `env:"KEY_CACHE_TTL" envDefault:"5m"`

	RateLimitEnabled bool    `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	RateLimitRPS     float64 `env:"RATE_LIMIT_RPS" envDefault:"3"`
	RateLimitBurst   int     `env:"RATE_LIMIT_BURST" envDefault:"20"`

	MaxUploadBytes int64 `env:"MAX_UPLOAD_BYTES" envDefault:"4294967296"`

	TLSCertFile string `env:"TLS_CERT_FILE"`
	TLSKeyFile  string `env:"TLS_KEY_FILE"`
}

// Load parses configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("error getting env configs: %w", err)
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	return &cfg, nil
}

// Validate checks all configuration constraints.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("LISTEN_ADDR must not be empty"))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("DATABASE_PATH must not be empty"))
	}
	if c.ArchivesFile == "" {
		errs = append(errs, errors.New("ARCHIVES_FILE must not be empty"))
	}
	if c.SignedURLsEnabled {
		if c.SigningSecret == "" && c.SigningSecretFile == "" {
			errs = append(errs, errors.New("SIGNING_SECRET or SIGNING_SECRET_FILE is required when signed URLs are enabled"))
		}
		if c.SignedURLMaxTTL <= 0 {
			errs = append(errs, fmt.Errorf("SIGNED_URL_MAX_TTL must be positive, got %s", c.SignedURLMaxTTL))
		}
		if c.SignedURLQuery == "" {
			errs = append(errs, errors.New("SIGNED_URL_QUERY must not be empty"))
		}
	}
	if c.AuthQuery != "" && c.AuthQuery == c.SignedURLQuery {
		errs = append(errs, errors.New("AUTH_QUERY and SIGNED_URL_QUERY must differ"))
	}
	if c.KeyCacheTTL < 0 {
		errs = append(errs, fmt.Errorf("KEY_CACHE_TTL must not be negative, got %s", c.KeyCacheTTL))
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		errs = append(errs, errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		errs = append(errs, errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together"))
	}

	return errors.Join(errs...)
}

// MetricsEnabled reports whether the operator listener should run.
func (c *Config) MetricsEnabled() bool {
	return c.MetricsListenAddr != "" && !strings.EqualFold(c.MetricsListenAddr, "off")
}

// TLSEnabled reports whether the server should terminate TLS itself.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// ParseLogLevel maps a LOG_LEVEL value to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", s)
	}
}
