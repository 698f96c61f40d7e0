// Package main provides the entry point for the Breadbox archive server.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/sipico/breadbox/internal/archive"
	"github.com/sipico/breadbox/internal/config"
	"github.com/sipico/breadbox/internal/credentials"
	"github.com/sipico/breadbox/internal/gate"
	"github.com/sipico/breadbox/internal/keyhash"
	"github.com/sipico/breadbox/internal/logging"
	"github.com/sipico/breadbox/internal/metrics"
	"github.com/sipico/breadbox/internal/middleware"
	"github.com/sipico/breadbox/internal/permission"
	"github.com/sipico/breadbox/internal/server"
	"github.com/sipico/breadbox/internal/signedurl"
	"github.com/sipico/breadbox/internal/storage"
)

const version = "2026.10.1"

const (
	serverShutdownTimeout = 30 * time.Second
	reloadTimeout         = 10 * time.Second
)

// components holds everything run() wires together.
type components struct {
	logger    *slog.Logger
	logLevel  *slog.LevelVar
	registry  *prometheus.Registry
	db        *storage.SQLiteStorage
	store     *credentials.Store
	archives  *archive.Set
	codec     *signedurl.Codec // nil when signed URLs are disabled
	gate      *gate.Gate
	handler   *server.Handler
	opsRouter chi.Router

	mainRouter chi.Router

	signingSecret     string
	signingSecretFile string
}

// reload re-reads users from the database and the signing secret from its
// file. A changed secret invalidates every outstanding link. A missing file
// is an error here; only startup may create one.
func (c *components) reload(ctx context.Context) error {
	if err := c.store.Reload(ctx); err != nil {
		return err
	}
	if c.codec == nil || c.signingSecret != "" {
		return nil
	}
	secret, err := signedurl.ReadSecretFile(c.signingSecretFile)
	if err != nil {
		return err
	}
	return c.codec.Rotate(secret)
}

// close releases the archive roots and the database.
func (c *components) close() {
	if c.archives != nil {
		if err := c.archives.Close(); err != nil {
			c.logger.Error("failed to close archives", "error", err)
		}
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			c.logger.Error("failed to close storage", "error", err)
		}
	}
}

func initializeComponents(cfg *config.Config) (_ *components, err error) {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c := &components{logLevel: new(slog.LevelVar)}
	c.logLevel.Set(level)
	c.logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: c.logLevel}))
	defer func() {
		if err != nil {
			c.close()
		}
	}()

	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.Version = version
	if err := metrics.Init(c.registry); err != nil {
		return nil, fmt.Errorf("metrics initialization failed: %w", err)
	}

	c.db, err = storage.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("storage initialization failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	defer cancel()
	c.store, err = credentials.New(ctx, c.db, keyhash.New(keyhash.DefaultParams),
		credentials.WithCacheTTL(cfg.KeyCacheTTL),
		credentials.WithLogger(c.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("credential store initialization failed: %w", err)
	}

	archiveList, err := config.LoadArchives(cfg.ArchivesFile)
	if err != nil {
		return nil, err
	}
	c.archives, err = archive.Open(archiveList)
	if err != nil {
		return nil, err
	}

	// Interface values stay nil, not typed-nil, when links are disabled.
	var (
		redeemer gate.Redeemer
		issuer   server.Issuer
	)
	if cfg.SignedURLsEnabled {
		secret, created, err := signedurl.LoadSecret(cfg.SigningSecret, cfg.SigningSecretFile)
		if err != nil {
			return nil, fmt.Errorf("signing secret: %w", err)
		}
		if created {
			c.logger.Info("generated new signing secret", "path", cfg.SigningSecretFile)
		}
		c.codec, err = signedurl.NewCodec(secret, signedurl.WithMaxTTL(cfg.SignedURLMaxTTL))
		if err != nil {
			return nil, err
		}
		redeemer, issuer = c.codec, c.codec
		c.signingSecret, c.signingSecretFile = cfg.SigningSecret, cfg.SigningSecretFile
	}

	c.gate = gate.New(c.store, redeemer, permission.NewEvaluator(config.Defaults(archiveList)), gate.Config{
		Transport: gate.Transport{
			Header:      cfg.AuthHeader,
			Cookie:      cfg.AuthCookie,
			Query:       cfg.AuthQuery,
			SignedQuery: cfg.SignedURLQuery,
			SignedURLs:  cfg.SignedURLsEnabled,
		},
		ReadOnly: cfg.ReadOnly,
	}, c.logger)

	c.handler = server.NewHandler(c.gate, c.archives, issuer, c.db, server.Config{
		SignedQuery:    cfg.SignedURLQuery,
		MaxUploadBytes: cfg.MaxUploadBytes,
		RateLimit:      cfg.RateLimitEnabled,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Log: middleware.LogConfig{
			SensitiveParams:  sensitiveParams(cfg),
			SensitiveHeaders: []string{cfg.AuthHeader},
		},
	}, c.logger)
	c.mainRouter = c.handler.NewRouter()

	c.opsRouter = server.NewOpsHandler(c.logLevel, metrics.HandlerFor(c.registry), c.logger).NewRouter()

	return c, nil
}

// sensitiveParams lists every query parameter that may carry a credential.
func sensitiveParams(cfg *config.Config) []string {
	params := slices.Clone(logging.DefaultSensitiveParams)
	for _, p := range []string{cfg.SignedURLQuery, cfg.AuthQuery} {
		if p != "" && !slices.Contains(params, p) {
			params = append(params, p)
		}
	}
	return params
}

// createServer builds the public server. There are no read or write
// timeouts: uploads and video streams can legitimately run for hours.
func createServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// createOpsServer builds the metrics listener.
func createOpsServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.MetricsListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// loadTLS attaches the configured certificate to srv.
func loadTLS(cfg *config.Config, srv *http.Server) error {
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	srv.TLSConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	return nil
}

func serve(srv *http.Server) error {
	if srv.TLSConfig != nil {
		return srv.ListenAndServeTLS("", "")
	}
	return srv.ListenAndServe()
}

// startServerAndWaitForShutdown runs every server until SIGINT or SIGTERM,
// then shuts them all down. SIGHUP calls reload, if set, and keeps serving.
// A server that fails to start stops the others.
func startServerAndWaitForShutdown(logger *slog.Logger, reload func(context.Context) error, servers ...*http.Server) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	g, ctx := errgroup.WithContext(context.Background())
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("Listening", "addr", srv.Addr, "tls", srv.TLSConfig != nil)
			if err := serve(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error on %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				shutdown(logger, servers)
				return nil
			case sig := <-sigCh:
				if sig == syscall.SIGHUP {
					handleReload(logger, reload)
					continue
				}
				logger.Info("Received signal, shutting down", "signal", sig.String())
				if err := shutdown(logger, servers); err != nil {
					return fmt.Errorf("server shutdown failed: %w", err)
				}
				logger.Info("Server shut down gracefully")
				return nil
			}
		}
	})

	return g.Wait()
}

func handleReload(logger *slog.Logger, reload func(context.Context) error) {
	if reload == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	defer cancel()
	if err := reload(ctx); err != nil {
		logger.Error("credential reload failed", "error", err)
		return
	}
	logger.Info("reloaded credentials")
}

func shutdown(logger *slog.Logger, servers []*http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", "addr", srv.Addr, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	c, err := initializeComponents(cfg)
	if err != nil {
		return err
	}
	defer c.close()

	c.logger.Info("Breadbox starting",
		"version", version,
		"archives", c.archives.Names(),
		"users", c.store.Len(),
		"signed_urls", c.codec != nil,
		"read_only", cfg.ReadOnly,
	)

	public := createServer(cfg, c.mainRouter)
	if cfg.TLSEnabled() {
		if err := loadTLS(cfg, public); err != nil {
			return err
		}
	}
	servers := []*http.Server{public}
	if cfg.MetricsEnabled() {
		servers = append(servers, createOpsServer(cfg, c.opsRouter))
	}

	return startServerAndWaitForShutdown(c.logger, c.reload, servers...)
}

// healthURL turns a listen address into a loopback /health URL.
func healthURL(listenAddr string, useTLS bool) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		host, port = "", "8080"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	scheme := "http"
	if useTLS {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(host, port) + "/health"
}

// runHealthCheck probes the local server. Used as the container
// HEALTHCHECK, so it must not need curl in the image.
func runHealthCheck() int {
	cfg, err := config.Load()
	if err != nil {
		return 1
	}
	return doHealthCheck(healthURL(cfg.ListenAddr, cfg.TLSEnabled()))
}

func doHealthCheck(url string) int {
	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			//nolint:gosec // Loopback check against our own certificate
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	resp, err := client.Get(url)
	if err != nil {
		return 1
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		os.Exit(runHealthCheck())
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
