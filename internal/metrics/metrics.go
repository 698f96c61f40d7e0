// Package metrics provides Prometheus metrics collection for the archive server.
package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "breadbox"

// Version is reported by the breadbox_server_info gauge. The server sets it
// before calling Init.
var Version = "dev"

// collectors is one registered generation of metrics. Record functions are
// no-ops until Init stores one.
type collectors struct {
	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	verdicts         *prometheus.CounterVec
	authFailures     *prometheus.CounterVec
	keyVerifications *prometheus.CounterVec
	keyVerifyTime    prometheus.Histogram
	signedURLs       prometheus.Counter
	rateLimited      prometheus.Counter
	reloads          *prometheus.CounterVec
	info             *prometheus.GaugeVec
}

var active atomic.Pointer[collectors]

var httpLabels = []string{"method", "path", "status"}

func newCollectors() *collectors {
	server := func(name, help string) prometheus.Opts {
		return prometheus.Opts{Namespace: namespace, Subsystem: "server", Name: name, Help: help}
	}
	auth := func(name, help string) prometheus.Opts {
		return prometheus.Opts{Namespace: namespace, Subsystem: "auth", Name: name, Help: help}
	}

	return &collectors{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts(
			server("requests_total", "HTTP requests by method, route pattern and status.")), httpLabels),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "server", Name: "request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, httpLabels),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts(
			auth("verdicts_total", "Access gate verdicts by outcome and credential kind.")), []string{"verdict", "credential"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts(
			auth("failures_total", "Unauthorized verdicts by internal reason.")), []string{"reason"}),
		keyVerifications: prometheus.NewCounterVec(prometheus.CounterOpts(
			auth("key_verifications_total", "API key lookups by result.")), []string{"result"}),
		keyVerifyTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "auth", Name: "key_verify_duration_seconds",
			Help:    "Time spent in Argon2 key verification.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		}),
		signedURLs: prometheus.NewCounter(prometheus.CounterOpts(
			auth("signed_urls_issued_total", "Signed URLs issued."))),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts(
			server("rate_limited_total", "Requests rejected by the rate limiter."))),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts(
			auth("credential_reloads_total", "Credential snapshot reloads by result.")), []string{"result"}),
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts(
			server("info", "Server version.")), []string{"version"}),
	}
}

func (c *collectors) all() []prometheus.Collector {
	return []prometheus.Collector{
		c.requests, c.requestDuration, c.verdicts, c.authFailures,
		c.keyVerifications, c.keyVerifyTime, c.signedURLs, c.rateLimited,
		c.reloads, c.info,
	}
}

// Init registers the server metrics with reg and makes them the target of
// the Record functions. Call it once at startup.
func Init(reg prometheus.Registerer) error {
	c := newCollectors()
	for _, col := range c.all() {
		if err := reg.Register(col); err != nil {
			return fmt.Errorf("failed to register metric: %w", err)
		}
	}
	c.info.WithLabelValues(Version).Set(1)
	active.Store(c)
	return nil
}

// RecordRequest counts one HTTP request. path must be a route pattern such
// as "/archive/{archive}/*", never a raw file path.
func RecordRequest(method, path, status string) {
	if c := active.Load(); c != nil {
		c.requests.WithLabelValues(method, path, status).Inc()
	}
}

// RecordRequestDuration observes request latency in seconds.
func RecordRequestDuration(method, path, status string, seconds float64) {
	if c := active.Load(); c != nil {
		c.requestDuration.WithLabelValues(method, path, status).Observe(seconds)
	}
}

// RecordAuthVerdict counts one access gate decision.
// credential is "api_key", "signed_url" or "anonymous".
func RecordAuthVerdict(verdict, credential string) {
	if c := active.Load(); c != nil {
		c.verdicts.WithLabelValues(verdict, credential).Inc()
	}
}

// RecordAuthFailure counts the internal reason behind an unauthorized
// verdict: "missing_credential", "user_not_found", "user_revoked",
// "tampered", "expired" or "invalid".
func RecordAuthFailure(reason string) {
	if c := active.Load(); c != nil {
		c.authFailures.WithLabelValues(reason).Inc()
	}
}

// RecordKeyVerification counts one API key lookup outcome.
func RecordKeyVerification(result string) {
	if c := active.Load(); c != nil {
		c.keyVerifications.WithLabelValues(result).Inc()
	}
}

// RecordKeyVerifyDuration observes the time spent in one Argon2 verification.
func RecordKeyVerifyDuration(seconds float64) {
	if c := active.Load(); c != nil {
		c.keyVerifyTime.Observe(seconds)
	}
}

func RecordSignedURLIssued() {
	if c := active.Load(); c != nil {
		c.signedURLs.Inc()
	}
}

func RecordRateLimited() {
	if c := active.Load(); c != nil {
		c.rateLimited.Inc()
	}
}

// RecordCredentialReload counts one snapshot reload, "ok" or "error".
func RecordCredentialReload(result string) {
	if c := active.Load(); c != nil {
		c.reloads.WithLabelValues(result).Inc()
	}
}

// HandlerFor serves reg in the Prometheus text format.
func HandlerFor(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
