package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRecordFunctionsBeforeInit(t *testing.T) {
	prev := active.Swap(nil)
	defer active.Store(prev)

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("record function panicked: %v", r)
		}
	}()

	RecordRequest("GET", "/health", "200")
	RecordRequestDuration("GET", "/health", "200", 0.1)
	RecordAuthFailure("expired")
	RecordAuthVerdict("allow", "api_key")
	RecordKeyVerification("match")
	RecordKeyVerifyDuration(0.05)
	RecordSignedURLIssued()
	RecordRateLimited()
	RecordCredentialReload("ok")
}

func TestInitRegistersAllMetrics(t *testing.T) {
	reg := freshRegistry(t)

	RecordRequest("GET", "/archive/{archive}", "200")
	RecordRequestDuration("GET", "/archive/{archive}", "200", 0.05)
	RecordAuthVerdict("allow", "api_key")
	RecordAuthVerdict("unauthorized", "signed_url")
	RecordAuthFailure("expired")
	RecordKeyVerification("no_candidate")
	RecordKeyVerifyDuration(0.02)
	RecordSignedURLIssued()
	RecordRateLimited()
	RecordCredentialReload("error")

	out := metricsText(t, reg)
	expected := []string{
		"# TYPE breadbox_server_requests_total counter",
		`breadbox_server_requests_total{method="GET",path="/archive/{archive}",status="200"} 1`,
		`breadbox_server_request_duration_seconds_count{method="GET",path="/archive/{archive}",status="200"} 1`,
		`breadbox_auth_verdicts_total{credential="api_key",verdict="allow"} 1`,
		`breadbox_auth_verdicts_total{credential="signed_url",verdict="unauthorized"} 1`,
		`breadbox_auth_failures_total{reason="expired"} 1`,
		`breadbox_auth_key_verifications_total{result="no_candidate"} 1`,
		"breadbox_auth_key_verify_duration_seconds_count 1",
		"breadbox_auth_signed_urls_issued_total 1",
		"breadbox_server_rate_limited_total 1",
		`breadbox_auth_credential_reloads_total{result="error"} 1`,
		`breadbox_server_info{version="` + Version + `"} 1`,
	}
	for _, want := range expected {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output", want)
		}
	}
}

func TestInitRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Init(reg); err != nil {
		t.Fatalf("first Init failed: %v", err)
	}
	if err := Init(reg); err == nil {
		t.Fatal("expected error on duplicate registration, got nil")
	}
}

func TestHandlerFor(t *testing.T) {
	reg := freshRegistry(t)
	RecordRateLimited()

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "breadbox_server_rate_limited_total 1") {
		t.Errorf("unexpected body:\n%s", rec.Body.String())
	}
}
