package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	return string(body)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Claim(ClaimClaimed)
	m.BlockFinished("NOOP", "SUCCEEDED", time.Second)
	m.RunTransition("FAILED")
	m.Reaped()
	m.Enqueued("root", 1)
	m.NotifyFailed()
	m.ContentionRetry()
	if m.Registry() != nil {
		t.Fatalf("expected nil registry")
	}
}

func TestCountersAreExposed(t *testing.T) {
	m := New()
	m.Claim(ClaimClaimed)
	m.Claim(ClaimClaimed)
	m.Claim(ClaimEmpty)
	m.Enqueued("child", 2)
	m.RunTransition("SUCCEEDED")
	m.Reaped()

	body := scrape(t, m)
	for _, want := range []string{
		`blockflow_claims_total{result="claimed"} 2`,
		`blockflow_claims_total{result="empty"} 1`,
		`blockflow_enqueued_total{reason="child"} 2`,
		`blockflow_run_transitions_total{status="SUCCEEDED"} 1`,
		`blockflow_reaped_block_runs_total 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in output:\n%s", want, body)
		}
	}
}
