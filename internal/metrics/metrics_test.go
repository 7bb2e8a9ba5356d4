package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	logx "dispatchcheck/pkg/logx"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	return rec.Body.String()
}

func TestObserveRun(t *testing.T) {
	t.Parallel()
	m := New()
	m.ObserveRun(RunSample{Outcome: "verified", Sent: 20, Counts: []int{5, 5, 5, 5}, Rounds: 5, Took: 40 * time.Millisecond})
	m.ObserveRun(RunSample{Outcome: "incomplete", Sent: 20, Counts: []int{5, 5, 4, 4}, Rounds: 30, Took: time.Second})
	m.SkippedRun()

	body := scrape(t, m.Handler())
	for _, want := range []string{
		`dispatchcheck_runs_total{outcome="verified"} 1`,
		`dispatchcheck_runs_total{outcome="incomplete"} 1`,
		`dispatchcheck_items_sent_total 40`,
		`dispatchcheck_items_received_total{endpoint="0"} 10`,
		`dispatchcheck_items_received_total{endpoint="3"} 9`,
		`dispatchcheck_drain_rounds_count 2`,
		`dispatchcheck_run_duration_seconds_count 2`,
		`dispatchcheck_scheduled_runs_skipped_total 1`,
		`go_goroutines`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("scrape missing %q", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.ObserveRun(RunSample{Outcome: "verified"})
	m.SkippedRun()
	if m.Registry() != nil {
		t.Fatal("nil metrics should have no registry")
	}
}

func TestServerApply(t *testing.T) {
	m := New()
	s := NewServer(m, logx.Nop())
	ctx := context.Background()

	if err := s.Apply(ctx, true, "127.0.0.1:0"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatal("server not listening")
	}
	m.ObserveRun(RunSample{Outcome: "verified", Sent: 1, Counts: []int{1}, Rounds: 1})

	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(b), `dispatchcheck_runs_total{outcome="verified"} 1`) {
		t.Fatalf("unexpected body:\n%s", b)
	}

	// Same config is a no-op.
	if err := s.Apply(ctx, true, "127.0.0.1:0"); err != nil || s.Addr() != addr {
		t.Fatalf("re-apply moved listener: %v %s", err, s.Addr())
	}

	if err := s.Apply(ctx, false, ""); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if s.Addr() != "" {
		t.Fatal("server still listening after disable")
	}
	s.Stop(ctx)
}
