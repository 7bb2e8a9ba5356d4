package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	logx "dispatchcheck/pkg/logx"
)

func TestParseVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		raw    string
		kind   Kind
		source string
		every  time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: KindCron, source: "cron"},
		{name: "cron with seconds", raw: "*/10 * * * * *", kind: KindCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: KindCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: KindCron, source: "cron"},
		{name: "duration", raw: "10m", kind: KindInterval, source: "duration", every: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: KindInterval, source: "duration", every: 45 * time.Second},
		{name: "every prefix", raw: "every:00:05", kind: KindInterval, source: "hhmm", every: 5 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: KindInterval, source: "hhmm", every: 90 * time.Minute},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tt.raw)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind || got.Source != tt.source {
				t.Fatalf("got kind=%v source=%s, want %v/%s", got.Kind, got.Source, tt.kind, tt.source)
			}
			if tt.kind == KindInterval && got.Every != tt.every {
				t.Fatalf("Every = %v, want %v", got.Every, tt.every)
			}
			if _, err := got.Schedule(); err != nil {
				t.Fatalf("Schedule: %v", err)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "cron:", "cron:61 * * * *", "every:-5s", "00:00", "1:75"} {
		if _, err := Parse(raw); err == nil {
			t.Fatalf("Parse(%q): expected error", raw)
		}
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := parseHHMM("23:15")
	if err != nil {
		t.Fatalf("parseHHMM error: %v", err)
	}
	if h != 23 || m != 15 {
		t.Fatalf("unexpected result: %d:%d", h, m)
	}
}

func TestIntervalScheduleKeepsSubSecond(t *testing.T) {
	t.Parallel()
	s, err := Spec{Kind: KindInterval, Every: 250 * time.Millisecond}.Schedule()
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	now := time.Now()
	if got := s.Next(now).Sub(now); got != 250*time.Millisecond {
		t.Fatalf("next in %v", got)
	}
}

func TestRunnerSkipsOverlappingRuns(t *testing.T) {
	var active, maxActive atomic.Int32
	release := make(chan struct{})
	job := func(ctx context.Context) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			cur := maxActive.Load()
			if n <= cur || maxActive.CompareAndSwap(cur, n) {
				break
			}
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
	}

	r := NewRunner(job, logx.Nop())
	var hooked atomic.Int64
	r.OnSkip(func() { hooked.Add(1) })
	if err := r.Start(context.Background(), Spec{Kind: KindInterval, Every: 20 * time.Millisecond}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for r.Skipped() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	close(release)

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.Stop(stopCtx)

	if r.Skipped() < 2 {
		t.Fatalf("skipped = %d, want >= 2", r.Skipped())
	}
	if hooked.Load() != r.Skipped() {
		t.Fatalf("OnSkip saw %d, runner counted %d", hooked.Load(), r.Skipped())
	}
	if maxActive.Load() != 1 {
		t.Fatalf("max concurrent runs = %d, want 1", maxActive.Load())
	}
	if r.Runs() < 1 {
		t.Fatal("job never ran")
	}
	if !r.Next().IsZero() {
		t.Fatal("Next should be zero after Stop")
	}
}

func TestRunnerStopCancelsInFlightRun(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	r := NewRunner(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	}, logx.Nop())
	if err := r.Start(context.Background(), Spec{Kind: KindCron, Cron: "@every 1h"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	go r.Trigger()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.Stop(ctx)
	select {
	case <-cancelled:
	default:
		t.Fatal("in-flight run was not cancelled")
	}
	if r.Trigger() {
		t.Fatal("Trigger after Stop should not run")
	}
}

func TestRunnerReschedule(t *testing.T) {
	r := NewRunner(func(context.Context) {}, logx.Nop())
	if err := r.Reschedule(Spec{Kind: KindInterval, Every: time.Hour}); err == nil {
		t.Fatal("Reschedule before Start should fail")
	}
	if err := r.Start(context.Background(), Spec{Kind: KindInterval, Every: time.Hour}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop(context.Background())
	// cron computes Next asynchronously after Schedule; poll briefly.
	var first time.Time
	for i := 0; i < 200 && first.IsZero(); i++ {
		first = r.Next()
		time.Sleep(5 * time.Millisecond)
	}
	if err := r.Reschedule(Spec{Kind: KindInterval, Every: time.Minute}); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for (r.Next().IsZero() || !r.Next().Before(first)) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if next := r.Next(); next.IsZero() || !next.Before(first) {
		t.Fatalf("next %v not moved before %v", r.Next(), first)
	}
}
