package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"dispatchcheck/internal/broker"
	"dispatchcheck/internal/broker/memory"
	"dispatchcheck/internal/config"
	"dispatchcheck/internal/schedule"
	"dispatchcheck/internal/storage"
	"dispatchcheck/internal/verifier"
)

func intp(v int) *int { return &v }

func durp(d time.Duration) *time.Duration { return &d }

// faultyCluster returns a factory that builds a fresh 4-node cluster per
// run and lets the test inject faults into it.
func faultyCluster(inject func(*memory.Cluster)) DriverFactory {
	return func(cfg *config.Config) (broker.Driver, []string, error) {
		c := memory.NewCluster(4)
		if inject != nil {
			inject(c)
		}
		return c.Driver(), c.Addrs(), nil
	}
}

func newApp(t *testing.T, opts Options) (*App, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	opts.LogWriter = &buf
	a, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, &buf
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dispatchcheck.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRunOnceVerified(t *testing.T) {
	a, logs := newApp(t, Options{Overrides: Overrides{Items: intp(8)}})

	rep, err := a.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Outcome != OutcomeVerified || ExitCode(err) != 0 {
		t.Fatalf("outcome = %s", rep.Outcome)
	}
	if rep.Sent != 8 || rep.Endpoints != 4 || rep.RunID == "" {
		t.Fatalf("report = %+v", rep)
	}
	for i, n := range rep.Result.Counts() {
		if n != 2 {
			t.Fatalf("endpoint %d received %d, want 2", i, n)
		}
	}
	if !strings.Contains(logs.String(), `"outcome":"verified"`) {
		t.Fatalf("run summary not logged:\n%s", logs.String())
	}
}

func TestRunOnceZeroItems(t *testing.T) {
	a, _ := newApp(t, Options{Overrides: Overrides{Items: intp(0)}})
	rep, err := a.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Sent != 0 || rep.Result.Rounds != 0 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestRunOnceCanceled(t *testing.T) {
	a, _ := newApp(t, Options{Overrides: Overrides{Items: intp(4)}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := a.RunOnce(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunOnce = %v, want context.Canceled", err)
	}
	if rep.Outcome != OutcomeCanceled || ExitCode(err) != 1 {
		t.Fatalf("outcome = %s exit = %d", rep.Outcome, ExitCode(err))
	}
}

func TestOpenDriverAppliesMemoryDelay(t *testing.T) {
	cfg := config.Default()
	cfg.Broker.MemoryNodes = 1
	cfg.Broker.MemoryDelay = "200ms"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	drv, addrs, err := openDriver(cfg)
	if err != nil {
		t.Fatalf("openDriver: %v", err)
	}
	if len(addrs) != 1 {
		t.Fatalf("addrs = %v", addrs)
	}
	ctx := context.Background()
	conn, err := drv.Connect(ctx, addrs[0])
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()
	ch, err := conn.OpenChannel(ctx, cfg.Broker.Queue)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	if err := ch.Send(ctx, broker.Message{Run: "r", Seq: 0, Payload: "p"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, ok, err := ch.Poll(ctx, 0); ok || err != nil {
		t.Fatalf("immediate poll = %v, %v; want empty", ok, err)
	}
	m, ok, err := ch.Poll(ctx, 2*time.Second)
	if err != nil || !ok || m.Payload != "p" {
		t.Fatalf("delayed poll = %+v, %v, %v", m, ok, err)
	}
}

func TestNewReleasesLogFileWhenHistoryFails(t *testing.T) {
	if _, err := os.Stat("/proc/self/fd"); err != nil {
		t.Skip("needs /proc/self/fd")
	}
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	logPath := filepath.Join(dir, "dispatchcheck.log")
	path := writeConfig(t, `
logging:
  level: info
  console: false
  file:
    enabled: true
    path: `+logPath+`
storage:
  driver: sqlite
  path: `+filepath.Join(blocker, "runs.db")+`
`)

	if _, err := New(Options{ConfigPath: path}); err == nil {
		t.Fatal("expected run history error")
	}
	fds, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Fatal(err)
	}
	for _, fd := range fds {
		if target, _ := os.Readlink(filepath.Join("/proc/self/fd", fd.Name())); target == logPath {
			t.Fatalf("log file still open on fd %s", fd.Name())
		}
	}
}

func TestRunOnceFailuresAreRecorded(t *testing.T) {
	path := writeConfig(t, `
broker:
  driver: memory
verifier:
  items: 20
  poll_timeout: 5ms
  max_rounds: 8
storage:
  driver: file
  path: `+filepath.Join(t.TempDir(), "history")+`
`)

	tests := []struct {
		name    string
		inject  func(*memory.Cluster)
		outcome Outcome
		is      error
	}{
		{name: "duplicate", inject: func(c *memory.Cluster) { c.DuplicateSeq(7) }, outcome: OutcomeVerificationFailed, is: verifier.ErrVerification},
		{name: "drops", inject: func(c *memory.Cluster) { c.DropSeq(18); c.DropSeq(19) }, outcome: OutcomeIncomplete, is: verifier.ErrIncomplete},
		{name: "poll failure", inject: func(c *memory.Cluster) { c.FailPolls(memory.NodeAddr(1), errors.New("reset")) }, outcome: OutcomeEndpointError},
	}

	var inject atomic.Value
	a, _ := newApp(t, Options{
		ConfigPath: path,
		OpenDriver: func(cfg *config.Config) (broker.Driver, []string, error) {
			return faultyCluster(inject.Load().(func(*memory.Cluster)))(cfg)
		},
	})

	for _, tt := range tests {
		inject.Store(tt.inject)
		rep, err := a.RunOnce(context.Background())
		if err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
		if tt.is != nil && !errors.Is(err, tt.is) {
			t.Fatalf("%s: err = %v, want %v", tt.name, err, tt.is)
		}
		if rep.Outcome != tt.outcome || ExitCode(err) != 1 {
			t.Fatalf("%s: outcome = %s exit = %d", tt.name, rep.Outcome, ExitCode(err))
		}
	}

	runs, err := a.History(context.Background(), 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(runs) != len(tests) {
		t.Fatalf("recorded %d runs, want %d", len(runs), len(tests))
	}
	if runs[0].Outcome != string(OutcomeEndpointError) || runs[2].Outcome != string(OutcomeVerificationFailed) {
		t.Fatalf("history order = %s .. %s", runs[0].Outcome, runs[2].Outcome)
	}
	if runs[1].Received != 18 || runs[1].Error == "" {
		t.Fatalf("incomplete record = %+v", runs[1])
	}

	var out bytes.Buffer
	if err := WriteHistory(&out, runs); err != nil {
		t.Fatalf("WriteHistory: %v", err)
	}
	if !strings.Contains(out.String(), "OUTCOME") || !strings.Contains(out.String(), "incomplete") {
		t.Fatalf("table:\n%s", out.String())
	}
}

func TestHistoryDisabled(t *testing.T) {
	a, _ := newApp(t, Options{})
	if _, err := a.History(context.Background(), 5); !errors.Is(err, storage.ErrDisabled) {
		t.Fatalf("History = %v, want ErrDisabled", err)
	}
}

func TestConfigurationErrors(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{name: "unknown driver", opts: Options{ConfigPath: writeConfig(t, "broker:\n  driver: amqp\n")}},
		{name: "unknown field", opts: Options{ConfigPath: writeConfig(t, "broker:\n  drvier: memory\n")}},
		{name: "missing file", opts: Options{ConfigPath: filepath.Join(t.TempDir(), "absent.yaml")}},
		{name: "network driver without endpoints", opts: Options{Overrides: Overrides{Driver: "nats"}}},
		{name: "negative items", opts: Options{Overrides: Overrides{Items: intp(-1)}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.LogWriter = &bytes.Buffer{}
			_, err := New(tt.opts)
			if !errors.Is(err, verifier.ErrConfiguration) {
				t.Fatalf("New = %v, want configuration error", err)
			}
			if ExitCode(err) != 2 {
				t.Fatalf("exit = %d, want 2", ExitCode(err))
			}
		})
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want Outcome
	}{
		{nil, OutcomeVerified},
		{&verifier.ConfigurationError{Field: "endpoints"}, OutcomeConfigError},
		{&verifier.VerificationError{Kind: verifier.MissingItem}, OutcomeVerificationFailed},
		{&verifier.IncompleteDispatchError{Expected: 2}, OutcomeIncomplete},
		{&verifier.EndpointError{Op: "poll", Err: errors.New("x")}, OutcomeEndpointError},
		{&verifier.EndpointError{Op: "send", Err: context.Canceled}, OutcomeCanceled},
		{&verifier.EndpointError{Op: "connect", Err: context.DeadlineExceeded}, OutcomeEndpointError},
		{context.DeadlineExceeded, OutcomeCanceled},
		{context.Canceled, OutcomeCanceled},
		{errors.New("other"), OutcomeError},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Fatalf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestDaemonRunsOnScheduleAndNotifies(t *testing.T) {
	var (
		mu     sync.Mutex
		states []string
		runs   atomic.Int32
	)
	a, logs := newApp(t, Options{
		Overrides: Overrides{Items: intp(4), Schedule: "every:30ms", PollTimeout: durp(5 * time.Millisecond)},
		OpenDriver: func(cfg *config.Config) (broker.Driver, []string, error) {
			runs.Add(1)
			return faultyCluster(nil)(cfg)
		},
		Notify: func(state string) {
			mu.Lock()
			states = append(states, state)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Daemon(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Daemon: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
	if runs.Load() < 3 {
		t.Fatalf("runs = %d, want >= 3", runs.Load())
	}
	for _, want := range []string{`"name":"run.initial"`, `"still_active":0`} {
		if !strings.Contains(logs.String(), want) {
			t.Fatalf("shutdown log lacks %s:\n%s", want, logs.String())
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || states[0] != daemon.SdNotifyReady || states[1] != daemon.SdNotifyStopping {
		t.Fatalf("notify states = %q", states)
	}
}

func TestDaemonRejectsBadSchedule(t *testing.T) {
	a, _ := newApp(t, Options{})
	a.setConfig(func() *config.Config {
		c := *a.Config()
		c.Daemon.Schedule = "whenever"
		return &c
	}())
	if err := a.Daemon(context.Background()); ExitCode(err) != 2 {
		t.Fatalf("Daemon = %v, want configuration error", err)
	}
}

func TestReloadLoopAppliesChanges(t *testing.T) {
	a, logs := newApp(t, Options{Overrides: Overrides{MaxRounds: intp(7)}})
	runner := schedule.NewRunner(func(context.Context) {}, a.Logger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := make(chan *config.Config, 2)
	done := make(chan struct{})
	go func() {
		a.reloadLoop(ctx, sub, runner)
		close(done)
	}()

	next := config.Default()
	next.Verifier.Items = 40
	sub <- next

	deadline := time.Now().Add(2 * time.Second)
	for a.Config().Verifier.Items != 40 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	got := a.Config()
	if got.Verifier.Items != 40 {
		t.Fatalf("items = %d, want 40", got.Verifier.Items)
	}
	if got.Verifier.MaxRounds != 7 {
		t.Fatalf("override lost on reload: max_rounds = %d", got.Verifier.MaxRounds)
	}
	if !strings.Contains(logs.String(), `"changed":"verifier"`) {
		t.Fatalf("reload summary not logged:\n%s", logs.String())
	}
}
