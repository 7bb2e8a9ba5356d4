package schedule

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "dispatchcheck/pkg/logx"
)

// Job is one triggered run. ctx is cancelled when the runner stops.
type Job func(ctx context.Context)

// Runner fires a Job on a Spec. A trigger that arrives while the previous
// run is still going is skipped, never queued.
type Runner struct {
	log    logx.Logger
	job    Job
	onSkip func()

	mu     sync.Mutex
	c      *cron.Cron
	entry  cron.EntryID
	spec   Spec
	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Bool
	wg      sync.WaitGroup
	runs    atomic.Int64
	skipped atomic.Int64
}

func NewRunner(job Job, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{job: job, log: log.With(logx.String("comp", "schedule"))}
}

// OnSkip registers fn to be called for every skipped trigger. Call it
// before Start.
func (r *Runner) OnSkip(fn func()) { r.onSkip = fn }

// Start begins triggering on spec. Calling Start on a started runner
// reschedules it.
func (r *Runner) Start(ctx context.Context, spec Spec) error {
	sched, err := spec.Schedule()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c == nil {
		r.ctx, r.cancel = context.WithCancel(ctx)
		r.c = cron.New(
			cron.WithParser(cronParser),
			cron.WithLogger(cronLogger{log: r.log}),
			cron.WithChain(cron.Recover(cronLogger{log: r.log})),
		)
		r.c.Start()
	} else {
		r.c.Remove(r.entry)
	}
	r.entry = r.c.Schedule(sched, cron.FuncJob(func() { r.Trigger() }))
	r.spec = spec
	r.log.Info("schedule set", logx.String("schedule", spec.String()), logx.String("kind", spec.Kind.String()))
	return nil
}

// Reschedule swaps the spec of a started runner.
func (r *Runner) Reschedule(spec Spec) error {
	r.mu.Lock()
	started := r.c != nil
	ctx := r.ctx
	r.mu.Unlock()
	if !started {
		return fmt.Errorf("schedule: runner not started")
	}
	return r.Start(ctx, spec)
}

// Trigger runs the job now unless a run is in progress. It reports whether
// the job ran.
func (r *Runner) Trigger() bool {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return false
	}
	if !r.running.CompareAndSwap(false, true) {
		n := r.skipped.Add(1)
		r.log.Warn("previous run still in progress; trigger skipped", logx.Int64("skipped_total", n))
		if r.onSkip != nil {
			r.onSkip()
		}
		return false
	}
	r.wg.Add(1)
	defer func() {
		r.running.Store(false)
		r.wg.Done()
	}()
	r.runs.Add(1)
	r.job(ctx)
	return true
}

// Next returns the next activation time, zero when stopped.
func (r *Runner) Next() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c == nil {
		return time.Time{}
	}
	return r.c.Entry(r.entry).Next
}

func (r *Runner) Runs() int64    { return r.runs.Load() }
func (r *Runner) Skipped() int64 { return r.skipped.Load() }

// Stop stops triggering, cancels the in-flight run and waits for it until
// ctx expires.
func (r *Runner) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.c
	cancel := r.cancel
	r.c = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	cronDone := c.Stop().Done()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		<-cronDone
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.log.Debug("schedule stopped", logx.Int64("runs", r.runs.Load()), logx.Int64("skipped", r.skipped.Load()))
	case <-ctx.Done():
		r.log.Warn("schedule stop timed out; run still in progress")
	}
}

// cronLogger routes robfig/cron's logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
