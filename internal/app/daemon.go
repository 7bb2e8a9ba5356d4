package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"dispatchcheck/internal/config"
	"dispatchcheck/internal/runtime/supervisor"
	"dispatchcheck/internal/schedule"
	logx "dispatchcheck/pkg/logx"
)

// DefaultSchedule is used by the daemon when daemon.schedule is unset.
const DefaultSchedule = "every:1m"

// Daemon runs a verification immediately and then on every schedule tick
// until ctx is done. Overlapping ticks are skipped. It returns the first
// fatal supervisor error, nil on a clean stop.
func (a *App) Daemon(ctx context.Context) error {
	cfg := a.Config()
	spec, err := scheduleOf(cfg)
	if err != nil {
		return configErr(err)
	}

	sup := supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))), supervisor.WithCancelOnError(true))

	if err := a.msrv.Apply(sup.Context(), cfg.Metrics.Enabled, cfg.Metrics.Addr); err != nil {
		sup.Cancel()
		return fmt.Errorf("metrics listener: %w", err)
	}

	runner := schedule.NewRunner(func(c context.Context) { _, _ = a.RunOnce(c) }, a.log)
	runner.OnSkip(a.metrics.SkippedRun)
	if err := runner.Start(sup.Context(), spec); err != nil {
		sup.Cancel()
		return configErr(err)
	}
	sup.Go("run.initial", func(context.Context) error {
		runner.Trigger()
		return nil
	})

	if a.cfgm != nil && cfg.Daemon.WatchConfig {
		a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
			_, err := a.withOverrides(c)
			return err
		})
		sub := a.cfgm.Subscribe(4)
		sup.GoRestart("config.watch", a.cfgm.Watch)
		sup.Go("config.reload", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub, runner)
			return nil
		})
	}

	a.opts.Notify(daemon.SdNotifyReady)
	a.log.Info("daemon started",
		logx.String("schedule", spec.String()),
		logx.String("driver", cfg.Broker.Driver),
		logx.Int("endpoints", cfg.EndpointCount()),
		logx.Bool("metrics", cfg.Metrics.Enabled),
		logx.Bool("watch_config", a.cfgm != nil && cfg.Daemon.WatchConfig),
	)

	<-sup.Context().Done()
	a.opts.Notify(daemon.SdNotifyStopping)
	a.log.Info("daemon stopping")

	a.step("schedule", 5*time.Second, func(c context.Context) error { runner.Stop(c); return nil })
	a.step("metrics", time.Second, func(c context.Context) error { a.msrv.Stop(c); return nil })
	a.step("supervisor", 2*time.Second, func(c context.Context) error { return sup.Wait(c) })

	for _, st := range sup.Snapshot() {
		fields := []logx.Field{
			logx.String("name", st.Name),
			logx.Int("started", st.Started),
			logx.Int("restarts", st.Restarts),
			logx.Int("panics", st.Panics),
		}
		if st.LastErr != "" {
			fields = append(fields, logx.String("last_err", st.LastErr))
		}
		a.log.Info("supervised goroutine", fields...)
	}
	a.log.Info("daemon stopped",
		logx.Int64("runs", runner.Runs()),
		logx.Int64("skipped", runner.Skipped()),
		logx.Int64("still_active", sup.Active()),
	)
	return sup.Err()
}

func scheduleOf(cfg *config.Config) (schedule.Spec, error) {
	raw := strings.TrimSpace(cfg.Daemon.Schedule)
	if raw == "" {
		raw = DefaultSchedule
	}
	return schedule.Parse(raw)
}

// reloadLoop applies published config changes. The next run picks up the
// new config; the schedule and logging change immediately.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config, runner *schedule.Runner) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-sub:
			if !ok {
				return
			}
			next, err := a.withOverrides(raw)
			if err != nil {
				a.log.Warn("config reload rejected", logx.Err(err))
				continue
			}
			prev := a.Config()
			sections, attrs := config.SummarizeConfigChange(prev, next)
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
			a.setConfig(next)

			if a.logs != nil && prev.Logging != next.Logging {
				a.logs.Apply(mapLogConfig(next))
			}
			if prev.Daemon.Schedule != next.Daemon.Schedule {
				spec, err := scheduleOf(next)
				if err == nil {
					err = runner.Reschedule(spec)
				}
				if err != nil {
					a.log.Warn("schedule change not applied", logx.Err(err))
				}
			}
			if prev.Metrics != next.Metrics {
				if err := a.msrv.Apply(ctx, next.Metrics.Enabled, next.Metrics.Addr); err != nil {
					a.log.Warn("metrics change not applied", logx.Err(err))
				}
			}
			for _, s := range config.RestartRequired(sections) {
				if s != "metrics" {
					a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
				}
			}
		}
	}
}

// step runs one shutdown step bounded by max so a stuck component cannot
// stall the whole stop.
func (a *App) step(name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-ctx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
