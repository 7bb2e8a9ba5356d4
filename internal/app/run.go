package app

import (
	"context"
	"errors"
	"time"

	"dispatchcheck/internal/config"
	"dispatchcheck/internal/metrics"
	"dispatchcheck/internal/storage"
	"dispatchcheck/internal/verifier"
	logx "dispatchcheck/pkg/logx"
)

// Outcome classifies a finished run.
type Outcome string

const (
	OutcomeVerified           Outcome = "verified"
	OutcomeVerificationFailed Outcome = "verification_failed"
	OutcomeIncomplete         Outcome = "incomplete"
	OutcomeEndpointError      Outcome = "endpoint_error"
	OutcomeConfigError        Outcome = "config_error"
	OutcomeCanceled           Outcome = "canceled"
	OutcomeError              Outcome = "error"
)

// Classify maps a run error onto an Outcome.
func Classify(err error) Outcome {
	var ee *verifier.EndpointError
	switch {
	case err == nil:
		return OutcomeVerified
	case errors.Is(err, verifier.ErrConfiguration):
		return OutcomeConfigError
	case errors.Is(err, verifier.ErrVerification):
		return OutcomeVerificationFailed
	case errors.Is(err, verifier.ErrIncomplete):
		return OutcomeIncomplete
	case errors.Is(err, context.Canceled):
		return OutcomeCanceled
	// An endpoint timing out on its own deadline is an endpoint failure.
	case errors.As(err, &ee):
		return OutcomeEndpointError
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	default:
		return OutcomeError
	}
}

// ExitCode is the process exit status for a run error: 0 success,
// 2 configuration error, 1 anything else.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, verifier.ErrConfiguration):
		return 2
	default:
		return 1
	}
}

// Report describes one run.
type Report struct {
	RunID     string
	Driver    string
	Endpoints int
	Sent      int
	Result    *verifier.DispatchResult
	Outcome   Outcome
	Err       error
	Took      time.Duration
}

// RunOnce performs one verification with the current configuration,
// records it and returns the run error (nil when verified).
func (a *App) RunOnce(ctx context.Context) (*Report, error) {
	cfg := a.Config()
	start := time.Now()
	rep := &Report{Driver: cfg.Broker.Driver}

	err := a.run(ctx, cfg, rep)
	rep.Took = time.Since(start)
	rep.Err = err
	rep.Outcome = Classify(err)
	a.record(ctx, rep)
	return rep, err
}

func (a *App) run(ctx context.Context, cfg *config.Config, rep *Report) error {
	drv, endpoints, err := a.opts.OpenDriver(cfg)
	if err != nil {
		return configErr(err)
	}
	rep.Endpoints = len(endpoints)

	pollTimeout, err := cfg.Verifier.PollTimeoutDuration()
	if err != nil {
		return configErr(err)
	}
	producer := verifier.ProducerLast
	if cfg.Broker.ProducerEndpoint != nil {
		producer = *cfg.Broker.ProducerEndpoint
	}

	v, err := verifier.Configure(ctx, drv, verifier.Config{
		Endpoints:        endpoints,
		Queue:            cfg.Broker.Queue,
		PollTimeout:      pollTimeout,
		MaxRounds:        cfg.Verifier.MaxRounds,
		LingerRounds:     cfg.Verifier.LingerRounds,
		ProducerEndpoint: producer,
		SendRatePerSec:   cfg.Verifier.SendRatePerSec,
	}, a.log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := v.Close(); cerr != nil {
			a.log.Warn("endpoint release failed", logx.Err(cerr))
		}
	}()
	rep.RunID = v.RunID()

	err = v.Send(ctx, verifier.Labels(cfg.Verifier.PayloadPrefix, cfg.Verifier.Items))
	rep.Sent = v.Sent()
	if err != nil {
		return err
	}
	res, err := v.DrainAll(ctx)
	rep.Result = res
	if err != nil {
		return err
	}
	return v.Verify(res)
}

func (a *App) record(ctx context.Context, rep *Report) {
	var counts []int
	rounds := 0
	if rep.Result != nil {
		counts = rep.Result.Counts()
		rounds = rep.Result.Rounds
	}

	fields := []logx.Field{
		logx.String("run", rep.RunID),
		logx.String("outcome", string(rep.Outcome)),
		logx.Int("sent", rep.Sent),
		logx.Int("received", rep.Result.Total()),
		logx.Int("rounds", rounds),
		logx.Ints("per_endpoint", counts),
		logx.Duration("took", rep.Took),
	}
	if rep.Err != nil {
		a.log.Error("run finished", append(fields, logx.Err(rep.Err))...)
	} else {
		a.log.Info("run finished", fields...)
	}

	a.metrics.ObserveRun(metrics.RunSample{
		Outcome: string(rep.Outcome),
		Sent:    rep.Sent,
		Counts:  counts,
		Rounds:  rounds,
		Took:    rep.Took,
	})

	if a.store == nil {
		return
	}
	rec := storage.RunRecord{
		RunID:     rep.RunID,
		At:        time.Now().Add(-rep.Took),
		Driver:    rep.Driver,
		Endpoints: rep.Endpoints,
		Sent:      rep.Sent,
		Received:  rep.Result.Total(),
		Rounds:    rounds,
		Counts:    counts,
		Outcome:   string(rep.Outcome),
		TookMS:    rep.Took.Milliseconds(),
	}
	if rep.Err != nil {
		rec.Error = rep.Err.Error()
	}
	// Record cancelled runs too.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := a.store.AppendRun(sctx, rec); err != nil {
		a.log.Warn("run history append failed", logx.Err(err))
	}
}
