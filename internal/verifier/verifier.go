// Package verifier checks that a clustered broker delivers a batch of queued
// items to a fixed pool of consumer endpoints exactly once each.
//
// A Verifier is driven by one goroutine: Configure, Send, DrainAll, Verify,
// Close. Only State, Sent and Endpoints may be called concurrently.
package verifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"dispatchcheck/internal/broker"
	logx "dispatchcheck/pkg/logx"
)

type endpoint struct {
	id       int
	addr     string
	conn     broker.Conn
	ch       broker.Channel
	consumed int
}

type Verifier struct {
	cfg     Config
	log     logx.Logger
	runID   string
	limiter *rate.Limiter

	mu        sync.Mutex
	state     State
	sent      int
	closed    bool
	endpoints []*endpoint
}

func validate(cfg Config) error {
	if len(cfg.Endpoints) < 1 {
		return &ConfigurationError{Field: "endpoints", Reason: fmt.Sprintf("need at least 1 endpoint, got %d", len(cfg.Endpoints))}
	}
	if cfg.PollTimeout < 0 {
		return &ConfigurationError{Field: "poll_timeout", Reason: "must be >= 0"}
	}
	if cfg.ProducerEndpoint >= len(cfg.Endpoints) {
		return &ConfigurationError{Field: "producer_endpoint", Reason: fmt.Sprintf("index %d out of range [0,%d)", cfg.ProducerEndpoint, len(cfg.Endpoints))}
	}
	if cfg.SendRatePerSec < 0 {
		return &ConfigurationError{Field: "send_rate_per_sec", Reason: "must be >= 0"}
	}
	if cfg.LingerRounds < 0 {
		return &ConfigurationError{Field: "linger_rounds", Reason: "must be >= 0"}
	}
	return nil
}

// ConfigureCount opens n endpoints, endpoint i bound to addr(i).
func ConfigureCount(ctx context.Context, drv broker.Driver, n int, pollTimeout time.Duration, addr func(i int) string, log logx.Logger) (*Verifier, error) {
	if n < 1 {
		return nil, &ConfigurationError{Field: "endpoints", Reason: fmt.Sprintf("need at least 1 endpoint, got %d", n)}
	}
	addrs := make([]string, n)
	for i := range addrs {
		addrs[i] = addr(i)
	}
	return Configure(ctx, drv, Config{Endpoints: addrs, PollTimeout: pollTimeout, ProducerEndpoint: ProducerLast}, log)
}

// Configure connects one endpoint per address and opens its channel on the
// queue. If any endpoint fails, everything opened so far is released.
func Configure(ctx context.Context, drv broker.Driver, cfg Config, log logx.Logger) (*Verifier, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	if drv == nil {
		return nil, &ConfigurationError{Field: "driver", Reason: "required"}
	}
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.ProducerEndpoint < 0 {
		cfg.ProducerEndpoint = len(cfg.Endpoints) - 1
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	v := &Verifier{
		cfg:   cfg,
		runID: cfg.RunID,
		log:   log.With(logx.String("comp", "verifier"), logx.String("run", cfg.RunID)),
	}
	if cfg.SendRatePerSec > 0 {
		v.limiter = rate.NewLimiter(rate.Limit(cfg.SendRatePerSec), cfg.SendRatePerSec)
	}

	for i, addr := range cfg.Endpoints {
		conn, err := drv.Connect(ctx, addr)
		if err != nil {
			_ = v.Close()
			return nil, &EndpointError{Endpoint: i, Addr: addr, Op: "connect", Err: err}
		}
		ch, err := conn.OpenChannel(ctx, cfg.Queue)
		if err != nil {
			_ = conn.Close()
			_ = v.Close()
			return nil, &EndpointError{Endpoint: i, Addr: addr, Op: "open channel", Err: err}
		}
		v.mu.Lock()
		v.endpoints = append(v.endpoints, &endpoint{id: i, addr: conn.Addr(), conn: conn, ch: ch})
		v.mu.Unlock()
		v.log.Debug("endpoint connected", logx.Int("endpoint", i), logx.String("addr", conn.Addr()))
	}

	v.setState(Configured)
	v.log.Info("verifier configured",
		logx.String("driver", drv.Name()),
		logx.Int("endpoints", len(cfg.Endpoints)),
		logx.String("queue", cfg.Queue),
		logx.Int("producer", cfg.ProducerEndpoint),
		logx.Duration("poll_timeout", cfg.PollTimeout),
	)
	return v, nil
}

// RunID returns the id tagging this run's messages.
func (v *Verifier) RunID() string { return v.runID }

func (v *Verifier) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Sent returns the number of items sent so far.
func (v *Verifier) Sent() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sent
}

func (v *Verifier) Endpoints() []EndpointInfo {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]EndpointInfo, len(v.endpoints))
	for i, ep := range v.endpoints {
		out[i] = EndpointInfo{ID: ep.id, Addr: ep.addr, Consumed: ep.consumed}
	}
	return out
}

// enter moves to next if the current state is one of from.
func (v *Verifier) enter(next State, from ...State) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	for _, s := range from {
		if v.state == s {
			v.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrPhase, v.state, next)
}

func (v *Verifier) setState(s State) {
	v.mu.Lock()
	v.state = s
	v.mu.Unlock()
}

// Send assigns each payload the next sequence number and sends it through
// the producer endpoint. It may be called repeatedly until DrainAll starts.
func (v *Verifier) Send(ctx context.Context, items []string) error {
	if err := v.enter(Sending, Configured, Sending); err != nil {
		return err
	}
	producer := v.endpoints[v.cfg.ProducerEndpoint]

	for _, payload := range items {
		if v.limiter != nil {
			if err := v.limiter.Wait(ctx); err != nil {
				v.setState(Failed)
				return err
			}
		}
		v.mu.Lock()
		seq := int64(v.sent)
		v.mu.Unlock()

		m := broker.Message{Run: v.runID, Seq: seq, Payload: payload}
		if err := producer.ch.Send(ctx, m); err != nil {
			v.setState(Failed)
			return &EndpointError{Endpoint: producer.id, Addr: producer.addr, Op: "send", Err: err}
		}

		v.mu.Lock()
		v.sent++
		v.mu.Unlock()
		v.log.Debug("sent item", logx.Int64("seq", seq), logx.String("payload", payload))
	}
	return nil
}

// DrainAll polls every endpoint once per round, in endpoint order, until the
// number of received items reaches the number sent (plus LingerRounds) or
// the round budget is exhausted. Context cancellation is honoured between
// rounds only.
//
// On budget exhaustion the partial result is returned with an
// *IncompleteDispatchError. A poll error aborts the drain immediately.
func (v *Verifier) DrainAll(ctx context.Context) (*DispatchResult, error) {
	if err := v.enter(Draining, Configured, Sending); err != nil {
		return nil, err
	}

	expected := v.Sent()
	res := &DispatchResult{RunID: v.runID, Sent: expected, Endpoints: make([]EndpointResult, len(v.endpoints))}
	for i, ep := range v.endpoints {
		res.Endpoints[i] = EndpointResult{ID: ep.id, Addr: ep.addr}
	}
	if expected == 0 {
		v.log.Info("nothing sent; drain skipped")
		return res, nil
	}

	budget := v.cfg.MaxRounds
	if budget <= 0 {
		budget = expected + DefaultSlackRounds
	}

	// Polls finish their own timeout; cancellation is observed between rounds.
	pollCtx := context.WithoutCancel(ctx)

	received := 0
	reached := false
	reachedAt := 0
	for round := 1; ; round++ {
		if reached && round > reachedAt+v.cfg.LingerRounds {
			break
		}
		if !reached && round > budget {
			v.setState(Failed)
			err := &IncompleteDispatchError{Expected: expected, Received: received, Rounds: res.Rounds}
			v.log.Error("drain budget exhausted", logx.Int("received", received), logx.Int("expected", expected), logx.Int("rounds", res.Rounds))
			return res, err
		}
		if err := ctx.Err(); err != nil {
			v.setState(Failed)
			return res, err
		}

		for i, ep := range v.endpoints {
			if v.cfg.Observer != nil {
				v.cfg.Observer.OnPoll(i, round)
			}
			m, ok, err := ep.ch.Poll(pollCtx, v.cfg.PollTimeout)
			if err != nil {
				v.setState(Failed)
				return res, &EndpointError{Endpoint: ep.id, Addr: ep.addr, Op: "poll", Err: err}
			}
			if !ok {
				v.log.Debug("nothing for endpoint", logx.Int("endpoint", ep.id), logx.Int("round", round))
				continue
			}
			if m.Run != v.runID {
				res.Ignored++
				v.log.Warn("ignoring item from another run", logx.Int("endpoint", ep.id), logx.String("other_run", m.Run), logx.Int64("seq", m.Seq))
				continue
			}

			item := WorkItem{Seq: m.Seq, Payload: m.Payload}
			v.mu.Lock()
			ep.consumed++
			v.mu.Unlock()
			res.Endpoints[i].Items = append(res.Endpoints[i].Items, item)
			received++
			if v.cfg.Observer != nil {
				v.cfg.Observer.OnReceive(i, item)
			}
			v.log.Debug("received item", logx.Int("endpoint", ep.id), logx.String("addr", ep.addr), logx.Int64("seq", m.Seq), logx.String("payload", m.Payload))
		}
		res.Rounds = round

		if !reached && received >= expected {
			reached = true
			reachedAt = round
		}
	}

	v.log.Info("drain complete", logx.Int("received", received), logx.Int("rounds", res.Rounds), logx.Ints("per_endpoint", res.Counts()))
	return res, nil
}

// Verify checks r (see the package-level Verify) and records the verdict.
func (v *Verifier) Verify(r *DispatchResult) error {
	v.mu.Lock()
	st := v.state
	v.mu.Unlock()
	if st != Draining && !st.Terminal() {
		return fmt.Errorf("%w: verify in state %s", ErrPhase, st)
	}

	err := Verify(r)
	if st == Draining {
		if err != nil {
			v.setState(Failed)
		} else {
			v.setState(Verified)
		}
	}
	if err != nil {
		v.log.Error("verification failed", logx.Err(err))
	} else {
		v.log.Info("verification passed", logx.Int("items", r.Total()), logx.Ints("per_endpoint", r.Counts()))
	}
	return err
}

// Close releases every endpoint connection. It is safe to call more than once.
func (v *Verifier) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	eps := v.endpoints
	v.mu.Unlock()

	var g errgroup.Group
	for _, ep := range eps {
		ep := ep
		g.Go(func() error {
			if err := ep.conn.Close(); err != nil {
				return &EndpointError{Endpoint: ep.id, Addr: ep.addr, Op: "close", Err: err}
			}
			return nil
		})
	}
	err := g.Wait()
	if len(eps) > 0 {
		v.log.Debug("endpoints released", logx.Int("count", len(eps)))
	}
	return err
}
