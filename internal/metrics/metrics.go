// Package metrics exposes verification run outcomes to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dispatchcheck"

// RunSample is what one finished run reports.
type RunSample struct {
	Outcome string
	Sent    int
	Counts  []int // received per endpoint
	Rounds  int
	Took    time.Duration
}

// Metrics holds the collectors on a private registry, so several instances
// (tests, restarts) never collide on the global one. A nil *Metrics is a
// no-op.
type Metrics struct {
	reg *prometheus.Registry

	runs        *prometheus.CounterVec
	sent        prometheus.Counter
	received    *prometheus.CounterVec
	rounds      prometheus.Histogram
	duration    prometheus.Histogram
	lastSuccess prometheus.Gauge
	skipped     prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Verification runs by outcome.",
		}, []string{"outcome"}),
		sent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_sent_total",
			Help:      "Items sent through the producer endpoint.",
		}),
		received: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_received_total",
			Help:      "Items received, by consumer endpoint index.",
		}, []string{"endpoint"}),
		rounds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drain_rounds",
			Help:      "Polling rounds needed to drain a run.",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
		}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a verification run.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last verified run.",
		}),
		skipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_runs_skipped_total",
			Help:      "Scheduled triggers skipped because a run was still in progress.",
		}),
	}
}

// ObserveRun records one finished run.
func (m *Metrics) ObserveRun(s RunSample) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(s.Outcome).Inc()
	m.sent.Add(float64(s.Sent))
	for i, n := range s.Counts {
		m.received.WithLabelValues(strconv.Itoa(i)).Add(float64(n))
	}
	if s.Rounds > 0 {
		m.rounds.Observe(float64(s.Rounds))
	}
	m.duration.Observe(s.Took.Seconds())
	if s.Outcome == "verified" {
		m.lastSuccess.SetToCurrentTime()
	}
}

// SkippedRun counts a scheduled trigger dropped due to overlap.
func (m *Metrics) SkippedRun() {
	if m == nil {
		return
	}
	m.skipped.Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
