// Package metrics provides Prometheus metrics for the adherence engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/sweep"
	"github.com/drfirst/go-adherence/pkg/circuitbreaker"
)

// Metrics holds all application metrics
type Metrics struct {
	DoseActions          *prometheus.CounterVec
	ActionDuration       *prometheus.HistogramVec
	SweepRuns            *prometheus.CounterVec
	SweepDuration        prometheus.Histogram
	DosesMissed          prometheus.Counter
	DosesProcessed       prometheus.Counter
	SweepBatchFailures   prometheus.Counter
	NotificationsQueued  *prometheus.CounterVec
	GraceConfigFallbacks prometheus.Counter
	OutboxMessages       *prometheus.CounterVec
	OutboxPending        prometheus.Gauge
	CircuitBreakerState  *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		DoseActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dose_actions_total",
			Help: "Dose actions by action and outcome",
		}, []string{"action", "outcome"}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dose_action_duration_seconds",
			Help:    "Dose action duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"action"}),
		SweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "missed_dose_sweeps_total",
			Help: "Missed-dose sweeps by outcome",
		}, []string{"outcome"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "missed_dose_sweep_duration_seconds",
			Help:    "Missed-dose sweep duration",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 120},
		}),
		DosesMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doses_marked_missed_total",
			Help: "Doses marked missed by the sweep",
		}),
		DosesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sweep_doses_processed_total",
			Help: "Doses examined in committed sweep batches",
		}),
		SweepBatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sweep_batch_failures_total",
			Help: "Sweep batches rolled back",
		}),
		NotificationsQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "family_notifications_queued_total",
			Help: "Family notifications queued by severity",
		}, []string{"severity"}),
		GraceConfigFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grace_config_fallbacks_total",
			Help: "Grace calculations that fell back to system defaults",
		}),
		OutboxMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_messages_total",
			Help: "Outbox entries relayed by topic and result",
		}, []string{"topic", "result"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.DoseActions,
		m.ActionDuration,
		m.SweepRuns,
		m.SweepDuration,
		m.DosesMissed,
		m.DosesProcessed,
		m.SweepBatchFailures,
		m.NotificationsQueued,
		m.GraceConfigFallbacks,
		m.OutboxMessages,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// ObserveAction records one dose action. The outcome is "ok" or the error kind.
func (m *Metrics) ObserveAction(action string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(dose.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	m.DoseActions.WithLabelValues(action, outcome).Inc()
	m.ActionDuration.WithLabelValues(action).Observe(d.Seconds())
}

// ObserveSweep implements sweep.Metrics
func (m *Metrics) ObserveSweep(d time.Duration, r sweep.Result) {
	outcome := "ok"
	switch {
	case r.TimedOut:
		outcome = "timed_out"
	case len(r.Errors) > 0:
		outcome = "partial"
	}
	m.SweepRuns.WithLabelValues(outcome).Inc()
	m.SweepDuration.Observe(d.Seconds())
	m.DosesMissed.Add(float64(r.Missed))
	m.DosesProcessed.Add(float64(r.Processed))
	if failed := r.Batches - r.CompletedBatches; failed > 0 {
		m.SweepBatchFailures.Add(float64(failed))
	}
}

// NotificationQueued implements sweep.Metrics
func (m *Metrics) NotificationQueued(severity sweep.Severity) {
	m.NotificationsQueued.WithLabelValues(string(severity)).Inc()
}

// OutboxPublished implements postgres.RelayMetrics
func (m *Metrics) OutboxPublished(topic string) {
	m.OutboxMessages.WithLabelValues(topic, "published").Inc()
}

// OutboxFailed implements postgres.RelayMetrics
func (m *Metrics) OutboxFailed(topic string) {
	m.OutboxMessages.WithLabelValues(topic, "failed").Inc()
}

// OutboxDeadLettered implements postgres.RelayMetrics
func (m *Metrics) OutboxDeadLettered(n int) {
	m.OutboxMessages.WithLabelValues("", "dead_lettered").Add(float64(n))
}

// BreakerStateChanged is suitable as circuitbreaker.Config.OnStateChange
func (m *Metrics) BreakerStateChanged(name string, to circuitbreaker.State) {
	v := 0.0
	switch to {
	case circuitbreaker.StateOpen:
		v = 1
	case circuitbreaker.StateHalfOpen:
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// Handler returns the Prometheus HTTP handler for the registry m was
// created with
func (m *Metrics) Handler() http.Handler {
	if m.gatherer == nil || m.gatherer == prometheus.DefaultGatherer {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
