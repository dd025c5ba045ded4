package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gate's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// Detector
	SuspicionScore *prometheus.HistogramVec
	RuleHits       *prometheus.CounterVec

	// Challenge sessions
	Transitions    *prometheus.CounterVec
	Outcomes       *prometheus.CounterVec
	ActiveSessions prometheus.Gauge

	// Behaviour monitor
	Anomalies *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SuspicionScore: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gate_suspicion_score",
				Help:    "Synchronous suspicion score at page load",
				Buckets: []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
			},
			[]string{"confidence"},
		),

		RuleHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gate_rule_hits_total",
				Help: "Detection rules that fired",
			},
			[]string{"rule"},
		),

		Transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gate_session_transitions_total",
				Help: "Challenge session state transitions",
			},
			[]string{"from", "to"},
		),

		Outcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gate_session_outcomes_total",
				Help: "Terminal challenge session states",
			},
			[]string{"state"}, // verified, locked
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gate_active_sessions",
				Help: "Open websocket challenge sessions",
			},
		),

		Anomalies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gate_behavior_anomalies_total",
				Help: "Behaviour anomalies raised after verification",
			},
			[]string{"reason"},
		),
	}
}

func (m *Metrics) observeScan(r SuspicionReport) {
	if m == nil {
		return
	}
	m.SuspicionScore.WithLabelValues(string(r.Confidence)).Observe(float64(r.Score))
}

func (m *Metrics) observeRuleHit(rule string) {
	if m == nil {
		return
	}
	m.RuleHits.WithLabelValues(rule).Inc()
}

func (m *Metrics) observeTransition(from, to State) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *Metrics) observeOutcome(s State) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) observeAnomaly(reason string) {
	if m == nil {
		return
	}
	m.Anomalies.WithLabelValues(reason).Inc()
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}
