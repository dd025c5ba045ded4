package main

import (
	"sync"
	"time"
)

// Interaction kinds reported by the page after verification.
const (
	InteractionScroll   = "scroll"
	InteractionClick    = "click"
	InteractionKeypress = "keypress"
)

// Anomaly reasons carried by bot_behavior_detected events.
const (
	AnomalyNoInteraction        = "no_interaction"
	AnomalyExcessiveInteraction = "excessive_interaction"
)

// BehaviorSample holds interaction counters cumulative since the monitor
// started.
type BehaviorSample struct {
	ScrollEvents   int       `json:"scrollEvents"`
	ClickEvents    int       `json:"clickEvents"`
	KeypressEvents int       `json:"keypressEvents"`
	WindowStart    time.Time `json:"windowStart"`
}

// Total is the sum of all counters.
func (s BehaviorSample) Total() int {
	return s.ScrollEvents + s.ClickEvents + s.KeypressEvents
}

// Anomaly is one soft signal raised by the monitor.
type Anomaly struct {
	Reason       string        `json:"reason"`
	Elapsed      time.Duration `json:"elapsed"`
	Interactions int           `json:"interactions"`
}

// BehaviorMonitor watches interaction cadence after a session is verified.
// It only reports: anomalies never change the session state.
type BehaviorMonitor struct {
	mu      sync.Mutex
	cfg     MonitorConfig
	clock   Clock
	sink    EventSink
	metrics *Metrics

	running bool
	sample  BehaviorSample
	timer   Timer

	// Each rule fires once until the monitor is restarted.
	idleFired  bool
	burstFired bool
}

// NewBehaviorMonitor creates a stopped monitor.
func NewBehaviorMonitor(cfg MonitorConfig, clock Clock, sink EventSink, metrics *Metrics) *BehaviorMonitor {
	if clock == nil {
		clock = realClock{}
	}
	return &BehaviorMonitor{cfg: cfg, clock: clock, sink: sink, metrics: metrics}
}

// Start resets the counters and arms the evaluation ticker. Starting a
// running monitor is a no-op.
func (m *BehaviorMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.sample = BehaviorSample{WindowStart: m.clock.Now()}
	m.idleFired = false
	m.burstFired = false
	m.schedule()
	m.sink.Log("behavior_monitor_started", map[string]interface{}{
		"intervalMs": m.cfg.Interval.Milliseconds(),
	})
}

// Stop disarms the ticker. Counters are kept for Sample.
func (m *BehaviorMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Running reports whether the monitor is started.
func (m *BehaviorMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// schedule must be called with m.mu held.
func (m *BehaviorMonitor) schedule() {
	m.timer = m.clock.AfterFunc(m.cfg.Interval, m.tick)
}

func (m *BehaviorMonitor) tick() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.schedule()
	m.mu.Unlock()

	m.Evaluate()
}

// Record counts one interaction. Unknown kinds are ignored.
func (m *BehaviorMonitor) Record(kind string) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	switch kind {
	case InteractionScroll:
		m.sample.ScrollEvents++
	case InteractionClick:
		m.sample.ClickEvents++
	case InteractionKeypress:
		m.sample.KeypressEvents++
	default:
		m.mu.Unlock()
		return
	}
	// The ticker's first evaluation lands at the end of the burst window, so
	// the burst rule is also checked as interactions arrive.
	var fired []Anomaly
	if a, ok := m.checkBurst(m.clock.Now()); ok {
		fired = append(fired, a)
	}
	m.mu.Unlock()

	m.emit(fired)
}

// Sample returns a copy of the counters.
func (m *BehaviorMonitor) Sample() BehaviorSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sample
}

// Evaluate runs both anomaly rules against the elapsed time since start and
// returns the anomalies raised by this evaluation.
func (m *BehaviorMonitor) Evaluate() []Anomaly {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	now := m.clock.Now()
	var fired []Anomaly
	if a, ok := m.checkIdle(now); ok {
		fired = append(fired, a)
	}
	if a, ok := m.checkBurst(now); ok {
		fired = append(fired, a)
	}
	m.mu.Unlock()

	m.emit(fired)
	return fired
}

func (m *BehaviorMonitor) checkIdle(now time.Time) (Anomaly, bool) {
	elapsed := now.Sub(m.sample.WindowStart)
	total := m.sample.Total()
	if m.idleFired || elapsed <= m.cfg.IdleAfter || total != 0 {
		return Anomaly{}, false
	}
	m.idleFired = true
	return Anomaly{Reason: AnomalyNoInteraction, Elapsed: elapsed, Interactions: total}, true
}

func (m *BehaviorMonitor) checkBurst(now time.Time) (Anomaly, bool) {
	elapsed := now.Sub(m.sample.WindowStart)
	total := m.sample.Total()
	if m.burstFired || elapsed >= m.cfg.BurstWindow || total <= m.cfg.BurstInteractions {
		return Anomaly{}, false
	}
	m.burstFired = true
	return Anomaly{Reason: AnomalyExcessiveInteraction, Elapsed: elapsed, Interactions: total}, true
}

func (m *BehaviorMonitor) emit(anomalies []Anomaly) {
	for _, a := range anomalies {
		m.metrics.observeAnomaly(a.Reason)
		m.sink.Log("bot_behavior_detected", map[string]interface{}{
			"reason":       a.Reason,
			"elapsedMs":    a.Elapsed.Milliseconds(),
			"interactions": a.Interactions,
		})
	}
}
