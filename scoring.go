package main

import (
	"fmt"
	"sync"
	"time"
)

// Confidence grades how sure the detector is about its classification.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// MaxScore caps the suspicion score.
const MaxScore = 100

// SuspicionReport is the detector's verdict for one page load.
type SuspicionReport struct {
	Score      int        `json:"score"`
	IsBot      bool       `json:"isBot"`
	Confidence Confidence `json:"confidence"`
	// Provisional is set while the pointer-movement rule has not resolved.
	Provisional bool      `json:"provisional"`
	Hits        []RuleHit `json:"hits,omitempty"`
}

// EventSink receives security events. SecurityLogger is the production sink.
type EventSink interface {
	Log(eventType string, detail map[string]interface{})
}

// BotDetector evaluates the rule table against a reported environment.
type BotDetector struct {
	weights map[string]int
	tiers   []Tier
	grace   time.Duration
	params  ruleParams
	clock   Clock
	metrics *Metrics
}

// NewBotDetector builds a detector from the detector config section.
func NewBotDetector(cfg DetectorConfig, clock Clock, metrics *Metrics) (*BotDetector, error) {
	tiers, err := cfg.Tiers()
	if err != nil {
		return nil, err
	}

	weights := DefaultWeights()
	for name, w := range cfg.Weights {
		if _, ok := weights[name]; !ok {
			return nil, fmt.Errorf("unknown rule %q in detector.weights", name)
		}
		weights[name] = w
	}

	if clock == nil {
		clock = realClock{}
	}

	return &BotDetector{
		weights: weights,
		tiers:   tiers,
		grace:   cfg.PointerGrace,
		params:  ruleParams{minCanvasLength: cfg.MinCanvasLength},
		clock:   clock,
		metrics: metrics,
	}, nil
}

// Classify maps a score onto the configured threshold table.
func (d *BotDetector) Classify(score int) (bool, Confidence) {
	for _, t := range d.tiers {
		if score >= t.MinScore {
			return t.IsBot, t.Confidence
		}
	}
	return false, ConfidenceLow
}

// RunAllChecks evaluates every synchronous rule, arms the pointer-movement
// grace window and returns the scan. The scan's first report is provisional
// until the grace window resolves.
func (d *BotDetector) RunAllChecks(env *Environment, sink EventSink) *Scan {
	s := &Scan{detector: d, sink: sink}

	for _, rule := range syncRules {
		if hit, ok := rule(env, d.params); ok {
			s.add(hit)
		}
	}

	s.mu.Lock()
	s.pointerPending = true
	s.timer = d.clock.AfterFunc(d.grace, s.graceElapsed)
	s.mu.Unlock()

	report := s.Report()
	d.metrics.observeScan(report)
	sink.Log("bot_report", reportDetail(report))
	return s
}

// Scan accumulates the score for one page load. The score only grows.
type Scan struct {
	mu       sync.Mutex
	detector *BotDetector
	sink     EventSink

	score int
	hits  []RuleHit

	pointerPending bool
	timer          Timer
	stopped        bool
}

func (s *Scan) add(hit RuleHit) {
	weight := s.detector.weights[hit.Rule]
	if weight <= 0 {
		return
	}
	hit.Weight = weight

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.score += weight
	if s.score > MaxScore {
		s.score = MaxScore
	}
	s.hits = append(s.hits, hit)
	s.mu.Unlock()

	s.detector.metrics.observeRuleHit(hit.Rule)

	detail := map[string]interface{}{
		"rule":   hit.Rule,
		"weight": hit.Weight,
		"reason": hit.Reason,
	}
	for k, v := range hit.Detail {
		detail[k] = v
	}
	s.sink.Log("bot_rule_hit", detail)
}

// Score returns the current accumulated score.
func (s *Scan) Score() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.score
}

// Report returns the current verdict. Reports taken before the grace window
// resolves are marked provisional.
func (s *Scan) Report() SuspicionReport {
	s.mu.Lock()
	score := s.score
	hits := append([]RuleHit(nil), s.hits...)
	pending := s.pointerPending
	s.mu.Unlock()

	isBot, conf := s.detector.Classify(score)
	return SuspicionReport{
		Score:       score,
		IsBot:       isBot,
		Confidence:  conf,
		Provisional: pending,
		Hits:        hits,
	}
}

// PointerMoved resolves the pointer rule without adding weight.
func (s *Scan) PointerMoved() {
	s.mu.Lock()
	if !s.pointerPending || s.stopped {
		s.mu.Unlock()
		return
	}
	s.pointerPending = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	s.finalize()
}

func (s *Scan) graceElapsed() {
	s.mu.Lock()
	if !s.pointerPending || s.stopped {
		s.mu.Unlock()
		return
	}
	s.pointerPending = false
	s.timer = nil
	s.mu.Unlock()

	s.add(RuleHit{
		Rule:   RuleNoPointerMovement,
		Reason: "No pointer movement within grace window",
		Detail: map[string]interface{}{"graceMs": s.detector.grace.Milliseconds()},
	})
	s.finalize()
}

func (s *Scan) finalize() {
	report := s.Report()
	s.sink.Log("bot_report", reportDetail(report))
}

// Stop cancels the pointer grace window. A stopped scan never adds weight.
func (s *Scan) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func reportDetail(r SuspicionReport) map[string]interface{} {
	rules := make([]string, 0, len(r.Hits))
	for _, h := range r.Hits {
		rules = append(rules, h.Rule)
	}
	return map[string]interface{}{
		"score":       r.Score,
		"isBot":       r.IsBot,
		"confidence":  string(r.Confidence),
		"provisional": r.Provisional,
		"rules":       rules,
	}
}
