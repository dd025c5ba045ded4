package main

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// =============================================================================
// Deterministic clock
// =============================================================================

// fakeClock fires timers only from Advance, in deadline order, with no lock
// held while a callback runs.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	when    time.Time
	seq     int
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{clock: c, when: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward by d, firing every timer that comes due,
// including timers scheduled by callbacks within the window.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDue(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = next.when
		next.fired = true
		c.mu.Unlock()

		next.f()
	}
}

func (c *fakeClock) nextDue(target time.Time) *fakeTimer {
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.when.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].when.Equal(due[j].when) {
			return due[i].seq < due[j].seq
		}
		return due[i].when.Before(due[j].when)
	})
	return due[0]
}

// latest returns the callback of the most recently scheduled timer, as a
// runtime goroutine would hold it after the timer fired.
func (c *fakeClock) latest() func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers[len(c.timers)-1].f
}

// Pending counts timers that are neither stopped nor fired.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// =============================================================================
// Recording collaborators
// =============================================================================

type recordingSink struct {
	mu     sync.Mutex
	events []SecurityEvent
}

func (s *recordingSink) Log(eventType string, detail map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, SecurityEvent{Type: eventType, Detail: copyDetail(detail)})
}

func (s *recordingSink) count(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func (s *recordingSink) last(eventType string) (SecurityEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Type == eventType {
			return s.events[i], true
		}
	}
	return SecurityEvent{}, false
}

type recordingUI struct {
	mu          sync.Mutex
	calls       []string
	prompts     []ChallengePrompt
	fades       []time.Duration
	attempts    [][2]int
	lockouts    []string
	navigations []string
	panicOnShow bool
}

func (u *recordingUI) record(call string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, call)
}

func (u *recordingUI) ShowChallenge(p ChallengePrompt) {
	u.record("show_challenge")
	if u.panicOnShow {
		panic("overlay exploded")
	}
	u.mu.Lock()
	u.prompts = append(u.prompts, p)
	u.mu.Unlock()
}

func (u *recordingUI) RevealFallback(label string) { u.record("reveal_fallback") }

func (u *recordingUI) ShowAttempts(attempt, max int) {
	u.record("attempts")
	u.mu.Lock()
	u.attempts = append(u.attempts, [2]int{attempt, max})
	u.mu.Unlock()
}

func (u *recordingUI) HideChallenge(fade time.Duration) {
	u.record("hide_challenge")
	u.mu.Lock()
	u.fades = append(u.fades, fade)
	u.mu.Unlock()
}

func (u *recordingUI) ShowLockout(message string) {
	u.record("locked")
	u.mu.Lock()
	u.lockouts = append(u.lockouts, message)
	u.mu.Unlock()
}

func (u *recordingUI) NavigateAway(url string) {
	u.record("navigate")
	u.mu.Lock()
	u.navigations = append(u.navigations, url)
	u.mu.Unlock()
}

func (u *recordingUI) count(call string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, c := range u.calls {
		if c == call {
			n++
		}
	}
	return n
}

type fakeProvider struct {
	mu       sync.Mutex
	mounts   int
	disposes int
	opts     WidgetOptions
	mountErr error
	panicky  bool
	onMount  func(WidgetOptions)
}

func (p *fakeProvider) Mount(opts WidgetOptions) error {
	p.mu.Lock()
	p.mounts++
	p.opts = opts
	err := p.mountErr
	panicky := p.panicky
	onMount := p.onMount
	p.mu.Unlock()

	if panicky {
		panic("widget script crashed")
	}
	if onMount != nil {
		onMount(opts)
	}
	return err
}

func (p *fakeProvider) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disposes++
}

func (p *fakeProvider) options() WidgetOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opts
}

func (p *fakeProvider) mountCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mounts
}

type fakeFlag struct {
	mu       sync.Mutex
	verified bool
	marks    int
	readErr  error
	writeErr error
}

func (f *fakeFlag) Verified(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verified, f.readErr
}

func (f *fakeFlag) MarkVerified(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks++
	if f.writeErr != nil {
		return f.writeErr
	}
	f.verified = true
	return nil
}

type fakeVerifier struct {
	ok    bool
	err   error
	calls int
}

func (v *fakeVerifier) Verify(_ context.Context, token, _ string) (bool, error) {
	v.calls++
	return v.ok, v.err
}

var errStoreDown = errors.New("store down")

// failingStore rejects every call.
type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, error) { return nil, errStoreDown }

func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errStoreDown
}

func (failingStore) Close() error { return nil }

// =============================================================================
// Fixtures
// =============================================================================

// cleanEnvironment is a desktop Chrome that fires no rule.
func cleanEnvironment() *Environment {
	return &Environment{
		UserAgent:           "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		Plugins:             5,
		Languages:           []string{"en-US", "en"},
		Platform:            "Win32",
		HardwareConcurrency: 8,
		Canvas:              CanvasProbe{DataLength: 4096},
	}
}

func newTestDetector(t *testing.T, clock Clock, preset string) *BotDetector {
	t.Helper()
	cfg := DefaultConfig().Detector
	cfg.Preset = preset
	d, err := NewBotDetector(cfg, clock, nil)
	require.NoError(t, err)
	return d
}
