package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ChallengeUI renders the overlay. The controller never touches markup;
// the websocket transport forwards these calls to the page.
type ChallengeUI interface {
	ShowChallenge(prompt ChallengePrompt)
	RevealFallback(label string)
	ShowAttempts(attempt, max int)
	HideChallenge(fade time.Duration)
	ShowLockout(message string)
	NavigateAway(url string)
}

// WidgetOptions is the mount contract of the third-party challenge widget.
type WidgetOptions struct {
	SiteKey         string
	Callback        func(token string)
	ErrorCallback   func()
	ExpiredCallback func()
}

// ChallengeProvider mounts and disposes the interactive widget.
type ChallengeProvider interface {
	Mount(opts WidgetOptions) error
	Dispose()
}

// TokenVerifier validates widget tokens with the widget vendor. Optional.
type TokenVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) (bool, error)
}

// ControllerDeps are the collaborators of one ChallengeController.
type ControllerDeps struct {
	Detector *BotDetector
	Gate     GateFlag
	Provider ChallengeProvider
	UI       ChallengeUI
	Monitor  *BehaviorMonitor
	Sink     EventSink
	Clock    Clock
	Verifier TokenVerifier
	Metrics  *Metrics
	Logger   *slog.Logger
	RemoteIP string
}

// ChallengeController drives one page load through the challenge state
// machine. Handlers are serialised by mu and re-check the session state
// before acting, so late timer or widget callbacks are harmless.
type ChallengeController struct {
	mu       sync.Mutex
	session  VerificationSession
	starting bool
	closed   bool
	timers   *timerSet
	scan     *Scan

	params  fsmParams
	siteKey string
	deps    ControllerDeps
	logger  *slog.Logger
}

// NewChallengeController creates a controller in the Init state.
func NewChallengeController(id string, cfg ChallengeConfig, deps ControllerDeps) *ChallengeController {
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ChallengeController{
		session: VerificationSession{ID: id, State: StateInit},
		timers:  newTimerSet(),
		params:  paramsFromConfig(cfg),
		siteKey: cfg.SiteKey,
		deps:    deps,
		logger:  logger.With("session", id),
	}
}

// Start runs the page-load decision: skip when the gate flag is already
// set, otherwise scan the environment and show the challenge. Calling Start
// again after the first call does nothing.
func (c *ChallengeController) Start(ctx context.Context, env *Environment) {
	defer c.recoverBoundary("start")

	c.mu.Lock()
	if c.closed || c.starting || c.session.State != StateInit {
		c.mu.Unlock()
		return
	}
	c.starting = true
	c.mu.Unlock()

	verified, err := c.deps.Gate.Verified(ctx)
	if err != nil {
		// Storage trouble means we cannot prove a past pass; challenge again.
		c.logger.Warn("gate lookup failed", "error", err)
	}

	ev := event{kind: evStart, alreadyVerified: verified}
	if !verified {
		if env == nil {
			env = &Environment{}
		}
		scan := c.deps.Detector.RunAllChecks(env, c.deps.Sink)
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			scan.Stop()
			return
		}
		c.scan = scan
		c.mu.Unlock()
		ev.report = scan.Report()
	}
	c.dispatch(ev)
}

// WidgetMounted records that the widget rendered before the mount timeout.
func (c *ChallengeController) WidgetMounted() {
	c.dispatch(event{kind: evWidgetMounted})
}

// MountFailed routes a widget load or render failure to the fallback.
func (c *ChallengeController) MountFailed(reason string) {
	c.dispatch(event{kind: evWidgetMountFailed, reason: reason})
}

// ManualVerify handles activation of the "I am human" fallback control.
func (c *ChallengeController) ManualVerify() {
	c.dispatch(event{kind: evManualActivated})
}

// ChallengeSucceeded is the widget success callback.
func (c *ChallengeController) ChallengeSucceeded(ctx context.Context, token string) {
	if c.deps.Verifier != nil {
		if c.State() != StateAwaitingChallenge {
			return
		}
		ok, err := c.deps.Verifier.Verify(ctx, token, c.deps.RemoteIP)
		if err != nil {
			c.logger.Warn("token verification failed", "error", err)
		}
		if !ok {
			c.dispatch(event{kind: evChallengeFailed, reason: "token_rejected"})
			return
		}
	}
	c.dispatch(event{kind: evChallengeSucceeded, token: token, source: "widget"})
}

// ChallengeFailed is the widget error or expired callback.
func (c *ChallengeController) ChallengeFailed(reason string) {
	c.dispatch(event{kind: evChallengeFailed, reason: reason})
}

// PointerMoved resolves the detector's pointer grace window.
func (c *ChallengeController) PointerMoved() {
	c.mu.Lock()
	scan := c.scan
	c.mu.Unlock()
	if scan != nil {
		scan.PointerMoved()
	}
}

// Interaction feeds the behaviour monitor. It is ignored until verified.
func (c *ChallengeController) Interaction(kind string) {
	if c.deps.Monitor != nil {
		c.deps.Monitor.Record(kind)
	}
}

// Session returns a copy of the session value.
func (c *ChallengeController) Session() VerificationSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// State returns the current state.
func (c *ChallengeController) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.State
}

// PendingTimers returns how many session timers are outstanding.
func (c *ChallengeController) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers.len()
}

// Close releases every timer when the page goes away. The session state is
// left as is and later events, including timer callbacks already in flight,
// are dropped.
func (c *ChallengeController) Close() {
	c.mu.Lock()
	c.closed = true
	c.timers.stopAll()
	scan := c.scan
	c.mu.Unlock()

	if scan != nil {
		scan.Stop()
	}
	if c.deps.Monitor != nil {
		c.deps.Monitor.Stop()
	}
}

// dispatch applies one event. Timer effects run under the lock so handles
// are tracked before anyone else can observe the new state; everything else
// runs after the lock is released, in order.
func (c *ChallengeController) dispatch(ev event) {
	defer c.recoverBoundary("dispatch")

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	prev := c.session.State
	next, effects := transition(c.session, ev, c.params)
	c.session = next

	external := effects[:0:0]
	for _, e := range effects {
		switch e.kind {
		case effSchedule:
			c.schedule(e.timer, e.after, e.fire)
		case effCancelTimer:
			c.timers.stop(e.timer)
		case effCancelTimers:
			c.timers.stopAll()
		default:
			external = append(external, e)
		}
	}
	c.mu.Unlock()

	if prev != next.State {
		c.deps.Metrics.observeTransition(prev, next.State)
		c.logger.Debug("session transition", "from", prev.String(), "to", next.State.String(), "attempts", next.Attempts)
	}

	for _, e := range external {
		c.run(e)
	}
}

// schedule must be called with c.mu held.
func (c *ChallengeController) schedule(name string, after time.Duration, fire event) {
	var t Timer
	t = c.deps.Clock.AfterFunc(after, func() {
		c.mu.Lock()
		c.timers.forget(name, t)
		c.mu.Unlock()
		c.dispatch(fire)
	})
	c.timers.put(name, t)
}

func (c *ChallengeController) run(e effect) {
	defer c.recoverBoundary(fmt.Sprintf("effect %d", e.kind))

	switch e.kind {
	case effLog:
		c.deps.Sink.Log(e.logType, e.detail)
	case effShowChallenge:
		c.deps.UI.ShowChallenge(e.prompt)
	case effMountWidget:
		c.mountWidget()
	case effRevealFallback:
		c.deps.UI.RevealFallback(e.message)
	case effShowAttempts:
		c.deps.UI.ShowAttempts(e.attempt, e.max)
	case effPersistGate:
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := c.deps.Gate.MarkVerified(ctx); err != nil {
			// The page is still let through; the next load will challenge again.
			c.logger.Warn("persist gate flag failed", "error", err)
		}
	case effDisposeWidget:
		c.deps.Provider.Dispose()
	case effStopScan:
		c.mu.Lock()
		scan := c.scan
		c.mu.Unlock()
		if scan != nil {
			scan.Stop()
		}
	case effHideChallenge:
		c.deps.UI.HideChallenge(e.fade)
	case effStartMonitor:
		c.mu.Lock()
		// Close stops the monitor after setting closed, so never start one
		// once it is set.
		if c.deps.Monitor != nil && !c.closed {
			c.deps.Monitor.Start()
		}
		c.mu.Unlock()
		c.deps.Metrics.observeOutcome(StateVerified)
	case effShowLockout:
		c.deps.UI.ShowLockout(e.message)
		c.deps.Metrics.observeOutcome(StateLocked)
	case effNavigate:
		c.deps.UI.NavigateAway(e.url)
	}
}

func (c *ChallengeController) mountWidget() {
	opts := WidgetOptions{
		SiteKey: c.siteKey,
		Callback: func(token string) {
			c.ChallengeSucceeded(context.Background(), token)
		},
		ErrorCallback:   func() { c.ChallengeFailed("error") },
		ExpiredCallback: func() { c.ChallengeFailed("expired") },
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("widget mount panicked: %v", r)
			}
		}()
		return c.deps.Provider.Mount(opts)
	}()
	if err != nil {
		c.MountFailed(err.Error())
	}
}

// recoverBoundary keeps a failing collaborator from escaping a handler.
func (c *ChallengeController) recoverBoundary(where string) {
	if r := recover(); r != nil {
		c.logger.Error("recovered panic in challenge handler", "where", where, "panic", r)
	}
}
