package main

import "time"

// State is the lifecycle position of a VerificationSession.
type State int

const (
	StateInit State = iota
	StateAwaitingChallenge
	StateVerified
	StateFailed
	StateLocked
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAwaitingChallenge:
		return "awaiting_challenge"
	case StateVerified:
		return "verified"
	case StateFailed:
		return "failed"
	case StateLocked:
		return "locked"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateVerified || s == StateLocked
}

// VerificationSession is the state of one page load's challenge.
type VerificationSession struct {
	ID       string          `json:"id"`
	State    State           `json:"state"`
	Attempts int             `json:"attempts"`
	Report   SuspicionReport `json:"report"`

	WidgetMounted   bool `json:"widgetMounted"`
	FallbackVisible bool `json:"fallbackVisible"`
	ManualPending   bool `json:"manualPending"`
	Navigated       bool `json:"navigated"`
}

// Severity tiers for the challenge wording.
const (
	SeverityPlain    = "plain"
	SeverityElevated = "elevated"
)

// Timer names tracked per session.
const (
	timerMount    = "mount_timeout"
	timerManual   = "manual_processing"
	timerNavigate = "lockout_navigate"
)

// ChallengePrompt is what the overlay shows on first render.
type ChallengePrompt struct {
	Message       string     `json:"message"`
	Severity      string     `json:"severity"`
	Score         int        `json:"score"`
	Confidence    Confidence `json:"confidence"`
	FallbackLabel string     `json:"fallbackLabel"`
}

type eventKind int

const (
	evStart eventKind = iota
	evWidgetMounted
	evWidgetMountFailed
	evWidgetTimedOut
	evManualActivated
	evManualCompleted
	evChallengeSucceeded
	evChallengeFailed
	evLockoutElapsed
)

type event struct {
	kind eventKind

	alreadyVerified bool
	report          SuspicionReport

	token  string
	source string
	reason string
}

type effectKind int

const (
	effSchedule effectKind = iota
	effCancelTimer
	effCancelTimers
	effShowChallenge
	effMountWidget
	effRevealFallback
	effShowAttempts
	effPersistGate
	effDisposeWidget
	effStopScan
	effHideChallenge
	effStartMonitor
	effShowLockout
	effNavigate
	effLog
)

type effect struct {
	kind effectKind

	timer string
	after time.Duration
	fire  event

	prompt  ChallengePrompt
	message string
	attempt int
	max     int
	url     string
	fade    time.Duration

	logType string
	detail  map[string]interface{}
}

// fsmParams are the fixed inputs of the transition function.
type fsmParams struct {
	maxAttempts   int
	mountTimeout  time.Duration
	manualDelay   time.Duration
	fade          time.Duration
	lockoutDelay  time.Duration
	lockoutURL    string
	plainMessage  string
	elevatedMsg   string
	fallbackLabel string
	lockedMessage string
}

func paramsFromConfig(cfg ChallengeConfig) fsmParams {
	return fsmParams{
		maxAttempts:   cfg.MaxAttempts,
		mountTimeout:  cfg.MountTimeout,
		manualDelay:   cfg.ManualDelay,
		fade:          cfg.FadeDuration,
		lockoutDelay:  cfg.LockoutDelay,
		lockoutURL:    cfg.LockoutURL,
		plainMessage:  cfg.PlainMessage,
		elevatedMsg:   cfg.ElevatedMsg,
		fallbackLabel: cfg.FallbackLabel,
		lockedMessage: cfg.LockedMessage,
	}
}

func logEffect(logType string, detail map[string]interface{}) effect {
	return effect{kind: effLog, logType: logType, detail: detail}
}

// promptFor picks the wording tier from the report.
func promptFor(r SuspicionReport, p fsmParams) ChallengePrompt {
	prompt := ChallengePrompt{
		Message:       p.plainMessage,
		Severity:      SeverityPlain,
		Score:         r.Score,
		Confidence:    r.Confidence,
		FallbackLabel: p.fallbackLabel,
	}
	if r.Confidence == ConfidenceMedium || r.Confidence == ConfidenceHigh {
		prompt.Message = p.elevatedMsg
		prompt.Severity = SeverityElevated
	}
	return prompt
}

// transition is the whole challenge state machine. It never performs I/O:
// callers apply the returned effects in order. Events that do not apply to
// the current state return the session unchanged and no effects.
func transition(s VerificationSession, ev event, p fsmParams) (VerificationSession, []effect) {
	switch ev.kind {
	case evStart:
		if s.State != StateInit {
			return s, nil
		}
		if ev.alreadyVerified {
			s.State = StateVerified
			return s, []effect{
				logEffect("verification_skipped", map[string]interface{}{"reason": "session_already_verified"}),
				{kind: effStartMonitor},
			}
		}
		s.State = StateAwaitingChallenge
		s.Report = ev.report
		prompt := promptFor(ev.report, p)
		return s, []effect{
			{kind: effSchedule, timer: timerMount, after: p.mountTimeout, fire: event{kind: evWidgetTimedOut}},
			logEffect("challenge_shown", map[string]interface{}{
				"severity":    prompt.Severity,
				"score":       ev.report.Score,
				"confidence":  string(ev.report.Confidence),
				"provisional": ev.report.Provisional,
			}),
			{kind: effShowChallenge, prompt: prompt},
			{kind: effMountWidget},
		}

	case evWidgetMounted:
		if s.State != StateAwaitingChallenge || s.WidgetMounted {
			return s, nil
		}
		s.WidgetMounted = true
		return s, []effect{
			{kind: effCancelTimer, timer: timerMount},
			logEffect("widget_mounted", nil),
		}

	case evWidgetMountFailed, evWidgetTimedOut:
		if s.State != StateAwaitingChallenge || s.FallbackVisible {
			return s, nil
		}
		if ev.kind == evWidgetTimedOut && s.WidgetMounted {
			return s, nil
		}
		s.FallbackVisible = true
		logType := "widget_timeout"
		if ev.kind == evWidgetMountFailed {
			logType = "widget_mount_failed"
		}
		detail := map[string]interface{}{"timeoutMs": p.mountTimeout.Milliseconds()}
		if ev.reason != "" {
			detail["error"] = ev.reason
		}
		return s, []effect{
			{kind: effCancelTimer, timer: timerMount},
			logEffect(logType, detail),
			{kind: effRevealFallback, message: p.fallbackLabel},
		}

	case evManualActivated:
		if s.State != StateAwaitingChallenge || !s.FallbackVisible || s.ManualPending {
			return s, nil
		}
		s.ManualPending = true
		return s, []effect{
			{kind: effSchedule, timer: timerManual, after: p.manualDelay, fire: event{kind: evManualCompleted, source: "manual", token: "manual"}},
			logEffect("manual_verification_started", map[string]interface{}{"delayMs": p.manualDelay.Milliseconds()}),
		}

	case evManualCompleted:
		if s.State != StateAwaitingChallenge || !s.ManualPending {
			return s, nil
		}
		return succeed(s, "manual", p)

	case evChallengeSucceeded:
		if s.State != StateAwaitingChallenge {
			return s, nil
		}
		source := ev.source
		if source == "" {
			source = "widget"
		}
		return succeed(s, source, p)

	case evChallengeFailed:
		if s.State != StateAwaitingChallenge {
			return s, nil
		}
		s.Attempts++
		s.State = StateFailed
		effects := []effect{
			logEffect("challenge_failed", map[string]interface{}{
				"reason":      ev.reason,
				"attempt":     s.Attempts,
				"maxAttempts": p.maxAttempts,
			}),
		}
		if s.Attempts >= p.maxAttempts {
			return lock(s, p, effects)
		}
		// Failed is transient: the fallback is re-offered straight away.
		s.State = StateAwaitingChallenge
		s.FallbackVisible = true
		s.ManualPending = false
		return s, append(effects,
			effect{kind: effCancelTimer, timer: timerManual},
			effect{kind: effShowAttempts, attempt: s.Attempts, max: p.maxAttempts},
			effect{kind: effRevealFallback, message: p.fallbackLabel},
		)

	case evLockoutElapsed:
		if s.State != StateLocked || s.Navigated {
			return s, nil
		}
		s.Navigated = true
		return s, []effect{
			logEffect("navigated_away", map[string]interface{}{"url": p.lockoutURL}),
			{kind: effNavigate, url: p.lockoutURL},
		}
	}
	return s, nil
}

func succeed(s VerificationSession, source string, p fsmParams) (VerificationSession, []effect) {
	s.State = StateVerified
	s.ManualPending = false
	return s, []effect{
		{kind: effCancelTimers},
		{kind: effStopScan},
		logEffect("challenge_passed", map[string]interface{}{
			"source":   source,
			"attempts": s.Attempts,
		}),
		{kind: effPersistGate},
		{kind: effDisposeWidget},
		{kind: effHideChallenge, fade: p.fade},
		{kind: effStartMonitor},
	}
}

func lock(s VerificationSession, p fsmParams, effects []effect) (VerificationSession, []effect) {
	s.State = StateLocked
	s.ManualPending = false
	return s, append(effects,
		effect{kind: effCancelTimers},
		effect{kind: effStopScan},
		logEffect("access_locked", map[string]interface{}{"attempts": s.Attempts}),
		effect{kind: effDisposeWidget},
		effect{kind: effShowLockout, message: p.lockedMessage},
		effect{kind: effSchedule, timer: timerNavigate, after: p.lockoutDelay, fire: event{kind: evLockoutElapsed}},
	)
}
