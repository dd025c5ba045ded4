package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// DefaultMaxSecurityEvents bounds the security log.
const DefaultMaxSecurityEvents = 50

// SecurityEvent is one immutable entry of the security log.
type SecurityEvent struct {
	Type      string                 `json:"type"`
	Timestamp string                 `json:"timestamp"`
	UserAgent string                 `json:"userAgent"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// SecurityLogger is a bounded, append-only event log for one browsing
// session. It keeps the newest entries in memory and overwrites a single
// store slot on every call. Persistence failures never reach the caller.
type SecurityLogger struct {
	mu        sync.Mutex
	events    []SecurityEvent
	max       int
	userAgent string

	store Store
	key   string
	ttl   time.Duration

	clock  Clock
	logger *slog.Logger
}

// SecurityLoggerOptions configures NewSecurityLogger.
type SecurityLoggerOptions struct {
	Store      Store
	Key        string
	TTL        time.Duration
	MaxEntries int
	UserAgent  string
	Clock      Clock
	Logger     *slog.Logger
}

// NewSecurityLogger creates a logger and loads whatever the store already
// holds under the key, so the log carries over between page loads.
func NewSecurityLogger(ctx context.Context, opts SecurityLoggerOptions) *SecurityLogger {
	l := &SecurityLogger{
		max:       opts.MaxEntries,
		userAgent: opts.UserAgent,
		store:     opts.Store,
		key:       opts.Key,
		ttl:       opts.TTL,
		clock:     opts.Clock,
		logger:    opts.Logger,
	}
	if l.max <= 0 {
		l.max = DefaultMaxSecurityEvents
	}
	if l.clock == nil {
		l.clock = realClock{}
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.hydrate(ctx)
	return l
}

func (l *SecurityLogger) hydrate(ctx context.Context) {
	if l.store == nil || l.key == "" {
		return
	}
	data, err := l.store.Get(ctx, l.key)
	if err != nil {
		return
	}
	var events []SecurityEvent
	if err := json.Unmarshal(data, &events); err != nil {
		l.logger.Debug("discarding unreadable security log", "key", l.key, "error", err)
		return
	}
	if len(events) > l.max {
		events = events[len(events)-l.max:]
	}
	l.events = events
}

// Log appends an event, evicts the oldest entries beyond the bound and
// persists the list.
func (l *SecurityLogger) Log(eventType string, detail map[string]interface{}) {
	ev := SecurityEvent{
		Type:      eventType,
		Timestamp: l.clock.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		UserAgent: l.userAgent,
		Detail:    copyDetail(detail),
	}

	l.mu.Lock()
	l.events = append(l.events, ev)
	if over := len(l.events) - l.max; over > 0 {
		// Copy so the backing array does not grow without bound.
		l.events = append([]SecurityEvent(nil), l.events[over:]...)
	}
	// Persist under the lock so slot writes land in log order.
	if snapshot, err := json.Marshal(l.events); err != nil {
		l.logger.Debug("security log not serialisable", "error", err)
	} else {
		l.persist(snapshot)
	}
	l.mu.Unlock()

	attrs := make([]any, 0, 2+2*len(detail))
	attrs = append(attrs, "type", eventType)
	for k, v := range detail {
		attrs = append(attrs, k, v)
	}
	l.logger.Info("security event", attrs...)
}

func (l *SecurityLogger) persist(snapshot []byte) {
	if l.store == nil || l.key == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.store.Set(ctx, l.key, snapshot, l.ttl); err != nil {
		l.logger.Debug("security log persist failed", "key", l.key, "error", err)
	}
}

// Events returns a copy of the in-memory log, oldest first.
func (l *SecurityLogger) Events() []SecurityEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]SecurityEvent(nil), l.events...)
}

func copyDetail(detail map[string]interface{}) map[string]interface{} {
	if len(detail) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(detail))
	for k, v := range detail {
		out[k] = v
	}
	return out
}
