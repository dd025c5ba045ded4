package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
)

// gateFlagValue is the only value that marks a browsing session as verified.
const gateFlagValue = "true"

// ErrInvalidSession is returned when the session cookie is missing or has
// been tampered with.
var ErrInvalidSession = errors.New("gate: invalid session cookie")

// GateFlag is the verified flag of one browsing session. Once set it is
// never cleared by the gate.
type GateFlag interface {
	Verified(ctx context.Context) (bool, error)
	MarkVerified(ctx context.Context) error
}

// SessionGate is the single source of truth for whether a browsing session
// has already passed a challenge.
type SessionGate struct {
	store Store
	ttl   time.Duration
}

// NewSessionGate creates a gate backed by store. ttl bounds how long the
// server remembers a session whose browser stopped asking; every verified
// read restarts it. A zero ttl keeps the flag forever.
func NewSessionGate(store Store, ttl time.Duration) *SessionGate {
	return &SessionGate{store: store, ttl: ttl}
}

func gateKey(sid string) string { return sid + ":turnstile_verified" }
func securityLogKey(sid string) string { return sid + ":security_logs" }

// IsVerified reports whether sid holds the verified flag.
func (g *SessionGate) IsVerified(ctx context.Context, sid string) (bool, error) {
	if sid == "" {
		return false, nil
	}
	val, err := g.store.Get(ctx, gateKey(sid))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read gate flag: %w", err)
	}
	if string(val) != gateFlagValue {
		return false, nil
	}
	if g.ttl > 0 {
		// Sliding expiry: a browsing session in use keeps its flag.
		if err := g.store.Set(ctx, gateKey(sid), val, g.ttl); err != nil {
			slog.Debug("refresh gate flag failed", "error", err)
		}
	}
	return true, nil
}

// MarkVerified sets the flag for sid.
func (g *SessionGate) MarkVerified(ctx context.Context, sid string) error {
	if err := g.store.Set(ctx, gateKey(sid), []byte(gateFlagValue), g.ttl); err != nil {
		return fmt.Errorf("write gate flag: %w", err)
	}
	return nil
}

// For binds the gate to one browsing session.
func (g *SessionGate) For(sid string) GateFlag {
	return sessionFlag{gate: g, sid: sid}
}

type sessionFlag struct {
	gate *SessionGate
	sid  string
}

func (f sessionFlag) Verified(ctx context.Context) (bool, error) {
	return f.gate.IsVerified(ctx, f.sid)
}

func (f sessionFlag) MarkVerified(ctx context.Context) error {
	return f.gate.MarkVerified(ctx, f.sid)
}

// =============================================================================
// Session cookie
// =============================================================================

// SessionCookies issues and reads the signed browsing-session cookie. The
// cookie has no Max-Age so the browser drops it when the session ends.
type SessionCookies struct {
	name string
	sc   *securecookie.SecureCookie
}

// NewSessionCookies signs cookies with key. An empty key gets a random one,
// which invalidates every session on restart.
func NewSessionCookies(name, key string) *SessionCookies {
	hashKey := []byte(key)
	if key == "" {
		slog.Warn("gate.cookie_key not set; using an ephemeral signing key")
		hashKey = securecookie.GenerateRandomKey(32)
	}
	return &SessionCookies{
		name: name,
		sc:   securecookie.New(hashKey, nil),
	}
}

// Resolve returns the session id carried by the request cookie.
func (c *SessionCookies) Resolve(r *http.Request) (string, error) {
	cookie, err := r.Cookie(c.name)
	if err != nil {
		return "", ErrInvalidSession
	}
	var sid string
	if err := c.sc.Decode(c.name, cookie.Value, &sid); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if _, err := uuid.Parse(sid); err != nil {
		return "", ErrInvalidSession
	}
	return sid, nil
}

// Ensure resolves the session id, minting a new one when the request has
// none. The returned cookie is non-nil only for a new session.
func (c *SessionCookies) Ensure(r *http.Request) (string, *http.Cookie, error) {
	if sid, err := c.Resolve(r); err == nil {
		return sid, nil, nil
	}
	sid := uuid.NewString()
	encoded, err := c.sc.Encode(c.name, sid)
	if err != nil {
		return "", nil, fmt.Errorf("encode session cookie: %w", err)
	}
	return sid, &http.Cookie{
		Name:     c.name,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	}, nil
}

// RequireVerified rejects requests whose browsing session has not passed
// the gate. Downstream handlers such as the breach lookup sit behind it.
func RequireVerified(gate *SessionGate, cookies *SessionCookies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sid, err := cookies.Resolve(r)
			if err == nil {
				var ok bool
				ok, err = gate.IsVerified(r.Context(), sid)
				if err == nil && ok {
					next.ServeHTTP(w, r)
					return
				}
			}
			if err != nil && !errors.Is(err, ErrInvalidSession) {
				slog.Warn("gate check failed", "error", err)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"success": false,
				"error":   "verification_required",
			})
		})
	}
}
