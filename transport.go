package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 << 10
	sendBuffer     = 32
)

var errConnClosed = errors.New("websocket closed")

// clientMessage is everything the gate script sends. Only the fields used
// by Type are set.
type clientMessage struct {
	Type    string       `json:"type"`
	Signals *Environment `json:"signals,omitempty"`
	Token   string       `json:"token,omitempty"`
	Kind    string       `json:"kind,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// serverMessage is a render command for the gate script.
type serverMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message,omitempty"`
	Severity  string `json:"severity,omitempty"`
	SiteKey   string `json:"siteKey,omitempty"`
	ScriptURL string `json:"scriptUrl,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	Max       int    `json:"max,omitempty"`
	FadeMs    int64  `json:"fadeMs,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Client message types.
const (
	msgHello             = "hello"
	msgPointerMove       = "pointer_move"
	msgWidgetRendered    = "widget_rendered"
	msgWidgetMountFailed = "widget_mount_failed"
	msgWidgetSuccess     = "widget_success"
	msgWidgetError       = "widget_error"
	msgWidgetExpired     = "widget_expired"
	msgManualVerify      = "manual_verify"
	msgInteraction       = "interaction"
)

// pageSession is one websocket connection, which is one page load. All
// writes go through the writer goroutine.
type pageSession struct {
	conn   *websocket.Conn
	send   chan serverMessage
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger

	// userAgent is the upgrade request's header, used when the page
	// reports no userAgent of its own.
	userAgent string

	ctrl     *ChallengeController
	provider *wsProvider
}

func newPageSession(conn *websocket.Conn, userAgent string, logger *slog.Logger) *pageSession {
	return &pageSession{
		conn:      conn,
		send:      make(chan serverMessage, sendBuffer),
		done:      make(chan struct{}),
		logger:    logger,
		userAgent: userAgent,
	}
}

// enqueue queues msg for the writer. A client too slow to drain its buffer
// is disconnected.
func (s *pageSession) enqueue(msg serverMessage) error {
	select {
	case <-s.done:
		return errConnClosed
	default:
	}
	select {
	case s.send <- msg:
		return nil
	case <-s.done:
		return errConnClosed
	default:
		s.logger.Warn("websocket send buffer full, closing", "message", msg.Type)
		s.close()
		return errConnClosed
	}
}

func (s *pageSession) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *pageSession) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// readLoop routes client messages to the controller until the connection
// drops.
func (s *pageSession) readLoop(ctx context.Context) {
	defer s.close()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("ignoring malformed client message", "error", err)
			continue
		}
		s.handle(ctx, msg)
	}
}

func (s *pageSession) handle(ctx context.Context, msg clientMessage) {
	switch msg.Type {
	case msgHello:
		env := msg.Signals
		if env == nil {
			env = &Environment{}
		}
		if env.UserAgent == "" {
			env.UserAgent = s.userAgent
		}
		s.ctrl.Start(ctx, env)
		if s.ctrl.State() == StateVerified {
			s.enqueue(serverMessage{Type: "verified"})
		}
	case msgPointerMove:
		s.ctrl.PointerMoved()
	case msgWidgetRendered:
		s.ctrl.WidgetMounted()
	case msgWidgetMountFailed:
		reason := msg.Error
		if reason == "" {
			reason = "widget script failed to load"
		}
		s.ctrl.MountFailed(reason)
	case msgWidgetSuccess:
		s.provider.callback(func(o WidgetOptions) {
			if o.Callback != nil {
				o.Callback(msg.Token)
			}
		})
	case msgWidgetError:
		s.provider.callback(func(o WidgetOptions) {
			if o.ErrorCallback != nil {
				o.ErrorCallback()
			}
		})
	case msgWidgetExpired:
		s.provider.callback(func(o WidgetOptions) {
			if o.ExpiredCallback != nil {
				o.ExpiredCallback()
			}
		})
	case msgManualVerify:
		s.ctrl.ManualVerify()
	case msgInteraction:
		s.ctrl.Interaction(msg.Kind)
	default:
		s.logger.Debug("ignoring unknown client message", "type", msg.Type)
	}
}

// =============================================================================
// ChallengeUI over the websocket
// =============================================================================

func (s *pageSession) ShowChallenge(p ChallengePrompt) {
	s.enqueue(serverMessage{Type: "show_challenge", Message: p.Message, Severity: p.Severity})
}

func (s *pageSession) RevealFallback(label string) {
	s.enqueue(serverMessage{Type: "reveal_fallback", Prompt: label})
}

func (s *pageSession) ShowAttempts(attempt, max int) {
	s.enqueue(serverMessage{Type: "attempts", Attempt: attempt, Max: max})
}

func (s *pageSession) HideChallenge(fade time.Duration) {
	s.enqueue(serverMessage{Type: "hide_challenge", FadeMs: fade.Milliseconds()})
}

func (s *pageSession) ShowLockout(message string) {
	s.enqueue(serverMessage{Type: "locked", Message: message})
}

func (s *pageSession) NavigateAway(url string) {
	s.enqueue(serverMessage{Type: "navigate", URL: url})
}

// =============================================================================
// ChallengeProvider over the websocket
// =============================================================================

// wsProvider asks the page to load the widget script and relays the widget's
// callbacks back from client messages. Callbacks arriving while no widget is
// mounted are dropped.
type wsProvider struct {
	session   *pageSession
	scriptURL string

	mu      sync.Mutex
	mounted *WidgetOptions
}

func (p *wsProvider) Mount(opts WidgetOptions) error {
	if opts.SiteKey == "" {
		return errors.New("no widget site key configured")
	}
	p.mu.Lock()
	p.mounted = &opts
	p.mu.Unlock()

	return p.session.enqueue(serverMessage{
		Type:      "mount_widget",
		SiteKey:   opts.SiteKey,
		ScriptURL: p.scriptURL,
	})
}

func (p *wsProvider) Dispose() {
	p.mu.Lock()
	wasMounted := p.mounted != nil
	p.mounted = nil
	p.mu.Unlock()

	if wasMounted {
		p.session.enqueue(serverMessage{Type: "dispose_widget"})
	}
}

func (p *wsProvider) callback(fn func(WidgetOptions)) {
	p.mu.Lock()
	opts := p.mounted
	p.mu.Unlock()
	if opts == nil {
		return
	}
	fn(*opts)
}
