package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// GateService owns the shared pieces every page load is wired from.
type GateService struct {
	cfg      *Config
	store    Store
	gate     *SessionGate
	cookies  *SessionCookies
	detector *BotDetector
	verifier TokenVerifier
	limiter  *RateLimiter
	metrics  *Metrics
	clock    Clock
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewGateService builds the service from a validated config.
func NewGateService(cfg *Config, store Store, metrics *Metrics, clock Clock, logger *slog.Logger) (*GateService, error) {
	if clock == nil {
		clock = realClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	detector, err := NewBotDetector(cfg.Detector, clock, metrics)
	if err != nil {
		return nil, fmt.Errorf("build detector: %w", err)
	}

	s := &GateService{
		cfg:      cfg,
		store:    store,
		gate:     NewSessionGate(store, cfg.Gate.SessionTTL),
		cookies:  NewSessionCookies(cfg.Gate.CookieName, cfg.Gate.CookieKey),
		detector: detector,
		limiter:  NewRateLimiter(cfg.Server.RequestsPerSecond, cfg.Server.Burst),
		metrics:  metrics,
		clock:    clock,
		logger:   logger,
	}
	if cfg.Challenge.SecretKey != "" {
		s.verifier = NewTurnstileVerifier(cfg.Challenge.SecretKey, cfg.Challenge.VerifyURL)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s, nil
}

func (s *GateService) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.Server.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// SweepLoop drops idle rate limiter buckets until ctx is done.
func (s *GateService) SweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.limiter.Sweep(); n > 0 {
				s.logger.Debug("rate limiter sweep", "removed", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// NewRouter wires the HTTP surface. gatherer backs /metrics.
func NewRouter(s *GateService, gatherer prometheus.Gatherer) (http.Handler, error) {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// The websocket outlives any request timeout.
	r.With(s.limiter.Middleware).Get("/ws", s.wsHandler)

	var breach http.Handler
	if s.cfg.Upstream.BreachLookupURL != "" {
		proxy, err := newBreachLookupProxy(s.cfg.Upstream.BreachLookupURL, s.cfg.Upstream.BreachLookupKey)
		if err != nil {
			return nil, err
		}
		breach = proxy
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(s.limiter.Middleware)

		r.Get("/api/gate/status", s.statusHandler)
		r.Get("/api/gate/logs", s.logsHandler)
		if breach != nil {
			r.With(RequireVerified(s.gate, s.cookies)).Post("/api/check-email", breach.ServeHTTP)
		}
	})

	return r, nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GateStatusResponse answers /api/gate/status.
type GateStatusResponse struct {
	Verified bool `json:"verified"`
}

func (s *GateService) statusHandler(w http.ResponseWriter, r *http.Request) {
	sid, err := s.cookies.Resolve(r)
	if err != nil {
		writeJSON(w, http.StatusOK, GateStatusResponse{})
		return
	}
	ok, err := s.gate.IsVerified(r.Context(), sid)
	if err != nil {
		s.logger.Warn("gate status lookup failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"success": false,
			"error":   "store_unavailable",
		})
		return
	}
	writeJSON(w, http.StatusOK, GateStatusResponse{Verified: ok})
}

// SecurityLogResponse answers /api/gate/logs.
type SecurityLogResponse struct {
	Events []SecurityEvent `json:"events"`
}

func (s *GateService) logsHandler(w http.ResponseWriter, r *http.Request) {
	sid, err := s.cookies.Resolve(r)
	if err != nil {
		writeJSON(w, http.StatusOK, SecurityLogResponse{Events: []SecurityEvent{}})
		return
	}
	l := NewSecurityLogger(r.Context(), SecurityLoggerOptions{
		Store:      s.store,
		Key:        securityLogKey(sid),
		MaxEntries: s.cfg.SecLog.MaxEntries,
		Clock:      s.clock,
		Logger:     s.logger,
	})
	events := l.Events()
	if events == nil {
		events = []SecurityEvent{}
	}
	writeJSON(w, http.StatusOK, SecurityLogResponse{Events: events})
}

// wsHandler runs one page load over a websocket until the page goes away.
func (s *GateService) wsHandler(w http.ResponseWriter, r *http.Request) {
	sid, cookie, err := s.cookies.Ensure(r)
	if err != nil {
		s.logger.Error("issue session cookie", "error", err)
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	}
	var header http.Header
	if cookie != nil {
		header = http.Header{"Set-Cookie": []string{cookie.String()}}
	}

	conn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	ctx := r.Context()
	pageID := uuid.NewString()
	logger := s.logger.With("sid", sid, "page", pageID)

	seclog := NewSecurityLogger(ctx, SecurityLoggerOptions{
		Store:      s.store,
		Key:        securityLogKey(sid),
		TTL:        s.cfg.SecLog.TTL,
		MaxEntries: s.cfg.SecLog.MaxEntries,
		UserAgent:  r.UserAgent(),
		Clock:      s.clock,
		Logger:     logger,
	})

	session := newPageSession(conn, r.UserAgent(), logger)
	session.provider = &wsProvider{session: session, scriptURL: s.cfg.Challenge.ScriptURL}
	session.ctrl = NewChallengeController(pageID, s.cfg.Challenge, ControllerDeps{
		Detector: s.detector,
		Gate:     s.gate.For(sid),
		Provider: session.provider,
		UI:       session,
		Monitor:  NewBehaviorMonitor(s.cfg.Monitor, s.clock, seclog, s.metrics),
		Sink:     seclog,
		Clock:    s.clock,
		Verifier: s.verifier,
		Metrics:  s.metrics,
		Logger:   logger,
		RemoteIP: clientIP(r),
	})

	s.metrics.sessionOpened()
	defer s.metrics.sessionClosed()

	go session.writeLoop()
	session.readLoop(ctx)
	session.ctrl.Close()
	logger.Debug("page session closed", "state", session.ctrl.State().String())
}

// newBreachLookupProxy forwards /api/check-email to the lookup service and
// attaches its API key.
func newBreachLookupProxy(target, apiKey string) (http.Handler, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse breach lookup url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("breach lookup url %q must be absolute", target)
	}

	proxy := httputil.NewSingleHostReverseProxy(u)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.Host = u.Host
		req.Header.Del("Cookie")
		if apiKey != "" {
			req.Header.Set("X-API-Key", apiKey)
		}
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		slog.Warn("breach lookup upstream failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"success": false,
			"error":   "upstream_unavailable",
		})
	}
	return proxy, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
