package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*httptest.Server
	svc   *GateService
	store *MemoryStore
	clock *fakeClock
}

func newTestServer(t *testing.T, configure func(*Config)) *testServer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Challenge.SiteKey = "0x4AAAAAAA-test"
	cfg.Gate.CookieKey = "0123456789abcdef0123456789abcdef"
	cfg.Server.RequestsPerSecond = 100
	cfg.Server.Burst = 100
	if configure != nil {
		configure(cfg)
	}

	store := NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	clock := newFakeClock()
	reg := prometheus.NewRegistry()

	svc, err := NewGateService(cfg, store, NewMetrics(reg), clock, nil)
	require.NoError(t, err)
	handler, err := NewRouter(svc, reg)
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, svc: svc, store: store, clock: clock}
}

func (ts *testServer) dial(t *testing.T, cookie *http.Cookie) (*websocket.Conn, *http.Response) {
	t.Helper()
	header := http.Header{}
	if cookie != nil {
		header.Set("Cookie", (&http.Cookie{Name: cookie.Name, Value: cookie.Value}).String())
	}
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, resp
}

func (ts *testServer) get(t *testing.T, path string, cookie *http.Cookie) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+path, nil)
	require.NoError(t, err)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func send(t *testing.T, conn *websocket.Conn, msg clientMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func receive(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg serverMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func sessionCookie(t *testing.T, resp *http.Response) *http.Cookie {
	t.Helper()
	for _, c := range resp.Cookies() {
		if c.Name == "gate_session" {
			return c
		}
	}
	t.Fatal("no session cookie on upgrade response")
	return nil
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.get(t, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestWebsocketChallengeFlow(t *testing.T) {
	ts := newTestServer(t, nil)
	conn, resp := ts.dial(t, nil)
	cookie := sessionCookie(t, resp)

	env := cleanEnvironment()
	env.Webdriver = true
	send(t, conn, clientMessage{Type: msgHello, Signals: env})

	show := receive(t, conn)
	assert.Equal(t, "show_challenge", show.Type)
	assert.Equal(t, SeverityElevated, show.Severity)

	mount := receive(t, conn)
	assert.Equal(t, "mount_widget", mount.Type)
	assert.Equal(t, "0x4AAAAAAA-test", mount.SiteKey)
	assert.Equal(t, DefaultConfig().Challenge.ScriptURL, mount.ScriptURL)

	send(t, conn, clientMessage{Type: msgWidgetRendered})
	send(t, conn, clientMessage{Type: msgPointerMove})
	send(t, conn, clientMessage{Type: msgWidgetSuccess, Token: "tok"})

	assert.Equal(t, "dispose_widget", receive(t, conn).Type)
	hide := receive(t, conn)
	assert.Equal(t, "hide_challenge", hide.Type)
	assert.Equal(t, int64(500), hide.FadeMs)

	// The gate flag is now readable over HTTP.
	status := ts.get(t, "/api/gate/status", cookie)
	var st GateStatusResponse
	require.NoError(t, json.NewDecoder(status.Body).Decode(&st))
	assert.True(t, st.Verified)

	logs := ts.get(t, "/api/gate/logs", cookie)
	var lr SecurityLogResponse
	require.NoError(t, json.NewDecoder(logs.Body).Decode(&lr))
	var types []string
	for _, e := range lr.Events {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, "bot_rule_hit")
	assert.Contains(t, types, "challenge_shown")
	assert.Contains(t, types, "challenge_passed")

	// A second page load in the same browsing session skips the challenge.
	conn2, resp2 := ts.dial(t, cookie)
	assert.Empty(t, resp2.Cookies())
	send(t, conn2, clientMessage{Type: msgHello, Signals: cleanEnvironment()})
	assert.Equal(t, "verified", receive(t, conn2).Type)
}

func TestWebsocketFallsBackToHeaderUserAgent(t *testing.T) {
	ts := newTestServer(t, nil)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{"User-Agent": {"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) HeadlessChrome/120.0.0.0 Safari/537.36"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	cookie := sessionCookie(t, resp)

	env := cleanEnvironment()
	env.UserAgent = ""
	send(t, conn, clientMessage{Type: msgHello, Signals: env})

	show := receive(t, conn)
	require.Equal(t, "show_challenge", show.Type)
	assert.Equal(t, SeverityElevated, show.Severity)

	var lr SecurityLogResponse
	require.NoError(t, json.NewDecoder(ts.get(t, "/api/gate/logs", cookie).Body).Decode(&lr))
	var rules []string
	for _, e := range lr.Events {
		if e.Type == "bot_rule_hit" {
			rules = append(rules, e.Detail["rule"].(string))
		}
	}
	assert.ElementsMatch(t, []string{RuleHeadlessMarkers, RulePlatformMismatch}, rules)
}

func TestWebsocketLockout(t *testing.T) {
	ts := newTestServer(t, nil)
	conn, _ := ts.dial(t, nil)

	send(t, conn, clientMessage{Type: msgHello, Signals: cleanEnvironment()})
	require.Equal(t, "show_challenge", receive(t, conn).Type)
	require.Equal(t, "mount_widget", receive(t, conn).Type)

	send(t, conn, clientMessage{Type: msgWidgetError})
	attempts := receive(t, conn)
	assert.Equal(t, "attempts", attempts.Type)
	assert.Equal(t, 1, attempts.Attempt)
	assert.Equal(t, 3, attempts.Max)
	assert.Equal(t, "reveal_fallback", receive(t, conn).Type)

	send(t, conn, clientMessage{Type: msgWidgetExpired})
	assert.Equal(t, "attempts", receive(t, conn).Type)
	assert.Equal(t, "reveal_fallback", receive(t, conn).Type)

	send(t, conn, clientMessage{Type: msgWidgetError})
	assert.Equal(t, "dispose_widget", receive(t, conn).Type)
	locked := receive(t, conn)
	assert.Equal(t, "locked", locked.Type)
	assert.Equal(t, DefaultConfig().Challenge.LockedMessage, locked.Message)

	ts.clock.Advance(1500 * time.Millisecond)
	nav := receive(t, conn)
	assert.Equal(t, "navigate", nav.Type)
	assert.Equal(t, "about:blank", nav.URL)
}

func TestWebsocketWithoutSiteKeyFallsBack(t *testing.T) {
	ts := newTestServer(t, func(c *Config) { c.Challenge.SiteKey = "" })
	conn, _ := ts.dial(t, nil)

	send(t, conn, clientMessage{Type: msgHello, Signals: cleanEnvironment()})
	assert.Equal(t, "show_challenge", receive(t, conn).Type)
	assert.Equal(t, "reveal_fallback", receive(t, conn).Type)

	// Pointer grace plus the manual processing delay.
	send(t, conn, clientMessage{Type: msgManualVerify})
	require.Eventually(t, func() bool { return ts.clock.Pending() == 2 }, 2*time.Second, 5*time.Millisecond)
	ts.clock.Advance(1500 * time.Millisecond)
	assert.Equal(t, "hide_challenge", receive(t, conn).Type)
}

func TestWebsocketRejectsForeignOrigin(t *testing.T) {
	ts := newTestServer(t, func(c *Config) { c.Server.AllowedOrigins = []string{"https://olysacheck.example"} })

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStatusWithoutCookie(t *testing.T) {
	ts := newTestServer(t, nil)

	var st GateStatusResponse
	require.NoError(t, json.NewDecoder(ts.get(t, "/api/gate/status", nil).Body).Decode(&st))
	assert.False(t, st.Verified)

	var lr SecurityLogResponse
	require.NoError(t, json.NewDecoder(ts.get(t, "/api/gate/logs", nil).Body).Decode(&lr))
	assert.Empty(t, lr.Events)
}

func TestBreachLookupProxyIsGated(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "lookup-key" || r.Header.Get("Cookie") != "" {
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"success":true,"breached":false,"path":"`+r.URL.Path+`"}`)
	}))
	defer upstream.Close()

	ts := newTestServer(t, func(c *Config) {
		c.Upstream.BreachLookupURL = upstream.URL
		c.Upstream.BreachLookupKey = "lookup-key"
	})

	post := func(cookie *http.Cookie) *http.Response {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/check-email", strings.NewReader(`{"email":"a@example.com"}`))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		if cookie != nil {
			req.AddCookie(cookie)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusForbidden, post(nil).StatusCode)

	sid, cookie, err := ts.svc.cookies.Ensure(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, post(cookie).StatusCode)

	require.NoError(t, ts.svc.gate.MarkVerified(context.Background(), sid))
	resp := post(cookie)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"breached":false,"path":"/api/check-email"}`, string(body))
}

func TestNewRouterRejectsRelativeUpstream(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Upstream.BreachLookupURL = "lookup.internal/api"
	store := NewMemoryStore()
	defer store.Close()

	svc, err := NewGateService(cfg, store, nil, newFakeClock(), nil)
	require.NoError(t, err)
	_, err = NewRouter(svc, prometheus.NewRegistry())
	assert.Error(t, err)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	conn, _ := ts.dial(t, nil)
	send(t, conn, clientMessage{Type: msgHello, Signals: cleanEnvironment()})
	require.Equal(t, "show_challenge", receive(t, conn).Type)

	resp := ts.get(t, "/metrics", nil)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "gate_suspicion_score")
	assert.Contains(t, string(body), "gate_active_sessions 1")
}
