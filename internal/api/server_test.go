package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/amurg-ai/relay/internal/audit"
	"github.com/amurg-ai/relay/internal/auth"
	"github.com/amurg-ai/relay/internal/config"
	"github.com/amurg-ai/relay/internal/gateway"
	"github.com/amurg-ai/relay/pkg/protocol"
)

const testSecret = "test-secret-at-least-32-chars-long"

type testEnv struct {
	srv      *Server
	gw       *gateway.Gateway
	store    audit.Store
	tokens   *auth.Service
	adminKey string
	wsURL    string
}

func testConfig() *config.Config {
	cfg := config.Default(":0")
	cfg.Auth.Provider = config.AuthJWT
	cfg.Auth.JWTSecret = testSecret
	cfg.Auth.JWTIssuer = "relay-test"
	cfg.RateLimit.UpgradesPerSecond = 1000
	cfg.RateLimit.UpgradeBurst = 1000
	cfg.RateLimit.AdminRequestsPerSecond = 1000
	cfg.RateLimit.AdminBurst = 1000
	return cfg
}

func setupTestServer(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	// A private in-memory database per test.
	s, err := audit.NewSQLite("file:" + uuid.New().String() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	adminKey, err := auth.GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	hash, err := auth.HashKey(adminKey)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Auth.AdminKeys == nil {
		cfg.Auth.AdminKeys = []config.AdminKeyEntry{{Name: "ops", KeyHash: hash}}
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tokens := auth.NewService(cfg.Auth)
	gw := gateway.New(gateway.NewRegistry(0), logger, gateway.Options{Audit: s})
	srv := NewServer(gw, s, tokens, auth.NewAdminKeys(cfg.Auth.AdminKeys), cfg, logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
		ts.Close()
	})

	return &testEnv{
		srv:      srv,
		gw:       gw,
		store:    s,
		tokens:   tokens,
		adminKey: adminKey,
		wsURL:    "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

func (e *testEnv) token(t *testing.T, subject string) string {
	t.Helper()
	tok, err := e.tokens.GenerateToken(subject, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

// dial connects a client as subject, consumes its announcement and waits until
// the gateway reports it open.
func (e *testEnv) dial(t *testing.T, subject string) (*websocket.Conn, string) {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(e.wsURL+"?token="+e.token(t, subject), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })

	id, ok := protocol.ParseAnnouncement(readText(t, ws))
	if !ok {
		t.Fatal("first frame was not an announcement")
	}
	e.waitOpen(t, id)
	return ws, id
}

func (e *testEnv) waitOpen(t *testing.T, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, info := range e.gw.Connections() {
			if info.ID == id && info.State == gateway.StateOpen.String() {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connection %s never opened", id)
}

func (e *testEnv) admin(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set(adminKeyHeader, e.adminKey)
	w := httptest.NewRecorder()
	e.srv.mux.ServeHTTP(w, req)
	return w
}

func readText(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}

// parseJSONResponse decodes the JSON body of the response into the given target.
func parseJSONResponse(t *testing.T, w *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(target); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
}

// --- Tests ---

func TestHealthz(t *testing.T) {
	env := setupTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	env.srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp map[string]any
	parseJSONResponse(t, w, &resp)

	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %v", resp["status"])
	}
	if _, ok := resp["uptime"]; !ok {
		t.Error("expected uptime field in response")
	}
	if resp["connections"] != float64(0) {
		t.Errorf("expected 0 connections, got %v", resp["connections"])
	}
}

func TestReadyz(t *testing.T) {
	env := setupTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	env.srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	parseJSONResponse(t, w, &resp)

	if resp["status"] != "ready" {
		t.Errorf("expected status ready, got %q", resp["status"])
	}
}

func TestReadyz_StoreClosed(t *testing.T) {
	env := setupTestServer(t, testConfig())
	_ = env.store.Close()

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	env.srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", w.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	env := setupTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	env.srv.mux.ServeHTTP(w, req)

	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options: got %q", got)
	}
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options: got %q", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	cfg := testConfig()
	cfg.Server.AllowedOrigins = []string{"https://app.example"}
	env := setupTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodOptions, "/api/connections", nil)
	req.Header.Set("Origin", "https://app.example")
	w := httptest.NewRecorder()
	env.srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Errorf("Allow-Origin: got %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, adminKeyHeader) {
		t.Errorf("Allow-Headers %q lacks %s", got, adminKeyHeader)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/connections", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	env.srv.mux.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unlisted origin got Allow-Origin %q", got)
	}
}

func TestUpgrade_RequiresToken(t *testing.T) {
	env := setupTestServer(t, testConfig())

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"garbage", "not-a-token"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(env.wsURL+"?token="+tc.token, nil)
			if err == nil {
				t.Fatal("expected dial to fail")
			}
			if resp == nil || resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %+v", resp)
			}
		})
	}
	if n := env.gw.Len(); n != 0 {
		t.Errorf("rejected upgrades left %d registrations", n)
	}
}

func TestUpgrade_BearerHeader(t *testing.T) {
	env := setupTestServer(t, testConfig())

	header := http.Header{"Authorization": {"Bearer " + env.token(t, "carol")}}
	ws, _, err := websocket.DefaultDialer.Dial(env.wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	id, ok := protocol.ParseAnnouncement(readText(t, ws))
	if !ok {
		t.Fatal("first frame was not an announcement")
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("announced id %q: %v", id, err)
	}
}

func TestUpgrade_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.UpgradesPerSecond = 0.001
	cfg.RateLimit.UpgradeBurst = 1
	env := setupTestServer(t, cfg)

	// The first attempt spends the only token even though it fails auth.
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	w := httptest.NewRecorder()
	env.srv.mux.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("first attempt: expected 401, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/ws", nil)
	w = httptest.NewRecorder()
	env.srv.mux.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second attempt: expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestAdmin_RequiresKey(t *testing.T) {
	env := setupTestServer(t, testConfig())

	tests := []struct {
		name string
		key  string
		want string
	}{
		{"missing", "", "missing api key"},
		{"wrong", "rk_nope", "invalid api key"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/connections", nil)
			if tc.key != "" {
				req.Header.Set(adminKeyHeader, tc.key)
			}
			w := httptest.NewRecorder()
			env.srv.mux.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("expected status 401, got %d", w.Code)
			}
			var resp map[string]string
			parseJSONResponse(t, w, &resp)
			if resp["error"] != tc.want {
				t.Errorf("expected error %q, got %q", tc.want, resp["error"])
			}
		})
	}
}

func TestAdmin_DisabledWithoutKeys(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.AdminKeys = []config.AdminKeyEntry{}
	env := setupTestServer(t, cfg)

	w := env.admin(t, http.MethodGet, "/api/connections", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 with no admin keys, got %d", w.Code)
	}
}

func TestAdmin_ListConnections(t *testing.T) {
	env := setupTestServer(t, testConfig())
	_, first := env.dial(t, "alice")
	_, second := env.dial(t, "bob")

	w := env.admin(t, http.MethodGet, "/api/connections", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", w.Code, w.Body.String())
	}

	var infos []gateway.Info
	parseJSONResponse(t, w, &infos)
	if len(infos) != 2 {
		t.Fatalf("expected 2 connections, got %d", len(infos))
	}
	if infos[0].ID != first || infos[1].ID != second {
		t.Errorf("expected oldest first [%s %s], got [%s %s]", first, second, infos[0].ID, infos[1].ID)
	}
	if infos[0].Subject != "alice" || infos[1].Subject != "bob" {
		t.Errorf("subjects: got %q, %q", infos[0].Subject, infos[1].Subject)
	}
}

func TestAdmin_SendMessage(t *testing.T) {
	env := setupTestServer(t, testConfig())
	ws, id := env.dial(t, "alice")

	w := env.admin(t, http.MethodPost, "/api/connections/"+id+"/messages", messageRequest{Message: "maintenance at noon"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d; body: %s", w.Code, w.Body.String())
	}
	if got := readText(t, ws); got != "maintenance at noon" {
		t.Errorf("client received %q", got)
	}

	w = env.admin(t, http.MethodPost, "/api/connections/"+uuid.New().String()+"/messages", messageRequest{Message: "hi"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown connection: expected status 404, got %d", w.Code)
	}
}

func TestAdmin_Broadcast(t *testing.T) {
	env := setupTestServer(t, testConfig())
	a, _ := env.dial(t, "alice")
	b, _ := env.dial(t, "bob")

	w := env.admin(t, http.MethodPost, "/api/broadcast", messageRequest{Message: "hello all"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", w.Code, w.Body.String())
	}
	var resp map[string]int
	parseJSONResponse(t, w, &resp)
	if resp["delivered"] != 2 {
		t.Errorf("expected 2 deliveries, got %d", resp["delivered"])
	}

	for _, ws := range []*websocket.Conn{a, b} {
		if got := readText(t, ws); got != "hello all" {
			t.Errorf("client received %q", got)
		}
	}

	events, err := env.store.ListEvents(context.Background(), audit.Filter{Action: audit.ActionAdminBroadcast})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Subject != "ops" {
		t.Fatalf("expected one broadcast event by ops, got %+v", events)
	}
}

func TestAdmin_BadBodies(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MaxBodyBytes = 32
	env := setupTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodPost, "/api/broadcast", strings.NewReader("{not json"))
	req.Header.Set(adminKeyHeader, env.adminKey)
	w := httptest.NewRecorder()
	env.srv.mux.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: expected status 400, got %d", w.Code)
	}

	w = env.admin(t, http.MethodPost, "/api/broadcast", messageRequest{Message: strings.Repeat("x", 64)})
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized body: expected status 413, got %d", w.Code)
	}
}

func TestAdmin_Disconnect(t *testing.T) {
	env := setupTestServer(t, testConfig())
	ws, id := env.dial(t, "alice")

	w := env.admin(t, http.MethodDelete, "/api/connections/"+id, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d; body: %s", w.Code, w.Body.String())
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close frame, got %v", err)
	}
	if closeErr.Code != websocket.CloseNormalClosure || closeErr.Text != "disconnected by operator" {
		t.Errorf("close frame: got %d %q", closeErr.Code, closeErr.Text)
	}

	w = env.admin(t, http.MethodDelete, "/api/connections/"+id, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("second disconnect: expected status 404, got %d", w.Code)
	}

	w = env.admin(t, http.MethodGet, "/api/audit?action=admin.&conn_id="+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("audit: expected status 200, got %d", w.Code)
	}
	var events []audit.Event
	parseJSONResponse(t, w, &events)
	if len(events) != 1 || events[0].Action != audit.ActionAdminDisconnect || events[0].Subject != "ops" {
		t.Fatalf("expected one disconnect event by ops, got %+v", events)
	}
}

func TestAdmin_ListAuditEvents(t *testing.T) {
	env := setupTestServer(t, testConfig())
	ctx := context.Background()
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		err := env.store.LogEvent(ctx, &audit.Event{
			ID:        uuid.New().String(),
			Action:    audit.ActionConnectionOpen,
			ConnID:    "c1",
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"default", "", 5},
		{"limit", "?limit=2", 2},
		{"offset", "?limit=2&offset=4", 1},
		{"bad limit ignored", "?limit=abc", 5},
		{"action prefix", "?action=connection.", 5},
		{"other action", "?action=admin.", 0},
		{"conn filter", "?conn_id=c2", 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := env.admin(t, http.MethodGet, "/api/audit"+tc.query, nil)
			if w.Code != http.StatusOK {
				t.Fatalf("expected status 200, got %d", w.Code)
			}
			var events []audit.Event
			parseJSONResponse(t, w, &events)
			if len(events) != tc.want {
				t.Errorf("expected %d events, got %d", tc.want, len(events))
			}
		})
	}
}

func TestAdmin_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.AdminRequestsPerSecond = 0.001
	cfg.RateLimit.AdminBurst = 2
	env := setupTestServer(t, cfg)

	for i := 0; i < 2; i++ {
		if w := env.admin(t, http.MethodGet, "/api/connections", nil); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected status 200, got %d", i, w.Code)
		}
	}
	w := env.admin(t, http.MethodGet, "/api/connections", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", w.Code)
	}
}

func TestPurgeAuditEvents(t *testing.T) {
	env := setupTestServer(t, testConfig())
	ctx := context.Background()
	old := &audit.Event{
		ID:        uuid.New().String(),
		Action:    audit.ActionConnectionClose,
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	}
	fresh := &audit.Event{
		ID:        uuid.New().String(),
		Action:    audit.ActionConnectionOpen,
		CreatedAt: time.Now().UTC(),
	}
	for _, e := range []*audit.Event{old, fresh} {
		if err := env.store.LogEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	env.srv.purgeAuditEvents(ctx, 24*time.Hour)

	events, err := env.store.ListEvents(ctx, audit.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].ID != fresh.ID {
		t.Fatalf("expected only the fresh event to survive, got %+v", events)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(0.001, 3)
	for i := 0; i < 3; i++ {
		if !rl.allow("a") {
			t.Fatalf("request %d within burst was denied", i)
		}
	}
	if rl.allow("a") {
		t.Error("request beyond burst was allowed")
	}
	if !rl.allow("b") {
		t.Error("buckets are not independent")
	}
	if n := rl.size(); n != 2 {
		t.Errorf("expected 2 buckets, got %d", n)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"Basic abc", ""},
		{"Bearer ", ""},
		{"", ""},
	}
	for _, tc := range tests {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		if got := bearerToken(req); got != tc.want {
			t.Errorf("bearerToken(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}
