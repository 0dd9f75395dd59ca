package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-executor/config"
	"strategy-executor/internal/auth"
	"strategy-executor/internal/bot"
	"strategy-executor/internal/commands"
	"strategy-executor/internal/database"
	"strategy-executor/internal/events"
	"strategy-executor/internal/exits"
	"strategy-executor/internal/logging"
	"strategy-executor/internal/risk"
	"strategy-executor/internal/strategy"
)

type fakeExecutor struct {
	active map[string]bot.ActiveStrategy
}

func (f *fakeExecutor) Status() bot.Status {
	return bot.Status{ExecutorID: "exec-1", State: "running", ActiveStrategies: f.ActiveStrategies()}
}

func (f *fakeExecutor) ActiveStrategies() []strategy.Status {
	out := []strategy.Status{}
	for id, a := range f.active {
		out = append(out, strategy.Status{ID: id, Symbol: a.Config.Symbol, Status: a.Status})
	}
	return out
}

func (f *fakeExecutor) Strategy(id string) (bot.ActiveStrategy, bool) {
	a, ok := f.active[id]
	return a, ok
}

func (f *fakeExecutor) Positions() []exits.TrackedPosition { return nil }
func (f *fakeExecutor) DailyStats() risk.DailyStats         { return risk.DailyStats{} }

type tradeStore struct {
	database.Nop
	trades []database.TradeRecord
	limit  int
}

func (s *tradeStore) ListTrades(_ context.Context, limit int) ([]database.TradeRecord, error) {
	s.limit = limit
	return s.trades, nil
}

func newTestServer(t *testing.T, jwt *auth.JWTManager, queueSize int) (*Server, *commands.Queue, *tradeStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	exec := &fakeExecutor{active: map[string]bot.ActiveStrategy{
		"s1": {Config: strategy.Config{ID: "s1", Symbol: "EURUSD"}, Status: strategy.StatusActive},
	}}
	queue := commands.NewQueue(queueSize)
	store := &tradeStore{trades: []database.TradeRecord{{Ticket: 7, Symbol: "EURUSD", Status: database.TradeOpen}}}
	cfg := config.ServerConfig{Host: "127.0.0.1", Port: 0, RateLimit: 1000, RateBurst: 1000}
	srv := NewServer(cfg, exec, queue, store, events.NewEventBus(), jwt, logging.Nop())
	return srv, queue, store
}

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t, nil, 4)

	w := do(t, srv.Router(), http.MethodGet, "/api/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "ok", body["database"])
}

func TestStrategyEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t, nil, 4)

	w := do(t, srv.Router(), http.MethodGet, "/api/strategies", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"s1"`)

	w = do(t, srv.Router(), http.MethodGet, "/api/strategies/s1", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"symbol":"EURUSD"`)

	w = do(t, srv.Router(), http.MethodGet, "/api/strategies/missing", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTradesPassesLimit(t *testing.T) {
	srv, _, store := newTestServer(t, nil, 4)

	w := do(t, srv.Router(), http.MethodGet, "/api/trades?limit=5", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, store.limit)
	assert.Contains(t, w.Body.String(), `"ticket":7`)

	do(t, srv.Router(), http.MethodGet, "/api/trades?limit=abc", "", "")
	assert.Equal(t, 100, store.limit)
}

func TestPostCommand(t *testing.T) {
	srv, queue, _ := newTestServer(t, nil, 1)

	w := do(t, srv.Router(), http.MethodPost, "/api/commands", `{"id":"c1","command":"ping"}`, "")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"commandId":"c1"`)
	require.Equal(t, 1, queue.Len())

	cmd := <-queue.C()
	assert.Equal(t, commands.Ping, cmd.Command)

	w = do(t, srv.Router(), http.MethodPost, "/api/commands", `{not json`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, queue.Len())
}

func TestPostCommandQueueFull(t *testing.T) {
	srv, _, _ := newTestServer(t, nil, 1)

	w := do(t, srv.Router(), http.MethodPost, "/api/commands", `{"command":"PING"}`, "")
	require.Equal(t, http.StatusAccepted, w.Code)

	w = do(t, srv.Router(), http.MethodPost, "/api/commands", `{"command":"PING"}`, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAuthScopes(t *testing.T) {
	jwt := auth.NewJWTManager("test-secret", "executor")
	srv, queue, _ := newTestServer(t, jwt, 4)

	w := do(t, srv.Router(), http.MethodGet, "/api/status", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	readOnly, err := jwt.Issue("viewer", []string{auth.ScopeRead}, time.Hour)
	require.NoError(t, err)

	w = do(t, srv.Router(), http.MethodGet, "/api/status", "", readOnly)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, srv.Router(), http.MethodPost, "/api/commands", `{"command":"PING"}`, readOnly)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, 0, queue.Len())

	operator, err := jwt.Issue("operator", []string{auth.ScopeCommands}, time.Hour)
	require.NoError(t, err)
	w = do(t, srv.Router(), http.MethodPost, "/api/commands", `{"command":"PING"}`, operator)
	assert.Equal(t, http.StatusAccepted, w.Code)

	// health stays open for probes
	w = do(t, srv.Router(), http.MethodGet, "/api/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.ServerConfig{RateLimit: 1, RateBurst: 2}
	srv := NewServer(cfg, &fakeExecutor{}, commands.NewQueue(4), nil, nil, nil, logging.Nop())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, do(t, srv.Router(), http.MethodGet, "/api/status", "", "").Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocketCommandsAndEvents(t *testing.T) {
	srv, queue, _ := newTestServer(t, nil, 4)
	go srv.Hub().Run()
	defer srv.Hub().Stop()

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	welcome := readJSON(t, conn)
	assert.Equal(t, "CONNECTED", welcome["type"])
	assert.Equal(t, "exec-1", welcome["executorId"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"w1","command":"STOP_STRATEGY","parameters":{"strategyId":"s1"}}`)))
	ack := readJSON(t, conn)
	assert.Equal(t, "COMMAND_ACK", ack["type"])
	assert.Equal(t, "w1", ack["commandId"])
	assert.EqualValues(t, http.StatusAccepted, ack["status"])
	assert.Equal(t, 1, queue.Len())

	srv.Hub().BroadcastEvent(events.Event{Type: events.EventStrategyStatus, Data: map[string]interface{}{"strategy_id": "s1"}})
	ev := readJSON(t, conn)
	assert.Equal(t, string(events.EventStrategyStatus), ev["type"])
}

func TestWebSocketRejectsCommandsWithoutScope(t *testing.T) {
	jwt := auth.NewJWTManager("test-secret", "executor")
	srv, queue, _ := newTestServer(t, jwt, 4)
	go srv.Hub().Run()
	defer srv.Hub().Stop()

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	token, err := jwt.Issue("viewer", []string{auth.ScopeRead}, time.Hour)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	readJSON(t, conn)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"command":"PING"}`)))
	msg := readJSON(t, conn)
	assert.Equal(t, "COMMAND_REJECTED", msg["type"])
	assert.Equal(t, 0, queue.Len())
}
