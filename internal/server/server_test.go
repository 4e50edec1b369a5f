package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/server/handler"
	"github.com/alanyoungcy/arbengine/internal/server/ws"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeController struct {
	state   domain.OrchestratorState
	reasons []string
	err     error
}

func (f *fakeController) Snapshot() domain.OrchestratorState { return f.state }

func (f *fakeController) ResetCircuitBreaker(reason string) error {
	f.reasons = append(f.reasons, reason)
	return f.err
}

type fakeStore struct {
	opts domain.ListOpts
}

func (f *fakeStore) InsertBatch(context.Context, domain.BatchResult) error { return nil }

func (f *fakeStore) ListRecentExecutions(_ context.Context, opts domain.ListOpts) ([]domain.ExecutionResult, error) {
	f.opts = opts
	return []domain.ExecutionResult{{OpportunityID: "opp-1", ChainID: 137, Success: true}}, nil
}

func (f *fakeStore) GetBatch(_ context.Context, id string) (domain.BatchResult, error) {
	if id == "b1" {
		return domain.BatchResult{ID: "b1"}, nil
	}
	return domain.BatchResult{}, domain.ErrNotFound
}

type fakeAudit struct {
	opts domain.ListOpts
}

func (f *fakeAudit) Log(context.Context, string, map[string]any) error { return nil }

func (f *fakeAudit) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	f.opts = opts
	return []domain.AuditEntry{{ID: 1, Event: opts.Event}}, nil
}

type fixture struct {
	ctrl  *fakeController
	store *fakeStore
	audit *fakeAudit
	h     http.Handler
}

func newFixture(apiKey string, checks map[string]handler.Check) *fixture {
	ctrl := &fakeController{state: domain.OrchestratorState{Cycles: 3, TotalProfit: big.NewInt(10)}}
	store := &fakeStore{}
	audit := &fakeAudit{}
	h := Routes(Config{APIKey: apiKey}, Handlers{
		Health:     handler.NewHealthHandler(checks, discard()),
		Status:     handler.NewStatusHandler(ctrl, "execute", discard()),
		Executions: handler.NewExecutionHandler(store, discard()),
		Audit:      handler.NewAuditHandler(audit, discard()),
		Metrics:    http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics")) }),
	}, nil, discard())
	return &fixture{ctrl: ctrl, store: store, audit: audit, h: h}
}

func (f *fixture) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture("", map[string]handler.Check{
		"redis": func(context.Context) error { return nil },
	})
	rec := f.do(http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	f = newFixture("", map[string]handler.Check{
		"postgres": func(context.Context) error { return errors.New("connection refused") },
	})
	rec = f.do(http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestStatusReturnsSnapshot(t *testing.T) {
	f := newFixture("", nil)
	rec := f.do(http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Mode  string                   `json:"mode"`
		State domain.OrchestratorState `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "execute", body.Mode)
	assert.EqualValues(t, 3, body.State.Cycles)
}

func TestBreakerReset(t *testing.T) {
	f := newFixture("", nil)

	rec := f.do(http.MethodPost, "/api/breaker/reset", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.ctrl.reasons)

	rec = f.do(http.MethodPost, "/api/breaker/reset", `{"reason":"rpc recovered"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"rpc recovered"}, f.ctrl.reasons)

	f.ctrl.err = errors.New("control queue full")
	rec = f.do(http.MethodPost, "/api/breaker/reset", `{"reason":"again"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = f.do(http.MethodGet, "/api/breaker/reset", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestExecutionsRecent(t *testing.T) {
	f := newFixture("", nil)
	rec := f.do(http.MethodGet, "/api/executions/recent?limit=900&since=2026-10-16T00:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 500, f.store.opts.Limit)
	require.NotNil(t, f.store.opts.Since)
	assert.Contains(t, rec.Body.String(), "opp-1")

	rec = f.do(http.MethodGet, "/api/executions/recent?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "since must be RFC 3339")

	rec = f.do(http.MethodGet, "/api/executions/recent?limit=-3", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/batches/b1", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/batches/nope", "").Code)
}

func TestAuditFiltersByEvent(t *testing.T) {
	f := newFixture("", nil)
	rec := f.do(http.MethodGet, "/api/audit?event=circuit_breaker_tripped&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.EventBreakerTripped, f.audit.opts.Event)
	assert.Equal(t, 5, f.audit.opts.Limit)
	assert.Contains(t, rec.Body.String(), `"entries"`)
}

func TestAuth(t *testing.T) {
	f := newFixture("secret", nil)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/health", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/metrics", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/status", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/status", "", "X-API-Key", "wrong").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/status", "", "Authorization", "Bearer secret").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/status", "", "X-API-Key", "secret").Code)
}

func TestRateLimit(t *testing.T) {
	ctrl := &fakeController{}
	h := Routes(Config{RateLimit: 1, RateBurst: 2}, Handlers{
		Health: handler.NewHealthHandler(nil, discard()),
		Status: handler.NewStatusHandler(ctrl, "execute", discard()),
	}, nil, discard())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestHubStreamsBatches(t *testing.T) {
	state := func() domain.OrchestratorState { return domain.OrchestratorState{Cycles: 7} }
	hub := ws.NewHub(nil, state, discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var env ws.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, domain.ChannelState, env.Channel)
	assert.Contains(t, string(env.Data), `"cycles":7`)

	hub.Broadcast(domain.ChannelBatch, []byte(`{"id":"b1"}`))
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, domain.ChannelBatch, env.Channel)
	assert.JSONEq(t, `{"id":"b1"}`, string(env.Data))
}

func TestHubSubscriptionChanges(t *testing.T) {
	hub := ws.NewHub(nil, nil, discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, conn.WriteJSON(map[string]any{
		"action":   "unsubscribe",
		"channels": []string{domain.ChannelBatch, "nonsense"},
	}))
	var env ws.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, "control", env.Channel)
	assert.JSONEq(t, `{"subscribed":["`+domain.ChannelAlert+`","`+domain.ChannelState+`"]}`, string(env.Data))

	hub.Broadcast(domain.ChannelBatch, []byte(`{"id":"skipped"}`))
	hub.Broadcast(domain.ChannelAlert, []byte(`{"title":"breaker"}`))
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, domain.ChannelAlert, env.Channel)
}
