package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/controlplane/internal/audit"
	"github.com/alanyoungcy/controlplane/internal/cache/memory"
	"github.com/alanyoungcy/controlplane/internal/domain"
	"github.com/alanyoungcy/controlplane/internal/fanout"
	"github.com/alanyoungcy/controlplane/internal/metrics"
	"github.com/alanyoungcy/controlplane/internal/server/handler"
	"github.com/alanyoungcy/controlplane/internal/server/middleware"
	"github.com/alanyoungcy/controlplane/internal/service"
	"github.com/alanyoungcy/controlplane/internal/state"
)

type testServer struct {
	handler http.Handler
	monitor *service.MandateMonitor
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()

	store := state.New(state.NewHalt())
	prices := memory.NewPriceCache()
	prices.Seed(map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(50)})
	broker := fanout.NewBroker(fanout.Config{Heartbeat: time.Hour}, nil, m, logger)
	auditStore := audit.NewMemoryStore()
	rec := audit.NewRecorder(auditStore)

	orders := service.NewOrderService(store, prices, broker, rec, m,
		service.OrderConfig{PositionChangeRatio: decimal.RequireFromString("0.1")}, logger)
	positions := service.NewPositionService(store, prices, logger)
	alerts := service.NewAlertService(store, broker, rec, m, logger)
	monitor := service.NewMandateMonitor(store, positions, alerts, broker, rec, m,
		service.MonitorConfig{Tick: time.Millisecond, Refresh: time.Hour}, logger)
	kill := service.NewKillSwitch(store, alerts, broker, rec, m, logger)
	strategies := service.NewStrategyService(store, broker, rec, logger)

	handlers := Handlers{
		Health:     handler.NewHealthHandler(nil, logger),
		Orders:     handler.NewOrderHandler(orders, logger),
		Positions:  handler.NewPositionHandler(positions, logger),
		Risk:       handler.NewRiskHandler(monitor, alerts, nil, service.NewStatusService(store, positions), logger),
		Strategies: handler.NewStrategyHandler(strategies, logger),
		KillSwitch: handler.NewKillSwitchHandler(kill, nil, "incidents", logger),
		Audit:      handler.NewAuditHandler(auditStore, nil, logger),
		Metrics:    m.Handler(),
	}
	auth := middleware.NewAuthenticator(middleware.AuthOptions{
		Enabled: true,
		APIKeys: []middleware.APIKey{
			{Name: "admin", Key: "admin-key", Role: domain.RoleAdmin},
			{Name: "quant", Key: "quant-key", Role: domain.RoleQuant},
			{Name: "viewer", Key: "viewer-key", Role: domain.RoleViewer},
		},
	})
	srv := NewServer(Config{Port: 0}, handlers, Options{Auth: auth}, logger)
	return &testServer{handler: srv.Handler(), monitor: monitor}
}

func (s *testServer) do(t *testing.T, key, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestPublicEndpoints(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, s.do(t, "", http.MethodGet, "/api/health", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, "", http.MethodGet, "/api/ready", nil).Code)

	rec := s.do(t, "", http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "controlplane_trading_halted")

	assert.Equal(t, http.StatusUnauthorized, s.do(t, "", http.MethodGet, "/api/orders", nil).Code)
}

func TestOrderFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "viewer-key", http.MethodPost, "/api/orders",
		map[string]any{"symbol": "aapl", "side": "buy", "type": "market", "quantity": "10"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, "quant-key", http.MethodPost, "/api/orders",
		map[string]any{"symbol": "aapl", "side": "buy", "type": "market", "quantity": "10"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	order := decode[domain.Order](t, rec)
	assert.Equal(t, "AAPL", order.Symbol)
	assert.Equal(t, domain.OrderStatusPending, order.Status)

	rec = s.do(t, "quant-key", http.MethodPost, "/api/orders/"+order.ID+"/fills",
		map[string]any{"quantity": "4", "price": "50"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, "viewer-key", http.MethodGet, "/api/orders/"+order.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[struct {
		Order domain.Order  `json:"order"`
		Fills []domain.Fill `json:"fills"`
	}](t, rec)
	assert.Equal(t, domain.OrderStatusPartial, detail.Order.Status)
	assert.Len(t, detail.Fills, 1)

	rec = s.do(t, "quant-key", http.MethodDelete, "/api/orders/"+order.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decode[map[string]string](t, rec)["outcome"])

	rec = s.do(t, "quant-key", http.MethodDelete, "/api/orders/"+order.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "already_terminal", decode[map[string]string](t, rec)["outcome"])

	rec = s.do(t, "viewer-key", http.MethodGet, "/api/positions?non_zero=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	positions := decode[struct {
		Positions []domain.Position `json:"positions"`
	}](t, rec)
	require.Len(t, positions.Positions, 1)
	assert.True(t, positions.Positions[0].Quantity.Equal(decimal.NewFromInt(4)))

	rec = s.do(t, "viewer-key", http.MethodGet, "/api/audit/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	verify := decode[map[string]any](t, rec)
	assert.Equal(t, true, verify["valid"])
	assert.EqualValues(t, 3, verify["entries"])
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		key    string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown order", "viewer-key", http.MethodGet, "/api/orders/nope", nil, http.StatusNotFound},
		{"unknown symbol", "quant-key", http.MethodPost, "/api/orders",
			map[string]any{"symbol": "ZZZ", "side": "BUY", "type": "MARKET", "quantity": "1"}, http.StatusUnprocessableEntity},
		{"bad quantity", "quant-key", http.MethodPost, "/api/orders",
			map[string]any{"symbol": "AAPL", "side": "BUY", "type": "MARKET", "quantity": "0"}, http.StatusBadRequest},
		{"unknown field", "quant-key", http.MethodPost, "/api/orders",
			map[string]any{"symbol": "AAPL", "colour": "red"}, http.StatusBadRequest},
		{"cancel all needs kill switch", "quant-key", http.MethodPost, "/api/orders/cancel-all", nil, http.StatusForbidden},
		{"kill switch unconfirmed", "admin-key", http.MethodPost, "/api/kill-switch",
			map[string]any{"reason": "drill"}, http.StatusBadRequest},
		{"reset while normal", "admin-key", http.MethodPost, "/api/kill-switch/reset",
			map[string]any{"reason": "x"}, http.StatusConflict},
		{"ack unknown alert", "quant-key", http.MethodPost, "/api/alerts/nope/ack", nil, http.StatusNotFound},
		{"incidents not stored", "viewer-key", http.MethodGet, "/api/incidents", nil, http.StatusNotImplemented},
		{"journal disabled", "viewer-key", http.MethodGet, "/api/events", nil, http.StatusNotImplemented},
		{"bad since", "viewer-key", http.MethodGet, "/api/audit?since=yesterday", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.key, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Contains(t, decode[map[string]string](t, rec), "error")
		})
	}
}

func TestKillSwitchOverHTTP(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "admin-key", http.MethodPost, "/api/strategies", map[string]string{"name": "alpha", "type": "momentum"})
	require.Equal(t, http.StatusCreated, rec.Code)
	st := decode[domain.Strategy](t, rec)
	rec = s.do(t, "admin-key", http.MethodPost, "/api/strategies/"+st.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, "admin-key", http.MethodPost, "/api/orders",
		map[string]any{"symbol": "AAPL", "side": "BUY", "type": "MARKET", "quantity": "3", "strategy_id": st.ID})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, "viewer-key", http.MethodGet, "/api/kill-switch/preview", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = s.do(t, "admin-key", http.MethodGet, "/api/kill-switch/preview", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	preview := decode[service.KillSwitchResult](t, rec)
	assert.True(t, preview.DryRun)
	assert.Equal(t, 1, preview.Before.OpenOrders)

	rec = s.do(t, "admin-key", http.MethodPost, "/api/kill-switch", map[string]any{"reason": "drill", "confirm": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[service.KillSwitchResult](t, rec)
	assert.Equal(t, 1, res.OrdersCancelled)
	assert.Equal(t, 1, res.StrategiesHalted)

	rec = s.do(t, "quant-key", http.MethodPost, "/api/orders",
		map[string]any{"symbol": "AAPL", "side": "BUY", "type": "MARKET", "quantity": "1"})
	assert.Equal(t, http.StatusLocked, rec.Code)

	rec = s.do(t, "viewer-key", http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[service.RiskSummary](t, rec)
	assert.True(t, status.Halt.Halted)
	assert.Equal(t, 1, status.UnackedAlerts)

	rec = s.do(t, "admin-key", http.MethodPost, "/api/kill-switch/reset", map[string]string{"reason": "clear"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[domain.HaltState](t, rec).Halted)

	rec = s.do(t, "quant-key", http.MethodGet, "/api/alerts?unacked=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	alerts := decode[struct {
		Alerts []domain.Alert `json:"alerts"`
	}](t, rec)
	require.Len(t, alerts.Alerts, 1)
	rec = s.do(t, "quant-key", http.MethodPost, "/api/alerts/"+alerts.Alerts[0].ID+"/ack", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, "quant-key", http.MethodPost, "/api/alerts/"+alerts.Alerts[0].ID+"/ack", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestMandateValueOverHTTP(t *testing.T) {
	s := newTestServer(t)
	soft, hard := decimal.NewFromInt(100), decimal.NewFromInt(150)
	s.monitor.Load([]domain.Mandate{{
		ID: "m-var", Code: "VAR_95", ConstraintType: "VAR", SoftLimit: &soft, HardLimit: &hard, Active: true,
	}})

	rec := s.do(t, "quant-key", http.MethodPut, "/api/mandates/m-var/value", map[string]string{"value": "120"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, "admin-key", http.MethodPut, "/api/mandates/m-var/value", map[string]string{"value": "160"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.MandateStatusBreach, decode[domain.Mandate](t, rec).Status)

	rec = s.do(t, "viewer-key", http.MethodGet, "/api/mandates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]domain.Mandate](t, rec)["mandates"], 1)
}

func TestStrategyParametersOverHTTP(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, "quant-key", http.MethodPost, "/api/strategies", map[string]string{"name": "alpha", "type": "momentum"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	st := decode[domain.Strategy](t, rec)

	path := "/api/strategies/" + st.ID + "/parameters"
	rec = s.do(t, "viewer-key", http.MethodPut, path, map[string]any{"lookback": 20})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, "quant-key", http.MethodPut, path, map[string]any{"lookback": 20, "universe": "tech"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "tech", decode[domain.Strategy](t, rec).Parameters["universe"])

	rec = s.do(t, "quant-key", http.MethodPut, path, []int{1, 2})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, "viewer-key", http.MethodGet, "/api/strategies/"+st.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[domain.Strategy](t, rec)
	assert.Equal(t, 20.0, got.Parameters["lookback"])

	assert.Equal(t, http.StatusNotFound, s.do(t, "viewer-key", http.MethodGet, "/api/strategies/missing", nil).Code)
	assert.Equal(t, http.StatusNotFound,
		s.do(t, "quant-key", http.MethodPut, "/api/strategies/missing/parameters", map[string]any{"a": 1}).Code)
}
