package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/aggregate"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/breaker"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/brokers"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/clientdata"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/connections"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/database"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/fx"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/httppool"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/metrics"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/normalize"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/oauth"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/orders"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/portfolio"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/ratelimit"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/snapshots"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/vault"
)

// stubOracle prices every symbol at 2500 with the market open so order
// validation can run without live market data.
type stubOracle struct{}

func (stubOracle) CurrentPrice(ctx context.Context, symbol, exchange string) (decimal.Decimal, error) {
	return decimal.NewFromInt(2500), nil
}

func (stubOracle) MarketPrice(ctx context.Context, symbol, exchange string) (*domain.MarketQuote, error) {
	return &domain.MarketQuote{
		Symbol:       symbol,
		Exchange:     exchange,
		Price:        decimal.NewFromInt(2500),
		MarketStatus: domain.MarketOpen,
		AsOf:         time.Now(),
	}, nil
}

func newTestDB(t *testing.T, dir, name string, profile database.Profile) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(dir, name+".db"),
		Profile: profile,
		Name:    name,
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

// newTestServer assembles the real component stack over temp-file sqlite
// and serves it through httptest. No broker adapters are registered, so
// every route can be exercised without leaving the process. The FX
// service talks to a stub upstream quoting INR:USD at 0.012.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	log := zerolog.Nop()
	dir := t.TempDir()

	connDB := newTestDB(t, dir, "connections", database.ProfileLedger)
	cacheDB := newTestDB(t, dir, "cache", database.ProfileCache)
	histDB := newTestDB(t, dir, "history", database.ProfileStandard)

	v, err := vault.New("server-test-master-key-0123456789", log)
	require.NoError(t, err)

	registry := brokers.NewRegistry()
	limiter := ratelimit.New(registry, log)
	breakers := breaker.NewSet(log)
	pool := httppool.New(registry, limiter, breakers, nil, log)

	states := oauth.NewStateStore(connDB.Conn(), []byte("server-test-state-secret"), log)
	coord := oauth.NewCoordinator(registry, pool, states, map[domain.BrokerKind]oauth.AppCredentials{
		domain.BrokerZerodha: {
			APIKey:      "kite-key",
			APISecret:   "kite-secret",
			RedirectURL: "http://localhost/api/oauth/callback",
		},
	}, nil, log)

	adapters := map[domain.BrokerKind]domain.BrokerAdapter{}
	manager := connections.NewManager(connections.NewRepository(connDB.Conn(), log), v, coord, adapters, log)

	cache := clientdata.NewRepository(cacheDB.Conn())
	svc := portfolio.NewService(
		manager,
		portfolio.NewFetcher(adapters, manager, log),
		normalize.New(nil, log),
		aggregate.New(nil, nil, log),
		cache,
		snapshots.NewStore(histDB.Conn(), log),
		nil,
		log,
	)

	router := orders.NewRouter(manager, manager, manager, adapters, registry,
		stubOracle{}, orders.NewRepository(connDB.Conn(), log), log)

	rates := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"rates":{"USD":0.012,"INR":1}}`))
	}))
	t.Cleanup(rates.Close)

	s := New(Config{
		Log:         log,
		Port:        0,
		DevMode:     true,
		DataDir:     dir,
		Manager:     manager,
		Coordinator: coord,
		Portfolio:   svc,
		Orders:      router,
		FX:          fx.NewService(rates.URL, cache, log),
		Metrics:     metrics.New(breakers),
		Databases: map[string]*database.DB{
			"connections": connDB,
			"cache":       cacheDB,
			"history":     histDB,
		},
	})

	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, ts *httptest.Server, path string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func postJSON(t *testing.T, ts *httptest.Server, path string, payload interface{}) (int, map[string]interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestHealthzLiveness(t *testing.T) {
	ts := newTestServer(t)

	status, body := getJSON(t, ts, "/healthz")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "broker-gateway", body["service"])
}

func TestUserIDRequired(t *testing.T) {
	ts := newTestServer(t)

	paths := []string{
		"/api/connections",
		"/api/connections/auth-url",
		"/api/portfolio",
		"/api/portfolio/positions",
		"/api/portfolio/history",
		"/api/orders",
		"/api/health",
	}
	for _, path := range paths {
		status, body := getJSON(t, ts, path)
		assert.Equal(t, http.StatusBadRequest, status, path)
		assert.Contains(t, body["error"], "user_id", path)
	}
}

func TestListConnectionsEmpty(t *testing.T) {
	ts := newTestServer(t)

	status, body := getJSON(t, ts, "/api/connections?user_id=user-1")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["count"])
}

func TestAuthURLForZerodha(t *testing.T) {
	ts := newTestServer(t)

	status, body := getJSON(t, ts, "/api/connections/auth-url?user_id=user-1&broker=ZERODHA")
	require.Equal(t, http.StatusOK, status)

	authURL, _ := body["auth_url"].(string)
	assert.Contains(t, authURL, "kite.zerodha.com/connect/login")
	assert.Contains(t, authURL, "api_key=kite-key")
	assert.Contains(t, authURL, "state%3D")
	assert.Equal(t, "ZERODHA", body["broker"])
}

func TestAuthURLUnknownBroker(t *testing.T) {
	ts := newTestServer(t)

	status, body := getJSON(t, ts, "/api/connections/auth-url?user_id=user-1&broker=ROBINHOOD")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, string(domain.CategoryValidation), body["category"])
}

func TestAuthURLWithoutRegisteredApp(t *testing.T) {
	ts := newTestServer(t)

	// Upstox supports OAuth but the fixture registers no app for it.
	status, body := getJSON(t, ts, "/api/connections/auth-url?user_id=user-1&broker=UPSTOX")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "OAUTH_APP_MISSING", body["code"])
}

func TestOAuthCallbackValidation(t *testing.T) {
	ts := newTestServer(t)

	status, body := getJSON(t, ts, "/api/oauth/callback")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "state")

	status, body = getJSON(t, ts, "/api/oauth/callback?state=abc")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "code")
}

func TestOAuthCallbackRejectsForgedState(t *testing.T) {
	ts := newTestServer(t)

	status, body := getJSON(t, ts, "/api/oauth/callback?state=forged&code=grant")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, string(domain.CategoryAuthentication), body["category"])
}

func TestConnectWithTokensValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name    string
		payload map[string]interface{}
	}{
		{"missing user", map[string]interface{}{
			"broker": "ZERODHA",
			"tokens": map[string]string{"access_token": "tok"},
		}},
		{"missing tokens", map[string]interface{}{
			"user_id": "user-1",
			"broker":  "ZERODHA",
		}},
		{"missing access token", map[string]interface{}{
			"user_id": "user-1",
			"broker":  "ZERODHA",
			"tokens":  map[string]string{"refresh_token": "ref"},
		}},
		{"unknown broker", map[string]interface{}{
			"user_id": "user-1",
			"broker":  "ETRADE",
			"tokens":  map[string]string{"access_token": "tok"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := postJSON(t, ts, "/api/connections", tt.payload)
			assert.Equal(t, http.StatusBadRequest, status)
		})
	}
}

func TestConnectWithTokensRejectsMalformedBody(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/connections", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetConnectionNotFound(t *testing.T) {
	ts := newTestServer(t)

	status, body := getJSON(t, ts, "/api/connections/no-such-conn?user_id=user-1")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, string(domain.CategoryNotFound), body["category"])
}

func TestDisconnectUnknownConnection(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/connections/no-such-conn?user_id=user-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPortfolioForUserWithNoConnections(t *testing.T) {
	ts := newTestServer(t)

	status, body := getJSON(t, ts, "/api/portfolio?user_id=user-1")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "user-1", body["user_id"])
	assert.Equal(t, "0", body["total_value"])
	assert.Empty(t, body["positions"])
}

func TestPortfolioCurrencyParameter(t *testing.T) {
	ts := newTestServer(t)

	status, body := getJSON(t, ts, "/api/portfolio?user_id=user-1&currency=usd")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "USD", body["base_currency"])

	status, body = getJSON(t, ts, "/api/portfolio?user_id=user-1")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "INR", body["base_currency"])
}

func TestPortfolioHistoryEmpty(t *testing.T) {
	ts := newTestServer(t)

	status, body := getJSON(t, ts, "/api/portfolio/history?user_id=user-1")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["count"])

	status, _ = getJSON(t, ts, "/api/portfolio/history/999?user_id=user-1")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = getJSON(t, ts, "/api/portfolio/history/garbage?user_id=user-1")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPlaceOrderValidation(t *testing.T) {
	ts := newTestServer(t)

	base := func() map[string]interface{} {
		return map[string]interface{}{
			"user_id":  "user-1",
			"symbol":   "RELIANCE",
			"exchange": "NSE",
			"side":     "BUY",
			"type":     "MARKET",
			"quantity": 10,
		}
	}

	tests := []struct {
		name   string
		mutate func(map[string]interface{})
		code   string
	}{
		{"zero quantity", func(p map[string]interface{}) { p["quantity"] = 0 }, "QUANTITY_NOT_POSITIVE"},
		{"fractional quantity", func(p map[string]interface{}) { p["quantity"] = 1.5 }, "FRACTIONAL_QUANTITY"},
		{"missing symbol", func(p map[string]interface{}) { p["symbol"] = "" }, "SYMBOL_REQUIRED"},
		{"bad side", func(p map[string]interface{}) { p["side"] = "HOLD" }, "SIDE_INVALID"},
		{"limit without price", func(p map[string]interface{}) { p["type"] = "LIMIT" }, "LIMIT_PRICE_REQUIRED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := base()
			tt.mutate(payload)
			status, body := postJSON(t, ts, "/api/orders", payload)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, tt.code, body["code"])
		})
	}
}

func TestPlaceOrderWithNoEligibleBroker(t *testing.T) {
	ts := newTestServer(t)

	status, body := postJSON(t, ts, "/api/orders", map[string]interface{}{
		"user_id":  "user-1",
		"symbol":   "RELIANCE",
		"exchange": "NSE",
		"side":     "BUY",
		"type":     "MARKET",
		"quantity": 10,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, string(domain.CategoryUnsupported), body["category"])
}

func TestGetOrderNotFound(t *testing.T) {
	ts := newTestServer(t)

	status, body := getJSON(t, ts, "/api/orders/no-such-order?user_id=user-1")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "ORDER_NOT_FOUND", body["code"])
}

func TestListOrdersEmpty(t *testing.T) {
	ts := newTestServer(t)

	status, body := getJSON(t, ts, "/api/orders?user_id=user-1")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["count"])
}

func TestHealthSummaryEmptyFleet(t *testing.T) {
	ts := newTestServer(t)

	status, body := getJSON(t, ts, "/api/health?user_id=user-1")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(domain.HealthHealthy), body["band"])
	assert.Equal(t, float64(0), body["total"])
}

func TestSystemStatus(t *testing.T) {
	ts := newTestServer(t)

	status, body := getJSON(t, ts, "/api/system/status")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "running", body["status"])

	dbs, ok := body["databases"].(map[string]interface{})
	require.True(t, ok, "databases section missing: %v", body)
	assert.Contains(t, dbs, "connections")
	assert.Contains(t, dbs, "cache")
}

func TestMetricsExposed(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "go_goroutines")
	assert.Contains(t, string(raw), "gateway_breaker_state")
}

func TestUnknownRouteReturns404(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRequestIDPropagated(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(fmt.Sprintf("%s/healthz", ts.URL))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}
