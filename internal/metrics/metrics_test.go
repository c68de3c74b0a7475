package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/breaker"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
)

func TestObserveBrokerCallCounts(t *testing.T) {
	m := New(breaker.NewSet(zerolog.Nop()))

	m.ObserveBrokerCall("ZERODHA", "read", 200, 120*time.Millisecond, false)
	m.ObserveBrokerCall("ZERODHA", "read", 200, 80*time.Millisecond, false)
	m.ObserveBrokerCall("ZERODHA", "read", 502, 2*time.Second, true)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.brokerCalls.WithLabelValues("ZERODHA", "read", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.brokerCalls.WithLabelValues("ZERODHA", "read", "502")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.brokerFailures.WithLabelValues("ZERODHA", "read")))
}

func TestGateInstruments(t *testing.T) {
	m := New(breaker.NewSet(zerolog.Nop()))

	m.ObserveRateLimitWait("ZERODHA", 40*time.Millisecond)
	m.ObserveRateLimitWait("ZERODHA", 300*time.Millisecond)
	m.RefreshJoined("UPSTOX")
	m.RefreshJoined("UPSTOX")
	m.RefreshJoined("UPSTOX")

	assert.Equal(t, 1, testutil.CollectAndCount(m.rateWaits, "gateway_rate_limit_wait_seconds"))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.refreshJoins.WithLabelValues("UPSTOX")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `gateway_rate_limit_wait_seconds_count{broker="ZERODHA"} 2`)
	assert.Contains(t, body, `gateway_token_refresh_joins_total{broker="UPSTOX"} 3`)
}

func TestBreakerStateExportedPerStream(t *testing.T) {
	set := breaker.NewSet(zerolog.Nop())
	m := New(set)

	// Ten straight failures trip the read breaker.
	for i := 0; i < 10; i++ {
		set.RecordFailure(domain.BrokerZerodha, domain.CallClassRead)
	}
	set.State(domain.BrokerUpstox, domain.CallClassOAuth)

	expected := `# HELP gateway_breaker_state Circuit breaker position per broker/class stream (0 closed, 1 half-open, 2 open).
# TYPE gateway_breaker_state gauge
gateway_breaker_state{stream="UPSTOX/oauth"} 0
gateway_breaker_state{stream="ZERODHA/read"} 2
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "gateway_breaker_state"))
}

func TestHandlerServesMetrics(t *testing.T) {
	m := New(breaker.NewSet(zerolog.Nop()))
	m.OrderRouted("ZERODHA", "MARKET", "EXECUTED")
	m.PortfolioFetch("UPSTOX", false)
	m.SnapshotFallback()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `gateway_orders_routed_total{broker="ZERODHA",status="EXECUTED",type="MARKET"} 1`)
	assert.Contains(t, body, `gateway_portfolio_fetches_total{broker="UPSTOX",outcome="failed"} 1`)
	assert.Contains(t, body, "gateway_portfolio_snapshot_fallbacks_total 1")
}
