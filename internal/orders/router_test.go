package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/brokers"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
)

type stubConnSource struct {
	conns []*domain.Connection
	err   error
}

func (s *stubConnSource) ActiveConnections(ctx context.Context, userID string) ([]*domain.Connection, error) {
	return s.conns, s.err
}

type stubTokenSource struct {
	failFor map[string]error
}

func (s stubTokenSource) TokensFor(ctx context.Context, conn *domain.Connection) (*domain.TokenBundle, error) {
	if err, ok := s.failFor[conn.ID]; ok {
		return nil, err
	}
	return &domain.TokenBundle{AccessToken: "tok-" + conn.ID}, nil
}

type stubLatency map[string]float64

func (s stubLatency) ProbeLatencyMs(connID string) (float64, bool) {
	ms, ok := s[connID]
	return ms, ok
}

type stubOracle struct {
	quote *domain.MarketQuote
	err   error
	calls int
}

func (s *stubOracle) CurrentPrice(ctx context.Context, symbol, exchange string) (decimal.Decimal, error) {
	return s.quote.Price, s.err
}

func (s *stubOracle) MarketPrice(ctx context.Context, symbol, exchange string) (*domain.MarketQuote, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.quote, nil
}

func (s *stubOracle) BatchPrices(ctx context.Context, symbols []string, exchange string) (map[string]decimal.Decimal, error) {
	return nil, s.err
}

type routeAdapter struct {
	kind    domain.BrokerKind
	orderID string
	err     error
	calls   int
	lastReq *domain.OrderRequest
}

func (a *routeAdapter) Kind() domain.BrokerKind { return a.kind }

func (a *routeAdapter) FetchPortfolio(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle) (*domain.BrokerPortfolio, error) {
	return nil, domain.ErrBrokerNotImplemented
}

func (a *routeAdapter) FetchPositions(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle) ([]domain.RawPosition, error) {
	return nil, domain.ErrBrokerNotImplemented
}

func (a *routeAdapter) GetProfile(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle) (*domain.AccountProfile, error) {
	return nil, domain.ErrBrokerNotImplemented
}

func (a *routeAdapter) PlaceOrder(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle, req *domain.OrderRequest) (string, error) {
	a.calls++
	a.lastReq = req
	if a.err != nil {
		return "", a.err
	}
	return a.orderID, nil
}

func (a *routeAdapter) ValidateAccount(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle) error {
	return nil
}

type routerFixture struct {
	router *Router
	repo   *Repository
	oracle *stubOracle
	tokens stubTokenSource
}

func setupRouter(t *testing.T, conns []*domain.Connection, latency stubLatency, adapters ...*routeAdapter) *routerFixture {
	t.Helper()
	repo := setupRepo(t)
	amap := make(map[domain.BrokerKind]domain.BrokerAdapter, len(adapters))
	for _, a := range adapters {
		amap[a.kind] = a
	}
	oracle := &stubOracle{quote: openQuote("2500")}
	tokens := stubTokenSource{failFor: map[string]error{}}
	router := NewRouter(&stubConnSource{conns: conns}, tokens, latency,
		amap, brokers.NewRegistry(), oracle, repo, zerolog.Nop())
	return &routerFixture{router: router, repo: repo, oracle: oracle, tokens: tokens}
}

func openQuote(price string) *domain.MarketQuote {
	return &domain.MarketQuote{
		Symbol:       "RELIANCE",
		Exchange:     "NSE",
		Price:        decimal.RequireFromString(price),
		MarketStatus: domain.MarketOpen,
		AsOf:         time.Now(),
	}
}

func routableConn(id string, kind domain.BrokerKind) *domain.Connection {
	return &domain.Connection{ID: id, UserID: "user-1", Broker: kind, Status: domain.ConnectionConnected}
}

func marketRequest() *domain.OrderRequest {
	return &domain.OrderRequest{
		UserID:   "user-1",
		Symbol:   "RELIANCE",
		Exchange: "NSE",
		Side:     domain.OrderBuy,
		Type:     domain.OrderMarket,
		Quantity: decimal.NewFromInt(10),
	}
}

func TestRouteMarketOrderExecutesAtQuote(t *testing.T) {
	zerodha := &routeAdapter{kind: domain.BrokerZerodha, orderID: "z-100"}
	fix := setupRouter(t, []*domain.Connection{routableConn("conn-z", domain.BrokerZerodha)}, stubLatency{}, zerodha)

	result, err := fix.router.Route(context.Background(), marketRequest())
	require.NoError(t, err)

	assert.Equal(t, domain.OrderExecuted, result.Status)
	assert.True(t, result.FillPrice.Equal(decimal.RequireFromString("2500")))
	assert.Equal(t, domain.BrokerZerodha, result.Broker)
	assert.Equal(t, "z-100", result.BrokerOrderID)
	assert.Equal(t, "conn-z", result.ConnectionID)
	assert.NotEmpty(t, result.OrderID)

	stored, err := fix.repo.FindByID(context.Background(), result.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderExecuted, stored.Status)
}

func TestRouteRejectsWhenMarketClosed(t *testing.T) {
	zerodha := &routeAdapter{kind: domain.BrokerZerodha, orderID: "z-100"}
	fix := setupRouter(t, []*domain.Connection{routableConn("conn-z", domain.BrokerZerodha)}, stubLatency{}, zerodha)
	fix.oracle.quote.MarketStatus = domain.MarketClosed

	_, err := fix.router.Route(context.Background(), marketRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrMarketClosed))
	assert.Equal(t, domain.CategoryValidation, domain.CategoryOf(err))
	assert.Zero(t, zerodha.calls)

	orders, err := fix.repo.FindByUser(context.Background(), "user-1", 10)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestRouteRejectsAtCircuitLimit(t *testing.T) {
	zerodha := &routeAdapter{kind: domain.BrokerZerodha, orderID: "z-100"}
	fix := setupRouter(t, []*domain.Connection{routableConn("conn-z", domain.BrokerZerodha)}, stubLatency{}, zerodha)
	fix.oracle.quote.CircuitLimitHit = true

	_, err := fix.router.Route(context.Background(), marketRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCircuitLimit))
	assert.Zero(t, zerodha.calls)
}

func TestRouteValidatesRequestBeforePricing(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*domain.OrderRequest)
	}{
		{"missing symbol", func(r *domain.OrderRequest) { r.Symbol = "" }},
		{"missing exchange", func(r *domain.OrderRequest) { r.Exchange = "" }},
		{"unknown side", func(r *domain.OrderRequest) { r.Side = "HOLD" }},
		{"unknown type", func(r *domain.OrderRequest) { r.Type = "ICEBERG" }},
		{"zero quantity", func(r *domain.OrderRequest) { r.Quantity = decimal.Zero }},
		{"negative quantity", func(r *domain.OrderRequest) { r.Quantity = decimal.NewFromInt(-5) }},
		{"fractional quantity", func(r *domain.OrderRequest) { r.Quantity = decimal.RequireFromString("2.5") }},
		{"limit without price", func(r *domain.OrderRequest) { r.Type = domain.OrderLimit }},
		{"stop without trigger", func(r *domain.OrderRequest) { r.Type = domain.OrderStopLoss }},
		{"bracket without legs", func(r *domain.OrderRequest) { r.Type = domain.OrderBracket }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			zerodha := &routeAdapter{kind: domain.BrokerZerodha, orderID: "z-100"}
			fix := setupRouter(t, []*domain.Connection{routableConn("conn-z", domain.BrokerZerodha)}, stubLatency{}, zerodha)

			req := marketRequest()
			tc.mutate(req)

			_, err := fix.router.Route(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, domain.CategoryValidation, domain.CategoryOf(err))
			assert.Zero(t, fix.oracle.calls, "rejected before pricing")
			assert.Zero(t, zerodha.calls)
		})
	}
}

func TestRouteLimitOrderFillMatrix(t *testing.T) {
	cases := []struct {
		name   string
		side   domain.OrderSide
		market string
		status domain.OrderStatus
	}{
		{"buy fills when market at limit", domain.OrderBuy, "2500", domain.OrderExecuted},
		{"buy fills when market below limit", domain.OrderBuy, "2450", domain.OrderExecuted},
		{"buy rests when market above limit", domain.OrderBuy, "2550", domain.OrderPending},
		{"sell fills when market above limit", domain.OrderSell, "2550", domain.OrderExecuted},
		{"sell rests when market below limit", domain.OrderSell, "2450", domain.OrderPending},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			zerodha := &routeAdapter{kind: domain.BrokerZerodha, orderID: "z-100"}
			fix := setupRouter(t, []*domain.Connection{routableConn("conn-z", domain.BrokerZerodha)}, stubLatency{}, zerodha)
			fix.oracle.quote = openQuote(tc.market)

			req := marketRequest()
			req.Side = tc.side
			req.Type = domain.OrderLimit
			req.LimitPrice = decimal.RequireFromString("2500")

			result, err := fix.router.Route(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, tc.status, result.Status)
			if tc.status == domain.OrderExecuted {
				assert.True(t, result.FillPrice.Equal(req.LimitPrice), "fills at the limit price")
			} else {
				assert.True(t, result.FillPrice.IsZero())
			}
			assert.Equal(t, 1, zerodha.calls, "resting orders still reach the broker")
		})
	}
}

func TestRouteStopLossTriggerSides(t *testing.T) {
	run := func(side domain.OrderSide, trigger string) (*domain.OrderResult, error) {
		zerodha := &routeAdapter{kind: domain.BrokerZerodha, orderID: "z-100"}
		fix := setupRouter(t, []*domain.Connection{routableConn("conn-z", domain.BrokerZerodha)}, stubLatency{}, zerodha)

		req := marketRequest()
		req.Side = side
		req.Type = domain.OrderStopLoss
		req.TriggerPrice = decimal.RequireFromString(trigger)
		return fix.router.Route(context.Background(), req)
	}

	result, err := run(domain.OrderSell, "2400")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderAccepted, result.Status)
	assert.True(t, result.FillPrice.IsZero(), "armed stops have no fill")

	result, err = run(domain.OrderBuy, "2600")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderAccepted, result.Status)

	_, err = run(domain.OrderSell, "2600")
	require.Error(t, err)
	assert.Equal(t, domain.CategoryValidation, domain.CategoryOf(err))

	_, err = run(domain.OrderBuy, "2400")
	require.Error(t, err)
	assert.Equal(t, domain.CategoryValidation, domain.CategoryOf(err))
}

func TestRouteBracketPersistsExitLegs(t *testing.T) {
	zerodha := &routeAdapter{kind: domain.BrokerZerodha, orderID: "z-100"}
	fix := setupRouter(t, []*domain.Connection{routableConn("conn-z", domain.BrokerZerodha)}, stubLatency{}, zerodha)

	req := marketRequest()
	req.Type = domain.OrderBracket
	req.TakeProfit = decimal.RequireFromString("2600")
	req.StopLoss = decimal.RequireFromString("2400")

	result, err := fix.router.Route(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderExecuted, result.Status)
	assert.True(t, result.FillPrice.Equal(decimal.RequireFromString("2500")))
	require.Len(t, result.Children, 2)

	stored, err := fix.repo.FindByID(context.Background(), result.OrderID)
	require.NoError(t, err)
	require.Len(t, stored.Children, 2)

	legs, err := fix.repo.FindChildren(context.Background(), result.OrderID)
	require.NoError(t, err)
	require.Len(t, legs, 2)
	for _, leg := range legs {
		assert.Equal(t, domain.OrderSell, leg.Side, "exit legs flatten the buy")
		assert.Equal(t, domain.OrderPending, leg.Status)
		assert.Empty(t, leg.BrokerOrderID, "children are not routed")
	}
	assert.Equal(t, 1, zerodha.calls, "only the parent reaches the broker")
}

func TestRouteBracketRejectsLegsOnWrongSide(t *testing.T) {
	zerodha := &routeAdapter{kind: domain.BrokerZerodha, orderID: "z-100"}
	fix := setupRouter(t, []*domain.Connection{routableConn("conn-z", domain.BrokerZerodha)}, stubLatency{}, zerodha)

	req := marketRequest()
	req.Type = domain.OrderBracket
	req.TakeProfit = decimal.RequireFromString("2400") // below market on a buy
	req.StopLoss = decimal.RequireFromString("2300")

	_, err := fix.router.Route(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, domain.CategoryValidation, domain.CategoryOf(err))
	assert.Zero(t, zerodha.calls)
}

func TestRouteNoEligibleBroker(t *testing.T) {
	t.Run("no connections", func(t *testing.T) {
		fix := setupRouter(t, nil, stubLatency{})
		_, err := fix.router.Route(context.Background(), marketRequest())
		assert.True(t, errors.Is(err, domain.ErrNoEligibleBroker))
	})

	t.Run("broker without order support", func(t *testing.T) {
		iifl := &routeAdapter{kind: domain.BrokerIIFL, orderID: "i-1"}
		fix := setupRouter(t, []*domain.Connection{routableConn("conn-i", domain.BrokerIIFL)}, stubLatency{}, iifl)

		_, err := fix.router.Route(context.Background(), marketRequest())
		assert.True(t, errors.Is(err, domain.ErrNoEligibleBroker))
		assert.Zero(t, iifl.calls)
	})

	t.Run("exchange outside broker coverage", func(t *testing.T) {
		fyers := &routeAdapter{kind: domain.BrokerFyers, orderID: "f-1"}
		fix := setupRouter(t, []*domain.Connection{routableConn("conn-f", domain.BrokerFyers)}, stubLatency{}, fyers)

		req := marketRequest()
		req.Exchange = "NFO"
		_, err := fix.router.Route(context.Background(), req)
		assert.True(t, errors.Is(err, domain.ErrNoEligibleBroker))
		assert.Zero(t, fyers.calls)
	})
}

func TestRoutePrefersCheapestBroker(t *testing.T) {
	zerodha := &routeAdapter{kind: domain.BrokerZerodha, orderID: "z-1"}
	icici := &routeAdapter{kind: domain.BrokerICICI, orderID: "i-1"}
	conns := []*domain.Connection{
		routableConn("conn-i", domain.BrokerICICI),
		routableConn("conn-z", domain.BrokerZerodha),
	}
	fix := setupRouter(t, conns, stubLatency{}, zerodha, icici)

	result, err := fix.router.Route(context.Background(), marketRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.BrokerZerodha, result.Broker)
	assert.Equal(t, 1, zerodha.calls)
	assert.Zero(t, icici.calls)
}

func TestRouteLatencyBreaksCostTie(t *testing.T) {
	// Upstox and Fyers carry the same execution cost.
	upstox := &routeAdapter{kind: domain.BrokerUpstox, orderID: "u-1"}
	fyers := &routeAdapter{kind: domain.BrokerFyers, orderID: "f-1"}
	conns := []*domain.Connection{
		routableConn("conn-u", domain.BrokerUpstox),
		routableConn("conn-f", domain.BrokerFyers),
	}
	latency := stubLatency{"conn-u": 80, "conn-f": 20}
	fix := setupRouter(t, conns, latency, upstox, fyers)

	result, err := fix.router.Route(context.Background(), marketRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.BrokerFyers, result.Broker)
	assert.Zero(t, upstox.calls)
}

func TestRouteFailsOverToNextBroker(t *testing.T) {
	zerodha := &routeAdapter{kind: domain.BrokerZerodha, err: errors.New("insufficient funds")}
	upstox := &routeAdapter{kind: domain.BrokerUpstox, orderID: "u-1"}
	conns := []*domain.Connection{
		routableConn("conn-z", domain.BrokerZerodha),
		routableConn("conn-u", domain.BrokerUpstox),
	}
	fix := setupRouter(t, conns, stubLatency{}, zerodha, upstox)

	result, err := fix.router.Route(context.Background(), marketRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.BrokerUpstox, result.Broker)
	assert.Equal(t, "u-1", result.BrokerOrderID)
	assert.Equal(t, 1, zerodha.calls)
	assert.Equal(t, 1, upstox.calls)
}

func TestRouteTokenFailureFailsOver(t *testing.T) {
	zerodha := &routeAdapter{kind: domain.BrokerZerodha, orderID: "z-1"}
	upstox := &routeAdapter{kind: domain.BrokerUpstox, orderID: "u-1"}
	conns := []*domain.Connection{
		routableConn("conn-z", domain.BrokerZerodha),
		routableConn("conn-u", domain.BrokerUpstox),
	}
	fix := setupRouter(t, conns, stubLatency{}, zerodha, upstox)
	fix.tokens.failFor["conn-z"] = errors.New("vault sealed")

	result, err := fix.router.Route(context.Background(), marketRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.BrokerUpstox, result.Broker)
	assert.Zero(t, zerodha.calls, "never placed without tokens")
}

func TestRouteAllPlacementsFailRecordsRejection(t *testing.T) {
	zerodha := &routeAdapter{kind: domain.BrokerZerodha, err: errors.New("funds blocked")}
	upstox := &routeAdapter{kind: domain.BrokerUpstox, err: errors.New("session expired")}
	conns := []*domain.Connection{
		routableConn("conn-z", domain.BrokerZerodha),
		routableConn("conn-u", domain.BrokerUpstox),
	}
	fix := setupRouter(t, conns, stubLatency{}, zerodha, upstox)

	_, err := fix.router.Route(context.Background(), marketRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrAllBrokersFailed))
	assert.Equal(t, 1, zerodha.calls)
	assert.Equal(t, 1, upstox.calls)

	orders, err := fix.repo.FindByUser(context.Background(), "user-1", 10)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, domain.OrderRejected, orders[0].Status)
	assert.Contains(t, orders[0].Reason, "session expired")
}

func TestGetScopesOrdersToUser(t *testing.T) {
	zerodha := &routeAdapter{kind: domain.BrokerZerodha, orderID: "z-1"}
	fix := setupRouter(t, []*domain.Connection{routableConn("conn-z", domain.BrokerZerodha)}, stubLatency{}, zerodha)

	placed, err := fix.router.Route(context.Background(), marketRequest())
	require.NoError(t, err)

	found, err := fix.router.Get(context.Background(), "user-1", placed.OrderID)
	require.NoError(t, err)
	assert.Equal(t, placed.OrderID, found.OrderID)

	_, err = fix.router.Get(context.Background(), "user-2", placed.OrderID)
	require.Error(t, err)
	assert.Equal(t, domain.CategoryNotFound, domain.CategoryOf(err))
}
