package orders

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/brokers"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
)

// Bracket child kinds.
const (
	childTakeProfit = "TAKE_PROFIT"
	childStopLoss   = "STOP_LOSS"
)

// ConnectionSource lists the user's routable connections.
type ConnectionSource interface {
	ActiveConnections(ctx context.Context, userID string) ([]*domain.Connection, error)
}

// TokenSource supplies decrypted token bundles for placement calls.
type TokenSource interface {
	TokensFor(ctx context.Context, conn *domain.Connection) (*domain.TokenBundle, error)
}

// LatencySource reports recent probe latency per connection. Used as the
// routing tiebreaker between equally priced brokers.
type LatencySource interface {
	ProbeLatencyMs(connID string) (float64, bool)
}

// Router validates an order against the live market, picks the cheapest
// healthy broker that can trade it and places it. Placement failures fail
// over to the next candidate.
type Router struct {
	conns    ConnectionSource
	tokens   TokenSource
	latency  LatencySource
	adapters map[domain.BrokerKind]domain.BrokerAdapter
	registry *brokers.Registry
	oracle   domain.PriceOracle
	store    domain.OrderStore
	now      func() time.Time
	log      zerolog.Logger
}

func NewRouter(conns ConnectionSource, tokens TokenSource, latency LatencySource, adapters map[domain.BrokerKind]domain.BrokerAdapter, registry *brokers.Registry, oracle domain.PriceOracle, store domain.OrderStore, log zerolog.Logger) *Router {
	return &Router{
		conns:    conns,
		tokens:   tokens,
		latency:  latency,
		adapters: adapters,
		registry: registry,
		oracle:   oracle,
		store:    store,
		now:      time.Now,
		log:      log.With().Str("service", "order_router").Logger(),
	}
}

type candidate struct {
	conn      *domain.Connection
	profile   *brokers.Profile
	latencyMs float64
}

// Route validates, prices, selects a broker and places the order. The
// returned result is persisted before it is returned.
func (r *Router) Route(ctx context.Context, req *domain.OrderRequest) (*domain.OrderResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	quote, err := r.oracle.MarketPrice(ctx, req.Symbol, req.Exchange)
	if err != nil {
		return nil, fmt.Errorf("failed to price order: %w", err)
	}
	if err := checkMarket(req, quote); err != nil {
		return nil, err
	}

	cands, err := r.candidates(ctx, req)
	if err != nil {
		return nil, err
	}

	result, err := r.place(ctx, req, quote, cands)
	if err != nil {
		r.audit(ctx, req, cands[0], err)
		return nil, err
	}

	if err := r.store.Insert(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to record order %s: %w", result.OrderID, err)
	}

	r.log.Info().
		Str("order_id", result.OrderID).
		Str("user_id", req.UserID).
		Str("broker", string(result.Broker)).
		Str("symbol", req.Symbol).
		Str("type", string(req.Type)).
		Str("status", string(result.Status)).
		Msg("order routed")
	return result, nil
}

// Get loads one of the user's orders.
func (r *Router) Get(ctx context.Context, userID, orderID string) (*domain.OrderResult, error) {
	order, err := r.store.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, domain.NewError(domain.CategoryNotFound, "ORDER_NOT_FOUND",
			fmt.Sprintf("order %s not found", orderID), nil)
	}
	return order, nil
}

// List returns the user's routed orders, newest first.
func (r *Router) List(ctx context.Context, userID string, limit int) ([]*domain.OrderResult, error) {
	return r.store.FindByUser(ctx, userID, limit)
}

func validate(req *domain.OrderRequest) error {
	reject := func(code, msg string) error {
		return domain.NewError(domain.CategoryValidation, code, msg, nil)
	}

	if req.UserID == "" {
		return reject("USER_REQUIRED", "user id is required")
	}
	if req.Symbol == "" {
		return reject("SYMBOL_REQUIRED", "symbol is required")
	}
	if req.Exchange == "" {
		return reject("EXCHANGE_REQUIRED", "exchange is required")
	}
	switch req.Side {
	case domain.OrderBuy, domain.OrderSell:
	default:
		return reject("SIDE_INVALID", fmt.Sprintf("unknown order side %q", req.Side))
	}
	switch req.Type {
	case domain.OrderMarket, domain.OrderLimit, domain.OrderStopLoss, domain.OrderBracket:
	default:
		return reject("TYPE_INVALID", fmt.Sprintf("unknown order type %q", req.Type))
	}

	if !req.Quantity.IsPositive() {
		return reject("QUANTITY_NOT_POSITIVE", "quantity must be greater than zero")
	}
	// Adapters submit whole-share quantities; reject fractions here rather
	// than let per-broker truncation diverge.
	if !req.Quantity.Equal(req.Quantity.Truncate(0)) {
		return reject("FRACTIONAL_QUANTITY", "quantity must be a whole number of shares")
	}

	switch req.Type {
	case domain.OrderLimit:
		if !req.LimitPrice.IsPositive() {
			return reject("LIMIT_PRICE_REQUIRED", "limit orders need a positive limit price")
		}
	case domain.OrderStopLoss:
		if !req.TriggerPrice.IsPositive() {
			return reject("TRIGGER_PRICE_REQUIRED", "stop-loss orders need a positive trigger price")
		}
	case domain.OrderBracket:
		if !req.TakeProfit.IsPositive() || !req.StopLoss.IsPositive() {
			return reject("BRACKET_LEGS_REQUIRED", "bracket orders need positive take-profit and stop-loss prices")
		}
	}
	return nil
}

// checkMarket enforces session, circuit and trigger placement rules that
// need the live quote.
func checkMarket(req *domain.OrderRequest, quote *domain.MarketQuote) error {
	if quote.MarketStatus != domain.MarketOpen {
		return domain.NewError(domain.CategoryValidation, "MARKET_CLOSED",
			fmt.Sprintf("%s session is %s", req.Exchange, quote.MarketStatus),
			domain.ErrMarketClosed)
	}
	if quote.CircuitLimitHit {
		return domain.NewError(domain.CategoryValidation, "CIRCUIT_LIMIT",
			fmt.Sprintf("%s is pinned at a circuit limit", req.Symbol),
			domain.ErrCircuitLimit)
	}

	switch req.Type {
	case domain.OrderStopLoss:
		if req.Side == domain.OrderSell && !req.TriggerPrice.LessThan(quote.Price) {
			return domain.NewError(domain.CategoryValidation, "TRIGGER_ABOVE_MARKET",
				"sell stop trigger must be below the market price", nil)
		}
		if req.Side == domain.OrderBuy && !req.TriggerPrice.GreaterThan(quote.Price) {
			return domain.NewError(domain.CategoryValidation, "TRIGGER_BELOW_MARKET",
				"buy stop trigger must be above the market price", nil)
		}
	case domain.OrderBracket:
		tpAbove := req.TakeProfit.GreaterThan(quote.Price)
		slBelow := req.StopLoss.LessThan(quote.Price)
		if req.Side == domain.OrderBuy && (!tpAbove || !slBelow) {
			return domain.NewError(domain.CategoryValidation, "BRACKET_LEGS_INVALID",
				"buy bracket needs take-profit above and stop-loss below the market price", nil)
		}
		if req.Side == domain.OrderSell && (tpAbove || slBelow) {
			return domain.NewError(domain.CategoryValidation, "BRACKET_LEGS_INVALID",
				"sell bracket needs take-profit below and stop-loss above the market price", nil)
		}
	}
	return nil
}

// candidates filters the user's active connections down to brokers that
// can place this order, sorted best first: execution cost, then probe
// latency, then kind for determinism.
func (r *Router) candidates(ctx context.Context, req *domain.OrderRequest) ([]candidate, error) {
	conns, err := r.conns.ActiveConnections(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	var cands []candidate
	for _, conn := range conns {
		profile, err := r.registry.Get(conn.Broker)
		if err != nil {
			continue
		}
		if !profile.SupportsOrders || !profile.SupportsExchange(req.Exchange) {
			continue
		}
		if _, ok := r.adapters[conn.Broker]; !ok {
			continue
		}

		lat, ok := r.latency.ProbeLatencyMs(conn.ID)
		if !ok {
			lat = math.MaxFloat64
		}
		cands = append(cands, candidate{conn: conn, profile: profile, latencyMs: lat})
	}
	if len(cands) == 0 {
		return nil, fmt.Errorf("%w: no active connection can trade %s on %s",
			domain.ErrNoEligibleBroker, req.Symbol, req.Exchange)
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.profile.ExecutionCostBps != b.profile.ExecutionCostBps {
			return a.profile.ExecutionCostBps < b.profile.ExecutionCostBps
		}
		if a.latencyMs != b.latencyMs {
			return a.latencyMs < b.latencyMs
		}
		return a.conn.Broker < b.conn.Broker
	})
	return cands, nil
}

// place tries candidates best first until one accepts the order.
func (r *Router) place(ctx context.Context, req *domain.OrderRequest, quote *domain.MarketQuote, cands []candidate) (*domain.OrderResult, error) {
	var lastErr error
	for _, cand := range cands {
		tokens, err := r.tokens.TokensFor(ctx, cand.conn)
		if err != nil {
			lastErr = err
			continue
		}

		brokerOrderID, err := r.adapters[cand.conn.Broker].PlaceOrder(ctx, cand.conn, tokens, req)
		tokens.Zero()
		if err != nil {
			lastErr = err
			r.log.Warn().Err(err).
				Str("broker", string(cand.conn.Broker)).
				Str("connection_id", cand.conn.ID).
				Str("symbol", req.Symbol).
				Msg("placement failed, trying next broker")
			continue
		}
		return r.buildResult(req, quote, cand, brokerOrderID), nil
	}
	return nil, fmt.Errorf("%w: %v", domain.ErrAllBrokersFailed, lastErr)
}

func (r *Router) buildResult(req *domain.OrderRequest, quote *domain.MarketQuote, cand candidate, brokerOrderID string) *domain.OrderResult {
	res := &domain.OrderResult{
		OrderID:       uuid.NewString(),
		UserID:        req.UserID,
		BrokerOrderID: brokerOrderID,
		Broker:        cand.conn.Broker,
		ConnectionID:  cand.conn.ID,
		Symbol:        req.Symbol,
		Exchange:      req.Exchange,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		PlacedAt:      r.now(),
	}

	switch req.Type {
	case domain.OrderMarket:
		res.Status = domain.OrderExecuted
		res.FillPrice = quote.Price
	case domain.OrderLimit:
		if marketable(req, quote.Price) {
			res.Status = domain.OrderExecuted
			res.FillPrice = req.LimitPrice
		} else {
			res.Status = domain.OrderPending
		}
	case domain.OrderStopLoss:
		// Armed at the broker; fills only when the trigger trades.
		res.Status = domain.OrderAccepted
	case domain.OrderBracket:
		res.Status = domain.OrderExecuted
		res.FillPrice = quote.Price
		res.Children = []domain.ChildOrder{
			{OrderID: uuid.NewString(), Kind: childTakeProfit, TriggerPrice: req.TakeProfit, Status: domain.OrderPending},
			{OrderID: uuid.NewString(), Kind: childStopLoss, TriggerPrice: req.StopLoss, Status: domain.OrderPending},
		}
	}
	return res
}

// marketable reports whether a limit order crosses the current market:
// buys at or above it, sells at or below it.
func marketable(req *domain.OrderRequest, market decimal.Decimal) bool {
	if req.Side == domain.OrderBuy {
		return market.LessThanOrEqual(req.LimitPrice)
	}
	return market.GreaterThanOrEqual(req.LimitPrice)
}

// audit records a fully failed placement as a rejected order. Best effort;
// routing already failed.
func (r *Router) audit(ctx context.Context, req *domain.OrderRequest, cand candidate, cause error) {
	rejected := &domain.OrderResult{
		OrderID:      uuid.NewString(),
		UserID:       req.UserID,
		Broker:       cand.conn.Broker,
		ConnectionID: cand.conn.ID,
		Symbol:       req.Symbol,
		Exchange:     req.Exchange,
		Side:         req.Side,
		Type:         req.Type,
		Quantity:     req.Quantity,
		Status:       domain.OrderRejected,
		Reason:       cause.Error(),
		PlacedAt:     r.now(),
	}
	if err := r.store.Insert(ctx, rejected); err != nil {
		r.log.Error().Err(err).Str("order_id", rejected.OrderID).Msg("failed to record rejected order")
	}
}
