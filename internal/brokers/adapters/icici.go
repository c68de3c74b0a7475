package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/httppool"
)

// ICICI talks to the Breeze REST API. Breeze identifies instruments by
// proprietary stock codes rather than exchange symbols, so holdings are
// resolved downstream via the ISIN carried on each row. Numeric fields
// arrive as JSON strings.
type ICICI struct {
	pool *httppool.Pool
	log  zerolog.Logger
}

var _ domain.BrokerAdapter = (*ICICI)(nil)

func NewICICI(pool *httppool.Pool, log zerolog.Logger) *ICICI {
	return &ICICI{pool: pool, log: log.With().Str("adapter", "icici_direct").Logger()}
}

func (i *ICICI) Kind() domain.BrokerKind { return domain.BrokerICICI }

type breezeEnvelope struct {
	Success json.RawMessage `json:"Success"`
	Status  int             `json:"Status"`
	Error   *string         `json:"Error"`
}

func (e *breezeEnvelope) check(kind domain.BrokerKind) error {
	if e.Error != nil && *e.Error != "" {
		return domain.NewError(domain.CategoryValidation, "BREEZE_ERROR", *e.Error, nil).WithBroker(kind)
	}
	if e.Status != 0 && e.Status != http.StatusOK {
		return domain.NewError(domain.CategoryValidation, fmt.Sprintf("BREEZE_%d", e.Status), "breeze call failed", nil).WithBroker(kind)
	}
	return nil
}

type breezeHolding struct {
	StockCode    string      `json:"stock_code"`
	ExchangeCode string      `json:"exchange_code"`
	ISIN         string      `json:"stock_ISIN"`
	Quantity     json.Number `json:"quantity"`
	AveragePrice json.Number `json:"average_price"`
	MarketPrice  json.Number `json:"current_market_price"`
}

type breezePosition struct {
	StockCode    string      `json:"stock_code"`
	ExchangeCode string      `json:"exchange_code"`
	ProductType  string      `json:"product_type"`
	Quantity     json.Number `json:"quantity"`
	AveragePrice json.Number `json:"average_price"`
	LTP          json.Number `json:"ltp"`
	PnL          json.Number `json:"pnl"`
}

func (i *ICICI) FetchPortfolio(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle) (*domain.BrokerPortfolio, error) {
	var env breezeEnvelope
	resp, err := get(ctx, i.pool, i.Kind(), "/breezeapi/api/v1/dematholdings", tokens, &env)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch holdings: %w", err)
	}
	if err := env.check(i.Kind()); err != nil {
		return nil, err
	}

	var holdings []breezeHolding
	if len(env.Success) > 0 {
		if err := json.Unmarshal(env.Success, &holdings); err != nil {
			return nil, fmt.Errorf("failed to decode holdings: %w", err)
		}
	}

	positions := make([]domain.RawPosition, 0, len(holdings))
	for _, h := range holdings {
		positions = append(positions, domain.RawPosition{
			Symbol:    h.StockCode,
			Exchange:  h.ExchangeCode,
			Quantity:  num(h.Quantity),
			AvgPrice:  num(h.AveragePrice),
			LastPrice: num(h.MarketPrice),
			ISIN:      h.ISIN,
		})
	}
	return portfolio(conn, positions, resp), nil
}

func (i *ICICI) FetchPositions(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle) ([]domain.RawPosition, error) {
	var env breezeEnvelope
	if _, err := get(ctx, i.pool, i.Kind(), "/breezeapi/api/v1/portfoliopositions", tokens, &env); err != nil {
		return nil, fmt.Errorf("failed to fetch positions: %w", err)
	}
	if err := env.check(i.Kind()); err != nil {
		return nil, err
	}

	var raw []breezePosition
	if len(env.Success) > 0 {
		if err := json.Unmarshal(env.Success, &raw); err != nil {
			return nil, fmt.Errorf("failed to decode positions: %w", err)
		}
	}

	positions := make([]domain.RawPosition, 0, len(raw))
	for _, p := range raw {
		positions = append(positions, domain.RawPosition{
			Symbol:    p.StockCode,
			Exchange:  p.ExchangeCode,
			Quantity:  num(p.Quantity),
			AvgPrice:  num(p.AveragePrice),
			LastPrice: num(p.LTP),
			PnL:       num(p.PnL),
			Product:   p.ProductType,
		})
	}
	return positions, nil
}

func (i *ICICI) GetProfile(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle) (*domain.AccountProfile, error) {
	var env breezeEnvelope
	if _, err := get(ctx, i.pool, i.Kind(), "/breezeapi/api/v1/customerdetails", tokens, &env); err != nil {
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}
	if err := env.check(i.Kind()); err != nil {
		return nil, err
	}

	var data struct {
		UserID string `json:"idirect_userid"`
		Name   string `json:"idirect_user_name"`
		Email  string `json:"email_id"`
	}
	if err := json.Unmarshal(env.Success, &data); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	return &domain.AccountProfile{
		AccountID: data.UserID,
		Name:      data.Name,
		Email:     data.Email,
		Broker:    string(i.Kind()),
	}, nil
}

func (i *ICICI) PlaceOrder(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle, req *domain.OrderRequest) (string, error) {
	body := map[string]any{
		"stock_code":    req.Symbol,
		"exchange_code": req.Exchange,
		"product":       "cash",
		"action":        breezeAction(req.Side),
		"order_type":    breezeOrderType(req.Type),
		"quantity":      req.Quantity.String(),
		"price":         req.LimitPrice.String(),
		"stoploss":      req.TriggerPrice.String(),
		"validity":      "day",
	}

	var env breezeEnvelope
	_, err := i.pool.Do(ctx, i.Kind(), &httppool.Request{
		Method: http.MethodPost,
		Path:   "/breezeapi/api/v1/order",
		Body:   body,
		Tokens: tokens,
		Result: &env,
		Class:  domain.CallClassWrite,
	})
	if err != nil {
		return "", fmt.Errorf("failed to place order: %w", err)
	}
	if err := env.check(i.Kind()); err != nil {
		return "", err
	}

	var data struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(env.Success, &data); err != nil {
		return "", fmt.Errorf("failed to decode order response: %w", err)
	}
	return data.OrderID, nil
}

func (i *ICICI) ValidateAccount(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle) error {
	_, err := i.GetProfile(ctx, conn, tokens)
	return err
}

func breezeAction(side domain.OrderSide) string {
	if side == domain.OrderSell {
		return "sell"
	}
	return "buy"
}

func breezeOrderType(t domain.OrderType) string {
	switch t {
	case domain.OrderLimit:
		return "limit"
	case domain.OrderStopLoss:
		return "stoploss"
	default:
		return "market"
	}
}
