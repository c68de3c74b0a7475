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

// AngelOne talks to the SmartAPI REST endpoints. SmartAPI reports most
// numeric fields as JSON strings and wraps every payload in a boolean
// status envelope, so decoding goes through json.Number and each call
// checks the envelope before trusting the data.
type AngelOne struct {
	pool *httppool.Pool
	log  zerolog.Logger
}

var _ domain.BrokerAdapter = (*AngelOne)(nil)

func NewAngelOne(pool *httppool.Pool, log zerolog.Logger) *AngelOne {
	return &AngelOne{pool: pool, log: log.With().Str("adapter", "angel_one").Logger()}
}

func (a *AngelOne) Kind() domain.BrokerKind { return domain.BrokerAngelOne }

type angelEnvelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

func (e *angelEnvelope) check(kind domain.BrokerKind) error {
	if e.Status {
		return nil
	}
	code := e.ErrorCode
	if code == "" {
		code = "SMARTAPI_ERROR"
	}
	return domain.NewError(domain.CategoryValidation, code, e.Message, nil).WithBroker(kind)
}

type angelHolding struct {
	TradingSymbol string      `json:"tradingsymbol"`
	Exchange      string      `json:"exchange"`
	ISIN          string      `json:"isin"`
	Product       string      `json:"product"`
	Quantity      json.Number `json:"quantity"`
	AveragePrice  json.Number `json:"averageprice"`
	LTP           json.Number `json:"ltp"`
	PnL           json.Number `json:"profitandloss"`
}

type angelPosition struct {
	TradingSymbol string      `json:"tradingsymbol"`
	Exchange      string      `json:"exchange"`
	ProductType   string      `json:"producttype"`
	NetQty        json.Number `json:"netqty"`
	AvgNetPrice   json.Number `json:"avgnetprice"`
	LTP           json.Number `json:"ltp"`
	PnL           json.Number `json:"pnl"`
}

func (a *AngelOne) FetchPortfolio(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle) (*domain.BrokerPortfolio, error) {
	var env angelEnvelope
	resp, err := get(ctx, a.pool, a.Kind(), "/rest/secure/angelbroking/portfolio/v1/getHolding", tokens, &env)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch holdings: %w", err)
	}
	if err := env.check(a.Kind()); err != nil {
		return nil, err
	}

	var holdings []angelHolding
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &holdings); err != nil {
			return nil, fmt.Errorf("failed to decode holdings: %w", err)
		}
	}

	positions := make([]domain.RawPosition, 0, len(holdings))
	for _, h := range holdings {
		positions = append(positions, domain.RawPosition{
			Symbol:    h.TradingSymbol,
			Exchange:  h.Exchange,
			Quantity:  num(h.Quantity),
			AvgPrice:  num(h.AveragePrice),
			LastPrice: num(h.LTP),
			PnL:       num(h.PnL),
			ISIN:      h.ISIN,
			Product:   h.Product,
		})
	}
	return portfolio(conn, positions, resp), nil
}

func (a *AngelOne) FetchPositions(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle) ([]domain.RawPosition, error) {
	var env angelEnvelope
	if _, err := get(ctx, a.pool, a.Kind(), "/rest/secure/angelbroking/order/v1/getPosition", tokens, &env); err != nil {
		return nil, fmt.Errorf("failed to fetch positions: %w", err)
	}
	if err := env.check(a.Kind()); err != nil {
		return nil, err
	}

	var raw []angelPosition
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &raw); err != nil {
			return nil, fmt.Errorf("failed to decode positions: %w", err)
		}
	}

	positions := make([]domain.RawPosition, 0, len(raw))
	for _, p := range raw {
		positions = append(positions, domain.RawPosition{
			Symbol:    p.TradingSymbol,
			Exchange:  p.Exchange,
			Quantity:  num(p.NetQty),
			AvgPrice:  num(p.AvgNetPrice),
			LastPrice: num(p.LTP),
			PnL:       num(p.PnL),
			Product:   p.ProductType,
		})
	}
	return positions, nil
}

func (a *AngelOne) GetProfile(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle) (*domain.AccountProfile, error) {
	var env angelEnvelope
	if _, err := get(ctx, a.pool, a.Kind(), "/rest/secure/angelbroking/user/v1/getProfile", tokens, &env); err != nil {
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}
	if err := env.check(a.Kind()); err != nil {
		return nil, err
	}

	var data struct {
		ClientCode string `json:"clientcode"`
		Name       string `json:"name"`
		Email      string `json:"email"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	return &domain.AccountProfile{
		AccountID: data.ClientCode,
		Name:      data.Name,
		Email:     data.Email,
		Broker:    string(a.Kind()),
	}, nil
}

func (a *AngelOne) PlaceOrder(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle, req *domain.OrderRequest) (string, error) {
	body := map[string]any{
		"variety":         "NORMAL",
		"tradingsymbol":   req.Symbol,
		"exchange":        req.Exchange,
		"transactiontype": string(req.Side),
		"ordertype":       angelOrderType(req.Type),
		"producttype":     "DELIVERY",
		"duration":        "DAY",
		"quantity":        req.Quantity.String(),
		"price":           req.LimitPrice.String(),
		"triggerprice":    req.TriggerPrice.String(),
	}

	var env angelEnvelope
	_, err := a.pool.Do(ctx, a.Kind(), &httppool.Request{
		Method: http.MethodPost,
		Path:   "/rest/secure/angelbroking/order/v1/placeOrder",
		Body:   body,
		Tokens: tokens,
		Result: &env,
		Class:  domain.CallClassWrite,
	})
	if err != nil {
		return "", fmt.Errorf("failed to place order: %w", err)
	}
	if err := env.check(a.Kind()); err != nil {
		return "", err
	}

	var data struct {
		OrderID string `json:"orderid"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", fmt.Errorf("failed to decode order response: %w", err)
	}
	return data.OrderID, nil
}

func (a *AngelOne) ValidateAccount(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle) error {
	_, err := a.GetProfile(ctx, conn, tokens)
	return err
}

func angelOrderType(t domain.OrderType) string {
	switch t {
	case domain.OrderLimit:
		return "LIMIT"
	case domain.OrderStopLoss:
		return "STOPLOSS_MARKET"
	default:
		return "MARKET"
	}
}
