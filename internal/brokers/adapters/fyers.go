package adapters

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/httppool"
)

// Fyers talks to the Fyers v2 REST API. Symbols arrive as
// "<EXCHANGE>:<SYMBOL>-<SERIES>" strings and exchanges as numeric codes.
type Fyers struct {
	pool *httppool.Pool
	log  zerolog.Logger
}

var _ domain.BrokerAdapter = (*Fyers)(nil)

func NewFyers(pool *httppool.Pool, log zerolog.Logger) *Fyers {
	return &Fyers{pool: pool, log: log.With().Str("adapter", "fyers").Logger()}
}

func (f *Fyers) Kind() domain.BrokerKind { return domain.BrokerFyers }

var fyersExchanges = map[int]string{
	10: "NSE",
	11: "MCX",
	12: "BSE",
}

type fyersStatus struct {
	S       string `json:"s"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *fyersStatus) check(kind domain.BrokerKind) error {
	if s.S == "ok" || s.S == "" {
		return nil
	}
	return domain.NewError(domain.CategoryValidation, fmt.Sprintf("FYERS_%d", s.Code), s.Message, nil).WithBroker(kind)
}

type fyersHolding struct {
	Symbol    string  `json:"symbol"`
	Exchange  int     `json:"exchange"`
	ISIN      string  `json:"isin"`
	Quantity  float64 `json:"quantity"`
	CostPrice float64 `json:"costPrice"`
	LTP       float64 `json:"ltp"`
	PnL       float64 `json:"pl"`
}

type fyersPosition struct {
	Symbol   string  `json:"symbol"`
	Exchange int     `json:"exchange"`
	NetQty   float64 `json:"netQty"`
	AvgPrice float64 `json:"avgPrice"`
	LTP      float64 `json:"ltp"`
	PnL      float64 `json:"pl"`
	Side     int     `json:"side"`
}

func (f *Fyers) FetchPortfolio(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle) (*domain.BrokerPortfolio, error) {
	var out struct {
		fyersStatus
		Holdings []fyersHolding `json:"holdings"`
	}
	resp, err := get(ctx, f.pool, f.Kind(), "/api/v2/holdings", tokens, &out)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch holdings: %w", err)
	}
	if err := out.check(f.Kind()); err != nil {
		return nil, err
	}

	positions := make([]domain.RawPosition, 0, len(out.Holdings))
	for _, h := range out.Holdings {
		positions = append(positions, domain.RawPosition{
			Symbol:    h.Symbol,
			Exchange:  fyersExchanges[h.Exchange],
			Quantity:  h.Quantity,
			AvgPrice:  h.CostPrice,
			LastPrice: h.LTP,
			PnL:       h.PnL,
			ISIN:      h.ISIN,
		})
	}
	return portfolio(conn, positions, resp), nil
}

func (f *Fyers) FetchPositions(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle) ([]domain.RawPosition, error) {
	var out struct {
		fyersStatus
		NetPositions []fyersPosition `json:"netPositions"`
	}
	if _, err := get(ctx, f.pool, f.Kind(), "/api/v2/positions", tokens, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch positions: %w", err)
	}
	if err := out.check(f.Kind()); err != nil {
		return nil, err
	}

	positions := make([]domain.RawPosition, 0, len(out.NetPositions))
	for _, p := range out.NetPositions {
		side := ""
		if p.Side < 0 {
			side = "SELL"
		}
		positions = append(positions, domain.RawPosition{
			Symbol:    p.Symbol,
			Exchange:  fyersExchanges[p.Exchange],
			Quantity:  p.NetQty,
			AvgPrice:  p.AvgPrice,
			LastPrice: p.LTP,
			PnL:       p.PnL,
			Side:      side,
		})
	}
	return positions, nil
}

func (f *Fyers) GetProfile(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle) (*domain.AccountProfile, error) {
	var out struct {
		fyersStatus
		Data struct {
			FyID  string `json:"fy_id"`
			Name  string `json:"name"`
			Email string `json:"email_id"`
		} `json:"data"`
	}
	if _, err := get(ctx, f.pool, f.Kind(), "/api/v2/profile", tokens, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}
	if err := out.check(f.Kind()); err != nil {
		return nil, err
	}
	return &domain.AccountProfile{
		AccountID: out.Data.FyID,
		Name:      out.Data.Name,
		Email:     out.Data.Email,
		Broker:    string(f.Kind()),
	}, nil
}

func (f *Fyers) PlaceOrder(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle, req *domain.OrderRequest) (string, error) {
	side := 1
	if req.Side == domain.OrderSell {
		side = -1
	}
	body := map[string]any{
		"symbol":       fyersSymbol(req.Exchange, req.Symbol),
		"qty":          req.Quantity.IntPart(),
		"type":         fyersOrderType(req.Type),
		"side":         side,
		"productType":  "CNC",
		"limitPrice":   req.LimitPrice.InexactFloat64(),
		"stopPrice":    req.TriggerPrice.InexactFloat64(),
		"validity":     "DAY",
		"offlineOrder": false,
	}

	var out struct {
		fyersStatus
		ID string `json:"id"`
	}
	_, err := f.pool.Do(ctx, f.Kind(), &httppool.Request{
		Method: http.MethodPost,
		Path:   "/api/v2/orders",
		Body:   body,
		Tokens: tokens,
		Result: &out,
		Class:  domain.CallClassWrite,
	})
	if err != nil {
		return "", fmt.Errorf("failed to place order: %w", err)
	}
	if err := out.check(f.Kind()); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (f *Fyers) ValidateAccount(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle) error {
	_, err := f.GetProfile(ctx, conn, tokens)
	return err
}

func fyersSymbol(exchange, symbol string) string {
	if exchange == "" {
		exchange = "NSE"
	}
	return exchange + ":" + symbol + "-EQ"
}

// Fyers order type codes: 1 limit, 2 market, 3 stop (SL-M).
func fyersOrderType(t domain.OrderType) int {
	switch t {
	case domain.OrderLimit:
		return 1
	case domain.OrderStopLoss:
		return 3
	default:
		return 2
	}
}
