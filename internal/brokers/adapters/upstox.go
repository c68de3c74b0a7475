package adapters

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/httppool"
)

// Upstox talks to the Upstox v2 REST API. Instruments are addressed by
// "<SEGMENT>|<id>" tokens, so order placement maps exchanges back onto
// segment prefixes.
type Upstox struct {
	pool *httppool.Pool
	log  zerolog.Logger
}

var _ domain.BrokerAdapter = (*Upstox)(nil)

func NewUpstox(pool *httppool.Pool, log zerolog.Logger) *Upstox {
	return &Upstox{pool: pool, log: log.With().Str("adapter", "upstox").Logger()}
}

func (u *Upstox) Kind() domain.BrokerKind { return domain.BrokerUpstox }

var upstoxSegments = map[string]string{
	"NSE": "NSE_EQ",
	"BSE": "BSE_EQ",
	"NFO": "NSE_FO",
	"BFO": "BSE_FO",
	"CDS": "NSE_CD",
	"MCX": "MCX_FO",
}

// UpstoxInstrumentToken builds the "<SEGMENT>|<id>" token Upstox uses to
// address an instrument. Unknown exchanges default to the NSE equity
// segment.
func UpstoxInstrumentToken(exchange, symbol string) string {
	segment, ok := upstoxSegments[exchange]
	if !ok {
		segment = "NSE_EQ"
	}
	return segment + "|" + symbol
}

type upstoxHolding struct {
	TradingSymbol string  `json:"trading_symbol"`
	Exchange      string  `json:"exchange"`
	ISIN          string  `json:"isin"`
	Quantity      float64 `json:"quantity"`
	AveragePrice  float64 `json:"average_price"`
	LastPrice     float64 `json:"last_price"`
	PnL           float64 `json:"pnl"`
	DayChange     float64 `json:"day_change"`
}

type upstoxPosition struct {
	TradingSymbol string  `json:"trading_symbol"`
	Exchange      string  `json:"exchange"`
	Quantity      float64 `json:"quantity"`
	AveragePrice  float64 `json:"average_price"`
	LastPrice     float64 `json:"last_price"`
	PnL           float64 `json:"pnl"`
	Product       string  `json:"product"`
}

func (u *Upstox) FetchPortfolio(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle) (*domain.BrokerPortfolio, error) {
	var out struct {
		Status string          `json:"status"`
		Data   []upstoxHolding `json:"data"`
	}
	resp, err := get(ctx, u.pool, u.Kind(), "/v2/portfolio/long-term-holdings", tokens, &out)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch holdings: %w", err)
	}

	positions := make([]domain.RawPosition, 0, len(out.Data))
	for _, h := range out.Data {
		positions = append(positions, domain.RawPosition{
			Symbol:    h.TradingSymbol,
			Exchange:  h.Exchange,
			Quantity:  h.Quantity,
			AvgPrice:  h.AveragePrice,
			LastPrice: h.LastPrice,
			PnL:       h.PnL,
			DayChange: h.DayChange,
			ISIN:      h.ISIN,
		})
	}
	return portfolio(conn, positions, resp), nil
}

func (u *Upstox) FetchPositions(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle) ([]domain.RawPosition, error) {
	var out struct {
		Status string           `json:"status"`
		Data   []upstoxPosition `json:"data"`
	}
	if _, err := get(ctx, u.pool, u.Kind(), "/v2/portfolio/short-term-positions", tokens, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch positions: %w", err)
	}

	positions := make([]domain.RawPosition, 0, len(out.Data))
	for _, p := range out.Data {
		positions = append(positions, domain.RawPosition{
			Symbol:    p.TradingSymbol,
			Exchange:  p.Exchange,
			Quantity:  p.Quantity,
			AvgPrice:  p.AveragePrice,
			LastPrice: p.LastPrice,
			PnL:       p.PnL,
			Product:   p.Product,
		})
	}
	return positions, nil
}

func (u *Upstox) GetProfile(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle) (*domain.AccountProfile, error) {
	var out struct {
		Status string `json:"status"`
		Data   struct {
			UserID   string `json:"user_id"`
			UserName string `json:"user_name"`
			Email    string `json:"email"`
		} `json:"data"`
	}
	if _, err := get(ctx, u.pool, u.Kind(), "/v2/user/profile", tokens, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}
	return &domain.AccountProfile{
		AccountID: out.Data.UserID,
		Name:      out.Data.UserName,
		Email:     out.Data.Email,
		Broker:    string(u.Kind()),
	}, nil
}

func (u *Upstox) PlaceOrder(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle, req *domain.OrderRequest) (string, error) {
	body := map[string]any{
		"instrument_token": UpstoxInstrumentToken(req.Exchange, req.Symbol),
		"quantity":         req.Quantity.IntPart(),
		"product":          "D",
		"validity":         "DAY",
		"order_type":       upstoxOrderType(req.Type),
		"transaction_type": string(req.Side),
		"price":            req.LimitPrice.InexactFloat64(),
		"trigger_price":    req.TriggerPrice.InexactFloat64(),
		"is_amo":           false,
	}

	var out struct {
		Status string `json:"status"`
		Data   struct {
			OrderID string `json:"order_id"`
		} `json:"data"`
	}
	_, err := u.pool.Do(ctx, u.Kind(), &httppool.Request{
		Method: http.MethodPost,
		Path:   "/v2/order/place",
		Body:   body,
		Tokens: tokens,
		Result: &out,
		Class:  domain.CallClassWrite,
	})
	if err != nil {
		return "", fmt.Errorf("failed to place order: %w", err)
	}
	return out.Data.OrderID, nil
}

func (u *Upstox) ValidateAccount(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle) error {
	_, err := u.GetProfile(ctx, conn, tokens)
	return err
}

func upstoxOrderType(t domain.OrderType) string {
	switch t {
	case domain.OrderLimit:
		return "LIMIT"
	case domain.OrderStopLoss:
		return "SL-M"
	default:
		return "MARKET"
	}
}
