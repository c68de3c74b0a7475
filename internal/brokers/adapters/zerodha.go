package adapters

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/httppool"
)

// Zerodha talks to the Kite Connect v3 API.
type Zerodha struct {
	pool *httppool.Pool
	log  zerolog.Logger
}

var _ domain.BrokerAdapter = (*Zerodha)(nil)

func NewZerodha(pool *httppool.Pool, log zerolog.Logger) *Zerodha {
	return &Zerodha{pool: pool, log: log.With().Str("adapter", "zerodha").Logger()}
}

func (z *Zerodha) Kind() domain.BrokerKind { return domain.BrokerZerodha }

type kiteHolding struct {
	TradingSymbol string  `json:"tradingsymbol"`
	Exchange      string  `json:"exchange"`
	ISIN          string  `json:"isin"`
	Product       string  `json:"product"`
	Quantity      float64 `json:"quantity"`
	T1Quantity    float64 `json:"t1_quantity"`
	AveragePrice  float64 `json:"average_price"`
	LastPrice     float64 `json:"last_price"`
	PnL           float64 `json:"pnl"`
	DayChange     float64 `json:"day_change"`
}

type kitePosition struct {
	TradingSymbol string  `json:"tradingsymbol"`
	Exchange      string  `json:"exchange"`
	Product       string  `json:"product"`
	Quantity      float64 `json:"quantity"`
	AveragePrice  float64 `json:"average_price"`
	LastPrice     float64 `json:"last_price"`
	PnL           float64 `json:"pnl"`
}

func (z *Zerodha) FetchPortfolio(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle) (*domain.BrokerPortfolio, error) {
	var out struct {
		Data []kiteHolding `json:"data"`
	}
	resp, err := get(ctx, z.pool, z.Kind(), "/portfolio/holdings", tokens, &out)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch holdings: %w", err)
	}

	positions := make([]domain.RawPosition, 0, len(out.Data))
	for _, h := range out.Data {
		positions = append(positions, domain.RawPosition{
			Symbol:    h.TradingSymbol,
			Exchange:  h.Exchange,
			Quantity:  h.Quantity + h.T1Quantity,
			AvgPrice:  h.AveragePrice,
			LastPrice: h.LastPrice,
			PnL:       h.PnL,
			DayChange: h.DayChange,
			ISIN:      h.ISIN,
			Product:   h.Product,
		})
	}
	return portfolio(conn, positions, resp), nil
}

func (z *Zerodha) FetchPositions(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle) ([]domain.RawPosition, error) {
	var out struct {
		Data struct {
			Net []kitePosition `json:"net"`
		} `json:"data"`
	}
	if _, err := get(ctx, z.pool, z.Kind(), "/portfolio/positions", tokens, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch positions: %w", err)
	}

	positions := make([]domain.RawPosition, 0, len(out.Data.Net))
	for _, p := range out.Data.Net {
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

func (z *Zerodha) GetProfile(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle) (*domain.AccountProfile, error) {
	var out struct {
		Data struct {
			UserID   string `json:"user_id"`
			UserName string `json:"user_name"`
			Email    string `json:"email"`
		} `json:"data"`
	}
	if _, err := get(ctx, z.pool, z.Kind(), "/user/profile", tokens, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}
	return &domain.AccountProfile{
		AccountID: out.Data.UserID,
		Name:      out.Data.UserName,
		Email:     out.Data.Email,
		Broker:    string(z.Kind()),
	}, nil
}

func (z *Zerodha) PlaceOrder(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle, req *domain.OrderRequest) (string, error) {
	form := map[string]string{
		"tradingsymbol":    req.Symbol,
		"exchange":         req.Exchange,
		"transaction_type": string(req.Side),
		"order_type":       kiteOrderType(req.Type),
		"quantity":         req.Quantity.String(),
		"product":          "CNC",
		"validity":         "DAY",
	}
	if req.Type == domain.OrderLimit {
		form["price"] = req.LimitPrice.String()
	}
	if req.Type == domain.OrderStopLoss {
		form["trigger_price"] = req.TriggerPrice.String()
	}

	var out struct {
		Data struct {
			OrderID string `json:"order_id"`
		} `json:"data"`
	}
	_, err := z.pool.Do(ctx, z.Kind(), &httppool.Request{
		Method:   http.MethodPost,
		Path:     "/orders/regular",
		FormData: form,
		Tokens:   tokens,
		Result:   &out,
		Class:    domain.CallClassWrite,
	})
	if err != nil {
		return "", fmt.Errorf("failed to place order: %w", err)
	}
	return out.Data.OrderID, nil
}

func (z *Zerodha) ValidateAccount(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle) error {
	_, err := z.GetProfile(ctx, conn, tokens)
	return err
}

func kiteOrderType(t domain.OrderType) string {
	switch t {
	case domain.OrderLimit:
		return "LIMIT"
	case domain.OrderStopLoss:
		return "SL-M"
	default:
		// Bracket parents execute as market orders; exits are managed
		// gateway-side.
		return "MARKET"
	}
}
