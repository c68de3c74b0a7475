package adapters

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/httppool"
)

// IIFL talks to the XTS interactive API. The integration is read-only:
// holdings, positions and profile. Order placement is not offered on
// this channel.
type IIFL struct {
	pool *httppool.Pool
	log  zerolog.Logger
}

var _ domain.BrokerAdapter = (*IIFL)(nil)

func NewIIFL(pool *httppool.Pool, log zerolog.Logger) *IIFL {
	return &IIFL{pool: pool, log: log.With().Str("adapter", "iifl").Logger()}
}

func (i *IIFL) Kind() domain.BrokerKind { return domain.BrokerIIFL }

var xtsSegments = map[string]string{
	"NSECM": "NSE",
	"NSEFO": "NFO",
	"NSECD": "CDS",
	"BSECM": "BSE",
	"BSEFO": "BFO",
	"MCXFO": "MCX",
}

type xtsEnvelope struct {
	Type        string          `json:"type"`
	Code        string          `json:"code"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

func (e *xtsEnvelope) check(kind domain.BrokerKind) error {
	if e.Type == "success" || e.Type == "" {
		return nil
	}
	code := e.Code
	if code == "" {
		code = "XTS_ERROR"
	}
	return domain.NewError(domain.CategoryValidation, code, e.Description, nil).WithBroker(kind)
}

type xtsHolding struct {
	TradingSymbol   string      `json:"tradingSymbol"`
	ExchangeSegment string      `json:"exchangeSegment"`
	ISIN            string      `json:"isin"`
	Quantity        json.Number `json:"holdingQuantity"`
	BuyAvgPrice     json.Number `json:"buyAvgPrice"`
	LTP             json.Number `json:"ltp"`
}

type xtsPosition struct {
	TradingSymbol   string      `json:"TradingSymbol"`
	ExchangeSegment string      `json:"ExchangeSegment"`
	ProductType     string      `json:"ProductType"`
	Quantity        json.Number `json:"Quantity"`
	BuyAveragePrice json.Number `json:"BuyAveragePrice"`
	LTP             json.Number `json:"LTP"`
	UnrealizedMTM   json.Number `json:"UnrealizedMTM"`
}

func (i *IIFL) FetchPortfolio(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle) (*domain.BrokerPortfolio, error) {
	var env xtsEnvelope
	resp, err := get(ctx, i.pool, i.Kind(), "/interactive/portfolio/holdings", tokens, &env)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch holdings: %w", err)
	}
	if err := env.check(i.Kind()); err != nil {
		return nil, err
	}

	var holdings []xtsHolding
	if len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, &holdings); err != nil {
			return nil, fmt.Errorf("failed to decode holdings: %w", err)
		}
	}

	positions := make([]domain.RawPosition, 0, len(holdings))
	for _, h := range holdings {
		positions = append(positions, domain.RawPosition{
			Symbol:    h.TradingSymbol,
			Exchange:  xtsExchange(h.ExchangeSegment),
			Quantity:  num(h.Quantity),
			AvgPrice:  num(h.BuyAvgPrice),
			LastPrice: num(h.LTP),
			ISIN:      h.ISIN,
		})
	}
	return portfolio(conn, positions, resp), nil
}

func (i *IIFL) FetchPositions(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle) ([]domain.RawPosition, error) {
	var env xtsEnvelope
	if _, err := get(ctx, i.pool, i.Kind(), "/interactive/portfolio/positions", tokens, &env); err != nil {
		return nil, fmt.Errorf("failed to fetch positions: %w", err)
	}
	if err := env.check(i.Kind()); err != nil {
		return nil, err
	}

	var result struct {
		PositionList []xtsPosition `json:"positionList"`
	}
	if len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, &result); err != nil {
			return nil, fmt.Errorf("failed to decode positions: %w", err)
		}
	}

	positions := make([]domain.RawPosition, 0, len(result.PositionList))
	for _, p := range result.PositionList {
		positions = append(positions, domain.RawPosition{
			Symbol:    p.TradingSymbol,
			Exchange:  xtsExchange(p.ExchangeSegment),
			Quantity:  num(p.Quantity),
			AvgPrice:  num(p.BuyAveragePrice),
			LastPrice: num(p.LTP),
			PnL:       num(p.UnrealizedMTM),
			Product:   p.ProductType,
		})
	}
	return positions, nil
}

func (i *IIFL) GetProfile(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle) (*domain.AccountProfile, error) {
	var env xtsEnvelope
	if _, err := get(ctx, i.pool, i.Kind(), "/interactive/user/profile", tokens, &env); err != nil {
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}
	if err := env.check(i.Kind()); err != nil {
		return nil, err
	}

	var data struct {
		ClientID   string `json:"ClientId"`
		ClientName string `json:"ClientName"`
		Email      string `json:"EmailId"`
	}
	if err := json.Unmarshal(env.Result, &data); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	return &domain.AccountProfile{
		AccountID: data.ClientID,
		Name:      data.ClientName,
		Email:     data.Email,
		Broker:    string(i.Kind()),
	}, nil
}

func (i *IIFL) PlaceOrder(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle, req *domain.OrderRequest) (string, error) {
	return "", domain.NewError(domain.CategoryUnsupported, "ORDERS_NOT_SUPPORTED",
		"order placement is not available on this integration", domain.ErrBrokerNotImplemented).WithBroker(i.Kind())
}

func (i *IIFL) ValidateAccount(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle) error {
	_, err := i.GetProfile(ctx, conn, tokens)
	return err
}

func xtsExchange(segment string) string {
	if mapped, ok := xtsSegments[segment]; ok {
		return mapped
	}
	return segment
}
