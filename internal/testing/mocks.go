package testing

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
)

// StubAdapter is a configurable in-memory broker adapter. Zero value
// fields return empty results; set Err to force every call to fail.
type StubAdapter struct {
	Broker    domain.BrokerKind
	Holdings  *domain.BrokerPortfolio
	Intraday  []domain.RawPosition
	Profile   *domain.AccountProfile
	OrderID   string
	Err       error
	Placed    []*domain.OrderRequest
	Validated int
}

var _ domain.BrokerAdapter = (*StubAdapter)(nil)

func (a *StubAdapter) Kind() domain.BrokerKind { return a.Broker }

func (a *StubAdapter) FetchPortfolio(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle) (*domain.BrokerPortfolio, error) {
	if a.Err != nil {
		return nil, a.Err
	}
	if a.Holdings != nil {
		return a.Holdings, nil
	}
	return Portfolio(conn.ID, a.Broker), nil
}

func (a *StubAdapter) FetchPositions(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle) ([]domain.RawPosition, error) {
	if a.Err != nil {
		return nil, a.Err
	}
	return a.Intraday, nil
}

func (a *StubAdapter) GetProfile(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle) (*domain.AccountProfile, error) {
	if a.Err != nil {
		return nil, a.Err
	}
	if a.Profile != nil {
		return a.Profile, nil
	}
	return &domain.AccountProfile{AccountID: conn.AccountID}, nil
}

func (a *StubAdapter) PlaceOrder(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle, req *domain.OrderRequest) (string, error) {
	if a.Err != nil {
		return "", a.Err
	}
	a.Placed = append(a.Placed, req)
	if a.OrderID != "" {
		return a.OrderID, nil
	}
	return "BRK-1", nil
}

func (a *StubAdapter) ValidateAccount(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle) error {
	a.Validated++
	return a.Err
}

// StubOracle serves a fixed open-market quote for every symbol.
type StubOracle struct {
	Price decimal.Decimal
	Err   error
}

var _ domain.PriceOracle = (*StubOracle)(nil)

func (o *StubOracle) CurrentPrice(ctx context.Context, symbol, exchange string) (decimal.Decimal, error) {
	if o.Err != nil {
		return decimal.Zero, o.Err
	}
	return o.Price, nil
}

func (o *StubOracle) MarketPrice(ctx context.Context, symbol, exchange string) (*domain.MarketQuote, error) {
	if o.Err != nil {
		return nil, o.Err
	}
	q := OpenQuote(symbol, 0)
	q.Exchange = exchange
	q.Price = o.Price
	return q, nil
}

func (o *StubOracle) BatchPrices(ctx context.Context, symbols []string, exchange string) (map[string]decimal.Decimal, error) {
	if o.Err != nil {
		return nil, o.Err
	}
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, symbol := range symbols {
		out[symbol] = o.Price
	}
	return out, nil
}
