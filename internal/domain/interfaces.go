package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ConnectionStore persists broker connections. Implementations must be
// safe for concurrent use. Disconnected rows are kept for audit with the
// encrypted blob blanked; the row itself is never deleted.
// This interface is defined here (rather than in the connections package)
// to avoid circular dependencies between connections, oauth and portfolio.
type ConnectionStore interface {
	Insert(ctx context.Context, conn *Connection) error
	Update(ctx context.Context, conn *Connection) error
	FindByID(ctx context.Context, id string) (*Connection, error)
	FindByUser(ctx context.Context, userID string) ([]*Connection, error)
	FindByUserAndBroker(ctx context.Context, userID string, broker BrokerKind) (*Connection, error)
	FindByStatus(ctx context.Context, status ConnectionStatus) ([]*Connection, error)
}

// MarketStatus is the trading session state for an exchange.
type MarketStatus string

const (
	MarketOpen    MarketStatus = "OPEN"
	MarketClosed  MarketStatus = "CLOSED"
	MarketPreOpen MarketStatus = "PRE_OPEN"
)

// MarketQuote is a priced quote plus the session and circuit context the
// order router validates against.
type MarketQuote struct {
	Symbol          string          `json:"symbol"`
	Exchange        string          `json:"exchange"`
	Price           decimal.Decimal `json:"price"`
	MarketStatus    MarketStatus    `json:"market_status"`
	CircuitLimitHit bool            `json:"circuit_limit_hit"`
	AsOf            time.Time       `json:"as_of"`
}

// PriceOracle supplies current prices for aggregation and routing.
// A missing price is not an error during aggregation; the aggregator
// falls back to the weighted average cost.
type PriceOracle interface {
	CurrentPrice(ctx context.Context, symbol, exchange string) (decimal.Decimal, error)
	MarketPrice(ctx context.Context, symbol, exchange string) (*MarketQuote, error)
	BatchPrices(ctx context.Context, symbols []string, exchange string) (map[string]decimal.Decimal, error)
}

// FxOracle converts between currencies. Unknown pairs convert at identity.
type FxOracle interface {
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// AssetCatalog answers reference-data lookups during normalization and
// aggregation. Lookups are cheap cache or table hits, so no context.
type AssetCatalog interface {
	CompanyName(symbol string) string
	Sector(symbol string) string
	AssetClass(symbol string) string
	MarketCap(symbol string) string
	LotSize(symbol, exchange string) int
	SymbolForISIN(isin string) (string, bool)
	IsDerivative(symbol, exchange string) bool
	IsETF(symbol string) bool
}

// BrokerAdapter defines one broker's data-plane operations. Tokens are
// passed per call and never retained by the adapter. Every remote call
// flows breaker -> rate limiter -> pooled client, in that order.
type BrokerAdapter interface {
	Kind() BrokerKind
	FetchPortfolio(ctx context.Context, conn *Connection, tokens *TokenBundle) (*BrokerPortfolio, error)
	FetchPositions(ctx context.Context, conn *Connection, tokens *TokenBundle) ([]RawPosition, error)
	GetProfile(ctx context.Context, conn *Connection, tokens *TokenBundle) (*AccountProfile, error)
	PlaceOrder(ctx context.Context, conn *Connection, tokens *TokenBundle, req *OrderRequest) (string, error)
	ValidateAccount(ctx context.Context, conn *Connection, tokens *TokenBundle) error
}

// OrderStore persists routed orders and bracket children.
type OrderStore interface {
	Insert(ctx context.Context, order *OrderResult) error
	FindByID(ctx context.Context, orderID string) (*OrderResult, error)
	FindByUser(ctx context.Context, userID string, limit int) ([]*OrderResult, error)
	FindChildren(ctx context.Context, parentOrderID string) ([]*OrderResult, error)
}
