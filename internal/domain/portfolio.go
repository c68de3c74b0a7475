package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BaseCurrency is the reporting currency for consolidated portfolios.
const BaseCurrency = "INR"

// PositionSide is the direction of a normalized position.
type PositionSide string

const (
	SideLong  PositionSide = "LONG"
	SideShort PositionSide = "SHORT"
)

// RawPosition is one holding or position exactly as a broker reported it,
// before any normalization. Numeric fields stay as wire floats; all money
// math happens after conversion to decimals.
type RawPosition struct {
	Symbol    string  `json:"symbol"`
	Exchange  string  `json:"exchange"`
	Quantity  float64 `json:"quantity"`
	AvgPrice  float64 `json:"avg_price"`
	LastPrice float64 `json:"last_price,omitempty"`
	PnL       float64 `json:"pnl,omitempty"`
	DayChange float64 `json:"day_change,omitempty"`
	Side      string  `json:"side,omitempty"`
	ISIN      string  `json:"isin,omitempty"`
	Product   string  `json:"product,omitempty"`
}

// NormalizedPosition is a broker position after symbol, exchange, quantity,
// price and side normalization. Suspect records carry data the normalizer
// could not reconcile and are excluded from aggregation.
type NormalizedPosition struct {
	Symbol       string          `json:"symbol"`
	SourceSymbol string          `json:"source_symbol"`
	Exchange     string          `json:"exchange"`
	Quantity     decimal.Decimal `json:"quantity"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	LastPrice    decimal.Decimal `json:"last_price"`
	PnL          decimal.Decimal `json:"pnl"`
	DayChange    decimal.Decimal `json:"day_change"`
	Side         PositionSide    `json:"side"`
	Broker       BrokerKind      `json:"broker"`
	ConnectionID string          `json:"connection_id"`
	Suspect      bool            `json:"suspect,omitempty"`
	SuspectNote  string          `json:"suspect_note,omitempty"`
	AsOf         time.Time       `json:"as_of"`
}

// BrokerPortfolio is the result of one broker fetch: raw positions plus
// fetch metadata used for freshness and latency accounting.
type BrokerPortfolio struct {
	ConnectionID string        `json:"connection_id"`
	Broker       BrokerKind    `json:"broker"`
	Positions    []RawPosition `json:"positions"`
	FetchedAt    time.Time     `json:"fetched_at"`
	Latency      time.Duration `json:"latency"`
}

// BrokerSlice is one broker's contribution to a consolidated position.
type BrokerSlice struct {
	Broker       BrokerKind      `json:"broker"`
	ConnectionID string          `json:"connection_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	Value        decimal.Decimal `json:"value"`
}

// ConsolidatedPosition is one symbol aggregated across brokers.
type ConsolidatedPosition struct {
	Symbol           string          `json:"symbol"`
	Exchange         string          `json:"exchange"`
	CompanyName      string          `json:"company_name,omitempty"`
	Sector           string          `json:"sector,omitempty"`
	AssetClass       string          `json:"asset_class"`
	TotalQuantity    decimal.Decimal `json:"total_quantity"`
	TotalCost        decimal.Decimal `json:"total_cost"`
	WeightedAvgPrice decimal.Decimal `json:"weighted_avg_price"`
	CurrentPrice     decimal.Decimal `json:"current_price"`
	CurrentValue     decimal.Decimal `json:"current_value"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	PnLPct           decimal.Decimal `json:"pnl_pct"`
	DayChange        decimal.Decimal `json:"day_change"`
	DayChangePct     decimal.Decimal `json:"day_change_pct"`
	Brokers          []BrokerSlice   `json:"brokers"`
}

// BrokerBreakdown is one broker's share of the whole portfolio.
type BrokerBreakdown struct {
	Broker        BrokerKind      `json:"broker"`
	ConnectionID  string          `json:"connection_id"`
	Value         decimal.Decimal `json:"value"`
	AllocationPct decimal.Decimal `json:"allocation_pct"`
	Positions     int             `json:"positions"`
}

// AssetAllocation is the portfolio value grouped by asset class.
type AssetAllocation struct {
	AssetClass string          `json:"asset_class"`
	Value      decimal.Decimal `json:"value"`
	Pct        decimal.Decimal `json:"pct"`
}

// BrokerFetchError reports one broker's failure inside an otherwise
// successful consolidation.
type BrokerFetchError struct {
	Broker       BrokerKind `json:"broker"`
	ConnectionID string     `json:"connection_id"`
	Message      string     `json:"message"`
}

// ConsolidatedPortfolio is the cross-broker view for one user.
type ConsolidatedPortfolio struct {
	UserID          string                 `json:"user_id"`
	BaseCurrency    string                 `json:"base_currency"`
	TotalValue      decimal.Decimal        `json:"total_value"`
	TotalCost       decimal.Decimal        `json:"total_cost"`
	TotalPnL        decimal.Decimal        `json:"total_pnl"`
	PnLPct          decimal.Decimal        `json:"pnl_pct"`
	DayChange       decimal.Decimal        `json:"day_change"`
	DayChangePct    decimal.Decimal        `json:"day_change_pct"`
	Positions       []ConsolidatedPosition `json:"positions"`
	BrokerBreakdown []BrokerBreakdown      `json:"broker_breakdown"`
	AssetAllocation []AssetAllocation      `json:"asset_allocation"`
	Freshness       Freshness              `json:"freshness"`
	Errors          []BrokerFetchError     `json:"errors,omitempty"`
	AsOf            time.Time              `json:"as_of"`
	FromSnapshot    bool                   `json:"from_snapshot,omitempty"`
}

// Freshness grades how old the oldest contributing broker data is.
type Freshness string

const (
	FreshnessRealTime  Freshness = "REAL_TIME"
	FreshnessFresh     Freshness = "FRESH"
	FreshnessStale     Freshness = "STALE"
	FreshnessVeryStale Freshness = "VERY_STALE"
)

// FreshnessOf grades the age of the oldest contributing as-of time.
func FreshnessOf(oldest, now time.Time) Freshness {
	age := now.Sub(oldest)
	switch {
	case age < time.Minute:
		return FreshnessRealTime
	case age < 5*time.Minute:
		return FreshnessFresh
	case age < 30*time.Minute:
		return FreshnessStale
	default:
		return FreshnessVeryStale
	}
}
