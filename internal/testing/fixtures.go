package testing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
)

// ActiveConnection returns a connected, recently probed connection that
// passes the manager's routability checks.
func ActiveConnection(id, userID string, broker domain.BrokerKind) *domain.Connection {
	now := time.Now()
	probed := now.Add(-time.Minute)
	return &domain.Connection{
		ID:          id,
		UserID:      userID,
		Broker:      broker,
		Status:      domain.ConnectionConnected,
		LastProbeAt: &probed,
		LastProbeOK: true,
		AccountID:   "ACC-" + id,
		CreatedAt:   now.Add(-24 * time.Hour),
		UpdatedAt:   now,
	}
}

// Tokens returns a token bundle that expires in an hour.
func Tokens(access string) *domain.TokenBundle {
	exp := time.Now().Add(time.Hour)
	return &domain.TokenBundle{
		AccessToken: access,
		ExpiresAt:   &exp,
	}
}

// Portfolio returns a single-broker portfolio fetch result holding the
// given positions.
func Portfolio(connID string, broker domain.BrokerKind, positions ...domain.RawPosition) *domain.BrokerPortfolio {
	return &domain.BrokerPortfolio{
		ConnectionID: connID,
		Broker:       broker,
		Positions:    positions,
		FetchedAt:    time.Now(),
	}
}

// Position returns a long equity position.
func Position(symbol string, qty, avgPrice float64) domain.RawPosition {
	return domain.RawPosition{
		Symbol:   symbol,
		Exchange: "NSE",
		Quantity: qty,
		AvgPrice: avgPrice,
		Side:     "LONG",
	}
}

// MarketOrder returns a valid whole-share market order request.
func MarketOrder(userID, symbol string, qty int64) *domain.OrderRequest {
	return &domain.OrderRequest{
		UserID:   userID,
		Symbol:   symbol,
		Exchange: "NSE",
		Side:     domain.OrderBuy,
		Type:     domain.OrderMarket,
		Quantity: decimal.NewFromInt(qty),
	}
}

// OpenQuote returns a quote with the session open so order validation
// passes.
func OpenQuote(symbol string, price int64) *domain.MarketQuote {
	return &domain.MarketQuote{
		Symbol:       symbol,
		Exchange:     "NSE",
		Price:        decimal.NewFromInt(price),
		MarketStatus: domain.MarketOpen,
		AsOf:         time.Now(),
	}
}
