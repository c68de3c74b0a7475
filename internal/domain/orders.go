package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType is the supported order style.
type OrderType string

const (
	OrderMarket   OrderType = "MARKET"
	OrderLimit    OrderType = "LIMIT"
	OrderStopLoss OrderType = "STOP_LOSS"
	OrderBracket  OrderType = "BRACKET"
)

// OrderSide is buy or sell.
type OrderSide string

const (
	OrderBuy  OrderSide = "BUY"
	OrderSell OrderSide = "SELL"
)

// OrderStatus is the routing outcome of an order.
type OrderStatus string

const (
	OrderAccepted OrderStatus = "ACCEPTED"
	OrderExecuted OrderStatus = "EXECUTED"
	OrderPending  OrderStatus = "PENDING"
	OrderRejected OrderStatus = "REJECTED"
)

// OrderRequest is an order as the caller submits it, before routing.
type OrderRequest struct {
	UserID       string          `json:"user_id"`
	Symbol       string          `json:"symbol"`
	Exchange     string          `json:"exchange"`
	Side         OrderSide       `json:"side"`
	Type         OrderType       `json:"type"`
	Quantity     decimal.Decimal `json:"quantity"`
	LimitPrice   decimal.Decimal `json:"limit_price,omitempty"`
	TriggerPrice decimal.Decimal `json:"trigger_price,omitempty"`
	TakeProfit   decimal.Decimal `json:"take_profit,omitempty"`
	StopLoss     decimal.Decimal `json:"stop_loss,omitempty"`
}

// ChildOrder is bracket leg metadata persisted with the parent order.
// Children are never routed to a broker; they exist as exit intents.
type ChildOrder struct {
	OrderID      string          `json:"order_id"`
	Kind         string          `json:"kind"` // TAKE_PROFIT or STOP_LOSS
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	Status       OrderStatus     `json:"status"`
}

// OrderResult is the routed outcome returned to the caller and persisted.
type OrderResult struct {
	OrderID       string          `json:"order_id"`
	ParentOrderID string          `json:"parent_order_id,omitempty"`
	UserID        string          `json:"user_id"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
	Broker        BrokerKind      `json:"broker"`
	ConnectionID  string          `json:"connection_id"`
	Symbol        string          `json:"symbol"`
	Exchange      string          `json:"exchange"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Status        OrderStatus     `json:"status"`
	FillPrice     decimal.Decimal `json:"fill_price,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Children      []ChildOrder    `json:"children,omitempty"`
	PlacedAt      time.Time       `json:"placed_at"`
}
