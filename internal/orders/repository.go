// Package orders routes order requests to the best eligible broker and
// persists every routed order, including bracket exit legs, in the ledger.
package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/database"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
)

// Repository persists orders in the ledger database. Bracket children are
// stored as their own rows linked through parent_order_id.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

var _ domain.OrderStore = (*Repository)(nil)

func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("component", "order_repo").Logger(),
	}
}

const orderColumns = `
	order_id, parent_order_id, user_id, broker_order_id, broker,
	connection_id, symbol, exchange, side, order_type, quantity, status,
	fill_price, reason, child_kind, trigger_price, placed_at`

// Insert stores the order and its bracket children in one transaction.
// Children inherit the parent's instrument with the opposite side; they
// are exit intents and are never routed to a broker.
func (r *Repository) Insert(ctx context.Context, order *domain.OrderResult) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if err := insertRow(ctx, tx, order, "", "", decimal.Zero); err != nil {
			return err
		}
		for _, child := range order.Children {
			childRow := &domain.OrderResult{
				OrderID:       child.OrderID,
				ParentOrderID: order.OrderID,
				UserID:        order.UserID,
				Broker:        order.Broker,
				ConnectionID:  order.ConnectionID,
				Symbol:        order.Symbol,
				Exchange:      order.Exchange,
				Side:          opposite(order.Side),
				Type:          domain.OrderMarket,
				Quantity:      order.Quantity,
				Status:        child.Status,
				PlacedAt:      order.PlacedAt,
			}
			if err := insertRow(ctx, tx, childRow, order.OrderID, child.Kind, child.TriggerPrice); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertRow(ctx context.Context, tx *sql.Tx, o *domain.OrderResult, parentID, childKind string, trigger decimal.Decimal) error {
	fillPrice := ""
	if !o.FillPrice.IsZero() {
		fillPrice = o.FillPrice.String()
	}
	triggerPrice := ""
	if !trigger.IsZero() {
		triggerPrice = trigger.String()
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OrderID, parentID, o.UserID, o.BrokerOrderID, string(o.Broker),
		o.ConnectionID, o.Symbol, o.Exchange, string(o.Side), string(o.Type),
		o.Quantity.String(), string(o.Status), fillPrice, o.Reason,
		childKind, triggerPrice, o.PlacedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert order %s: %w", o.OrderID, err)
	}
	return nil
}

// FindByID loads one order. Parent orders come back with their bracket
// children rehydrated.
func (r *Repository) FindByID(ctx context.Context, orderID string) (*domain.OrderResult, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_id = ?`, orderID)
	order, _, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewError(domain.CategoryNotFound, "ORDER_NOT_FOUND",
			fmt.Sprintf("order %s not found", orderID), sql.ErrNoRows)
	}
	if err != nil {
		return nil, err
	}

	order.Children, err = r.childrenOf(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return order, nil
}

// childrenOf loads the bracket leg metadata stored under a parent.
func (r *Repository) childrenOf(ctx context.Context, parentOrderID string) ([]domain.ChildOrder, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE parent_order_id = ? ORDER BY child_kind`,
		parentOrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query child orders: %w", err)
	}
	defer rows.Close()

	var out []domain.ChildOrder
	for rows.Next() {
		_, child, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan child order: %w", err)
		}
		if child != nil {
			out = append(out, *child)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read child orders: %w", err)
	}
	return out, nil
}

// FindByUser lists the user's top-level orders, newest first. Bracket
// children are excluded; FindByID rehydrates them.
func (r *Repository) FindByUser(ctx context.Context, userID string, limit int) ([]*domain.OrderResult, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE user_id = ? AND parent_order_id = ''
		ORDER BY placed_at DESC, order_id LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// FindChildren lists the bracket legs stored under a parent order.
func (r *Repository) FindChildren(ctx context.Context, parentOrderID string) ([]*domain.OrderResult, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE parent_order_id = ? ORDER BY child_kind`,
		parentOrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query child orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

type orderScanner interface {
	Scan(dest ...interface{}) error
}

// scanOrder returns the order plus its stored child metadata (kind and
// trigger), which only child rows carry.
func scanOrder(row orderScanner) (*domain.OrderResult, *domain.ChildOrder, error) {
	var (
		o            domain.OrderResult
		broker       string
		side         string
		orderType    string
		status       string
		quantity     string
		fillPrice    string
		childKind    string
		triggerPrice string
		placedAt     int64
	)
	err := row.Scan(&o.OrderID, &o.ParentOrderID, &o.UserID, &o.BrokerOrderID,
		&broker, &o.ConnectionID, &o.Symbol, &o.Exchange, &side, &orderType,
		&quantity, &status, &fillPrice, &o.Reason, &childKind, &triggerPrice,
		&placedAt)
	if err != nil {
		return nil, nil, err
	}

	o.Broker = domain.BrokerKind(broker)
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(orderType)
	o.Status = domain.OrderStatus(status)
	o.PlacedAt = time.Unix(placedAt, 0).UTC()

	if o.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return nil, nil, fmt.Errorf("failed to parse order quantity: %w", err)
	}
	if fillPrice != "" {
		if o.FillPrice, err = decimal.NewFromString(fillPrice); err != nil {
			return nil, nil, fmt.Errorf("failed to parse fill price: %w", err)
		}
	}

	var child *domain.ChildOrder
	if childKind != "" {
		child = &domain.ChildOrder{OrderID: o.OrderID, Kind: childKind, Status: o.Status}
		if triggerPrice != "" {
			if child.TriggerPrice, err = decimal.NewFromString(triggerPrice); err != nil {
				return nil, nil, fmt.Errorf("failed to parse trigger price: %w", err)
			}
		}
	}
	return &o, child, nil
}

func scanOrders(rows *sql.Rows) ([]*domain.OrderResult, error) {
	var out []*domain.OrderResult
	for rows.Next() {
		order, _, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read orders: %w", err)
	}
	return out, nil
}

func opposite(side domain.OrderSide) domain.OrderSide {
	if side == domain.OrderBuy {
		return domain.OrderSell
	}
	return domain.OrderBuy
}
