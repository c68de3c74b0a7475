// Package snapshots persists consolidated portfolios in the history
// database so the gateway can serve a last-known-good view when every
// broker is unreachable.
package snapshots

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
)

// minInterval bounds history growth: at most one stored row per user
// per interval, since consolidations can run on every cache miss.
const minInterval = 5 * time.Minute

// Snapshot is the metadata row for one stored portfolio.
type Snapshot struct {
	ID            int64           `json:"id"`
	UserID        string          `json:"user_id"`
	TakenAt       time.Time       `json:"taken_at"`
	BrokerCount   int             `json:"broker_count"`
	PositionCount int             `json:"position_count"`
	TotalValue    decimal.Decimal `json:"total_value"`
}

// Store reads and writes portfolio snapshots.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewStore(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With().Str("component", "snapshot_store").Logger(),
	}
}

// Save stores a consolidation. Writes inside minInterval of the user's
// latest snapshot are skipped.
func (s *Store) Save(ctx context.Context, p *domain.ConsolidatedPortfolio) error {
	takenAt := p.AsOf
	if takenAt.IsZero() {
		takenAt = time.Now()
	}

	var latest sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(taken_at) FROM portfolio_snapshots WHERE user_id = ?`,
		p.UserID).Scan(&latest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check latest snapshot: %w", err)
	}
	if latest.Valid && takenAt.Sub(time.Unix(latest.Int64, 0)) < minInterval {
		return nil
	}

	blob, err := msgpack.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO portfolio_snapshots
			(user_id, taken_at, broker_count, position_count, total_value, data)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.UserID, takenAt.Unix(), len(p.BrokerBreakdown), len(p.Positions),
		p.TotalValue.String(), blob)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}

	s.log.Debug().
		Str("user_id", p.UserID).
		Int("positions", len(p.Positions)).
		Str("total_value", p.TotalValue.String()).
		Msg("portfolio snapshot stored")
	return nil
}

// LastGood returns the user's most recent snapshot, or nil when none exists.
func (s *Store) LastGood(ctx context.Context, userID string) (*domain.ConsolidatedPortfolio, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM portfolio_snapshots
		WHERE user_id = ? ORDER BY taken_at DESC LIMIT 1`,
		userID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last snapshot: %w", err)
	}
	return decode(blob)
}

// Find loads one snapshot by id, scoped to the user.
func (s *Store) Find(ctx context.Context, userID string, id int64) (*domain.ConsolidatedPortfolio, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM portfolio_snapshots WHERE id = ? AND user_id = ?`,
		id, userID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewError(domain.CategoryNotFound, "SNAPSHOT_NOT_FOUND",
			fmt.Sprintf("snapshot %d not found", id), sql.ErrNoRows)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %d: %w", id, err)
	}
	return decode(blob)
}

// List returns snapshot metadata for the user, newest first.
func (s *Store) List(ctx context.Context, userID string, limit int) ([]Snapshot, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, taken_at, broker_count, position_count, total_value
		FROM portfolio_snapshots
		WHERE user_id = ? ORDER BY taken_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			snap    Snapshot
			takenAt int64
			value   string
		)
		if err := rows.Scan(&snap.ID, &snap.UserID, &takenAt,
			&snap.BrokerCount, &snap.PositionCount, &value); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap.TakenAt = time.Unix(takenAt, 0).UTC()
		snap.TotalValue, err = decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("failed to parse snapshot value: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read snapshots: %w", err)
	}
	return out, nil
}

// Prune deletes snapshots taken before the cutoff and reports the count.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM portfolio_snapshots WHERE taken_at < ?`, olderThan.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Info().Int64("deleted", n).Time("older_than", olderThan).Msg("pruned portfolio snapshots")
	}
	return n, nil
}

func decode(blob []byte) (*domain.ConsolidatedPortfolio, error) {
	var p domain.ConsolidatedPortfolio
	if err := msgpack.Unmarshal(blob, &p); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &p, nil
}
