// Package connections owns the broker connection lifecycle: the sqlite
// ledger, the manager that connects, probes, refreshes and disconnects,
// and the scheduled probe sweep.
package connections

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
)

// Repository persists connections in the ledger database. Rows are never
// deleted; disconnection blanks the encrypted blob and flips the status,
// keeping the audit trail intact.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

var _ domain.ConnectionStore = (*Repository)(nil)

// NewRepository creates a connection repository over the ledger database.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("component", "connection_repo").Logger(),
	}
}

const connectionColumns = `
	id, user_id, broker, status, encrypted_tokens, token_expiry,
	last_probe_at, last_probe_ok, last_error, account_id, account_name,
	created_at, updated_at`

// Insert stores a new connection. A second live connection for the same
// (user, broker) violates the partial unique index and surfaces as
// ErrDuplicateConnection.
func (r *Repository) Insert(ctx context.Context, conn *domain.Connection) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO connections (`+connectionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conn.ID, conn.UserID, string(conn.Broker), string(conn.Status),
		conn.EncryptedTokens, unixPtr(conn.TokenExpiry), unixPtr(conn.LastProbeAt),
		boolInt(conn.LastProbeOK), conn.LastError, conn.AccountID, conn.AccountName,
		conn.CreatedAt.Unix(), conn.UpdatedAt.Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s/%s", domain.ErrDuplicateConnection, conn.UserID, conn.Broker)
		}
		return fmt.Errorf("failed to insert connection: %w", err)
	}
	return nil
}

// Update rewrites every mutable column of the connection row.
func (r *Repository) Update(ctx context.Context, conn *domain.Connection) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE connections SET
			status = ?, encrypted_tokens = ?, token_expiry = ?,
			last_probe_at = ?, last_probe_ok = ?, last_error = ?,
			account_id = ?, account_name = ?, updated_at = ?
		WHERE id = ?`,
		string(conn.Status), conn.EncryptedTokens, unixPtr(conn.TokenExpiry),
		unixPtr(conn.LastProbeAt), boolInt(conn.LastProbeOK), conn.LastError,
		conn.AccountID, conn.AccountName, conn.UpdatedAt.Unix(), conn.ID)
	if err != nil {
		return fmt.Errorf("failed to update connection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrConnectionNotFound, conn.ID)
	}
	return nil
}

// FindByID loads one connection.
func (r *Repository) FindByID(ctx context.Context, id string) (*domain.Connection, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id)
	conn, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrConnectionNotFound, id)
	}
	return conn, err
}

// FindByUser returns all of the user's connections, oldest first,
// including disconnected rows.
func (r *Repository) FindByUser(ctx context.Context, userID string) ([]*domain.Connection, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+connectionColumns+` FROM connections
		WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()
	return scanConnections(rows)
}

// FindByUserAndBroker returns the user's live connection for one broker.
func (r *Repository) FindByUserAndBroker(ctx context.Context, userID string, broker domain.BrokerKind) (*domain.Connection, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+connectionColumns+` FROM connections
		WHERE user_id = ? AND broker = ? AND status != ?`,
		userID, string(broker), string(domain.ConnectionDisconnected))
	conn, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrConnectionNotFound, userID, broker)
	}
	return conn, err
}

// FindByStatus returns every connection in the given status across users.
// The probe sweep uses this to find work.
func (r *Repository) FindByStatus(ctx context.Context, status domain.ConnectionStatus) ([]*domain.Connection, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+connectionColumns+` FROM connections
		WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query connections by status: %w", err)
	}
	defer rows.Close()
	return scanConnections(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanConnection(row scanner) (*domain.Connection, error) {
	var (
		conn        domain.Connection
		broker      string
		status      string
		tokenExpiry sql.NullInt64
		lastProbeAt sql.NullInt64
		lastProbeOK int
		createdAt   int64
		updatedAt   int64
	)
	err := row.Scan(&conn.ID, &conn.UserID, &broker, &status,
		&conn.EncryptedTokens, &tokenExpiry, &lastProbeAt, &lastProbeOK,
		&conn.LastError, &conn.AccountID, &conn.AccountName,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	conn.Broker = domain.BrokerKind(broker)
	conn.Status = domain.ConnectionStatus(status)
	conn.LastProbeOK = lastProbeOK != 0
	conn.TokenExpiry = timePtr(tokenExpiry)
	conn.LastProbeAt = timePtr(lastProbeAt)
	conn.CreatedAt = time.Unix(createdAt, 0).UTC()
	conn.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &conn, nil
}

func scanConnections(rows *sql.Rows) ([]*domain.Connection, error) {
	var out []*domain.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		out = append(out, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read connections: %w", err)
	}
	return out, nil
}

func unixPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
