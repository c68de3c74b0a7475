// Package clientdata provides persistent caching for upstream responses.
// Values are stored as JSON blobs with expiration timestamps; readers can
// ask for fresh data only or fall back to stale rows when upstreams fail.
package clientdata

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AllTables lists every cache table for sweep operations.
var AllTables = []string{
	TableFxRates,
	TableCurrentPrices,
	TablePortfolioCache,
	TableMarketStatus,
	TableAccountProfiles,
}

// Cache table names.
const (
	TableFxRates         = "fx_rates"
	TableCurrentPrices   = "current_prices"
	TablePortfolioCache  = "portfolio_cache"
	TableMarketStatus    = "market_status"
	TableAccountProfiles = "account_profiles"
)

// validTables is a set for O(1) table name validation.
var validTables = func() map[string]bool {
	m := make(map[string]bool, len(AllTables))
	for _, t := range AllTables {
		m[t] = true
	}
	return m
}()

// Repository provides cache operations over the cache database.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new client data repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// validateTable guards the table name against SQL injection; table names
// are interpolated into queries.
func validateTable(table string) error {
	if !validTables[table] {
		return fmt.Errorf("invalid cache table: %s", table)
	}
	return nil
}

// keyColumn returns the primary key column for a table.
func keyColumn(table string) string {
	switch table {
	case TableFxRates:
		return "pair"
	case TablePortfolioCache:
		return "user_id"
	case TableMarketStatus:
		return "exchange"
	case TableAccountProfiles:
		return "connection_id"
	default:
		return "symbol"
	}
}

// Store saves data with expiration = now + ttl, upserting on the key.
func (r *Repository) Store(table, key string, data interface{}, ttl time.Duration) error {
	if err := validateTable(table); err != nil {
		return err
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal cache data: %w", err)
	}

	expiresAt := time.Now().Add(ttl).Unix()

	query := fmt.Sprintf(
		"INSERT OR REPLACE INTO %s (%s, data, expires_at) VALUES (?, ?, ?)",
		table, keyColumn(table),
	)
	if _, err := r.db.Exec(query, key, string(jsonData), expiresAt); err != nil {
		return fmt.Errorf("failed to store data in %s: %w", table, err)
	}
	return nil
}

// GetIfFresh returns data only while expires_at is in the future.
// Returns nil, nil when the key is missing or expired. Use Get to read
// stale rows as a fallback when an upstream call fails.
func (r *Repository) GetIfFresh(table, key string) (json.RawMessage, error) {
	if err := validateTable(table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		"SELECT data FROM %s WHERE %s = ? AND expires_at > ?",
		table, keyColumn(table),
	)

	var data string
	err := r.db.QueryRow(query, key, time.Now().Unix()).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get data from %s: %w", table, err)
	}
	return json.RawMessage(data), nil
}

// Get returns data regardless of expiration. Stale data beats no data
// when the upstream is down. Returns nil, nil when the key is missing.
func (r *Repository) Get(table, key string) (json.RawMessage, error) {
	if err := validateTable(table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT data FROM %s WHERE %s = ?", table, keyColumn(table))

	var data string
	err := r.db.QueryRow(query, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get data from %s: %w", table, err)
	}
	return json.RawMessage(data), nil
}

// Delete removes one entry.
func (r *Repository) Delete(table, key string) error {
	if err := validateTable(table); err != nil {
		return err
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, keyColumn(table))
	if _, err := r.db.Exec(query, key); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	return nil
}

// DeleteExpired removes rows past their expiry, returning the count.
func (r *Repository) DeleteExpired(table string) (int64, error) {
	if err := validateTable(table); err != nil {
		return 0, err
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE expires_at < ?", table)
	result, err := r.db.Exec(query, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired from %s: %w", table, err)
	}
	return result.RowsAffected()
}

// DeleteAllExpired sweeps every cache table, returning deletions per table.
func (r *Repository) DeleteAllExpired() (map[string]int64, error) {
	results := make(map[string]int64)
	for _, table := range AllTables {
		deleted, err := r.DeleteExpired(table)
		if err != nil {
			return results, fmt.Errorf("failed to sweep %s: %w", table, err)
		}
		results[table] = deleted
	}
	return results, nil
}
