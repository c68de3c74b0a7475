package portfolio

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/aggregate"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/clientdata"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/normalize"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/snapshots"
)

type stubConnSource struct {
	conns []*domain.Connection
	err   error
}

func (s *stubConnSource) ActiveConnections(ctx context.Context, userID string) ([]*domain.Connection, error) {
	return s.conns, s.err
}

func setupService(t *testing.T, adapters map[domain.BrokerKind]domain.BrokerAdapter, source ConnectionSource) *Service {
	t.Helper()

	cacheDB, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { cacheDB.Close() })
	_, err = cacheDB.Exec(`CREATE TABLE portfolio_cache (
		user_id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	)`)
	require.NoError(t, err)

	histDB, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { histDB.Close() })
	_, err = histDB.Exec(`CREATE TABLE portfolio_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		taken_at INTEGER NOT NULL,
		broker_count INTEGER NOT NULL DEFAULT 0,
		position_count INTEGER NOT NULL DEFAULT 0,
		total_value TEXT NOT NULL DEFAULT '0',
		data BLOB NOT NULL
	)`)
	require.NoError(t, err)

	return NewService(
		source,
		NewFetcher(adapters, stubTokens{}, zerolog.Nop()),
		normalize.New(nil, zerolog.Nop()),
		aggregate.New(nil, nil, zerolog.Nop()),
		clientdata.NewRepository(cacheDB),
		snapshots.NewStore(histDB, zerolog.Nop()),
		nil,
		zerolog.Nop(),
	)
}

func TestGetConsolidatesAndCaches(t *testing.T) {
	adapter := &stubAdapter{kind: domain.BrokerZerodha, rows: reliance(10, 2500)}
	service := setupService(t,
		map[domain.BrokerKind]domain.BrokerAdapter{domain.BrokerZerodha: adapter},
		&stubConnSource{conns: []*domain.Connection{activeConn("conn-z", domain.BrokerZerodha)}})

	got, err := service.Get(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, got.Positions, 1)
	assert.Equal(t, "RELIANCE", got.Positions[0].Symbol)
	assert.True(t, got.TotalValue.Equal(decimal.NewFromInt(25000)), "got %s", got.TotalValue)
	assert.False(t, got.FromSnapshot)
	assert.Equal(t, int64(1), adapter.calls.Load())

	got, err = service.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, got.TotalValue.Equal(decimal.NewFromInt(25000)))
	assert.Equal(t, int64(1), adapter.calls.Load(), "second read should come from cache")
}

func TestGetServesSnapshotWhenAllBrokersFail(t *testing.T) {
	adapter := &stubAdapter{kind: domain.BrokerZerodha, rows: reliance(10, 2500)}
	service := setupService(t,
		map[domain.BrokerKind]domain.BrokerAdapter{domain.BrokerZerodha: adapter},
		&stubConnSource{conns: []*domain.Connection{activeConn("conn-z", domain.BrokerZerodha)}})

	_, err := service.Get(context.Background(), "user-1")
	require.NoError(t, err)

	adapter.err = errors.New("exchange outage")
	service.Invalidate("user-1")

	got, err := service.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, got.FromSnapshot)
	assert.True(t, got.TotalValue.Equal(decimal.NewFromInt(25000)))
	require.Len(t, got.Errors, 1)
	assert.Equal(t, domain.BrokerZerodha, got.Errors[0].Broker)
}

func TestGetFailsWithoutSnapshotFallback(t *testing.T) {
	adapter := &stubAdapter{kind: domain.BrokerZerodha, err: errors.New("exchange outage")}
	service := setupService(t,
		map[domain.BrokerKind]domain.BrokerAdapter{domain.BrokerZerodha: adapter},
		&stubConnSource{conns: []*domain.Connection{activeConn("conn-z", domain.BrokerZerodha)}})

	_, err := service.Get(context.Background(), "user-1")
	require.ErrorIs(t, err, domain.ErrAllBrokersFailed)
}

func TestGetEmptyPortfolioWithoutConnections(t *testing.T) {
	service := setupService(t, nil, &stubConnSource{})

	got, err := service.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, got.Positions)
	assert.True(t, got.TotalValue.IsZero())
	assert.Equal(t, "INR", got.BaseCurrency)

	history, err := service.History(context.Background(), "user-1", 10)
	require.NoError(t, err)
	assert.Empty(t, history, "empty consolidations should not be snapshotted")
}

func TestInvalidateForcesRefetch(t *testing.T) {
	adapter := &stubAdapter{kind: domain.BrokerZerodha, rows: reliance(10, 2500)}
	service := setupService(t,
		map[domain.BrokerKind]domain.BrokerAdapter{domain.BrokerZerodha: adapter},
		&stubConnSource{conns: []*domain.Connection{activeConn("conn-z", domain.BrokerZerodha)}})

	_, err := service.Get(context.Background(), "user-1")
	require.NoError(t, err)
	_, err = service.Get(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), adapter.calls.Load())

	service.Invalidate("user-1")

	_, err = service.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), adapter.calls.Load())
}

func TestGetPartialFailureReportsErrorsAndSkipsSnapshot(t *testing.T) {
	adapters := map[domain.BrokerKind]domain.BrokerAdapter{
		domain.BrokerZerodha: &stubAdapter{kind: domain.BrokerZerodha, rows: reliance(10, 2500)},
		domain.BrokerUpstox:  &stubAdapter{kind: domain.BrokerUpstox, err: errors.New("rate limited")},
	}
	service := setupService(t, adapters, &stubConnSource{conns: []*domain.Connection{
		activeConn("conn-z", domain.BrokerZerodha),
		activeConn("conn-u", domain.BrokerUpstox),
	}})

	got, err := service.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, got.TotalValue.Equal(decimal.NewFromInt(25000)))
	require.Len(t, got.Errors, 1)
	assert.Equal(t, domain.BrokerUpstox, got.Errors[0].Broker)

	history, err := service.History(context.Background(), "user-1", 10)
	require.NoError(t, err)
	assert.Empty(t, history, "partial consolidations should not be snapshotted")
}

func TestPositionsNormalized(t *testing.T) {
	adapters := map[domain.BrokerKind]domain.BrokerAdapter{
		domain.BrokerFyers: &stubAdapter{kind: domain.BrokerFyers, rows: []domain.RawPosition{
			{Symbol: "NSE:SBIN-EQ", Exchange: "NSE", Quantity: -5, AvgPrice: 550, Side: "SELL"},
		}},
	}
	service := setupService(t, adapters, &stubConnSource{conns: []*domain.Connection{
		activeConn("conn-f", domain.BrokerFyers),
	}})

	positions, failures, err := service.Positions(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, failures)
	require.Len(t, positions, 1)
	assert.Equal(t, "SBIN", positions[0].Symbol)
	assert.Equal(t, domain.SideShort, positions[0].Side)
	assert.True(t, positions[0].Quantity.Equal(decimal.NewFromInt(5)))
	assert.False(t, positions[0].Suspect)
}

func TestHistoryEntryLoadsStoredSnapshot(t *testing.T) {
	adapter := &stubAdapter{kind: domain.BrokerZerodha, rows: reliance(10, 2500)}
	service := setupService(t,
		map[domain.BrokerKind]domain.BrokerAdapter{domain.BrokerZerodha: adapter},
		&stubConnSource{conns: []*domain.Connection{activeConn("conn-z", domain.BrokerZerodha)}})

	_, err := service.Get(context.Background(), "user-1")
	require.NoError(t, err)

	history, err := service.History(context.Background(), "user-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].PositionCount)

	snap, err := service.HistoryEntry(context.Background(), "user-1", history[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", snap.UserID)
	assert.True(t, snap.TotalValue.Equal(decimal.NewFromInt(25000)))
}
