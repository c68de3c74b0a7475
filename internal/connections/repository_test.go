package connections

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
)

func setupConnDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE connections (
			id               TEXT PRIMARY KEY,
			user_id          TEXT NOT NULL,
			broker           TEXT NOT NULL,
			status           TEXT NOT NULL,
			encrypted_tokens TEXT NOT NULL DEFAULT '',
			token_expiry     INTEGER,
			last_probe_at    INTEGER,
			last_probe_ok    INTEGER NOT NULL DEFAULT 0,
			last_error       TEXT NOT NULL DEFAULT '',
			account_id       TEXT NOT NULL DEFAULT '',
			account_name     TEXT NOT NULL DEFAULT '',
			created_at       INTEGER NOT NULL,
			updated_at       INTEGER NOT NULL
		);
		CREATE UNIQUE INDEX idx_connections_user_broker_live
			ON connections(user_id, broker) WHERE status != 'DISCONNECTED';`)
	require.NoError(t, err)
	return db
}

func sampleConnection(id, userID string, kind domain.BrokerKind, status domain.ConnectionStatus) *domain.Connection {
	now := time.Now().UTC().Truncate(time.Second)
	return &domain.Connection{
		ID:              id,
		UserID:          userID,
		Broker:          kind,
		Status:          status,
		EncryptedTokens: "blob-" + id,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestRepositoryInsertAndFindByID(t *testing.T) {
	repo := NewRepository(setupConnDB(t), zerolog.Nop())
	ctx := context.Background()

	expiry := time.Now().UTC().Truncate(time.Second).Add(8 * time.Hour)
	conn := sampleConnection("c-1", "user-1", domain.BrokerZerodha, domain.ConnectionConnected)
	conn.TokenExpiry = &expiry
	conn.AccountID = "AB1234"
	conn.AccountName = "Test User"

	require.NoError(t, repo.Insert(ctx, conn))

	got, err := repo.FindByID(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, conn.UserID, got.UserID)
	assert.Equal(t, domain.BrokerZerodha, got.Broker)
	assert.Equal(t, domain.ConnectionConnected, got.Status)
	assert.Equal(t, "blob-c-1", got.EncryptedTokens)
	require.NotNil(t, got.TokenExpiry)
	assert.True(t, got.TokenExpiry.Equal(expiry))
	assert.Equal(t, "AB1234", got.AccountID)
}

func TestRepositoryFindByIDNotFound(t *testing.T) {
	repo := NewRepository(setupConnDB(t), zerolog.Nop())

	_, err := repo.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)
}

func TestRepositoryRejectsSecondLiveConnection(t *testing.T) {
	repo := NewRepository(setupConnDB(t), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, sampleConnection("c-1", "user-1", domain.BrokerZerodha, domain.ConnectionConnected)))

	err := repo.Insert(ctx, sampleConnection("c-2", "user-1", domain.BrokerZerodha, domain.ConnectionPending))
	assert.ErrorIs(t, err, domain.ErrDuplicateConnection)

	// A disconnected row does not occupy the slot.
	require.NoError(t, repo.Insert(ctx, sampleConnection("c-3", "user-1", domain.BrokerUpstox, domain.ConnectionDisconnected)))
	require.NoError(t, repo.Insert(ctx, sampleConnection("c-4", "user-1", domain.BrokerUpstox, domain.ConnectionConnected)))
}

func TestRepositoryFindByUserAndBrokerSkipsDisconnected(t *testing.T) {
	repo := NewRepository(setupConnDB(t), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, sampleConnection("c-1", "user-1", domain.BrokerZerodha, domain.ConnectionDisconnected)))

	_, err := repo.FindByUserAndBroker(ctx, "user-1", domain.BrokerZerodha)
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)

	require.NoError(t, repo.Insert(ctx, sampleConnection("c-2", "user-1", domain.BrokerZerodha, domain.ConnectionDegraded)))

	got, err := repo.FindByUserAndBroker(ctx, "user-1", domain.BrokerZerodha)
	require.NoError(t, err)
	assert.Equal(t, "c-2", got.ID)
}

func TestRepositoryUpdate(t *testing.T) {
	repo := NewRepository(setupConnDB(t), zerolog.Nop())
	ctx := context.Background()

	conn := sampleConnection("c-1", "user-1", domain.BrokerUpstox, domain.ConnectionPending)
	require.NoError(t, repo.Insert(ctx, conn))

	probedAt := time.Now().UTC().Truncate(time.Second)
	conn.Status = domain.ConnectionConnected
	conn.LastProbeAt = &probedAt
	conn.LastProbeOK = true
	conn.UpdatedAt = probedAt
	require.NoError(t, repo.Update(ctx, conn))

	got, err := repo.FindByID(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionConnected, got.Status)
	assert.True(t, got.LastProbeOK)
	require.NotNil(t, got.LastProbeAt)
	assert.True(t, got.LastProbeAt.Equal(probedAt))
}

func TestRepositoryUpdateMissingRow(t *testing.T) {
	repo := NewRepository(setupConnDB(t), zerolog.Nop())

	err := repo.Update(context.Background(), sampleConnection("ghost", "user-1", domain.BrokerIIFL, domain.ConnectionError))
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)
}

func TestRepositoryFindByUserAndStatus(t *testing.T) {
	repo := NewRepository(setupConnDB(t), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, sampleConnection("c-1", "user-1", domain.BrokerZerodha, domain.ConnectionConnected)))
	require.NoError(t, repo.Insert(ctx, sampleConnection("c-2", "user-1", domain.BrokerUpstox, domain.ConnectionDegraded)))
	require.NoError(t, repo.Insert(ctx, sampleConnection("c-3", "user-2", domain.BrokerZerodha, domain.ConnectionDegraded)))

	mine, err := repo.FindByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	degraded, err := repo.FindByStatus(ctx, domain.ConnectionDegraded)
	require.NoError(t, err)
	assert.Len(t, degraded, 2)
}
