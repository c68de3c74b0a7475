package oauth

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
)

func setupStateDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE oauth_states (
			state      TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			broker     TEXT NOT NULL,
			signature  TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			used       INTEGER NOT NULL DEFAULT 0
		)`)
	require.NoError(t, err)
	return db
}

func TestStateIssueAndConsume(t *testing.T) {
	store := NewStateStore(setupStateDB(t), []byte("test-secret"), zerolog.Nop())
	ctx := context.Background()

	state, err := store.Issue(ctx, "user-1", domain.BrokerZerodha)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(state, "_user-1_ZERODHA"))

	userID, kind, err := store.Consume(ctx, state)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
	assert.Equal(t, domain.BrokerZerodha, kind)
}

func TestStateSurvivesUnderscoresInBrokerKind(t *testing.T) {
	store := NewStateStore(setupStateDB(t), []byte("test-secret"), zerolog.Nop())
	ctx := context.Background()

	state, err := store.Issue(ctx, "user_with_underscores", domain.BrokerAngelOne)
	require.NoError(t, err)

	userID, kind, err := store.Consume(ctx, state)
	require.NoError(t, err)
	assert.Equal(t, "user_with_underscores", userID)
	assert.Equal(t, domain.BrokerAngelOne, kind)
}

func TestStateIsSingleUse(t *testing.T) {
	store := NewStateStore(setupStateDB(t), []byte("test-secret"), zerolog.Nop())
	ctx := context.Background()

	state, err := store.Issue(ctx, "user-1", domain.BrokerUpstox)
	require.NoError(t, err)

	_, _, err = store.Consume(ctx, state)
	require.NoError(t, err)

	_, _, err = store.Consume(ctx, state)
	assert.ErrorIs(t, err, domain.ErrStateInvalid)
}

func TestStateExpires(t *testing.T) {
	store := NewStateStore(setupStateDB(t), []byte("test-secret"), zerolog.Nop())
	ctx := context.Background()

	state, err := store.Issue(ctx, "user-1", domain.BrokerZerodha)
	require.NoError(t, err)

	store.now = func() time.Time { return time.Now().Add(StateTTL + time.Minute) }
	_, _, err = store.Consume(ctx, state)
	assert.ErrorIs(t, err, domain.ErrStateInvalid)
}

func TestStateRejectsTamperedSignature(t *testing.T) {
	db := setupStateDB(t)
	store := NewStateStore(db, []byte("test-secret"), zerolog.Nop())
	ctx := context.Background()

	state, err := store.Issue(ctx, "user-1", domain.BrokerZerodha)
	require.NoError(t, err)

	_, err = db.Exec(`UPDATE oauth_states SET signature = 'deadbeef' WHERE state = ?`, state)
	require.NoError(t, err)

	_, _, err = store.Consume(ctx, state)
	assert.ErrorIs(t, err, domain.ErrStateInvalid)
}

func TestStateUnknownRejected(t *testing.T) {
	store := NewStateStore(setupStateDB(t), []byte("test-secret"), zerolog.Nop())

	_, _, err := store.Consume(context.Background(), "nonsense_user_ZERODHA")
	assert.ErrorIs(t, err, domain.ErrStateInvalid)
}

func TestPruneExpiredStates(t *testing.T) {
	store := NewStateStore(setupStateDB(t), []byte("test-secret"), zerolog.Nop())
	ctx := context.Background()

	state, err := store.Issue(ctx, "user-1", domain.BrokerZerodha)
	require.NoError(t, err)

	store.now = func() time.Time { return time.Now().Add(StateTTL + time.Minute) }
	pruned, err := store.PruneExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	_, _, err = store.Consume(ctx, state)
	assert.ErrorIs(t, err, domain.ErrStateInvalid)
}

func TestPruneJobSweepsExpiredStates(t *testing.T) {
	store := NewStateStore(setupStateDB(t), []byte("test-secret"), zerolog.Nop())

	_, err := store.Issue(context.Background(), "user-1", domain.BrokerUpstox)
	require.NoError(t, err)
	store.now = func() time.Time { return time.Now().Add(StateTTL + time.Minute) }

	job := NewPruneJob(store)
	assert.Equal(t, "oauth_state_prune", job.Name())
	require.NoError(t, job.Run())

	pruned, err := store.PruneExpired(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pruned, "job already removed the expired state")
}
