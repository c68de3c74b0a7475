package connections

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/breaker"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/brokers"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/httppool"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/oauth"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/ratelimit"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/vault"
)

type stubAdapter struct {
	kind    domain.BrokerKind
	profile *domain.AccountProfile
	err     error
}

func (s *stubAdapter) Kind() domain.BrokerKind { return s.kind }

func (s *stubAdapter) FetchPortfolio(context.Context, *domain.Connection, *domain.TokenBundle) (*domain.BrokerPortfolio, error) {
	return nil, domain.ErrBrokerNotImplemented
}

func (s *stubAdapter) FetchPositions(context.Context, *domain.Connection, *domain.TokenBundle) ([]domain.RawPosition, error) {
	return nil, domain.ErrBrokerNotImplemented
}

func (s *stubAdapter) GetProfile(context.Context, *domain.Connection, *domain.TokenBundle) (*domain.AccountProfile, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.profile, nil
}

func (s *stubAdapter) PlaceOrder(context.Context, *domain.Connection, *domain.TokenBundle, *domain.OrderRequest) (string, error) {
	return "", domain.ErrBrokerNotImplemented
}

func (s *stubAdapter) ValidateAccount(context.Context, *domain.Connection, *domain.TokenBundle) error {
	return s.err
}

// fakeBroker is the remote end for probe, refresh and revoke traffic.
type fakeBroker struct {
	mu           sync.Mutex
	probeStatus  int
	refreshCalls int32
	revokeCalls  int32
}

func (f *fakeBroker) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/session/token" && r.Method == http.MethodDelete:
			atomic.AddInt32(&f.revokeCalls, 1)
			w.Write([]byte(`{}`))
		case r.URL.Path == "/v2/logout":
			atomic.AddInt32(&f.revokeCalls, 1)
			w.Write([]byte(`{}`))
		case r.URL.Path == "/v2/login/authorization/token":
			atomic.AddInt32(&f.refreshCalls, 1)
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"fresh-token","refresh_token":"fresh-refresh"}`))
		case r.URL.Path == "/probe":
			f.mu.Lock()
			status := f.probeStatus
			f.mu.Unlock()
			if status == 0 {
				status = http.StatusOK
			}
			w.WriteHeader(status)
			w.Write([]byte(`{}`))
		default:
			w.Write([]byte(`{}`))
		}
	})
}

func (f *fakeBroker) setProbeStatus(code int) {
	f.mu.Lock()
	f.probeStatus = code
	f.mu.Unlock()
}

type managerFixture struct {
	manager *Manager
	repo    *Repository
	vault   *vault.Vault
	fake    *fakeBroker
	changed []string
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	db := setupConnDB(t)
	_, err := db.Exec(`
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

	fake := &fakeBroker{}
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	registry := brokers.NewRegistryFrom(
		&brokers.Profile{
			Kind:             domain.BrokerZerodha,
			BaseURL:          server.URL,
			TokenURL:         server.URL + "/session/token",
			AuthScheme:       brokers.AuthSchemeKiteToken,
			RateLimitRPS:     5,
			ProbeEndpoint:    "/probe",
			TokenLifetime:    8 * time.Hour,
			SupportsOrders:   true,
			OAuthImplemented: true,
		},
		&brokers.Profile{
			Kind:             domain.BrokerUpstox,
			BaseURL:          server.URL,
			TokenURL:         server.URL + "/v2/login/authorization/token",
			AuthScheme:       brokers.AuthSchemeBearer,
			RateLimitRPS:     5,
			ProbeEndpoint:    "/probe",
			TokenLifetime:    12 * time.Hour,
			SupportsRefresh:  true,
			SupportsOrders:   true,
			OAuthImplemented: true,
		},
	)

	limiter := ratelimit.New(registry, zerolog.Nop())
	t.Cleanup(limiter.Stop)
	pool := httppool.New(registry, limiter, breaker.NewSet(zerolog.Nop()), nil, zerolog.Nop())
	t.Cleanup(pool.Close)

	v, err := vault.New("manager-test-master-secret", zerolog.Nop())
	require.NoError(t, err)

	states := oauth.NewStateStore(db, []byte("state-secret"), zerolog.Nop())
	coord := oauth.NewCoordinator(registry, pool, states, map[domain.BrokerKind]oauth.AppCredentials{
		domain.BrokerZerodha: {APIKey: "kite-key", APISecret: "kite-secret"},
		domain.BrokerUpstox:  {APIKey: "up-id", APISecret: "up-secret", RedirectURL: "https://gw.test/cb"},
	}, nil, zerolog.Nop())

	adapters := map[domain.BrokerKind]domain.BrokerAdapter{
		domain.BrokerZerodha: &stubAdapter{kind: domain.BrokerZerodha, profile: &domain.AccountProfile{AccountID: "ZD1234", Name: "Zerodha User"}},
		domain.BrokerUpstox:  &stubAdapter{kind: domain.BrokerUpstox, profile: &domain.AccountProfile{AccountID: "UP5678", Name: "Upstox User"}},
	}

	repo := NewRepository(db, zerolog.Nop())
	f := &managerFixture{
		repo:  repo,
		vault: v,
		fake:  fake,
	}
	f.manager = NewManager(repo, v, coord, adapters, zerolog.Nop())
	f.manager.OnChange(func(userID string) { f.changed = append(f.changed, userID) })
	return f
}

func testBundle(expiresIn time.Duration) *domain.TokenBundle {
	expiry := time.Now().Add(expiresIn)
	return &domain.TokenBundle{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		APIKey:       "kite-key",
		ExpiresAt:    &expiry,
	}
}

func TestConnectWithTokensEstablishes(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	conn, err := f.manager.ConnectWithTokens(ctx, "user-1", domain.BrokerZerodha, testBundle(8*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, domain.ConnectionConnected, conn.Status)
	assert.Equal(t, "ZD1234", conn.AccountID)
	assert.Equal(t, "Zerodha User", conn.AccountName)
	assert.True(t, conn.LastProbeOK)
	assert.NotEmpty(t, conn.EncryptedTokens)
	assert.Contains(t, f.changed, "user-1")

	stored, err := f.repo.FindByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionConnected, stored.Status)

	tokens, err := f.vault.DecryptTokens(stored.EncryptedTokens)
	require.NoError(t, err)
	assert.Equal(t, "access-1", tokens.AccessToken)
}

func TestConnectWithTokensRejectsEmptyToken(t *testing.T) {
	f := newManagerFixture(t)

	_, err := f.manager.ConnectWithTokens(context.Background(), "user-1", domain.BrokerZerodha, &domain.TokenBundle{})
	require.Error(t, err)
	assert.Equal(t, domain.CategoryValidation, domain.CategoryOf(err))
}

func TestConnectWithTokensProbeFailure(t *testing.T) {
	f := newManagerFixture(t)
	f.manager.adapters[domain.BrokerZerodha] = &stubAdapter{
		kind: domain.BrokerZerodha,
		err:  errors.New("invalid session"),
	}

	conn, err := f.manager.ConnectWithTokens(context.Background(), "user-1", domain.BrokerZerodha, testBundle(8*time.Hour))
	require.Error(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, domain.ConnectionError, conn.Status)
	assert.Contains(t, conn.LastError, "invalid session")

	stored, err := f.repo.FindByID(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionError, stored.Status)
}

func TestReconnectReplacesTokensInPlace(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	first, err := f.manager.ConnectWithTokens(ctx, "user-1", domain.BrokerZerodha, testBundle(time.Hour))
	require.NoError(t, err)

	second, err := f.manager.ConnectWithTokens(ctx, "user-1", domain.BrokerZerodha, &domain.TokenBundle{AccessToken: "access-2"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "re-authorization keeps the connection id")

	all, err := f.repo.FindByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	tokens, err := f.vault.DecryptTokens(second.EncryptedTokens)
	require.NoError(t, err)
	assert.Equal(t, "access-2", tokens.AccessToken)
}

func TestDisconnectIsIdempotentAndDestroysSecrets(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	conn, err := f.manager.ConnectWithTokens(ctx, "user-1", domain.BrokerZerodha, testBundle(8*time.Hour))
	require.NoError(t, err)

	require.NoError(t, f.manager.Disconnect(ctx, conn.ID))

	stored, err := f.repo.FindByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionDisconnected, stored.Status)
	assert.Empty(t, stored.EncryptedTokens)
	assert.Nil(t, stored.TokenExpiry)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.fake.revokeCalls))

	// Second disconnect is a no-op, including broker-side.
	require.NoError(t, f.manager.Disconnect(ctx, conn.ID))
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.fake.revokeCalls))
}

func TestDisconnectUnknownConnection(t *testing.T) {
	f := newManagerFixture(t)

	err := f.manager.Disconnect(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)
}

func TestActiveConnectionsFiltering(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	fresh := now.Add(-time.Minute)
	stale := now.Add(-20 * time.Minute)

	healthy := sampleConnection("c-healthy", "user-1", domain.BrokerZerodha, domain.ConnectionConnected)
	healthy.LastProbeAt = &fresh
	healthy.LastProbeOK = true
	require.NoError(t, f.repo.Insert(ctx, healthy))

	staleConn := sampleConnection("c-stale", "user-1", domain.BrokerUpstox, domain.ConnectionConnected)
	staleConn.LastProbeAt = &stale
	staleConn.LastProbeOK = true
	require.NoError(t, f.repo.Insert(ctx, staleConn))

	degraded := sampleConnection("c-degraded", "user-1", domain.BrokerFyers, domain.ConnectionDegraded)
	require.NoError(t, f.repo.Insert(ctx, degraded))

	active, err := f.manager.ActiveConnections(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "c-healthy", active[0].ID)
}

func TestTokensForRefreshesNearExpiry(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	conn, err := f.manager.ConnectWithTokens(ctx, "user-1", domain.BrokerUpstox, testBundle(5*time.Minute))
	require.NoError(t, err)

	tokens, err := f.manager.TokensFor(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", tokens.AccessToken)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.fake.refreshCalls))

	// The rotated bundle is persisted.
	stored, err := f.repo.FindByID(ctx, conn.ID)
	require.NoError(t, err)
	persisted, err := f.vault.DecryptTokens(stored.EncryptedTokens)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", persisted.AccessToken)
}

func TestTokensForKeepsValidTokenWithoutRefreshSupport(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	conn, err := f.manager.ConnectWithTokens(ctx, "user-1", domain.BrokerZerodha, testBundle(5*time.Minute))
	require.NoError(t, err)

	tokens, err := f.manager.TokensFor(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, "access-1", tokens.AccessToken)
	assert.Zero(t, atomic.LoadInt32(&f.fake.refreshCalls))
}

func TestTokensForExpiredWithoutRefreshSupport(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	conn, err := f.manager.ConnectWithTokens(ctx, "user-1", domain.BrokerZerodha, testBundle(-time.Minute))
	require.NoError(t, err)

	_, err = f.manager.TokensFor(ctx, conn)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotRefreshable)
	assert.Equal(t, domain.CategoryAuthentication, domain.CategoryOf(err))
}

func TestProbeAllTransitions(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	conn, err := f.manager.ConnectWithTokens(ctx, "user-1", domain.BrokerZerodha, testBundle(8*time.Hour))
	require.NoError(t, err)

	f.fake.setProbeStatus(http.StatusUnauthorized)
	require.NoError(t, f.manager.ProbeAll(ctx))

	stored, err := f.repo.FindByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionDegraded, stored.Status)
	assert.False(t, stored.LastProbeOK)

	f.fake.setProbeStatus(http.StatusOK)
	require.NoError(t, f.manager.ProbeAll(ctx))

	stored, err = f.repo.FindByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionConnected, stored.Status)
	assert.True(t, stored.LastProbeOK)
}

func TestHealthSummary(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	fresh := now.Add(-time.Minute)
	stale := now.Add(-30 * time.Minute)

	healthy := sampleConnection("c-1", "user-1", domain.BrokerZerodha, domain.ConnectionConnected)
	healthy.LastProbeAt = &fresh
	healthy.LastProbeOK = true
	require.NoError(t, f.repo.Insert(ctx, healthy))

	staleConn := sampleConnection("c-2", "user-1", domain.BrokerUpstox, domain.ConnectionConnected)
	staleConn.LastProbeAt = &stale
	staleConn.LastProbeOK = true
	require.NoError(t, f.repo.Insert(ctx, staleConn))

	degraded := sampleConnection("c-3", "user-1", domain.BrokerFyers, domain.ConnectionDegraded)
	require.NoError(t, f.repo.Insert(ctx, degraded))

	gone := sampleConnection("c-4", "user-1", domain.BrokerIIFL, domain.ConnectionDisconnected)
	require.NoError(t, f.repo.Insert(ctx, gone))

	f.manager.recordLatency("c-1", 10*time.Millisecond)
	f.manager.recordLatency("c-2", 20*time.Millisecond)

	summary, err := f.manager.HealthSummary(ctx, "user-1")
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Total, "disconnected rows do not count")
	assert.Equal(t, 2, summary.Connected)
	assert.Equal(t, 1, summary.Healthy)
	assert.Equal(t, 2, summary.Degraded)
	assert.InDelta(t, 1.0/3.0, summary.HealthyRatio, 1e-9)
	assert.Equal(t, domain.HealthCritical, summary.Band)
	assert.InDelta(t, 15, summary.AvgLatencyMs, 1e-9)
	assert.InDelta(t, 20, summary.P95LatencyMs, 1e-9)
	assert.Len(t, summary.Brokers, 3)
}

func TestHealthSummaryEmptyFleet(t *testing.T) {
	f := newManagerFixture(t)

	summary, err := f.manager.HealthSummary(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, domain.HealthHealthy, summary.Band)
	assert.Zero(t, summary.Total)
}
