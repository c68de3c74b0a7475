package connections

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/oauth"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/vault"
)

const (
	// lockStripes bounds lock memory while keeping per-connection
	// serialization. Connect/Disconnect/refresh for one connection never
	// run concurrently.
	lockStripes = 32

	// probeStaleAfter is how long a connection may go without a
	// successful probe before it stops counting as active.
	probeStaleAfter = 10 * time.Minute
)

// Manager drives the connection lifecycle. All mutations of one
// connection are serialized through a striped lock; reads are lock-free
// against the store.
type Manager struct {
	store    domain.ConnectionStore
	vault    *vault.Vault
	coord    *oauth.Coordinator
	adapters map[domain.BrokerKind]domain.BrokerAdapter

	locks [lockStripes]sync.Mutex

	// latencies holds recent probe round-trips per connection for the
	// health summary percentiles.
	latMu     sync.Mutex
	latencies map[string]float64

	// onChange fires after any lifecycle mutation so cached portfolios
	// for the user can be invalidated. May be nil.
	onChange func(userID string)

	now func() time.Time
	log zerolog.Logger
}

// NewManager creates the manager. adapters must contain an entry per
// supported broker; onChange may be nil.
func NewManager(store domain.ConnectionStore, v *vault.Vault, coord *oauth.Coordinator, adapters map[domain.BrokerKind]domain.BrokerAdapter, log zerolog.Logger) *Manager {
	return &Manager{
		store:     store,
		vault:     v,
		coord:     coord,
		adapters:  adapters,
		latencies: make(map[string]float64),
		now:       time.Now,
		log:       log.With().Str("component", "connections").Logger(),
	}
}

// OnChange registers the cache invalidation hook.
func (m *Manager) OnChange(fn func(userID string)) {
	m.onChange = fn
}

func (m *Manager) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &m.locks[h.Sum32()%lockStripes]
}

// Connect exchanges an authorization code, encrypts the bundle, persists
// the connection and probes it. A user re-authorizing an existing live
// connection gets its tokens replaced in place, which daily-expiring
// brokers like Zerodha require.
func (m *Manager) Connect(ctx context.Context, userID string, kind domain.BrokerKind, code string) (*domain.Connection, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownBroker, kind)
	}

	mu := m.lock(userID + "/" + string(kind))
	mu.Lock()
	defer mu.Unlock()

	tokens, err := m.coord.ExchangeCode(ctx, kind, code)
	if err != nil {
		return nil, err
	}
	defer tokens.Zero()

	return m.establish(ctx, userID, kind, tokens)
}

// ConnectWithTokens links a broker using externally obtained tokens. This
// is the only issuance path for brokers whose OAuth the gateway does not
// implement, and works for all six.
func (m *Manager) ConnectWithTokens(ctx context.Context, userID string, kind domain.BrokerKind, tokens *domain.TokenBundle) (*domain.Connection, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownBroker, kind)
	}
	if tokens == nil || tokens.AccessToken == "" {
		return nil, domain.NewError(domain.CategoryValidation, "EMPTY_TOKEN",
			"access token required", nil).WithBroker(kind)
	}

	mu := m.lock(userID + "/" + string(kind))
	mu.Lock()
	defer mu.Unlock()

	return m.establish(ctx, userID, kind, tokens)
}

// establish encrypts, persists and probes. Callers hold the (user,
// broker) stripe lock.
func (m *Manager) establish(ctx context.Context, userID string, kind domain.BrokerKind, tokens *domain.TokenBundle) (*domain.Connection, error) {
	blob, err := m.vault.EncryptTokens(tokens)
	if err != nil {
		return nil, err
	}

	now := m.now()
	conn, err := m.store.FindByUserAndBroker(ctx, userID, kind)
	fresh := false
	switch {
	case err == nil:
		// Re-authorization of the existing live connection.
	case errors.Is(err, domain.ErrConnectionNotFound):
		fresh = true
		conn = &domain.Connection{
			ID:        uuid.NewString(),
			UserID:    userID,
			Broker:    kind,
			CreatedAt: now,
		}
	default:
		return nil, err
	}

	conn.EncryptedTokens = blob
	conn.TokenExpiry = tokens.ExpiresAt
	conn.Status = domain.ConnectionPending
	conn.LastError = ""
	conn.UpdatedAt = now

	if fresh {
		err = m.store.Insert(ctx, conn)
	} else {
		err = m.store.Update(ctx, conn)
	}
	if err != nil {
		return nil, err
	}

	m.probeAndTransition(ctx, conn, tokens)
	if err := m.store.Update(ctx, conn); err != nil {
		return nil, err
	}

	m.log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", userID).
		Str("broker", string(kind)).
		Str("status", string(conn.Status)).
		Msg("Connection established")

	m.notify(userID)
	if conn.Status != domain.ConnectionConnected {
		return conn, domain.NewError(domain.CategoryAuthentication, "PROBE_FAILED",
			conn.LastError, nil).WithBroker(kind)
	}
	return conn, nil
}

// probeAndTransition verifies the account with the broker and moves the
// connection to Connected, recording identity and probe bookkeeping.
// Failures leave the connection in Error with the cause on LastError.
func (m *Manager) probeAndTransition(ctx context.Context, conn *domain.Connection, tokens *domain.TokenBundle) {
	adapter, ok := m.adapters[conn.Broker]
	now := m.now()
	probedAt := now

	if !ok {
		conn.Status = domain.ConnectionError
		conn.LastError = fmt.Sprintf("no adapter for broker %s", conn.Broker)
		return
	}

	start := m.now()
	profile, err := adapter.GetProfile(ctx, conn, tokens)
	m.recordLatency(conn.ID, time.Since(start))

	conn.LastProbeAt = &probedAt
	if err != nil {
		from := conn.Status
		conn.Status = domain.ConnectionError
		conn.LastProbeOK = false
		conn.LastError = err.Error()
		m.logTransition(conn, from)
		return
	}

	from := conn.Status
	conn.Status = domain.ConnectionConnected
	conn.LastProbeOK = true
	conn.LastError = ""
	if profile != nil {
		conn.AccountID = profile.AccountID
		conn.AccountName = profile.Name
	}
	conn.UpdatedAt = now
	m.logTransition(conn, from)
}

// Disconnect revokes broker-side best-effort, destroys local secret
// material and flips the status. Calling it again is a no-op.
func (m *Manager) Disconnect(ctx context.Context, connectionID string) error {
	mu := m.lock(connectionID)
	mu.Lock()
	defer mu.Unlock()

	conn, err := m.store.FindByID(ctx, connectionID)
	if err != nil {
		return err
	}
	if conn.Status == domain.ConnectionDisconnected {
		return nil
	}

	if conn.EncryptedTokens != "" {
		if tokens, derr := m.vault.DecryptTokens(conn.EncryptedTokens); derr == nil {
			if rerr := m.coord.Revoke(ctx, conn.Broker, tokens); rerr != nil {
				m.log.Warn().Err(rerr).
					Str("connection_id", conn.ID).
					Msg("Broker-side revocation failed, disconnecting anyway")
			}
			tokens.Zero()
		}
	}

	from := conn.Status
	conn.Status = domain.ConnectionDisconnected
	conn.EncryptedTokens = ""
	conn.TokenExpiry = nil
	conn.LastError = ""
	conn.UpdatedAt = m.now()
	if err := m.store.Update(ctx, conn); err != nil {
		return err
	}
	m.logTransition(conn, from)

	m.latMu.Lock()
	delete(m.latencies, conn.ID)
	m.latMu.Unlock()

	m.notify(conn.UserID)
	return nil
}

// List returns every connection of the user, including disconnected rows.
func (m *Manager) List(ctx context.Context, userID string) ([]*domain.Connection, error) {
	return m.store.FindByUser(ctx, userID)
}

// Get loads one connection by id.
func (m *Manager) Get(ctx context.Context, connectionID string) (*domain.Connection, error) {
	return m.store.FindByID(ctx, connectionID)
}

// ActiveConnections returns the user's connections that are Connected and
// recently probed. These are the fan-out targets for portfolio fetches
// and order routing.
func (m *Manager) ActiveConnections(ctx context.Context, userID string) ([]*domain.Connection, error) {
	all, err := m.store.FindByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	active := make([]*domain.Connection, 0, len(all))
	for _, conn := range all {
		if conn.Status == domain.ConnectionConnected && !conn.ProbeStale(now, probeStaleAfter) {
			active = append(active, conn)
		}
	}
	return active, nil
}

// TokensFor decrypts the connection's bundle, refreshing it first when it
// is expired or about to expire. Brokers without refresh keep serving the
// current bundle until it actually expires, then fail with an
// authentication error that tells the user to re-connect.
func (m *Manager) TokensFor(ctx context.Context, conn *domain.Connection) (*domain.TokenBundle, error) {
	if conn.EncryptedTokens == "" {
		return nil, fmt.Errorf("%w: %s has no credentials", domain.ErrConnectionNotFound, conn.ID)
	}

	tokens, err := m.vault.DecryptTokens(conn.EncryptedTokens)
	if err != nil {
		m.quarantine(ctx, conn, err)
		return nil, err
	}

	now := m.now()
	if !tokens.Expired(now) && !tokens.NearExpiry(now, oauth.NearExpiryWindow) {
		return tokens, nil
	}

	fresh, err := m.coord.Refresh(ctx, conn, tokens)
	if err != nil {
		if errors.Is(err, domain.ErrNotRefreshable) {
			if !tokens.Expired(now) {
				return tokens, nil
			}
			tokens.Zero()
			return nil, domain.NewError(domain.CategoryAuthentication, "TOKEN_EXPIRED",
				"session expired, re-connect the broker", err).WithBroker(conn.Broker)
		}
		tokens.Zero()
		return nil, err
	}
	tokens.Zero()

	mu := m.lock(conn.ID)
	mu.Lock()
	defer mu.Unlock()

	blob, err := m.vault.EncryptTokens(fresh)
	if err != nil {
		return nil, err
	}
	conn.EncryptedTokens = blob
	conn.TokenExpiry = fresh.ExpiresAt
	conn.UpdatedAt = m.now()
	if err := m.store.Update(ctx, conn); err != nil {
		return nil, err
	}
	return fresh, nil
}

// quarantine moves a connection whose blob cannot be decrypted into Error.
// Crypto failures are not retryable; the user must re-connect.
func (m *Manager) quarantine(ctx context.Context, conn *domain.Connection, cause error) {
	from := conn.Status
	conn.Status = domain.ConnectionError
	conn.LastError = cause.Error()
	conn.UpdatedAt = m.now()
	if err := m.store.Update(ctx, conn); err != nil {
		m.log.Error().Err(err).Str("connection_id", conn.ID).Msg("Failed to quarantine connection")
		return
	}
	m.logTransition(conn, from)
	m.notify(conn.UserID)
}

// ProbeAll sweeps every Connected and Degraded connection: probe with the
// stored token, record the outcome and transition the status. Called by
// the scheduler every five minutes.
func (m *Manager) ProbeAll(ctx context.Context) error {
	var targets []*domain.Connection
	for _, status := range []domain.ConnectionStatus{domain.ConnectionConnected, domain.ConnectionDegraded} {
		conns, err := m.store.FindByStatus(ctx, status)
		if err != nil {
			return err
		}
		targets = append(targets, conns...)
	}

	for _, conn := range targets {
		m.probeOne(ctx, conn)
	}
	m.log.Debug().Int("probed", len(targets)).Msg("Probe sweep complete")
	return nil
}

func (m *Manager) probeOne(ctx context.Context, conn *domain.Connection) {
	mu := m.lock(conn.ID)
	mu.Lock()
	defer mu.Unlock()

	tokens, err := m.vault.DecryptTokens(conn.EncryptedTokens)
	if err != nil {
		m.quarantine(ctx, conn, err)
		return
	}
	defer tokens.Zero()

	now := m.now()
	start := m.now()
	err = m.coord.Probe(ctx, conn.Broker, tokens)
	m.recordLatency(conn.ID, time.Since(start))

	from := conn.Status
	conn.LastProbeAt = &now
	if err != nil {
		conn.Status = domain.ConnectionDegraded
		conn.LastProbeOK = false
		conn.LastError = err.Error()
	} else {
		conn.Status = domain.ConnectionConnected
		conn.LastProbeOK = true
		conn.LastError = ""
	}
	conn.UpdatedAt = now

	if uerr := m.store.Update(ctx, conn); uerr != nil {
		m.log.Error().Err(uerr).Str("connection_id", conn.ID).Msg("Failed to persist probe result")
		return
	}
	if conn.Status != from {
		m.logTransition(conn, from)
		m.notify(conn.UserID)
	}
}

// HealthSummary grades the user's connection fleet. Latency statistics
// come from recent probe round-trips.
func (m *Manager) HealthSummary(ctx context.Context, userID string) (*domain.HealthSummary, error) {
	conns, err := m.store.FindByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	summary := &domain.HealthSummary{CheckedAt: now}
	var latencies []float64

	for _, conn := range conns {
		if conn.Status == domain.ConnectionDisconnected {
			continue
		}
		summary.Total++

		healthy := conn.Status == domain.ConnectionConnected && !conn.ProbeStale(now, probeStaleAfter)
		switch {
		case healthy:
			summary.Connected++
			summary.Healthy++
		case conn.Status == domain.ConnectionConnected:
			// Connected but probe-stale counts degraded.
			summary.Connected++
			summary.Degraded++
		case conn.Status == domain.ConnectionDegraded:
			summary.Degraded++
		}

		bh := domain.BrokerHealth{
			Broker:      conn.Broker,
			Status:      conn.Status,
			LastProbeAt: conn.LastProbeAt,
			LastProbeOK: conn.LastProbeOK,
		}
		if ms, ok := m.latencyFor(conn.ID); ok {
			bh.LatencyMs = ms
			latencies = append(latencies, ms)
		}
		summary.Brokers = append(summary.Brokers, bh)
	}

	if summary.Total > 0 {
		summary.HealthyRatio = float64(summary.Healthy) / float64(summary.Total)
	} else {
		summary.HealthyRatio = 1
	}
	summary.Band = domain.BandForRatio(summary.HealthyRatio)

	if len(latencies) > 0 {
		sort.Float64s(latencies)
		summary.AvgLatencyMs = stat.Mean(latencies, nil)
		summary.P95LatencyMs = stat.Quantile(0.95, stat.Empirical, latencies, nil)
	}
	return summary, nil
}

func (m *Manager) recordLatency(connID string, d time.Duration) {
	m.latMu.Lock()
	m.latencies[connID] = float64(d.Milliseconds())
	m.latMu.Unlock()
}

func (m *Manager) latencyFor(connID string) (float64, bool) {
	m.latMu.Lock()
	defer m.latMu.Unlock()
	ms, ok := m.latencies[connID]
	return ms, ok
}

// ProbeLatencyMs returns the connection's most recent probe round-trip.
// The order router uses it as a routing tiebreaker.
func (m *Manager) ProbeLatencyMs(connID string) (float64, bool) {
	return m.latencyFor(connID)
}

func (m *Manager) notify(userID string) {
	if m.onChange != nil {
		m.onChange(userID)
	}
}

func (m *Manager) logTransition(conn *domain.Connection, from domain.ConnectionStatus) {
	m.log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", conn.UserID).
		Str("broker", string(conn.Broker)).
		Str("from", string(from)).
		Str("to", string(conn.Status)).
		Str("reason", conn.LastError).
		Msg("Connection status transition")
}
