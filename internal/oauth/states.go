// Package oauth owns token issuance: authorization URLs, one-time states,
// code exchange, refresh and probing. Only Zerodha and Upstox issue tokens
// through this gateway; the other brokers connect with externally obtained
// tokens and fail issuance loudly.
package oauth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
)

// StateTTL is how long an issued authorization state stays valid.
const StateTTL = 10 * time.Minute

// StateStore persists one-time OAuth states in the connections ledger.
// States are HMAC-signed so a database leak alone cannot forge callbacks,
// and single-use so a replayed callback fails.
type StateStore struct {
	db     *sql.DB
	secret []byte

	now func() time.Time
	log zerolog.Logger
}

// NewStateStore creates the store. The secret signs every issued state.
func NewStateStore(db *sql.DB, secret []byte, log zerolog.Logger) *StateStore {
	return &StateStore{
		db:     db,
		secret: secret,
		now:    time.Now,
		log:    log.With().Str("component", "oauth_states").Logger(),
	}
}

// Issue creates and persists a state of the form "<uuid>_<userId>_<kind>".
func (s *StateStore) Issue(ctx context.Context, userID string, kind domain.BrokerKind) (string, error) {
	state := fmt.Sprintf("%s_%s_%s", uuid.NewString(), userID, kind)
	now := s.now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_states (state, user_id, broker, signature, created_at, expires_at, used)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		state, userID, string(kind), s.sign(state), now.Unix(), now.Add(StateTTL).Unix())
	if err != nil {
		return "", fmt.Errorf("failed to persist oauth state: %w", err)
	}

	s.log.Debug().
		Str("user_id", userID).
		Str("broker", string(kind)).
		Msg("OAuth state issued")
	return state, nil
}

// Consume validates a callback state and marks it used. It returns the
// user and broker the state was issued for. Every failure path wraps
// domain.ErrStateInvalid; callers must not learn which check failed.
func (s *StateStore) Consume(ctx context.Context, state string) (string, domain.BrokerKind, error) {
	var (
		userID    string
		broker    string
		signature string
		expiresAt int64
		used      int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, broker, signature, expires_at, used
		FROM oauth_states WHERE state = ?`, state).
		Scan(&userID, &broker, &signature, &expiresAt, &used)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("%w: unknown state", domain.ErrStateInvalid)
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to load oauth state: %w", err)
	}

	if used != 0 {
		s.log.Warn().Str("user_id", userID).Msg("OAuth state replay rejected")
		return "", "", fmt.Errorf("%w: already used", domain.ErrStateInvalid)
	}
	if s.now().Unix() > expiresAt {
		return "", "", fmt.Errorf("%w: expired", domain.ErrStateInvalid)
	}
	if !hmac.Equal([]byte(signature), []byte(s.sign(state))) {
		s.log.Warn().Str("user_id", userID).Msg("OAuth state signature mismatch")
		return "", "", fmt.Errorf("%w: signature mismatch", domain.ErrStateInvalid)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE oauth_states SET used = 1 WHERE state = ? AND used = 0`, state)
	if err != nil {
		return "", "", fmt.Errorf("failed to mark oauth state used: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		// Lost the race against a concurrent callback with the same state.
		return "", "", fmt.Errorf("%w: already used", domain.ErrStateInvalid)
	}

	kind, err := domain.ParseBrokerKind(broker)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", domain.ErrStateInvalid, err)
	}
	return userID, kind, nil
}

// PruneExpired deletes states past their expiry. Used states are pruned
// too once expired; until then they stay to reject replays.
func (s *StateStore) PruneExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_states WHERE expires_at < ?`, s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune oauth states: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Debug().Int64("pruned", n).Msg("Expired OAuth states pruned")
	}
	return n, nil
}

func (s *StateStore) sign(state string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(state))
	return hex.EncodeToString(mac.Sum(nil))
}
