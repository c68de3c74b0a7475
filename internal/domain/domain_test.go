package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBrokerKind(t *testing.T) {
	k, err := ParseBrokerKind("ZERODHA")
	require.NoError(t, err)
	assert.Equal(t, BrokerZerodha, k)

	_, err = ParseBrokerKind("ROBINHOOD")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownBroker))
}

func TestAllBrokerKindsAreValid(t *testing.T) {
	kinds := AllBrokerKinds()
	assert.Len(t, kinds, 6)
	for _, k := range kinds {
		assert.True(t, k.Valid(), "kind %s should be valid", k)
	}
}

func TestFreshnessOf(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name string
		age  time.Duration
		want Freshness
	}{
		{"under a minute", 30 * time.Second, FreshnessRealTime},
		{"under five minutes", 3 * time.Minute, FreshnessFresh},
		{"under thirty minutes", 20 * time.Minute, FreshnessStale},
		{"thirty minutes", 30 * time.Minute, FreshnessVeryStale},
		{"hours old", 4 * time.Hour, FreshnessVeryStale},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FreshnessOf(now.Add(-tt.age), now)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBandForRatio(t *testing.T) {
	assert.Equal(t, HealthHealthy, BandForRatio(1.0))
	assert.Equal(t, HealthHealthy, BandForRatio(0.9))
	assert.Equal(t, HealthDegraded, BandForRatio(0.89))
	assert.Equal(t, HealthDegraded, BandForRatio(0.7))
	assert.Equal(t, HealthCritical, BandForRatio(0.69))
	assert.Equal(t, HealthCritical, BandForRatio(0))
}

func TestTokenBundleZero(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	b := TokenBundle{
		AccessToken:  "access",
		RefreshToken: "refresh",
		APIKey:       "key",
		APISecret:    "secret",
		ExpiresAt:    &exp,
	}

	b.Zero()

	assert.Empty(t, b.AccessToken)
	assert.Empty(t, b.RefreshToken)
	assert.Empty(t, b.APIKey)
	assert.Empty(t, b.APISecret)
	assert.Nil(t, b.ExpiresAt)
}

func TestTokenBundleExpiry(t *testing.T) {
	now := time.Now()

	soon := now.Add(5 * time.Minute)
	b := TokenBundle{AccessToken: "x", ExpiresAt: &soon}
	assert.True(t, b.NearExpiry(now, 10*time.Minute))
	assert.False(t, b.Expired(now))

	later := now.Add(time.Hour)
	b.ExpiresAt = &later
	assert.False(t, b.NearExpiry(now, 10*time.Minute))

	past := now.Add(-time.Minute)
	b.ExpiresAt = &past
	assert.True(t, b.Expired(now))

	// No expiry means the broker issues day tokens; treat as not expiring.
	b.ExpiresAt = nil
	assert.False(t, b.NearExpiry(now, 10*time.Minute))
	assert.False(t, b.Expired(now))
}

func TestConnectionProbeStale(t *testing.T) {
	now := time.Now()

	c := &Connection{}
	assert.True(t, c.ProbeStale(now, 10*time.Minute), "never probed is stale")

	recent := now.Add(-2 * time.Minute)
	c.LastProbeAt = &recent
	c.LastProbeOK = true
	assert.False(t, c.ProbeStale(now, 10*time.Minute))

	old := now.Add(-11 * time.Minute)
	c.LastProbeAt = &old
	assert.True(t, c.ProbeStale(now, 10*time.Minute))

	// A recent failed probe is still stale.
	c.LastProbeAt = &recent
	c.LastProbeOK = false
	assert.True(t, c.ProbeStale(now, 10*time.Minute))
}

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorCategory
	}{
		{ErrUnknownBroker, CategoryValidation},
		{ErrBrokerNotImplemented, CategoryUnsupported},
		{ErrNotRefreshable, CategoryUnsupported},
		{ErrCircuitOpen, CategoryCircuitOpen},
		{ErrRateLimited, CategoryRateLimited},
		{ErrConnectionNotFound, CategoryNotFound},
		{ErrDuplicateConnection, CategoryValidation},
		{ErrStateInvalid, CategoryAuthentication},
		{ErrMarketClosed, CategoryValidation},
		{errors.New("boom"), CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			assert.Equal(t, tt.want, CategoryOf(tt.err))
		})
	}

	// Wrapped sentinels keep their category.
	wrapped := fmt.Errorf("fetch positions: %w", ErrCircuitOpen)
	assert.Equal(t, CategoryCircuitOpen, CategoryOf(wrapped))

	// Typed errors win over sentinel matching.
	ge := NewError(CategoryTransport, "TIMEOUT", "request timed out", nil)
	assert.Equal(t, CategoryTransport, CategoryOf(ge))
	assert.True(t, Retryable(ge))
	assert.False(t, Retryable(ErrCircuitOpen))
}

func TestGatewayErrorFormat(t *testing.T) {
	cause := errors.New("connection refused")
	ge := NewError(CategoryTransport, "CONN_REFUSED", "", cause).WithBroker(BrokerZerodha)

	assert.Contains(t, ge.Error(), "TRANSPORT")
	assert.Contains(t, ge.Error(), "ZERODHA")
	assert.Contains(t, ge.Error(), "connection refused")
	assert.True(t, errors.Is(ge, cause))
}
