package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
)

// fakeClock lets tests move through the cooldown without sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time            { return c.t }
func (c *fakeClock) advance(d time.Duration)   { c.t = c.t.Add(d) }
func newFakeClock() *fakeClock                 { return &fakeClock{t: time.Unix(1700000000, 0)} }
func newTestBreaker(c *fakeClock) *Breaker {
	b := NewBreaker("test/read", zerolog.Nop())
	b.now = c.now
	return b
}

func TestBreakerOpensAtFailureThreshold(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	// Nine failures: below the minimum sample count, stays closed.
	for i := 0; i < 9; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())

	// Tenth failure reaches 10 samples at 100% failure.
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	err := b.Allow()
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCircuitOpen))
}

func TestBreakerNeedsHalfTheWindowFailing(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	// 5 failures in 10 samples = exactly 50%: opens.
	for i := 0; i < 5; i++ {
		b.RecordSuccess()
	}
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, StateClosed, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerWindowRolls(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	// Fill the window with successes, then push failures; old successes
	// roll out so 10 failures in the last 20 trips the breaker.
	for i := 0; i < 20; i++ {
		b.RecordSuccess()
	}
	for i := 0; i < 9; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, StateClosed, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerRecoveryCycle(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	require.Equal(t, StateOpen, b.State())

	// Still inside the cooldown.
	clock.advance(29 * time.Second)
	require.Error(t, b.Allow())

	// Cooldown elapsed: trial traffic admitted.
	clock.advance(2 * time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	// Three consecutive successes close the circuit.
	b.RecordSuccess()
	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	clock.advance(cooldown)
	require.NoError(t, b.Allow())
	require.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	// Reopening restarts the cooldown from the failure.
	require.Error(t, b.Allow())
	clock.advance(cooldown)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestSetIsolatesBrokerAndClass(t *testing.T) {
	s := NewSet(zerolog.Nop())

	for i := 0; i < 10; i++ {
		s.RecordFailure(domain.BrokerZerodha, domain.CallClassRead)
	}

	assert.Equal(t, StateOpen, s.State(domain.BrokerZerodha, domain.CallClassRead))
	require.Error(t, s.Allow(domain.BrokerZerodha, domain.CallClassRead))

	// Same broker, different class: unaffected.
	assert.NoError(t, s.Allow(domain.BrokerZerodha, domain.CallClassWrite))
	// Same class, different broker: unaffected.
	assert.NoError(t, s.Allow(domain.BrokerUpstox, domain.CallClassRead))
}

func TestSetSnapshot(t *testing.T) {
	s := NewSet(zerolog.Nop())

	require.NoError(t, s.Allow(domain.BrokerZerodha, domain.CallClassRead))
	for i := 0; i < 10; i++ {
		s.RecordFailure(domain.BrokerUpstox, domain.CallClassOAuth)
	}

	snap := s.Snapshot()
	assert.Equal(t, StateClosed, snap["ZERODHA/read"])
	assert.Equal(t, StateOpen, snap["UPSTOX/oauth"])
}
