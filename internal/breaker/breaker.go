// Package breaker implements per-broker, per-class circuit breaking.
//
// Every broker gets independent breakers for oauth, read and write traffic
// so an outage in one class never blocks the others. State machine:
//
//	Closed    -> Open      when >=50% of the last 20 calls failed, with at
//	                       least 10 samples recorded
//	Open      -> HalfOpen  after a 30s cooldown
//	HalfOpen  -> Closed    after 3 consecutive successes
//	HalfOpen  -> Open      on any failure
package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

const (
	windowSize        = 20
	minSamples        = 10
	failureThreshold  = 0.5
	cooldown          = 30 * time.Second
	halfOpenSuccesses = 3
)

// Breaker guards one (broker, class) traffic stream.
type Breaker struct {
	mu sync.Mutex

	name  string
	state State

	// Rolling outcome window, true = failure.
	window  [windowSize]bool
	idx     int
	samples int
	fails   int

	openedAt  time.Time
	trialWins int

	now func() time.Time
	log zerolog.Logger
}

// NewBreaker creates a closed breaker. The name appears in logs and
// state snapshots, typically "<broker>/<class>".
func NewBreaker(name string, log zerolog.Logger) *Breaker {
	return &Breaker{
		name:  name,
		state: StateClosed,
		now:   time.Now,
		log:   log.With().Str("component", "breaker").Str("breaker", name).Logger(),
	}
}

// Allow reports whether a call may proceed. In Open state it returns
// ErrCircuitOpen until the cooldown elapses, then flips to HalfOpen and
// admits trial calls.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) >= cooldown {
			b.transition(StateHalfOpen)
			return nil
		}
		return fmt.Errorf("%w: %s", domain.ErrCircuitOpen, b.name)
	}
	return nil
}

// RecordSuccess feeds a successful call outcome.
func (b *Breaker) RecordSuccess() {
	b.record(false)
}

// RecordFailure feeds a failed call outcome.
func (b *Breaker) RecordFailure() {
	b.record(true)
}

func (b *Breaker) record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.push(failed)
		if b.samples >= minSamples && b.failureRatio() >= failureThreshold {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		if failed {
			b.openedAt = b.now()
			b.transition(StateOpen)
			return
		}
		b.trialWins++
		if b.trialWins >= halfOpenSuccesses {
			b.transition(StateClosed)
		}
	case StateOpen:
		// Calls admitted just before the flip may still report here; the
		// window restarts when the breaker half-opens, so drop them.
	}
}

func (b *Breaker) push(failed bool) {
	if b.samples == windowSize {
		if b.window[b.idx] {
			b.fails--
		}
	} else {
		b.samples++
	}
	b.window[b.idx] = failed
	if failed {
		b.fails++
	}
	b.idx = (b.idx + 1) % windowSize
}

func (b *Breaker) failureRatio() float64 {
	if b.samples == 0 {
		return 0
	}
	return float64(b.fails) / float64(b.samples)
}

// transition must be called with the lock held.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.trialWins = 0
	if to == StateClosed || to == StateHalfOpen {
		b.resetWindow()
	}
	b.log.Warn().
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Circuit breaker state change")
}

func (b *Breaker) resetWindow() {
	b.window = [windowSize]bool{}
	b.idx = 0
	b.samples = 0
	b.fails = 0
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

type key struct {
	kind  domain.BrokerKind
	class domain.CallClass
}

// Set manages breakers keyed by (broker, class), creating them lazily.
type Set struct {
	mu       sync.Mutex
	breakers map[key]*Breaker
	log      zerolog.Logger
}

// NewSet creates an empty breaker set.
func NewSet(log zerolog.Logger) *Set {
	return &Set{
		breakers: make(map[key]*Breaker),
		log:      log,
	}
}

func (s *Set) get(kind domain.BrokerKind, class domain.CallClass) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{kind, class}
	b, ok := s.breakers[k]
	if !ok {
		b = NewBreaker(fmt.Sprintf("%s/%s", kind, class), s.log)
		s.breakers[k] = b
	}
	return b
}

// Allow checks the breaker for the given traffic stream.
func (s *Set) Allow(kind domain.BrokerKind, class domain.CallClass) error {
	return s.get(kind, class).Allow()
}

// RecordSuccess feeds a success into the stream's breaker.
func (s *Set) RecordSuccess(kind domain.BrokerKind, class domain.CallClass) {
	s.get(kind, class).RecordSuccess()
}

// RecordFailure feeds a failure into the stream's breaker.
func (s *Set) RecordFailure(kind domain.BrokerKind, class domain.CallClass) {
	s.get(kind, class).RecordFailure()
}

// State returns the stream's current breaker position.
func (s *Set) State(kind domain.BrokerKind, class domain.CallClass) State {
	return s.get(kind, class).State()
}

// Snapshot returns every instantiated breaker's state, keyed by
// "<broker>/<class>". Used by health reporting and metrics.
func (s *Set) Snapshot() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.breakers))
	for k, b := range s.breakers {
		out[fmt.Sprintf("%s/%s", k.kind, k.class)] = b.State()
	}
	return out
}
