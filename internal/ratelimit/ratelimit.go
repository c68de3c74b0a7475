// Package ratelimit enforces per-broker request rates.
//
// Each broker gets a token bucket sized from its profile (1-5 requests per
// second, burst equal to one second of tokens). Waiters block on a permit
// channel; the runtime wakes blocked receivers in FIFO order, which keeps
// acquisition fair under contention.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/brokers"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
)

// TokenBucket rate-limits one broker.
type TokenBucket struct {
	permits chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewTokenBucket creates a bucket producing rps permits per second with a
// burst capacity of rps. The bucket starts full.
func NewTokenBucket(rps int) *TokenBucket {
	if rps < 1 {
		rps = 1
	}
	b := &TokenBucket{
		permits: make(chan struct{}, rps),
		done:    make(chan struct{}),
	}
	for i := 0; i < rps; i++ {
		b.permits <- struct{}{}
	}
	go b.refill(time.Second / time.Duration(rps))
	return b
}

func (b *TokenBucket) refill(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			select {
			case b.permits <- struct{}{}:
			default:
				// Bucket full; excess permits are dropped to cap burst.
			}
		case <-b.done:
			return
		}
	}
}

// Acquire blocks until a permit is available or ctx expires. A canceled
// wait consumes no permit.
func (b *TokenBucket) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRateLimited, err)
	}
	select {
	case <-b.permits:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrRateLimited, ctx.Err())
	case <-b.done:
		return fmt.Errorf("%w: limiter stopped", domain.ErrRateLimited)
	}
}

// Stop terminates the refill goroutine.
func (b *TokenBucket) Stop() {
	b.once.Do(func() { close(b.done) })
}

// Limiter holds one bucket per broker kind.
type Limiter struct {
	buckets map[domain.BrokerKind]*TokenBucket
	log     zerolog.Logger
}

// New builds buckets for every profile in the registry.
func New(registry *brokers.Registry, log zerolog.Logger) *Limiter {
	l := &Limiter{
		buckets: make(map[domain.BrokerKind]*TokenBucket),
		log:     log.With().Str("component", "ratelimit").Logger(),
	}
	for _, p := range registry.All() {
		l.buckets[p.Kind] = NewTokenBucket(p.RateLimitRPS)
	}
	return l
}

// Acquire blocks until the broker's bucket grants a permit or ctx expires.
func (l *Limiter) Acquire(ctx context.Context, kind domain.BrokerKind) error {
	b, ok := l.buckets[kind]
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownBroker, kind)
	}

	start := time.Now()
	if err := b.Acquire(ctx); err != nil {
		l.log.Debug().
			Str("broker", string(kind)).
			Dur("waited", time.Since(start)).
			Msg("Rate limit wait aborted")
		return err
	}

	if waited := time.Since(start); waited > 100*time.Millisecond {
		l.log.Debug().
			Str("broker", string(kind)).
			Dur("waited", waited).
			Msg("Rate limit wait")
	}
	return nil
}

// Stop terminates every bucket's refill goroutine.
func (l *Limiter) Stop() {
	for _, b := range l.buckets {
		b.Stop()
	}
}
