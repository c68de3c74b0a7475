// Package portfolio fans fetches out across a user's connected brokers
// and serves the consolidated result with a short cache, singleflight
// consolidation and a last-known-good snapshot fallback.
package portfolio

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
)

// fetchDeadline is the shared budget for one fan-out. A slow broker eats
// its own share of it, never another broker's.
const fetchDeadline = 2 * time.Second

// TokenSource supplies decrypted, refresh-managed token bundles.
type TokenSource interface {
	TokensFor(ctx context.Context, conn *domain.Connection) (*domain.TokenBundle, error)
}

// Fetcher queries connections in parallel under one shared deadline.
// Individual failures are collected, not propagated; only a fully failed
// fan-out is an error.
type Fetcher struct {
	adapters map[domain.BrokerKind]domain.BrokerAdapter
	tokens   TokenSource
	log      zerolog.Logger
}

func NewFetcher(adapters map[domain.BrokerKind]domain.BrokerAdapter, tokens TokenSource, log zerolog.Logger) *Fetcher {
	return &Fetcher{
		adapters: adapters,
		tokens:   tokens,
		log:      log.With().Str("component", "portfolio_fetcher").Logger(),
	}
}

type fetchOutcome struct {
	portfolio *domain.BrokerPortfolio
	fail      *domain.BrokerFetchError
}

// FetchAll retrieves holdings from every connection. It returns the
// successful portfolios, the per-broker failures, and ErrAllBrokersFailed
// when no connection produced a result.
func (f *Fetcher) FetchAll(ctx context.Context, conns []*domain.Connection) ([]domain.BrokerPortfolio, []domain.BrokerFetchError, error) {
	return f.fanOut(ctx, conns, func(ctx context.Context, adapter domain.BrokerAdapter, conn *domain.Connection, tokens *domain.TokenBundle) (*domain.BrokerPortfolio, error) {
		return adapter.FetchPortfolio(ctx, conn, tokens)
	})
}

// FetchAllPositions retrieves intraday positions from every connection,
// wrapped per connection so they flow through the same normalization.
func (f *Fetcher) FetchAllPositions(ctx context.Context, conns []*domain.Connection) ([]domain.BrokerPortfolio, []domain.BrokerFetchError, error) {
	return f.fanOut(ctx, conns, func(ctx context.Context, adapter domain.BrokerAdapter, conn *domain.Connection, tokens *domain.TokenBundle) (*domain.BrokerPortfolio, error) {
		positions, err := adapter.FetchPositions(ctx, conn, tokens)
		if err != nil {
			return nil, err
		}
		return &domain.BrokerPortfolio{
			ConnectionID: conn.ID,
			Broker:       conn.Broker,
			Positions:    positions,
			FetchedAt:    time.Now(),
		}, nil
	})
}

type fetchFunc func(ctx context.Context, adapter domain.BrokerAdapter, conn *domain.Connection, tokens *domain.TokenBundle) (*domain.BrokerPortfolio, error)

func (f *Fetcher) fanOut(ctx context.Context, conns []*domain.Connection, fetch fetchFunc) ([]domain.BrokerPortfolio, []domain.BrokerFetchError, error) {
	if len(conns) == 0 {
		return nil, nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, fetchDeadline)
	defer cancel()

	outcomes := make(chan fetchOutcome, len(conns))
	for _, conn := range conns {
		go func(conn *domain.Connection) {
			outcomes <- f.fetchOne(ctx, conn, fetch)
		}(conn)
	}

	var (
		portfolios []domain.BrokerPortfolio
		failures   []domain.BrokerFetchError
	)
	for range conns {
		out := <-outcomes
		if out.fail != nil {
			failures = append(failures, *out.fail)
			continue
		}
		portfolios = append(portfolios, *out.portfolio)
	}

	// Completion order is scheduling-dependent; sort for stable output.
	sort.SliceStable(portfolios, func(i, j int) bool {
		if portfolios[i].Broker != portfolios[j].Broker {
			return portfolios[i].Broker < portfolios[j].Broker
		}
		return portfolios[i].ConnectionID < portfolios[j].ConnectionID
	})
	sort.SliceStable(failures, func(i, j int) bool {
		if failures[i].Broker != failures[j].Broker {
			return failures[i].Broker < failures[j].Broker
		}
		return failures[i].ConnectionID < failures[j].ConnectionID
	})

	if len(portfolios) == 0 {
		return nil, failures, fmt.Errorf("%w: %d connections attempted", domain.ErrAllBrokersFailed, len(conns))
	}
	return portfolios, failures, nil
}

func (f *Fetcher) fetchOne(ctx context.Context, conn *domain.Connection, fetch fetchFunc) fetchOutcome {
	adapter, ok := f.adapters[conn.Broker]
	if !ok {
		return failure(conn, fmt.Errorf("%w: %s", domain.ErrUnknownBroker, conn.Broker))
	}

	tokens, err := f.tokens.TokensFor(ctx, conn)
	if err != nil {
		return failure(conn, err)
	}
	defer tokens.Zero()

	bp, err := fetch(ctx, adapter, conn, tokens)
	if err != nil {
		f.log.Warn().Err(err).
			Str("connection_id", conn.ID).
			Str("broker", string(conn.Broker)).
			Msg("broker fetch failed")
		return failure(conn, err)
	}
	return fetchOutcome{portfolio: bp}
}

func failure(conn *domain.Connection, err error) fetchOutcome {
	return fetchOutcome{fail: &domain.BrokerFetchError{
		Broker:       conn.Broker,
		ConnectionID: conn.ID,
		Message:      err.Error(),
	}}
}
