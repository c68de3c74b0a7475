package portfolio

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/aggregate"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/clientdata"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/normalize"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/snapshots"
)

// ConnectionSource lists the fan-out targets for one user.
type ConnectionSource interface {
	ActiveConnections(ctx context.Context, userID string) ([]*domain.Connection, error)
}

// Observer receives per-broker fetch outcomes and snapshot fallbacks for
// instrumentation. A nil observer is valid.
type Observer interface {
	PortfolioFetch(broker string, ok bool)
	SnapshotFallback()
}

// Service orchestrates fetch, normalize and aggregate into the consolidated
// portfolio. Results are cached per user for the clientdata portfolio TTL;
// concurrent misses for the same user collapse into one consolidation.
type Service struct {
	conns      ConnectionSource
	fetcher    *Fetcher
	normalizer *normalize.Normalizer
	aggregator *aggregate.Aggregator
	cache      *clientdata.Repository
	history    *snapshots.Store
	observer   Observer
	group      singleflight.Group
	now        func() time.Time
	log        zerolog.Logger
}

func NewService(conns ConnectionSource, fetcher *Fetcher, normalizer *normalize.Normalizer, aggregator *aggregate.Aggregator, cache *clientdata.Repository, history *snapshots.Store, observer Observer, log zerolog.Logger) *Service {
	return &Service{
		conns:      conns,
		fetcher:    fetcher,
		normalizer: normalizer,
		aggregator: aggregator,
		cache:      cache,
		history:    history,
		observer:   observer,
		now:        time.Now,
		log:        log.With().Str("service", "portfolio").Logger(),
	}
}

// recordOutcomes reports each broker's fetch result to the observer.
func (s *Service) recordOutcomes(portfolios []domain.BrokerPortfolio, failures []domain.BrokerFetchError) {
	if s.observer == nil {
		return
	}
	for _, bp := range portfolios {
		s.observer.PortfolioFetch(string(bp.Broker), true)
	}
	for _, f := range failures {
		s.observer.PortfolioFetch(string(f.Broker), false)
	}
}

// Get returns the user's consolidated portfolio, from cache when fresh.
func (s *Service) Get(ctx context.Context, userID string) (*domain.ConsolidatedPortfolio, error) {
	if raw, err := s.cache.GetIfFresh(clientdata.TablePortfolioCache, userID); err == nil && raw != nil {
		var cached domain.ConsolidatedPortfolio
		if err := json.Unmarshal(raw, &cached); err == nil {
			return &cached, nil
		}
	}

	v, err, _ := s.group.Do(userID, func() (interface{}, error) {
		return s.consolidate(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.ConsolidatedPortfolio), nil
}

// consolidate runs the full pipeline once. A fan-out where every broker
// failed falls back to the user's last good snapshot when one exists.
func (s *Service) consolidate(ctx context.Context, userID string) (*domain.ConsolidatedPortfolio, error) {
	conns, err := s.conns.ActiveConnections(ctx, userID)
	if err != nil {
		return nil, err
	}

	portfolios, failures, err := s.fetcher.FetchAll(ctx, conns)
	s.recordOutcomes(portfolios, failures)
	if err != nil {
		if errors.Is(err, domain.ErrAllBrokersFailed) {
			if snap := s.lastGood(ctx, userID, failures); snap != nil {
				return snap, nil
			}
		}
		return nil, err
	}

	var normalized []domain.NormalizedPosition
	for _, bp := range portfolios {
		normalized = append(normalized, s.normalizer.Portfolio(bp)...)
	}

	consolidated := s.aggregator.Consolidate(ctx, userID, normalized, failures, s.now())

	if err := s.cache.Store(clientdata.TablePortfolioCache, userID, consolidated, clientdata.TTLPortfolio); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("failed to cache portfolio")
	}
	if len(failures) == 0 && len(conns) > 0 {
		if err := s.history.Save(ctx, consolidated); err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Msg("failed to store portfolio snapshot")
		}
	}
	return consolidated, nil
}

func (s *Service) lastGood(ctx context.Context, userID string, failures []domain.BrokerFetchError) *domain.ConsolidatedPortfolio {
	snap, err := s.history.LastGood(ctx, userID)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("failed to load snapshot fallback")
		return nil
	}
	if snap == nil {
		return nil
	}

	snap.FromSnapshot = true
	snap.Freshness = domain.FreshnessOf(snap.AsOf, s.now())
	snap.Errors = failures
	if s.observer != nil {
		s.observer.SnapshotFallback()
	}
	s.log.Warn().
		Str("user_id", userID).
		Time("as_of", snap.AsOf).
		Msg("all brokers failed, serving last good snapshot")
	return snap
}

// Positions returns the user's intraday positions, normalized per broker
// but not aggregated. Not cached; intraday books move too fast.
func (s *Service) Positions(ctx context.Context, userID string) ([]domain.NormalizedPosition, []domain.BrokerFetchError, error) {
	conns, err := s.conns.ActiveConnections(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	portfolios, failures, err := s.fetcher.FetchAllPositions(ctx, conns)
	s.recordOutcomes(portfolios, failures)
	if err != nil {
		return nil, failures, err
	}

	var normalized []domain.NormalizedPosition
	for _, bp := range portfolios {
		normalized = append(normalized, s.normalizer.Portfolio(bp)...)
	}
	return normalized, failures, nil
}

// Invalidate drops the user's cached consolidation. Wired to connection
// lifecycle changes so a connect or disconnect is visible immediately.
func (s *Service) Invalidate(userID string) {
	if err := s.cache.Delete(clientdata.TablePortfolioCache, userID); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("failed to invalidate portfolio cache")
	}
}

// History lists the user's stored snapshots, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]snapshots.Snapshot, error) {
	return s.history.List(ctx, userID, limit)
}

// HistoryEntry loads one stored snapshot in full.
func (s *Service) HistoryEntry(ctx context.Context, userID string, id int64) (*domain.ConsolidatedPortfolio, error) {
	return s.history.Find(ctx, userID, id)
}
