// Package fx converts between currencies for display. The gateway's base
// currency is INR; conversions only apply when a caller asks for another
// currency, so a degraded FX upstream must never break portfolio serving.
package fx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/clientdata"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
)

const (
	// DefaultBaseURL is an exchangerate-api.com style endpoint serving
	// GET <base>/<currency> with a "rates" map.
	DefaultBaseURL = "https://api.exchangerate-api.com/v4/latest"

	conversionScale = 4
)

// cachedRate is the cache row for one currency pair.
type cachedRate struct {
	Rate float64 `json:"rate"`
}

// Service implements domain.FxOracle with a 15-minute cache and a
// stale-read fallback. Unknown currencies convert at identity.
type Service struct {
	baseURL string
	http    *resty.Client
	cache   *clientdata.Repository
	log     zerolog.Logger
}

var _ domain.FxOracle = (*Service)(nil)

func NewService(baseURL string, cache *clientdata.Repository, log zerolog.Logger) *Service {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Service{
		baseURL: baseURL,
		http:    resty.New().SetTimeout(10 * time.Second),
		cache:   cache,
		log:     log.With().Str("client", "fx").Logger(),
	}
}

// Rate returns the from→to conversion rate.
func (s *Service) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	if from == to || from == "" || to == "" {
		return decimal.NewFromInt(1), nil
	}

	pair := from + ":" + to
	if raw, err := s.cache.GetIfFresh(clientdata.TableFxRates, pair); err == nil && raw != nil {
		var cached cachedRate
		if err := json.Unmarshal(raw, &cached); err == nil {
			return decimal.NewFromFloat(cached.Rate), nil
		}
	}

	rate, err := s.fetch(ctx, from, to)
	if err == nil {
		if storeErr := s.cache.Store(clientdata.TableFxRates, pair, cachedRate{Rate: rate}, clientdata.TTLFxRate); storeErr != nil {
			s.log.Warn().Err(storeErr).Str("pair", pair).Msg("failed to cache fx rate")
		}
		return decimal.NewFromFloat(rate), nil
	}

	if stale, ok := s.staleRate(pair); ok {
		s.log.Warn().Err(err).Str("pair", pair).Float64("rate", stale).Msg("fx upstream failed, using stale rate")
		return decimal.NewFromFloat(stale), nil
	}
	return decimal.Zero, fmt.Errorf("failed to get fx rate %s: %w", pair, err)
}

// Convert applies the from→to rate to an amount, rounded to money scale.
func (s *Service) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	rate, err := s.Rate(ctx, from, to)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(rate).Round(conversionScale), nil
}

// DisplayPortfolio returns a copy of p with every monetary field converted
// from the portfolio's base currency into target. Percentages and
// quantities are unitless and carry over unchanged; the input is never
// modified. Asking for the base currency returns p as-is.
func (s *Service) DisplayPortfolio(ctx context.Context, p *domain.ConsolidatedPortfolio, target string) (*domain.ConsolidatedPortfolio, error) {
	if target == "" || target == p.BaseCurrency {
		return p, nil
	}
	rate, err := s.Rate(ctx, p.BaseCurrency, target)
	if err != nil {
		return nil, err
	}
	conv := func(v decimal.Decimal) decimal.Decimal {
		return v.Mul(rate).Round(conversionScale)
	}

	out := *p
	out.BaseCurrency = target
	out.TotalValue = conv(p.TotalValue)
	out.TotalCost = conv(p.TotalCost)
	out.TotalPnL = conv(p.TotalPnL)
	out.DayChange = conv(p.DayChange)

	out.Positions = make([]domain.ConsolidatedPosition, len(p.Positions))
	for i, pos := range p.Positions {
		pos.TotalCost = conv(pos.TotalCost)
		pos.WeightedAvgPrice = conv(pos.WeightedAvgPrice)
		pos.CurrentPrice = conv(pos.CurrentPrice)
		pos.CurrentValue = conv(pos.CurrentValue)
		pos.UnrealizedPnL = conv(pos.UnrealizedPnL)
		pos.DayChange = conv(pos.DayChange)
		slices := make([]domain.BrokerSlice, len(pos.Brokers))
		for j, slice := range pos.Brokers {
			slice.AvgPrice = conv(slice.AvgPrice)
			slice.Value = conv(slice.Value)
			slices[j] = slice
		}
		pos.Brokers = slices
		out.Positions[i] = pos
	}

	out.BrokerBreakdown = make([]domain.BrokerBreakdown, len(p.BrokerBreakdown))
	for i, bb := range p.BrokerBreakdown {
		bb.Value = conv(bb.Value)
		out.BrokerBreakdown[i] = bb
	}

	out.AssetAllocation = make([]domain.AssetAllocation, len(p.AssetAllocation))
	for i, aa := range p.AssetAllocation {
		aa.Value = conv(aa.Value)
		out.AssetAllocation[i] = aa
	}
	return &out, nil
}

func (s *Service) fetch(ctx context.Context, from, to string) (float64, error) {
	var result struct {
		Rates map[string]float64 `json:"rates"`
	}
	resp, err := s.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get(s.baseURL + "/" + from)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch rates for %s: %w", from, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("fx upstream returned status %d", resp.StatusCode())
	}

	rate, ok := result.Rates[to]
	if !ok {
		// The upstream knows the base but not the target: treat the pair
		// as unconvertible and fall back to identity.
		s.log.Warn().Str("from", from).Str("to", to).Msg("unknown currency pair, converting at identity")
		return 1, nil
	}
	if rate <= 0 {
		return 0, fmt.Errorf("fx upstream returned non-positive rate %v for %s:%s", rate, from, to)
	}
	return rate, nil
}

func (s *Service) staleRate(pair string) (float64, bool) {
	raw, err := s.cache.Get(clientdata.TableFxRates, pair)
	if err != nil || raw == nil {
		return 0, false
	}
	var cached cachedRate
	if err := json.Unmarshal(raw, &cached); err != nil {
		return 0, false
	}
	return cached.Rate, true
}
