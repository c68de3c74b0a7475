// Package aggregate consolidates normalized positions across brokers into
// a single portfolio view: one row per symbol with broker slices, portfolio
// totals, per-broker and per-asset-class breakdowns and a freshness grade.
package aggregate

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
)

// scale is the decimal scale for all aggregated money fields.
const scale = 4

var hundred = decimal.NewFromInt(100)

// Aggregator groups normalized positions by symbol and prices the result.
// Missing oracle prices fall back to the weighted average cost, so the
// aggregator itself never fails a consolidation.
type Aggregator struct {
	oracle  domain.PriceOracle
	catalog domain.AssetCatalog
	log     zerolog.Logger
}

// New creates an Aggregator. The oracle may be nil, in which case every
// position is valued at its weighted average cost.
func New(oracle domain.PriceOracle, catalog domain.AssetCatalog, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		oracle:  oracle,
		catalog: catalog,
		log:     log.With().Str("component", "aggregator").Logger(),
	}
}

type sliceAcc struct {
	broker domain.BrokerKind
	connID string
	qty    decimal.Decimal
	cost   decimal.Decimal
}

type groupAcc struct {
	symbol    string
	exchange  string
	qty       decimal.Decimal
	cost      decimal.Decimal
	dayChange decimal.Decimal
	slices    map[string]*sliceAcc
	order     []string
}

// Consolidate builds the cross-broker portfolio for one user. Suspect
// records are excluded from all math; fetchErrs are carried through so the
// caller can report partial results.
func (a *Aggregator) Consolidate(ctx context.Context, userID string, positions []domain.NormalizedPosition, fetchErrs []domain.BrokerFetchError, now time.Time) *domain.ConsolidatedPortfolio {
	groups := make(map[string]*groupAcc)
	var order []string
	oldest := now
	suspects := 0

	for _, pos := range positions {
		if pos.Suspect {
			suspects++
			continue
		}
		if !pos.AsOf.IsZero() && pos.AsOf.Before(oldest) {
			oldest = pos.AsOf
		}

		g, ok := groups[pos.Symbol]
		if !ok {
			g = &groupAcc{
				symbol:   pos.Symbol,
				exchange: pos.Exchange,
				slices:   make(map[string]*sliceAcc),
			}
			groups[pos.Symbol] = g
			order = append(order, pos.Symbol)
		}

		qty := pos.Quantity
		if pos.Side == domain.SideShort {
			qty = qty.Neg()
		}
		cost := qty.Mul(pos.AvgPrice)

		g.qty = g.qty.Add(qty)
		g.cost = g.cost.Add(cost)
		g.dayChange = g.dayChange.Add(pos.DayChange)

		s, ok := g.slices[pos.ConnectionID]
		if !ok {
			s = &sliceAcc{broker: pos.Broker, connID: pos.ConnectionID}
			g.slices[pos.ConnectionID] = s
			g.order = append(g.order, pos.ConnectionID)
		}
		s.qty = s.qty.Add(qty)
		s.cost = s.cost.Add(cost)
	}

	if suspects > 0 {
		a.log.Warn().
			Str("user_id", userID).
			Int("suspects", suspects).
			Msg("suspect positions excluded from consolidation")
	}

	prices := a.fetchPrices(ctx, groups)

	out := &domain.ConsolidatedPortfolio{
		UserID:       userID,
		BaseCurrency: domain.BaseCurrency,
		Errors:       fetchErrs,
		AsOf:         now,
	}

	breakdown := make(map[string]*domain.BrokerBreakdown)
	var breakdownOrder []string
	allocation := make(map[string]decimal.Decimal)

	for _, symbol := range order {
		g := groups[symbol]

		wavg := safeDiv(g.cost, g.qty)
		price, priced := prices[symbol]
		if !priced || price.IsZero() {
			price = wavg
		}

		value := g.qty.Mul(price).Round(scale)
		pnl := value.Sub(g.cost).Round(scale)

		cp := domain.ConsolidatedPosition{
			Symbol:           symbol,
			Exchange:         g.exchange,
			AssetClass:       "EQUITY",
			TotalQuantity:    g.qty,
			TotalCost:        g.cost.Round(scale),
			WeightedAvgPrice: wavg,
			CurrentPrice:     price,
			CurrentValue:     value,
			UnrealizedPnL:    pnl,
			PnLPct:           pctOf(pnl, g.cost),
			DayChange:        g.dayChange.Round(scale),
			DayChangePct:     pctOf(g.dayChange, value.Sub(g.dayChange)),
		}
		if a.catalog != nil {
			cp.CompanyName = a.catalog.CompanyName(symbol)
			cp.Sector = a.catalog.Sector(symbol)
			cp.AssetClass = a.catalog.AssetClass(symbol)
		}

		for _, connID := range g.order {
			s := g.slices[connID]
			sliceValue := s.qty.Mul(price).Round(scale)
			cp.Brokers = append(cp.Brokers, domain.BrokerSlice{
				Broker:       s.broker,
				ConnectionID: s.connID,
				Quantity:     s.qty,
				AvgPrice:     safeDiv(s.cost, s.qty),
				Value:        sliceValue,
			})

			b, ok := breakdown[connID]
			if !ok {
				b = &domain.BrokerBreakdown{Broker: s.broker, ConnectionID: connID}
				breakdown[connID] = b
				breakdownOrder = append(breakdownOrder, connID)
			}
			b.Value = b.Value.Add(sliceValue)
			b.Positions++
		}
		sort.SliceStable(cp.Brokers, func(i, j int) bool {
			return cp.Brokers[i].Value.GreaterThan(cp.Brokers[j].Value)
		})

		allocation[cp.AssetClass] = allocation[cp.AssetClass].Add(value)

		out.TotalValue = out.TotalValue.Add(value)
		out.TotalCost = out.TotalCost.Add(g.cost)
		out.DayChange = out.DayChange.Add(g.dayChange)
		out.Positions = append(out.Positions, cp)
	}

	out.TotalValue = out.TotalValue.Round(scale)
	out.TotalCost = out.TotalCost.Round(scale)
	out.TotalPnL = out.TotalValue.Sub(out.TotalCost).Round(scale)
	out.PnLPct = pctOf(out.TotalPnL, out.TotalCost)
	out.DayChange = out.DayChange.Round(scale)
	out.DayChangePct = pctOf(out.DayChange, out.TotalValue.Sub(out.DayChange))

	sort.SliceStable(out.Positions, func(i, j int) bool {
		a, b := out.Positions[i], out.Positions[j]
		if !a.CurrentValue.Equal(b.CurrentValue) {
			return a.CurrentValue.GreaterThan(b.CurrentValue)
		}
		return a.Symbol < b.Symbol
	})

	for _, connID := range breakdownOrder {
		b := breakdown[connID]
		b.Value = b.Value.Round(scale)
		b.AllocationPct = pctOf(b.Value, out.TotalValue)
		out.BrokerBreakdown = append(out.BrokerBreakdown, *b)
	}
	sort.SliceStable(out.BrokerBreakdown, func(i, j int) bool {
		return out.BrokerBreakdown[i].Value.GreaterThan(out.BrokerBreakdown[j].Value)
	})

	for class, value := range allocation {
		out.AssetAllocation = append(out.AssetAllocation, domain.AssetAllocation{
			AssetClass: class,
			Value:      value.Round(scale),
			Pct:        pctOf(value, out.TotalValue),
		})
	}
	sort.SliceStable(out.AssetAllocation, func(i, j int) bool {
		a, b := out.AssetAllocation[i], out.AssetAllocation[j]
		if !a.Value.Equal(b.Value) {
			return a.Value.GreaterThan(b.Value)
		}
		return a.AssetClass < b.AssetClass
	})

	out.Freshness = domain.FreshnessOf(oldest, now)
	return out
}

// fetchPrices batches oracle lookups per exchange. Oracle failures are
// logged and treated as missing prices.
func (a *Aggregator) fetchPrices(ctx context.Context, groups map[string]*groupAcc) map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal)
	if a.oracle == nil || len(groups) == 0 {
		return prices
	}

	byExchange := make(map[string][]string)
	for symbol, g := range groups {
		byExchange[g.exchange] = append(byExchange[g.exchange], symbol)
	}

	exchanges := make([]string, 0, len(byExchange))
	for exchange := range byExchange {
		exchanges = append(exchanges, exchange)
	}
	sort.Strings(exchanges)

	for _, exchange := range exchanges {
		symbols := byExchange[exchange]
		sort.Strings(symbols)
		batch, err := a.oracle.BatchPrices(ctx, symbols, exchange)
		if err != nil {
			a.log.Warn().Err(err).
				Str("exchange", exchange).
				Int("symbols", len(symbols)).
				Msg("price lookup failed, valuing at weighted average cost")
			continue
		}
		for symbol, price := range batch {
			prices[symbol] = price
		}
	}
	return prices
}

// safeDiv divides at the aggregation scale, returning 0 for a zero divisor.
func safeDiv(num, den decimal.Decimal) decimal.Decimal {
	if den.IsZero() {
		return decimal.Zero
	}
	return num.DivRound(den, scale)
}

// pctOf returns part/whole as a percentage, 0 when the whole is zero.
func pctOf(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Mul(hundred).DivRound(whole.Abs(), scale)
}
