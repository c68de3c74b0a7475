// Package normalize converts broker-reported positions into the gateway's
// canonical form: one symbol vocabulary, one exchange vocabulary, unsigned
// quantities with an explicit side, and decimal money at a fixed scale.
//
// Normalization never fails a whole portfolio. A row the rules cannot
// reconcile is returned as a suspect record carrying as much of the raw
// data as survived, and the caller decides whether to surface or drop it.
package normalize

import (
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
)

// PriceScale is the decimal scale for all normalized money fields.
const PriceScale = 4

// fallbackSymbol is used when a broker symbol reduces to nothing.
const fallbackSymbol = "UNKNOWN"

// exchangeAliases maps broker segment identifiers onto canonical exchange
// codes. Unknown values pass through uppercased so new segments degrade
// gracefully instead of being silently rewritten.
var exchangeAliases = map[string]string{
	"NSE_EQ":   "NSE",
	"NSE_FO":   "NFO",
	"NSE_CD":   "CDS",
	"BSE_EQ":   "BSE",
	"BSE_FO":   "BFO",
	"MCX_FO":   "MCX",
	"NCDEX_FO": "NCDEX",
}

// lotReportingBrokers report derivative quantities in lots rather than
// units, so their F&O quantities are multiplied by the contract lot size.
var lotReportingBrokers = map[domain.BrokerKind]bool{
	domain.BrokerAngelOne: true,
	domain.BrokerIIFL:     true,
}

var (
	nonAlnum      = regexp.MustCompile(`[^A-Z0-9]+`)
	seriesSuffix  = regexp.MustCompile(`-(EQ|FO|CD|MCX|BE|BZ)$`)
	isinPattern   = regexp.MustCompile(`^[A-Z]{2}[A-Z0-9]{9}[0-9]$`)
	longSideToken = map[string]bool{"LONG": true, "L": true, "BUY": true, "B": true}
	shortSideToken = map[string]bool{
		"SHORT": true, "S": true, "SELL": true, "SHRT": true,
	}
)

// Normalizer applies per-broker symbol rules and the shared exchange,
// quantity, price and side rules. It is safe for concurrent use.
type Normalizer struct {
	catalog domain.AssetCatalog
	log     zerolog.Logger
}

// New creates a Normalizer backed by the given reference catalog.
func New(catalog domain.AssetCatalog, log zerolog.Logger) *Normalizer {
	return &Normalizer{
		catalog: catalog,
		log:     log.With().Str("component", "normalizer").Logger(),
	}
}

// Portfolio normalizes every position of one broker fetch.
func (n *Normalizer) Portfolio(bp domain.BrokerPortfolio) []domain.NormalizedPosition {
	out := make([]domain.NormalizedPosition, 0, len(bp.Positions))
	for _, raw := range bp.Positions {
		out = append(out, n.Position(raw, bp.Broker, bp.ConnectionID, bp.FetchedAt))
	}
	return out
}

// Position normalizes a single broker-reported row. It never returns an
// error: rows that cannot be reconciled come back with Suspect set.
func (n *Normalizer) Position(raw domain.RawPosition, broker domain.BrokerKind, connID string, asOf time.Time) domain.NormalizedPosition {
	pos := domain.NormalizedPosition{
		SourceSymbol: raw.Symbol,
		Broker:       broker,
		ConnectionID: connID,
		AsOf:         asOf,
	}

	if !finite(raw.Quantity) || !finite(raw.AvgPrice) || !finite(raw.LastPrice) {
		pos.Symbol = cleanSymbol(raw.Symbol)
		pos.Exchange = n.Exchange(raw.Exchange)
		pos.Side = domain.SideLong
		pos.Suspect = true
		pos.SuspectNote = "non-finite numeric fields in broker payload"
		n.log.Warn().
			Str("broker", string(broker)).
			Str("symbol", raw.Symbol).
			Msg("position kept as suspect: non-finite numerics")
		return pos
	}

	pos.Symbol = n.Symbol(broker, raw.Symbol, raw.ISIN)
	pos.Exchange = n.Exchange(raw.Exchange)

	qty := math.Abs(raw.Quantity)
	if lotReportingBrokers[broker] && n.catalog != nil && n.catalog.IsDerivative(pos.Symbol, pos.Exchange) {
		if lot := n.catalog.LotSize(pos.Symbol, pos.Exchange); lot > 1 {
			qty *= float64(lot)
		}
	}
	pos.Quantity = decimal.NewFromFloat(qty).Round(PriceScale)
	pos.AvgPrice = decimal.NewFromFloat(raw.AvgPrice).Round(PriceScale)
	pos.LastPrice = decimal.NewFromFloat(raw.LastPrice).Round(PriceScale)
	pos.PnL = decimal.NewFromFloat(raw.PnL).Round(PriceScale)
	pos.DayChange = decimal.NewFromFloat(raw.DayChange).Round(PriceScale)

	pos.Side = sideFromQuantity(raw.Quantity)
	if token, ok := sideFromToken(raw.Side); ok && raw.Quantity != 0 && token != pos.Side {
		pos.Suspect = true
		pos.SuspectNote = "side token disagrees with signed quantity"
		n.log.Warn().
			Str("broker", string(broker)).
			Str("symbol", pos.Symbol).
			Str("side_token", raw.Side).
			Float64("quantity", raw.Quantity).
			Msg("position kept as suspect: side mismatch")
	}
	return pos
}

// Symbol applies the per-broker symbol rule and the shared cleanup.
// The raw ISIN, when the broker supplies one, beats symbol parsing.
func (n *Normalizer) Symbol(broker domain.BrokerKind, raw, isin string) string {
	if isin != "" && n.catalog != nil {
		if sym, ok := n.catalog.SymbolForISIN(strings.ToUpper(strings.TrimSpace(isin))); ok {
			return sym
		}
	}

	s := strings.ToUpper(strings.TrimSpace(raw))
	switch broker {
	case domain.BrokerZerodha:
		// Kite already uses plain NSE trading symbols.
	case domain.BrokerAngelOne:
		s = seriesSuffix.ReplaceAllString(s, "")
	case domain.BrokerFyers:
		if i := strings.IndexByte(s, ':'); i >= 0 {
			s = s[i+1:]
		}
		s = seriesSuffix.ReplaceAllString(s, "")
	case domain.BrokerUpstox:
		s = n.upstoxSymbol(s)
	case domain.BrokerICICI:
		if fields := strings.Fields(s); len(fields) > 0 {
			s = fields[0]
		}
	}
	return cleanSymbol(s)
}

// upstoxSymbol resolves Upstox instrument keys such as
// "NSE_EQ|INE002A01018". An ISIN right-hand side goes through the catalog;
// anything else after the pipe is treated as the trading symbol.
func (n *Normalizer) upstoxSymbol(s string) string {
	i := strings.IndexByte(s, '|')
	if i < 0 {
		return s
	}
	rhs := s[i+1:]
	if isinPattern.MatchString(rhs) && n.catalog != nil {
		if sym, ok := n.catalog.SymbolForISIN(rhs); ok {
			return sym
		}
	}
	return rhs
}

// Exchange maps a broker exchange or segment identifier onto the canonical
// exchange code. Missing values default to NSE.
func (n *Normalizer) Exchange(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return "NSE"
	}
	if canonical, ok := exchangeAliases[s]; ok {
		return canonical
	}
	return s
}

func cleanSymbol(s string) string {
	s = nonAlnum.ReplaceAllString(strings.ToUpper(s), "")
	if s == "" {
		return fallbackSymbol
	}
	return s
}

func sideFromQuantity(qty float64) domain.PositionSide {
	if qty < 0 {
		return domain.SideShort
	}
	return domain.SideLong
}

// sideFromToken interprets the broker's side/position-type token. The
// second return is false when the token carries no opinion.
func sideFromToken(token string) (domain.PositionSide, bool) {
	t := strings.ToUpper(strings.TrimSpace(token))
	switch {
	case longSideToken[t]:
		return domain.SideLong, true
	case shortSideToken[t]:
		return domain.SideShort, true
	default:
		return "", false
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
