package marketdata

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/brokers/adapters"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/clientdata"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/httppool"
)

const priceScale = 4

// quoteSources is the preference order for live quotes. Only brokers with
// a usable quote endpoint appear here; the first one with an active
// connection wins.
var quoteSources = []domain.BrokerKind{domain.BrokerZerodha, domain.BrokerUpstox}

// TokenSource yields decrypted, refresh-checked credentials for a
// connection. The connection manager implements it.
type TokenSource interface {
	TokensFor(ctx context.Context, conn *domain.Connection) (*domain.TokenBundle, error)
}

// cachedQuote is the cache row for one instrument.
type cachedQuote struct {
	Price           decimal.Decimal `json:"price"`
	CircuitLimitHit bool            `json:"circuit_limit_hit"`
	AsOf            time.Time       `json:"as_of"`
}

// Oracle implements domain.PriceOracle over the TTL cache and the quote
// endpoints of connected brokers. Prices are fleet-wide: any user's healthy
// connection can serve a quote for everyone.
type Oracle struct {
	store  domain.ConnectionStore
	tokens TokenSource
	pool   *httppool.Pool
	cache  *clientdata.Repository
	stream *Stream
	now    func() time.Time
	log    zerolog.Logger
}

var _ domain.PriceOracle = (*Oracle)(nil)

func NewOracle(store domain.ConnectionStore, tokens TokenSource, pool *httppool.Pool, cache *clientdata.Repository, stream *Stream, log zerolog.Logger) *Oracle {
	return &Oracle{
		store:  store,
		tokens: tokens,
		pool:   pool,
		cache:  cache,
		stream: stream,
		now:    time.Now,
		log:    log.With().Str("component", "price_oracle").Logger(),
	}
}

// CurrentPrice returns the last traded price for symbol on exchange.
func (o *Oracle) CurrentPrice(ctx context.Context, symbol, exchange string) (decimal.Decimal, error) {
	q, err := o.quote(ctx, symbol, exchange)
	if err != nil {
		return decimal.Zero, err
	}
	return q.Price, nil
}

// MarketPrice returns the price together with session state and the
// circuit-limit flag the order router validates against.
func (o *Oracle) MarketPrice(ctx context.Context, symbol, exchange string) (*domain.MarketQuote, error) {
	q, err := o.quote(ctx, symbol, exchange)
	if err != nil {
		return nil, err
	}
	return &domain.MarketQuote{
		Symbol:          symbol,
		Exchange:        exchange,
		Price:           q.Price,
		MarketStatus:    o.marketStatus(exchange),
		CircuitLimitHit: q.CircuitLimitHit,
		AsOf:            q.AsOf,
	}, nil
}

// BatchPrices quotes each symbol, skipping failures. A missing entry means
// the caller should fall back (the aggregator uses the weighted average).
func (o *Oracle) BatchPrices(ctx context.Context, symbols []string, exchange string) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, len(symbols))
	for _, symbol := range symbols {
		q, err := o.quote(ctx, symbol, exchange)
		if err != nil {
			o.log.Debug().Err(err).Str("symbol", symbol).Str("exchange", exchange).Msg("no price for symbol")
			continue
		}
		prices[symbol] = q.Price
	}
	return prices, nil
}

func (o *Oracle) marketStatus(exchange string) domain.MarketStatus {
	if o.stream != nil {
		return o.stream.StatusOrClock(exchange, o.now())
	}
	return sessionStatus(exchange, o.now())
}

// quote reads the cache, then the brokers, then the stale cache.
func (o *Oracle) quote(ctx context.Context, symbol, exchange string) (*cachedQuote, error) {
	key := exchange + ":" + symbol

	if raw, err := o.cache.GetIfFresh(clientdata.TableCurrentPrices, key); err == nil && raw != nil {
		var q cachedQuote
		if err := json.Unmarshal(raw, &q); err == nil {
			return &q, nil
		}
	}

	q, err := o.fetchQuote(ctx, symbol, exchange)
	if err == nil {
		if storeErr := o.cache.Store(clientdata.TableCurrentPrices, key, q, clientdata.TTLCurrentPrice); storeErr != nil {
			o.log.Warn().Err(storeErr).Str("key", key).Msg("failed to cache quote")
		}
		return q, nil
	}

	// Stale beats nothing when every source is down.
	if raw, cacheErr := o.cache.Get(clientdata.TableCurrentPrices, key); cacheErr == nil && raw != nil {
		var stale cachedQuote
		if umErr := json.Unmarshal(raw, &stale); umErr == nil {
			o.log.Warn().Str("key", key).Time("as_of", stale.AsOf).Msg("serving stale price")
			return &stale, nil
		}
	}
	return nil, err
}

func (o *Oracle) fetchQuote(ctx context.Context, symbol, exchange string) (*cachedQuote, error) {
	for _, kind := range quoteSources {
		conn := o.pickConnection(ctx, kind)
		if conn == nil {
			continue
		}
		tokens, err := o.tokens.TokensFor(ctx, conn)
		if err != nil {
			o.log.Debug().Err(err).Str("broker", string(kind)).Msg("quote source tokens unavailable")
			continue
		}

		var q *cachedQuote
		switch kind {
		case domain.BrokerZerodha:
			q, err = o.quoteZerodha(ctx, tokens, symbol, exchange)
		case domain.BrokerUpstox:
			q, err = o.quoteUpstox(ctx, tokens, symbol, exchange)
		}
		if err != nil {
			o.log.Debug().Err(err).Str("broker", string(kind)).Str("symbol", symbol).Msg("quote fetch failed")
			continue
		}
		return q, nil
	}
	return nil, domain.NewError(domain.CategoryTransport, "NO_QUOTE_SOURCE",
		"no connected broker can quote "+exchange+":"+symbol, nil)
}

// pickConnection returns the first connected fleet connection for a broker.
func (o *Oracle) pickConnection(ctx context.Context, kind domain.BrokerKind) *domain.Connection {
	conns, err := o.store.FindByStatus(ctx, domain.ConnectionConnected)
	if err != nil {
		o.log.Warn().Err(err).Msg("failed to list connected brokers")
		return nil
	}
	for _, conn := range conns {
		if conn.Broker == kind {
			return conn
		}
	}
	return nil
}

type quoteRow struct {
	LastPrice         float64 `json:"last_price"`
	UpperCircuitLimit float64 `json:"upper_circuit_limit"`
	LowerCircuitLimit float64 `json:"lower_circuit_limit"`
}

func (o *Oracle) quoteZerodha(ctx context.Context, tokens *domain.TokenBundle, symbol, exchange string) (*cachedQuote, error) {
	instrument := exchange + ":" + symbol
	var out struct {
		Data map[string]quoteRow `json:"data"`
	}
	_, err := o.pool.Do(ctx, domain.BrokerZerodha, &httppool.Request{
		Method: http.MethodGet,
		Path:   "/quote",
		Query:  map[string]string{"i": instrument},
		Tokens: tokens,
		Result: &out,
	})
	if err != nil {
		return nil, err
	}
	return firstQuote(out.Data, o.now())
}

func (o *Oracle) quoteUpstox(ctx context.Context, tokens *domain.TokenBundle, symbol, exchange string) (*cachedQuote, error) {
	var out struct {
		Status string              `json:"status"`
		Data   map[string]quoteRow `json:"data"`
	}
	_, err := o.pool.Do(ctx, domain.BrokerUpstox, &httppool.Request{
		Method: http.MethodGet,
		Path:   "/v2/market-quote/quotes",
		Query:  map[string]string{"symbol": adapters.UpstoxInstrumentToken(exchange, symbol)},
		Tokens: tokens,
		Result: &out,
	})
	if err != nil {
		return nil, err
	}
	return firstQuote(out.Data, o.now())
}

// firstQuote maps the single-instrument response (keyed by instrument) to
// a cache row.
func firstQuote(rows map[string]quoteRow, now time.Time) (*cachedQuote, error) {
	for _, row := range rows {
		return &cachedQuote{
			Price:           decimal.NewFromFloat(row.LastPrice).Round(priceScale),
			CircuitLimitHit: circuitHit(row),
			AsOf:            now,
		}, nil
	}
	return nil, domain.NewError(domain.CategoryTransport, "EMPTY_QUOTE", "quote response held no instruments", nil)
}

func circuitHit(row quoteRow) bool {
	if row.UpperCircuitLimit <= 0 && row.LowerCircuitLimit <= 0 {
		return false
	}
	if row.UpperCircuitLimit > 0 && row.LastPrice >= row.UpperCircuitLimit {
		return true
	}
	return row.LowerCircuitLimit > 0 && row.LastPrice <= row.LowerCircuitLimit
}
