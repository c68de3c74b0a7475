// Package adapters implements the per-broker data plane: portfolio and
// position fetches, account profiles and order placement. Every remote
// call goes through the shared pool, which applies the breaker, the rate
// limiter and credential headers.
//
// Wire DTOs are decoded per broker and mapped to raw domain positions;
// symbol and quantity normalization happens downstream.
package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/httppool"
)

// NewSet builds one adapter per supported broker over the shared pool.
func NewSet(pool *httppool.Pool, log zerolog.Logger) map[domain.BrokerKind]domain.BrokerAdapter {
	return map[domain.BrokerKind]domain.BrokerAdapter{
		domain.BrokerZerodha:  NewZerodha(pool, log),
		domain.BrokerUpstox:   NewUpstox(pool, log),
		domain.BrokerAngelOne: NewAngelOne(pool, log),
		domain.BrokerICICI:    NewICICI(pool, log),
		domain.BrokerFyers:    NewFyers(pool, log),
		domain.BrokerIIFL:     NewIIFL(pool, log),
	}
}

// get performs an authenticated read and decodes the 2xx body into out.
func get(ctx context.Context, pool *httppool.Pool, kind domain.BrokerKind, path string, tokens *domain.TokenBundle, out interface{}) (*httppool.Response, error) {
	return pool.Do(ctx, kind, &httppool.Request{
		Method: http.MethodGet,
		Path:   path,
		Tokens: tokens,
		Result: out,
	})
}

// portfolio assembles the fetch result with latency bookkeeping.
func portfolio(conn *domain.Connection, positions []domain.RawPosition, resp *httppool.Response) *domain.BrokerPortfolio {
	bp := &domain.BrokerPortfolio{
		ConnectionID: conn.ID,
		Broker:       conn.Broker,
		Positions:    positions,
		FetchedAt:    time.Now(),
	}
	if resp != nil {
		bp.Latency = resp.Latency
	}
	return bp
}

// num converts the loosely typed numerics some brokers ship (quoted
// strings, bare numbers) to a float. Unparseable values become zero and
// surface as suspect records after normalization.
func num(n json.Number) float64 {
	f, err := n.Float64()
	if err != nil {
		return 0
	}
	return f
}
