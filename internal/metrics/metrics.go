// Package metrics exposes the gateway's Prometheus instruments. One
// Metrics value is shared by the HTTP pool observer hook and the API
// handlers; /metrics serves its registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/breaker"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/httppool"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/oauth"
)

// Metrics holds the gateway instruments on a private registry so tests
// never collide on global registration state.
type Metrics struct {
	registry *prometheus.Registry

	brokerCalls    *prometheus.CounterVec
	brokerLatency  *prometheus.HistogramVec
	brokerFailures *prometheus.CounterVec
	rateWaits      *prometheus.HistogramVec
	refreshJoins   *prometheus.CounterVec
	ordersRouted   *prometheus.CounterVec
	fetches        *prometheus.CounterVec
	snapshotFalls  prometheus.Counter
}

var (
	_ httppool.Observer     = (*Metrics)(nil)
	_ oauth.RefreshObserver = (*Metrics)(nil)
)

// New builds the instrument set and registers it, along with the process
// and Go runtime collectors and a live view of the breaker set.
func New(breakers *breaker.Set) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		brokerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_broker_calls_total",
			Help: "Broker API calls by traffic class and HTTP status.",
		}, []string{"broker", "class", "status"}),
		brokerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_broker_call_duration_seconds",
			Help:    "Broker API call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"broker", "class"}),
		brokerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_broker_call_failures_total",
			Help: "Broker API calls that failed or returned an error status.",
		}, []string{"broker", "class"}),
		rateWaits: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_rate_limit_wait_seconds",
			Help:    "Time each call attempt waited for its rate-limit permit.",
			Buckets: prometheus.DefBuckets,
		}, []string{"broker"}),
		refreshJoins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_token_refresh_joins_total",
			Help: "Token refresh calls that shared a single in-flight broker exchange.",
		}, []string{"broker"}),
		ordersRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_orders_routed_total",
			Help: "Orders routed by broker, type and final status.",
		}, []string{"broker", "type", "status"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_portfolio_fetches_total",
			Help: "Per-broker portfolio fetch outcomes during fan-out.",
		}, []string{"broker", "outcome"}),
		snapshotFalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_portfolio_snapshot_fallbacks_total",
			Help: "Consolidations served from the last good snapshot.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.brokerCalls,
		m.brokerLatency,
		m.brokerFailures,
		m.rateWaits,
		m.refreshJoins,
		m.ordersRouted,
		m.fetches,
		m.snapshotFalls,
		newBreakerCollector(breakers),
	)
	return m
}

// ObserveBrokerCall satisfies the HTTP pool's observer hook.
func (m *Metrics) ObserveBrokerCall(broker, class string, statusCode int, latency time.Duration, failed bool) {
	m.brokerCalls.WithLabelValues(broker, class, strconv.Itoa(statusCode)).Inc()
	m.brokerLatency.WithLabelValues(broker, class).Observe(latency.Seconds())
	if failed {
		m.brokerFailures.WithLabelValues(broker, class).Inc()
	}
}

// ObserveRateLimitWait records time spent in the pool's rate-limit gate.
func (m *Metrics) ObserveRateLimitWait(broker string, wait time.Duration) {
	m.rateWaits.WithLabelValues(broker).Observe(wait.Seconds())
}

// RefreshJoined counts a token refresh served by an already in-flight
// exchange for the same connection.
func (m *Metrics) RefreshJoined(broker string) {
	m.refreshJoins.WithLabelValues(broker).Inc()
}

// OrderRouted records one routed order by its final status.
func (m *Metrics) OrderRouted(broker, orderType, status string) {
	m.ordersRouted.WithLabelValues(broker, orderType, status).Inc()
}

// PortfolioFetch records one per-broker fan-out outcome.
func (m *Metrics) PortfolioFetch(broker string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.fetches.WithLabelValues(broker, outcome).Inc()
}

// SnapshotFallback records a consolidation served from history.
func (m *Metrics) SnapshotFallback() {
	m.snapshotFalls.Inc()
}

// Registry returns the backing registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// breakerCollector reads breaker positions at scrape time instead of
// mirroring state transitions into a gauge.
type breakerCollector struct {
	set  *breaker.Set
	desc *prometheus.Desc
}

func newBreakerCollector(set *breaker.Set) *breakerCollector {
	return &breakerCollector{
		set: set,
		desc: prometheus.NewDesc(
			"gateway_breaker_state",
			"Circuit breaker position per broker/class stream (0 closed, 1 half-open, 2 open).",
			[]string{"stream"}, nil,
		),
	}
}

func (c *breakerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *breakerCollector) Collect(ch chan<- prometheus.Metric) {
	for stream, state := range c.set.Snapshot() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, stateValue(state), stream)
	}
}

func stateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateOpen:
		return 2
	case breaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
