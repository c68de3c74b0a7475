// Package httppool owns all outbound broker HTTP traffic.
//
// One pooled client exists per broker kind. Every call runs the same
// interceptor chain in fixed order: static profile headers, credential
// headers, request id, rate-limit gate, then response logging. The circuit
// breaker wraps the whole call so an open circuit costs no rate-limit
// permit and no connection.
//
// Tokens are passed per call and never cached inside the pool.
package httppool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/breaker"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/brokers"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/ratelimit"
)

const (
	maxIdleConns    = 20
	idleConnTimeout = 10 * time.Minute
	requestTimeout  = 15 * time.Second
	retryCount      = 3
	retryWait       = 500 * time.Millisecond
	retryMaxWait    = 5 * time.Second

	requestIDHeader = "X-Request-ID"
)

// Observer receives call outcomes and gate waits for metrics.
// Implementations must be cheap and non-blocking.
type Observer interface {
	ObserveBrokerCall(broker, class string, statusCode int, latency time.Duration, failed bool)
	// ObserveRateLimitWait reports how long one attempt waited for its
	// rate-limit permit. Aborted waits are not reported.
	ObserveRateLimitWait(broker string, wait time.Duration)
}

// Request describes one broker call.
type Request struct {
	Method string
	// Path is resolved against the broker's base URL. Absolute URLs are
	// used as-is, which token endpoints on separate hosts rely on.
	Path    string
	Query   map[string]string
	Headers map[string]string
	Body    interface{}
	// FormData sends application/x-www-form-urlencoded instead of JSON.
	FormData map[string]string
	// Result, when non-nil, receives the decoded 2xx JSON body.
	Result interface{}
	// Tokens supply credential headers. Nil skips the auth interceptor,
	// which unauthenticated token-exchange endpoints require.
	Tokens *domain.TokenBundle
	// Class selects the breaker stream. Defaults to read.
	Class domain.CallClass
}

// Response is the outcome of a successful (2xx) call.
type Response struct {
	StatusCode int
	Body       []byte
	RequestID  string
	Latency    time.Duration
}

type callCtxKey struct{}

// callState travels through the interceptor chain on the request context.
type callState struct {
	tokens    *domain.TokenBundle
	class     domain.CallClass
	requestID string
	start     time.Time
}

// Pool hands out interceptor-wrapped clients per broker.
type Pool struct {
	registry *brokers.Registry
	limiter  *ratelimit.Limiter
	breakers *breaker.Set
	observer Observer

	mu      sync.RWMutex
	clients map[domain.BrokerKind]*resty.Client

	log zerolog.Logger
}

// New creates the pool. The observer may be nil.
func New(registry *brokers.Registry, limiter *ratelimit.Limiter, breakers *breaker.Set, observer Observer, log zerolog.Logger) *Pool {
	return &Pool{
		registry: registry,
		limiter:  limiter,
		breakers: breakers,
		observer: observer,
		clients:  make(map[domain.BrokerKind]*resty.Client),
		log:      log.With().Str("component", "httppool").Logger(),
	}
}

// Do executes one broker call through the full protection chain:
// breaker admit, rate-limit gate, pooled transport, outcome recording.
func (p *Pool) Do(ctx context.Context, kind domain.BrokerKind, req *Request) (*Response, error) {
	profile, err := p.registry.Get(kind)
	if err != nil {
		return nil, err
	}

	class := req.Class
	if class == "" {
		class = domain.CallClassRead
	}

	if err := p.breakers.Allow(kind, class); err != nil {
		return nil, err
	}

	client := p.client(profile)

	state := &callState{
		tokens:    req.Tokens,
		class:     class,
		requestID: newRequestID(),
	}

	r := client.R().SetContext(context.WithValue(ctx, callCtxKey{}, state))
	if len(req.Query) > 0 {
		r.SetQueryParams(req.Query)
	}
	if len(req.Headers) > 0 {
		r.SetHeaders(req.Headers)
	}
	if req.FormData != nil {
		r.SetFormData(req.FormData)
	} else if req.Body != nil {
		r.SetBody(req.Body)
	}
	if req.Result != nil {
		r.SetResult(req.Result)
	}

	resp, err := r.Execute(strings.ToUpper(req.Method), req.Path)

	var latency time.Duration
	if !state.start.IsZero() {
		latency = time.Since(state.start)
	}

	status := 0
	if resp != nil {
		status = resp.StatusCode()
	}

	// A local gate abort never reached the broker, so it records no
	// breaker outcome. Client errors other than 429 are caller mistakes,
	// not upstream sickness, and leave the breaker window alone too.
	gateAbort := err != nil && errors.Is(err, domain.ErrRateLimited)
	failed := (err != nil || status == http.StatusTooManyRequests || status >= 500) && !gateAbort
	if !gateAbort {
		if failed {
			p.breakers.RecordFailure(kind, class)
		} else {
			p.breakers.RecordSuccess(kind, class)
		}
	}
	if p.observer != nil {
		p.observer.ObserveBrokerCall(string(kind), string(class), status, latency, failed)
	}

	if err != nil {
		return nil, p.classifyTransport(kind, err)
	}
	if status >= 400 {
		return nil, classifyStatus(kind, status, resp.Body())
	}

	return &Response{
		StatusCode: status,
		Body:       resp.Body(),
		RequestID:  state.requestID,
		Latency:    latency,
	}, nil
}

// client returns the broker's pooled client, building it on first use.
func (p *Pool) client(profile *brokers.Profile) *resty.Client {
	p.mu.RLock()
	c, ok := p.clients[profile.Kind]
	p.mu.RUnlock()
	if ok {
		return c
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok = p.clients[profile.Kind]; ok {
		return c
	}
	c = p.buildClient(profile)
	p.clients[profile.Kind] = c
	p.log.Info().
		Str("broker", string(profile.Kind)).
		Str("base_url", profile.BaseURL).
		Msg("Broker HTTP client created")
	return c
}

func (p *Pool) buildClient(profile *brokers.Profile) *resty.Client {
	transport := &http.Transport{
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdleConns,
		IdleConnTimeout:     idleConnTimeout,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: idleConnTimeout,
		}).DialContext,
	}

	client := resty.NewWithClient(&http.Client{Transport: transport}).
		SetBaseURL(profile.BaseURL).
		SetTimeout(requestTimeout).
		SetRetryCount(retryCount).
		SetRetryWaitTime(retryWait).
		SetRetryMaxWaitTime(retryMaxWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				// Never retry local gate failures or dead contexts.
				if errors.Is(err, domain.ErrRateLimited) ||
					errors.Is(err, context.DeadlineExceeded) ||
					errors.Is(err, context.Canceled) {
					return false
				}
				return true
			}
			return r.StatusCode() >= 500
		})

	kind := profile.Kind
	log := p.log.With().Str("broker", string(kind)).Logger()

	// Interceptor order is load-bearing: static headers, auth headers,
	// request id, rate-limit gate. The gate runs last so a blocked call
	// has its headers ready the moment a permit arrives.
	client.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
		for k, v := range profile.StaticHeaders {
			if r.Header.Get(k) == "" {
				r.SetHeader(k, v)
			}
		}
		return nil
	})

	client.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
		state, ok := r.Context().Value(callCtxKey{}).(*callState)
		if !ok || state.tokens == nil {
			return nil
		}
		for k, v := range profile.AuthHeaders(state.tokens) {
			r.SetHeader(k, v)
		}
		return nil
	})

	client.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
		state, ok := r.Context().Value(callCtxKey{}).(*callState)
		if !ok {
			return nil
		}
		r.SetHeader(requestIDHeader, state.requestID)
		return nil
	})

	client.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
		state, ok := r.Context().Value(callCtxKey{}).(*callState)
		if !ok {
			return nil
		}
		gateStart := time.Now()
		if err := p.limiter.Acquire(r.Context(), kind); err != nil {
			return err
		}
		if p.observer != nil {
			p.observer.ObserveRateLimitWait(string(kind), time.Since(gateStart))
		}
		state.start = time.Now()
		return nil
	})

	client.OnAfterResponse(func(_ *resty.Client, r *resty.Response) error {
		state, _ := r.Request.Context().Value(callCtxKey{}).(*callState)
		requestID := ""
		var latency time.Duration
		if state != nil {
			requestID = state.requestID
			latency = time.Since(state.start)
		}

		ev := log.Debug()
		if r.StatusCode() >= 400 {
			ev = log.Warn()
		}
		// Status and timing only. Bodies and credential headers must
		// never reach the log stream.
		ev.Str("method", r.Request.Method).
			Str("path", r.Request.RawRequest.URL.Path).
			Int("status", r.StatusCode()).
			Dur("latency", latency).
			Str("request_id", requestID).
			Msg("Broker call")
		return nil
	})

	return client
}

// classifyTransport maps client-side errors into the gateway taxonomy.
func (p *Pool) classifyTransport(kind domain.BrokerKind, err error) error {
	if errors.Is(err, domain.ErrRateLimited) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewError(domain.CategoryTransport, "TIMEOUT", "broker call timed out", err).WithBroker(kind)
	}
	if errors.Is(err, context.Canceled) {
		return domain.NewError(domain.CategoryTransport, "CANCELED", "broker call canceled", err).WithBroker(kind)
	}
	return domain.NewError(domain.CategoryTransport, "NETWORK", "broker unreachable", err).WithBroker(kind)
}

func classifyStatus(kind domain.BrokerKind, status int, body []byte) error {
	snippet := string(body)
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}

	switch {
	case status == http.StatusUnauthorized:
		return domain.NewError(domain.CategoryAuthentication, "UNAUTHORIZED", snippet, nil).WithBroker(kind)
	case status == http.StatusForbidden:
		return domain.NewError(domain.CategoryAuthorization, "FORBIDDEN", snippet, nil).WithBroker(kind)
	case status == http.StatusTooManyRequests:
		return domain.NewError(domain.CategoryRateLimited, "BROKER_THROTTLED", snippet, domain.ErrRateLimited).WithBroker(kind)
	case status >= 500:
		return domain.NewError(domain.CategoryTransport, fmt.Sprintf("UPSTREAM_%d", status), snippet, nil).WithBroker(kind)
	default:
		return domain.NewError(domain.CategoryValidation, fmt.Sprintf("REJECTED_%d", status), snippet, nil).WithBroker(kind)
	}
}

// Close releases idle connections for every built client.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for kind, c := range p.clients {
		c.GetClient().CloseIdleConnections()
		delete(p.clients, kind)
	}
}

// newRequestID builds "TM-<epoch-ms>-<rand16>" ids that are sortable by
// time and unique enough to correlate broker support tickets.
func newRequestID() string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	return fmt.Sprintf("TM-%d-%s", time.Now().UnixMilli(), random)
}
