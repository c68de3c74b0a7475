// Package marketdata supplies current prices and exchange session state.
// Prices come from the TTL cache first, then from the quote endpoint of a
// connected broker; session state comes from a websocket status feed with
// a wall-clock fallback when the feed is down.
package marketdata

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
)

const (
	dialTimeout        = 30 * time.Second
	baseReconnectDelay = 5 * time.Second
	maxReconnectDelay  = 5 * time.Minute

	// streamStaleAfter bounds how long a feed update stays authoritative.
	// Past this the clock-based session schedule takes over.
	streamStaleAfter = 5 * time.Minute
)

// MarketState is one exchange's session state as last reported by the feed.
type MarketState struct {
	Exchange  string              `json:"exchange"`
	Status    domain.MarketStatus `json:"status"`
	OpenTime  string              `json:"open_time"`
	CloseTime string              `json:"close_time"`
	AsOf      time.Time           `json:"as_of"`
}

// streamFrame is the wire shape of one feed update.
type streamFrame struct {
	Markets []struct {
		Exchange  string `json:"exchange"`
		Status    string `json:"status"`
		OpenTime  string `json:"open_time"`
		CloseTime string `json:"close_time"`
	} `json:"markets"`
}

// Stream maintains a websocket subscription to the market-status feed and
// caches the latest state per exchange. It reconnects with exponential
// backoff and never fails the gateway: readers fall back to the session
// clock when the cache is stale.
type Stream struct {
	url        string
	httpClient *http.Client
	log        zerolog.Logger

	mu           sync.RWMutex
	conn         *websocket.Conn
	connCtx      context.Context
	cancel       context.CancelFunc
	connected    bool
	reconnecting bool
	stopped      bool
	stopCh       chan struct{}

	stateMu    sync.RWMutex
	states     map[string]MarketState
	lastUpdate time.Time
}

// http1Client forces HTTP/1.1. CDN fronts negotiate HTTP/2 via TLS ALPN,
// but the websocket upgrade handshake requires HTTP/1.1.
func http1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				NextProtos: []string{"http/1.1"},
			},
			ForceAttemptHTTP2: false,
		},
	}
}

func NewStream(url string, log zerolog.Logger) *Stream {
	return &Stream{
		url:        url,
		httpClient: http1Client(),
		log:        log.With().Str("component", "market_status_stream").Logger(),
		states:     make(map[string]MarketState),
		stopCh:     make(chan struct{}),
	}
}

// Start connects and begins the read loop. A failed initial connection is
// not fatal; the reconnect loop keeps trying in the background.
func (s *Stream) Start() error {
	if err := s.connect(); err != nil {
		s.log.Warn().Err(err).Msg("initial stream connection failed, retrying in background")
		go s.reconnectLoop()
		return err
	}

	s.mu.RLock()
	ctx := s.connCtx
	s.mu.RUnlock()
	go s.readLoop(ctx)
	return nil
}

// Stop closes the connection and halts reconnection.
func (s *Stream) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	return s.disconnect()
}

func (s *Stream) connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, s.url, &websocket.DialOptions{
		HTTPClient: s.httpClient,
	})
	if err != nil {
		return fmt.Errorf("failed to dial status feed: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	s.conn = conn
	s.connCtx = connCtx
	s.cancel = cancel
	s.connected = true

	s.log.Info().Str("url", s.url).Msg("connected to market status feed")
	return nil
}

func (s *Stream) disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	err := s.conn.Close(websocket.StatusNormalClosure, "")
	s.conn = nil
	s.connCtx = nil
	s.connected = false
	if err != nil {
		return fmt.Errorf("failed to close status feed: %w", err)
	}
	return nil
}

func (s *Stream) readLoop(ctx context.Context) {
	defer func() {
		s.mu.RLock()
		stopped := s.stopped
		s.mu.RUnlock()
		if !stopped {
			go s.reconnectLoop()
		}
	}()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			switch {
			case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
				s.log.Info().Int("status", int(status)).Msg("status feed closed")
			case ctx.Err() != nil:
				// intentional disconnect
			default:
				s.log.Error().Err(err).Msg("status feed read error")
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		if err := s.handleFrame(message); err != nil {
			s.log.Error().Err(err).Msg("failed to handle status frame")
		}
	}
}

func (s *Stream) handleFrame(message []byte) error {
	var frame streamFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		return fmt.Errorf("failed to parse status frame: %w", err)
	}
	if len(frame.Markets) == 0 {
		return nil
	}

	now := time.Now()
	s.stateMu.Lock()
	for _, m := range frame.Markets {
		if m.Exchange == "" {
			continue
		}
		s.states[m.Exchange] = MarketState{
			Exchange:  m.Exchange,
			Status:    parseStatus(m.Status),
			OpenTime:  m.OpenTime,
			CloseTime: m.CloseTime,
			AsOf:      now,
		}
	}
	s.lastUpdate = now
	s.stateMu.Unlock()

	s.log.Debug().Int("markets", len(frame.Markets)).Msg("market status updated")
	return nil
}

func parseStatus(raw string) domain.MarketStatus {
	switch raw {
	case "open", "OPEN":
		return domain.MarketOpen
	case "pre_open", "PRE_OPEN":
		return domain.MarketPreOpen
	default:
		return domain.MarketClosed
	}
}

func (s *Stream) reconnectLoop() {
	s.mu.Lock()
	if s.reconnecting || s.stopped {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	for attempt := 1; ; attempt++ {
		select {
		case <-s.stopCh:
			return
		case <-time.After(backoff(attempt)):
		}

		s.mu.RLock()
		stopped := s.stopped
		s.mu.RUnlock()
		if stopped {
			return
		}

		if err := s.connect(); err != nil {
			s.log.Warn().Err(err).Int("attempt", attempt).Msg("stream reconnect failed")
			continue
		}

		s.mu.RLock()
		ctx := s.connCtx
		s.mu.RUnlock()
		go s.readLoop(ctx)
		s.log.Info().Int("attempt", attempt).Msg("stream reconnected")
		return
	}
}

func backoff(attempt int) time.Duration {
	d := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if d > float64(maxReconnectDelay) {
		d = float64(maxReconnectDelay)
	}
	return time.Duration(d)
}

// Status returns the feed's state for an exchange while it is fresh.
func (s *Stream) Status(exchange string) (MarketState, bool) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	state, ok := s.states[exchange]
	if !ok || time.Since(state.AsOf) > streamStaleAfter {
		return MarketState{}, false
	}
	return state, true
}

// StatusOrClock resolves the session state for an exchange, preferring the
// feed and falling back to the IST session schedule.
func (s *Stream) StatusOrClock(exchange string, now time.Time) domain.MarketStatus {
	if state, ok := s.Status(exchange); ok {
		return state.Status
	}
	return sessionStatus(exchange, now)
}

// All returns a copy of every cached market state.
func (s *Stream) All() map[string]MarketState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	out := make(map[string]MarketState, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out
}

// Connected reports the live connection state.
func (s *Stream) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}
