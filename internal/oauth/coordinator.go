package oauth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/brokers"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/httppool"
)

// NearExpiryWindow is how close to expiry a token may get before the
// coordinator refreshes it ahead of use.
const NearExpiryWindow = 10 * time.Minute

// AppCredentials is one broker's registered application identity.
type AppCredentials struct {
	APIKey      string
	APISecret   string
	RedirectURL string
}

// RefreshObserver counts refresh calls that shared a single in-flight
// broker exchange. Implementations must be cheap and non-blocking.
type RefreshObserver interface {
	RefreshJoined(broker string)
}

// Coordinator drives the OAuth lifecycle for brokers the gateway can issue
// tokens for. Refreshes are single-flight per connection so concurrent
// callers with the same expired token trigger exactly one broker call.
type Coordinator struct {
	registry *brokers.Registry
	pool     *httppool.Pool
	states   *StateStore
	apps     map[domain.BrokerKind]AppCredentials
	observer RefreshObserver

	refresh singleflight.Group
	now     func() time.Time
	log     zerolog.Logger
}

// NewCoordinator creates the coordinator. apps may omit brokers the
// deployment has no application registration for; BuildAuthURL fails for
// those with a validation error. The observer may be nil.
func NewCoordinator(registry *brokers.Registry, pool *httppool.Pool, states *StateStore, apps map[domain.BrokerKind]AppCredentials, observer RefreshObserver, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		registry: registry,
		pool:     pool,
		states:   states,
		apps:     apps,
		observer: observer,
		now:      time.Now,
		log:      log.With().Str("component", "oauth").Logger(),
	}
}

// BuildAuthURL issues a one-time state and returns the broker's
// authorization URL for the user to visit.
func (c *Coordinator) BuildAuthURL(ctx context.Context, userID string, kind domain.BrokerKind) (string, error) {
	profile, err := c.registry.Get(kind)
	if err != nil {
		return "", err
	}
	if !profile.OAuthImplemented {
		return "", fmt.Errorf("%w: %s token issuance", domain.ErrBrokerNotImplemented, kind)
	}
	app, ok := c.apps[kind]
	if !ok {
		return "", domain.NewError(domain.CategoryValidation, "OAUTH_APP_MISSING",
			fmt.Sprintf("no application registered for %s", kind), nil).WithBroker(kind)
	}

	state, err := c.states.Issue(ctx, userID, kind)
	if err != nil {
		return "", err
	}

	u, err := url.Parse(profile.AuthorizeURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse authorize url: %w", err)
	}
	q := u.Query()
	switch kind {
	case domain.BrokerZerodha:
		// Kite has no state parameter; redirect_params round-trips it.
		q.Set("v", "3")
		q.Set("api_key", app.APIKey)
		q.Set("redirect_params", "state="+state)
	case domain.BrokerUpstox:
		q.Set("response_type", "code")
		q.Set("client_id", app.APIKey)
		q.Set("redirect_uri", app.RedirectURL)
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()

	c.log.Info().
		Str("user_id", userID).
		Str("broker", string(kind)).
		Msg("Authorization URL issued")
	return u.String(), nil
}

// ConsumeState validates and burns a callback state, returning the user
// and broker it was issued for.
func (c *Coordinator) ConsumeState(ctx context.Context, state string) (string, domain.BrokerKind, error) {
	return c.states.Consume(ctx, state)
}

// ExchangeCode swaps an authorization code (Zerodha: request token) for a
// token bundle. Brokers without implemented OAuth fail loudly.
func (c *Coordinator) ExchangeCode(ctx context.Context, kind domain.BrokerKind, code string) (*domain.TokenBundle, error) {
	profile, err := c.registry.Get(kind)
	if err != nil {
		return nil, err
	}
	if !profile.OAuthImplemented {
		return nil, fmt.Errorf("%w: %s token issuance", domain.ErrBrokerNotImplemented, kind)
	}
	app, ok := c.apps[kind]
	if !ok {
		return nil, domain.NewError(domain.CategoryValidation, "OAUTH_APP_MISSING",
			fmt.Sprintf("no application registered for %s", kind), nil).WithBroker(kind)
	}

	switch kind {
	case domain.BrokerZerodha:
		return c.exchangeZerodha(ctx, profile, app, code)
	case domain.BrokerUpstox:
		return c.exchangeUpstox(ctx, profile, app, code)
	default:
		return nil, fmt.Errorf("%w: %s token issuance", domain.ErrBrokerNotImplemented, kind)
	}
}

type kiteSessionResponse struct {
	Status string `json:"status"`
	Data   struct {
		AccessToken string `json:"access_token"`
		PublicToken string `json:"public_token"`
		UserID      string `json:"user_id"`
		UserName    string `json:"user_name"`
	} `json:"data"`
}

func (c *Coordinator) exchangeZerodha(ctx context.Context, profile *brokers.Profile, app AppCredentials, requestToken string) (*domain.TokenBundle, error) {
	var out kiteSessionResponse
	_, err := c.pool.Do(ctx, domain.BrokerZerodha, &httppool.Request{
		Method: http.MethodPost,
		Path:   profile.TokenURL,
		FormData: map[string]string{
			"api_key":       app.APIKey,
			"request_token": requestToken,
			"checksum":      kiteChecksum(app.APIKey, requestToken, app.APISecret),
		},
		Result: &out,
		Class:  domain.CallClassOAuth,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to exchange request token: %w", err)
	}
	if out.Data.AccessToken == "" {
		return nil, domain.NewError(domain.CategoryAuthentication, "EMPTY_TOKEN",
			"session exchange returned no access token", nil).WithBroker(domain.BrokerZerodha)
	}

	expiry := c.now().Add(profile.TokenLifetime)
	c.log.Info().Str("broker", "ZERODHA").Msg("Session token issued")
	return &domain.TokenBundle{
		AccessToken: out.Data.AccessToken,
		APIKey:      app.APIKey,
		APISecret:   app.APISecret,
		ExpiresAt:   &expiry,
	}, nil
}

type upstoxTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

func (c *Coordinator) exchangeUpstox(ctx context.Context, profile *brokers.Profile, app AppCredentials, code string) (*domain.TokenBundle, error) {
	var out upstoxTokenResponse
	_, err := c.pool.Do(ctx, domain.BrokerUpstox, &httppool.Request{
		Method: http.MethodPost,
		Path:   profile.TokenURL,
		FormData: map[string]string{
			"code":          code,
			"client_id":     app.APIKey,
			"client_secret": app.APISecret,
			"redirect_uri":  app.RedirectURL,
			"grant_type":    "authorization_code",
		},
		Result: &out,
		Class:  domain.CallClassOAuth,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	if out.AccessToken == "" {
		return nil, domain.NewError(domain.CategoryAuthentication, "EMPTY_TOKEN",
			"code exchange returned no access token", nil).WithBroker(domain.BrokerUpstox)
	}

	expiry := c.now().Add(profile.TokenLifetime)
	c.log.Info().Str("broker", "UPSTOX").Msg("Access token issued")
	return &domain.TokenBundle{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		APIKey:       app.APIKey,
		APISecret:    app.APISecret,
		ExpiresAt:    &expiry,
	}, nil
}

// Refresh obtains a fresh bundle for the connection. Brokers without
// refresh support fail fast with ErrNotRefreshable before any network
// traffic. Concurrent refreshes for one connection collapse into a single
// broker call; every caller receives the same new bundle.
func (c *Coordinator) Refresh(ctx context.Context, conn *domain.Connection, current *domain.TokenBundle) (*domain.TokenBundle, error) {
	profile, err := c.registry.Get(conn.Broker)
	if err != nil {
		return nil, err
	}
	if !profile.SupportsRefresh {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotRefreshable, conn.Broker)
	}
	app, ok := c.apps[conn.Broker]
	if !ok {
		return nil, domain.NewError(domain.CategoryValidation, "OAUTH_APP_MISSING",
			fmt.Sprintf("no application registered for %s", conn.Broker), nil).WithBroker(conn.Broker)
	}

	v, err, shared := c.refresh.Do(conn.ID, func() (interface{}, error) {
		return c.refreshUpstox(ctx, profile, app, current)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		if c.observer != nil {
			c.observer.RefreshJoined(string(conn.Broker))
		}
		c.log.Debug().Str("connection_id", conn.ID).Msg("Refresh joined in-flight call")
	}
	return v.(*domain.TokenBundle), nil
}

func (c *Coordinator) refreshUpstox(ctx context.Context, profile *brokers.Profile, app AppCredentials, current *domain.TokenBundle) (*domain.TokenBundle, error) {
	if current == nil || current.RefreshToken == "" {
		return nil, domain.NewError(domain.CategoryAuthentication, "NO_REFRESH_TOKEN",
			"connection holds no refresh token", nil).WithBroker(profile.Kind)
	}

	var out upstoxTokenResponse
	_, err := c.pool.Do(ctx, profile.Kind, &httppool.Request{
		Method: http.MethodPost,
		Path:   profile.TokenURL,
		FormData: map[string]string{
			"refresh_token": current.RefreshToken,
			"client_id":     app.APIKey,
			"client_secret": app.APISecret,
			"grant_type":    "refresh_token",
		},
		Result: &out,
		Class:  domain.CallClassOAuth,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	if out.AccessToken == "" {
		return nil, domain.NewError(domain.CategoryAuthentication, "EMPTY_TOKEN",
			"refresh returned no access token", nil).WithBroker(profile.Kind)
	}

	refreshToken := out.RefreshToken
	if refreshToken == "" {
		refreshToken = current.RefreshToken
	}
	expiry := c.now().Add(profile.TokenLifetime)
	c.log.Info().Str("broker", string(profile.Kind)).Msg("Access token refreshed")
	return &domain.TokenBundle{
		AccessToken:  out.AccessToken,
		RefreshToken: refreshToken,
		APIKey:       app.APIKey,
		APISecret:    app.APISecret,
		ExpiresAt:    &expiry,
	}, nil
}

// ShouldRefresh reports whether the bundle is close enough to expiry that
// a proactive refresh is warranted.
func (c *Coordinator) ShouldRefresh(tokens *domain.TokenBundle) bool {
	return tokens.NearExpiry(c.now(), NearExpiryWindow)
}

// Revoke invalidates the session broker-side. Only Zerodha and Upstox
// expose revocation endpoints; other brokers return nil because the
// gateway never issued their tokens. Callers treat failures as
// best-effort: local disconnection proceeds regardless.
func (c *Coordinator) Revoke(ctx context.Context, kind domain.BrokerKind, tokens *domain.TokenBundle) error {
	profile, err := c.registry.Get(kind)
	if err != nil {
		return err
	}

	switch kind {
	case domain.BrokerZerodha:
		_, err = c.pool.Do(ctx, kind, &httppool.Request{
			Method: http.MethodDelete,
			Path:   profile.TokenURL,
			Query: map[string]string{
				"api_key":      tokens.APIKey,
				"access_token": tokens.AccessToken,
			},
			Class: domain.CallClassOAuth,
		})
		return err
	case domain.BrokerUpstox:
		_, err = c.pool.Do(ctx, kind, &httppool.Request{
			Method: http.MethodPost,
			Path:   "/v2/logout",
			Tokens: tokens,
			Class:  domain.CallClassOAuth,
		})
		return err
	default:
		return nil
	}
}

// Probe hits the broker's cheap profile endpoint with the supplied token.
// A nil error means the token is alive.
func (c *Coordinator) Probe(ctx context.Context, kind domain.BrokerKind, tokens *domain.TokenBundle) error {
	profile, err := c.registry.Get(kind)
	if err != nil {
		return err
	}
	_, err = c.pool.Do(ctx, kind, &httppool.Request{
		Method: http.MethodGet,
		Path:   profile.ProbeEndpoint,
		Tokens: tokens,
		Class:  domain.CallClassRead,
	})
	return err
}

// kiteChecksum signs the session exchange as hex(HMAC-SHA256) over
// apiKey + requestToken + apiSecret, keyed with the API secret.
func kiteChecksum(apiKey, requestToken, apiSecret string) string {
	mac := hmac.New(sha256.New, []byte(apiSecret))
	mac.Write([]byte(apiKey + requestToken + apiSecret))
	return hex.EncodeToString(mac.Sum(nil))
}
