// Package brokers holds the static broker profile registry: base URLs,
// auth schemes, rate limits and capability flags for every integration.
package brokers

import (
	"fmt"
	"sort"
	"time"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
)

// AuthScheme selects how a broker expects credentials on the wire.
type AuthScheme string

const (
	// AuthSchemeBearer is a plain OAuth bearer token.
	AuthSchemeBearer AuthScheme = "bearer"
	// AuthSchemeKiteToken is Zerodha's "token api_key:access_token" header.
	AuthSchemeKiteToken AuthScheme = "kite_token"
	// AuthSchemeAppIDToken is Fyers' "app_id:access_token" header.
	AuthSchemeAppIDToken AuthScheme = "app_id_token"
	// AuthSchemeRawToken sends the bare access token, as IIFL expects.
	AuthSchemeRawToken AuthScheme = "raw_token"
	// AuthSchemeSessionHeaders is ICICI's X-SessionToken/X-AppKey pair.
	AuthSchemeSessionHeaders AuthScheme = "session_headers"
	// AuthSchemeBearerWithKey is Angel One's bearer plus X-PrivateKey.
	AuthSchemeBearerWithKey AuthScheme = "bearer_with_key"
)

// Profile is the static integration contract for one broker. Profiles are
// immutable after registry construction.
type Profile struct {
	Kind             domain.BrokerKind
	DisplayName      string
	BaseURL          string
	AuthorizeURL     string
	TokenURL         string
	WSURL            string
	AuthScheme       AuthScheme
	StaticHeaders    map[string]string
	RateLimitRPS     int
	ExecutionCostBps int
	ProbeEndpoint    string
	TokenLifetime    time.Duration
	SupportsRefresh  bool
	SupportsOrders   bool
	// Exchanges the broker trades on. Empty means every exchange the
	// gateway knows.
	Exchanges []string
	// OAuthImplemented marks brokers whose token issuance this gateway
	// can perform itself. The rest accept externally obtained tokens via
	// ConnectWithTokens and must fail token issuance loudly.
	OAuthImplemented bool
}

// SupportsExchange reports whether the broker trades on the exchange.
func (p *Profile) SupportsExchange(exchange string) bool {
	if len(p.Exchanges) == 0 {
		return true
	}
	for _, e := range p.Exchanges {
		if e == exchange {
			return true
		}
	}
	return false
}

// AuthHeaders returns the scheme-specific credential headers for a call.
// Static profile headers are applied separately, before these.
func (p *Profile) AuthHeaders(tokens *domain.TokenBundle) map[string]string {
	h := make(map[string]string, 2)
	switch p.AuthScheme {
	case AuthSchemeBearer:
		h["Authorization"] = "Bearer " + tokens.AccessToken
	case AuthSchemeKiteToken:
		h["Authorization"] = "token " + tokens.APIKey + ":" + tokens.AccessToken
	case AuthSchemeAppIDToken:
		h["Authorization"] = tokens.APIKey + ":" + tokens.AccessToken
	case AuthSchemeRawToken:
		h["Authorization"] = tokens.AccessToken
	case AuthSchemeSessionHeaders:
		h["X-SessionToken"] = tokens.AccessToken
		h["X-AppKey"] = tokens.APIKey
	case AuthSchemeBearerWithKey:
		h["Authorization"] = "Bearer " + tokens.AccessToken
		h["X-PrivateKey"] = tokens.APIKey
	}
	return h
}

// Registry resolves broker kinds to their profiles.
type Registry struct {
	profiles map[domain.BrokerKind]*Profile
}

// NewRegistry builds the registry with every supported broker.
func NewRegistry() *Registry {
	r := &Registry{profiles: make(map[domain.BrokerKind]*Profile, 6)}

	r.add(&Profile{
		Kind:             domain.BrokerZerodha,
		DisplayName:      "Zerodha Kite",
		BaseURL:          "https://api.kite.trade",
		AuthorizeURL:     "https://kite.zerodha.com/connect/login",
		TokenURL:         "https://api.kite.trade/session/token",
		WSURL:            "wss://ws.kite.trade",
		AuthScheme:       AuthSchemeKiteToken,
		StaticHeaders:    map[string]string{"X-Kite-Version": "3"},
		RateLimitRPS:     3,
		ExecutionCostBps: 3,
		ProbeEndpoint:    "/user/profile",
		TokenLifetime:    8 * time.Hour,
		SupportsRefresh:  false, // Kite issues day tokens; re-login daily
		SupportsOrders:   true,
		OAuthImplemented: true,
	})

	r.add(&Profile{
		Kind:             domain.BrokerUpstox,
		DisplayName:      "Upstox",
		BaseURL:          "https://api.upstox.com",
		AuthorizeURL:     "https://api.upstox.com/v2/login/authorization/dialog",
		TokenURL:         "https://api.upstox.com/v2/login/authorization/token",
		WSURL:            "wss://api.upstox.com/v2/feed/market-data-feed",
		AuthScheme:       AuthSchemeBearer,
		StaticHeaders:    map[string]string{"Accept": "application/json"},
		RateLimitRPS:     5,
		ExecutionCostBps: 4,
		ProbeEndpoint:    "/v2/user/profile",
		TokenLifetime:    12 * time.Hour,
		SupportsRefresh:  true,
		SupportsOrders:   true,
		OAuthImplemented: true,
		Exchanges:        []string{"NSE", "BSE", "NFO", "BFO", "CDS", "MCX"},
	})

	r.add(&Profile{
		Kind:         domain.BrokerAngelOne,
		DisplayName:  "Angel One",
		BaseURL:      "https://apiconnect.angelbroking.com",
		AuthorizeURL: "https://smartapi.angelbroking.com/publisher-login",
		TokenURL:     "https://apiconnect.angelbroking.com/rest/auth/angelbroking/jwt/v1/generateTokens",
		WSURL:        "wss://smartapisocket.angelone.in/smart-stream",
		AuthScheme:   AuthSchemeBearerWithKey,
		StaticHeaders: map[string]string{
			"Content-Type":     "application/json",
			"X-UserType":       "USER",
			"X-SourceID":       "WEB",
			"X-ClientLocalIP":  "127.0.0.1",
			"X-ClientPublicIP": "127.0.0.1",
			"X-MACAddress":     "00:00:00:00:00:00",
		},
		RateLimitRPS:     2,
		ExecutionCostBps: 5,
		ProbeEndpoint:    "/rest/secure/angelbroking/user/v1/getProfile",
		TokenLifetime:    24 * time.Hour,
		SupportsRefresh:  false,
		SupportsOrders:   true,
		OAuthImplemented: false,
		Exchanges:        []string{"NSE", "BSE", "NFO", "CDS", "MCX"},
	})

	r.add(&Profile{
		Kind:             domain.BrokerICICI,
		DisplayName:      "ICICI Direct Breeze",
		BaseURL:          "https://api.icicidirect.com",
		AuthorizeURL:     "https://api.icicidirect.com/apiuser/login",
		TokenURL:         "https://api.icicidirect.com/breezeapi/api/v1/customerdetails",
		WSURL:            "wss://livestream.icicidirect.com",
		AuthScheme:       AuthSchemeSessionHeaders,
		StaticHeaders:    map[string]string{"Content-Type": "application/json"},
		RateLimitRPS:     2,
		ExecutionCostBps: 10,
		ProbeEndpoint:    "/breezeapi/api/v1/customerdetails",
		TokenLifetime:    24 * time.Hour,
		SupportsRefresh:  false,
		SupportsOrders:   true,
		OAuthImplemented: false,
		Exchanges:        []string{"NSE", "BSE", "NFO"},
	})

	r.add(&Profile{
		Kind:             domain.BrokerFyers,
		DisplayName:      "Fyers",
		BaseURL:          "https://api.fyers.in",
		AuthorizeURL:     "https://api.fyers.in/api/v2/generate-authcode",
		TokenURL:         "https://api.fyers.in/api/v2/validate-authcode",
		WSURL:            "wss://api.fyers.in/socket/v2/dataSock",
		AuthScheme:       AuthSchemeAppIDToken,
		StaticHeaders:    map[string]string{"Accept": "application/json"},
		RateLimitRPS:     3,
		ExecutionCostBps: 4,
		ProbeEndpoint:    "/api/v2/profile",
		TokenLifetime:    24 * time.Hour,
		SupportsRefresh:  false,
		SupportsOrders:   true,
		OAuthImplemented: false,
		Exchanges:        []string{"NSE", "BSE", "MCX"},
	})

	r.add(&Profile{
		Kind:             domain.BrokerIIFL,
		DisplayName:      "IIFL Securities",
		BaseURL:          "https://ttblaze.iifl.com",
		AuthorizeURL:     "https://ttblaze.iifl.com/interactive/thirdparty",
		TokenURL:         "https://ttblaze.iifl.com/interactive/user/session",
		WSURL:            "wss://ttblaze.iifl.com/interactive/stream",
		AuthScheme:       AuthSchemeRawToken,
		StaticHeaders:    map[string]string{"Content-Type": "application/json"},
		RateLimitRPS:     1,
		ExecutionCostBps: 6,
		ProbeEndpoint:    "/interactive/user/profile",
		TokenLifetime:    24 * time.Hour,
		SupportsRefresh:  false,
		SupportsOrders:   false, // order API pending certification
		OAuthImplemented: false,
	})

	return r
}

// NewRegistryFrom builds a registry from explicit profiles. Sandbox and
// test environments use it to point brokers at alternate hosts.
func NewRegistryFrom(profiles ...*Profile) *Registry {
	r := &Registry{profiles: make(map[domain.BrokerKind]*Profile, len(profiles))}
	for _, p := range profiles {
		r.add(p)
	}
	return r
}

func (r *Registry) add(p *Profile) {
	r.profiles[p.Kind] = p
}

// Get returns the profile for a broker kind.
func (r *Registry) Get(kind domain.BrokerKind) (*Profile, error) {
	p, ok := r.profiles[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownBroker, kind)
	}
	return p, nil
}

// All returns every profile sorted by kind for stable iteration.
func (r *Registry) All() []*Profile {
	out := make([]*Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}
