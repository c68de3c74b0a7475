package domain

import (
	"time"
)

// ConnectionStatus is the lifecycle state of a broker connection.
type ConnectionStatus string

const (
	ConnectionPending      ConnectionStatus = "PENDING"
	ConnectionConnected    ConnectionStatus = "CONNECTED"
	ConnectionDegraded     ConnectionStatus = "DEGRADED"
	ConnectionDisconnected ConnectionStatus = "DISCONNECTED"
	ConnectionError        ConnectionStatus = "ERROR"
)

// Connection links one user account to one broker account.
// EncryptedTokens holds the vault blob; plaintext tokens never live on
// this struct and the blob is excluded from JSON serialization.
type Connection struct {
	ID              string           `json:"id"`
	UserID          string           `json:"user_id"`
	Broker          BrokerKind       `json:"broker"`
	Status          ConnectionStatus `json:"status"`
	EncryptedTokens string           `json:"-"`
	TokenExpiry     *time.Time       `json:"token_expiry,omitempty"`
	LastProbeAt     *time.Time       `json:"last_probe_at,omitempty"`
	LastProbeOK     bool             `json:"last_probe_ok"`
	LastError       string           `json:"last_error,omitempty"`
	AccountID       string           `json:"account_id,omitempty"`
	AccountName     string           `json:"account_name,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Live reports whether the connection still occupies the (user, broker)
// slot. Only one live connection per user and broker may exist.
func (c *Connection) Live() bool {
	return c.Status != ConnectionDisconnected
}

// ProbeStale reports whether the last successful probe is older than the
// given threshold. A connection without any successful probe is stale.
func (c *Connection) ProbeStale(now time.Time, threshold time.Duration) bool {
	if c.LastProbeAt == nil || !c.LastProbeOK {
		return true
	}
	return now.Sub(*c.LastProbeAt) > threshold
}

// TokenBundle is the decrypted credential set for one connection.
// Instances are short-lived: decrypt, use, Zero.
type TokenBundle struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	APIKey       string     `json:"api_key,omitempty"`
	APISecret    string     `json:"api_secret,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// Zero overwrites all secret material in place.
func (t *TokenBundle) Zero() {
	t.AccessToken = ""
	t.RefreshToken = ""
	t.APIKey = ""
	t.APISecret = ""
	t.ExpiresAt = nil
}

// NearExpiry reports whether the access token expires within the given
// window. Bundles without an expiry never report near-expiry.
func (t *TokenBundle) NearExpiry(now time.Time, within time.Duration) bool {
	if t.ExpiresAt == nil {
		return false
	}
	return t.ExpiresAt.Sub(now) <= within
}

// Expired reports whether the access token expiry has passed.
func (t *TokenBundle) Expired(now time.Time) bool {
	if t.ExpiresAt == nil {
		return false
	}
	return !t.ExpiresAt.After(now)
}

// AccountProfile is the broker-side account identity returned by a
// profile probe.
type AccountProfile struct {
	AccountID string `json:"account_id"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	Broker    string `json:"broker,omitempty"`
}
