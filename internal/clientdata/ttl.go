package clientdata

import "time"

// TTL constants per data type, added to time.Now() to compute expires_at.
const (
	// Reference data (changes rarely)
	TTLAccountProfile = 24 * time.Hour

	// Short-lived market data
	TTLFxRate       = 15 * time.Minute
	TTLCurrentPrice = time.Minute
	TTLMarketStatus = time.Minute

	// Consolidated portfolio view served to repeat callers
	TTLPortfolio = 30 * time.Second
)
