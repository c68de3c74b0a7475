// Package domain provides core domain models, errors and the interfaces
// shared across the gateway.
package domain

import "fmt"

// BrokerKind identifies a supported broker integration.
type BrokerKind string

const (
	BrokerZerodha  BrokerKind = "ZERODHA"
	BrokerUpstox   BrokerKind = "UPSTOX"
	BrokerAngelOne BrokerKind = "ANGEL_ONE"
	BrokerICICI    BrokerKind = "ICICI_DIRECT"
	BrokerFyers    BrokerKind = "FYERS"
	BrokerIIFL     BrokerKind = "IIFL"
)

// AllBrokerKinds returns every supported broker kind in stable order.
func AllBrokerKinds() []BrokerKind {
	return []BrokerKind{
		BrokerZerodha,
		BrokerUpstox,
		BrokerAngelOne,
		BrokerICICI,
		BrokerFyers,
		BrokerIIFL,
	}
}

// Valid reports whether the kind is one of the supported brokers.
func (k BrokerKind) Valid() bool {
	switch k {
	case BrokerZerodha, BrokerUpstox, BrokerAngelOne, BrokerICICI, BrokerFyers, BrokerIIFL:
		return true
	}
	return false
}

func (k BrokerKind) String() string {
	return string(k)
}

// ParseBrokerKind converts a string into a BrokerKind.
// Returns ErrUnknownBroker for anything outside the supported set.
func ParseBrokerKind(s string) (BrokerKind, error) {
	k := BrokerKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownBroker, s)
	}
	return k, nil
}

// CallClass partitions broker traffic for circuit breaking purposes.
// OAuth failures must not trip the breaker for reads, and vice versa.
type CallClass string

const (
	CallClassOAuth CallClass = "oauth"
	CallClassRead  CallClass = "read"
	CallClassWrite CallClass = "write"
)
