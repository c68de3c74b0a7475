package domain

import (
	"errors"
	"fmt"
)

// ErrorCategory buckets every failure the gateway can surface. Handlers
// map categories to HTTP statuses; callers decide retry behavior from them.
type ErrorCategory string

const (
	CategoryValidation     ErrorCategory = "VALIDATION"
	CategoryAuthentication ErrorCategory = "AUTHENTICATION"
	CategoryAuthorization  ErrorCategory = "AUTHORIZATION"
	CategoryRateLimited    ErrorCategory = "RATE_LIMITED"
	CategoryCircuitOpen    ErrorCategory = "CIRCUIT_OPEN"
	CategoryTransport      ErrorCategory = "TRANSPORT"
	CategoryCrypto         ErrorCategory = "CRYPTO"
	CategoryUnsupported    ErrorCategory = "UNSUPPORTED"
	CategoryInvariant      ErrorCategory = "INVARIANT_VIOLATION"
	CategoryNotFound       ErrorCategory = "NOT_FOUND"
	CategoryInternal       ErrorCategory = "INTERNAL"
)

// Sentinel errors shared across packages. Broker adapters, the router and
// the connection manager wrap these with context; callers test with
// errors.Is.
var (
	ErrUnknownBroker        = errors.New("unknown broker")
	ErrBrokerNotImplemented = errors.New("operation not implemented for broker")
	ErrNotRefreshable       = errors.New("broker does not support token refresh")
	ErrCircuitOpen          = errors.New("circuit open")
	ErrRateLimited          = errors.New("rate limit exceeded")
	ErrNoEligibleBroker     = errors.New("no eligible broker for order")
	ErrAllBrokersFailed     = errors.New("all brokers failed")
	ErrConnectionNotFound   = errors.New("connection not found")
	ErrDuplicateConnection  = errors.New("user already has a live connection for broker")
	ErrMarketClosed         = errors.New("market is closed")
	ErrCircuitLimit         = errors.New("instrument hit exchange circuit limit")
	ErrStateInvalid         = errors.New("oauth state invalid or expired")
)

// GatewayError is the typed error returned at public surfaces. It carries
// the category, a stable machine code and optional broker context while
// still unwrapping to the underlying cause.
type GatewayError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Broker    BrokerKind
	Retryable bool
	Err       error
}

func (e *GatewayError) Error() string {
	if e.Broker != "" {
		return fmt.Sprintf("%s [%s/%s]: %s", e.Category, e.Broker, e.Code, e.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Category, e.Code, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// NewError builds a GatewayError wrapping cause. Message falls back to the
// cause's text when empty.
func NewError(cat ErrorCategory, code, message string, cause error) *GatewayError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &GatewayError{
		Category:  cat,
		Code:      code,
		Message:   message,
		Retryable: cat == CategoryRateLimited || cat == CategoryTransport,
		Err:       cause,
	}
}

// WithBroker attaches broker context and returns the same error.
func (e *GatewayError) WithBroker(k BrokerKind) *GatewayError {
	e.Broker = k
	return e
}

// CategoryOf extracts the category from any error. Sentinel errors map to
// their natural categories; everything unrecognized is Internal.
func CategoryOf(err error) ErrorCategory {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Category
	}
	switch {
	case errors.Is(err, ErrUnknownBroker),
		errors.Is(err, ErrMarketClosed),
		errors.Is(err, ErrCircuitLimit):
		return CategoryValidation
	case errors.Is(err, ErrBrokerNotImplemented),
		errors.Is(err, ErrNotRefreshable):
		return CategoryUnsupported
	case errors.Is(err, ErrCircuitOpen):
		return CategoryCircuitOpen
	case errors.Is(err, ErrRateLimited):
		return CategoryRateLimited
	case errors.Is(err, ErrConnectionNotFound):
		return CategoryNotFound
	case errors.Is(err, ErrDuplicateConnection):
		return CategoryValidation
	case errors.Is(err, ErrStateInvalid):
		return CategoryAuthentication
	case errors.Is(err, ErrNoEligibleBroker),
		errors.Is(err, ErrAllBrokersFailed):
		return CategoryUnsupported
	}
	return CategoryInternal
}

// Retryable reports whether the caller may retry the failed operation.
func Retryable(err error) bool {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	cat := CategoryOf(err)
	return cat == CategoryRateLimited || cat == CategoryTransport
}
