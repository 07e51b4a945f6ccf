package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrQuotaExceeded is returned when the monthly call budget is spent.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrBreakerOpen is returned when the circuit breaker rejects a call.
	ErrBreakerOpen = errors.New("circuit breaker open")

	// ErrStoreUnavailable is returned when the durable store cannot be reached.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrUpstreamFailure is returned for transport errors, timeouts and
	// malformed upstream responses.
	ErrUpstreamFailure = errors.New("upstream failure")

	// ErrInvalidParameter is returned when a query parameter fails
	// structural validation.
	ErrInvalidParameter = errors.New("invalid parameter")
)

// UpstreamError carries a non-2xx upstream response so the router can pass
// the status code and body through verbatim.
type UpstreamError struct {
	StatusCode int
	Body       []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.StatusCode)
}
