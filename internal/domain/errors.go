package domain

import "fmt"

// Error types for consistent error handling across the resilience layer.
// None of these ever reach the caller of Resolve; they steer the chain.

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrExternalService indicates a failure in an upstream service call.
type ErrExternalService struct {
	Service string
	Err     error
}

func (e *ErrExternalService) Error() string {
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ErrExternalService) Unwrap() error {
	return e.Err
}

// ErrRateLimited indicates an explicit rate-limit signal (HTTP 429) from an
// upstream, carrying the key that was throttled so it can be blacklisted.
type ErrRateLimited struct {
	Service string
	KeyID   string
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limited by %s (key %s)", e.Service, e.KeyID)
}

// ErrNoKeyAvailable indicates every key in a service's pool is blacklisted
// or over quota.
type ErrNoKeyAvailable struct {
	Service string
}

func (e *ErrNoKeyAvailable) Error() string {
	return fmt.Sprintf("no usable API key for service: %s", e.Service)
}

// ErrCircuitOpen indicates the circuit breaker is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}

// ErrBatchTimeout indicates a caller's wait for a batch slot expired.
type ErrBatchTimeout struct {
	RequestID string
}

func (e *ErrBatchTimeout) Error() string {
	return fmt.Sprintf("batch request timed out: %s", e.RequestID)
}

// ErrBatchParse indicates the combined upstream response could not be split
// back into per-request segments. Treated as a full-window failure.
type ErrBatchParse struct {
	Service string
	Reason  string
}

func (e *ErrBatchParse) Error() string {
	return fmt.Sprintf("batch response parse failed [%s]: %s", e.Service, e.Reason)
}

// ErrValidation indicates a validation error (bad input).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}
