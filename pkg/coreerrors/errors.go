// Package coreerrors defines the typed error taxonomy shared by every
// runtime service in the orchestration core (§7 of the design).
//
// Callers use errors.As/errors.Is against these types instead of
// matching on error strings, so a circuit-open condition can be
// distinguished from a budget failure or a hard backend outage.
package coreerrors

import "fmt"

// ValidationError reports caller-supplied input that failed a contract
// (empty content, non-positive budget, unknown task type).
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// AuthError reports a missing or rejected credential. The Provider
// Router counts it as two failures on the provider's breaker; the
// Connector Runtime does not retry it and marks the connector
// unhealthy. Neither quarantines for the remainder of the session.
type AuthError struct {
	Subject string // provider or connector name
	Reason  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %s: %s", e.Subject, e.Reason)
}

// RateLimited reports that a local rate limiter refused admission.
// RetryAfter is a hint, not a guarantee.
type RateLimited struct {
	Limiter    string
	RetryAfter string
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("rate limited: %s (retry after %s)", e.Limiter, e.RetryAfter)
}

// CircuitOpen reports that a call site's circuit breaker is open.
type CircuitOpen struct {
	Name      string
	OpenSince string
}

func (e *CircuitOpen) Error() string {
	return fmt.Sprintf("circuit open: %s (since %s)", e.Name, e.OpenSince)
}

// BackendUnavailable reports a tier or provider backend that is down.
// Memory Upsert records it in a soft-failure report; the other memory
// calls, Search included, return it to the caller rather than an empty
// result. Provider operations advance to the next fallback candidate.
type BackendUnavailable struct {
	Backend string
	Err     error
}

func (e *BackendUnavailable) Error() string {
	return fmt.Sprintf("backend unavailable: %s: %v", e.Backend, e.Err)
}

func (e *BackendUnavailable) Unwrap() error { return e.Err }

// BudgetExceeded is a hard failure: it is never retried locally.
type BudgetExceeded struct {
	Window string // "hourly", "daily", "monthly"
	Limit  float64
	Would  float64
}

func (e *BudgetExceeded) Error() string {
	return fmt.Sprintf("budget exceeded: %s limit %.4f, would reach %.4f", e.Window, e.Limit, e.Would)
}

// TimeoutError reports a per-request deadline exceeded. Retried up to max_retries.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s", e.Op)
}

// NoProviderAvailable reports total fallback exhaustion in the Provider Router.
type NoProviderAvailable struct {
	TaskType string
	LastErr  error
}

func (e *NoProviderAvailable) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("no provider available for %q, last error: %v", e.TaskType, e.LastErr)
	}
	return fmt.Sprintf("no provider available for %q", e.TaskType)
}

func (e *NoProviderAvailable) Unwrap() error { return e.LastErr }

// InternalError wraps an unexpected condition, tagged with the task id
// (if any) that was executing when it occurred.
type InternalError struct {
	TaskID string
	Err    error
}

func (e *InternalError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("internal error (task %s): %v", e.TaskID, e.Err)
	}
	return fmt.Sprintf("internal error: %v", e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }
