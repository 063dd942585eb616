package breaker

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen matches every OpenError via errors.Is.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrCallTimeout is returned when a protected call exceeds the breaker timeout.
	ErrCallTimeout = errors.New("circuit breaker call timed out")
	// ErrBreakerNotFound indicates an unknown breaker name.
	ErrBreakerNotFound = errors.New("circuit breaker not found")
)

// OpenError is returned without invoking the protected call while the breaker rejects traffic.
type OpenError struct {
	Name    string
	State   State
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("circuit breaker %s is %s; retry at %s", e.Name, e.State, e.RetryAt.UTC().Format(time.RFC3339))
}

// Unwrap lets errors.Is match ErrCircuitOpen.
func (e *OpenError) Unwrap() error { return ErrCircuitOpen }

// RetryAfter returns the wait until RetryAt relative to now, never negative.
func (e *OpenError) RetryAfter(now time.Time) time.Duration {
	if e == nil || !e.RetryAt.After(now) {
		return 0
	}
	return e.RetryAt.Sub(now)
}
