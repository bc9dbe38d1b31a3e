package gateway

import (
	"fmt"
	"time"
)

// ValidationError rejects a malformed request before any backend is touched.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s", e.Message)
}

// QuotaExceededError means the requester's daily budget is spent. ResetAt is
// the next UTC midnight, when the window rolls over.
type QuotaExceededError struct {
	ResetAt time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("daily quota exceeded, resets at %s", e.ResetAt.Format(time.RFC3339))
}

// AllBackendsExhaustedError means every candidate backend was tried without
// success. Errors holds the last error seen per backend; Last is the error
// from the final attempt.
type AllBackendsExhaustedError struct {
	Attempts int
	Errors   map[string]error
	Last     error
}

func (e *AllBackendsExhaustedError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("all backends failed after %d attempt(s): %v", e.Attempts, e.Last)
	}
	return fmt.Sprintf("all backends failed after %d attempt(s)", e.Attempts)
}

func (e *AllBackendsExhaustedError) Unwrap() error { return e.Last }
