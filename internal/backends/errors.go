package backends

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// BackendError is a structured error returned by a backend adapter.
// StatusCode is the upstream HTTP status (0 when the request never got one).
type BackendError struct {
	Backend    string
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Backend, e.Message, e.StatusCode)
}

// HTTPStatus implements StatusCoder.
func (e *BackendError) HTTPStatus() int { return e.StatusCode }

// NotConfiguredError marks a backend with no credential. Absence of
// configuration is a state, not a transient condition: it triggers immediate
// failover and is never retried.
type NotConfiguredError struct {
	Backend string
}

func (e *NotConfiguredError) Error() string {
	return fmt.Sprintf("backend %q is not configured", e.Backend)
}

// IsTransient reports whether err should be retried on the same backend
// before failing over.
//
//   - 5xx upstream status → transient (infrastructure failure)
//   - timeout / cancelled context → transient
//   - network errors → transient
//   - unconfigured backend → NOT transient (permanent for the process)
//   - 4xx upstream status → NOT transient (bad request, auth, policy — a
//     retry against the same backend cannot change the outcome)
//   - unknown errors → transient (conservative default)
func IsTransient(err error) bool {
	var nc *NotConfiguredError
	if errors.As(err, &nc) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		return status >= 500 && status < 600
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return true
}

// ClassifyError converts an error into a short category string used in log
// fields and metrics labels.
func ClassifyError(err error) string {
	var nc *NotConfiguredError
	if errors.As(err, &nc) {
		return "not_configured"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "unknown"
}
