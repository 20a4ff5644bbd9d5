package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrValidation marks input rejected before or by the remote store, such as empty content.
	ErrValidation = errors.New("gateway: validation failed")
	// ErrTransport marks network failures, timeouts and any status not covered by the other sentinels.
	ErrTransport = errors.New("gateway: transport failure")
	// ErrAuth marks a missing or rejected bearer credential.
	ErrAuth = errors.New("gateway: authentication failed")
	// ErrNotFound marks an operation on an id unknown to the remote store.
	ErrNotFound = errors.New("gateway: not found")
)

// HTTPError describes a non-success response from the remote store.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway: remote returned %d %s (%s)", e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("gateway: remote returned %d %s", e.StatusCode, e.Message)
}

// Is maps the status code onto the gateway error taxonomy. Every status outside the auth, not-found and
// validation sets counts as a transport failure, including proxy answers such as 405, 409 and 413.
func (e *HTTPError) Is(target error) bool {
	return target == e.kind()
}

func (e *HTTPError) kind() error {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuth
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrValidation
	default:
		return ErrTransport
	}
}

func transportError(operation string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransport, operation, err)
}
