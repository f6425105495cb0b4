package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAuthenticated is returned by operations that need a logged-in session.
	ErrNotAuthenticated = errors.New("must authenticate first")

	// ErrNotConnected is returned when an outbound realtime frame is attempted
	// while the channel is not connected. Nothing is queued.
	ErrNotConnected = errors.New("not connected")
)

// APIError is any non-authentication failure talking to the service, either
// over REST or over the realtime channel. Status is zero when no HTTP
// response was involved.
type APIError struct {
	Status  int
	Message string
	Err     error
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("lykyn api: %s: status %d", msg, e.Status)
	}
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("lykyn api: %s: %v", msg, e.Err)
	}
	return "lykyn api: " + msg
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// NewAPIError wraps a sentinel or transport error.
func NewAPIError(err error) *APIError {
	return &APIError{Err: err}
}

// StatusCode returns the HTTP status carried by err, or zero.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}
