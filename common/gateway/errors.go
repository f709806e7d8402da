package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrLocalValidation means the pending values failed client-side validation; nothing was sent
	ErrLocalValidation = errors.New("local validation failed")
	// ErrConcurrentSubmit means another submit for the same resource is outstanding; nothing was sent
	ErrConcurrentSubmit = errors.New("submit already in progress for resource")
)

// ErrorKind classifies a failed remote call
type ErrorKind string

const (
	// RemoteRejection is a non-2xx response from the backend
	RemoteRejection ErrorKind = "remote_rejection"
	// NetworkFailure covers transport errors and unreadable responses
	NetworkFailure ErrorKind = "network_failure"
)

// SubmitError describes a failed PATCH or GET against the backend
type SubmitError struct {
	Kind   ErrorKind
	Method string
	URL    string
	Status int
	Body   string
	Err    error
}

func (e *SubmitError) Error() string {
	switch e.Kind {
	case RemoteRejection:
		return fmt.Sprintf("%s %s rejected with status %d: %s", e.Method, e.URL, e.Status, truncate(e.Body, 200))
	default:
		return fmt.Sprintf("%s %s failed: %v", e.Method, e.URL, e.Err)
	}
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

// IsRemoteRejection reports whether err is a backend rejection
func IsRemoteRejection(err error) bool {
	var se *SubmitError
	return errors.As(err, &se) && se.Kind == RemoteRejection
}

// IsNetworkFailure reports whether err is a transport failure
func IsNetworkFailure(err error) bool {
	var se *SubmitError
	return errors.As(err, &se) && se.Kind == NetworkFailure
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
