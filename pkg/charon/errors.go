package charon

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors wrapped by ServiceError.
var (
	// ErrNotFound indicates the document does not exist remotely.
	ErrNotFound = errors.New("document not found")

	// ErrUnauthorized indicates the API token was rejected.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUnavailable indicates the service could not be reached or failed.
	ErrUnavailable = errors.New("service unavailable")
)

// ServiceError is returned by every Client operation.
type ServiceError struct {
	// Op is the operation that failed (e.g., "GetRunStatus").
	Op string

	// Entity names the document (e.g., "P1/P1_101/A/140528_D00415_0049_BC423WACXX").
	Entity string

	// StatusCode is the HTTP status, zero when no response was received.
	StatusCode int

	// Err is the underlying error.
	Err error
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("charon %s %s: HTTP %d: %v", e.Op, e.Entity, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("charon %s %s: %v", e.Op, e.Entity, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// IsServiceError returns true if err is (or wraps) a *ServiceError.
func IsServiceError(err error) bool {
	var se *ServiceError
	return errors.As(err, &se)
}

// IsNotFound returns true if the remote document does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func statusError(code int, body string) error {
	var base error
	switch {
	case code == http.StatusNotFound:
		base = ErrNotFound
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		base = ErrUnauthorized
	default:
		base = ErrUnavailable
	}
	if body == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, body)
}
