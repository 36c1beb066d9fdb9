package tracking

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAlreadyTracked indicates a live record with the same identity exists.
	ErrAlreadyTracked = errors.New("job is already tracked")

	// ErrLockExhausted indicates every insert attempt hit store lock contention.
	ErrLockExhausted = errors.New("tracking store locked; retries exhausted")

	// ErrNotFound indicates no record matched the identity.
	ErrNotFound = errors.New("tracking record not found")
)

// InsertError reports a job that could not be recorded. Callers must not
// assume the job is tracked when they receive one.
type InsertError struct {
	Kind      Kind
	Identity  Identity
	ProcessID int
	Attempts  int
	Err       error
}

func (e *InsertError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("could not record process id %d for %s %s after %d attempt(s): %v",
			e.ProcessID, e.Kind, e.Identity, e.Attempts, e.Err)
	}
	return fmt.Sprintf("could not record process id %d for %s %s: %v", e.ProcessID, e.Kind, e.Identity, e.Err)
}

func (e *InsertError) Unwrap() error {
	return e.Err
}

// IsAlreadyTracked returns true if the error reports a duplicate identity.
func IsAlreadyTracked(err error) bool {
	return errors.Is(err, ErrAlreadyTracked)
}

// IsLockExhausted returns true if the error reports exhausted lock retries.
func IsLockExhausted(err error) bool {
	return errors.Is(err, ErrLockExhausted)
}

// isLockError reports SQLite BUSY/LOCKED conditions. Matching on the message
// keeps this working across the modernc and libsql drivers.
func isLockError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}

func isConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed") ||
		strings.Contains(msg, "SQLITE_CONSTRAINT")
}
