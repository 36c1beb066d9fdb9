package cmd

import (
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
)

// Process exit codes, taken from the foundry catalog.
const (
	exitFailure                    = 1
	exitInvalidArgument            = int(foundry.ExitInvalidArgument)
	exitFileNotFound               = int(foundry.ExitFileNotFound)
	exitFileReadError              = int(foundry.ExitFileReadError)
	exitFileWriteError             = int(foundry.ExitFileWriteError)
	exitExternalServiceUnavailable = int(foundry.ExitExternalServiceUnavailable)
	exitSignalInt                  = int(foundry.ExitSignalInt)
)

// exitErr carries an exit code and an operator-facing message alongside the
// underlying error.
type exitErr struct {
	code int
	msg  string
	err  error
}

func (e *exitErr) Error() string {
	if e.err == nil {
		return e.msg
	}
	return fmt.Sprintf("%s: %v", e.msg, e.err)
}

func (e *exitErr) Unwrap() error {
	return e.err
}

func exitError(code int, msg string, err error) error {
	return &exitErr{code: code, msg: msg, err: err}
}

// ExitCode maps an error returned by a command to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitErr
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFailure
}
