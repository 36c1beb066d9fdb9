package qcmetrics

import (
	"errors"
	"fmt"
)

// ErrMissingResults indicates lane QC output that should exist does not.
var ErrMissingResults = errors.New("alignment qc results missing")

// FormatError reports an input whose shape the aggregator cannot use, such as
// a BAM filename without a lane number or a seqrun id without a flowcell field.
type FormatError struct {
	Field  string
	Value  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("unexpected %s %q: %s", e.Field, e.Value, e.Reason)
}

// IsFormatError returns true if err is (or wraps) a *FormatError.
func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}
