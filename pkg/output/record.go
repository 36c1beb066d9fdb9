// Package output writes reconciliation events as JSONL.
//
// Each line is a typed envelope with a type-specific payload, so a consumer
// can tail the stream and parse lines independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record types follow ngitrack.<type>.v<version>.
const (
	// TypeTransition is emitted once per reconciled record.
	TypeTransition = "ngitrack.transition.v1"

	// TypeSummary is emitted when a pass finishes.
	TypeSummary = "ngitrack.summary.v1"
)

// Record is the envelope for every line.
type Record struct {
	Type string    `json:"type"`
	TS   time.Time `json:"ts"`

	// PassID correlates all records of one pass.
	PassID string `json:"pass_id"`

	Data json.RawMessage `json:"data"`
}

// TransitionRecord describes what a pass did with one tracked job.
type TransitionRecord struct {
	Kind      string `json:"kind"`
	ProjectID string `json:"project_id"`
	SampleID  string `json:"sample_id"`
	LibprepID string `json:"libprep_id,omitempty"`
	SeqrunID  string `json:"seqrun_id,omitempty"`
	Workflow  string `json:"workflow"`
	ProcessID int    `json:"process_id"`

	// Outcome is the probe result (running, succeeded, failed, ...).
	Outcome string `json:"outcome"`

	// Result is deleted, retained or error.
	Result string `json:"result"`
}

// KindCounts mirrors the per-kind pass counters.
type KindCounts struct {
	Scanned  int `json:"scanned"`
	Deleted  int `json:"deleted"`
	Retained int `json:"retained"`
	Errors   int `json:"errors"`
}

// SummaryRecord is the payload written at the end of a pass.
type SummaryRecord struct {
	Started       time.Time     `json:"started"`
	Duration      time.Duration `json:"duration_ns"`
	DurationHuman string        `json:"duration"`
	Runs          KindCounts    `json:"runs"`
	Samples       KindCounts    `json:"samples"`
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = errors.New("writer is closed")

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // marshal_data, marshal_record or write
	Err error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
