// Package charon is a client for the Charon project tracking service.
//
// Charon keeps one document per sequencing run (seqrun) and per sample. The
// reconciler reads and writes the run-level alignment_status and the
// sample-level status fields; everything else in the documents is passed
// through untouched.
package charon

import (
	"fmt"
)

// Status is a remote analysis status value.
type Status string

const (
	StatusNew     Status = "NEW"
	StatusRunning Status = "RUNNING"
	StatusDone    Status = "DONE"

	// StatusFailed is the failure value for run-level alignment_status.
	StatusFailed Status = "FAILED"

	// StatusComputationFailed is the failure value for sample-level status.
	StatusComputationFailed Status = "COMPUTATION_FAILED"
)

// Document field names.
const (
	FieldAlignmentStatus = "alignment_status"
	FieldStatus          = "status"
)

// RunKey addresses a seqrun document.
type RunKey struct {
	ProjectID string
	SampleID  string
	LibprepID string
	SeqrunID  string
}

func (k RunKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.ProjectID, k.SampleID, k.LibprepID, k.SeqrunID)
}

func (k RunKey) path() string {
	return "seqrun/" + escape(k.ProjectID) + "/" + escape(k.SampleID) + "/" + escape(k.LibprepID) + "/" + escape(k.SeqrunID)
}

// SampleKey addresses a sample document.
type SampleKey struct {
	ProjectID string
	SampleID  string
}

func (k SampleKey) String() string {
	return k.ProjectID + "/" + k.SampleID
}

func (k SampleKey) path() string {
	return "sample/" + escape(k.ProjectID) + "/" + escape(k.SampleID)
}

// RunStatus is the remote view of a seqrun.
type RunStatus struct {
	Key             RunKey
	AlignmentStatus Status

	// Document is the full decoded seqrun document.
	Document map[string]any
}

// SampleStatus is the remote view of a sample.
type SampleStatus struct {
	Key    SampleKey
	Status Status

	// Document is the full decoded sample document.
	Document map[string]any
}

func statusField(doc map[string]any, field string) Status {
	if v, ok := doc[field].(string); ok {
		return Status(v)
	}
	return ""
}
