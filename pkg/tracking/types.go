package tracking

import (
	"fmt"
	"strings"
	"time"
)

// Kind selects which table a Record lives in.
//
// NOTE: These values are persisted in job descriptor files and metrics labels
// and are part of the stable contract.
type Kind string

const (
	// KindSeqrun is a run-level analysis (project/sample/libprep/seqrun).
	KindSeqrun Kind = "seqrun"
	// KindSample is a sample-level analysis (project/sample).
	KindSample Kind = "sample"
)

// ParseKind converts a user-supplied string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindSeqrun, "run":
		return KindSeqrun, nil
	case KindSample:
		return KindSample, nil
	default:
		return "", fmt.Errorf("unknown record kind %q (expected seqrun or sample)", s)
	}
}

// Identity is the uniqueness tuple of a tracked job. LibprepID and SeqrunID
// are only meaningful for KindSeqrun and must be empty for KindSample.
type Identity struct {
	ProjectID string `json:"project_id" yaml:"project_id"`
	SampleID  string `json:"sample_id" yaml:"sample_id"`
	LibprepID string `json:"libprep_id,omitempty" yaml:"libprep_id,omitempty"`
	SeqrunID  string `json:"seqrun_id,omitempty" yaml:"seqrun_id,omitempty"`
	Workflow  string `json:"workflow" yaml:"workflow"`
}

// Validate checks that the identity is complete for the given kind.
func (id Identity) Validate(kind Kind) error {
	if strings.TrimSpace(id.ProjectID) == "" {
		return fmt.Errorf("project_id is required")
	}
	if strings.TrimSpace(id.SampleID) == "" {
		return fmt.Errorf("sample_id is required")
	}
	if strings.TrimSpace(id.Workflow) == "" {
		return fmt.Errorf("workflow is required")
	}
	switch kind {
	case KindSeqrun:
		if strings.TrimSpace(id.LibprepID) == "" || strings.TrimSpace(id.SeqrunID) == "" {
			return fmt.Errorf("libprep_id and seqrun_id are required for seqrun records")
		}
	case KindSample:
		if id.LibprepID != "" || id.SeqrunID != "" {
			return fmt.Errorf("libprep_id and seqrun_id must be empty for sample records")
		}
	default:
		return fmt.Errorf("unknown record kind %q", kind)
	}
	return nil
}

// String renders the identity the way operators read it in logs.
func (id Identity) String() string {
	if id.LibprepID == "" && id.SeqrunID == "" {
		return fmt.Sprintf("%s/%s (%s)", id.ProjectID, id.SampleID, id.Workflow)
	}
	return fmt.Sprintf("%s/%s/%s/%s (%s)", id.ProjectID, id.SampleID, id.LibprepID, id.SeqrunID, id.Workflow)
}

// Record is one launched analysis process that still has to be reported to
// the remote tracking service. Records are never updated in place; the only
// transition is deletion once the terminal status has been reported.
type Record struct {
	Kind Kind `json:"kind"`
	Identity

	ProjectName     string    `json:"project_name"`
	ProjectBasePath string    `json:"project_base_path"`
	Engine          string    `json:"engine"`
	AnalysisDir     string    `json:"analysis_dir"`
	ProcessID       int       `json:"process_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// Validate checks the record before it is written.
func (r *Record) Validate() error {
	if r == nil {
		return fmt.Errorf("record is nil")
	}
	if err := r.Identity.Validate(r.Kind); err != nil {
		return err
	}
	if strings.TrimSpace(r.ProjectName) == "" {
		return fmt.Errorf("project_name is required")
	}
	if strings.TrimSpace(r.ProjectBasePath) == "" {
		return fmt.Errorf("project_base_path is required")
	}
	if r.ProcessID <= 0 {
		return fmt.Errorf("process_id must be > 0")
	}
	return nil
}

// Label is a short human description used in log lines.
func (r *Record) Label() string {
	if r.Kind == KindSample {
		return fmt.Sprintf("project/sample %s/%s", r.ProjectName, r.SampleID)
	}
	return fmt.Sprintf("project/sample/libprep/seqrun %s/%s/%s/%s", r.ProjectName, r.SampleID, r.LibprepID, r.SeqrunID)
}
