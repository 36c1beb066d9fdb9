// Package exitprobe classifies a launched job from the evidence it leaves
// behind: an exit-code marker file written when the job terminates, and the
// OS process table while it is still alive.
package exitprobe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// Outcome is the closed set of states a probe can report.
type Outcome int

const (
	// Running means no marker has been written and the process is alive.
	Running Outcome = iota
	// Succeeded means the marker holds exit code 0.
	Succeeded
	// Failed means the marker holds a non-zero exit code.
	Failed
	// FailedUnknown means no marker was written and the process is gone.
	// The cause is unknown and needs manual inspection.
	FailedUnknown
)

func (o Outcome) String() string {
	switch o {
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case FailedUnknown:
		return "failed_unknown"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Terminal reports whether the job has finished, one way or another.
func (o Outcome) Terminal() bool {
	return o != Running
}

// ParseError reports a marker file that exists but cannot be interpreted.
type ParseError struct {
	Path  string
	Token string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Token != "" {
		return fmt.Sprintf("could not determine job exit status from %s: not an integer (%q)", e.Path, e.Token)
	}
	return fmt.Sprintf("could not determine job exit status from %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Job is the subset of a tracking record the probe needs.
type Job struct {
	Workflow        string
	ProjectBasePath string
	ProjectName     string
	SampleID        string
	LibprepID       string
	SeqrunID        string
	ProcessID       int
}

// MarkerPath returns where a job writes its exit code:
//
//	<base>/ANALYSIS/<project_name>/logs/<project_name>-<sample>[-<libprep>-<seqrun>]-<workflow>.exit
func MarkerPath(j Job) string {
	name := j.ProjectName
	if j.SampleID != "" {
		name += "-" + j.SampleID
	}
	if j.LibprepID != "" {
		name += "-" + j.LibprepID
	}
	if j.SeqrunID != "" {
		name += "-" + j.SeqrunID
	}
	name += "-" + j.Workflow + ".exit"
	return filepath.Join(j.ProjectBasePath, "ANALYSIS", j.ProjectName, "logs", name)
}

// ProcessExistsFunc reports whether pid is present in the process table.
type ProcessExistsFunc func(ctx context.Context, pid int) (bool, error)

// Prober reads markers and the process table. The zero value uses gopsutil.
type Prober struct {
	ProcessExists ProcessExistsFunc
}

// New returns a Prober backed by the OS process table.
func New() *Prober {
	return &Prober{ProcessExists: SystemProcessExists}
}

// SystemProcessExists checks the OS process table via gopsutil.
func SystemProcessExists(ctx context.Context, pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	return process.PidExistsWithContext(ctx, int32(pid))
}

// Probe classifies the job. It never modifies anything on disk.
//
// A marker that exists but is unreadable or holds a non-integer token yields
// a *ParseError rather than any Outcome.
func (p *Prober) Probe(ctx context.Context, j Job) (Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	code, written, err := ReadExitCode(MarkerPath(j))
	if err != nil {
		return 0, err
	}
	if written {
		if code == 0 {
			return Succeeded, nil
		}
		return Failed, nil
	}

	exists := p.ProcessExists
	if exists == nil {
		exists = SystemProcessExists
	}
	alive, err := exists(ctx, j.ProcessID)
	if err != nil {
		// An inconclusive lookup must not declare the job dead.
		return Running, nil
	}
	if !alive {
		return FailedUnknown, nil
	}
	return Running, nil
}

// ReadExitCode reads a marker file. written is false when the file does not
// exist yet or is still empty.
func ReadExitCode(path string) (code int, written bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, &ParseError{Path: path, Err: err}
	}

	token := strings.TrimSpace(string(b))
	if token == "" {
		return 0, false, nil
	}
	code, convErr := strconv.Atoi(token)
	if convErr != nil {
		return 0, false, &ParseError{Path: path, Token: token, Err: convErr}
	}
	return code, true, nil
}
