// Package launch starts analysis processes and registers them for tracking.
package launch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/ngitrack/pkg/exitprobe"
	"github.com/3leaps/ngitrack/pkg/tracking"
)

// DefaultShell runs the wrapped command line.
const DefaultShell = "/bin/sh"

// Registry is the subset of *tracking.Store the launcher needs.
type Registry interface {
	Exists(ctx context.Context, kind tracking.Kind, id tracking.Identity) (bool, error)
	Record(ctx context.Context, rec *tracking.Record) error
}

// Request describes one analysis to start.
type Request struct {
	// Record carries identity and location. ProcessID is filled in by Start.
	Record tracking.Record

	// Command is the analysis command line, run through the shell.
	Command string

	// Env is appended to the current environment.
	Env []string
}

// Result describes a started analysis.
type Result struct {
	Record     *tracking.Record
	MarkerPath string
	StdoutPath string
	StderrPath string

	cmd *exec.Cmd
}

// Wait blocks until the shell exits. The exit code the analysis produced is
// in the marker file, not in the returned error.
func (r *Result) Wait() error {
	if r == nil || r.cmd == nil {
		return nil
	}
	return r.cmd.Wait()
}

// Launcher spawns wrapped analysis commands.
type Launcher struct {
	registry Registry
	logger   *zap.Logger
	shell    string
}

// Option customizes a Launcher.
type Option func(*Launcher)

// WithShell overrides DefaultShell.
func WithShell(shell string) Option {
	return func(l *Launcher) {
		if shell != "" {
			l.shell = shell
		}
	}
}

func New(registry Registry, logger *zap.Logger, opts ...Option) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Launcher{registry: registry, logger: logger, shell: DefaultShell}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start spawns the command so that its exit code lands in the job's exit
// marker, then records the job. It returns once the process is running.
//
// An identity that is already tracked is refused before anything is spawned.
// If recording fails after the spawn, the process keeps running and the
// returned error names its pid.
func (l *Launcher) Start(ctx context.Context, req Request) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rec := req.Record
	if err := validate(&req); err != nil {
		return nil, err
	}

	exists, err := l.registry.Exists(ctx, rec.Kind, rec.Identity)
	if err != nil {
		return nil, fmt.Errorf("check tracked jobs: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("refusing to launch %s: %w", rec.Identity, tracking.ErrAlreadyTracked)
	}

	marker := exitprobe.MarkerPath(jobFor(&rec))
	logDir := filepath.Dir(marker)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	// A marker left by an earlier attempt would read as finished immediately.
	if err := os.Remove(marker); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("remove stale exit marker: %w", err)
	}

	stem := strings.TrimSuffix(marker, ".exit")
	res := &Result{MarkerPath: marker, StdoutPath: stem + ".out", StderrPath: stem + ".err"}

	stdoutFile, err := os.Create(res.StdoutPath)
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	defer func() { _ = stdoutFile.Close() }()
	stderrFile, err := os.Create(res.StderrPath)
	if err != nil {
		return nil, fmt.Errorf("create stderr log: %w", err)
	}
	defer func() { _ = stderrFile.Close() }()

	cmd := exec.Command(l.shell, "-c", WrapCommand(req.Command, marker))
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = append(os.Environ(), req.Env...)
	if rec.AnalysisDir != "" {
		if err := os.MkdirAll(rec.AnalysisDir, 0o755); err != nil {
			return nil, fmt.Errorf("create analysis dir: %w", err)
		}
		cmd.Dir = rec.AnalysisDir
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start analysis: %w", err)
	}
	res.cmd = cmd
	rec.ProcessID = cmd.Process.Pid
	res.Record = &rec

	l.logger.Info("Started analysis",
		zap.String("kind", string(rec.Kind)),
		zap.String("job", rec.Identity.String()),
		zap.Int("pid", rec.ProcessID),
		zap.String("exit_marker", marker))

	if err := l.registry.Record(ctx, &rec); err != nil {
		l.logger.Error("Analysis is running but could not be tracked",
			zap.Int("pid", rec.ProcessID), zap.String("job", rec.Identity.String()), zap.Error(err))
		return res, fmt.Errorf("analysis started as pid %d but was not tracked: %w", rec.ProcessID, err)
	}
	return res, nil
}

// WrapCommand returns a shell script that runs command and writes its exit
// status to marker.
func WrapCommand(command, marker string) string {
	return "(\n" + command + "\n)\necho $? > " + shellQuote(marker) + "\n"
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func validate(req *Request) error {
	rec := &req.Record
	if err := rec.Identity.Validate(rec.Kind); err != nil {
		return err
	}
	if strings.TrimSpace(rec.ProjectName) == "" {
		return fmt.Errorf("project_name is required")
	}
	if strings.TrimSpace(rec.ProjectBasePath) == "" {
		return fmt.Errorf("project_base_path is required")
	}
	if strings.TrimSpace(req.Command) == "" {
		return fmt.Errorf("command is required")
	}
	return nil
}

func jobFor(rec *tracking.Record) exitprobe.Job {
	return exitprobe.Job{
		Workflow:        rec.Workflow,
		ProjectBasePath: rec.ProjectBasePath,
		ProjectName:     rec.ProjectName,
		SampleID:        rec.SampleID,
		LibprepID:       rec.LibprepID,
		SeqrunID:        rec.SeqrunID,
	}
}
