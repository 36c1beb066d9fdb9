package cmd

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/3leaps/ngitrack/pkg/output"
	"github.com/3leaps/ngitrack/pkg/reconcile"
	"github.com/3leaps/ngitrack/pkg/tracking"
)

// eventLog forwards engine notifications to a JSONL writer. Write failures
// are logged and never affect the pass.
type eventLog struct {
	w      output.Writer
	logger *zap.Logger
}

var _ reconcile.Observer = (*eventLog)(nil)

func (l *eventLog) RecordReconciled(ctx context.Context, passID string, rec *tracking.Record, outcome, result string) {
	err := l.w.WriteTransition(ctx, passID, &output.TransitionRecord{
		Kind:      string(rec.Kind),
		ProjectID: rec.ProjectID,
		SampleID:  rec.SampleID,
		LibprepID: rec.LibprepID,
		SeqrunID:  rec.SeqrunID,
		Workflow:  rec.Workflow,
		ProcessID: rec.ProcessID,
		Outcome:   outcome,
		Result:    result,
	})
	if err != nil {
		l.logger.Warn("Could not write transition event", zap.Error(err))
	}
}

func (l *eventLog) PassFinished(ctx context.Context, sum reconcile.Summary) {
	counts := func(k reconcile.KindSummary) output.KindCounts {
		return output.KindCounts{Scanned: k.Scanned, Deleted: k.Deleted, Retained: k.Retained, Errors: k.Errors}
	}
	err := l.w.WriteSummary(ctx, sum.PassID, &output.SummaryRecord{
		Started:       sum.Started,
		Duration:      sum.Elapsed,
		DurationHuman: sum.Elapsed.String(),
		Runs:          counts(sum.Runs),
		Samples:       counts(sum.Samples),
	})
	if err != nil {
		l.logger.Warn("Could not write summary event", zap.Error(err))
	}
}

// openEventLog opens path for appending JSONL events; "-" means stdout. An
// empty path returns a nil observer.
func openEventLog(path string, logger *zap.Logger) (*eventLog, func() error, error) {
	if path == "" {
		return nil, func() error { return nil }, nil
	}
	if path == "-" {
		w := output.NewJSONLWriter(os.Stdout)
		return &eventLog{w: w, logger: logger}, w.Close, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, exitError(exitFileWriteError, "Failed to open event log", err)
	}
	w := output.NewJSONLWriter(f)
	return &eventLog{w: w, logger: logger}, func() error {
		_ = w.Close()
		return f.Close()
	}, nil
}
