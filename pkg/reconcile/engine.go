// Package reconcile drives tracked analysis jobs to a reported terminal state.
//
// A pass walks every record in the tracking store, probes the job's exit
// marker and process, and moves the remote tracking service toward the
// observed state. A record is deleted only after the remote service accepted
// the terminal status, so a crash at any point leaves it in place for the
// next pass: remote updates are at-least-once and local deletes at-most-once.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/ngitrack/pkg/charon"
	"github.com/3leaps/ngitrack/pkg/exitprobe"
	"github.com/3leaps/ngitrack/pkg/metrics"
	"github.com/3leaps/ngitrack/pkg/qcmetrics"
	"github.com/3leaps/ngitrack/pkg/tracking"
)

// Store is the subset of *tracking.Store a pass uses.
type Store interface {
	ScanAll(ctx context.Context, kind tracking.Kind) ([]tracking.Record, error)
	Delete(ctx context.Context, rec *tracking.Record) error
}

// Prober classifies a job from its exit marker and process.
type Prober interface {
	Probe(ctx context.Context, j exitprobe.Job) (exitprobe.Outcome, error)
}

// MetricsCollector gathers the lane QC metrics of a completed run.
type MetricsCollector func(basePath, projectName, sampleID, seqrunID string) (*qcmetrics.Accumulator, error)

// Observer is told about every reconciled record and every finished pass.
// Calls happen on the pass goroutine.
type Observer interface {
	RecordReconciled(ctx context.Context, passID string, rec *tracking.Record, outcome, result string)
	PassFinished(ctx context.Context, sum Summary)
}

// Engine runs reconciliation passes. It holds no state between passes.
type Engine struct {
	store    Store
	client   charon.Client
	logger   *zap.Logger
	prober   Prober
	collect  MetricsCollector
	recorder *metrics.Recorder
	observer Observer
	now      func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithProber replaces the exit probe.
func WithProber(p Prober) Option {
	return func(e *Engine) {
		if p != nil {
			e.prober = p
		}
	}
}

// WithMetricsCollector replaces the lane metrics collector.
func WithMetricsCollector(c MetricsCollector) Option {
	return func(e *Engine) {
		if c != nil {
			e.collect = c
		}
	}
}

// WithRecorder enables Prometheus metrics.
func WithRecorder(r *metrics.Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// WithObserver registers an Observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine builds an engine. A nil logger discards output.
func NewEngine(store Store, client charon.Client, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:   store,
		client:  client,
		logger:  logger,
		prober:  exitprobe.New(),
		collect: qcmetrics.CollectRunMetrics,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// KindSummary counts what a pass did with one kind of record.
type KindSummary struct {
	Scanned  int `json:"scanned"`
	Deleted  int `json:"deleted"`
	Retained int `json:"retained"`
	Errors   int `json:"errors"`
}

func (k *KindSummary) add(result string) {
	switch result {
	case metrics.ResultDeleted:
		k.Deleted++
	case metrics.ResultRetained:
		k.Retained++
	default:
		k.Errors++
	}
}

// Summary describes a finished pass.
type Summary struct {
	PassID  string        `json:"pass_id"`
	Started time.Time     `json:"started"`
	Elapsed time.Duration `json:"elapsed"`
	Runs    KindSummary   `json:"runs"`
	Samples KindSummary   `json:"samples"`
}

// Total sums both kinds.
func (s Summary) Total() KindSummary {
	return KindSummary{
		Scanned:  s.Runs.Scanned + s.Samples.Scanned,
		Deleted:  s.Runs.Deleted + s.Samples.Deleted,
		Retained: s.Runs.Retained + s.Samples.Retained,
		Errors:   s.Runs.Errors + s.Samples.Errors,
	}
}

// Pass reconciles every tracked record once: run-level records first, then
// sample-level. Failures are confined to the record they happen on; Pass
// itself never fails.
func (e *Engine) Pass(ctx context.Context) Summary {
	if ctx == nil {
		ctx = context.Background()
	}

	sum := Summary{PassID: uuid.NewString(), Started: e.now()}
	log := e.logger.With(zap.String("pass_id", sum.PassID))
	log.Debug("Reconciliation pass starting")

	e.passKind(ctx, log, sum.PassID, tracking.KindSeqrun, &sum.Runs)
	e.passKind(ctx, log, sum.PassID, tracking.KindSample, &sum.Samples)

	sum.Elapsed = e.now().Sub(sum.Started)
	e.recorder.ObservePass(sum.Elapsed, e.now())

	total := sum.Total()
	log.Info("Reconciliation pass finished",
		zap.Int("scanned", total.Scanned),
		zap.Int("deleted", total.Deleted),
		zap.Int("retained", total.Retained),
		zap.Int("errors", total.Errors),
		zap.Duration("elapsed", sum.Elapsed))

	if e.observer != nil {
		e.observer.PassFinished(ctx, sum)
	}
	return sum
}

func (e *Engine) passKind(ctx context.Context, log *zap.Logger, passID string, kind tracking.Kind, ks *KindSummary) {
	recs, err := e.store.ScanAll(ctx, kind)
	if err != nil {
		log.Error("Could not read tracked jobs", zap.String("kind", string(kind)), zap.Error(err))
		ks.Errors++
		return
	}
	ks.Scanned = len(recs)
	e.recorder.SetTracked(string(kind), len(recs))

	for i := range recs {
		rec := &recs[i]
		outcome, result := e.reconcileGuarded(ctx, log, rec)
		ks.add(result)
		e.recorder.ObserveTransition(string(kind), outcome, result)
		if e.observer != nil {
			e.observer.RecordReconciled(ctx, passID, rec, outcome, result)
		}
	}
}

func (e *Engine) reconcileGuarded(ctx context.Context, log *zap.Logger, rec *tracking.Record) (outcome, result string) {
	rlog := log.With(
		zap.String("kind", string(rec.Kind)),
		zap.String("job", rec.Identity.String()),
		zap.Int("pid", rec.ProcessID))

	defer func() {
		if r := recover(); r != nil {
			rlog.Error("Reconciliation of job aborted", zap.Any("panic", r), zap.Stack("stack"))
			if outcome == "" {
				outcome = "unknown"
			}
			result = metrics.ResultError
		}
	}()
	return e.reconcile(ctx, rlog, rec)
}

// Outcome label used when the exit marker cannot be interpreted.
const outcomeUnparsable = "unparsable"

func (e *Engine) reconcile(ctx context.Context, log *zap.Logger, rec *tracking.Record) (string, string) {
	outcome, err := e.prober.Probe(ctx, JobFor(rec))
	if err != nil {
		log.Error("Could not determine exit status of analysis; reporting it as failed",
			zap.String("label", rec.Label()), zap.Error(err))
		return outcomeUnparsable, e.reportFailed(ctx, log, rec)
	}

	switch outcome {
	case exitprobe.Succeeded:
		log.Info("Analysis completed", zap.String("label", rec.Label()))
		if rec.Kind == tracking.KindSeqrun {
			return outcome.String(), e.completeRun(ctx, log, rec)
		}
		return outcome.String(), e.completeSample(ctx, log, rec)

	case exitprobe.Failed:
		log.Info("Analysis failed", zap.String("label", rec.Label()))
		return outcome.String(), e.reportFailed(ctx, log, rec)

	case exitprobe.FailedUnknown:
		log.Error("Analysis process is gone without writing an exit code; manual inspection recommended",
			zap.String("label", rec.Label()))
		return outcome.String(), e.reportFailed(ctx, log, rec)

	case exitprobe.Running:
		log.Debug("Analysis still running", zap.String("label", rec.Label()))
		return outcome.String(), e.markRunning(ctx, log, rec)

	default:
		panic(fmt.Sprintf("unhandled probe outcome %v", outcome))
	}
}

func (e *Engine) completeRun(ctx context.Context, log *zap.Logger, rec *tracking.Record) string {
	key := RunKeyFor(rec)

	current, err := e.client.GetRunStatus(ctx, key)
	if err != nil {
		log.Error("Could not read remote run status; will retry next pass", zap.Error(err))
		return metrics.ResultError
	}
	if current.AlignmentStatus == charon.StatusDone {
		log.Warn("Run is already marked DONE remotely; overwriting with new alignment results")
	}

	var fields map[string]any
	acc, err := e.collect(rec.ProjectBasePath, rec.ProjectName, rec.SampleID, rec.SeqrunID)
	if err != nil {
		log.Error("Could not collect alignment metrics for completed run; reporting it as FAILED",
			zap.String("label", rec.Label()), zap.Error(err))
		fields = map[string]any{charon.FieldAlignmentStatus: string(charon.StatusFailed)}
	} else {
		fields = acc.Fields()
		fields[charon.FieldAlignmentStatus] = string(charon.StatusDone)
	}

	if err := e.client.UpdateRunStatus(ctx, key, fields); err != nil {
		log.Error("Could not update remote run status; will retry next pass",
			zap.Any("status", fields[charon.FieldAlignmentStatus]), zap.Error(err))
		return metrics.ResultError
	}
	return e.forget(ctx, log, rec)
}

func (e *Engine) completeSample(ctx context.Context, log *zap.Logger, rec *tracking.Record) string {
	if err := e.client.UpdateSampleStatus(ctx, SampleKeyFor(rec), charon.StatusDone); err != nil {
		log.Error("Could not update remote sample status; will retry next pass", zap.Error(err))
		return metrics.ResultError
	}
	return e.forget(ctx, log, rec)
}

func (e *Engine) reportFailed(ctx context.Context, log *zap.Logger, rec *tracking.Record) string {
	var err error
	if rec.Kind == tracking.KindSeqrun {
		err = e.client.UpdateRunStatus(ctx, RunKeyFor(rec),
			map[string]any{charon.FieldAlignmentStatus: string(charon.StatusFailed)})
	} else {
		err = e.client.UpdateSampleStatus(ctx, SampleKeyFor(rec), charon.StatusComputationFailed)
	}
	if err != nil {
		log.Error("Could not report failure to remote tracking; will retry next pass", zap.Error(err))
		return metrics.ResultError
	}
	return e.forget(ctx, log, rec)
}

// markRunning corrects remote drift for a live job. The record is always kept.
// An unreadable sample status is treated as NEW; an unreadable run status
// leaves the run untouched.
func (e *Engine) markRunning(ctx context.Context, log *zap.Logger, rec *tracking.Record) string {
	var (
		current charon.Status
		err     error
	)
	if rec.Kind == tracking.KindSeqrun {
		var st charon.RunStatus
		st, err = e.client.GetRunStatus(ctx, RunKeyFor(rec))
		current = st.AlignmentStatus
	} else {
		var st charon.SampleStatus
		st, err = e.client.GetSampleStatus(ctx, SampleKeyFor(rec))
		current = st.Status
	}
	if err != nil {
		if rec.Kind == tracking.KindSeqrun {
			log.Error("Could not read remote run status; will retry next pass", zap.Error(err))
			return metrics.ResultError
		}
		log.Warn("Could not read remote sample status; assuming NEW", zap.Error(err))
		current = charon.StatusNew
	}
	if current == charon.StatusRunning {
		return metrics.ResultRetained
	}

	log.Warn("Tracking says job is not running but it is; setting RUNNING",
		zap.String("remote_status", string(current)))
	if rec.Kind == tracking.KindSeqrun {
		err = e.client.UpdateRunStatus(ctx, RunKeyFor(rec),
			map[string]any{charon.FieldAlignmentStatus: string(charon.StatusRunning)})
	} else {
		err = e.client.UpdateSampleStatus(ctx, SampleKeyFor(rec), charon.StatusRunning)
	}
	if err != nil {
		log.Error("Could not set remote status to RUNNING", zap.Error(err))
		return metrics.ResultError
	}
	return metrics.ResultRetained
}

func (e *Engine) forget(ctx context.Context, log *zap.Logger, rec *tracking.Record) string {
	if err := e.store.Delete(ctx, rec); err != nil {
		if errors.Is(err, tracking.ErrNotFound) {
			log.Warn("Tracked job was already removed", zap.Error(err))
			return metrics.ResultDeleted
		}
		log.Error("Could not remove tracked job after reporting; it will be reported again next pass", zap.Error(err))
		return metrics.ResultError
	}
	log.Info("Removed tracked job", zap.String("label", rec.Label()))
	return metrics.ResultDeleted
}

// Probe classifies a single record without touching anything.
func (e *Engine) Probe(ctx context.Context, rec *tracking.Record) (exitprobe.Outcome, error) {
	return e.prober.Probe(ctx, JobFor(rec))
}

// JobFor maps a tracking record onto the probe's view of a job.
func JobFor(rec *tracking.Record) exitprobe.Job {
	return exitprobe.Job{
		Workflow:        rec.Workflow,
		ProjectBasePath: rec.ProjectBasePath,
		ProjectName:     rec.ProjectName,
		SampleID:        rec.SampleID,
		LibprepID:       rec.LibprepID,
		SeqrunID:        rec.SeqrunID,
		ProcessID:       rec.ProcessID,
	}
}

// RunKeyFor addresses the seqrun document of a run-level record.
func RunKeyFor(rec *tracking.Record) charon.RunKey {
	return charon.RunKey{ProjectID: rec.ProjectID, SampleID: rec.SampleID, LibprepID: rec.LibprepID, SeqrunID: rec.SeqrunID}
}

// SampleKeyFor addresses the sample document of a record.
func SampleKeyFor(rec *tracking.Record) charon.SampleKey {
	return charon.SampleKey{ProjectID: rec.ProjectID, SampleID: rec.SampleID}
}
