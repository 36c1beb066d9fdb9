package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/3leaps/ngitrack/pkg/charon"
	"github.com/3leaps/ngitrack/pkg/exitprobe"
	"github.com/3leaps/ngitrack/pkg/metrics"
	"github.com/3leaps/ngitrack/pkg/tracking"
)

func TestPass_SucceededRunReportsMetricsAndDeletes(t *testing.T) {
	store := openStore(t)
	rec := runRecord(t.TempDir(), "P123_1001")
	insert(t, store, rec)

	client := newFakeClient()
	client.runs[RunKeyFor(rec)] = map[string]any{charon.FieldAlignmentStatus: "RUNNING"}
	prober := &fakeProber{outcomes: map[string]exitprobe.Outcome{"P123_1001": exitprobe.Succeeded}}

	e := NewEngine(store, client, zap.NewNop(), WithProber(prober), WithMetricsCollector(oneLane))
	sum := e.Pass(context.Background())

	assert.Equal(t, KindSummary{Scanned: 1, Deleted: 1}, sum.Runs)
	assert.NotEmpty(t, sum.PassID)
	assert.Equal(t, 0, tracked(t, store, tracking.KindSeqrun))

	doc := client.runs[RunKeyFor(rec)]
	assert.Equal(t, "DONE", doc[charon.FieldAlignmentStatus])
	assert.Equal(t, 1, doc["lanes"])
	assert.InDelta(t, 28.0, doc["mean_autosomal_coverage"].(float64), 1e-9)
	assert.Equal(t, map[string]any{"1": 30.0}, doc["mean_coverage"])
}

func TestPass_MetricsFailureReportsRunFailed(t *testing.T) {
	store := openStore(t)
	rec := runRecord(t.TempDir(), "P123_1001")
	insert(t, store, rec)

	core, logs := observer.New(zapcore.ErrorLevel)
	client := newFakeClient()
	prober := &fakeProber{outcomes: map[string]exitprobe.Outcome{"P123_1001": exitprobe.Succeeded}}

	e := NewEngine(store, client, zap.New(core), WithProber(prober), WithMetricsCollector(noMetrics))
	sum := e.Pass(context.Background())

	assert.Equal(t, 1, sum.Runs.Deleted)
	assert.Equal(t, "FAILED", client.runStatus(RunKeyFor(rec)))
	assert.Nil(t, client.runs[RunKeyFor(rec)]["lanes"])
	assert.Equal(t, 0, tracked(t, store, tracking.KindSeqrun))
	assert.Equal(t, 1, logs.FilterMessageSnippet("Could not collect alignment metrics").Len())
}

func TestPass_SucceededSampleReportsDone(t *testing.T) {
	store := openStore(t)
	rec := sampleRecord(t.TempDir(), "P123_1001")
	insert(t, store, rec)

	client := newFakeClient()
	prober := &fakeProber{outcomes: map[string]exitprobe.Outcome{"P123_1001": exitprobe.Succeeded}}

	sum := NewEngine(store, client, nil, WithProber(prober)).Pass(context.Background())

	assert.Equal(t, KindSummary{Scanned: 1, Deleted: 1}, sum.Samples)
	assert.Equal(t, charon.StatusDone, client.samples[SampleKeyFor(rec)])
	assert.Equal(t, 0, tracked(t, store, tracking.KindSample))
}

func TestPass_FailuresReportKindSpecificStatus(t *testing.T) {
	for _, outcome := range []exitprobe.Outcome{exitprobe.Failed, exitprobe.FailedUnknown} {
		t.Run(outcome.String(), func(t *testing.T) {
			store := openStore(t)
			base := t.TempDir()
			run := runRecord(base, "P123_1001")
			sample := sampleRecord(base, "P123_1002")
			insert(t, store, run, sample)

			core, logs := observer.New(zapcore.ErrorLevel)
			client := newFakeClient()
			prober := &fakeProber{outcomes: map[string]exitprobe.Outcome{
				"P123_1001": outcome,
				"P123_1002": outcome,
			}}

			sum := NewEngine(store, client, zap.New(core), WithProber(prober)).Pass(context.Background())

			assert.Equal(t, 2, sum.Total().Deleted)
			assert.Equal(t, "FAILED", client.runStatus(RunKeyFor(run)))
			assert.Equal(t, charon.StatusComputationFailed, client.samples[SampleKeyFor(sample)])

			unknown := logs.FilterMessageSnippet("without writing an exit code").Len()
			if outcome == exitprobe.FailedUnknown {
				assert.Equal(t, 2, unknown)
			} else {
				assert.Zero(t, unknown)
			}
		})
	}
}

func TestPass_UnparsableMarkerReportsFailed(t *testing.T) {
	store := openStore(t)
	base := t.TempDir()
	rec := runRecord(base, "P123_1001")
	insert(t, store, rec)

	client := newFakeClient()
	prober := &fakeProber{errs: map[string]error{
		"P123_1001": &exitprobe.ParseError{Path: "x.exit", Token: "garbage"},
	}}

	sum := NewEngine(store, client, nil, WithProber(prober), WithMetricsCollector(oneLane)).Pass(context.Background())

	assert.Equal(t, 1, sum.Runs.Deleted)
	assert.Equal(t, "FAILED", client.runStatus(RunKeyFor(rec)))
}

func TestPass_RunningCorrectsDrift(t *testing.T) {
	store := openStore(t)
	base := t.TempDir()
	run := runRecord(base, "P123_1001")
	sample := sampleRecord(base, "P123_1002")
	insert(t, store, run, sample)

	client := newFakeClient()
	client.runs[RunKeyFor(run)] = map[string]any{charon.FieldAlignmentStatus: "NEW"}
	client.samples[SampleKeyFor(sample)] = charon.StatusNew
	prober := &fakeProber{} // everything Running

	e := NewEngine(store, client, nil, WithProber(prober))
	sum := e.Pass(context.Background())

	assert.Equal(t, 2, sum.Total().Retained)
	assert.Equal(t, "RUNNING", client.runStatus(RunKeyFor(run)))
	assert.Equal(t, charon.StatusRunning, client.samples[SampleKeyFor(sample)])
	assert.Equal(t, 2, client.updateCount())

	// Already RUNNING: read only.
	e.Pass(context.Background())
	assert.Equal(t, 2, client.updateCount())
	assert.Equal(t, 1, tracked(t, store, tracking.KindSeqrun))
	assert.Equal(t, 1, tracked(t, store, tracking.KindSample))
}

func TestPass_RunningSampleWithUnreadableRemoteForcesRunning(t *testing.T) {
	store := openStore(t)
	sample := sampleRecord(t.TempDir(), "P123_1002")
	insert(t, store, sample)

	client := newFakeClient()
	client.getErr = errRemoteDown

	sum := NewEngine(store, client, nil, WithProber(&fakeProber{})).Pass(context.Background())

	assert.Equal(t, KindSummary{Scanned: 1, Retained: 1}, sum.Samples)
	assert.Equal(t, charon.StatusRunning, client.samples[SampleKeyFor(sample)])
}

func TestPass_RunningRunWithUnreadableRemoteWritesNothing(t *testing.T) {
	store := openStore(t)
	run := runRecord(t.TempDir(), "P123_1001")
	insert(t, store, run)

	client := newFakeClient()
	client.getErr = errRemoteDown

	sum := NewEngine(store, client, nil, WithProber(&fakeProber{})).Pass(context.Background())

	assert.Equal(t, KindSummary{Scanned: 1, Errors: 1}, sum.Runs)
	assert.Equal(t, []string{"GetRunStatus " + RunKeyFor(run).String()}, client.calls)
	assert.Equal(t, 0, client.updateCount())
	assert.Equal(t, 1, tracked(t, store, tracking.KindSeqrun))
}

func TestPass_RemoteFailureRetainsRecordUntilReported(t *testing.T) {
	store := openStore(t)
	rec := sampleRecord(t.TempDir(), "P123_1001")
	insert(t, store, rec)

	client := newFakeClient()
	client.updateErr = errRemoteDown
	prober := &fakeProber{outcomes: map[string]exitprobe.Outcome{"P123_1001": exitprobe.Failed}}
	e := NewEngine(store, client, nil, WithProber(prober))

	sum := e.Pass(context.Background())
	assert.Equal(t, KindSummary{Scanned: 1, Errors: 1}, sum.Samples)
	assert.Equal(t, 1, tracked(t, store, tracking.KindSample))

	client.updateErr = nil
	sum = e.Pass(context.Background())
	assert.Equal(t, KindSummary{Scanned: 1, Deleted: 1}, sum.Samples)
	assert.Equal(t, charon.StatusComputationFailed, client.samples[SampleKeyFor(rec)])
	assert.Equal(t, 0, tracked(t, store, tracking.KindSample))
}

func TestPass_RunStatusReadFailureLeavesCompletedRun(t *testing.T) {
	store := openStore(t)
	rec := runRecord(t.TempDir(), "P123_1001")
	insert(t, store, rec)

	client := newFakeClient()
	client.getErr = errRemoteDown
	prober := &fakeProber{outcomes: map[string]exitprobe.Outcome{"P123_1001": exitprobe.Succeeded}}

	sum := NewEngine(store, client, nil, WithProber(prober), WithMetricsCollector(oneLane)).Pass(context.Background())

	assert.Equal(t, 1, sum.Runs.Errors)
	assert.Zero(t, client.updateCount())
	assert.Equal(t, 1, tracked(t, store, tracking.KindSeqrun))
}

func TestPass_Idempotent(t *testing.T) {
	store := openStore(t)
	base := t.TempDir()
	insert(t, store, runRecord(base, "P123_1001"), sampleRecord(base, "P123_1002"))

	client := newFakeClient()
	prober := &fakeProber{outcomes: map[string]exitprobe.Outcome{
		"P123_1001": exitprobe.Succeeded,
		"P123_1002": exitprobe.Failed,
	}}
	e := NewEngine(store, client, nil, WithProber(prober), WithMetricsCollector(oneLane))

	first := e.Pass(context.Background())
	assert.Equal(t, 2, first.Total().Deleted)
	calls := client.callCount()

	second := e.Pass(context.Background())
	assert.Equal(t, KindSummary{}, second.Total())
	assert.Equal(t, calls, client.callCount())
}

func TestPass_AlreadyDoneRunWarns(t *testing.T) {
	store := openStore(t)
	rec := runRecord(t.TempDir(), "P123_1001")
	insert(t, store, rec)

	core, logs := observer.New(zapcore.WarnLevel)
	client := newFakeClient()
	client.runs[RunKeyFor(rec)] = map[string]any{charon.FieldAlignmentStatus: "DONE"}
	prober := &fakeProber{outcomes: map[string]exitprobe.Outcome{"P123_1001": exitprobe.Succeeded}}

	NewEngine(store, client, zap.New(core), WithProber(prober), WithMetricsCollector(oneLane)).Pass(context.Background())

	assert.Equal(t, 1, logs.FilterMessageSnippet("already marked DONE").Len())
	assert.Equal(t, "DONE", client.runStatus(RunKeyFor(rec)))
}

func TestPass_PanicIsContainedToRecord(t *testing.T) {
	store := openStore(t)
	base := t.TempDir()
	insert(t, store, runRecord(base, "P123_1001"), runRecord(base, "P123_1002"))

	core, logs := observer.New(zapcore.ErrorLevel)
	client := newFakeClient()
	prober := &fakeProber{
		outcomes: map[string]exitprobe.Outcome{"P123_1002": exitprobe.Failed},
		panics:   map[string]bool{"P123_1001": true},
	}

	sum := NewEngine(store, client, zap.New(core), WithProber(prober)).Pass(context.Background())

	assert.Equal(t, KindSummary{Scanned: 2, Deleted: 1, Errors: 1}, sum.Runs)
	assert.Equal(t, 1, logs.FilterMessage("Reconciliation of job aborted").Len())
	assert.Equal(t, 1, tracked(t, store, tracking.KindSeqrun))
}

type failingStore struct {
	*tracking.Store
	scanErr   error
	deleteErr error
}

func (s *failingStore) ScanAll(ctx context.Context, kind tracking.Kind) ([]tracking.Record, error) {
	if s.scanErr != nil && kind == tracking.KindSeqrun {
		return nil, s.scanErr
	}
	return s.Store.ScanAll(ctx, kind)
}

func (s *failingStore) Delete(ctx context.Context, rec *tracking.Record) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	return s.Store.Delete(ctx, rec)
}

func TestPass_StoreErrorsDoNotAbortPass(t *testing.T) {
	backing := openStore(t)
	base := t.TempDir()
	insert(t, backing, runRecord(base, "P123_1001"), sampleRecord(base, "P123_1002"))

	client := newFakeClient()
	prober := &fakeProber{outcomes: map[string]exitprobe.Outcome{"P123_1002": exitprobe.Succeeded}}
	store := &failingStore{Store: backing, scanErr: errors.New("disk gone"), deleteErr: errors.New("readonly")}

	sum := NewEngine(store, client, nil, WithProber(prober)).Pass(context.Background())

	assert.Equal(t, 1, sum.Runs.Errors)
	assert.Equal(t, KindSummary{Scanned: 1, Errors: 1}, sum.Samples)
	// Reported but not deleted: next pass reports again.
	assert.Equal(t, charon.StatusDone, client.samples[charon.SampleKey{ProjectID: testProjectID, SampleID: "P123_1002"}])
	assert.Equal(t, 1, tracked(t, backing, tracking.KindSample))
}

func TestPass_RecordsMetrics(t *testing.T) {
	store := openStore(t)
	base := t.TempDir()
	insert(t, store, runRecord(base, "P123_1001"), sampleRecord(base, "P123_1002"))

	rec := metrics.New()
	prober := &fakeProber{outcomes: map[string]exitprobe.Outcome{"P123_1001": exitprobe.Failed}}
	NewEngine(store, newFakeClient(), nil, WithProber(prober), WithRecorder(rec)).Pass(context.Background())

	families, err := rec.Registry().Gather()
	require.NoError(t, err)

	got := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "ngitrack_transitions_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			got[labels["kind"]+"/"+labels["outcome"]+"/"+labels["result"]] = m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, map[string]float64{
		"seqrun/failed/deleted":   1,
		"sample/running/retained": 1,
	}, got)
}

type recordingObserver struct {
	events []string
	passes []Summary
}

func (o *recordingObserver) RecordReconciled(_ context.Context, passID string, rec *tracking.Record, outcome, result string) {
	o.events = append(o.events, passID+" "+string(rec.Kind)+" "+rec.SampleID+" "+outcome+" "+result)
}

func (o *recordingObserver) PassFinished(_ context.Context, sum Summary) {
	o.passes = append(o.passes, sum)
}

func TestPass_NotifiesObserver(t *testing.T) {
	store := openStore(t)
	base := t.TempDir()
	insert(t, store, runRecord(base, "P123_1001"), sampleRecord(base, "P123_1002"))

	obs := &recordingObserver{}
	prober := &fakeProber{outcomes: map[string]exitprobe.Outcome{"P123_1001": exitprobe.Failed}}
	sum := NewEngine(store, newFakeClient(), nil, WithProber(prober), WithObserver(obs)).Pass(context.Background())

	require.Len(t, obs.passes, 1)
	assert.Equal(t, sum.PassID, obs.passes[0].PassID)
	assert.Equal(t, []string{
		sum.PassID + " seqrun P123_1001 failed deleted",
		sum.PassID + " sample P123_1002 running retained",
	}, obs.events)
}
