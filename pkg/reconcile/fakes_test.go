package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/3leaps/ngitrack/pkg/charon"
	"github.com/3leaps/ngitrack/pkg/exitprobe"
	"github.com/3leaps/ngitrack/pkg/qcmetrics"
	"github.com/3leaps/ngitrack/pkg/tracking"
)

const (
	testProjectID   = "P123"
	testProjectName = "J.Doe_14_01"
	testSeqrun      = "140528_D00415_0049_BC423WACXX"
	testWorkflow    = "dna_alignonly"
)

var errRemoteDown = &charon.ServiceError{Op: "test", Entity: "x", StatusCode: 503, Err: charon.ErrUnavailable}

// fakeClient is an in-memory charon.Client that records every call.
type fakeClient struct {
	mu sync.Mutex

	runs    map[charon.RunKey]map[string]any
	samples map[charon.SampleKey]charon.Status

	getErr    error
	updateErr error

	calls []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		runs:    make(map[charon.RunKey]map[string]any),
		samples: make(map[charon.SampleKey]charon.Status),
	}
}

func (c *fakeClient) GetRunStatus(_ context.Context, key charon.RunKey) (charon.RunStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "GetRunStatus "+key.String())
	if c.getErr != nil {
		return charon.RunStatus{}, c.getErr
	}
	doc := c.runs[key]
	st, _ := doc[charon.FieldAlignmentStatus].(string)
	return charon.RunStatus{Key: key, AlignmentStatus: charon.Status(st), Document: doc}, nil
}

func (c *fakeClient) UpdateRunStatus(_ context.Context, key charon.RunKey, fields map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, fmt.Sprintf("UpdateRunStatus %s %v", key, fields[charon.FieldAlignmentStatus]))
	if c.updateErr != nil {
		return c.updateErr
	}
	if c.runs[key] == nil {
		c.runs[key] = make(map[string]any)
	}
	for k, v := range fields {
		c.runs[key][k] = v
	}
	return nil
}

func (c *fakeClient) GetSampleStatus(_ context.Context, key charon.SampleKey) (charon.SampleStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "GetSampleStatus "+key.String())
	if c.getErr != nil {
		return charon.SampleStatus{}, c.getErr
	}
	return charon.SampleStatus{Key: key, Status: c.samples[key]}, nil
}

func (c *fakeClient) UpdateSampleStatus(_ context.Context, key charon.SampleKey, status charon.Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, fmt.Sprintf("UpdateSampleStatus %s %s", key, status))
	if c.updateErr != nil {
		return c.updateErr
	}
	c.samples[key] = status
	return nil
}

func (c *fakeClient) runStatus(key charon.RunKey) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[key][charon.FieldAlignmentStatus]
}

func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *fakeClient) updateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if len(call) > 6 && call[:6] == "Update" {
			n++
		}
	}
	return n
}

// fakeProber returns a fixed outcome per sample id.
type fakeProber struct {
	outcomes map[string]exitprobe.Outcome
	errs     map[string]error
	panics   map[string]bool
}

func (p *fakeProber) Probe(_ context.Context, j exitprobe.Job) (exitprobe.Outcome, error) {
	if p.panics[j.SampleID] {
		panic("probe exploded")
	}
	if err := p.errs[j.SampleID]; err != nil {
		return 0, err
	}
	return p.outcomes[j.SampleID], nil
}

func openStore(t *testing.T) *tracking.Store {
	t.Helper()
	s, err := tracking.Open(context.Background(), tracking.Config{
		Path:  filepath.Join(t.TempDir(), "tracking.db"),
		Retry: tracking.RetryPolicy{Attempts: 1, Interval: time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func runRecord(base, sample string) *tracking.Record {
	return &tracking.Record{
		Kind: tracking.KindSeqrun,
		Identity: tracking.Identity{
			ProjectID: testProjectID,
			SampleID:  sample,
			LibprepID: "A",
			SeqrunID:  testSeqrun,
			Workflow:  testWorkflow,
		},
		ProjectName:     testProjectName,
		ProjectBasePath: base,
		Engine:          "piper",
		AnalysisDir:     filepath.Join(base, "ANALYSIS", testProjectName),
		ProcessID:       4242,
	}
}

func sampleRecord(base, sample string) *tracking.Record {
	return &tracking.Record{
		Kind: tracking.KindSample,
		Identity: tracking.Identity{
			ProjectID: testProjectID,
			SampleID:  sample,
			Workflow:  "merge_process_variantcall",
		},
		ProjectName:     testProjectName,
		ProjectBasePath: base,
		Engine:          "piper",
		AnalysisDir:     filepath.Join(base, "ANALYSIS", testProjectName),
		ProcessID:       4343,
	}
}

func insert(t *testing.T, s *tracking.Store, recs ...*tracking.Record) {
	t.Helper()
	for _, rec := range recs {
		require.NoError(t, s.Insert(context.Background(), rec))
	}
}

func tracked(t *testing.T, s *tracking.Store, kind tracking.Kind) int {
	t.Helper()
	recs, err := s.ScanAll(context.Background(), kind)
	require.NoError(t, err)
	return len(recs)
}

func oneLane(_, _, _, _ string) (*qcmetrics.Accumulator, error) {
	acc := qcmetrics.NewAccumulator()
	err := acc.MergeLane(qcmetrics.LaneMetrics{BamFile: "x.1.bam", MeanCoverage: 30, MeanAutosomalCoverage: 28})
	return acc, err
}

func noMetrics(_, _, _, _ string) (*qcmetrics.Accumulator, error) {
	return nil, errors.New("no qc output")
}
