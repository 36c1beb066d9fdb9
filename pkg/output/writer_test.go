package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLWriter_WriteTransition(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)

	err := w.WriteTransition(context.Background(), "pass-1", &TransitionRecord{
		Kind:      "seqrun",
		ProjectID: "P123",
		SampleID:  "P123_1001",
		LibprepID: "A",
		SeqrunID:  "140528_D00415_0049_BC423WACXX",
		Workflow:  "dna_alignonly",
		ProcessID: 4242,
		Outcome:   "succeeded",
		Result:    "deleted",
	})
	require.NoError(t, err)

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, TypeTransition, record.Type)
	assert.Equal(t, "pass-1", record.PassID)
	assert.False(t, record.TS.IsZero())

	var data TransitionRecord
	require.NoError(t, json.Unmarshal(record.Data, &data))
	assert.Equal(t, "P123_1001", data.SampleID)
	assert.Equal(t, 4242, data.ProcessID)
	assert.Equal(t, "deleted", data.Result)
}

func TestJSONLWriter_SampleTransitionOmitsRunFields(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)

	require.NoError(t, w.WriteTransition(context.Background(), "p", &TransitionRecord{Kind: "sample", SampleID: "S1"}))
	assert.NotContains(t, buf.String(), "libprep_id")
	assert.NotContains(t, buf.String(), "seqrun_id")
}

func TestJSONLWriter_WriteSummary(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)

	sum := &SummaryRecord{
		Started:       time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC),
		Duration:      1500 * time.Millisecond,
		DurationHuman: "1.5s",
		Runs:          KindCounts{Scanned: 2, Deleted: 1, Retained: 1},
		Samples:       KindCounts{Scanned: 1, Errors: 1},
	}
	require.NoError(t, w.WriteSummary(context.Background(), "pass-1", sum))

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, TypeSummary, record.Type)

	var data SummaryRecord
	require.NoError(t, json.Unmarshal(record.Data, &data))
	assert.Equal(t, sum.Duration, data.Duration)
	assert.Equal(t, 1, data.Samples.Errors)
}

func TestJSONLWriter_NewlineTerminated(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)

	for i := 0; i < 3; i++ {
		require.NoError(t, w.WriteTransition(context.Background(), "p", &TransitionRecord{SampleID: "S"}))
	}
	out := buf.String()
	assert.True(t, strings.HasSuffix(out, "\n"))
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 3)
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)

	require.NoError(t, w.Close())
	err := w.WriteTransition(context.Background(), "p", &TransitionRecord{})
	assert.ErrorIs(t, err, ErrWriterClosed)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)
	for i := 0; i < numWriters; i++ {
		go func(writerID int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				_ = w.WriteTransition(context.Background(), "p", &TransitionRecord{ProcessID: writerID*writesPerWriter + j})
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, numWriters*writesPerWriter)
	for i, line := range lines {
		var record Record
		assert.NoError(t, json.Unmarshal([]byte(line), &record), "line %d should be valid JSON: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteTransition(ctx, "p", &TransitionRecord{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	w := NewJSONLWriter(&failingWriter{err: errors.New("disk full")})

	err := w.WriteTransition(context.Background(), "p", &TransitionRecord{})
	require.Error(t, err)

	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "write", writeErr.Op)
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	sw := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(sw)

	require.NoError(t, w.WriteTransition(context.Background(), "p", &TransitionRecord{SampleID: "P123_1001", Workflow: "dna_alignonly"}))

	lines := strings.Split(strings.TrimSpace(sw.buf.String()), "\n")
	require.Len(t, lines, 1)
	var record Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, TypeTransition, record.Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	w := NewJSONLWriter(&zeroWriteWriter{})

	err := w.WriteTransition(context.Background(), "p", &TransitionRecord{})
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (int, error) {
	return 0, f.err
}

// shortWriteWriter accepts at most bytesPerWrite bytes per call.
type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (int, error) {
	n := len(p)
	if n > sw.bytesPerWrite {
		n = sw.bytesPerWrite
	}
	return sw.buf.Write(p[:n])
}

type zeroWriteWriter struct{}

func (zeroWriteWriter) Write(p []byte) (int, error) {
	return 0, nil
}
