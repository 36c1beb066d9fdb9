package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer emits event records. Implementations must be safe for concurrent
// use; each call writes one complete line.
type Writer interface {
	WriteTransition(ctx context.Context, passID string, rec *TransitionRecord) error
	WriteSummary(ctx context.Context, passID string, sum *SummaryRecord) error
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
// Writes are serialized so lines never interleave.
type JSONLWriter struct {
	w      io.Writer
	mu     sync.Mutex
	now    func() time.Time
	closed bool
}

func NewJSONLWriter(w io.Writer) *JSONLWriter {
	return &JSONLWriter{
		w:   w,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (jw *JSONLWriter) WriteTransition(ctx context.Context, passID string, rec *TransitionRecord) error {
	return jw.writeRecord(ctx, TypeTransition, passID, rec)
}

func (jw *JSONLWriter) WriteSummary(ctx context.Context, passID string, sum *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, passID, sum)
}

// Close marks the writer as closed. The underlying io.Writer is left open.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType, passID string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}

	record := Record{
		Type:   recordType,
		TS:     jw.now(),
		PassID: passID,
		Data:   dataBytes,
	}
	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may return n < len(p) with a nil error; a truncated line
	// would corrupt the stream.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

// writeAll writes all of p, looping over short writes.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)
