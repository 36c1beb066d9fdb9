package tracking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Store is the durable set of in-flight jobs.
//
// It is the local source of truth for what still has to be reported; the
// remote tracking service is the source of truth for what has been reported.
type Store struct {
	db     *sql.DB
	retry  RetryPolicy
	busy   time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger sets the logger used for lock-contention warnings.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open opens the tracking database and applies migrations.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	db, err := OpenDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := New(db, cfg.Retry, opts...)
	s.busy = cfg.busyTimeout()
	return s, nil
}

// New wraps an already migrated database.
func New(db *sql.DB, retry RetryPolicy, opts ...Option) *Store {
	s := &Store{
		db:     db,
		retry:  retry.normalize(),
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle for diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// RetryPolicy returns the effective insert retry policy.
func (s *Store) RetryPolicy() RetryPolicy {
	return s.retry
}

// MaxLockWait is the longest Insert blocks before reporting ErrLockExhausted.
func (s *Store) MaxLockWait() time.Duration {
	return s.retry.MaxLockWait(s.busy)
}

// Insert writes a new record, waiting out lock contention according to the
// store's RetryPolicy. A duplicate identity fails immediately with
// ErrAlreadyTracked. Every failure is returned as *InsertError.
func (s *Store) Insert(ctx context.Context, rec *Record) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := rec.Validate(); err != nil {
		return &InsertError{Kind: kindOf(rec), Identity: identityOf(rec), ProcessID: pidOf(rec), Err: err}
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	createdAt := rec.CreatedAt.UTC().Format(time.RFC3339Nano)

	var (
		query string
		args  []any
	)
	switch rec.Kind {
	case KindSeqrun:
		query = `INSERT INTO seqrun_analyses
			(project_id, project_name, project_base_path, sample_id, libprep_id, seqrun_id,
			 workflow, engine, analysis_dir, process_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		args = []any{rec.ProjectID, rec.ProjectName, rec.ProjectBasePath, rec.SampleID, rec.LibprepID, rec.SeqrunID,
			rec.Workflow, rec.Engine, rec.AnalysisDir, rec.ProcessID, createdAt}
	case KindSample:
		query = `INSERT INTO sample_analyses
			(project_id, project_name, project_base_path, sample_id,
			 workflow, engine, analysis_dir, process_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
		args = []any{rec.ProjectID, rec.ProjectName, rec.ProjectBasePath, rec.SampleID,
			rec.Workflow, rec.Engine, rec.AnalysisDir, rec.ProcessID, createdAt}
	}

	onRetry := func(attempt int, err error) {
		s.logger.Warn("Tracking store is locked; waiting before retry",
			zap.String("kind", string(rec.Kind)),
			zap.String("job", rec.Identity.String()),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.retry.Attempts),
			zap.Duration("interval", s.retry.Interval),
			zap.Error(err))
	}

	attempts, err := retryOnLock(ctx, s.retry, onRetry, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		if isConstraintError(err) {
			err = fmt.Errorf("%w: %s", ErrAlreadyTracked, rec.Identity)
			attempts = 0
		}
		return &InsertError{Kind: rec.Kind, Identity: rec.Identity, ProcessID: rec.ProcessID, Attempts: attempts, Err: err}
	}

	s.logger.Info("Recorded process id",
		zap.Int("pid", rec.ProcessID),
		zap.String("kind", string(rec.Kind)),
		zap.String("job", rec.Identity.String()))
	return nil
}

// Record is the job-launch entry point: it refuses to track an identity
// that is already tracked, then inserts.
func (s *Store) Record(ctx context.Context, rec *Record) error {
	if rec == nil {
		return &InsertError{Err: errors.New("record is nil")}
	}
	exists, err := s.Exists(ctx, rec.Kind, rec.Identity)
	if err != nil {
		return &InsertError{Kind: rec.Kind, Identity: rec.Identity, ProcessID: rec.ProcessID, Err: err}
	}
	if exists {
		return &InsertError{Kind: rec.Kind, Identity: rec.Identity, ProcessID: rec.ProcessID,
			Err: fmt.Errorf("%w: %s", ErrAlreadyTracked, rec.Identity)}
	}
	return s.Insert(ctx, rec)
}

// ScanAll returns every record of the given kind ordered by identity tuple.
func (s *Store) ScanAll(ctx context.Context, kind Kind) ([]Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var query string
	switch kind {
	case KindSeqrun:
		query = `SELECT project_id, project_name, project_base_path, sample_id, libprep_id, seqrun_id,
		        workflow, engine, analysis_dir, process_id, created_at
		 FROM seqrun_analyses
		 ORDER BY project_id, sample_id, libprep_id, seqrun_id, workflow`
	case KindSample:
		query = `SELECT project_id, project_name, project_base_path, sample_id, '', '',
		        workflow, engine, analysis_dir, process_id, created_at
		 FROM sample_analyses
		 ORDER BY project_id, sample_id, workflow`
	default:
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("scan %s records: %w", kind, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(kind, rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s record: %w", kind, err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s records: %w", kind, err)
	}
	return out, nil
}

// Delete removes a record by identity. Callers must only delete after the
// remote service has confirmed the terminal status; the row is the only local
// evidence that the job ran.
func (s *Store) Delete(ctx context.Context, rec *Record) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if rec == nil {
		return fmt.Errorf("record is nil")
	}

	var (
		res sql.Result
		err error
	)
	switch rec.Kind {
	case KindSeqrun:
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM seqrun_analyses
			 WHERE project_id = ? AND sample_id = ? AND libprep_id = ? AND seqrun_id = ? AND workflow = ?`,
			rec.ProjectID, rec.SampleID, rec.LibprepID, rec.SeqrunID, rec.Workflow)
	case KindSample:
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM sample_analyses WHERE project_id = ? AND sample_id = ? AND workflow = ?`,
			rec.ProjectID, rec.SampleID, rec.Workflow)
	default:
		return fmt.Errorf("unknown record kind %q", rec.Kind)
	}
	if err != nil {
		return fmt.Errorf("delete %s record %s: %w", rec.Kind, rec.Identity, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, rec.Kind, rec.Identity)
	}
	return nil
}

// Exists reports whether a record with this identity is tracked.
func (s *Store) Exists(ctx context.Context, kind Kind, id Identity) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		query string
		args  []any
	)
	switch kind {
	case KindSeqrun:
		query = `SELECT EXISTS(SELECT 1 FROM seqrun_analyses
			WHERE project_id = ? AND sample_id = ? AND libprep_id = ? AND seqrun_id = ? AND workflow = ?)`
		args = []any{id.ProjectID, id.SampleID, id.LibprepID, id.SeqrunID, id.Workflow}
	case KindSample:
		query = `SELECT EXISTS(SELECT 1 FROM sample_analyses
			WHERE project_id = ? AND sample_id = ? AND workflow = ?)`
		args = []any{id.ProjectID, id.SampleID, id.Workflow}
	default:
		return false, fmt.Errorf("unknown record kind %q", kind)
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("check %s record %s: %w", kind, id, err)
	}
	return exists == 1, nil
}

// Get returns the record for an identity or ErrNotFound.
func (s *Store) Get(ctx context.Context, kind Kind, id Identity) (*Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		query string
		args  []any
	)
	switch kind {
	case KindSeqrun:
		query = `SELECT project_id, project_name, project_base_path, sample_id, libprep_id, seqrun_id,
		        workflow, engine, analysis_dir, process_id, created_at
		 FROM seqrun_analyses
		 WHERE project_id = ? AND sample_id = ? AND libprep_id = ? AND seqrun_id = ? AND workflow = ?`
		args = []any{id.ProjectID, id.SampleID, id.LibprepID, id.SeqrunID, id.Workflow}
	case KindSample:
		query = `SELECT project_id, project_name, project_base_path, sample_id, '', '',
		        workflow, engine, analysis_dir, process_id, created_at
		 FROM sample_analyses
		 WHERE project_id = ? AND sample_id = ? AND workflow = ?`
		args = []any{id.ProjectID, id.SampleID, id.Workflow}
	default:
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}

	rec, err := scanRecord(kind, s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s record %s: %w", kind, id, err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(kind Kind, row rowScanner) (*Record, error) {
	rec := &Record{Kind: kind}
	var createdAt string
	if err := row.Scan(
		&rec.ProjectID, &rec.ProjectName, &rec.ProjectBasePath, &rec.SampleID, &rec.LibprepID, &rec.SeqrunID,
		&rec.Workflow, &rec.Engine, &rec.AnalysisDir, &rec.ProcessID, &createdAt); err != nil {
		return nil, err
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rec.CreatedAt = t
	}
	return rec, nil
}

func kindOf(rec *Record) Kind {
	if rec == nil {
		return ""
	}
	return rec.Kind
}

func identityOf(rec *Record) Identity {
	if rec == nil {
		return Identity{}
	}
	return rec.Identity
}

func pidOf(rec *Record) int {
	if rec == nil {
		return 0
	}
	return rec.ProcessID
}
