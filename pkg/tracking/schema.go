package tracking

import (
	"context"
	"database/sql"
	"fmt"
)

const SchemaVersion = 2

// Migrate creates (or upgrades) the tracking schema in-place.
//
// One table per record kind. The identity tuple (everything except the
// process id) is the primary key so a second launch for the same tuple cannot create a
// duplicate row even if a caller skips the Exists pre-check.
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS seqrun_analyses (
			project_id TEXT NOT NULL,
			project_name TEXT NOT NULL,
			project_base_path TEXT NOT NULL,
			sample_id TEXT NOT NULL,
			libprep_id TEXT NOT NULL,
			seqrun_id TEXT NOT NULL,
			workflow TEXT NOT NULL,
			engine TEXT NOT NULL,
			analysis_dir TEXT NOT NULL,
			process_id INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY(project_id, sample_id, libprep_id, seqrun_id, workflow)
		);`,

		`CREATE TABLE IF NOT EXISTS sample_analyses (
			project_id TEXT NOT NULL,
			project_name TEXT NOT NULL,
			project_base_path TEXT NOT NULL,
			sample_id TEXT NOT NULL,
			workflow TEXT NOT NULL,
			engine TEXT NOT NULL,
			analysis_dir TEXT NOT NULL,
			process_id INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY(project_id, sample_id, workflow)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	// v2: process lookups by pid for `jobs list --pid`.
	if current < 2 {
		for _, stmt := range []string{
			`CREATE INDEX IF NOT EXISTS idx_seqrun_analyses_pid ON seqrun_analyses(process_id);`,
			`CREATE INDEX IF NOT EXISTS idx_sample_analyses_pid ON sample_analyses(process_id);`,
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec migration statement: %w", err)
			}
		}
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// CurrentSchemaVersion reports the version recorded in schema_meta.
func CurrentSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return v, nil
}
