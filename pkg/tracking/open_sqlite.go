//go:build !cgo

package tracking

import (
	"context"
	"database/sql"
	"errors"

	sqlite "modernc.org/sqlite"
)

const driverName = "libsql"

func init() {
	sql.Register(driverName, &sqlite.Driver{})
}

// OpenDB opens (and creates if needed) a SQLite-backed tracking database.
//
// Remote libsql URLs require a cgo-enabled build.
func OpenDB(ctx context.Context, cfg Config) (*sql.DB, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	loc, err := resolveLocation(cfg)
	if err != nil {
		return nil, err
	}
	if loc.remote {
		return nil, errors.New("libsql URL requires cgo-enabled build")
	}
	return openLocation(ctx, cfg, loc)
}
