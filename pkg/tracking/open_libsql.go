//go:build cgo

package tracking

import (
	"context"
	"database/sql"

	_ "github.com/tursodatabase/go-libsql"
)

const driverName = "libsql"

// OpenDB opens (and creates if needed) a libsql-backed tracking database.
// Both local paths and libsql:// URLs are accepted.
func OpenDB(ctx context.Context, cfg Config) (*sql.DB, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	loc, err := resolveLocation(cfg)
	if err != nil {
		return nil, err
	}
	return openLocation(ctx, cfg, loc)
}
