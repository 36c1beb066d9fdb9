package tracking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultBusyTimeout is how long a local connection waits inside the driver
// for a lock before returning SQLITE_BUSY.
const DefaultBusyTimeout = time.Second

// Config selects and tunes the tracking database.
type Config struct {
	// Path is a local filesystem path or file: DSN. Its parent directory is
	// created on open.
	Path string

	// URL is a libsql/Turso URL, e.g. libsql://tracking.turso.io. It wins
	// over Path and is only usable from cgo-enabled builds.
	URL string

	// AuthToken is added to URL as authToken=... unless already present.
	AuthToken string

	// BusyTimeout is the driver-level lock wait for local databases.
	// Zero means DefaultBusyTimeout; negative disables the wait.
	BusyTimeout time.Duration

	// Retry controls how Insert reacts to lock contention.
	// The zero value means DefaultRetryPolicy.
	Retry RetryPolicy
}

func (c Config) busyTimeout() time.Duration {
	switch {
	case c.BusyTimeout < 0:
		return 0
	case c.BusyTimeout == 0:
		return DefaultBusyTimeout
	default:
		return c.BusyTimeout
	}
}

// location is a resolved Config: the DSN handed to the driver plus what kind
// of database sits behind it.
type location struct {
	dsn string
	// file is the on-disk database path; empty for in-memory and remote stores.
	file   string
	remote bool
}

func resolveLocation(cfg Config) (location, error) {
	if raw := strings.TrimSpace(cfg.URL); raw != "" {
		dsn, err := addAuthToken(raw, cfg.AuthToken)
		if err != nil {
			return location{}, err
		}
		return location{dsn: dsn, remote: true}, nil
	}

	path := strings.TrimSpace(cfg.Path)
	switch {
	case path == "":
		return location{}, errors.New("tracking store path or url is required")
	case path == ":memory:":
		return location{dsn: path}, nil
	case strings.HasPrefix(path, "libsql:"), strings.HasPrefix(path, "https:"):
		return location{dsn: path, remote: true}, nil
	case strings.HasPrefix(path, "file:"):
		parsed, err := url.Parse(path)
		if err != nil {
			return location{}, fmt.Errorf("invalid store path: %w", err)
		}
		file := parsed.Path
		if file == "" {
			file = parsed.Opaque
		}
		return location{dsn: path, file: strings.TrimPrefix(file, "//")}, nil
	default:
		file := filepath.Clean(path)
		return location{dsn: "file:" + file, file: file}, nil
	}
}

func addAuthToken(dsn string, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return dsn, nil
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid store url: %w", err)
	}
	query := parsed.Query()
	if query.Get("authToken") == "" {
		query.Set("authToken", token)
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}

// prepare creates the parent directory of a file-backed store.
func (l location) prepare() error {
	if l.file == "" {
		return nil
	}
	dir := filepath.Dir(l.file)
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	// #nosec G301 -- tracking databases live in shared analysis areas
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	return nil
}

// localPragmas are applied to every file-backed store after open.
func localPragmas(cfg Config) []string {
	return []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", cfg.busyTimeout().Milliseconds()),
	}
}

// tune pins file-backed stores to one connection and applies localPragmas.
// Remote and in-memory stores are left as the driver opened them.
func (l location) tune(ctx context.Context, db *sql.DB, cfg Config) error {
	if l.file == "" {
		return nil
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	for _, pragma := range localPragmas(cfg) {
		var result any
		if err := db.QueryRowContext(ctx, pragma).Scan(&result); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func openLocation(ctx context.Context, cfg Config, l location) (*sql.DB, error) {
	if err := l.prepare(); err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, l.dsn)
	if err != nil {
		return nil, fmt.Errorf("open tracking store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping tracking store: %w", err)
	}
	if err := l.tune(ctx, db, cfg); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
