package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate keeps a developer's real config file out of the test.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	SetConfigFile("")
	t.Cleanup(func() { SetConfigFile("") })
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		isolate(t)
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "console", cfg.Logging.Profile)

		assert.Equal(t, 3, cfg.Store.InsertAttempts)
		assert.Equal(t, 15*time.Second, cfg.Store.InsertInterval)
		assert.Equal(t, time.Second, cfg.Store.BusyTimeout)
		assert.Equal(t, "tracking.db", filepath.Base(cfg.Store.Path))
		assert.Empty(t, cfg.Store.URL)

		assert.Equal(t, 30*time.Second, cfg.Charon.Timeout)
		assert.Equal(t, 1, cfg.Charon.Burst)
		assert.Zero(t, cfg.Charon.RateLimit)

		assert.Equal(t, "@every 5m", cfg.Watch.Schedule)
		assert.True(t, cfg.Watch.RunOnStart)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
		assert.True(t, cfg.Metrics.Enabled)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolate(t)
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)

		// Siblings of overridden keys keep their defaults.
		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, "console", cfg.Logging.Profile)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("NGITRACK_PORT", "3000")
		t.Setenv("NGITRACK_LOG_LEVEL", "warn")
		t.Setenv("NGITRACK_METRICS_ENABLED", "false")
		t.Setenv("NGITRACK_INSERT_ATTEMPTS", "5")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Metrics.Enabled)
		assert.Equal(t, 5, cfg.Store.InsertAttempts)
	})

	t.Run("LegacyCharonEnv", func(t *testing.T) {
		isolate(t)
		t.Setenv("CHARON_BASE_URL", "https://charon.example.org")
		t.Setenv("CHARON_API_TOKEN", "legacy")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "https://charon.example.org", cfg.Charon.BaseURL)
		assert.Equal(t, "legacy", cfg.Charon.APIToken)

		t.Setenv("NGITRACK_CHARON_API_TOKEN", "preferred")
		cfg, err = Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "preferred", cfg.Charon.APIToken)
	})

	t.Run("ConfigFile", func(t *testing.T) {
		isolate(t)
		path := filepath.Join(t.TempDir(), "ngitrack.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
store:
  path: /var/lib/ngitrack/jobs.db
  insert_interval: 2s
charon:
  base_url: https://charon.example.org
  rate_limit: 5
watch:
  schedule: "*/10 * * * *"
`), 0o644))
		SetConfigFile(path)

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "/var/lib/ngitrack/jobs.db", cfg.Store.Path)
		assert.Equal(t, 2*time.Second, cfg.Store.InsertInterval)
		assert.Equal(t, 3, cfg.Store.InsertAttempts)
		assert.Equal(t, "https://charon.example.org", cfg.Charon.BaseURL)
		assert.InDelta(t, 5.0, cfg.Charon.RateLimit, 0)
		assert.Equal(t, "*/10 * * * *", cfg.Watch.Schedule)
	})

	t.Run("UserConfigDir", func(t *testing.T) {
		isolate(t)
		dir := filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "ngitrack")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("logging:\n  profile: structured\n"), 0o644))

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "structured", cfg.Logging.Profile)
	})

	t.Run("MissingExplicitFile", func(t *testing.T) {
		isolate(t)
		SetConfigFile(filepath.Join(t.TempDir(), "nope.yaml"))
		_, err := Load(ctx)
		require.Error(t, err)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		isolate(t)
		t.Setenv("NGITRACK_PORT", "4000")

		cfg, err := Load(ctx, map[string]any{"server": map[string]any{"port": 5000}})
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("InvalidValues", func(t *testing.T) {
		isolate(t)
		_, err := Load(ctx, map[string]any{"store": map[string]any{"insert_attempts": 0}})
		require.Error(t, err)

		_, err = Load(ctx, map[string]any{"logging": map[string]any{"profile": "fancy"}})
		require.Error(t, err)
	})
}

func TestDurationParsing(t *testing.T) {
	isolate(t)
	t.Setenv("NGITRACK_INSERT_INTERVAL", "45s")
	t.Setenv("NGITRACK_CHARON_TIMEOUT", "5m")
	t.Setenv("NGITRACK_STORE_BUSY_TIMEOUT", "250ms")

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Store.InsertInterval)
	assert.Equal(t, 5*time.Minute, cfg.Charon.Timeout)

	tc := cfg.Store.TrackingConfig()
	assert.Equal(t, 45*time.Second, tc.Retry.Interval)
	assert.Equal(t, 3, tc.Retry.Attempts)
	assert.Equal(t, 250*time.Millisecond, tc.BusyTimeout)
}

func TestGetConfig(t *testing.T) {
	isolate(t)
	cfg, err := Load(context.Background(), map[string]any{"server": map[string]any{"port": 8181}})
	require.NoError(t, err)

	current := GetConfig()
	require.NotNil(t, current)
	assert.Equal(t, cfg.Server.Port, current.Server.Port)
}

// resetAppIdentity resets package state for isolated tests.
func resetAppIdentity() {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = nil
	appConfig = nil
}

func TestEnvSpecs(t *testing.T) {
	isolate(t)
	_, err := Load(context.Background())
	require.NoError(t, err)

	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := make(map[string]bool)
	for _, spec := range specs {
		names[spec.Name] = true
		assert.Contains(t, spec.Name, "NGITRACK_")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
	}
	assert.True(t, names["NGITRACK_LOG_LEVEL"])
	assert.True(t, names["NGITRACK_STORE_PATH"])
	assert.True(t, names["NGITRACK_CHARON_BASE_URL"])
	assert.True(t, names["NGITRACK_WATCH_SCHEDULE"])
}

func TestNilIdentity(t *testing.T) {
	resetAppIdentity()
	defer func() { _, _ = Load(context.Background()) }()

	assert.Empty(t, getEnvSpecs())
	assert.Empty(t, getUserConfigPaths())
	assert.Nil(t, GetConfig())
	assert.Nil(t, Identity())
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"Store":  map[string]any{"path": "/x", "nested": map[string]any{"deep": 1}},
		"simple": true,
	})
	assert.Equal(t, map[string]any{
		"store.path":        "/x",
		"store.nested.deep": 1,
		"simple":            true,
	}, got)
}
