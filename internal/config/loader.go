// Package config loads layered configuration: defaults, then the config
// file, then environment variables, then runtime overrides.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppIdentity names the application for config, data and env lookups.
type AppIdentity struct {
	BinaryName string
	ConfigName string
	EnvPrefix  string
}

// DefaultIdentity is the identity of the ngitrack binary.
func DefaultIdentity() *AppIdentity {
	return &AppIdentity{BinaryName: "ngitrack", ConfigName: "ngitrack", EnvPrefix: "NGITRACK_"}
}

var (
	configMu    sync.RWMutex
	appIdentity *AppIdentity
	appConfig   *Config
	configFile  string
)

// EnvSpec maps one environment variable onto a config key.
type EnvSpec struct {
	Name    string
	Path    string
	Aliases []string
}

// SetConfigFile pins an explicit config file. An empty path restores the
// default search.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// Identity returns the active identity, or nil before Load.
func Identity() *AppIdentity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

// Load builds the configuration and makes it available through GetConfig.
// Later overrides win over earlier ones.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	_ = ctx

	configMu.Lock()
	defer configMu.Unlock()

	if appIdentity == nil {
		appIdentity = DefaultIdentity()
	}

	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecs() {
		names := append([]string{spec.Path, spec.Name}, spec.Aliases...)
		if err := v.BindEnv(names...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.Store.Path == "" && cfg.Store.URL == "" {
		cfg.Store.Path = defaultStorePath()
	}
	cfg.Store.Path = expandHome(cfg.Store.Path)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	appConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the last loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "console")

	v.SetDefault("store.path", "")
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")
	v.SetDefault("store.busy_timeout", "1s")
	v.SetDefault("store.insert_attempts", 3)
	v.SetDefault("store.insert_interval", "15s")

	v.SetDefault("charon.base_url", "")
	v.SetDefault("charon.api_token", "")
	v.SetDefault("charon.timeout", "30s")
	v.SetDefault("charon.rate_limit", 0)
	v.SetDefault("charon.burst", 1)

	v.SetDefault("watch.schedule", "@every 5m")
	v.SetDefault("watch.run_on_start", true)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("metrics.enabled", true)
}

// getEnvSpecs lists the supported environment variables. CHARON_BASE_URL and
// CHARON_API_TOKEN are accepted as aliases because existing deployments
// already export them.
func getEnvSpecs() []EnvSpec {
	if appIdentity == nil {
		return []EnvSpec{}
	}
	p := appIdentity.EnvPrefix
	return []EnvSpec{
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "STORE_PATH", Path: "store.path"},
		{Name: p + "STORE_URL", Path: "store.url"},
		{Name: p + "STORE_AUTH_TOKEN", Path: "store.auth_token"},
		{Name: p + "STORE_BUSY_TIMEOUT", Path: "store.busy_timeout"},
		{Name: p + "INSERT_ATTEMPTS", Path: "store.insert_attempts"},
		{Name: p + "INSERT_INTERVAL", Path: "store.insert_interval"},
		{Name: p + "CHARON_BASE_URL", Path: "charon.base_url", Aliases: []string{"CHARON_BASE_URL"}},
		{Name: p + "CHARON_API_TOKEN", Path: "charon.api_token", Aliases: []string{"CHARON_API_TOKEN"}},
		{Name: p + "CHARON_TIMEOUT", Path: "charon.timeout"},
		{Name: p + "CHARON_RATE_LIMIT", Path: "charon.rate_limit"},
		{Name: p + "WATCH_SCHEDULE", Path: "watch.schedule"},
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "METRICS_ENABLED", Path: "metrics.enabled"},
	}
}

// getUserConfigPaths returns candidate config files in search order.
func getUserConfigPaths() []string {
	if appIdentity == nil {
		return []string{}
	}
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths,
			filepath.Join(dir, appIdentity.ConfigName, "config.yaml"),
			filepath.Join(dir, appIdentity.ConfigName, "config.yml"),
			filepath.Join(dir, appIdentity.ConfigName, "config.json"),
		)
	}
	return paths
}

func readConfigFile(v *viper.Viper) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configFile, err)
		}
		return nil
	}
	for _, path := range getUserConfigPaths() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}
	return nil
}

// DefaultStorePath is where the tracking database lives when neither
// store.path nor store.url is configured.
func DefaultStorePath() string {
	configMu.RLock()
	defer configMu.RUnlock()
	return defaultStorePath()
}

func defaultStorePath() string {
	name := "ngitrack"
	if appIdentity != nil && appIdentity.ConfigName != "" {
		name = appIdentity.ConfigName
	}
	return filepath.Join(gfconfig.GetAppDataDir(name), "tracking.db")
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k := range m {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := m[k].(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = m[k]
	}
	return out
}

// ErrNoCharon is returned by callers that need a remote but have none configured.
var ErrNoCharon = errors.New("charon.base_url is not configured (set NGITRACK_CHARON_BASE_URL or CHARON_BASE_URL)")
