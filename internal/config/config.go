package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/ngitrack/pkg/charon"
	"github.com/3leaps/ngitrack/pkg/tracking"
)

// Config is the merged runtime configuration.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Store   StoreConfig   `mapstructure:"store"`
	Charon  CharonConfig  `mapstructure:"charon"`
	Watch   WatchConfig   `mapstructure:"watch"`
	Server  ServerConfig  `mapstructure:"server"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// StoreConfig locates the tracking database. URL (libsql://) wins over Path.
type StoreConfig struct {
	Path           string        `mapstructure:"path"`
	URL            string        `mapstructure:"url"`
	AuthToken      string        `mapstructure:"auth_token"`
	BusyTimeout    time.Duration `mapstructure:"busy_timeout"`
	InsertAttempts int           `mapstructure:"insert_attempts"`
	InsertInterval time.Duration `mapstructure:"insert_interval"`
}

// TrackingConfig converts to the store's own configuration.
func (c StoreConfig) TrackingConfig() tracking.Config {
	return tracking.Config{
		Path:        c.Path,
		URL:         c.URL,
		AuthToken:   c.AuthToken,
		BusyTimeout: c.BusyTimeout,
		Retry:       tracking.RetryPolicy{Attempts: c.InsertAttempts, Interval: c.InsertInterval},
	}
}

type CharonConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIToken  string        `mapstructure:"api_token"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
	Burst     int           `mapstructure:"burst"`
}

// ClientConfig converts to the client's own configuration.
func (c CharonConfig) ClientConfig() charon.Config {
	return charon.Config{
		BaseURL:   c.BaseURL,
		APIToken:  c.APIToken,
		Timeout:   c.Timeout,
		RateLimit: c.RateLimit,
		Burst:     c.Burst,
	}
}

type WatchConfig struct {
	// Schedule is a cron expression or descriptor (@every 5m, @hourly).
	Schedule   string `mapstructure:"schedule"`
	RunOnStart bool   `mapstructure:"run_on_start"`
}

// ServerConfig is the health and metrics listener used by watch. Port 0
// disables it.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns host:port.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Profile) {
	case "console", "structured":
	default:
		return fmt.Errorf("logging.profile must be console or structured, got %q", c.Logging.Profile)
	}
	if c.Store.InsertAttempts < 1 {
		return fmt.Errorf("store.insert_attempts must be >= 1")
	}
	if c.Store.InsertInterval < 0 {
		return fmt.Errorf("store.insert_interval must not be negative")
	}
	if c.Charon.RateLimit < 0 {
		return fmt.Errorf("charon.rate_limit must not be negative")
	}
	if c.Charon.Timeout < 0 {
		return fmt.Errorf("charon.timeout must not be negative")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Watch.Schedule) == "" {
		return fmt.Errorf("watch.schedule is required")
	}
	return nil
}
