// Package observability owns the process-wide CLI logger.
package observability

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileConsole    = "console"
	ProfileStructured = "structured"
)

// CLILogger is the logger commands write to. It is a no-op until
// InitCLILogger runs so packages can log during init and in tests.
var CLILogger = zap.NewNop()

// InitCLILogger builds the console logger for a command run. debug forces
// debug level regardless of configuration.
func InitCLILogger(name string, debug bool) {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	CLILogger = NewLogger(name, ProfileConsole, level)
}

// Configure rebuilds CLILogger from configuration values. Unknown levels fall
// back to info.
func Configure(name, profile, level string, debug bool) {
	lvl := ParseLevel(level)
	if debug {
		lvl = zapcore.DebugLevel
	}
	CLILogger = NewLogger(name, profile, lvl)
}

// ParseLevel maps a config string onto a zap level.
func ParseLevel(s string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// NewLogger builds a logger writing to stderr. The structured profile emits
// JSON lines; anything else gets the human console encoder.
func NewLogger(name, profile string, level zapcore.Level) *zap.Logger {
	var enc zapcore.Encoder
	if strings.EqualFold(profile, ProfileStructured) {
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "ts"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		cfg.EncodeCaller = nil
		cfg.CallerKey = ""
		enc = zapcore.NewConsoleEncoder(cfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(level))
	logger := zap.New(core)
	if name != "" {
		logger = logger.Named(name)
	}
	return logger
}
