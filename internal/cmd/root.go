package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/ngitrack/internal/config"
	"github.com/3leaps/ngitrack/internal/observability"
)

// versionInfo is stamped by main from ldflags.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	appIdentity *config.AppIdentity

	cfgFile  string
	logLevel string
	debug    bool
)

var rootCmd = &cobra.Command{
	Use:   "ngitrack",
	Short: "Track NGI analysis jobs and report their status to Charon",
	Long: `ngitrack keeps a local record of launched analysis processes and
reconciles them against the Charon tracking service.

Each reconciliation pass probes every tracked job. Finished jobs have their
terminal status (and, for seqruns, alignment QC metrics) written to Charon
and are then forgotten locally. Running jobs have their remote status
corrected to RUNNING.

Examples:
  ngitrack launch --project-id P1 --sample-id S1 --workflow merge_process_variantcall -- ./run.sh
  ngitrack reconcile
  ngitrack watch --schedule "@every 5m"
  ngitrack jobs list --json`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: $XDG_CONFIG_HOME/ngitrack/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

// SetVersionInfo records build metadata for the version command and the
// health endpoints.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the identity loaded by the root command, or nil
// before any command ran.
func GetAppIdentity() *config.AppIdentity {
	return appIdentity
}

// initRuntime loads configuration and the CLI logger before every command.
func initRuntime(cmd *cobra.Command, _ []string) error {
	config.SetConfigFile(cfgFile)

	overrides := map[string]any{}
	if cmd.Flags().Changed("log-level") {
		overrides["logging.level"] = logLevel
	}
	if debug {
		overrides["logging.level"] = "debug"
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(ctx, overrides)
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid configuration", err)
	}
	appIdentity = config.Identity()

	observability.Configure(appIdentity.BinaryName, cfg.Logging.Profile, cfg.Logging.Level, debug)
	observability.CLILogger.Debug("Configuration loaded",
		zap.String("store", storeLocation(cfg)),
		zap.String("charon", cfg.Charon.BaseURL))
	return nil
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	return ExecuteContext(context.Background(), os.Args[1:])
}

// ExecuteContext runs the CLI with explicit arguments.
func ExecuteContext(ctx context.Context, args []string) int {
	rootCmd.SetArgs(args)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		code := ExitCode(err)
		var ee *exitErr
		if errors.As(err, &ee) {
			observability.CLILogger.Error(ee.msg, zap.Error(ee.err), zap.Int("exit_code", code))
		} else {
			// Flag and argument errors happen before the logger is configured.
			_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return code
	}
	return 0
}

func storeLocation(cfg *config.Config) string {
	if cfg.Store.URL != "" {
		return cfg.Store.URL
	}
	return cfg.Store.Path
}
