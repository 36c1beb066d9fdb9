package cmd

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/ngitrack/internal/config"
	"github.com/3leaps/ngitrack/internal/observability"
	"github.com/3leaps/ngitrack/pkg/charon"
	"github.com/3leaps/ngitrack/pkg/tracking"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment, the tracking store and the
Charon connection.

Examples:
  ngitrack doctor
  ngitrack doctor --skip-charon   # offline checks only`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().Bool("skip-charon", false, "Skip the Charon connectivity check")
}

// doctorCheck is one diagnostic step. A non-nil error fails the check; detail
// is shown either way.
type doctorCheck struct {
	name string
	run  func(ctx context.Context) (detail string, err error)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}
	skipCharon, _ := cmd.Flags().GetBool("skip-charon")

	bannerName := "doctor"
	if id := GetAppIdentity(); id != nil && id.BinaryName != "" {
		bannerName = id.BinaryName + " doctor"
	}
	log := observability.CLILogger
	log.Info("=== " + bannerName + " ===")
	log.Info("Running diagnostic checks...")

	checks := doctorChecks(cfg, skipCharon)
	failed := runDoctorChecks(cmd.Context(), log, checks)

	if failed > 0 {
		log.Warn("Some checks failed. Review the output above for details.")
		return exitError(exitExternalServiceUnavailable, "Diagnostics failed", fmt.Errorf("%d of %d checks failed", failed, len(checks)))
	}
	log.Info(fmt.Sprintf("All checks passed! Your %s installation is healthy.", bannerName))
	return nil
}

func doctorChecks(cfg *config.Config, skipCharon bool) []doctorCheck {
	checks := []doctorCheck{
		{name: "Go version", run: func(context.Context) (string, error) {
			return runtime.Version(), nil
		}},
		{name: "Crucible access", run: func(context.Context) (string, error) {
			v := crucible.GetVersion()
			if v.Crucible == "" {
				return "", fmt.Errorf("cannot access Crucible")
			}
			return "v" + v.Crucible, nil
		}},
		{name: "Environment", run: func(context.Context) (string, error) {
			return runtime.GOOS + "/" + runtime.GOARCH, nil
		}},
		{name: "Tracking store", run: func(ctx context.Context) (string, error) {
			return checkStore(ctx, cfg)
		}},
	}
	if !skipCharon {
		checks = append(checks, doctorCheck{name: "Charon", run: func(ctx context.Context) (string, error) {
			return checkCharon(ctx, cfg)
		}})
	}
	return checks
}

func runDoctorChecks(ctx context.Context, log *zap.Logger, checks []doctorCheck) int {
	failed := 0
	for i, c := range checks {
		prefix := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(checks), c.name)
		detail, err := c.run(ctx)
		if err != nil {
			failed++
			log.Error(prefix+" ❌ "+detail, zap.Error(err))
			continue
		}
		log.Info(prefix + " ✅ " + detail)
	}
	return failed
}

func checkStore(ctx context.Context, cfg *config.Config) (string, error) {
	store, err := tracking.Open(ctx, cfg.Store.TrackingConfig())
	if err != nil {
		return storeLocation(cfg), err
	}
	defer func() { _ = store.Close() }()

	n := 0
	for _, k := range []tracking.Kind{tracking.KindSeqrun, tracking.KindSample} {
		recs, err := store.ScanAll(ctx, k)
		if err != nil {
			return storeLocation(cfg), err
		}
		n += len(recs)
	}
	return fmt.Sprintf("%s (%d tracked)", storeLocation(cfg), n), nil
}

// checkCharon confirms the service answers with the configured token. A 404
// for a probe document still proves connectivity and authentication.
func checkCharon(ctx context.Context, cfg *config.Config) (string, error) {
	if cfg.Charon.BaseURL == "" {
		return "not configured", config.ErrNoCharon
	}
	client, err := charon.NewHTTPClient(cfg.Charon.ClientConfig())
	if err != nil {
		return cfg.Charon.BaseURL, err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err = client.GetSampleStatus(ctx, charon.SampleKey{ProjectID: "ngitrack-doctor", SampleID: "ngitrack-doctor"})
	if err != nil && !charon.IsNotFound(err) {
		return cfg.Charon.BaseURL, err
	}
	return cfg.Charon.BaseURL, nil
}
