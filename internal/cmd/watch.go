package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/ngitrack/internal/config"
	"github.com/3leaps/ngitrack/internal/observability"
	"github.com/3leaps/ngitrack/internal/server"
	"github.com/3leaps/ngitrack/internal/server/handlers"
	"github.com/3leaps/ngitrack/pkg/metrics"
	"github.com/3leaps/ngitrack/pkg/reconcile"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run reconciliation passes on a schedule",
	Long: `Run reconciliation passes on a cron schedule until interrupted.

Passes never overlap: a tick that fires while a pass is still running is
skipped. On SIGINT/SIGTERM the scheduler stops, a running pass is allowed
to finish, and the process exits.

When server.port is non-zero an HTTP listener serves /health, /health/live,
/health/ready, /version and (with metrics.enabled) /metrics.

Examples:
  ngitrack watch
  ngitrack watch --schedule "@every 10m"
  ngitrack watch --schedule "*/15 * * * *" --port 9102`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().String("schedule", "", "Cron expression or descriptor (default from watch.schedule)")
	watchCmd.Flags().Bool("no-initial-pass", false, "Wait for the first scheduled tick instead of running a pass at startup")
	watchCmd.Flags().Int("port", -1, "Health/metrics listener port, 0 disables (default from server.port)")
	watchCmd.Flags().String("events", "", "Append JSONL transition events to this file")
}

// passRunner is satisfied by *reconcile.Engine.
type passRunner interface {
	Pass(ctx context.Context) reconcile.Summary
}

type watchOptions struct {
	Schedule   string
	RunOnStart bool
	Engine     passRunner
	Server     *server.Server
	Logger     *zap.Logger
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}

	opts := watchOptions{
		Schedule:   cfg.Watch.Schedule,
		RunOnStart: cfg.Watch.RunOnStart,
		Logger:     observability.CLILogger,
	}
	if s, _ := cmd.Flags().GetString("schedule"); s != "" {
		opts.Schedule = s
	}
	if skip, _ := cmd.Flags().GetBool("no-initial-pass"); skip {
		opts.RunOnStart = false
	}
	if port, _ := cmd.Flags().GetInt("port"); port >= 0 {
		cfg.Server.Port = port
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	client, err := newCharonClient(cfg)
	if err != nil {
		return err
	}

	var recorder *metrics.Recorder
	if cfg.Metrics.Enabled {
		recorder = metrics.New()
	}
	eventsPath, _ := cmd.Flags().GetString("events")
	events, closeEvents, err := openEventLog(eventsPath, observability.CLILogger)
	if err != nil {
		return err
	}
	defer func() { _ = closeEvents() }()

	opts.Engine = newEngine(store, client, recorder, events)

	if cfg.Server.Port > 0 {
		health := handlers.NewHealthManager(versionInfo.Version)
		health.RegisterChecker("tracking_store", handlers.CheckerFunc(func(ctx context.Context) error {
			return store.DB().PingContext(ctx)
		}))
		opts.Server = newWatchServer(cfg, health, recorder)
	}

	return watch(ctx, opts)
}

func newWatchServer(cfg *config.Config, health *handlers.HealthManager, recorder *metrics.Recorder) *server.Server {
	srvOpts := []server.Option{
		server.WithHealthManager(health),
		server.WithLogger(observability.CLILogger),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.ShutdownTimeout),
	}
	if recorder != nil {
		srvOpts = append(srvOpts, server.WithMetricsHandler(recorder.Handler()))
	}
	return server.New(cfg.Server.Host, cfg.Server.Port, srvOpts...)
}

// watch runs passes until ctx is cancelled. A pass already running when ctx
// is cancelled runs to completion before watch returns.
func watch(ctx context.Context, opts watchOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Engine == nil {
		return errors.New("watch: engine is required")
	}

	schedule, err := cron.ParseStandard(opts.Schedule)
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid watch schedule", err)
	}

	passCtx := context.WithoutCancel(ctx)
	cl := cronLogger{logger: logger}
	job := cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(func() {
		opts.Engine.Pass(passCtx)
	}))

	sched := cron.New(cron.WithLogger(cl))
	sched.Schedule(schedule, job)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Watch started", zap.String("schedule", opts.Schedule))
		if opts.RunOnStart {
			job.Run()
		}
		sched.Start()
		<-gctx.Done()

		logger.Info("Watch stopping; waiting for running pass")
		<-sched.Stop().Done()
		return nil
	})

	if opts.Server != nil {
		g.Go(func() error {
			return opts.Server.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		return exitError(exitFailure, "Watch failed", err)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		logger.Info("Watch stopped")
	}
	return nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
