package cmd

import (
	"context"
	"errors"

	"github.com/3leaps/ngitrack/internal/config"
	"github.com/3leaps/ngitrack/internal/observability"
	"github.com/3leaps/ngitrack/pkg/charon"
	"github.com/3leaps/ngitrack/pkg/metrics"
	"github.com/3leaps/ngitrack/pkg/reconcile"
	"github.com/3leaps/ngitrack/pkg/tracking"
)

func loadedConfig() (*config.Config, error) {
	cfg := config.GetConfig()
	if cfg == nil {
		return nil, exitError(exitInvalidArgument, "Configuration not loaded", errors.New("root command did not initialize"))
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*tracking.Store, error) {
	store, err := tracking.Open(ctx, cfg.Store.TrackingConfig(), tracking.WithLogger(observability.CLILogger))
	if err != nil {
		return nil, exitError(exitFileReadError, "Failed to open tracking store", err)
	}
	return store, nil
}

func newCharonClient(cfg *config.Config) (*charon.HTTPClient, error) {
	if cfg.Charon.BaseURL == "" {
		return nil, exitError(exitInvalidArgument, "Charon is not configured", config.ErrNoCharon)
	}
	client, err := charon.NewHTTPClient(cfg.Charon.ClientConfig(), charon.WithLogger(observability.CLILogger))
	if err != nil {
		return nil, exitError(exitInvalidArgument, "Invalid Charon configuration", err)
	}
	return client, nil
}

// newEngine wires store, client and the optional recorder and event log
// into an engine.
func newEngine(store *tracking.Store, client charon.Client, recorder *metrics.Recorder, events *eventLog) *reconcile.Engine {
	opts := []reconcile.Option{}
	if recorder != nil {
		opts = append(opts, reconcile.WithRecorder(recorder))
	}
	if events != nil {
		opts = append(opts, reconcile.WithObserver(events))
	}
	return reconcile.NewEngine(store, client, observability.CLILogger, opts...)
}
