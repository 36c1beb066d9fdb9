package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/ngitrack/internal/observability"
	"github.com/3leaps/ngitrack/pkg/exitprobe"
	"github.com/3leaps/ngitrack/pkg/launch"
	"github.com/3leaps/ngitrack/pkg/tracking"
)

var launchCmd = &cobra.Command{
	Use:   "launch [flags] -- <command> [args...]",
	Short: "Start an analysis and track it",
	Long: `Start an analysis command and add it to the tracking store.

The command runs through /bin/sh and is wrapped so that its exit status is
written to the job's exit marker under
<project-base-path>/ANALYSIS/<project-name>/logs/. Standard output and error
go to .out and .err files next to the marker.

Launching is refused when the same job is already tracked.

Examples:
  ngitrack launch --kind seqrun --project-id P1 --project-base-path /proj \
    --sample-id S1 --libprep-id A --seqrun-id 140101_ST-E00201_0001_AHXXXX \
    --workflow merge_process_variantcall -- piper -S merge.scala
  ngitrack launch --kind sample --project-id P1 --project-base-path /proj \
    --sample-id S1 --workflow genotype_concordance --wait -- ./genotype.sh`,
	Args: cobra.MinimumNArgs(1),
	RunE: runLaunch,
}

func init() {
	rootCmd.AddCommand(launchCmd)
	addRecordFlags(launchCmd.Flags())
	launchCmd.Flags().StringArray("env", nil, "Extra environment variable KEY=VALUE (repeatable)")
	launchCmd.Flags().Bool("wait", false, "Wait for the analysis to finish")
}

func runLaunch(cmd *cobra.Command, args []string) error {
	rec, err := recordFromFlags(cmd.Flags())
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid job", err)
	}
	env, _ := cmd.Flags().GetStringArray("env")
	for _, kv := range env {
		if !strings.Contains(kv, "=") {
			return exitError(exitInvalidArgument, "Invalid --env value", fmt.Errorf("expected KEY=VALUE, got %q", kv))
		}
	}
	wait, _ := cmd.Flags().GetBool("wait")

	cfg, err := loadedConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	l := launch.New(store, observability.CLILogger)
	res, err := l.Start(ctx, launch.Request{
		Record:  *rec,
		Command: strings.Join(args, " "),
		Env:     env,
	})
	if err != nil {
		if errors.Is(err, tracking.ErrAlreadyTracked) {
			return exitError(exitInvalidArgument, "Job is already tracked", err)
		}
		if res == nil {
			return exitError(exitFailure, "Failed to launch analysis", err)
		}
		return recordError(err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "Launched %s %s (pid %d)\n", res.Record.Kind, res.Record.Identity, res.Record.ProcessID)
	_, _ = fmt.Fprintf(os.Stdout, "exit marker: %s\n", res.MarkerPath)
	_, _ = fmt.Fprintf(os.Stdout, "stdout: %s\nstderr: %s\n", res.StdoutPath, res.StderrPath)

	if !wait {
		return nil
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- res.Wait() }()

	select {
	case <-sigCtx.Done():
		return exitError(exitSignalInt, "Interrupted while waiting; the job stays tracked", sigCtx.Err())
	case err := <-done:
		if err != nil {
			observability.CLILogger.Debug("Shell exited with error", zap.Error(err))
		}
	}

	code, written, err := exitprobe.ReadExitCode(res.MarkerPath)
	if err != nil {
		return exitError(exitFileReadError, "Could not read exit marker", err)
	}
	if !written {
		return exitError(exitFailure, "Analysis finished without writing an exit code", nil)
	}
	_, _ = fmt.Fprintf(os.Stdout, "Analysis exited with code %d\n", code)
	if code != 0 {
		return exitError(exitFailure, "Analysis failed", fmt.Errorf("exit code %d", code))
	}
	return nil
}
