package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/3leaps/ngitrack/internal/observability"
	"github.com/3leaps/ngitrack/pkg/reconcile"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation pass",
	Long: `Probe every tracked job once and report finished jobs to Charon.

Run-level records are processed before sample-level records. A record is
only removed locally after Charon accepted its terminal status; anything
that fails is retried on the next pass.

Examples:
  ngitrack reconcile
  ngitrack reconcile --json
  ngitrack reconcile --events events.jsonl   # append one JSONL line per record
  ngitrack reconcile --fail-on-error   # exit non-zero if any record errored`,
	Args: cobra.NoArgs,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().Bool("json", false, "Output the pass summary as JSON")
	reconcileCmd.Flags().Bool("fail-on-error", false, "Exit non-zero when any record could not be reconciled")
	reconcileCmd.Flags().String("events", "", "Append JSONL transition events to this file (- for stdout)")
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	failOnError, _ := cmd.Flags().GetBool("fail-on-error")

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

	client, err := newCharonClient(cfg)
	if err != nil {
		return err
	}

	eventsPath, _ := cmd.Flags().GetString("events")
	events, closeEvents, err := openEventLog(eventsPath, observability.CLILogger)
	if err != nil {
		return err
	}
	defer func() { _ = closeEvents() }()

	sum := newEngine(store, client, nil, events).Pass(ctx)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(sum); err != nil {
			return err
		}
	} else {
		writeSummary(os.Stdout, sum)
	}

	if failOnError && sum.Total().Errors > 0 {
		return exitError(exitExternalServiceUnavailable, "Reconciliation pass finished with errors",
			fmt.Errorf("%d record(s) could not be reconciled", sum.Total().Errors))
	}
	return nil
}

func writeSummary(out io.Writer, sum reconcile.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "KIND\tSCANNED\tDELETED\tRETAINED\tERRORS")
	row := func(name string, k reconcile.KindSummary) {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", name, k.Scanned, k.Deleted, k.Retained, k.Errors)
	}
	row("seqrun", sum.Runs)
	row("sample", sum.Samples)
	row("total", sum.Total())
}
