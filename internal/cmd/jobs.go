package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/ngitrack/pkg/exitprobe"
	"github.com/3leaps/ngitrack/pkg/reconcile"
	"github.com/3leaps/ngitrack/pkg/tracking"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage tracked jobs",
	Long: `Inspect and manage the local tracking store.

These commands never talk to Charon. Use 'reconcile' to report status.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked jobs",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsRecordCmd = &cobra.Command{
	Use:   "record",
	Short: "Track an already running analysis process",
	Long: `Track an analysis process that was started outside ngitrack.

The process must write its exit code to the marker file when it finishes
(see 'jobs check'). The identity is given either by flags or by a YAML/JSON
descriptor file.

Examples:
  ngitrack jobs record --kind seqrun --project-id P1 --project-name P1 \
    --project-base-path /proj --sample-id S1 --libprep-id A --seqrun-id R1 \
    --workflow merge_process_variantcall --pid 4242
  ngitrack jobs record --file job.yaml`,
	Args: cobra.NoArgs,
	RunE: runJobsRecord,
}

var jobsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe tracked jobs without reporting anything",
	Args:  cobra.NoArgs,
	RunE:  runJobsCheck,
}

var jobsForgetCmd = &cobra.Command{
	Use:   "forget",
	Short: "Stop tracking a job without reporting it",
	Long: `Remove a record from the tracking store.

Nothing is written to Charon; the job's remote status stays as it is.`,
	Args: cobra.NoArgs,
	RunE: runJobsForget,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsRecordCmd, jobsCheckCmd, jobsForgetCmd)

	jobsListCmd.Flags().String("kind", "", "Only list seqrun or sample records")
	jobsListCmd.Flags().Bool("json", false, "Output as JSON")

	addRecordFlags(jobsRecordCmd.Flags())
	jobsRecordCmd.Flags().Int("pid", 0, "Process id of the running analysis")
	jobsRecordCmd.Flags().String("file", "", "Job descriptor file (YAML or JSON)")

	jobsCheckCmd.Flags().String("kind", "", "Only probe seqrun or sample records")
	jobsCheckCmd.Flags().Bool("json", false, "Output as JSON")

	addIdentityFlags(jobsForgetCmd.Flags())
}

func addIdentityFlags(fs *pflag.FlagSet) {
	fs.String("kind", string(tracking.KindSeqrun), "Record kind: seqrun or sample")
	fs.String("project-id", "", "Project id")
	fs.String("sample-id", "", "Sample id")
	fs.String("libprep-id", "", "Library prep id (seqrun only)")
	fs.String("seqrun-id", "", "Sequencing run id (seqrun only)")
	fs.String("workflow", "", "Workflow name")
}

func addRecordFlags(fs *pflag.FlagSet) {
	addIdentityFlags(fs)
	fs.String("project-name", "", "Project name (defaults to project id)")
	fs.String("project-base-path", "", "Project base path containing ANALYSIS/")
	fs.String("engine", "", "Analysis engine name")
	fs.String("analysis-dir", "", "Analysis working directory")
}

// jobDescriptor is the on-disk form accepted by 'jobs record --file'.
type jobDescriptor struct {
	tracking.Identity `yaml:",inline"`

	Kind            string `yaml:"kind"`
	ProjectName     string `yaml:"project_name"`
	ProjectBasePath string `yaml:"project_base_path"`
	Engine          string `yaml:"engine"`
	AnalysisDir     string `yaml:"analysis_dir"`
	ProcessID       int    `yaml:"process_id"`
}

func (d jobDescriptor) record() (*tracking.Record, error) {
	kind := d.Kind
	if kind == "" {
		kind = string(tracking.KindSeqrun)
		if d.LibprepID == "" && d.SeqrunID == "" {
			kind = string(tracking.KindSample)
		}
	}
	k, err := tracking.ParseKind(kind)
	if err != nil {
		return nil, err
	}
	rec := &tracking.Record{
		Kind:            k,
		Identity:        d.Identity,
		ProjectName:     d.ProjectName,
		ProjectBasePath: d.ProjectBasePath,
		Engine:          d.Engine,
		AnalysisDir:     d.AnalysisDir,
		ProcessID:       d.ProcessID,
	}
	if rec.ProjectName == "" {
		rec.ProjectName = rec.ProjectID
	}
	return rec, nil
}

func readJobDescriptor(path string) (*jobDescriptor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	// JSON is valid YAML, so one decoder covers both formats.
	var d jobDescriptor
	if err := yaml.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("parse job descriptor %s: %w", path, err)
	}
	return &d, nil
}

func identityFromFlags(fs *pflag.FlagSet) (tracking.Kind, tracking.Identity, error) {
	get := func(name string) string {
		v, _ := fs.GetString(name)
		return strings.TrimSpace(v)
	}
	kind, err := tracking.ParseKind(get("kind"))
	if err != nil {
		return "", tracking.Identity{}, err
	}
	id := tracking.Identity{
		ProjectID: get("project-id"),
		SampleID:  get("sample-id"),
		LibprepID: get("libprep-id"),
		SeqrunID:  get("seqrun-id"),
		Workflow:  get("workflow"),
	}
	if err := id.Validate(kind); err != nil {
		return "", tracking.Identity{}, err
	}
	return kind, id, nil
}

// recordFromFlags builds a record from the shared record flags. ProcessID is
// left for the caller.
func recordFromFlags(fs *pflag.FlagSet) (*tracking.Record, error) {
	kind, id, err := identityFromFlags(fs)
	if err != nil {
		return nil, err
	}
	get := func(name string) string {
		v, _ := fs.GetString(name)
		return strings.TrimSpace(v)
	}
	d := jobDescriptor{
		Kind:            string(kind),
		Identity:        id,
		ProjectName:     get("project-name"),
		ProjectBasePath: get("project-base-path"),
		Engine:          get("engine"),
		AnalysisDir:     get("analysis-dir"),
	}
	return d.record()
}

func parseKindFilter(cmd *cobra.Command) ([]tracking.Kind, error) {
	raw, _ := cmd.Flags().GetString("kind")
	if strings.TrimSpace(raw) == "" {
		return []tracking.Kind{tracking.KindSeqrun, tracking.KindSample}, nil
	}
	k, err := tracking.ParseKind(raw)
	if err != nil {
		return nil, exitError(exitInvalidArgument, "Invalid --kind value", err)
	}
	return []tracking.Kind{k}, nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	kinds, err := parseKindFilter(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var recs []tracking.Record
	for _, k := range kinds {
		got, err := store.ScanAll(cmd.Context(), k)
		if err != nil {
			return exitError(exitFileReadError, "Failed to read tracking store", err)
		}
		recs = append(recs, got...)
	}

	if jsonOutput {
		if recs == nil {
			recs = []tracking.Record{}
		}
		return encodeJSON(os.Stdout, recs)
	}
	if len(recs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No tracked jobs")
		return nil
	}
	writeRecords(os.Stdout, recs, nil)
	return nil
}

func runJobsRecord(cmd *cobra.Command, _ []string) error {
	var (
		rec *tracking.Record
		err error
	)
	if path, _ := cmd.Flags().GetString("file"); path != "" {
		d, readErr := readJobDescriptor(path)
		if readErr != nil {
			if errors.Is(readErr, os.ErrNotExist) {
				return exitError(exitFileNotFound, "Job descriptor not found", readErr)
			}
			return exitError(exitInvalidArgument, "Invalid job descriptor", readErr)
		}
		rec, err = d.record()
	} else {
		rec, err = recordFromFlags(cmd.Flags())
		if err == nil {
			rec.ProcessID, _ = cmd.Flags().GetInt("pid")
		}
	}
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid job", err)
	}
	if err := rec.Validate(); err != nil {
		return exitError(exitInvalidArgument, "Invalid job", err)
	}

	cfg, err := loadedConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := store.Record(cmd.Context(), rec); err != nil {
		return recordError(err)
	}
	_, _ = fmt.Fprintf(os.Stdout, "Tracking %s %s (pid %d)\n", rec.Kind, rec.Identity, rec.ProcessID)
	_, _ = fmt.Fprintf(os.Stdout, "exit marker: %s\n", exitprobe.MarkerPath(reconcile.JobFor(rec)))
	return nil
}

func recordError(err error) error {
	switch {
	case tracking.IsAlreadyTracked(err):
		return exitError(exitInvalidArgument, "Job is already tracked", err)
	case tracking.IsLockExhausted(err):
		return exitError(exitFileWriteError, "Tracking store stayed locked", err)
	default:
		return exitError(exitFileWriteError, "Failed to record job", err)
	}
}

type checkRow struct {
	tracking.Record
	Marker  string `json:"marker"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

func runJobsCheck(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	kinds, err := parseKindFilter(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	prober := exitprobe.New()
	rows := []checkRow{}
	for _, k := range kinds {
		recs, err := store.ScanAll(cmd.Context(), k)
		if err != nil {
			return exitError(exitFileReadError, "Failed to read tracking store", err)
		}
		for i := range recs {
			job := reconcile.JobFor(&recs[i])
			row := checkRow{Record: recs[i], Marker: exitprobe.MarkerPath(job)}
			outcome, err := prober.Probe(cmd.Context(), job)
			if err != nil {
				row.Outcome = "unparsable"
				row.Error = err.Error()
			} else {
				row.Outcome = outcome.String()
			}
			rows = append(rows, row)
		}
	}

	if jsonOutput {
		return encodeJSON(os.Stdout, rows)
	}
	if len(rows) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No tracked jobs")
		return nil
	}
	recs := make([]tracking.Record, len(rows))
	outcomes := make([]string, len(rows))
	for i := range rows {
		recs[i] = rows[i].Record
		outcomes[i] = rows[i].Outcome
	}
	writeRecords(os.Stdout, recs, outcomes)
	return nil
}

func runJobsForget(cmd *cobra.Command, _ []string) error {
	kind, id, err := identityFromFlags(cmd.Flags())
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid job identity", err)
	}
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := store.Delete(cmd.Context(), &tracking.Record{Kind: kind, Identity: id}); err != nil {
		if errors.Is(err, tracking.ErrNotFound) {
			return exitError(exitFileNotFound, "Job is not tracked", err)
		}
		return exitError(exitFileWriteError, "Failed to forget job", err)
	}
	_, _ = fmt.Fprintf(os.Stdout, "Forgot %s %s\n", kind, id)
	return nil
}

// writeRecords prints records as a table. outcomes, when non-nil, adds a
// STATE column.
func writeRecords(out io.Writer, recs []tracking.Record, outcomes []string) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	header := "KIND\tPROJECT\tSAMPLE\tLIBPREP\tSEQRUN\tWORKFLOW\tPID\tCREATED"
	if outcomes != nil {
		header += "\tSTATE"
	}
	_, _ = fmt.Fprintln(w, header)
	for i, r := range recs {
		line := fmt.Sprintf("%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s",
			r.Kind, r.ProjectID, r.SampleID, dash(r.LibprepID), dash(r.SeqrunID), r.Workflow, r.ProcessID,
			formatCreated(r.CreatedAt))
		if outcomes != nil {
			line += "\t" + outcomes[i]
		}
		_, _ = fmt.Fprintln(w, line)
	}
}

func encodeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatCreated(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
