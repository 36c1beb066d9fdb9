package qcmetrics

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	// AlignmentQCDir is the per-project directory holding lane QC output.
	AlignmentQCDir = "02_preliminary_alignment_qc"

	// GenomeResultsFile is the Qualimap summary inside each lane directory.
	GenomeResultsFile = "genome_results.txt"
)

// FlowcellFromSeqrun returns the flowcell id, the fourth "_" separated field
// of a seqrun id (e.g. 140528_D00415_0049_BC423WACXX -> BC423WACXX).
func FlowcellFromSeqrun(seqrunID string) (string, error) {
	parts := strings.Split(seqrunID, "_")
	if len(parts) < 4 || parts[3] == "" {
		return "", &FormatError{Field: "seqrun_id", Value: seqrunID, Reason: "expected <date>_<instrument>_<run>_<flowcell>"}
	}
	return parts[3], nil
}

// ResultsDir returns <base>/ANALYSIS/<project_name>/02_preliminary_alignment_qc.
func ResultsDir(basePath, projectName string) string {
	return filepath.Join(basePath, "ANALYSIS", projectName, AlignmentQCDir)
}

// LaneDirPattern is the glob, relative to ResultsDir, matching one run's lane
// directories.
func LaneDirPattern(sampleID, flowcell string) string {
	prefix := sampleID + "." + flowcell + "." + sampleID
	return escapeGlob(prefix) + "*"
}

// CollectRunMetrics finds every lane QC directory for a sample's seqrun and
// merges their genome_results.txt into one Accumulator, in directory order.
//
// Any missing piece is an error: the caller reports the run as failed rather
// than completing it with partial metrics.
func CollectRunMetrics(basePath, projectName, sampleID, seqrunID string) (*Accumulator, error) {
	flowcell, err := FlowcellFromSeqrun(seqrunID)
	if err != nil {
		return nil, err
	}

	dir := ResultsDir(basePath, projectName)
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s does not exist", ErrMissingResults, dir)
		}
		return nil, fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrMissingResults, dir)
	}

	fsys := os.DirFS(dir)
	matches, err := doublestar.Glob(fsys, LaneDirPattern(sampleID, flowcell))
	if err != nil {
		return nil, fmt.Errorf("glob lane directories: %w", err)
	}

	acc := NewAccumulator()
	for _, name := range matches {
		st, err := fs.Stat(fsys, name)
		if err != nil || !st.IsDir() {
			continue
		}
		resultsPath := path.Join(name, GenomeResultsFile)
		if _, err := fs.Stat(fsys, resultsPath); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingResults, filepath.Join(dir, filepath.FromSlash(resultsPath)))
		}
		m, err := ParseGenomeResultsFile(filepath.Join(dir, filepath.FromSlash(resultsPath)))
		if err != nil {
			return nil, err
		}
		if err := acc.MergeLane(m); err != nil {
			return nil, err
		}
	}
	if acc.Lanes == 0 {
		return nil, fmt.Errorf("%w: no lane directories for %s in %s", ErrMissingResults, path.Join(sampleID, flowcell), dir)
	}
	return acc, nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '{', '}', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
