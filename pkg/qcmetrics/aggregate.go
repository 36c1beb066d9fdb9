package qcmetrics

import (
	"regexp"
)

// Field names as the remote tracking service stores them.
const (
	FieldMeanCoverage          = "mean_coverage"
	FieldStdCoverage           = "std_coverage"
	FieldAlignedBases          = "aligned_bases"
	FieldMappedBases           = "mapped_bases"
	FieldMappedReads           = "mapped_reads"
	FieldReadsPerLane          = "reads_per_lane"
	FieldSequencedBases        = "sequenced_bases"
	FieldBamFile               = "bam_file"
	FieldOutputFile            = "output_file"
	FieldGCPercentage          = "GC_percentage"
	FieldMeanMappingQuality    = "mean_mapping_quality"
	FieldBasesNumber           = "bases_number"
	FieldContigsNumber         = "contigs_number"
	FieldMeanAutosomalCoverage = "mean_autosomal_coverage"
	FieldLanes                 = "lanes"
)

// TrackedFields are the per-lane fields kept as lane -> value mappings.
var TrackedFields = []string{
	FieldMeanCoverage,
	FieldStdCoverage,
	FieldAlignedBases,
	FieldMappedBases,
	FieldMappedReads,
	FieldReadsPerLane,
	FieldSequencedBases,
	FieldBamFile,
	FieldOutputFile,
	FieldGCPercentage,
	FieldMeanMappingQuality,
	FieldBasesNumber,
	FieldContigsNumber,
}

var laneFromBamRx = regexp.MustCompile(`^.+\.(\d)\.bam`)

// LaneFromBamFile extracts the lane number embedded in a BAM filename
// (e.g. P123_1001.BC423WACXX.P123_1001.1.bam -> "1").
func LaneFromBamFile(bamFile string) (string, error) {
	m := laneFromBamRx.FindStringSubmatch(bamFile)
	if m == nil {
		return "", &FormatError{Field: "bam_file", Value: bamFile, Reason: `expected "<name>.<lane>.bam"`}
	}
	return m[1], nil
}

// Accumulator merges per-lane QC metrics for one sequencing run.
//
// Each tracked field is a lane -> value mapping; lanes never overwrite each
// other. MeanAutosomalCoverage is a running sum over merged lanes, not an
// average: divide by Lanes for a mean.
type Accumulator struct {
	fields                map[string]map[string]any
	MeanAutosomalCoverage float64
	Lanes                 int
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// MergeLane adds one lane's metrics. A BAM filename without a lane number, or
// a lane that has already been merged, fails with *FormatError and leaves the
// accumulator unchanged.
func (a *Accumulator) MergeLane(m LaneMetrics) error {
	lane, err := LaneFromBamFile(m.BamFile)
	if err != nil {
		return err
	}

	if a.Lanes == 0 {
		a.fields = make(map[string]map[string]any, len(TrackedFields))
		a.MeanAutosomalCoverage = 0
	} else if _, seen := a.fields[FieldBamFile][lane]; seen {
		return &FormatError{Field: "lane", Value: lane, Reason: "lane already merged for this run"}
	}

	values := m.fieldValues()
	for _, field := range TrackedFields {
		if a.fields[field] == nil {
			a.fields[field] = make(map[string]any)
		}
		a.fields[field][lane] = values[field]
	}
	a.MeanAutosomalCoverage += m.MeanAutosomalCoverage
	a.Lanes++
	return nil
}

// Field returns the lane -> value mapping for one tracked field.
func (a *Accumulator) Field(name string) map[string]any {
	return a.fields[name]
}

// LaneKeys returns the merged lane keys in no particular order.
func (a *Accumulator) LaneKeys() []string {
	keys := make([]string, 0, a.Lanes)
	for k := range a.fields[FieldBamFile] {
		keys = append(keys, k)
	}
	return keys
}

// Fields renders the accumulator as a remote update payload.
func (a *Accumulator) Fields() map[string]any {
	out := make(map[string]any, len(TrackedFields)+2)
	for _, field := range TrackedFields {
		if v, ok := a.fields[field]; ok {
			out[field] = v
		}
	}
	out[FieldMeanAutosomalCoverage] = a.MeanAutosomalCoverage
	out[FieldLanes] = a.Lanes
	return out
}
