package qcmetrics

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// LaneMetrics holds the values read from one lane's Qualimap genome_results.txt.
type LaneMetrics struct {
	BamFile            string
	OutputFile         string
	BasesNumber        int64
	ContigsNumber      int64
	ReadsPerLane       int64
	MappedReads        int64
	MappedBases        int64
	SequencedBases     int64
	AlignedBases       int64
	MeanMappingQuality float64
	GCPercentage       float64
	MeanCoverage       float64
	StdCoverage        float64

	// MeanAutosomalCoverage is the length-weighted mean coverage over
	// chromosomes 1 to 22. Zero when the contig table has no autosomes.
	MeanAutosomalCoverage float64
}

func (m LaneMetrics) fieldValues() map[string]any {
	return map[string]any{
		FieldMeanCoverage:       m.MeanCoverage,
		FieldStdCoverage:        m.StdCoverage,
		FieldAlignedBases:       m.AlignedBases,
		FieldMappedBases:        m.MappedBases,
		FieldMappedReads:        m.MappedReads,
		FieldReadsPerLane:       m.ReadsPerLane,
		FieldSequencedBases:     m.SequencedBases,
		FieldBamFile:            m.BamFile,
		FieldOutputFile:         m.OutputFile,
		FieldGCPercentage:       m.GCPercentage,
		FieldMeanMappingQuality: m.MeanMappingQuality,
		FieldBasesNumber:        m.BasesNumber,
		FieldContigsNumber:      m.ContigsNumber,
	}
}

var autosomeRx = regexp.MustCompile(`^(?:chr)?([1-9]|1[0-9]|2[0-2])$`)

// ParseGenomeResultsFile opens and parses a genome_results.txt file.
func ParseGenomeResultsFile(path string) (LaneMetrics, error) {
	f, err := os.Open(path)
	if err != nil {
		return LaneMetrics{}, fmt.Errorf("open qualimap results: %w", err)
	}
	defer func() { _ = f.Close() }()

	m, err := ParseGenomeResults(f)
	if err != nil {
		return LaneMetrics{}, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// ParseGenomeResults parses Qualimap bamqc genome_results.txt content.
//
// The report is a sequence of ">>>>>>> Section" headers followed by
// "key = value" lines, except for the "Coverage per contig" section which is
// a whitespace separated table: name, length, mapped bases, mean coverage,
// standard deviation.
func ParseGenomeResults(r io.Reader) (LaneMetrics, error) {
	values := make(map[string]string)

	var (
		section      string
		autoLength   float64
		autoWeighted float64
	)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ">>>>>>>") {
			section = strings.ToLower(strings.TrimSpace(strings.TrimLeft(line, ">")))
			continue
		}

		if section == "coverage per contig" {
			cols := strings.Fields(line)
			if len(cols) < 4 || !autosomeRx.MatchString(cols[0]) {
				continue
			}
			length, err := parseNumber(cols[1])
			if err != nil {
				return LaneMetrics{}, &FormatError{Field: "contig length", Value: cols[1], Reason: err.Error()}
			}
			cov, err := parseNumber(cols[3])
			if err != nil {
				return LaneMetrics{}, &FormatError{Field: "contig coverage", Value: cols[3], Reason: err.Error()}
			}
			autoLength += length
			autoWeighted += length * cov
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if _, dup := values[key]; !dup {
			values[key] = strings.TrimSpace(value)
		}
	}
	if err := sc.Err(); err != nil {
		return LaneMetrics{}, fmt.Errorf("read qualimap results: %w", err)
	}

	p := fieldParser{values: values}
	m := LaneMetrics{
		BamFile:            p.str("bam file"),
		OutputFile:         p.optionalStr("outfile"),
		BasesNumber:        p.int("number of bases"),
		ContigsNumber:      p.int("number of contigs"),
		ReadsPerLane:       p.int("number of reads"),
		MappedReads:        p.int("number of mapped reads"),
		MappedBases:        p.int("number of mapped bases"),
		SequencedBases:     p.int("number of sequenced bases"),
		AlignedBases:       p.int("number of aligned bases"),
		MeanMappingQuality: p.float("mean mapping quality"),
		GCPercentage:       p.float("gc percentage"),
		MeanCoverage:       p.float("mean coveragedata", "mean coverage"),
		StdCoverage:        p.float("std coveragedata", "std coverage"),
	}
	if p.err != nil {
		return LaneMetrics{}, p.err
	}
	if autoLength > 0 {
		m.MeanAutosomalCoverage = autoWeighted / autoLength
	}
	return m, nil
}

// fieldParser records the first failure and turns later lookups into no-ops.
type fieldParser struct {
	values map[string]string
	err    error
}

func (p *fieldParser) lookup(keys ...string) (string, string, bool) {
	for _, k := range keys {
		if v, ok := p.values[k]; ok {
			return k, v, true
		}
	}
	if p.err == nil {
		p.err = &FormatError{Field: "genome_results", Value: keys[0], Reason: "missing field"}
	}
	return keys[0], "", false
}

func (p *fieldParser) str(keys ...string) string {
	if p.err != nil {
		return ""
	}
	_, v, _ := p.lookup(keys...)
	return v
}

func (p *fieldParser) optionalStr(key string) string {
	return p.values[key]
}

func (p *fieldParser) int(keys ...string) int64 {
	if p.err != nil {
		return 0
	}
	k, v, ok := p.lookup(keys...)
	if !ok {
		return 0
	}
	n, err := parseNumber(v)
	if err != nil {
		p.err = &FormatError{Field: k, Value: v, Reason: err.Error()}
		return 0
	}
	return int64(n)
}

func (p *fieldParser) float(keys ...string) float64 {
	if p.err != nil {
		return 0
	}
	k, v, ok := p.lookup(keys...)
	if !ok {
		return 0
	}
	n, err := parseNumber(v)
	if err != nil {
		p.err = &FormatError{Field: k, Value: v, Reason: err.Error()}
		return 0
	}
	return n
}

// parseNumber reads the leading number of a Qualimap value such as
// "1,234,567 bp", "30.5X", "41.2%" or "9,876 (98.76%)".
func parseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t("); i >= 0 {
		s = s[:i]
	}
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimRight(s, "Xx%")
	s = strings.TrimSuffix(s, "bp")
	if s == "" {
		return 0, fmt.Errorf("not a number")
	}
	return strconv.ParseFloat(s, 64)
}
