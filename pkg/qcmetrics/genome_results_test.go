package qcmetrics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGenomeResults(t *testing.T) {
	m, err := ParseGenomeResults(strings.NewReader(genomeResults("/data/P1_101.FC1.P1_101.2.bam", 30.5)))
	require.NoError(t, err)

	assert.Equal(t, "/data/P1_101.FC1.P1_101.2.bam", m.BamFile)
	assert.Equal(t, "/proj/qc/genome_results.txt", m.OutputFile)
	assert.EqualValues(t, 3101804739, m.BasesNumber)
	assert.EqualValues(t, 84, m.ContigsNumber)
	assert.EqualValues(t, 1000000, m.ReadsPerLane)
	assert.EqualValues(t, 990000, m.MappedReads)
	assert.EqualValues(t, 99000000, m.MappedBases)
	assert.EqualValues(t, 98500000, m.SequencedBases)
	assert.EqualValues(t, 98000000, m.AlignedBases)
	assert.InDelta(t, 58.25, m.MeanMappingQuality, 1e-9)
	assert.InDelta(t, 41.5, m.GCPercentage, 1e-9)
	assert.InDelta(t, 30.5, m.MeanCoverage, 1e-9)
	assert.InDelta(t, 12.25, m.StdCoverage, 1e-9)
	// Only contigs 1 and 2 are autosomes; both at 30.5X.
	assert.InDelta(t, 30.5, m.MeanAutosomalCoverage, 1e-9)
}

func TestParseGenomeResults_AutosomalCoverageIsLengthWeighted(t *testing.T) {
	input := `>>>>>>> Input
     bam file = x.1.bam
     number of bases = 10 bp
     number of contigs = 3
     number of reads = 1
     number of mapped reads = 1 (100%)
     number of mapped bases = 1 bp
     number of sequenced bases = 1 bp
     number of aligned bases = 1 bp
     mean mapping quality = 60
     GC percentage = 40%
     mean coverageData = 1X
     std coverageData = 0X

>>>>>>> Coverage per contig

	chr1	100	0	10	0
	chr22	300	0	30	0
	chrY	1000	0	1000	0
`
	m, err := ParseGenomeResults(strings.NewReader(input))
	require.NoError(t, err)
	// (100*10 + 300*30) / 400
	assert.InDelta(t, 25.0, m.MeanAutosomalCoverage, 1e-9)
}

func TestParseGenomeResults_Errors(t *testing.T) {
	t.Run("missing field", func(t *testing.T) {
		_, err := ParseGenomeResults(strings.NewReader("bam file = x.1.bam\n"))
		require.Error(t, err)
		assert.True(t, IsFormatError(err))
	})

	t.Run("bad number", func(t *testing.T) {
		input := strings.Replace(genomeResults("x.1.bam", 1), "number of reads = 1,000,000", "number of reads = lots", 1)
		_, err := ParseGenomeResults(strings.NewReader(input))
		require.Error(t, err)
		assert.True(t, IsFormatError(err))
		assert.Contains(t, err.Error(), "number of reads")
	})
}

func TestParseNumber(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"1,234,567 bp", 1234567},
		{"30.5X", 30.5},
		{"41.2%", 41.2},
		{"9,876 (98.76%)", 9876},
		{"58", 58},
		{"1200bp", 1200},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseNumber(tt.in)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}

	_, err := parseNumber("")
	assert.Error(t, err)
	_, err = parseNumber("n/a")
	assert.Error(t, err)
}
