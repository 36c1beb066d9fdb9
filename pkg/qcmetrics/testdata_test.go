package qcmetrics

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func genomeResults(bamFile string, meanCov float64) string {
	return fmt.Sprintf(`BamQC report
-----------------------------------

>>>>>>> Input

     bam file = %s
     outfile = /proj/qc/genome_results.txt


>>>>>>> Reference

     number of bases = 3,101,804,739 bp
     number of contigs = 84


>>>>>>> Globals

     number of windows = 400

     number of reads = 1,000,000
     number of mapped reads = 990,000 (99.00%%)
     number of secondary alignments = 0

     number of mapped bases = 99,000,000 bp
     number of sequenced bases = 98,500,000 bp
     number of aligned bases = 98,000,000 bp


>>>>>>> Mapping quality

     mean mapping quality = 58.25


>>>>>>> ACTG content

     number of A's = 29,115,417 bp
     GC percentage = 41.5%%


>>>>>>> Coverage

     mean coverageData = %.1fX
     std coverageData = 12.25X


>>>>>>> Coverage per contig

	1	100	1000	%.1f	1.0
	2	300	3000	%.1f	1.0
	X	500	5000	99.0	1.0
	MT	16569	9000	500.0	1.0
`, bamFile, meanCov, meanCov, meanCov)
}

func writeLane(t *testing.T, base, project, dirName, bamFile string, meanCov float64) {
	t.Helper()
	dir := filepath.Join(ResultsDir(base, project), dirName)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, GenomeResultsFile), []byte(genomeResults(bamFile, meanCov)), 0o644))
}
