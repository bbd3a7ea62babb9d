package oas

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCSV(t *testing.T, dir, name, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0644))
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "b.csv",
		"id,sequence_alignment_aa_heavy,sequence_alignment_aa_light\n"+
			"1,EVQLVESGG,DIQMTQSP\n"+
			"2,QVQLQESGP,EIVLTQSP\n")
	writeCSV(t, dir, "a.csv",
		"id,sequence_alignment_aa_heavy,sequence_alignment_aa_light\n"+
			"3,GAVLIP,DIQ\n")

	seqs, err := LoadDir(dir, "", -1)
	require.NoError(t, err)
	// Files are read in sorted order.
	assert.Equal(t, []string{"GAVLIP", "EVQLVESGG", "QVQLQESGP"}, seqs)

	light, err := LoadDir(dir, "sequence_alignment_aa_light", -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"DIQ", "DIQMTQSP", "EIVLTQSP"}, light)
}

func TestLoadDirSampleCount(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "train.csv",
		"sequence_alignment_aa_heavy\nAAAA\nCCCC\nGGGG\nLLLL\n")

	seqs, err := LoadDir(dir, "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAAA", "CCCC"}, seqs)
}

func TestLoadDirCache(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "train.csv", "sequence_alignment_aa_heavy\nEVQL\nQVQL\n")

	first, err := LoadDir(dir, "", -1)
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(dir, cacheFile))

	// The cache now short-circuits CSV parsing: even with the CSV gone the same
	// sequences come back.
	require.NoError(t, os.Remove(filepath.Join(dir, "train.csv")))
	second, err := LoadDir(dir, "", -1)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// A different column ignores the cache, and with the CSV gone it must fail.
	_, err = LoadDir(dir, "sequence_alignment_aa_light", -1)
	assert.Error(t, err)
}

func TestLoadDirCorruptCacheFallsBack(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "train.csv", "sequence_alignment_aa_heavy\nEVQL\nQVQL\n")

	// A torn cache, as left by a concurrent writer that died mid-write, must be
	// treated as a miss and rebuilt from the CSVs.
	require.NoError(t, os.WriteFile(filepath.Join(dir, cacheFile), []byte("garbage"), 0644))
	seqs, err := LoadDir(dir, "", -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"EVQL", "QVQL"}, seqs)

	// And the rebuilt cache is valid again.
	require.NoError(t, os.Remove(filepath.Join(dir, "train.csv")))
	seqs, err = LoadDir(dir, "", -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"EVQL", "QVQL"}, seqs)
}

func TestLoadDirMissingColumn(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "train.csv", "id,sequence\n1,EVQL\n")
	_, err := LoadDir(dir, "", -1)
	require.ErrorContains(t, err, "sequence_alignment_aa_heavy")
}

func TestLoadDirEmpty(t *testing.T) {
	_, err := LoadDir(t.TempDir(), "", -1)
	require.ErrorContains(t, err, "no *.csv files")
}
