// Package oas loads antibody sequence corpora from the Observed Antibody Space
// exports (CSV files of amino-acid strings) and serves them as GoMLX train.Dataset
// batches with masked-language-model collation and distributed sharding.
package oas

import (
	"encoding/csv"
	"encoding/gob"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// DefaultColumn is the CSV column holding the heavy-chain amino-acid sequence in
	// the OAS paired exports.
	DefaultColumn = "sequence_alignment_aa_heavy"

	// cacheFile holds the parsed sequences of a directory, to skip re-parsing the
	// CSVs on restarts. It lives next to the data.
	cacheFile = "protlm-sequences.bin"
)

// DownloadURLs for the OAS paired human SARS-CoV-2 subset mirrored on HuggingFace,
// used when no local training data is given.
var DownloadURLs = map[string]string{
	"train.csv": "https://huggingface.co/datasets/bloyal/oas_paired_human_sars_cov_2/resolve/main/train.csv",
	"test.csv":  "https://huggingface.co/datasets/bloyal/oas_paired_human_sars_cov_2/resolve/main/test.csv",
}

// LoadDir reads every *.csv file under dir and returns the values of the given column.
// If sampleCount > 0 at most that many sequences are returned, in file order.
//
// Parsed sequences are cached in a gob file inside dir; the cache is ignored when it
// was created for a different column.
func LoadDir(dir, column string, sampleCount int) ([]string, error) {
	if column == "" {
		column = DefaultColumn
	}
	seqs, loaded, err := loadBinary(dir, column)
	if err != nil {
		// A torn or corrupt cache (e.g. another rank was mid-write) is a cache
		// miss, not a failure: the CSVs are still there.
		klog.Warningf("ignoring unreadable sequence cache in %q: %v", dir, err)
		loaded = false
	}
	if !loaded {
		seqs, err = parseDir(dir, column)
		if err != nil {
			return nil, err
		}
		if err = saveBinary(dir, column, seqs); err != nil {
			klog.Warningf("failed to write sequence cache in %q: %v", dir, err)
		}
	}
	if sampleCount > 0 && sampleCount < len(seqs) {
		seqs = seqs[:sampleCount]
	}
	klog.V(1).Infof("loaded %s sequences from %q (column %q)",
		humanize.Comma(int64(len(seqs))), dir, column)
	return seqs, nil
}

func parseDir(dir, column string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list data directory %q", dir)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".csv") {
			continue
		}
		files = append(files, entry.Name())
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no *.csv files in data directory %q", dir)
	}
	sort.Strings(files)

	var seqs []string
	for _, name := range files {
		fileSeqs, err := parseCSV(filepath.Join(dir, name), column)
		if err != nil {
			return nil, err
		}
		seqs = append(seqs, fileSeqs...)
	}
	return seqs, nil
}

func parseCSV(csvPath, column string) ([]string, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", csvPath)
	}
	defer func() { _ = f.Close() }()

	reader := csv.NewReader(f)
	reader.ReuseRecord = true
	header, err := reader.Read()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read CSV header of %q", csvPath)
	}
	columnIdx := -1
	for idx, name := range header {
		if name == column {
			columnIdx = idx
			break
		}
	}
	if columnIdx == -1 {
		return nil, errors.Errorf("column %q not found in %q, columns are %v", column, csvPath, header)
	}

	var seqs []string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %q", csvPath)
		}
		seq := strings.TrimSpace(record[columnIdx])
		if seq == "" {
			continue
		}
		seqs = append(seqs, seq)
	}
	return seqs, nil
}

func loadBinary(dir, column string) (seqs []string, loaded bool, err error) {
	f, err := os.Open(path.Join(dir, cacheFile))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to open sequence cache in %q", dir)
	}
	defer func() { _ = f.Close() }()

	dec := gob.NewDecoder(f)
	var cachedColumn string
	if err := dec.Decode(&cachedColumn); err != nil {
		return nil, false, errors.Wrapf(err, "failed reading sequence cache in %q", dir)
	}
	if cachedColumn != column {
		// Cache built for another column, force a re-parse.
		return nil, false, nil
	}
	if err := dec.Decode(&seqs); err != nil {
		return nil, false, errors.Wrapf(err, "failed reading sequence cache in %q", dir)
	}
	return seqs, true, nil
}

// saveBinary writes the cache through a temporary file and renames it into
// place: several ranks sharing a data directory may save concurrently, and a
// reader must never see a partially-written cache.
func saveBinary(dir, column string, seqs []string) error {
	f, err := os.CreateTemp(dir, cacheFile+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "failed to create sequence cache in %q", dir)
	}
	tmpPath := f.Name()
	closed := false
	defer func() {
		if !closed {
			_ = f.Close()
		}
		_ = os.Remove(tmpPath) // No-op after a successful rename.
	}()
	enc := gob.NewEncoder(f)
	if err := enc.Encode(column); err != nil {
		return errors.Wrapf(err, "failed writing sequence cache in %q", dir)
	}
	if err := enc.Encode(seqs); err != nil {
		return errors.Wrapf(err, "failed writing sequence cache in %q", dir)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "failed writing sequence cache in %q", dir)
	}
	closed = true
	return errors.Wrapf(os.Rename(tmpPath, path.Join(dir, cacheFile)),
		"failed to commit sequence cache in %q", dir)
}

// Download fetches the named OAS paired SARS-CoV-2 CSVs (keys of DownloadURLs)
// into baseDir, skipping files already present. Call on one process per host only.
func Download(baseDir string, files ...string) error {
	if err := os.MkdirAll(baseDir, 0777); err != nil {
		return errors.Wrapf(err, "failed to create %q", baseDir)
	}
	for _, name := range files {
		url, found := DownloadURLs[name]
		if !found {
			return errors.Errorf("no download URL known for %q", name)
		}
		if err := downloadFile(url, filepath.Join(baseDir, name)); err != nil {
			return err
		}
	}
	return nil
}

func downloadFile(url, destPath string) error {
	if _, err := os.Stat(destPath); err == nil {
		return nil
	}
	klog.Infof("downloading %s -> %s", url, destPath)
	client := &http.Client{Timeout: 10 * time.Minute}
	resp, err := client.Get(url)
	if err != nil {
		return errors.Wrapf(err, "failed to download %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("download of %q failed: %s", url, resp.Status)
	}
	destFile, err := os.Create(destPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", destPath)
	}
	written, err := io.Copy(destFile, resp.Body)
	if err != nil {
		_ = destFile.Close()
		return errors.Wrapf(err, "failed to write %q", destPath)
	}
	if err = destFile.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", destPath)
	}
	klog.Infof("downloaded %s (%s)", destPath, humanize.Bytes(uint64(written)))
	return nil
}
