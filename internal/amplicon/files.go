package amplicon

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ManifestFormat is the QIIME 2 import format of the manifest written by
// WriteManifest.
const ManifestFormat = "PairedEndFastqManifestPhred33V2"

// WriteBarcodes writes one 5'-anchored adapter record per sample, the form
// cutadapt expects for "-g file:".
func WriteBarcodes(w io.Writer, samples []Sample) error {
	bw := bufio.NewWriter(w)
	for _, s := range samples {
		if _, err := fmt.Fprintf(bw, ">%s\n^%s\n", s.Name, s.Barcode); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// DemuxPair returns the forward and reverse file names cutadapt writes for a
// sample, relative to the demultiplexing directory.
func DemuxPair(sample string) (string, string) {
	return sample + "_R1.fastq.gz", sample + "_R2.fastq.gz"
}

// WriteManifest writes the import manifest for the demultiplexed pairs in
// demuxDir. Every sample must have both files.
func WriteManifest(w io.Writer, samples []Sample, demuxDir string) error {
	abs, err := filepath.Abs(demuxDir)
	if err != nil {
		return err
	}

	var missing []string
	rows := make([]string, 0, len(samples))
	for _, s := range samples {
		fwdName, revName := DemuxPair(s.Name)
		fwd := filepath.Join(abs, fwdName)
		rev := filepath.Join(abs, revName)
		for _, p := range []string{fwd, rev} {
			if _, err := os.Stat(p); err != nil {
				missing = append(missing, p)
			}
		}
		rows = append(rows, strings.Join([]string{s.Name, fwd, rev}, "\t"))
	}
	if len(missing) > 0 {
		return fmt.Errorf("demultiplexed reads missing: %s", strings.Join(missing, ", "))
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "sample-id\tforward-absolute-filepath\treverse-absolute-filepath")
	for _, row := range rows {
		fmt.Fprintln(bw, row)
	}
	return bw.Flush()
}

// WriteFileAtomic writes through a temporary file and renames it into place
// so a failed helper stage never leaves a partial output behind.
func WriteFileAtomic(path string, write func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
