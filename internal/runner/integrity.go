package runner

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// hdf5Magic opens every HDF5 file, which is the BIOM 2 table format.
var hdf5Magic = []byte{0x89, 'H', 'D', 'F', '\r', '\n', 0x1a, '\n'}

// checkOutput reports why an existing output should not be reused, or nil.
// The checks are cheap: headers and archive directories, never full reads.
func checkOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return nil
	}
	if info.Size() == 0 {
		return errors.New("file is empty")
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".qza", ".qzv":
		return checkZip(path)
	case ".gz":
		return checkGzip(path)
	case ".biom":
		return checkBiom(path)
	}
	return nil
}

func checkZip(path string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("not a readable archive: %w", err)
	}
	defer zr.Close()
	if len(zr.File) == 0 {
		return errors.New("archive has no entries")
	}
	return nil
}

func checkGzip(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("not a readable gzip stream: %w", err)
	}
	defer zr.Close()
	if _, err := zr.Read(make([]byte, 1)); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("not a readable gzip stream: %w", err)
	}
	return nil
}

func checkBiom(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	head := make([]byte, len(hdf5Magic))
	if _, err := io.ReadFull(f, head); err != nil {
		return fmt.Errorf("truncated table: %w", err)
	}
	// BIOM 1.0 tables are JSON documents.
	if bytes.Equal(head, hdf5Magic) || head[0] == '{' {
		return nil
	}
	return errors.New("not a BIOM table")
}
