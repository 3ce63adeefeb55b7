package amplicon

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

// DefaultBarcodeColumn is the metadata column holding each sample's barcode.
const DefaultBarcodeColumn = "barcode-sequence"

// idHeaders are the accepted names of the sample identifier column, compared
// case-insensitively.
var idHeaders = map[string]bool{
	"id":          true,
	"sampleid":    true,
	"sample id":   true,
	"sample-id":   true,
	"sample_id":   true,
	"#sampleid":   true,
	"#sample id":  true,
	"sample_name": true,
}

var (
	sampleNameRE = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	barcodeRE    = regexp.MustCompile(`^[ACGTNacgtn]+$`)
)

// reservedSampleName is the name cutadapt gives reads matching no barcode.
const reservedSampleName = "unknown"

// Sample is one row of the metadata sheet.
type Sample struct {
	Name    string
	Barcode string
}

// ReadMetadataFile parses the metadata TSV at path.
func ReadMetadataFile(path, barcodeColumn string) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open metadata: %w", err)
	}
	defer f.Close()
	samples, err := ReadMetadata(f, barcodeColumn)
	if err != nil {
		return nil, fmt.Errorf("metadata %s: %w", path, err)
	}
	return samples, nil
}

// ReadMetadata parses a QIIME 2 style sample metadata TSV. The first column
// is the sample id; "#q2:" directive rows and blank lines are ignored.
func ReadMetadata(r io.Reader, barcodeColumn string) ([]Sample, error) {
	if barcodeColumn == "" {
		barcodeColumn = DefaultBarcodeColumn
	}

	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var (
		header  []string
		barcode = -1
		samples []Sample
		seen    = map[string]int{}
		seenBC  = map[string]string{}
		line    int
	)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse: %w", err)
		}
		line, _ = cr.FieldPos(0)
		if len(rec) == 0 || (len(rec) == 1 && strings.TrimSpace(rec[0]) == "") {
			continue
		}
		first := strings.TrimSpace(strings.TrimPrefix(rec[0], "\ufeff"))
		if strings.HasPrefix(strings.ToLower(first), "#q2:") {
			continue
		}

		if header == nil {
			if !idHeaders[strings.ToLower(first)] {
				return nil, fmt.Errorf("line %d: first column %q is not a sample id header", line, first)
			}
			header = rec
			for i, h := range rec {
				if strings.EqualFold(strings.TrimSpace(h), barcodeColumn) {
					barcode = i
				}
			}
			if barcode < 0 {
				return nil, fmt.Errorf("line %d: no %q column", line, barcodeColumn)
			}
			continue
		}
		if strings.HasPrefix(first, "#") {
			continue
		}

		if !sampleNameRE.MatchString(first) {
			return nil, fmt.Errorf("line %d: sample id %q must contain only letters, digits, '.', '_' or '-'", line, first)
		}
		if strings.EqualFold(first, reservedSampleName) {
			return nil, fmt.Errorf("line %d: sample id %q is reserved for unassigned reads", line, first)
		}
		if prev, dup := seen[first]; dup {
			return nil, fmt.Errorf("line %d: sample id %q already used on line %d", line, first, prev)
		}
		seen[first] = line

		bc := ""
		if barcode < len(rec) {
			bc = strings.TrimSpace(rec[barcode])
		}
		if !barcodeRE.MatchString(bc) {
			return nil, fmt.Errorf("line %d: sample %s has invalid barcode %q", line, first, bc)
		}
		bc = strings.ToUpper(bc)
		if other, dup := seenBC[bc]; dup {
			return nil, fmt.Errorf("line %d: sample %s reuses barcode %s of sample %s", line, first, bc, other)
		}
		seenBC[bc] = first
		samples = append(samples, Sample{Name: first, Barcode: bc})
	}

	if header == nil {
		return nil, errors.New("no header row")
	}
	if len(samples) == 0 {
		return nil, errors.New("no samples")
	}
	return samples, nil
}
