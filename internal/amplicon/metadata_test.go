package amplicon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSheet = "\ufeffsample-id\tbarcode-sequence\tsite\n" +
	"#q2:types\tcategorical\tcategorical\n" +
	"\n" +
	"S1\tacgtacgt\tgut\n" +
	"# excluded\tTTTT\tskin\n" +
	"S.2_b\tGGCCAATT\tskin\n"

func TestReadMetadata(t *testing.T) {
	samples, err := ReadMetadata(strings.NewReader(sampleSheet), "")
	require.NoError(t, err)
	assert.Equal(t, []Sample{
		{Name: "S1", Barcode: "ACGTACGT"},
		{Name: "S.2_b", Barcode: "GGCCAATT"},
	}, samples)
}

func TestReadMetadataCustomColumn(t *testing.T) {
	sheet := "#SampleID\tBC\nA\tAC\n"
	samples, err := ReadMetadata(strings.NewReader(sheet), "bc")
	require.NoError(t, err)
	assert.Equal(t, []Sample{{Name: "A", Barcode: "AC"}}, samples)
}

func TestReadMetadataErrors(t *testing.T) {
	tests := []struct {
		name  string
		sheet string
		want  string
	}{
		{"empty", "", "no header row"},
		{"header only", "sample-id\tbarcode-sequence\n", "no samples"},
		{"bad id header", "name\tbarcode-sequence\nS1\tACGT\n", "not a sample id header"},
		{"missing column", "sample-id\tother\nS1\tACGT\n", `no "barcode-sequence" column`},
		{"duplicate", "id\tbarcode-sequence\nS1\tACGT\nS1\tTTTT\n", `sample id "S1" already used on line 2`},
		{"bad barcode", "id\tbarcode-sequence\nS1\tACXT\n", `invalid barcode "ACXT"`},
		{"short row", "id\tbarcode-sequence\nS1\n", `invalid barcode ""`},
		{"bad name", "id\tbarcode-sequence\nS 1\tACGT\n", `sample id "S 1"`},
		{"shared barcode", "id\tbarcode-sequence\nS1\tACGT\nS2\tacgt\n", "line 3: sample S2 reuses barcode ACGT of sample S1"},
		{"reserved name", "id\tbarcode-sequence\nunknown\tACGT\n", `sample id "unknown" is reserved`},
		{"reserved name any case", "id\tbarcode-sequence\nUnknown\tACGT\n", "is reserved"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadMetadata(strings.NewReader(tt.sheet), "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestReadMetadataFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "metadata.tsv")
	require.NoError(t, os.WriteFile(p, []byte(sampleSheet), 0o644))

	samples, err := ReadMetadataFile(p, "")
	require.NoError(t, err)
	assert.Len(t, samples, 2)

	_, err = ReadMetadataFile(filepath.Join(dir, "missing.tsv"), "")
	assert.ErrorContains(t, err, "open metadata")
}
