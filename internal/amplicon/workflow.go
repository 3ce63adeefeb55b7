package amplicon

import (
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/flexinfer/ampliconflow/internal/pipeline"
)

// PipelineName names the pipeline built by Build.
const PipelineName = "amplicon"

// Workdir-relative file names shared between stages.
const (
	BarcodesFile       = "barcodes.fasta"
	DemuxDir           = "demux"
	ManifestFile       = "manifest.tsv"
	DemuxArtifact      = "demux.qza"
	TableArtifact      = "table.qza"
	RepSeqsArtifact    = "rep-seqs.qza"
	StatsArtifact      = "denoising-stats.qza"
	TaxonomyArtifact   = "taxonomy.qza"
	FilteredArtifact   = "table-filtered.qza"
	TransposedArtifact = "table-transposed.qza"
)

// Inputs are the external files the workflow consumes. Stage commands run in
// the working directory, so relative paths are resolved against it.
type Inputs struct {
	ForwardReads  string `yaml:"forward_reads" toml:"forward_reads" json:"forward_reads"`
	ReverseReads  string `yaml:"reverse_reads" toml:"reverse_reads" json:"reverse_reads"`
	Metadata      string `yaml:"metadata" toml:"metadata" json:"metadata"`
	Classifier    string `yaml:"classifier" toml:"classifier" json:"classifier"`
	BarcodeColumn string `yaml:"barcode_column,omitempty" toml:"barcode_column,omitempty" json:"barcode_column,omitempty"`
}

// Validate checks that every mandatory input is named.
func (in Inputs) Validate() error {
	var errs []error
	for _, f := range []struct{ name, value string }{
		{"forward_reads", in.ForwardReads},
		{"reverse_reads", in.ReverseReads},
		{"metadata", in.Metadata},
		{"classifier", in.Classifier},
	} {
		if strings.TrimSpace(f.value) == "" {
			errs = append(errs, fmt.Errorf("inputs.%s is required", f.name))
		}
	}
	return errors.Join(errs...)
}

// CollapsedArtifact is the collapsed table for one taxonomic level.
func CollapsedArtifact(level int) string { return fmt.Sprintf("collapsed/level-%d.qza", level) }

// ExportDir is where the collapsed table for a level is exported.
func ExportDir(level int) string { return fmt.Sprintf("exported/level-%d", level) }

// ExportedTable is the BIOM table inside ExportDir.
func ExportedTable(level int) string { return path.Join(ExportDir(level), "feature-table.biom") }

// LevelTable is the final tab-separated table for a level.
func LevelTable(level int) string { return fmt.Sprintf("tables/level-%d.tsv", level) }

// FinalArtifacts lists the files a completed run leaves for publishing.
func FinalArtifacts(params Params) []string {
	out := []string{TaxonomyArtifact, FilteredArtifact, TransposedArtifact}
	for _, lvl := range params.Levels() {
		out = append(out, LevelTable(lvl))
	}
	return out
}

// Build reads the sample sheet and returns the workflow pipeline.
func Build(in Inputs, params Params, tools Tools, resolve func(string) string) (*pipeline.Pipeline, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if resolve == nil {
		resolve = func(p string) string { return p }
	}
	samples, err := ReadMetadataFile(resolve(in.Metadata), in.BarcodeColumn)
	if err != nil {
		return nil, err
	}
	return BuildWithSamples(in, params, tools, samples)
}

// BuildWithSamples returns the workflow pipeline for a known sample list.
func BuildWithSamples(in Inputs, params Params, tools Tools, samples []Sample) (*pipeline.Pipeline, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if len(samples) == 0 {
		return nil, errors.New("no samples")
	}
	barcodeColumn := in.BarcodeColumn
	if barcodeColumn == "" {
		barcodeColumn = DefaultBarcodeColumn
	}
	threads := strconv.Itoa(params.Threads)

	demuxFiles := make([]string, 0, 2*len(samples))
	for _, s := range samples {
		fwd, rev := DemuxPair(s.Name)
		demuxFiles = append(demuxFiles, path.Join(DemuxDir, fwd), path.Join(DemuxDir, rev))
	}

	stages := []pipeline.Stage{
		pipeline.NewStage("barcodes",
			[]string{tools.Self.Path, "barcodes",
				"--metadata", in.Metadata,
				"--barcode-column", barcodeColumn,
				"--out", BarcodesFile},
			[]string{in.Metadata},
			[]string{BarcodesFile}),

		pipeline.NewStage("demultiplex",
			[]string{tools.Cutadapt.Path,
				"-e", strconv.FormatFloat(params.ErrorRate, 'g', -1, 64),
				"--no-indels",
				"-O", strconv.Itoa(params.MinOverlap),
				"-j", threads,
				"-g", "file:" + BarcodesFile,
				"-o", path.Join(DemuxDir, "{name}_R1.fastq.gz"),
				"-p", path.Join(DemuxDir, "{name}_R2.fastq.gz"),
				in.ForwardReads, in.ReverseReads},
			[]string{in.ForwardReads, in.ReverseReads, BarcodesFile},
			demuxFiles),

		pipeline.NewStage("manifest",
			[]string{tools.Self.Path, "manifest",
				"--metadata", in.Metadata,
				"--barcode-column", barcodeColumn,
				"--demux-dir", DemuxDir,
				"--out", ManifestFile},
			append([]string{in.Metadata}, demuxFiles...),
			[]string{ManifestFile}),

		pipeline.NewStage("import",
			[]string{tools.Qiime.Path, "tools", "import",
				"--type", "SampleData[PairedEndSequencesWithQuality]",
				"--input-path", ManifestFile,
				"--input-format", ManifestFormat,
				"--output-path", DemuxArtifact},
			[]string{ManifestFile},
			[]string{DemuxArtifact}),

		pipeline.NewStage("denoise",
			[]string{tools.Qiime.Path, "dada2", "denoise-paired",
				"--i-demultiplexed-seqs", DemuxArtifact,
				"--p-trim-left-f", strconv.Itoa(params.TrimLeftForward),
				"--p-trim-left-r", strconv.Itoa(params.TrimLeftReverse),
				"--p-trunc-len-f", strconv.Itoa(params.TruncLenForward),
				"--p-trunc-len-r", strconv.Itoa(params.TruncLenReverse),
				"--p-n-threads", threads,
				"--o-table", TableArtifact,
				"--o-representative-sequences", RepSeqsArtifact,
				"--o-denoising-stats", StatsArtifact},
			[]string{DemuxArtifact},
			[]string{TableArtifact, RepSeqsArtifact, StatsArtifact}),

		pipeline.NewStage("classify",
			[]string{tools.Qiime.Path, "feature-classifier", "classify-sklearn",
				"--i-classifier", in.Classifier,
				"--i-reads", RepSeqsArtifact,
				"--p-n-jobs", sklearnJobs(params.Threads),
				"--o-classification", TaxonomyArtifact},
			[]string{in.Classifier, RepSeqsArtifact},
			[]string{TaxonomyArtifact}),

		pipeline.NewStage("filter",
			filterCommand(tools, params),
			[]string{TableArtifact, TaxonomyArtifact},
			[]string{FilteredArtifact}),

		pipeline.NewStage("transpose",
			[]string{tools.Qiime.Path, "feature-table", "transpose",
				"--i-table", FilteredArtifact,
				"--o-transposed-feature-table", TransposedArtifact},
			[]string{FilteredArtifact},
			[]string{TransposedArtifact}),
	}

	for _, lvl := range params.Levels() {
		n := strconv.Itoa(lvl)
		stages = append(stages,
			pipeline.NewStage("collapse-L"+n,
				[]string{tools.Qiime.Path, "taxa", "collapse",
					"--i-table", FilteredArtifact,
					"--i-taxonomy", TaxonomyArtifact,
					"--p-level", n,
					"--o-collapsed-table", CollapsedArtifact(lvl)},
				[]string{FilteredArtifact, TaxonomyArtifact},
				[]string{CollapsedArtifact(lvl)}),

			pipeline.NewStage("export-L"+n,
				[]string{tools.Qiime.Path, "tools", "export",
					"--input-path", CollapsedArtifact(lvl),
					"--output-path", ExportDir(lvl)},
				[]string{CollapsedArtifact(lvl)},
				[]string{ExportedTable(lvl)}),

			pipeline.NewStage("convert-L"+n,
				[]string{tools.Biom.Path, "convert",
					"-i", ExportedTable(lvl),
					"-o", LevelTable(lvl),
					"--to-tsv"},
				[]string{ExportedTable(lvl)},
				[]string{LevelTable(lvl)}),
		)
	}

	return pipeline.New(PipelineName, stages...), nil
}

// sklearnJobs maps the thread count to scikit-learn's n_jobs, where -1
// means all cores.
func sklearnJobs(threads int) string {
	if threads == 0 {
		return "-1"
	}
	return strconv.Itoa(threads)
}

// filterCommand drops features classified as any excluded taxon. With nothing
// to exclude it copies the table through, since taxa filter-table requires an
// include or exclude list.
func filterCommand(tools Tools, params Params) []string {
	if len(params.ExcludeTaxa) == 0 {
		return []string{tools.Qiime.Path, "feature-table", "filter-features",
			"--i-table", TableArtifact,
			"--p-min-frequency", "0",
			"--o-filtered-table", FilteredArtifact}
	}
	return []string{tools.Qiime.Path, "taxa", "filter-table",
		"--i-table", TableArtifact,
		"--i-taxonomy", TaxonomyArtifact,
		"--p-exclude", strings.Join(params.ExcludeTaxa, ","),
		"--p-mode", "contains",
		"--o-filtered-table", FilteredArtifact}
}
