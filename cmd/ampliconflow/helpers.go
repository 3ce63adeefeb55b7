package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/flexinfer/ampliconflow/internal/amplicon"
)

// The barcodes and manifest commands are the helper stages of the workflow.
// They run inside the working directory and are hidden from help output.

func newBarcodesCmd(*app) *cobra.Command {
	var metadata, column, out string
	cmd := &cobra.Command{
		Use:    "barcodes",
		Short:  "Write the cutadapt barcode FASTA for a metadata sheet",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			samples, err := amplicon.ReadMetadataFile(metadata, column)
			if err != nil {
				return err
			}
			return amplicon.WriteFileAtomic(out, func(w io.Writer) error {
				return amplicon.WriteBarcodes(w, samples)
			})
		},
	}
	cmd.Flags().StringVar(&metadata, "metadata", "", "sample metadata TSV")
	cmd.Flags().StringVar(&column, "barcode-column", amplicon.DefaultBarcodeColumn, "metadata column holding the barcode")
	cmd.Flags().StringVar(&out, "out", amplicon.BarcodesFile, "output FASTA")
	_ = cmd.MarkFlagRequired("metadata")
	return cmd
}

func newManifestCmd(*app) *cobra.Command {
	var metadata, column, demuxDir, out string
	cmd := &cobra.Command{
		Use:    "manifest",
		Short:  "Write the paired-end import manifest for the demultiplexed reads",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			samples, err := amplicon.ReadMetadataFile(metadata, column)
			if err != nil {
				return err
			}
			return amplicon.WriteFileAtomic(out, func(w io.Writer) error {
				return amplicon.WriteManifest(w, samples, demuxDir)
			})
		},
	}
	cmd.Flags().StringVar(&metadata, "metadata", "", "sample metadata TSV")
	cmd.Flags().StringVar(&column, "barcode-column", amplicon.DefaultBarcodeColumn, "metadata column holding the barcode")
	cmd.Flags().StringVar(&demuxDir, "demux-dir", amplicon.DemuxDir, "directory holding the demultiplexed reads")
	cmd.Flags().StringVar(&out, "out", amplicon.ManifestFile, "output manifest")
	_ = cmd.MarkFlagRequired("metadata")
	return cmd
}
