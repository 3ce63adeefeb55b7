package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flexinfer/ampliconflow/internal/amplicon"
	"github.com/flexinfer/ampliconflow/internal/config"
)

func newInitCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file with every default spelled out",
		Example: `  ampliconflow init
  ampliconflow init --config run.toml`,
		Args: cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if _, err := os.Stat(a.configPath); err == nil && !force {
				return &configError{err: fmt.Errorf("%s already exists (use --force to overwrite)", a.configPath)}
			}
			cfg := config.Default()
			cfg.Inputs = amplicon.Inputs{
				ForwardReads:  "reads/forward.fastq.gz",
				ReverseReads:  "reads/reverse.fastq.gz",
				Metadata:      "metadata.tsv",
				Classifier:    "classifier.qza",
				BarcodeColumn: amplicon.DefaultBarcodeColumn,
			}
			if err := config.Write(a.configPath, cfg); err != nil {
				return &configError{err: err}
			}
			fmt.Fprintf(a.stdout, "wrote %s; edit the inputs section before running\n", a.configPath)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing config file")
	return cmd
}
