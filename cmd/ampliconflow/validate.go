package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flexinfer/ampliconflow/internal/pipeline"
	"github.com/flexinfer/ampliconflow/internal/validator"
)

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config, inputs and stage wiring without running anything",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			workdir, err := a.absWorkdir()
			if err != nil {
				return err
			}
			p, err := buildPipeline(cfg)
			if err != nil {
				return err
			}
			if err := p.Validate(workdir); err != nil {
				return err
			}

			v, err := validator.New()
			if err != nil {
				return err
			}
			if res := v.ValidatePlan(p.Plan()); !res.Valid {
				return &pipeline.ValidationError{Reason: "plan: " + res.Err().Error()}
			}

			fmt.Fprintf(a.stdout, "%s: %s pipeline with %d stages\n",
				statusStyle("succeeded").Render("valid"), p.Name(), p.Len())
			return nil
		},
	}
}

func newGraphCmd(a *app) *cobra.Command {
	var order bool
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the stage dependency graph in DOT format",
		Example: `  ampliconflow graph | dot -Tsvg > stages.svg
  ampliconflow graph --order`,
		Args: cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			p, err := buildPipeline(cfg)
			if err != nil {
				return err
			}
			if !order {
				return p.WriteDOT(a.stdout)
			}
			names, err := p.ExecutionOrder()
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, strings.Join(names, "\n"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&order, "order", false, "print stage names in execution order instead")
	return cmd
}
