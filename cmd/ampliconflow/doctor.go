package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/flexinfer/ampliconflow/internal/driver"
)

func newDoctorCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that every external tool runs and reports the expected version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			workdir, err := a.absWorkdir()
			if err != nil {
				return err
			}

			drv := driver.NewLocalSubprocessDriver(nil, &driver.SubprocessConfig{OutputLimit: 4096})
			statuses := resolveTools(cfg.Tools).Check(cmd.Context(), drv, workdir)

			nameCol := lipgloss.NewStyle().Width(10)
			failed := 0
			for _, st := range statuses {
				mark, detail := statusStyle("succeeded").Render("ok  "), st.Version
				if !st.OK {
					failed++
					mark, detail = statusStyle("failed").Render("FAIL"), st.Problem
				}
				fmt.Fprintf(a.stdout, "%s %s%s  %s\n", mark, nameCol.Render(st.Name), st.Path, detail)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d tools failed their check", failed, len(statuses))
			}
			return nil
		},
	}
}
