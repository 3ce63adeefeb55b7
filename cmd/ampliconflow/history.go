package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/flexinfer/ampliconflow/pkg/types"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		runID  string
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past runs, or show the records of one run",
		Example: `  ampliconflow history
  ampliconflow history --run 5b7c... --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := a.loadConfigOptional()
			if err != nil {
				return err
			}
			workdir, err := a.absWorkdir()
			if err != nil {
				return err
			}
			store, err := a.openStore(cfg, workdir)
			if err != nil {
				return err
			}
			defer store.Close()

			if runID == "" {
				metas, err := store.ListRuns(ctx)
				if err != nil {
					return err
				}
				if limit > 0 && len(metas) > limit {
					metas = metas[:limit]
				}
				if asJSON {
					return writeJSON(a, metas)
				}
				renderRuns(a, metas)
				return nil
			}

			run, err := store.GetRun(ctx, runID)
			if err != nil {
				return err
			}
			records, err := store.ListRecords(ctx, runID)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(a, types.NewPipelineResult(runID, records, run.Failure))
			}
			renderRecords(a.stdout, records)
			fmt.Fprintln(a.stdout)
			renderSummary(a.stdout, run.ID, run.Status, records, run.Failure)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "show the execution records of this run")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list (0 = all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func writeJSON(a *app, v interface{}) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderRuns(a *app, metas []*types.RunMeta) {
	if len(metas) == 0 {
		fmt.Fprintln(a.stdout, "no runs recorded")
		return
	}
	idCol := lipgloss.NewStyle().Width(38)
	startedCol := lipgloss.NewStyle().Width(22)

	fmt.Fprintln(a.stdout, headerStyle.Render(
		fmt.Sprintf("%-38s%-*s%-22s%s", "RUN", statusWidth+1, "STATUS", "STARTED", "FAILURE")))
	for _, m := range metas {
		started := "-"
		if m.StartedAt != nil {
			started = m.StartedAt.Local().Format(time.DateTime)
		}
		failure := ""
		if m.Failure != nil {
			failure = fmt.Sprintf("%s at %s", m.Failure.Kind, m.Failure.Stage)
		}
		fmt.Fprintln(a.stdout, lipgloss.JoinHorizontal(lipgloss.Top,
			idCol.Render(m.ID),
			statusStyle(string(m.Status)).Width(statusWidth+1).Render(string(m.Status)),
			startedCol.Render(started),
			failure,
		))
	}
}
