package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/flexinfer/ampliconflow/pkg/types"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	keyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(10)
	noteStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).PaddingLeft(2)
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)

	statusStyles = map[string]lipgloss.Style{
		string(types.StageStatusSucceeded): lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		string(types.RunStatusCompleted):   lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		string(types.StageStatusFailed):    lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		string(types.StageStatusSkipped):   lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		string(types.StageStatusPlanned):   lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
		string(types.RunStatusRunning):     lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
	}
)

const (
	stageWidth  = 16
	statusWidth = 11
	exitWidth   = 6
)

func statusStyle(status string) lipgloss.Style {
	if s, ok := statusStyles[status]; ok {
		return s
	}
	return lipgloss.NewStyle()
}

// renderRecords prints one row per execution record. Records that carry an
// error get it on an indented line below.
func renderRecords(w io.Writer, records []types.ExecutionRecord) {
	fmt.Fprintln(w, headerStyle.Render(row("STAGE", "STATUS", "EXIT", "DURATION")))
	for _, rec := range records {
		exit := "-"
		if rec.ExitCode != nil {
			exit = strconv.Itoa(*rec.ExitCode)
		}
		dur := "-"
		if d := rec.Duration(); d > 0 {
			dur = d.Round(time.Millisecond).String()
		}
		fmt.Fprintln(w, lipgloss.JoinHorizontal(lipgloss.Top,
			lipgloss.NewStyle().Width(stageWidth).Render(rec.StageName),
			statusStyle(string(rec.Status)).Width(statusWidth).Render(string(rec.Status)),
			lipgloss.NewStyle().Width(exitWidth).Render(exit),
			dur,
		))
		if rec.Error != "" {
			fmt.Fprintln(w, noteStyle.Render(rec.Error))
		}
	}
}

func row(stage, status, exit, dur string) string {
	return fmt.Sprintf("%-*s%-*s%-*s%s", stageWidth, stage, statusWidth, status, exitWidth, exit, dur)
}

// renderSummary prints the boxed run summary.
func renderSummary(w io.Writer, runID string, status types.RunStatus, records []types.ExecutionRecord, failure *types.Failure) {
	counts := map[types.StageStatus]int{}
	for _, rec := range records {
		counts[rec.Status]++
	}
	var parts []string
	for _, st := range []types.StageStatus{
		types.StageStatusSucceeded, types.StageStatusSkipped, types.StageStatusPlanned, types.StageStatusFailed,
	} {
		if n := counts[st]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, st))
		}
	}

	lines := []string{
		keyStyle.Render("run") + runID,
		keyStyle.Render("status") + statusStyle(string(status)).Render(string(status)),
		keyStyle.Render("stages") + strings.Join(parts, ", "),
	}
	if failure != nil {
		lines = append(lines, keyStyle.Render("failure")+fmt.Sprintf("%s at %s: %s", failure.Kind, failure.Stage, failure.Reason))
	}
	fmt.Fprintln(w, boxStyle.Render(strings.Join(lines, "\n")))
}

// renderResult prints a finished run.
func renderResult(w io.Writer, res *types.PipelineResult) {
	records := res.Records()
	renderRecords(w, records)
	fmt.Fprintln(w)
	renderSummary(w, res.RunID(), res.Status(), records, res.Failure())
}
