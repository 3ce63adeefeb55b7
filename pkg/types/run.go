// Package types provides shared types for ampliconflow runs.
package types

import (
	"encoding/json"
	"time"
)

// RunStatus represents the current state of a pipeline run.
type RunStatus string

const (
	RunStatusNotStarted RunStatus = "not_started"
	RunStatusRunning    RunStatus = "running"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// StageStatus represents the outcome of a single stage within a run.
type StageStatus string

const (
	StageStatusRunning   StageStatus = "running"
	StageStatusSucceeded StageStatus = "succeeded"
	StageStatusFailed    StageStatus = "failed"
	StageStatusSkipped   StageStatus = "skipped"
	StageStatusPlanned   StageStatus = "planned" // dry-run only
)

// FailureKind classifies why a run stopped.
type FailureKind string

const (
	FailureValidation          FailureKind = "validation"
	FailureExecution           FailureKind = "execution"
	FailureOutputMissing       FailureKind = "output_missing"
	FailureResumeInconsistency FailureKind = "resume_inconsistency"
	FailureWorkdirBusy         FailureKind = "workdir_busy"
)

// Run represents a single execution of a pipeline against a working directory.
type Run struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	Workdir    string     `json:"workdir"`
	Status     RunStatus  `json:"status"`
	Plan       *Plan      `json:"plan,omitempty"`
	Resume     bool       `json:"resume,omitempty"`
	DryRun     bool       `json:"dry_run,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Failure    *Failure   `json:"failure,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// RunMeta is a lightweight representation of a run for listing.
type RunMeta struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	Workdir    string     `json:"workdir"`
	Status     RunStatus  `json:"status"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Failure    *Failure   `json:"failure,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Meta returns the listing view of the run.
func (r *Run) Meta() *RunMeta {
	return &RunMeta{
		ID:         r.ID,
		Name:       r.Name,
		Workdir:    r.Workdir,
		Status:     r.Status,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Failure:    r.Failure,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

// Plan is the serialisable description of a pipeline, in execution order.
type Plan struct {
	Stages []StageSpec `json:"stages"`
}

// StageSpec describes one stage of a plan.
type StageSpec struct {
	Name    string   `json:"name"`
	Command []string `json:"command"`
	Inputs  []string `json:"inputs,omitempty"`
	Outputs []string `json:"outputs,omitempty"`
}

// ExecutionRecord captures what happened to one stage during a run.
type ExecutionRecord struct {
	StageName string      `json:"stage_name"`
	Status    StageStatus `json:"status"`
	StartTime time.Time   `json:"start_time"`
	EndTime   time.Time   `json:"end_time"`
	ExitCode  *int        `json:"exit_code,omitempty"` // nil when the command was not invoked
	Output    string      `json:"output,omitempty"`
	Truncated bool        `json:"truncated,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// Duration returns the wall time spent on the stage.
func (r *ExecutionRecord) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// Failure names the stage that stopped a run and why.
type Failure struct {
	Stage    string      `json:"stage_name"`
	Kind     FailureKind `json:"kind"`
	Reason   string      `json:"reason"`
	ExitCode *int        `json:"exit_code,omitempty"`
}

// PipelineResult is the outcome of one run. It is immutable once built.
type PipelineResult struct {
	runID   string
	status  RunStatus
	records []ExecutionRecord
	failure *Failure
}

// NewPipelineResult builds a result, copying records and failure.
func NewPipelineResult(runID string, records []ExecutionRecord, failure *Failure) *PipelineResult {
	res := &PipelineResult{
		runID:   runID,
		status:  RunStatusCompleted,
		records: make([]ExecutionRecord, len(records)),
	}
	copy(res.records, records)
	if failure != nil {
		f := *failure
		res.failure = &f
		res.status = RunStatusFailed
	}
	return res
}

// RunID returns the identifier of the run that produced the result.
func (r *PipelineResult) RunID() string { return r.runID }

// Status returns the terminal run status.
func (r *PipelineResult) Status() RunStatus { return r.status }

// Succeeded reports whether the run completed without failure.
func (r *PipelineResult) Succeeded() bool { return r.failure == nil }

// Records returns a copy of the ordered execution records.
func (r *PipelineResult) Records() []ExecutionRecord {
	out := make([]ExecutionRecord, len(r.records))
	copy(out, r.records)
	return out
}

// Failure returns a copy of the failure, or nil on success.
func (r *PipelineResult) Failure() *Failure {
	if r.failure == nil {
		return nil
	}
	f := *r.failure
	return &f
}

// MarshalJSON renders the result for history output and the API.
func (r *PipelineResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		RunID   string            `json:"run_id"`
		Status  RunStatus         `json:"status"`
		Records []ExecutionRecord `json:"completed_stages"`
		Failure *Failure          `json:"failure,omitempty"`
	}{r.runID, r.status, r.records, r.failure})
}
