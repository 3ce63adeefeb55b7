// Package runstore provides run state persistence and event streaming.
package runstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/ampliconflow/pkg/types"
)

// Common errors returned by RunStore implementations.
var (
	ErrRunNotFound       = errors.New("run not found")
	ErrInvalidTransition = errors.New("invalid run status transition")
)

// RunStore defines the interface for run state persistence and event streaming.
// Implementations must be safe for concurrent use.
type RunStore interface {
	// Run lifecycle
	CreateRun(ctx context.Context, spec *types.Run) (string, error)
	GetRunMeta(ctx context.Context, runID string) (*types.RunMeta, error)
	GetRun(ctx context.Context, runID string) (*types.Run, error)
	// ListRuns returns all runs, newest first.
	ListRuns(ctx context.Context) ([]*types.RunMeta, error)
	// UpdateRunStatus moves the run along not_started -> running ->
	// completed|failed, stamping start and finish times. Terminal states are final.
	UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, failure *types.Failure) error

	// Execution log
	AppendRecord(ctx context.Context, runID string, rec *types.ExecutionRecord) error
	ListRecords(ctx context.Context, runID string) ([]types.ExecutionRecord, error)

	// Event streaming
	// AppendEvent adds an event to the run's event stream and returns the created event.
	AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error)

	// GetEventsSince returns events after the given event ID (exclusive).
	// If lastEventID is empty, returns all events from the beginning.
	GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error)

	// Subscribe returns a channel that receives new events for the run.
	// The cleanup function must be called when done to release resources.
	// The channel is closed once the run reaches a terminal status.
	Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error)

	// Diagnostics
	AdapterInfo(ctx context.Context) (map[string]interface{}, error)

	// Cleanup
	Close() error
}

// Config holds configuration for RunStore implementations.
type Config struct {
	// Maximum number of events to keep per run (ring buffer)
	EventMaxLen int64

	// TTL for runs in seconds (0 = no expiry)
	TTLSeconds int64

	// PollInterval is how often polling subscribers check for new events.
	PollInterval time.Duration
}

// DefaultConfig returns sensible defaults for RunStore configuration.
func DefaultConfig() *Config {
	return &Config{
		EventMaxLen:  5000,
		TTLSeconds:   30 * 24 * 60 * 60, // 30 days
		PollInterval: 500 * time.Millisecond,
	}
}

func generateRunID() string {
	return uuid.NewString()
}

// checkTransition enforces the run state machine.
func checkTransition(from, to types.RunStatus) error {
	switch {
	case from.IsTerminal():
		return fmt.Errorf("%w: %s is final", ErrInvalidTransition, from)
	case from == to:
		return nil
	case from == types.RunStatusNotStarted && to != types.RunStatusNotStarted:
		return nil
	case from == types.RunStatusRunning && to.IsTerminal():
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// applyStatus updates status and timestamps on a run copy.
func applyStatus(run *types.Run, status types.RunStatus, failure *types.Failure, now time.Time) {
	run.Status = status
	run.UpdatedAt = now
	if status == types.RunStatusRunning && run.StartedAt == nil {
		t := now
		run.StartedAt = &t
	}
	if status.IsTerminal() {
		if run.StartedAt == nil {
			t := now
			run.StartedAt = &t
		}
		t := now
		run.FinishedAt = &t
	}
	if failure != nil {
		f := *failure
		run.Failure = &f
	}
}

func sortMetas(metas []*types.RunMeta) {
	sort.SliceStable(metas, func(i, j int) bool {
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})
}
