// Package driver provides abstractions for executing pipeline stages.
package driver

import (
	"context"
	"time"
)

// Exit codes reported for processes that did not exit on their own.
const (
	ExitCodeStartFailed = 127
	ExitCodeTimeout     = 124
	ExitCodeCancelled   = 130
)

// Request describes one command invocation.
type Request struct {
	RunID   string
	Stage   string
	Command []string
	// Dir is the working directory of the process (empty = inherit).
	Dir string
	// Env holds additional environment variables.
	Env map[string]string
	// Timeout bounds the run time (0 = no timeout).
	Timeout time.Duration
}

// Result is what a driver observed about a finished process.
type Result struct {
	ExitCode int
	// Output holds stdout and stderr interleaved in arrival order, keeping
	// the tail when the process wrote more than the configured limit.
	Output    []byte
	Truncated bool
	Started   time.Time
	Finished  time.Time
	// Interrupted is set when the process was killed by timeout or cancellation.
	Interrupted bool
}

// Driver defines the interface for executing stage commands.
// Implementations block until the process has exited.
type Driver interface {
	// Run executes the command and returns its result. A non-nil error means
	// the process could not be run at all; a non-zero exit is reported
	// through Result.ExitCode.
	Run(ctx context.Context, req *Request) (*Result, error)
}

// EventEmitter is called by drivers to publish per-line output events.
type EventEmitter interface {
	EmitLog(ctx context.Context, runID, stage, stream, line string) error
}
