package main

import (
	"errors"
	"fmt"

	"github.com/flexinfer/ampliconflow/internal/pipeline"
	"github.com/flexinfer/ampliconflow/internal/runner"
	"github.com/flexinfer/ampliconflow/pkg/types"
)

// Process exit codes.
const (
	exitOK                  = 0
	exitInternal            = 1
	exitConfig              = 2
	exitValidation          = 3
	exitExecution           = 4
	exitOutputMissing       = 5
	exitResumeInconsistency = 6
	exitWorkdirBusy         = 7
	exitCancelled           = 130
)

// configError wraps a config file that could not be loaded.
type configError struct{ err error }

func (e *configError) Error() string { return "config: " + e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// usageError wraps a bad flag or argument.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	var ce *configError
	var ue *usageError
	switch {
	case errors.As(err, &ce), errors.As(err, &ue):
		return exitConfig
	case runner.IsCancelled(err):
		return exitCancelled
	case errors.Is(err, pipeline.ErrWorkdirBusy):
		return exitWorkdirBusy
	}

	var c pipeline.Classified
	if !errors.As(err, &c) {
		return exitInternal
	}
	switch c.Kind() {
	case types.FailureValidation:
		return exitValidation
	case types.FailureExecution:
		return exitExecution
	case types.FailureOutputMissing:
		return exitOutputMissing
	case types.FailureResumeInconsistency:
		return exitResumeInconsistency
	default:
		return exitInternal
	}
}

// describeError names the failing stage when there is one.
func describeError(err error) string {
	if f := pipeline.FailureFrom(err); f != nil && f.Stage != "" {
		return fmt.Sprintf("stage %s failed: %s", f.Stage, f.Reason)
	}
	return err.Error()
}
