package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/flexinfer/ampliconflow/pkg/types"
)

// ErrWorkdirBusy is returned when another run appears to be active in the
// same working directory.
var ErrWorkdirBusy = errors.New("working directory is in use by another run")

// ValidationError reports a pipeline that cannot be run as declared.
type ValidationError struct {
	Stage  string
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	msg := e.Reason
	if e.Path != "" {
		msg = fmt.Sprintf("input %s: %s", e.Path, msg)
	}
	if e.Stage == "" {
		return msg
	}
	return fmt.Sprintf("stage %s: %s", e.Stage, msg)
}

// Kind implements Classified.
func (e *ValidationError) Kind() types.FailureKind { return types.FailureValidation }

// StageName implements Classified.
func (e *ValidationError) StageName() string { return e.Stage }

// DependencyError is the ValidationError raised when a declared input has no
// earlier producer and is not present on disk.
type DependencyError struct {
	Stage string
	Path  string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("stage %s: input %s is not produced by an earlier stage and does not exist", e.Stage, e.Path)
}

// Unwrap exposes the generic ValidationError so callers can match either type.
func (e *DependencyError) Unwrap() error {
	return &ValidationError{Stage: e.Stage, Path: e.Path, Reason: "missing producer"}
}

// Kind implements Classified.
func (e *DependencyError) Kind() types.FailureKind { return types.FailureValidation }

// StageName implements Classified.
func (e *DependencyError) StageName() string { return e.Stage }

// ExecutionError reports a command that exited non-zero, failed to start, or
// was interrupted.
type ExecutionError struct {
	Stage    string
	ExitCode int
	Cause    error
}

func (e *ExecutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stage %s: command failed (exit %d): %v", e.Stage, e.ExitCode, e.Cause)
	}
	return fmt.Sprintf("stage %s: command exited with status %d", e.Stage, e.ExitCode)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// Kind implements Classified.
func (e *ExecutionError) Kind() types.FailureKind { return types.FailureExecution }

// StageName implements Classified.
func (e *ExecutionError) StageName() string { return e.Stage }

// OutputMissingError reports a command that exited 0 without writing every
// declared output.
type OutputMissingError struct {
	Stage string
	Paths []string
}

const outputsMissingPrefix = "command succeeded but declared outputs are missing: "

func (e *OutputMissingError) Error() string {
	return fmt.Sprintf("stage %s: %s%s", e.Stage, outputsMissingPrefix, strings.Join(e.Paths, ", "))
}

// Kind implements Classified.
func (e *OutputMissingError) Kind() types.FailureKind { return types.FailureOutputMissing }

// StageName implements Classified.
func (e *OutputMissingError) StageName() string { return e.Stage }

// ResumeInconsistencyError reports an existing output that looks truncated or
// malformed when resume wanted to reuse it.
type ResumeInconsistencyError struct {
	Stage  string
	Path   string
	Reason string
}

func (e *ResumeInconsistencyError) Error() string {
	return fmt.Sprintf("stage %s: existing output %s cannot be reused: %s", e.Stage, e.Path, e.Reason)
}

// Kind implements Classified.
func (e *ResumeInconsistencyError) Kind() types.FailureKind {
	return types.FailureResumeInconsistency
}

// StageName implements Classified.
func (e *ResumeInconsistencyError) StageName() string { return e.Stage }

// Classified is implemented by every error that can stop a run.
type Classified interface {
	error
	Kind() types.FailureKind
	StageName() string
}

// FailureFrom converts an error into the structured failure stored on a result.
func FailureFrom(err error) *types.Failure {
	if err == nil {
		return nil
	}
	f := &types.Failure{Kind: types.FailureExecution, Reason: err.Error()}
	var c Classified
	if errors.As(err, &c) {
		f.Stage = c.StageName()
		f.Kind = c.Kind()
		f.Reason = strings.TrimPrefix(c.Error(), "stage "+f.Stage+": ")
	}
	if errors.Is(err, ErrWorkdirBusy) {
		f.Kind = types.FailureWorkdirBusy
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		code := ee.ExitCode
		f.ExitCode = &code
	}
	return f
}

// ErrorFromFailure rebuilds a typed error from a stored failure, for callers
// that only have a persisted result.
func ErrorFromFailure(f *types.Failure) error {
	if f == nil {
		return nil
	}
	switch f.Kind {
	case types.FailureValidation:
		return &ValidationError{Stage: f.Stage, Reason: f.Reason}
	case types.FailureOutputMissing:
		paths := strings.Split(strings.TrimPrefix(f.Reason, outputsMissingPrefix), ", ")
		return &OutputMissingError{Stage: f.Stage, Paths: paths}
	case types.FailureResumeInconsistency:
		return &ResumeInconsistencyError{Stage: f.Stage, Reason: f.Reason}
	case types.FailureWorkdirBusy:
		return fmt.Errorf("%w: %s", ErrWorkdirBusy, f.Reason)
	default:
		code := 1
		if f.ExitCode != nil {
			code = *f.ExitCode
		}
		return &ExecutionError{Stage: f.Stage, ExitCode: code, Cause: errors.New(f.Reason)}
	}
}
