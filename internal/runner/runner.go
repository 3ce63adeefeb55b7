// Package runner executes pipelines stage by stage against a working
// directory, recording every stage in the run store.
//
// Stages run strictly in order and the first failure halts the run. With
// resume, a stage whose declared outputs all exist is skipped after a cheap
// integrity check of those outputs. Dry-run validates and reports what would
// happen without invoking any command.
//
// Concurrent runs against one working directory are not supported. The runner
// writes an active-run marker while it works and refuses to start when the
// marker names a live process, but it does not lock the directory.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/ampliconflow/internal/driver"
	"github.com/flexinfer/ampliconflow/internal/metrics"
	"github.com/flexinfer/ampliconflow/internal/pipeline"
	"github.com/flexinfer/ampliconflow/internal/runstore"
	"github.com/flexinfer/ampliconflow/internal/tracing"
	"github.com/flexinfer/ampliconflow/pkg/types"
)

// DefaultOutputLimit bounds the output kept on each execution record.
const DefaultOutputLimit = driver.DefaultOutputLimit

// Options control a single run.
type Options struct {
	// Resume skips stages whose declared outputs already exist.
	Resume bool
	// DryRun validates and plans without invoking any command.
	DryRun bool
	// OutputLimit caps the captured output per record (0 = DefaultOutputLimit).
	OutputLimit int
	// SkipIntegrityCheck reuses existing outputs without inspecting them.
	SkipIntegrityCheck bool
	// RunID overrides the generated run identifier.
	RunID string
}

// Config holds runner configuration.
type Config struct {
	// StageTimeout bounds each command (0 = no timeout).
	StageTimeout time.Duration

	// Env is added to the environment of every stage command.
	Env map[string]string

	// Logger receives run progress (nil = slog.Default()).
	Logger *slog.Logger
}

// Runner executes pipelines. It is safe to use from multiple goroutines for
// different working directories.
type Runner struct {
	store        runstore.RunStore
	driver       driver.Driver
	logger       *slog.Logger
	tracer       trace.Tracer
	stageTimeout time.Duration
	env          map[string]string
}

// New creates a runner. A nil store keeps the execution log in memory only.
func New(store runstore.RunStore, drv driver.Driver, cfg *Config) *Runner {
	if cfg == nil {
		cfg = &Config{}
	}
	if store == nil {
		store = runstore.NewMemoryStore(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:        store,
		driver:       drv,
		logger:       logger,
		tracer:       tracing.Tracer(),
		stageTimeout: cfg.StageTimeout,
		env:          cfg.Env,
	}
}

// run is the mutable state of one Run call.
type run struct {
	id      string
	workdir string
	opts    Options
	logger  *slog.Logger
	records []types.ExecutionRecord
	total   int
}

// Run executes p in workdir. The returned result is never nil once the run
// has been registered; the error is the typed cause of a failed run (see
// the pipeline package error kinds) or an infrastructure error.
func (r *Runner) Run(ctx context.Context, p *pipeline.Pipeline, workdir string, opts Options) (*types.PipelineResult, error) {
	if opts.OutputLimit <= 0 {
		opts.OutputLimit = DefaultOutputLimit
	}
	absWorkdir, err := filepath.Abs(workdir)
	if err != nil {
		return nil, fmt.Errorf("resolve workdir: %w", err)
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	_, err = r.store.CreateRun(ctx, &types.Run{
		ID:      runID,
		Name:    p.Name(),
		Workdir: absWorkdir,
		Plan:    p.Plan(),
		Resume:  opts.Resume,
		DryRun:  opts.DryRun,
	})
	metrics.ObserveStoreOp("create", err)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	rn := &run{
		id:      runID,
		workdir: absWorkdir,
		opts:    opts,
		logger:  r.logger.With(slog.String("run_id", runID)),
		total:   p.Len(),
	}

	ctx, span := r.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("pipeline.name", p.Name()),
		attribute.String("run.workdir", absWorkdir),
		attribute.Int("pipeline.stages", p.Len()),
		attribute.Bool("run.resume", opts.Resume),
		attribute.Bool("run.dry_run", opts.DryRun),
	))
	defer span.End()

	started := time.Now()
	rn.logger.Info("run starting",
		slog.String("pipeline", p.Name()),
		slog.String("workdir", absWorkdir),
		slog.Int("stages", p.Len()),
		slog.Bool("resume", opts.Resume),
		slog.Bool("dry_run", opts.DryRun))

	if err := checkWorkdir(absWorkdir); err != nil {
		return r.finish(ctx, rn, span, started, err)
	}
	if err := p.Validate(absWorkdir); err != nil {
		return r.finish(ctx, rn, span, started, err)
	}

	if !opts.DryRun {
		active, err := claimWorkdir(absWorkdir, runID, rn.logger)
		if err != nil {
			return r.finish(ctx, rn, span, started, err)
		}
		defer func() {
			if err := active.release(); err != nil {
				rn.logger.Warn("failed to remove active-run marker", slog.Any("error", err))
			}
		}()
	}

	r.setStatus(ctx, rn, types.RunStatusRunning, nil)
	metrics.RunsActive.Inc()
	defer metrics.RunsActive.Dec()

	for i, stage := range p.Stages() {
		if err := r.runStage(ctx, rn, i, stage); err != nil {
			return r.finish(ctx, rn, span, started, err)
		}
	}
	return r.finish(ctx, rn, span, started, nil)
}

func checkWorkdir(workdir string) error {
	info, err := os.Stat(workdir)
	if err != nil {
		return &pipeline.ValidationError{Path: workdir, Reason: fmt.Sprintf("working directory: %v", err)}
	}
	if !info.IsDir() {
		return &pipeline.ValidationError{Path: workdir, Reason: "working directory is not a directory"}
	}
	return nil
}

// runStage decides what to do with one stage and records the outcome.
func (r *Runner) runStage(ctx context.Context, rn *run, index int, stage pipeline.Stage) error {
	logger := rn.logger.With(slog.String("stage", stage.Name()))
	ctx, span := r.tracer.Start(ctx, "stage "+stage.Name(), trace.WithAttributes(
		attribute.String("stage.name", stage.Name()),
		attribute.Int("stage.index", index),
	))
	defer span.End()

	rec := types.ExecutionRecord{StageName: stage.Name(), StartTime: time.Now().UTC()}
	stageErr := r.decide(ctx, rn, stage, &rec, logger)
	if rec.EndTime.IsZero() {
		rec.EndTime = time.Now().UTC()
	}
	if stageErr != nil {
		rec.Status = types.StageStatusFailed
		rec.Error = stageErr.Error()
		span.RecordError(stageErr)
		span.SetStatus(codes.Error, stageErr.Error())
	}
	span.SetAttributes(attribute.String("stage.status", string(rec.Status)))
	if rec.ExitCode != nil {
		span.SetAttributes(attribute.Int("stage.exit_code", *rec.ExitCode))
	}

	r.record(ctx, rn, rec)

	metrics.StagesTotal.WithLabelValues(stage.Name(), string(rec.Status)).Inc()
	if rec.ExitCode != nil {
		metrics.StageDuration.WithLabelValues(stage.Name(), string(rec.Status)).Observe(rec.Duration().Seconds())
	}

	attrs := []any{slog.String("status", string(rec.Status)), slog.Duration("duration", rec.Duration())}
	if rec.ExitCode != nil {
		attrs = append(attrs, slog.Int("exit_code", *rec.ExitCode))
	}
	if stageErr != nil {
		logger.Error("stage failed", append(attrs, slog.Any("error", stageErr))...)
	} else {
		logger.Info("stage finished", attrs...)
	}

	r.emit(ctx, rn.id, types.EventTypeProgress, "", types.ProgressEvent{
		Current: index + 1,
		Total:   rn.total,
		Message: fmt.Sprintf("%s %s", stage.Name(), rec.Status),
	})
	return stageErr
}

// decide fills rec for a skipped, planned or executed stage.
func (r *Runner) decide(ctx context.Context, rn *run, stage pipeline.Stage, rec *types.ExecutionRecord, logger *slog.Logger) error {
	if rn.opts.Resume && outputsExist(rn.workdir, stage.Outputs()) {
		if !rn.opts.SkipIntegrityCheck {
			if err := verifyOutputs(rn.workdir, stage); err != nil {
				if rn.opts.DryRun {
					// Report the problem without failing the plan
					rec.Status = types.StageStatusPlanned
					rec.Error = err.Error()
					return nil
				}
				return err
			}
		}
		rec.Status = types.StageStatusSkipped
		logger.Debug("outputs present, skipping")
		return nil
	}

	if rn.opts.DryRun {
		rec.Status = types.StageStatusPlanned
		return nil
	}

	if err := ctx.Err(); err != nil {
		return &pipeline.ExecutionError{
			Stage:    stage.Name(),
			ExitCode: driver.ExitCodeCancelled,
			Cause:    fmt.Errorf("cancelled before start: %w", err),
		}
	}

	return r.execute(ctx, rn, stage, rec, logger)
}

// execute invokes the stage command and verifies its outputs.
func (r *Runner) execute(ctx context.Context, rn *run, stage pipeline.Stage, rec *types.ExecutionRecord, logger *slog.Logger) error {
	rec.Status = types.StageStatusRunning
	r.emit(ctx, rn.id, types.EventTypeStageStatus, stage.Name(), types.StageStatusEvent{Status: types.StageStatusRunning})
	logger.Info("stage starting", slog.Any("command", stage.Command()))

	if err := prepareOutputDirs(rn.workdir, stage.Outputs()); err != nil {
		rec.EndTime = time.Now().UTC()
		return &pipeline.ExecutionError{Stage: stage.Name(), ExitCode: driver.ExitCodeStartFailed, Cause: err}
	}

	res, runErr := r.driver.Run(ctx, &driver.Request{
		RunID:   rn.id,
		Stage:   stage.Name(),
		Command: stage.Command(),
		Dir:     rn.workdir,
		Env:     r.env,
		Timeout: r.stageTimeout,
	})
	rec.EndTime = time.Now().UTC()
	if res == nil {
		res = &driver.Result{ExitCode: driver.ExitCodeStartFailed}
	}
	code := res.ExitCode
	rec.ExitCode = &code
	rec.Output, rec.Truncated = tail(res.Output, rn.opts.OutputLimit)
	rec.Truncated = rec.Truncated || res.Truncated

	switch {
	case runErr != nil:
		return &pipeline.ExecutionError{Stage: stage.Name(), ExitCode: code, Cause: runErr}
	case res.Interrupted && code == driver.ExitCodeCancelled:
		cause := ctx.Err()
		if cause == nil {
			cause = context.Canceled
		}
		return &pipeline.ExecutionError{Stage: stage.Name(), ExitCode: code, Cause: fmt.Errorf("cancelled: %w", cause)}
	case res.Interrupted:
		return &pipeline.ExecutionError{Stage: stage.Name(), ExitCode: code, Cause: fmt.Errorf("timed out after %s", r.stageTimeout)}
	case code != 0:
		return &pipeline.ExecutionError{Stage: stage.Name(), ExitCode: code}
	}

	if missing := missingOutputs(rn.workdir, stage.Outputs()); len(missing) > 0 {
		return &pipeline.OutputMissingError{Stage: stage.Name(), Paths: missing}
	}
	rec.Status = types.StageStatusSucceeded
	return nil
}

// record appends rec to the run's log and publishes the stage status.
func (r *Runner) record(ctx context.Context, rn *run, rec types.ExecutionRecord) {
	rn.records = append(rn.records, rec)

	err := r.store.AppendRecord(context.WithoutCancel(ctx), rn.id, &rec)
	metrics.ObserveStoreOp("record", err)
	if err != nil {
		rn.logger.Warn("failed to persist execution record", slog.String("stage", rec.StageName), slog.Any("error", err))
	}

	r.emit(ctx, rn.id, types.EventTypeStageStatus, rec.StageName, types.StageStatusEvent{
		Status:   rec.Status,
		ExitCode: rec.ExitCode,
		Error:    rec.Error,
	})
}

// finish stores the terminal status and builds the result.
func (r *Runner) finish(ctx context.Context, rn *run, span trace.Span, started time.Time, runErr error) (*types.PipelineResult, error) {
	failure := pipeline.FailureFrom(runErr)
	status := types.RunStatusCompleted
	kind := ""
	if failure != nil {
		status = types.RunStatusFailed
		kind = string(failure.Kind)
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	span.SetAttributes(attribute.String("run.status", string(status)))

	r.setStatus(ctx, rn, status, failure)
	r.emit(ctx, rn.id, types.EventTypeStreamEnd, "", types.RunStatusEvent{Status: status})

	metrics.RunsTotal.WithLabelValues(string(status), kind).Inc()
	metrics.RunDuration.WithLabelValues(string(status)).Observe(time.Since(started).Seconds())

	if failure != nil {
		rn.logger.Error("run failed",
			slog.String("stage", failure.Stage),
			slog.String("kind", kind),
			slog.String("reason", failure.Reason),
			slog.Duration("duration", time.Since(started)))
	} else {
		rn.logger.Info("run completed",
			slog.Int("records", len(rn.records)),
			slog.Duration("duration", time.Since(started)))
	}

	return types.NewPipelineResult(rn.id, rn.records, failure), runErr
}

func (r *Runner) setStatus(ctx context.Context, rn *run, status types.RunStatus, failure *types.Failure) {
	// Terminal status is recorded even when the run was cancelled
	ctx = context.WithoutCancel(ctx)
	err := r.store.UpdateRunStatus(ctx, rn.id, status, failure)
	metrics.ObserveStoreOp("update", err)
	if err != nil {
		rn.logger.Warn("failed to update run status", slog.String("status", string(status)), slog.Any("error", err))
	}

	ev := types.RunStatusEvent{Status: status}
	if failure != nil {
		ev.Error = failure.Reason
	}
	r.emit(ctx, rn.id, types.EventTypeRunStatus, "", ev)
}

func (r *Runner) emit(ctx context.Context, runID string, eventType types.EventType, stage string, data interface{}) {
	_, err := r.store.AppendEvent(context.WithoutCancel(ctx), runID, &types.EventInput{
		Type:  eventType,
		Stage: stage,
		Data:  data,
	})
	metrics.ObserveStoreOp("event", err)
	if err != nil {
		r.logger.Warn("failed to emit event", slog.String("run_id", runID), slog.String("event_type", string(eventType)), slog.Any("error", err))
		return
	}
	metrics.EventsTotal.WithLabelValues(string(eventType)).Inc()
}

// prepareOutputDirs creates the parent directory of every declared output.
func prepareOutputDirs(workdir string, outputs []string) error {
	for _, out := range outputs {
		dir := filepath.Dir(pipeline.Resolve(workdir, out))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}
	return nil
}

// outputsExist reports whether every output is present. A stage with no
// declared outputs leaves nothing to check and always runs.
func outputsExist(workdir string, outputs []string) bool {
	return len(outputs) > 0 && len(missingOutputs(workdir, outputs)) == 0
}

func missingOutputs(workdir string, outputs []string) []string {
	var missing []string
	for _, out := range outputs {
		if _, err := os.Stat(pipeline.Resolve(workdir, out)); err != nil {
			missing = append(missing, out)
		}
	}
	return missing
}

func verifyOutputs(workdir string, stage pipeline.Stage) error {
	for _, out := range stage.Outputs() {
		if err := checkOutput(pipeline.Resolve(workdir, out)); err != nil {
			return &pipeline.ResumeInconsistencyError{Stage: stage.Name(), Path: out, Reason: err.Error()}
		}
	}
	return nil
}

// tail keeps the last limit bytes of out.
func tail(out []byte, limit int) (string, bool) {
	if limit > 0 && len(out) > limit {
		return string(out[len(out)-limit:]), true
	}
	return string(out), false
}

// IsCancelled reports whether err stems from context cancellation.
func IsCancelled(err error) bool {
	var ee *pipeline.ExecutionError
	return errors.As(err, &ee) && ee.ExitCode == driver.ExitCodeCancelled
}
