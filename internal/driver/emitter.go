package driver

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/flexinfer/ampliconflow/internal/metrics"
	"github.com/flexinfer/ampliconflow/internal/runstore"
	"github.com/flexinfer/ampliconflow/pkg/types"
)

// RunStoreEmitter adapts a RunStore to the EventEmitter interface. Log lines
// are rate limited so chatty tools cannot flood the event stream; dropped
// lines are still part of the captured stage output.
type RunStoreEmitter struct {
	store   runstore.RunStore
	limiter *rate.Limiter
	dropped atomic.Int64
}

// NewRunStoreEmitter creates a new emitter backed by a RunStore. linesPerSec
// <= 0 disables rate limiting.
func NewRunStoreEmitter(store runstore.RunStore, linesPerSec float64, burst int) *RunStoreEmitter {
	e := &RunStoreEmitter{store: store}
	if linesPerSec > 0 {
		if burst <= 0 {
			burst = int(linesPerSec)
		}
		e.limiter = rate.NewLimiter(rate.Limit(linesPerSec), burst)
	}
	return e
}

// EmitLog appends a log event for one output line.
func (e *RunStoreEmitter) EmitLog(ctx context.Context, runID, stage, stream, line string) error {
	if e.limiter != nil && !e.limiter.Allow() {
		e.dropped.Add(1)
		metrics.LogLinesDropped.Inc()
		return nil
	}

	level := types.LogLevelInfo
	if stream == "stderr" {
		level = types.LogLevelError
	}
	_, err := e.store.AppendEvent(ctx, runID, &types.EventInput{
		Type:  types.EventTypeLog,
		Stage: stage,
		Data: types.LogEvent{
			Level:   level,
			Stream:  stream,
			Message: line,
		},
	})
	return err
}

// Dropped returns how many lines were not published because of rate limiting.
func (e *RunStoreEmitter) Dropped() int64 {
	return e.dropped.Load()
}

// Ensure RunStoreEmitter implements EventEmitter
var _ EventEmitter = (*RunStoreEmitter)(nil)
