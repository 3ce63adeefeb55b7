package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/flexinfer/ampliconflow/pkg/types"
)

// memoryRun holds all state for a single run in memory.
type memoryRun struct {
	mu          sync.RWMutex
	run         types.Run
	records     []types.ExecutionRecord
	events      []*types.Event
	nextSeq     int64
	maxEvents   int64
	subscribers map[chan *types.Event]struct{}
}

// MemoryStore is an in-memory implementation of RunStore.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*memoryRun
	config *Config
}

// NewMemoryStore creates a new in-memory RunStore.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryStore{
		runs:   make(map[string]*memoryRun),
		config: cfg,
	}
}

func (s *MemoryStore) lookup(runID string) (*memoryRun, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	return run, nil
}

func (s *MemoryStore) CreateRun(ctx context.Context, spec *types.Run) (string, error) {
	if spec == nil {
		spec = &types.Run{}
	}
	runID := spec.ID
	if runID == "" {
		runID = generateRunID()
	}
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[runID]; exists {
		return "", fmt.Errorf("run %s already exists", runID)
	}

	s.runs[runID] = &memoryRun{
		run: types.Run{
			ID:        runID,
			Name:      spec.Name,
			Workdir:   spec.Workdir,
			Status:    types.RunStatusNotStarted,
			Plan:      spec.Plan,
			Resume:    spec.Resume,
			DryRun:    spec.DryRun,
			CreatedAt: now,
			UpdatedAt: now,
		},
		nextSeq:     1,
		maxEvents:   s.config.EventMaxLen,
		subscribers: make(map[chan *types.Event]struct{}),
	}

	return runID, nil
}

func (s *MemoryStore) GetRunMeta(ctx context.Context, runID string) (*types.RunMeta, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return run.Meta(), nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	run, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	out := run.run
	return &out, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context) ([]*types.RunMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metas := make([]*types.RunMeta, 0, len(s.runs))
	for _, run := range s.runs {
		run.mu.RLock()
		metas = append(metas, run.run.Meta())
		run.mu.RUnlock()
	}
	sortMetas(metas)
	return metas, nil
}

func (s *MemoryStore) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, failure *types.Failure) error {
	run, err := s.lookup(runID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	if err := checkTransition(run.run.Status, status); err != nil {
		return err
	}
	applyStatus(&run.run, status, failure, time.Now().UTC())

	// Subscribers are done once the run is over
	if status.IsTerminal() {
		for ch := range run.subscribers {
			close(ch)
		}
		run.subscribers = make(map[chan *types.Event]struct{})
	}

	return nil
}

func (s *MemoryStore) AppendRecord(ctx context.Context, runID string, rec *types.ExecutionRecord) error {
	run, err := s.lookup(runID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	run.records = append(run.records, *rec)
	run.run.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListRecords(ctx context.Context, runID string) ([]types.ExecutionRecord, error) {
	run, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	out := make([]types.ExecutionRecord, len(run.records))
	copy(out, run.records)
	return out, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	run, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}

	dataJSON, err := json.Marshal(input.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	run.mu.Lock()

	event := &types.Event{
		ID:        strconv.FormatInt(run.nextSeq, 10),
		RunID:     runID,
		Type:      input.Type,
		Stage:     input.Stage,
		Timestamp: time.Now().UTC(),
		Data:      dataJSON,
	}
	run.nextSeq++

	// Append to ring buffer
	if run.maxEvents > 0 && int64(len(run.events)) >= run.maxEvents {
		run.events = run.events[1:]
	}
	run.events = append(run.events, event)

	// Notify subscribers (non-blocking) while holding the lock so a
	// concurrent terminal status cannot close a channel mid-send.
	for ch := range run.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber too slow, skip
		}
	}
	run.mu.Unlock()

	return event, nil
}

func (s *MemoryStore) GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error) {
	run, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	return eventsAfter(run.events, lastEventID), nil
}

// eventsAfter filters events by numeric sequence id.
func eventsAfter(events []*types.Event, lastEventID string) []*types.Event {
	var lastSeq int64
	if lastEventID != "" {
		lastSeq, _ = strconv.ParseInt(lastEventID, 10, 64)
	}
	result := make([]*types.Event, 0, len(events))
	for _, evt := range events {
		seq, _ := strconv.ParseInt(evt.ID, 10, 64)
		if seq > lastSeq {
			result = append(result, evt)
		}
	}
	return result
}

func (s *MemoryStore) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	run, err := s.lookup(runID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan *types.Event, 100)

	run.mu.Lock()
	if run.run.Status.IsTerminal() {
		close(ch)
	} else {
		run.subscribers[ch] = struct{}{}
	}
	run.mu.Unlock()

	cleanup := func() {
		run.mu.Lock()
		if _, ok := run.subscribers[ch]; ok {
			delete(run.subscribers, ch)
			close(ch)
		}
		run.mu.Unlock()
	}

	return ch, cleanup, nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	runCount := len(s.runs)
	s.mu.RUnlock()

	return map[string]interface{}{
		"adapter":    "memory",
		"healthy":    true,
		"run_count":  runCount,
		"max_events": s.config.EventMaxLen,
	}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, run := range s.runs {
		run.mu.Lock()
		for ch := range run.subscribers {
			close(ch)
		}
		run.subscribers = make(map[chan *types.Event]struct{})
		run.mu.Unlock()
	}

	return nil
}

// Verify interface compliance
var _ RunStore = (*MemoryStore)(nil)
