package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/ampliconflow/pkg/types"
)

// RedisStore implements RunStore backed by Redis.
// Uses Redis Streams for event streaming and hashes for run metadata.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	ttl       time.Duration
	maxEvents int64
	mu        sync.Mutex
	closed    bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Password for Redis authentication
	Password string

	// DB is the database number
	DB int

	// Prefix for all keys (default: "ampliconflow")
	Prefix string

	// EventMaxLen caps each run's event stream (approximate trimming)
	EventMaxLen int64

	// TTL for run data (default: 7 days)
	TTL time.Duration

	// Connection pool settings
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "ampliconflow",
		TTL:          30 * 24 * time.Hour,
		EventMaxLen:  5000,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisStore creates a new Redis-backed RunStore.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	// Parse URL or use direct options
	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}

	// Parse URL if provided
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "ampliconflow"
	}
	maxEvents := cfg.EventMaxLen
	if maxEvents <= 0 {
		maxEvents = 5000
	}

	return &RedisStore{
		client:    client,
		prefix:    prefix,
		ttl:       cfg.TTL,
		maxEvents: maxEvents,
	}, nil
}

// Key helpers
func (s *RedisStore) keyIndex() string               { return fmt.Sprintf("%s:index", s.prefix) }
func (s *RedisStore) keyMeta(runID string) string    { return fmt.Sprintf("%s:run:%s:meta", s.prefix, runID) }
func (s *RedisStore) keyRecords(runID string) string { return fmt.Sprintf("%s:run:%s:records", s.prefix, runID) }
func (s *RedisStore) keyEvents(runID string) string  { return fmt.Sprintf("%s:run:%s:events", s.prefix, runID) }
func (s *RedisStore) keySeq(runID string) string     { return fmt.Sprintf("%s:run:%s:seq", s.prefix, runID) }
func (s *RedisStore) keyPlan(runID string) string    { return fmt.Sprintf("%s:run:%s:plan", s.prefix, runID) }

// setTTL refreshes TTL on all keys for a run.
func (s *RedisStore) setTTL(ctx context.Context, runID string) error {
	if s.ttl <= 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, s.keyMeta(runID), s.ttl)
	pipe.Expire(ctx, s.keyRecords(runID), s.ttl)
	pipe.Expire(ctx, s.keyEvents(runID), s.ttl)
	pipe.Expire(ctx, s.keySeq(runID), s.ttl)
	pipe.Expire(ctx, s.keyPlan(runID), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// CreateRun creates a new run record.
func (s *RedisStore) CreateRun(ctx context.Context, spec *types.Run) (string, error) {
	if spec == nil {
		spec = &types.Run{}
	}
	runID := spec.ID
	if runID == "" {
		runID = generateRunID()
	}
	now := time.Now().UTC()

	// Serialize plan
	planJSON := []byte("{}")
	if spec.Plan != nil {
		planJSON, _ = json.Marshal(spec.Plan)
	}

	pipe := s.client.TxPipeline()

	pipe.HSet(ctx, s.keyMeta(runID), map[string]interface{}{
		"runId":      runID,
		"name":       spec.Name,
		"workdir":    spec.Workdir,
		"status":     string(types.RunStatusNotStarted),
		"resume":     strconv.FormatBool(spec.Resume),
		"dryRun":     strconv.FormatBool(spec.DryRun),
		"startedAt":  "",
		"finishedAt": "",
		"failure":    "",
		"createdAt":  now.Format(time.RFC3339Nano),
		"updatedAt":  now.Format(time.RFC3339Nano),
	})
	pipe.Set(ctx, s.keyPlan(runID), string(planJSON), 0)
	pipe.Set(ctx, s.keySeq(runID), "0", 0)
	pipe.ZAdd(ctx, s.keyIndex(), redis.Z{Score: float64(now.UnixNano()), Member: runID})

	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	// Set TTL
	if err := s.setTTL(ctx, runID); err != nil {
		slog.Warn("failed to set TTL for run", slog.String("run_id", runID), slog.Any("error", err))
	}

	return runID, nil
}

func parseRFC3339(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil
	}
	return &t
}

// runFromMeta decodes the meta hash.
func runFromMeta(runID string, meta map[string]string) *types.Run {
	run := &types.Run{
		ID:         runID,
		Name:       meta["name"],
		Workdir:    meta["workdir"],
		Status:     types.RunStatus(meta["status"]),
		Resume:     meta["resume"] == "true",
		DryRun:     meta["dryRun"] == "true",
		StartedAt:  parseRFC3339(meta["startedAt"]),
		FinishedAt: parseRFC3339(meta["finishedAt"]),
	}
	if t := parseRFC3339(meta["createdAt"]); t != nil {
		run.CreatedAt = *t
	}
	if t := parseRFC3339(meta["updatedAt"]); t != nil {
		run.UpdatedAt = *t
	}
	if meta["failure"] != "" {
		var f types.Failure
		if json.Unmarshal([]byte(meta["failure"]), &f) == nil {
			run.Failure = &f
		}
	}
	return run
}

// GetRunMeta returns lightweight run metadata.
func (s *RedisStore) GetRunMeta(ctx context.Context, runID string) (*types.RunMeta, error) {
	meta, err := s.client.HGetAll(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get run meta: %w", err)
	}
	if len(meta) == 0 {
		return nil, ErrRunNotFound
	}
	return runFromMeta(runID, meta).Meta(), nil
}

// GetRun returns the full run including plan.
func (s *RedisStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	// Get meta and plan in parallel
	pipe := s.client.Pipeline()
	metaCmd := pipe.HGetAll(ctx, s.keyMeta(runID))
	planCmd := pipe.Get(ctx, s.keyPlan(runID))
	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get run: %w", err)
	}

	meta, err := metaCmd.Result()
	if err != nil || len(meta) == 0 {
		return nil, ErrRunNotFound
	}

	run := runFromMeta(runID, meta)

	// Parse plan
	if planJSON, err := planCmd.Result(); err == nil && planJSON != "" && planJSON != "{}" {
		var plan types.Plan
		if json.Unmarshal([]byte(planJSON), &plan) == nil {
			run.Plan = &plan
		}
	}

	return run, nil
}

// ListRuns returns all runs, newest first.
func (s *RedisStore) ListRuns(ctx context.Context) ([]*types.RunMeta, error) {
	ids, err := s.client.ZRevRange(ctx, s.keyIndex(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	metas := make([]*types.RunMeta, 0, len(ids))
	for _, id := range ids {
		meta, err := s.GetRunMeta(ctx, id)
		if errors.Is(err, ErrRunNotFound) {
			// Expired by TTL; drop the stale index entry
			s.client.ZRem(ctx, s.keyIndex(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	sortMetas(metas)
	return metas, nil
}

// UpdateRunStatus updates the run's status and timestamps. The meta hash is
// watched so concurrent writers cannot skip a transition check.
func (s *RedisStore) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, failure *types.Failure) error {
	key := s.keyMeta(runID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		meta, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("get run meta: %w", err)
		}
		if len(meta) == 0 {
			return ErrRunNotFound
		}
		run := runFromMeta(runID, meta)
		if err := checkTransition(run.Status, status); err != nil {
			return err
		}
		applyStatus(run, status, failure, time.Now().UTC())

		fields := map[string]interface{}{
			"status":    string(run.Status),
			"updatedAt": run.UpdatedAt.Format(time.RFC3339Nano),
		}
		if run.StartedAt != nil {
			fields["startedAt"] = run.StartedAt.Format(time.RFC3339Nano)
		}
		if run.FinishedAt != nil {
			fields["finishedAt"] = run.FinishedAt.Format(time.RFC3339Nano)
		}
		if run.Failure != nil {
			b, _ := json.Marshal(run.Failure)
			fields["failure"] = string(b)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			return nil
		})
		return err
	}, key)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) || errors.Is(err, ErrInvalidTransition) {
			return err
		}
		return fmt.Errorf("update run status: %w", err)
	}

	// Refresh TTL
	if err := s.setTTL(ctx, runID); err != nil {
		slog.Warn("failed to refresh TTL for run", slog.String("run_id", runID), slog.Any("error", err))
	}

	return nil
}

func (s *RedisStore) ensureRun(ctx context.Context, runID string) error {
	exists, err := s.client.Exists(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return fmt.Errorf("check run exists: %w", err)
	}
	if exists == 0 {
		return ErrRunNotFound
	}
	return nil
}

// AppendRecord pushes a stage record onto the run's execution log list.
func (s *RedisStore) AppendRecord(ctx context.Context, runID string, rec *types.ExecutionRecord) error {
	if err := s.ensureRun(ctx, runID); err != nil {
		return err
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := s.client.RPush(ctx, s.keyRecords(runID), b).Err(); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	s.setTTL(ctx, runID)
	return nil
}

// ListRecords returns the execution log in order.
func (s *RedisStore) ListRecords(ctx context.Context, runID string) ([]types.ExecutionRecord, error) {
	if err := s.ensureRun(ctx, runID); err != nil {
		return nil, err
	}
	raw, err := s.client.LRange(ctx, s.keyRecords(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	records := make([]types.ExecutionRecord, 0, len(raw))
	for _, r := range raw {
		var rec types.ExecutionRecord
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// AppendEvent adds an event to the run's stream.
func (s *RedisStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	// Increment sequence atomically
	seq, err := s.client.Incr(ctx, s.keySeq(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("incr seq: %w", err)
	}

	now := time.Now().UTC()
	eventID := strconv.FormatInt(seq, 10)

	dataBytes, err := json.Marshal(input.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	event := &types.Event{
		ID:        eventID,
		RunID:     runID,
		Type:      input.Type,
		Stage:     input.Stage,
		Timestamp: now,
		Data:      dataBytes,
	}

	// Add to Redis Stream with MAXLEN
	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.keyEvents(runID),
		MaxLen: s.maxEvents,
		Approx: true,
		Values: map[string]interface{}{
			"seq":   eventID,
			"ts":    now.Format(time.RFC3339Nano),
			"type":  string(input.Type),
			"data":  string(dataBytes),
			"stage": input.Stage,
		},
	}).Err(); err != nil {
		return nil, fmt.Errorf("xadd: %w", err)
	}

	return event, nil
}

func eventFromEntry(runID string, entry redis.XMessage) *types.Event {
	seqStr, _ := entry.Values["seq"].(string)
	ts, _ := entry.Values["ts"].(string)
	eventType, _ := entry.Values["type"].(string)
	data, _ := entry.Values["data"].(string)
	stage, _ := entry.Values["stage"].(string)

	evt := &types.Event{
		ID:    seqStr,
		RunID: runID,
		Type:  types.EventType(eventType),
		Stage: stage,
		Data:  json.RawMessage(data),
	}
	if t := parseRFC3339(ts); t != nil {
		evt.Timestamp = *t
	}
	return evt
}

// GetEventsSince returns events after the given event ID.
func (s *RedisStore) GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error) {
	entries, err := s.client.XRange(ctx, s.keyEvents(runID), "-", "+").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*types.Event{}, nil
		}
		return nil, fmt.Errorf("xrange: %w", err)
	}

	events := make([]*types.Event, 0, len(entries))
	for _, entry := range entries {
		events = append(events, eventFromEntry(runID, entry))
	}
	return eventsAfter(events, lastEventID), nil
}

// Subscribe returns a channel fed by a blocking stream reader. The reader
// owns the channel and closes it when the run is over or cleanup is called.
func (s *RedisStore) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	if err := s.ensureRun(ctx, runID); err != nil {
		return nil, nil, err
	}

	// Resolve the starting point now so events appended right after
	// Subscribe returns are not missed.
	lastID := "0"
	latest, err := s.client.XRevRangeN(ctx, s.keyEvents(runID), "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, fmt.Errorf("xrevrange: %w", err)
	}
	if len(latest) > 0 {
		lastID = latest[0].ID
	}

	ch := make(chan *types.Event, 100)
	subCtx, cancel := context.WithCancel(ctx)
	go s.streamReader(subCtx, runID, lastID, ch)

	return ch, cancel, nil
}

// streamReader reads from Redis Stream and pushes to channel.
func (s *RedisStore) streamReader(ctx context.Context, runID, lastID string, ch chan *types.Event) {
	defer close(ch)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// XREAD with block timeout
		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.keyEvents(runID), lastID},
			Count:   10,
			Block:   time.Second,
		}).Result()

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			if !errors.Is(err, redis.Nil) {
				// On error, wait briefly then retry
				time.Sleep(100 * time.Millisecond)
			}
			if s.runFinished(ctx, runID) {
				return
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				lastID = entry.ID
				select {
				case ch <- eventFromEntry(runID, entry):
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (s *RedisStore) runFinished(ctx context.Context, runID string) bool {
	status, err := s.client.HGet(ctx, s.keyMeta(runID), "status").Result()
	if err != nil {
		return errors.Is(err, redis.Nil)
	}
	return types.RunStatus(status).IsTerminal()
}

// AdapterInfo returns diagnostic information.
func (s *RedisStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	// Ping test
	pingStart := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return map[string]interface{}{
			"adapter": "redis",
			"healthy": false,
			"error":   err.Error(),
		}, nil
	}
	pingLatency := time.Since(pingStart)

	// Get pool stats
	poolStats := s.client.PoolStats()

	return map[string]interface{}{
		"adapter": "redis",
		"healthy": true,
		"details": map[string]interface{}{
			"prefix":       s.prefix,
			"ttl_hours":    s.ttl.Hours(),
			"ping_latency": pingLatency.String(),
			"max_events":   s.maxEvents,
			"pool": map[string]interface{}{
				"hits":       poolStats.Hits,
				"misses":     poolStats.Misses,
				"timeouts":   poolStats.Timeouts,
				"total_conn": poolStats.TotalConns,
				"idle_conn":  poolStats.IdleConns,
				"stale_conn": poolStats.StaleConns,
			},
		},
	}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.client.Close()
}

// Ensure RedisStore implements RunStore
var _ RunStore = (*RedisStore)(nil)
