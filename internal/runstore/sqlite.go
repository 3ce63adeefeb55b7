package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flexinfer/ampliconflow/pkg/types"
)

// DefaultSQLiteFile is the database location inside a working directory.
const DefaultSQLiteFile = ".ampliconflow/runs.db"

// SQLiteStore implements RunStore using SQLite. It is the default store: the
// database lives in the working directory so the execution log travels with
// the data it describes. Subscribers poll, which lets a separate process
// (the API server) follow a run started from the CLI.
type SQLiteStore struct {
	db        *sql.DB
	path      string
	config    *Config
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed RunStore.
// Use ":memory:" for an in-memory database.
func NewSQLiteStore(dbPath string, cfg *Config) (*SQLiteStore, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serialises writers.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, path: dbPath, config: cfg, done: make(chan struct{})}
	if err := store.initialize(); err != nil {
		_ = db.Close() // Best effort cleanup on initialization error
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		workdir TEXT NOT NULL,
		status TEXT NOT NULL,
		plan TEXT,
		resume INTEGER NOT NULL DEFAULT 0,
		dry_run INTEGER NOT NULL DEFAULT 0,
		started_at TEXT,
		finished_at TEXT,
		failure TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS records (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		stage_name TEXT NOT NULL,
		status TEXT NOT NULL,
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		exit_code INTEGER,
		output TEXT,
		truncated INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		PRIMARY KEY (run_id, seq)
	);
	CREATE TABLE IF NOT EXISTS events (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		stage TEXT,
		timestamp TEXT NOT NULL,
		data BLOB,
		PRIMARY KEY (run_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func timePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CreateRun inserts a new run in not_started state.
func (s *SQLiteStore) CreateRun(ctx context.Context, spec *types.Run) (string, error) {
	if spec == nil {
		spec = &types.Run{}
	}
	runID := spec.ID
	if runID == "" {
		runID = generateRunID()
	}
	now := formatTime(time.Now())

	var planJSON []byte
	if spec.Plan != nil {
		var err error
		if planJSON, err = json.Marshal(spec.Plan); err != nil {
			return "", fmt.Errorf("marshal plan: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, name, workdir, status, plan, resume, dry_run, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, spec.Name, spec.Workdir, string(types.RunStatusNotStarted), string(planJSON),
		boolInt(spec.Resume), boolInt(spec.DryRun), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	return runID, nil
}

const runColumns = `id, name, workdir, status, plan, resume, dry_run, started_at, finished_at, failure, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*types.Run, error) {
	var (
		run                  types.Run
		status               string
		plan, failure        sql.NullString
		resume, dryRun       int
		started, finished    sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&run.ID, &run.Name, &run.Workdir, &status, &plan, &resume, &dryRun,
		&started, &finished, &failure, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	run.Status = types.RunStatus(status)
	run.Resume = resume != 0
	run.DryRun = dryRun != 0
	run.StartedAt = timePtr(started)
	run.FinishedAt = timePtr(finished)
	run.CreatedAt = parseTime(createdAt)
	run.UpdatedAt = parseTime(updatedAt)
	if plan.Valid && plan.String != "" {
		var p types.Plan
		if err := json.Unmarshal([]byte(plan.String), &p); err != nil {
			return nil, fmt.Errorf("unmarshal plan: %w", err)
		}
		run.Plan = &p
	}
	if failure.Valid && failure.String != "" {
		var f types.Failure
		if err := json.Unmarshal([]byte(failure.String), &f); err != nil {
			return nil, fmt.Errorf("unmarshal failure: %w", err)
		}
		run.Failure = &f
	}
	return &run, nil
}

// GetRun returns the full run including plan.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// GetRunMeta returns lightweight run metadata.
func (s *SQLiteStore) GetRunMeta(ctx context.Context, runID string) (*types.RunMeta, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return run.Meta(), nil
}

// ListRuns returns all runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]*types.RunMeta, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var metas []*types.RunMeta
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		metas = append(metas, run.Meta())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	sortMetas(metas)
	return metas, nil
}

// UpdateRunStatus applies a state transition inside a transaction.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, failure *types.Failure) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	run, err := scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRunNotFound
	}
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	if err := checkTransition(run.Status, status); err != nil {
		return err
	}
	applyStatus(run, status, failure, time.Now().UTC())

	var failureJSON sql.NullString
	if run.Failure != nil {
		b, err := json.Marshal(run.Failure)
		if err != nil {
			return fmt.Errorf("marshal failure: %w", err)
		}
		failureJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, started_at = ?, finished_at = ?, failure = ?, updated_at = ? WHERE id = ?`,
		string(run.Status), nullTime(run.StartedAt), nullTime(run.FinishedAt), failureJSON, formatTime(run.UpdatedAt), runID,
	)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return tx.Commit()
}

// queryRower is satisfied by both *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) exists(ctx context.Context, q queryRower, runID string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, runID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRunNotFound
	}
	return err
}

// AppendRecord adds a stage record to the run's execution log.
func (s *SQLiteStore) AppendRecord(ctx context.Context, runID string, rec *types.ExecutionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.exists(ctx, tx, runID); err != nil {
		return err
	}

	var exitCode sql.NullInt64
	if rec.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*rec.ExitCode), Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO records (run_id, seq, stage_name, status, start_time, end_time, exit_code, output, truncated, error)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM records WHERE run_id = ?), ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, runID, rec.StageName, string(rec.Status), formatTime(rec.StartTime), formatTime(rec.EndTime),
		exitCode, rec.Output, boolInt(rec.Truncated), rec.Error,
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET updated_at = ? WHERE id = ?`, formatTime(time.Now()), runID); err != nil {
		return fmt.Errorf("touch run: %w", err)
	}
	return tx.Commit()
}

// ListRecords returns the execution log in order.
func (s *SQLiteStore) ListRecords(ctx context.Context, runID string) ([]types.ExecutionRecord, error) {
	if err := s.exists(ctx, s.db, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage_name, status, start_time, end_time, exit_code, output, truncated, error
		 FROM records WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := []types.ExecutionRecord{}
	for rows.Next() {
		var (
			rec                types.ExecutionRecord
			status, start, end string
			exitCode           sql.NullInt64
			output, errText    sql.NullString
			truncated          int
		)
		if err := rows.Scan(&rec.StageName, &status, &start, &end, &exitCode, &output, &truncated, &errText); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Status = types.StageStatus(status)
		rec.StartTime = parseTime(start)
		rec.EndTime = parseTime(end)
		if exitCode.Valid {
			code := int(exitCode.Int64)
			rec.ExitCode = &code
		}
		rec.Output = output.String
		rec.Truncated = truncated != 0
		rec.Error = errText.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return records, nil
}

// AppendEvent adds an event to the run's stream, trimming the oldest events
// beyond the configured maximum.
func (s *SQLiteStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	dataJSON, err := json.Marshal(input.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.exists(ctx, tx, runID); err != nil {
		return nil, err
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE run_id = ?`, runID).Scan(&seq); err != nil {
		return nil, fmt.Errorf("next seq: %w", err)
	}

	event := &types.Event{
		ID:        strconv.FormatInt(seq, 10),
		RunID:     runID,
		Type:      input.Type,
		Stage:     input.Stage,
		Timestamp: time.Now().UTC(),
		Data:      dataJSON,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, seq, event_type, stage, timestamp, data) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, seq, string(event.Type), event.Stage, formatTime(event.Timestamp), []byte(dataJSON),
	)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	if s.config.EventMaxLen > 0 && seq > s.config.EventMaxLen {
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE run_id = ? AND seq <= ?`, runID, seq-s.config.EventMaxLen); err != nil {
			return nil, fmt.Errorf("trim events: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return event, nil
}

// GetEventsSince returns events after the given event ID.
func (s *SQLiteStore) GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error) {
	if err := s.exists(ctx, s.db, runID); err != nil {
		return nil, err
	}
	var lastSeq int64
	if lastEventID != "" {
		lastSeq, _ = strconv.ParseInt(lastEventID, 10, 64)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, event_type, stage, timestamp, data FROM events WHERE run_id = ? AND seq > ? ORDER BY seq`,
		runID, lastSeq)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []*types.Event{}
	for rows.Next() {
		var (
			seq           int64
			eventType, ts string
			stage         sql.NullString
			data          []byte
		)
		if err := rows.Scan(&seq, &eventType, &stage, &ts, &data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, &types.Event{
			ID:        strconv.FormatInt(seq, 10),
			RunID:     runID,
			Type:      types.EventType(eventType),
			Stage:     stage.String,
			Timestamp: parseTime(ts),
			Data:      json.RawMessage(data),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return events, nil
}

// Subscribe polls for new events until the run is terminal, the context is
// cancelled, or cleanup is called.
func (s *SQLiteStore) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	if err := s.exists(ctx, s.db, runID); err != nil {
		return nil, nil, err
	}

	// Start after the events that already exist
	lastID := ""
	if existing, err := s.GetEventsSince(ctx, runID, ""); err == nil && len(existing) > 0 {
		lastID = existing[len(existing)-1].ID
	}

	ch := make(chan *types.Event, 100)
	subCtx, cancel := context.WithCancel(ctx)
	go s.poll(subCtx, runID, lastID, ch)

	return ch, cancel, nil
}

func (s *SQLiteStore) poll(ctx context.Context, runID, lastID string, ch chan *types.Event) {
	defer close(ch)

	interval := s.config.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
		}

		// Read status first so no event written before the terminal update is missed
		meta, err := s.GetRunMeta(ctx, runID)
		if err != nil {
			return
		}
		events, err := s.GetEventsSince(ctx, runID, lastID)
		if err != nil {
			return
		}
		for _, evt := range events {
			select {
			case ch <- evt:
				lastID = evt.ID
			case <-ctx.Done():
				return
			}
		}
		if meta.Status.IsTerminal() {
			return
		}
	}
}

// AdapterInfo returns diagnostic information.
func (s *SQLiteStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	var runCount int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&runCount); err != nil {
		return map[string]interface{}{
			"adapter": "sqlite",
			"healthy": false,
			"error":   err.Error(),
		}, nil
	}
	return map[string]interface{}{
		"adapter":    "sqlite",
		"healthy":    true,
		"path":       s.path,
		"run_count":  runCount,
		"max_events": s.config.EventMaxLen,
	}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.closeOnce.Do(func() { close(s.done) })
	return s.db.Close()
}

// Ensure SQLiteStore implements RunStore
var _ RunStore = (*SQLiteStore)(nil)
