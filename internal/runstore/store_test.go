package runstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/ampliconflow/pkg/types"
)

func testStores(t *testing.T) map[string]func(t *testing.T) RunStore {
	t.Helper()
	stores := map[string]func(t *testing.T) RunStore{
		"memory": func(t *testing.T) RunStore {
			return NewMemoryStore(nil)
		},
		"sqlite": func(t *testing.T) RunStore {
			cfg := DefaultConfig()
			cfg.PollInterval = 10 * time.Millisecond
			cfg.EventMaxLen = 3
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), DefaultSQLiteFile), cfg)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
	if url := os.Getenv("AMPLICONFLOW_TEST_REDIS_URL"); url != "" {
		stores["redis"] = func(t *testing.T) RunStore {
			cfg := DefaultRedisConfig()
			cfg.URL = url
			cfg.Prefix = "ampliconflow-test-" + generateRunID()
			s, err := NewRedisStore(cfg)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}
	}
	return stores
}

func samplePlan() *types.Plan {
	return &types.Plan{Stages: []types.StageSpec{
		{Name: "import", Command: []string{"qiime", "tools", "import"}, Inputs: []string{"manifest.tsv"}, Outputs: []string{"demux.qza"}},
		{Name: "denoise", Command: []string{"qiime", "dada2", "denoise-paired"}, Inputs: []string{"demux.qza"}, Outputs: []string{"table.qza"}},
	}}
}

func TestRunStore(t *testing.T) {
	for name, open := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("create and get", func(t *testing.T) {
				s := open(t)
				id, err := s.CreateRun(ctx, &types.Run{Name: "amplicon", Workdir: "/data/w", Plan: samplePlan(), Resume: true})
				require.NoError(t, err)
				require.NotEmpty(t, id)

				run, err := s.GetRun(ctx, id)
				require.NoError(t, err)
				assert.Equal(t, "amplicon", run.Name)
				assert.Equal(t, "/data/w", run.Workdir)
				assert.Equal(t, types.RunStatusNotStarted, run.Status)
				assert.True(t, run.Resume)
				require.NotNil(t, run.Plan)
				assert.Equal(t, "denoise", run.Plan.Stages[1].Name)
				assert.Nil(t, run.StartedAt)

				_, err = s.GetRun(ctx, "missing")
				assert.ErrorIs(t, err, ErrRunNotFound)
			})

			t.Run("status transitions", func(t *testing.T) {
				s := open(t)
				id, err := s.CreateRun(ctx, &types.Run{Name: "p"})
				require.NoError(t, err)

				require.NoError(t, s.UpdateRunStatus(ctx, id, types.RunStatusRunning, nil))
				meta, err := s.GetRunMeta(ctx, id)
				require.NoError(t, err)
				assert.Equal(t, types.RunStatusRunning, meta.Status)
				require.NotNil(t, meta.StartedAt)
				assert.Nil(t, meta.FinishedAt)

				code := 2
				failure := &types.Failure{Stage: "denoise", Kind: types.FailureExecution, Reason: "exit 2", ExitCode: &code}
				require.NoError(t, s.UpdateRunStatus(ctx, id, types.RunStatusFailed, failure))
				meta, err = s.GetRunMeta(ctx, id)
				require.NoError(t, err)
				assert.Equal(t, types.RunStatusFailed, meta.Status)
				require.NotNil(t, meta.FinishedAt)
				require.NotNil(t, meta.Failure)
				assert.Equal(t, "denoise", meta.Failure.Stage)
				assert.Equal(t, 2, *meta.Failure.ExitCode)

				err = s.UpdateRunStatus(ctx, id, types.RunStatusRunning, nil)
				assert.ErrorIs(t, err, ErrInvalidTransition)
				err = s.UpdateRunStatus(ctx, "missing", types.RunStatusRunning, nil)
				assert.ErrorIs(t, err, ErrRunNotFound)
			})

			t.Run("records keep order", func(t *testing.T) {
				s := open(t)
				id, err := s.CreateRun(ctx, &types.Run{Name: "p"})
				require.NoError(t, err)

				start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
				zero := 0
				require.NoError(t, s.AppendRecord(ctx, id, &types.ExecutionRecord{
					StageName: "import", Status: types.StageStatusSkipped, StartTime: start, EndTime: start,
				}))
				require.NoError(t, s.AppendRecord(ctx, id, &types.ExecutionRecord{
					StageName: "denoise", Status: types.StageStatusSucceeded, StartTime: start, EndTime: start.Add(time.Minute),
					ExitCode: &zero, Output: "ok\n", Truncated: true,
				}))

				recs, err := s.ListRecords(ctx, id)
				require.NoError(t, err)
				require.Len(t, recs, 2)
				assert.Equal(t, "import", recs[0].StageName)
				assert.Nil(t, recs[0].ExitCode)
				assert.Equal(t, "denoise", recs[1].StageName)
				require.NotNil(t, recs[1].ExitCode)
				assert.Equal(t, 0, *recs[1].ExitCode)
				assert.Equal(t, time.Minute, recs[1].Duration())
				assert.True(t, recs[1].Truncated)

				assert.ErrorIs(t, s.AppendRecord(ctx, "missing", &types.ExecutionRecord{}), ErrRunNotFound)
			})

			t.Run("events since", func(t *testing.T) {
				s := open(t)
				id, err := s.CreateRun(ctx, &types.Run{Name: "p"})
				require.NoError(t, err)

				for i := 0; i < 3; i++ {
					_, err := s.AppendEvent(ctx, id, &types.EventInput{
						Type: types.EventTypeLog, Stage: "import",
						Data: types.LogEvent{Level: types.LogLevelInfo, Stream: "stdout", Message: "line"},
					})
					require.NoError(t, err)
				}

				all, err := s.GetEventsSince(ctx, id, "")
				require.NoError(t, err)
				require.Len(t, all, 3)
				assert.Equal(t, "import", all[0].Stage)

				after, err := s.GetEventsSince(ctx, id, all[0].ID)
				require.NoError(t, err)
				require.Len(t, after, 2)
				assert.Equal(t, all[1].ID, after[0].ID)
			})

			t.Run("list newest first", func(t *testing.T) {
				s := open(t)
				first, err := s.CreateRun(ctx, &types.Run{Name: "first"})
				require.NoError(t, err)
				time.Sleep(5 * time.Millisecond)
				second, err := s.CreateRun(ctx, &types.Run{Name: "second"})
				require.NoError(t, err)

				runs, err := s.ListRuns(ctx)
				require.NoError(t, err)
				require.GreaterOrEqual(t, len(runs), 2)
				assert.Equal(t, second, runs[0].ID)
				assert.Equal(t, first, runs[1].ID)
			})

			t.Run("subscribe ends with run", func(t *testing.T) {
				s := open(t)
				id, err := s.CreateRun(ctx, &types.Run{Name: "p"})
				require.NoError(t, err)
				require.NoError(t, s.UpdateRunStatus(ctx, id, types.RunStatusRunning, nil))

				ch, cleanup, err := s.Subscribe(ctx, id)
				require.NoError(t, err)
				defer cleanup()

				_, err = s.AppendEvent(ctx, id, &types.EventInput{Type: types.EventTypeProgress, Data: types.ProgressEvent{Current: 1, Total: 2}})
				require.NoError(t, err)

				select {
				case evt, ok := <-ch:
					require.True(t, ok)
					assert.Equal(t, types.EventTypeProgress, evt.Type)
				case <-time.After(3 * time.Second):
					t.Fatal("no event delivered")
				}

				require.NoError(t, s.UpdateRunStatus(ctx, id, types.RunStatusCompleted, nil))
				deadline := time.After(5 * time.Second)
				for {
					select {
					case _, ok := <-ch:
						if !ok {
							return
						}
					case <-deadline:
						t.Fatal("subscription not closed after run finished")
					}
				}
			})

			t.Run("adapter info", func(t *testing.T) {
				s := open(t)
				info, err := s.AdapterInfo(ctx)
				require.NoError(t, err)
				assert.Equal(t, name, info["adapter"])
				assert.Equal(t, true, info["healthy"])
			})
		})
	}
}

func TestSQLiteStore_TrimsEvents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EventMaxLen = 2
	s, err := NewSQLiteStore(":memory:", cfg)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	id, err := s.CreateRun(ctx, &types.Run{Name: "p"})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := s.AppendEvent(ctx, id, &types.EventInput{Type: types.EventTypeLog})
		require.NoError(t, err)
	}
	events, err := s.GetEventsSince(ctx, id, "")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "4", events[0].ID)
	assert.Equal(t, "5", events[1].ID)
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path, nil)
	require.NoError(t, err)
	id, err := s.CreateRun(ctx, &types.Run{Name: "persisted", Workdir: "/w"})
	require.NoError(t, err)
	require.NoError(t, s.UpdateRunStatus(ctx, id, types.RunStatusRunning, nil))
	require.NoError(t, s.UpdateRunStatus(ctx, id, types.RunStatusCompleted, nil))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path, nil)
	require.NoError(t, err)
	defer s.Close()
	run, err := s.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, run.Status)
	assert.Equal(t, "persisted", run.Name)
}

func TestCheckTransition(t *testing.T) {
	tests := []struct {
		from, to types.RunStatus
		ok       bool
	}{
		{types.RunStatusNotStarted, types.RunStatusRunning, true},
		{types.RunStatusNotStarted, types.RunStatusFailed, true},
		{types.RunStatusRunning, types.RunStatusCompleted, true},
		{types.RunStatusRunning, types.RunStatusFailed, true},
		{types.RunStatusRunning, types.RunStatusNotStarted, false},
		{types.RunStatusCompleted, types.RunStatusFailed, false},
		{types.RunStatusFailed, types.RunStatusRunning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := checkTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}
