package runner

import (
	"archive/zip"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/ampliconflow/internal/driver"
	"github.com/flexinfer/ampliconflow/internal/pipeline"
	"github.com/flexinfer/ampliconflow/internal/runstore"
	"github.com/flexinfer/ampliconflow/pkg/types"
)

type stepFunc func(ctx context.Context, req *driver.Request) (*driver.Result, error)

// fakeDriver writes each stage's declared outputs unless a step overrides it.
type fakeDriver struct {
	mu      sync.Mutex
	outputs map[string][]string
	steps   map[string]stepFunc
	calls   []string
}

func newFakeDriver(p *pipeline.Pipeline) *fakeDriver {
	f := &fakeDriver{outputs: map[string][]string{}, steps: map[string]stepFunc{}}
	for _, s := range p.Stages() {
		f.outputs[s.Name()] = s.Outputs()
	}
	return f
}

func (f *fakeDriver) Run(ctx context.Context, req *driver.Request) (*driver.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Stage)
	step := f.steps[req.Stage]
	outs := f.outputs[req.Stage]
	f.mu.Unlock()

	if step != nil {
		return step(ctx, req)
	}
	for _, out := range outs {
		if err := writeArtifact(pipeline.Resolve(req.Dir, out)); err != nil {
			return nil, err
		}
	}
	return &driver.Result{ExitCode: 0, Output: []byte(req.Stage + " done\n")}, nil
}

func (f *fakeDriver) invoked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// writeArtifact writes a file that passes the resume integrity checks.
func writeArtifact(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if strings.HasSuffix(path, ".qza") || strings.HasSuffix(path, ".qzv") {
		zw := zip.NewWriter(f)
		w, err := zw.Create("0000/metadata.yaml")
		if err != nil {
			return err
		}
		if _, err := w.Write([]byte("uuid: 0000\n")); err != nil {
			return err
		}
		return zw.Close()
	}
	_, err = f.WriteString("data\n")
	return err
}

// scenario is the import/denoise/classify pipeline.
func scenario() *pipeline.Pipeline {
	return pipeline.New("amplicon",
		pipeline.NewStage("import", []string{"qiime", "tools", "import"}, nil, []string{"demux.qza"}),
		pipeline.NewStage("denoise", []string{"qiime", "dada2", "denoise-paired"}, []string{"demux.qza"}, []string{"table.qza", "seqs.qza"}),
		pipeline.NewStage("classify", []string{"qiime", "feature-classifier", "classify-sklearn"}, []string{"seqs.qza"}, []string{"taxonomy.qza"}),
	)
}

func stageNames(recs []types.ExecutionRecord) []string {
	names := make([]string, len(recs))
	for i, r := range recs {
		names[i] = r.StageName
	}
	return names
}

func statuses(recs []types.ExecutionRecord) []types.StageStatus {
	out := make([]types.StageStatus, len(recs))
	for i, r := range recs {
		out[i] = r.Status
	}
	return out
}

func TestRun_Succeeds(t *testing.T) {
	dir := t.TempDir()
	p := scenario()
	drv := newFakeDriver(p)
	store := runstore.NewMemoryStore(nil)
	r := New(store, drv, nil)

	res, err := r.Run(context.Background(), p, dir, Options{})
	require.NoError(t, err)
	require.True(t, res.Succeeded())
	assert.Equal(t, types.RunStatusCompleted, res.Status())
	assert.Nil(t, res.Failure())
	assert.Equal(t, []string{"import", "denoise", "classify"}, drv.invoked())
	assert.Equal(t, []string{"import", "denoise", "classify"}, stageNames(res.Records()))
	for _, rec := range res.Records() {
		assert.Equal(t, types.StageStatusSucceeded, rec.Status)
		require.NotNil(t, rec.ExitCode)
		assert.Equal(t, 0, *rec.ExitCode)
		assert.False(t, rec.EndTime.Before(rec.StartTime))
		assert.Equal(t, rec.StageName+" done\n", rec.Output)
	}

	run, err := store.GetRun(context.Background(), res.RunID())
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, run.Status)
	assert.NotNil(t, run.StartedAt)
	assert.NotNil(t, run.FinishedAt)
	require.NotNil(t, run.Plan)
	assert.Len(t, run.Plan.Stages, 3)

	stored, err := store.ListRecords(context.Background(), res.RunID())
	require.NoError(t, err)
	assert.Equal(t, res.Records(), stored)

	assert.NoFileExists(t, filepath.Join(dir, MarkerFile))
}

func TestRun_HaltsOnFirstFailure(t *testing.T) {
	dir := t.TempDir()
	p := scenario()
	drv := newFakeDriver(p)
	drv.steps["denoise"] = func(ctx context.Context, req *driver.Request) (*driver.Result, error) {
		return &driver.Result{ExitCode: 2, Output: []byte("dada2: error\n")}, nil
	}

	res, err := New(nil, drv, nil).Run(context.Background(), p, dir, Options{})
	require.Error(t, err)

	var ee *pipeline.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "denoise", ee.Stage)
	assert.Equal(t, 2, ee.ExitCode)

	recs := res.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, []types.StageStatus{types.StageStatusSucceeded, types.StageStatusFailed}, statuses(recs))
	assert.Equal(t, "dada2: error\n", recs[1].Output)

	f := res.Failure()
	require.NotNil(t, f)
	assert.Equal(t, "denoise", f.Stage)
	assert.Equal(t, types.FailureExecution, f.Kind)
	assert.Equal(t, types.RunStatusFailed, res.Status())
	assert.Equal(t, []string{"import", "denoise"}, drv.invoked())
}

func TestRun_ResumeSkipsCompletedStage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeArtifact(filepath.Join(dir, "demux.qza")))
	p := scenario()
	drv := newFakeDriver(p)

	res, err := New(nil, drv, nil).Run(context.Background(), p, dir, Options{Resume: true})
	require.NoError(t, err)

	recs := res.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, types.StageStatusSkipped, recs[0].Status)
	assert.Nil(t, recs[0].ExitCode)
	assert.Equal(t, []string{"denoise", "classify"}, drv.invoked())
}

func TestRun_ResumeAfterDeletedIntermediate(t *testing.T) {
	dir := t.TempDir()
	p := scenario()

	first := newFakeDriver(p)
	_, err := New(nil, first, nil).Run(context.Background(), p, dir, Options{})
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, "demux.qza")))

	second := newFakeDriver(p)
	res, err := New(nil, second, nil).Run(context.Background(), p, dir, Options{Resume: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"import"}, second.invoked())
	assert.Equal(t, []types.StageStatus{
		types.StageStatusSucceeded,
		types.StageStatusSkipped,
		types.StageStatusSkipped,
	}, statuses(res.Records()))
	assert.FileExists(t, filepath.Join(dir, "demux.qza"))
}

func TestRun_ResumeNeedsEveryOutput(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeArtifact(filepath.Join(dir, "demux.qza")))
	require.NoError(t, writeArtifact(filepath.Join(dir, "table.qza")))
	p := scenario()
	drv := newFakeDriver(p)

	_, err := New(nil, drv, nil).Run(context.Background(), p, dir, Options{Resume: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"denoise", "classify"}, drv.invoked())
}

func TestRun_ResumeRunsStageWithoutOutputs(t *testing.T) {
	dir := t.TempDir()
	p := pipeline.New("p",
		pipeline.NewStage("check", []string{"true"}, nil, nil),
		pipeline.NewStage("import", []string{"qiime"}, nil, []string{"demux.qza"}),
	)
	require.NoError(t, writeArtifact(filepath.Join(dir, "demux.qza")))
	drv := newFakeDriver(p)

	res, err := New(nil, drv, nil).Run(context.Background(), p, dir, Options{Resume: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"check"}, drv.invoked())
	assert.Equal(t, []types.StageStatus{
		types.StageStatusSucceeded,
		types.StageStatusSkipped,
	}, statuses(res.Records()))
}

func TestRun_OutputMissing(t *testing.T) {
	dir := t.TempDir()
	p := scenario()
	drv := newFakeDriver(p)
	drv.steps["denoise"] = func(ctx context.Context, req *driver.Request) (*driver.Result, error) {
		// writes only one of its two outputs
		require.NoError(t, writeArtifact(filepath.Join(req.Dir, "table.qza")))
		return &driver.Result{ExitCode: 0}, nil
	}

	res, err := New(nil, drv, nil).Run(context.Background(), p, dir, Options{})
	var om *pipeline.OutputMissingError
	require.ErrorAs(t, err, &om)
	assert.Equal(t, "denoise", om.Stage)
	assert.Equal(t, []string{"seqs.qza"}, om.Paths)

	f := res.Failure()
	require.NotNil(t, f)
	assert.Equal(t, types.FailureOutputMissing, f.Kind)
	assert.Equal(t, "denoise", f.Stage)
	recs := res.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, types.StageStatusFailed, recs[1].Status)
	assert.NotContains(t, drv.invoked(), "classify")
}

func TestRun_ResumeRejectsCorruptOutput(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "demux.qza"), []byte("partial"), 0o644))
	p := scenario()
	drv := newFakeDriver(p)

	res, err := New(nil, drv, nil).Run(context.Background(), p, dir, Options{Resume: true})
	var ri *pipeline.ResumeInconsistencyError
	require.ErrorAs(t, err, &ri)
	assert.Equal(t, "import", ri.Stage)
	assert.Equal(t, "demux.qza", ri.Path)
	assert.Empty(t, drv.invoked())
	assert.Equal(t, types.FailureResumeInconsistency, res.Failure().Kind)

	t.Run("check can be disabled", func(t *testing.T) {
		drv := newFakeDriver(p)
		_, err := New(nil, drv, nil).Run(context.Background(), p, dir, Options{Resume: true, SkipIntegrityCheck: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"denoise", "classify"}, drv.invoked())
	})
}

func TestRun_DryRun(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeArtifact(filepath.Join(dir, "demux.qza")))
	p := scenario()
	drv := newFakeDriver(p)
	store := runstore.NewMemoryStore(nil)

	t.Run("plans every stage", func(t *testing.T) {
		res, err := New(store, drv, nil).Run(context.Background(), p, dir, Options{DryRun: true})
		require.NoError(t, err)
		assert.Equal(t, types.RunStatusCompleted, res.Status())
		assert.Equal(t, []types.StageStatus{
			types.StageStatusPlanned,
			types.StageStatusPlanned,
			types.StageStatusPlanned,
		}, statuses(res.Records()))
	})

	t.Run("reports resume skips", func(t *testing.T) {
		res, err := New(store, drv, nil).Run(context.Background(), p, dir, Options{DryRun: true, Resume: true})
		require.NoError(t, err)
		assert.Equal(t, []types.StageStatus{
			types.StageStatusSkipped,
			types.StageStatusPlanned,
			types.StageStatusPlanned,
		}, statuses(res.Records()))
	})

	t.Run("flags corrupt outputs without failing", func(t *testing.T) {
		bad := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(bad, "demux.qza"), nil, 0o644))
		res, err := New(store, drv, nil).Run(context.Background(), p, bad, Options{DryRun: true, Resume: true})
		require.NoError(t, err)
		recs := res.Records()
		assert.Equal(t, types.StageStatusPlanned, recs[0].Status)
		assert.Contains(t, recs[0].Error, "empty")
	})

	assert.Empty(t, drv.invoked())
	assert.NoDirExists(t, filepath.Join(dir, filepath.Dir(MarkerFile)))
}

func TestRun_ValidationFailure(t *testing.T) {
	dir := t.TempDir()
	p := pipeline.New("broken",
		pipeline.NewStage("import", []string{"true"}, nil, []string{"demux.qza"}),
		pipeline.NewStage("classify", []string{"true"}, []string{"seqs.qza"}, []string{"taxonomy.qza"}),
	)
	drv := newFakeDriver(p)
	store := runstore.NewMemoryStore(nil)

	for _, opts := range []Options{{}, {DryRun: true}} {
		res, err := New(store, drv, nil).Run(context.Background(), p, dir, opts)
		var de *pipeline.DependencyError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, "classify", de.Stage)
		assert.Equal(t, "seqs.qza", de.Path)

		assert.Empty(t, res.Records())
		f := res.Failure()
		require.NotNil(t, f)
		assert.Equal(t, types.FailureValidation, f.Kind)
		assert.Equal(t, "classify", f.Stage)

		run, err := store.GetRun(context.Background(), res.RunID())
		require.NoError(t, err)
		assert.Equal(t, types.RunStatusFailed, run.Status)
	}
	assert.Empty(t, drv.invoked())
}

func TestRun_MissingWorkdir(t *testing.T) {
	p := scenario()
	res, err := New(nil, newFakeDriver(p), nil).Run(context.Background(), p, filepath.Join(t.TempDir(), "nope"), Options{})
	var ve *pipeline.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, types.FailureValidation, res.Failure().Kind)
}

func TestRun_WorkdirMarker(t *testing.T) {
	p := scenario()
	host, _ := os.Hostname()

	writeMarker := func(t *testing.T, dir string, m marker) {
		t.Helper()
		path := filepath.Join(dir, MarkerFile)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		b, err := json.Marshal(m)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, b, 0o644))
	}

	t.Run("live marker means busy", func(t *testing.T) {
		dir := t.TempDir()
		writeMarker(t, dir, marker{RunID: "other", PID: os.Getpid(), Host: host, StartedAt: time.Now()})
		drv := newFakeDriver(p)

		res, err := New(nil, drv, nil).Run(context.Background(), p, dir, Options{})
		require.ErrorIs(t, err, pipeline.ErrWorkdirBusy)
		assert.Equal(t, types.FailureWorkdirBusy, res.Failure().Kind)
		assert.Empty(t, drv.invoked())
		assert.Empty(t, res.Records())

		m, err := readMarker(filepath.Join(dir, MarkerFile))
		require.NoError(t, err)
		assert.Equal(t, "other", m.RunID)
	})

	t.Run("stale marker is replaced", func(t *testing.T) {
		dir := t.TempDir()
		writeMarker(t, dir, marker{RunID: "crashed", PID: 999999999, Host: host})
		drv := newFakeDriver(p)

		_, err := New(nil, drv, nil).Run(context.Background(), p, dir, Options{})
		require.NoError(t, err)
		assert.Len(t, drv.invoked(), 3)
		assert.NoFileExists(t, filepath.Join(dir, MarkerFile))
	})

	t.Run("unreadable marker is replaced", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, MarkerFile)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))

		_, err := New(nil, newFakeDriver(p), nil).Run(context.Background(), p, dir, Options{})
		require.NoError(t, err)
	})

	t.Run("marker present while running", func(t *testing.T) {
		dir := t.TempDir()
		drv := newFakeDriver(p)
		var seen *marker
		drv.steps["import"] = func(ctx context.Context, req *driver.Request) (*driver.Result, error) {
			m, err := readMarker(filepath.Join(req.Dir, MarkerFile))
			require.NoError(t, err)
			seen = m
			return &driver.Result{ExitCode: 0}, writeArtifact(filepath.Join(req.Dir, "demux.qza"))
		}
		res, err := New(nil, drv, nil).Run(context.Background(), p, dir, Options{})
		require.NoError(t, err)
		require.NotNil(t, seen)
		assert.Equal(t, res.RunID(), seen.RunID)
		assert.Equal(t, os.Getpid(), seen.PID)
	})
}

func TestRun_Cancellation(t *testing.T) {
	dir := t.TempDir()
	p := scenario()
	drv := newFakeDriver(p)
	ctx, cancel := context.WithCancel(context.Background())
	drv.steps["denoise"] = func(ctx context.Context, req *driver.Request) (*driver.Result, error) {
		cancel()
		<-ctx.Done()
		return &driver.Result{ExitCode: driver.ExitCodeCancelled, Interrupted: true}, nil
	}
	store := runstore.NewMemoryStore(nil)

	res, err := New(store, drv, nil).Run(ctx, p, dir, Options{})
	require.Error(t, err)
	assert.True(t, IsCancelled(err))

	f := res.Failure()
	require.NotNil(t, f)
	assert.Equal(t, "denoise", f.Stage)
	assert.Equal(t, types.FailureExecution, f.Kind)
	require.NotNil(t, f.ExitCode)
	assert.Equal(t, driver.ExitCodeCancelled, *f.ExitCode)
	assert.Contains(t, f.Reason, "cancelled")
	assert.NotContains(t, drv.invoked(), "classify")

	// terminal state is stored despite the cancelled context
	run, err := store.GetRun(context.Background(), res.RunID())
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusFailed, run.Status)
	assert.NoFileExists(t, filepath.Join(dir, MarkerFile))
}

func TestRun_OutputLimit(t *testing.T) {
	dir := t.TempDir()
	p := pipeline.New("one", pipeline.NewStage("noisy", []string{"noisy"}, nil, nil))
	drv := newFakeDriver(p)
	drv.steps["noisy"] = func(ctx context.Context, req *driver.Request) (*driver.Result, error) {
		return &driver.Result{ExitCode: 0, Output: []byte("0123456789")}, nil
	}

	res, err := New(nil, drv, nil).Run(context.Background(), p, dir, Options{OutputLimit: 4})
	require.NoError(t, err)
	rec := res.Records()[0]
	assert.Equal(t, "6789", rec.Output)
	assert.True(t, rec.Truncated)
}

func TestRun_Events(t *testing.T) {
	dir := t.TempDir()
	p := scenario()
	store := runstore.NewMemoryStore(nil)

	res, err := New(store, newFakeDriver(p), nil).Run(context.Background(), p, dir, Options{})
	require.NoError(t, err)

	events, err := store.GetEventsSince(context.Background(), res.RunID(), "")
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, types.EventTypeRunStatus, events[0].Type)
	assert.Equal(t, types.EventTypeStreamEnd, events[len(events)-1].Type)

	var progress int
	for _, e := range events {
		if e.Type == types.EventTypeProgress {
			progress++
		}
	}
	assert.Equal(t, 3, progress)
}

func TestRun_RealSubprocesses(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	dir := t.TempDir()
	p := pipeline.New("shell",
		pipeline.NewStage("first", []string{"/bin/sh", "-c", "echo a > a.txt"}, nil, []string{"a.txt"}),
		pipeline.NewStage("second", []string{"/bin/sh", "-c", "cat a.txt > b.txt; echo copied; echo warn 1>&2"}, []string{"a.txt"}, []string{"b.txt"}),
		pipeline.NewStage("third", []string{"/bin/sh", "-c", "exit 7"}, []string{"b.txt"}, []string{"c.txt"}),
	)
	store := runstore.NewMemoryStore(nil)
	drv := driver.NewLocalSubprocessDriver(driver.NewRunStoreEmitter(store, 0, 0), nil)

	res, err := New(store, drv, nil).Run(context.Background(), p, dir, Options{})
	var ee *pipeline.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 7, ee.ExitCode)

	recs := res.Records()
	require.Len(t, recs, 3)
	assert.Contains(t, recs[1].Output, "copied")
	assert.Contains(t, recs[1].Output, "warn")
	assert.FileExists(t, filepath.Join(dir, "b.txt"))
	assert.Equal(t, "third", res.Failure().Stage)
}

func TestRun_CreatesOutputDirectories(t *testing.T) {
	dir := t.TempDir()
	p := pipeline.New("dirs",
		pipeline.NewStage("collapse", []string{"qiime", "taxa", "collapse"}, nil, []string{"collapsed/level-2.qza"}),
	)
	drv := newFakeDriver(p)
	drv.steps["collapse"] = func(_ context.Context, req *driver.Request) (*driver.Result, error) {
		// A tool that does not create parent directories itself.
		f, err := os.OpenFile(filepath.Join(req.Dir, "collapsed", "level-2.qza"), os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return &driver.Result{ExitCode: 1, Output: []byte(err.Error())}, nil
		}
		f.WriteString("x")
		f.Close()
		return &driver.Result{}, nil
	}

	res, err := New(nil, drv, nil).Run(context.Background(), p, dir, Options{})
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.DirExists(t, filepath.Join(dir, "collapsed"))
}

func TestPipelineResultIsImmutable(t *testing.T) {
	dir := t.TempDir()
	p := scenario()
	res, err := New(nil, newFakeDriver(p), nil).Run(context.Background(), p, dir, Options{})
	require.NoError(t, err)

	recs := res.Records()
	recs[0].StageName = "changed"
	assert.Equal(t, "import", res.Records()[0].StageName)
}
