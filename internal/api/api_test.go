package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/ampliconflow/internal/dataflow"
	"github.com/flexinfer/ampliconflow/internal/runstore"
	"github.com/flexinfer/ampliconflow/pkg/types"
)

func newTestServer(t *testing.T, artifacts *dataflow.Service) (*httptest.Server, runstore.RunStore) {
	t.Helper()
	store := runstore.NewMemoryStore(nil)
	srv := httptest.NewServer(NewServer(NewHandlers(store, artifacts, nil)).Router())
	t.Cleanup(func() {
		srv.Close()
		store.Close()
	})
	return srv, store
}

func createRun(t *testing.T, store runstore.RunStore, status types.RunStatus, failure *types.Failure) string {
	t.Helper()
	ctx := context.Background()
	id, err := store.CreateRun(ctx, &types.Run{Name: "amplicon", Workdir: "/data/run1"})
	require.NoError(t, err)
	if status == types.RunStatusNotStarted {
		return id
	}
	require.NoError(t, store.UpdateRunStatus(ctx, id, types.RunStatusRunning, nil))
	if status != types.RunStatusRunning {
		require.NoError(t, store.UpdateRunStatus(ctx, id, status, failure))
	}
	return id
}

func getJSON(t *testing.T, url string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHealthAndReady(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	var health map[string]string
	resp := getJSON(t, srv.URL+"/health", &health)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", health["status"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var ready map[string]interface{}
	resp = getJSON(t, srv.URL+"/ready", &ready)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "memory", ready["runstore"].(map[string]interface{})["adapter"])
}

func TestRequestIDIsEchoed(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/runs/missing", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "req-123", resp.Header.Get("X-Request-ID"))

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, ErrCodeNotFound, body.Error)
	assert.Equal(t, "req-123", body.RequestID)
}

func TestListRuns(t *testing.T) {
	srv, store := newTestServer(t, nil)
	createRun(t, store, types.RunStatusCompleted, nil)
	createRun(t, store, types.RunStatusFailed, &types.Failure{Stage: "denoise", Kind: types.FailureExecution, Reason: "exit status 1"})
	createRun(t, store, types.RunStatusRunning, nil)

	var all struct{ Runs []types.RunMeta }
	getJSON(t, srv.URL+"/api/v1/runs", &all)
	assert.Len(t, all.Runs, 3)

	var failed struct{ Runs []types.RunMeta }
	getJSON(t, srv.URL+"/api/v1/runs?status=failed", &failed)
	require.Len(t, failed.Runs, 1)
	assert.Equal(t, "denoise", failed.Runs[0].Failure.Stage)

	var limited struct{ Runs []types.RunMeta }
	getJSON(t, srv.URL+"/api/v1/runs?limit=2", &limited)
	assert.Len(t, limited.Runs, 2)

	resp := getJSON(t, srv.URL+"/api/v1/runs?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunRecordsAndResult(t *testing.T) {
	srv, store := newTestServer(t, nil)
	ctx := context.Background()

	id := createRun(t, store, types.RunStatusRunning, nil)
	code := 0
	require.NoError(t, store.AppendRecord(ctx, id, &types.ExecutionRecord{
		StageName: "import", Status: types.StageStatusSucceeded, ExitCode: &code,
		StartTime: time.Now().UTC(), EndTime: time.Now().UTC(),
	}))

	var run types.Run
	resp := getJSON(t, srv.URL+"/api/v1/runs/"+id, &run)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, types.RunStatusRunning, run.Status)

	var recs struct{ Records []types.ExecutionRecord }
	getJSON(t, srv.URL+"/api/v1/runs/"+id+"/records", &recs)
	require.Len(t, recs.Records, 1)
	assert.Equal(t, "import", recs.Records[0].StageName)

	resp = getJSON(t, srv.URL+"/api/v1/runs/"+id+"/result", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	require.NoError(t, store.UpdateRunStatus(ctx, id, types.RunStatusCompleted, nil))
	var result struct {
		RunID           string                  `json:"run_id"`
		Status          types.RunStatus         `json:"status"`
		CompletedStages []types.ExecutionRecord `json:"completed_stages"`
	}
	resp = getJSON(t, srv.URL+"/api/v1/runs/"+id+"/result", &result)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, result.RunID)
	assert.Equal(t, types.RunStatusCompleted, result.Status)
	assert.Len(t, result.CompletedStages, 1)

	resp = getJSON(t, srv.URL+"/api/v1/runs/nope/records", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestArtifacts(t *testing.T) {
	srv, store := newTestServer(t, nil)
	id := createRun(t, store, types.RunStatusCompleted, nil)
	resp := getJSON(t, srv.URL+"/api/v1/runs/"+id+"/artifacts", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	workdir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workdir, "taxonomy.qza"), []byte("x"), 0o644))
	svc := dataflow.NewWithBackend(dataflow.NewMemoryBackend(""), nil)

	srv2, store2 := newTestServer(t, svc)
	id2 := createRun(t, store2, types.RunStatusCompleted, nil)
	_, err := svc.Publish(context.Background(), id2, workdir, []string{"taxonomy.qza"})
	require.NoError(t, err)

	var body struct{ Artifacts []dataflow.ArtifactRef }
	resp = getJSON(t, srv2.URL+"/api/v1/runs/"+id2+"/artifacts", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body.Artifacts, 2)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	getJSON(t, srv.URL+"/api/v1/runs", nil)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `ampliconflow_api_http_requests_total{method="GET",path="/api/v1/runs",status="200"}`)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := NewHandlers(runstore.NewMemoryStore(nil), nil, nil)
	handler := h.RecoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}

// sseEvent is one parsed Server-Sent Event.
type sseEvent struct {
	id, event, data string
}

func readSSE(t *testing.T, body io.Reader, events chan<- sseEvent) {
	scanner := bufio.NewScanner(body)
	var cur sseEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.event != "" {
				events <- cur
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	close(events)
}

func nextEvent(t *testing.T, events <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case evt, ok := <-events:
		require.True(t, ok, "stream closed early")
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return sseEvent{}
	}
}

func TestStreamEventsLive(t *testing.T) {
	srv, store := newTestServer(t, nil)
	ctx := context.Background()
	id := createRun(t, store, types.RunStatusRunning, nil)

	_, err := store.AppendEvent(ctx, id, &types.EventInput{Type: types.EventTypeLog, Stage: "import", Data: types.LogEvent{Level: types.LogLevelInfo, Stream: "stdout", Message: "before"}})
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/v1/runs/" + id + "/events?since=0")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan sseEvent, 16)
	go readSSE(t, resp.Body, events)

	first := nextEvent(t, events)
	assert.Equal(t, "log", first.event)
	assert.Contains(t, first.data, "before")

	_, err = store.AppendEvent(ctx, id, &types.EventInput{Type: types.EventTypeLog, Stage: "import", Data: types.LogEvent{Level: types.LogLevelInfo, Stream: "stdout", Message: "after"}})
	require.NoError(t, err)
	second := nextEvent(t, events)
	assert.Contains(t, second.data, "after")

	require.NoError(t, store.UpdateRunStatus(ctx, id, types.RunStatusFailed, &types.Failure{Stage: "import", Kind: types.FailureExecution, Reason: "exit status 2"}))
	end := nextEvent(t, events)
	assert.Equal(t, string(types.EventTypeStreamEnd), end.event)

	var payload types.RunStatusEvent
	var wrapped types.Event
	require.NoError(t, json.Unmarshal([]byte(end.data), &wrapped))
	require.NoError(t, json.Unmarshal(wrapped.Data, &payload))
	assert.Equal(t, types.RunStatusFailed, payload.Status)
	assert.Equal(t, "exit status 2", payload.Error)
}

func TestStreamEventsFinishedRunReplay(t *testing.T) {
	srv, store := newTestServer(t, nil)
	ctx := context.Background()
	id := createRun(t, store, types.RunStatusRunning, nil)
	for _, msg := range []string{"one", "two", "three"} {
		_, err := store.AppendEvent(ctx, id, &types.EventInput{Type: types.EventTypeLog, Data: types.LogEvent{Message: msg}})
		require.NoError(t, err)
	}
	require.NoError(t, store.UpdateRunStatus(ctx, id, types.RunStatusCompleted, nil))

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/runs/"+id+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	events := make(chan sseEvent, 16)
	go readSSE(t, resp.Body, events)

	var got []string
	for evt := range events {
		got = append(got, evt.event+":"+evt.id)
	}
	assert.Equal(t, []string{"log:2", "log:3", "stream_end:final"}, got)
}

func TestStreamEventsUnknownRun(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp := getJSON(t, srv.URL+"/api/v1/runs/missing/events", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
