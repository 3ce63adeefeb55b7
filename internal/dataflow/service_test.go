package dataflow

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/ampliconflow/internal/metrics"
)

func writeWorkdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "tables"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "taxonomy.qza"), []byte("PK-archive"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tables", "level-2.tsv"), []byte("#OTU ID\tS1\n"), 0o644))
	return dir
}

func TestPublishMemory(t *testing.T) {
	dir := writeWorkdir(t)
	backend := NewMemoryBackend("artifacts")
	svc := NewWithBackend(backend, nil)
	ctx := context.Background()

	before := testutil.ToFloat64(metrics.ArtifactsPublished.WithLabelValues("memory", "ok"))

	refs, err := svc.Publish(ctx, "run-1", dir, []string{"taxonomy.qza", "tables/level-2.tsv"})
	require.NoError(t, err)
	require.Len(t, refs, 2)

	assert.Equal(t, "runs/run-1/taxonomy.qza", refs[0].Key)
	assert.Equal(t, "memory://artifacts/runs/run-1/taxonomy.qza", refs[0].URI)
	assert.Equal(t, "application/zip", refs[0].ContentType)
	assert.Equal(t, int64(10), refs[0].Size)
	assert.Len(t, refs[0].Checksum, 64)
	assert.Equal(t, "text/tab-separated-values", refs[1].ContentType)
	assert.Equal(t, "tables/level-2.tsv", refs[1].Metadata["source"])

	assert.Equal(t, before+2, testutil.ToFloat64(metrics.ArtifactsPublished.WithLabelValues("memory", "ok")))

	listed, err := svc.ListRunArtifacts(ctx, "run-1")
	require.NoError(t, err)
	keys := make([]string, 0, len(listed))
	for _, r := range listed {
		keys = append(keys, r.Key)
	}
	assert.Equal(t, []string{"runs/run-1/artifacts.json", "runs/run-1/tables/level-2.tsv", "runs/run-1/taxonomy.qza"}, keys)

	rc, err := backend.Get(ctx, listed[0])
	require.NoError(t, err)
	defer rc.Close()
	var index []ArtifactRef
	require.NoError(t, json.NewDecoder(rc).Decode(&index))
	assert.Len(t, index, 2)
}

func TestPublishMissingFile(t *testing.T) {
	dir := writeWorkdir(t)
	svc := NewWithBackend(NewMemoryBackend(""), nil)

	refs, err := svc.Publish(context.Background(), "run-2", dir, []string{"taxonomy.qza", "missing.qza", "tables/level-2.tsv"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish missing.qza")
	assert.Len(t, refs, 1)

	_, err = svc.Publish(context.Background(), "run-2", dir, []string{"tables"})
	assert.ErrorContains(t, err, "is a directory")
}

func TestLocalBackend(t *testing.T) {
	dir := writeWorkdir(t)
	dest := t.TempDir()
	ctx := context.Background()

	svc, err := New(ctx, &Config{Type: "local", Dir: dest}, nil)
	require.NoError(t, err)
	assert.Equal(t, "local", svc.Backend().Name())

	refs, err := svc.Publish(ctx, "run-3", dir, []string{"tables/level-2.tsv"})
	require.NoError(t, err)
	require.Len(t, refs, 1)

	data, err := os.ReadFile(filepath.Join(dest, "runs", "run-3", "tables", "level-2.tsv"))
	require.NoError(t, err)
	assert.Equal(t, "#OTU ID\tS1\n", string(data))
	assert.FileExists(t, filepath.Join(dest, "runs", "run-3", ManifestName))

	listed, err := svc.ListRunArtifacts(ctx, "run-3")
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	rc, err := svc.Backend().Get(ctx, refs[0])
	require.NoError(t, err)
	got, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, data, got)

	empty, err := NewLocalBackend(filepath.Join(dest, "nothing"), "").List(ctx, "runs/")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	_, err := New(context.Background(), &Config{Type: "ftp"}, nil)
	assert.ErrorContains(t, err, "unknown backend type")

	_, err = New(context.Background(), &Config{Type: "local"}, nil)
	assert.ErrorContains(t, err, "needs a directory")

	_, err = New(context.Background(), &Config{Type: "s3"}, nil)
	assert.ErrorContains(t, err, "bucket name is required")
}

func TestS3BackendPut(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	svc, err := New(ctx, &Config{
		Type:            "s3",
		Endpoint:        srv.URL,
		Bucket:          "results",
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		UsePathStyle:    true,
		PathPrefix:      "amplicon",
	}, nil)
	require.NoError(t, err)

	refs, err := svc.Publish(ctx, "run-4", writeWorkdir(t), []string{"taxonomy.qza"})
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "s3://results/amplicon/runs/run-4/taxonomy.qza", refs[0].URI)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"PUT /results/amplicon/runs/run-4/taxonomy.qza",
		"PUT /results/amplicon/runs/run-4/artifacts.json",
	}, paths)
}
