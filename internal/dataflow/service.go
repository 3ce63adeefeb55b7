// Package dataflow publishes the final artifacts of a run to a storage
// backend: a local directory, an S3-compatible bucket or memory for tests.
package dataflow

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flexinfer/ampliconflow/internal/metrics"
)

// ManifestName is the index object written next to a run's artifacts.
const ManifestName = "artifacts.json"

// ArtifactRef represents a reference to an artifact in storage.
type ArtifactRef struct {
	// URI is the full artifact location (e.g. "s3://bucket/runs/<id>/taxonomy.qza")
	URI string `json:"uri"`

	// Key is the backend-relative object key.
	Key string `json:"key"`

	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size,omitempty"`
	Checksum    string    `json:"checksum,omitempty"` // SHA256
	CreatedAt   time.Time `json:"created_at,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Backend defines the storage backend interface.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Put stores size bytes from data under key.
	Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) (*ArtifactRef, error)

	// Get retrieves data for an artifact.
	Get(ctx context.Context, ref *ArtifactRef) (io.ReadCloser, error)

	// List lists artifacts whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]*ArtifactRef, error)
}

// Config holds dataflow service configuration.
type Config struct {
	// Backend type: "local", "s3" or "memory"
	Type string

	// Dir is the root of the local backend.
	Dir string

	// S3 configuration
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool

	// PathPrefix is prepended to every key.
	PathPrefix string
}

// Service publishes run artifacts.
type Service struct {
	backend Backend
	logger  *slog.Logger
}

// New creates a new dataflow service.
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		cfg = &Config{Type: "memory"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	var backend Backend
	switch cfg.Type {
	case "memory":
		backend = NewMemoryBackend(cfg.PathPrefix)
	case "", "local":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("local backend needs a directory")
		}
		backend = NewLocalBackend(cfg.Dir, cfg.PathPrefix)
	case "s3":
		s3Backend, err := NewS3Backend(ctx, &S3Config{
			Endpoint:        cfg.Endpoint,
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			UsePathStyle:    cfg.UsePathStyle,
			PathPrefix:      cfg.PathPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("create s3 backend: %w", err)
		}
		backend = s3Backend
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}

	return NewWithBackend(backend, logger), nil
}

// NewWithBackend wraps an existing backend.
func NewWithBackend(backend Backend, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{backend: backend, logger: logger}
}

// Backend returns the underlying backend.
func (s *Service) Backend() Backend { return s.backend }

// ArtifactKey returns the key of a workdir-relative file of a run.
func ArtifactKey(runID, rel string) string {
	return path.Join("runs", runID, filepath.ToSlash(filepath.Clean(rel)))
}

// Publish uploads the given workdir-relative files of a completed run and
// writes an artifacts.json index next to them. It stops at the first
// failure; refs for files already uploaded are returned with the error.
func (s *Service) Publish(ctx context.Context, runID, workdir string, files []string) ([]*ArtifactRef, error) {
	logger := s.logger.With(slog.String("run_id", runID), slog.String("backend", s.backend.Name()))

	refs := make([]*ArtifactRef, 0, len(files))
	for _, rel := range files {
		ref, err := s.publishFile(ctx, runID, workdir, rel)
		if err != nil {
			metrics.ArtifactsPublished.WithLabelValues(s.backend.Name(), "error").Inc()
			logger.Error("publish failed", slog.String("file", rel), slog.Any("error", err))
			return refs, fmt.Errorf("publish %s: %w", rel, err)
		}
		metrics.ArtifactsPublished.WithLabelValues(s.backend.Name(), "ok").Inc()
		logger.Debug("artifact published", slog.String("file", rel), slog.String("uri", ref.URI))
		refs = append(refs, ref)
	}

	index, err := json.MarshalIndent(refs, "", "  ")
	if err != nil {
		return refs, err
	}
	key := ArtifactKey(runID, ManifestName)
	if _, err := s.backend.Put(ctx, key, bytes.NewReader(index), int64(len(index)), "application/json"); err != nil {
		return refs, fmt.Errorf("write %s: %w", ManifestName, err)
	}

	logger.Info("artifacts published", slog.Int("count", len(refs)))
	return refs, nil
}

func (s *Service) publishFile(ctx context.Context, runID, workdir, rel string) (*ArtifactRef, error) {
	f, err := os.Open(filepath.Join(workdir, rel))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("is a directory")
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("checksum: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	ref, err := s.backend.Put(ctx, ArtifactKey(runID, rel), f, info.Size(), contentTypeOf(rel))
	if err != nil {
		return nil, err
	}
	ref.Checksum = hex.EncodeToString(h.Sum(nil))
	ref.Metadata = map[string]string{"run_id": runID, "source": filepath.ToSlash(rel)}
	return ref, nil
}

// ListRunArtifacts lists all artifacts for a run.
func (s *Service) ListRunArtifacts(ctx context.Context, runID string) ([]*ArtifactRef, error) {
	return s.backend.List(ctx, path.Join("runs", runID)+"/")
}

var contentTypes = map[string]string{
	".qza":  "application/zip",
	".qzv":  "application/zip",
	".tsv":  "text/tab-separated-values",
	".biom": "application/octet-stream",
	".gz":   "application/gzip",
}

func contentTypeOf(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func joinPrefix(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return strings.TrimSuffix(prefix, "/") + "/" + key
}

// MemoryBackend provides an in-memory storage backend for testing.
type MemoryBackend struct {
	mu        sync.RWMutex
	prefix    string
	artifacts map[string]*memoryArtifact
}

type memoryArtifact struct {
	ref  *ArtifactRef
	data []byte
}

// NewMemoryBackend creates a new in-memory backend.
func NewMemoryBackend(prefix string) *MemoryBackend {
	return &MemoryBackend{
		prefix:    prefix,
		artifacts: make(map[string]*memoryArtifact),
	}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) (*ArtifactRef, error) {
	content, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}
	if size >= 0 && int64(len(content)) != size {
		return nil, fmt.Errorf("short read: got %d of %d bytes", len(content), size)
	}

	full := joinPrefix(m.prefix, key)
	ref := &ArtifactRef{
		URI:         "memory://" + full,
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(content)),
		CreatedAt:   time.Now().UTC(),
	}

	m.mu.Lock()
	m.artifacts[full] = &memoryArtifact{ref: ref, data: content}
	m.mu.Unlock()

	out := *ref
	return &out, nil
}

func (m *MemoryBackend) Get(ctx context.Context, ref *ArtifactRef) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	artifact, ok := m.artifacts[strings.TrimPrefix(ref.URI, "memory://")]
	if !ok {
		return nil, fmt.Errorf("artifact not found: %s", ref.URI)
	}
	return io.NopCloser(bytes.NewReader(artifact.data)), nil
}

func (m *MemoryBackend) List(ctx context.Context, prefix string) ([]*ArtifactRef, error) {
	full := joinPrefix(m.prefix, prefix)

	m.mu.RLock()
	defer m.mu.RUnlock()
	var refs []*ArtifactRef
	for p, artifact := range m.artifacts {
		if strings.HasPrefix(p, full) {
			ref := *artifact.ref
			refs = append(refs, &ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Key < refs[j].Key })
	return refs, nil
}
