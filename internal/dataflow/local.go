package dataflow

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// LocalBackend copies artifacts into a directory tree.
type LocalBackend struct {
	root   string
	prefix string
}

// NewLocalBackend stores artifacts under root.
func NewLocalBackend(root, prefix string) *LocalBackend {
	return &LocalBackend{root: root, prefix: prefix}
}

func (b *LocalBackend) Name() string { return "local" }

func (b *LocalBackend) path(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(joinPrefix(b.prefix, key)))
}

func (b *LocalBackend) Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) (*ArtifactRef, error) {
	dst := b.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("copy: %w", err)
	}
	if size >= 0 && n != size {
		return nil, fmt.Errorf("short write: %d of %d bytes", n, size)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(dst)
	if err != nil {
		abs = dst
	}
	return &ArtifactRef{
		URI:         "file://" + filepath.ToSlash(abs),
		Key:         key,
		ContentType: contentType,
		Size:        n,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (b *LocalBackend) Get(ctx context.Context, ref *ArtifactRef) (io.ReadCloser, error) {
	return os.Open(b.path(ref.Key))
}

func (b *LocalBackend) List(ctx context.Context, prefix string) ([]*ArtifactRef, error) {
	base := filepath.Join(b.root, filepath.FromSlash(joinPrefix(b.prefix, "")))
	var refs []*ArtifactRef
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == base && os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		abs, _ := filepath.Abs(p)
		refs = append(refs, &ArtifactRef{
			URI:         "file://" + filepath.ToSlash(abs),
			Key:         key,
			ContentType: contentTypeOf(p),
			Size:        info.Size(),
			CreatedAt:   info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Key < refs[j].Key })
	return refs, nil
}
