package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/flexinfer/ampliconflow/internal/config"
	"github.com/flexinfer/ampliconflow/internal/dataflow"
	"github.com/flexinfer/ampliconflow/internal/runstore"
)

// openStore opens the run store named by the config. A Redis store that
// cannot be reached falls back to the local sqlite file.
func (a *app) openStore(cfg *config.Config, workdir string) (runstore.RunStore, error) {
	storeCfg := runstore.DefaultConfig()
	storeCfg.EventMaxLen = cfg.Store.EventMaxLen
	storeCfg.TTLSeconds = int64(cfg.Store.TTL.Std().Seconds())

	switch cfg.Store.Type {
	case "memory":
		a.logger.Debug("using in-memory runstore")
		return runstore.NewMemoryStore(storeCfg), nil
	case "redis":
		redisCfg := runstore.DefaultRedisConfig()
		redisCfg.URL = cfg.Store.RedisURL
		redisCfg.Password = cfg.Store.RedisPassword
		redisCfg.DB = cfg.Store.RedisDB
		redisCfg.TTL = cfg.Store.TTL.Std()
		redisCfg.EventMaxLen = cfg.Store.EventMaxLen
		store, err := runstore.NewRedisStore(redisCfg)
		if err == nil {
			a.logger.Debug("using Redis runstore", slog.Int("db", cfg.Store.RedisDB))
			return store, nil
		}
		a.logger.Error("failed to connect to Redis, falling back to sqlite runstore", "error", err)
	}

	path := cfg.StorePath(workdir)
	store, err := runstore.NewSQLiteStore(path, storeCfg)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	a.logger.Debug("using sqlite runstore", slog.String("path", path))
	return store, nil
}

// newArtifactService builds the publisher for final artifacts. A local
// backend without a directory publishes under <workdir>/published.
func (a *app) newArtifactService(ctx context.Context, cfg *config.Config, workdir string) (*dataflow.Service, error) {
	pc := cfg.Publish
	dir := pc.Dir
	if pc.Backend != "s3" {
		switch {
		case dir == "":
			dir = filepath.Join(workdir, "published")
		case !filepath.IsAbs(dir):
			dir = filepath.Join(workdir, dir)
		}
	}
	return dataflow.New(ctx, &dataflow.Config{
		Type:         pc.Backend,
		Dir:          dir,
		Endpoint:     pc.Endpoint,
		Bucket:       pc.Bucket,
		Region:       pc.Region,
		UsePathStyle: pc.UsePathStyle,
		PathPrefix:   pc.Prefix,
	}, a.logger)
}
