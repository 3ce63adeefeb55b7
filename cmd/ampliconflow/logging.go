package main

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/flexinfer/ampliconflow/internal/config"
	"github.com/flexinfer/ampliconflow/internal/tracing"
)

func newLogger(w io.Writer, level, format string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// setupLogging installs the process logger. Flags win over the config file;
// logs go to stderr so stdout stays free for command output.
func (a *app) setupLogging(cfg config.Logging) {
	level, format := cfg.Level, cfg.Format
	if a.logLevel != "" {
		level = a.logLevel
	}
	if a.verbose {
		level = "debug"
	}
	if a.logFormat != "" {
		format = a.logFormat
	}
	a.logger = newLogger(a.stderr, level, format)
	slog.SetDefault(a.logger)
}

func (a *app) initTracing(ctx context.Context, cfg *config.Config) (*tracing.Provider, error) {
	tc := tracing.DefaultConfig()
	tc.ServiceVersion = version
	tc.Enabled = cfg.Telemetry.TracingEnabled
	tc.SampleRate = cfg.Telemetry.SampleRate
	if cfg.Telemetry.OTLPEndpoint != "" {
		tc.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	return tracing.Init(ctx, tc, a.logger)
}
