package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flexinfer/ampliconflow/internal/api"
	"github.com/flexinfer/ampliconflow/internal/dataflow"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve run history, live events and metrics over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func (a *app) serve(ctx context.Context, addr string) error {
	cfg, err := a.loadConfigOptional()
	if err != nil {
		return err
	}
	if addr == "" {
		addr = cfg.Server.Addr
	}
	workdir, err := a.absWorkdir()
	if err != nil {
		return err
	}

	tp, err := a.initTracing(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = tp.Shutdown(context.WithoutCancel(ctx)) }()

	store, err := a.openStore(cfg, workdir)
	if err != nil {
		return err
	}
	defer store.Close()

	var artifacts *dataflow.Service
	if svc, err := a.newArtifactService(ctx, cfg, workdir); err != nil {
		a.logger.Warn("artifact listing disabled", slog.Any("error", err))
	} else {
		artifacts = svc
	}

	handlers := api.NewHandlers(store, artifacts, a.logger)
	server := api.NewServer(handlers,
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		api.WithTracing(tp.Enabled()),
	)

	srv := &http.Server{
		Addr:         addr,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server listening", slog.String("addr", srv.Addr), slog.String("workdir", workdir))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownGrace.Std())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", "error", err)
	}
	a.logger.Info("server stopped")
	return nil
}
