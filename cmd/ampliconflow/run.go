package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flexinfer/ampliconflow/internal/amplicon"
	"github.com/flexinfer/ampliconflow/internal/config"
	"github.com/flexinfer/ampliconflow/internal/driver"
	"github.com/flexinfer/ampliconflow/internal/metrics"
	"github.com/flexinfer/ampliconflow/internal/runner"
	"github.com/flexinfer/ampliconflow/internal/runstore"
)

type runFlags struct {
	resume        bool
	dryRun        bool
	publish       bool
	skipIntegrity bool
	runID         string
}

func newRunCmd(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the workflow in the working directory",
		Example: `  ampliconflow run --config ampliconflow.yaml --workdir out
  ampliconflow run --resume --publish`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context(), f)
		},
	}
	cmd.Flags().BoolVar(&f.resume, "resume", false, "skip stages whose outputs already exist")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "validate and plan without running any command")
	cmd.Flags().BoolVar(&f.publish, "publish", false, "publish the final artifacts after a successful run")
	cmd.Flags().BoolVar(&f.skipIntegrity, "skip-integrity-check", false, "reuse existing outputs on resume without inspecting them")
	cmd.Flags().StringVar(&f.runID, "run-id", "", "use this run identifier instead of a generated one")
	return cmd
}

func newPlanCmd(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what a run would do without running anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.dryRun = true
			return a.run(cmd.Context(), f)
		},
	}
	cmd.Flags().BoolVar(&f.resume, "resume", false, "plan as a resumed run")
	return cmd
}

func (a *app) run(ctx context.Context, f runFlags) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	workdir, err := a.absWorkdir()
	if err != nil {
		return err
	}
	p, err := buildPipeline(cfg)
	if err != nil {
		return err
	}

	tp, err := a.initTracing(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := tp.Shutdown(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("tracing shutdown failed", slog.Any("error", err))
		}
	}()

	// Dry runs leave the working directory untouched, run store included.
	var store runstore.RunStore
	if f.dryRun {
		store = runstore.NewMemoryStore(nil)
	} else if store, err = a.openStore(cfg, workdir); err != nil {
		return err
	}
	defer store.Close()

	emitter := driver.NewRunStoreEmitter(store, cfg.Runner.LogLinesPerSecond, cfg.Runner.LogBurst)
	drv := driver.NewLocalSubprocessDriver(emitter, &driver.SubprocessConfig{
		InheritEnv:  inheritEnv(cfg.Runner.EnvPassthrough),
		OutputLimit: cfg.Runner.OutputLimit,
	})
	r := runner.New(store, drv, &runner.Config{
		StageTimeout: cfg.Runner.StageTimeout.Std(),
		Env:          cfg.Runner.Env,
		Logger:       a.logger,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, runErr := r.Run(ctx, p, workdir, runner.Options{
		Resume:             f.resume,
		DryRun:             f.dryRun,
		OutputLimit:        cfg.Runner.OutputLimit,
		SkipIntegrityCheck: f.skipIntegrity || cfg.Runner.SkipIntegrityCheck,
		RunID:              f.runID,
	})
	if res == nil {
		return runErr
	}
	renderResult(a.stdout, res)

	if !f.dryRun {
		a.pushMetrics(ctx, cfg, res.RunID())
	}
	if runErr != nil {
		return runErr
	}
	if f.publish && !f.dryRun {
		return a.publish(ctx, cfg, workdir, res.RunID())
	}
	return nil
}

func (a *app) publish(ctx context.Context, cfg *config.Config, workdir, runID string) error {
	svc, err := a.newArtifactService(ctx, cfg, workdir)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	refs, err := svc.Publish(ctx, runID, workdir, amplicon.FinalArtifacts(cfg.Params))
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	for _, ref := range refs {
		fmt.Fprintf(a.stdout, "published %s\n", ref.URI)
	}
	return nil
}

func (a *app) pushMetrics(ctx context.Context, cfg *config.Config, runID string) {
	err := metrics.Push(context.WithoutCancel(ctx), cfg.Telemetry.PushgatewayURL, "ampliconflow",
		map[string]string{"run_id": runID})
	if err != nil {
		a.logger.Warn("metrics push failed", slog.Any("error", err))
	}
}

// inheritEnv returns the variables stage commands inherit. PATH and HOME
// are always kept so tools can be found by name.
func inheritEnv(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	return append([]string{"PATH", "HOME"}, names...)
}
