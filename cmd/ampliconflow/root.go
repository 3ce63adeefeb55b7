package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/flexinfer/ampliconflow/internal/amplicon"
	"github.com/flexinfer/ampliconflow/internal/config"
	"github.com/flexinfer/ampliconflow/internal/pipeline"
)

// app carries the global flags and writers shared by every command.
type app struct {
	configPath string
	workdir    string
	logLevel   string
	logFormat  string
	verbose    bool

	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "ampliconflow",
		Short: "Run the paired-end amplicon workflow as a resumable staged pipeline",
		Long: "ampliconflow turns paired-end amplicon reads into per-level taxonomy tables.\n" +
			"Each stage runs an external tool, declares the files it reads and writes,\n" +
			"and is skipped on --resume when its outputs already exist.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			a.setupLogging(config.Default().Logging)
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", config.DefaultFile, "config file (.yaml, .yml or .toml)")
	pf.StringVarP(&a.workdir, "workdir", "w", ".", "working directory for stage outputs")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error (overrides config)")
	pf.StringVar(&a.logFormat, "log-format", "", "log format: text or json (overrides config)")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newRunCmd(a),
		newPlanCmd(a),
		newValidateCmd(a),
		newGraphCmd(a),
		newHistoryCmd(a),
		newServeCmd(a),
		newInitCmd(a),
		newDoctorCmd(a),
		newBarcodesCmd(a),
		newManifestCmd(a),
	)
	return root
}

// execute runs the command line and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr}
	a.logger = newLogger(stderr, "info", "text")

	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	fmt.Fprintf(stderr, "Error: %s\n", describeError(err))
	return exitCodeFor(err)
}

// loadConfig reads the config file and reconfigures logging from it.
func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, &configError{err: err}
	}
	a.setupLogging(cfg.Logging)
	return cfg, nil
}

// loadConfigOptional is loadConfig for commands that only need the store and
// server settings: a missing file falls back to the defaults.
func (a *app) loadConfigOptional() (*config.Config, error) {
	if _, err := os.Stat(a.configPath); errors.Is(err, os.ErrNotExist) {
		a.logger.Debug("no config file, using defaults", slog.String("path", a.configPath))
		return config.Default(), nil
	}
	return a.loadConfig()
}

func (a *app) absWorkdir() (string, error) {
	dir, err := filepath.Abs(a.workdir)
	if err != nil {
		return "", fmt.Errorf("resolve workdir: %w", err)
	}
	return dir, nil
}

// resolveTools points the self tool at the running binary unless the config
// names one explicitly.
func resolveTools(tools amplicon.Tools) amplicon.Tools {
	if tools.Self.Path == amplicon.DefaultTools().Self.Path {
		if exe, err := os.Executable(); err == nil {
			tools.Self.Path = exe
		}
	}
	return tools
}

// buildPipeline assembles the workflow from cfg. Problems with the inputs or
// parameters are reported as validation failures.
func buildPipeline(cfg *config.Config) (*pipeline.Pipeline, error) {
	p, err := amplicon.Build(cfg.ResolvedInputs(), cfg.Params, resolveTools(cfg.Tools), nil)
	if err != nil {
		return nil, &pipeline.ValidationError{Reason: err.Error()}
	}
	return p, nil
}
