package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/flexinfer/ampliconflow/internal/pipeline"
)

// MarkerFile is the active-run marker, relative to the working directory.
const MarkerFile = ".ampliconflow/active-run"

// marker is the content of the active-run file.
type marker struct {
	RunID     string    `json:"run_id"`
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	StartedAt time.Time `json:"started_at"`
}

// activeRun detects, but does not prevent, concurrent runs in one working
// directory.
type activeRun struct {
	path  string
	runID string
}

// claimWorkdir writes the marker for runID. A marker naming a live process
// yields ErrWorkdirBusy; a stale one is replaced.
func claimWorkdir(workdir, runID string, logger *slog.Logger) (*activeRun, error) {
	path := filepath.Join(workdir, MarkerFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create marker directory: %w", err)
	}

	host, _ := os.Hostname()
	data, err := json.Marshal(marker{RunID: runID, PID: os.Getpid(), Host: host, StartedAt: time.Now().UTC()})
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := f.Write(data)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("write marker: %w", errors.Join(werr, cerr))
			}
			return &activeRun{path: path, runID: runID}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create marker: %w", err)
		}

		existing, rerr := readMarker(path)
		if rerr == nil && markerAlive(existing, host) {
			return nil, fmt.Errorf("%w: run %s (pid %d on %s) started %s",
				pipeline.ErrWorkdirBusy, existing.RunID, existing.PID, existing.Host, existing.StartedAt.Format(time.RFC3339))
		}

		attrs := []any{slog.String("path", path)}
		if rerr == nil {
			attrs = append(attrs, slog.String("stale_run_id", existing.RunID), slog.Int("stale_pid", existing.PID))
		} else {
			attrs = append(attrs, slog.Any("error", rerr))
		}
		logger.Warn("replacing stale active-run marker", attrs...)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("remove stale marker: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: marker %s keeps reappearing", pipeline.ErrWorkdirBusy, path)
}

// release removes the marker if it still belongs to this run.
func (a *activeRun) release() error {
	if a == nil {
		return nil
	}
	m, err := readMarker(a.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if m.RunID != a.runID {
		return nil
	}
	return os.Remove(a.path)
}

func readMarker(path string) (*marker, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m marker
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse marker: %w", err)
	}
	return &m, nil
}

// markerAlive reports whether the marker's process may still be running.
// Markers from other hosts cannot be checked and count as alive.
func markerAlive(m *marker, host string) bool {
	if m.Host != "" && host != "" && m.Host != host {
		return true
	}
	if m.PID <= 0 {
		return false
	}
	proc, err := os.FindProcess(m.PID)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
