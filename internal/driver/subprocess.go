package driver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultOutputLimit bounds the captured output of one stage.
const DefaultOutputLimit = 1 << 20

// LocalSubprocessDriver executes stage commands as local subprocesses.
// Every stdout and stderr line is captured and, when an emitter is set,
// published as a log event.
type LocalSubprocessDriver struct {
	emitter        EventEmitter
	envPassthrough map[string]string
	inheritEnv     []string
	outputLimit    int
	waitDelay      time.Duration
}

// SubprocessConfig holds configuration for the subprocess driver.
type SubprocessConfig struct {
	// EnvPassthrough contains environment variables to pass to all subprocesses
	EnvPassthrough map[string]string

	// OutputLimit is the maximum number of captured output bytes kept per
	// stage (0 = DefaultOutputLimit).
	OutputLimit int

	// InheritEnv limits the inherited parent environment to these names.
	// Nil inherits everything.
	InheritEnv []string

	// WaitDelay is how long to wait for output pipes to close after the
	// process was killed (0 = 5s).
	WaitDelay time.Duration
}

// NewLocalSubprocessDriver creates a new subprocess driver.
func NewLocalSubprocessDriver(emitter EventEmitter, cfg *SubprocessConfig) *LocalSubprocessDriver {
	if cfg == nil {
		cfg = &SubprocessConfig{}
	}
	limit := cfg.OutputLimit
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	wait := cfg.WaitDelay
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &LocalSubprocessDriver{
		emitter:        emitter,
		envPassthrough: cfg.EnvPassthrough,
		inheritEnv:     cfg.InheritEnv,
		outputLimit:    limit,
		waitDelay:      wait,
	}
}

// Run executes the command as a subprocess and waits for it to exit.
func (d *LocalSubprocessDriver) Run(ctx context.Context, req *Request) (*Result, error) {
	if req == nil || len(req.Command) == 0 {
		return &Result{ExitCode: ExitCodeStartFailed}, errors.New("empty command")
	}

	// Build merged environment
	mergedEnv := d.baseEnv()
	for k, v := range d.envPassthrough {
		mergedEnv = append(mergedEnv, fmt.Sprintf("%s=%s", k, v))
	}
	for k, v := range req.Env {
		mergedEnv = append(mergedEnv, fmt.Sprintf("%s=%s", k, v))
	}
	mergedEnv = append(mergedEnv,
		fmt.Sprintf("AMPLICONFLOW_RUN_ID=%s", req.RunID),
		fmt.Sprintf("AMPLICONFLOW_STAGE=%s", req.Stage),
	)

	execCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(execCtx, req.Command[0], req.Command[1:]...)
	c.Env = mergedEnv
	c.Dir = req.Dir
	c.WaitDelay = d.waitDelay

	setProcessGroup(c)

	// Wait must not depend on the readers reaching EOF: a grandchild that
	// survives the kill would hold an OS pipe open. exec copies into these
	// in-process pipes and WaitDelay bounds that copy.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	c.Stdout = stdoutW
	c.Stderr = stderrW

	res := &Result{Started: time.Now().UTC()}
	if err := c.Start(); err != nil {
		res.ExitCode = ExitCodeStartFailed
		res.Finished = time.Now().UTC()
		res.Output = []byte(err.Error() + "\n")
		return res, fmt.Errorf("start: %w", err)
	}

	capture := newTailBuffer(d.outputLimit)

	// Read stdout and stderr concurrently
	var g errgroup.Group
	g.Go(func() error { return d.pump(ctx, req, "stdout", stdoutR, capture) })
	g.Go(func() error { return d.pump(ctx, req, "stderr", stderrR, capture) })

	waitErr := c.Wait()
	_ = stdoutW.Close()
	_ = stderrW.Close()
	if err := g.Wait(); err != nil {
		slog.Warn("output reader stopped early",
			slog.String("run_id", req.RunID),
			slog.String("stage", req.Stage),
			slog.Any("error", err))
	}

	res.Finished = time.Now().UTC()
	res.Output, res.Truncated = capture.Bytes()

	if errors.Is(waitErr, exec.ErrWaitDelay) && c.ProcessState != nil && c.ProcessState.Success() {
		// exited cleanly but left something holding its output open
		waitErr = nil
	}

	switch {
	case waitErr == nil:
		res.ExitCode = 0
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		res.ExitCode = ExitCodeTimeout
		res.Interrupted = true
		d.emitLog(ctx, req, "stderr", fmt.Sprintf("stage %s timed out after %s", req.Stage, req.Timeout))
	case errors.Is(execCtx.Err(), context.Canceled):
		res.ExitCode = ExitCodeCancelled
		res.Interrupted = true
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			if res.ExitCode < 0 {
				// terminated by a signal
				res.ExitCode = 1
			}
		} else {
			res.ExitCode = 1
		}
	}
	return res, nil
}

// pump copies one output stream line by line into the capture buffer.
func (d *LocalSubprocessDriver) pump(ctx context.Context, req *Request, stream string, r io.Reader, capture *tailBuffer) error {
	reader := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			capture.WriteLine(line)
			d.emitLog(ctx, req, stream, trimEOL(line))
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("%s: %w", stream, err)
		}
	}
}

func (d *LocalSubprocessDriver) emitLog(ctx context.Context, req *Request, stream, line string) {
	if d.emitter == nil || line == "" {
		return
	}
	if err := d.emitter.EmitLog(ctx, req.RunID, req.Stage, stream, line); err != nil {
		slog.Error("failed to emit event", slog.String("run_id", req.RunID), slog.String("stage", req.Stage), slog.Any("error", err))
	}
}

// baseEnv returns the parent environment, filtered to inheritEnv when set.
func (d *LocalSubprocessDriver) baseEnv() []string {
	if d.inheritEnv == nil {
		return os.Environ()
	}
	env := make([]string, 0, len(d.inheritEnv))
	for _, name := range d.inheritEnv {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	return env
}

func trimEOL(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu        sync.Mutex
	limit     int
	buf       []byte
	truncated bool
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

// WriteLine appends one line, adding a newline when the stream ended without one.
func (t *tailBuffer) WriteLine(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, line...)
	if line[len(line)-1] != '\n' {
		t.buf = append(t.buf, '\n')
	}
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
		t.truncated = true
	}
}

// Bytes returns a copy of the retained output.
func (t *tailBuffer) Bytes() ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]byte, len(t.buf))
	copy(out, t.buf)
	return out, t.truncated
}

// Ensure LocalSubprocessDriver implements Driver
var _ Driver = (*LocalSubprocessDriver)(nil)
