package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/imkarma/ralph/internal/config"
)

// defaultTimeout bounds an agent call when neither request nor config set one.
const defaultTimeout = 600 * time.Second

// CLIRunner spawns an external CLI process (claude, gemini, codex, ollama, etc.)
// and passes the task prompt as an argument.
type CLIRunner struct {
	name string
	cfg  config.Agent
}

// NewCLIRunner creates a runner that spawns CLI processes.
func NewCLIRunner(name string, cfg config.Agent) *CLIRunner {
	return &CLIRunner{name: name, cfg: cfg}
}

func (r *CLIRunner) Name() string { return r.name }
func (r *CLIRunner) Mode() string { return "cli" }

// Run spawns the CLI agent process with the prompt.
//
// The prompt is passed as the last argument to the command.
// For example, if cmd="claude" and args=["--model", "sonnet"],
// the full command becomes: claude --print --model sonnet "the prompt text"
//
// The agent runs in the specified working directory (repo root)
// so it has access to the project files.
func (r *CLIRunner) Run(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	args := append(r.cfg.EffectiveArgs(), req.Prompt)

	timeout := defaultTimeout
	if r.cfg.TimeoutSec > 0 {
		timeout = time.Duration(r.cfg.TimeoutSec) * time.Second
	}
	if req.TimeoutSec > 0 {
		timeout = time.Duration(req.TimeoutSec) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.cfg.Cmd, args...)
	cmd.Dir = req.WorkDir
	// Grandchildren holding stdout open must not outlive the deadline.
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	if req.OnOutput != nil {
		lw := &lineWriter{fn: req.OnOutput}
		defer lw.Flush()
		cmd.Stdout = io.MultiWriter(&stdout, lw)
	}
	cmd.Stderr = &stderr

	err := cmd.Run()

	resp := &Response{
		Output:   stdout.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			resp.Error = fmt.Errorf("agent %s: %w after %ds", r.name, ErrTimeout, int(timeout.Seconds()))
			resp.ExitCode = -1
			return resp, resp.Error
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			resp.ExitCode = exitErr.ExitCode()
		} else {
			resp.ExitCode = -1
		}

		stderrStr := strings.TrimSpace(stderr.String())
		if stderrStr != "" {
			resp.Error = fmt.Errorf("agent %s exited with code %d: %s", r.name, resp.ExitCode, stderrStr)
		} else {
			resp.Error = fmt.Errorf("agent %s exited with code %d: %w", r.name, resp.ExitCode, err)
		}

		// Still return the response, partial output may be useful.
		return resp, nil
	}

	return resp, nil
}

// lineWriter splits a byte stream into lines for an output callback.
type lineWriter struct {
	mu  sync.Mutex
	buf []byte
	fn  func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.fn(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.fn(string(w.buf))
		w.buf = nil
	}
}

// CLIAvailable checks if the CLI command exists in PATH.
func CLIAvailable(cmd string) bool {
	_, err := exec.LookPath(cmd)
	return err == nil
}
