// Package feedback runs the project's machine-checkable feedback loops
// (tests, lint, typecheck) after each iteration.
package feedback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
	"unicode/utf8"

	"github.com/imkarma/ralph/internal/config"
	"github.com/imkarma/ralph/internal/store"
	"go.uber.org/zap"
)

// maxOutput caps the captured output per loop. The tail is kept since
// test runners print the summary last.
const maxOutput = 8000

// Runner executes feedback loops.
type Runner interface {
	Run(ctx context.Context, loops []config.FeedbackLoop, onResult func(name string, res store.FeedbackResult)) map[string]store.FeedbackResult
}

// ShellRunner runs each loop command through sh -c in the working directory.
type ShellRunner struct {
	workDir string
	logger  *zap.Logger
}

// New creates a ShellRunner.
func New(workDir string, logger *zap.Logger) *ShellRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShellRunner{workDir: workDir, logger: logger.Named("feedback")}
}

// Run executes the loops in order. Every loop gets a result; once ctx is
// done the remaining loops are reported as failed without running.
func (r *ShellRunner) Run(ctx context.Context, loops []config.FeedbackLoop, onResult func(string, store.FeedbackResult)) map[string]store.FeedbackResult {
	results := make(map[string]store.FeedbackResult, len(loops))
	for _, fl := range loops {
		var res store.FeedbackResult
		if err := ctx.Err(); err != nil {
			res = store.FeedbackResult{Output: fmt.Sprintf("skipped: %v", err)}
		} else {
			res = r.runOne(ctx, fl)
		}
		results[fl.Name] = res
		r.logger.Debug("feedback loop finished",
			zap.String("loop", fl.Name),
			zap.Bool("passed", res.Passed),
			zap.Duration("duration", res.Duration))
		if onResult != nil {
			onResult(fl.Name, res)
		}
	}
	return results
}

func (r *ShellRunner) runOne(ctx context.Context, fl config.FeedbackLoop) store.FeedbackResult {
	start := time.Now()

	cmd := exec.CommandContext(ctx, "sh", "-c", fl.Cmd)
	cmd.Dir = r.workDir
	cmd.WaitDelay = 5 * time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	res := store.FeedbackResult{
		Passed:   err == nil,
		Output:   tail(out.String(), maxOutput),
		Duration: time.Since(start),
	}
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.Output += "\n(timed out)"
	}
	return res
}

// tail keeps at most the last n bytes of s, starting on a rune boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return fmt.Sprintf("... (%d bytes truncated)\n%s", cut, s[cut:])
}
