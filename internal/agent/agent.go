// Package agent defines the interface for running the coding agent and
// provides concrete adapters for CLI-based and API-based agents.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/imkarma/ralph/internal/config"
)

// ErrTimeout marks an agent call that hit its deadline.
var ErrTimeout = errors.New("agent timed out")

// Request contains everything an agent needs to work on a task.
type Request struct {
	TaskID     string            // Task ID for tracking, empty for planning turns
	Prompt     string            // The full prompt with context
	WorkDir    string            // Working directory (repo root)
	TimeoutSec int               // Max execution time, 0 = runner default
	OnOutput   func(line string) // Optional, receives stdout lines as they arrive
}

// Response is what we get back from an agent.
type Response struct {
	Output   string        // Agent's text output
	ExitCode int           // 0 = success, non-zero = failure
	Duration time.Duration // Execution time
	Error    error         // Execution error; partial Output may still be set
}

// Runner is the interface that all agent adapters must implement.
type Runner interface {
	// Run executes the agent with the given request and returns the response.
	Run(ctx context.Context, req Request) (*Response, error)

	// Name returns a human label for the agent, e.g. "claude".
	Name() string

	// Mode returns "cli" or "api".
	Mode() string
}

// NewRunner creates the appropriate runner based on agent config.
func NewRunner(agentCfg config.Agent) (Runner, error) {
	switch agentCfg.Mode {
	case "cli":
		return NewCLIRunner(agentCfg.Cmd, agentCfg), nil
	case "api":
		return NewAPIRunner(agentCfg.Provider, agentCfg)
	default:
		return nil, fmt.Errorf("unknown agent mode: %s", agentCfg.Mode)
	}
}

// Call runs the agent and folds Response.Error into the returned error,
// so callers only need one check. The response is returned even on error
// so partial output can be recorded.
func Call(ctx context.Context, r Runner, req Request) (*Response, error) {
	resp, err := r.Run(ctx, req)
	if resp == nil {
		resp = &Response{ExitCode: -1}
	}
	if err == nil {
		err = resp.Error
	}
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return resp, err
}
