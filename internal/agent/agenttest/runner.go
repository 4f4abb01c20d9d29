// Package agenttest provides a scripted agent.Runner for tests.
package agenttest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/imkarma/ralph/internal/agent"
)

// Reply is one scripted agent response.
type Reply struct {
	Output string
	Err    error
	// Wait, when set, blocks the call until it is closed or ctx is done.
	Wait <-chan struct{}
}

// Runner replays replies in order. Once the script is exhausted the last
// reply repeats.
type Runner struct {
	mu       sync.Mutex
	replies  []Reply
	requests []agent.Request
}

// New creates a runner with the given script.
func New(replies ...Reply) *Runner {
	return &Runner{replies: replies}
}

// Push appends replies to the script.
func (r *Runner) Push(replies ...Reply) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, replies...)
}

func (r *Runner) Name() string { return "scripted" }
func (r *Runner) Mode() string { return "cli" }

// Run records the request and returns the next reply.
func (r *Runner) Run(ctx context.Context, req agent.Request) (*agent.Response, error) {
	r.mu.Lock()
	call := len(r.requests)
	r.requests = append(r.requests, req)
	var reply Reply
	switch {
	case call < len(r.replies):
		reply = r.replies[call]
	case len(r.replies) > 0:
		reply = r.replies[len(r.replies)-1]
	}
	r.mu.Unlock()

	start := time.Now()
	if reply.Wait != nil {
		select {
		case <-reply.Wait:
		case <-ctx.Done():
			return &agent.Response{ExitCode: -1, Duration: time.Since(start), Error: ctx.Err()}, nil
		}
	}

	if req.OnOutput != nil && reply.Output != "" {
		for _, line := range strings.Split(strings.TrimRight(reply.Output, "\n"), "\n") {
			req.OnOutput(line)
		}
	}

	resp := &agent.Response{Output: reply.Output, Duration: time.Since(start)}
	if reply.Err != nil {
		resp.ExitCode = 1
		resp.Error = reply.Err
	}
	return resp, nil
}

// Calls returns how many times Run was called.
func (r *Runner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

// Requests returns a copy of every request received.
func (r *Runner) Requests() []agent.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agent.Request(nil), r.requests...)
}

// LastPrompt returns the prompt of the most recent call, or "".
func (r *Runner) LastPrompt() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.requests) == 0 {
		return ""
	}
	return r.requests[len(r.requests)-1].Prompt
}
