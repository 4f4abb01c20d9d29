// Package planning drives the conversation that turns a free-form idea
// into a backlog. The agent asks questions with QUESTION: lines, the user
// answers, and Finish extracts the final backlog.
package planning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/imkarma/ralph/internal/agent"
	"github.com/imkarma/ralph/internal/apperr"
	"github.com/imkarma/ralph/internal/event"
	"github.com/imkarma/ralph/internal/prompt"
	"github.com/imkarma/ralph/internal/store"
	"go.uber.org/zap"
)

// State is the session's position in the planning state machine.
type State string

const (
	StateIdle         State = "idle"
	StatePlanning     State = "planning"
	StateWaitingInput State = "waiting_input"
	StateExtracting   State = "extracting"
	StateCompleted    State = "completed"
)

// Turn is one conversation message.
type Turn = prompt.Turn

// Backlog is the structured result of planning.
type Backlog = prompt.Draft

// Roles used in turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	backlogTag = "backlog"
	maxNameLen = 60 // Bytes
)

// Options configures a Session.
type Options struct {
	WorkDir    string
	TimeoutSec int
	Events     event.Publisher
	Logger     *zap.Logger
}

// Status is a point-in-time copy of the session.
type Status struct {
	ID       string   `json:"id,omitempty"`
	State    State    `json:"state"`
	Idea     string   `json:"idea,omitempty"`
	Question string   `json:"question,omitempty"`
	Turns    []Turn   `json:"conversation"`
	Partial  *Backlog `json:"partialBacklog,omitempty"`
	Result   *Backlog `json:"backlog,omitempty"`
	Busy     bool     `json:"busy"`
}

// Session is a reusable planning state machine. All methods are safe for
// concurrent use; agent turns run in the background.
type Session struct {
	runner  agent.Runner
	prompts *prompt.Builder
	events  event.Publisher
	logger  *zap.Logger
	workDir string
	timeout int

	mu       sync.Mutex
	id       string
	state    State
	idea     string
	turns    []Turn
	question string
	asked    string // Question the in-flight turn answers
	partial  *Backlog
	result   *Backlog
	gen      int           // Bumped by Reset; stale turns are discarded
	turnDone chan struct{} // Closed when the in-flight turn finishes, nil if none
	cancel   context.CancelFunc
}

// New creates an idle session.
func New(runner agent.Runner, prompts *prompt.Builder, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Events == nil {
		opts.Events = event.Discard
	}
	if prompts == nil {
		prompts = prompt.New(nil)
	}
	return &Session{
		runner:  runner,
		prompts: prompts,
		events:  opts.Events,
		logger:  opts.Logger.Named("planning"),
		workDir: opts.WorkDir,
		timeout: opts.TimeoutSec,
		state:   StateIdle,
	}
}

// Start begins a conversation from idle. The first agent turn runs in the
// background.
func (s *Session) Start(ctx context.Context, idea string) error {
	idea = strings.TrimSpace(idea)
	if idea == "" {
		return apperr.Validation("idea is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return apperr.StateConflict("planning already in progress (state %s), finish or reset first", s.state)
	}

	s.id = uuid.NewString()
	s.idea = idea
	s.turns = []Turn{{Role: RoleUser, Content: idea, Timestamp: time.Now()}}
	s.question = ""
	s.asked = ""
	s.partial = nil
	s.result = nil
	s.state = StatePlanning

	s.logger.Info("planning started", zap.String("session", s.id))
	s.emit(event.PlanningStarted, idea)
	s.startTurnLocked()
	return nil
}

// Answer replies to the pending question and runs the next agent turn.
// It is legal while waiting for input or whenever a question is pending,
// but never once extraction has begun.
func (s *Session) Answer(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return apperr.Validation("answer is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == StateIdle, s.state == StateExtracting, s.state == StateCompleted:
		return apperr.StateConflict("cannot answer while planning is %s", s.state)
	case s.state != StateWaitingInput && s.question == "":
		return apperr.StateConflict("no pending question (state %s)", s.state)
	}

	s.turns = append(s.turns, Turn{Role: RoleUser, Content: text, Timestamp: time.Now()})
	s.asked = s.question
	s.question = ""
	s.state = StatePlanning
	s.emit(event.PlanningAnswered, text)
	s.startTurnLocked()
	return nil
}

// startTurnLocked launches one agent turn. Caller holds s.mu.
func (s *Session) startTurnLocked() {
	turnCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.turnDone = done

	gen := s.gen
	text := s.prompts.Planning(s.idea, append([]Turn(nil), s.turns...))

	go func() {
		defer close(done)
		defer cancel()
		s.runTurn(turnCtx, gen, text)
	}()
}

func (s *Session) runTurn(ctx context.Context, gen int, text string) {
	resp, err := agent.Call(ctx, s.runner, agent.Request{
		Prompt:     text,
		WorkDir:    s.workDir,
		TimeoutSec: s.timeout,
		OnOutput: func(line string) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if gen == s.gen {
				s.emit(event.PlanningOutput, line)
			}
		},
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.turnDone = nil
	s.cancel = nil

	if err != nil {
		s.logger.Warn("planning turn failed", zap.String("session", s.id), zap.Error(err))
		// Reopen the question so the answer can be given again.
		if n := len(s.turns); s.asked != "" && n > 0 && s.turns[n-1].Role == RoleUser {
			s.turns = s.turns[:n-1]
			s.question = s.asked
			s.asked = ""
			s.state = StateWaitingInput
		}
		s.emitError(err)
		return
	}

	s.asked = ""
	output := resp.Output
	s.turns = append(s.turns, Turn{Role: RoleAssistant, Content: output, Timestamp: time.Now()})
	if b, ok := parseBacklog(output); ok {
		s.partial = b
	}
	if q := agent.ParseQuestion(output); q != "" {
		s.question = q
		s.state = StateWaitingInput
		s.emit(event.PlanningQuestion, q)
	}
}

// Finish waits for any in-flight turn, then asks the agent for the final
// backlog. A completed session can't be finished again. On failure the
// previous state, question and conversation are kept so the caller can
// retry.
func (s *Session) Finish(ctx context.Context) (*Backlog, error) {
	s.mu.Lock()
	gen := s.gen
	for {
		if gen != s.gen {
			s.mu.Unlock()
			return nil, apperr.StateConflict("planning session was reset")
		}
		switch s.state {
		case StateIdle:
			s.mu.Unlock()
			return nil, apperr.StateConflict("no planning session in progress")
		case StateExtracting:
			s.mu.Unlock()
			return nil, apperr.StateConflict("backlog extraction already running")
		case StateCompleted:
			s.mu.Unlock()
			return nil, apperr.StateConflict("planning already completed, reset or start a new session")
		}
		done := s.turnDone
		if done == nil {
			break
		}
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		s.mu.Lock()
	}

	// Still holding s.mu. The question is parked while extracting.
	prev, question := s.state, s.question
	s.state = StateExtracting
	s.question = ""
	text := s.prompts.Extraction(s.idea, append([]Turn(nil), s.turns...), s.partial)
	partial := s.partial
	idea := s.idea
	s.mu.Unlock()

	resp, err := agent.Call(ctx, s.runner, agent.Request{
		Prompt:     text,
		WorkDir:    s.workDir,
		TimeoutSec: s.timeout,
	})

	var backlog *Backlog
	if err == nil {
		backlog = extractBacklog(resp.Output, idea, partial)
		if backlog == nil {
			err = apperr.Validation("agent output contained no usable backlog")
		}
	} else {
		err = apperr.ExternalProcess(err, "backlog extraction")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return nil, apperr.StateConflict("planning session was reset")
	}
	if err != nil {
		s.state = prev
		s.question = question
		s.logger.Warn("backlog extraction failed", zap.String("session", s.id), zap.Error(err))
		s.emitError(err)
		return nil, err
	}

	s.turns = append(s.turns, Turn{Role: RoleAssistant, Content: resp.Output, Timestamp: time.Now()})
	s.result = backlog
	s.state = StateCompleted
	s.logger.Info("planning completed", zap.String("session", s.id), zap.Int("tasks", len(backlog.Tasks)))
	s.emit(event.PlanningCompleted, fmt.Sprintf("%d tasks", len(backlog.Tasks)))
	return copyBacklog(backlog), nil
}

// BreakIntoTasks asks the agent to split a backlog into smaller tasks and
// returns the replacement. It does not change the session state.
func (s *Session) BreakIntoTasks(ctx context.Context, backlog Backlog) (*Backlog, error) {
	if len(backlog.Tasks) == 0 {
		return nil, apperr.Validation("backlog has no tasks to break down")
	}

	resp, err := agent.Call(ctx, s.runner, agent.Request{
		Prompt:     s.prompts.Breakdown(backlog),
		WorkDir:    s.workDir,
		TimeoutSec: s.timeout,
	})
	if err != nil {
		return nil, apperr.ExternalProcess(err, "backlog breakdown")
	}

	out, ok := parseBacklog(resp.Output)
	if !ok {
		return nil, apperr.Validation("agent output contained no usable backlog")
	}
	if out.Name == "" {
		out.Name = backlog.Name
	}
	if out.Description == "" {
		out.Description = backlog.Description
	}
	return out, nil
}

// Reset discards the conversation and returns to idle. Always legal. An
// in-flight turn keeps running but its result is dropped.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	id := s.id
	s.gen++
	s.cancel = nil
	s.turnDone = nil
	s.id = ""
	s.idea = ""
	s.turns = nil
	s.question = ""
	s.asked = ""
	s.partial = nil
	s.result = nil
	s.state = StateIdle

	s.events.Publish(event.NewPlanningEvent(event.PlanningReset, id, string(StateIdle), ""))
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Question returns the pending question, or "".
func (s *Session) Question() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.question
}

// Conversation returns a copy of the turns so far.
func (s *Session) Conversation() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.turns...)
}

// PartialBacklog returns the latest draft backlog seen mid-conversation.
func (s *Session) PartialBacklog() *Backlog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyBacklog(s.partial)
}

// Snapshot returns the full session status.
func (s *Session) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := append([]Turn{}, s.turns...)
	return Status{
		ID:       s.id,
		State:    s.state,
		Idea:     s.idea,
		Question: s.question,
		Turns:    turns,
		Partial:  copyBacklog(s.partial),
		Result:   copyBacklog(s.result),
		Busy:     s.turnDone != nil || s.state == StateExtracting,
	}
}

// emit publishes a planning event. Caller holds s.mu.
func (s *Session) emit(kind, content string) {
	s.events.Publish(event.NewPlanningEvent(kind, s.id, string(s.state), content))
}

func (s *Session) emitError(err error) {
	s.events.Publish(event.NewPlanningErrorEvent(s.id, string(s.state), err))
}

// extractBacklog tries the structured block first, then a numbered task
// list, then the draft gathered during the conversation.
func extractBacklog(output, idea string, partial *Backlog) *Backlog {
	if b, ok := parseBacklog(output); ok {
		return b
	}
	if subtasks := agent.ParseSubtasks(output); len(subtasks) > 0 {
		b := &Backlog{Name: backlogName(idea), Description: idea}
		for _, st := range subtasks {
			b.Tasks = append(b.Tasks, store.PlannedTask{
				Title:              st.Title,
				Description:        st.Description,
				Priority:           agent.PriorityRank(st.Priority),
				AcceptanceCriteria: []string{},
			})
		}
		return b
	}
	if partial != nil && len(partial.Tasks) > 0 {
		return copyBacklog(partial)
	}
	return nil
}

// parseBacklog decodes a <backlog> JSON block. Tasks without a title are
// dropped and missing priorities default to medium.
func parseBacklog(output string) (*Backlog, bool) {
	raw, ok := agent.ExtractTag(output, backlogTag)
	if !ok {
		return nil, false
	}
	raw = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(raw, "```json"), "```"))

	var b Backlog
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil, false
	}
	tasks := b.Tasks[:0]
	for _, t := range b.Tasks {
		t.Title = strings.TrimSpace(t.Title)
		if t.Title == "" {
			continue
		}
		if t.Priority < 1 {
			t.Priority = agent.PriorityRank("medium")
		}
		if t.AcceptanceCriteria == nil {
			t.AcceptanceCriteria = []string{}
		}
		tasks = append(tasks, t)
	}
	if len(tasks) == 0 {
		return nil, false
	}
	b.Tasks = tasks
	return &b, true
}

func backlogName(idea string) string {
	name := strings.SplitN(idea, "\n", 2)[0]
	if len(name) <= maxNameLen {
		return name
	}
	cut := maxNameLen
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return name[:cut]
}

func copyBacklog(b *Backlog) *Backlog {
	if b == nil {
		return nil
	}
	out := *b
	out.Tasks = append([]store.PlannedTask(nil), b.Tasks...)
	return &out
}
