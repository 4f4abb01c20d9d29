// Package event defines the typed events the battle loop and planning
// session emit, and the bus that fans them out to the API, TUI and metrics
// without direct dependencies between those components.
package event

import (
	"time"

	"github.com/imkarma/ralph/internal/store"
)

// Event kinds. Convention: "category.action".
const (
	BattleStarted          = "battle.started"
	BattlePaused           = "battle.paused"
	BattleResumed          = "battle.resumed"
	BattleCancelled        = "battle.cancelled"
	BattleCompleted        = "battle.completed"
	BattleFailed           = "battle.failed"
	BattleAwaitingApproval = "battle.awaiting_approval"
	BattleApprovalReceived = "battle.approval_received"
	BattleError            = "battle.error"

	IterationStarted = "iteration.started"
	IterationOutput  = "iteration.output"
	IterationEnded   = "iteration.ended"

	FeedbackResult     = "feedback.result"
	CompletionDetected = "completion.detected"
	ProgressUpdated    = "progress.updated"

	PlanningStarted   = "planning.started"
	PlanningOutput    = "planning.output"
	PlanningQuestion  = "planning.question"
	PlanningAnswered  = "planning.answered"
	PlanningCompleted = "planning.completed"
	PlanningError     = "planning.error"
	PlanningReset     = "planning.reset"
)

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns the kind, e.g. "battle.started".
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides the common fields. Embed it in concrete event types.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now()}
}

// -----------------------------------------------------------------------------
// Battle events
// -----------------------------------------------------------------------------

// BattleStateEvent reports a battle lifecycle transition. Its kind is one of
// the battle.* constants except battle.error.
type BattleStateEvent struct {
	baseEvent
	TaskID   string             `json:"taskId"`
	BattleID int64              `json:"battleId"`
	Mode     string             `json:"mode"`
	Status   store.BattleStatus `json:"status"`
	Reason   string             `json:"reason,omitempty"`
}

// NewBattleStateEvent creates a BattleStateEvent of the given kind.
func NewBattleStateEvent(kind, taskID string, battleID int64, mode string, status store.BattleStatus, reason string) BattleStateEvent {
	return BattleStateEvent{
		baseEvent: newBaseEvent(kind),
		TaskID:    taskID,
		BattleID:  battleID,
		Mode:      mode,
		Status:    status,
		Reason:    reason,
	}
}

// BattleErrorEvent reports a non-fatal problem inside the loop, e.g. a
// failed persistence write or auto-commit.
type BattleErrorEvent struct {
	baseEvent
	TaskID    string `json:"taskId"`
	Iteration int    `json:"iteration,omitempty"`
	Error     string `json:"error"`
}

// NewBattleErrorEvent creates a BattleErrorEvent.
func NewBattleErrorEvent(taskID string, iteration int, err error) BattleErrorEvent {
	return BattleErrorEvent{
		baseEvent: newBaseEvent(BattleError),
		TaskID:    taskID,
		Iteration: iteration,
		Error:     err.Error(),
	}
}

// IterationStartedEvent is emitted before the agent is invoked.
type IterationStartedEvent struct {
	baseEvent
	TaskID        string `json:"taskId"`
	Iteration     int    `json:"iteration"`
	MaxIterations int    `json:"maxIterations"`
}

// NewIterationStartedEvent creates an IterationStartedEvent.
func NewIterationStartedEvent(taskID string, iteration, max int) IterationStartedEvent {
	return IterationStartedEvent{
		baseEvent:     newBaseEvent(IterationStarted),
		TaskID:        taskID,
		Iteration:     iteration,
		MaxIterations: max,
	}
}

// IterationOutputEvent carries one line of live agent output.
type IterationOutputEvent struct {
	baseEvent
	TaskID    string `json:"taskId"`
	Iteration int    `json:"iteration"`
	Line      string `json:"line"`
}

// NewIterationOutputEvent creates an IterationOutputEvent.
func NewIterationOutputEvent(taskID string, iteration int, line string) IterationOutputEvent {
	return IterationOutputEvent{
		baseEvent: newBaseEvent(IterationOutput),
		TaskID:    taskID,
		Iteration: iteration,
		Line:      line,
	}
}

// IterationEndedEvent is emitted once the iteration has been recorded.
type IterationEndedEvent struct {
	baseEvent
	TaskID    string          `json:"taskId"`
	Iteration store.Iteration `json:"iteration"`
}

// NewIterationEndedEvent creates an IterationEndedEvent.
func NewIterationEndedEvent(taskID string, it store.Iteration) IterationEndedEvent {
	return IterationEndedEvent{
		baseEvent: newBaseEvent(IterationEnded),
		TaskID:    taskID,
		Iteration: it,
	}
}

// FeedbackResultEvent reports one feedback loop outcome.
type FeedbackResultEvent struct {
	baseEvent
	TaskID    string               `json:"taskId"`
	Iteration int                  `json:"iteration"`
	Loop      string               `json:"loop"`
	Result    store.FeedbackResult `json:"result"`
}

// NewFeedbackResultEvent creates a FeedbackResultEvent.
func NewFeedbackResultEvent(taskID string, iteration int, loop string, res store.FeedbackResult) FeedbackResultEvent {
	return FeedbackResultEvent{
		baseEvent: newBaseEvent(FeedbackResult),
		TaskID:    taskID,
		Iteration: iteration,
		Loop:      loop,
		Result:    res,
	}
}

// CompletionDetectedEvent reports that the agent claimed completion.
type CompletionDetectedEvent struct {
	baseEvent
	TaskID    string   `json:"taskId"`
	Iteration int      `json:"iteration"`
	Kind      string   `json:"kind"`
	Valid     bool     `json:"valid"`
	Errors    []string `json:"errors,omitempty"`
}

// NewCompletionDetectedEvent creates a CompletionDetectedEvent.
func NewCompletionDetectedEvent(taskID string, iteration int, kind string, valid bool, errs []string) CompletionDetectedEvent {
	return CompletionDetectedEvent{
		baseEvent: newBaseEvent(CompletionDetected),
		TaskID:    taskID,
		Iteration: iteration,
		Kind:      kind,
		Valid:     valid,
		Errors:    errs,
	}
}

// ProgressUpdatedEvent carries a snapshot of the progress projection.
type ProgressUpdatedEvent struct {
	baseEvent
	Progress store.Progress `json:"progress"`
}

// NewProgressUpdatedEvent creates a ProgressUpdatedEvent.
func NewProgressUpdatedEvent(p store.Progress) ProgressUpdatedEvent {
	return ProgressUpdatedEvent{baseEvent: newBaseEvent(ProgressUpdated), Progress: p}
}

// -----------------------------------------------------------------------------
// Planning events
// -----------------------------------------------------------------------------

// PlanningEvent reports planning session activity. Content holds agent
// output, the question, or the answer depending on the kind.
type PlanningEvent struct {
	baseEvent
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewPlanningEvent creates a PlanningEvent of the given kind.
func NewPlanningEvent(kind, sessionID, state, content string) PlanningEvent {
	return PlanningEvent{
		baseEvent: newBaseEvent(kind),
		SessionID: sessionID,
		State:     state,
		Content:   content,
	}
}

// NewPlanningErrorEvent creates a planning.error event.
func NewPlanningErrorEvent(sessionID, state string, err error) PlanningEvent {
	e := NewPlanningEvent(PlanningError, sessionID, state, "")
	e.Error = err.Error()
	return e
}
