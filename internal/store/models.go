package store

import (
	"regexp"
	"time"
)

// TaskStatus represents the current state of a task in the backlog.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskPlanning   TaskStatus = "planning"
	TaskInProgress TaskStatus = "in_progress"
	TaskPaused     TaskStatus = "paused"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskPlanning, TaskInProgress, TaskPaused, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// BattleStatus is the state of one battle run.
type BattleStatus string

const (
	BattlePending          BattleStatus = "pending"
	BattleRunning          BattleStatus = "running"
	BattlePaused           BattleStatus = "paused"
	BattleAwaitingApproval BattleStatus = "awaiting_approval"
	BattleCompleted        BattleStatus = "completed"
	BattleFailed           BattleStatus = "failed"
	BattleCancelled        BattleStatus = "cancelled"
)

// Valid reports whether s is a known battle status.
func (s BattleStatus) Valid() bool {
	switch s {
	case BattlePending, BattleRunning, BattlePaused, BattleAwaitingApproval,
		BattleCompleted, BattleFailed, BattleCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s BattleStatus) Terminal() bool {
	return s == BattleCompleted || s == BattleFailed || s == BattleCancelled
}

// Active reports whether the battle holds the single-flight slot.
func (s BattleStatus) Active() bool {
	return s == BattleRunning || s == BattlePaused || s == BattleAwaitingApproval
}

// IterationResult is the outcome of one agent invocation cycle.
type IterationResult string

const (
	ResultSuccess   IterationResult = "success"
	ResultFailure   IterationResult = "failure"
	ResultTimeout   IterationResult = "timeout"
	ResultCancelled IterationResult = "cancelled"
)

// ProgressStatus is the coarse status shown to pollers.
type ProgressStatus string

const (
	ProgressIdle             ProgressStatus = "idle"
	ProgressInProgress       ProgressStatus = "in_progress"
	ProgressAwaitingApproval ProgressStatus = "awaiting_approval"
	ProgressCompleted        ProgressStatus = "completed"
	ProgressFailed           ProgressStatus = "failed"
)

// taskIDPattern is the {3-digit-number}-{slug} form every task id follows.
var taskIDPattern = regexp.MustCompile(`^\d{3}-[a-z0-9]+(-[a-z0-9]+)*$`)

// ValidTaskID reports whether id has the NNN-slug form.
func ValidTaskID(id string) bool {
	return taskIDPattern.MatchString(id)
}

// Task is a unit of work the battle loop drives to completion.
type Task struct {
	ID                 string      `json:"id"`
	Title              string      `json:"title"`
	Description        string      `json:"description,omitempty"`
	Status             TaskStatus  `json:"status"`
	Priority           int         `json:"priority"` // >= 1, lower is more urgent
	AcceptanceCriteria []string    `json:"acceptanceCriteria"`
	Iterations         []Iteration `json:"iterations"` // Iterations of the latest battle
	CreatedAt          time.Time   `json:"createdAt"`
	UpdatedAt          time.Time   `json:"updatedAt"`
}

// TaskUpdate carries the fields of a partial task update. Nil means unchanged.
type TaskUpdate struct {
	Title              *string     `json:"title,omitempty"`
	Description        *string     `json:"description,omitempty"`
	Status             *TaskStatus `json:"status,omitempty"`
	Priority           *int        `json:"priority,omitempty"`
	AcceptanceCriteria []string    `json:"acceptanceCriteria,omitempty"`
}

// FeedbackResult is the outcome of one feedback loop command.
type FeedbackResult struct {
	Passed   bool          `json:"passed"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Iteration is one recorded agent invocation. Immutable once appended.
type Iteration struct {
	Number          int                       `json:"number"`
	StartedAt       time.Time                 `json:"startedAt"`
	EndedAt         time.Time                 `json:"endedAt"`
	Output          string                    `json:"output"`
	Result          IterationResult           `json:"result"`
	FilesChanged    []string                  `json:"filesChanged"`
	CommitHash      string                    `json:"commitHash,omitempty"`
	Error           string                    `json:"error,omitempty"`
	FeedbackResults map[string]FeedbackResult `json:"feedbackResults,omitempty"`
}

// Battle is the history record of one execution campaign for a task.
type Battle struct {
	ID          int64         `json:"id"`
	TaskID      string        `json:"taskId"`
	Status      BattleStatus  `json:"status"`
	Mode        string        `json:"mode"`
	Iterations  []Iteration   `json:"iterations"`
	StartedAt   time.Time     `json:"startedAt"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

// Progress is the cheap-to-poll projection of a task's execution.
type Progress struct {
	TaskID             string                    `json:"taskId"`
	CurrentIteration   int                       `json:"currentIteration"`
	Status             ProgressStatus            `json:"status"`
	LastUpdate         time.Time                 `json:"lastUpdate"`
	Logs               []string                  `json:"logs"`
	LastOutput         string                    `json:"lastOutput"`
	CompletionDetected bool                      `json:"completionDetected"`
	Error              *string                   `json:"error"`
	FeedbackResults    map[string]FeedbackResult `json:"feedbackResults"`
}

// PlannedTask is a task proposed by planning, before it gets an id.
type PlannedTask struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Priority           int      `json:"priority"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
}

// Backlog is the persisted project backlog.
type Backlog struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Tasks       []Task    `json:"tasks"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Event is an audit log row for a task.
type Event struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"taskId"`
	Agent     string    `json:"agent,omitempty"`
	Type      string    `json:"eventType"` // created, status_changed, iteration, completed, failed, comment...
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
