// Package tui is the terminal dashboard: a task list and a live battle
// monitor fed by the event bus.
package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/imkarma/ralph/internal/event"
	"github.com/imkarma/ralph/internal/orchestrator"
	"github.com/imkarma/ralph/internal/store"
)

// Controller is the part of the orchestrator the dashboard drives.
type Controller interface {
	ListTasks(status store.TaskStatus) ([]store.Task, error)
	CreateTask(title, description string, priority int, criteria []string) (*store.Task, error)
	StartBattle(ctx context.Context, taskID, mode string) (*orchestrator.BattleState, error)
	PauseBattle() error
	ResumeBattle() error
	ApproveBattle() error
	CancelBattle(reason string) error
	CurrentBattleState() *orchestrator.BattleState
}

type screen int

const (
	screenTasks  screen = iota // Task list (main)
	screenBattle               // Live battle monitor
)

type popup int

const (
	popupNone   popup = iota
	popupCreate       // New task title
	popupCancel       // Cancel reason
)

const (
	maxLogLines  = 500
	feedQueueLen = 256
	refreshEvery = 2 * time.Second
)

// Options configures the dashboard.
type Options struct {
	// Mode is passed to StartBattle. Empty uses the configured mode.
	Mode string
	// Monitor opens the battle screen directly, for `battle start --tui`.
	Monitor bool
}

// Model is the top-level bubbletea model.
type Model struct {
	ctrl        Controller
	opts        Options
	feed        <-chan event.Event
	unsubscribe func()

	width  int
	height int

	screen screen
	popup  popup

	// Task list state.
	tasks  []store.Task
	cursor int

	// Battle monitor state.
	state     *orchestrator.BattleState
	iteration int
	maxIter   int
	logs      []string
	feedback  map[string]store.FeedbackResult
	lastClaim string
	logView   viewport.Model
	spinner   spinner.Model

	textInput textinput.Model

	statusMsg  string
	statusErr  bool
	statusTime time.Time
	refreshing bool
	quitting   bool
}

// New creates the dashboard and subscribes it to bus. Call Close when the
// program exits.
func New(ctrl Controller, bus *event.Bus, opts Options) *Model {
	ti := textinput.New()
	ti.CharLimit = 200
	ti.Width = 50

	m := &Model{
		ctrl:      ctrl,
		opts:      opts,
		feedback:  make(map[string]store.FeedbackResult),
		logView:   viewport.New(80, 20),
		spinner:   spinner.New(spinner.WithSpinner(spinner.Dot)),
		textInput: ti,
	}
	if opts.Monitor {
		m.screen = screenBattle
	}
	if bus != nil {
		m.feed, m.unsubscribe = subscribe(bus)
	}
	return m
}

// subscribe forwards every bus event to a buffered channel. The dashboard
// drops events rather than stall the bus when it falls behind.
func subscribe(bus *event.Bus) (<-chan event.Event, func()) {
	ch := make(chan event.Event, feedQueueLen)
	id := bus.SubscribeAll(func(e event.Event) {
		select {
		case ch <- e:
		default:
		}
	})
	return ch, func() { bus.Unsubscribe(id) }
}

// Close detaches the dashboard from the bus.
func (m *Model) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
}

// Run shows the dashboard until the user quits or ctx is cancelled.
func Run(ctx context.Context, ctrl Controller, bus *event.Bus, opts Options) error {
	m := New(ctrl, bus, opts)
	defer m.Close()
	_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	return err
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.loadTasks(), m.loadState(), m.listen(), m.spinner.Tick, tickCmd())
}

// Messages.

type eventMsg struct{ event event.Event }

type tasksLoadedMsg struct {
	tasks []store.Task
	err   error
}

type stateMsg struct{ state *orchestrator.BattleState }

type actionDoneMsg struct {
	label string
	err   error
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// listen waits for the next bus event.
func (m *Model) listen() tea.Cmd {
	if m.feed == nil {
		return nil
	}
	feed := m.feed
	return func() tea.Msg {
		return eventMsg{event: <-feed}
	}
}

func (m *Model) loadTasks() tea.Cmd {
	ctrl := m.ctrl
	return func() tea.Msg {
		tasks, err := ctrl.ListTasks("")
		return tasksLoadedMsg{tasks: tasks, err: err}
	}
}

func (m *Model) loadState() tea.Cmd {
	ctrl := m.ctrl
	return func() tea.Msg {
		return stateMsg{state: ctrl.CurrentBattleState()}
	}
}

// action runs a controller call off the update loop.
func (m *Model) action(label string, fn func() error) tea.Cmd {
	return func() tea.Msg {
		return actionDoneMsg{label: label, err: fn()}
	}
}

func (m *Model) setStatus(msg string, isErr bool) {
	m.statusMsg = msg
	m.statusErr = isErr
	m.statusTime = time.Now()
}

func (m *Model) appendLog(line string) {
	m.logs = append(m.logs, line)
	if len(m.logs) > maxLogLines {
		m.logs = m.logs[len(m.logs)-maxLogLines:]
	}
	atBottom := m.logView.AtBottom()
	m.logView.SetContent(joinLines(m.logs))
	if atBottom {
		m.logView.GotoBottom()
	}
}

// resetBattle clears the monitor for a new battle.
func (m *Model) resetBattle() {
	m.iteration = 0
	m.maxIter = 0
	m.logs = nil
	m.lastClaim = ""
	m.feedback = make(map[string]store.FeedbackResult)
	m.logView.SetContent("")
}

func (m *Model) clampCursor() {
	if m.cursor >= len(m.tasks) {
		m.cursor = len(m.tasks) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m *Model) selectedTask() *store.Task {
	if m.cursor < len(m.tasks) {
		return &m.tasks[m.cursor]
	}
	return nil
}

func (m *Model) battleActive() bool {
	return m.state != nil && m.state.Battle.Status.Active()
}
