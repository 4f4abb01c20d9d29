package tui

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/imkarma/ralph/internal/event"
	"github.com/imkarma/ralph/internal/orchestrator"
	"github.com/imkarma/ralph/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeController struct {
	mu      sync.Mutex
	tasks   []store.Task
	state   *orchestrator.BattleState
	calls   []string
	started string
	reason  string
	err     error
}

func (f *fakeController) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeController) ListTasks(store.TaskStatus) ([]store.Task, error) {
	return f.tasks, nil
}

func (f *fakeController) CreateTask(title, _ string, _ int, _ []string) (*store.Task, error) {
	if err := f.record("create:" + title); err != nil {
		return nil, err
	}
	return &store.Task{ID: "009-x", Title: title}, nil
}

func (f *fakeController) StartBattle(_ context.Context, taskID, mode string) (*orchestrator.BattleState, error) {
	f.started = taskID + "/" + mode
	return f.state, f.record("start")
}

func (f *fakeController) PauseBattle() error   { return f.record("pause") }
func (f *fakeController) ResumeBattle() error  { return f.record("resume") }
func (f *fakeController) ApproveBattle() error { return f.record("approve") }

func (f *fakeController) CancelBattle(reason string) error {
	f.reason = reason
	return f.record("cancel")
}

func (f *fakeController) CurrentBattleState() *orchestrator.BattleState { return f.state }

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// exec runs a command and feeds its message back, like the program loop
// does for one step. Batches are flattened; the bus listener is skipped.
func exec(t *testing.T, m *Model, cmd tea.Cmd) {
	t.Helper()
	if cmd == nil {
		return
	}
	msg := cmd()
	switch msg := msg.(type) {
	case tea.BatchMsg:
		for _, c := range msg {
			exec(t, m, c)
		}
	case actionDoneMsg, tasksLoadedMsg, stateMsg:
		_, next := m.Update(msg)
		if _, ok := msg.(actionDoneMsg); ok {
			exec(t, m, next)
		}
	}
}

func runningState() *orchestrator.BattleState {
	return &orchestrator.BattleState{Battle: store.Battle{ID: 1, TaskID: "001-login", Mode: "hitl", Status: store.BattleRunning}}
}

func TestInit_LoadsTasks(t *testing.T) {
	ctrl := &fakeController{tasks: []store.Task{{ID: "001-login", Title: "Login"}, {ID: "002-logout", Title: "Logout"}}}
	m := New(ctrl, nil, Options{})
	exec(t, m, m.Init())

	assert.Len(t, m.tasks, 2)
	assert.Contains(t, m.View(), "001-login")
	assert.Contains(t, m.View(), "2 tasks")
}

func TestQuitKey(t *testing.T) {
	m := New(&fakeController{}, nil, Options{})
	_, cmd := m.Update(key("q"))
	assert.True(t, m.quitting)
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
	assert.Empty(t, m.View())
}

func TestCursorNavigation(t *testing.T) {
	m := New(&fakeController{}, nil, Options{})
	m.Update(tasksLoadedMsg{tasks: []store.Task{{ID: "001-a"}, {ID: "002-b"}}})

	m.Update(key("j"))
	assert.Equal(t, 1, m.cursor)
	m.Update(key("j"))
	assert.Equal(t, 1, m.cursor, "clamped to the last task")
	m.Update(key("k"))
	m.Update(key("k"))
	assert.Equal(t, 0, m.cursor)
}

func TestEnterStartsBattleOnSelectedTask(t *testing.T) {
	ctrl := &fakeController{state: runningState()}
	m := New(ctrl, nil, Options{Mode: "yolo"})
	m.Update(tasksLoadedMsg{tasks: []store.Task{{ID: "001-login"}, {ID: "002-logout"}}})
	m.Update(key("j"))

	_, cmd := m.Update(key("enter"))
	assert.Equal(t, screenBattle, m.screen)
	exec(t, m, cmd)

	assert.Equal(t, "002-logout/yolo", ctrl.started)
	assert.Equal(t, "Battle started for 002-logout", m.statusMsg)
	assert.False(t, m.statusErr)
	require.NotNil(t, m.state)
}

func TestEnterRefusedWhileBattleActive(t *testing.T) {
	ctrl := &fakeController{}
	m := New(ctrl, nil, Options{})
	m.Update(tasksLoadedMsg{tasks: []store.Task{{ID: "001-login"}}})
	m.Update(stateMsg{state: runningState()})

	_, cmd := m.Update(key("enter"))
	assert.Nil(t, cmd)
	assert.True(t, m.statusErr)
	assert.Empty(t, ctrl.calls)
}

func TestBattleControls(t *testing.T) {
	ctrl := &fakeController{state: runningState()}
	m := New(ctrl, nil, Options{Monitor: true})
	m.Update(stateMsg{state: ctrl.state})

	for _, k := range []string{"p", "r", "a"} {
		_, cmd := m.Update(key(k))
		exec(t, m, cmd)
	}
	assert.Equal(t, []string{"pause", "resume", "approve"}, ctrl.calls)

	ctrl.err = errors.New("battle is running, not awaiting approval")
	_, cmd := m.Update(key("a"))
	exec(t, m, cmd)
	assert.True(t, m.statusErr)
	assert.Contains(t, m.statusMsg, "Approved failed")
}

func TestCancelPopup(t *testing.T) {
	ctrl := &fakeController{state: runningState()}
	m := New(ctrl, nil, Options{Monitor: true})
	m.Update(stateMsg{state: ctrl.state})

	m.Update(key("x"))
	require.Equal(t, popupCancel, m.popup)
	assert.Contains(t, m.View(), "Cancel battle")

	m.Update(key("o"))
	m.Update(key("k"))
	_, cmd := m.Update(key("enter"))
	assert.Equal(t, popupNone, m.popup)
	exec(t, m, cmd)
	assert.Equal(t, "ok", ctrl.reason)

	m.Update(key("x"))
	_, cmd = m.Update(key("enter"))
	exec(t, m, cmd)
	assert.Equal(t, "cancelled by user", ctrl.reason)
}

func TestCreatePopup(t *testing.T) {
	ctrl := &fakeController{}
	m := New(ctrl, nil, Options{})

	m.Update(key("c"))
	require.Equal(t, popupCreate, m.popup)
	_, cmd := m.Update(key("enter"))
	assert.Nil(t, cmd, "empty title is refused")
	assert.True(t, m.statusErr)

	m.Update(key("c"))
	m.Update(key("Add search"))
	_, cmd = m.Update(key("enter"))
	exec(t, m, cmd)
	assert.Equal(t, []string{"create:Add search"}, ctrl.calls)
}

func TestMonitorQuitsFromBattleScreen(t *testing.T) {
	m := New(&fakeController{}, nil, Options{Monitor: true})
	assert.Equal(t, screenBattle, m.screen)
	m.Update(key("esc"))
	assert.Equal(t, screenBattle, m.screen, "monitor mode has no task list")
	m.Update(key("q"))
	assert.True(t, m.quitting)
}

func TestHandleEvent_FoldsBattleActivity(t *testing.T) {
	m := New(&fakeController{}, nil, Options{Monitor: true})
	m.Update(stateMsg{state: runningState()})

	events := []event.Event{
		event.NewBattleStateEvent(event.BattleStarted, "001-login", 1, "hitl", store.BattleRunning, ""),
		event.NewIterationStartedEvent("001-login", 1, 5),
		event.NewIterationOutputEvent("001-login", 1, "editing login.go"),
		event.NewFeedbackResultEvent("001-login", 1, "test", store.FeedbackResult{Passed: true}),
		event.NewFeedbackResultEvent("001-login", 1, "lint", store.FeedbackResult{Passed: false}),
		event.NewCompletionDetectedEvent("001-login", 1, "structured", false, []string{"criterion 2 not addressed"}),
		event.NewIterationEndedEvent("001-login", store.Iteration{Number: 1, Result: store.ResultSuccess, FilesChanged: []string{"login.go"}}),
	}
	for _, e := range events {
		m.Update(eventMsg{event: e})
	}

	assert.Equal(t, 1, m.iteration)
	assert.Equal(t, 5, m.maxIter)
	assert.Equal(t, []string{
		"» started",
		"── iteration 1/5 ──",
		"editing login.go",
		"iteration 1: success (1 files changed)",
	}, m.logs)
	assert.True(t, m.feedback["test"].Passed)
	assert.False(t, m.feedback["lint"].Passed)
	assert.Contains(t, m.lastClaim, "criterion 2 not addressed")

	view := m.View()
	assert.Contains(t, view, "iteration 1/5")
	assert.Contains(t, view, "✓ test")
	assert.Contains(t, view, "✗ lint")

	m.Update(eventMsg{event: event.NewBattleErrorEvent("001-login", 1, errors.New("disk full"))})
	assert.True(t, m.statusErr)
	assert.Contains(t, m.statusMsg, "disk full")
}

func TestLogIsBounded(t *testing.T) {
	m := New(&fakeController{}, nil, Options{})
	for i := 0; i < maxLogLines+10; i++ {
		m.appendLog("line")
	}
	assert.Len(t, m.logs, maxLogLines)
}

func TestSubscribe_DeliversBusEvents(t *testing.T) {
	bus := event.NewBus(zaptest.NewLogger(t))
	defer bus.Close()

	m := New(&fakeController{}, bus, Options{})
	bus.Publish(event.NewIterationStartedEvent("001-login", 2, 3))

	cmd := m.listen()
	require.NotNil(t, cmd)
	done := make(chan tea.Msg, 1)
	go func() { done <- cmd() }()

	select {
	case msg := <-done:
		ev, ok := msg.(eventMsg)
		require.True(t, ok)
		assert.Equal(t, event.IterationStarted, ev.event.EventType())
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	m.Close()
	assert.Equal(t, 0, bus.SubscriptionCount())
}
