package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/imkarma/ralph/internal/event"
	"github.com/imkarma/ralph/internal/store"
)

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.popup != popupNone {
			return m.handlePopupKey(msg)
		}
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vw := m.width - 4
		vh := m.height - 12
		if vw < 20 {
			vw = 20
		}
		if vh < 5 {
			vh = 5
		}
		m.logView.Width = vw
		m.logView.Height = vh
		return m, nil

	case eventMsg:
		cmd := m.handleEvent(msg.event)
		return m, tea.Batch(cmd, m.listen())

	case tasksLoadedMsg:
		m.refreshing = false
		if msg.err != nil {
			m.setStatus("Failed to load tasks: "+msg.err.Error(), true)
			return m, nil
		}
		m.tasks = msg.tasks
		m.clampCursor()
		return m, nil

	case stateMsg:
		m.state = msg.state
		return m, nil

	case actionDoneMsg:
		if msg.err != nil {
			m.setStatus(msg.label+" failed: "+msg.err.Error(), true)
		} else {
			m.setStatus(msg.label, false)
		}
		return m, tea.Batch(m.loadTasks(), m.loadState())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		cmds := []tea.Cmd{tickCmd(), m.loadState()}
		if m.statusMsg != "" && time.Since(m.statusTime) > 5*time.Second {
			m.statusMsg = ""
		}
		if !m.refreshing {
			m.refreshing = true
			cmds = append(cmds, m.loadTasks())
		}
		return m, tea.Batch(cmds...)
	}

	if m.screen == screenBattle {
		var cmd tea.Cmd
		m.logView, cmd = m.logView.Update(msg)
		return m, cmd
	}
	return m, nil
}

// handleEvent folds one bus event into the monitor.
func (m *Model) handleEvent(e event.Event) tea.Cmd {
	switch ev := e.(type) {
	case event.BattleStateEvent:
		if ev.EventType() == event.BattleStarted {
			m.resetBattle()
		}
		line := "» " + strings.TrimPrefix(ev.EventType(), "battle.")
		if ev.Reason != "" {
			line += ": " + ev.Reason
		}
		m.appendLog(line)
		return tea.Batch(m.loadState(), m.loadTasks())

	case event.IterationStartedEvent:
		m.iteration = ev.Iteration
		m.maxIter = ev.MaxIterations
		m.appendLog(fmt.Sprintf("── iteration %d/%d ──", ev.Iteration, ev.MaxIterations))

	case event.IterationOutputEvent:
		m.appendLog(ev.Line)

	case event.IterationEndedEvent:
		line := fmt.Sprintf("iteration %d: %s", ev.Iteration.Number, ev.Iteration.Result)
		if n := len(ev.Iteration.FilesChanged); n > 0 {
			line += fmt.Sprintf(" (%d files changed)", n)
		}
		m.appendLog(line)

	case event.FeedbackResultEvent:
		m.feedback[ev.Loop] = ev.Result

	case event.CompletionDetectedEvent:
		if ev.Valid {
			m.lastClaim = ev.Kind + " claim accepted"
		} else {
			m.lastClaim = ev.Kind + " claim rejected: " + strings.Join(ev.Errors, "; ")
		}

	case event.BattleErrorEvent:
		m.setStatus("Battle error: "+ev.Error, true)
	}
	return nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "q":
		if m.screen == screenTasks || m.opts.Monitor {
			m.quitting = true
			return m, tea.Quit
		}
		m.screen = screenTasks
		return m, nil
	}

	switch m.screen {
	case screenTasks:
		return m.handleTasksKey(msg)
	case screenBattle:
		return m.handleBattleKey(msg)
	}
	return m, nil
}

// --- Task list keys ---

func (m *Model) handleTasksKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "j", "down":
		m.cursor++
		m.clampCursor()
	case "k", "up":
		m.cursor--
		m.clampCursor()

	case "enter", "s":
		t := m.selectedTask()
		if t == nil {
			return m, nil
		}
		if m.battleActive() {
			m.setStatus("A battle is already in progress", true)
			return m, nil
		}
		taskID, mode := t.ID, m.opts.Mode
		m.screen = screenBattle
		m.resetBattle()
		return m, m.action("Battle started for "+taskID, func() error {
			_, err := m.ctrl.StartBattle(context.Background(), taskID, mode)
			return err
		})

	case "b", "tab":
		m.screen = screenBattle
		return m, m.loadState()

	case "c":
		m.popup = popupCreate
		m.textInput.Reset()
		m.textInput.Placeholder = "Task title..."
		m.textInput.Focus()
		return m, textinput.Blink

	case "r":
		return m, tea.Batch(m.loadTasks(), m.loadState())
	}
	return m, nil
}

// --- Battle monitor keys ---

func (m *Model) handleBattleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "p":
		return m, m.action("Pause requested", m.ctrl.PauseBattle)
	case "r":
		return m, m.action("Resumed", m.ctrl.ResumeBattle)
	case "a":
		return m, m.action("Approved", m.ctrl.ApproveBattle)
	case "x":
		if !m.battleActive() {
			m.setStatus("No battle in progress", true)
			return m, nil
		}
		m.popup = popupCancel
		m.textInput.Reset()
		m.textInput.Placeholder = "Reason (optional)..."
		m.textInput.Focus()
		return m, textinput.Blink
	case "esc", "tab":
		if !m.opts.Monitor {
			m.screen = screenTasks
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.logView, cmd = m.logView.Update(msg)
	return m, cmd
}

// --- Popup keys ---

func (m *Model) handlePopupKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.popup = popupNone
		m.textInput.Blur()
		return m, nil

	case tea.KeyEnter:
		value := strings.TrimSpace(m.textInput.Value())
		kind := m.popup
		m.popup = popupNone
		m.textInput.Blur()
		switch kind {
		case popupCreate:
			if value == "" {
				m.setStatus("Title is required", true)
				return m, nil
			}
			return m, m.action("Created "+value, func() error {
				_, err := m.ctrl.CreateTask(value, "", 0, nil)
				return err
			})
		case popupCancel:
			if value == "" {
				value = "cancelled by user"
			}
			return m, m.action("Cancelled", func() error {
				return m.ctrl.CancelBattle(value)
			})
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func joinLines(lines []string) string {
	return strings.Join(lines, "\n")
}

func statusIcon(s store.TaskStatus) string {
	switch s {
	case store.TaskCompleted:
		return "✓"
	case store.TaskInProgress:
		return "▶"
	case store.TaskFailed:
		return "✗"
	default:
		return "·"
	}
}
