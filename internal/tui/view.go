package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/imkarma/ralph/internal/store"
)

// --- Color palette ---
var (
	clrSubtle    = lipgloss.AdaptiveColor{Light: "#555555", Dark: "#666666"}
	clrHighlight = lipgloss.AdaptiveColor{Light: "#0F766E", Dark: "#2DD4BF"}
	clrGreen     = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	clrYellow    = lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#F59E0B"}
	clrRed       = lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#F87171"}
	clrBlue      = lipgloss.AdaptiveColor{Light: "#1D4ED8", Dark: "#60A5FA"}
	clrWhite     = lipgloss.AdaptiveColor{Light: "#333333", Dark: "#DDDDDD"}
	clrDim       = lipgloss.AdaptiveColor{Light: "#999999", Dark: "#555555"}
)

// --- Styles ---
var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(clrHighlight)
	dimStyle      = lipgloss.NewStyle().Foreground(clrDim)
	textStyle     = lipgloss.NewStyle().Foreground(clrWhite)
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(clrHighlight)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(clrSubtle).
			Padding(0, 1)

	popupStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(clrHighlight).
			Padding(1, 2).
			Width(60)

	statusStyle = lipgloss.NewStyle().Foreground(clrGreen).Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(clrRed).Bold(true)

	footerKeyStyle  = lipgloss.NewStyle().Bold(true).Foreground(clrHighlight)
	footerDescStyle = lipgloss.NewStyle().Foreground(clrSubtle)
)

// View implements tea.Model.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var content string
	switch m.screen {
	case screenTasks:
		content = m.viewTasks()
	case screenBattle:
		content = m.viewBattle()
	}

	if m.popup != popupNone {
		content += "\n" + m.viewPopup()
	}
	return content
}

// ════════════════════════════════════════════════
// TASK LIST
// ════════════════════════════════════════════════

func (m *Model) viewTasks() string {
	var b strings.Builder

	header := titleStyle.Render("ralph")
	header += dimStyle.Render(fmt.Sprintf(" · %d tasks", len(m.tasks)))
	if m.battleActive() {
		header += dimStyle.Render(" · battle on ") + textStyle.Render(m.state.Battle.TaskID)
	}
	b.WriteString(header + "\n\n")

	if len(m.tasks) == 0 {
		b.WriteString(dimStyle.Render("  No tasks yet. Press ") +
			footerKeyStyle.Render("c") +
			dimStyle.Render(" to create one, or run `ralph plan`.\n"))
	}

	for i, t := range m.tasks {
		b.WriteString(m.renderTaskLine(t, i == m.cursor) + "\n")
	}

	b.WriteString("\n" + m.statusLine())
	b.WriteString(renderFooter([]struct{ key, desc string }{
		{"j/k", "move"}, {"enter", "battle"}, {"b", "monitor"}, {"c", "new"}, {"r", "refresh"}, {"q", "quit"},
	}))
	return b.String()
}

func (m *Model) renderTaskLine(t store.Task, selected bool) string {
	cursor := "  "
	style := textStyle
	if selected {
		cursor = "> "
		style = selectedStyle
	}
	icon := lipgloss.NewStyle().Foreground(taskColor(t.Status)).Render(statusIcon(t.Status))
	line := fmt.Sprintf("%s%s %s", cursor, icon, style.Render(t.ID+"  "+t.Title))
	meta := fmt.Sprintf("  P%d · %s", t.Priority, t.Status)
	if n := len(t.Iterations); n > 0 {
		meta += fmt.Sprintf(" · %d iter", n)
	}
	return line + dimStyle.Render(meta)
}

func taskColor(s store.TaskStatus) lipgloss.TerminalColor {
	switch s {
	case store.TaskCompleted:
		return clrGreen
	case store.TaskInProgress:
		return clrBlue
	case store.TaskFailed:
		return clrRed
	case store.TaskPaused:
		return clrYellow
	default:
		return clrSubtle
	}
}

// ════════════════════════════════════════════════
// BATTLE MONITOR
// ════════════════════════════════════════════════

func (m *Model) viewBattle() string {
	var b strings.Builder

	if m.state == nil {
		b.WriteString(titleStyle.Render("battle") + "\n\n")
		b.WriteString(dimStyle.Render("  No battle yet. Select a task and press enter.\n\n"))
		b.WriteString(m.statusLine())
		b.WriteString(renderFooter([]struct{ key, desc string }{{"esc", "tasks"}, {"q", "quit"}}))
		return b.String()
	}

	bt := m.state.Battle
	header := titleStyle.Render("battle ") + textStyle.Render(bt.TaskID)
	if bt.Status == store.BattleRunning {
		header = m.spinner.View() + " " + header
	}
	header += dimStyle.Render(" · "+bt.Mode+" · ") + lipgloss.NewStyle().Bold(true).Foreground(battleColor(bt.Status)).Render(string(bt.Status))
	if m.maxIter > 0 {
		header += dimStyle.Render(fmt.Sprintf(" · iteration %d/%d", m.iteration, m.maxIter))
	}
	if m.state.PauseRequested {
		header += lipgloss.NewStyle().Foreground(clrYellow).Render(" · pausing")
	}
	b.WriteString(header + "\n")
	if bt.Error != "" {
		b.WriteString(errorStyle.Render("  "+bt.Error) + "\n")
	}

	b.WriteString(m.renderFeedback() + "\n")
	if m.lastClaim != "" {
		b.WriteString(dimStyle.Render("  completion: ") + textStyle.Render(m.lastClaim) + "\n")
	}
	for _, e := range m.state.ValidationErrors {
		b.WriteString(errorStyle.Render("  ! ") + dimStyle.Render(e) + "\n")
	}

	b.WriteString(panelStyle.Width(m.logView.Width).Render(m.logView.View()) + "\n")
	b.WriteString(m.statusLine())

	keys := []struct{ key, desc string }{}
	switch bt.Status {
	case store.BattleRunning:
		keys = append(keys, struct{ key, desc string }{"p", "pause"})
	case store.BattlePaused:
		keys = append(keys, struct{ key, desc string }{"r", "resume"})
	case store.BattleAwaitingApproval:
		keys = append(keys, struct{ key, desc string }{"a", "approve"})
	}
	if bt.Status.Active() {
		keys = append(keys, struct{ key, desc string }{"x", "cancel"})
	}
	if !m.opts.Monitor {
		keys = append(keys, struct{ key, desc string }{"esc", "tasks"})
	}
	keys = append(keys, struct{ key, desc string }{"q", "quit"})
	b.WriteString(renderFooter(keys))
	return b.String()
}

func (m *Model) renderFeedback() string {
	if len(m.feedback) == 0 {
		return dimStyle.Render("  feedback: none yet")
	}
	names := make([]string, 0, len(m.feedback))
	for name := range m.feedback {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		if m.feedback[name].Passed {
			parts = append(parts, statusStyle.Render("✓ "+name))
		} else {
			parts = append(parts, errorStyle.Render("✗ "+name))
		}
	}
	return dimStyle.Render("  feedback: ") + strings.Join(parts, "  ")
}

func battleColor(s store.BattleStatus) lipgloss.TerminalColor {
	switch s {
	case store.BattleCompleted:
		return clrGreen
	case store.BattleFailed:
		return clrRed
	case store.BattlePaused, store.BattleAwaitingApproval:
		return clrYellow
	case store.BattleCancelled:
		return clrSubtle
	default:
		return clrBlue
	}
}

// ════════════════════════════════════════════════
// POPUPS AND FOOTER
// ════════════════════════════════════════════════

func (m *Model) viewPopup() string {
	var title string
	switch m.popup {
	case popupCreate:
		title = "New task"
	case popupCancel:
		title = "Cancel battle"
	}
	body := titleStyle.Render(title) + "\n\n" + m.textInput.View() + "\n\n" +
		dimStyle.Render("enter confirm · esc close")
	return popupStyle.Render(body)
}

func (m *Model) statusLine() string {
	if m.statusMsg == "" {
		return "\n"
	}
	if m.statusErr {
		return errorStyle.Render(m.statusMsg) + "\n"
	}
	return statusStyle.Render(m.statusMsg) + "\n"
}

func renderFooter(keys []struct{ key, desc string }) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, footerKeyStyle.Render(k.key)+footerDescStyle.Render(" "+k.desc))
	}
	return strings.Join(parts, "  ")
}
