package cli

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/imkarma/ralph/internal/store"
	"github.com/spf13/cobra"
)

const boardColWidth = 26

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Show the backlog as a kanban board",
	Args:  cobra.NoArgs,
	RunE:  runBoard,
}

type boardColumn struct {
	status store.TaskStatus
	label  string
}

var boardColumns = []boardColumn{
	{store.TaskPending, "PENDING"},
	{store.TaskInProgress, "IN PROGRESS"},
	{store.TaskPaused, "PAUSED"},
	{store.TaskCompleted, "DONE"},
	{store.TaskFailed, "FAILED"},
}

func runBoard(cmd *cobra.Command, args []string) error {
	o, err := openOrchestrator(false)
	if err != nil {
		return err
	}
	defer closeOrchestrator(o)

	tasks, err := o.ListTasks("")
	if err != nil {
		return err
	}

	if len(tasks) == 0 {
		fmt.Printf("%sBoard is empty.%s Plan a backlog: %sralph plan \"your idea\"%s\n",
			colorDim, colorReset, colorCyan, colorReset)
		return nil
	}

	renderBoard(cmd.OutOrStdout(), tasks)
	return nil
}

// renderBoard prints tasks in status columns. Planning tasks are shown
// with pending ones.
func renderBoard(out io.Writer, tasks []store.Task) {
	columns := map[store.TaskStatus][]store.Task{}
	for _, t := range tasks {
		s := t.Status
		if s == store.TaskPlanning {
			s = store.TaskPending
		}
		columns[s] = append(columns[s], t)
	}

	// Print header.
	headerLine := ""
	sepLine := ""
	for _, c := range boardColumns {
		label := fmt.Sprintf(" %s (%d)", c.label, len(columns[c.status]))
		headerLine += taskStatusColor(c.status) + colorBold + label + colorReset + pad(label)
		sepLine += strings.Repeat("─", boardColWidth)
	}
	fmt.Fprintln(out, headerLine)
	fmt.Fprintln(out, colorDim+sepLine+colorReset)

	maxRows := 0
	for _, c := range boardColumns {
		if n := len(columns[c.status]); n > maxRows {
			maxRows = n
		}
	}

	for i := 0; i < maxRows; i++ {
		// Task id line, then title line.
		idLine, titleLine := "", ""
		for _, c := range boardColumns {
			col := columns[c.status]
			if i >= len(col) {
				idLine += strings.Repeat(" ", boardColWidth)
				titleLine += strings.Repeat(" ", boardColWidth)
				continue
			}
			t := col[i]
			id := " " + truncate(t.ID, boardColWidth-6)
			meta := fmt.Sprintf(" P%d", t.Priority)
			idLine += priorityColor(t.Priority) + id + colorReset + colorDim + meta + colorReset + pad(id+meta)

			title := "   " + truncate(t.Title, boardColWidth-4)
			titleLine += title + pad(title)
		}
		fmt.Fprintln(out, idLine)
		fmt.Fprintln(out, titleLine)
		fmt.Fprintln(out)
	}

	// Summary line.
	fmt.Fprintf(out, "%s%d tasks%s", colorBold, len(tasks), colorReset)
	if n := len(columns[store.TaskCompleted]); n > 0 {
		fmt.Fprintf(out, "  %s✓ %d done%s", colorGreen, n, colorReset)
	}
	if n := len(columns[store.TaskInProgress]); n > 0 {
		fmt.Fprintf(out, "  %s● %d in progress%s", colorBlue, n, colorReset)
	}
	if n := len(columns[store.TaskFailed]); n > 0 {
		fmt.Fprintf(out, "  %s✗ %d failed%s", colorRed, n, colorReset)
	}
	fmt.Fprintln(out)
}

// pad returns the spaces that fill visible up to the column width.
func pad(visible string) string {
	n := boardColWidth - utf8.RuneCountInString(visible)
	if n < 0 {
		return ""
	}
	return strings.Repeat(" ", n)
}
