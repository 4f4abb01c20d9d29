package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/imkarma/ralph/internal/store"
	"github.com/spf13/cobra"
)

var (
	taskPriority    int
	taskDescription string
	taskCriteria    []string
	taskTitle       string
	taskStatus      string
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create or manage tasks",
	Long:  "Create a new task or manage existing ones in the backlog.",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create [title]",
	Short: "Create a new task",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTaskCreate,
}

var taskListCmd = &cobra.Command{
	Use:   "list [status]",
	Short: "List tasks, optionally filtered by status",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskEditCmd = &cobra.Command{
	Use:   "edit [id]",
	Short: "Change a task's fields",
	Long:  "Changes only the fields whose flags are given. Tasks can't be edited while their battle runs.",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskEdit,
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a task and its battle history",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskDelete,
}

func init() {
	taskCreateCmd.Flags().IntVarP(&taskPriority, "priority", "p", 0, "Priority, 1 is most urgent (default 2)")
	taskCreateCmd.Flags().StringVarP(&taskDescription, "desc", "d", "", "Task description")
	taskCreateCmd.Flags().StringArrayVarP(&taskCriteria, "criteria", "c", nil, "Acceptance criterion (repeatable)")

	taskEditCmd.Flags().StringVarP(&taskTitle, "title", "t", "", "New title")
	taskEditCmd.Flags().StringVarP(&taskDescription, "desc", "d", "", "New description")
	taskEditCmd.Flags().IntVarP(&taskPriority, "priority", "p", 0, "New priority")
	taskEditCmd.Flags().StringVarP(&taskStatus, "status", "s", "", "New status")
	taskEditCmd.Flags().StringArrayVarP(&taskCriteria, "criteria", "c", nil, "Replace acceptance criteria (repeatable)")

	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskEditCmd)
	taskCmd.AddCommand(taskDeleteCmd)
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	o, err := openOrchestrator(false)
	if err != nil {
		return err
	}
	defer closeOrchestrator(o)

	title := strings.Join(args, " ")
	task, err := o.CreateTask(title, taskDescription, taskPriority, taskCriteria)
	if err != nil {
		return err
	}

	fmt.Printf("Created task %s%s%s: %s [P%d]\n", colorYellow, task.ID, colorReset, task.Title, task.Priority)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	o, err := openOrchestrator(false)
	if err != nil {
		return err
	}
	defer closeOrchestrator(o)

	var status store.TaskStatus
	if len(args) > 0 {
		status = store.TaskStatus(args[0])
	}

	tasks, err := o.ListTasks(status)
	if err != nil {
		return err
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	for _, t := range tasks {
		iters := ""
		if n := len(t.Iterations); n > 0 {
			iters = fmt.Sprintf(" %s(%d iter)%s", colorDim, n, colorReset)
		}
		fmt.Printf("%-28s %s%-12s%s P%d  %s%s\n",
			t.ID, taskStatusColor(t.Status), t.Status, colorReset, t.Priority, t.Title, iters)
	}
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	o, err := openOrchestrator(false)
	if err != nil {
		return err
	}
	defer closeOrchestrator(o)

	task, err := o.GetTask(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Task %s\n", task.ID)
	fmt.Printf("  Title:    %s\n", task.Title)
	fmt.Printf("  Status:   %s%s%s\n", taskStatusColor(task.Status), task.Status, colorReset)
	fmt.Printf("  Priority: %d\n", task.Priority)
	if task.Description != "" {
		fmt.Printf("  Desc:     %s\n", task.Description)
	}
	if len(task.AcceptanceCriteria) > 0 {
		fmt.Println("  Acceptance criteria:")
		for _, c := range task.AcceptanceCriteria {
			fmt.Printf("    - %s\n", c)
		}
	}
	fmt.Printf("  Created:  %s\n", task.CreatedAt.Format("2006-01-02 15:04"))
	fmt.Printf("  Updated:  %s\n", task.UpdatedAt.Format("2006-01-02 15:04"))

	if len(task.Iterations) > 0 {
		fmt.Println("\n  Latest battle:")
		for _, it := range task.Iterations {
			printIteration(os.Stdout, it, "    ")
		}
	}

	// Show events.
	events, err := o.Store().GetEvents(task.ID)
	if err != nil {
		return err
	}
	if len(events) > 0 {
		fmt.Println("\n  Events:")
		for _, e := range events {
			agent := ""
			if e.Agent != "" {
				agent = fmt.Sprintf("[%s] ", e.Agent)
			}
			fmt.Printf("    %s %s%s: %s\n", e.Timestamp.Format("15:04"), agent, e.Type, e.Content)
		}
	}

	return nil
}

func runTaskEdit(cmd *cobra.Command, args []string) error {
	var u store.TaskUpdate
	flags := cmd.Flags()
	if !anyChanged(cmd, "title", "desc", "priority", "status", "criteria") {
		return fmt.Errorf("nothing to change: pass at least one of --title, --desc, --priority, --status, --criteria")
	}
	if flags.Changed("title") {
		u.Title = &taskTitle
	}
	if flags.Changed("desc") {
		u.Description = &taskDescription
	}
	if flags.Changed("priority") {
		u.Priority = &taskPriority
	}
	if flags.Changed("status") {
		s := store.TaskStatus(taskStatus)
		u.Status = &s
	}
	if flags.Changed("criteria") {
		u.AcceptanceCriteria = taskCriteria
	}

	o, err := openOrchestrator(false)
	if err != nil {
		return err
	}
	defer closeOrchestrator(o)

	task, err := o.UpdateTask(args[0], u)
	if err != nil {
		return err
	}
	fmt.Printf("Updated task %s: %s [%s, P%d]\n", task.ID, task.Title, task.Status, task.Priority)
	return nil
}

func runTaskDelete(cmd *cobra.Command, args []string) error {
	o, err := openOrchestrator(false)
	if err != nil {
		return err
	}
	defer closeOrchestrator(o)

	if err := o.DeleteTask(args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted task %s\n", args[0])
	return nil
}

func printIteration(out io.Writer, it store.Iteration, indent string) {
	color := colorGreen
	if it.Result != store.ResultSuccess {
		color = colorRed
	}
	fmt.Fprintf(out, "%s#%d %s%s%s %s", indent, it.Number, color, it.Result, colorReset,
		it.EndedAt.Sub(it.StartedAt).Round(time.Second))
	if n := len(it.FilesChanged); n > 0 {
		fmt.Fprintf(out, " %s%d files%s", colorDim, n, colorReset)
	}
	if it.CommitHash != "" {
		fmt.Fprintf(out, " %s%s%s", colorCyan, shortHash(it.CommitHash), colorReset)
	}
	fmt.Fprintln(out)
	if it.Error != "" {
		fmt.Fprintf(out, "%s   %s%s%s\n", indent, colorRed, it.Error, colorReset)
	}
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}

func anyChanged(cmd *cobra.Command, names ...string) bool {
	for _, name := range names {
		if cmd.Flags().Changed(name) {
			return true
		}
	}
	return false
}
