package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logCmd = &cobra.Command{
	Use:   "log [task-id]",
	Short: "Show event log for a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runLog,
}

func runLog(cmd *cobra.Command, args []string) error {
	o, err := openOrchestrator(false)
	if err != nil {
		return err
	}
	defer closeOrchestrator(o)

	task, err := o.GetTask(args[0])
	if err != nil {
		return err
	}

	events, err := o.Store().GetEvents(task.ID)
	if err != nil {
		return err
	}

	if len(events) == 0 {
		fmt.Printf("No events for %s\n", task.ID)
		return nil
	}

	fmt.Printf("Events for %s:\n\n", task.ID)
	for _, e := range events {
		agent := ""
		if e.Agent != "" {
			agent = fmt.Sprintf("[%s] ", e.Agent)
		}
		fmt.Printf("  %s  %s%-14s %s\n", e.Timestamp.Format("2006-01-02 15:04:05"), agent, e.Type, e.Content)
	}
	return nil
}
