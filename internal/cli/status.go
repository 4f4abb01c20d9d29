package cli

import (
	"fmt"

	"github.com/imkarma/ralph/internal/store"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Quick status overview",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
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
		fmt.Printf("No tasks. Run: %sralph plan \"your idea\"%s\n", colorCyan, colorReset)
		return nil
	}

	counts := map[store.TaskStatus]int{}
	var failed []store.Task
	for _, t := range tasks {
		counts[t.Status]++
		if t.Status == store.TaskFailed {
			failed = append(failed, t)
		}
	}

	fmt.Printf("%sTasks: %d total%s\n", colorBold, len(tasks), colorReset)
	for _, s := range []store.TaskStatus{
		store.TaskPending, store.TaskPlanning, store.TaskInProgress,
		store.TaskPaused, store.TaskCompleted, store.TaskFailed,
	} {
		fmt.Printf("  %-14s %s%d%s\n", string(s)+":", taskStatusColor(s), counts[s], colorReset)
	}

	// Battles recorded as active belong to whichever process runs them.
	active, err := o.Store().ListActiveBattles()
	if err != nil {
		return err
	}
	for _, b := range active {
		fmt.Printf("\n%s● Battle on %s%s [%s]: %s%s%s\n", colorBlue+colorBold, b.TaskID, colorReset, b.Mode,
			battleStatusColor(b.Status), b.Status, colorReset)
		if p, err := o.GetProgress(b.TaskID); err == nil {
			fmt.Printf("  iteration %d, last update %s\n", p.CurrentIteration, p.LastUpdate.Format("15:04:05"))
		}
	}

	if len(failed) > 0 {
		fmt.Printf("\n%s✗  Failed tasks%s\n", colorRed+colorBold, colorReset)
		for _, t := range failed {
			fmt.Printf("  %s%s%s: %s\n", colorYellow, t.ID, colorReset, t.Title)
			fmt.Printf("       → %sralph battle history %s%s\n", colorCyan, t.ID, colorReset)
		}
	}

	return nil
}
