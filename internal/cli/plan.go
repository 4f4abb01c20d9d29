package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/imkarma/ralph/internal/event"
	"github.com/imkarma/ralph/internal/orchestrator"
	"github.com/imkarma/ralph/internal/planning"
	"github.com/imkarma/ralph/internal/store"
	"github.com/spf13/cobra"
)

const planningPoll = 200 * time.Millisecond

var planVerbose bool

var planCmd = &cobra.Command{
	Use:   "plan [idea]",
	Short: "Turn an idea into a prioritized backlog",
	Long: `Starts a planning conversation with the agent. Answer its questions,
or reply /done to build the backlog from what it knows so far.
The resulting tasks are appended to the backlog.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPlan,
}

var planShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the backlog",
	Args:  cobra.NoArgs,
	RunE:  runPlanShow,
}

var planBreakdownCmd = &cobra.Command{
	Use:   "breakdown",
	Short: "Ask the agent to split the backlog into smaller tasks",
	Long:  "Replaces the backlog's tasks with a finer-grained list. Battle history of the old tasks is discarded.",
	Args:  cobra.NoArgs,
	RunE:  runPlanBreakdown,
}

func init() {
	planCmd.Flags().BoolVarP(&planVerbose, "verbose", "v", false, "Stream the agent's raw output")

	planCmd.AddCommand(planShowCmd)
	planCmd.AddCommand(planBreakdownCmd)
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	o, err := openOrchestrator(false)
	if err != nil {
		return err
	}
	defer closeOrchestrator(o)

	subID := o.Bus().SubscribeAll(func(e event.Event) {
		pe, ok := e.(event.PlanningEvent)
		if !ok {
			return
		}
		switch pe.EventType() {
		case event.PlanningOutput:
			if planVerbose {
				fmt.Fprintf(out, "%s│%s %s\n", colorDim, colorReset, pe.Content)
			}
		case event.PlanningError:
			fmt.Fprintf(out, "%s! %s%s\n", colorRed, pe.Error, colorReset)
		}
	})
	defer o.Bus().Unsubscribe(subID)

	idea := strings.Join(args, " ")
	if _, err := o.StartPlanning(ctx, idea); err != nil {
		return err
	}
	fmt.Fprintf(out, "%sPlanning:%s %s\n", colorBold, colorReset, idea)

	in := newLineReader(cmd.InOrStdin())
	for {
		st, err := waitPlanningTurn(ctx, o)
		if err != nil {
			o.ResetPlanning()
			return err
		}
		if st.State != planning.StateWaitingInput {
			break
		}

		fmt.Fprintf(out, "\n%s? %s%s\n%s> %s", colorCyan, st.Question, colorReset, colorDim, colorReset)
		line, err := in.next(ctx)
		if err != nil && err != io.EOF {
			o.ResetPlanning()
			return err
		}
		line = strings.TrimSpace(line)
		if err == io.EOF || line == "" || line == "/done" {
			break
		}
		if err := o.AnswerPlanning(ctx, line); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "\n%sBuilding backlog...%s\n", colorDim, colorReset)
	backlog, err := o.FinishPlanning(ctx)
	if err != nil {
		return err
	}
	printBacklog(out, backlog)
	fmt.Fprintf(out, "\nNext: %sralph battle start %s%s\n", colorCyan, firstPending(backlog), colorReset)
	return nil
}

// waitPlanningTurn polls until the agent's turn has finished.
func waitPlanningTurn(ctx context.Context, o *orchestrator.Orchestrator) (planning.Status, error) {
	ticker := time.NewTicker(planningPoll)
	defer ticker.Stop()
	for {
		st := o.PlanningStatus()
		if !st.Busy {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

func runPlanShow(cmd *cobra.Command, args []string) error {
	o, err := openOrchestrator(false)
	if err != nil {
		return err
	}
	defer closeOrchestrator(o)

	backlog, err := o.GetBacklog()
	if err != nil {
		return err
	}
	printBacklog(cmd.OutOrStdout(), backlog)
	return nil
}

func runPlanBreakdown(cmd *cobra.Command, args []string) error {
	o, err := openOrchestrator(false)
	if err != nil {
		return err
	}
	defer closeOrchestrator(o)

	fmt.Printf("%sBreaking the backlog into smaller tasks...%s\n", colorDim, colorReset)
	backlog, err := o.BreakIntoTasks(cmd.Context())
	if err != nil {
		return err
	}
	printBacklog(cmd.OutOrStdout(), backlog)
	return nil
}

func printBacklog(out io.Writer, b *store.Backlog) {
	name := b.Name
	if name == "" {
		name = "Backlog"
	}
	fmt.Fprintf(out, "%s%s%s (%d tasks)\n", colorBold, name, colorReset, len(b.Tasks))
	if b.Description != "" {
		fmt.Fprintf(out, "%s%s%s\n", colorDim, b.Description, colorReset)
	}
	fmt.Fprintln(out)
	for _, t := range b.Tasks {
		fmt.Fprintf(out, "  %s%-28s%s %sP%d%s %s", colorYellow, t.ID, colorReset,
			priorityColor(t.Priority), t.Priority, colorReset, t.Title)
		if t.Status != store.TaskPending {
			fmt.Fprintf(out, " %s[%s]%s", taskStatusColor(t.Status), t.Status, colorReset)
		}
		fmt.Fprintln(out)
		for _, c := range t.AcceptanceCriteria {
			fmt.Fprintf(out, "      %s- %s%s\n", colorDim, c, colorReset)
		}
	}
}

func firstPending(b *store.Backlog) string {
	for _, t := range b.Tasks {
		if t.Status == store.TaskPending {
			return t.ID
		}
	}
	return "<task-id>"
}
