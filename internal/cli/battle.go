package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/imkarma/ralph/internal/api"
	"github.com/imkarma/ralph/internal/config"
	"github.com/imkarma/ralph/internal/event"
	"github.com/imkarma/ralph/internal/orchestrator"
	"github.com/imkarma/ralph/internal/store"
	"github.com/imkarma/ralph/internal/tui"
	"github.com/spf13/cobra"
)

var (
	battleMode   string
	battleTUI    bool
	battleQuiet  bool
	battleReason string
	battleServer string
)

var battleCmd = &cobra.Command{
	Use:   "battle",
	Short: "Run and control battles",
	Long: `A battle drives the agent against one task until it completes,
fails, or is cancelled. Only one battle runs at a time.

'start' runs the battle in this process. The control commands (pause,
resume, approve, cancel, status) talk to a running 'ralph serve'.`,
}

var battleStartCmd = &cobra.Command{
	Use:   "start [task-id]",
	Short: "Run a battle on a task in the foreground",
	Args:  cobra.ExactArgs(1),
	RunE:  runBattleStart,
}

var battleHistoryCmd = &cobra.Command{
	Use:   "history [task-id]",
	Short: "Show past battles for a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runBattleHistory,
}

var battleStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the server's current battle",
	Args:  cobra.NoArgs,
	RunE:  runRemote((*api.Client).Battle),
}

var battlePauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the server's battle after its current iteration",
	Args:  cobra.NoArgs,
	RunE:  runRemote((*api.Client).PauseBattle),
}

var battleResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the server's paused battle",
	Args:  cobra.NoArgs,
	RunE:  runRemote((*api.Client).ResumeBattle),
}

var battleApproveCmd = &cobra.Command{
	Use:   "approve",
	Short: "Approve the next iteration of a HITL battle",
	Args:  cobra.NoArgs,
	RunE:  runRemote((*api.Client).ApproveBattle),
}

var battleCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the server's battle",
	Args:  cobra.NoArgs,
	RunE: runRemote(func(c *api.Client, ctx context.Context) (*orchestrator.BattleState, error) {
		return c.CancelBattle(ctx, battleReason)
	}),
}

func init() {
	battleStartCmd.Flags().StringVarP(&battleMode, "mode", "m", "", "Execution mode: hitl or yolo (default from config)")
	battleStartCmd.Flags().BoolVar(&battleTUI, "tui", false, "Watch the battle in the terminal dashboard")
	battleStartCmd.Flags().BoolVarP(&battleQuiet, "quiet", "q", false, "Hide agent output lines")

	battleCancelCmd.Flags().StringVarP(&battleReason, "reason", "r", "", "Cancellation reason")
	for _, c := range []*cobra.Command{battleStatusCmd, battlePauseCmd, battleResumeCmd, battleApproveCmd, battleCancelCmd} {
		c.Flags().StringVar(&battleServer, "server", "", "Server address (default: server.addr from config)")
	}

	battleCmd.AddCommand(battleStartCmd)
	battleCmd.AddCommand(battleHistoryCmd)
	battleCmd.AddCommand(battleStatusCmd)
	battleCmd.AddCommand(battlePauseCmd)
	battleCmd.AddCommand(battleResumeCmd)
	battleCmd.AddCommand(battleApproveCmd)
	battleCmd.AddCommand(battleCancelCmd)
	rootCmd.AddCommand(battleCmd)
}

func runBattleStart(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	o, err := openOrchestrator(true)
	if err != nil {
		return err
	}
	defer closeOrchestrator(o)

	if battleTUI {
		if _, err := o.StartBattle(ctx, args[0], battleMode); err != nil {
			return err
		}
		if err := tui.Run(ctx, o, o.Bus(), tui.Options{Mode: battleMode, Monitor: true}); err != nil {
			return fmt.Errorf("TUI error: %w", err)
		}
		if st := o.CurrentBattleState(); st != nil {
			printBattleSummary(cmd.OutOrStdout(), st)
		}
		return nil
	}

	out := cmd.OutOrStdout()
	approvals := make(chan struct{}, 1)
	subID := o.Bus().SubscribeAll(func(e event.Event) {
		printEvent(out, e, battleQuiet)
		if e.EventType() == event.BattleAwaitingApproval {
			select {
			case approvals <- struct{}{}:
			default:
			}
		}
	})
	defer o.Bus().Unsubscribe(subID)

	if _, err := o.StartBattle(ctx, args[0], battleMode); err != nil {
		return err
	}

	done := make(chan *orchestrator.BattleState, 1)
	go func() {
		st, _ := o.WaitBattle(context.Background())
		done <- st
	}()

	in := newLineReader(cmd.InOrStdin())
	for {
		select {
		case st := <-done:
			return finishBattle(out, st)

		case <-ctx.Done():
			fmt.Fprintf(out, "\n%sInterrupted, cancelling battle...%s\n", colorYellow, colorReset)
			_ = o.CancelBattle("interrupted")
			return finishBattle(out, <-done)

		case <-approvals:
			fmt.Fprintf(out, "%sApprove next iteration? [Y/n]%s ", colorBold, colorReset)
			line, err := in.next(ctx)
			if ctx.Err() != nil {
				continue
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "", "y", "yes":
				if err == nil {
					err = o.ApproveBattle()
				} else {
					err = o.CancelBattle("no approval: stdin closed")
				}
			default:
				err = o.CancelBattle("rejected at approval")
			}
			if err != nil {
				fmt.Fprintf(out, "%s%v%s\n", colorRed, err, colorReset)
			}
		}
	}
}

// finishBattle prints the outcome. Anything but completed is an error so
// the exit code reflects it.
func finishBattle(out io.Writer, st *orchestrator.BattleState) error {
	if st == nil {
		return fmt.Errorf("battle state unavailable")
	}
	printBattleSummary(out, st)
	if st.Battle.Status != store.BattleCompleted {
		return fmt.Errorf("battle %s", st.Battle.Status)
	}
	return nil
}

func printBattleSummary(out io.Writer, st *orchestrator.BattleState) {
	b := st.Battle
	fmt.Fprintf(out, "\n%sBattle %s%s: %s%s%s after %d iteration(s)",
		colorBold, b.TaskID, colorReset, battleStatusColor(b.Status), b.Status, colorReset, len(b.Iterations))
	if b.Duration > 0 {
		fmt.Fprintf(out, " in %s", b.Duration.Round(time.Second))
	}
	fmt.Fprintln(out)
	if b.Error != "" {
		fmt.Fprintf(out, "  %s%s%s\n", colorDim, b.Error, colorReset)
	}
	for _, e := range st.ValidationErrors {
		fmt.Fprintf(out, "  %s! %s%s\n", colorRed, e, colorReset)
	}
}

// printEvent renders one battle event as a line of console output.
func printEvent(out io.Writer, e event.Event, quiet bool) {
	switch ev := e.(type) {
	case event.BattleStateEvent:
		fmt.Fprintf(out, "%s» %s%s", battleStatusColor(ev.Status), strings.TrimPrefix(ev.EventType(), "battle."), colorReset)
		if ev.Reason != "" {
			fmt.Fprintf(out, ": %s", ev.Reason)
		}
		fmt.Fprintln(out)

	case event.IterationStartedEvent:
		fmt.Fprintf(out, "%s── iteration %d/%d ──%s\n", colorBold, ev.Iteration, ev.MaxIterations, colorReset)

	case event.IterationOutputEvent:
		if !quiet {
			fmt.Fprintf(out, "%s│%s %s\n", colorDim, colorReset, ev.Line)
		}

	case event.IterationEndedEvent:
		printIteration(out, ev.Iteration, "  ")

	case event.FeedbackResultEvent:
		if ev.Result.Passed {
			fmt.Fprintf(out, "  %s✓ %s%s\n", colorGreen, ev.Loop, colorReset)
		} else {
			fmt.Fprintf(out, "  %s✗ %s%s\n", colorRed, ev.Loop, colorReset)
		}

	case event.CompletionDetectedEvent:
		if ev.Valid {
			fmt.Fprintf(out, "  %s%s completion claim accepted%s\n", colorGreen, ev.Kind, colorReset)
		} else {
			fmt.Fprintf(out, "  %s%s completion claim rejected:%s %s\n", colorYellow, ev.Kind, colorReset, strings.Join(ev.Errors, "; "))
		}

	case event.BattleErrorEvent:
		fmt.Fprintf(out, "  %s! %s%s\n", colorRed, ev.Error, colorReset)
	}
}

func runBattleHistory(cmd *cobra.Command, args []string) error {
	o, err := openOrchestrator(false)
	if err != nil {
		return err
	}
	defer closeOrchestrator(o)

	battles, err := o.GetBattleHistory(args[0])
	if err != nil {
		return err
	}
	if len(battles) == 0 {
		fmt.Printf("No battles for %s\n", args[0])
		return nil
	}

	sort.Slice(battles, func(i, j int) bool { return battles[i].StartedAt.Before(battles[j].StartedAt) })
	for _, b := range battles {
		fmt.Printf("%sBattle #%d%s  %s  %s%s%s  %s  %d iteration(s)\n",
			colorBold, b.ID, colorReset, b.StartedAt.Format("2006-01-02 15:04"),
			battleStatusColor(b.Status), b.Status, colorReset, b.Mode, len(b.Iterations))
		if b.Error != "" {
			fmt.Printf("  %s%s%s\n", colorDim, b.Error, colorReset)
		}
		for _, it := range b.Iterations {
			printIteration(os.Stdout, it, "  ")
		}
		fmt.Println()
	}
	return nil
}

// runRemote builds a RunE that calls one battle endpoint on the server and
// prints the resulting state.
func runRemote(op func(*api.Client, context.Context) (*orchestrator.BattleState, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		addr, err := serverAddr()
		if err != nil {
			return err
		}
		st, err := op(api.NewClient(addr, nil), cmd.Context())
		if err != nil {
			return err
		}
		if st == nil {
			fmt.Println("No battle.")
			return nil
		}
		printRemoteState(st)
		return nil
	}
}

func printRemoteState(st *orchestrator.BattleState) {
	b := st.Battle
	fmt.Printf("Battle %s%s%s [%s]: %s%s%s", colorBold, b.TaskID, colorReset, b.Mode,
		battleStatusColor(b.Status), b.Status, colorReset)
	if st.PauseRequested {
		fmt.Printf(" %s(pausing)%s", colorYellow, colorReset)
	}
	fmt.Printf(", iteration %d\n", st.Progress.CurrentIteration)
	if b.Error != "" {
		fmt.Printf("  %s%s%s\n", colorDim, b.Error, colorReset)
	}
}

// serverAddr resolves --server, then server.addr from the project config.
func serverAddr() (string, error) {
	if battleServer != "" {
		return battleServer, nil
	}
	dir, err := projectDir()
	if err != nil {
		return "", err
	}
	cfg, err := config.Load(store.ConfigPath(dir))
	if err != nil {
		return config.DefaultConfig().Server.Addr, nil
	}
	return cfg.Server.Addr, nil
}
