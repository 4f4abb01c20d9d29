package cli

import (
	"fmt"
	"io"

	"github.com/imkarma/ralph/internal/preflight"
	"github.com/spf13/cobra"
)

var (
	preflightFix     string
	preflightDryRun  bool
	preflightRestore string
	preflightToken   bool
	preflightList    bool
)

var preflightCmd = &cobra.Command{
	Use:   "preflight [task-id]",
	Short: "Check that a battle can start",
	Long: `Runs the readiness checks: environment, git state, config and task.
Failing error-severity checks block a battle.

  ralph preflight 001-login            run all checks for a task
  ralph preflight --fix git_clean_tree apply one check's fix
  ralph preflight --restore-stash REF  undo a git_clean_tree fix
  ralph preflight 001-login --dry-run  show the prompt the first iteration would get`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPreflight,
}

func init() {
	preflightCmd.Flags().StringVar(&preflightFix, "fix", "", "Apply the fix for this check id")
	preflightCmd.Flags().BoolVar(&preflightDryRun, "dry-run", false, "Render the first battle prompt without running it")
	preflightCmd.Flags().StringVar(&preflightRestore, "restore-stash", "", "Pop a stash created by a fix")
	preflightCmd.Flags().BoolVar(&preflightToken, "token", false, "Only check that the agent is reachable")
	preflightCmd.Flags().BoolVar(&preflightList, "list", false, "List the registered checks")
	preflightCmd.MarkFlagsMutuallyExclusive("fix", "dry-run", "restore-stash", "token", "list")
	rootCmd.AddCommand(preflightCmd)
}

func runPreflight(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	taskID := ""
	if len(args) > 0 {
		taskID = args[0]
	}

	o, err := openOrchestrator(false)
	if err != nil {
		return err
	}
	defer closeOrchestrator(o)

	switch {
	case preflightList:
		for _, c := range o.PreflightChecks() {
			fix := ""
			if c.Fix != nil {
				fix = colorCyan + " (fixable)" + colorReset
			}
			fmt.Fprintf(out, "  %-22s %-12s %-8s %s%s\n", c.ID, c.Category, c.Severity, c.Name, fix)
		}
		return nil

	case preflightFix != "":
		fix, check, err := o.ApplyPreflightFix(ctx, preflightFix, taskID)
		if err != nil {
			return err
		}
		printFix(out, fix)
		printCheck(out, check)
		return nil

	case preflightRestore != "":
		fix, err := o.RestoreStash(ctx, preflightRestore)
		if err != nil {
			return err
		}
		printFix(out, fix)
		return nil

	case preflightToken:
		check := o.ValidateToken(ctx)
		printCheck(out, check)
		if check.Status == preflight.StatusFail {
			return fmt.Errorf("agent is not reachable")
		}
		return nil

	case preflightDryRun:
		res, err := o.DryRun(ctx, taskID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%sTask:%s %s  %sMode:%s %s  %sAgent:%s %s  %sMax iterations:%s %d\n",
			colorBold, colorReset, res.TaskID, colorBold, colorReset, res.Mode,
			colorBold, colorReset, res.Agent, colorBold, colorReset, res.MaxIterations)
		for _, l := range res.FeedbackLoops {
			fmt.Fprintf(out, "  %sloop%s %s: %s\n", colorDim, colorReset, l.Name, l.Cmd)
		}
		fmt.Fprintf(out, "%sPrompt (%d chars, ~%d tokens):%s\n\n%s\n\n",
			colorBold, res.PromptSize, res.EstimatedTokens, colorReset, res.Prompt)
		return printReport(out, res.Report)
	}

	return printReport(out, o.RunPreflight(ctx, taskID))
}

// printReport prints every check and fails when the battle can't start.
func printReport(out io.Writer, r preflight.Report) error {
	for _, c := range r.Results {
		printCheck(out, c)
	}
	s := r.Summary
	fmt.Fprintf(out, "\n%d checks: %s%d passed%s, %s%d warnings%s, %s%d failed%s\n",
		s.Total, colorGreen, s.Passed, colorReset, colorYellow, s.Warnings, colorReset, colorRed, s.Failed, colorReset)
	if !r.CanStart {
		return fmt.Errorf("preflight failed: battle cannot start")
	}
	fmt.Fprintf(out, "%sReady for battle.%s\n", colorGreen+colorBold, colorReset)
	return nil
}

func printCheck(out io.Writer, c preflight.CheckResult) {
	icon, color := "✓", colorGreen
	switch c.Status {
	case preflight.StatusWarn:
		icon, color = "!", colorYellow
	case preflight.StatusFail:
		icon, color = "✗", colorRed
	}
	fmt.Fprintf(out, "  %s%s%s %-28s %s", color, icon, colorReset, c.Name, c.Message)
	if c.Status != preflight.StatusPass && c.FixAvailable {
		fmt.Fprintf(out, " %s(ralph preflight --fix %s)%s", colorCyan, c.ID, colorReset)
	}
	fmt.Fprintln(out)
}

func printFix(out io.Writer, f preflight.FixResult) {
	if f.Success {
		fmt.Fprintf(out, "%s✓ %s%s\n", colorGreen, f.Message, colorReset)
	} else {
		fmt.Fprintf(out, "%s✗ %s%s\n", colorRed, f.Message, colorReset)
	}
	if f.StashRef != "" {
		fmt.Fprintf(out, "  Restore with: %sralph preflight --restore-stash %s%s\n", colorCyan, f.StashRef, colorReset)
	}
}
