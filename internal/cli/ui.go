package cli

import (
	"fmt"

	"github.com/imkarma/ralph/internal/tui"
	"github.com/spf13/cobra"
)

var uiMode string

var uiCmd = &cobra.Command{
	Use:   "ui",
	Short: "Open interactive TUI dashboard",
	Long: `Opens a dashboard with the task list and a live battle monitor.
Battles started here run in this process and stop when it exits.`,
	Args: cobra.NoArgs,
	RunE: runUI,
}

func init() {
	uiCmd.Flags().StringVarP(&uiMode, "mode", "m", "", "Mode for battles started here: hitl or yolo (default from config)")
	rootCmd.AddCommand(uiCmd)
}

func runUI(cmd *cobra.Command, args []string) error {
	o, err := openOrchestrator(true)
	if err != nil {
		return err
	}
	defer closeOrchestrator(o)

	if err := tui.Run(cmd.Context(), o, o.Bus(), tui.Options{Mode: uiMode}); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
