package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/oklog/run"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// version is set via ldflags.
var version = "dev"

var (
	flagDebug     bool
	flagLogFormat string
	flagDir       string

	logger = zap.NewNop()
)

// infoCommands log at info level without --debug. Everything else only
// logs warnings so logs don't drown the printed output.
var infoCommands = map[string]bool{
	"serve": true,
}

var rootCmd = &cobra.Command{
	Use:   "ralph",
	Short: "Autonomous coding loops for AI agents",
	Long: `ralph drives an AI coding agent against one task at a time.
Each battle iterates until the feedback loops pass and the agent
claims completion, or the iteration budget runs out.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLogger(cmd.ErrOrStderr(), flagDebug, infoCommands[cmd.Name()], flagLogFormat)
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "console", "Log format: console or json")
	rootCmd.PersistentFlags().StringVarP(&flagDir, "dir", "C", "", "Project directory (default: current directory)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(boardCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(statusCmd)
}

// Execute runs the command line in args until it returns or the process
// receives SIGINT or SIGTERM, which cancels the command's context.
func Execute(ctx context.Context, args []string) error {
	rootCmd.SetArgs(args)

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()

		g.Add(
			func() error {
				<-signalCtx.Done()
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	// Execute command.
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				return rootCmd.ExecuteContext(ctx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	err := g.Run()
	_ = logger.Sync()
	return err
}
