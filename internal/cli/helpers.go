package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/imkarma/ralph/internal/orchestrator"
	"github.com/imkarma/ralph/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ANSI color codes.
const (
	colorReset   = "\033[0m"
	colorBold    = "\033[1m"
	colorDim     = "\033[2m"
	colorRed     = "\033[31m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorBlue    = "\033[34m"
	colorMagenta = "\033[35m"
	colorCyan    = "\033[36m"
	colorWhite   = "\033[37m"
)

const shutdownTimeout = 10 * time.Second

// projectDir resolves --dir, defaulting to the working directory.
func projectDir() (string, error) {
	if flagDir != "" {
		return filepath.Abs(flagDir)
	}
	return os.Getwd()
}

// openOrchestrator opens the project. Pass recoverBattles from commands
// that run battles themselves. Recovery fails battles left active by a
// dead process; one another process is running keeps its lease and is
// left alone.
func openOrchestrator(recoverBattles bool) (*orchestrator.Orchestrator, error) {
	dir, err := projectDir()
	if err != nil {
		return nil, err
	}
	return orchestrator.Open(orchestrator.Options{
		WorkDir:      dir,
		Logger:       logger,
		SkipRecovery: !recoverBattles,
	})
}

// closeOrchestrator stops any battle still running and closes the store.
func closeOrchestrator(o *orchestrator.Orchestrator) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
}

// newLogger builds the process logger. It writes to w (stderr) so that
// stdout stays clean for command output.
func newLogger(w io.Writer, debug, info bool, format string) (*zap.Logger, error) {
	level := zapcore.WarnLevel
	switch {
	case debug:
		level = zapcore.DebugLevel
	case info:
		level = zapcore.InfoLevel
	}

	var enc zapcore.Encoder
	switch format {
	case "", "console":
		enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	case "json":
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	default:
		return nil, fmt.Errorf("unknown log format %q (want console or json)", format)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(w)), level)
	return zap.New(core).With(zap.String("version", version)), nil
}

// lineReader reads stdin lines on a background goroutine so prompts can
// be abandoned when the command's context ends.
type lineReader struct {
	lines chan string
}

func newLineReader(r io.Reader) *lineReader {
	lr := &lineReader{lines: make(chan string)}
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			lr.lines <- sc.Text()
		}
		close(lr.lines)
	}()
	return lr
}

// next returns the next line. io.EOF means stdin was closed.
func (lr *lineReader) next(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-lr.lines:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	}
}

func taskStatusColor(s store.TaskStatus) string {
	switch s {
	case store.TaskCompleted:
		return colorGreen
	case store.TaskInProgress:
		return colorBlue
	case store.TaskFailed:
		return colorRed
	case store.TaskPaused:
		return colorYellow
	case store.TaskPlanning:
		return colorMagenta
	default:
		return colorWhite
	}
}

func battleStatusColor(s store.BattleStatus) string {
	switch s {
	case store.BattleCompleted:
		return colorGreen
	case store.BattleFailed:
		return colorRed
	case store.BattlePaused, store.BattleAwaitingApproval:
		return colorYellow
	case store.BattleCancelled:
		return colorDim
	default:
		return colorBlue
	}
}

func priorityColor(priority int) string {
	switch {
	case priority <= 1:
		return colorRed + colorBold
	case priority == 2:
		return colorYellow
	default:
		return colorDim
	}
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
