package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/imkarma/ralph/internal/event"
	"github.com/imkarma/ralph/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := newLogger(&buf, false, true, "json")
	require.NoError(t, err)

	l.Debug("hidden")
	l.Info("shown")
	require.NoError(t, l.Sync())

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"version":"dev"`)
}

func TestNewLogger_QuietByDefault(t *testing.T) {
	var buf bytes.Buffer
	l, err := newLogger(&buf, false, false, "")
	require.NoError(t, err)

	l.Info("info line")
	l.Warn("warn line")

	assert.NotContains(t, buf.String(), "info line")
	assert.Contains(t, buf.String(), "warn line")
}

func TestNewLogger_UnknownFormat(t *testing.T) {
	_, err := newLogger(io.Discard, false, false, "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "xml")
}

func TestLineReader(t *testing.T) {
	lr := newLineReader(strings.NewReader("yes\nno\n"))
	ctx := context.Background()

	line, err := lr.next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "yes", line)

	line, err = lr.next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "no", line)

	_, err = lr.next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestLineReader_ContextCancel(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	lr := newLineReader(r)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := lr.next(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestIgnoreStateDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".gitignore")
	require.NoError(t, os.WriteFile(path, []byte("node_modules"), 0644))

	require.NoError(t, ignoreStateDir(dir))
	require.NoError(t, ignoreStateDir(dir))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "node_modules\n.ralph/\n", string(data))
}

func TestIgnoreStateDir_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, ignoreStateDir(dir))

	data, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	require.NoError(t, err)
	assert.Equal(t, ".ralph/\n", string(data))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "äöü", truncate("äöüß", 3))
	assert.Equal(t, "äöü...", truncate("äöüßäöüß", 6))
}

func TestPad(t *testing.T) {
	assert.Len(t, pad("ab"), boardColWidth-2)
	assert.Len(t, pad("✓ done"), boardColWidth-6)
	assert.Empty(t, pad(strings.Repeat("x", boardColWidth+4)))
}

func TestPrintEvent(t *testing.T) {
	var buf bytes.Buffer

	printEvent(&buf, event.NewBattleStateEvent(event.BattleStarted, "001-x", 1, "yolo", store.BattleRunning, ""), false)
	printEvent(&buf, event.NewIterationStartedEvent("001-x", 2, 5), false)
	printEvent(&buf, event.NewIterationOutputEvent("001-x", 2, "compiling"), true)
	printEvent(&buf, event.NewFeedbackResultEvent("001-x", 2, "test", store.FeedbackResult{Passed: false}), false)
	printEvent(&buf, event.NewCompletionDetectedEvent("001-x", 2, "complete", false, []string{"tests failing"}), false)
	printEvent(&buf, event.NewBattleStateEvent(event.BattleFailed, "001-x", 1, "yolo", store.BattleFailed, "max iterations reached"), false)

	out := buf.String()
	assert.Contains(t, out, "started")
	assert.Contains(t, out, "iteration 2/5")
	assert.NotContains(t, out, "compiling")
	assert.Contains(t, out, "✗ test")
	assert.Contains(t, out, "completion claim rejected")
	assert.Contains(t, out, "tests failing")
	assert.Contains(t, out, "failed"+colorReset+": max iterations reached")
}

func TestRenderBoard(t *testing.T) {
	var buf bytes.Buffer
	renderBoard(&buf, []store.Task{
		{ID: "001-login", Title: "Login form", Status: store.TaskPending, Priority: 1},
		{ID: "002-draft", Title: "Draft idea", Status: store.TaskPlanning, Priority: 3},
		{ID: "003-api", Title: "API", Status: store.TaskCompleted, Priority: 2},
	})

	out := buf.String()
	assert.Contains(t, out, "PENDING (2)")
	assert.Contains(t, out, "DONE (1)")
	assert.Contains(t, out, "FAILED (0)")
	assert.Contains(t, out, "001-login")
	assert.Contains(t, out, "Draft idea")
	assert.Contains(t, out, "3 tasks")
	assert.Contains(t, out, "1 done")
}

func TestExecute_InitAndCreateTask(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	require.NoError(t, Execute(ctx, []string{"init", "--dir", dir}))
	assert.True(t, store.Exists(dir))
	assert.FileExists(t, store.ConfigPath(dir))

	err := Execute(ctx, []string{"init", "--dir", dir})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already initialized")

	require.NoError(t, Execute(ctx, []string{"task", "create", "Login", "form", "--dir", dir, "-p", "1"}))

	s, err := store.Open(dir)
	require.NoError(t, err)
	defer s.Close()

	task, err := s.GetTask("001-login-form")
	require.NoError(t, err)
	assert.Equal(t, "Login form", task.Title)
	assert.Equal(t, 1, task.Priority)
	assert.Equal(t, store.TaskPending, task.Status)
}

func TestExecute_NotInitialized(t *testing.T) {
	err := Execute(context.Background(), []string{"task", "list", "--dir", t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ralph init")
}
