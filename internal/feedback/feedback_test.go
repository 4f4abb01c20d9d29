package feedback

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/imkarma/ralph/internal/config"
	"github.com/imkarma/ralph/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestShellRunner_PassAndFail(t *testing.T) {
	r := New(t.TempDir(), zaptest.NewLogger(t))

	var order []string
	results := r.Run(context.Background(), []config.FeedbackLoop{
		{Name: "test", Cmd: "echo ok"},
		{Name: "lint", Cmd: "echo 'bad style' >&2; exit 1"},
	}, func(name string, _ store.FeedbackResult) {
		order = append(order, name)
	})

	require.Len(t, results, 2)
	assert.True(t, results["test"].Passed)
	assert.Equal(t, "ok\n", results["test"].Output)
	assert.False(t, results["lint"].Passed)
	assert.Contains(t, results["lint"].Output, "bad style")
	assert.Equal(t, []string{"test", "lint"}, order)
}

func TestShellRunner_RunsInWorkDir(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, nil)

	results := r.Run(context.Background(), []config.FeedbackLoop{{Name: "pwd", Cmd: "pwd"}}, nil)
	assert.Contains(t, results["pwd"].Output, dir)
}

func TestShellRunner_Timeout(t *testing.T) {
	r := New(t.TempDir(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	results := r.Run(ctx, []config.FeedbackLoop{
		{Name: "slow", Cmd: "exec sleep 5"},
		{Name: "never", Cmd: "echo unreachable"},
	}, nil)

	assert.False(t, results["slow"].Passed)
	assert.False(t, results["never"].Passed)
	assert.True(t, strings.HasPrefix(results["never"].Output, "skipped"))
}

func TestTail(t *testing.T) {
	assert.Equal(t, "abc", tail("abc", 5))
	assert.Equal(t, "... (2 bytes truncated)\ncde", tail("abcde", 3))

	// "é" is two bytes; a cut inside it moves forward to the next rune.
	got := tail("aéb", 2)
	assert.Equal(t, "... (3 bytes truncated)\nb", got)
	assert.True(t, utf8.ValidString(got))
}
