package prompt

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/imkarma/ralph/internal/completion"
	"github.com/imkarma/ralph/internal/config"
	"github.com/imkarma/ralph/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBattle_BasicTask(t *testing.T) {
	s := testStore(t)
	b := New(s)

	task, err := s.CreateTask("Implement login", "Create POST /auth/login endpoint", 1, []string{"returns 200", "sets cookie"})
	require.NoError(t, err)

	p := b.Battle(BattleInput{
		Task:          task,
		Iteration:     1,
		MaxIterations: 5,
		FeedbackLoops: []config.FeedbackLoop{{Name: "test", Cmd: "go test ./..."}},
	})

	assert.Contains(t, p, "Software Developer")
	assert.Contains(t, p, "Iteration 1 of 5.")
	assert.Contains(t, p, task.ID+": Implement login")
	assert.Contains(t, p, "POST /auth/login")
	assert.Contains(t, p, "- returns 200")
	assert.Contains(t, p, "- test: `go test ./...`")
	assert.Contains(t, p, completion.StartMarker)
	assert.NotContains(t, p, "Previous iterations")
	assert.NotContains(t, p, "History")

	raw, ok := completion.Extract(p)
	require.True(t, ok, "prompt carries a parsable example block")
	sig, err := completion.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, task.ID, sig.TaskID)
}

func TestBattle_PreviousIterationsAndValidationErrors(t *testing.T) {
	task := &store.Task{ID: "001-x", Title: "x", Priority: 1}
	prev := []store.Iteration{
		{Number: 1, Result: store.ResultFailure, Error: "exit status 1"},
		{Number: 2, Result: store.ResultTimeout},
		{Number: 3, Result: store.ResultSuccess},
		{
			Number:       4,
			Result:       store.ResultSuccess,
			Output:       "tried something",
			FilesChanged: []string{"a.go"},
			FeedbackResults: map[string]store.FeedbackResult{
				"test": {Passed: false, Output: "FAIL TestLogin"},
				"lint": {Passed: true},
			},
		},
	}

	p := New(nil).Battle(BattleInput{
		Task:             task,
		Iteration:        5,
		MaxIterations:    10,
		Previous:         prev,
		ValidationErrors: []string{"1 criteria marked as not met"},
	})

	assert.NotContains(t, p, "Iteration 1: failure", "only the last iterations are summarised")
	assert.Contains(t, p, "Iteration 2: timeout")
	assert.Contains(t, p, "Files changed: a.go")
	assert.Contains(t, p, "FAIL TestLogin")
	assert.Contains(t, p, "- lint: passed")
	assert.Contains(t, p, "tried something")
	assert.Contains(t, p, "last completion claim was rejected")
	assert.Contains(t, p, "1 criteria marked as not met")
	assert.Contains(t, p, "No automated checks")
	assert.Less(t, strings.Index(p, "- lint"), strings.Index(p, "- test"), "loops are sorted")
}

func TestBattle_WithEventHistory(t *testing.T) {
	s := testStore(t)
	b := New(s)

	task, err := s.CreateTask("Task with history", "", 1, nil)
	require.NoError(t, err)
	s.AddEvent(task.ID, "", "comment", "Use REST with OpenAPI")

	p := b.Battle(BattleInput{Task: task, Iteration: 1, MaxIterations: 1})
	assert.Contains(t, p, "## History")
	assert.Contains(t, p, "Use REST with OpenAPI")
}

func TestPlanning(t *testing.T) {
	p := New(nil).Planning("a todo app", []Turn{
		{Role: "user", Content: "a todo app"},
		{Role: "assistant", Content: "QUESTION: web or cli?"},
		{Role: "user", Content: "cli"},
	})

	assert.Contains(t, p, "Project Manager")
	assert.Contains(t, p, "## Idea\na todo app")
	assert.Contains(t, p, "**You:** QUESTION: web or cli?")
	assert.Contains(t, p, "**User:** cli")
	assert.Contains(t, p, "QUESTION: [your question]")
	assert.Contains(t, p, "<backlog>")
}

func TestExtraction_IncludesDraft(t *testing.T) {
	draft := &Draft{Name: "todo", Tasks: []store.PlannedTask{{Title: "add command", Priority: 1}}}

	p := New(nil).Extraction("a todo app", nil, draft)
	assert.Contains(t, p, "final backlog")
	assert.Contains(t, p, `"title": "add command"`)
	assert.NotContains(t, p, "Conversation so far")
	assert.Contains(t, p, "Do not ask questions")
}

func TestBreakdown(t *testing.T) {
	p := New(nil).Breakdown(Draft{Name: "todo", Description: "cli todo"})
	assert.Contains(t, p, "smaller tasks")
	assert.Contains(t, p, `"name": "todo"`)
	assert.Contains(t, p, "</backlog>")
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.True(t, strings.HasPrefix(truncate("abcdef", 3), "abc\n\n... (truncated, 6 bytes total)"))
	assert.Equal(t, "...ef", lastBytes("abcdef", 2))
}
