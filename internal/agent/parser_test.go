package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSubtasks_Standard(t *testing.T) {
	output := `Here's my breakdown of the backlog.

SUBTASKS:
1. Setup auth middleware - Configure JWT verification on protected routes (priority: high)
2. Create login endpoint - POST /auth/login with email/password (priority: high)
3. Add refresh token logic - Token rotation and storage (priority: medium)
4. Write integration tests - Test full auth flow (priority: low)
`

	subtasks := ParseSubtasks(output)
	require.Len(t, subtasks, 4)
	assert.Equal(t, "Setup auth middleware", subtasks[0].Title)
	assert.Equal(t, "Configure JWT verification on protected routes", subtasks[0].Description)
	assert.Equal(t, "high", subtasks[0].Priority)
	assert.Equal(t, "low", subtasks[3].Priority)
}

func TestParseSubtasks_Variants(t *testing.T) {
	bullets := ParseSubtasks("SUBTASKS:\n- Setup database - Create tables (priority: high)\n- Add migrations - Schema versioning\n")
	require.Len(t, bullets, 2)
	assert.Equal(t, "Setup database", bullets[0].Title)
	assert.Equal(t, "medium", bullets[1].Priority)

	noHeader := ParseSubtasks("I think we should do:\n1. First task - Do this\n2. Second task - Do that\n")
	assert.Len(t, noHeader, 2)

	assert.Empty(t, ParseSubtasks("I don't think this needs subtasks."))
}

func TestPriorityRank(t *testing.T) {
	assert.Equal(t, 1, PriorityRank("high"))
	assert.Equal(t, 2, PriorityRank("medium"))
	assert.Equal(t, 3, PriorityRank("LOW"))
	assert.Equal(t, 2, PriorityRank(""))
}

func TestParseQuestion(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"QUESTION: Which database should I use?", "Which database should I use?"},
		{"Some text\nQUESTION: Web or CLI first?\nMore text", "Web or CLI first?"},
		{"No questions here", ""},
		{"question: lowercase works too", "lowercase works too"},
		{"QUESTION:   ", ""},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.expected, ParseQuestion(tc.input), tc.input)
	}
}

func TestExtractTag(t *testing.T) {
	got, ok := ExtractTag("before <backlog>\n{\"name\":\"x\"}\n</backlog> after", "backlog")
	require.True(t, ok)
	assert.Equal(t, `{"name":"x"}`, got)

	// The last block wins when the agent revises itself.
	got, ok = ExtractTag("<backlog>old</backlog> ... <backlog>new</backlog>", "backlog")
	require.True(t, ok)
	assert.Equal(t, "new", got)

	_, ok = ExtractTag("<backlog> never closed", "backlog")
	assert.False(t, ok)

	_, ok = ExtractTag("nothing", "backlog")
	assert.False(t, ok)
}
