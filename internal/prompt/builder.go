// Package prompt builds the prompts sent to the agent. A battle prompt is
// the "ticket" the agent reads before each iteration: the task, what went
// wrong last time, and how to declare completion.
package prompt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/imkarma/ralph/internal/completion"
	"github.com/imkarma/ralph/internal/config"
	"github.com/imkarma/ralph/internal/store"
)

const (
	// maxHistoryIterations is how many previous iterations are summarised.
	maxHistoryIterations = 3
	// maxFeedbackOutput caps each failing loop's output in the prompt.
	maxFeedbackOutput = 2000
	// maxOutputTail caps the previous agent output quoted back.
	maxOutputTail = 1500
)

// HistorySource supplies the task's audit log.
type HistorySource interface {
	GetEvents(taskID string) ([]store.Event, error)
}

// Turn is one message in a planning conversation.
type Turn struct {
	Role      string    `json:"role"` // user | assistant
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Builder constructs agent prompts.
type Builder struct {
	history HistorySource
}

// New creates a builder. history may be nil.
func New(history HistorySource) *Builder {
	return &Builder{history: history}
}

// BattleInput is everything a battle prompt is built from.
type BattleInput struct {
	Task             *store.Task
	Iteration        int
	MaxIterations    int
	Previous         []store.Iteration
	ValidationErrors []string
	FeedbackLoops    []config.FeedbackLoop
}

// Battle creates the prompt for one battle iteration.
func (b *Builder) Battle(in BattleInput) string {
	var parts []string

	parts = append(parts, "# You are a Software Developer working autonomously\n"+
		"You work on one task in a loop. Each iteration you make progress, run the project's checks, "+
		"and either declare the task complete or leave it for the next iteration.")
	parts = append(parts, fmt.Sprintf("Iteration %d of %d.", in.Iteration, in.MaxIterations))
	parts = append(parts, taskSection(in.Task))

	if s := previousSection(in.Previous); s != "" {
		parts = append(parts, s)
	}
	if len(in.ValidationErrors) > 0 {
		var sb strings.Builder
		sb.WriteString("## Your last completion claim was rejected\n")
		for _, e := range in.ValidationErrors {
			sb.WriteString("- " + e + "\n")
		}
		sb.WriteString("Fix these before claiming completion again.\n")
		parts = append(parts, sb.String())
	}
	if s := b.eventHistory(in.Task.ID); s != "" {
		parts = append(parts, s)
	}
	parts = append(parts, feedbackSection(in.FeedbackLoops))
	parts = append(parts, battleInstructions(in.Task))

	return strings.Join(parts, "\n\n")
}

func taskSection(task *store.Task) string {
	var sb strings.Builder

	sb.WriteString("## Task\n")
	sb.WriteString(fmt.Sprintf("**%s: %s**\n", task.ID, task.Title))
	sb.WriteString(fmt.Sprintf("Priority: %d\n", task.Priority))

	if task.Description != "" {
		sb.WriteString(fmt.Sprintf("\n### Description\n%s\n", task.Description))
	}
	if len(task.AcceptanceCriteria) > 0 {
		sb.WriteString("\n### Acceptance criteria\n")
		for _, c := range task.AcceptanceCriteria {
			sb.WriteString("- " + c + "\n")
		}
	}

	return sb.String()
}

// previousSection summarises the most recent iterations, oldest first.
func previousSection(iterations []store.Iteration) string {
	if len(iterations) == 0 {
		return ""
	}
	if len(iterations) > maxHistoryIterations {
		iterations = iterations[len(iterations)-maxHistoryIterations:]
	}

	var sb strings.Builder
	sb.WriteString("## Previous iterations\n")
	for i, it := range iterations {
		sb.WriteString(fmt.Sprintf("\n### Iteration %d: %s\n", it.Number, it.Result))
		if it.Error != "" {
			sb.WriteString("Error: " + it.Error + "\n")
		}
		if len(it.FilesChanged) > 0 {
			sb.WriteString("Files changed: " + strings.Join(it.FilesChanged, ", ") + "\n")
		}

		names := make([]string, 0, len(it.FeedbackResults))
		for name := range it.FeedbackResults {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			r := it.FeedbackResults[name]
			if r.Passed {
				sb.WriteString(fmt.Sprintf("- %s: passed\n", name))
				continue
			}
			sb.WriteString(fmt.Sprintf("- %s: FAILED\n```\n%s\n```\n", name, truncate(r.Output, maxFeedbackOutput)))
		}

		// Only the latest output is quoted; older ones are noise.
		if i == len(iterations)-1 && it.Output != "" {
			sb.WriteString("\nEnd of your last output:\n```\n" + lastBytes(it.Output, maxOutputTail) + "\n```\n")
		}
	}
	return sb.String()
}

func (b *Builder) eventHistory(taskID string) string {
	if b.history == nil {
		return ""
	}
	events, err := b.history.GetEvents(taskID)
	if err != nil {
		return ""
	}

	// User comments and operator decisions are worth repeating to the agent.
	var relevant []store.Event
	for _, e := range events {
		switch e.Type {
		case "comment", "approved", "cancelled", "paused":
			relevant = append(relevant, e)
		}
	}
	if len(relevant) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## History\n")
	sb.WriteString("Notes from the operator on this task:\n\n")
	for _, e := range relevant {
		agent := "user"
		if e.Agent != "" {
			agent = e.Agent
		}
		sb.WriteString(fmt.Sprintf("- **[%s]** %s: %s\n", agent, e.Type, e.Content))
	}
	return sb.String()
}

func feedbackSection(loops []config.FeedbackLoop) string {
	if len(loops) == 0 {
		return "## Feedback loops\nNo automated checks are configured. Verify your work yourself before claiming completion."
	}
	var sb strings.Builder
	sb.WriteString("## Feedback loops\nThese commands run after every iteration and must all pass:\n")
	for _, fl := range loops {
		sb.WriteString(fmt.Sprintf("- %s: `%s`\n", fl.Name, fl.Cmd))
	}
	return sb.String()
}

func battleInstructions(task *store.Task) string {
	return `## Instructions
- Make the smallest change that moves the task forward
- Run the feedback loop commands yourself before finishing
- Focus on this task only, don't refactor unrelated code
- Do not claim completion until every acceptance criterion is met and every check passes

## Declaring completion
When the task is fully done, end your output with exactly one block in this format:

` + completion.Example(task) + `

List every acceptance criterion verbatim. If the task is not done yet, do not emit the block.`
}

// Planning creates the prompt for the next planning turn.
func (b *Builder) Planning(idea string, turns []Turn) string {
	var parts []string

	parts = append(parts, "# You are a Project Manager\n"+
		"Your job is to turn an idea into a backlog of small, independently verifiable tasks.")
	parts = append(parts, "## Idea\n"+idea)
	if s := conversation(turns); s != "" {
		parts = append(parts, s)
	}
	parts = append(parts, `## Instructions
- If something important is unclear, ask exactly one question on its own line:
  QUESTION: [your question]
- Otherwise summarise your current understanding
- You may include your current draft backlog as JSON:

`+backlogFormat)

	return strings.Join(parts, "\n\n")
}

// Extraction creates the prompt that turns a finished conversation into
// the final backlog. partial is the last draft seen, may be nil.
func (b *Builder) Extraction(idea string, turns []Turn, partial *Draft) string {
	var parts []string

	parts = append(parts, "# You are a Project Manager\nThe planning conversation is over. Produce the final backlog.")
	parts = append(parts, "## Idea\n"+idea)
	if s := conversation(turns); s != "" {
		parts = append(parts, s)
	}
	if partial != nil {
		data, _ := json.MarshalIndent(partial, "", "  ")
		parts = append(parts, "## Current draft\n```json\n"+string(data)+"\n```")
	}
	parts = append(parts, `## Response Format
Respond with the complete backlog and nothing else:

`+backlogFormat+`

Each task needs a short title, a description, a priority (1 is most urgent) and
acceptance criteria that a test or a reviewer can check. Do not ask questions.`)

	return strings.Join(parts, "\n\n")
}

// Breakdown creates the prompt that expands a backlog into a refined,
// more granular task list.
func (b *Builder) Breakdown(backlog Draft) string {
	data, _ := json.MarshalIndent(backlog, "", "  ")

	return "# You are a Project Manager\n" +
		"Break this backlog into smaller tasks. Each task should fit in a single focused coding session.\n\n" +
		"## Backlog\n```json\n" + string(data) + "\n```\n\n" +
		"## Response Format\nRespond with the full replacement backlog:\n\n" + backlogFormat
}

// Draft is the backlog shape exchanged with the agent.
type Draft struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Tasks       []store.PlannedTask `json:"tasks"`
}

const backlogFormat = `<backlog>
{"name": "...", "description": "...", "tasks": [
  {"title": "...", "description": "...", "priority": 1, "acceptanceCriteria": ["..."]}
]}
</backlog>`

func conversation(turns []Turn) string {
	if len(turns) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Conversation so far\n")
	for _, t := range turns {
		who := "User"
		if t.Role == "assistant" {
			who = "You"
		}
		sb.WriteString(fmt.Sprintf("\n**%s:** %s\n", who, t.Content))
	}
	return sb.String()
}

// EstimateTokens is a rough token count, about four characters per token.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// truncate limits text size to avoid blowing up the prompt.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("\n\n... (truncated, %d bytes total)", len(s))
}

func lastBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
