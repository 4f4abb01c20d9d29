package agent

import (
	"regexp"
	"strings"
)

// ParsedSubtask represents a subtask extracted from planner output.
type ParsedSubtask struct {
	Title       string
	Description string
	Priority    string // high, medium, low
}

// ParseSubtasks extracts subtasks from planner output.
// Expected format:
//
//	SUBTASKS:
//	1. [Title] - [Description] (priority: high)
//	2. [Title] - [Description] (priority: medium)
//
// Also supports:
//
//  1. Title - Description
//     - Title - Description
func ParseSubtasks(output string) []ParsedSubtask {
	var subtasks []ParsedSubtask

	// Find SUBTASKS: section or just numbered/bulleted lines.
	lines := strings.Split(output, "\n")
	inSection := false

	// Pattern: "1. Title - Description (priority: high)" or "- Title - Description"
	numberedRe := regexp.MustCompile(`^(?:\d+[\.\)]\s*|[-*]\s+)(.+)`)
	priorityRe := regexp.MustCompile(`\(priority:\s*(high|medium|low)\)`)

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		// Detect start of subtasks section.
		if strings.HasPrefix(strings.ToUpper(trimmed), "SUBTASKS:") {
			inSection = true
			continue
		}

		// Stop at next section header or empty block after subtasks.
		if inSection && trimmed == "" {
			// Allow one empty line, but two in a row means end of section.
			continue
		}
		if inSection && !numberedRe.MatchString(trimmed) && trimmed != "" {
			// Non-list line after subtasks started, could be end of section.
			if strings.HasSuffix(trimmed, ":") {
				break
			}
			continue
		}

		if !inSection {
			// Also try to parse numbered lists even without SUBTASKS: header.
			if !numberedRe.MatchString(trimmed) {
				continue
			}
			// Start parsing if we see a numbered list anywhere.
			inSection = true
		}

		match := numberedRe.FindStringSubmatch(trimmed)
		if match == nil {
			continue
		}

		content := match[1]

		// Extract priority.
		priority := "medium"
		if priMatch := priorityRe.FindStringSubmatch(content); priMatch != nil {
			priority = priMatch[1]
			content = strings.TrimSpace(priorityRe.ReplaceAllString(content, ""))
		}

		// Split title - description.
		title := content
		description := ""
		if idx := strings.Index(content, " - "); idx > 0 {
			title = strings.TrimSpace(content[:idx])
			description = strings.TrimSpace(content[idx+3:])
		}

		// Clean up markdown formatting.
		title = strings.Trim(title, "[]**`")
		title = strings.TrimSpace(title)

		if title != "" {
			subtasks = append(subtasks, ParsedSubtask{
				Title:       title,
				Description: description,
				Priority:    priority,
			})
		}
	}

	return subtasks
}

// ParseQuestion extracts a clarifying question from agent output. The agent
// asks by writing a line starting with QUESTION:. Returns "" when there is none.
func ParseQuestion(output string) string {
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if len(trimmed) >= 9 && strings.EqualFold(trimmed[:9], "QUESTION:") {
			if q := strings.TrimSpace(trimmed[9:]); q != "" {
				return q
			}
		}
	}
	return ""
}

// ExtractTag returns the trimmed text between the last <tag> and its
// following </tag>. ok is false when no complete block exists.
func ExtractTag(output, tag string) (string, bool) {
	open, closing := "<"+tag+">", "</"+tag+">"
	i := strings.LastIndex(output, open)
	if i < 0 {
		return "", false
	}
	rest := output[i+len(open):]
	j := strings.Index(rest, closing)
	if j < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:j]), true
}

// PriorityRank maps the parser's priority words to backlog ranks,
// lower is more urgent.
func PriorityRank(p string) int {
	switch strings.ToLower(p) {
	case "high":
		return 1
	case "low":
		return 3
	default:
		return 2
	}
}
