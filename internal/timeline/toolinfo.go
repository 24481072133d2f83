package timeline

import (
	"path/filepath"

	"github.com/mattn/go-runewidth"
	"github.com/tidwall/gjson"
)

// maxCommandWidth bounds the command text included in activity labels.
const maxCommandWidth = 40

// toolLabels maps tool names to human-readable activity labels.
var toolLabels = map[string]string{
	"Bash":            "Running command",
	"Read":            "Reading file",
	"Write":           "Writing file",
	"Edit":            "Editing file",
	"NotebookEdit":    "Editing notebook",
	"Glob":            "Searching files",
	"Grep":            "Searching code",
	"Task":            "Running task",
	"WebFetch":        "Fetching page",
	"WebSearch":       "Searching web",
	"TodoWrite":       "Updating todos",
	"Skill":           "Running skill",
	"AskUserQuestion": "Waiting for answer",
	"ExitPlanMode":    "Waiting for plan approval",
	"EnterPlanMode":   "Planning",
}

// ToolLabel returns the human-readable label for a tool name.
func ToolLabel(name string) string {
	if label, ok := toolLabels[name]; ok {
		return label
	}
	return name
}

// SummarizeToolInput creates a short description of a tool call's input:
// a truncated command, a file basename, or a search pattern.
func SummarizeToolInput(tc *ToolCall) string {
	raw := tc.rawInput
	if len(raw) == 0 {
		return ""
	}

	switch tc.Name {
	case "Bash":
		if cmd := gjson.GetBytes(raw, "command").Str; cmd != "" {
			return "$ " + runewidth.Truncate(cmd, maxCommandWidth, "...")
		}

	case "Read", "Edit", "Write", "NotebookEdit":
		if path := gjson.GetBytes(raw, "file_path").Str; path != "" {
			return filepath.Base(path)
		}
		if path := gjson.GetBytes(raw, "notebook_path").Str; path != "" {
			return filepath.Base(path)
		}

	case "Glob", "Grep":
		if pattern := gjson.GetBytes(raw, "pattern").Str; pattern != "" {
			return pattern
		}

	case "Task":
		if desc := gjson.GetBytes(raw, "description").Str; desc != "" {
			return runewidth.Truncate(desc, maxCommandWidth, "...")
		}

	case "WebFetch":
		if url := gjson.GetBytes(raw, "url").Str; url != "" {
			return runewidth.Truncate(url, maxCommandWidth, "...")
		}

	case "WebSearch":
		if query := gjson.GetBytes(raw, "query").Str; query != "" {
			return runewidth.Truncate(query, maxCommandWidth, "...")
		}

	case "Skill":
		return skillName(tc)
	}

	return ""
}

// describeTool renders "label: summary" for a tool call.
func describeTool(tc *ToolCall) string {
	label := ToolLabel(tc.Name)
	if summary := SummarizeToolInput(tc); summary != "" {
		return label + ": " + summary
	}
	return label
}
