package timeline

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// maxOutputLen bounds tool output carried in activity records.
const maxOutputLen = 2000

// maxTaskSummaryWidth bounds the derived task summary.
const maxTaskSummaryWidth = 80

// interactiveTools signal waiting directly without requiring approval.
var interactiveTools = map[string]bool{
	"AskUserQuestion": true,
	"ExitPlanMode":    true,
}

// PendingTool identifies a tool awaiting user approval.
type PendingTool struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// ActivityRecord summarizes one tool call for activity feeds.
type ActivityRecord struct {
	Name    string `json:"name"`
	Summary string `json:"summary,omitempty"`
	Output  string `json:"output,omitempty"`
}

// UsageTotals aggregates token usage over a conversation.
type UsageTotals struct {
	InputTokens          int `json:"inputTokens"`
	OutputTokens         int `json:"outputTokens"`
	CacheCreate          int `json:"cacheCreate"`
	CacheRead            int `json:"cacheRead"`
	MessageCount         int `json:"messageCount"`
	CurrentContextTokens int `json:"currentContextTokens"`
}

// WaitingForInput reports whether the conversation is waiting on the user.
// True iff the last entry is an assistant message and it either finished
// cleanly (no tools, or all tools terminal) or carries a pending
// interactive or approval-required tool.
func (p *Parser) WaitingForInput(tl *Timeline) bool {
	if tl.lastEntryKind != KindAssistant {
		// A trailing tool result or user prompt means the assistant is
		// (about to be) working.
		return false
	}
	last := tl.LastAssistant()
	if last == nil {
		return false
	}
	if tl.hasStalePending {
		// An unmatched tool on an earlier entry means work is still in
		// flight somewhere; treat the conversation as running.
		return false
	}
	if len(last.ToolCalls) == 0 {
		return true
	}

	allTerminal := true
	for _, tc := range last.ToolCalls {
		if tc.Status.Terminal() {
			continue
		}
		allTerminal = false
		if tc.Status != ToolPending {
			continue
		}
		if interactiveTools[tc.Name] || p.approval[tc.Name] {
			return true
		}
	}
	return allTerminal
}

// IsRunning reports whether the conversation is live (has any content).
// Waiting and running are not exclusive: a waiting session is still live.
func (tl *Timeline) IsRunning() bool {
	return len(tl.Messages) > 0
}

// CurrentActivity returns a human-readable label for what the session is
// doing right now, or "" when there is nothing to report.
func (p *Parser) CurrentActivity(tl *Timeline) string {
	if len(tl.Messages) == 0 {
		return ""
	}
	if tl.lastEntryKind == KindUser {
		return "Processing…"
	}
	last := tl.LastMessage()
	if last.Kind != KindAssistant || len(last.ToolCalls) == 0 {
		return ""
	}

	tc := last.ToolCalls[len(last.ToolCalls)-1]
	if tc.Status == ToolPending && p.approval[tc.Name] && !interactiveTools[tc.Name] && tc.Name != "Task" {
		if summary := SummarizeToolInput(tc); summary != "" {
			return "Approve " + tc.Name + "? " + summary
		}
		return "Approve " + tc.Name + "?"
	}
	return describeTool(tc)
}

// PendingApprovalTools returns the pending approval-required tools on the
// last assistant entry, excluding Task. Task runs subagents and is
// surfaced through its own notifications instead.
func (p *Parser) PendingApprovalTools(tl *Timeline) []PendingTool {
	last := tl.LastAssistant()
	if last == nil {
		return nil
	}

	var pending []PendingTool
	for _, tc := range last.ToolCalls {
		if tc.Status != ToolPending {
			continue
		}
		if tc.Name == "Task" || !p.approval[tc.Name] {
			continue
		}
		pending = append(pending, PendingTool{Name: tc.Name, ID: tc.ID})
	}
	return pending
}

// RecentActivity flattens tool calls into chronological summary records,
// keeping at most limit entries from the end.
func RecentActivity(tl *Timeline, limit int) []ActivityRecord {
	var records []ActivityRecord
	for _, m := range tl.Messages {
		for _, tc := range m.ToolCalls {
			output := tc.Output
			if len(output) > maxOutputLen {
				output = output[:maxOutputLen]
			}
			records = append(records, ActivityRecord{
				Name:    tc.Name,
				Summary: SummarizeToolInput(tc),
				Output:  output,
			})
		}
	}
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records
}

// UsageTotals sums token usage over assistant entries, deduplicated by
// message id since streaming may repeat the same id.
func (tl *Timeline) UsageTotals() UsageTotals {
	totals := UsageTotals{MessageCount: len(tl.Messages)}
	seen := make(map[string]bool)

	for _, m := range tl.Messages {
		if m.Kind != KindAssistant || m.Usage == nil {
			continue
		}
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true

		totals.InputTokens += m.Usage.InputTokens
		totals.OutputTokens += m.Usage.OutputTokens
		totals.CacheCreate += m.Usage.CacheCreationInputTokens
		totals.CacheRead += m.Usage.CacheReadInputTokens

		// The latest usage block reflects the live context size.
		totals.CurrentContextTokens = m.Usage.InputTokens +
			m.Usage.CacheCreationInputTokens + m.Usage.CacheReadInputTokens
	}
	return totals
}

// ErrorCount returns the number of tool calls that ended in error.
func (tl *Timeline) ErrorCount() int {
	count := 0
	for _, m := range tl.Messages {
		for _, tc := range m.ToolCalls {
			if tc.Status == ToolError {
				count++
			}
		}
	}
	return count
}

// TaskSummary derives a short description of what the session is working
// on: the first line of the first real user message.
func TaskSummary(tl *Timeline) string {
	for _, m := range tl.Messages {
		if m.Kind != KindUser || m.SkillName != "" || m.Compaction {
			continue
		}
		line := m.Content
		if idx := strings.IndexByte(line, '\n'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		return runewidth.Truncate(line, maxTaskSummaryWidth, "...")
	}
	return ""
}

// CompactionSince returns the most recent compaction event at or after
// lastLine, or nil when none. Callers record LineCount as the next
// checkpoint so compactions already in the file on first parse stay
// silent.
func (tl *Timeline) CompactionSince(lastLine int) *Compaction {
	for i := len(tl.Compactions) - 1; i >= 0; i-- {
		if tl.Compactions[i].Line >= lastLine {
			ev := tl.Compactions[i]
			return &ev
		}
	}
	return nil
}
