package timeline

import (
	"strings"
	"testing"
)

func TestWaitingForInputPlainText(t *testing.T) {
	content := strings.Join([]string{
		`{"type":"user","uuid":"u1","timestamp":"2026-01-10T12:00:00Z","message":{"content":"hello"}}`,
		`{"type":"assistant","uuid":"a1","timestamp":"2026-01-10T12:00:05Z","message":{"id":"m1","content":[{"type":"text","text":"What next?"}]}}`,
	}, "\n")

	p := testParser()
	tl := p.Parse(content)

	if !p.WaitingForInput(tl) {
		t.Error("assistant text with no tools should be waiting")
	}
	if !tl.IsRunning() {
		t.Error("non-empty timeline should be running")
	}
}

func TestWaitingForInputLastEntryUser(t *testing.T) {
	content := `{"type":"user","uuid":"u1","timestamp":"2026-01-10T12:00:00Z","message":{"content":"hello"}}`

	p := testParser()
	tl := p.Parse(content)

	if p.WaitingForInput(tl) {
		t.Error("last entry user should not be waiting")
	}
	if got := p.CurrentActivity(tl); got != "Processing…" {
		t.Errorf("CurrentActivity = %q, want Processing…", got)
	}
}

func TestWaitingForInputPendingApproval(t *testing.T) {
	content := `{"type":"assistant","uuid":"a1","timestamp":"2026-01-10T12:00:05Z","message":{"id":"m1","content":[{"type":"tool_use","id":"b1","name":"Bash","input":{"command":"npm test"}}]}}`

	p := testParser()
	tl := p.Parse(content)

	if !p.WaitingForInput(tl) {
		t.Error("pending Bash approval should be waiting")
	}

	activity := p.CurrentActivity(tl)
	if !strings.Contains(activity, "Approve") {
		t.Errorf("CurrentActivity = %q, want it to mention Approve", activity)
	}
	if !strings.Contains(activity, "npm test") {
		t.Errorf("CurrentActivity = %q, want it to include the command", activity)
	}
}

func TestWaitingForInputPendingAutoTool(t *testing.T) {
	// Read runs without approval; a pending Read means work in flight.
	content := `{"type":"assistant","uuid":"a1","timestamp":"2026-01-10T12:00:05Z","message":{"id":"m1","content":[{"type":"tool_use","id":"r1","name":"Read","input":{"file_path":"/tmp/a.go"}}]}}`

	p := testParser()
	tl := p.Parse(content)

	if p.WaitingForInput(tl) {
		t.Error("pending non-approval tool should not be waiting")
	}
	if got := p.CurrentActivity(tl); got != "Reading file: a.go" {
		t.Errorf("CurrentActivity = %q, want 'Reading file: a.go'", got)
	}
}

func TestWaitingForInputTrailingToolResult(t *testing.T) {
	content := strings.Join([]string{
		`{"type":"assistant","uuid":"a1","timestamp":"2026-01-10T12:00:05Z","message":{"id":"m1","content":[{"type":"tool_use","id":"b1","name":"Bash","input":{"command":"ls"}}]}}`,
		`{"type":"user","uuid":"u1","timestamp":"2026-01-10T12:00:06Z","message":{"content":[{"type":"tool_result","tool_use_id":"b1","content":"ok"}]}}`,
	}, "\n")

	p := testParser()
	tl := p.Parse(content)

	// A trailing tool result means the assistant is about to continue.
	if p.WaitingForInput(tl) {
		t.Error("trailing tool result should not be waiting")
	}
	if got := p.CurrentActivity(tl); got != "Processing…" {
		t.Errorf("CurrentActivity = %q, want Processing…", got)
	}
}

func TestWaitingForInputAllToolsTerminal(t *testing.T) {
	// Streaming re-emits the assistant entry after its tool results land,
	// so the file can end with an assistant line whose tools are all done.
	content := strings.Join([]string{
		`{"type":"assistant","uuid":"a1","timestamp":"2026-01-10T12:00:05Z","message":{"id":"m1","content":[{"type":"tool_use","id":"b1","name":"Bash","input":{"command":"ls"}}]}}`,
		`{"type":"user","uuid":"u1","timestamp":"2026-01-10T12:00:06Z","message":{"content":[{"type":"tool_result","tool_use_id":"b1","content":"ok"}]}}`,
		`{"type":"assistant","uuid":"a2","timestamp":"2026-01-10T12:00:07Z","message":{"id":"m1","content":[{"type":"tool_use","id":"b1","name":"Bash","input":{"command":"ls"}},{"type":"text","text":"Those are the files."}]}}`,
	}, "\n")

	p := testParser()
	tl := p.Parse(content)

	if !p.WaitingForInput(tl) {
		t.Error("all-terminal tools on trailing assistant entry should be waiting")
	}
}

func TestWaitingForInputInteractiveTool(t *testing.T) {
	content := `{"type":"assistant","uuid":"a1","timestamp":"2026-01-10T12:00:05Z","message":{"id":"m1","content":[{"type":"tool_use","id":"q1","name":"AskUserQuestion","input":{"questions":[{"question":"Which?","options":[{"label":"A"}]}]}}]}}`

	p := testParser()
	tl := p.Parse(content)

	if !p.WaitingForInput(tl) {
		t.Error("pending AskUserQuestion should be waiting")
	}
	if got := p.CurrentActivity(tl); got != "Waiting for answer" {
		t.Errorf("CurrentActivity = %q, want 'Waiting for answer'", got)
	}
}

func TestStalePendingMeansRunning(t *testing.T) {
	content := strings.Join([]string{
		`{"type":"assistant","uuid":"a1","timestamp":"2026-01-10T12:00:05Z","message":{"id":"m1","content":[{"type":"tool_use","id":"b1","name":"Bash","input":{"command":"sleep 60"}}]}}`,
		`{"type":"assistant","uuid":"a2","timestamp":"2026-01-10T12:00:10Z","message":{"id":"m2","content":[{"type":"text","text":"still going"}]}}`,
	}, "\n")

	p := testParser()
	tl := p.Parse(content)

	if p.WaitingForInput(tl) {
		t.Error("stale pending tool on earlier entry should keep the session running")
	}
}

func TestPendingApprovalTools(t *testing.T) {
	content := `{"type":"assistant","uuid":"a1","timestamp":"2026-01-10T12:00:05Z","message":{"id":"m1","content":[{"type":"tool_use","id":"b1","name":"Bash","input":{"command":"npm test"}},{"type":"tool_use","id":"t1","name":"Task","input":{"description":"explore"}},{"type":"tool_use","id":"r1","name":"Read","input":{"file_path":"/x"}}]}}`

	p := testParser()
	tl := p.Parse(content)

	pending := p.PendingApprovalTools(tl)
	if len(pending) != 1 {
		t.Fatalf("expected only Bash pending approval, got %+v", pending)
	}
	if pending[0].Name != "Bash" || pending[0].ID != "b1" {
		t.Errorf("pending = %+v, want {Bash b1}", pending[0])
	}
}

func TestPendingApprovalClearedByResult(t *testing.T) {
	content := strings.Join([]string{
		`{"type":"assistant","uuid":"a1","timestamp":"2026-01-10T12:00:05Z","message":{"id":"m1","content":[{"type":"tool_use","id":"b1","name":"Bash","input":{"command":"npm test"}}]}}`,
		`{"type":"user","uuid":"u1","timestamp":"2026-01-10T12:00:06Z","message":{"content":[{"type":"tool_result","tool_use_id":"b1","content":"ok"}]}}`,
	}, "\n")

	p := testParser()
	tl := p.Parse(content)

	if pending := p.PendingApprovalTools(tl); len(pending) != 0 {
		t.Errorf("expected no pending approvals after result, got %+v", pending)
	}
}

func TestRecentActivity(t *testing.T) {
	content := strings.Join([]string{
		`{"type":"assistant","uuid":"a1","timestamp":"2026-01-10T12:00:00Z","message":{"id":"m1","content":[{"type":"tool_use","id":"b1","name":"Bash","input":{"command":"ls"}}]}}`,
		`{"type":"user","uuid":"u1","timestamp":"2026-01-10T12:00:01Z","message":{"content":[{"type":"tool_result","tool_use_id":"b1","content":"` + strings.Repeat("x", 100) + `"}]}}`,
		`{"type":"assistant","uuid":"a2","timestamp":"2026-01-10T12:00:02Z","message":{"id":"m2","content":[{"type":"tool_use","id":"g1","name":"Grep","input":{"pattern":"TODO"}}]}}`,
	}, "\n")

	tl := testParser().Parse(content)

	records := RecentActivity(tl, 10)
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Name != "Bash" || records[1].Name != "Grep" {
		t.Errorf("records out of order: %+v", records)
	}
	if records[1].Summary != "TODO" {
		t.Errorf("grep summary = %q, want TODO", records[1].Summary)
	}

	limited := RecentActivity(tl, 1)
	if len(limited) != 1 || limited[0].Name != "Grep" {
		t.Errorf("limit should keep the newest records, got %+v", limited)
	}
}

func TestRecentActivityTruncatesOutput(t *testing.T) {
	long := strings.Repeat("y", maxOutputLen+500)
	content := strings.Join([]string{
		`{"type":"assistant","uuid":"a1","timestamp":"2026-01-10T12:00:00Z","message":{"id":"m1","content":[{"type":"tool_use","id":"b1","name":"Bash","input":{"command":"cat big"}}]}}`,
		`{"type":"user","uuid":"u1","timestamp":"2026-01-10T12:00:01Z","message":{"content":[{"type":"tool_result","tool_use_id":"b1","content":"` + long + `"}]}}`,
	}, "\n")

	tl := testParser().Parse(content)

	records := RecentActivity(tl, 0)
	if len(records[0].Output) != maxOutputLen {
		t.Errorf("output length = %d, want %d", len(records[0].Output), maxOutputLen)
	}
}

func TestUsageTotals(t *testing.T) {
	content := strings.Join([]string{
		`{"type":"assistant","uuid":"a1","timestamp":"2026-01-10T12:00:00Z","message":{"id":"m1","content":[{"type":"text","text":"a"}],"usage":{"input_tokens":100,"output_tokens":20,"cache_creation_input_tokens":5,"cache_read_input_tokens":50}}}`,
		`{"type":"assistant","uuid":"a2","timestamp":"2026-01-10T12:00:01Z","message":{"id":"m1","content":[{"type":"text","text":"a longer"}],"usage":{"input_tokens":100,"output_tokens":30,"cache_creation_input_tokens":5,"cache_read_input_tokens":50}}}`,
		`{"type":"assistant","uuid":"a3","timestamp":"2026-01-10T12:00:02Z","message":{"id":"m2","content":[{"type":"text","text":"b"}],"usage":{"input_tokens":10,"output_tokens":5,"cache_creation_input_tokens":0,"cache_read_input_tokens":200}}}`,
	}, "\n")

	tl := testParser().Parse(content)

	totals := tl.UsageTotals()
	// m1 streams twice but counts once (the later entry wins).
	if totals.InputTokens != 110 {
		t.Errorf("InputTokens = %d, want 110", totals.InputTokens)
	}
	if totals.OutputTokens != 35 {
		t.Errorf("OutputTokens = %d, want 35", totals.OutputTokens)
	}
	if totals.CacheRead != 250 {
		t.Errorf("CacheRead = %d, want 250", totals.CacheRead)
	}
	if totals.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", totals.MessageCount)
	}
	if totals.CurrentContextTokens != 10+0+200 {
		t.Errorf("CurrentContextTokens = %d, want 210", totals.CurrentContextTokens)
	}
}

func TestTaskSummary(t *testing.T) {
	content := strings.Join([]string{
		`{"type":"user","uuid":"u1","timestamp":"2026-01-10T12:00:00Z","message":{"content":"Fix the flaky integration test\nand then clean up"}}`,
		`{"type":"assistant","uuid":"a1","timestamp":"2026-01-10T12:00:05Z","message":{"id":"m1","content":[{"type":"text","text":"ok"}]}}`,
	}, "\n")

	tl := testParser().Parse(content)

	if got := TaskSummary(tl); got != "Fix the flaky integration test" {
		t.Errorf("TaskSummary = %q", got)
	}
}

func TestTaskSummaryEmpty(t *testing.T) {
	tl := testParser().Parse("")
	if got := TaskSummary(tl); got != "" {
		t.Errorf("TaskSummary on empty timeline = %q, want empty", got)
	}
}

func TestSummarizeToolInputTruncatesCommand(t *testing.T) {
	long := strings.Repeat("a", 100)
	content := `{"type":"assistant","uuid":"a1","timestamp":"2026-01-10T12:00:05Z","message":{"id":"m1","content":[{"type":"tool_use","id":"b1","name":"Bash","input":{"command":"` + long + `"}}]}}`

	tl := testParser().Parse(content)

	summary := SummarizeToolInput(tl.Messages[0].ToolCalls[0])
	if len(summary) > maxCommandWidth+len("$ ") {
		t.Errorf("summary too long (%d): %q", len(summary), summary)
	}
	if !strings.HasSuffix(summary, "...") {
		t.Errorf("summary should be truncated with ellipsis: %q", summary)
	}
}
