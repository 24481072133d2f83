package timeline

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

var (
	taskSummaryRe = regexp.MustCompile(`<summary>([\s\S]*?)</summary>`)
	taskStatusRe  = regexp.MustCompile(`<status>([^<]+)</status>`)
)

// Parser converts raw JSONL content into a Timeline.
// A Parser is stateless; the same instance may be reused across files.
type Parser struct {
	approval map[string]bool
}

// NewParser creates a parser with the given approval-required tool set.
func NewParser(approvalTools []string) *Parser {
	approval := make(map[string]bool, len(approvalTools))
	for _, name := range approvalTools {
		approval[name] = true
	}
	return &Parser{approval: approval}
}

// lineEntry is the envelope shared by all JSONL line types.
type lineEntry struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	UUID      string          `json:"uuid,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Summary   string          `json:"summary,omitempty"`
	Operation string          `json:"operation,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
}

// parseState carries cross-line context through one parse pass.
type parseState struct {
	tl         *Timeline
	seenMsgIDs map[string]int // message ID -> index in tl.Messages
	openTools  map[string]*ToolCall

	// Set when a compact_boundary system entry is seen; the next user
	// message is the compaction summary.
	pendingBoundaryLine int
	boundaryPending     bool

	// Set when a Skill tool-result is paired; the next user message is
	// the expanded skill prompt.
	pendingSkillName string
}

// Parse converts full file contents into an ordered timeline. Malformed
// lines are skipped. Given identical input bytes the result is identical
// modulo synthesized message ids, which are stable within one parse.
func (p *Parser) Parse(content string) *Timeline {
	st := &parseState{
		tl:         &Timeline{},
		seenMsgIDs: make(map[string]int),
		openTools:  make(map[string]*ToolCall),
	}

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		p.parseLine(st, i, line)
	}
	st.tl.LineCount = len(lines)
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		st.tl.LineCount--
	}

	p.finalize(st.tl)
	return st.tl
}

func (p *Parser) parseLine(st *parseState, idx int, line string) {
	var entry lineEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return
	}

	switch entry.Type {
	case "user":
		st.tl.lastEntryKind = KindUser
		p.parseUser(st, idx, &entry)
	case "assistant":
		st.tl.lastEntryKind = KindAssistant
		p.parseAssistant(st, idx, &entry)
	case "system":
		st.tl.lastEntryKind = KindSystem
		p.parseSystem(st, idx, &entry)
	case "summary":
		st.tl.lastEntryKind = KindSystem
		p.parseSummary(st, idx, &entry)
	case "queue-operation":
		st.tl.lastEntryKind = KindQueueOperation
		p.parseQueueOperation(st, idx, &entry)
	}
}

func (p *Parser) parseUser(st *parseState, idx int, entry *lineEntry) {
	var msg struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(entry.Message, &msg); err != nil {
		return
	}

	ts := parseTimestamp(entry.Timestamp)

	// Content is either a plain string or a list of blocks.
	var text string
	var sawText bool
	var unknowns []UnknownBlock
	if err := json.Unmarshal(msg.Content, &text); err == nil {
		sawText = true
	} else {
		var blocks []json.RawMessage
		if err := json.Unmarshal(msg.Content, &blocks); err != nil {
			return
		}
		var parts []string
		for _, block := range blocks {
			switch bt := blockType(block); bt {
			case "text":
				var t struct {
					Text string `json:"text"`
				}
				if err := json.Unmarshal(block, &t); err == nil && t.Text != "" {
					parts = append(parts, t.Text)
				}
			case "tool_result":
				p.applyToolResult(st, block, ts)
			case "":
			default:
				unknowns = append(unknowns, UnknownBlock{Type: bt, Raw: block})
			}
		}
		if len(parts) > 0 {
			text = strings.Join(parts, "\n")
			sawText = true
		}
	}

	// Tool-result-only entries update tool state but add no visible
	// message. Entries carrying unrecognized blocks (images and the like)
	// still count as messages so parsing stays lossless.
	if !sawText && len(unknowns) == 0 {
		return
	}

	m := &Message{
		ID:            entryID(entry.UUID, idx),
		Kind:          KindUser,
		Content:       text,
		Timestamp:     ts,
		UnknownBlocks: unknowns,
	}

	if st.boundaryPending {
		// A compact_boundary system entry is immediately followed by the
		// user message carrying the summary text.
		m.Compaction = true
		st.tl.Compactions = append(st.tl.Compactions, Compaction{
			Summary:   text,
			Timestamp: ts,
			Line:      st.pendingBoundaryLine,
		})
		st.boundaryPending = false
	}
	if st.pendingSkillName != "" {
		m.SkillName = st.pendingSkillName
		st.pendingSkillName = ""
	}

	appendMessage(st, m)
}

func (p *Parser) parseAssistant(st *parseState, idx int, entry *lineEntry) {
	var msg struct {
		ID      string            `json:"id"`
		Content []json.RawMessage `json:"content"`
		Usage   *Usage            `json:"usage"`
	}
	if err := json.Unmarshal(entry.Message, &msg); err != nil {
		return
	}

	// Streaming writes several entries with the same message id; use it
	// for dedup when present.
	msgID := msg.ID
	if msgID == "" {
		msgID = entryID(entry.UUID, idx)
	}

	ts := parseTimestamp(entry.Timestamp)
	m := &Message{
		ID:        msgID,
		Kind:      KindAssistant,
		Timestamp: ts,
		Usage:     msg.Usage,
	}

	var parts []string
	for _, block := range msg.Content {
		switch bt := blockType(block); bt {
		case "text":
			var t struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(block, &t); err == nil && t.Text != "" {
				parts = append(parts, t.Text)
			}

		case "tool_use":
			var t struct {
				ID    string          `json:"id"`
				Name  string          `json:"name"`
				Input json.RawMessage `json:"input"`
			}
			if err := json.Unmarshal(block, &t); err != nil {
				continue
			}
			tc := &ToolCall{
				ID:        t.ID,
				Name:      t.Name,
				StartedAt: ts,
				rawInput:  t.Input,
			}
			_ = json.Unmarshal(t.Input, &tc.Input)
			m.ToolCalls = append(m.ToolCalls, tc)
			if t.ID != "" {
				st.openTools[t.ID] = tc
			}

		case "":

		default:
			m.UnknownBlocks = append(m.UnknownBlocks, UnknownBlock{Type: bt, Raw: block})
		}
	}
	m.Content = strings.Join(parts, "\n")

	// Replace on duplicate id, but keep already-paired tool results from
	// the earlier streaming entry.
	if prevIdx, ok := st.seenMsgIDs[msgID]; ok {
		prev := st.tl.Messages[prevIdx]
		for _, tc := range m.ToolCalls {
			for _, old := range prev.ToolCalls {
				if old.ID == tc.ID && old.Status.Terminal() {
					tc.Status = old.Status
					tc.Output = old.Output
					tc.CompletedAt = old.CompletedAt
					delete(st.openTools, tc.ID)
				}
			}
		}
		st.tl.Messages[prevIdx] = m
		return
	}

	appendMessage(st, m)
}

// applyToolResult pairs a tool_result block with its tool_use.
func (p *Parser) applyToolResult(st *parseState, block json.RawMessage, ts time.Time) {
	var res struct {
		ToolUseID string          `json:"tool_use_id"`
		Content   json.RawMessage `json:"content"`
		Error     bool            `json:"error"`
		IsError   bool            `json:"is_error"`
	}
	if err := json.Unmarshal(block, &res); err != nil {
		return
	}

	tc, ok := st.openTools[res.ToolUseID]
	if !ok {
		return
	}
	delete(st.openTools, res.ToolUseID)

	tc.Output = resultText(res.Content)
	tc.CompletedAt = ts
	if res.Error || res.IsError {
		tc.Status = ToolError
	} else {
		tc.Status = ToolCompleted
	}

	if tc.Name == "Skill" {
		st.pendingSkillName = skillName(tc)
	}
}

func (p *Parser) parseSystem(st *parseState, idx int, entry *lineEntry) {
	if entry.Subtype == "compact_boundary" {
		st.boundaryPending = true
		st.pendingBoundaryLine = idx
		return
	}

	text := rawString(entry.Content)
	if text == "" {
		return
	}
	appendMessage(st, &Message{
		ID:        entryID(entry.UUID, idx),
		Kind:      KindSystem,
		Content:   text,
		Timestamp: parseTimestamp(entry.Timestamp),
	})
}

// parseSummary handles the standalone summary entry form of compaction.
func (p *Parser) parseSummary(st *parseState, idx int, entry *lineEntry) {
	summary := entry.Summary
	if summary == "" {
		summary = rawString(entry.Content)
	}
	if summary == "" {
		return
	}

	ts := parseTimestamp(entry.Timestamp)
	st.tl.Compactions = append(st.tl.Compactions, Compaction{
		Summary:   summary,
		Timestamp: ts,
		Line:      idx,
	})
	appendMessage(st, &Message{
		ID:         entryID(entry.UUID, idx),
		Kind:       KindSystem,
		Content:    summary,
		Timestamp:  ts,
		Compaction: true,
	})
}

// parseQueueOperation converts task-notification payloads into synthetic
// system messages so queued task completions show up on the timeline.
func (p *Parser) parseQueueOperation(st *parseState, idx int, entry *lineEntry) {
	payload := rawString(entry.Content)
	if payload == "" || !strings.Contains(payload, "task-notification") {
		return
	}

	summary := ""
	if m := taskSummaryRe.FindStringSubmatch(payload); m != nil {
		summary = strings.TrimSpace(m[1])
	}
	if summary == "" {
		// Some payloads are JSON with the XML fragment embedded.
		if s := gjson.Get(payload, "summary").Str; s != "" {
			summary = s
		}
	}
	if summary == "" {
		return
	}

	status := ToolCompleted
	if m := taskStatusRe.FindStringSubmatch(payload); m != nil {
		if strings.EqualFold(strings.TrimSpace(m[1]), "error") || strings.EqualFold(strings.TrimSpace(m[1]), "failed") {
			status = ToolError
		}
	}

	appendMessage(st, &Message{
		ID:        entryID(entry.UUID, idx),
		Kind:      KindQueueOperation,
		Content:   summary,
		Timestamp: parseTimestamp(entry.Timestamp),
		ToolCalls: []*ToolCall{{Name: "TaskOutput", Status: status}},
	})
}

// finalize resolves unmatched tool statuses and synthesizes approval
// options on the last assistant entry.
func (p *Parser) finalize(tl *Timeline) {
	last := tl.LastAssistant()

	for _, m := range tl.Messages {
		if m.Kind != KindAssistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			if tc.Status != "" {
				continue
			}
			tc.Status = ToolPending
			// Unmatched tools on earlier entries should not occur; treat
			// as pending but keep the conversation in a running state.
			if m != last {
				tl.hasStalePending = true
			}
		}
	}

	if last == nil {
		return
	}

	for _, tc := range last.ToolCalls {
		if tc.Status != ToolPending {
			continue
		}
		switch {
		case tc.Name == "AskUserQuestion":
			last.Questions = parseQuestions(tc)
			if len(last.Questions) > 0 {
				last.Options = last.Questions[0].Options
			}
			last.IsWaitingForChoice = true

		case tc.Name == "ExitPlanMode":
			last.Options = []Option{
				{Label: "Approve plan", Value: "yes"},
				{Label: "Keep planning", Value: "no"},
			}
			last.IsWaitingForChoice = true

		case p.approval[tc.Name] && tc.Name != "Task":
			last.Options = approvalOptions()
			last.IsWaitingForChoice = true
		}
	}
}

// approvalOptions are the standard choices synthesized for a pending
// approval-required tool.
func approvalOptions() []Option {
	return []Option{
		{Label: "Yes", Value: "yes"},
		{Label: "No", Value: "no"},
		{Label: "Yes, don't ask again", Value: "always"},
	}
}

// parseQuestions extracts the question list from an AskUserQuestion input.
func parseQuestions(tc *ToolCall) []Question {
	var input struct {
		Questions []struct {
			Header      string `json:"header"`
			Question    string `json:"question"`
			MultiSelect bool   `json:"multiSelect"`
			Options     []struct {
				Label       string `json:"label"`
				Description string `json:"description"`
			} `json:"options"`
		} `json:"questions"`
	}
	if err := json.Unmarshal(tc.rawInput, &input); err != nil {
		return nil
	}

	var questions []Question
	for _, q := range input.Questions {
		question := Question{
			Header:      q.Header,
			Question:    q.Question,
			MultiSelect: q.MultiSelect,
		}
		for _, o := range q.Options {
			question.Options = append(question.Options, Option{Label: o.Label, Value: o.Label})
		}
		questions = append(questions, question)
	}
	return questions
}

// skillName extracts the invoked skill from a Skill tool input.
func skillName(tc *ToolCall) string {
	for _, key := range []string{"command", "skill", "name"} {
		if s := gjson.GetBytes(tc.rawInput, key).Str; s != "" {
			return s
		}
	}
	return "skill"
}

// resultText renders a tool_result content payload as a string. List
// payloads of text blocks are joined with newlines.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// blockType reads the type discriminator of a content block.
func blockType(block json.RawMessage) string {
	var t struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(block, &t); err != nil {
		return ""
	}
	return t.Type
}

// rawString decodes a raw JSON value that should be a string.
func rawString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func parseTimestamp(s string) time.Time {
	ts, _ := time.Parse(time.RFC3339, s)
	return ts
}

// entryID returns a stable message id for an entry, synthesizing one
// from the line index when the log carries none.
func entryID(uuid string, idx int) string {
	if uuid != "" {
		return uuid
	}
	return fmt.Sprintf("entry-%d", idx)
}

func appendMessage(st *parseState, m *Message) {
	st.seenMsgIDs[m.ID] = len(st.tl.Messages)
	st.tl.Messages = append(st.tl.Messages, m)
}
