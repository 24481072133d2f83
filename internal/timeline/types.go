// Package timeline parses Claude Code conversation JSONL files into a
// typed message timeline and derives session state from it.
package timeline

import (
	"encoding/json"
	"time"
)

// MessageKind discriminates timeline entries.
type MessageKind string

const (
	KindUser           MessageKind = "user"
	KindAssistant      MessageKind = "assistant"
	KindSystem         MessageKind = "system"
	KindQueueOperation MessageKind = "queue-operation"
)

// ToolStatus represents the state of a tool call.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// Terminal reports whether the status is completed or error.
func (s ToolStatus) Terminal() bool {
	return s == ToolCompleted || s == ToolError
}

// ToolCall represents a tool invocation and its (possibly pending) result.
type ToolCall struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Input       map[string]any `json:"input,omitempty"`
	Status      ToolStatus     `json:"status"`
	Output      string         `json:"output,omitempty"`
	StartedAt   time.Time      `json:"startedAt,omitempty"`
	CompletedAt time.Time      `json:"completedAt,omitempty"`

	rawInput json.RawMessage
}

// RawInput returns the undecoded tool input.
func (t *ToolCall) RawInput() json.RawMessage {
	return t.rawInput
}

// Option is a choice offered to the user for a waiting message.
type Option struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Question is one question from an AskUserQuestion tool input. The first
// question is surfaced as the message's primary options; all are preserved.
type Question struct {
	Header      string   `json:"header,omitempty"`
	Question    string   `json:"question"`
	Options     []Option `json:"options,omitempty"`
	MultiSelect bool     `json:"multiSelect,omitempty"`
}

// Message is a single entry in the conversation timeline.
type Message struct {
	ID        string      `json:"id"`
	Kind      MessageKind `json:"kind"`
	Content   string      `json:"content,omitempty"`
	Timestamp time.Time   `json:"timestamp"`

	// Assistant entries
	ToolCalls []*ToolCall `json:"toolCalls,omitempty"`
	Usage     *Usage      `json:"usage,omitempty"`

	// Waiting-for-choice state (approval synthesis or interactive tools)
	IsWaitingForChoice bool       `json:"isWaitingForChoice,omitempty"`
	Options            []Option   `json:"options,omitempty"`
	Questions          []Question `json:"questions,omitempty"`

	// System entries
	Compaction bool `json:"compaction,omitempty"`

	// User entries expanded from a Skill invocation; the UI can suppress
	// these as noise
	SkillName string `json:"skillName,omitempty"`

	// Content blocks with an unrecognized type, kept raw
	UnknownBlocks []UnknownBlock `json:"unknownBlocks,omitempty"`
}

// Usage contains token usage for an assistant message.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// Compaction describes a detected compaction event.
type Compaction struct {
	Summary   string    `json:"summary"`
	Timestamp time.Time `json:"timestamp"`
	Line      int       `json:"line"` // zero-based line index of the trigger entry
}

// Timeline is the parsed form of one conversation file.
type Timeline struct {
	Messages    []*Message
	Compactions []Compaction

	// LineCount is the number of lines consumed from the input, so a
	// caller can distinguish live compaction events from historical ones.
	LineCount int

	// lastEntryKind is the kind of the last raw entry in the file,
	// including tool-result-only user entries that produce no visible
	// message. A trailing tool result means the assistant is about to
	// continue, so the conversation is not waiting.
	lastEntryKind MessageKind

	// hasStalePending is set when an unmatched tool-use appears on an
	// assistant entry that is not the last one. The conversation is
	// considered running, not waiting.
	hasStalePending bool
}

// LastEntryKind returns the kind of the last raw entry parsed, which may
// differ from the last visible message (tool-result-only user entries
// update tool state without appearing on the timeline).
func (tl *Timeline) LastEntryKind() MessageKind {
	return tl.lastEntryKind
}

// LastMessage returns the final timeline entry, or nil when empty.
func (tl *Timeline) LastMessage() *Message {
	if len(tl.Messages) == 0 {
		return nil
	}
	return tl.Messages[len(tl.Messages)-1]
}

// LastAssistant returns the chronologically last assistant entry, or nil.
func (tl *Timeline) LastAssistant() *Message {
	for i := len(tl.Messages) - 1; i >= 0; i-- {
		if tl.Messages[i].Kind == KindAssistant {
			return tl.Messages[i]
		}
	}
	return nil
}

// UnknownBlock preserves a content block with an unrecognized type so
// parsing is lossless.
type UnknownBlock struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"raw"`
}
