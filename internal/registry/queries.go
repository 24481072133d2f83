package registry

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-errors/errors"

	"github.com/abdullathedruid/companiond/internal/timeline"
)

// summaryWindow bounds the message-timestamp history returned for
// sparklines.
const summaryWindow = 30 * time.Minute

// maxChainLength bounds getConversationChain results.
const maxChainLength = 20

// SessionEntry is the public view of one in-scope tmux session.
type SessionEntry struct {
	ID               string `json:"id"`
	ProjectPath      string `json:"projectPath"`
	ConversationPath string `json:"conversationPath,omitempty"`
	LastActivityMs   int64  `json:"lastActivityMs"`
	Status           string `json:"status"`
	CurrentActivity  string `json:"currentActivity,omitempty"`
	TaskSummary      string `json:"taskSummary,omitempty"`
}

// Status is the detailed state of one session's conversation.
type Status struct {
	IsRunning         bool                      `json:"isRunning"`
	IsWaitingForInput bool                      `json:"isWaitingForInput"`
	LastActivityMs    int64                     `json:"lastActivityMs"`
	ConversationPath  string                    `json:"conversationPath,omitempty"`
	ProjectPath       string                    `json:"projectPath,omitempty"`
	CurrentActivity   string                    `json:"currentActivity,omitempty"`
	RecentActivity    []timeline.ActivityRecord `json:"recentActivity,omitempty"`
}

// SessionSummary is one row of the server summary.
type SessionSummary struct {
	SessionName      string  `json:"sessionName"`
	ProjectPath      string  `json:"projectPath,omitempty"`
	Status           string  `json:"status"`
	TaskSummary      string  `json:"taskSummary,omitempty"`
	RecentTimestamps []int64 `json:"recentTimestamps"`
}

// ListSessions returns entries for every in-scope tmux session.
func (r *Registry) ListSessions() []SessionEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var entries []SessionEntry
	for name := range r.sessions {
		entries = append(entries, r.entryLocked(name))
	}
	return entries
}

func (r *Registry) entryLocked(name string) SessionEntry {
	e := SessionEntry{ID: name}
	c := r.conversationForLocked(name)
	if c == nil {
		e.Status = "idle"
		return e
	}
	e.ProjectPath = c.projectPath
	e.ConversationPath = c.path
	e.LastActivityMs = c.modTime.UnixMilli()
	e.Status = statusOf(c)
	e.CurrentActivity = r.parser.CurrentActivity(c.timeline)
	e.TaskSummary = c.taskSummary
	return e
}

func statusOf(c *conversation) string {
	switch {
	case c.isWaiting:
		return "waiting"
	case c.lastErrorCount > 0 && !c.isRunning:
		return "error"
	case c.isRunning:
		return "working"
	default:
		return "idle"
	}
}

// GetMessages returns the session's cached timeline, re-parsing first
// when the file on disk is newer than the cache. An empty sessionID
// targets the active session.
func (r *Registry) GetMessages(sessionID string) ([]*timeline.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, err := r.targetLocked(sessionID)
	if err != nil {
		return nil, err
	}
	c := r.conversationForLocked(name)
	if c == nil {
		return []*timeline.Message{}, nil
	}
	r.refreshLocked(c)
	return c.timeline.Messages, nil
}

// refreshLocked re-parses the conversation when the on-disk mtime moved
// past the cached one. Queries always see current content without
// waiting for the tailer's next pass. The read runs the full snapshot
// pipeline so events for the delta still fire; otherwise the next tailer
// pass would see no change and stay silent.
func (r *Registry) refreshLocked(c *conversation) {
	info, err := os.Stat(c.path)
	if err != nil || !info.ModTime().After(c.modTime) {
		return
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return
	}
	r.applyLocked(c, string(data), info.ModTime(), true)
}

// GetStatus returns the detailed state for a session (active by
// default).
func (r *Registry) GetStatus(sessionID string) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, err := r.targetLocked(sessionID)
	if err != nil {
		return Status{}, err
	}
	c := r.conversationForLocked(name)
	if c == nil {
		return Status{}, nil
	}
	r.refreshLocked(c)
	return Status{
		IsRunning:         c.isRunning,
		IsWaitingForInput: c.isWaiting,
		LastActivityMs:    c.modTime.UnixMilli(),
		ConversationPath:  c.path,
		ProjectPath:       c.projectPath,
		CurrentActivity:   r.parser.CurrentActivity(c.timeline),
		RecentActivity:    timeline.RecentActivity(c.timeline, 10),
	}, nil
}

// GetConversationChain returns the session's conversation history as
// file paths, oldest first, bounded to the most recent entries.
func (r *Registry) GetConversationChain(sessionID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, err := r.targetLocked(sessionID)
	if err != nil {
		return nil, err
	}
	s, ok := r.sessions[name]
	if !ok {
		return nil, errors.Errorf("unknown session %q", name)
	}

	history := r.store.History(name)
	if len(history) > maxChainLength {
		history = history[len(history)-maxChainLength:]
	}

	paths := make([]string, 0, len(history))
	for _, conv := range history {
		if c, ok := r.conversations[conv]; ok {
			paths = append(paths, c.path)
			continue
		}
		paths = append(paths, filepath.Join(r.cfg.WatchRoot, s.EncodedDir(), conv+".jsonl"))
	}
	return paths, nil
}

// GetServerSummary returns per-session summaries with recent message
// timestamps, optionally restricted to the given tmux names.
func (r *Registry) GetServerSummary(tmuxFilter []string) []SessionSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	var filter map[string]bool
	if len(tmuxFilter) > 0 {
		filter = make(map[string]bool, len(tmuxFilter))
		for _, name := range tmuxFilter {
			filter[name] = true
		}
	}

	var out []SessionSummary
	for name := range r.sessions {
		if filter != nil && !filter[name] {
			continue
		}
		s := SessionSummary{SessionName: name, Status: "idle", RecentTimestamps: []int64{}}
		if c := r.conversationForLocked(name); c != nil {
			s.ProjectPath = c.projectPath
			s.Status = statusOf(c)
			s.TaskSummary = c.taskSummary
			s.RecentTimestamps = recentTimestamps(c.timeline, time.Now().Add(-summaryWindow))
		}
		out = append(out, s)
	}
	return out
}

func recentTimestamps(tl *timeline.Timeline, cutoff time.Time) []int64 {
	out := []int64{}
	if tl == nil {
		return out
	}
	for _, m := range tl.Messages {
		if m.Timestamp.After(cutoff) {
			out = append(out, m.Timestamp.UnixMilli())
		}
	}
	return out
}

// GetTmuxSessionForConversation returns the session currently mapped to
// a conversation UUID, or "".
func (r *Registry) GetTmuxSessionForConversation(uuid string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner := r.store.SessionFor(uuid); owner != "" {
		return owner
	}
	if c, ok := r.conversations[uuid]; ok {
		return r.ownerLocked(c)
	}
	return ""
}

// GetActiveSession returns the current active session name, or "".
func (r *Registry) GetActiveSession() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeSession
}

// SetActiveSession pins the active session to an explicit choice.
func (r *Registry) SetActiveSession(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[name]; !ok {
		return errors.Errorf("unknown session %q", name)
	}
	r.activeSession = name
	r.activePinned = true
	return nil
}

// ClearActiveSession unpins the active selection.
func (r *Registry) ClearActiveSession() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeSession = ""
	r.activePinned = false
}

// CheckAndEmitPendingApproval re-emits pending-approval for the
// session's current state, bypassing dedup. Clients call this after
// reconnecting to recover a notification they may have missed.
func (r *Registry) CheckAndEmitPendingApproval(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, err := r.targetLocked(sessionID)
	if err != nil {
		return err
	}
	c := r.conversationForLocked(name)
	if c == nil || c.timeline == nil {
		return nil
	}
	pending := r.parser.PendingApprovalTools(c.timeline)
	if len(pending) == 0 {
		return nil
	}
	r.broker.Publish(Event{
		Type:      EventPendingApproval,
		SessionID: name,
		Payload: PendingApprovalPayload{
			ProjectPath: c.projectPath,
			Tools:       pending,
		},
	})
	c.lastPendingKey = pendingKey(pending)
	return nil
}

// targetLocked resolves an optional session id to a concrete one.
func (r *Registry) targetLocked(sessionID string) (string, error) {
	if sessionID != "" {
		return sessionID, nil
	}
	if r.activeSession == "" {
		return "", errors.New("no active session")
	}
	return r.activeSession, nil
}

// conversationForLocked finds the conversation a session is following:
// the current mapping first, else the only conversation in its
// directory.
func (r *Registry) conversationForLocked(name string) *conversation {
	if conv := r.store.Current(name); conv != "" {
		if c, ok := r.conversations[conv]; ok {
			return c
		}
	}
	// A newly-created session must not fall back to a sibling's file.
	if r.resolver.IsMarkedNew(name) {
		return nil
	}
	s, ok := r.sessions[name]
	if !ok {
		return nil
	}
	var match *conversation
	for _, c := range r.conversations {
		if c.encodedDir != s.EncodedDir() {
			continue
		}
		if match != nil {
			return nil
		}
		match = c
	}
	return match
}
