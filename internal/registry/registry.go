// Package registry tracks conversations per tmux session, derives their
// state, and emits deduplicated events for the WebSocket layer.
package registry

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/abdullathedruid/companiond/internal/config"
	"github.com/abdullathedruid/companiond/internal/mapstore"
	"github.com/abdullathedruid/companiond/internal/pathenc"
	"github.com/abdullathedruid/companiond/internal/resolver"
	"github.com/abdullathedruid/companiond/internal/tailer"
	"github.com/abdullathedruid/companiond/internal/timeline"
	"github.com/abdullathedruid/companiond/internal/tmux"
)

// initialLoadWindow is the period after start during which the most
// recently modified conversation is auto-selected as active.
const initialLoadWindow = 3 * time.Second

// conversation is the registry's tracked record for one JSONL file.
type conversation struct {
	id          string
	path        string
	encodedDir  string
	projectPath string
	modTime     time.Time

	timeline     *timeline.Timeline
	messageCount int
	isWaiting    bool
	isRunning    bool

	lastErrorCount     int
	lastPendingKey     string
	lastCompactionLine int
	taskSummary        string

	waitTimer *time.Timer
}

// Registry is the canonical store of conversations, tmux sessions, and
// their mapping. All mutation goes through its mutex.
type Registry struct {
	cfg      *config.Config
	parser   *timeline.Parser
	store    *mapstore.Store
	resolver *resolver.Resolver
	broker   *Broker
	logger   *slog.Logger

	mu            sync.Mutex
	conversations map[string]*conversation
	sessions      map[string]tmux.Session
	activeSession string
	activePinned  bool
	startedAt     time.Time
	onEvict       func(path string)
}

// New creates a registry. The broker is created internally; use Broker()
// to subscribe.
func New(cfg *config.Config, store *mapstore.Store, res *resolver.Resolver, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:           cfg,
		parser:        timeline.NewParser(cfg.ApprovalTools),
		store:         store,
		resolver:      res,
		broker:        NewBroker(),
		logger:        logger,
		conversations: make(map[string]*conversation),
		sessions:      make(map[string]tmux.Session),
		startedAt:     time.Now(),
	}
}

// Broker returns the event broker.
func (r *Registry) Broker() *Broker {
	return r.broker
}

// OnEvict registers a callback invoked with the file path of every
// evicted conversation. The tailer hooks its Forget here so a recreated
// file is treated as new again.
func (r *Registry) OnEvict(fn func(path string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvict = fn
}

// InScope reports whether an encoded directory belongs to a tracked
// tmux session. The tailer uses it to filter events.
func (r *Registry) InScope(encodedDir string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.EncodedDir() == encodedDir {
			return true
		}
	}
	return false
}

// UpdateSessions replaces the in-scope tmux session set and prunes
// conversations whose directory no longer matches any session or whose
// backing file disappeared.
func (r *Registry) UpdateSessions(sessions []tmux.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions = make(map[string]tmux.Session, len(sessions))
	dirs := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		r.sessions[s.Name] = s
		dirs[s.EncodedDir()] = true
	}

	for id, c := range r.conversations {
		if dirs[c.encodedDir] {
			if _, err := os.Stat(c.path); err == nil {
				continue
			}
		}
		r.evictLocked(id, c)
	}

	if r.activeSession != "" {
		if _, ok := r.sessions[r.activeSession]; !ok {
			r.activeSession = ""
			r.activePinned = false
		}
	}
}

// evictLocked removes a conversation and emits session-completed when it
// was running and still owned.
func (r *Registry) evictLocked(id string, c *conversation) {
	if c.waitTimer != nil {
		c.waitTimer.Stop()
	}
	delete(r.conversations, id)
	if r.onEvict != nil {
		r.onEvict(c.path)
	}
	r.logger.Debug("evicting conversation", "conversation", id, "path", c.path)

	owner := r.ownerLocked(c)
	if owner == "" || !c.isRunning {
		return
	}
	r.broker.Publish(Event{
		Type:      EventSessionCompleted,
		SessionID: owner,
		Payload: NotificationPayload{
			ProjectPath: c.projectPath,
			SessionName: owner,
			Content:     c.taskSummary,
		},
	})
}

// Conversations returns the tracked set in the resolver's shape.
func (r *Registry) Conversations() []resolver.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]resolver.Conversation, 0, len(r.conversations))
	for _, c := range r.conversations {
		out = append(out, resolver.Conversation{
			ID:         c.id,
			Path:       c.path,
			EncodedDir: c.encodedDir,
			ModTime:    c.modTime,
		})
	}
	return out
}

// HandleSnapshot runs the per-pass pipeline for one debounced file read.
func (r *Registry) HandleSnapshot(snap tailer.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, existed := r.conversations[snap.ConversationID]
	if !existed {
		c = &conversation{
			id:          snap.ConversationID,
			path:        snap.Path,
			encodedDir:  encodedDirOf(snap.Path),
			projectPath: r.decodeDir(snap.Path),
		}
		r.conversations[snap.ConversationID] = c
	}
	r.applyLocked(c, snap.Content, snap.ModTime, existed)
}

// applyLocked is the per-pass pipeline over new file content. Tailer
// passes and query-time refreshes both run it, so the event baselines
// (message count, waiting, error count) only ever move together with
// their events.
func (r *Registry) applyLocked(c *conversation, content string, modTime time.Time, existed bool) {
	// A fresh change cancels any pending waiting-confirmation.
	if c.waitTimer != nil {
		c.waitTimer.Stop()
		c.waitTimer = nil
	}

	tl := r.parser.Parse(content)
	waiting := r.parser.WaitingForInput(tl)
	pending := r.parser.PendingApprovalTools(tl)

	// Entering waiting via a pending non-interactive approval tool may
	// just be the gap before an auto-approved tool starts. Confirm
	// after a quiet interval instead of flapping.
	confirmLater := waiting && !c.isWaiting && len(pending) > 0
	if confirmLater {
		waiting = c.isWaiting
		r.scheduleWaitConfirm(c)
	}

	prev := snapshotState{
		messageCount: c.messageCount,
		waiting:      c.isWaiting,
		running:      c.isRunning,
		errorCount:   c.lastErrorCount,
		pendingKey:   c.lastPendingKey,
	}

	c.timeline = tl
	c.modTime = modTime
	c.messageCount = len(tl.Messages)
	c.isWaiting = waiting
	c.isRunning = tl.IsRunning()
	c.lastErrorCount = tl.ErrorCount()
	c.taskSummary = timeline.TaskSummary(tl)

	// Compaction: the first parse only records the high-water line so
	// historical compactions stay silent.
	var liveCompaction *timeline.Compaction
	if existed {
		liveCompaction = tl.CompactionSince(c.lastCompactionLine)
	}
	c.lastCompactionLine = tl.LineCount

	owner := r.ownerLocked(c)
	r.maybeAutoSelect(owner)

	if owner == "" {
		return
	}
	if cur := r.store.Current(owner); cur != "" && cur != c.id {
		// The owner is following a different conversation; stay quiet.
		return
	}

	r.emitLocked(c, owner, prev, pending, liveCompaction)
}

type snapshotState struct {
	messageCount int
	waiting      bool
	running      bool
	errorCount   int
	pendingKey   string
}

// emitLocked applies the event table for one pass.
func (r *Registry) emitLocked(c *conversation, owner string, prev snapshotState, pending []timeline.PendingTool, liveCompaction *timeline.Compaction) {
	messagesChanged := c.messageCount != prev.messageCount
	waitingChanged := c.isWaiting != prev.waiting
	isActive := owner == r.activeSession

	if messagesChanged {
		r.broker.Publish(Event{
			Type:      EventConversationUpdate,
			SessionID: owner,
			Payload: ConversationUpdatePayload{
				Path:       c.path,
				Messages:   c.timeline.Messages,
				Highlights: timeline.RecentActivity(c.timeline, 10),
			},
		})
	}
	if messagesChanged || waitingChanged {
		r.broker.Publish(Event{
			Type:      EventStatusChange,
			SessionID: owner,
			Payload: StatusChangePayload{
				IsWaitingForInput: c.isWaiting,
				CurrentActivity:   r.parser.CurrentActivity(c.timeline),
				LastMessage:       lastMessageContent(c.timeline),
			},
		})
		if !isActive {
			r.broker.Publish(Event{
				Type:      EventOtherSessionActivity,
				SessionID: owner,
				Payload: OtherSessionActivityPayload{
					ProjectPath:       c.projectPath,
					SessionName:       owner,
					IsWaitingForInput: c.isWaiting,
					LastMessage:       lastMessageContent(c.timeline),
					NewMessageCount:   c.messageCount - prev.messageCount,
				},
			})
		}
	}

	key := pendingKey(pending)
	if key != "" && key != prev.pendingKey && c.isWaiting {
		r.broker.Publish(Event{
			Type:      EventPendingApproval,
			SessionID: owner,
			Payload: PendingApprovalPayload{
				ProjectPath: c.projectPath,
				Tools:       pending,
			},
		})
		c.lastPendingKey = key
	} else if key == "" {
		c.lastPendingKey = ""
	} else {
		c.lastPendingKey = prev.pendingKey
	}

	if liveCompaction != nil {
		r.broker.Publish(Event{
			Type:      EventCompaction,
			SessionID: owner,
			Payload: CompactionPayload{
				ProjectPath: c.projectPath,
				SessionName: owner,
				Summary:     liveCompaction.Summary,
				Timestamp:   liveCompaction.Timestamp.Format(time.RFC3339),
			},
		})
		r.resolver.MarkCompacted(owner)
	}

	if c.lastErrorCount > prev.errorCount {
		r.broker.Publish(Event{
			Type:      EventErrorDetected,
			SessionID: owner,
			Payload: NotificationPayload{
				ProjectPath: c.projectPath,
				SessionName: owner,
				Content:     r.parser.CurrentActivity(c.timeline),
			},
		})
	}

	if prev.running && !c.isRunning {
		r.broker.Publish(Event{
			Type:      EventSessionCompleted,
			SessionID: owner,
			Payload: NotificationPayload{
				ProjectPath: c.projectPath,
				SessionName: owner,
				Content:     c.taskSummary,
			},
		})
	}
}

// scheduleWaitConfirm arms the 3s confirmation for a pending-approval
// waiting transition. If no new file change cancels it, the waiting
// state is committed and events fire.
func (r *Registry) scheduleWaitConfirm(c *conversation) {
	id := c.id
	c.waitTimer = time.AfterFunc(r.cfg.WaitingConfirm(), func() {
		r.confirmWaiting(id)
	})
}

func (r *Registry) confirmWaiting(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conversations[id]
	if !ok || c.timeline == nil {
		return
	}
	c.waitTimer = nil

	waiting := r.parser.WaitingForInput(c.timeline)
	if !waiting || c.isWaiting {
		return
	}

	prev := snapshotState{
		messageCount: c.messageCount,
		waiting:      c.isWaiting,
		running:      c.isRunning,
		errorCount:   c.lastErrorCount,
		pendingKey:   c.lastPendingKey,
	}
	c.isWaiting = true

	owner := r.ownerLocked(c)
	if owner == "" {
		return
	}
	if cur := r.store.Current(owner); cur != "" && cur != c.id {
		return
	}
	r.emitLocked(c, owner, prev, r.parser.PendingApprovalTools(c.timeline), nil)
}

// ownerLocked resolves the session owning c: direct mapping first, then
// by directory when exactly one in-scope session matches.
func (r *Registry) ownerLocked(c *conversation) string {
	if owner := r.store.SessionFor(c.id); owner != "" {
		return owner
	}

	var match string
	for name, s := range r.sessions {
		if s.EncodedDir() != c.encodedDir {
			continue
		}
		if r.resolver.IsMarkedNew(name) {
			// A just-created session never inherits a file by location.
			continue
		}
		if match != "" {
			return "" // ambiguous
		}
		match = name
	}
	return match
}

// maybeAutoSelect picks the active session during the initial-load
// window; afterwards only explicit client requests change it.
func (r *Registry) maybeAutoSelect(owner string) {
	if owner == "" || r.activePinned {
		return
	}
	if time.Since(r.startedAt) > initialLoadWindow && r.activeSession != "" {
		return
	}
	r.activeSession = owner
}

// MarkSessionAsNew registers a just-created session with the resolver.
func (r *Registry) MarkSessionAsNew(name string) {
	r.resolver.MarkSessionAsNew(name, time.Now())
}

// Close stops all timers and the broker.
func (r *Registry) Close() {
	r.mu.Lock()
	for _, c := range r.conversations {
		if c.waitTimer != nil {
			c.waitTimer.Stop()
			c.waitTimer = nil
		}
	}
	r.mu.Unlock()
	r.broker.Close()
}

// decodeDir recovers the project path from a conversation file's
// enclosing encoded directory, falling back to the raw name when the
// filesystem probe finds no match.
func (r *Registry) decodeDir(path string) string {
	encoded := encodedDirOf(path)
	if decoded, ok := pathenc.Decode(encoded); ok {
		return decoded
	}
	return encoded
}

func encodedDirOf(path string) string {
	return filepath.Base(filepath.Dir(path))
}

func lastMessageContent(tl *timeline.Timeline) string {
	if m := tl.LastMessage(); m != nil {
		return m.Content
	}
	return ""
}

// pendingKey builds an order-independent key over pending tool ids.
func pendingKey(tools []timeline.PendingTool) string {
	if len(tools) == 0 {
		return ""
	}
	ids := make([]string, len(tools))
	for i, t := range tools {
		ids[i] = t.ID
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}
