// Package tailer watches a conversation log tree and emits debounced
// whole-file snapshots for changed conversations.
package tailer

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Snapshot is one debounced read of a conversation file.
type Snapshot struct {
	Path           string
	ConversationID string
	Content        string
	ModTime        time.Time
	IsNew          bool // first time this conversation was seen
}

// ScopeFunc reports whether an encoded directory name belongs to an
// in-scope tmux session. A nil func admits everything.
type ScopeFunc func(encodedDir string) bool

// Tailer filters raw watch events down to in-scope conversation files,
// debounces bursts per conversation, and reads the file once per burst.
type Tailer struct {
	root     string
	watcher  Watcher
	debounce time.Duration
	maxAge   time.Duration
	inScope  ScopeFunc
	logger   *slog.Logger

	snapshots chan Snapshot
	flush     chan string

	mu      sync.Mutex
	timers  map[string]*time.Timer
	tracked map[string]bool
}

// New creates a tailer over watcher for files under root. maxAge is the
// initial-scan age filter: untracked files whose mtime is older are
// ignored until they are modified live.
func New(root string, watcher Watcher, debounce, maxAge time.Duration, inScope ScopeFunc, logger *slog.Logger) *Tailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tailer{
		root:      root,
		watcher:   watcher,
		debounce:  debounce,
		maxAge:    maxAge,
		inScope:   inScope,
		logger:    logger,
		snapshots: make(chan Snapshot, 64),
		flush:     make(chan string, 64),
		timers:    make(map[string]*time.Timer),
		tracked:   make(map[string]bool),
	}
}

// Snapshots returns the output channel. Closed when Run returns.
func (t *Tailer) Snapshots() <-chan Snapshot {
	return t.snapshots
}

// Run consumes watch events until ctx is done or the watcher closes.
func (t *Tailer) Run(ctx context.Context) {
	defer close(t.snapshots)
	defer t.stopTimers()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-t.watcher.Events():
			if !ok {
				return
			}
			if t.wants(ev.Path) {
				t.schedule(ev.Path)
			}

		case path := <-t.flush:
			t.read(ctx, path)
		}
	}
}

// wants applies the path filters: under root, .jsonl, no subagents
// segment, enclosing directory in scope.
func (t *Tailer) wants(path string) bool {
	if !strings.HasSuffix(path, ".jsonl") {
		return false
	}
	rel, err := filepath.Rel(t.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	for _, part := range strings.Split(filepath.Dir(rel), string(filepath.Separator)) {
		if part == "subagents" {
			return false
		}
	}
	if t.inScope != nil && !t.inScope(filepath.Base(filepath.Dir(path))) {
		return false
	}
	return true
}

// schedule starts or refreshes the per-conversation debounce timer.
func (t *Tailer) schedule(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.timers[path]; ok {
		timer.Reset(t.debounce)
		return
	}
	t.timers[path] = time.AfterFunc(t.debounce, func() {
		t.mu.Lock()
		delete(t.timers, path)
		t.mu.Unlock()

		select {
		case t.flush <- path:
		default:
			t.logger.Warn("tailer flush queue full, dropping pass", "path", path)
		}
	})
}

// read snapshots the file and emits it. Untracked files older than the
// age filter are skipped so the initial scan does not replay every
// historical log; a fresh mtime means a live modification, which always
// passes.
func (t *Tailer) read(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil {
		t.logger.Debug("stat failed, skipping", "path", path, "error", err)
		return
	}

	t.mu.Lock()
	isNew := !t.tracked[path]
	t.mu.Unlock()

	if isNew && t.maxAge > 0 && time.Since(info.ModTime()) > t.maxAge {
		return
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.logger.Debug("read failed, skipping", "path", path, "error", err)
		return
	}

	t.mu.Lock()
	t.tracked[path] = true
	t.mu.Unlock()

	snap := Snapshot{
		Path:           path,
		ConversationID: strings.TrimSuffix(filepath.Base(path), ".jsonl"),
		Content:        string(content),
		ModTime:        info.ModTime(),
		IsNew:          isNew,
	}
	select {
	case t.snapshots <- snap:
	case <-ctx.Done():
	}
}

// Forget drops a conversation from the tracked set, so a reappearing
// file is treated as new again.
func (t *Tailer) Forget(path string) {
	t.mu.Lock()
	delete(t.tracked, path)
	t.mu.Unlock()
}

func (t *Tailer) stopTimers() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for path, timer := range t.timers {
		timer.Stop()
		delete(t.timers, path)
	}
}
