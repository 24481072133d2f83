// Package resolver maintains the many-to-one mapping from conversation
// files to the tmux sessions that own them.
package resolver

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/abdullathedruid/companiond/internal/mapstore"
	"github.com/abdullathedruid/companiond/internal/process"
	"github.com/abdullathedruid/companiond/internal/tmux"
)

// minPromptLineLen is the shortest user-input line considered for
// scrollback matching; shorter lines match too many files.
const minPromptLineLen = 8

// candidateTailBytes bounds how much of each candidate file is searched
// during scrollback matching.
const candidateTailBytes = 64 * 1024

// scrollbackLines is how much pane history is captured for matching.
const scrollbackLines = 500

// Conversation is the resolver's view of a tracked conversation file.
type Conversation struct {
	ID         string
	Path       string
	EncodedDir string
	ModTime    time.Time
}

// Resolver runs the mapping cascade. Safe for use from one goroutine at
// a time; the flag setters take the lock so the registry can call them
// from its own pass.
type Resolver struct {
	tmux   tmux.Client
	store  *mapstore.Store
	root   string
	prompt string
	logger *slog.Logger

	mu           sync.Mutex
	newlyCreated map[string]time.Time
	compacted    map[string]bool

	// descendants and openFiles are swappable for tests.
	openFiles func(pid int, root string) ([]string, error)
}

// New creates a resolver. promptChar is the terminal prompt marker used
// for scrollback extraction.
func New(tc tmux.Client, store *mapstore.Store, root, promptChar string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		tmux:         tc,
		store:        store,
		root:         root,
		prompt:       promptChar,
		logger:       logger,
		newlyCreated: make(map[string]time.Time),
		compacted:    make(map[string]bool),
		openFiles:    process.OpenJSONLFiles,
	}
}

// MarkSessionAsNew registers a just-created session. It stays unmapped
// until a conversation newer than at appears in its directory, so it
// cannot inherit a sibling's stale conversation.
func (r *Resolver) MarkSessionAsNew(name string, at time.Time) {
	r.mu.Lock()
	r.newlyCreated[name] = at
	r.mu.Unlock()
}

// MarkCompacted flags a session whose current conversation just
// compacted; the next new file in its directory re-maps it.
func (r *Resolver) MarkCompacted(name string) {
	r.mu.Lock()
	r.compacted[name] = true
	r.mu.Unlock()
}

// ClearCompacted removes a session's compacted flag.
func (r *Resolver) ClearCompacted(name string) {
	r.mu.Lock()
	delete(r.compacted, name)
	r.mu.Unlock()
}

// IsMarkedNew reports whether name is under the newly-created guard.
func (r *Resolver) IsMarkedNew(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.newlyCreated[name]
	return ok
}

// IsCompacted reports whether name carries the compacted flag.
func (r *Resolver) IsCompacted(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.compacted[name]
}

// Resolve runs the cascade over the current tmux sessions and tracked
// conversations. It returns true when the mapping changed; the caller
// persists the store.
func (r *Resolver) Resolve(ctx context.Context, sessions []tmux.Session, conversations []Conversation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	before := mappingKey(r.store)

	byID := make(map[string]Conversation, len(conversations))
	byDir := make(map[string][]Conversation)
	for _, c := range conversations {
		byID[c.ID] = c
		byDir[c.EncodedDir] = append(byDir[c.EncodedDir], c)
	}
	sessionsByDir := make(map[string][]tmux.Session)
	inScope := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		sessionsByDir[s.EncodedDir()] = append(sessionsByDir[s.EncodedDir()], s)
		inScope[s.Name] = true
	}

	// Drop mappings for sessions that no longer exist.
	for _, name := range r.store.Sessions() {
		if !inScope[name] {
			r.store.RemoveSession(name)
			delete(r.newlyCreated, name)
			delete(r.compacted, name)
		}
	}

	r.keepValidMappings(sessions, byID)

	for _, s := range sessions {
		if r.store.Current(s.Name) != "" {
			continue
		}
		if created, ok := r.newlyCreated[s.Name]; ok {
			r.resolveNewSession(s, byDir[s.EncodedDir()], created)
			continue
		}
		if r.resolveByPID(s, byID) {
			continue
		}
		if len(sessionsByDir[s.EncodedDir()]) >= 2 && r.resolveByScrollback(ctx, s, byDir[s.EncodedDir()]) {
			continue
		}
		r.resolveByElimination(s, sessionsByDir[s.EncodedDir()], byDir[s.EncodedDir()])
	}

	r.remapCompacted(sessionsByDir, byDir)

	return before != mappingKey(r.store)
}

// keepValidMappings is step 1: preserve persisted mappings whose
// conversation is still tracked or whose backing file exists, and whose
// directory still matches the session's working directory.
func (r *Resolver) keepValidMappings(sessions []tmux.Session, byID map[string]Conversation) {
	for _, s := range sessions {
		conv := r.store.Current(s.Name)
		if conv == "" {
			continue
		}
		if c, ok := byID[conv]; ok {
			if c.EncodedDir == s.EncodedDir() {
				continue
			}
			r.store.ClearCurrent(s.Name)
			continue
		}
		// Not tracked; keep only if the file still exists in the
		// session's directory.
		path := r.conversationPath(s.EncodedDir(), conv)
		if _, err := os.Stat(path); err != nil {
			r.store.ClearCurrent(s.Name)
		}
	}
}

// resolveNewSession is step 2: a newly-created session takes only a
// conversation strictly newer than its creation time that no other
// session owns.
func (r *Resolver) resolveNewSession(s tmux.Session, candidates []Conversation, created time.Time) {
	var best Conversation
	for _, c := range candidates {
		if !c.ModTime.After(created) {
			continue
		}
		if owner := r.store.SessionFor(c.ID); owner != "" && owner != s.Name {
			continue
		}
		if best.ID == "" || c.ModTime.After(best.ModTime) {
			best = c
		}
	}
	if best.ID == "" {
		return
	}
	r.store.Set(s.Name, best.ID)
	delete(r.newlyCreated, s.Name)
	r.logger.Debug("resolved new session", "session", s.Name, "conversation", best.ID)
}

// resolveByPID is step 3: inspect the pane's process tree for an open
// conversation file.
func (r *Resolver) resolveByPID(s tmux.Session, byID map[string]Conversation) bool {
	if s.PanePID <= 0 {
		return false
	}
	files, err := r.openFiles(s.PanePID, r.root)
	if err != nil || len(files) == 0 {
		return false
	}
	for _, f := range files {
		id := conversationID(f)
		if _, ok := byID[id]; !ok {
			continue
		}
		if owner := r.store.SessionFor(id); owner != "" && owner != s.Name {
			continue
		}
		r.store.Set(s.Name, id)
		r.logger.Debug("resolved by pid", "session", s.Name, "conversation", id)
		return true
	}
	return false
}

// resolveByScrollback is step 4: find a user-input line from the pane's
// history that appears in exactly one candidate file.
func (r *Resolver) resolveByScrollback(ctx context.Context, s tmux.Session, candidates []Conversation) bool {
	if len(candidates) == 0 {
		return false
	}
	scrollback, err := r.tmux.CapturePane(ctx, s.Name, scrollbackLines)
	if err != nil {
		return false
	}
	inputs := extractPromptLines(scrollback, r.prompt)

	tails := make(map[string]string, len(candidates))
	for _, c := range candidates {
		tails[c.ID] = readTail(c.Path, candidateTailBytes)
	}

	for _, line := range inputs {
		var match string
		for id, tail := range tails {
			if strings.Contains(tail, line) {
				if match != "" {
					match = ""
					break
				}
				match = id
			}
		}
		if match == "" {
			continue
		}
		if owner := r.store.SessionFor(match); owner != "" && owner != s.Name {
			continue
		}
		r.store.Set(s.Name, match)
		r.logger.Debug("resolved by scrollback", "session", s.Name, "conversation", match)
		return true
	}
	return false
}

// resolveByElimination is step 5: in a shared directory with exactly one
// unmapped session and exactly one unclaimed conversation, pair them.
func (r *Resolver) resolveByElimination(s tmux.Session, siblings []tmux.Session, candidates []Conversation) {
	unmapped := 0
	for _, sib := range siblings {
		if r.store.Current(sib.Name) == "" {
			if _, isNew := r.newlyCreated[sib.Name]; isNew {
				continue
			}
			unmapped++
		}
	}
	if unmapped != 1 {
		return
	}

	var unclaimed []Conversation
	for _, c := range candidates {
		if r.store.SessionFor(c.ID) == "" {
			unclaimed = append(unclaimed, c)
		}
	}
	if len(unclaimed) != 1 {
		return
	}
	r.store.Set(s.Name, unclaimed[0].ID)
	r.logger.Debug("resolved by elimination", "session", s.Name, "conversation", unclaimed[0].ID)
}

// remapCompacted is step 6: when an unclaimed conversation exists in a
// directory with exactly one compacted session, move that session onto
// the newest such conversation. Zero or several compacted sessions is
// ambiguous; leave everything alone.
func (r *Resolver) remapCompacted(sessionsByDir map[string][]tmux.Session, byDir map[string][]Conversation) {
	for dir, convs := range byDir {
		var compacted []string
		for _, s := range sessionsByDir[dir] {
			if r.compacted[s.Name] {
				compacted = append(compacted, s.Name)
			}
		}
		if len(compacted) != 1 {
			continue
		}

		var best Conversation
		for _, c := range convs {
			if r.store.SessionFor(c.ID) != "" {
				continue
			}
			if best.ID == "" || c.ModTime.After(best.ModTime) {
				best = c
			}
		}
		if best.ID == "" {
			continue
		}
		session := compacted[0]
		r.store.Set(session, best.ID)
		delete(r.compacted, session)
		r.logger.Info("compaction re-map", "session", session, "conversation", best.ID)
	}
}

func (r *Resolver) conversationPath(encodedDir, conv string) string {
	return filepath.Join(r.root, encodedDir, conv+".jsonl")
}

// extractPromptLines returns user-input lines from scrollback, newest
// first: the text after the prompt marker, minimum length applied.
func extractPromptLines(scrollback, prompt string) []string {
	var lines []string
	for _, line := range strings.Split(scrollback, "\n") {
		idx := strings.Index(line, prompt)
		if idx < 0 {
			continue
		}
		input := strings.TrimSpace(line[idx+len(prompt):])
		if len(input) < minPromptLineLen {
			continue
		}
		lines = append(lines, input)
	}
	// Newest first
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines
}

// readTail returns the last n bytes of the file at path, or "" on error.
func readTail(path string, n int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	if info.Size() > n {
		if _, err := f.Seek(-n, io.SeekEnd); err != nil {
			return ""
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	return string(data)
}

// conversationID extracts the UUID stem from a conversation path.
func conversationID(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".jsonl")
}

// mappingKey builds a stable representation of the current mapping for
// change detection.
func mappingKey(store *mapstore.Store) string {
	m := store.Mappings()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m[k])
		b.WriteByte(';')
	}
	return b.String()
}
