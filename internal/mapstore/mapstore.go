// Package mapstore persists the tmux-session to conversation mapping
// across daemon restarts.
package mapstore

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// fileFormat is the on-disk shape. A legacy flat object
// ({"session": "convId"}) is accepted on read but never written.
type fileFormat struct {
	Mappings map[string]string   `json:"mappings"`
	History  map[string][]string `json:"history"`
}

// Store holds the session → conversation mapping and per-session history
// chains. Safe for concurrent use: the resolver mutates it while the
// registry's query surface reads it.
type Store struct {
	path string

	mu       sync.Mutex
	mappings map[string]string
	history  map[string][]string

	// lastSaved is the serialization last written, so unchanged state
	// skips the disk write.
	lastSaved []byte
}

// New creates a store backed by path without reading it. Call Load to
// populate from disk.
func New(path string) *Store {
	return &Store{
		path:     path,
		mappings: make(map[string]string),
		history:  make(map[string][]string),
	}
}

// Load reads the mapping file. A missing or malformed file starts empty.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var f fileFormat
	if err := json.Unmarshal(data, &f); err == nil && (f.Mappings != nil || f.History != nil) {
		s.apply(f)
		return nil
	}

	// Legacy flat map
	var flat map[string]string
	if err := json.Unmarshal(data, &flat); err == nil {
		f := fileFormat{Mappings: flat, History: make(map[string][]string)}
		for session, conv := range flat {
			f.History[session] = []string{conv}
		}
		s.apply(f)
	}
	return nil
}

func (s *Store) apply(f fileFormat) {
	s.mappings = f.Mappings
	if s.mappings == nil {
		s.mappings = make(map[string]string)
	}
	s.history = f.History
	if s.history == nil {
		s.history = make(map[string][]string)
	}
	// Current must appear in history.
	for session, conv := range s.mappings {
		if !contains(s.history[session], conv) {
			s.history[session] = append(s.history[session], conv)
		}
	}
}

// Current returns the current conversation for session, or "".
func (s *Store) Current(session string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mappings[session]
}

// Mappings returns a copy of the current session → conversation map.
func (s *Store) Mappings() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.mappings))
	for k, v := range s.mappings {
		out[k] = v
	}
	return out
}

// History returns a copy of session's history chain, oldest first.
func (s *Store) History(session string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.history[session]...)
}

// SessionFor returns the session currently mapped to conv, or "".
func (s *Store) SessionFor(conv string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for session, c := range s.mappings {
		if c == conv {
			return session
		}
	}
	return ""
}

// Set maps session to conv, appending to history when new. Any other
// session currently holding conv loses it; a conversation belongs to at
// most one session.
func (s *Store) Set(session, conv string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for other, c := range s.mappings {
		if other != session && c == conv {
			delete(s.mappings, other)
		}
	}
	s.mappings[session] = conv
	if !contains(s.history[session], conv) {
		s.history[session] = append(s.history[session], conv)
	}
}

// RemoveSession drops session's current mapping and history.
func (s *Store) RemoveSession(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mappings, session)
	delete(s.history, session)
}

// ClearCurrent drops session's current mapping but keeps its history.
func (s *Store) ClearCurrent(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mappings, session)
}

// Save writes the mapping file atomically (temp file + rename). The
// write is skipped when the serialization is unchanged since the last
// save.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.marshal()
	if err != nil {
		return err
	}
	if string(data) == string(s.lastSaved) {
		return nil
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing mapping file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing mapping file: %w", err)
	}
	s.lastSaved = data
	return nil
}

// marshal produces a stable serialization (sorted keys via the stdlib
// map marshaling) with history chains preserved in order.
func (s *Store) marshal() ([]byte, error) {
	return json.MarshalIndent(fileFormat{
		Mappings: s.mappings,
		History:  s.history,
	}, "", "  ")
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Sessions returns the mapped session names, sorted.
func (s *Store) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.mappings))
	for session := range s.mappings {
		out = append(out, session)
	}
	sort.Strings(out)
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
