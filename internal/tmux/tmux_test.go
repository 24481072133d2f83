package tmux

import (
	"errors"
	"testing"
)

func TestParseLines(t *testing.T) {
	out := "main\n\nwork-1\n  scratch  \n"
	got := parseLines(out)
	want := []string{"main", "work-1", "scratch"}
	if len(got) != len(want) {
		t.Fatalf("parseLines returned %d lines, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestParseEnvironment(t *testing.T) {
	tests := []struct {
		name string
		out  string
		key  string
		want string
	}{
		{"set", "COMPANION_SESSION=1", "COMPANION_SESSION", "1"},
		{"value with equals", "PATH=/usr/bin:/bin=x", "PATH", "/usr/bin:/bin=x"},
		{"unset marker", "-COMPANION_SESSION", "COMPANION_SESSION", ""},
		{"empty", "", "COMPANION_SESSION", ""},
		{"wrong key", "OTHER=1", "COMPANION_SESSION", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseEnvironment(tt.out, tt.key); got != tt.want {
				t.Errorf("parseEnvironment(%q, %q) = %q, want %q", tt.out, tt.key, got, tt.want)
			}
		})
	}
}

func TestWrapError(t *testing.T) {
	base := errors.New("exit status 1")

	tests := []struct {
		name   string
		stderr string
		want   error
	}{
		{"no server", "no server running on /tmp/tmux-1000/default", ErrNoServer},
		{"connect failure", "error connecting to /tmp/tmux-1000/default (No such file or directory)", ErrNoServer},
		{"missing session", "can't find session: work", ErrSessionNotFound},
		{"session not found", "session not found: work", ErrSessionNotFound},
		{"no sessions", "no sessions", ErrSessionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := wrapError(base, tt.stderr, []string{"list-sessions"})
			if !errors.Is(err, tt.want) {
				t.Errorf("wrapError(%q) = %v, want %v", tt.stderr, err, tt.want)
			}
		})
	}
}

func TestWrapErrorGeneric(t *testing.T) {
	base := errors.New("exit status 1")

	err := wrapError(base, "usage: attach-session", []string{"attach-session"})
	if errors.Is(err, ErrNoServer) || errors.Is(err, ErrSessionNotFound) {
		t.Errorf("generic stderr mapped to sentinel: %v", err)
	}

	err = wrapError(base, "", []string{"kill-session"})
	if !errors.Is(err, base) {
		t.Errorf("empty stderr should wrap the original error, got %v", err)
	}
}
