// Package tmux provides a wrapper for tmux operations.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// commandTimeout bounds every tmux subprocess call. Sessions can vanish
// between enumeration and read; callers tolerate failures.
const commandTimeout = 2 * time.Second

// Common errors.
var (
	ErrNoServer        = errors.New("no tmux server running")
	ErrSessionNotFound = errors.New("session not found")
)

// Session describes one tmux session.
type Session struct {
	Name       string
	WorkingDir string
	PanePID    int
}

// Client provides tmux operations. Tests replace it with a fake.
type Client interface {
	// ListSessions returns the names of all tmux sessions.
	ListSessions(ctx context.Context) ([]string, error)
	// GetEnvironment reads a session environment variable; returns ""
	// when unset.
	GetEnvironment(ctx context.Context, session, key string) (string, error)
	// GetPaneWorkDir returns the active pane's current working directory.
	GetPaneWorkDir(ctx context.Context, session string) (string, error)
	// GetPanePID returns the active pane's process id.
	GetPanePID(ctx context.Context, session string) (int, error)
	// CapturePane captures up to lines of scrollback from the active pane.
	CapturePane(ctx context.Context, session string, lines int) (string, error)
	// SendText sends literal text followed by Enter.
	SendText(ctx context.Context, session, text string) error
	// SendRawKeys sends key names (e.g. "Enter", "Escape", "C-c").
	SendRawKeys(ctx context.Context, session, keys string) error
	// NewSession creates a detached session in the given directory.
	NewSession(ctx context.Context, name, dir string) error
	// KillSession kills a session.
	KillSession(ctx context.Context, session string) error
	// HasSession checks whether a session exists.
	HasSession(ctx context.Context, session string) bool
}

// RealClient implements Client using actual tmux commands.
type RealClient struct{}

// NewClient creates a new tmux client.
func NewClient() *RealClient {
	return &RealClient{}
}

// run executes a tmux command with a timeout and returns trimmed stdout.
func (c *RealClient) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "tmux", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", wrapError(err, stderr.String(), args)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// wrapError maps tmux stderr output to sentinel errors.
func wrapError(err error, stderr string, args []string) error {
	stderr = strings.TrimSpace(stderr)

	if strings.Contains(stderr, "no server running") ||
		strings.Contains(stderr, "error connecting to") {
		return ErrNoServer
	}
	if strings.Contains(stderr, "session not found") ||
		strings.Contains(stderr, "can't find session") ||
		strings.Contains(stderr, "no sessions") {
		return ErrSessionNotFound
	}

	if stderr != "" {
		return fmt.Errorf("tmux %s: %s", args[0], stderr)
	}
	return fmt.Errorf("tmux %s: %w", args[0], err)
}

// ListSessions returns all tmux session names.
func (c *RealClient) ListSessions(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		// No sessions is not an error
		if errors.Is(err, ErrNoServer) || errors.Is(err, ErrSessionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return parseLines(out), nil
}

// GetEnvironment reads a session-scoped environment variable.
func (c *RealClient) GetEnvironment(ctx context.Context, session, key string) (string, error) {
	out, err := c.run(ctx, "show-environment", "-t", session, key)
	if err != nil {
		return "", err
	}
	return parseEnvironment(out, key), nil
}

// parseEnvironment extracts a value from "KEY=value" show-environment output.
func parseEnvironment(out, key string) string {
	for _, line := range parseLines(out) {
		if strings.HasPrefix(line, key+"=") {
			return strings.TrimPrefix(line, key+"=")
		}
	}
	return ""
}

// GetPaneWorkDir returns the active pane's working directory.
func (c *RealClient) GetPaneWorkDir(ctx context.Context, session string) (string, error) {
	return c.run(ctx, "display-message", "-p", "-t", session, "#{pane_current_path}")
}

// GetPanePID returns the active pane's PID.
func (c *RealClient) GetPanePID(ctx context.Context, session string) (int, error) {
	out, err := c.run(ctx, "display-message", "-p", "-t", session, "#{pane_pid}")
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("parsing pane pid %q: %w", out, err)
	}
	return pid, nil
}

// CapturePane captures scrollback from the active pane.
func (c *RealClient) CapturePane(ctx context.Context, session string, lines int) (string, error) {
	args := []string{"capture-pane", "-t", session, "-p"}
	if lines > 0 {
		args = append(args, "-S", fmt.Sprintf("-%d", lines))
	}
	return c.run(ctx, args...)
}

// SendText sends literal text to a session followed by Enter.
func (c *RealClient) SendText(ctx context.Context, session, text string) error {
	if _, err := c.run(ctx, "send-keys", "-t", session, "-l", text); err != nil {
		return err
	}
	_, err := c.run(ctx, "send-keys", "-t", session, "Enter")
	return err
}

// SendRawKeys sends key names to a session.
func (c *RealClient) SendRawKeys(ctx context.Context, session, keys string) error {
	_, err := c.run(ctx, "send-keys", "-t", session, keys)
	return err
}

// NewSession creates a new detached tmux session.
func (c *RealClient) NewSession(ctx context.Context, name, dir string) error {
	args := []string{"new-session", "-d", "-s", name}
	if dir != "" {
		args = append(args, "-c", dir)
	}
	_, err := c.run(ctx, args...)
	return err
}

// KillSession kills a tmux session.
func (c *RealClient) KillSession(ctx context.Context, session string) error {
	_, err := c.run(ctx, "kill-session", "-t", session)
	return err
}

// HasSession checks if a session exists.
func (c *RealClient) HasSession(ctx context.Context, session string) bool {
	_, err := c.run(ctx, "has-session", "-t", session)
	return err == nil
}

func parseLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
