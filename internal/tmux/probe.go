package tmux

import (
	"context"
	"errors"

	"github.com/abdullathedruid/companiond/internal/pathenc"
)

// TaggedSessions enumerates tmux sessions carrying the sentinel
// environment variable and returns each with its pane working directory
// and PID. Sessions that fail individual probes are skipped; panes come
// and go while we enumerate.
func TaggedSessions(ctx context.Context, c Client, sentinelVar string) ([]Session, error) {
	names, err := c.ListSessions(ctx)
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return nil, nil
		}
		return nil, err
	}

	var sessions []Session
	for _, name := range names {
		val, err := c.GetEnvironment(ctx, name, sentinelVar)
		if err != nil || val == "" {
			continue
		}

		dir, err := c.GetPaneWorkDir(ctx, name)
		if err != nil {
			continue
		}
		pid, err := c.GetPanePID(ctx, name)
		if err != nil {
			continue
		}

		sessions = append(sessions, Session{
			Name:       name,
			WorkingDir: dir,
			PanePID:    pid,
		})
	}
	return sessions, nil
}

// EncodedDir returns the session working directory in the encoded form
// used for conversation log directory names.
func (s Session) EncodedDir() string {
	return pathenc.Encode(s.WorkingDir)
}
