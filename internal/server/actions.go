package server

import (
	"context"
	"encoding/json"

	"github.com/go-errors/errors"
)

// sessionRef targets a session by id; empty means the active session.
type sessionRef struct {
	SessionID string `json:"sessionId"`
}

type inputPayload struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

type rawInputPayload struct {
	SessionID string `json:"sessionId"`
	Keys      string `json:"keys"`
}

type summaryPayload struct {
	TmuxFilter []string `json:"tmuxFilter"`
}

type conversationRef struct {
	ConversationID string `json:"conversationId"`
}

type markNewPayload struct {
	SessionName string `json:"sessionName"`
}

type createSessionPayload struct {
	SessionName string `json:"sessionName"`
	WorkingDir  string `json:"workingDir"`
}

// dispatch routes one request to the registry or tmux client.
func (s *Server) dispatch(ctx context.Context, req Request) Response {
	result, err := s.handle(ctx, req)
	if err != nil {
		return Response{ID: req.ID, OK: false, Error: err.Error()}
	}
	return Response{ID: req.ID, OK: true, Result: result}
}

func (s *Server) handle(ctx context.Context, req Request) (any, error) {
	switch req.Action {
	case "list-sessions":
		return s.reg.ListSessions(), nil

	case "get-messages":
		var p sessionRef
		decode(req.Payload, &p)
		return s.reg.GetMessages(p.SessionID)

	case "get-status":
		var p sessionRef
		decode(req.Payload, &p)
		return s.reg.GetStatus(p.SessionID)

	case "get-conversation-chain":
		var p sessionRef
		decode(req.Payload, &p)
		return s.reg.GetConversationChain(p.SessionID)

	case "get-server-summary":
		var p summaryPayload
		decode(req.Payload, &p)
		return s.reg.GetServerSummary(p.TmuxFilter), nil

	case "get-tmux-session-for-conversation":
		var p conversationRef
		decode(req.Payload, &p)
		return s.reg.GetTmuxSessionForConversation(p.ConversationID), nil

	case "get-active-session":
		return s.reg.GetActiveSession(), nil

	case "set-active":
		var p sessionRef
		decode(req.Payload, &p)
		if p.SessionID == "" {
			return nil, errors.New("sessionId required")
		}
		return nil, s.reg.SetActiveSession(p.SessionID)

	case "clear-active":
		s.reg.ClearActiveSession()
		return nil, nil

	case "mark-session-new":
		var p markNewPayload
		decode(req.Payload, &p)
		if p.SessionName == "" {
			return nil, errors.New("sessionName required")
		}
		s.reg.MarkSessionAsNew(p.SessionName)
		return nil, nil

	case "check-pending-approval":
		var p sessionRef
		decode(req.Payload, &p)
		return nil, s.reg.CheckAndEmitPendingApproval(p.SessionID)

	case "input":
		var p inputPayload
		decode(req.Payload, &p)
		session, err := s.targetSession(p.SessionID)
		if err != nil {
			return nil, err
		}
		return nil, s.tmux.SendText(ctx, session, p.Text)

	case "create-session":
		var p createSessionPayload
		decode(req.Payload, &p)
		if p.SessionName == "" {
			return nil, errors.New("sessionName required")
		}
		if err := s.tmux.NewSession(ctx, p.SessionName, p.WorkingDir); err != nil {
			return nil, err
		}
		// Register the guard before any file event can race it.
		s.reg.MarkSessionAsNew(p.SessionName)
		return nil, nil

	case "kill-session":
		var p sessionRef
		decode(req.Payload, &p)
		if p.SessionID == "" {
			return nil, errors.New("sessionId required")
		}
		return nil, s.tmux.KillSession(ctx, p.SessionID)

	case "raw-input":
		var p rawInputPayload
		decode(req.Payload, &p)
		session, err := s.targetSession(p.SessionID)
		if err != nil {
			return nil, err
		}
		return nil, s.tmux.SendRawKeys(ctx, session, p.Keys)

	default:
		return nil, errors.Errorf("unknown action %q", req.Action)
	}
}

// targetSession resolves an optional session id against the active
// selection.
func (s *Server) targetSession(sessionID string) (string, error) {
	if sessionID != "" {
		return sessionID, nil
	}
	if active := s.reg.GetActiveSession(); active != "" {
		return active, nil
	}
	return "", errors.New("no active session")
}

// decode ignores errors; missing or malformed payloads behave like an
// empty one and the handler validates required fields.
func decode(raw json.RawMessage, v any) {
	if len(raw) == 0 {
		return
	}
	json.Unmarshal(raw, v)
}
