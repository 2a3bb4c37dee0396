package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/benmeehan/presence-hub/internal/documents"
	"github.com/benmeehan/presence-hub/internal/models"
)

// Error codes sent in reply frames.
const (
	CodeInvalidChannelName = "invalid_channel_name"
	CodeSessionNotFound    = "session_not_found"
	CodeLockHeld           = "lock_held"
	CodeLockTokenInvalid   = "lock_token_invalid"
	CodeVersionConflict    = "version_conflict"
	CodeDocumentNotFound   = "document_not_found"
	CodePermissionDenied   = "permission_denied"
	CodeBadRequest         = "bad_request"
	CodeInternal           = "internal_error"
)

// Request is an inbound frame.
type Request struct {
	ID   string          `json:"id"`
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Reply answers exactly one Request.
type Reply struct {
	ID     string      `json:"id"`
	OK     bool        `json:"ok"`
	Result any         `json:"result,omitempty"`
	Error  *ReplyError `json:"error,omitempty"`
}

type ReplyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// CurrentVersion is set on version_conflict.
	CurrentVersion int64 `json:"current_version,omitempty"`
}

// Push is a server initiated frame: a roster, document or lock event, or a
// notification batch for one of the connection's sessions.
type Push struct {
	Push string `json:"push"`
	Data any    `json:"data"`
}

const (
	pushEvent         = "event"
	pushNotifications = "notifications"
)

// errBadRequest marks malformed frames and arguments.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// replyError maps a core error onto its wire code.
func replyError(err error) *ReplyError {
	re := &ReplyError{Code: CodeInternal, Message: err.Error()}
	var conflict *models.VersionConflictError
	switch {
	case errors.As(err, &conflict):
		re.Code = CodeVersionConflict
		re.CurrentVersion = conflict.CurrentVersion
	case errors.Is(err, models.ErrVersionConflict):
		re.Code = CodeVersionConflict
	case errors.Is(err, models.ErrInvalidChannelName):
		re.Code = CodeInvalidChannelName
	case errors.Is(err, models.ErrSessionNotFound):
		re.Code = CodeSessionNotFound
	case errors.Is(err, models.ErrLockHeld):
		re.Code = CodeLockHeld
	case errors.Is(err, models.ErrLockTokenInvalid):
		re.Code = CodeLockTokenInvalid
	case errors.Is(err, models.ErrDocumentNotFound):
		re.Code = CodeDocumentNotFound
	case errors.Is(err, models.ErrPermissionDenied):
		re.Code = CodePermissionDenied
	case errors.Is(err, errBadRequest),
		errors.Is(err, models.ErrInvalidUserID),
		errors.Is(err, models.ErrInvalidSample):
		re.Code = CodeBadRequest
	}
	return re
}

type joinArgs struct {
	Channel      string          `json:"channel"`
	UserID       string          `json:"user_id"`
	PresenceData json.RawMessage `json:"presence_data"`
	DeviceInfo   json.RawMessage `json:"device_info"`
}

type sessionArgs struct {
	SessionID    string          `json:"session_id"`
	PresenceData json.RawMessage `json:"presence_data"`
}

type channelArgs struct {
	Channel string `json:"channel"`
}

type lockArgs struct {
	DocumentID string `json:"document_id"`
	SessionID  string `json:"session_id"`
	Token      string `json:"lock_token"`
}

type documentArgs struct {
	DocumentID string `json:"document_id"`
	UserID     string `json:"user_id"`
}

type healthArgs struct {
	Component string `json:"component_name"`
	Limit     int    `json:"limit"`
}

type dispatchArgs struct {
	UserID        string                `json:"user_id"`
	Notifications []models.Notification `json:"notifications"`
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return badRequest("invalid args: %v", err)
	}
	return nil
}

// handle executes one request for c and returns its result.
func (s *Server) handle(ctx context.Context, c *conn, req Request) (any, error) {
	switch req.Op {
	case "join":
		var a joinArgs
		if err := decodeArgs(req.Args, &a); err != nil {
			return nil, err
		}
		id, err := s.core.JoinChannel(a.Channel, a.UserID, a.PresenceData, a.DeviceInfo)
		if err != nil {
			return nil, err
		}
		s.bind(c, id, a.Channel)
		return map[string]string{"session_id": id}, nil

	case "heartbeat", "set_idle", "update_presence", "leave":
		var a sessionArgs
		if err := decodeArgs(req.Args, &a); err != nil {
			return nil, err
		}
		if !c.owns(a.SessionID) {
			return nil, models.ErrSessionNotFound
		}
		return nil, s.sessionOp(c, req.Op, a)

	case "list_sessions":
		var a channelArgs
		if err := decodeArgs(req.Args, &a); err != nil {
			return nil, err
		}
		return s.core.ListSessions(a.Channel), nil

	case "acquire_lock":
		var a lockArgs
		if err := decodeArgs(req.Args, &a); err != nil {
			return nil, err
		}
		if !c.owns(a.SessionID) {
			return nil, models.ErrSessionNotFound
		}
		return s.core.AcquireLock(a.DocumentID, a.SessionID)

	case "renew_lock":
		var a lockArgs
		if err := decodeArgs(req.Args, &a); err != nil {
			return nil, err
		}
		return s.core.RenewLock(a.DocumentID, a.Token)

	case "release_lock":
		var a lockArgs
		if err := decodeArgs(req.Args, &a); err != nil {
			return nil, err
		}
		return map[string]bool{"released": s.core.ReleaseLock(a.DocumentID, a.Token)}, nil

	case "lock_holder":
		var a lockArgs
		if err := decodeArgs(req.Args, &a); err != nil {
			return nil, err
		}
		holder, held := s.core.LockHolder(a.DocumentID)
		if !held {
			return map[string]any{"held": false}, nil
		}
		return map[string]any{"held": true, "holder": holder}, nil

	case "create_document":
		var a documents.CreateRequest
		if err := decodeArgs(req.Args, &a); err != nil {
			return nil, err
		}
		id, err := s.core.CreateDocument(a)
		if err != nil {
			return nil, err
		}
		return map[string]string{"document_id": id}, nil

	case "apply_update":
		var a documents.UpdateRequest
		if err := decodeArgs(req.Args, &a); err != nil {
			return nil, err
		}
		version, err := s.core.ApplyUpdate(a)
		if err != nil {
			return nil, err
		}
		return map[string]int64{"version": version}, nil

	case "get_document":
		var a documentArgs
		if err := decodeArgs(req.Args, &a); err != nil {
			return nil, err
		}
		return s.core.GetDocument(a.DocumentID)

	case "list_documents":
		var a documentArgs
		if err := decodeArgs(req.Args, &a); err != nil {
			return nil, err
		}
		return s.core.ListDocuments(a.UserID), nil

	case "invite":
		var a documentArgs
		if err := decodeArgs(req.Args, &a); err != nil {
			return nil, err
		}
		return nil, s.core.Invite(a.DocumentID, a.UserID)

	case "record_health":
		var a models.HealthSample
		if err := decodeArgs(req.Args, &a); err != nil {
			return nil, err
		}
		return s.core.RecordHealth(a)

	case "latest_health":
		var a healthArgs
		if err := decodeArgs(req.Args, &a); err != nil {
			return nil, err
		}
		return s.core.LatestHealth(a.Component, a.Limit), nil

	case "health_summary":
		return s.core.HealthSummary(), nil

	case "dispatch":
		var a dispatchArgs
		if err := decodeArgs(req.Args, &a); err != nil {
			return nil, err
		}
		delivered, err := s.core.Dispatch(ctx, a.UserID, a.Notifications)
		if err != nil {
			return nil, err
		}
		return map[string]int{"delivered": delivered}, nil
	}
	return nil, badRequest("unknown op %q", req.Op)
}

func (s *Server) sessionOp(c *conn, op string, a sessionArgs) error {
	switch op {
	case "heartbeat":
		return s.core.Heartbeat(a.SessionID)
	case "set_idle":
		return s.core.SetIdle(a.SessionID)
	case "update_presence":
		return s.core.UpdatePresence(a.SessionID, a.PresenceData)
	default:
		s.unbind(c, a.SessionID)
		s.core.LeaveChannel(a.SessionID)
		return nil
	}
}
