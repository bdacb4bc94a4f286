package ws

import (
	"encoding/json"
	"time"

	"collabEngine/backend/internal/cache"
	"collabEngine/backend/internal/collab"
	"collabEngine/backend/internal/ot"
	"collabEngine/backend/internal/ot/delta"
)

// 线上契约（对客户端稳定）：
// 入站 type ∈ {join, operation, cursor, leave, ack}
// 出站 type ∈ {operation_applied, cursor_update, user_joined, user_left, error}
// 所有消息都带 ISO-8601 的 timestamp 字段（time.Time 的 JSON 编码即 RFC 3339）。

type ClientMessage struct {
	Type      string    `json:"type"`
	DocID     string    `json:"docId"`
	Timestamp time.Time `json:"timestamp"`
	// join：恢复旧会话时带上
	SessionID         string `json:"sessionId,omitempty"`
	LastAckedRevision uint64 `json:"lastAckedRevision,omitempty"`
	// ack
	Revision uint64 `json:"revision,omitempty"`
	// operation 的 payload（由 Operation Codec 解析）
	Operation json.RawMessage `json:"operation,omitempty"`
	// cursor 的 payload（原样透传，引擎不解释）
	Cursor json.RawMessage `json:"cursor,omitempty"`
}

type ServerMessage struct {
	Type       string          `json:"type"`
	DocID      string          `json:"docId,omitempty"`
	Revision   uint64          `json:"revision,omitempty"`
	SessionID  string          `json:"sessionId,omitempty"`
	UserID     uint64          `json:"userId,omitempty"`
	Username   string          `json:"username,omitempty"`
	ClientOpID string          `json:"clientOpId,omitempty"`
	Ops        delta.Delta     `json:"ops,omitempty"`
	Cursor     json.RawMessage `json:"cursor,omitempty"`
	Content    string          `json:"content,omitempty"`
	Members    []RosterMember  `json:"members,omitempty"` // user_joined 给新会话附带的在线名单
	Code       string          `json:"code,omitempty"`
	Message    string          `json:"message,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// RosterMember：join 应答里的在线成员（presence 的当前视图，尽力而为）
type RosterMember struct {
	SessionID string `json:"sessionId"`
	UserID    uint64 `json:"userId"`
	Username  string `json:"username"`
}

func rosterMembers(members []cache.PresenceMember) []RosterMember {
	if len(members) == 0 {
		return nil
	}
	out := make([]RosterMember, 0, len(members))
	for _, m := range members {
		out = append(out, RosterMember{SessionID: m.SessionID, UserID: m.UserID, Username: m.Username})
	}
	return out
}

func FromEvent(e collab.Event) ServerMessage {
	return ServerMessage{
		Type:       e.Type,
		DocID:      e.DocID,
		Revision:   e.Revision,
		SessionID:  e.SessionID,
		UserID:     e.UserID,
		Username:   e.Username,
		ClientOpID: e.ClientOpID,
		Ops:        e.Ops,
		Cursor:     e.Cursor,
		Content:    e.Content,
		Code:       e.Code,
		Message:    e.Message,
		Timestamp:  e.Timestamp,
	}
}

// AppliedMessage：重放/追平时下发的已应用操作（与广播同形）
func AppliedMessage(ar collab.AppliedRevision) ServerMessage {
	return ServerMessage{
		Type:       collab.EventOperationApplied,
		DocID:      ar.DocID,
		Revision:   ar.Revision,
		SessionID:  ar.SessionID,
		ClientOpID: ar.ClientOpID,
		Ops:        ar.Ops,
		Timestamp:  ar.AppliedAt,
	}
}

// 错误码 → 人类可读消息；错误字符串本身即稳定错误码
var errMessages = map[string]string{
	ot.ErrMalformedOperation.Error():   "operation payload is invalid",
	ot.ErrOperationTooLarge.Error():    "operation exceeds the configured size limit",
	collab.ErrStaleBase.Error():        "base revision left the replay window, request a fresh snapshot",
	collab.ErrRoomClosed.Error():       "document room is shutting down, retry join",
	collab.ErrBackpressure.Error():     "room queue is full, retry shortly",
	collab.ErrStoreUnavailable.Error(): "document store is unavailable",
	collab.ErrSessionNotFound.Error():  "session is unknown or expired",
	collab.ErrInternal.Error():         "internal error while applying the operation",
}

func ErrorMessage(docID string, err error) ServerMessage {
	code := collab.ErrInternal.Error()
	if err != nil {
		code = err.Error()
	}
	msg, ok := errMessages[code]
	if !ok {
		// 包装过的错误（如 STORE_UNAVAILABLE: ...）按前缀归位
		for k, v := range errMessages {
			if len(code) > len(k) && code[:len(k)] == k {
				code, msg = k, v
				ok = true
				break
			}
		}
	}
	if !ok {
		code, msg = collab.ErrInternal.Error(), errMessages[collab.ErrInternal.Error()]
	}
	return ServerMessage{
		Type:      collab.EventError,
		DocID:     docID,
		Code:      code,
		Message:   msg,
		Timestamp: time.Now(),
	}
}
