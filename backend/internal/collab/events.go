package collab

import (
	"encoding/json"
	"time"

	"collabEngine/backend/internal/ot/delta"
)

// 出站事件类型：线上契约，保持稳定
const (
	EventOperationApplied = "operation_applied"
	EventCursorUpdate     = "cursor_update"
	EventUserJoined       = "user_joined"
	EventUserLeft         = "user_left"
	EventError            = "error"
)

// Event：推给会话的出站事件，传输层负责编码成线上 JSON。
// 内容操作（operation_applied）与 presence（cursor_update 等）是两条独立流，
// 后者允许丢失，不参与任何顺序保证。
type Event struct {
	Type       string
	DocID      string
	Revision   uint64
	SessionID  string
	UserID     uint64
	Username   string
	ClientOpID string
	Ops        delta.Delta
	Cursor     json.RawMessage
	Code       string
	Message    string
	Content    string // user_joined 给新会话附带的基线内容
	Timestamp  time.Time
}

// RevisionEvent：发往 Kafka 的已应用操作事件（按 docId 分区）
type RevisionEvent struct {
	EventType  string      `json:"eventType"` // 固定 "REVISION_APPLIED"
	DocID      string      `json:"docId"`
	Revision   uint64      `json:"revision"`
	SessionID  string      `json:"sessionId"`
	ClientOpID string      `json:"clientOpId"`
	Ops        delta.Delta `json:"ops"`
	AppliedAt  time.Time   `json:"appliedAt"`
}

func revisionEvent(ar AppliedRevision) RevisionEvent {
	return RevisionEvent{
		EventType:  "REVISION_APPLIED",
		DocID:      ar.DocID,
		Revision:   ar.Revision,
		SessionID:  ar.SessionID,
		ClientOpID: ar.ClientOpID,
		Ops:        ar.Ops,
		AppliedAt:  ar.AppliedAt,
	}
}
