package ws

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"collabEngine/backend/internal/collab"
	"collabEngine/backend/internal/ot"
	"collabEngine/backend/internal/ot/delta"
)

func TestErrorMessage_KnownCodes(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{ot.ErrMalformedOperation, "MALFORMED_OPERATION"},
		{ot.ErrOperationTooLarge, "OPERATION_TOO_LARGE"},
		{collab.ErrStaleBase, "STALE_BASE"},
		{collab.ErrBackpressure, "BACKPRESSURE"},
		{collab.ErrRoomClosed, "ROOM_CLOSED"},
		{collab.ErrStoreUnavailable, "STORE_UNAVAILABLE"},
		{collab.ErrSessionNotFound, "SESSION_NOT_FOUND"},
	}
	for _, tc := range cases {
		msg := ErrorMessage("doc-1", tc.err)
		if msg.Type != collab.EventError || msg.Code != tc.code {
			t.Fatalf("ErrorMessage(%v) = (%s, %s), want (error, %s)", tc.err, msg.Type, msg.Code, tc.code)
		}
		if msg.Message == "" {
			t.Fatalf("ErrorMessage(%v) has empty human message", tc.err)
		}
	}
}

func TestErrorMessage_WrappedError(t *testing.T) {
	err := fmt.Errorf("%w: load snapshot: mysql down", collab.ErrStoreUnavailable)
	msg := ErrorMessage("doc-1", err)
	if msg.Code != "STORE_UNAVAILABLE" {
		t.Fatalf("wrapped error mapped to %q, want STORE_UNAVAILABLE", msg.Code)
	}
}

func TestErrorMessage_UnknownFallsBackToInternal(t *testing.T) {
	msg := ErrorMessage("doc-1", fmt.Errorf("boom"))
	if msg.Code != "INTERNAL" {
		t.Fatalf("unknown error mapped to %q, want INTERNAL", msg.Code)
	}
}

func TestServerMessage_WireShape(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	msg := AppliedMessage(collab.AppliedRevision{
		DocID:      "doc-1",
		Revision:   6,
		SessionID:  "s-1",
		ClientOpID: "c-1",
		Ops: delta.Delta{
			{Kind: delta.KindRetain, Count: 5},
			{Kind: delta.KindInsert, Text: " world"},
		},
		AppliedAt: ts,
	})

	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	s := string(raw)
	for _, want := range []string{
		`"type":"operation_applied"`,
		`"docId":"doc-1"`,
		`"revision":6`,
		`"sessionId":"s-1"`,
		`"clientOpId":"c-1"`,
		`"kind":"retain"`,
		// time.Time 的 JSON 编码即 RFC 3339 / ISO-8601
		`"timestamp":"2026-03-01T12:30:00Z"`,
	} {
		if !strings.Contains(s, want) {
			t.Fatalf("wire message %s missing %s", s, want)
		}
	}
	// ack 形态（无 ops）不得夹带空字段
	ack, _ := json.Marshal(ServerMessage{Type: collab.EventOperationApplied, DocID: "doc-1", Revision: 6, Timestamp: ts})
	if strings.Contains(string(ack), `"ops"`) || strings.Contains(string(ack), `"content"`) {
		t.Fatalf("ack message carries empty fields: %s", ack)
	}
}

func TestFromEvent_CopiesAllFields(t *testing.T) {
	e := collab.Event{
		Type:      collab.EventCursorUpdate,
		DocID:     "doc-1",
		SessionID: "s-2",
		UserID:    7,
		Username:  "bob",
		Cursor:    json.RawMessage(`{"position":3}`),
		Timestamp: time.Now(),
	}
	msg := FromEvent(e)
	if msg.Type != e.Type || msg.SessionID != e.SessionID || msg.UserID != 7 || msg.Username != "bob" {
		t.Fatalf("FromEvent() = %+v, want fields of %+v", msg, e)
	}
	if string(msg.Cursor) != `{"position":3}` {
		t.Fatalf("cursor payload not passed through: %s", msg.Cursor)
	}
}
