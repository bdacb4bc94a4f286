package ot

import (
	"encoding/json"
	"errors"
	"unicode/utf8"

	"collabEngine/backend/internal/ot/delta"
)

type OpKind string

const (
	OpInsert    OpKind = "insert"
	OpDelete    OpKind = "delete"
	OpComposite OpKind = "composite" // retain/insert/delete 组合（delta 形式）
)

var (
	ErrMalformedOperation = errors.New("MALFORMED_OPERATION")
	ErrOperationTooLarge  = errors.New("OPERATION_TOO_LARGE")
)

// Operation：规范化后的客户端编辑操作。构造完成后不再修改。
// Ops 是统一的内部表示：insert/delete 在解码时被归一化为
// retain(position) + insert/delete 的 delta，后续变换只面对 delta。
type Operation struct {
	DocID        string
	SessionID    string
	BaseRevision uint64
	Kind         OpKind
	Position     int
	Content      string
	Length       int
	ClientOpID   string
	Ops          delta.Delta
}

// 客户端 operation 消息的 payload
type rawOperation struct {
	Kind         OpKind      `json:"kind"`
	Position     int         `json:"position"`
	Content      string      `json:"content,omitempty"`
	Length       int         `json:"length,omitempty"`
	BaseRevision uint64      `json:"baseRevision"`
	ClientOpID   string      `json:"clientOpId"`
	Ops          delta.Delta `json:"ops,omitempty"`
}

// Codec：纯解析/校验，不触碰任何共享状态
type Codec struct {
	// 单次操作允许的最大码点数（insert 文本 + delete 长度），
	// 用于限制最坏情况下的变换开销
	MaxOpSize int
}

func (c Codec) Decode(raw json.RawMessage, docID, sessionID string) (Operation, error) {
	var r rawOperation
	if err := json.Unmarshal(raw, &r); err != nil {
		return Operation{}, ErrMalformedOperation
	}
	op := Operation{
		DocID:        docID,
		SessionID:    sessionID,
		BaseRevision: r.BaseRevision,
		Kind:         r.Kind,
		Position:     r.Position,
		Content:      r.Content,
		Length:       r.Length,
		ClientOpID:   r.ClientOpID,
	}
	if r.Position < 0 || r.Length < 0 || r.ClientOpID == "" {
		return Operation{}, ErrMalformedOperation
	}

	switch r.Kind {
	case OpInsert:
		if r.Content == "" || !utf8.ValidString(r.Content) {
			return Operation{}, ErrMalformedOperation
		}
		op.Ops = delta.Delta{
			{Kind: delta.KindRetain, Count: r.Position},
			{Kind: delta.KindInsert, Text: r.Content},
		}
	case OpDelete:
		if r.Length == 0 {
			return Operation{}, ErrMalformedOperation
		}
		op.Ops = delta.Delta{
			{Kind: delta.KindRetain, Count: r.Position},
			{Kind: delta.KindDelete, Count: r.Length},
		}
	case OpComposite:
		if len(r.Ops) == 0 {
			return Operation{}, ErrMalformedOperation
		}
		for _, o := range r.Ops {
			switch o.Kind {
			case delta.KindRetain, delta.KindDelete:
				if o.Count <= 0 || o.Text != "" {
					return Operation{}, ErrMalformedOperation
				}
			case delta.KindInsert:
				if o.Text == "" || !utf8.ValidString(o.Text) {
					return Operation{}, ErrMalformedOperation
				}
			default:
				return Operation{}, ErrMalformedOperation
			}
		}
		op.Ops = r.Ops
	default:
		return Operation{}, ErrMalformedOperation
	}

	if c.MaxOpSize > 0 && op.Ops.InsertLen()+op.Ops.DeleteLen() > c.MaxOpSize {
		return Operation{}, ErrOperationTooLarge
	}
	return op, nil
}
