package collab

import (
	"sync"
	"time"

	"collabEngine/backend/internal/ot/delta"
)

// AppliedRevision：经过变换、实际落地的一次操作。追加后不可变。
type AppliedRevision struct {
	DocID      string
	Revision   uint64
	SessionID  string
	ClientOpID string
	Ops        delta.Delta
	AppliedAt  time.Time
}

// OpLog：单文档的 revision 日志。
// 写入只来自房间的顺序化 goroutine；读取（追平/统计）允许并发，
// 所以用 RWMutex 保护底层切片，正文与版本号本身仍是单写者。
type OpLog struct {
	mu   sync.RWMutex
	revs []AppliedRevision
}

func NewOpLog() *OpLog {
	return &OpLog{}
}

// Append：版本号必须严格 +1，由调用方（房间）保证
func (l *OpLog) Append(rev AppliedRevision) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.revs = append(l.revs, rev)
}

// FirstRetained：当前保留的最小版本号；日志为空返回 0（表示无可追平内容）
func (l *OpLog) FirstRetained() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.revs) == 0 {
		return 0
	}
	return l.revs[0].Revision
}

func (l *OpLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.revs)
}

// Since：返回版本号 > from 的所有已应用操作，按版本序；limit<=0 表示不限
func (l *OpLog) Since(from uint64, limit int) []AppliedRevision {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []AppliedRevision
	for _, rev := range l.revs {
		if rev.Revision > from {
			out = append(out, rev)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// PruneBelow：丢弃版本号 <= below 的条目。
// 调用方负责只在 checkpoint 落盘且超出追平窗口之后才收缩。
func (l *OpLog) PruneBelow(below uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := 0
	for i < len(l.revs) && l.revs[i].Revision <= below {
		i++
	}
	if i > 0 {
		l.revs = append([]AppliedRevision(nil), l.revs[i:]...)
	}
}
