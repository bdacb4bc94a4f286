package collab

import (
	"collabEngine/backend/internal/ot/delta"
)

// Buffer：房间正文的抽象缓冲区。
// 约束：对同一操作序列依序 Apply 的结果必须是纯函数（重放/恢复依赖这一点）。
type Buffer interface {
	Len() int
	Apply(d delta.Delta) error
	String() string
}
