package collab

import (
	"strings"

	"collabEngine/backend/internal/ot/delta"
)

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

// piece：指向 original 或 add 缓冲区中的一段连续文本
type piece struct {
	buf    bufferKind
	offset int
	length int
}

// PieceTable：只追加的双缓冲 + 分片表。
// 插入/删除只调整分片列表，已写入的文本永不搬动。
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) String() string {
	var sb strings.Builder
	for _, p := range pt.pieces {
		switch p.buf {
		case bufOriginal:
			sb.WriteString(string(pt.original[p.offset : p.offset+p.length]))
		case bufAdd:
			sb.WriteString(string(pt.add[p.offset : p.offset+p.length]))
		}
	}
	return sb.String()
}

// Apply：沿分片表走一遍 delta。
// retain 只移动逻辑位置；insert 追加到 add 缓冲并拆分目标分片；
// delete 通过裁剪/剔除分片完成，缓冲区不回收。
func (pt *PieceTable) Apply(d delta.Delta) error {
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count

		case delta.KindInsert:
			text := []rune(op.Text)
			start := len(pt.add)
			pt.add = append(pt.add, text...)
			pt.insertPiece(pos, piece{buf: bufAdd, offset: start, length: len(text)})
			pos += len(text)

		case delta.KindDelete:
			pt.deleteRange(pos, op.Count)
		}
	}
	return nil
}

func (pt *PieceTable) insertPiece(pos int, np piece) {
	idx, offset := pt.locate(pos)
	if idx >= len(pt.pieces) {
		pt.pieces = append(pt.pieces, np)
		return
	}
	cur := pt.pieces[idx]
	left := piece{buf: cur.buf, offset: cur.offset, length: offset}
	right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}

	out := make([]piece, 0, len(pt.pieces)+2)
	out = append(out, pt.pieces[:idx]...)
	if left.length > 0 {
		out = append(out, left)
	}
	out = append(out, np)
	if right.length > 0 {
		out = append(out, right)
	}
	out = append(out, pt.pieces[idx+1:]...)
	pt.pieces = out
}

func (pt *PieceTable) deleteRange(pos, count int) {
	remain := count
	idx, offset := pt.locate(pos)
	for remain > 0 && idx < len(pt.pieces) {
		cur := &pt.pieces[idx]
		can := cur.length - offset
		if can <= 0 {
			idx++
			offset = 0
			continue
		}
		take := remain
		if take > can {
			take = can
		}

		if offset == 0 && take == cur.length {
			// 整片剔除，idx 原地指向下一片
			pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
		} else {
			// 片内删一段，拆成左右两片
			leftLen := offset
			rightLen := cur.length - offset - take
			out := make([]piece, 0, len(pt.pieces)+1)
			out = append(out, pt.pieces[:idx]...)
			if leftLen > 0 {
				out = append(out, piece{buf: cur.buf, offset: cur.offset, length: leftLen})
			}
			if rightLen > 0 {
				out = append(out, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
			}
			out = append(out, pt.pieces[idx+1:]...)
			pt.pieces = out
			if leftLen > 0 {
				idx++
			}
			offset = 0
		}
		remain -= take
	}
}

// locate：逻辑位置 pos → (分片下标, 片内偏移)
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
