package delta

// iter：按 run 消费一个 delta，支持从当前 op 中间切出任意长度。
// insert 的切分按码点进行，保证多字节字符不被拆坏。
type iter struct {
	ops Delta
	idx int
	off int // 当前 op 内已消费的长度
}

func (it *iter) hasNext() bool {
	return it.idx < len(it.ops)
}

func (it *iter) peekKind() Kind {
	if !it.hasNext() {
		// 越过末尾按 retain 处理（隐式 retain 到文档结尾）
		return KindRetain
	}
	return it.ops[it.idx].Kind
}

func (it *iter) peekLen() int {
	if !it.hasNext() {
		return int(^uint(0) >> 1) // 无限长的隐式 retain
	}
	return it.ops[it.idx].runLen() - it.off
}

// next：从当前 op 取出长度 n 的一段；n 覆盖整个剩余部分时直接推进到下一个 op
func (it *iter) next(n int) Op {
	if !it.hasNext() {
		return Op{Kind: KindRetain, Count: n}
	}
	cur := it.ops[it.idx]
	remain := cur.runLen() - it.off
	if n < 0 || n >= remain {
		n = remain
	}
	out := Op{Kind: cur.Kind, Attrs: cur.Attrs}
	switch cur.Kind {
	case KindInsert:
		r := []rune(cur.Text)
		out.Text = string(r[it.off : it.off+n])
	default:
		out.Count = n
	}
	it.off += n
	if it.off >= cur.runLen() {
		it.idx++
		it.off = 0
	}
	return out
}

// Transform 把 a 变换到 b 已经生效之后的坐标系：返回 a'，满足
// apply(apply(S, b), a') 与 apply(apply(S, a), b') 收敛到同一文档。
// 规则（线性文本标准 OT）：
//   - b 的 insert 在 a' 中变成 retain（a 的位置右移）；
//   - a 的 insert 原样保留 —— 即便落在 b 刚删除的区间内，插入内容也存活，
//     位置收敛到删除区间的起点（删除不吞并发插入）；
//   - b 已删除的区域，a 的 retain/delete 直接丢弃（不重复删除）；
//   - 同一位置同时 insert 时由 aFirst 决定先后：aFirst=true 表示 a 的
//     插入视为先落地。调用方用 author_session_id 的字典序推导 aFirst，
//     保证所有副本得到一致的顺序。
//
// 纯函数，不修改入参。
func Transform(a, b Delta, aFirst bool) Delta {
	ia := &iter{ops: a}
	ib := &iter{ops: b}
	var out Delta

	for ia.hasNext() || ib.hasNext() {
		// a 的 insert 优先输出：aFirst 时先于 b 的 insert；
		// b 当前不是 insert（retain/delete/耗尽）时 a 的 insert 也直接落下
		if ia.hasNext() && ia.peekKind() == KindInsert && (aFirst || ib.peekKind() != KindInsert) {
			out = push(out, ia.next(-1))
			continue
		}
		// b 的 insert 占据了新的区域，a' 必须 retain 跳过它
		if ib.hasNext() && ib.peekKind() == KindInsert {
			out = push(out, Op{Kind: KindRetain, Count: ib.next(-1).runLen()})
			continue
		}

		// 剩下的情况两边都是 retain/delete，按最短长度对齐消费
		n := ia.peekLen()
		if m := ib.peekLen(); m < n {
			n = m
		}
		opA := ia.next(n)
		opB := ib.next(n)
		switch {
		case opB.Kind == KindDelete:
			// 这段文本已被 b 删除：a 对它的 retain/delete 都作废
		case opA.Kind == KindDelete:
			out = push(out, Op{Kind: KindDelete, Count: n})
		default:
			out = push(out, Op{Kind: KindRetain, Count: n, Attrs: opA.Attrs})
		}
	}
	return chop(out)
}
