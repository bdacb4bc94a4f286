package delta

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

type Op struct {
	Kind  Kind           `json:"kind"`            // "retain" / "insert" / "delete"
	Count int            `json:"count,omitempty"` // retain/delete 的长度
	Text  string         `json:"text,omitempty"`  // insert 的文本
	Attrs map[string]any `json:"attrs,omitempty"` // 样式属性（粗体/颜色等）
}

type Delta []Op

// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]

// 单个 op 占据的长度（insert 按码点数计）
func (o Op) runLen() int {
	if o.Kind == KindInsert {
		return len([]rune(o.Text))
	}
	return o.Count
}

// BaseLen：应用该 delta 所要求的文档长度（retain + delete）
func (d Delta) BaseLen() int {
	n := 0
	for _, op := range d {
		if op.Kind != KindInsert {
			n += op.Count
		}
	}
	return n
}

// TargetLen：应用该 delta 之后对应区域的长度
func (d Delta) TargetLen() int {
	n := 0
	for _, op := range d {
		switch op.Kind {
		case KindRetain:
			n += op.Count
		case KindInsert:
			n += len([]rune(op.Text))
		}
	}
	return n
}

// InsertLen：该 delta 插入的总码点数（操作大小校验用）
func (d Delta) InsertLen() int {
	n := 0
	for _, op := range d {
		if op.Kind == KindInsert {
			n += len([]rune(op.Text))
		}
	}
	return n
}

// DeleteLen：该 delta 删除的总码点数
func (d Delta) DeleteLen() int {
	n := 0
	for _, op := range d {
		if op.Kind == KindDelete {
			n += op.Count
		}
	}
	return n
}

// push：追加一个 op，相邻同类且无样式的 op 直接合并，避免碎片化
func push(d Delta, op Op) Delta {
	if op.runLen() == 0 {
		return d
	}
	if n := len(d); n > 0 {
		last := &d[n-1]
		if last.Kind == op.Kind && last.Attrs == nil && op.Attrs == nil {
			switch op.Kind {
			case KindRetain, KindDelete:
				last.Count += op.Count
				return d
			case KindInsert:
				last.Text += op.Text
				return d
			}
		}
	}
	return append(d, op)
}

// chop：去掉末尾的纯 retain（retain 到文档末尾等价于什么都不做）
func chop(d Delta) Delta {
	for len(d) > 0 {
		last := d[len(d)-1]
		if last.Kind == KindRetain && last.Attrs == nil {
			d = d[:len(d)-1]
			continue
		}
		break
	}
	return d
}
