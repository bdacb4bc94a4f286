package delta

import "testing"

// 直接在 rune 切片上应用 delta，作为变换正确性的参照实现
func applyToString(t *testing.T, s string, d Delta) string {
	t.Helper()
	r := []rune(s)
	var out []rune
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case KindRetain:
			if pos+op.Count > len(r) {
				t.Fatalf("retain %d beyond end (pos=%d len=%d)", op.Count, pos, len(r))
			}
			out = append(out, r[pos:pos+op.Count]...)
			pos += op.Count
		case KindInsert:
			out = append(out, []rune(op.Text)...)
		case KindDelete:
			if pos+op.Count > len(r) {
				t.Fatalf("delete %d beyond end (pos=%d len=%d)", op.Count, pos, len(r))
			}
			pos += op.Count
		}
	}
	out = append(out, r[pos:]...)
	return string(out)
}

// 收敛性：apply(apply(S,a), b') == apply(apply(S,b), a')
func assertConverges(t *testing.T, base string, a, b Delta, aFirst bool, want string) {
	t.Helper()
	aPrime := Transform(a, b, aFirst)
	bPrime := Transform(b, a, !aFirst)

	viaA := applyToString(t, applyToString(t, base, a), bPrime)
	viaB := applyToString(t, applyToString(t, base, b), aPrime)
	if viaA != viaB {
		t.Fatalf("divergence: via a = %q, via b = %q", viaA, viaB)
	}
	if want != "" && viaA != want {
		t.Fatalf("converged to %q, want %q", viaA, want)
	}
}

func TestTransform_InsertInsertTieBreak(t *testing.T) {
	base := "abc"
	a := Delta{{Kind: KindRetain, Count: 1}, {Kind: KindInsert, Text: "X"}}
	b := Delta{{Kind: KindRetain, Count: 1}, {Kind: KindInsert, Text: "Y"}}

	// aFirst=true：a 的插入视为先落地
	assertConverges(t, base, a, b, true, "aXYbc")
	// 反过来优先级给 b
	assertConverges(t, base, a, b, false, "aYXbc")
}

func TestTransform_InsertSurvivesDelete(t *testing.T) {
	// 房间内容 "hello"：A 在末尾插 " world"，B 并发删掉 "hello"。
	// 两种落地顺序都必须收敛到 " world"（删除不吞并发插入）
	base := "hello"
	ins := Delta{{Kind: KindRetain, Count: 5}, {Kind: KindInsert, Text: " world"}}
	del := Delta{{Kind: KindDelete, Count: 5}}

	assertConverges(t, base, ins, del, true, " world")
	assertConverges(t, base, ins, del, false, " world")
}

func TestTransform_InsertInsideDeletedRange(t *testing.T) {
	// 插入点落在被删区间中部：内容存活，位置收敛到删除起点
	base := "abcdef"
	ins := Delta{{Kind: KindRetain, Count: 3}, {Kind: KindInsert, Text: "X"}}
	del := Delta{{Kind: KindRetain, Count: 1}, {Kind: KindDelete, Count: 4}}

	assertConverges(t, base, ins, del, true, "aXf")
}

func TestTransform_DeleteInsideDeleteBecomesComposite(t *testing.T) {
	// 删除区间内出现并发插入：删除被拆成 delete-retain-delete 组合
	base := "abcdef"
	del := Delta{{Kind: KindRetain, Count: 1}, {Kind: KindDelete, Count: 4}}
	ins := Delta{{Kind: KindRetain, Count: 3}, {Kind: KindInsert, Text: "XY"}}

	delPrime := Transform(del, ins, false)
	want := Delta{
		{Kind: KindRetain, Count: 1},
		{Kind: KindDelete, Count: 2},
		{Kind: KindRetain, Count: 2},
		{Kind: KindDelete, Count: 2},
	}
	if len(delPrime) != len(want) {
		t.Fatalf("transformed delete = %+v, want %+v", delPrime, want)
	}
	for i := range want {
		if delPrime[i].Kind != want[i].Kind || delPrime[i].Count != want[i].Count {
			t.Fatalf("transformed delete[%d] = %+v, want %+v", i, delPrime[i], want[i])
		}
	}
	assertConverges(t, base, del, ins, false, "aXYf")
}

func TestTransform_DeleteDeleteOverlap(t *testing.T) {
	// 重叠区间只删一次
	base := "abcdef"
	a := Delta{{Kind: KindRetain, Count: 1}, {Kind: KindDelete, Count: 3}} // "bcd"
	b := Delta{{Kind: KindRetain, Count: 2}, {Kind: KindDelete, Count: 3}} // "cde"

	assertConverges(t, base, a, b, true, "af")

	aPrime := Transform(a, b, true)
	if got := aPrime.DeleteLen(); got != 1 {
		t.Fatalf("a' deletes %d runes, want 1 (overlap already gone)", got)
	}
}

func TestTransform_DisjointRegions(t *testing.T) {
	base := "0123456789"
	a := Delta{{Kind: KindRetain, Count: 2}, {Kind: KindInsert, Text: "AA"}}
	b := Delta{{Kind: KindRetain, Count: 7}, {Kind: KindDelete, Count: 2}}

	assertConverges(t, base, a, b, true, "01AA234569")
}

func TestTransform_Unicode(t *testing.T) {
	base := "你好世界"
	a := Delta{{Kind: KindRetain, Count: 2}, {Kind: KindInsert, Text: "，美丽的"}}
	b := Delta{{Kind: KindRetain, Count: 2}, {Kind: KindDelete, Count: 2}}

	assertConverges(t, base, a, b, true, "你好，美丽的")
}

func TestDelta_Lens(t *testing.T) {
	d := Delta{
		{Kind: KindRetain, Count: 3},
		{Kind: KindInsert, Text: "你好"},
		{Kind: KindDelete, Count: 2},
	}
	if got := d.BaseLen(); got != 5 {
		t.Fatalf("BaseLen() = %d, want 5", got)
	}
	if got := d.TargetLen(); got != 5 {
		t.Fatalf("TargetLen() = %d, want 5", got)
	}
	if got := d.InsertLen(); got != 2 {
		t.Fatalf("InsertLen() = %d, want 2", got)
	}
	if got := d.DeleteLen(); got != 2 {
		t.Fatalf("DeleteLen() = %d, want 2", got)
	}
}
