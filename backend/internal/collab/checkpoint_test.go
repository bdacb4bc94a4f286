package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// 内存版 SnapshotStore，可注入若干次保存失败
type fakeSnapshotStore struct {
	mu            sync.Mutex
	content       map[string]string
	revision      map[string]uint64
	saves         int
	failRemaining int
}

func newFakeStore() *fakeSnapshotStore {
	return &fakeSnapshotStore{
		content:  make(map[string]string),
		revision: make(map[string]uint64),
	}
}

func (f *fakeSnapshotStore) LoadSnapshot(_ context.Context, docID string) (string, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.content[docID], f.revision[docID], nil
}

func (f *fakeSnapshotStore) SaveSnapshot(_ context.Context, docID string, revision uint64, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.failRemaining > 0 {
		f.failRemaining--
		return errors.New("store down")
	}
	f.content[docID] = content
	f.revision[docID] = revision
	return nil
}

func (f *fakeSnapshotStore) saved(docID string) (string, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.content[docID], f.revision[docID]
}

func (f *fakeSnapshotStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

func waitUntil(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}

// 房间 + checkpointer 的标准接线：房间的回调驱动 checkpoint 计数
func newRoomWithCheckpointer(store SnapshotStore, opts CheckpointOptions) (*Room, *Checkpointer) {
	var cp *Checkpointer
	room := NewRoom("doc-1", "", 0, RoomOptions{}, func(AppliedRevision) {
		cp.NotifyApplied()
	})
	cp = NewCheckpointer(room, store, opts)
	return room, cp
}

func TestCheckpointer_RevisionThreshold(t *testing.T) {
	store := newFakeStore()
	room, cp := newRoomWithCheckpointer(store, CheckpointOptions{
		EveryOps:  3,
		IdleAfter: time.Hour,
	})
	defer func() {
		cp.Stop()
		room.Close()
	}()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := room.Submit(ctx, insertOp("s-1", string(rune('a'+i)), uint64(i), i, "x")); err != nil {
			t.Fatalf("Submit #%d error = %v", i, err)
		}
	}

	waitUntil(t, 2*time.Second, func() bool {
		_, rev := store.saved("doc-1")
		return rev == 3 && room.LastCheckpoint() == 3
	})
	if content, _ := store.saved("doc-1"); content != "xxx" {
		t.Fatalf("checkpointed content = %q, want %q", content, "xxx")
	}
}

func TestCheckpointer_IdleFlush(t *testing.T) {
	store := newFakeStore()
	room, cp := newRoomWithCheckpointer(store, CheckpointOptions{
		EveryOps:  100,
		IdleAfter: 30 * time.Millisecond,
	})
	defer func() {
		cp.Stop()
		room.Close()
	}()

	if _, err := room.Submit(context.Background(), insertOp("s-1", "c-1", 0, 0, "hi")); err != nil {
		t.Fatalf("Submit error = %v", err)
	}

	// 远没到 revision 阈值，空闲定时器也要把它落下去
	waitUntil(t, 2*time.Second, func() bool {
		_, rev := store.saved("doc-1")
		return rev == 1
	})
}

func TestCheckpointer_RetriesWithBackoff(t *testing.T) {
	store := newFakeStore()
	store.failRemaining = 2
	room, cp := newRoomWithCheckpointer(store, CheckpointOptions{
		EveryOps:    1,
		IdleAfter:   time.Hour,
		MaxRetry:    5,
		BaseBackoff: 5 * time.Millisecond,
		MaxBackoff:  20 * time.Millisecond,
	})
	defer func() {
		cp.Stop()
		room.Close()
	}()

	if _, err := room.Submit(context.Background(), insertOp("s-1", "c-1", 0, 0, "hi")); err != nil {
		t.Fatalf("Submit error = %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool {
		_, rev := store.saved("doc-1")
		return rev == 1
	})
	if got := store.saveCount(); got < 3 {
		t.Fatalf("store saw %d save attempts, want >= 3 (two injected failures)", got)
	}
}

func TestCheckpointer_StopFlushesFinal(t *testing.T) {
	store := newFakeStore()
	room, cp := newRoomWithCheckpointer(store, CheckpointOptions{
		EveryOps:  100,
		IdleAfter: time.Hour,
	})
	ctx := context.Background()

	for i, text := range []string{"a", "b"} {
		if _, err := room.Submit(ctx, insertOp("s-1", text, uint64(i), i, text)); err != nil {
			t.Fatalf("Submit error = %v", err)
		}
	}

	// Stop 必须在房间关闭之前完成最后一次落盘
	cp.Stop()
	content, rev := store.saved("doc-1")
	if content != "ab" || rev != 2 {
		t.Fatalf("final checkpoint = (%q, %d), want (%q, 2)", content, rev, "ab")
	}
	room.Close()
}

func TestCheckpointer_SkipsWhenCaughtUp(t *testing.T) {
	store := newFakeStore()
	room, cp := newRoomWithCheckpointer(store, CheckpointOptions{
		EveryOps:  1,
		IdleAfter: time.Hour,
	})
	defer room.Close()

	if _, err := room.Submit(context.Background(), insertOp("s-1", "c-1", 0, 0, "x")); err != nil {
		t.Fatalf("Submit error = %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return room.LastCheckpoint() == 1 })

	before := store.saveCount()
	// 没有新 revision，停机路径不应产生多余的保存
	cp.Stop()
	if got := store.saveCount(); got != before {
		t.Fatalf("Stop() wrote %d extra snapshots, want 0", got-before)
	}
}
