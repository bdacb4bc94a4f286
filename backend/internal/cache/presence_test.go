package cache

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// 需要本地 redis（127.0.0.1:6379）；没有就跳过
func presenceForTest(t *testing.T) (PresenceCache, *redis.Client) {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	return NewRedisPresence(rdb), rdb
}

func TestRedisPresence_MemberLifecycle(t *testing.T) {
	p, rdb := presenceForTest(t)
	defer rdb.Close()
	ctx := context.Background()
	docID := "test-doc-lifecycle"
	t.Cleanup(func() {
		rdb.Del(ctx, roomKey(docID), namesKey(docID), cursorKey(docID, "s-1"))
	})

	if err := p.AddMember(ctx, docID, "s-1", 42, "alice", time.Minute); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}

	members, err := p.GetAliveMembers(ctx, docID)
	if err != nil {
		t.Fatalf("GetAliveMembers() error = %v", err)
	}
	if len(members) != 1 || members[0].SessionID != "s-1" || members[0].UserID != 42 || members[0].Username != "alice" {
		t.Fatalf("GetAliveMembers() = %+v, want [s-1/42/alice]", members)
	}

	if err := p.RemoveMember(ctx, docID, "s-1"); err != nil {
		t.Fatalf("RemoveMember() error = %v", err)
	}
	members, err = p.GetAliveMembers(ctx, docID)
	if err != nil {
		t.Fatalf("GetAliveMembers() after remove error = %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("GetAliveMembers() after remove = %+v, want empty", members)
	}
}

func TestRedisPresence_ExpiredSweep(t *testing.T) {
	p, rdb := presenceForTest(t)
	defer rdb.Close()
	ctx := context.Background()
	docID := "test-doc-sweep"
	t.Cleanup(func() {
		rdb.Del(ctx, roomKey(docID), namesKey(docID))
	})

	// 逻辑 TTL 已过期的成员会被 Lua 清扫掉
	if err := p.AddMember(ctx, docID, "s-dead", 1, "ghost", -time.Second); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	if err := p.AddMember(ctx, docID, "s-live", 2, "bob", time.Minute); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}

	members, err := p.GetAliveMembers(ctx, docID)
	if err != nil {
		t.Fatalf("GetAliveMembers() error = %v", err)
	}
	if len(members) != 1 || members[0].SessionID != "s-live" {
		t.Fatalf("GetAliveMembers() = %+v, want only s-live", members)
	}
	// 过期成员的名字表条目也被一并清掉
	if n, _ := rdb.HExists(ctx, namesKey(docID), "s-dead").Result(); n {
		t.Fatalf("expired member left behind in names hash")
	}
}

func TestRedisPresence_CursorRoundTrip(t *testing.T) {
	p, rdb := presenceForTest(t)
	defer rdb.Close()
	ctx := context.Background()
	docID := "test-doc-cursor"
	t.Cleanup(func() {
		rdb.Del(ctx, cursorKey(docID, "s-1"))
	})

	payload := []byte(`{"position":3,"selectionEnd":7}`)
	if err := p.SetCursor(ctx, docID, "s-1", payload, time.Minute); err != nil {
		t.Fatalf("SetCursor() error = %v", err)
	}
	// latest-wins：后写覆盖前写
	payload2 := []byte(`{"position":9}`)
	if err := p.SetCursor(ctx, docID, "s-1", payload2, time.Minute); err != nil {
		t.Fatalf("SetCursor() error = %v", err)
	}
	got, err := p.GetCursor(ctx, docID, "s-1")
	if err != nil {
		t.Fatalf("GetCursor() error = %v", err)
	}
	if string(got) != string(payload2) {
		t.Fatalf("GetCursor() = %s, want %s", got, payload2)
	}
}
