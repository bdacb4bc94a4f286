package collab

import (
	"context"
	"log"
	"sync"
	"time"
)

// SnapshotStore：外部 Document Store 的持久化接口
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, docID string) (content string, revision uint64, err error)
	SaveSnapshot(ctx context.Context, docID string, revision uint64, content string) error
}

type CheckpointOptions struct {
	// 每累计 EveryOps 条 revision 触发一次落盘
	EveryOps uint64
	// 房间空闲 IdleAfter 后落盘一次
	IdleAfter time.Duration
	// 落盘失败的退避参数
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// 单次保存的超时
	SaveTimeout time.Duration
}

func (o CheckpointOptions) withDefaults() CheckpointOptions {
	if o.EveryOps == 0 {
		o.EveryOps = 100
	}
	if o.IdleAfter <= 0 {
		o.IdleAfter = 30 * time.Second
	}
	if o.MaxRetry <= 0 {
		o.MaxRetry = 5
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Second
	}
	if o.SaveTimeout <= 0 {
		o.SaveTimeout = 5 * time.Second
	}
	return o
}

// Checkpointer：按 revision 阈值 / 空闲定时把房间内容交给外部存储。
// checkpoint 是顾问性质的：失败退避重试，永远不挡顺序化主链路。
type Checkpointer struct {
	room  *Room
	store SnapshotStore
	opts  CheckpointOptions

	notify   chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewCheckpointer(room *Room, store SnapshotStore, opts CheckpointOptions) *Checkpointer {
	cp := &Checkpointer{
		room:   room,
		store:  store,
		opts:   opts.withDefaults(),
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go cp.run()
	return cp
}

// NotifyApplied：房间每应用一条 revision 调一次；非阻塞
func (cp *Checkpointer) NotifyApplied() {
	select {
	case cp.notify <- struct{}{}:
	default:
	}
}

// Stop：停止调度并做最后一次落盘（房间销毁前调用，此时房间必须仍然存活）
func (cp *Checkpointer) Stop() {
	cp.stopOnce.Do(func() { close(cp.stop) })
	<-cp.done
}

func (cp *Checkpointer) run() {
	defer close(cp.done)
	idle := time.NewTimer(cp.opts.IdleAfter)
	defer idle.Stop()

	for {
		select {
		case <-cp.notify:
			if cp.room.CheckpointLag() >= cp.opts.EveryOps {
				cp.checkpoint()
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(cp.opts.IdleAfter)

		case <-idle.C:
			if cp.room.CheckpointLag() > 0 {
				cp.checkpoint()
			}
			idle.Reset(cp.opts.IdleAfter)

		case <-cp.stop:
			if cp.room.CheckpointLag() > 0 {
				cp.checkpoint()
			}
			return
		}
	}
}

func (cp *Checkpointer) checkpoint() {
	if cp.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cp.opts.SaveTimeout)
	snap, err := cp.room.TakeSnapshot(ctx)
	cancel()
	if err != nil {
		return
	}
	if snap.Revision <= cp.room.LastCheckpoint() {
		return
	}

	for attempt := 0; attempt <= cp.opts.MaxRetry; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), cp.opts.SaveTimeout)
		err = cp.store.SaveSnapshot(ctx, snap.DocID, snap.Revision, snap.Content)
		cancel()
		if err == nil {
			cp.room.AdvanceCheckpoint(snap.Revision)
			return
		}
		if attempt == cp.opts.MaxRetry {
			break
		}
		backoff := cp.opts.BaseBackoff * time.Duration(1<<attempt)
		if backoff > cp.opts.MaxBackoff {
			backoff = cp.opts.MaxBackoff
		}
		select {
		case <-time.After(backoff):
		case <-cp.stop:
			// 收到停机信号后不再退避，最后一搏由 run 的 stop 分支完成
			attempt = cp.opts.MaxRetry
		}
	}
	log.Printf("checkpoint failed, will retry on next trigger doc=%s rev=%d err=%v",
		snap.DocID, snap.Revision, err)
}
