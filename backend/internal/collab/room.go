package collab

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"collabEngine/backend/internal/ot"
	"collabEngine/backend/internal/ot/delta"
)

type RoomOptions struct {
	// 入站队列容量；满了之后 Submit 立刻以 BACKPRESSURE 失败
	QueueSize int
	// 追平窗口：日志至少保留最近 ReplayWindow 条 revision，
	// base 落在窗口之外的提交被拒绝（STALE_BASE，客户端需重新同步）
	ReplayWindow int
	// 幂等窗口：每房间记住的 (session, clientOpId) 数量上限
	SeenWindow int
}

func (o RoomOptions) withDefaults() RoomOptions {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.ReplayWindow <= 0 {
		o.ReplayWindow = 1024
	}
	if o.SeenWindow <= 0 {
		o.SeenWindow = 4096
	}
	return o
}

// Snapshot：交给外部 Document Store 持久化的物化内容
type Snapshot struct {
	DocID    string
	Content  string
	Revision uint64
}

type submitRequest struct {
	op   ot.Operation
	resp chan submitResult
}

type submitResult struct {
	rev      AppliedRevision
	replayed bool // 幂等命中，不再广播
	err      error
}

// Room：单文档的顺序化执行单元。
// 正文、版本号、幂等窗口只归属 run goroutine，全部修改经由 inbox 消息，
// 不存在跨 goroutine 的共享写 —— 房间之间完全并行。
type Room struct {
	docID string

	inbox     chan *submitRequest
	snapshotc chan chan Snapshot
	advancec  chan uint64
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// 应用成功后的回调（广播/事件流/checkpoint 计数），在 run goroutine 内调用，
	// 实现方必须是非阻塞的
	onApplied func(AppliedRevision)

	opts RoomOptions

	// 只在 run goroutine 内写
	buf       Buffer
	opLog     *OpLog
	seen      map[string]AppliedRevision
	seenOrder []string

	// 统计读侧用
	revision       atomic.Uint64
	lastCheckpoint atomic.Uint64
}

func NewRoom(docID, initial string, baseRevision uint64, opts RoomOptions, onApplied func(AppliedRevision)) *Room {
	opts = opts.withDefaults()
	r := &Room{
		docID:     docID,
		opts:      opts,
		inbox:     make(chan *submitRequest, opts.QueueSize),
		snapshotc: make(chan chan Snapshot),
		advancec:  make(chan uint64),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		onApplied: onApplied,
		buf:       NewPieceTable(initial),
		opLog:     NewOpLog(),
		seen:      make(map[string]AppliedRevision),
	}
	r.revision.Store(baseRevision)
	r.lastCheckpoint.Store(baseRevision)
	go r.run()
	return r
}

func (r *Room) DocID() string { return r.docID }

// Submit：把操作交给房间处理。
// 取消只在入队之前生效；一旦入队必有明确应答（成功或错误），不会被悄悄丢弃。
func (r *Room) Submit(ctx context.Context, op ot.Operation) (AppliedRevision, error) {
	if err := ctx.Err(); err != nil {
		return AppliedRevision{}, err
	}
	req := &submitRequest{op: op, resp: make(chan submitResult, 1)}
	select {
	case <-r.quit:
		return AppliedRevision{}, ErrRoomClosed
	default:
	}
	select {
	case r.inbox <- req:
	case <-r.quit:
		return AppliedRevision{}, ErrRoomClosed
	default:
		return AppliedRevision{}, ErrBackpressure
	}
	select {
	case res := <-req.resp:
		return res.rev, res.err
	case <-r.done:
		return AppliedRevision{}, ErrRoomClosed
	}
}

// OpsSince：追平用，返回版本号 > from 的已应用操作
func (r *Room) OpsSince(from uint64, limit int) []AppliedRevision {
	return r.opLog.Since(from, limit)
}

// TakeSnapshot：向 run goroutine 请求当前物化内容（checkpoint 专用）
func (r *Room) TakeSnapshot(ctx context.Context) (Snapshot, error) {
	respc := make(chan Snapshot, 1)
	select {
	case r.snapshotc <- respc:
	case <-r.done:
		return Snapshot{}, ErrRoomClosed
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case s := <-respc:
		return s, nil
	case <-r.done:
		return Snapshot{}, ErrRoomClosed
	}
}

// AdvanceCheckpoint：checkpoint 落盘成功后推进水位并收缩日志
func (r *Room) AdvanceCheckpoint(rev uint64) {
	select {
	case r.advancec <- rev:
	case <-r.done:
	}
}

func (r *Room) Close() {
	r.closeOnce.Do(func() { close(r.quit) })
	<-r.done
}

func (r *Room) Revision() uint64       { return r.revision.Load() }
func (r *Room) LastCheckpoint() uint64 { return r.lastCheckpoint.Load() }
func (r *Room) QueueDepth() int        { return len(r.inbox) }

// CheckpointLag：current_revision − last_checkpoint_revision
func (r *Room) CheckpointLag() uint64 {
	return r.revision.Load() - r.lastCheckpoint.Load()
}

func (r *Room) run() {
	defer close(r.done)
	for {
		select {
		case req := <-r.inbox:
			res := r.process(req.op)
			if res.err == nil && !res.replayed && r.onApplied != nil {
				r.onApplied(res.rev)
			}
			req.resp <- res

		case respc := <-r.snapshotc:
			respc <- Snapshot{DocID: r.docID, Content: r.buf.String(), Revision: r.revision.Load()}

		case rev := <-r.advancec:
			r.lastCheckpoint.Store(rev)
			r.pruneLog()

		case <-r.quit:
			// 已入队的请求逐个给出明确应答
			for {
				select {
				case req := <-r.inbox:
					req.resp <- submitResult{err: ErrRoomClosed}
				default:
					return
				}
			}
		}
	}
}

// process：校验 → 变换 → 应用 → 落日志。
// 单个操作的任何意外（包括 panic）只让该操作对其作者失败，
// 房间的正文和其他会话不受影响。
func (r *Room) process(op ot.Operation) (res submitResult) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("room %s: panic while applying op from session=%s: %v", r.docID, op.SessionID, p)
			res = submitResult{err: ErrInternal}
		}
	}()

	key := op.SessionID + "/" + op.ClientOpID
	if cached, ok := r.seen[key]; ok {
		// 超时重发：返回当初的结果，绝不二次应用
		return submitResult{rev: cached, replayed: true}
	}

	cur := r.revision.Load()
	if op.BaseRevision > cur {
		// 来自未来的 base 视同失去同步
		return submitResult{err: ErrStaleBase}
	}

	ops := op.Ops
	if op.BaseRevision < cur {
		// 需要 (base, cur] 全部还留在日志里
		first := r.opLog.FirstRetained()
		if first == 0 || first > op.BaseRevision+1 {
			return submitResult{err: ErrStaleBase}
		}
		// 按版本序逐个变换；同位插入的先后由 session id 字典序决定，
		// 保证所有副本收敛到同一顺序
		for _, past := range r.opLog.Since(op.BaseRevision, 0) {
			ops = delta.Transform(ops, past.Ops, op.SessionID < past.SessionID)
		}
	}

	if ops.BaseLen() > r.buf.Len() {
		// 坐标超出当前文档长度
		return submitResult{err: ot.ErrMalformedOperation}
	}
	if err := r.buf.Apply(ops); err != nil {
		return submitResult{err: err}
	}

	applied := AppliedRevision{
		DocID:      r.docID,
		Revision:   cur + 1,
		SessionID:  op.SessionID,
		ClientOpID: op.ClientOpID,
		Ops:        ops,
		AppliedAt:  time.Now(),
	}
	r.opLog.Append(applied)
	r.revision.Store(applied.Revision)
	r.remember(key, applied)
	return submitResult{rev: applied}
}

func (r *Room) remember(key string, applied AppliedRevision) {
	if _, ok := r.seen[key]; !ok {
		r.seenOrder = append(r.seenOrder, key)
	}
	r.seen[key] = applied
	for len(r.seenOrder) > r.opts.SeenWindow {
		oldest := r.seenOrder[0]
		r.seenOrder = r.seenOrder[1:]
		delete(r.seen, oldest)
	}
}

// pruneLog：checkpoint 水位以下且滑出追平窗口的条目可以丢弃
func (r *Room) pruneLog() {
	cur := r.revision.Load()
	window := uint64(r.opts.ReplayWindow)
	if cur <= window {
		return
	}
	below := cur - window
	if cp := r.lastCheckpoint.Load(); cp < below {
		below = cp
	}
	r.opLog.PruneBelow(below)
}
