package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"collabEngine/backend/internal/cache"
	"collabEngine/backend/internal/ot"
)

type SessionState int

const (
	StateActive SessionState = iota
	StateGrace  // 连接异常断开，宽限期内保留，可恢复
	StateClosed
)

// Session：一个已连接客户端在一个文档上的会话。
// 广播经由 send 通道异步送达；缓冲打满说明对端消费不动，
// 会话被降级为 grace 而不是拖住房间。
type Session struct {
	ID       string
	UserID   uint64
	Username string
	DocID    string

	mu         sync.Mutex
	state      SessionState
	lastAcked  uint64
	floor      uint64 // 重放已覆盖的最高版本，低于它的操作广播直接丢弃（防重复）
	cursor     json.RawMessage
	send       chan Event
	graceTimer *time.Timer
}

// Events：传输层的写循环从这里消费出站事件
func (s *Session) Events() <-chan Event { return s.send }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) LastAcked() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAcked
}

// enqueue：非阻塞投递。返回 false 表示缓冲已满（会话消费过慢）。
func (s *Session) enqueue(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return true
	}
	if e.Type == EventOperationApplied && e.Revision != 0 && e.Revision <= s.floor {
		return true
	}
	select {
	case s.send <- e:
		return true
	default:
		return false
	}
}

// roomHandle：房间 + 房间内会话集合。
// members 用房间自己的锁保护，广播（房间 goroutine 发起）绝不触碰 Manager 的锁。
type roomHandle struct {
	room *Room
	cp   *Checkpointer

	mu      sync.RWMutex
	members map[string]*Session
}

type ManagerOptions struct {
	// 单次操作的最大码点数
	MaxOpSize int
	// 每个会话的广播缓冲
	SendBuffer int
	// 异常断开后的保留窗口
	GracePeriod time.Duration
	// presence 心跳 TTL
	PresenceTTL time.Duration
	Room        RoomOptions
	Checkpoint  CheckpointOptions
}

func (o ManagerOptions) withDefaults() ManagerOptions {
	if o.MaxOpSize <= 0 {
		o.MaxOpSize = 64 * 1024
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 30 * time.Second
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = 600 * time.Second
	}
	return o
}

// Manager：会话注册表 + 文档→房间路由 + 广播扇出。
// 房间状态本身归房间的 goroutine 所有，这里只管会话生命周期与路由。
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[string]*roomHandle

	codec      ot.Codec
	store      SnapshotStore
	presence   cache.PresenceCache
	dispatcher *KafkaDispatcher
	opts       ManagerOptions

	sessionSeq atomic.Uint64
}

func NewManager(store SnapshotStore, presence cache.PresenceCache, dispatcher *KafkaDispatcher, opts ManagerOptions) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		sessions:   make(map[string]*Session),
		rooms:      make(map[string]*roomHandle),
		codec:      ot.Codec{MaxOpSize: opts.MaxOpSize},
		store:      store,
		presence:   presence,
		dispatcher: dispatcher,
		opts:       opts,
	}
}

// JoinResult：加入/恢复的结果。
// 新会话拿到基线内容 + 当前版本 + 在线名单；恢复的会话拿到 (lastAcked, current] 的重放。
type JoinResult struct {
	Session  *Session
	Content  string
	Revision uint64
	Replay   []AppliedRevision
	// presence 的当前视图（尽力而为，presence 不可用时为空）
	Roster   []cache.PresenceMember
	Presence []Event // 已在线成员的光标快照（cursor_update 事件）
}

// Join：加入文档。resumeSessionID 非空时尝试恢复 grace 中的旧会话。
func (m *Manager) Join(ctx context.Context, userID uint64, username, docID, resumeSessionID string, lastAcked uint64) (JoinResult, error) {
	if resumeSessionID != "" {
		if res, ok := m.resume(resumeSessionID, userID, docID, lastAcked); ok {
			return res, nil
		}
		// 宽限期已过或会话不存在：按全新加入处理
	}

	rh, err := m.getOrCreateRoom(ctx, docID)
	if err != nil {
		return JoinResult{}, err
	}

	sess := &Session{
		ID:       fmt.Sprintf("s-%d-%d", time.Now().UnixNano(), m.sessionSeq.Add(1)),
		UserID:   userID,
		Username: username,
		DocID:    docID,
		state:    StateActive,
		// 基线快照就位之前屏蔽所有操作广播，缺口统一由日志补齐
		floor: ^uint64(0),
		send:  make(chan Event, m.opts.SendBuffer),
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	rh.mu.Lock()
	rh.members[sess.ID] = sess
	rh.mu.Unlock()

	// 不持 rh.mu 向房间 goroutine 要快照，广播不被挡
	snap, serr := rh.room.TakeSnapshot(ctx)
	if serr != nil {
		m.removeSession(sess, false)
		return JoinResult{}, serr
	}

	// 持房间锁阻住广播，原子地把 floor 落到位并补齐快照之后的缺口
	rh.mu.Lock()
	replay := rh.room.OpsSince(snap.Revision, 0)
	floor := snap.Revision
	if n := len(replay); n > 0 {
		floor = replay[n-1].Revision
	}
	sess.mu.Lock()
	sess.floor = floor
	sess.mu.Unlock()
	rh.mu.Unlock()

	// 在线名单与光标快照：presence 故障只影响名单，不影响加入
	var roster []cache.PresenceMember
	var cursors []Event
	if m.presence != nil {
		_ = m.presence.AddMember(ctx, docID, sess.ID, userID, username, m.opts.PresenceTTL)
		roster, _ = m.presence.GetAliveMembers(ctx, docID)
		for _, member := range roster {
			if member.SessionID == sess.ID {
				continue
			}
			raw, cerr := m.presence.GetCursor(ctx, docID, member.SessionID)
			if cerr != nil || len(raw) == 0 {
				continue
			}
			cursors = append(cursors, Event{
				Type:      EventCursorUpdate,
				DocID:     docID,
				SessionID: member.SessionID,
				UserID:    member.UserID,
				Username:  member.Username,
				Cursor:    raw,
				Timestamp: time.Now(),
			})
		}
	}

	joined := Event{
		Type:      EventUserJoined,
		DocID:     docID,
		SessionID: sess.ID,
		UserID:    userID,
		Username:  username,
		Revision:  snap.Revision,
		Timestamp: time.Now(),
	}
	// 自己那份由传输层直接下发（附带基线内容），广播只发给其他会话
	m.broadcast(rh, joined, sess.ID)

	return JoinResult{
		Session:  sess,
		Content:  snap.Content,
		Revision: snap.Revision,
		Replay:   replay,
		Roster:   roster,
		Presence: cursors,
	}, nil
}

// resume：把 grace 中的会话拉回 active，并用日志补齐错过的操作
func (m *Manager) resume(sessionID string, userID uint64, docID string, lastAcked uint64) (JoinResult, bool) {
	m.mu.RLock()
	sess := m.sessions[sessionID]
	rh := m.rooms[docID]
	m.mu.RUnlock()
	if sess == nil || rh == nil || sess.UserID != userID || sess.DocID != docID {
		return JoinResult{}, false
	}

	// 持房间锁阻住广播，保证「丢弃缓冲 + 从日志重放」原子完成，不漏不重
	rh.mu.Lock()
	defer rh.mu.Unlock()

	sess.mu.Lock()
	if sess.state != StateGrace {
		sess.mu.Unlock()
		return JoinResult{}, false
	}
	if sess.graceTimer != nil {
		sess.graceTimer.Stop()
		sess.graceTimer = nil
	}
	if lastAcked > sess.lastAcked {
		sess.lastAcked = lastAcked
	}
	from := sess.lastAcked
	// 宽限期内积压的事件作废，统一走日志重放
	for len(sess.send) > 0 {
		<-sess.send
	}
	sess.state = StateActive
	sess.mu.Unlock()

	replay := rh.room.OpsSince(from, 0)
	floor := from
	if n := len(replay); n > 0 {
		floor = replay[n-1].Revision
	}
	sess.mu.Lock()
	sess.floor = floor
	sess.mu.Unlock()

	return JoinResult{Session: sess, Revision: rh.room.Revision(), Replay: replay}, true
}

func (m *Manager) getOrCreateRoom(ctx context.Context, docID string) (*roomHandle, error) {
	m.mu.RLock()
	rh := m.rooms[docID]
	m.mu.RUnlock()
	if rh != nil {
		return rh, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rh = m.rooms[docID]; rh != nil {
		return rh, nil
	}

	// 首次打开：从外部存储读基线快照
	var content string
	var revision uint64
	if m.store != nil {
		var err error
		content, revision, err = m.store.LoadSnapshot(ctx, docID)
		if err != nil {
			return nil, fmt.Errorf("%w: load snapshot: %v", ErrStoreUnavailable, err)
		}
	}

	rh = &roomHandle{members: make(map[string]*Session)}
	rh.room = NewRoom(docID, content, revision, m.opts.Room, func(ar AppliedRevision) {
		m.onApplied(rh, ar)
	})
	rh.cp = NewCheckpointer(rh.room, m.store, m.opts.Checkpoint)
	m.rooms[docID] = rh
	return rh, nil
}

// onApplied：房间 goroutine 的回调；扇出 + 事件流 + checkpoint 计数，全部非阻塞
func (m *Manager) onApplied(rh *roomHandle, ar AppliedRevision) {
	evt := Event{
		Type:       EventOperationApplied,
		DocID:      ar.DocID,
		Revision:   ar.Revision,
		SessionID:  ar.SessionID,
		ClientOpID: ar.ClientOpID,
		Ops:        ar.Ops,
		Timestamp:  ar.AppliedAt,
	}
	// 作者自己走 ack 应答，不吃广播
	m.broadcast(rh, evt, ar.SessionID)

	if m.dispatcher != nil {
		m.dispatcher.Enqueue(revisionEvent(ar))
	}
	rh.cp.NotifyApplied()
}

// broadcast：向房间内除 exclude 外的所有会话投递；
// 缓冲打满的会话降级为 grace（慢消费者不允许拖住别人）
func (m *Manager) broadcast(rh *roomHandle, evt Event, exclude string) {
	var overflowed []*Session
	rh.mu.RLock()
	for id, sess := range rh.members {
		if id == exclude {
			continue
		}
		if !sess.enqueue(evt) {
			overflowed = append(overflowed, sess)
		}
	}
	rh.mu.RUnlock()
	for _, sess := range overflowed {
		m.demote(sess)
	}
}

// Submit：解析并路由到房间。返回作者的 ack 所需的已应用 revision。
func (m *Manager) Submit(ctx context.Context, sessionID string, raw json.RawMessage) (AppliedRevision, error) {
	sess, rh, err := m.lookup(sessionID)
	if err != nil {
		return AppliedRevision{}, err
	}
	op, err := m.codec.Decode(raw, sess.DocID, sess.ID)
	if err != nil {
		return AppliedRevision{}, err
	}
	return rh.room.Submit(ctx, op)
}

// Ack：客户端确认已应用到 revision
func (m *Manager) Ack(sessionID string, revision uint64) error {
	sess, _, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	if revision > sess.lastAcked {
		sess.lastAcked = revision
	}
	sess.mu.Unlock()
	return nil
}

// UpdateCursor：presence 流，latest-wins，不进 revision 日志
func (m *Manager) UpdateCursor(ctx context.Context, sessionID string, cursor json.RawMessage) error {
	sess, rh, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	sess.cursor = cursor
	sess.mu.Unlock()

	if m.presence != nil {
		_ = m.presence.SetCursor(ctx, sess.DocID, sess.ID, cursor, m.opts.PresenceTTL)
		_ = m.presence.AddMember(ctx, sess.DocID, sess.ID, sess.UserID, sess.Username, m.opts.PresenceTTL)
	}

	m.broadcast(rh, Event{
		Type:      EventCursorUpdate,
		DocID:     sess.DocID,
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Username:  sess.Username,
		Cursor:    cursor,
		Timestamp: time.Now(),
	}, sess.ID)
	return nil
}

// Leave：显式离开，立即销毁会话
func (m *Manager) Leave(sessionID string) {
	m.mu.RLock()
	sess := m.sessions[sessionID]
	m.mu.RUnlock()
	if sess != nil {
		m.removeSession(sess, true)
	}
}

// Disconnect：传输层报告异常断开；会话进入宽限期而不是销毁
func (m *Manager) Disconnect(sessionID string) {
	m.mu.RLock()
	sess := m.sessions[sessionID]
	m.mu.RUnlock()
	if sess != nil {
		m.demote(sess)
	}
}

func (m *Manager) demote(sess *Session) {
	sess.mu.Lock()
	if sess.state != StateActive {
		sess.mu.Unlock()
		return
	}
	sess.state = StateGrace
	id := sess.ID
	sess.graceTimer = time.AfterFunc(m.opts.GracePeriod, func() { m.expire(id) })
	sess.mu.Unlock()
}

func (m *Manager) expire(sessionID string) {
	m.mu.RLock()
	sess := m.sessions[sessionID]
	m.mu.RUnlock()
	if sess == nil {
		return
	}
	if sess.State() != StateGrace {
		return
	}
	m.removeSession(sess, true)
}

// removeSession：会话的唯一销毁路径。
// 房间里最后一个会话走掉后：最终 checkpoint → 关房间 → 摘表。
func (m *Manager) removeSession(sess *Session, announce bool) {
	m.mu.Lock()
	delete(m.sessions, sess.ID)
	rh := m.rooms[sess.DocID]
	m.mu.Unlock()

	sess.mu.Lock()
	alreadyClosed := sess.state == StateClosed
	sess.state = StateClosed
	if sess.graceTimer != nil {
		sess.graceTimer.Stop()
		sess.graceTimer = nil
	}
	if !alreadyClosed {
		close(sess.send)
	}
	sess.mu.Unlock()
	if alreadyClosed || rh == nil {
		return
	}

	rh.mu.Lock()
	delete(rh.members, sess.ID)
	empty := len(rh.members) == 0
	rh.mu.Unlock()

	if m.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = m.presence.RemoveMember(ctx, sess.DocID, sess.ID)
		cancel()
	}

	if announce && !empty {
		m.broadcast(rh, Event{
			Type:      EventUserLeft,
			DocID:     sess.DocID,
			SessionID: sess.ID,
			UserID:    sess.UserID,
			Username:  sess.Username,
			Timestamp: time.Now(),
		}, sess.ID)
	}

	if empty {
		m.mu.Lock()
		if cur := m.rooms[sess.DocID]; cur == rh {
			delete(m.rooms, sess.DocID)
		}
		m.mu.Unlock()
		// 先落最后一个 checkpoint，再关房间
		rh.cp.Stop()
		rh.room.Close()
	}
}

func (m *Manager) lookup(sessionID string) (*Session, *roomHandle, error) {
	m.mu.RLock()
	sess := m.sessions[sessionID]
	var rh *roomHandle
	if sess != nil {
		rh = m.rooms[sess.DocID]
	}
	m.mu.RUnlock()
	if sess == nil || rh == nil {
		return nil, nil, ErrSessionNotFound
	}
	return sess, rh, nil
}

// RoomStats / Stats：监控面（开放房间数、队列深度、checkpoint 落后量）
type RoomStats struct {
	DocID         string `json:"docId"`
	Sessions      int    `json:"sessions"`
	QueueDepth    int    `json:"queueDepth"`
	Revision      uint64 `json:"revision"`
	CheckpointLag uint64 `json:"checkpointLag"`
}

type Stats struct {
	OpenRooms    int         `json:"openRooms"`
	OpenSessions int         `json:"openSessions"`
	Rooms        []RoomStats `json:"rooms"`
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{OpenRooms: len(m.rooms), OpenSessions: len(m.sessions)}
	for docID, rh := range m.rooms {
		rh.mu.RLock()
		n := len(rh.members)
		rh.mu.RUnlock()
		st.Rooms = append(st.Rooms, RoomStats{
			DocID:         docID,
			Sessions:      n,
			QueueDepth:    rh.room.QueueDepth(),
			Revision:      rh.room.Revision(),
			CheckpointLag: rh.room.CheckpointLag(),
		})
	}
	return st
}
