package ws

import (
	"context"
	"log"
	"sync"
	"time"

	"collabEngine/backend/internal/collab"

	"github.com/gorilla/websocket"
)

type Conn struct {
	ws       *websocket.Conn
	mgr      *collab.Manager
	userID   uint64
	username string
	// 信号量：限制整个进程并发处理中的 operation 提交数
	sem *collab.SemaphoreControl

	send   chan ServerMessage
	closed chan struct{}

	mu      sync.Mutex
	session *collab.Session
}

func NewConn(ws *websocket.Conn, mgr *collab.Manager, userID uint64, username string, sem *collab.SemaphoreControl) *Conn {
	return &Conn{
		ws:       ws,
		mgr:      mgr,
		userID:   userID,
		username: username,
		sem:      sem,
		send:     make(chan ServerMessage, 32),
		closed:   make(chan struct{}),
	}
}

// enqueue：非阻塞投递，只用于 presence 流；缓冲满了直接丢
// （presence 是 latest-wins 的，丢失不破坏任何正确性属性）
func (c *Conn) enqueue(msg ServerMessage) {
	select {
	case c.send <- msg:
	case <-c.closed:
	default:
	}
}

// deliver：阻塞投递，用于内容事件与应答。
// 写循环堵住时在这里等待，压力经会话缓冲传导回 Manager，
// 由慢会话降级机制处理；连接关闭前绝不丢
func (c *Conn) deliver(msg ServerMessage) {
	select {
	case c.send <- msg:
	case <-c.closed:
	}
}

func (c *Conn) currentSession() *collab.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Conn) setSession(s *collab.Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// pipe：把会话的出站事件搬到连接缓冲。
// 连接断开后 pipe 退出，事件留在会话缓冲里等恢复。
func (c *Conn) pipe(sess *collab.Session) {
	for {
		select {
		case e, ok := <-sess.Events():
			if !ok {
				return
			}
			if e.Type == collab.EventCursorUpdate {
				c.enqueue(FromEvent(e))
				continue
			}
			// 内容事件不丢：对端消费不动时在这里停住，
			// 让会话缓冲涨满、触发 Manager 的降级，而不是悄悄丢广播
			c.deliver(FromEvent(e))
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) handleJoin(ctx context.Context, msg ClientMessage) {
	if old := c.currentSession(); old != nil {
		// 重复 join（换文档，或同文档重新同步）：先离开旧会话，按全新加入处理
		c.mgr.Leave(old.ID)
		c.setSession(nil)
	}

	res, err := c.mgr.Join(ctx, c.userID, c.username, msg.DocID, msg.SessionID, msg.LastAckedRevision)
	if err != nil {
		log.Printf("join failed user=%d doc=%s err=%v", c.userID, msg.DocID, err)
		c.deliver(ErrorMessage(msg.DocID, err))
		return
	}
	c.setSession(res.Session)
	go c.pipe(res.Session)

	// 自己那份 user_joined：带会话 id + 基线内容 + 当前版本 + 在线名单
	c.deliver(ServerMessage{
		Type:      collab.EventUserJoined,
		DocID:     msg.DocID,
		SessionID: res.Session.ID,
		UserID:    c.userID,
		Username:  c.username,
		Revision:  res.Revision,
		Content:   res.Content,
		Members:   rosterMembers(res.Roster),
		Timestamp: time.Now(),
	})
	// 恢复/加入缺口按版本序补齐
	for _, ar := range res.Replay {
		c.deliver(AppliedMessage(ar))
	}
	// 已在线成员的光标快照（presence 流，允许丢）
	for _, e := range res.Presence {
		c.enqueue(FromEvent(e))
	}
}

func (c *Conn) handleOperation(ctx context.Context, msg ClientMessage) {
	sess := c.currentSession()
	if sess == nil {
		c.deliver(ErrorMessage(msg.DocID, collab.ErrSessionNotFound))
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if err := c.sem.Acquire(opCtx); err != nil {
		c.deliver(ErrorMessage(msg.DocID, collab.ErrBackpressure))
		return
	}
	defer c.sem.Release()

	ar, err := c.mgr.Submit(opCtx, sess.ID, msg.Operation)
	if err != nil {
		c.deliver(ErrorMessage(msg.DocID, err))
		return
	}
	// 作者的 ack：不回带 ops，客户端本地已有
	c.deliver(ServerMessage{
		Type:       collab.EventOperationApplied,
		DocID:      ar.DocID,
		Revision:   ar.Revision,
		SessionID:  sess.ID,
		ClientOpID: ar.ClientOpID,
		Timestamp:  ar.AppliedAt,
	})
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		close(c.closed)
		// 异常断开：会话进入宽限期，错过的操作留在日志里等恢复
		if sess := c.currentSession(); sess != nil {
			c.mgr.Disconnect(sess.ID)
		}
	}()

	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			log.Printf("read json error (user=%d): %v", c.userID, err)
			return
		}

		switch msg.Type {
		case "join":
			c.handleJoin(ctx, msg)

		case "operation":
			c.handleOperation(ctx, msg)

		case "cursor":
			if sess := c.currentSession(); sess != nil {
				_ = c.mgr.UpdateCursor(ctx, sess.ID, msg.Cursor)
			}

		case "ack":
			if sess := c.currentSession(); sess != nil {
				_ = c.mgr.Ack(sess.ID, msg.Revision)
			}

		case "leave":
			if sess := c.currentSession(); sess != nil {
				c.mgr.Leave(sess.ID)
				c.setSession(nil)
			}

		default:
			c.deliver(ServerMessage{
				Type:      collab.EventError,
				Code:      "MALFORMED_OPERATION",
				Message:   "unknown message type",
				Timestamp: time.Now(),
			})
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.WriteJSON(msg)
		case <-c.closed:
			return
		}
	}
}
