package ws

import (
	"log"
	"net/http"
	"strings"

	"collabEngine/backend/internal/collab"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// 全局的 WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	mgr *collab.Manager
	sem *collab.SemaphoreControl
}

func NewManager(mgr *collab.Manager, sem *collab.SemaphoreControl) *Manager {
	return &Manager{mgr: mgr, sem: sem}
}

// WebSocketConnect：鉴权中间件已把 userId/username 写进 gin 上下文
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetUint64("userId")
	username := c.GetString("username")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.mgr, userID, username, m.sem)

	// 先起写循环，保证 join 应答能及时出去；读循环阻塞到连接关闭
	go wsConn.writeLoop()
	wsConn.readLoop(c.Request.Context())
}
