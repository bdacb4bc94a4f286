package handlers

import (
	"github.com/gin-gonic/gin"

	"collabEngine/backend/internal/collab"
)

// 监控面：开放房间数、各文档队列深度与 checkpoint 落后量，
// 由外部监控采集，这里只给 JSON。
func Healthz(c *gin.Context) {
	c.JSON(200, gin.H{"message": "ok"})
}

func Statz(m *collab.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, m.Stats())
	}
}
