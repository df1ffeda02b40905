package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Connections 当前实例的连接数，由 ws.Hub 实现
type Connections interface {
	Len() int
}

type HealthHandler struct {
	startedAt time.Time
	conns     Connections
}

func NewHealthHandler(startedAt time.Time, conns Connections) *HealthHandler {
	return &HealthHandler{startedAt: startedAt, conns: conns}
}

// Health GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	resp := gin.H{
		"status": "ok",
		"uptime": time.Since(h.startedAt).Seconds(),
	}
	if h.conns != nil {
		resp["connections"] = h.conns.Len()
	}
	c.JSON(http.StatusOK, resp)
}
