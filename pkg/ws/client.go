package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Gopher0727/GroupChat/middleware/jwt"
	logger "github.com/Gopher0727/GroupChat/middleware/log"
)

const (
	writeWait      = 10 * time.Second    // 允许写入消息到对端的最大时间
	pongWait       = 60 * time.Second    // 允许读取下一个 pong 消息的最大时间
	pingPeriod     = (pongWait * 9) / 10 // 发送 ping 到对端的周期。必须小于 pongWait
	maxMessageSize = 8 * 1024            // 允许来自对端的最大消息大小
)

// ClaimsKey gin.Context 中握手身份声明的键，由鉴权中间件写入
const ClaimsKey = "ws.claims"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client 代表一个 WebSocket 连接
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte // 缓冲通道，由 Hub 关闭
	token   string      // 连接 ID，每个连接唯一
	session *Session
	log     *zap.Logger
}

// readPump 把客户端帧交给会话处理。退出即视为断开
func (c *Client) readPump() {
	defer func() {
		// 断开清理不能继承任何已取消的 ctx
		c.session.Close(context.Background())
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Info("连接异常断开", zap.Error(err))
			}
			return
		}
		c.session.Handle(context.Background(), message)
	}
}

// writePump 把 Hub 投递的帧写到连接，每帧一条 WebSocket 消息
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub 关闭了通道
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Handler 处理 /ws 握手并为每个连接启动读写协程
type Handler struct {
	hub   *Hub
	co    *Coordinator
	log   *zap.Logger
	conns sync.WaitGroup
}

func NewHandler(hub *Hub, co *Coordinator, log *zap.Logger) *Handler {
	return &Handler{hub: hub, co: co, log: log}
}

// ServeWs 升级连接
func (h *Handler) ServeWs(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("升级 websocket 失败", zap.Error(err))
		return
	}

	var claims *jwt.Claims
	if v, ok := c.Get(ClaimsKey); ok {
		claims, _ = v.(*jwt.Claims)
	}

	token := uuid.NewString()
	client := &Client{
		hub:     h.hub,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		token:   token,
		session: h.co.NewSession(token, claims),
		log:     h.log.With(logger.ConnField(token)),
	}
	if !h.hub.Register(client) {
		conn.Close()
		return
	}
	client.log.Debug("新连接", zap.String("remote", c.ClientIP()))

	h.conns.Add(2)
	go func() {
		defer h.conns.Done()
		client.writePump()
	}()
	go func() {
		defer h.conns.Done()
		client.readPump()
	}()
}

// Wait 等待所有连接的读写协程退出（包括断开清理）
func (h *Handler) Wait() {
	h.conns.Wait()
}
