package ws

import (
	"context"
	"encoding/json"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	logger "github.com/Gopher0727/GroupChat/middleware/log"
)

const (
	redisChannelName = "chat:broadcast"
	sendBufferSize   = 256
)

// delivery 一次投递。Target 非空时只投给该连接，Except 非空时跳过该连接
type delivery struct {
	Payload json.RawMessage `json:"payload"`
	Except  string          `json:"except,omitempty"`
	Target  string          `json:"-"`
}

// Hub 维护本实例的活跃连接并负责扇出。
// 启用 Redis 时广播经 Pub/Sub 发往所有实例（包括自己），否则只在本地投递
type Hub struct {
	clients map[string]*Client // token -> client

	register   chan *Client
	unregister chan *Client
	deliver    chan *delivery

	redis       *redis.Client
	distributed atomic.Bool
	log         *zap.Logger

	count atomic.Int64
	done  chan struct{}
}

func NewHub(redisClient *redis.Client, log *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		deliver:    make(chan *delivery, sendBufferSize),
		redis:      redisClient,
		log:        log,
		done:       make(chan struct{}),
	}
}

// Run 运行 Hub 主循环直到 ctx 取消。退出时关闭所有连接的发送通道
func (h *Hub) Run(ctx context.Context) {
	if h.redis != nil {
		pubsub := h.redis.Subscribe(ctx, redisChannelName)
		// 确认订阅成功后再接收连接，避免丢失自己发布的消息
		if _, err := pubsub.Receive(ctx); err != nil {
			h.log.Error("订阅广播频道失败，仅本地投递", zap.Error(err))
			pubsub.Close()
		} else {
			h.distributed.Store(true)
			defer pubsub.Close()
			go h.subscribe(pubsub)
		}
	}

	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for token, client := range h.clients {
				close(client.send)
				delete(h.clients, token)
			}
			h.count.Store(0)
			return

		case client := <-h.register:
			h.clients[client.token] = client
			h.count.Store(int64(len(h.clients)))

		case client := <-h.unregister:
			if cur, ok := h.clients[client.token]; ok && cur == client {
				delete(h.clients, client.token)
				close(client.send)
				h.count.Store(int64(len(h.clients)))
			}

		case d := <-h.deliver:
			h.fanout(d)
		}
	}
}

func (h *Hub) fanout(d *delivery) {
	if d.Target != "" {
		if client, ok := h.clients[d.Target]; ok {
			h.push(client, d.Payload)
		}
		return
	}
	for token, client := range h.clients {
		if token == d.Except {
			continue
		}
		h.push(client, d.Payload)
	}
}

// push 发送缓冲区满的连接视为慢消费者，直接断开
func (h *Hub) push(client *Client, payload []byte) {
	select {
	case client.send <- payload:
	default:
		h.log.Warn("发送缓冲区已满，断开慢连接", logger.ConnField(client.token))
		delete(h.clients, client.token)
		close(client.send)
		h.count.Store(int64(len(h.clients)))
	}
}

func (h *Hub) subscribe(pubsub *redis.PubSub) {
	for msg := range pubsub.Channel() {
		var d delivery
		if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
			h.log.Warn("无法解析广播消息", zap.Error(err))
			continue
		}
		// 不需要再 Publish 到 Redis，直接本地分发
		h.enqueue(&d)
	}
}

func (h *Hub) enqueue(d *delivery) {
	select {
	case h.deliver <- d:
	case <-h.done:
	}
}

// Broadcast 投递给所有连接
func (h *Hub) Broadcast(payload []byte) {
	h.publish(&delivery{Payload: payload})
}

// BroadcastExcept 投递给除 token 以外的所有连接
func (h *Hub) BroadcastExcept(payload []byte, token string) {
	h.publish(&delivery{Payload: payload, Except: token})
}

// SendTo 只投递给本实例上的指定连接
func (h *Hub) SendTo(token string, payload []byte) {
	h.enqueue(&delivery{Payload: payload, Target: token})
}

func (h *Hub) publish(d *delivery) {
	if h.distributed.Load() {
		data, err := json.Marshal(d)
		if err == nil {
			err = h.redis.Publish(context.Background(), redisChannelName, data).Err()
		}
		if err == nil {
			return
		}
		h.log.Warn("发布广播失败，回退到本地投递", zap.Error(err))
	}
	h.enqueue(d)
}

func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Len 本实例当前连接数
func (h *Hub) Len() int {
	return int(h.count.Load())
}

// Done Run 退出后关闭
func (h *Hub) Done() <-chan struct{} {
	return h.done
}
