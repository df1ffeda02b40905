package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Gopher0727/GroupChat/internal/models"
	"github.com/Gopher0727/GroupChat/internal/services"
	"github.com/Gopher0727/GroupChat/middleware/jwt"
	logger "github.com/Gopher0727/GroupChat/middleware/log"
	"github.com/Gopher0727/GroupChat/utils/ratelimit"
)

// State 连接状态，只会前进
type State int

const (
	StateConnected State = iota
	StateJoined
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Identity 由 services.IdentityService 实现
type Identity interface {
	Join(ctx context.Context, req services.JoinRequest) (*services.JoinResult, error)
	Leave(ctx context.Context, token string) *models.User
	CurrentUser(ctx context.Context, token string) *models.User
}

// HistoryReader 由 services.MessageService 实现
type HistoryReader interface {
	History(ctx context.Context, limit int) []services.HistoryEntry
}

// Fanout 由 Hub 实现
type Fanout interface {
	Broadcast(payload []byte)
	BroadcastExcept(payload []byte, token string)
	SendTo(token string, payload []byte)
}

// RateLimiter 由 ratelimit.Limiter 实现
type RateLimiter interface {
	Allow(ctx context.Context, key string, rule ratelimit.Rule) (bool, error)
}

// Coordinator 所有连接共享的依赖
type Coordinator struct {
	Identity       Identity
	History        HistoryReader
	Archiver       services.Archiver
	Fanout         Fanout
	Limiter        RateLimiter // 可为 nil
	MessageRule    ratelimit.Rule
	HistoryLimit   int
	PersistNotices bool
	Log            *zap.Logger
}

// Session 单个连接的状态机。所有方法只在该连接的读协程中调用
type Session struct {
	co     *Coordinator
	token  string
	claims *jwt.Claims
	state  State
	log    *zap.Logger
}

// NewSession claims 为握手时校验过的身份提供方声明，可为 nil
func (co *Coordinator) NewSession(token string, claims *jwt.Claims) *Session {
	return &Session{
		co:     co,
		token:  token,
		claims: claims,
		state:  StateConnected,
		log:    co.Log.With(logger.ConnField(token)),
	}
}

func (s *Session) Token() string { return s.token }
func (s *Session) State() State  { return s.state }

// Handle 处理一帧客户端消息
func (s *Session) Handle(ctx context.Context, raw []byte) {
	if s.state == StateDisconnected {
		return
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.log.Debug("无法解析客户端帧", zap.Error(err))
		return
	}

	switch env.Event {
	case EventJoin:
		s.join(ctx, env)
	case EventSendMsg:
		s.sendMsg(ctx, env)
	default:
		s.log.Debug("未知事件", zap.String("event", env.Event))
	}
}

func (s *Session) join(ctx context.Context, env Envelope) {
	if s.state == StateJoined {
		s.log.Info("重复的 join 已忽略")
		return
	}

	var p JoinPayload
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &p); err != nil {
			s.log.Debug("join 数据格式错误", zap.Error(err))
			s.ack(env.Ack, AckPayload{Error: JoinFailedMessage})
			return
		}
	}
	s.fillFromClaims(&p)

	res, err := s.co.Identity.Join(ctx, services.JoinRequest{
		ConnectionToken: s.token,
		Name:            p.Name,
		ExternalAuthID:  p.ExternalAuthID,
		AvatarURL:       p.AvatarURL,
		Email:           p.Email,
	})
	if err != nil {
		s.log.Warn("加入失败", zap.String("name", p.Name), zap.Error(err))
		s.ack(env.Ack, AckPayload{Error: JoinFailedMessage})
		return
	}

	s.state = StateJoined
	user := res.User
	s.ack(env.Ack, AckPayload{OK: true})

	s.reply(EventChatHistory, s.co.History.History(ctx, s.co.HistoryLimit))
	s.reply(EventMessage, ChatMessage{
		User:        services.SystemSenderName,
		Text:        fmt.Sprintf("Welcome to the chat, %s!", user.Name),
		IsEphemeral: true,
		TargetID:    user.AuthID(),
	})

	if !res.WasPreviouslyOnline {
		s.notice(user, fmt.Sprintf("%s has joined the chat", user.Name), s.token)
	}
}

// fillFromClaims 握手 token 中的身份补全客户端未提供的字段
func (s *Session) fillFromClaims(p *JoinPayload) {
	if s.claims == nil {
		return
	}
	if p.ExternalAuthID == "" {
		p.ExternalAuthID = s.claims.Subject
	}
	if p.Email == "" {
		p.Email = s.claims.Email
	}
	if strings.TrimSpace(p.Name) == "" {
		p.Name = s.claims.Name
	}
	if p.AvatarURL == "" {
		p.AvatarURL = s.claims.Picture
	}
}

func (s *Session) sendMsg(ctx context.Context, env Envelope) {
	if s.state != StateJoined {
		return
	}

	var text string
	if err := json.Unmarshal(env.Data, &text); err != nil {
		s.log.Debug("sendMsg 数据不是字符串", zap.Error(err))
		return
	}

	user := s.co.Identity.CurrentUser(ctx, s.token)
	if user == nil {
		return
	}

	if s.co.Limiter != nil {
		ok, err := s.co.Limiter.Allow(ctx, "msg:"+user.ID, s.co.MessageRule)
		if err != nil {
			s.log.Warn("限流检查失败", zap.Error(err))
		}
		if !ok {
			return
		}
	}

	sentAt := time.Now()
	s.broadcast(ChatMessage{User: user.Name, AvatarURL: user.Avatar(), Text: text}, "")
	s.co.Archiver.Archive(services.MessageRecord{Text: text, SenderID: user.ID, SentAt: sentAt})
}

// Close 连接断开（任何原因）。使用独立的 ctx，保证请求取消后仍能清理在线状态
func (s *Session) Close(ctx context.Context) {
	if s.state == StateDisconnected {
		return
	}
	s.state = StateDisconnected

	user := s.co.Identity.Leave(ctx, s.token)
	if user == nil {
		return
	}
	s.notice(user, fmt.Sprintf("%s has left the chat", user.Name), "")
}

func (s *Session) notice(user *models.User, text, except string) {
	s.broadcast(ChatMessage{
		User:        services.SystemSenderName,
		Text:        text,
		IsEphemeral: true,
		TargetID:    user.AuthID(),
	}, except)

	if s.co.PersistNotices {
		s.co.Archiver.Archive(services.MessageRecord{Text: text, SenderID: user.ID, IsSystem: true, SentAt: time.Now()})
	}
}

func (s *Session) broadcast(msg ChatMessage, except string) {
	payload, err := encodeFrame(EventMessage, msg, 0)
	if err != nil {
		s.log.Error("编码消息失败", zap.Error(err))
		return
	}
	if except != "" {
		s.co.Fanout.BroadcastExcept(payload, except)
		return
	}
	s.co.Fanout.Broadcast(payload)
}

func (s *Session) reply(event string, data any) {
	s.send(event, data, 0)
}

func (s *Session) ack(id int64, data AckPayload) {
	if id == 0 {
		return
	}
	s.send(EventAck, data, id)
}

func (s *Session) send(event string, data any, ack int64) {
	payload, err := encodeFrame(event, data, ack)
	if err != nil {
		s.log.Error("编码消息失败", zap.String("event", event), zap.Error(err))
		return
	}
	s.co.Fanout.SendTo(s.token, payload)
}
