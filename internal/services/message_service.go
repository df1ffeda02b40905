package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Gopher0727/GroupChat/internal/models"
	"github.com/Gopher0727/GroupChat/utils/snowflake"
)

const (
	// DefaultHistoryLimit 加入时回放的历史消息条数
	DefaultHistoryLimit = 50

	SystemSenderName  = "admin"
	UnknownSenderName = "Unknown"
)

// MessageStore 消息数据访问接口，由 repositories.MessageRepository 实现
type MessageStore interface {
	Create(ctx context.Context, message *models.Message) error
	Recent(ctx context.Context, limit int) ([]models.Message, error)
}

// IDGenerator 消息 ID 生成器（snowflake）
type IDGenerator interface {
	NextID() (int64, error)
}

// MessageRecord 一条待持久化的消息，也是 Kafka 中的消息体
type MessageRecord struct {
	Text     string    `json:"text"`
	SenderID string    `json:"sender_id,omitempty"`
	IsSystem bool      `json:"is_system"`
	SentAt   time.Time `json:"sent_at"`
}

// HistoryEntry 历史消息的展示投影
type HistoryEntry struct {
	User      string    `json:"user"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

type MessageService struct {
	messages     MessageStore
	ids          IDGenerator
	historyLimit int
	log          *zap.Logger
}

func NewMessageService(messages MessageStore, ids IDGenerator, historyLimit int, log *zap.Logger) *MessageService {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &MessageService{
		messages:     messages,
		ids:          ids,
		historyLimit: historyLimit,
		log:          log,
	}
}

// Record 持久化一条消息。失败只记录日志，不向调用方返回
func (s *MessageService) Record(ctx context.Context, rec MessageRecord) {
	id, err := s.ids.NextID()
	if err != nil {
		s.log.Error("生成消息 ID 失败", zap.Error(err))
		return
	}

	msg := &models.Message{
		ID:       id,
		Text:     rec.Text,
		IsSystem: rec.IsSystem,
	}
	if rec.SenderID != "" && !rec.IsSystem {
		msg.SenderID = &rec.SenderID
	}
	// 优先使用广播时刻，保证经 Kafka 延迟落库的消息顺序不变；否则取 ID 中的时间戳
	msg.CreatedAt = rec.SentAt
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = snowflake.Time(id)
	}

	if err := s.messages.Create(ctx, msg); err != nil {
		s.log.Error("消息持久化失败，已丢弃",
			zap.Int64("message_id", id),
			zap.Int64("node_id", snowflake.NodeID(id)),
			zap.String("sender_id", rec.SenderID),
			zap.Error(err),
		)
	}
}

// History 返回最近 limit 条消息（limit <= 0 使用默认值），按时间正序。失败时返回空切片
func (s *MessageService) History(ctx context.Context, limit int) []HistoryEntry {
	if limit <= 0 {
		limit = s.historyLimit
	}

	messages, err := s.messages.Recent(ctx, limit)
	if err != nil {
		s.log.Error("获取历史消息失败", zap.Error(err))
		return []HistoryEntry{}
	}

	entries := make([]HistoryEntry, 0, len(messages))
	for _, m := range messages {
		entries = append(entries, project(m))
	}
	return entries
}

func project(m models.Message) HistoryEntry {
	entry := HistoryEntry{Text: m.Text, CreatedAt: m.CreatedAt}
	switch {
	case m.IsSystem:
		entry.User = SystemSenderName
	case m.Sender != nil:
		entry.User = m.Sender.Name
	default:
		entry.User = UnknownSenderName
	}
	if m.Sender != nil {
		entry.AvatarURL = m.Sender.Avatar()
	}
	return entry
}
