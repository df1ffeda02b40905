package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/Gopher0727/GroupChat/internal/utils"
)

// Archiver 在广播之后异步持久化消息，调用方不等待结果
type Archiver interface {
	Archive(rec MessageRecord)
}

// PoolArchiver 通过协程池直接写库
type PoolArchiver struct {
	pool     *utils.WorkerPool
	messages *MessageService
	log      *zap.Logger
}

func NewPoolArchiver(pool *utils.WorkerPool, messages *MessageService, log *zap.Logger) *PoolArchiver {
	return &PoolArchiver{pool: pool, messages: messages, log: log}
}

func (a *PoolArchiver) Archive(rec MessageRecord) {
	ok := a.pool.Submit(func() {
		// 持久化与连接生命周期无关，不继承请求 ctx
		a.messages.Record(context.Background(), rec)
	})
	if !ok {
		a.log.Warn("协程池已停止，消息未持久化", zap.Error(ErrArchiveRejected), zap.String("sender_id", rec.SenderID))
	}
}

// Publisher 消息队列生产者，由 mq.KafkaProducer 实现
type Publisher interface {
	SendMessage(key string, value any) error
}

// KafkaArchiver 发送到 Kafka，由 consumer 落库。
// 发送在协程池中执行，不阻塞连接的读协程；发送失败时在同一任务里直接写库
type KafkaArchiver struct {
	pool     *utils.WorkerPool
	producer Publisher
	messages *MessageService
	log      *zap.Logger
}

func NewKafkaArchiver(pool *utils.WorkerPool, producer Publisher, messages *MessageService, log *zap.Logger) *KafkaArchiver {
	return &KafkaArchiver{pool: pool, producer: producer, messages: messages, log: log}
}

func (a *KafkaArchiver) Archive(rec MessageRecord) {
	// 以发送者为 key，同一用户的消息落在同一分区，保持顺序
	key := rec.SenderID
	if rec.IsSystem {
		key = SystemSenderName
	}
	ok := a.pool.Submit(func() {
		if err := a.producer.SendMessage(key, rec); err != nil {
			a.log.Warn("发送到 Kafka 失败，改为直接写库", zap.Error(err))
			a.messages.Record(context.Background(), rec)
		}
	})
	if !ok {
		a.log.Warn("协程池已停止，消息未持久化", zap.Error(ErrArchiveRejected), zap.String("sender_id", rec.SenderID))
	}
}
