package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/Gopher0727/GroupChat/config"
	"github.com/Gopher0727/GroupChat/internal/services"
)

// Recorder 消息落库，由 services.MessageService 实现
type Recorder interface {
	Record(ctx context.Context, rec services.MessageRecord)
}

// MessageConsumer 消费聊天消息 topic 并持久化
type MessageConsumer struct {
	messages Recorder
	log      *zap.Logger
}

func NewMessageConsumer(messages Recorder, log *zap.Logger) *MessageConsumer {
	return &MessageConsumer{messages: messages, log: log}
}

// Setup is run at the beginning of a new session, before ConsumeClaim
func (c *MessageConsumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited
func (c *MessageConsumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim must start a consumer loop of ConsumerGroupClaim's Messages().
func (c *MessageConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		c.handle(session.Context(), message)
		// 解码失败的消息同样标记已消费，避免死循环
		session.MarkMessage(message, "")
	}
	return nil
}

func (c *MessageConsumer) handle(ctx context.Context, message *sarama.ConsumerMessage) {
	var rec services.MessageRecord
	if err := json.Unmarshal(message.Value, &rec); err != nil {
		c.log.Error("反序列化消息失败",
			zap.String("topic", message.Topic),
			zap.Int32("partition", message.Partition),
			zap.Int64("offset", message.Offset),
			zap.Error(err),
		)
		return
	}
	if rec.SentAt.IsZero() {
		rec.SentAt = message.Timestamp
	}
	c.messages.Record(ctx, rec)
}

// Start 加入消费者组并在后台消费，直到 ctx 取消。返回的 ConsumerGroup 由调用方关闭
func Start(ctx context.Context, cfg *config.KafkaConfig, consumer *MessageConsumer, log *zap.Logger) (sarama.ConsumerGroup, error) {
	sc := sarama.NewConfig()
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, fmt.Errorf("创建消费者组客户端失败: %w", err)
	}

	go func() {
		for {
			if err := group.Consume(ctx, []string{cfg.Topic}, consumer); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				log.Error("消费者错误", zap.Error(err))
			}
			// check if context was cancelled, signaling that the consumer should stop
			if ctx.Err() != nil {
				return
			}
		}
	}()

	log.Info("Kafka 消费者已启动", zap.String("topic", cfg.Topic), zap.String("group", cfg.GroupID))
	return group, nil
}
