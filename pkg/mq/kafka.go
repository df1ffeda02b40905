package mq

import (
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/Gopher0727/GroupChat/config"
)

// KafkaProducer 把消息以 JSON 写入单个 topic
type KafkaProducer struct {
	producer sarama.SyncProducer
	topic    string
	log      *zap.Logger
}

func NewKafkaProducer(cfg *config.KafkaConfig, log *zap.Logger) (*KafkaProducer, error) {
	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 5
	// 按 key 分区，同一发送者的消息保持顺序
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("启动 Sarama 生产者失败: %w", err)
	}
	return NewKafkaProducerWith(producer, cfg.Topic, log), nil
}

// NewKafkaProducerWith 使用已有的 SyncProducer（测试中为 mocks.SyncProducer）
func NewKafkaProducerWith(producer sarama.SyncProducer, topic string, log *zap.Logger) *KafkaProducer {
	return &KafkaProducer{producer: producer, topic: topic, log: log}
}

func (k *KafkaProducer) SendMessage(key string, message any) error {
	bytes, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(bytes),
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("发送消息到 kafka 失败: %w", err)
	}

	k.log.Debug("消息已写入 kafka",
		zap.String("topic", k.topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

func (k *KafkaProducer) Close() error {
	return k.producer.Close()
}
