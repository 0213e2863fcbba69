package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/0097eo/cafe-zuko/pkg/config"
	"github.com/0097eo/cafe-zuko/pkg/logger"
	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// Topics published by the marketplace
const (
	TopicOrderCreated     = "orders.created"
	TopicPaymentCompleted = "payments.completed"
	TopicPaymentFailed    = "payments.failed"
	TopicPaymentRefunded  = "payments.refunded"
)

// Publisher emits domain events after their transaction commits
type Publisher interface {
	Publish(ctx context.Context, topic string, key uint, event interface{}) error
}

// KafkaPublisher publishes JSON events through a synchronous sarama producer
type KafkaPublisher struct {
	producer sarama.SyncProducer
	prefix   string
}

// NewKafkaPublisher connects to the brokers, retrying while Kafka starts up
func NewKafkaPublisher(cfg config.KafkaConfig) (*KafkaPublisher, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = 5

	var (
		producer sarama.SyncProducer
		err      error
	)
	for i := 1; i <= 5; i++ {
		producer, err = sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
		if err == nil {
			return &KafkaPublisher{producer: producer, prefix: cfg.TopicPrefix}, nil
		}
		logger.GetLogger().Warn("Waiting for Kafka",
			zap.Int("attempt", i),
			zap.Strings("brokers", cfg.Brokers),
			zap.Error(err))
		time.Sleep(2 * time.Second)
	}
	return nil, fmt.Errorf("failed to start kafka producer: %w", err)
}

// NewKafkaPublisherWithProducer wraps an existing producer
func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, prefix string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, prefix: prefix}
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic string, key uint, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.prefix + topic,
		Key:   sarama.StringEncoder(strconv.FormatUint(uint64(key), 10)),
		Value: sarama.ByteEncoder(data),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("send %s event: %w", topic, err)
	}

	logger.FromContext(ctx).Debug("Published event",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

// Close flushes and closes the producer
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// Nop discards events; used when no brokers are configured
type Nop struct{}

func (Nop) Publish(context.Context, string, uint, interface{}) error { return nil }
