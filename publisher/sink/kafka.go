package sink

import (
	"context"
	"fmt"

	"github.com/maxpert/binlogd/cfg"
	"github.com/maxpert/binlogd/publisher"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchSize  = 100
	DefaultKafkaBatchBytes = 1 << 20 // 1MB
	DefaultKafkaTopic      = "binlogd"
)

func init() {
	publisher.RegisterSink("kafka", func(config cfg.ProducerConfiguration) (publisher.Sink, error) {
		kafkaConfig := DefaultKafkaConfig(config.Kafka.Brokers)
		if config.Kafka.Topic != "" {
			kafkaConfig.Topic = config.Kafka.Topic
		}
		if config.Kafka.BatchSize > 0 {
			kafkaConfig.BatchSize = config.Kafka.BatchSize
		}
		kafkaConfig.RequiredAcks = kafka.RequiredAcks(config.Kafka.RequiredAcks)
		kafkaConfig.MaxAttempts = config.Retries
		return NewKafkaSink(kafkaConfig)
	})
}

// KafkaSink writes rows asynchronously; the writer's completion callback
// acknowledges each row once its batch is acked by the brokers.
type KafkaSink struct {
	writer *kafka.Writer
	topic  string
}

// KafkaConfig holds configuration for KafkaSink
type KafkaConfig struct {
	Brokers          []string           // Kafka broker addresses
	Topic            string             // Topic template, supports %{database} and %{table}
	BatchSize        int                // Batch size for async writes (default: 100)
	BatchBytes       int64              // Max batch bytes (default: 1MB)
	RequiredAcks     kafka.RequiredAcks // Ack requirement (default: RequireAll)
	MaxAttempts      int                // Writer level retries per batch
	AutoCreateTopics bool               // Auto-create topics if they don't exist (default: true)
}

// DefaultKafkaConfig returns a KafkaConfig with sensible defaults
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:          brokers,
		Topic:            DefaultKafkaTopic,
		BatchSize:        DefaultKafkaBatchSize,
		BatchBytes:       DefaultKafkaBatchBytes,
		RequiredAcks:     kafka.RequireAll,
		AutoCreateTopics: true,
	}
}

// NewKafkaSink creates a new KafkaSink with the given configuration
func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}

	if config.Topic == "" {
		config.Topic = DefaultKafkaTopic
	}
	if config.BatchSize == 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes == 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}

	k := &KafkaSink{topic: config.Topic}
	k.writer = &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{}, // same table, same partition
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		RequiredAcks:           config.RequiredAcks,
		MaxAttempts:            config.MaxAttempts,
		Async:                  true,
		Completion:             k.onCompletion,
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}

	return k, nil
}

// SendAsync queues the row on the writer. The completer travels with the
// message and is resolved in onCompletion.
func (k *KafkaSink) SendAsync(ctx context.Context, row *publisher.Row, c *publisher.Completer) error {
	msg := kafka.Message{
		Topic:      ResolveTopic(k.topic, row),
		Key:        []byte(row.Key()),
		Value:      row.Payload,
		WriterData: c,
	}
	return k.writer.WriteMessages(ctx, msg)
}

func (k *KafkaSink) onCompletion(messages []kafka.Message, err error) {
	for _, msg := range messages {
		c, ok := msg.WriterData.(*publisher.Completer)
		if !ok {
			log.Warn().Str("topic", msg.Topic).Msg("Kafka message without completer")
			continue
		}
		if err != nil {
			c.Fail(fmt.Errorf("kafka write to %s: %w", msg.Topic, err))
			continue
		}
		c.MarkCompleted()
	}
}

// Close flushes pending batches and releases the writer
func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
