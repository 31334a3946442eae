package sink

import (
	"context"
	"fmt"

	"github.com/maxpert/binlogd/cfg"
	"github.com/maxpert/binlogd/publisher"
	"github.com/redis/go-redis/v9"
)

const (
	RedisPubSub = "pubsub"
	RedisXAdd   = "xadd"
)

func init() {
	publisher.RegisterSink("redis", func(config cfg.ProducerConfiguration) (publisher.Sink, error) {
		return NewRedisSink(RedisConfig{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
			Key:      config.Redis.Key,
			Type:     config.Redis.Type,
			Retries:  config.Retries,
		})
	})
}

// RedisConfig holds configuration for RedisSink
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string // channel or stream, supports %{database} and %{table}
	Type     string // pubsub or xadd
	Retries  int
}

// RedisSink publishes rows to a channel or appends them to a stream, in order
type RedisSink struct {
	client *redis.Client
	key    string
	sender *serialSender
}

// NewRedisSink creates the sink. The connection is established lazily.
func NewRedisSink(config RedisConfig) (*RedisSink, error) {
	if config.Addr == "" {
		return nil, fmt.Errorf("redis sink requires an address")
	}
	if config.Key == "" {
		config.Key = "binlogd"
	}

	s := &RedisSink{
		client: redis.NewClient(&redis.Options{
			Addr:     config.Addr,
			Password: config.Password,
			DB:       config.DB,
		}),
		key: config.Key,
	}

	var send sendFunc
	switch config.Type {
	case "", RedisPubSub:
		send = s.publish
	case RedisXAdd:
		send = s.xadd
	default:
		s.client.Close()
		return nil, fmt.Errorf("unknown redis sink type: %s", config.Type)
	}

	s.sender = newSerialSender("redis", send, config.Retries)
	return s, nil
}

func (s *RedisSink) SendAsync(ctx context.Context, row *publisher.Row, c *publisher.Completer) error {
	return s.sender.enqueue(ctx, row, c)
}

func (s *RedisSink) publish(ctx context.Context, row *publisher.Row) error {
	return s.client.Publish(ctx, ResolveTopic(s.key, row), row.Payload).Err()
}

func (s *RedisSink) xadd(ctx context.Context, row *publisher.Row) error {
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: ResolveTopic(s.key, row),
		Values: map[string]interface{}{"message": row.Payload},
	}).Err()
}

func (s *RedisSink) Close() error {
	s.sender.close()
	return s.client.Close()
}
