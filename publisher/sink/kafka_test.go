package sink

import (
	"context"
	"errors"
	"testing"

	"github.com/maxpert/binlogd/publisher"
	"github.com/segmentio/kafka-go"
)

func TestDefaultKafkaConfig(t *testing.T) {
	brokers := []string{"localhost:9092", "localhost:9093"}
	config := DefaultKafkaConfig(brokers)

	if len(config.Brokers) != 2 {
		t.Errorf("expected 2 brokers, got %d", len(config.Brokers))
	}

	if config.Topic != "binlogd" {
		t.Errorf("expected topic binlogd, got %s", config.Topic)
	}

	if config.BatchSize != 100 {
		t.Errorf("expected batch size 100, got %d", config.BatchSize)
	}

	if config.BatchBytes != 1048576 {
		t.Errorf("expected batch bytes 1048576, got %d", config.BatchBytes)
	}

	if config.RequiredAcks != kafka.RequireAll {
		t.Errorf("expected RequireAll acks, got %v", config.RequiredAcks)
	}
}

func TestNewKafkaSink(t *testing.T) {
	config := KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		BatchSize:    50,
		BatchBytes:   2048,
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  7,
	}

	sink, err := NewKafkaSink(config)
	if err != nil {
		t.Fatalf("unexpected error creating sink: %v", err)
	}
	defer sink.Close()

	if sink.writer.BatchSize != 50 {
		t.Errorf("expected batch size 50, got %d", sink.writer.BatchSize)
	}

	if sink.writer.RequiredAcks != kafka.RequireOne {
		t.Errorf("expected RequireOne acks, got %v", sink.writer.RequiredAcks)
	}

	if sink.writer.MaxAttempts != 7 {
		t.Errorf("expected 7 attempts, got %d", sink.writer.MaxAttempts)
	}

	if !sink.writer.Async {
		t.Error("expected async writer")
	}

	if sink.writer.Completion == nil {
		t.Error("expected completion callback")
	}

	if sink.topic != DefaultKafkaTopic {
		t.Errorf("expected default topic, got %s", sink.topic)
	}
}

func TestNewKafkaSinkEmptyBrokers(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{Brokers: []string{}})
	if err == nil {
		t.Error("expected error for empty brokers, got nil")
	}
}

func TestKafkaCompletionResolvesCompleters(t *testing.T) {
	sink, err := NewKafkaSink(DefaultKafkaConfig([]string{"localhost:9092"}))
	if err != nil {
		t.Fatalf("unexpected error creating sink: %v", err)
	}
	defer sink.Close()

	var acked, failed int
	callback := func(err error) {
		if err != nil {
			failed++
			return
		}
		acked++
	}

	row := &publisher.Row{ID: 1, Database: "shop", Table: "orders"}
	msgs := []kafka.Message{
		{Topic: "binlogd", WriterData: publisher.NewCompleter(row, callback)},
		{Topic: "binlogd", WriterData: publisher.NewCompleter(row, callback)},
		{Topic: "binlogd"},
	}
	sink.writer.Completion(msgs, nil)
	if acked != 2 || failed != 0 {
		t.Errorf("expected 2 acked, got %d acked %d failed", acked, failed)
	}

	msgs = []kafka.Message{
		{Topic: "binlogd", WriterData: publisher.NewCompleter(row, callback)},
	}
	sink.writer.Completion(msgs, errors.New("leader not available"))
	if failed != 1 {
		t.Errorf("expected 1 failure, got %d", failed)
	}
}

func TestKafkaSendAfterClose(t *testing.T) {
	sink, err := NewKafkaSink(DefaultKafkaConfig([]string{"localhost:9092"}))
	if err != nil {
		t.Fatalf("unexpected error creating sink: %v", err)
	}

	if err := sink.Close(); err != nil {
		t.Fatalf("unexpected error closing sink: %v", err)
	}

	row := &publisher.Row{ID: 1, Database: "shop", Table: "orders", Payload: []byte(`{}`)}
	called := false
	c := publisher.NewCompleter(row, func(error) { called = true })

	if err := sink.SendAsync(context.Background(), row, c); err == nil {
		t.Error("expected error sending on a closed writer")
	}
	if called {
		t.Error("completer must not be resolved when SendAsync returns an error")
	}
}

func TestKafkaFactoryRequiresBrokers(t *testing.T) {
	_, err := publisher.CreateSink(cfgWithType("kafka"))
	if err == nil {
		t.Error("expected error without brokers")
	}
}
