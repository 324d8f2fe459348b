package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/maxpert/docstream/cfg"
	"github.com/maxpert/docstream/publisher"
)

func TestDefaultKafkaConfig(t *testing.T) {
	config := DefaultKafkaConfig([]string{"localhost:9092", "localhost:9093"})

	if len(config.Brokers) != 2 {
		t.Errorf("expected 2 brokers, got %d", len(config.Brokers))
	}
	if config.BatchBytes != 1048576 {
		t.Errorf("expected batch bytes 1048576, got %d", config.BatchBytes)
	}
	if config.RequiredAcks != kafka.RequireAll {
		t.Errorf("expected RequireAll acks, got %v", config.RequiredAcks)
	}
	if !config.AutoCreateTopics {
		t.Error("expected topic auto creation")
	}
}

func TestNewKafkaSink(t *testing.T) {
	sink, err := NewKafkaSink(KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		BatchBytes:   2048,
		RequiredAcks: kafka.RequireOne,
	})
	if err != nil {
		t.Fatalf("unexpected error creating sink: %v", err)
	}
	defer sink.Close()

	if sink.writer.BatchSize != 1 {
		t.Errorf("expected batch size 1, got %d", sink.writer.BatchSize)
	}
	if sink.writer.BatchBytes != 2048 {
		t.Errorf("expected batch bytes 2048, got %d", sink.writer.BatchBytes)
	}
	if sink.writer.BatchTimeout != DefaultKafkaBatchTimeout {
		t.Errorf("expected default batch timeout, got %v", sink.writer.BatchTimeout)
	}
	if sink.writer.RequiredAcks != kafka.RequireOne {
		t.Errorf("expected RequireOne acks, got %v", sink.writer.RequiredAcks)
	}
	if sink.writer.Async {
		t.Error("expected Async to be false for durability")
	}
}

func TestNewKafkaSinkEmptyBrokers(t *testing.T) {
	if _, err := NewKafkaSink(KafkaConfig{}); err == nil {
		t.Error("expected error for empty brokers, got nil")
	}
}

func TestNatsFactoryRequiresURL(t *testing.T) {
	sink, err := publisher.CreateSink(cfg.SinkConfiguration{Name: "n", Type: "nats"})
	if err == nil {
		sink.Close()
		t.Fatal("expected error without nats_url")
	}
}

func TestSanitizeStreamName(t *testing.T) {
	if got := sanitizeStreamName("docstream.cdc.orders"); got != "docstream_cdc_orders" {
		t.Errorf("unexpected stream name %q", got)
	}
}

func TestMockSink_Publish(t *testing.T) {
	mock := &MockSink{}

	if err := mock.Publish(context.Background(), "test-topic", "key1", []byte("value1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs := mock.Snapshot()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Topic != "test-topic" || msgs[0].Key != "key1" || string(msgs[0].Value) != "value1" {
		t.Errorf("unexpected message %+v", msgs[0])
	}
}

func TestMockSink_PublishError(t *testing.T) {
	expectedErr := errors.New("publish failed")
	mock := &MockSink{PublishErr: expectedErr}

	if err := mock.Publish(context.Background(), "test-topic", "key1", []byte("value1")); err != expectedErr {
		t.Errorf("expected error %v, got %v", expectedErr, err)
	}
	if len(mock.Snapshot()) != 0 {
		t.Error("expected no messages on error")
	}
}

func TestMockSink_WaitForAndReset(t *testing.T) {
	mock := &MockSink{}

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			mock.Publish(context.Background(), "topic", "key", []byte("value"))
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	if got := len(mock.WaitFor(10, time.Second)); got != 10 {
		t.Errorf("expected 10 messages, got %d", got)
	}

	mock.Reset()
	if len(mock.Snapshot()) != 0 {
		t.Error("expected 0 messages after reset")
	}
}

func TestMockFactoryRegistered(t *testing.T) {
	sink, err := publisher.CreateSink(cfg.SinkConfiguration{Name: "m", Type: "mock"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := sink.(*MockSink); !ok {
		t.Errorf("expected *MockSink, got %T", sink)
	}
}
