package publisher

import (
	"context"

	"github.com/maxpert/docstream/changestream"
)

// Sink is a destination for change events (Kafka, NATS)
type Sink interface {
	// Publish sends one message. A nil value is a tombstone.
	Publish(ctx context.Context, topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Transformer converts change events to sink payloads
type Transformer interface {
	Transform(ev changestream.Event) ([]byte, error)
	// Tombstone creates a delete marker for the given key
	Tombstone(key string) []byte
}

// Filter decides whether events of a collection are published
type Filter interface {
	Match(collection string) bool
}
