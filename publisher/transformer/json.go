// Package transformer provides implementations of the publisher.Transformer
// interface.
package transformer

import (
	"encoding/json"
	"fmt"

	"github.com/maxpert/docstream/changestream"
	"github.com/maxpert/docstream/publisher"
)

func init() {
	publisher.RegisterTransformer("json", func() publisher.Transformer {
		return NewJSONTransformer()
	})
}

// JSONTransformer publishes change events in their wire form: the same
// document a watch cursor returns, fullDocumentBeforeChange included when
// the sink's mode attached it.
type JSONTransformer struct{}

// NewJSONTransformer creates a JSON transformer
func NewJSONTransformer() *JSONTransformer {
	return &JSONTransformer{}
}

// Transform renders ev as JSON
func (t *JSONTransformer) Transform(ev changestream.Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal change event %s: %w", ev.ResumeToken(), err)
	}
	return data, nil
}

// Tombstone returns a nil payload, the Kafka delete marker
func (t *JSONTransformer) Tombstone(key string) []byte {
	return nil
}
