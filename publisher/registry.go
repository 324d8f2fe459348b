package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/docstream/cfg"
	"github.com/maxpert/docstream/changestream"
)

const defaultFormat = "json"

// RegistryConfig configures the publisher registry
type RegistryConfig struct {
	Source       changestream.Source
	SinkConfigs  []cfg.SinkConfiguration
	BatchSize    int           // Oplog entries read per cursor batch
	PollInterval time.Duration // Cursor poll interval when no commit signal arrives
}

// Registry manages the lifecycle of all sink workers
type Registry struct {
	config  RegistryConfig
	workers []*Worker
	running atomic.Bool
	mu      sync.Mutex
}

// NewRegistry creates a worker for every configured sink
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.Source == nil {
		return nil, fmt.Errorf("change stream source is required")
	}

	registry := &Registry{
		config:  config,
		workers: make([]*Worker, 0, len(config.SinkConfigs)),
	}

	for _, sinkCfg := range config.SinkConfigs {
		if err := registry.AddSink(sinkCfg); err != nil {
			for _, worker := range registry.workers {
				worker.config.Sink.Close()
			}
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().
		Int("workers", len(registry.workers)).
		Msg("Change event publisher registry initialized")

	return registry, nil
}

// AddSink creates and adds a new worker for the given sink configuration.
// Workers added to a running registry start immediately.
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	mode, err := changestream.ParseMode(config.FullDocumentBeforeChange)
	if err != nil {
		return err
	}
	policy, err := changestream.ParseFullDocument(config.FullDocument)
	if err != nil {
		return err
	}

	format := config.Format
	if format == "" {
		format = defaultFormat
	}
	trans, err := createTransformer(format)
	if err != nil {
		return fmt.Errorf("failed to create transformer: %w", err)
	}

	filter, err := NewGlobFilter(config.FilterCollections)
	if err != nil {
		return fmt.Errorf("failed to create filter: %w", err)
	}

	snk, err := CreateSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	batchSize := config.BatchSize
	if batchSize <= 0 {
		batchSize = r.config.BatchSize
	}

	worker, err := NewWorker(WorkerConfig{
		Name:   config.Name,
		Source: r.config.Source,
		Request: changestream.OpenRequest{
			Collection:               config.Collection,
			FullDocumentBeforeChange: mode,
			FullDocument:             policy,
			BatchSize:                batchSize,
			PollInterval:             r.config.PollInterval,
		},
		Sink:            snk,
		Transformer:     trans,
		Filter:          filter,
		TopicPrefix:     config.TopicPrefix,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	if r.running.Load() {
		if err := worker.Start(); err != nil {
			snk.Close()
			return err
		}
	}
	r.workers = append(r.workers, worker)

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Str("format", format).
		Str("collection", config.Collection).
		Str("mode", mode.String()).
		Msg("Added change event sink")

	return nil
}

// Start starts all workers
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}

	log.Info().Int("workers", len(r.workers)).Msg("Starting change event publisher registry")

	for i, worker := range r.workers {
		if err := worker.Start(); err != nil {
			for _, started := range r.workers[:i] {
				started.Stop()
			}
			return err
		}
	}

	r.running.Store(true)
	return nil
}

// Stop stops all workers and closes their sinks
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return
	}

	log.Info().Msg("Stopping change event publisher registry")

	for _, worker := range r.workers {
		worker.Stop()
		if err := worker.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", worker.config.Name).Msg("Failed to close sink")
		}
	}

	log.Info().Msg("Change event publisher registry stopped")
}

// Status returns the status of every worker
func (r *Registry) Status() []WorkerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]WorkerStatus, 0, len(r.workers))
	for _, worker := range r.workers {
		out = append(out, worker.Status())
	}
	return out
}

// CreateSink creates a sink from a registered factory for config.Type
func CreateSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

// TransformerFactory is a function that creates a Transformer
type TransformerFactory func() Transformer

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

// createTransformer creates a transformer based on the format
func createTransformer(format string) (Transformer, error) {
	factoryMu.RLock()
	factory, exists := transformerFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", format)
	}

	return factory(), nil
}
