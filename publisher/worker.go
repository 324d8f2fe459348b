package publisher

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/docstream/changestream"
	"github.com/maxpert/docstream/common"
	"github.com/maxpert/docstream/document"
	"github.com/maxpert/docstream/oplog"
	"github.com/maxpert/docstream/telemetry"
)

const (
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before giving up on a publish operation
	DefaultMaxRetries = 100
)

// WorkerConfig configures a sink worker
type WorkerConfig struct {
	Name            string              // Sink name, also the acknowledged cursor name
	Source          changestream.Source // Engine the cursor reads from
	Request         changestream.OpenRequest
	Sink            Sink
	Transformer     Transformer
	Filter          Filter
	TopicPrefix     string        // Topic prefix (e.g., "docstream.cdc")
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
	MaxRetries      int           // Maximum retry attempts
}

// WorkerStatus is a point-in-time view of a worker
type WorkerStatus struct {
	Name       string `json:"name"`
	Collection string `json:"collection"`
	Mode       string `json:"fullDocumentBeforeChange"`
	Running    bool   `json:"running"`
	Position   string `json:"position"`
	Error      string `json:"error,omitempty"`
}

// Worker publishes the events of one change stream cursor to a sink
type Worker struct {
	config      WorkerConfig
	position    atomic.Uint64 // Token of the last acknowledged event
	cancel      context.CancelFunc
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex // Protects Start/Stop lifecycle operations

	errMu sync.Mutex
	err   error // Terminal cursor or publish error
}

// NewWorker creates a worker positioned after the last event the sink acknowledged
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Source == nil {
		return nil, fmt.Errorf("change stream source is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}

	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	position, err := config.Source.Oplog().GetCursor(config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}

	w := &Worker{config: config}
	w.position.Store(position)
	return w, nil
}

// documentKeyForSink encodes the _id of an event as a message key.
// base64url keeps keys of any _id type compact and printable.
func documentKeyForSink(ev changestream.Event) (string, error) {
	id, ok := ev.DocumentKey.ID()
	if !ok {
		return "", fmt.Errorf("event %s has no document key", ev.ResumeToken())
	}
	raw, err := document.EncodeKey(id)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Start opens the worker's cursor and starts publishing
func (w *Worker) Start() error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return nil
	}
	if w.cancel != nil {
		// Previous run ended on its own
		w.cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cursor, err := w.openCursor(ctx)
	if err != nil {
		cancel()
		return err
	}

	w.setErr(nil)
	w.cancel = cancel
	w.doneCh = make(chan struct{})
	w.running.Store(true)

	log.Info().
		Str("worker", w.config.Name).
		Str("collection", w.config.Request.Collection).
		Str("mode", w.config.Request.FullDocumentBeforeChange.String()).
		Uint64("position", w.position.Load()).
		Msg("Starting change event publisher worker")

	go w.pollLoop(ctx, cursor)
	return nil
}

func (w *Worker) openCursor(ctx context.Context) (*changestream.Cursor, error) {
	req := w.config.Request
	req.StartAfter = w.position.Load()

	cursor, err := changestream.Open(ctx, w.config.Source, req)
	// A required worker never skips changes, it stops instead
	if common.HasCode(err, common.CodeHistoryLost) && req.FullDocumentBeforeChange != changestream.ModeRequired {
		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Msg("Acknowledged position was trimmed, resuming at the oplog tail")
		telemetry.PublisherResumedAtTail.With(w.config.Name).Inc()
		req.StartAfter = w.config.Source.Oplog().LastToken()
		if cursor, err = changestream.Open(ctx, w.config.Source, req); err == nil && req.StartAfter != 0 {
			w.acknowledge(req.StartAfter)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open change stream for %s: %w", w.config.Name, err)
	}
	return cursor, nil
}

// Stop stops the worker gracefully
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.cancel == nil {
		return
	}

	log.Info().Str("worker", w.config.Name).Msg("Stopping change event publisher worker")

	w.cancel()
	<-w.doneCh
	w.cancel = nil

	log.Info().Str("worker", w.config.Name).Msg("Change event publisher worker stopped")
}

// Running reports whether the worker is publishing
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Err returns the error that stopped the worker, nil while running or after a clean stop
func (w *Worker) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

// Status reports the worker state
func (w *Worker) Status() WorkerStatus {
	status := WorkerStatus{
		Name:       w.config.Name,
		Collection: w.config.Request.Collection,
		Mode:       w.config.Request.FullDocumentBeforeChange.String(),
		Running:    w.Running(),
		Position:   changestream.FormatResumeToken(w.position.Load()),
	}
	if err := w.Err(); err != nil {
		status.Error = err.Error()
	}
	return status
}

func (w *Worker) setErr(err error) {
	w.errMu.Lock()
	w.err = err
	w.errMu.Unlock()
}

// pollLoop is the main worker loop
func (w *Worker) pollLoop(ctx context.Context, cursor *changestream.Cursor) {
	defer close(w.doneCh)
	defer w.running.Store(false)
	defer func() { cursor.Close() }()

	for {
		ev, err := cursor.Next(ctx)
		if common.HasCode(err, common.CodeHistoryLost) {
			// Retention overtook the cursor; reopen from the acknowledged position
			cursor.Close()
			var reopened *changestream.Cursor
			if reopened, err = w.openCursor(ctx); err == nil {
				cursor = reopened
				continue
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Cursor failures are terminal; only this worker stops
			w.setErr(err)
			telemetry.PublisherWorkersStopped.With(w.config.Name).Inc()
			log.Error().
				Err(err).
				Str("worker", w.config.Name).
				Int32("code", int32(common.CodeOf(err))).
				Str("position", changestream.FormatResumeToken(w.position.Load())).
				Msg("Change stream failed, publisher worker stopped")
			return
		}

		if err := w.processEvent(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.setErr(err)
			telemetry.PublisherWorkersStopped.With(w.config.Name).Inc()
			log.Error().
				Err(err).
				Str("worker", w.config.Name).
				Str("token", ev.ResumeToken()).
				Msg("Failed to process event, publisher worker stopped")
			return
		}
	}
}

// processEvent publishes one event and acknowledges it.
// Delivery semantics: at-least-once. The event is published first, then
// the position is advanced; a crash in between redelivers it on restart.
func (w *Worker) processEvent(ctx context.Context, ev changestream.Event) error {
	if !w.config.Filter.Match(ev.Collection) {
		telemetry.PublisherEventsTotal.With(w.config.Name, "filtered").Inc()
		w.acknowledge(ev.Token)
		return nil
	}

	data, err := w.config.Transformer.Transform(ev)
	if err != nil {
		return fmt.Errorf("failed to transform event: %w", err)
	}

	topic := w.buildTopic(ev.Collection)
	key, err := documentKeyForSink(ev)
	if err != nil {
		return err
	}

	if err := w.publishWithRetry(ctx, topic, key, data); err != nil {
		return err
	}

	// Deletes are followed by a tombstone for log-compacted topics
	if ev.OperationType == oplog.OpDelete {
		if err := w.publishWithRetry(ctx, topic, key, w.config.Transformer.Tombstone(key)); err != nil {
			return err
		}
	}

	telemetry.PublisherEventsTotal.With(w.config.Name, "success").Inc()
	w.acknowledge(ev.Token)
	return nil
}

func (w *Worker) acknowledge(token uint64) {
	w.position.Store(token)
	if err := w.config.Source.Oplog().AdvanceCursor(w.config.Name, token); err != nil {
		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Uint64("token", token).
			Msg("Failed to advance cursor after successful publish - event may be redelivered")
	}
}

// buildTopic builds the topic name for a collection
func (w *Worker) buildTopic(collection string) string {
	if w.config.TopicPrefix == "" {
		return collection
	}
	return fmt.Sprintf("%s.%s", w.config.TopicPrefix, collection)
}

// publishWithRetry publishes data with exponential backoff retry
func (w *Worker) publishWithRetry(ctx context.Context, topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(ctx, topic, key, data)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return err
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			telemetry.PublisherEventsTotal.With(w.config.Name, "failed").Inc()
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		telemetry.PublisherRetriesTotal.With(w.config.Name).Inc()
		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}
