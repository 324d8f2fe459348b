package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/docstream/changestream"
	"github.com/maxpert/docstream/common"
	"github.com/maxpert/docstream/document"
	"github.com/maxpert/docstream/engine"
)

type mockSink struct {
	mu        sync.Mutex
	events    []mockPublishCall
	failCount atomic.Int32 // Number of times to fail before succeeding
	closed    atomic.Bool
}

type mockPublishCall struct {
	topic string
	key   string
	value []byte
}

func (m *mockSink) Publish(ctx context.Context, topic, key string, value []byte) error {
	if m.failCount.Load() > 0 {
		m.failCount.Add(-1)
		return fmt.Errorf("mock publish failure")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, mockPublishCall{topic: topic, key: key, value: value})
	return nil
}

func (m *mockSink) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *mockSink) getEvents() []mockPublishCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]mockPublishCall, len(m.events))
	copy(result, m.events)
	return result
}

func (m *mockSink) waitFor(t *testing.T, n int) []mockPublishCall {
	t.Helper()
	require.Eventually(t, func() bool { return len(m.getEvents()) >= n }, 5*time.Second, 5*time.Millisecond)
	return m.getEvents()
}

// gatedSink holds every publish until gate is closed
type gatedSink struct {
	mockSink
	gate    chan struct{}
	waiting atomic.Int32
}

func (g *gatedSink) Publish(ctx context.Context, topic, key string, value []byte) error {
	g.waiting.Add(1)
	select {
	case <-g.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.mockSink.Publish(ctx, topic, key, value)
}

type mockTransformer struct{}

func (mockTransformer) Transform(ev changestream.Event) ([]byte, error) {
	return json.Marshal(ev)
}

func (mockTransformer) Tombstone(key string) []byte {
	return nil
}

func openTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e, err := engine.Open(engine.Options{Path: t.TempDir(), NodeID: 1, MemTableSizeMB: 4, CacheSizeMB: 4})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func newTestWorker(t *testing.T, e *engine.Engine, name string, snk Sink, req changestream.OpenRequest, patterns ...string) *Worker {
	t.Helper()
	filter, err := NewGlobFilter(patterns)
	require.NoError(t, err)
	if req.PollInterval == 0 {
		req.PollInterval = 10 * time.Millisecond
	}
	w, err := NewWorker(WorkerConfig{
		Name:         name,
		Source:       e,
		Request:      req,
		Sink:         snk,
		Transformer:  mockTransformer{},
		Filter:       filter,
		TopicPrefix:  "cdc",
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(w.Stop)
	return w
}

func decode(t *testing.T, call mockPublishCall) document.Document {
	t.Helper()
	var doc document.Document
	require.NoError(t, json.Unmarshal(call.value, &doc))
	return doc
}

func TestNewWorker_Validation(t *testing.T) {
	e := openTestEngine(t)
	filter, _ := NewGlobFilter(nil)

	valid := WorkerConfig{Name: "w", Source: e, Sink: &mockSink{}, Transformer: mockTransformer{}, Filter: filter}
	w, err := NewWorker(valid)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxRetries, w.config.MaxRetries)
	assert.Equal(t, DefaultRetryInitial, w.config.RetryInitial)

	for name, mutate := range map[string]func(*WorkerConfig){
		"name":        func(c *WorkerConfig) { c.Name = "" },
		"source":      func(c *WorkerConfig) { c.Source = nil },
		"sink":        func(c *WorkerConfig) { c.Sink = nil },
		"transformer": func(c *WorkerConfig) { c.Transformer = nil },
		"filter":      func(c *WorkerConfig) { c.Filter = nil },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			_, err := NewWorker(cfg)
			assert.Error(t, err)
		})
	}
}

func TestWorker_PublishesEventsWithPreImages(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()
	_, err := e.CreateCollection("orders", true)
	require.NoError(t, err)

	snk := &mockSink{}
	w := newTestWorker(t, e, "orders-sink", snk, changestream.OpenRequest{
		Collection:               "orders",
		FullDocumentBeforeChange: changestream.ModeWhenAvailable,
	})
	require.NoError(t, w.Start())
	require.NoError(t, w.Start(), "second start is a no-op")

	_, err = e.Insert(ctx, "orders", document.D("_id", 1, "status", "new"))
	require.NoError(t, err)
	u, err := document.ParseUpdate(document.D("$set", document.D("status", "paid")))
	require.NoError(t, err)
	_, err = e.Update(ctx, "orders", 1, u)
	require.NoError(t, err)
	res, err := e.Delete(ctx, "orders", 1)
	require.NoError(t, err)

	calls := snk.waitFor(t, 4)
	require.Len(t, calls, 4)
	for _, c := range calls {
		assert.Equal(t, "cdc.orders", c.topic)
		assert.Equal(t, calls[0].key, c.key, "all events share the _id key")
	}

	update := decode(t, calls[1])
	op, _ := update.Get("operationType")
	assert.Equal(t, "update", op)
	before, ok := update.Get("fullDocumentBeforeChange")
	require.True(t, ok)
	status, _ := before.(document.Document).Get("status")
	assert.Equal(t, "new", status)

	op, _ = decode(t, calls[2]).Get("operationType")
	assert.Equal(t, "delete", op)
	assert.Nil(t, calls[3].value, "delete is followed by a tombstone")

	require.Eventually(t, func() bool {
		acked, _ := e.Oplog().GetCursor("orders-sink")
		return acked == res.Token
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, changestream.FormatResumeToken(res.Token), w.Status().Position)
}

func TestWorker_FilteredEventsAreAcknowledged(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()
	for _, name := range []string{"orders", "audit_log"} {
		_, err := e.CreateCollection(name, false)
		require.NoError(t, err)
	}

	snk := &mockSink{}
	w := newTestWorker(t, e, "all", snk, changestream.OpenRequest{}, "orders*")
	require.NoError(t, w.Start())

	skipped, err := e.Insert(ctx, "audit_log", document.D("_id", 1))
	require.NoError(t, err)
	_, err = e.Insert(ctx, "orders", document.D("_id", 1))
	require.NoError(t, err)

	calls := snk.waitFor(t, 1)
	assert.Equal(t, "cdc.orders", calls[0].topic)
	acked, err := e.Oplog().GetCursor("all")
	require.NoError(t, err)
	assert.Greater(t, acked, skipped.Token)
}

func TestWorker_RetriesFailedPublish(t *testing.T) {
	e := openTestEngine(t)
	_, err := e.CreateCollection("orders", false)
	require.NoError(t, err)

	snk := &mockSink{}
	snk.failCount.Store(3)
	w := newTestWorker(t, e, "retry", snk, changestream.OpenRequest{Collection: "orders"})
	require.NoError(t, w.Start())

	_, err = e.Insert(context.Background(), "orders", document.D("_id", 1))
	require.NoError(t, err)

	snk.waitFor(t, 1)
	assert.Zero(t, snk.failCount.Load())
	assert.True(t, w.Running())
	assert.NoError(t, w.Err())
}

func TestWorker_ExhaustedRetriesStopWorker(t *testing.T) {
	e := openTestEngine(t)
	_, err := e.CreateCollection("orders", false)
	require.NoError(t, err)

	snk := &mockSink{}
	snk.failCount.Store(1000)
	w := newTestWorker(t, e, "broken", snk, changestream.OpenRequest{Collection: "orders"})
	w.config.MaxRetries = 3
	require.NoError(t, w.Start())

	_, err = e.Insert(context.Background(), "orders", document.D("_id", 1))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !w.Running() }, 5*time.Second, 5*time.Millisecond)
	assert.ErrorContains(t, w.Err(), "exhausted max retries")
}

func TestWorker_RequiredMissStopsOnlyThatWorker(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()
	_, err := e.CreateCollection("orders", false)
	require.NoError(t, err)
	_, err = e.Insert(ctx, "orders", document.D("_id", 1, "v", 1))
	require.NoError(t, err)

	strict := &mockSink{}
	lenient := &mockSink{}
	strictWorker := newTestWorker(t, e, "strict", strict, changestream.OpenRequest{
		Collection: "orders", FullDocumentBeforeChange: changestream.ModeRequired,
	})
	lenientWorker := newTestWorker(t, e, "lenient", lenient, changestream.OpenRequest{
		Collection: "orders", FullDocumentBeforeChange: changestream.ModeWhenAvailable,
	})
	require.NoError(t, strictWorker.Start())
	require.NoError(t, lenientWorker.Start())

	_, err = e.Update(ctx, "orders", 1, document.Replacement(document.D("_id", 1, "v", 2)))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !strictWorker.Running() }, 5*time.Second, 5*time.Millisecond)
	assert.True(t, common.HasCode(strictWorker.Err(), common.CodePreImageNotFound))
	assert.Contains(t, strictWorker.Status().Error, "51770")
	assert.Empty(t, strict.getEvents())

	calls := lenient.waitFor(t, 1)
	_, ok := decode(t, calls[0]).Get("fullDocumentBeforeChange")
	assert.False(t, ok)
	assert.True(t, lenientWorker.Running())
}

func TestWorker_ResumesAfterAcknowledgedPosition(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()
	_, err := e.CreateCollection("orders", false)
	require.NoError(t, err)

	first := &mockSink{}
	w := newTestWorker(t, e, "resume", first, changestream.OpenRequest{Collection: "orders"})
	require.NoError(t, w.Start())
	_, err = e.Insert(ctx, "orders", document.D("_id", 1))
	require.NoError(t, err)
	first.waitFor(t, 1)
	require.Eventually(t, func() bool {
		acked, _ := e.Oplog().GetCursor("resume")
		return acked != 0
	}, 5*time.Second, 5*time.Millisecond)
	w.Stop()

	_, err = e.Insert(ctx, "orders", document.D("_id", 2))
	require.NoError(t, err)

	second := &mockSink{}
	restarted := newTestWorker(t, e, "resume", second, changestream.OpenRequest{Collection: "orders"})
	require.NoError(t, restarted.Start())

	calls := second.waitFor(t, 1)
	key, _ := decode(t, calls[0]).Get("documentKey")
	id, _ := key.(document.Document).ID()
	assert.Equal(t, int64(2), id, "only the event after the acknowledged position is redelivered")
}

// Inserts three orders while the worker is stuck publishing the first, then
// trims everything. Returns the sink and the released worker.
func trimBehindWorker(t *testing.T, e *engine.Engine, mode changestream.Mode) (*gatedSink, *Worker) {
	t.Helper()
	ctx := context.Background()
	_, err := e.CreateCollection("orders", false)
	require.NoError(t, err)

	snk := &gatedSink{gate: make(chan struct{})}
	w := newTestWorker(t, e, "lagging", snk, changestream.OpenRequest{
		Collection: "orders", FullDocumentBeforeChange: mode, BatchSize: 1,
	})
	require.NoError(t, w.Start())

	for i := 1; i <= 3; i++ {
		_, err := e.Insert(ctx, "orders", document.D("_id", i))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return snk.waiting.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	trimmed, err := e.Oplog().Trim(ctx, e.Oplog().LastToken()+1)
	require.NoError(t, err)
	require.Equal(t, 3, trimmed)

	close(snk.gate)
	return snk, w
}

func TestWorker_TrimmedPositionResumesAtTail(t *testing.T) {
	e := openTestEngine(t)
	snk, w := trimBehindWorker(t, e, changestream.ModeWhenAvailable)

	tail := e.Oplog().LastToken()
	require.Eventually(t, func() bool {
		acked, _ := e.Oplog().GetCursor("lagging")
		return acked == tail
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, changestream.FormatResumeToken(tail), w.Status().Position)

	_, err := e.Insert(context.Background(), "orders", document.D("_id", 4))
	require.NoError(t, err)

	calls := snk.waitFor(t, 2)
	require.Len(t, calls, 2)
	var ids []int64
	for _, call := range calls {
		key, _ := decode(t, call).Get("documentKey")
		id, _ := key.(document.Document).ID()
		ids = append(ids, id.(int64))
	}
	assert.Equal(t, []int64{1, 4}, ids, "trimmed changes are skipped, not replayed")
	assert.True(t, w.Running())
	assert.NoError(t, w.Err())
}

func TestWorker_RequiredStopsWhenPositionTrimmed(t *testing.T) {
	e := openTestEngine(t)
	snk, w := trimBehindWorker(t, e, changestream.ModeRequired)

	require.Eventually(t, func() bool { return !w.Running() }, 5*time.Second, 5*time.Millisecond)
	assert.True(t, common.HasCode(w.Err(), common.CodePreImageNotFound), "got %v", w.Err())
	assert.Len(t, snk.getEvents(), 1)

	// Restarting cannot skip the gap either
	err := w.Start()
	assert.True(t, common.HasCode(err, common.CodeHistoryLost), "got %v", err)
}
