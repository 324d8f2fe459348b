// Package engine is the document write path. Every modifying write snapshots
// the current document, applies the change, captures the pre-image when the
// collection asks for it, and appends the oplog entry, all in one pebble
// batch committed synchronously.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/docstream/catalog"
	"github.com/maxpert/docstream/hlc"
	"github.com/maxpert/docstream/notify"
	"github.com/maxpert/docstream/oplog"
	"github.com/maxpert/docstream/preimage"
)

const prefixDocument = "/doc/" // /doc/{collectionID}/{msgpack(_id)}

const (
	docLockShards               = 256
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	maxConcurrentCompactions    = 3
)

// ErrClosed is returned by operations on a closed engine
var ErrClosed = errors.New("engine is closed")

// ErrNoDocument is returned by FindByID when the document does not exist
var ErrNoDocument = errors.New("document not found")

// Options configures an Engine
type Options struct {
	Path           string
	NodeID         uint64
	MemTableSizeMB int
	CacheSizeMB    int
	DisableWAL     bool
	PreImage       preimage.Options
	// Hub receives a signal after every commit; a new hub is created when nil
	Hub *notify.Hub
	// BeforeCommit runs on the fully staged batch right before it commits.
	// Returning an error aborts the write. Used for fault injection.
	BeforeCommit func(b *pebble.Batch) error
}

// Engine owns the pebble store shared by documents, the catalog, the oplog
// and the pre-image store.
type Engine struct {
	db          *pebble.DB
	clock       *hlc.Clock
	catalog     *catalog.Catalog
	oplog       *oplog.Log
	preimages   *preimage.Store
	interceptor *preimage.Interceptor
	hub         *notify.Hub

	beforeCommit func(b *pebble.Batch) error

	docLocks [docLockShards]sync.Mutex
	// commitMu orders token allocation with commits so tokens are
	// monotonic in commit order. It also fences collMod and drops.
	commitMu sync.Mutex

	closed atomic.Bool
}

// pebbleLogger wraps zerolog for Pebble
type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// Open opens or creates the store at opts.Path
func Open(opts Options) (*Engine, error) {
	if opts.MemTableSizeMB <= 0 {
		opts.MemTableSizeMB = 64
	}
	if opts.CacheSizeMB <= 0 {
		opts.CacheSizeMB = 64
	}

	cache := pebble.NewCache(int64(opts.CacheSizeMB) << 20)
	defer cache.Unref()

	db, err := pebble.Open(opts.Path, &pebble.Options{
		Cache:                       cache,
		MemTableSize:                uint64(opts.MemTableSizeMB) << 20,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
		DisableWAL:                  opts.DisableWAL,
		Logger:                      &pebbleLogger{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", opts.Path, err)
	}

	e, err := newEngine(db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}

	log.Info().
		Str("path", opts.Path).
		Int("collections", len(e.catalog.List())).
		Uint64("last_token", e.oplog.LastToken()).
		Msg("Engine opened")
	return e, nil
}

func newEngine(db *pebble.DB, opts Options) (*Engine, error) {
	cat, err := catalog.Open(db)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	opl, err := oplog.Open(db)
	if err != nil {
		return nil, fmt.Errorf("failed to load oplog: %w", err)
	}
	store, err := preimage.Open(db, opts.PreImage)
	if err != nil {
		return nil, fmt.Errorf("failed to open pre-image store: %w", err)
	}

	hub := opts.Hub
	if hub == nil {
		hub = notify.NewHub()
	}

	clock := hlc.NewClock(opts.NodeID)
	// Tokens minted after a restart must sort after everything persisted
	clock.Observe(opl.LastToken())

	return &Engine{
		db:           db,
		clock:        clock,
		catalog:      cat,
		oplog:        opl,
		preimages:    store,
		interceptor:  preimage.NewInterceptor(store),
		hub:          hub,
		beforeCommit: opts.BeforeCommit,
	}, nil
}

// Close flushes and closes the store
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	// Wait for an in-flight commit
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	return e.db.Close()
}

// Catalog returns the collection catalog
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// Oplog returns the ordered record stream
func (e *Engine) Oplog() *oplog.Log { return e.oplog }

// PreImages returns the capture store
func (e *Engine) PreImages() *preimage.Store { return e.preimages }

// Hub returns the commit notification hub
func (e *Engine) Hub() *notify.Hub { return e.hub }

// CollectionCount implements telemetry.StatsProvider
func (e *Engine) CollectionCount() int {
	return len(e.catalog.List())
}

// PreImageFilterSize implements telemetry.StatsProvider
func (e *Engine) PreImageFilterSize() uint {
	return e.preimages.FilterSize()
}

func (e *Engine) lockDocument(collectionID string, key []byte) func() {
	h := xxhash.New()
	h.WriteString(collectionID)
	h.Write(key)
	mu := &e.docLocks[h.Sum64()%docLockShards]
	mu.Lock()
	return mu.Unlock
}

func documentKey(collectionID string, key []byte) []byte {
	out := make([]byte, 0, len(prefixDocument)+len(collectionID)+1+len(key))
	out = append(out, prefixDocument...)
	out = append(out, collectionID...)
	out = append(out, '/')
	return append(out, key...)
}

func collectionDocumentsPrefix(collectionID string) []byte {
	return []byte(prefixDocument + collectionID + "/")
}
