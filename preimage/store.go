// Package preimage captures and serves the state of documents immediately
// before they were updated, replaced or deleted.
//
// Records are keyed by (collection ID, operation token) and written into the
// same pebble batch as the write that displaced them, so a committed write
// with capture enabled always has its record and an aborted one never does.
package preimage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
	cuckoo "github.com/linvon/cuckoo-filter"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/docstream/document"
	"github.com/maxpert/docstream/encoding"
	"github.com/maxpert/docstream/telemetry"
)

const prefixPreImage = "/preimage/" // /preimage/{collectionID}/{token:016x}

const (
	cuckooBucketSize      = 4
	cuckooFingerprintSize = 32
	cuckooNumBuckets      = 250000 // ~1M records
)

// ErrNotFound is returned by Get when no record exists for the key. A record
// removed by retention is indistinguishable from one never captured.
var ErrNotFound = errors.New("pre-image not found")

// ErrRecordExists is returned when a record for the same collection and
// operation token is already stored. Records are never replaced.
var ErrRecordExists = errors.New("pre-image already recorded for operation")

// Record is the captured prior state of one document for one operation
type Record struct {
	CollectionID    string            `msgpack:"c"`
	OperationToken  uint64            `msgpack:"t"`
	DocumentKey     document.Document `msgpack:"k"`
	PriorDocument   document.Document `msgpack:"d"`
	CapturedAtToken uint64            `msgpack:"a"`
}

// Writer is the part of a pebble batch the store stages records into
type Writer interface {
	Set(key, value []byte, opts *pebble.WriteOptions) error
}

// Options configures a Store
type Options struct {
	CompressThreshold int // payloads of at least this many bytes are zstd compressed
	CacheSize         int // LRU entries, 0 disables the cache
}

// Store is the durable capture store
type Store struct {
	db                *pebble.DB
	compressThreshold int
	cache             *lru.Cache[string, *Record]

	putMu sync.Mutex // serializes Put's existence check with its commit

	filterMu  sync.RWMutex
	filter    *cuckoo.Filter
	saturated bool // an Add failed; the filter can no longer rule anything out
}

var hashBufPool = sync.Pool{
	New: func() any { return make([]byte, 8) },
}

// Open creates a store over db and builds its lookup filter from the
// records already persisted.
func Open(db *pebble.DB, opts Options) (*Store, error) {
	s := &Store{
		db:                db,
		compressThreshold: opts.CompressThreshold,
	}
	if opts.CacheSize > 0 {
		cache, err := lru.New[string, *Record](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create pre-image cache: %w", err)
		}
		s.cache = cache
	}
	if err := s.rebuildFilter(); err != nil {
		return nil, fmt.Errorf("failed to build pre-image filter: %w", err)
	}
	return s, nil
}

// Stage encodes rec into w. Nothing is visible until the caller commits w.
// A record already committed under the same key fails with ErrRecordExists.
func (s *Store) Stage(w Writer, rec *Record) error {
	if rec.CollectionID == "" || rec.OperationToken == 0 {
		return fmt.Errorf("pre-image record needs a collection ID and operation token")
	}
	key := RecordKey(rec.CollectionID, rec.OperationToken)
	exists, err := s.exists(rec.CollectionID, rec.OperationToken, key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: collection %s token %016x", ErrRecordExists, rec.CollectionID, rec.OperationToken)
	}

	payload, err := encoding.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal pre-image: %w", err)
	}
	val := encoding.Compress(payload, s.compressThreshold)

	if err := w.Set(key, val, nil); err != nil {
		return fmt.Errorf("failed to stage pre-image: %w", err)
	}

	// Added before commit: an aborted write only leaves a false positive
	s.addToFilter(filterHash(rec.CollectionID, rec.OperationToken))
	telemetry.PreImageCaptureBytes.Observe(float64(len(val)))
	return nil
}

// Put writes rec in its own synchronous batch
func (s *Store) Put(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.putMu.Lock()
	defer s.putMu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := s.Stage(batch, rec); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to persist pre-image: %w", err)
	}
	return nil
}

// Get returns the record for (collectionID, token) or ErrNotFound. Returned
// records are shared with the cache and must not be modified.
func (s *Store) Get(ctx context.Context, collectionID string, token uint64) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := RecordKey(collectionID, token)
	if s.cache != nil {
		if rec, ok := s.cache.Get(string(key)); ok {
			telemetry.PreImageLookupsTotal.With("cache").Inc()
			return rec, nil
		}
	}

	if !s.mayContain(filterHash(collectionID, token)) {
		telemetry.PreImageLookupsTotal.With("filter_miss").Inc()
		return nil, ErrNotFound
	}

	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		telemetry.PreImageLookupsTotal.With("store_miss").Inc()
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pre-image: %w", err)
	}
	rec, err := decodeRecord(val)
	closer.Close()
	if err != nil {
		return nil, err
	}

	telemetry.PreImageLookupsTotal.With("store_hit").Inc()
	if s.cache != nil {
		s.cache.Add(string(key), rec)
	}
	return rec, nil
}

func (s *Store) exists(collectionID string, token uint64, key []byte) (bool, error) {
	if s.cache != nil && s.cache.Contains(string(key)) {
		return true, nil
	}
	if !s.mayContain(filterHash(collectionID, token)) {
		return false, nil
	}
	_, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check pre-image: %w", err)
	}
	closer.Close()
	return true, nil
}

// Compact removes every record whose operation token is below before and
// returns how many were removed.
func (s *Store) Compact(ctx context.Context, before uint64) (int, error) {
	prefix := []byte(prefixPreImage)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: encoding.PrefixUpperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	batch := s.db.NewBatch()
	defer batch.Close()

	var removed []uint64
	var keys []string
	for valid := iter.SeekGE(prefix); valid; {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		collectionID, token, ok := parseRecordKey(iter.Key())
		if !ok {
			return 0, fmt.Errorf("malformed pre-image key %q", iter.Key())
		}
		collPrefix := collectionPrefix(collectionID)

		if token >= before {
			// Keys are token ordered inside a collection: skip to the next one
			valid = iter.SeekGE(encoding.PrefixUpperBound(collPrefix))
			continue
		}

		keys = append(keys, string(iter.Key()))
		removed = append(removed, filterHash(collectionID, token))
		valid = iter.Next()
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	for _, k := range keys {
		if err := batch.Delete([]byte(k), nil); err != nil {
			return 0, err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to commit pre-image compaction: %w", err)
	}

	if s.cache != nil {
		for _, k := range keys {
			s.cache.Remove(k)
		}
	}
	s.removeFromFilter(removed)

	log.Debug().Int("removed", len(keys)).Uint64("before", before).Msg("Compacted pre-images")
	return len(keys), nil
}

// FilterSize returns the number of entries in the lookup filter
func (s *Store) FilterSize() uint {
	s.filterMu.RLock()
	defer s.filterMu.RUnlock()
	return s.filter.Size()
}

func (s *Store) rebuildFilter() error {
	filter := cuckoo.NewFilter(cuckooBucketSize, cuckooFingerprintSize, cuckooNumBuckets, cuckoo.TableTypePacked)
	saturated := false

	prefix := []byte(prefixPreImage)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: encoding.PrefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	buf := make([]byte, 8)
	count := 0
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		collectionID, token, ok := parseRecordKey(iter.Key())
		if !ok {
			return fmt.Errorf("malformed pre-image key %q", iter.Key())
		}
		binary.LittleEndian.PutUint64(buf, filterHash(collectionID, token))
		if !filter.Add(buf) {
			saturated = true
		}
		count++
	}
	if err := iter.Error(); err != nil {
		return err
	}

	s.filterMu.Lock()
	s.filter = filter
	s.saturated = saturated
	s.filterMu.Unlock()

	if saturated {
		log.Warn().Int("records", count).Msg("Pre-image filter saturated, lookups will always read the store")
	}
	telemetry.PreImageFilterSize.Set(float64(filter.Size()))
	return nil
}

func (s *Store) addToFilter(h uint64) {
	buf := hashBufPool.Get().([]byte)
	binary.LittleEndian.PutUint64(buf, h)

	s.filterMu.Lock()
	if !s.filter.Add(buf) && !s.saturated {
		s.saturated = true
		log.Warn().Msg("Pre-image filter saturated, lookups will always read the store")
	}
	s.filterMu.Unlock()

	hashBufPool.Put(buf)
}

func (s *Store) removeFromFilter(hashes []uint64) {
	buf := hashBufPool.Get().([]byte)
	defer hashBufPool.Put(buf)

	s.filterMu.Lock()
	defer s.filterMu.Unlock()

	// After a failed Add, deleting could evict a fingerprint that belongs to a
	// live record
	if s.saturated {
		return
	}
	for _, h := range hashes {
		binary.LittleEndian.PutUint64(buf, h)
		s.filter.Delete(buf)
	}
}

func (s *Store) mayContain(h uint64) bool {
	buf := hashBufPool.Get().([]byte)
	defer hashBufPool.Put(buf)
	binary.LittleEndian.PutUint64(buf, h)

	s.filterMu.RLock()
	defer s.filterMu.RUnlock()
	return s.saturated || s.filter.Contain(buf)
}

func decodeRecord(val []byte) (*Record, error) {
	payload, err := encoding.Decompress(val)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress pre-image: %w", err)
	}
	var rec Record
	if err := encoding.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pre-image: %w", err)
	}
	return &rec, nil
}

// RecordKey returns the pebble key of a record
func RecordKey(collectionID string, token uint64) []byte {
	return encoding.TokenKey(prefixPreImage+collectionID+"/", token)
}

func collectionPrefix(collectionID string) []byte {
	return []byte(prefixPreImage + collectionID + "/")
}

func parseRecordKey(key []byte) (collectionID string, token uint64, ok bool) {
	rest := key[len(prefixPreImage):]
	if len(rest) < 18 || rest[len(rest)-17] != '/' {
		return "", 0, false
	}
	collectionID = string(rest[:len(rest)-17])
	for _, c := range rest[len(rest)-16:] {
		var v byte
		switch {
		case c >= '0' && c <= '9':
			v = c - '0'
		case c >= 'a' && c <= 'f':
			v = c - 'a' + 10
		default:
			return "", 0, false
		}
		token = token<<4 | uint64(v)
	}
	return collectionID, token, true
}

func filterHash(collectionID string, token uint64) uint64 {
	h := xxhash.New()
	h.WriteString(collectionID)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], token)
	h.Write(buf[:])
	return h.Sum64()
}
