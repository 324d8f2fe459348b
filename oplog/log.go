// Package oplog is the ordered record stream: one durable entry per
// committed write, keyed by operation token.
package oplog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/docstream/document"
	"github.com/maxpert/docstream/encoding"
	"github.com/maxpert/docstream/telemetry"
)

const prefixOplog = "/oplog/" // /oplog/{token:016x}

// keyFloor holds the newest token Trim ever removed
const keyFloor = "/oplog_floor"

const defaultReadLimit = 100

// OpType is the kind of write an entry records
type OpType string

const (
	OpInsert  OpType = "insert"
	OpUpdate  OpType = "update"
	OpReplace OpType = "replace"
	OpDelete  OpType = "delete"
)

// Entry is one committed write
type Entry struct {
	Token        uint64            `msgpack:"t"`
	CollectionID string            `msgpack:"cid"`
	Collection   string            `msgpack:"ns"`
	Op           OpType            `msgpack:"op"`
	DocumentKey  document.Document `msgpack:"k"`
	// Document is the inserted or replacement document
	Document          document.Document           `msgpack:"d,omitempty"`
	UpdateDescription *document.UpdateDescription `msgpack:"u,omitempty"`
	WallTime          int64                       `msgpack:"w"`
}

// Writer is the part of a pebble batch entries are staged into
type Writer interface {
	Set(key, value []byte, opts *pebble.WriteOptions) error
}

// Log is a pebble-backed, token-ordered log
type Log struct {
	db        *pebble.DB
	lastToken atomic.Uint64
	floor     atomic.Uint64

	trimMu sync.Mutex

	cursorsMu sync.RWMutex
	cursors   map[string]uint64
}

// Open loads the log tail from db
func Open(db *pebble.DB) (*Log, error) {
	l := &Log{db: db, cursors: make(map[string]uint64)}

	floor, err := l.loadFloor()
	if err != nil {
		return nil, err
	}
	l.floor.Store(floor)

	prefix := []byte(prefixOplog)
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: encoding.PrefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	if iter.Last() {
		token, err := parseKey(iter.Key())
		if err != nil {
			return nil, err
		}
		l.lastToken.Store(token)
		log.Info().Uint64("last_token", token).Msg("Loaded oplog tail")
	}
	// Everything may have been trimmed; the tail is never below the floor
	if l.lastToken.Load() < floor {
		l.lastToken.Store(floor)
	}
	return l, iter.Error()
}

// Stage encodes e into w under its token
func (l *Log) Stage(w Writer, e *Entry) error {
	if e.Token == 0 {
		return errors.New("oplog entry needs a token")
	}
	val, err := encoding.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal oplog entry: %w", err)
	}
	if err := w.Set(encoding.TokenKey(prefixOplog, e.Token), val, nil); err != nil {
		return fmt.Errorf("failed to stage oplog entry: %w", err)
	}
	return nil
}

// Committed records that the batch holding token has been committed.
// Commits happen in token order.
func (l *Log) Committed(token uint64) {
	l.lastToken.Store(token)
	telemetry.OplogAppendsTotal.Inc()
}

// LastToken returns the token of the newest committed entry, 0 when empty
func (l *Log) LastToken() uint64 {
	return l.lastToken.Load()
}

// FirstToken returns the token of the oldest retained entry, 0 when empty
func (l *Log) FirstToken() (uint64, error) {
	prefix := []byte(prefixOplog)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: encoding.PrefixUpperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.First() {
		return 0, iter.Error()
	}
	return parseKey(iter.Key())
}

// ReadFrom returns up to limit entries with a token greater than after
func (l *Log) ReadFrom(after uint64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultReadLimit
	}

	prefix := []byte(prefixOplog)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: encoding.TokenKey(prefixOplog, after+1),
		UpperBound: encoding.PrefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	entries := make([]Entry, 0, limit)
	for iter.First(); iter.Valid() && len(entries) < limit; iter.Next() {
		var e Entry
		if err := encoding.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal oplog entry %s: %w", iter.Key(), err)
		}
		entries = append(entries, e)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Floor returns the newest token removed by Trim, 0 when nothing was
// trimmed. A reader positioned before it has missed entries.
func (l *Log) Floor() uint64 {
	return l.floor.Load()
}

// Trim removes entries with a token below before. The floor is raised in
// the same durable write as the deletion.
func (l *Log) Trim(ctx context.Context, before uint64) (int, error) {
	l.trimMu.Lock()
	defer l.trimMu.Unlock()

	prefix := []byte(prefixOplog)
	upper := encoding.TokenKey(prefixOplog, before)

	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return 0, err
	}
	count := 0
	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}
	var newest uint64
	if count > 0 && iter.Last() {
		if newest, err = parseKey(iter.Key()); err != nil {
			iter.Close()
			return 0, err
		}
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	floor := l.floor.Load()
	if newest > floor {
		floor = newest
	}
	val := make([]byte, 8)
	binary.LittleEndian.PutUint64(val, floor)

	batch := l.db.NewBatch()
	defer batch.Close()
	if err := batch.DeleteRange(prefix, upper, nil); err != nil {
		return 0, fmt.Errorf("failed to trim oplog: %w", err)
	}
	if err := batch.Set([]byte(keyFloor), val, nil); err != nil {
		return 0, fmt.Errorf("failed to trim oplog: %w", err)
	}

	// Raised before the commit so no reader can observe the gap without
	// also observing the floor. A failed commit leaves it conservatively high.
	l.floor.Store(floor)
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to trim oplog: %w", err)
	}

	telemetry.OplogTrimmedTotal.Add(float64(count))
	log.Debug().Int("removed", count).Uint64("floor", floor).Msg("Trimmed oplog")
	return count, nil
}

func (l *Log) loadFloor() (uint64, error) {
	val, closer, err := l.db.Get([]byte(keyFloor))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read oplog floor: %w", err)
	}
	defer closer.Close()

	if len(val) != 8 {
		return 0, fmt.Errorf("invalid oplog floor length: %d", len(val))
	}
	return binary.LittleEndian.Uint64(val), nil
}

func parseKey(key []byte) (uint64, error) {
	token, err := strconv.ParseUint(string(key[len(prefixOplog):]), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed oplog key %q: %w", key, err)
	}
	return token, nil
}
