package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/docstream/catalog"
	"github.com/maxpert/docstream/common"
	"github.com/maxpert/docstream/document"
	"github.com/maxpert/docstream/encoding"
	"github.com/maxpert/docstream/oplog"
	"github.com/maxpert/docstream/preimage"
	"github.com/maxpert/docstream/telemetry"
)

// WriteResult reports what a write did
type WriteResult struct {
	Matched  int
	Modified int
	// Token of the committed oplog entry, 0 when nothing was written
	Token            uint64
	PreImageCaptured bool
	InsertedID       any
}

// pendingWrite is a staged mutation waiting for its token
type pendingWrite struct {
	collection   catalog.Collection
	op           oplog.OpType
	prior        document.Document // nil for inserts
	entry        *oplog.Entry
	stageDocSide func(b *pebble.Batch) error
}

// Insert stores a new document. A missing _id is generated.
func (e *Engine) Insert(ctx context.Context, collection string, doc document.Document) (WriteResult, error) {
	if err := e.checkOpen(ctx); err != nil {
		return WriteResult{}, err
	}
	coll, err := e.catalog.MustGet(collection)
	if err != nil {
		return WriteResult{}, err
	}

	doc, err = withID(doc)
	if err != nil {
		return WriteResult{}, err
	}
	id, _ := doc.ID()
	idKey, err := document.EncodeKey(id)
	if err != nil {
		return WriteResult{}, common.Errorf(common.CodeBadValue, "invalid _id: %v", err)
	}
	val, err := encoding.Marshal(doc)
	if err != nil {
		return WriteResult{}, fmt.Errorf("failed to marshal document: %w", err)
	}

	start := time.Now()
	unlock := e.lockDocument(coll.ID, idKey)
	defer unlock()

	key := documentKey(coll.ID, idKey)
	_, found, err := e.readDocument(key)
	if err != nil {
		return WriteResult{}, err
	}
	if found {
		telemetry.WritesTotal.With(string(oplog.OpInsert), "failed").Inc()
		return WriteResult{}, common.Errorf(common.CodeDuplicateKey, "E11000 duplicate key error collection: %s dup key: { _id: %v }", collection, id)
	}

	token, _, err := e.commit(pendingWrite{
		collection: coll,
		op:         oplog.OpInsert,
		entry: &oplog.Entry{
			DocumentKey: doc.KeyDocument(),
			Document:    doc,
		},
		stageDocSide: func(b *pebble.Batch) error {
			return b.Set(key, val, nil)
		},
	})
	if err != nil {
		return WriteResult{}, err
	}

	telemetry.WriteDurationSeconds.With(string(oplog.OpInsert)).Observe(time.Since(start).Seconds())
	return WriteResult{Matched: 0, Modified: 1, Token: token, InsertedID: id}, nil
}

// Update applies u to the document with the given _id. A replacement update
// records a replace entry; an operator update records an update entry with its
// update description. A missing document or a no-op change writes nothing.
func (e *Engine) Update(ctx context.Context, collection string, id any, u document.Update) (WriteResult, error) {
	if err := e.checkOpen(ctx); err != nil {
		return WriteResult{}, err
	}
	coll, err := e.catalog.MustGet(collection)
	if err != nil {
		return WriteResult{}, err
	}
	idKey, err := document.EncodeKey(id)
	if err != nil {
		return WriteResult{}, common.Errorf(common.CodeBadValue, "invalid _id: %v", err)
	}

	op := oplog.OpUpdate
	if u.IsReplacement() {
		op = oplog.OpReplace
	}

	start := time.Now()
	unlock := e.lockDocument(coll.ID, idKey)
	defer unlock()

	key := documentKey(coll.ID, idKey)
	current, found, err := e.readDocument(key)
	if err != nil {
		return WriteResult{}, err
	}
	if !found {
		telemetry.WritesTotal.With(string(op), "noop").Inc()
		return WriteResult{}, nil
	}

	res, err := u.Apply(current)
	if err != nil {
		telemetry.WritesTotal.With(string(op), "failed").Inc()
		return WriteResult{}, err
	}
	if !res.Changed {
		telemetry.WritesTotal.With(string(op), "noop").Inc()
		return WriteResult{Matched: 1}, nil
	}

	val, err := encoding.Marshal(res.Document)
	if err != nil {
		return WriteResult{}, fmt.Errorf("failed to marshal document: %w", err)
	}

	entry := &oplog.Entry{DocumentKey: current.KeyDocument()}
	if op == oplog.OpReplace {
		entry.Document = res.Document
	} else {
		entry.UpdateDescription = res.Description
	}

	token, captured, err := e.commit(pendingWrite{
		collection: coll,
		op:         op,
		prior:      current,
		entry:      entry,
		stageDocSide: func(b *pebble.Batch) error {
			return b.Set(key, val, nil)
		},
	})
	if err != nil {
		return WriteResult{}, err
	}

	telemetry.WriteDurationSeconds.With(string(op)).Observe(time.Since(start).Seconds())
	return WriteResult{Matched: 1, Modified: 1, Token: token, PreImageCaptured: captured}, nil
}

// Delete removes the document with the given _id. Deleting a missing
// document writes nothing.
func (e *Engine) Delete(ctx context.Context, collection string, id any) (WriteResult, error) {
	if err := e.checkOpen(ctx); err != nil {
		return WriteResult{}, err
	}
	coll, err := e.catalog.MustGet(collection)
	if err != nil {
		return WriteResult{}, err
	}
	idKey, err := document.EncodeKey(id)
	if err != nil {
		return WriteResult{}, common.Errorf(common.CodeBadValue, "invalid _id: %v", err)
	}

	start := time.Now()
	unlock := e.lockDocument(coll.ID, idKey)
	defer unlock()

	key := documentKey(coll.ID, idKey)
	current, found, err := e.readDocument(key)
	if err != nil {
		return WriteResult{}, err
	}
	if !found {
		telemetry.WritesTotal.With(string(oplog.OpDelete), "noop").Inc()
		return WriteResult{}, nil
	}

	token, captured, err := e.commit(pendingWrite{
		collection: coll,
		op:         oplog.OpDelete,
		prior:      current,
		entry:      &oplog.Entry{DocumentKey: current.KeyDocument()},
		stageDocSide: func(b *pebble.Batch) error {
			return b.Delete(key, nil)
		},
	})
	if err != nil {
		return WriteResult{}, err
	}

	telemetry.WriteDurationSeconds.With(string(oplog.OpDelete)).Observe(time.Since(start).Seconds())
	return WriteResult{Matched: 1, Modified: 1, Token: token, PreImageCaptured: captured}, nil
}

// commit stages the document mutation, the pre-image (when the collection
// records them at this instant) and the oplog entry into one batch and
// commits it synchronously. Callers hold the document lock.
func (e *Engine) commit(w pendingWrite) (uint64, bool, error) {
	batch := e.db.NewBatch()
	defer batch.Close()

	fail := func(err error) (uint64, bool, error) {
		telemetry.WritesTotal.With(string(w.op), "failed").Inc()
		return 0, false, &common.WriteError{Op: string(w.op), Collection: w.collection.Name, Err: err}
	}

	if err := w.stageDocSide(batch); err != nil {
		return fail(err)
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	if e.closed.Load() {
		return 0, false, ErrClosed
	}

	// The capture setting is read here, inside the commit section, so a
	// collMod is either fully before or fully after this write
	coll, ok := e.catalog.Get(w.collection.Name)
	if !ok || coll.ID != w.collection.ID {
		telemetry.WritesTotal.With(string(w.op), "failed").Inc()
		return 0, false, common.Errorf(common.CodeNamespaceNotFound, "collection %s was dropped", w.collection.Name)
	}

	token := e.clock.Now().ToToken()

	captured := false
	if w.prior != nil {
		var err error
		captured, err = e.interceptor.Capture(batch, preimage.Target{
			CollectionID:    coll.ID,
			Collection:      coll.Name,
			RecordPreImages: coll.RecordPreImages,
		}, token, w.prior)
		if err != nil {
			return fail(err)
		}
	}

	w.entry.Token = token
	w.entry.CollectionID = coll.ID
	w.entry.Collection = coll.Name
	w.entry.Op = w.op
	w.entry.WallTime = time.Now().UnixNano()
	if err := e.oplog.Stage(batch, w.entry); err != nil {
		return fail(err)
	}

	if e.beforeCommit != nil {
		if err := e.beforeCommit(batch); err != nil {
			return fail(captureAware(err, captured))
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fail(captureAware(err, captured))
	}

	e.oplog.Committed(token)
	e.hub.Signal(coll.Name, token)
	telemetry.WritesTotal.With(string(w.op), "committed").Inc()

	log.Debug().
		Str("collection", coll.Name).
		Str("op", string(w.op)).
		Uint64("token", token).
		Bool("pre_image", captured).
		Msg("Write committed")
	return token, captured, nil
}

// captureAware marks a failed commit that carried a pre-image as a capture
// failure: the write and its pre-image are lost together.
func captureAware(err error, captured bool) error {
	if captured && !errors.Is(err, common.ErrCaptureFailed) {
		return fmt.Errorf("%w: %w", common.ErrCaptureFailed, err)
	}
	return err
}

func (e *Engine) readDocument(key []byte) (document.Document, bool, error) {
	val, closer, err := e.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read document: %w", err)
	}
	defer closer.Close()

	var doc document.Document
	if err := encoding.Unmarshal(val, &doc); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return doc, true, nil
}

func (e *Engine) checkOpen(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

// withID returns doc with _id as its first field, generating one if missing
func withID(doc document.Document) (document.Document, error) {
	normalized, err := document.Normalize(doc)
	if err != nil {
		return nil, common.Errorf(common.CodeBadValue, "%v", err)
	}
	doc = normalized.(document.Document)

	for _, f := range doc {
		if len(f.Key) > 0 && f.Key[0] == '$' {
			return nil, common.Errorf(common.CodeBadValue, "field name '%s' cannot start with '$'", f.Key)
		}
	}

	id, ok := doc.ID()
	if !ok {
		id = uuid.NewString()
	}
	out := make(document.Document, 0, len(doc)+1)
	out = append(out, document.Field{Key: document.IDField, Value: id})
	for _, f := range doc {
		if f.Key != document.IDField {
			out = append(out, f)
		}
	}
	return out, nil
}
