package engine

import (
	"context"

	"github.com/cockroachdb/pebble"

	"github.com/maxpert/docstream/catalog"
	"github.com/maxpert/docstream/common"
	"github.com/maxpert/docstream/document"
	"github.com/maxpert/docstream/encoding"
)

// CreateCollection registers a collection
func (e *Engine) CreateCollection(name string, recordPreImages bool) (catalog.Collection, error) {
	if e.closed.Load() {
		return catalog.Collection{}, ErrClosed
	}
	return e.catalog.Create(name, recordPreImages)
}

// SetRecordPreImages is the collMod command. Writes that commit after it
// returns see the new setting; earlier writes and their pre-images are
// untouched.
func (e *Engine) SetRecordPreImages(name string, enabled bool) (catalog.Collection, error) {
	if e.closed.Load() {
		return catalog.Collection{}, ErrClosed
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	return e.catalog.SetRecordPreImages(name, enabled, e.oplog.LastToken())
}

// DropCollection removes a collection and all of its documents. Its
// pre-images stay until retention removes them.
func (e *Engine) DropCollection(name string) error {
	if e.closed.Load() {
		return ErrClosed
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	_, err := e.catalog.Drop(name, func(b *pebble.Batch, coll catalog.Collection) error {
		prefix := collectionDocumentsPrefix(coll.ID)
		return b.DeleteRange(prefix, encoding.PrefixUpperBound(prefix), nil)
	})
	return err
}

// FindByID returns the committed document with the given _id or ErrNoDocument
func (e *Engine) FindByID(ctx context.Context, collection string, id any) (document.Document, error) {
	if err := e.checkOpen(ctx); err != nil {
		return nil, err
	}
	coll, err := e.catalog.MustGet(collection)
	if err != nil {
		return nil, err
	}
	idKey, err := document.EncodeKey(id)
	if err != nil {
		return nil, common.Errorf(common.CodeBadValue, "invalid _id: %v", err)
	}

	doc, found, err := e.readDocument(documentKey(coll.ID, idKey))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNoDocument
	}
	return doc, nil
}

// Find returns up to limit documents of a collection in _id key order
func (e *Engine) Find(ctx context.Context, collection string, limit int) ([]document.Document, error) {
	if err := e.checkOpen(ctx); err != nil {
		return nil, err
	}
	coll, err := e.catalog.MustGet(collection)
	if err != nil {
		return nil, err
	}

	prefix := collectionDocumentsPrefix(coll.ID)
	iter, err := e.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: encoding.PrefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	docs := []document.Document{}
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && len(docs) >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var doc document.Document
		if err := encoding.Unmarshal(iter.Value(), &doc); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, iter.Error()
}
