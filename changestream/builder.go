package changestream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/docstream/common"
	"github.com/maxpert/docstream/document"
	"github.com/maxpert/docstream/engine"
	"github.com/maxpert/docstream/oplog"
)

// DocumentLookup reads the current committed state of a document
type DocumentLookup interface {
	FindByID(ctx context.Context, collection string, id any) (document.Document, error)
}

// Builder turns oplog entries into base events, before pre-image resolution
type Builder struct {
	lookup DocumentLookup
	policy FullDocumentPolicy
}

// NewBuilder creates a builder. lookup is only consulted under updateLookup.
func NewBuilder(lookup DocumentLookup, policy FullDocumentPolicy) *Builder {
	return &Builder{lookup: lookup, policy: policy}
}

// Build creates the event for entry
func (b *Builder) Build(ctx context.Context, entry oplog.Entry) (Event, error) {
	ev := Event{
		Token:         entry.Token,
		OperationType: entry.Op,
		WallTime:      time.Unix(0, entry.WallTime),
		Collection:    entry.Collection,
		CollectionID:  entry.CollectionID,
		DocumentKey:   entry.DocumentKey.Clone(),
	}

	switch entry.Op {
	case oplog.OpInsert, oplog.OpReplace:
		ev.FullDocument = docPtr(entry.Document.Clone())
	case oplog.OpUpdate:
		if entry.UpdateDescription != nil {
			desc := *entry.UpdateDescription
			desc.UpdatedFields = desc.UpdatedFields.Clone()
			if desc.RemovedFields == nil {
				desc.RemovedFields = []string{}
			}
			ev.UpdateDescription = &desc
		} else {
			ev.UpdateDescription = &document.UpdateDescription{RemovedFields: []string{}}
		}
		if b.policy == FullDocumentUpdateLookup {
			current, err := b.lookupCurrent(ctx, entry)
			if err != nil {
				return Event{}, err
			}
			ev.FullDocument = docPtr(current)
		}
	case oplog.OpDelete:
	default:
		return Event{}, fmt.Errorf("unknown operation type %q at token %d", entry.Op, entry.Token)
	}
	return ev, nil
}

// lookupCurrent returns nil, not an error, when the document or its
// collection is gone
func (b *Builder) lookupCurrent(ctx context.Context, entry oplog.Entry) (document.Document, error) {
	id, ok := entry.DocumentKey.ID()
	if !ok {
		return nil, fmt.Errorf("oplog entry %d has no document key", entry.Token)
	}
	doc, err := b.lookup.FindByID(ctx, entry.Collection, id)
	if errors.Is(err, engine.ErrNoDocument) || common.HasCode(err, common.CodeNamespaceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up current document: %w", err)
	}
	return doc, nil
}
