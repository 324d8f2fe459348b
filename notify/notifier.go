// Package notify wakes change stream cursors when new oplog entries commit.
package notify

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// signalBufferSize is 1: a pending signal already means "read the oplog",
// so further signals coalesce into it.
const signalBufferSize = 1

// Signal announces a committed oplog entry
type Signal struct {
	Collection string
	Token      uint64
}

// Filter selects which collections a subscription hears about.
// Empty means all collections.
type Filter struct {
	Collections []string
}

type subscription struct {
	filter Filter
	ch     chan Signal
}

func (s *subscription) matches(collection string) bool {
	if len(s.filter.Collections) == 0 {
		return true
	}
	for _, c := range s.filter.Collections {
		if c == collection {
			return true
		}
	}
	return false
}

// Hub fans commit signals out to subscribers without ever blocking the writer.
type Hub struct {
	subscriptions *xsync.MapOf[uint64, *subscription]
	nextID        atomic.Uint64
}

// NewHub creates a notification hub
func NewHub() *Hub {
	return &Hub{
		subscriptions: xsync.NewMapOf[uint64, *subscription](),
	}
}

// Signal notifies every matching subscriber (non-blocking)
func (h *Hub) Signal(collection string, token uint64) {
	signal := Signal{Collection: collection, Token: token}

	h.subscriptions.Range(func(_ uint64, sub *subscription) bool {
		if !sub.matches(collection) {
			return true
		}
		select {
		case sub.ch <- signal:
		default:
			// A wakeup is already pending
		}
		return true
	})
}

// Subscribe registers a subscriber. The channel is never closed; stop
// selecting on it after calling cancel. cancel is idempotent.
func (h *Hub) Subscribe(filter Filter) (<-chan Signal, func()) {
	id := h.nextID.Add(1)
	sub := &subscription{
		filter: filter,
		ch:     make(chan Signal, signalBufferSize),
	}
	h.subscriptions.Store(id, sub)

	return sub.ch, func() { h.subscriptions.Delete(id) }
}

// Subscribers returns the number of active subscriptions
func (h *Hub) Subscribers() int {
	return h.subscriptions.Size()
}
