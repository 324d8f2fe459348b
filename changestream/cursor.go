// Package changestream turns the oplog into change events for cursors and
// enriches them with pre-images according to each cursor's mode.
package changestream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/docstream/common"
	"github.com/maxpert/docstream/notify"
	"github.com/maxpert/docstream/oplog"
	"github.com/maxpert/docstream/preimage"
	"github.com/maxpert/docstream/telemetry"
)

const (
	defaultBatchSize    = 100
	defaultPollInterval = 250 * time.Millisecond
)

// ErrCursorClosed is returned by a cursor after Close
var ErrCursorClosed = errors.New("change stream cursor is closed")

// Source is what a cursor reads from. *engine.Engine satisfies it.
type Source interface {
	DocumentLookup
	Oplog() *oplog.Log
	PreImages() *preimage.Store
	Hub() *notify.Hub
}

// OpenRequest holds the options fixed for the lifetime of a cursor
type OpenRequest struct {
	// Collection to watch, empty watches every collection
	Collection               string
	FullDocumentBeforeChange Mode
	FullDocument             FullDocumentPolicy
	// StartAfter resumes after this token. 0 starts at the oplog tail.
	StartAfter   uint64
	BatchSize    int
	PollInterval time.Duration
}

// State is the lifecycle state of a cursor
type State int

const (
	StateOpen State = iota
	StateDelivering
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateDelivering:
		return "delivering"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Cursor delivers the change events of one stream in token order. Its mode
// cannot change after Open. A resolution error moves it to StateFailed and
// is returned by every later call.
type Cursor struct {
	id      string
	req     OpenRequest
	oplog   *oplog.Log
	store   PreImageSource
	builder *Builder

	signals     <-chan notify.Signal
	unsubscribe func()
	done        chan struct{}
	closeOnce   sync.Once

	mu       sync.Mutex
	state    State
	err      error
	position uint64
	pending  []oplog.Entry
}

// Open creates a cursor positioned at the oplog tail, or after
// req.StartAfter when set
func Open(ctx context.Context, src Source, req OpenRequest) (*Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.BatchSize <= 0 {
		req.BatchSize = defaultBatchSize
	}
	if req.PollInterval <= 0 {
		req.PollInterval = defaultPollInterval
	}

	opl := src.Oplog()
	position := opl.LastToken()
	if req.StartAfter != 0 {
		if floor := opl.Floor(); req.StartAfter < floor {
			return nil, historyLost(req.StartAfter, floor)
		}
		position = req.StartAfter
	}

	filter := notify.Filter{}
	if req.Collection != "" {
		filter.Collections = []string{req.Collection}
	}
	signals, unsubscribe := src.Hub().Subscribe(filter)

	c := &Cursor{
		id:          uuid.NewString(),
		req:         req,
		oplog:       opl,
		store:       src.PreImages(),
		builder:     NewBuilder(src, req.FullDocument),
		signals:     signals,
		unsubscribe: unsubscribe,
		done:        make(chan struct{}),
		position:    position,
	}

	telemetry.CursorsOpen.With(req.FullDocumentBeforeChange.String()).Inc()
	log.Debug().
		Str("cursor", c.id).
		Str("collection", req.Collection).
		Str("mode", req.FullDocumentBeforeChange.String()).
		Uint64("position", position).
		Msg("Change stream opened")
	return c, nil
}

// ID returns the cursor id
func (c *Cursor) ID() string { return c.id }

// Mode returns the fullDocumentBeforeChange mode
func (c *Cursor) Mode() Mode { return c.req.FullDocumentBeforeChange }

// Collection returns the watched collection, empty for all
func (c *Cursor) Collection() string { return c.req.Collection }

// State returns the current state
func (c *Cursor) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the terminal error of a failed cursor
func (c *Cursor) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// ResumeToken returns the token of the last delivered event, or the start
// position when nothing was delivered yet
func (c *Cursor) ResumeToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return FormatResumeToken(c.position)
}

// Next blocks until the next event is available, ctx is done or the cursor
// is closed
func (c *Cursor) Next(ctx context.Context) (Event, error) {
	timer := time.NewTimer(c.req.PollInterval)
	defer timer.Stop()

	for {
		ev, ok, err := c.TryNext(ctx)
		if err != nil || ok {
			return ev, err
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(c.req.PollInterval)

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-c.done:
			return Event{}, ErrCursorClosed
		case <-c.signals:
		case <-timer.C:
		}
	}
}

// TryNext returns the next event if one is ready without waiting
func (c *Cursor) TryNext(ctx context.Context) (Event, bool, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateFailed:
		return Event{}, false, c.err
	case StateClosed:
		return Event{}, false, ErrCursorClosed
	}

	if len(c.pending) == 0 {
		if err := c.fill(); err != nil {
			return Event{}, false, err
		}
		if len(c.pending) == 0 {
			return Event{}, false, nil
		}
	}

	entry := c.pending[0]
	c.state = StateDelivering

	ev, err := c.builder.Build(ctx, entry)
	if err == nil {
		ev, _, err = Resolve(ctx, ev, c.req.FullDocumentBeforeChange, c.store)
	}
	if err != nil {
		if ctx.Err() != nil {
			// Interrupted, not failed: the same entry is retried on the next call
			c.state = StateOpen
			return Event{}, false, ctx.Err()
		}
		c.fail(err)
		return Event{}, false, c.err
	}

	c.pending = c.pending[1:]
	c.position = entry.Token
	c.state = StateOpen
	telemetry.EventsDeliveredTotal.With(string(entry.Op)).Inc()
	return ev, true, nil
}

// fill reads the next batch of matching entries. Callers hold mu.
func (c *Cursor) fill() error {
	after := c.position
	for {
		entries, err := c.oplog.ReadFrom(after, c.req.BatchSize)
		if err != nil {
			c.fail(fmt.Errorf("failed to read oplog: %w", err))
			return c.err
		}
		// Checked after the read: Trim raises the floor before deleting
		if floor := c.oplog.Floor(); after < floor {
			c.fail(c.trimmedError(after, floor))
			return c.err
		}
		if len(entries) == 0 {
			return nil
		}

		for _, e := range entries {
			if c.req.Collection == "" || e.Collection == c.req.Collection {
				c.pending = append(c.pending, e)
			}
		}
		after = entries[len(entries)-1].Token
		if len(c.pending) > 0 {
			return nil
		}
		// Nothing for this collection in the batch: skip past it
		c.position = after
	}
}

func historyLost(position, floor uint64) error {
	return common.Errorf(common.CodeHistoryLost,
		"resume point %s is older than the oldest retained change, changes up to %s were removed",
		FormatResumeToken(position), FormatResumeToken(floor))
}

// trimmedError reports changes removed by retention before the cursor read
// them. A required cursor cannot know whether their pre-images existed, so
// it fails the way a missing pre-image does.
func (c *Cursor) trimmedError(position, floor uint64) error {
	if c.req.FullDocumentBeforeChange == ModeRequired {
		return common.Errorf(common.CodePreImageNotFound,
			"Change stream was configured to require a pre-image for all update, delete and replace events, "+
				"but changes after resume token %s up to %s in collection %s were removed by retention",
			FormatResumeToken(position), FormatResumeToken(floor), c.req.Collection)
	}
	return historyLost(position, floor)
}

func (c *Cursor) fail(err error) {
	c.state = StateFailed
	c.err = err
	c.pending = nil

	code := common.CodeOf(err)
	telemetry.CursorsFailedTotal.With(strconv.Itoa(int(code))).Inc()
	log.Warn().
		Err(err).
		Str("cursor", c.id).
		Str("collection", c.req.Collection).
		Str("mode", c.req.FullDocumentBeforeChange.String()).
		Msg("Change stream failed")
}

// Close releases the cursor. Blocked Next calls return ErrCursorClosed.
func (c *Cursor) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.unsubscribe()

		c.mu.Lock()
		if c.state != StateFailed {
			c.state = StateClosed
		}
		c.pending = nil
		c.mu.Unlock()

		telemetry.CursorsOpen.With(c.req.FullDocumentBeforeChange.String()).Dec()
		log.Debug().Str("cursor", c.id).Msg("Change stream closed")
	})
	return nil
}
