package changestream

import (
	"context"
	"errors"

	"github.com/maxpert/docstream/common"
	"github.com/maxpert/docstream/oplog"
	"github.com/maxpert/docstream/preimage"
	"github.com/maxpert/docstream/telemetry"
)

// PreImageSource is the read side of the capture store
type PreImageSource interface {
	Get(ctx context.Context, collectionID string, token uint64) (*preimage.Record, error)
}

// Outcome describes what Resolve did
type Outcome int

const (
	// OutcomeSkipped means the mode is off and nothing was looked up
	OutcomeSkipped Outcome = iota
	// OutcomeNotApplicable means the operation never has a pre-image
	OutcomeNotApplicable
	// OutcomeAttached means the pre-image was found and attached
	OutcomeAttached
	// OutcomeMissing means no record exists and the event is unchanged
	OutcomeMissing
	// OutcomeFailed means the lookup failed the cursor
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeNotApplicable:
		return "not_applicable"
	case OutcomeAttached:
		return "attached"
	case OutcomeMissing:
		return "missing"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Resolve attaches fullDocumentBeforeChange to ev according to mode. The
// returned event is a copy; only fullDocumentBeforeChange differs from ev.
func Resolve(ctx context.Context, ev Event, mode Mode, store PreImageSource) (Event, Outcome, error) {
	out, outcome, err := resolve(ctx, ev, mode, store)
	telemetry.ResolutionsTotal.With(mode.String(), outcome.String()).Inc()
	return out, outcome, err
}

func resolve(ctx context.Context, ev Event, mode Mode, store PreImageSource) (Event, Outcome, error) {
	if mode == ModeOff {
		return ev, OutcomeSkipped, nil
	}
	if ev.OperationType == oplog.OpInsert {
		return ev, OutcomeNotApplicable, nil
	}

	rec, err := store.Get(ctx, ev.CollectionID, ev.Token)
	switch {
	case errors.Is(err, preimage.ErrNotFound):
		if mode == ModeRequired {
			return ev, OutcomeFailed, common.Errorf(common.CodePreImageNotFound,
				"Change stream was configured to require a pre-image for all update, delete and replace events, "+
					"but the pre-image was not found for the event with resume token %s in collection %s",
				ev.ResumeToken(), ev.Collection)
		}
		return ev, OutcomeMissing, nil
	case err != nil:
		return ev, OutcomeFailed, err
	}

	ev.FullDocumentBeforeChange = docPtr(rec.PriorDocument.Clone())
	return ev, OutcomeAttached, nil
}
