package preimage

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/docstream/common"
	"github.com/maxpert/docstream/document"
	"github.com/maxpert/docstream/telemetry"
)

// Target identifies the collection a write applies to and its capture
// setting as read at write time.
type Target struct {
	CollectionID    string
	Collection      string
	RecordPreImages bool
}

// Interceptor decides, per modifying write, whether to capture the prior
// document and stages the record into the write's own batch.
type Interceptor struct {
	store *Store
}

// NewInterceptor creates an interceptor writing to store
func NewInterceptor(store *Store) *Interceptor {
	return &Interceptor{store: store}
}

// Capture stages a pre-image of prior for the write identified by token when
// the target records pre-images. It reports whether a record was staged. An
// error wraps common.ErrCaptureFailed and must abort the write.
func (i *Interceptor) Capture(w Writer, target Target, token uint64, prior document.Document) (bool, error) {
	if !target.RecordPreImages {
		return false, nil
	}

	rec := &Record{
		CollectionID:    target.CollectionID,
		OperationToken:  token,
		DocumentKey:     prior.KeyDocument(),
		PriorDocument:   prior,
		CapturedAtToken: token,
	}
	if err := i.store.Stage(w, rec); err != nil {
		telemetry.PreImageCapturesTotal.With("failed").Inc()
		log.Error().
			Err(err).
			Str("collection", target.Collection).
			Uint64("token", token).
			Msg("Pre-image capture failed")
		return false, fmt.Errorf("%w: %w", common.ErrCaptureFailed, err)
	}

	telemetry.PreImageCapturesTotal.With("staged").Inc()
	return true, nil
}
