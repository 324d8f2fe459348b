package admin

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/maxpert/docstream/changestream"
	"github.com/maxpert/docstream/hlc"
	"github.com/maxpert/docstream/preimage"
)

// handleGetPreImage returns the raw capture record for one operation.
// Records removed by retention report NoSuchKey like ones never captured.
func (h *Handlers) handleGetPreImage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	coll, err := h.engine.Catalog().MustGet(name)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	token, err := changestream.ParseResumeToken(chi.URLParam(r, "token"))
	if err != nil {
		writeErrorResponse(w, err)
		return
	}

	rec, err := h.engine.PreImages().Get(r.Context(), coll.ID, token)
	if errors.Is(err, preimage.ErrNotFound) {
		writeErrorResponse(w, notFoundf("no pre-image for operation %s in collection %s",
			changestream.FormatResumeToken(token), name))
		return
	}
	if err != nil {
		writeErrorResponse(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"preImage": map[string]any{
			"operationToken": changestream.FormatResumeToken(rec.OperationToken),
			"documentKey":    rec.DocumentKey,
			"document":       rec.PriorDocument,
			"capturedAt":     formatTimestamp(hlc.TokenTime(rec.CapturedAtToken)),
		},
	})
}
