package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/maxpert/docstream/catalog"
	"github.com/maxpert/docstream/changestream"
	"github.com/maxpert/docstream/common"
	"github.com/maxpert/docstream/hlc"
)

type collectionOptions struct {
	RecordPreImages *bool `json:"recordPreImages"`
}

func readCollectionOptions(w http.ResponseWriter, r *http.Request, required bool) (collectionOptions, error) {
	var opts collectionOptions
	if r.ContentLength == 0 && !required {
		return opts, nil
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&opts); err != nil {
		return opts, common.Errorf(common.CodeFailedToParse, "invalid options: %v", err)
	}
	if required && opts.RecordPreImages == nil {
		return opts, common.Errorf(common.CodeInvalidOptions, "collMod requires recordPreImages")
	}
	return opts, nil
}

func collectionView(c catalog.Collection) map[string]any {
	view := map[string]any{
		"name":            c.Name,
		"uuid":            c.ID,
		"recordPreImages": c.RecordPreImages,
		"version":         c.Version,
		"createdAt":       formatTimestamp(time.Unix(0, c.CreatedAt)),
	}
	if c.ModifiedToken != 0 {
		view["modifiedAt"] = changestream.FormatResumeToken(c.ModifiedToken)
		view["modifiedTime"] = formatTimestamp(hlc.TokenTime(c.ModifiedToken))
	}
	return view
}

// handleListCollections returns every collection sorted by name
func (h *Handlers) handleListCollections(w http.ResponseWriter, r *http.Request) {
	colls := h.engine.Catalog().List()
	out := make([]map[string]any, 0, len(colls))
	for _, c := range colls {
		out = append(out, collectionView(c))
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"collections": out})
}

// handleCreateCollection creates a collection, optionally with capture on
func (h *Handlers) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	opts, err := readCollectionOptions(w, r, false)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}

	coll, err := h.engine.CreateCollection(chi.URLParam(r, "name"), opts.RecordPreImages != nil && *opts.RecordPreImages)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, map[string]any{"collection": collectionView(coll)})
}

// handleGetCollection returns one collection
func (h *Handlers) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	coll, err := h.engine.Catalog().MustGet(chi.URLParam(r, "name"))
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"collection": collectionView(coll)})
}

// handleDropCollection drops a collection and its documents
func (h *Handlers) handleDropCollection(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DropCollection(chi.URLParam(r, "name")); err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, nil)
}

// handleCollMod toggles pre-image capture. Writes committed after the
// response see the new setting.
func (h *Handlers) handleCollMod(w http.ResponseWriter, r *http.Request) {
	opts, err := readCollectionOptions(w, r, true)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}

	coll, err := h.engine.SetRecordPreImages(chi.URLParam(r, "name"), *opts.RecordPreImages)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"collection": collectionView(coll)})
}
