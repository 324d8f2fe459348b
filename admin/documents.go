package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/maxpert/docstream/changestream"
	"github.com/maxpert/docstream/common"
	"github.com/maxpert/docstream/document"
)

// handleInsert inserts the request body as a new document
func (h *Handlers) handleInsert(w http.ResponseWriter, r *http.Request) {
	doc, err := readDocument(w, r)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}

	res, err := h.engine.Insert(r.Context(), chi.URLParam(r, "name"), doc)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, map[string]any{
		"insertedId": res.InsertedID,
		"token":      changestream.FormatResumeToken(res.Token),
	})
}

func (h *Handlers) handleFind(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}

	docs, err := h.engine.Find(r.Context(), chi.URLParam(r, "name"), limit)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"documents": docs})
}

func (h *Handlers) handleFindOne(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorResponse(w, err)
		return
	}

	doc, err := h.engine.FindByID(r.Context(), chi.URLParam(r, "name"), id)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"document": doc})
}

// handleReplace replaces the whole document. Operator bodies are rejected.
func (h *Handlers) handleReplace(w http.ResponseWriter, r *http.Request) {
	h.handleUpdate(w, r, true)
}

// handlePatch applies $set/$unset operators. Replacement bodies are rejected.
func (h *Handlers) handlePatch(w http.ResponseWriter, r *http.Request) {
	h.handleUpdate(w, r, false)
}

func (h *Handlers) handleUpdate(w http.ResponseWriter, r *http.Request, replacement bool) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	body, err := readDocument(w, r)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}

	u, err := document.ParseUpdate(body)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	if u.IsReplacement() != replacement {
		if replacement {
			writeErrorResponse(w, common.Errorf(common.CodeFailedToParse, "replacement document must not contain update operators"))
		} else {
			writeErrorResponse(w, common.Errorf(common.CodeFailedToParse, "update document requires $set or $unset operators"))
		}
		return
	}

	res, err := h.engine.Update(r.Context(), chi.URLParam(r, "name"), id, u)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeResult(w, res)
}

func (h *Handlers) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorResponse(w, err)
		return
	}

	res, err := h.engine.Delete(r.Context(), chi.URLParam(r, "name"), id)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeResult(w, res)
}
