package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/docstream/catalog"
	"github.com/maxpert/docstream/changestream"
	"github.com/maxpert/docstream/common"
)

// watchParams are the query parameters of a watch request
type watchParams struct {
	req       changestream.OpenRequest
	maxEvents int
	// maxAwait ends the stream when no event arrives in time, 0 waits forever
	maxAwait time.Duration
}

func (h *Handlers) parseWatchParams(r *http.Request) (watchParams, error) {
	q := r.URL.Query()
	p := watchParams{
		req: changestream.OpenRequest{
			Collection:   chi.URLParam(r, "name"),
			BatchSize:    h.batchSize,
			PollInterval: h.pollInterval,
		},
	}

	var err error
	if p.req.FullDocumentBeforeChange, err = changestream.ParseMode(q.Get("fullDocumentBeforeChange")); err != nil {
		return p, err
	}
	if p.req.FullDocument, err = changestream.ParseFullDocument(q.Get("fullDocument")); err != nil {
		return p, err
	}
	if raw := q.Get("startAfter"); raw != "" {
		if p.req.StartAfter, err = changestream.ParseResumeToken(raw); err != nil {
			return p, err
		}
	}
	if raw := q.Get("maxEvents"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return p, common.Errorf(common.CodeBadValue, "invalid maxEvents parameter %q", raw)
		}
		p.maxEvents = n
	}
	if raw := q.Get("maxAwaitTimeMS"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 1 {
			return p, common.Errorf(common.CodeBadValue, "invalid maxAwaitTimeMS parameter %q", raw)
		}
		p.maxAwait = time.Duration(ms) * time.Millisecond
	}
	return p, nil
}

// handleWatch streams change events as newline-delimited JSON. A terminal
// cursor error is written as a final error line; the HTTP status is already
// 200 by then.
func (h *Handlers) handleWatch(w http.ResponseWriter, r *http.Request) {
	params, err := h.parseWatchParams(r)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	if params.req.Collection != "" {
		if err := catalog.ValidateName(params.req.Collection); err != nil {
			writeErrorResponse(w, err)
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorResponse(w, errors.New("streaming is not supported by this connection"))
		return
	}

	cursor, err := changestream.Open(r.Context(), h.engine, params.req)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	h.cursors.Store(cursor.ID(), cursor)
	defer h.cursors.Delete(cursor.ID())
	defer cursor.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Cursor-Id", cursor.ID())
	w.Header().Set("X-Resume-Token", cursor.ResumeToken())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for delivered := 0; params.maxEvents == 0 || delivered < params.maxEvents; delivered++ {
		ev, err := nextEvent(r.Context(), cursor, params.maxAwait)
		if err != nil {
			if r.Context().Err() != nil || errors.Is(err, changestream.ErrCursorClosed) ||
				errors.Is(err, context.DeadlineExceeded) {
				return
			}
			if encErr := enc.Encode(errorBody(err)); encErr != nil {
				log.Debug().Err(encErr).Str("cursor", cursor.ID()).Msg("Failed to write stream error")
			}
			flusher.Flush()
			return
		}

		if err := enc.Encode(ev); err != nil {
			log.Debug().Err(err).Str("cursor", cursor.ID()).Msg("Watch client went away")
			return
		}
		flusher.Flush()
	}
}

func nextEvent(ctx context.Context, cursor *changestream.Cursor, maxAwait time.Duration) (changestream.Event, error) {
	if maxAwait <= 0 {
		return cursor.Next(ctx)
	}
	waitCtx, cancel := context.WithTimeout(ctx, maxAwait)
	defer cancel()
	return cursor.Next(waitCtx)
}

// cursorView is one entry of GET /cursors
type cursorView struct {
	ID                       string `json:"id"`
	Collection               string `json:"collection,omitempty"`
	FullDocumentBeforeChange string `json:"fullDocumentBeforeChange"`
	State                    string `json:"state"`
	ResumeToken              string `json:"resumeToken"`
	Error                    string `json:"error,omitempty"`
}

func (h *Handlers) handleListCursors(w http.ResponseWriter, r *http.Request) {
	views := []cursorView{}
	h.cursors.Range(func(id string, c *changestream.Cursor) bool {
		v := cursorView{
			ID:                       id,
			Collection:               c.Collection(),
			FullDocumentBeforeChange: c.Mode().String(),
			State:                    c.State().String(),
			ResumeToken:              c.ResumeToken(),
		}
		if err := c.Err(); err != nil {
			v.Error = err.Error()
		}
		views = append(views, v)
		return true
	})
	writeJSONResponse(w, http.StatusOK, map[string]any{"cursors": views})
}

// handleKillCursor closes a watch cursor, ending its stream
func (h *Handlers) handleKillCursor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok := h.cursors.LoadAndDelete(id)
	if !ok {
		writeErrorResponse(w, notFoundf("cursor %s not found", id))
		return
	}
	c.Close()
	writeJSONResponse(w, http.StatusOK, map[string]any{"cursorsKilled": []string{id}})
}
