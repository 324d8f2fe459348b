package admin

import (
	"net/http"

	"github.com/maxpert/docstream/changestream"
	"github.com/maxpert/docstream/publisher"
)

// handleStats reports engine counters
func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	opl := h.engine.Oplog()
	first, err := opl.FirstToken()
	if err != nil {
		writeErrorResponse(w, err)
		return
	}

	openCursors := 0
	h.cursors.Range(func(string, *changestream.Cursor) bool {
		openCursors++
		return true
	})

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"collections": h.engine.CollectionCount(),
		"oplog": map[string]any{
			"firstToken": changestream.FormatResumeToken(first),
			"lastToken":  changestream.FormatResumeToken(opl.LastToken()),
		},
		"preImageFilterSize": h.engine.PreImageFilterSize(),
		"openCursors":        openCursors,
		"subscribers":        h.engine.Hub().Subscribers(),
	})
}

// handleSinks reports publisher workers
func (h *Handlers) handleSinks(w http.ResponseWriter, r *http.Request) {
	sinks := []publisher.WorkerStatus{}
	if h.publishers != nil {
		sinks = append(sinks, h.publishers.Status()...)
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"sinks": sinks})
}
