// Package admin is the HTTP surface: collection and document commands,
// the collMod toggle, NDJSON change streams, and raw pre-image lookups.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/docstream/changestream"
	"github.com/maxpert/docstream/common"
	"github.com/maxpert/docstream/document"
	"github.com/maxpert/docstream/engine"
	"github.com/maxpert/docstream/preimage"
	"github.com/maxpert/docstream/publisher"
)

const (
	defaultFindLimit = 256
	maxFindLimit     = 1024
	maxBodyBytes     = 16 << 20
)

// PublisherStatus reports sink workers
type PublisherStatus interface {
	Status() []publisher.WorkerStatus
}

// HandlersConfig configures the admin handlers
type HandlersConfig struct {
	Engine *engine.Engine
	// Publishers is optional
	Publishers   PublisherStatus
	BatchSize    int
	PollInterval time.Duration
	// AuthToken is required on every route when set
	AuthToken string
}

// Handlers serves the admin API
type Handlers struct {
	engine       *engine.Engine
	publishers   PublisherStatus
	batchSize    int
	pollInterval time.Duration
	authToken    string

	// Open watch cursors by id
	cursors *xsync.MapOf[string, *changestream.Cursor]
}

// NewHandlers creates the admin handlers
func NewHandlers(config HandlersConfig) *Handlers {
	return &Handlers{
		engine:       config.Engine,
		publishers:   config.Publishers,
		batchSize:    config.BatchSize,
		pollInterval: config.PollInterval,
		authToken:    config.AuthToken,
		cursors:      xsync.NewMapOf[string, *changestream.Cursor](),
	}
}

// CloseCursors closes every open watch cursor. Called on shutdown so
// streaming responses end.
func (h *Handlers) CloseCursors() {
	h.cursors.Range(func(id string, c *changestream.Cursor) bool {
		c.Close()
		return true
	})
}

// errorBody is the error shape shared by responses and stream error lines
func errorBody(err error) map[string]any {
	code := common.CodeOf(err)
	return map[string]any{
		"ok":       0,
		"code":     int32(code),
		"codeName": code.Name(),
		"errmsg":   errorMessage(err),
	}
}

func errorMessage(err error) string {
	var coded *common.CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}
	return err.Error()
}

// httpStatus maps an error to its HTTP status
func httpStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrNoDocument), errors.Is(err, preimage.ErrNotFound):
		return http.StatusNotFound
	}

	switch common.CodeOf(err) {
	case common.CodeUnauthorized:
		return http.StatusUnauthorized
	case common.CodeNamespaceNotFound, common.CodeNoSuchKey:
		return http.StatusNotFound
	case common.CodeNamespaceExists, common.CodeDuplicateKey:
		return http.StatusConflict
	case common.CodeBadValue, common.CodeFailedToParse, common.CodeInvalidOptions,
		common.CodeInvalidNamespace, common.CodeImmutableField, common.CodeHistoryLost:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeJSONResponse writes {"ok": 1, ...fields}
func writeJSONResponse(w http.ResponseWriter, status int, fields map[string]any) {
	response := map[string]any{"ok": 1}
	for k, v := range fields {
		response[k] = v
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes {"ok": 0, "code", "codeName", "errmsg"}
func writeErrorResponse(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("Admin request failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(errorBody(err)); encErr != nil {
		log.Error().Err(encErr).Msg("Failed to encode error response")
	}
}

// readDocument decodes a JSON object body
func readDocument(w http.ResponseWriter, r *http.Request) (document.Document, error) {
	var doc document.Document
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&doc); err != nil {
		return nil, common.Errorf(common.CodeFailedToParse, "invalid JSON document: %v", err)
	}
	return doc, nil
}

// parseID interprets a path _id. JSON scalars keep their type (7 is a
// number, "7" a string); anything else is taken as a raw string.
func parseID(raw string) (any, error) {
	if raw == "" {
		return nil, common.Errorf(common.CodeBadValue, "_id is required")
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return raw, nil
	}
	switch v.(type) {
	case json.Number, string, bool:
		id, err := document.Normalize(v)
		if err != nil {
			return nil, common.Errorf(common.CodeBadValue, "invalid _id: %v", err)
		}
		return id, nil
	default:
		return raw, nil
	}
}

// parseLimit parses the limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return defaultFindLimit, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, common.Errorf(common.CodeBadValue, "invalid limit parameter: %v", err)
	}
	if limit < 1 {
		return 0, common.Errorf(common.CodeBadValue, "limit must be positive")
	}
	if limit > maxFindLimit {
		return 0, common.Errorf(common.CodeBadValue, "limit cannot exceed %d", maxFindLimit)
	}
	return limit, nil
}

// formatTimestamp formats t as ISO 8601, empty for the zero time
func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func writeResult(w http.ResponseWriter, res engine.WriteResult) {
	fields := map[string]any{
		"matchedCount":     res.Matched,
		"modifiedCount":    res.Modified,
		"preImageCaptured": res.PreImageCaptured,
	}
	if res.Token != 0 {
		fields["token"] = changestream.FormatResumeToken(res.Token)
	}
	writeJSONResponse(w, http.StatusOK, fields)
}

func notFoundf(format string, args ...any) error {
	return common.Errorf(common.CodeNoSuchKey, "%s", fmt.Sprintf(format, args...))
}
