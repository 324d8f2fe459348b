package admin

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/docstream/changestream"
	"github.com/maxpert/docstream/document"
	"github.com/maxpert/docstream/engine"
	"github.com/maxpert/docstream/preimage"
	"github.com/maxpert/docstream/publisher"
)

type stubPublishers []publisher.WorkerStatus

func (s stubPublishers) Status() []publisher.WorkerStatus { return s }

func openTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e, err := engine.Open(engine.Options{
		Path:           t.TempDir(),
		NodeID:         1,
		MemTableSizeMB: 4,
		CacheSizeMB:    4,
		PreImage:       preimage.Options{CompressThreshold: 1024, CacheSize: 64},
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func newTestServer(t *testing.T, config HandlersConfig) (*httptest.Server, *engine.Engine, *Handlers) {
	t.Helper()
	if config.Engine == nil {
		config.Engine = openTestEngine(t)
	}
	if config.PollInterval == 0 {
		config.PollInterval = 10 * time.Millisecond
	}
	h := NewHandlers(config)
	srv := httptest.NewServer(NewRouter(h))
	t.Cleanup(func() {
		h.CloseCursors()
		srv.Close()
	})
	return srv, config.Engine, h
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

// watch opens a stream and returns a line reader. The cursor exists once
// the response headers arrive.
func watch(t *testing.T, srv *httptest.Server, path string) (*http.Response, *bufio.Scanner) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))
	return resp, bufio.NewScanner(resp.Body)
}

func readLine(t *testing.T, sc *bufio.Scanner) map[string]any {
	t.Helper()
	require.True(t, sc.Scan(), "stream ended: %v", sc.Err())
	var out map[string]any
	require.NoError(t, json.Unmarshal(sc.Bytes(), &out))
	return out
}

func TestAuthMiddleware(t *testing.T) {
	srv, _, _ := newTestServer(t, HandlersConfig{AuthToken: "s3cret"})

	status, body := do(t, srv, http.MethodGet, "/stats", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Unauthorized", body["codeName"])

	for name, header := range map[string][2]string{
		"bearer": {"Authorization", "Bearer s3cret"},
		"secret": {"X-Docstream-Secret", "s3cret"},
	} {
		t.Run(name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/stats", nil)
			require.NoError(t, err)
			req.Header.Set(header[0], header[1])
			resp, err := srv.Client().Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode)
		})
	}

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/stats", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Basic s3cret")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCollections(t *testing.T) {
	srv, _, _ := newTestServer(t, HandlersConfig{})

	status, body := do(t, srv, http.MethodPost, "/collections/orders", `{"recordPreImages": true}`)
	require.Equal(t, http.StatusCreated, status)
	coll := body["collection"].(map[string]any)
	assert.Equal(t, "orders", coll["name"])
	assert.Equal(t, true, coll["recordPreImages"])
	assert.NotEmpty(t, coll["uuid"])

	status, body = do(t, srv, http.MethodPost, "/collections/orders", "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "NamespaceExists", body["codeName"])

	status, _ = do(t, srv, http.MethodPost, "/collections/plain", "")
	require.Equal(t, http.StatusCreated, status)

	status, body = do(t, srv, http.MethodPost, "/collections/orders/collmod", `{"recordPreImages": false}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["collection"].(map[string]any)["recordPreImages"])

	status, body = do(t, srv, http.MethodPost, "/collections/orders/collmod", `{}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "InvalidOptions", body["codeName"])

	status, body = do(t, srv, http.MethodGet, "/collections", "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["collections"], 2)

	status, _ = do(t, srv, http.MethodDelete, "/collections/plain", "")
	require.Equal(t, http.StatusOK, status)

	status, body = do(t, srv, http.MethodGet, "/collections/plain", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NamespaceNotFound", body["codeName"])
	assert.EqualValues(t, 0, body["ok"])
}

func TestDocuments(t *testing.T) {
	srv, _, _ := newTestServer(t, HandlersConfig{})
	status, _ := do(t, srv, http.MethodPost, "/collections/c", "")
	require.Equal(t, http.StatusCreated, status)

	status, body := do(t, srv, http.MethodPost, "/collections/c/documents", `{"_id": 1, "x": 1}`)
	require.Equal(t, http.StatusCreated, status)
	assert.EqualValues(t, 1, body["insertedId"])
	assert.Len(t, body["token"], 16)

	status, body = do(t, srv, http.MethodPost, "/collections/c/documents", `{"_id": 1}`)
	assert.Equal(t, http.StatusConflict, status)
	assert.EqualValues(t, 11000, body["code"])

	status, _ = do(t, srv, http.MethodPost, "/collections/c/documents", `{"_id": "1", "x": "s"}`)
	require.Equal(t, http.StatusCreated, status)

	// 1 and "1" are different keys
	status, body = do(t, srv, http.MethodGet, "/collections/c/documents/1", "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["document"].(map[string]any)["x"])
	status, body = do(t, srv, http.MethodGet, "/collections/c/documents/%221%22", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "s", body["document"].(map[string]any)["x"])

	status, body = do(t, srv, http.MethodPatch, "/collections/c/documents/1", `{"$set": {"y": 2}}`)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["modifiedCount"])

	status, body = do(t, srv, http.MethodPatch, "/collections/c/documents/1", `{"y": 3}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "FailedToParse", body["codeName"])

	status, body = do(t, srv, http.MethodPut, "/collections/c/documents/1", `{"$set": {"y": 3}}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "FailedToParse", body["codeName"])

	status, body = do(t, srv, http.MethodPut, "/collections/c/documents/1", `{"z": 9}`)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["modifiedCount"])
	assert.Equal(t, false, body["preImageCaptured"])

	status, body = do(t, srv, http.MethodGet, "/collections/c/documents?limit=10", "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["documents"], 2)

	status, _ = do(t, srv, http.MethodGet, "/collections/c/documents?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = do(t, srv, http.MethodDelete, "/collections/c/documents/1", "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["matchedCount"])

	status, body = do(t, srv, http.MethodDelete, "/collections/c/documents/1", "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, body["matchedCount"])
	assert.Nil(t, body["token"])

	status, _ = do(t, srv, http.MethodGet, "/collections/c/documents/1", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestWatch_StreamsPreImages(t *testing.T) {
	srv, e, _ := newTestServer(t, HandlersConfig{})
	ctx := context.Background()
	_, err := e.CreateCollection("c", true)
	require.NoError(t, err)
	_, err = e.Insert(ctx, "c", document.D("_id", int64(1), "a", int64(1)))
	require.NoError(t, err)

	resp, sc := watch(t, srv, "/collections/c/watch?fullDocumentBeforeChange=whenAvailable&maxEvents=2")
	assert.NotEmpty(t, resp.Header.Get("X-Cursor-Id"))

	_, err = e.Update(ctx, "c", int64(1), document.Replacement(document.D("a", int64(2))))
	require.NoError(t, err)
	_, err = e.Delete(ctx, "c", int64(1))
	require.NoError(t, err)

	ev := readLine(t, sc)
	assert.Equal(t, "replace", ev["operationType"])
	assert.EqualValues(t, 1, ev["fullDocumentBeforeChange"].(map[string]any)["a"])
	assert.EqualValues(t, 2, ev["fullDocument"].(map[string]any)["a"])
	replaceToken := ev["_id"].(map[string]any)["_data"].(string)
	assert.Len(t, replaceToken, 16)

	ev = readLine(t, sc)
	assert.Equal(t, "delete", ev["operationType"])
	assert.EqualValues(t, 2, ev["fullDocumentBeforeChange"].(map[string]any)["a"])

	// maxEvents reached
	assert.False(t, sc.Scan())

	status, body := do(t, srv, http.MethodGet, "/collections/c/preimages/"+replaceToken, "")
	require.Equal(t, http.StatusOK, status)
	pre := body["preImage"].(map[string]any)
	assert.EqualValues(t, 1, pre["document"].(map[string]any)["a"])
	assert.Equal(t, replaceToken, pre["operationToken"])
}

func TestWatch_RequiredMissEndsStreamWithError(t *testing.T) {
	srv, e, _ := newTestServer(t, HandlersConfig{})
	ctx := context.Background()
	_, err := e.CreateCollection("c", false)
	require.NoError(t, err)
	_, err = e.Insert(ctx, "c", document.D("_id", int64(1)))
	require.NoError(t, err)

	_, sc := watch(t, srv, "/collections/c/watch?fullDocumentBeforeChange=required")
	_, err = e.Insert(ctx, "c", document.D("_id", int64(2)))
	require.NoError(t, err)
	_, err = e.Delete(ctx, "c", int64(1))
	require.NoError(t, err)

	ev := readLine(t, sc)
	assert.Equal(t, "insert", ev["operationType"])
	_, hasPre := ev["fullDocumentBeforeChange"]
	assert.False(t, hasPre)

	failure := readLine(t, sc)
	assert.EqualValues(t, 0, failure["ok"])
	assert.EqualValues(t, 51770, failure["code"])
	assert.Equal(t, "Location51770", failure["codeName"])
	assert.Contains(t, failure["errmsg"], "pre-image was not found")
	assert.False(t, sc.Scan())
}

func TestWatch_InvalidParameters(t *testing.T) {
	srv, _, _ := newTestServer(t, HandlersConfig{})

	for _, query := range []string{
		"fullDocumentBeforeChange=sometimes",
		"fullDocument=always",
		"startAfter=xyz",
		"maxEvents=0",
		"maxAwaitTimeMS=-1",
	} {
		status, body := do(t, srv, http.MethodGet, "/watch?"+query, "")
		assert.Equal(t, http.StatusBadRequest, status, query)
		assert.Equal(t, "BadValue", body["codeName"], query)
	}
}

func TestWatch_MaxAwaitEndsIdleStream(t *testing.T) {
	srv, _, _ := newTestServer(t, HandlersConfig{})

	_, sc := watch(t, srv, "/watch?maxAwaitTimeMS=50")
	assert.False(t, sc.Scan())
	assert.NoError(t, sc.Err())
}

func TestCursors_ListAndKill(t *testing.T) {
	srv, _, h := newTestServer(t, HandlersConfig{})

	resp, sc := watch(t, srv, "/watch?fullDocumentBeforeChange=required")
	id := resp.Header.Get("X-Cursor-Id")

	status, body := do(t, srv, http.MethodGet, "/cursors", "")
	require.Equal(t, http.StatusOK, status)
	cursors := body["cursors"].([]any)
	require.Len(t, cursors, 1)
	view := cursors[0].(map[string]any)
	assert.Equal(t, id, view["id"])
	assert.Equal(t, "required", view["fullDocumentBeforeChange"])
	assert.Equal(t, "open", view["state"])

	status, _ = do(t, srv, http.MethodDelete, "/cursors/"+id, "")
	require.Equal(t, http.StatusOK, status)
	assert.False(t, sc.Scan())

	status, body = do(t, srv, http.MethodDelete, "/cursors/"+id, "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NoSuchKey", body["codeName"])

	assert.Eventually(t, func() bool {
		n := 0
		h.cursors.Range(func(string, *changestream.Cursor) bool { n++; return true })
		return n == 0
	}, time.Second, 10*time.Millisecond)
}

func TestPreImageLookup_Missing(t *testing.T) {
	srv, e, _ := newTestServer(t, HandlersConfig{})
	_, err := e.CreateCollection("c", true)
	require.NoError(t, err)

	status, body := do(t, srv, http.MethodGet, "/collections/c/preimages/00000000000000ff", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NoSuchKey", body["codeName"])

	status, body = do(t, srv, http.MethodGet, "/collections/c/preimages/nothex", "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "BadValue", body["codeName"])

	status, _ = do(t, srv, http.MethodGet, "/collections/missing/preimages/00000000000000ff", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestStatsAndSinks(t *testing.T) {
	srv, e, _ := newTestServer(t, HandlersConfig{
		Publishers: stubPublishers{{Name: "kafka-orders", Collection: "orders", Mode: "required", Running: true}},
	})
	_, err := e.CreateCollection("c", true)
	require.NoError(t, err)
	_, err = e.Insert(context.Background(), "c", document.D("_id", int64(1)))
	require.NoError(t, err)

	status, body := do(t, srv, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["collections"])
	opl := body["oplog"].(map[string]any)
	assert.Equal(t, opl["firstToken"], opl["lastToken"])

	status, body = do(t, srv, http.MethodGet, "/sinks", "")
	require.Equal(t, http.StatusOK, status)
	sinks := body["sinks"].([]any)
	require.Len(t, sinks, 1)
	assert.Equal(t, "kafka-orders", sinks[0].(map[string]any)["name"])
}
