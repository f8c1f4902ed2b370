package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	trellis "github.com/trellisdb/trellis"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	db, err := trellis.New(trellis.Config{
		Paths:  []string{t.TempDir()},
		Logger: logger,
	})
	require.NoError(t, err)
	require.NoError(t, db.Start(context.Background()))
	t.Cleanup(func() { db.Close() })

	ts := httptest.NewServer(NewServer(db, logger).Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateAndGetNode(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/nodes", `{"id":"doc","content":"hello"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody(t, resp)
	assert.Equal(t, "doc", created["id"])
	assert.Equal(t, "hello", created["content"])
	assert.Equal(t, float64(1), created["version"])

	resp, err := http.Get(ts.URL + "/v1/nodes/doc")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody(t, resp)
	assert.Equal(t, "hello", got["content"])
}

func TestGetMissingNodeIs404(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/v1/nodes/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateContentConflictShipsCurrentState(t *testing.T) {
	ts := newTestServer(t)

	postJSON(t, ts.URL+"/v1/nodes", `{"id":"n","content":"one"}`).Body.Close()

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/v1/nodes/n/content",
		strings.NewReader(`{"expectedVersion":1,"content":"two"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// a stale retry of the same edit conflicts and carries the winner
	req, err = http.NewRequest(http.MethodPut, ts.URL+"/v1/nodes/n/content",
		strings.NewReader(`{"expectedVersion":1,"content":"three"}`))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decodeBody(t, resp)
	current, ok := body["current"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "two", current["content"])
	assert.Equal(t, float64(2), current["version"])
}

func TestChildrenAndStructuralConflict(t *testing.T) {
	ts := newTestServer(t)

	postJSON(t, ts.URL+"/v1/nodes", `{"id":"root","content":"r"}`).Body.Close()
	postJSON(t, ts.URL+"/v1/nodes", `{"id":"a","parentId":"root","content":"a"}`).Body.Close()
	postJSON(t, ts.URL+"/v1/nodes", `{"id":"b","parentId":"root","insertAfter":"a","content":"b"}`).Body.Close()

	resp, err := http.Get(ts.URL + "/v1/nodes/root/children")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var edges []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&edges))
	resp.Body.Close()
	require.Len(t, edges, 2)
	assert.Equal(t, "a", edges[0]["childId"])
	assert.Equal(t, "b", edges[1]["childId"])

	// moving a node under its own descendant is a structural conflict
	postJSON(t, ts.URL+"/v1/nodes", `{"id":"a1","parentId":"a","content":"a1"}`).Body.Close()
	resp = postJSON(t, ts.URL+"/v1/nodes/a/move", `{"newParentId":"a1"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestDeleteSubtree(t *testing.T) {
	ts := newTestServer(t)

	postJSON(t, ts.URL+"/v1/nodes", `{"id":"root","content":"r"}`).Body.Close()
	postJSON(t, ts.URL+"/v1/nodes", `{"id":"kid","parentId":"root","content":"k"}`).Body.Close()

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/nodes/root", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/v1/nodes/kid")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChangesWebsocketReplay(t *testing.T) {
	ts := newTestServer(t)

	postJSON(t, ts.URL+"/v1/nodes", `{"id":"doc","content":"hello"}`).Body.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/changes?from=1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var rec map[string]any
	require.NoError(t, conn.ReadJSON(&rec))
	assert.Equal(t, float64(1), rec["seq"])
	assert.Equal(t, "doc", rec["nodeId"])
	assert.Equal(t, "hello", rec["content"])
}
