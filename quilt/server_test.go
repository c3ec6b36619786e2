package quilt

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestServer(t *testing.T) (*ReplicationServer, *httptest.Server) {
	t.Helper()
	root := t.TempDir()
	store, err := NewResourceStoreWithDefaults(root)
	assert.Equal(t, err, nil)
	blobs, err := NewBlobStore(root)
	assert.Equal(t, err, nil)
	server := NewReplicationServerWithDefaults(store, blobs)
	httpServer := httptest.NewServer(server)
	t.Cleanup(func() {
		httpServer.Close()
		blobs.Close()
	})
	return server, httpServer
}

func doPut(t *testing.T, url string, version string, parents string, mergeType string, patches bool, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(body))
	assert.Equal(t, err, nil)
	req.Header.Set(headerVersion, version)
	if parents != "" {
		req.Header.Set(headerParents, parents)
	}
	if mergeType != "" {
		req.Header.Set(headerMergeType, mergeType)
	}
	if patches {
		req.Header.Set(headerPatches, "true")
		req.Header.Set("Content-Type", "application/json")
	} else {
		req.Header.Set("Content-Type", "text/plain")
	}
	resp, err := http.DefaultClient.Do(req)
	assert.Equal(t, err, nil)
	resp.Body.Close()
	return resp
}

func doGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	assert.Equal(t, err, nil)
	body, err := io.ReadAll(resp.Body)
	assert.Equal(t, err, nil)
	resp.Body.Close()
	return resp, body
}

func TestServerInitialSync(t *testing.T) {
	_, httpServer := newTestServer(t)

	resp := doPut(t, httpServer.URL+"/doc", "a-1", "ROOT", MergeTypeText, false, []byte("hello"))
	assert.Equal(t, resp.StatusCode, http.StatusOK)

	getResp, body := doGet(t, httpServer.URL+"/doc")
	assert.Equal(t, getResp.StatusCode, http.StatusOK)
	assert.Equal(t, string(body), "hello")
	assert.Equal(t, getResp.Header.Get(headerVersion), "a-1")
	assert.Equal(t, getResp.Header.Get(headerMergeType), MergeTypeText)
}

func TestServerLinearEdit(t *testing.T) {
	_, httpServer := newTestServer(t)

	doPut(t, httpServer.URL+"/doc", "a-1", "ROOT", MergeTypeText, false, []byte("hello"))
	resp := doPut(t, httpServer.URL+"/doc", "a-2", "a-1", "", true, []byte(`[{"range":[5,5],"content":" world"}]`))
	assert.Equal(t, resp.StatusCode, http.StatusOK)

	getResp, body := doGet(t, httpServer.URL+"/doc")
	assert.Equal(t, string(body), "hello world")
	assert.Equal(t, getResp.Header.Get(headerVersion), "a-2")
}

func TestServerMissingParent(t *testing.T) {
	_, httpServer := newTestServer(t)

	doPut(t, httpServer.URL+"/doc", "a-1", "ROOT", MergeTypeText, false, []byte("hello"))
	doPut(t, httpServer.URL+"/doc", "a-2", "a-1", "", true, []byte(`[{"range":[5,5],"content":" world"}]`))

	resp := doPut(t, httpServer.URL+"/doc", "b-1", "a-99", "", true, []byte(`[{"range":[0,0],"content":"x"}]`))
	assert.Equal(t, resp.StatusCode, http.StatusConflict)

	// graph unchanged
	_, body := doGet(t, httpServer.URL+"/doc/versions")
	var versions struct {
		Graph    map[string][]string `json:"graph"`
		Frontier []string            `json:"frontier"`
	}
	err := json.Unmarshal(body, &versions)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(versions.Graph), 2)
	assert.Equal(t, versions.Frontier, []string{"a-2"})
}

func TestServerConcurrentEdit(t *testing.T) {
	_, httpServer := newTestServer(t)

	doPut(t, httpServer.URL+"/doc", "a-1", "ROOT", MergeTypeText, false, []byte("hello"))
	doPut(t, httpServer.URL+"/doc", "a-2", "a-1", "", true, []byte(`[{"range":[5,5],"content":" world"}]`))

	// two writers branch from a-2; the server rebases the second
	resp := doPut(t, httpServer.URL+"/doc", "a-3", "a-2", "", true, []byte(`[{"range":[0,0],"content":"A"}]`))
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	resp = doPut(t, httpServer.URL+"/doc", "b-1", "a-2", "", true, []byte(`[{"range":[11,11],"content":"B"}]`))
	assert.Equal(t, resp.StatusCode, http.StatusOK)

	getResp, body := doGet(t, httpServer.URL+"/doc")
	assert.Equal(t, string(body), "Ahello worldB")
	assert.Equal(t, getResp.Header.Get(headerVersion), "a-3, b-1")
}

func TestServerUnknownResource(t *testing.T) {
	_, httpServer := newTestServer(t)
	resp, body := doGet(t, httpServer.URL+"/nowhere")
	assert.Equal(t, resp.StatusCode, http.StatusNotFound)
	assert.Equal(t, len(body), 0)
}

func TestServerUnsupportedMergeType(t *testing.T) {
	_, httpServer := newTestServer(t)
	resp := doPut(t, httpServer.URL+"/doc", "a-1", "ROOT", "centrifuge", false, []byte("hello"))
	assert.Equal(t, resp.StatusCode, http.StatusUnsupportedMediaType)
}

func TestServerMergeTypeMismatch(t *testing.T) {
	_, httpServer := newTestServer(t)

	doPut(t, httpServer.URL+"/doc", "a-1", "ROOT", MergeTypeText, false, []byte("hello"))

	// a later hint that disagrees with the persisted type is rejected,
	// not switched to
	patches := []byte(`[{"op":"add","path":["messages"],"element":{"id":"m1","timestamp":100,"agent":"a","body":"hi"}}]`)
	resp := doPut(t, httpServer.URL+"/doc", "a-2", "a-1", MergeTypeSet, true, patches)
	assert.Equal(t, resp.StatusCode, http.StatusUnsupportedMediaType)

	// the document and its engine are untouched
	getResp, body := doGet(t, httpServer.URL+"/doc")
	assert.Equal(t, string(body), "hello")
	assert.Equal(t, getResp.Header.Get(headerVersion), "a-1")
	assert.Equal(t, getResp.Header.Get(headerMergeType), MergeTypeText)

	// an alias of the persisted type is not a mismatch
	resp = doPut(t, httpServer.URL+"/doc", "a-2", "a-1", MergeTypeAliasSimpleton, true, []byte(`[{"range":[5,5],"content":"!"}]`))
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	_, body = doGet(t, httpServer.URL+"/doc")
	assert.Equal(t, string(body), "hello!")
}

func TestServerMergeTypeAlias(t *testing.T) {
	_, httpServer := newTestServer(t)
	// the transitional alias resolves to the canonical engine
	resp := doPut(t, httpServer.URL+"/doc", "a-1", "ROOT", MergeTypeAliasSimpleton, false, []byte("hello"))
	assert.Equal(t, resp.StatusCode, http.StatusOK)

	getResp, _ := doGet(t, httpServer.URL+"/doc")
	assert.Equal(t, getResp.Header.Get(headerMergeType), MergeTypeText)
}

func TestServerMalformedHeaders(t *testing.T) {
	_, httpServer := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPut, httpServer.URL+"/doc", bytes.NewReader([]byte("hello")))
	// missing Version header
	resp, err := http.DefaultClient.Do(req)
	assert.Equal(t, err, nil)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusBadRequest)

	req, _ = http.NewRequest(http.MethodPut, httpServer.URL+"/doc", bytes.NewReader([]byte("hello")))
	req.Header.Set(headerVersion, "not a version")
	resp, err = http.DefaultClient.Do(req)
	assert.Equal(t, err, nil)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusBadRequest)
}

func TestServerIdempotentRedelivery(t *testing.T) {
	_, httpServer := newTestServer(t)

	doPut(t, httpServer.URL+"/doc", "a-1", "ROOT", MergeTypeText, false, []byte("hello"))
	patch := []byte(`[{"range":[5,5],"content":"!"}]`)
	resp := doPut(t, httpServer.URL+"/doc", "a-2", "a-1", "", true, patch)
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	resp = doPut(t, httpServer.URL+"/doc", "a-2", "a-1", "", true, patch)
	assert.Equal(t, resp.StatusCode, http.StatusOK)

	_, body := doGet(t, httpServer.URL+"/doc")
	assert.Equal(t, string(body), "hello!")
}

func TestServerEmptyPatchList(t *testing.T) {
	_, httpServer := newTestServer(t)

	doPut(t, httpServer.URL+"/doc", "a-1", "ROOT", MergeTypeText, false, []byte("hello"))
	resp := doPut(t, httpServer.URL+"/doc", "a-2", "a-1", "", true, []byte(`[]`))
	assert.Equal(t, resp.StatusCode, http.StatusOK)

	getResp, _ := doGet(t, httpServer.URL+"/doc")
	// advances no version
	assert.Equal(t, getResp.Header.Get(headerVersion), "a-1")
}

func subscribeFrames(t *testing.T, url string) (*bufio.Reader, func()) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	assert.Equal(t, err, nil)
	req.Header.Set(headerSubscribe, "true")
	resp, err := http.DefaultClient.Do(req)
	assert.Equal(t, err, nil)
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	return bufio.NewReader(resp.Body), func() {
		resp.Body.Close()
	}
}

func TestServerSubscribeSnapshotThenPatches(t *testing.T) {
	_, httpServer := newTestServer(t)

	doPut(t, httpServer.URL+"/doc", "a-1", "ROOT", MergeTypeText, false, []byte("hello"))

	reader, closeSub := subscribeFrames(t, httpServer.URL+"/doc")
	defer closeSub()

	first, err := ReadFrame(reader)
	assert.Equal(t, err, nil)
	assert.Equal(t, first.IsSnapshot(), true)
	assert.Equal(t, string(first.State), "hello")
	assert.Equal(t, first.Version, NewVersion("a", 1))

	doPut(t, httpServer.URL+"/doc", "a-2", "a-1", "", true, []byte(`[{"range":[5,5],"content":" world"}]`))

	second, err := ReadFrame(reader)
	assert.Equal(t, err, nil)
	assert.Equal(t, second.IsSnapshot(), false)
	assert.Equal(t, second.Version, NewVersion("a", 2))
	patches, err := ParseTextPatches(second.Patches)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(patches), 1)
	assert.Equal(t, patches[0].Content, " world")
}

func TestServerReborn(t *testing.T) {
	_, httpServer := newTestServer(t)

	doPut(t, httpServer.URL+"/doc", "a-1", "ROOT", MergeTypeText, false, []byte("hello"))

	reader, closeSub := subscribeFrames(t, httpServer.URL+"/doc")
	defer closeSub()
	first, err := ReadFrame(reader)
	assert.Equal(t, err, nil)
	assert.Equal(t, first.IsSnapshot(), true)

	// administrative reset
	req, _ := http.NewRequest(http.MethodDelete, httpServer.URL+"/doc/history", nil)
	resp, err := http.DefaultClient.Do(req)
	assert.Equal(t, err, nil)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)

	// the subscriber sees a single 309 frame before the next snapshot
	rebornFrame, err := ReadFrame(reader)
	assert.Equal(t, err, nil)
	assert.Equal(t, rebornFrame.IsReborn(), true)

	snapshotFrame, err := ReadFrame(reader)
	assert.Equal(t, err, nil)
	assert.Equal(t, snapshotFrame.IsSnapshot(), true)
	assert.Equal(t, string(snapshotFrame.State), "hello")

	// a PUT with stale parents is told to be reborn
	staleResp := doPut(t, httpServer.URL+"/doc", "a-2", "a-1", "", true, []byte(`[{"range":[0,0],"content":"x"}]`))
	assert.Equal(t, staleResp.StatusCode, StatusReborn)

	// retrying with discarded state succeeds
	freshResp := doPut(t, httpServer.URL+"/doc", "a-2", "ROOT", MergeTypeText, false, []byte("hello again"))
	assert.Equal(t, freshResp.StatusCode, http.StatusOK)
}

func TestServerRebornReplaceValue(t *testing.T) {
	_, httpServer := newTestServer(t)

	doPut(t, httpServer.URL+"/doc", "a-1", "ROOT", MergeTypeText, false, []byte("hello"))

	// a reset body replaces the value along with dropping the history
	req, _ := http.NewRequest(http.MethodDelete, httpServer.URL+"/doc/history", bytes.NewReader([]byte("fresh start")))
	req.Header.Set("Content-Type", "text/plain")
	resp, err := http.DefaultClient.Do(req)
	assert.Equal(t, err, nil)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)

	getResp, body := doGet(t, httpServer.URL+"/doc")
	assert.Equal(t, string(body), "fresh start")
	assert.Equal(t, getResp.Header.Get(headerVersion), RootToken)
}

func TestServerBlobAttach(t *testing.T) {
	_, httpServer := newTestServer(t)

	resp, err := http.Post(httpServer.URL+"/blob", "text/plain", bytes.NewReader([]byte("xyz")))
	assert.Equal(t, err, nil)
	var putResult map[string]string
	err = json.NewDecoder(resp.Body).Decode(&putResult)
	resp.Body.Close()
	assert.Equal(t, err, nil)

	sum := sha256.Sum256([]byte("xyz"))
	hash := hex.EncodeToString(sum[:])
	assert.Equal(t, putResult["hash"], hash)

	getResp, body := doGet(t, httpServer.URL+"/blob/"+hash)
	assert.Equal(t, getResp.StatusCode, http.StatusOK)
	assert.Equal(t, string(body), "xyz")
	assert.Equal(t, getResp.Header.Get("Content-Type"), "text/plain")

	// same bytes, same hash
	resp, err = http.Post(httpServer.URL+"/blob", "text/plain", bytes.NewReader([]byte("xyz")))
	assert.Equal(t, err, nil)
	var again map[string]string
	json.NewDecoder(resp.Body).Decode(&again)
	resp.Body.Close()
	assert.Equal(t, again["hash"], hash)
}

func TestServerSetResource(t *testing.T) {
	_, httpServer := newTestServer(t)

	patches := []byte(`[{"op":"add","path":["messages"],"element":{"id":"m1","timestamp":100,"agent":"a","body":"hi"}}]`)
	resp := doPut(t, httpServer.URL+"/chat", "a-1", "ROOT", MergeTypeSet, true, patches)
	assert.Equal(t, resp.StatusCode, http.StatusOK)

	getResp, body := doGet(t, httpServer.URL+"/chat")
	assert.Equal(t, getResp.StatusCode, http.StatusOK)
	assert.Equal(t, getResp.Header.Get(headerMergeType), MergeTypeSet)
	var value map[string]map[string]map[string]any
	err := json.Unmarshal(body, &value)
	assert.Equal(t, err, nil)
	assert.Equal(t, value["messages"]["m1"]["body"], "hi")
}

func TestServerSubscriberOrdering(t *testing.T) {
	_, httpServer := newTestServer(t)

	doPut(t, httpServer.URL+"/doc", "a-1", "ROOT", MergeTypeText, false, []byte(""))

	reader, closeSub := subscribeFrames(t, httpServer.URL+"/doc")
	defer closeSub()
	_, err := ReadFrame(reader)
	assert.Equal(t, err, nil)

	previous := "a-1"
	for i := 2; i <= 6; i += 1 {
		version := NewVersion("a", uint64(i))
		resp := doPut(t, httpServer.URL+"/doc", version.String(), previous, "", true, []byte(`[{"range":[0,0],"content":"x"}]`))
		assert.Equal(t, resp.StatusCode, http.StatusOK)
		previous = version.String()
	}

	// updates arrive exactly once, in write order
	for i := 2; i <= 6; i += 1 {
		frame, err := ReadFrame(reader)
		assert.Equal(t, err, nil)
		assert.Equal(t, frame.Version, NewVersion("a", uint64(i)))
	}
}

func TestServerRateLimit(t *testing.T) {
	root := t.TempDir()
	store, err := NewResourceStoreWithDefaults(root)
	assert.Equal(t, err, nil)
	settings := DefaultServerSettings()
	settings.WriteRateLimit = 1
	settings.WriteRateBurst = 2
	server := NewReplicationServer(store, nil, NewMergeRegistryWithDefaults(), settings)
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	statuses := map[int]int{}
	previous := "ROOT"
	for i := 1; i <= 6; i += 1 {
		version := NewVersion("a", uint64(i))
		resp := doPut(t, httpServer.URL+"/doc", version.String(), previous, MergeTypeText, false, []byte("v"))
		statuses[resp.StatusCode] += 1
		if resp.StatusCode == http.StatusOK {
			previous = version.String()
		}
	}
	assert.NotEqual(t, statuses[http.StatusTooManyRequests], 0)

	// the limiter refills
	time.Sleep(1100 * time.Millisecond)
	resp := doPut(t, httpServer.URL+"/doc", "a-9", previous, "", false, []byte("v"))
	assert.Equal(t, resp.StatusCode, http.StatusOK)
}
