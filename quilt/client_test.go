package quilt

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestClient(t *testing.T, serverUrl string, agentId string) *SyncClient {
	t.Helper()
	settings := DefaultClientSettings()
	settings.BackoffInitial = 50 * time.Millisecond
	settings.BackoffMax = 2 * time.Second
	settings.HeartbeatPeriod = 1 * time.Second
	settings.MaxRetries = 3
	settings.DedupWindow = 2 * time.Second

	client, err := NewSyncClient(
		context.Background(),
		serverUrl,
		agentId,
		t.TempDir(),
		NewMergeRegistryWithDefaults(),
		settings,
	)
	assert.Equal(t, err, nil)
	t.Cleanup(client.Close)
	return client
}

func waitForValue(t *testing.T, serverUrl string, resourceUrl string, want string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, body := doGet(t, serverUrl+resourceUrl)
		if resp.StatusCode == http.StatusOK && string(body) == want {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("server value never became %q", want)
}

func TestClientFollowAppliesSnapshot(t *testing.T) {
	_, httpServer := newTestServer(t)
	doPut(t, httpServer.URL+"/doc", "a-1", "ROOT", MergeTypeText, false, []byte("hello"))

	client := newTestClient(t, httpServer.URL, "c")

	changes := make(chan string, 16)
	client.AddChangeCallback(func(resourceUrl string, value []byte, frontier []Version, pending []PendingEntry) {
		changes <- string(value)
	})

	err := client.Follow("/doc", MergeTypeText)
	assert.Equal(t, err, nil)

	select {
	case value := <-changes:
		assert.Equal(t, value, "hello")
	case <-time.After(10 * time.Second):
		t.Fatal("no snapshot observed")
	}
}

func TestClientFollowAppliesTail(t *testing.T) {
	_, httpServer := newTestServer(t)
	doPut(t, httpServer.URL+"/doc", "a-1", "ROOT", MergeTypeText, false, []byte("hello"))

	client := newTestClient(t, httpServer.URL, "c")
	changes := make(chan string, 16)
	client.AddChangeCallback(func(resourceUrl string, value []byte, frontier []Version, pending []PendingEntry) {
		changes <- string(value)
	})
	client.Follow("/doc", MergeTypeText)

	select {
	case <-changes:
	case <-time.After(10 * time.Second):
		t.Fatal("no snapshot observed")
	}

	doPut(t, httpServer.URL+"/doc", "a-2", "a-1", "", true, []byte(`[{"range":[5,5],"content":" world"}]`))

	deadline := time.After(10 * time.Second)
	for {
		select {
		case value := <-changes:
			if value == "hello world" {
				return
			}
		case <-deadline:
			t.Fatal("tail update never applied")
		}
	}
}

func TestClientSubmitText(t *testing.T) {
	_, httpServer := newTestServer(t)
	doPut(t, httpServer.URL+"/doc", "a-1", "ROOT", MergeTypeText, false, []byte("hello"))

	client := newTestClient(t, httpServer.URL, "c")
	changes := make(chan string, 16)
	client.AddChangeCallback(func(resourceUrl string, value []byte, frontier []Version, pending []PendingEntry) {
		changes <- string(value)
	})
	client.Follow("/doc", MergeTypeText)
	select {
	case <-changes:
	case <-time.After(10 * time.Second):
		t.Fatal("no snapshot observed")
	}

	_, err := client.SubmitText("/doc", "hello world")
	assert.Equal(t, err, nil)

	waitForValue(t, httpServer.URL, "/doc", "hello world")

	// the accepted version is the client's own
	resp, _ := doGet(t, httpServer.URL+"/doc")
	assert.Equal(t, resp.Header.Get(headerVersion), "c-1")
}

func TestClientOptimisticView(t *testing.T) {
	_, httpServer := newTestServer(t)
	doPut(t, httpServer.URL+"/doc", "a-1", "ROOT", MergeTypeText, false, []byte("hello"))

	client := newTestClient(t, httpServer.URL, "c")
	changes := make(chan string, 16)
	client.AddChangeCallback(func(resourceUrl string, value []byte, frontier []Version, pending []PendingEntry) {
		changes <- string(value)
	})
	client.Follow("/doc", MergeTypeText)
	select {
	case <-changes:
	case <-time.After(10 * time.Second):
		t.Fatal("no snapshot observed")
	}

	client.SubmitText("/doc", "hello optimistic")

	// the merged view shows the edit whether or not it is acked yet
	value, _, err := client.View("/doc")
	assert.Equal(t, err, nil)
	assert.Equal(t, string(value), "hello optimistic")
}

func TestClientDedupWindow(t *testing.T) {
	_, httpServer := newTestServer(t)
	doPut(t, httpServer.URL+"/doc", "a-1", "ROOT", MergeTypeText, false, []byte("hello"))

	client := newTestClient(t, httpServer.URL, "c")
	client.Follow("/doc", MergeTypeText)

	// identical intents inside the window collapse to one queue entry
	resource, err := client.resource("/doc", MergeTypeText)
	assert.Equal(t, err, nil)
	first, err := resource.outbox.submit(IntentKindText, []byte("same edit"))
	assert.Equal(t, err, nil)
	second, err := resource.outbox.submit(IntentKindText, []byte("same edit"))
	assert.Equal(t, err, nil)
	if resource.outbox.queue.ContainsItemId(first) {
		assert.Equal(t, first, second)
	}
}

func TestClientRebornRecovery(t *testing.T) {
	_, httpServer := newTestServer(t)
	doPut(t, httpServer.URL+"/doc", "a-1", "ROOT", MergeTypeText, false, []byte("hello"))

	client := newTestClient(t, httpServer.URL, "c")
	changes := make(chan string, 64)
	client.AddChangeCallback(func(resourceUrl string, value []byte, frontier []Version, pending []PendingEntry) {
		changes <- string(value)
	})
	client.Follow("/doc", MergeTypeText)
	select {
	case <-changes:
	case <-time.After(10 * time.Second):
		t.Fatal("no snapshot observed")
	}

	// reset the history under the client
	req, _ := http.NewRequest(http.MethodDelete, httpServer.URL+"/doc/history", nil)
	resp, err := http.DefaultClient.Do(req)
	assert.Equal(t, err, nil)
	resp.Body.Close()

	// the client discards state, resubscribes, and the retried intent
	// lands against the fresh frontier
	_, err = client.SubmitText("/doc", "hello reborn")
	assert.Equal(t, err, nil)

	waitForValue(t, httpServer.URL, "/doc", "hello reborn")
}
