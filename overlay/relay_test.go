package overlay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRelay implements the minimal relay key-value protocol in memory.
type fakeRelay struct {
	mu      sync.Mutex
	records map[string][]byte
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{records: make(map[string][]byte)}
}

func (f *fakeRelay) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/kv/") {
			w.WriteHeader(http.StatusOK)
			return
		}
		path, err := url.PathUnescape(strings.TrimPrefix(r.URL.Path, "/kv/"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		f.mu.Lock()
		defer f.mu.Unlock()

		switch r.Method {
		case http.MethodPut:
			var body json.RawMessage
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f.records[path] = body
			w.WriteHeader(http.StatusNoContent)

		case http.MethodGet:
			if r.URL.Query().Get("children") == "1" {
				children := make(map[string]json.RawMessage)
				prefix := path + "/"
				for recPath, raw := range f.records {
					if !strings.HasPrefix(recPath, prefix) {
						continue
					}
					child := strings.TrimPrefix(recPath, prefix)
					if !strings.Contains(child, "/") {
						children[child] = raw
					}
				}
				json.NewEncoder(w).Encode(children)
				return
			}
			raw, ok := f.records[path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(raw)

		default:
			w.WriteHeader(http.StatusOK)
		}
	})
}

func TestRelayClientPutOnce(t *testing.T) {
	server := httptest.NewServer(newFakeRelay().handler())
	defer server.Close()

	client := NewRelayClient([]string{server.URL})
	ctx := context.Background()

	require.NoError(t, client.Put(ctx, "kraken_keys/alice", map[string]any{"publicKey": "abc"}))

	raw, err := client.Once(ctx, "kraken_keys/alice")
	require.NoError(t, err)

	var rec struct {
		PublicKey string `json:"publicKey"`
	}
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, "abc", rec.PublicKey)
}

func TestRelayClientFailsOverToSecondEndpoint(t *testing.T) {
	server := httptest.NewServer(newFakeRelay().handler())
	defer server.Close()

	client := NewRelayClient([]string{"http://127.0.0.1:1", server.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assert.NoError(t, client.Put(ctx, "kraken_test/x", map[string]any{"test": 1}))
	assert.NoError(t, client.Ping(ctx))
}

func TestRelayClientOnceNotFound(t *testing.T) {
	server := httptest.NewServer(newFakeRelay().handler())
	defer server.Close()

	client := NewRelayClient([]string{server.URL})
	_, err := client.Once(context.Background(), "kraken_keys/nobody")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestRelayClientSubscribePollsChildren(t *testing.T) {
	relay := newFakeRelay()
	server := httptest.NewServer(relay.handler())
	defer server.Close()

	client := NewRelayClient([]string{server.URL})
	client.pollInterval = 20 * time.Millisecond
	defer client.Close()

	var mu sync.Mutex
	received := make(map[string]bool)
	client.Subscribe("kraken_messages/bob", func(child string, _ json.RawMessage) {
		mu.Lock()
		received[child] = true
		mu.Unlock()
	})

	require.NoError(t, client.Put(context.Background(), "kraken_messages/bob/m1", map[string]any{"id": "m1"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received["m1"]
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDiscoverPeersStrictLiveness(t *testing.T) {
	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot) // any response counts as live
	}))
	defer live.Close()

	dead := "http://127.0.0.1:1"
	fallback := []string{"https://fallback.example"}

	peers := DiscoverPeers(context.Background(), []string{live.URL, dead}, fallback)

	assert.Contains(t, peers, live.URL)
	assert.NotContains(t, peers, dead, "transport-level errors are not counted as live")
	assert.Contains(t, peers, fallback[0], "fallback set is always included")
}

func TestDiscoverPeersNeverEmpty(t *testing.T) {
	peers := DiscoverPeers(context.Background(), []string{"http://127.0.0.1:1"}, nil)
	assert.NotEmpty(t, peers, "overlay must never initialize with zero peers")
}
