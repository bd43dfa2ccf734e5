package overlay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryClientPutOnce(t *testing.T) {
	client := NewMemoryClient()
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

func TestMemoryClientOnceMissing(t *testing.T) {
	client := NewMemoryClient()
	_, err := client.Once(context.Background(), "kraken_keys/nobody")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestMemoryClientSubscribeDeliversChildren(t *testing.T) {
	client := NewMemoryClient()
	ctx := context.Background()

	var mu sync.Mutex
	received := make(map[string]bool)

	cancel := client.Subscribe("kraken_messages/bob", func(child string, _ json.RawMessage) {
		mu.Lock()
		received[child] = true
		mu.Unlock()
	})
	defer cancel()

	require.NoError(t, client.Put(ctx, "kraken_messages/bob/m1", map[string]any{"id": "m1"}))
	require.NoError(t, client.Put(ctx, "kraken_messages/carol/m2", map[string]any{"id": "m2"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received["m1"]
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, received["m2"], "other identities' inboxes must not leak")
}

func TestMemoryClientSubscribeReplaysExisting(t *testing.T) {
	client := NewMemoryClient()
	ctx := context.Background()

	require.NoError(t, client.Put(ctx, "kraken_presence/alice", map[string]any{"online": true}))

	var mu sync.Mutex
	var children []string
	cancel := client.Subscribe("kraken_presence", func(child string, _ json.RawMessage) {
		mu.Lock()
		children = append(children, child)
		mu.Unlock()
	})
	defer cancel()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(children) == 1 && children[0] == "alice"
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryClientFailureInjection(t *testing.T) {
	client := NewMemoryClient()
	ctx := context.Background()

	client.SetFailing(true)
	assert.Error(t, client.Put(ctx, "kraken_test/x", map[string]any{}))
	assert.Error(t, client.Ping(ctx))

	client.SetFailing(false)
	assert.NoError(t, client.Put(ctx, "kraken_test/x", map[string]any{}))

	client.SetFailPrefix("kraken_global", true)
	assert.Error(t, client.Put(ctx, "kraken_global/m1", map[string]any{}))
	assert.NoError(t, client.Put(ctx, "kraken_direct/bob/m1", map[string]any{}))
}
