package overlay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraken-im/krakencore/message"
)

func newTestOverlay(t *testing.T, client Client) *Overlay {
	t.Helper()
	o := New("alice", Options{
		NewClient: func([]string) Client { return client },
	})
	t.Cleanup(o.Stop)
	return o
}

func TestConnectVerifiesRoundTrip(t *testing.T) {
	client := NewMemoryClient()
	o := newTestOverlay(t, client)

	ok := o.Connect(context.Background(), []string{"mem"})
	assert.True(t, ok)
	assert.True(t, o.Connected())
}

func TestConnectDegradedWhenOverlayDown(t *testing.T) {
	client := NewMemoryClient()
	client.SetFailing(true)
	o := newTestOverlay(t, client)

	ok := o.Connect(context.Background(), []string{"mem"})
	assert.False(t, ok, "verification must fail when every write fails")
	assert.False(t, o.Connected())

	// Degraded, not broken: publishing reports transport unavailable.
	err := o.PublishMessage(context.Background(), &message.Message{ID: "m1", Receiver: "bob"})
	assert.ErrorIs(t, err, ErrTransportUnavailable)
}

func TestPublishMessageSucceedsOnAnyPath(t *testing.T) {
	client := NewMemoryClient()
	o := newTestOverlay(t, client)
	require.True(t, o.Connect(context.Background(), []string{"mem"}))

	// Two of the three redundant paths fail; the direct path still acks.
	client.SetFailPrefix(PathMessages, true)
	client.SetFailPrefix(PathGlobal, true)

	m := &message.Message{
		ID: "m1", Sender: "alice", Receiver: "bob",
		Content: "hello", Timestamp: time.Now().UnixMilli(),
	}
	assert.NoError(t, o.PublishMessage(context.Background(), m))

	raw, err := client.Once(context.Background(), fmt.Sprintf("%s/bob/m1", PathDirect))
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
}

func TestPublishMessageFailsWhenAllPathsFail(t *testing.T) {
	client := NewMemoryClient()
	o := newTestOverlay(t, client)
	require.True(t, o.Connect(context.Background(), []string{"mem"}))

	client.SetFailPrefix(PathMessages, true)
	client.SetFailPrefix(PathGlobal, true)
	client.SetFailPrefix(PathDirect, true)

	m := &message.Message{ID: "m1", Sender: "alice", Receiver: "bob", Timestamp: 1}
	assert.Error(t, o.PublishMessage(context.Background(), m))
}

func TestPublishOmitsPlaintextForEncrypted(t *testing.T) {
	client := NewMemoryClient()
	o := newTestOverlay(t, client)
	require.True(t, o.Connect(context.Background(), []string{"mem"}))

	m := &message.Message{
		ID: "m1", Sender: "alice", Receiver: "bob", Timestamp: 1,
		Encrypted: true, Content: "secret plaintext",
		EncryptedContent: "Y2lwaGVy", IV: "bm9uY2U=",
	}
	require.NoError(t, o.PublishMessage(context.Background(), m))

	raw, err := client.Once(context.Background(), fmt.Sprintf("%s/bob/m1", PathMessages))
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(raw, &wire))
	assert.NotContains(t, wire, "content", "plaintext must never ride the overlay for encrypted sends")
	assert.Equal(t, "Y2lwaGVy", wire["encryptedContent"])
}

func TestSubscribeMessagesObservesAllPaths(t *testing.T) {
	client := NewMemoryClient()
	o := newTestOverlay(t, client)
	require.True(t, o.Connect(context.Background(), []string{"mem"}))

	var mu sync.Mutex
	var count int
	o.SubscribeMessages("bob", func(json.RawMessage) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	sender := newTestOverlay(t, client)
	require.True(t, sender.Connect(context.Background(), []string{"mem"}))

	m := &message.Message{ID: "m1", Sender: "alice", Receiver: "bob", Content: "hi", Timestamp: 1}
	require.NoError(t, sender.PublishMessage(context.Background(), m))

	// All three redundant paths fire; deduplication is the engine's job.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 3
	}, time.Second, 10*time.Millisecond)
}

func TestHeartbeatFailureMarksDisconnected(t *testing.T) {
	client := NewMemoryClient()
	o := newTestOverlay(t, client)
	require.True(t, o.Connect(context.Background(), []string{"mem"}))

	client.SetFailing(true)
	o.checkHealth()
	assert.False(t, o.Connected())

	// Once the overlay recovers, the next health check reconnects.
	client.SetFailing(false)
	o.checkHealth()
	assert.True(t, o.Connected())
}
