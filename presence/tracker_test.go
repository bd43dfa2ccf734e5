package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraken-im/krakencore/overlay"
)

func newTestTracker(t *testing.T, identity string, client *overlay.MemoryClient) *Tracker {
	t.Helper()

	ov := overlay.New(identity, overlay.Options{
		NewClient: func([]string) overlay.Client { return client },
	})
	require.True(t, ov.Connect(context.Background(), []string{"mem"}))
	t.Cleanup(ov.Stop)

	tracker := NewTracker(identity, ov)
	t.Cleanup(tracker.Stop)
	return tracker
}

func presenceRaw(t *testing.T, rec Record) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	return raw
}

func TestAnnounceWritesRecord(t *testing.T) {
	client := overlay.NewMemoryClient()
	tracker := newTestTracker(t, "alice", client)
	tracker.Start()

	raw, err := client.Once(context.Background(), "kraken_presence/alice")
	require.NoError(t, err)

	var rec Record
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.True(t, rec.Online)
	assert.Equal(t, "alice", rec.Address)
	assert.Positive(t, rec.LastSeen)
}

func TestFreshPeerReportedOnline(t *testing.T) {
	tracker := newTestTracker(t, "alice", overlay.NewMemoryClient())

	tracker.handleRecord("bob", presenceRaw(t, Record{
		Address: "bob", Online: true, LastSeen: time.Now().UnixMilli(),
	}))

	assert.Equal(t, []string{"bob"}, tracker.OnlineUsers())
}

func TestStaleHeartbeatReportedOffline(t *testing.T) {
	tracker := newTestTracker(t, "alice", overlay.NewMemoryClient())

	// online flag set, but the heartbeat is 130 seconds old: past the
	// 120-second liveness window.
	stale := time.Now().Add(-130 * time.Second).UnixMilli()
	tracker.handleRecord("bob", presenceRaw(t, Record{
		Address: "bob", Online: true, LastSeen: stale,
	}))

	assert.Empty(t, tracker.OnlineUsers())
}

func TestOfflineRecordRemovesPeer(t *testing.T) {
	tracker := newTestTracker(t, "alice", overlay.NewMemoryClient())

	now := time.Now().UnixMilli()
	tracker.handleRecord("bob", presenceRaw(t, Record{Address: "bob", Online: true, LastSeen: now}))
	require.Equal(t, []string{"bob"}, tracker.OnlineUsers())

	tracker.handleRecord("bob", presenceRaw(t, Record{Address: "bob", Online: false, LastSeen: now}))
	assert.Empty(t, tracker.OnlineUsers())
}

func TestSelfRecordsIgnored(t *testing.T) {
	tracker := newTestTracker(t, "alice", overlay.NewMemoryClient())

	tracker.handleRecord("alice", presenceRaw(t, Record{
		Address: "alice", Online: true, LastSeen: time.Now().UnixMilli(),
	}))

	assert.Empty(t, tracker.OnlineUsers())
}

func TestCallbacksFireOnlyOnTransitions(t *testing.T) {
	tracker := newTestTracker(t, "alice", overlay.NewMemoryClient())

	var mu sync.Mutex
	var notifications int
	tracker.OnChange(func([]string) {
		mu.Lock()
		notifications++
		mu.Unlock()
	})

	fresh := Record{Address: "bob", Online: true, LastSeen: time.Now().UnixMilli()}
	tracker.handleRecord("bob", presenceRaw(t, fresh))
	tracker.handleRecord("bob", presenceRaw(t, fresh))
	tracker.handleRecord("bob", presenceRaw(t, fresh))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, notifications, "repeated online updates must not re-notify")
}

func TestPeersObserveEachOther(t *testing.T) {
	client := overlay.NewMemoryClient()
	alice := newTestTracker(t, "alice", client)
	bob := newTestTracker(t, "bob", client)

	alice.Start()
	bob.Start()

	require.Eventually(t, func() bool {
		return len(alice.OnlineUsers()) == 1 && alice.OnlineUsers()[0] == "bob"
	}, 2*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(bob.OnlineUsers()) == 1 && bob.OnlineUsers()[0] == "alice"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestMalformedPresenceIgnored(t *testing.T) {
	tracker := newTestTracker(t, "alice", overlay.NewMemoryClient())
	tracker.handleRecord("bob", json.RawMessage(`{{{not json`))
	assert.Empty(t, tracker.OnlineUsers())
}
