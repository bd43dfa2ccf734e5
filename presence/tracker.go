// Package presence implements liveness heartbeat publication and
// online-set tracking over the overlay.
//
// A peer is considered effectively online only while its latest record
// reports online AND its last heartbeat falls inside the liveness
// window; the conjunction is derived at observation time, never stored.
// Presence feeds UI hints only and is never used for correctness
// decisions.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kraken-im/krakencore/overlay"
)

const (
	// LivenessWindow is the presence TTL: heartbeats older than this
	// mark the peer offline regardless of its stored online flag.
	LivenessWindow = 120 * time.Second

	// HeartbeatInterval is how often our own presence is announced.
	HeartbeatInterval = 30 * time.Second

	announceTimeout = 5 * time.Second
)

// Record is the per-identity presence payload written to the overlay.
type Record struct {
	Address  string `json:"address"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"lastSeen"`
}

// Callback receives the full online set after every transition.
type Callback func(online []string)

// Tracker maintains the online set for one session.
type Tracker struct {
	mu        sync.RWMutex
	identity  string
	ov        *overlay.Overlay
	online    map[string]struct{}
	callbacks []Callback
	cancel    func()
	stopCh    chan struct{}
	stopOnce  sync.Once
	started   bool
}

// NewTracker creates a presence tracker for an identity.
func NewTracker(identity string, ov *overlay.Overlay) *Tracker {
	return &Tracker{
		identity: strings.ToLower(identity),
		ov:       ov,
		online:   make(map[string]struct{}),
		stopCh:   make(chan struct{}),
	}
}

// OnChange registers a callback fired on every online-set transition.
func (t *Tracker) OnChange(cb Callback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}

// Start announces presence immediately, subscribes to all peers'
// presence records, and begins the heartbeat loop.
func (t *Tracker) Start() {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	t.Announce()

	t.cancel = t.ov.SubscribeChildren(overlay.PathPresence, t.handleRecord)

	go t.heartbeatLoop()
}

func (t *Tracker) heartbeatLoop() {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.Announce()
		}
	}
}

// Announce writes an online presence record for our identity.
func (t *Tracker) Announce() {
	ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
	defer cancel()

	record := Record{
		Address:  t.identity,
		Online:   true,
		LastSeen: time.Now().UnixMilli(),
	}

	path := fmt.Sprintf("%s/%s", overlay.PathPresence, t.identity)
	if err := t.ov.PutRecord(ctx, path, record); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Announce",
			"identity": t.identity,
			"error":    err.Error(),
		}).Debug("Presence announce failed")
	}
}

// handleRecord processes one observed presence record, updating the
// online set and notifying subscribers only on transitions.
func (t *Tracker) handleRecord(child string, raw json.RawMessage) {
	address := strings.ToLower(child)
	if address == "" || address == t.identity {
		return
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleRecord",
			"child":    child,
		}).Debug("Ignoring malformed presence record")
		return
	}

	alive := rec.Online && time.Since(time.UnixMilli(rec.LastSeen)) < LivenessWindow

	t.mu.Lock()
	_, wasOnline := t.online[address]
	changed := false
	if alive && !wasOnline {
		t.online[address] = struct{}{}
		changed = true
	} else if !alive && wasOnline {
		delete(t.online, address)
		changed = true
	}
	callbacks := t.callbacks
	var snapshot []string
	if changed {
		snapshot = t.onlineLocked()
	}
	t.mu.Unlock()

	if !changed {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleRecord",
		"address":  address,
		"online":   alive,
	}).Info("Presence transition")

	for _, cb := range callbacks {
		cb(snapshot)
	}
}

func (t *Tracker) onlineLocked() []string {
	out := make([]string, 0, len(t.online))
	for address := range t.online {
		out = append(out, address)
	}
	sort.Strings(out)
	return out
}

// OnlineUsers returns the current online set, sorted.
func (t *Tracker) OnlineUsers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.onlineLocked()
}

// MarkOffline writes a best-effort offline record. Peers are not
// guaranteed to observe it; their TTL handling covers silent departure.
func (t *Tracker) MarkOffline() {
	ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
	defer cancel()

	record := Record{
		Address:  t.identity,
		Online:   false,
		LastSeen: time.Now().UnixMilli(),
	}

	path := fmt.Sprintf("%s/%s", overlay.PathPresence, t.identity)
	if err := t.ov.PutRecord(ctx, path, record); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "MarkOffline",
			"error":    err.Error(),
		}).Debug("Offline announce failed")
	}
}

// Stop ends the heartbeat loop and detaches the presence subscription.
// Safe to call multiple times.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
