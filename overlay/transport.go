package overlay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kraken-im/krakencore/message"
)

const (
	// connectAttempts is how many write/read-back verifications are
	// tried before the overlay is left in a degraded state.
	connectAttempts = 3
	// verifyTimeout bounds each connection-verification round trip.
	verifyTimeout = 10 * time.Second
	// publishTimeout bounds each of the redundant publish writes.
	publishTimeout = 10 * time.Second
	// largePeerSet is the threshold above which periodic rediscovery
	// reconnects to adapt to a grown relay landscape.
	largePeerSet = 10

	defaultHealthInterval      = 30 * time.Second
	defaultRediscoveryInterval = 3 * time.Minute
)

// Options configures an Overlay.
type Options struct {
	// Candidates are the relay endpoints probed during discovery.
	// Empty means DefaultRelayCandidates.
	Candidates []string
	// Fallback relays are always included in the peer set. Empty means
	// DefaultFallbackRelays.
	Fallback []string
	// NewClient builds the overlay client for a discovered peer set.
	// Nil means NewRelayClient. Tests inject MemoryClient here.
	NewClient func(peers []string) Client
	// HealthInterval is the connection monitoring period.
	HealthInterval time.Duration
	// RediscoveryInterval is the peer rediscovery period.
	RediscoveryInterval time.Duration
}

// wireMessage is the payload shape written to the overlay. Plaintext is
// included only for unencrypted sends; encrypted sends carry ciphertext
// and IV instead. Local-only fields (status, decrypted) never leave the
// process.
type wireMessage struct {
	ID               string `json:"id"`
	Sender           string `json:"sender"`
	Receiver         string `json:"receiver"`
	Timestamp        int64  `json:"timestamp"`
	Encrypted        bool   `json:"encrypted"`
	Content          string `json:"content,omitempty"`
	EncryptedContent string `json:"encryptedContent,omitempty"`
	IV               string `json:"iv,omitempty"`
}

type heartbeatRecord struct {
	Heartbeat int64  `json:"heartbeat"`
	User      string `json:"user"`
}

// Overlay manages the gossip transport for one identity: discovery,
// verified connection, redundant publish, subscriptions, and the
// health/rediscovery loops. A failed connection leaves the overlay
// degraded but constructed; the engine keeps working locally.
type Overlay struct {
	mu        sync.RWMutex
	opts      Options
	identity  string
	client    Client
	connected bool
	peers     []string
	cancels   []func()

	stopCh   chan struct{}
	stopOnce sync.Once
	started  bool
}

// New creates an Overlay for the given identity.
func New(identity string, opts Options) *Overlay {
	if opts.NewClient == nil {
		opts.NewClient = func(peers []string) Client { return NewRelayClient(peers) }
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = defaultHealthInterval
	}
	if opts.RediscoveryInterval <= 0 {
		opts.RediscoveryInterval = defaultRediscoveryInterval
	}
	return &Overlay{
		opts:     opts,
		identity: identity,
		stopCh:   make(chan struct{}),
	}
}

// Discover probes the candidate relay list and returns the live set
// merged with the fallback set. The result is never empty.
func (o *Overlay) Discover(ctx context.Context) []string {
	return DiscoverPeers(ctx, o.opts.Candidates, o.opts.Fallback)
}

// Connect initializes the overlay client with the discovered peer set
// and verifies the connection by round-tripping uniquely keyed test
// records. It reports whether the overlay is healthy; on false the
// overlay stays degraded but usable for later reconnection.
func (o *Overlay) Connect(ctx context.Context, peers []string) bool {
	client := o.opts.NewClient(peers)

	o.mu.Lock()
	o.client = client
	o.peers = peers
	o.connected = false
	o.mu.Unlock()

	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if o.verifyConnection(ctx, client, attempt) {
			o.mu.Lock()
			o.connected = true
			o.mu.Unlock()

			logrus.WithFields(logrus.Fields{
				"function": "Connect",
				"attempt":  attempt,
				"peers":    len(peers),
			}).Info("Overlay connection verified")
			return true
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"attempts": connectAttempts,
	}).Warn("Overlay connection could not be verified, continuing degraded")
	return false
}

// verifyConnection writes a uniquely keyed test record and reads it
// back within the verification budget.
func (o *Overlay) verifyConnection(ctx context.Context, client Client, attempt int) bool {
	verifyCtx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	nonce := time.Now().UnixNano()
	testPath := fmt.Sprintf("%s/%s-%d-%d", PathTest, o.identity, nonce, attempt)
	record := map[string]any{
		"test":    nonce,
		"user":    o.identity,
		"attempt": attempt,
	}

	if err := client.Put(verifyCtx, testPath, record); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "verifyConnection",
			"attempt":  attempt,
			"error":    err.Error(),
		}).Debug("Verification write failed")
		return false
	}

	raw, err := client.Once(verifyCtx, testPath)
	if err != nil || len(raw) == 0 {
		return false
	}

	var echoed struct {
		Test int64 `json:"test"`
	}
	if err := json.Unmarshal(raw, &echoed); err != nil {
		return false
	}
	return echoed.Test == nonce
}

// Connected reports whether the overlay passed connection verification
// and has not since failed a health check.
func (o *Overlay) Connected() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.connected
}

// Peers returns the current relay peer set.
func (o *Overlay) Peers() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, len(o.peers))
	copy(out, o.peers)
	return out
}

func (o *Overlay) currentClient() Client {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.client
}

// PutRecord writes a record through the overlay client.
func (o *Overlay) PutRecord(ctx context.Context, path string, value any) error {
	client := o.currentClient()
	if client == nil {
		return ErrTransportUnavailable
	}
	return client.Put(ctx, path, value)
}

// ReadRecord performs a one-shot read through the overlay client.
func (o *Overlay) ReadRecord(ctx context.Context, path string) (json.RawMessage, error) {
	client := o.currentClient()
	if client == nil {
		return nil, ErrTransportUnavailable
	}
	return client.Once(ctx, path)
}

// SubscribeChildren registers a continuous child listener and tracks
// its cancellation for Stop.
func (o *Overlay) SubscribeChildren(path string, fn func(child string, value json.RawMessage)) func() {
	client := o.currentClient()
	if client == nil {
		return func() {}
	}

	cancel := client.Subscribe(path, fn)
	o.mu.Lock()
	o.cancels = append(o.cancels, cancel)
	o.mu.Unlock()
	return cancel
}

// PublishMessage writes the message payload to three redundant logical
// paths: the recipient's private inbox, a recipient-addressed entry in
// the global broadcast namespace, and a direct per-recipient path. The
// publish succeeds as soon as any one write acknowledges and fails only
// when all three fail.
func (o *Overlay) PublishMessage(ctx context.Context, m *message.Message) error {
	o.mu.RLock()
	client := o.client
	connected := o.connected
	o.mu.RUnlock()

	if client == nil || !connected {
		return ErrTransportUnavailable
	}

	payload := wireMessage{
		ID:        m.ID,
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Timestamp: m.Timestamp,
		Encrypted: m.Encrypted,
	}
	if m.Encrypted {
		payload.EncryptedContent = m.EncryptedContent
		payload.IV = m.IV
	} else {
		payload.Content = m.Content
	}

	paths := []string{
		fmt.Sprintf("%s/%s/%s", PathMessages, m.Receiver, m.ID),
		fmt.Sprintf("%s/%s", PathGlobal, m.ID),
		fmt.Sprintf("%s/%s/%s", PathDirect, m.Receiver, m.ID),
	}

	results := make(chan error, len(paths))
	for _, path := range paths {
		go func(path string) {
			writeCtx, cancel := context.WithTimeout(ctx, publishTimeout)
			defer cancel()
			results <- client.Put(writeCtx, path, payload)
		}(path)
	}

	var errs []error
	for range paths {
		err := <-results
		if err == nil {
			logrus.WithFields(logrus.Fields{
				"function":   "PublishMessage",
				"message_id": m.ID,
				"receiver":   m.Receiver,
			}).Debug("Message published")
			return nil
		}
		errs = append(errs, err)
	}

	return fmt.Errorf("all publish paths failed for %s: %w", m.ID, errors.Join(errs...))
}

// SubscribeMessages registers listeners on the three redundant message
// paths for an identity. Each listener may observe the same message;
// the caller deduplicates by message id and filters the broadcast
// namespace by receiver.
func (o *Overlay) SubscribeMessages(identity string, fn func(raw json.RawMessage)) {
	deliver := func(_ string, raw json.RawMessage) { fn(raw) }

	o.SubscribeChildren(fmt.Sprintf("%s/%s", PathMessages, identity), deliver)
	o.SubscribeChildren(PathGlobal, deliver)
	o.SubscribeChildren(fmt.Sprintf("%s/%s", PathDirect, identity), deliver)
}

// Start launches the connection health and peer rediscovery loops.
func (o *Overlay) Start() {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.mu.Unlock()

	go o.healthLoop()
	go o.rediscoveryLoop()
}

func (o *Overlay) healthLoop() {
	ticker := time.NewTicker(o.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.checkHealth()
		}
	}
}

// checkHealth reconnects when down, or writes a heartbeat record as a
// liveness probe when up, marking the overlay disconnected if the
// write fails.
func (o *Overlay) checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), verifyTimeout)
	defer cancel()

	if !o.Connected() {
		o.mu.RLock()
		peers := o.peers
		o.mu.RUnlock()
		if len(peers) > 0 {
			o.Connect(ctx, peers)
		}
		return
	}

	record := heartbeatRecord{Heartbeat: time.Now().UnixMilli(), User: o.identity}
	path := fmt.Sprintf("%s/%s", PathHeartbeat, o.identity)
	if err := o.PutRecord(ctx, path, record); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "checkHealth",
			"error":    err.Error(),
		}).Warn("Heartbeat write failed, marking overlay disconnected")

		o.mu.Lock()
		o.connected = false
		o.mu.Unlock()
	}
}

func (o *Overlay) rediscoveryLoop() {
	ticker := time.NewTicker(o.opts.RediscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), probeTimeout+verifyTimeout)
			peers := o.Discover(ctx)
			if !o.Connected() || len(peers) > largePeerSet {
				o.Connect(ctx, peers)
			}
			cancel()
		}
	}
}

// Stop shuts down the loops and detaches every subscription. Safe to
// call multiple times.
func (o *Overlay) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })

	o.mu.Lock()
	cancels := o.cancels
	o.cancels = nil
	client := o.client
	o.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if relay, ok := client.(*RelayClient); ok {
		relay.Close()
	}
}
