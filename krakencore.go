package krakencore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kraken-im/krakencore/crypto"
	"github.com/kraken-im/krakencore/keys"
	"github.com/kraken-im/krakencore/message"
	"github.com/kraken-im/krakencore/overlay"
	"github.com/kraken-im/krakencore/presence"
	"github.com/kraken-im/krakencore/queue"
	"github.com/kraken-im/krakencore/storage"
)

// pendingPlaceholder is stored as the visible content of a message that
// could not be decrypted yet. The encrypted payload is never exposed as
// plaintext.
const pendingPlaceholder = "Ephemeral Message: No Longer Available"

// opTimeout bounds each engine-level overlay interaction. Individual
// writes inside a publish carry their own tighter budgets.
const opTimeout = 15 * time.Second

// MessageCallback receives every accepted unique inbound message and
// every queued-message status resolution.
type MessageCallback func(m *message.Message)

// PresenceCallback receives the full online set on every transition.
type PresenceCallback func(online []string)

// ConnectionInfo reports per-transport connectivity.
type ConnectionInfo struct {
	Overlay bool `json:"overlay"`
}

// Messenger is the messaging engine for one identity session. It owns
// the lifecycle of the overlay transport, key manager, presence
// tracker, message store, and retry queues. Construct with New,
// activate with Initialize, tear down with Destroy.
type Messenger struct {
	mu   sync.RWMutex
	opts *Options

	identity   string
	store      *storage.Store
	ov         *overlay.Overlay
	keyMgr     *keys.Manager
	tracker    *presence.Tracker
	delivery   *queue.DeliveryQueue
	decryption *queue.DecryptionRetryQueue

	msgCallbacks      []MessageCallback
	presenceCallbacks []PresenceCallback

	initialized bool
	stopCh      chan struct{}
}

// New creates an inactive Messenger with the given options.
func New(opts *Options) *Messenger {
	if opts == nil {
		opts = NewOptions()
	}
	return &Messenger{opts: opts}
}

// Initialize brings the session up for an identity: loads local state,
// discovers relays, connects and verifies the overlay, ensures the
// identity key pair exists, publishes the public key, wires message and
// presence subscriptions, and starts the periodic timers. It never
// fails: every internal error is logged and the engine continues in a
// degraded, offline-capable state.
func (e *Messenger) Initialize(identity string) {
	identity = strings.ToLower(strings.TrimSpace(identity))

	e.mu.Lock()
	if e.initialized {
		e.mu.Unlock()
		logrus.WithField("identity", identity).Warn("Messenger already initialized")
		return
	}
	e.identity = identity
	e.stopCh = make(chan struct{})
	stopCh := e.stopCh
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Initialize",
		"identity": identity,
	}).Info("Initializing messaging engine")

	store, err := storage.Open(e.opts.DataDir, identity)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Initialize",
			"error":    err.Error(),
		}).Warn("Storage unavailable, continuing in-memory only")
		store, _ = storage.Open("", identity)
	}

	ov := overlay.New(identity, overlay.Options{
		Candidates: e.opts.RelayCandidates,
		Fallback:   e.opts.FallbackRelays,
		NewClient:  e.opts.NewClient,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout*3)
	defer cancel()

	// With an injected client there is no relay landscape to probe.
	var peers []string
	if e.opts.NewClient == nil {
		peers = ov.Discover(ctx)
	} else {
		peers = []string{"injected"}
	}
	ov.Connect(ctx, peers)

	keyMgr := keys.NewManager(identity, store, ov)
	if _, err := keyMgr.GetOrCreateKeyPair(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Initialize",
			"error":    err.Error(),
		}).Error("Key pair unavailable, encrypted messaging disabled this session")
	}
	if err := keyMgr.PublishPublicKey(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Initialize",
			"error":    err.Error(),
		}).Warn("Initial public key publication failed")
	}

	tracker := presence.NewTracker(identity, ov)
	tracker.OnChange(e.notifyPresence)

	e.mu.Lock()
	e.store = store
	e.ov = ov
	e.keyMgr = keyMgr
	e.tracker = tracker
	e.delivery = queue.NewDeliveryQueue(ov, store, e.notifyMessage)
	e.decryption = queue.NewDecryptionRetryQueue(keyMgr, store, e.notifyMessage)
	e.initialized = true
	e.mu.Unlock()

	ov.SubscribeMessages(identity, e.handleInbound)
	tracker.Start()
	ov.Start()

	go e.runLoop(stopCh)

	logrus.WithFields(logrus.Fields{
		"function":  "Initialize",
		"identity":  identity,
		"connected": ov.Connected(),
		"messages":  len(store.Messages()),
	}).Info("Messaging engine initialized")
}

// runLoop drives the periodic timers: delivery-queue flush, key
// refresh with decryption sweep, plus the one-shot post-start grace
// flush and initial sweep.
func (e *Messenger) runLoop(stopCh chan struct{}) {
	flushTicker := time.NewTicker(e.opts.FlushInterval)
	defer flushTicker.Stop()
	refreshTicker := time.NewTicker(e.opts.KeyRefreshInterval)
	defer refreshTicker.Stop()

	initialFlush := time.NewTimer(e.opts.InitialFlushDelay)
	defer initialFlush.Stop()
	initialSweep := time.NewTimer(e.opts.InitialSweepDelay)
	defer initialSweep.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-initialFlush.C:
			e.flushDelivery()
		case <-initialSweep.C:
			e.sweepDecryption()
		case <-flushTicker.C:
			e.flushDelivery()
		case <-refreshTicker.C:
			e.refreshKeys()
		}
	}
}

func (e *Messenger) flushDelivery() {
	e.mu.RLock()
	delivery := e.delivery
	e.mu.RUnlock()
	if delivery == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	delivery.Flush(ctx)
}

func (e *Messenger) sweepDecryption() {
	e.mu.RLock()
	decryption := e.decryption
	e.mu.RUnlock()
	if decryption == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	decryption.Sweep(ctx)
}

func (e *Messenger) refreshKeys() {
	e.mu.RLock()
	keyMgr := e.keyMgr
	e.mu.RUnlock()
	if keyMgr == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	keyMgr.Refresh(ctx)
	cancel()

	e.sweepDecryption()
}

// handleInbound processes one raw payload observed on any of the
// redundant subscription paths: schema validation, receiver filtering,
// idempotent dedup by message id, decryption (or enqueue for retry),
// persistence, and subscriber notification.
func (e *Messenger) handleInbound(raw json.RawMessage) {
	e.mu.RLock()
	identity := e.identity
	store := e.store
	keyMgr := e.keyMgr
	decryption := e.decryption
	initialized := e.initialized
	e.mu.RUnlock()

	if !initialized {
		return
	}

	m, err := message.ParseInbound(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleInbound",
			"error":    err.Error(),
		}).Debug("Rejected malformed inbound payload")
		return
	}

	if m.Sender == identity {
		return
	}
	// The global broadcast namespace carries every recipient's traffic.
	if m.Receiver != identity {
		return
	}

	// Redundant paths deliver the same message several times; only the
	// first observation of an id is processed.
	if !store.MarkProcessed(m.ID) {
		return
	}

	if m.Encrypted {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		key, keyErr := keyMgr.GetOrCreateSharedKey(ctx, m.Sender)
		cancel()

		var plaintext string
		decErr := keyErr
		if decErr == nil {
			plaintext, decErr = crypto.Decrypt(m.EncryptedContent, m.IV, key)
		}

		if decErr == nil {
			m.Content = plaintext
			m.Status = message.StatusDelivered
			m.Decrypted = true
		} else {
			logrus.WithFields(logrus.Fields{
				"function":   "handleInbound",
				"message_id": m.ID,
				"sender":     m.Sender,
			}).Info("Inbound message undecryptable, queuing for retry")

			m.Content = pendingPlaceholder
			m.Status = message.StatusPendingDecryption
			m.Decrypted = false
			decryption.Enqueue(m)
		}
	} else {
		m.Status = message.StatusDelivered
	}

	if err := store.Upsert(m); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleInbound",
			"message_id": m.ID,
			"error":      err.Error(),
		}).Warn("Failed to persist inbound message")
	}

	e.notifyMessage(m.Clone())
}

// SendMessage builds and dispatches a message to a recipient. When
// encrypted is requested and shared-key derivation fails, the engine
// falls back to an unencrypted send and surfaces a synthetic system
// warning through the message callback, unless
// Options.DisablePlaintextFallback demands a hard failure. The call
// never reports an error: an immediate publish failure queues the
// message for background retry.
func (e *Messenger) SendMessage(content, recipient string, encrypted bool) {
	e.mu.RLock()
	identity := e.identity
	store := e.store
	keyMgr := e.keyMgr
	ov := e.ov
	delivery := e.delivery
	initialized := e.initialized
	e.mu.RUnlock()

	if !initialized {
		logrus.WithField("function", "SendMessage").Warn("SendMessage before Initialize, dropping")
		return
	}

	recipient = strings.ToLower(strings.TrimSpace(recipient))

	m := &message.Message{
		ID:        uuid.NewString(),
		Sender:    identity,
		Receiver:  recipient,
		Content:   strings.TrimSpace(content),
		Timestamp: time.Now().UnixMilli(),
		Status:    message.StatusSending,
		Encrypted: encrypted,
	}

	if encrypted {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		key, err := keyMgr.GetOrCreateSharedKey(ctx, recipient)
		cancel()

		if err == nil {
			ciphertext, iv, encErr := crypto.Encrypt(m.Content, key)
			if encErr == nil {
				m.EncryptedContent = ciphertext
				m.IV = iv
			} else {
				err = encErr
			}
		}

		if err != nil {
			if e.opts.DisablePlaintextFallback {
				logrus.WithFields(logrus.Fields{
					"function":  "SendMessage",
					"recipient": recipient,
					"error":     err.Error(),
				}).Warn("Encryption impossible and plaintext fallback disabled, failing send")

				m.Status = message.StatusFailed
				if err := store.Upsert(m); err == nil {
					e.notifyMessage(m.Clone())
				}
				return
			}

			logrus.WithFields(logrus.Fields{
				"function":  "SendMessage",
				"recipient": recipient,
				"error":     err.Error(),
			}).Warn("Encryption failed, sending unencrypted with warning")

			m.Encrypted = false
			m.EncryptedContent = ""
			m.IV = ""
			e.emitEncryptionWarning(identity, recipient)
		}
	}

	if err := store.Upsert(m); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "SendMessage",
			"message_id": m.ID,
			"error":      err.Error(),
		}).Warn("Failed to persist outbound message")
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	err := ov.PublishMessage(ctx, m)
	cancel()

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "SendMessage",
			"message_id": m.ID,
			"error":      err.Error(),
		}).Info("Immediate publish failed, queuing for retry")
		delivery.Enqueue(m)
		return
	}

	m.Status = message.StatusSent
	if err := store.Upsert(m); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "SendMessage",
			"message_id": m.ID,
			"error":      err.Error(),
		}).Warn("Failed to persist sent status")
	}
}

// emitEncryptionWarning delivers a synthetic, non-persisted system
// message informing the local user that confidentiality degraded.
func (e *Messenger) emitEncryptionWarning(identity, recipient string) {
	e.notifyMessage(&message.Message{
		ID:        uuid.NewString(),
		Sender:    "system",
		Receiver:  identity,
		Content:   fmt.Sprintf("Failed to encrypt message to %s. Message sent unencrypted.", recipient),
		Timestamp: time.Now().UnixMilli(),
		Status:    message.StatusDelivered,
	})
}

// OnMessage registers a callback fired on every accepted unique inbound
// message and on queued-message status resolutions.
func (e *Messenger) OnMessage(cb MessageCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.msgCallbacks = append(e.msgCallbacks, cb)
}

// OnPresence registers a callback fired on every online-set transition.
func (e *Messenger) OnPresence(cb PresenceCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.presenceCallbacks = append(e.presenceCallbacks, cb)
}

func (e *Messenger) notifyMessage(m *message.Message) {
	e.mu.RLock()
	callbacks := make([]MessageCallback, len(e.msgCallbacks))
	copy(callbacks, e.msgCallbacks)
	e.mu.RUnlock()

	for _, cb := range callbacks {
		cb(m)
	}
}

func (e *Messenger) notifyPresence(online []string) {
	e.mu.RLock()
	callbacks := make([]PresenceCallback, len(e.presenceCallbacks))
	copy(callbacks, e.presenceCallbacks)
	e.mu.RUnlock()

	for _, cb := range callbacks {
		cb(online)
	}
}

// LoadMessagesFromLocal returns all locally persisted messages ordered
// by timestamp ascending.
func (e *Messenger) LoadMessagesFromLocal() []*message.Message {
	e.mu.RLock()
	store := e.store
	e.mu.RUnlock()

	if store == nil {
		return nil
	}
	return store.Messages()
}

// Conversation returns the locally stored messages exchanged between
// two identities, in display order.
func (e *Messenger) Conversation(idA, idB string) []*message.Message {
	e.mu.RLock()
	store := e.store
	e.mu.RUnlock()

	if store == nil {
		return nil
	}
	return store.QueryConversation(idA, idB)
}

// GetOnlineUsers returns the identities currently considered online.
// Presence is a UI hint only, never a correctness signal.
func (e *Messenger) GetOnlineUsers() []string {
	e.mu.RLock()
	tracker := e.tracker
	e.mu.RUnlock()

	if tracker == nil {
		return nil
	}
	return tracker.OnlineUsers()
}

// IsConnected reports whether the session is initialized and the
// overlay passed its last health verification.
func (e *Messenger) IsConnected() bool {
	e.mu.RLock()
	ov := e.ov
	initialized := e.initialized
	e.mu.RUnlock()

	return initialized && ov != nil && ov.Connected()
}

// ConnectionStatus reports per-transport connectivity.
func (e *Messenger) ConnectionStatus() ConnectionInfo {
	return ConnectionInfo{Overlay: e.IsConnected()}
}

// Destroy tears the session down: stops all timers, detaches every
// subscription, announces offline best-effort, and clears in-memory
// state. Idempotent and safe to call on an uninitialized Messenger.
func (e *Messenger) Destroy() {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return
	}
	e.initialized = false

	stopCh := e.stopCh
	e.stopCh = nil
	tracker := e.tracker
	ov := e.ov
	identity := e.identity

	e.tracker = nil
	e.ov = nil
	e.keyMgr = nil
	e.delivery = nil
	e.decryption = nil
	e.store = nil
	e.msgCallbacks = nil
	e.presenceCallbacks = nil
	e.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	if tracker != nil {
		tracker.MarkOffline()
		tracker.Stop()
	}
	if ov != nil {
		ov.Stop()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Destroy",
		"identity": identity,
	}).Info("Messaging engine destroyed")
}
