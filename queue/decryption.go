package queue

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kraken-im/krakencore/crypto"
	"github.com/kraken-im/krakencore/message"
)

// KeySource derives or returns the shared conversation key for a peer.
type KeySource interface {
	GetOrCreateSharedKey(ctx context.Context, peerAddress string) ([32]byte, error)
}

// DecryptionRetryQueue re-attempts decrypting inbound messages that
// arrived before the sender's key material was obtainable. Entries stay
// queued indefinitely: there is no retry cap, favoring eventual
// recovery of user content over giving up.
type DecryptionRetryQueue struct {
	mu        sync.Mutex
	pending   map[string]*message.Message
	keys      KeySource
	store     Store
	onDecrypt func(m *message.Message)
}

// NewDecryptionRetryQueue creates the queue. onDecrypt, if non-nil, is
// invoked for each message recovered by a sweep.
func NewDecryptionRetryQueue(keys KeySource, store Store, onDecrypt func(m *message.Message)) *DecryptionRetryQueue {
	return &DecryptionRetryQueue{
		pending:   make(map[string]*message.Message),
		keys:      keys,
		store:     store,
		onDecrypt: onDecrypt,
	}
}

// Enqueue registers a pending-decryption message for future sweeps.
// The caller has already persisted it with placeholder content.
func (q *DecryptionRetryQueue) Enqueue(m *message.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending[m.ID] = m.Clone()

	logrus.WithFields(logrus.Fields{
		"function":   "Enqueue",
		"message_id": m.ID,
		"sender":     m.Sender,
		"pending":    len(q.pending),
	}).Info("Message queued for decryption retry")
}

// Len returns the number of messages awaiting decryption.
func (q *DecryptionRetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Sweep retries every pending message: re-derive the shared key with
// the sender and attempt decryption. Successes are updated in place to
// delivered with their real content, persisted, and announced via the
// onDecrypt callback. Failures remain queued.
func (q *DecryptionRetryQueue) Sweep(ctx context.Context) {
	q.mu.Lock()
	snapshot := make([]*message.Message, 0, len(q.pending))
	for _, m := range q.pending {
		snapshot = append(snapshot, m)
	}
	q.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "Sweep",
		"pending":  len(snapshot),
	}).Info("Retrying failed decryptions")

	for _, m := range snapshot {
		key, err := q.keys.GetOrCreateSharedKey(ctx, m.Sender)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Sweep",
				"message_id": m.ID,
				"sender":     m.Sender,
			}).Debug("Shared key still unavailable")
			continue
		}

		plaintext, err := crypto.Decrypt(m.EncryptedContent, m.IV, key)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Sweep",
				"message_id": m.ID,
				"sender":     m.Sender,
			}).Debug("Decryption still failing")
			continue
		}

		m.Content = plaintext
		m.Status = message.StatusDelivered
		m.Decrypted = true

		if err := q.store.Upsert(m); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Sweep",
				"message_id": m.ID,
				"error":      err.Error(),
			}).Warn("Failed to persist recovered message")
		}

		q.mu.Lock()
		delete(q.pending, m.ID)
		q.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function":   "Sweep",
			"message_id": m.ID,
			"sender":     m.Sender,
		}).Info("Recovered previously undecryptable message")

		if q.onDecrypt != nil {
			q.onDecrypt(m.Clone())
		}
	}
}
