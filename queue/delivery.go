// Package queue implements the two retry schedulers of the messaging
// engine: the outbound delivery queue for sends that failed
// immediately, and the decryption retry queue for inbound messages
// whose shared key was stale or missing.
package queue

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kraken-im/krakencore/message"
)

// MaxDeliveryRetries bounds retry amplification: after the initial
// failed send, a message gets this many flush attempts before it is
// marked failed permanently.
const MaxDeliveryRetries = 3

// Publisher sends a message over the overlay.
type Publisher interface {
	PublishMessage(ctx context.Context, m *message.Message) error
}

// Store persists message state changes.
type Store interface {
	Upsert(m *message.Message) error
}

type queuedMessage struct {
	msg     *message.Message
	retries int
}

// DeliveryQueue retries outbound messages whose immediate publish
// failed or was attempted while the overlay was unhealthy.
type DeliveryQueue struct {
	mu        sync.Mutex
	items     []*queuedMessage
	publisher Publisher
	store     Store
	onUpdate  func(m *message.Message)
}

// NewDeliveryQueue creates a delivery queue. onUpdate, if non-nil, is
// invoked after a queued message's status changes (sent or failed).
func NewDeliveryQueue(publisher Publisher, store Store, onUpdate func(m *message.Message)) *DeliveryQueue {
	return &DeliveryQueue{
		publisher: publisher,
		store:     store,
		onUpdate:  onUpdate,
	}
}

// Enqueue adds a message for background retry. The message keeps its
// current status (typically sending) until a flush resolves it.
func (q *DeliveryQueue) Enqueue(m *message.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, &queuedMessage{msg: m})

	logrus.WithFields(logrus.Fields{
		"function":   "Enqueue",
		"message_id": m.ID,
		"queued":     len(q.items),
	}).Info("Message queued for retry")
}

// Len returns the number of queued messages.
func (q *DeliveryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Flush attempts to publish every queued message once. Successes are
// marked sent and persisted. Failures increment the retry counter and
// re-queue below the cap; at the cap the message is marked failed
// permanently and never retried again.
func (q *DeliveryQueue) Flush(ctx context.Context) {
	q.mu.Lock()
	pending := q.items
	q.items = nil
	q.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "Flush",
		"pending":  len(pending),
	}).Info("Processing delivery queue")

	for _, item := range pending {
		if err := q.publisher.PublishMessage(ctx, item.msg); err == nil {
			item.msg.Status = message.StatusSent
			q.persist(item.msg)
			q.notify(item.msg)
			continue
		}

		item.retries++
		if item.retries < MaxDeliveryRetries {
			q.mu.Lock()
			q.items = append(q.items, item)
			q.mu.Unlock()

			logrus.WithFields(logrus.Fields{
				"function":   "Flush",
				"message_id": item.msg.ID,
				"retry":      item.retries,
			}).Info("Re-queuing message")
			continue
		}

		item.msg.Status = message.StatusFailed
		q.persist(item.msg)
		q.notify(item.msg)

		logrus.WithFields(logrus.Fields{
			"function":   "Flush",
			"message_id": item.msg.ID,
		}).Warn("Message failed permanently after retry exhaustion")
	}
}

func (q *DeliveryQueue) persist(m *message.Message) {
	if err := q.store.Upsert(m); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "persist",
			"message_id": m.ID,
			"error":      err.Error(),
		}).Warn("Failed to persist message state")
	}
}

func (q *DeliveryQueue) notify(m *message.Message) {
	if q.onUpdate != nil {
		q.onUpdate(m.Clone())
	}
}
