// Package message defines the message entity exchanged between peers,
// its delivery status machine, and strict validation of inbound overlay
// payloads before they enter the engine.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Status represents the delivery state of a message. Transitions are
// monotonic and one-directional, except that a message pending
// decryption moves to delivered once a retry succeeds.
type Status string

const (
	StatusSending           Status = "sending"
	StatusSent              Status = "sent"
	StatusDelivered         Status = "delivered"
	StatusFailed            Status = "failed"
	StatusPendingDecryption Status = "pending_decryption"
)

const (
	// MaxAddressLength caps identity handles in inbound payloads.
	MaxAddressLength = 128
	// MaxContentLength caps message bodies in inbound payloads.
	MaxContentLength = 64 * 1024
)

// ErrMalformedPayload indicates an inbound overlay record failed schema
// validation and was rejected at the subscription boundary.
var ErrMalformedPayload = errors.New("malformed message payload")

// Message is a single chat message. ID is caller-generated, globally
// unique, and the sole deduplication key across all delivery paths.
type Message struct {
	ID               string `json:"id"`
	Sender           string `json:"sender"`
	Receiver         string `json:"receiver"`
	Content          string `json:"content,omitempty"`
	EncryptedContent string `json:"encryptedContent,omitempty"`
	IV               string `json:"iv,omitempty"`
	Timestamp        int64  `json:"timestamp"`
	Status           Status `json:"status"`
	Encrypted        bool   `json:"encrypted"`
	Decrypted        bool   `json:"decrypted,omitempty"`
}

// Clone returns a shallow copy, used when handing messages to callbacks
// so subscribers cannot mutate stored state.
func (m *Message) Clone() *Message {
	clone := *m
	return &clone
}

// ConversationID returns the canonical identifier for a pair of
// identities, independent of argument order.
func ConversationID(a, b string) string {
	pair := []string{strings.ToLower(a), strings.ToLower(b)}
	sort.Strings(pair)
	return pair[0] + "-" + pair[1]
}

// ParseInbound validates a raw overlay payload against the message
// schema and constructs a Message from it. Records missing required
// fields, exceeding length caps, or carrying inconsistent encryption
// fields are rejected rather than propagated as partial data.
func ParseInbound(raw json.RawMessage) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if m.ID == "" || len(m.ID) > MaxAddressLength {
		return nil, fmt.Errorf("%w: missing or oversized id", ErrMalformedPayload)
	}
	if m.Sender == "" || len(m.Sender) > MaxAddressLength {
		return nil, fmt.Errorf("%w: missing or oversized sender", ErrMalformedPayload)
	}
	if m.Receiver == "" || len(m.Receiver) > MaxAddressLength {
		return nil, fmt.Errorf("%w: missing or oversized receiver", ErrMalformedPayload)
	}
	if m.Timestamp <= 0 {
		return nil, fmt.Errorf("%w: missing timestamp", ErrMalformedPayload)
	}

	if m.Encrypted {
		if m.EncryptedContent == "" || m.IV == "" {
			return nil, fmt.Errorf("%w: encrypted message missing ciphertext or iv", ErrMalformedPayload)
		}
		if len(m.EncryptedContent) > MaxContentLength {
			return nil, fmt.Errorf("%w: oversized ciphertext", ErrMalformedPayload)
		}
	} else {
		if len(m.Content) > MaxContentLength {
			return nil, fmt.Errorf("%w: oversized content", ErrMalformedPayload)
		}
	}

	m.Sender = strings.ToLower(m.Sender)
	m.Receiver = strings.ToLower(m.Receiver)
	return &m, nil
}
