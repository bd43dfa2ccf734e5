// Package storage implements durable local persistence for the Kraken
// messaging engine: one JSON blob per identity holding the identity's
// key pair, cached peer public key records, and the full message list
// with its deduplication index.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kraken-im/krakencore/message"
)

// ErrPersistence indicates a local storage read or write failed. The
// engine treats it as non-fatal and continues with in-memory state.
var ErrPersistence = errors.New("persistence failure")

// blobPrefix namespaces persisted files per identity.
const blobPrefix = "kraken"

// KeyPairRecord is the wrapped, encoded form of an identity key pair.
type KeyPairRecord struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
	Timestamp  int64  `json:"timestamp"`
}

// PublicKeyRecord is a peer's published public key. The freshest record
// by PublishedAt for a given address is authoritative.
type PublicKeyRecord struct {
	Address     string `json:"address"`
	PublicKey   string `json:"publicKey"`
	PublishedAt int64  `json:"timestamp"`
}

// blob is the on-disk layout of a per-identity state file.
type blob struct {
	KeyPair    *KeyPairRecord             `json:"keyPair,omitempty"`
	PublicKeys map[string]PublicKeyRecord `json:"publicKeys,omitempty"`
	Messages   []*message.Message         `json:"messages"`
}

// Store is the durable local state for one identity. All mutating
// operations persist the full blob synchronously; persistence errors
// are returned but callers are expected to log and continue.
type Store struct {
	mu        sync.RWMutex
	path      string
	keyPair   *KeyPairRecord
	pubKeys   map[string]PublicKeyRecord
	messages  map[string]*message.Message
	processed map[string]struct{}
}

// Open loads (or initializes) the state blob for an identity. A corrupt
// or unreadable blob is logged and treated as empty rather than fatal;
// an unusable data directory degrades the store to in-memory-only.
func Open(dir, identity string) (*Store, error) {
	identity = strings.ToLower(identity)

	path := filepath.Join(dir, fmt.Sprintf("%s-%s.json", blobPrefix, identity))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Open",
			"dir":      dir,
			"error":    err.Error(),
		}).Warn("Data directory unusable, continuing in-memory only")
		path = ""
	}

	s := &Store{
		path:      path,
		pubKeys:   make(map[string]PublicKeyRecord),
		messages:  make(map[string]*message.Message),
		processed: make(map[string]struct{}),
	}

	if err := s.load(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Open",
			"path":     s.path,
			"error":    err.Error(),
		}).Warn("Failed to load persisted state, starting empty")
	}

	return s, nil
}

func (s *Store) load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	var b blob
	if err := json.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("%w: corrupt state blob: %v", ErrPersistence, err)
	}

	s.keyPair = b.KeyPair
	for addr, rec := range b.PublicKeys {
		s.pubKeys[addr] = rec
	}
	for _, m := range b.Messages {
		if m == nil || m.ID == "" {
			continue
		}
		s.messages[m.ID] = m
		s.processed[m.ID] = struct{}{}
	}

	logrus.WithFields(logrus.Fields{
		"function":   "load",
		"messages":   len(s.messages),
		"publicKeys": len(s.pubKeys),
	}).Info("Loaded persisted state")

	return nil
}

// persist writes the full blob synchronously. Callers hold s.mu.
func (s *Store) persist() error {
	if s.path == "" {
		return nil
	}
	b := blob{
		KeyPair:    s.keyPair,
		PublicKeys: s.pubKeys,
		Messages:   s.sortedMessagesLocked(),
	}

	data, err := json.Marshal(&b)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

func (s *Store) sortedMessagesLocked() []*message.Message {
	out := make([]*message.Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// Messages returns all persisted messages ordered by timestamp ascending.
func (s *Store) Messages() []*message.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*message.Message, 0, len(s.messages))
	for _, m := range s.sortedMessagesLocked() {
		out = append(out, m.Clone())
	}
	return out
}

// Upsert inserts or overwrites a message by id and persists the set.
func (s *Store) Upsert(m *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages[m.ID] = m.Clone()
	s.processed[m.ID] = struct{}{}
	return s.persist()
}

// Get returns the stored message with the given id, or nil.
func (s *Store) Get(id string) *message.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil
	}
	return m.Clone()
}

// QueryConversation returns all messages exchanged between the two
// identities, in either direction, ordered by timestamp ascending.
func (s *Store) QueryConversation(idA, idB string) []*message.Message {
	idA = strings.ToLower(idA)
	idB = strings.ToLower(idB)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*message.Message
	for _, m := range s.sortedMessagesLocked() {
		if (m.Sender == idA && m.Receiver == idB) || (m.Sender == idB && m.Receiver == idA) {
			out = append(out, m.Clone())
		}
	}
	return out
}

// MarkProcessed records a message id in the dedup index. It returns
// true only the first time an id is seen; redundant deliveries via
// other transport paths return false and must be ignored.
func (s *Store) MarkProcessed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.processed[id]; seen {
		return false
	}
	s.processed[id] = struct{}{}
	return true
}

// KeyPair returns the persisted identity key pair record, or nil.
func (s *Store) KeyPair() *KeyPairRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.keyPair == nil {
		return nil
	}
	rec := *s.keyPair
	return &rec
}

// SetKeyPair persists the identity key pair record.
func (s *Store) SetKeyPair(rec KeyPairRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keyPair = &rec
	return s.persist()
}

// PublicKey returns the cached public key record for an address.
func (s *Store) PublicKey(address string) (PublicKeyRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.pubKeys[strings.ToLower(address)]
	return rec, ok
}

// SetPublicKey caches a peer public key record and persists it.
func (s *Store) SetPublicKey(rec PublicKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pubKeys[strings.ToLower(rec.Address)] = rec
	return s.persist()
}

// PublicKeys returns a copy of the cached public key records.
func (s *Store) PublicKeys() map[string]PublicKeyRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]PublicKeyRecord, len(s.pubKeys))
	for addr, rec := range s.pubKeys {
		out[addr] = rec
	}
	return out
}
