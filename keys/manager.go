// Package keys implements identity key-pair lifecycle, public-key
// publication and lookup over the overlay, and per-conversation shared
// key derivation and rotation.
//
// A derived shared key stays valid only while the counterpart's latest
// published public key timestamp matches the one the key was derived
// from; any newer published key invalidates it and forces
// re-derivation on next use.
package keys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kraken-im/krakencore/crypto"
	"github.com/kraken-im/krakencore/message"
	"github.com/kraken-im/krakencore/overlay"
	"github.com/kraken-im/krakencore/storage"
)

const (
	// lookupTimeout bounds the one-shot overlay read for a peer's
	// public key record.
	lookupTimeout = 5 * time.Second

	// SharedKeyMaxAge is how long a cached shared key survives before
	// maintenance evicts it, bounding memory and forcing periodic
	// re-derivation against fresh public keys.
	SharedKeyMaxAge = 10 * time.Minute

	// RefreshInterval is the key maintenance period: re-publish our
	// own public key, evict stale shared keys, sweep pending
	// decryptions.
	RefreshInterval = 5 * time.Minute
)

// ErrKeyExchange indicates a peer's public key could not be obtained,
// blocking encryption for that conversation.
var ErrKeyExchange = errors.New("key exchange failure")

// SharedKeyInfo caches a derived conversation key together with the
// timestamps that determine its validity.
type SharedKeyInfo struct {
	Key                [32]byte
	DerivedAt          time.Time
	SourceKeyTimestamp int64
}

// Manager owns the identity's key pair and all per-conversation shared
// keys for one session.
type Manager struct {
	mu       sync.RWMutex
	identity string
	store    *storage.Store
	ov       *overlay.Overlay
	keyPair  *crypto.KeyPair
	shared   map[string]*SharedKeyInfo
}

// NewManager creates a key manager for an identity backed by the given
// store and overlay.
func NewManager(identity string, store *storage.Store, ov *overlay.Overlay) *Manager {
	return &Manager{
		identity: strings.ToLower(identity),
		store:    store,
		ov:       ov,
		shared:   make(map[string]*SharedKeyInfo),
	}
}

// GetOrCreateKeyPair returns the persisted identity key pair, loading
// it from storage or generating and persisting a new one on first use.
// Idempotent.
func (m *Manager) GetOrCreateKeyPair() (*crypto.KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.keyPair != nil {
		return m.keyPair, nil
	}

	if rec := m.store.KeyPair(); rec != nil {
		secret, err := crypto.ParseSecretKey(rec.PrivateKey)
		if err == nil {
			keyPair, err := crypto.FromSecretKey(secret)
			if err == nil {
				m.keyPair = keyPair
				logrus.WithFields(logrus.Fields{
					"function": "GetOrCreateKeyPair",
					"identity": m.identity,
				}).Info("Loaded persisted key pair")
				return keyPair, nil
			}
		}
		logrus.WithFields(logrus.Fields{
			"function": "GetOrCreateKeyPair",
			"identity": m.identity,
		}).Warn("Persisted key pair unreadable, generating a new one")
	}

	keyPair, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	if err := m.store.SetKeyPair(storage.KeyPairRecord{
		PublicKey:  keyPair.PublicBase64(),
		PrivateKey: keyPair.PrivateBase64(),
		Timestamp:  time.Now().UnixMilli(),
	}); err != nil {
		// Persistence failure is non-fatal; the pair lives in memory
		// for this session.
		logrus.WithFields(logrus.Fields{
			"function": "GetOrCreateKeyPair",
			"error":    err.Error(),
		}).Warn("Failed to persist key pair")
	}

	m.keyPair = keyPair
	logrus.WithFields(logrus.Fields{
		"function": "GetOrCreateKeyPair",
		"identity": m.identity,
	}).Info("Generated new key pair")
	return keyPair, nil
}

// PublishPublicKey exports the identity's public key, stamps the
// current time, writes the record to the well-known per-identity path,
// and updates the local cache. Called at startup and on every
// maintenance cycle.
func (m *Manager) PublishPublicKey(ctx context.Context) error {
	keyPair, err := m.GetOrCreateKeyPair()
	if err != nil {
		return err
	}

	rec := storage.PublicKeyRecord{
		Address:     m.identity,
		PublicKey:   keyPair.PublicBase64(),
		PublishedAt: time.Now().UnixMilli(),
	}

	path := fmt.Sprintf("%s/%s", overlay.PathKeys, m.identity)
	if err := m.ov.PutRecord(ctx, path, rec); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "PublishPublicKey",
			"identity": m.identity,
			"error":    err.Error(),
		}).Warn("Failed to publish public key to overlay")
	} else {
		logrus.WithFields(logrus.Fields{
			"function":     "PublishPublicKey",
			"identity":     m.identity,
			"published_at": rec.PublishedAt,
		}).Info("Published public key")
	}

	if err := m.store.SetPublicKey(rec); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "PublishPublicKey",
			"error":    err.Error(),
		}).Warn("Failed to cache own public key")
	}
	return nil
}

// GetPublicKey returns the freshest known public key record for an
// address. When the overlay is connected it issues a one-shot read with
// a bounded timeout, validates the returned record's address, and
// updates the cache; on timeout or mismatch it falls back to the last
// cached value. It never blocks indefinitely.
func (m *Manager) GetPublicKey(ctx context.Context, address string) (*storage.PublicKeyRecord, error) {
	address = strings.ToLower(address)

	cached, haveCached := m.store.PublicKey(address)

	if !m.ov.Connected() {
		if haveCached {
			return &cached, nil
		}
		return nil, fmt.Errorf("%w: overlay disconnected and no cached key for %s", ErrKeyExchange, address)
	}

	readCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	path := fmt.Sprintf("%s/%s", overlay.PathKeys, address)
	raw, err := m.ov.ReadRecord(readCtx, path)
	if err == nil {
		var rec storage.PublicKeyRecord
		if jsonErr := json.Unmarshal(raw, &rec); jsonErr == nil &&
			rec.PublicKey != "" && rec.PublishedAt > 0 &&
			strings.ToLower(rec.Address) == address {
			rec.Address = address
			if err := m.store.SetPublicKey(rec); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "GetPublicKey",
					"error":    err.Error(),
				}).Warn("Failed to cache public key")
			}
			return &rec, nil
		}
		logrus.WithFields(logrus.Fields{
			"function": "GetPublicKey",
			"address":  address,
		}).Warn("Overlay returned invalid public key record, using cache")
	}

	if haveCached {
		return &cached, nil
	}
	return nil, fmt.Errorf("%w: no public key available for %s", ErrKeyExchange, address)
}

// GetOrCreateSharedKey returns the symmetric conversation key for the
// peer, deriving a fresh one when none is cached or when the peer has
// published a strictly newer public key since the cached derivation.
func (m *Manager) GetOrCreateSharedKey(ctx context.Context, peerAddress string) ([32]byte, error) {
	peerAddress = strings.ToLower(peerAddress)
	convID := message.ConversationID(m.identity, peerAddress)

	peerRec, err := m.GetPublicKey(ctx, peerAddress)
	if err != nil {
		return [32]byte{}, err
	}

	m.mu.RLock()
	cached := m.shared[convID]
	m.mu.RUnlock()

	if cached != nil && peerRec.PublishedAt <= cached.SourceKeyTimestamp {
		return cached.Key, nil
	}

	keyPair, err := m.GetOrCreateKeyPair()
	if err != nil {
		return [32]byte{}, err
	}

	peerPublic, err := crypto.ParsePublicKey(peerRec.PublicKey)
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: %v", ErrKeyExchange, err)
	}

	key, err := crypto.DeriveSharedKey(keyPair.Private, peerPublic)
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: %v", ErrKeyExchange, err)
	}

	m.mu.Lock()
	m.shared[convID] = &SharedKeyInfo{
		Key:                key,
		DerivedAt:          time.Now(),
		SourceKeyTimestamp: peerRec.PublishedAt,
	}
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":             "GetOrCreateSharedKey",
		"conversation":         convID,
		"source_key_timestamp": peerRec.PublishedAt,
	}).Info("Derived fresh shared key")

	return key, nil
}

// SharedKeyInfoFor returns the cached shared key info for a peer, or
// nil. Used by tests and diagnostics.
func (m *Manager) SharedKeyInfoFor(peerAddress string) *SharedKeyInfo {
	convID := message.ConversationID(m.identity, strings.ToLower(peerAddress))

	m.mu.RLock()
	defer m.mu.RUnlock()

	info := m.shared[convID]
	if info == nil {
		return nil
	}
	copied := *info
	return &copied
}

// EvictStaleSharedKeys drops cached shared keys older than maxAge,
// forcing re-derivation on next use. Returns the number evicted.
func (m *Manager) EvictStaleSharedKeys(maxAge time.Duration) int {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for convID, info := range m.shared {
		if now.Sub(info.DerivedAt) > maxAge {
			delete(m.shared, convID)
			evicted++
		}
	}

	if evicted > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "EvictStaleSharedKeys",
			"evicted":  evicted,
		}).Info("Evicted stale shared keys")
	}
	return evicted
}

// Refresh performs one maintenance cycle: re-publish our public key
// and evict stale shared keys. The engine chains the decryption retry
// sweep after it.
func (m *Manager) Refresh(ctx context.Context) {
	if err := m.PublishPublicKey(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Refresh",
			"error":    err.Error(),
		}).Warn("Key refresh publish failed")
	}
	m.EvictStaleSharedKeys(SharedKeyMaxAge)
}
