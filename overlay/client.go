// Package overlay implements the gossip key-value transport for the
// Kraken messaging engine: relay endpoint discovery, connection health
// verification, and redundant multi-path publish/subscribe.
//
// The overlay is a hierarchical key-value namespace with no ordering or
// delivery guarantee. Writes are eventually broadcast to all connected
// peers; the same record may be observed multiple times via redundant
// paths, so consumers must deduplicate by message id.
package overlay

import (
	"context"
	"encoding/json"
	"errors"
)

// Well-known namespace roots shared by all peers.
const (
	PathKeys      = "kraken_keys"
	PathMessages  = "kraken_messages"
	PathGlobal    = "kraken_global"
	PathDirect    = "kraken_direct"
	PathPresence  = "kraken_presence"
	PathHeartbeat = "kraken_heartbeat"
	PathTest      = "kraken_test"
)

var (
	// ErrTransportUnavailable indicates the overlay is not connected.
	// Callers queue work instead of surfacing this to the user.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrRecordNotFound indicates a one-shot read found no record at
	// the requested path.
	ErrRecordNotFound = errors.New("record not found")
)

// Client is the narrow capability contract the engine requires from a
// gossip overlay implementation: write a record, read one back once,
// observe children of a path continuously, and probe liveness.
type Client interface {
	// Put writes a JSON-encodable value at a hierarchical path.
	Put(ctx context.Context, path string, value any) error

	// Once performs a one-shot read of the record at path.
	Once(ctx context.Context, path string) (json.RawMessage, error)

	// Subscribe registers a continuous listener for child records under
	// path. The same child may be delivered more than once. The
	// returned cancel function detaches the listener.
	Subscribe(path string, fn func(child string, value json.RawMessage)) (cancel func())

	// Ping probes overlay liveness.
	Ping(ctx context.Context) error
}
