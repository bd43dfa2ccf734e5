package overlay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// MemoryClient is an in-process overlay used in tests and as the
// degraded local-only fallback when no relay is reachable. Records are
// fully consistent within the process; subscriber callbacks run on
// their own goroutines to mimic the asynchronous delivery of a real
// overlay.
type MemoryClient struct {
	mu           sync.RWMutex
	records      map[string]json.RawMessage
	subs         map[int]*memorySubscription
	nextSubID    int
	failing      bool
	failPrefixes map[string]bool
}

type memorySubscription struct {
	path string
	fn   func(child string, value json.RawMessage)
}

// NewMemoryClient creates an empty in-process overlay.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		records:      make(map[string]json.RawMessage),
		subs:         make(map[int]*memorySubscription),
		failPrefixes: make(map[string]bool),
	}
}

// SetFailing toggles failure of every operation, simulating a total
// overlay outage.
func (c *MemoryClient) SetFailing(failing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failing = failing
}

// SetFailPrefix toggles write failure for paths under a given prefix,
// simulating partial connectivity across redundant publish paths.
func (c *MemoryClient) SetFailPrefix(prefix string, fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fail {
		c.failPrefixes[prefix] = true
	} else {
		delete(c.failPrefixes, prefix)
	}
}

func (c *MemoryClient) failsLocked(path string) bool {
	if c.failing {
		return true
	}
	for prefix := range c.failPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Put stores a record and notifies subscribers of the parent path.
func (c *MemoryClient) Put(ctx context.Context, path string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	c.mu.Lock()
	if c.failsLocked(path) {
		c.mu.Unlock()
		return fmt.Errorf("simulated write failure at %s", path)
	}
	c.records[path] = raw

	type delivery struct {
		fn    func(string, json.RawMessage)
		child string
	}
	var deliveries []delivery
	for _, sub := range c.subs {
		prefix := sub.path + "/"
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		child := strings.TrimPrefix(path, prefix)
		if strings.Contains(child, "/") {
			continue
		}
		deliveries = append(deliveries, delivery{sub.fn, child})
	}
	c.mu.Unlock()

	for _, d := range deliveries {
		go d.fn(d.child, raw)
	}
	return nil
}

// Once returns the record at path, or ErrRecordNotFound.
func (c *MemoryClient) Once(ctx context.Context, path string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.failsLocked(path) {
		return nil, fmt.Errorf("simulated read failure at %s", path)
	}

	raw, ok := c.records[path]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return raw, nil
}

// Subscribe registers a listener for direct children of path. Existing
// records under the path are replayed to the new subscriber.
func (c *MemoryClient) Subscribe(path string, fn func(child string, value json.RawMessage)) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subs[id] = &memorySubscription{path: path, fn: fn}

	prefix := path + "/"
	type replay struct {
		child string
		raw   json.RawMessage
	}
	var replays []replay
	for recPath, raw := range c.records {
		if !strings.HasPrefix(recPath, prefix) {
			continue
		}
		child := strings.TrimPrefix(recPath, prefix)
		if strings.Contains(child, "/") {
			continue
		}
		replays = append(replays, replay{child, raw})
	}
	c.mu.Unlock()

	for _, r := range replays {
		go fn(r.child, r.raw)
	}

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// Ping reports overlay liveness.
func (c *MemoryClient) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.failing {
		return fmt.Errorf("simulated outage")
	}
	return nil
}
