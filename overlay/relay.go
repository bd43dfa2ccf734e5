package overlay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// defaultPollInterval is how often relay subscriptions poll for new
// children. The overlay has no push channel over plain HTTP, so
// subscriptions are emulated by polling; redundant deliveries are
// expected and filtered upstream by message id.
const defaultPollInterval = 2 * time.Second

// RelayClient speaks a minimal JSON key-value protocol to a set of
// HTTP relay endpoints. Writes and reads try each endpoint in order
// until one succeeds; the overlay's redundancy makes any single ack
// sufficient.
type RelayClient struct {
	endpoints    []string
	httpClient   *http.Client
	pollInterval time.Duration

	mu    sync.Mutex
	stops []chan struct{}
}

// NewRelayClient creates a client over the given relay endpoints.
func NewRelayClient(endpoints []string) *RelayClient {
	return &RelayClient{
		endpoints:    endpoints,
		httpClient:   &http.Client{},
		pollInterval: defaultPollInterval,
	}
}

func (c *RelayClient) recordURL(endpoint, path string) string {
	return fmt.Sprintf("%s/kv/%s", endpoint, url.PathEscape(path))
}

// Put writes a record to the first relay that acknowledges it.
func (c *RelayClient) Put(ctx context.Context, path string, value any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	var errs []error
	for _, endpoint := range c.endpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.recordURL(endpoint, path), bytes.NewReader(body))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		errs = append(errs, fmt.Errorf("relay %s returned %d", endpoint, resp.StatusCode))
	}

	return fmt.Errorf("all relays rejected write to %s: %w", path, errors.Join(errs...))
}

// Once reads the record at path from the first relay that has it.
func (c *RelayClient) Once(ctx context.Context, path string) (json.RawMessage, error) {
	var errs []error
	for _, endpoint := range c.endpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.recordURL(endpoint, path), nil)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		switch resp.StatusCode {
		case http.StatusOK:
			raw, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				errs = append(errs, err)
				continue
			}
			return raw, nil
		case http.StatusNotFound:
			resp.Body.Close()
			errs = append(errs, ErrRecordNotFound)
		default:
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			errs = append(errs, fmt.Errorf("relay %s returned %d", endpoint, resp.StatusCode))
		}
	}

	err := errors.Join(errs...)
	if err == nil {
		err = ErrRecordNotFound
	}
	return nil, fmt.Errorf("read of %s failed: %w", path, err)
}

// Subscribe polls the children of path and delivers each child once per
// observed version. Cancel stops the polling goroutine.
func (c *RelayClient) Subscribe(path string, fn func(child string, value json.RawMessage)) func() {
	stop := make(chan struct{})
	c.mu.Lock()
	c.stops = append(c.stops, stop)
	c.mu.Unlock()

	go c.pollLoop(path, fn, stop)

	return func() {
		select {
		case <-stop:
		default:
			close(stop)
		}
	}
}

func (c *RelayClient) pollLoop(path string, fn func(string, json.RawMessage), stop chan struct{}) {
	seen := make(map[string]string)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			children, err := c.fetchChildren(path)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "pollLoop",
					"path":     path,
					"error":    err.Error(),
				}).Debug("Subscription poll failed")
				continue
			}
			for child, raw := range children {
				if prev, ok := seen[child]; ok && prev == string(raw) {
					continue
				}
				seen[child] = string(raw)
				fn(child, raw)
			}
		}
	}
}

func (c *RelayClient) fetchChildren(path string) (map[string]json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for _, endpoint := range c.endpoints {
		reqURL := c.recordURL(endpoint, path) + "?children=1"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			errs = append(errs, fmt.Errorf("relay %s returned %d", endpoint, resp.StatusCode))
			continue
		}

		var children map[string]json.RawMessage
		err = json.NewDecoder(resp.Body).Decode(&children)
		resp.Body.Close()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return children, nil
	}

	return nil, errors.Join(errs...)
}

// Ping probes the first responsive relay endpoint.
func (c *RelayClient) Ping(ctx context.Context) error {
	var errs []error
	for _, endpoint := range c.endpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil
	}
	return fmt.Errorf("no relay reachable: %w", errors.Join(errs...))
}

// Close stops all active subscriptions.
func (c *RelayClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, stop := range c.stops {
		select {
		case <-stop:
		default:
			close(stop)
		}
	}
	c.stops = nil
}
