package overlay

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// probeTimeout bounds each relay liveness probe.
const probeTimeout = 5 * time.Second

// DefaultRelayCandidates is the fixed list of known public relay
// endpoints probed during discovery.
var DefaultRelayCandidates = []string{
	"https://relay-us-east.kraken-im.net",
	"https://relay-us-west.kraken-im.net",
	"https://relay-eu-central.kraken-im.net",
	"https://relay-ap-south.kraken-im.net",
	"https://kraken-relay-1.onrender.com",
	"https://kraken-relay-2.onrender.com",
	"https://kraken-relay.fly.dev",
	"https://relay.kraken-im.community",
}

// DefaultFallbackRelays is always merged into the discovered set so the
// overlay is never initialized with zero peers, even when every probe
// fails.
var DefaultFallbackRelays = []string{
	"https://relay-us-east.kraken-im.net",
	"https://relay-eu-central.kraken-im.net",
	"https://kraken-relay.fly.dev",
}

// DiscoverPeers probes the candidate relay endpoints concurrently with
// a per-probe timeout and returns the live set plus the fallback set.
//
// An endpoint counts as live only when an HTTP response is actually
// received, whatever its status code. Transport-level errors and
// timeouts are treated as dead: this is stricter than accepting
// unreachable endpoints as possibly-alive, at the cost of a sparser
// peer set on networks that filter HEAD requests. The fallback set
// compensates for that sparsity.
func DiscoverPeers(ctx context.Context, candidates, fallback []string) []string {
	if len(candidates) == 0 {
		candidates = DefaultRelayCandidates
	}
	if len(fallback) == 0 {
		fallback = DefaultFallbackRelays
	}

	var (
		mu   sync.Mutex
		live []string
		wg   sync.WaitGroup
	)

	client := &http.Client{}

	for _, endpoint := range candidates {
		wg.Add(1)
		go func(endpoint string) {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()

			req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, endpoint, nil)
			if err != nil {
				return
			}

			resp, err := client.Do(req)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "DiscoverPeers",
					"endpoint": endpoint,
				}).Debug("Relay probe failed")
				return
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			mu.Lock()
			live = append(live, endpoint)
			mu.Unlock()
		}(endpoint)
	}
	wg.Wait()

	// Merge the fallback set without duplicates.
	present := make(map[string]struct{}, len(live))
	for _, endpoint := range live {
		present[endpoint] = struct{}{}
	}
	for _, endpoint := range fallback {
		if _, ok := present[endpoint]; !ok {
			live = append(live, endpoint)
			present[endpoint] = struct{}{}
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "DiscoverPeers",
		"probed":   len(candidates),
		"live":     len(live),
	}).Info("Relay discovery complete")

	return live
}
