package krakencore

import (
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/kraken-im/krakencore/overlay"
)

// Options contains configuration for a Messenger instance.
type Options struct {
	// DataDir is where per-identity state blobs are persisted.
	DataDir string `env:"KRAKEN_DATA_DIR" envDefault:"."`

	// RelayCandidates overrides the probed relay endpoint list.
	RelayCandidates []string `env:"KRAKEN_RELAYS" envSeparator:","`

	// FallbackRelays overrides the always-included fallback relay set.
	FallbackRelays []string `env:"KRAKEN_FALLBACK_RELAYS" envSeparator:","`

	// FlushInterval is the delivery-queue retry period.
	FlushInterval time.Duration `env:"KRAKEN_FLUSH_INTERVAL" envDefault:"30s"`

	// KeyRefreshInterval is the key maintenance period: re-publish our
	// public key, evict stale shared keys, sweep pending decryptions.
	KeyRefreshInterval time.Duration `env:"KRAKEN_KEY_REFRESH_INTERVAL" envDefault:"5m"`

	// InitialFlushDelay is the grace period after initialization before
	// the first queue flush, letting the connection stabilize.
	InitialFlushDelay time.Duration `env:"KRAKEN_INITIAL_FLUSH_DELAY" envDefault:"3s"`

	// InitialSweepDelay is the delay after initialization before the
	// first decryption retry sweep.
	InitialSweepDelay time.Duration `env:"KRAKEN_INITIAL_SWEEP_DELAY" envDefault:"10s"`

	// DisablePlaintextFallback makes encrypted sends fail outright when
	// shared-key derivation is impossible, instead of falling back to
	// an unencrypted send with a warning.
	DisablePlaintextFallback bool `env:"KRAKEN_DISABLE_PLAINTEXT_FALLBACK"`

	// NewClient overrides overlay client construction. When set, relay
	// discovery is skipped. Tests inject overlay.MemoryClient here.
	NewClient func(peers []string) overlay.Client `env:"-"`
}

// NewOptions returns Options populated with defaults.
func NewOptions() *Options {
	return &Options{
		DataDir:            ".",
		FlushInterval:      30 * time.Second,
		KeyRefreshInterval: 5 * time.Minute,
		InitialFlushDelay:  3 * time.Second,
		InitialSweepDelay:  10 * time.Second,
	}
}

// OptionsFromEnv returns Options populated from the environment,
// falling back to defaults for unset variables.
func OptionsFromEnv() (*Options, error) {
	opts := &Options{}
	if err := env.Parse(opts); err != nil {
		return nil, err
	}
	return opts, nil
}
