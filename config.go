package txn

import (
	"time"

	"github.com/distransact/txn/repository"
)

// Config holds the recognized options of spec §6, with the same defaults
// the Couchbase-style client ships: a 15s transaction lifetime and a 60s
// cleanup window.
type Config struct {
	// ExpirationTimeout bounds a transaction's overall lifetime.
	ExpirationTimeout time.Duration `default:"15s" help:"Transaction lifetime before it expires." yaml:"expirationTimeout"`
	// KeyValueTimeout is the per-operation store timeout option. It is
	// carried in Config and can be overridden per transaction, but the
	// Runner, the Driver and AttemptContext do not apply it to repository
	// calls: those run under the caller's ctx only.
	KeyValueTimeout time.Duration `default:"2.5s" help:"Per-operation store timeout." yaml:"keyValueTimeout"`
	// CleanupWindow is the heartbeat period budget the Client Record
	// Manager divides by NumAtrsPerClient to derive its heartbeat
	// interval, and the base of a peer's lease length.
	CleanupWindow time.Duration `default:"60s" help:"Target interval between heartbeats." yaml:"cleanupWindow"`
	// CleanupClientAttempts enables draining of the local cleanup queue.
	CleanupClientAttempts bool `default:"true" help:"Drain the local cleanup queue." yaml:"cleanupClientAttempts"`
	// CleanupLostAttempts enables the Client Record Manager background
	// task that sweeps ATR partitions for peers presumed dead.
	CleanupLostAttempts bool `default:"true" help:"Start the client record manager." yaml:"cleanupLostAttempts"`
	// NumAtrsPerClient is the configured ATR keyspace size a single client
	// is responsible for partitioning, typically 1024.
	NumAtrsPerClient int `default:"1024" help:"Size of the ATR keyspace partitioned across clients." yaml:"numAtrsPerClient"`
	// DurabilityLevel is applied to all durable writes (spec §6). Create
	// applies it to any repository argument implementing
	// repository.DurabilityConfigurable.
	DurabilityLevel repository.DurabilityLevel `default:"majority" help:"Durability level applied to all durable writes." yaml:"durabilityLevel"`
}

// DefaultConfig returns the Config defaults (spec §6).
func DefaultConfig() Config {
	return Config{
		ExpirationTimeout:     15 * time.Second,
		KeyValueTimeout:       2500 * time.Millisecond,
		CleanupWindow:         60 * time.Second,
		CleanupClientAttempts: true,
		CleanupLostAttempts:   true,
		NumAtrsPerClient:      1024,
		DurabilityLevel:       repository.DurabilityLevelMajority,
	}
}

// WithOverrides returns a copy of c with the non-zero duration, count and
// durability fields of override applied on top, implementing the
// per-transaction Config override layered over the client-wide Config.
// CleanupClientAttempts and CleanupLostAttempts are never taken from
// override: they always keep c's values.
func (c Config) WithOverrides(override *Config) Config {
	if override == nil {
		return c
	}
	result := c
	if override.ExpirationTimeout != 0 {
		result.ExpirationTimeout = override.ExpirationTimeout
	}
	if override.KeyValueTimeout != 0 {
		result.KeyValueTimeout = override.KeyValueTimeout
	}
	if override.CleanupWindow != 0 {
		result.CleanupWindow = override.CleanupWindow
	}
	if override.NumAtrsPerClient != 0 {
		result.NumAtrsPerClient = override.NumAtrsPerClient
	}
	if override.DurabilityLevel != "" {
		result.DurabilityLevel = override.DurabilityLevel
	}
	return result
}
