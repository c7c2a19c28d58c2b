package orchestrator

import (
	"time"

	"github.com/kilnworks/kiln/retry"
)

// Defaults for the coordinator configuration. The lock TTL is deliberately
// shorter than the heartbeat and response TTLs: it bounds how long a crashed
// worker can block a run from being reclaimed, so it is sized to a single
// run's maximum duration rather than a retention window.
const (
	DefaultLockTTL           = 2 * time.Hour
	DefaultHeartbeatTTL      = 24 * time.Hour
	DefaultResponseTTL       = 24 * time.Hour
	DefaultDrainTimeout      = 30 * time.Second
	DefaultHeartbeatEvery    = 50
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultMaxPendingOps     = 64
)

// Config tunes the coordinator's timing behavior. The zero value is usable:
// Normalize fills in defaults.
type Config struct {
	// LockTTL is the TTL on the per-run ownership lock.
	LockTTL time.Duration
	// HeartbeatTTL is the TTL on the instance heartbeat key; its expiry is
	// the fleet monitor's signal that a worker died mid-run.
	HeartbeatTTL time.Duration
	// ResponseTTL is set on the response list at cleanup so late subscribers
	// can still replay the run before it is garbage-collected.
	ResponseTTL time.Duration
	// DrainTimeout caps the wait for in-flight bus appends at cleanup. It is
	// a cap, not a correctness boundary: the state store row already carries
	// the full event list.
	DrainTimeout time.Duration
	// HeartbeatEvery refreshes the heartbeat TTL opportunistically every N
	// events in the drive loop.
	HeartbeatEvery int
	// HeartbeatInterval is the stop watcher's time-based refresh floor,
	// independent of event traffic.
	HeartbeatInterval time.Duration
	// MaxPendingOps bounds the number of in-flight append/publish tasks per
	// run. When the producer outpaces the bus, the drive loop blocks until a
	// slot frees up.
	MaxPendingOps int
	// TerminalWriteRetry configures the status writer's bounded retries.
	TerminalWriteRetry retry.Config
	// MirrorRetry configures the per-operation retry on response mirroring.
	// The default allows a single retry: mirroring must not stall the run
	// behind a long backoff when the store row is the source of truth anyway.
	MirrorRetry retry.Config
}

// Normalize returns a copy with defaults applied to zero fields.
func (c Config) Normalize() Config {
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = DefaultHeartbeatTTL
	}
	if c.ResponseTTL <= 0 {
		c.ResponseTTL = DefaultResponseTTL
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = DefaultHeartbeatEvery
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.MaxPendingOps <= 0 {
		c.MaxPendingOps = DefaultMaxPendingOps
	}
	if c.TerminalWriteRetry.MaxAttempts <= 0 {
		c.TerminalWriteRetry = retry.DefaultConfig()
	}
	if c.MirrorRetry.MaxAttempts <= 0 {
		c.MirrorRetry = retry.Config{
			MaxAttempts:       2,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
		}
	}
	return c
}
