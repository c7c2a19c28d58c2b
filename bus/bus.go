// Package bus wraps Redis with the small surface the orchestrator needs from
// its streaming substrate: set-if-absent locks with TTL, append-only response
// lists, pub/sub channels for control and notification, and key expiry.
package bus

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("bus: key not found")

type (
	// Client is the streaming bus surface used by the orchestrator. The
	// production implementation is Redis-backed (New); tests use an in-memory
	// fake.
	Client interface {
		// SetNX sets key to value with a TTL only if the key is absent.
		// Reports whether the key was set.
		SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
		// Set unconditionally sets key to value with a TTL.
		Set(ctx context.Context, key, value string, ttl time.Duration) error
		// Get returns the value stored at key, or ErrNotFound.
		Get(ctx context.Context, key string) (string, error)
		// Delete removes the key.
		Delete(ctx context.Context, key string) error
		// Expire sets or refreshes the TTL on an existing key.
		Expire(ctx context.Context, key string, ttl time.Duration) error
		// Keys returns the keys matching a glob-style pattern. Used only for
		// administrative sweeps (stale-run recovery), never on hot paths.
		Keys(ctx context.Context, pattern string) ([]string, error)
		// RPush appends values to the list stored at key.
		RPush(ctx context.Context, key string, values ...string) error
		// LRange returns the list elements in [start, stop]; use stop=-1 for
		// the full remaining range.
		LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
		// Publish sends a message on a pub/sub channel.
		Publish(ctx context.Context, channel, message string) error
		// Subscribe opens a subscription on the given channels.
		Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	}

	// Subscription is an open pub/sub subscription. Messages delivers in
	// arrival order; Close unsubscribes and releases the connection.
	Subscription interface {
		Messages() <-chan Message
		Close() error
	}

	// Message is one pub/sub delivery.
	Message struct {
		// Channel is the channel the message arrived on.
		Channel string
		// Payload is the message body.
		Payload string
	}
)
