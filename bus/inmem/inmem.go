// Package inmem provides an in-memory implementation of bus.Client for tests
// and local development. It reproduces the semantics the orchestrator relies
// on: atomic set-if-absent, ordered list appends, fan-out pub/sub, and key
// expiry (TTLs are recorded and honored lazily on access).
package inmem

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/kilnworks/kiln/bus"
)

type entry struct {
	value     string
	list      []string
	expiresAt time.Time
}

// Bus implements bus.Client in memory.
type Bus struct {
	mu   sync.Mutex
	keys map[string]*entry
	subs map[string]map[*subscription]struct{}
	now  func() time.Time
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{
		keys: make(map[string]*entry),
		subs: make(map[string]map[*subscription]struct{}),
		now:  time.Now,
	}
}

// live returns the entry at key, pruning it first if its TTL elapsed.
func (b *Bus) live(key string) (*entry, bool) {
	e, ok := b.keys[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && b.now().After(e.expiresAt) {
		delete(b.keys, key)
		return nil, false
	}
	return e, true
}

func (b *Bus) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.live(key); ok {
		return false, nil
	}
	b.keys[key] = &entry{value: value, expiresAt: b.expiry(ttl)}
	return true, nil
}

func (b *Bus) Set(_ context.Context, key, value string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys[key] = &entry{value: value, expiresAt: b.expiry(ttl)}
	return nil
}

func (b *Bus) Get(_ context.Context, key string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.live(key)
	if !ok {
		return "", bus.ErrNotFound
	}
	return e.value, nil
}

func (b *Bus) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.keys, key)
	return nil
}

func (b *Bus) Expire(_ context.Context, key string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.live(key); ok {
		e.expiresAt = b.expiry(ttl)
	}
	return nil
}

func (b *Bus) Keys(_ context.Context, pattern string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for key := range b.keys {
		if _, ok := b.live(key); !ok {
			continue
		}
		if ok, err := path.Match(pattern, key); err != nil {
			return nil, err
		} else if ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *Bus) RPush(_ context.Context, key string, values ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.live(key)
	if !ok {
		e = &entry{}
		b.keys[key] = e
	}
	e.list = append(e.list, values...)
	return nil
}

func (b *Bus) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.live(key)
	if !ok {
		return nil, nil
	}
	n := int64(len(e.list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, e.list[start:stop+1])
	return out, nil
}

func (b *Bus) Publish(_ context.Context, channel, message string) error {
	b.mu.Lock()
	targets := make([]*subscription, 0, len(b.subs[channel]))
	for sub := range b.subs[channel] {
		targets = append(targets, sub)
	}
	b.mu.Unlock()
	for _, sub := range targets {
		sub.deliver(bus.Message{Channel: channel, Payload: message})
	}
	return nil
}

func (b *Bus) Subscribe(_ context.Context, channels ...string) (bus.Subscription, error) {
	sub := &subscription{
		bus:      b,
		channels: channels,
		msgs:     make(chan bus.Message, 64),
		done:     make(chan struct{}),
	}
	b.mu.Lock()
	for _, ch := range channels {
		if b.subs[ch] == nil {
			b.subs[ch] = make(map[*subscription]struct{})
		}
		b.subs[ch][sub] = struct{}{}
	}
	b.mu.Unlock()
	return sub, nil
}

// TTL returns the recorded TTL for a key, or zero when the key has no expiry
// or does not exist. Test helper.
func (b *Bus) TTL(key string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.live(key)
	if !ok || e.expiresAt.IsZero() {
		return 0
	}
	return e.expiresAt.Sub(b.now())
}

// Exists reports whether the key is present and unexpired. Test helper.
func (b *Bus) Exists(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.live(key)
	return ok
}

func (b *Bus) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return b.now().Add(ttl)
}

type subscription struct {
	bus      *Bus
	channels []string
	msgs     chan bus.Message
	once     sync.Once
	done     chan struct{}
}

func (s *subscription) deliver(msg bus.Message) {
	select {
	case <-s.done:
	case s.msgs <- msg:
	}
}

func (s *subscription) Messages() <-chan bus.Message {
	return s.msgs
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.bus.mu.Lock()
		for _, ch := range s.channels {
			delete(s.bus.subs[ch], s)
		}
		s.bus.mu.Unlock()
	})
	return nil
}
