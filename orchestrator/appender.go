package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kilnworks/kiln/bus"
	"github.com/kilnworks/kiln/retry"
	"github.com/kilnworks/kiln/telemetry"
)

// appender mirrors response events onto the bus asynchronously: one append to
// the run's response list followed by one "new" notification per event. A
// single worker goroutine consumes a bounded FIFO queue, which keeps list
// order identical to emission order and applies backpressure to the drive
// loop when the producer outpaces the bus. Each bus operation is retried once
// on failure; events lost despite the retry are counted and reported in a
// single summary when the queue drains.
type appender struct {
	bus       bus.Client
	ns        bus.Namespace
	key       string
	logger    telemetry.Logger
	retryCfg  retry.Config
	queue     chan string
	done      chan struct{}
	closeOnce sync.Once
	lost      atomic.Int64
}

func newAppender(b bus.Client, ns bus.Namespace, logger telemetry.Logger, retryCfg retry.Config, capacity int) *appender {
	return &appender{
		bus:      b,
		ns:       ns,
		key:      ns.ResponsesKey(),
		logger:   logger,
		retryCfg: retryCfg,
		queue:    make(chan string, capacity),
		done:     make(chan struct{}),
	}
}

// run flushes the queue until it is closed. The context must outlive run
// cancellation so queued events still land after a stop signal.
func (a *appender) run(ctx context.Context) {
	defer close(a.done)
	for payload := range a.queue {
		err := retry.Do(ctx, a.retryCfg, func(ctx context.Context) error {
			return a.bus.RPush(ctx, a.key, payload)
		})
		if err != nil {
			a.lost.Add(1)
			a.logger.Warn(ctx, "append response event", "key", a.key, "error", err)
			continue
		}
		err = retry.Do(ctx, a.retryCfg, func(ctx context.Context) error {
			return a.bus.Publish(ctx, a.ns.NotificationChannel(), "new")
		})
		if err != nil {
			a.logger.Warn(ctx, "publish response notification", "key", a.key, "error", err)
		}
	}
	if n := a.lost.Load(); n > 0 {
		a.logger.Error(ctx, "response events lost to bus failures", "key", a.key, "count", n)
	}
}

// enqueue schedules one event for mirroring. Blocks when the queue is full.
func (a *appender) enqueue(ctx context.Context, payload string) error {
	select {
	case a.queue <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain closes the queue and waits up to timeout for the worker to flush.
// Safe to call more than once.
func (a *appender) drain(timeout time.Duration) bool {
	a.closeOnce.Do(func() { close(a.queue) })
	select {
	case <-a.done:
		return true
	case <-time.After(timeout):
		return false
	}
}
