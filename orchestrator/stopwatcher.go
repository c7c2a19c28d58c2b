package orchestrator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kilnworks/kiln/bus"
	"github.com/kilnworks/kiln/telemetry"
)

// stopWatcher listens on the run's control channels for a STOP signal and
// keeps the instance heartbeat fresh while the drive loop is busy. On STOP it
// sets the shared flag and cancels the drive context so a producer blocked in
// Next is abandoned immediately rather than at the next event boundary.
//
// The watcher fails safe: if the control subscription drops it can no longer
// observe stop requests, so it stops the run instead of running unstoppably.
type stopWatcher struct {
	runID        string
	sub          bus.Subscription
	bus          bus.Client
	heartbeatKey string
	heartbeatTTL time.Duration
	interval     time.Duration
	stopped      *atomic.Bool
	cancelDrive  context.CancelFunc
	logger       telemetry.Logger
	done         chan struct{}
}

func (w *stopWatcher) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-w.sub.Messages():
			if !ok {
				w.logger.Warn(ctx, "control subscription closed, stopping run", "run_id", w.runID)
				w.trip()
				return
			}
			if msg.Payload != bus.ControlStop {
				continue
			}
			w.logger.Info(ctx, "stop signal received", "run_id", w.runID, "channel", msg.Channel)
			w.trip()
			return
		case <-ticker.C:
			if err := w.bus.Expire(ctx, w.heartbeatKey, w.heartbeatTTL); err != nil {
				w.logger.Warn(ctx, "refresh run heartbeat", "run_id", w.runID, "error", err)
			}
		}
	}
}

func (w *stopWatcher) trip() {
	w.stopped.Store(true)
	w.cancelDrive()
}

// wait blocks until the watcher goroutine exits.
func (w *stopWatcher) wait() { <-w.done }
