// Package orchestrator implements the run coordinator: the per-worker driver
// that owns an agent or workflow run from broker delivery to terminal status.
// It claims the run lock, drives the event producer, mirrors every event onto
// the streaming bus, honors STOP signals, and writes the verified terminal
// record to the state store before releasing the run's keys.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/kilnworks/kiln/broker"
	"github.com/kilnworks/kiln/bus"
	"github.com/kilnworks/kiln/producer"
	"github.com/kilnworks/kiln/store"
	"github.com/kilnworks/kiln/telemetry"
)

type (
	// AgentProducerFactory opens the event sequence for an agent run.
	AgentProducerFactory func(ctx context.Context, job broker.AgentJob) (producer.Producer, error)

	// WorkflowProducerFactory opens the event sequence for a workflow run.
	WorkflowProducerFactory func(ctx context.Context, job broker.WorkflowJob) (producer.Producer, error)

	// Options configures the coordinator.
	Options struct {
		// Bus is the streaming bus. Required.
		Bus bus.Client
		// Store is the durable run record store. Required.
		Store store.Store
		// InstanceID identifies this worker instance. Required.
		InstanceID string
		// AgentProducer opens agent run sequences. Required to run agent jobs.
		AgentProducer AgentProducerFactory
		// WorkflowProducer opens workflow run sequences. Required to run
		// workflow jobs.
		WorkflowProducer WorkflowProducerFactory
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to no-op metrics.
		Metrics telemetry.Metrics
		// Tracer defaults to a no-op tracer.
		Tracer telemetry.Tracer
		// Config holds timing knobs; zero fields take defaults.
		Config Config
	}

	// Coordinator drives runs to completion. Safe for concurrent use; each
	// Run* call manages one run with its own lock, watcher and appender.
	Coordinator struct {
		bus        bus.Client
		store      store.Store
		instanceID string
		agents     AgentProducerFactory
		workflows  WorkflowProducerFactory
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		tracer     telemetry.Tracer
		cfg        Config
		status     *statusWriter
	}

	// session carries the per-run wiring shared by the agent and workflow
	// paths. The coordinator algorithm is identical for both; only the store
	// writes and the producer factory differ.
	session struct {
		id            string
		kind          producer.Kind
		ns            bus.Namespace
		open          func(ctx context.Context) (producer.Producer, error)
		markRunning   func(ctx context.Context, at time.Time) error
		writeTerminal func(ctx context.Context, status store.Status, errMsg string, responses []json.RawMessage, at time.Time) bool
	}
)

// New constructs a Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Bus == nil {
		return nil, errors.New("bus client is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.InstanceID == "" {
		return nil, errors.New("instance id is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	cfg := opts.Config.Normalize()
	return &Coordinator{
		bus:        opts.Bus,
		store:      opts.Store,
		instanceID: opts.InstanceID,
		agents:     opts.AgentProducer,
		workflows:  opts.WorkflowProducer,
		logger:     logger,
		metrics:    metrics,
		tracer:     tracer,
		cfg:        cfg,
		status:     &statusWriter{store: opts.Store, logger: logger, cfg: cfg.TerminalWriteRetry},
	}, nil
}

// RunAgent drives an agent run to a terminal status. Returns nil on duplicate
// deliveries (the run is or was owned elsewhere) and on runs that terminated,
// successfully or not; it returns an error only when redelivery can fix the
// outcome: setup failures and worker-shutdown interruptions.
func (c *Coordinator) RunAgent(ctx context.Context, job broker.AgentJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if c.agents == nil {
		return errors.New("agent producer factory is not configured")
	}
	return c.run(ctx, session{
		id:   job.RunID,
		kind: producer.KindAgent,
		ns:   job.Namespace(),
		open: func(ctx context.Context) (producer.Producer, error) {
			return c.agents(ctx, job)
		},
		markRunning: func(ctx context.Context, at time.Time) error {
			return c.store.MarkRunRunning(ctx, job.RunID, at)
		},
		writeTerminal: func(ctx context.Context, status store.Status, errMsg string, responses []json.RawMessage, at time.Time) bool {
			return c.status.writeAgent(ctx, job.RunID, status, errMsg, responses, at)
		},
	})
}

// RunWorkflow drives a workflow run to a terminal status. The execution id
// identifies the run for locking and store writes; stream keys live under the
// agent-run alias namespace.
func (c *Coordinator) RunWorkflow(ctx context.Context, job broker.WorkflowJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if c.workflows == nil {
		return errors.New("workflow producer factory is not configured")
	}
	return c.run(ctx, session{
		id:   job.ExecutionID,
		kind: producer.KindWorkflow,
		ns:   job.Namespace(),
		open: func(ctx context.Context) (producer.Producer, error) {
			return c.workflows(ctx, job)
		},
		markRunning: func(ctx context.Context, at time.Time) error {
			if err := c.store.MarkExecutionRunning(ctx, job.ExecutionID, at); err != nil {
				return err
			}
			// Keep the aliased run row in step so record pollers see progress.
			if err := c.store.MarkRunRunning(ctx, job.AgentRunID, at); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			return nil
		},
		writeTerminal: func(ctx context.Context, status store.Status, errMsg string, responses []json.RawMessage, at time.Time) bool {
			return c.status.writeWorkflow(ctx, job.ExecutionID, job.AgentRunID, status, errMsg, responses, at)
		},
	})
}

func (c *Coordinator) run(ctx context.Context, s session) error {
	ctx, span := c.tracer.Start(ctx, "orchestrator.run")
	defer span.End()

	lockKey := bus.RunLockKey(s.id)
	claimed, err := c.claim(ctx, lockKey)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("claim run %s: %w", s.id, err)
	}
	if !claimed {
		c.logger.Info(ctx, "run already claimed, skipping duplicate delivery", "run_id", s.id)
		c.metrics.IncCounter("run_duplicate_deliveries_total", 1, "kind", string(s.kind))
		return nil
	}

	heartbeatKey := bus.ActiveRunKey(c.instanceID, s.id)
	app := newAppender(c.bus, s.ns, c.logger, c.cfg.MirrorRetry, c.cfg.MaxPendingOps)
	go app.run(context.WithoutCancel(ctx))

	// driveCtx is canceled by the stop watcher so a producer blocked in Next
	// is abandoned as soon as a STOP arrives.
	driveCtx, cancelDrive := context.WithCancel(ctx)
	defer cancelDrive()
	watcherCtx, cancelWatcher := context.WithCancel(ctx)
	defer cancelWatcher()

	var (
		stopped atomic.Bool
		sub     bus.Subscription
		watcher *stopWatcher
	)
	defer func() {
		cancelDrive()
		cancelWatcher()
		if watcher != nil {
			watcher.wait()
		}
		if sub != nil {
			if err := sub.Close(); err != nil {
				c.logger.Warn(ctx, "close control subscription", "run_id", s.id, "error", err)
			}
		}
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.DrainTimeout)
		defer cancel()
		if err := c.bus.Expire(cctx, s.ns.ResponsesKey(), c.cfg.ResponseTTL); err != nil {
			c.logger.Warn(cctx, "set response list ttl", "run_id", s.id, "error", err)
		}
		if err := c.bus.Delete(cctx, heartbeatKey); err != nil {
			c.logger.Warn(cctx, "delete run heartbeat", "run_id", s.id, "error", err)
		}
		if err := c.bus.Delete(cctx, lockKey); err != nil {
			c.logger.Warn(cctx, "release run lock", "run_id", s.id, "error", err)
		}
		if !app.drain(c.cfg.DrainTimeout) {
			c.logger.Warn(cctx, "timed out flushing response stream", "run_id", s.id)
		}
	}()

	if err := c.bus.Set(ctx, heartbeatKey, "running", c.cfg.HeartbeatTTL); err != nil {
		// Advisory: losing the heartbeat only degrades crash detection.
		c.logger.Warn(ctx, "write run heartbeat", "run_id", s.id, "error", err)
	}

	sub, err = c.bus.Subscribe(ctx, s.ns.InstanceControlChannel(c.instanceID), s.ns.ControlChannel())
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("subscribe control channels for run %s: %w", s.id, err)
	}
	watcher = &stopWatcher{
		runID:        s.id,
		sub:          sub,
		bus:          c.bus,
		heartbeatKey: heartbeatKey,
		heartbeatTTL: c.cfg.HeartbeatTTL,
		interval:     c.cfg.HeartbeatInterval,
		stopped:      &stopped,
		cancelDrive:  cancelDrive,
		logger:       c.logger,
		done:         make(chan struct{}),
	}
	go watcher.run(watcherCtx)

	started := time.Now().UTC()
	if err := s.markRunning(ctx, started); err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark run %s running: %w", s.id, err)
	}
	c.logger.Info(ctx, "run started", "run_id", s.id, "kind", s.kind, "instance_id", c.instanceID)

	prod, err := s.open(driveCtx)
	if err != nil {
		if interrupted := c.shutdownInterrupt(ctx, s, &stopped, err); interrupted != nil {
			span.RecordError(interrupted)
			return interrupted
		}
		return c.fail(ctx, s, app, fmt.Errorf("open %s producer: %w", s.kind, err))
	}
	defer func() {
		if err := prod.Close(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn(ctx, "close producer", "run_id", s.id, "error", err)
		}
	}()

	res, driveErr := c.drive(driveCtx, s, prod, &stopped, app, heartbeatKey)
	if driveErr != nil {
		if interrupted := c.shutdownInterrupt(ctx, s, &stopped, driveErr); interrupted != nil {
			span.RecordError(interrupted)
			return interrupted
		}
		return c.fail(ctx, s, app, driveErr)
	}
	res.started = started
	return c.finish(ctx, s, app, res)
}

// shutdownInterrupt reports a non-nil error when the run context was canceled
// by worker shutdown rather than by a STOP signal. The run is left without a
// terminal write so the broker redelivers it to a live instance; the deferred
// cleanup still releases the lock on the way out.
func (c *Coordinator) shutdownInterrupt(ctx context.Context, s session, stopped *atomic.Bool, cause error) error {
	if ctx.Err() == nil || stopped.Load() {
		return nil
	}
	c.logger.Warn(context.WithoutCancel(ctx), "run interrupted by worker shutdown, leaving for redelivery",
		"run_id", s.id, "kind", s.kind)
	return fmt.Errorf("run %s interrupted by worker shutdown: %w", s.id, cause)
}

// claim takes the run lock. When the lock is already held the delivery is a
// duplicate and claim reports false. When the first attempt loses but the
// lock has vanished by the time we look, the holder crashed between its
// SETNX and ours, so one more attempt is made.
func (c *Coordinator) claim(ctx context.Context, lockKey string) (bool, error) {
	ok, err := c.bus.SetNX(ctx, lockKey, c.instanceID, c.cfg.LockTTL)
	if err != nil || ok {
		return ok, err
	}
	holder, err := c.bus.Get(ctx, lockKey)
	if err == nil {
		c.logger.Debug(ctx, "run lock held by another instance", "lock", lockKey, "holder", holder)
		return false, nil
	}
	if !errors.Is(err, bus.ErrNotFound) {
		return false, err
	}
	return c.bus.SetNX(ctx, lockKey, c.instanceID, c.cfg.LockTTL)
}

// driveResult is the outcome of a drive loop that did not fail.
type driveResult struct {
	final store.Status
	// reason is the terminal error message for failed and stopped runs.
	reason string
	// signaled is true when the producer emitted its own terminal sentinel,
	// in which case finish must not synthesize one.
	signaled bool
	count    int
	started  time.Time
}

// drive consumes the producer sequence, mirroring each event onto the bus.
// It returns the terminal status decided by the sequence, the stop flag, or
// exhaustion; a non-nil error means the producer failed and the run must be
// marked failed.
func (c *Coordinator) drive(ctx context.Context, s session, prod producer.Producer, stopped *atomic.Bool, app *appender, heartbeatKey string) (driveResult, error) {
	count := 0
	for {
		if stopped.Load() {
			return driveResult{final: store.StatusStopped, count: count}, nil
		}
		ev, err := prod.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return driveResult{final: store.StatusCompleted, count: count}, nil
			}
			if stopped.Load() {
				// The stop watcher canceled the drive context out from under
				// the producer; this is a stop, not a failure.
				return driveResult{final: store.StatusStopped, count: count}, nil
			}
			// Returned unwrapped: the message becomes the synthetic error
			// event's payload and the stored error.
			return driveResult{count: count}, err
		}
		if err := app.enqueue(ctx, string(ev)); err != nil {
			if stopped.Load() {
				return driveResult{final: store.StatusStopped, count: count}, nil
			}
			return driveResult{count: count}, err
		}
		count++
		if count%c.cfg.HeartbeatEvery == 0 {
			if err := c.bus.Expire(ctx, heartbeatKey, c.cfg.HeartbeatTTL); err != nil {
				c.logger.Warn(ctx, "refresh run heartbeat", "run_id", s.id, "error", err)
			}
		}
		if env, ok := producer.DecodeStatus(s.kind, ev); ok && env.Terminal() {
			switch env.Status {
			case "failed":
				reason := env.Reason()
				if reason == "" {
					reason = "run failed"
				}
				return driveResult{final: store.StatusFailed, reason: reason, signaled: true, count: count}, nil
			case "stopped":
				return driveResult{final: store.StatusStopped, reason: env.Reason(), signaled: true, count: count}, nil
			default:
				return driveResult{final: store.StatusCompleted, signaled: true, count: count}, nil
			}
		}
	}
}

// fail handles producer failures: it appends a synthetic error event so
// stream subscribers see why the run died, then finishes as failed with the
// error and stack recorded on the run row.
func (c *Coordinator) fail(ctx context.Context, s session, app *appender, driveErr error) error {
	ctx = context.WithoutCancel(ctx)
	c.logger.Error(ctx, "run failed", "run_id", s.id, "kind", s.kind, "error", driveErr)
	if err := app.enqueue(ctx, string(producer.ErrorEvent(s.kind, driveErr.Error()))); err != nil {
		c.logger.Warn(ctx, "append error event", "run_id", s.id, "error", err)
	}
	reason := fmt.Sprintf("%v\n%s", driveErr, debug.Stack())
	return c.finish(ctx, s, app, driveResult{final: store.StatusFailed, reason: reason, signaled: true})
}

// finish flushes the stream mirror, writes the verified terminal record and
// broadcasts the terminal control signal. It always returns nil: the run
// reached a terminal state and redelivery would accomplish nothing.
func (c *Coordinator) finish(ctx context.Context, s session, app *appender, res driveResult) error {
	// Terminal bookkeeping proceeds even when the run was stopped or the
	// worker is shutting down.
	ctx = context.WithoutCancel(ctx)

	final, reason := res.final, res.reason
	if final == store.StatusCompleted && !res.signaled {
		// The sequence exhausted without a terminal sentinel of its own;
		// append the canonical completion event so the stream always ends
		// with one.
		if err := app.enqueue(ctx, string(producer.CompletionEvent(s.kind))); err != nil {
			c.logger.Warn(ctx, "append completion event", "run_id", s.id, "error", err)
		}
	}
	if final == store.StatusStopped && reason == "" {
		reason = "Run stopped by user request"
	}

	// Flush in-flight appends before the read-back so the stored log agrees
	// with the stream.
	if !app.drain(c.cfg.DrainTimeout) {
		c.logger.Warn(ctx, "timed out flushing response stream before terminal write", "run_id", s.id)
	}

	completedAt := time.Now().UTC()
	responses := c.readBack(ctx, s)
	s.writeTerminal(ctx, final, reason, responses, completedAt)

	signal := bus.ControlEndStream
	switch final {
	case store.StatusFailed:
		signal = bus.ControlError
	case store.StatusStopped:
		signal = bus.ControlStop
	}
	if err := c.bus.Publish(ctx, s.ns.ControlChannel(), signal); err != nil {
		c.logger.Warn(ctx, "broadcast terminal signal", "run_id", s.id, "signal", signal, "error", err)
	}

	c.metrics.IncCounter("runs_total", 1, "kind", string(s.kind), "status", string(final))
	if !res.started.IsZero() {
		c.metrics.RecordTimer("run_duration", completedAt.Sub(res.started), "kind", string(s.kind))
	}
	c.logger.Info(ctx, "run finished", "run_id", s.id, "kind", s.kind, "status", final, "events", res.count)
	return nil
}

// readBack loads the full mirrored event log from the bus for the terminal
// record. A read failure degrades to an empty log rather than blocking the
// status write.
func (c *Coordinator) readBack(ctx context.Context, s session) []json.RawMessage {
	raw, err := c.bus.LRange(ctx, s.ns.ResponsesKey(), 0, -1)
	if err != nil {
		c.logger.Warn(ctx, "read back response list", "run_id", s.id, "error", err)
		return nil
	}
	responses := make([]json.RawMessage, len(raw))
	for i, r := range raw {
		responses[i] = json.RawMessage(r)
	}
	return responses
}
