// Package worker runs the broker consume loop: it pulls run-start jobs off
// the shared sink, dispatches each to the coordinator on its own goroutine
// (bounded by Concurrency), answers health probes, and recovers runs this
// instance abandoned in a previous life.
package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kilnworks/kiln/broker"
	"github.com/kilnworks/kiln/bus"
	"github.com/kilnworks/kiln/orchestrator"
	"github.com/kilnworks/kiln/telemetry"
)

const (
	// DefaultConcurrency bounds simultaneous runs per worker.
	DefaultConcurrency = 8
	// healthTTL is how long a health probe answer stays visible.
	healthTTL = time.Minute
)

type (
	// Options configures a Worker.
	Options struct {
		// Broker is the job source. Required.
		Broker *broker.Broker
		// Coordinator drives the runs. Required.
		Coordinator *orchestrator.Coordinator
		// Bus answers health probes and sweeps stale keys. Required.
		Bus bus.Client
		// InstanceID identifies this worker. Empty generates a fresh id.
		InstanceID string
		// Concurrency bounds simultaneous runs. Zero uses DefaultConcurrency.
		Concurrency int
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to no-op metrics.
		Metrics telemetry.Metrics
	}

	// Worker consumes run-start jobs until its context is canceled.
	Worker struct {
		broker      *broker.Broker
		coord       *orchestrator.Coordinator
		bus         bus.Client
		instanceID  string
		concurrency int
		logger      telemetry.Logger
		metrics     telemetry.Metrics
	}
)

// New validates the options and constructs a Worker.
func New(opts Options) (*Worker, error) {
	if opts.Broker == nil {
		return nil, errors.New("broker is required")
	}
	if opts.Coordinator == nil {
		return nil, errors.New("coordinator is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("bus client is required")
	}
	instanceID := opts.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()[:8]
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Worker{
		broker:      opts.Broker,
		coord:       opts.Coordinator,
		bus:         opts.Bus,
		instanceID:  instanceID,
		concurrency: concurrency,
		logger:      logger,
		metrics:     metrics,
	}, nil
}

// InstanceID returns the worker's instance identifier.
func (w *Worker) InstanceID() string { return w.instanceID }

// Run consumes jobs until ctx is canceled, then waits for in-flight runs to
// reach their terminal state before returning.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.RecoverStale(ctx); err != nil {
		w.logger.Warn(ctx, "stale run recovery failed", "instance_id", w.instanceID, "error", err)
	}

	deliveries, stop, err := w.broker.Consume(ctx)
	if err != nil {
		return err
	}
	defer stop()
	w.logger.Info(ctx, "worker consuming", "instance_id", w.instanceID, "concurrency", w.concurrency)

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	for d := range deliveries {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}
		wg.Add(1)
		go func(d broker.Delivery) {
			defer wg.Done()
			defer func() { <-sem }()
			w.handle(ctx, d)
		}(d)
	}
	wg.Wait()
	return ctx.Err()
}

// handle dispatches one delivery. Undecodable payloads are acked so a poison
// message cannot loop forever; coordinator setup errors leave the delivery
// unacked for redelivery to another worker.
func (w *Worker) handle(ctx context.Context, d broker.Delivery) {
	switch d.Event {
	case broker.EventAgentRun:
		job, err := d.DecodeAgentJob()
		if err != nil {
			w.discard(ctx, d, err)
			return
		}
		if err := w.coord.RunAgent(ctx, job); err != nil {
			w.logger.Error(ctx, "agent run not finalized, leaving for redelivery",
				"run_id", job.RunID, "error", err)
			return
		}
		w.ack(ctx, d)
	case broker.EventWorkflowRun:
		job, err := d.DecodeWorkflowJob()
		if err != nil {
			w.discard(ctx, d, err)
			return
		}
		if err := w.coord.RunWorkflow(ctx, job); err != nil {
			w.logger.Error(ctx, "workflow run not finalized, leaving for redelivery",
				"execution_id", job.ExecutionID, "error", err)
			return
		}
		w.ack(ctx, d)
	case broker.EventHealthCheck:
		probe, err := d.DecodeHealthProbe()
		if err != nil {
			w.discard(ctx, d, err)
			return
		}
		if err := w.bus.Set(ctx, probe.Key, "healthy", healthTTL); err != nil {
			w.logger.Warn(ctx, "health probe answer failed", "key", probe.Key, "error", err)
			return
		}
		w.ack(ctx, d)
	default:
		w.discard(ctx, d, errors.New("unknown event "+d.Event))
	}
}

func (w *Worker) ack(ctx context.Context, d broker.Delivery) {
	if err := d.Ack(ctx); err != nil {
		// Redelivery against the run lock or a terminal row is harmless.
		w.logger.Warn(ctx, "ack failed", "event", d.Event, "error", err)
	}
}

func (w *Worker) discard(ctx context.Context, d broker.Delivery, reason error) {
	w.logger.Error(ctx, "discarding undecodable job", "event", d.Event, "error", reason)
	w.metrics.IncCounter("jobs_discarded_total", 1, "event", d.Event)
	w.ack(ctx, d)
}

// RecoverStale sweeps heartbeat keys left behind by a previous process with
// this instance id: it broadcasts STOP for each abandoned run, releases the
// run lock if this instance still holds it, and deletes the heartbeat. Runs
// owned by other instances are untouched.
func (w *Worker) RecoverStale(ctx context.Context) error {
	prefix := "active_run:" + w.instanceID + ":"
	keys, err := w.bus.Keys(ctx, prefix+"*")
	if err != nil {
		return err
	}
	for _, key := range keys {
		runID := strings.TrimPrefix(key, prefix)
		if runID == "" || runID == key {
			continue
		}
		w.logger.Warn(ctx, "recovering stale run", "run_id", runID, "instance_id", w.instanceID)
		ns := bus.AgentRunNamespace(runID)
		if err := w.bus.Publish(ctx, ns.ControlChannel(), bus.ControlStop); err != nil {
			w.logger.Warn(ctx, "broadcast stop for stale run", "run_id", runID, "error", err)
		}
		lockKey := bus.RunLockKey(runID)
		if holder, err := w.bus.Get(ctx, lockKey); err == nil && holder == w.instanceID {
			if err := w.bus.Delete(ctx, lockKey); err != nil {
				w.logger.Warn(ctx, "release stale run lock", "run_id", runID, "error", err)
			}
		}
		if err := w.bus.Delete(ctx, key); err != nil {
			w.logger.Warn(ctx, "delete stale heartbeat", "run_id", runID, "error", err)
		}
		w.metrics.IncCounter("stale_runs_recovered_total", 1)
	}
	return nil
}
