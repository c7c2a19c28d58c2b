// Package broker implements the task broker: an at-least-once job queue
// carrying run-start messages, built on Pulse streams. Each worker joins a
// shared sink (consumer group); unacked deliveries are redelivered after a
// crash, and the coordinator's idempotent claim absorbs the duplicates.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/pulse/streaming"

	pulseclient "github.com/kilnworks/kiln/broker/clients/pulse"
)

const (
	// DefaultStreamName is the Pulse stream carrying run-start jobs.
	DefaultStreamName = "run_jobs"
	// DefaultSinkName is the consumer group shared by all workers.
	DefaultSinkName = "workers"
)

type (
	// Options configures the broker.
	Options struct {
		// Client is the Pulse client. Required.
		Client pulseclient.Client
		// StreamName overrides the job stream name.
		StreamName string
		// SinkName overrides the consumer group name.
		SinkName string
	}

	// Broker enqueues and consumes run-start jobs.
	Broker struct {
		stream   pulseclient.Stream
		sinkName string
	}

	// Delivery is one job delivered to a worker. Ack marks it processed;
	// unacked deliveries are eventually redelivered to another worker.
	Delivery struct {
		// Event is the job discriminant (EventAgentRun, EventWorkflowRun,
		// EventHealthCheck).
		Event string
		// Payload is the JSON job body.
		Payload []byte

		sink pulseclient.Sink
		evt  *streaming.Event
	}
)

// New constructs a Broker on the configured Pulse stream.
func New(opts Options) (*Broker, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.StreamName
	if name == "" {
		name = DefaultStreamName
	}
	stream, err := opts.Client.Stream(name)
	if err != nil {
		return nil, fmt.Errorf("open job stream: %w", err)
	}
	sinkName := opts.SinkName
	if sinkName == "" {
		sinkName = DefaultSinkName
	}
	return &Broker{stream: stream, sinkName: sinkName}, nil
}

// EnqueueAgentRun publishes an agent run-start job.
func (b *Broker) EnqueueAgentRun(ctx context.Context, job AgentJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	return b.enqueue(ctx, EventAgentRun, job)
}

// EnqueueWorkflowRun publishes a workflow run-start job.
func (b *Broker) EnqueueWorkflowRun(ctx context.Context, job WorkflowJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	return b.enqueue(ctx, EventWorkflowRun, job)
}

// EnqueueHealthCheck publishes a worker liveness probe.
func (b *Broker) EnqueueHealthCheck(ctx context.Context, probe HealthProbe) error {
	if probe.Key == "" {
		return errors.New("health probe: key is required")
	}
	return b.enqueue(ctx, EventHealthCheck, probe)
}

func (b *Broker) enqueue(ctx context.Context, event string, job any) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal %s job: %w", event, err)
	}
	if _, err := b.stream.Add(ctx, event, payload); err != nil {
		return fmt.Errorf("enqueue %s job: %w", event, err)
	}
	return nil
}

// Consume joins the worker consumer group and returns a channel of
// deliveries. The channel closes when ctx is canceled; the returned stop
// function closes the sink and must be called to release the consumer.
func (b *Broker) Consume(ctx context.Context) (<-chan Delivery, func(), error) {
	sink, err := b.stream.NewSink(ctx, b.sinkName)
	if err != nil {
		return nil, nil, fmt.Errorf("join consumer group %s: %w", b.sinkName, err)
	}
	deliveries := make(chan Delivery)
	consumeCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(deliveries)
		events := sink.Subscribe()
		for {
			select {
			case <-consumeCtx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				d := Delivery{
					Event:   evt.EventName,
					Payload: evt.Payload,
					sink:    sink,
					evt:     evt,
				}
				select {
				case deliveries <- d:
				case <-consumeCtx.Done():
					return
				}
			}
		}
	}()
	stop := func() {
		cancel()
		sink.Close(context.Background())
	}
	return deliveries, stop, nil
}

// Ack acknowledges the delivery, removing it from the pending list.
func (d Delivery) Ack(ctx context.Context) error {
	if d.sink == nil {
		return nil
	}
	return d.sink.Ack(ctx, d.evt)
}

// DecodeAgentJob decodes an EventAgentRun payload.
func (d Delivery) DecodeAgentJob() (AgentJob, error) {
	var job AgentJob
	if err := json.Unmarshal(d.Payload, &job); err != nil {
		return AgentJob{}, fmt.Errorf("decode agent job: %w", err)
	}
	return job, nil
}

// DecodeWorkflowJob decodes an EventWorkflowRun payload.
func (d Delivery) DecodeWorkflowJob() (WorkflowJob, error) {
	var job WorkflowJob
	if err := json.Unmarshal(d.Payload, &job); err != nil {
		return WorkflowJob{}, fmt.Errorf("decode workflow job: %w", err)
	}
	return job, nil
}

// DecodeHealthProbe decodes an EventHealthCheck payload.
func (d Delivery) DecodeHealthProbe() (HealthProbe, error) {
	var probe HealthProbe
	if err := json.Unmarshal(d.Payload, &probe); err != nil {
		return HealthProbe{}, fmt.Errorf("decode health probe: %w", err)
	}
	return probe, nil
}
