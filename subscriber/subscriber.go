// Package subscriber implements the consumer side of the streaming protocol:
// replay the response list from the top, follow live appends via the
// notification channel, and terminate on the run's control signal. Because
// appends and notifications are scheduled independently by the coordinator, a
// notification may arrive before its event is visible; the subscriber always
// re-reads the unseen tail of the list instead of assuming one event per
// notification.
package subscriber

import (
	"context"
	"errors"
	"time"

	"github.com/kilnworks/kiln/bus"
	"github.com/kilnworks/kiln/producer"
	"github.com/kilnworks/kiln/store"
	"github.com/kilnworks/kiln/telemetry"
)

// DefaultPollInterval is the fallback re-read cadence. It covers two gaps
// pub/sub cannot: notifications published before this subscriber connected,
// and terminal signals broadcast before it subscribed.
const DefaultPollInterval = 2 * time.Second

type (
	// StatusProbe reports the run's stored status. Optional; it lets a late
	// subscriber detect a run that terminated before the subscription
	// existed, since control signals are not retained.
	StatusProbe func(ctx context.Context) (store.Status, error)

	// Options configures a Subscriber.
	Options struct {
		// Bus is the streaming bus. Required.
		Bus bus.Client
		// Namespace is the run's stream namespace. Required.
		Namespace bus.Namespace
		// Status detects already-terminated runs. Optional.
		Status StatusProbe
		// PollInterval overrides DefaultPollInterval.
		PollInterval time.Duration
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Subscriber follows one run's response stream.
	Subscriber struct {
		bus    bus.Client
		ns     bus.Namespace
		status StatusProbe
		poll   time.Duration
		logger telemetry.Logger
	}
)

// New validates the options and constructs a Subscriber.
func New(opts Options) (*Subscriber, error) {
	if opts.Bus == nil {
		return nil, errors.New("bus client is required")
	}
	if err := opts.Namespace.Validate(); err != nil {
		return nil, err
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Subscriber{
		bus:    opts.Bus,
		ns:     opts.Namespace,
		status: opts.Status,
		poll:   poll,
		logger: logger,
	}, nil
}

// Follow replays the run's existing events and then follows live appends,
// calling fn once per event in list order. It returns the terminal control
// payload (END_STREAM, ERROR or STOP) once the run ends, or ctx.Err() when
// the caller gives up first. fn returning an error aborts the follow.
func (s *Subscriber) Follow(ctx context.Context, fn func(producer.Event) error) (string, error) {
	// Subscribe before the initial replay so no append is missed between
	// the list read and the subscription.
	sub, err := s.bus.Subscribe(ctx, s.ns.NotificationChannel(), s.ns.ControlChannel())
	if err != nil {
		return "", err
	}
	defer func() {
		if err := sub.Close(); err != nil {
			s.logger.Warn(ctx, "close stream subscription", "namespace", string(s.ns), "error", err)
		}
	}()

	var next int64
	emit := func() error {
		events, err := s.bus.LRange(ctx, s.ns.ResponsesKey(), next, -1)
		if err != nil {
			return err
		}
		for _, raw := range events {
			if err := fn(producer.Event(raw)); err != nil {
				return err
			}
			next++
		}
		return nil
	}
	if err := emit(); err != nil {
		return "", err
	}
	if s.status != nil {
		if signal, ok, err := s.probe(ctx); err != nil {
			return "", err
		} else if ok {
			return signal, nil
		}
	}

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				return "", errors.New("stream subscription closed")
			}
			switch msg.Channel {
			case s.ns.NotificationChannel():
				if err := emit(); err != nil {
					return "", err
				}
			case s.ns.ControlChannel():
				if signal := msg.Payload; isTerminalSignal(signal) {
					// Drain the tail: the terminal event may land just
					// before the broadcast.
					if err := emit(); err != nil {
						return "", err
					}
					return signal, nil
				}
			}
		case <-ticker.C:
			if err := emit(); err != nil {
				return "", err
			}
			if s.status == nil {
				continue
			}
			if signal, ok, err := s.probe(ctx); err != nil {
				return "", err
			} else if ok {
				return signal, nil
			}
		}
	}
}

// probe maps a stored terminal status to the control signal the subscriber
// missed.
func (s *Subscriber) probe(ctx context.Context) (string, bool, error) {
	status, err := s.status(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	if !status.Terminal() {
		return "", false, nil
	}
	switch status {
	case store.StatusFailed:
		return bus.ControlError, true, nil
	case store.StatusStopped:
		return bus.ControlStop, true, nil
	default:
		return bus.ControlEndStream, true, nil
	}
}

func isTerminalSignal(payload string) bool {
	switch payload {
	case bus.ControlEndStream, bus.ControlError, bus.ControlStop:
		return true
	}
	return false
}
