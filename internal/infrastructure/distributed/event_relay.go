package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultEventChannel is the pub/sub channel every instance publishes on
const DefaultEventChannel = "peerlink:events"

// RelayedEvent is a connection event tagged with the instance that emitted it
type RelayedEvent struct {
	InstanceID string       `json:"instance_id"`
	Event      domain.Event `json:"event"`
}

// EventRelay mirrors local connection events onto a Redis channel so dashboards
// and other instances can follow them.
type EventRelay struct {
	client     redis.UniversalClient
	instanceID string
	channel    string
	breaker    *circuitbreaker.CircuitBreaker
	dropped    atomic.Uint64
	logger     *zap.SugaredLogger
}

// NewEventRelay builds a relay whose publishes go through a circuit breaker.
// While the breaker is open events are dropped without touching Redis.
func NewEventRelay(client redis.UniversalClient, instanceID, channel string, logger *zap.SugaredLogger) *EventRelay {
	if channel == "" {
		channel = DefaultEventChannel
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &EventRelay{
		client:     client,
		instanceID: instanceID,
		channel:    channel,
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig(),
			circuitbreaker.WithStateListener(func(from, to circuitbreaker.State) {
				logger.Infow("event relay circuit breaker state changed",
					"channel", channel,
					"from", from.String(),
					"to", to.String(),
				)
			}),
		),
		logger: logger,
	}
}

func (r *EventRelay) InstanceID() string {
	return r.instanceID
}

// Publish sends one event to the channel
func (r *EventRelay) Publish(ctx context.Context, event domain.Event) error {
	data, err := r.encode(event)
	if err != nil {
		return err
	}
	err = r.breaker.Execute(ctx, func(ctx context.Context) error {
		return r.client.Publish(ctx, r.channel, data).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	r.logger.Debugw("published event",
		"type", event.Type,
		"participant_id", event.ParticipantID,
	)
	return nil
}

// Forward publishes every event from source until ctx is done. Publish failures
// are logged and do not stop forwarding.
func (r *EventRelay) Forward(ctx context.Context, source ports.EventSource, types ...domain.EventType) error {
	events, cancel := source.Subscribe(types...)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			err := r.Publish(ctx, ev)
			if errors.Is(err, circuitbreaker.ErrOpen) {
				r.dropped.Add(1)
				continue
			}
			if err != nil {
				r.logger.Warnw("failed to relay event",
					"type", ev.Type,
					"participant_id", ev.ParticipantID,
					"error", err,
				)
			}
		}
	}
}

// Dropped counts events skipped by Forward while the breaker was open
func (r *EventRelay) Dropped() uint64 {
	return r.dropped.Load()
}

// BreakerState reports the publish circuit breaker state
func (r *EventRelay) BreakerState() circuitbreaker.State {
	return r.breaker.State()
}

// Subscribe calls handler for every event published by other instances until ctx is done
func (r *EventRelay) Subscribe(ctx context.Context, handler func(RelayedEvent) error) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.dispatch([]byte(msg.Payload), handler)
		}
	}
}

func (r *EventRelay) dispatch(payload []byte, handler func(RelayedEvent) error) {
	relayed, err := decode(payload)
	if err != nil {
		r.logger.Warnw("failed to unmarshal event",
			"error", err,
			"payload", string(payload),
		)
		return
	}
	if relayed.InstanceID == r.instanceID {
		return
	}
	if err := handler(relayed); err != nil {
		r.logger.Warnw("error handling event",
			"type", relayed.Event.Type,
			"instance_id", relayed.InstanceID,
			"error", err,
		)
	}
}

func (r *EventRelay) encode(event domain.Event) ([]byte, error) {
	data, err := json.Marshal(RelayedEvent{InstanceID: r.instanceID, Event: event})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

func decode(payload []byte) (RelayedEvent, error) {
	var relayed RelayedEvent
	if err := json.Unmarshal(payload, &relayed); err != nil {
		return RelayedEvent{}, err
	}
	if relayed.InstanceID == "" || relayed.Event.Type == "" {
		return RelayedEvent{}, fmt.Errorf("relayed event missing instance_id or type")
	}
	return relayed, nil
}
