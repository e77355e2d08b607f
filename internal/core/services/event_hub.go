package services

import (
	"sync"
	"sync/atomic"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"go.uber.org/zap"
)

const defaultSubscriberBuffer = 256

var _ ports.ParticipantEventSource = (*EventHub)(nil)

type subscription struct {
	ch          chan domain.Event
	types       map[domain.EventType]struct{}
	participant domain.ParticipantID
}

func (s *subscription) wants(t domain.EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// EventHub fans events out to typed subscriber channels. Publish never blocks:
// a subscriber whose buffer is full misses the event. Participant-scoped
// subscriptions are indexed by participant so Publish only visits the ones
// matching the event.
type EventHub struct {
	mu            sync.RWMutex
	subscribers   map[uint64]*subscription
	byParticipant map[domain.ParticipantID]map[uint64]*subscription
	nextID        uint64
	bufferSize  int
	dropped     atomic.Uint64

	logger *zap.SugaredLogger
}

func NewEventHub(logger *zap.SugaredLogger) *EventHub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &EventHub{
		subscribers:   make(map[uint64]*subscription),
		byParticipant: make(map[domain.ParticipantID]map[uint64]*subscription),
		bufferSize:    defaultSubscriberBuffer,
		logger:        logger,
	}
}

// SetBufferSize sets the channel capacity for subscriptions created afterwards
func (h *EventHub) SetBufferSize(size int) {
	if size < 1 {
		size = 1
	}
	h.mu.Lock()
	h.bufferSize = size
	h.mu.Unlock()
}

// Subscribe returns a channel receiving the given event types (all types when none
// are given) and a cancel func that closes the channel.
func (h *EventHub) Subscribe(types ...domain.EventType) (<-chan domain.Event, func()) {
	return h.subscribe("", types)
}

// SubscribeParticipant is Subscribe restricted to events about one participant
func (h *EventHub) SubscribeParticipant(id domain.ParticipantID, types ...domain.EventType) (<-chan domain.Event, func()) {
	return h.subscribe(id, types)
}

func (h *EventHub) subscribe(participant domain.ParticipantID, types []domain.EventType) (<-chan domain.Event, func()) {
	sub := &subscription{
		types:       make(map[domain.EventType]struct{}, len(types)),
		participant: participant,
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}

	h.mu.Lock()
	sub.ch = make(chan domain.Event, h.bufferSize)
	id := h.nextID
	h.nextID++
	if participant == "" {
		h.subscribers[id] = sub
	} else {
		scoped := h.byParticipant[participant]
		if scoped == nil {
			scoped = make(map[uint64]*subscription)
			h.byParticipant[participant] = scoped
		}
		scoped[id] = sub
	}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if participant == "" {
				delete(h.subscribers, id)
			} else {
				delete(h.byParticipant[participant], id)
				if len(h.byParticipant[participant]) == 0 {
					delete(h.byParticipant, participant)
				}
			}
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers the event to every interested subscriber
func (h *EventHub) Publish(event domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscribers {
		h.deliver(sub, event)
	}
	if event.ParticipantID != "" {
		for _, sub := range h.byParticipant[event.ParticipantID] {
			h.deliver(sub, event)
		}
	}
}

func (h *EventHub) deliver(sub *subscription, event domain.Event) {
	if !sub.wants(event.Type) {
		return
	}
	select {
	case sub.ch <- event:
	default:
		h.dropped.Add(1)
		h.logger.Warnw("event subscriber buffer full, dropping event",
			"type", event.Type,
			"participant_id", event.ParticipantID,
			"subscriber_participant_id", sub.participant,
		)
	}
}

// SubscriberCount returns the number of live subscriptions
func (h *EventHub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := len(h.subscribers)
	for _, scoped := range h.byParticipant {
		n += len(scoped)
	}
	return n
}

// Dropped returns how many deliveries were skipped because a subscriber was full
func (h *EventHub) Dropped() uint64 {
	return h.dropped.Load()
}
