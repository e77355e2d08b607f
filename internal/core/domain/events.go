package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a lifecycle or observability event
type EventType string

const (
	EventConnectionCreated         EventType = "connection-created"
	EventLocalStreamAdded          EventType = "local-stream-added"
	EventRemoteStreamAdded         EventType = "remote-stream-added"
	EventConnectionStateChanged    EventType = "connection-state-changed"
	EventICEConnectionStateChanged EventType = "ice-connection-state-changed"
	EventSignalingStateChanged     EventType = "signaling-state-changed"
	EventICEGatheringStateChanged  EventType = "ice-gathering-state-changed"
	EventOfferCreated              EventType = "offer-created"
	EventAnswerCreated             EventType = "answer-created"
	EventAnswerHandled             EventType = "answer-handled"
	EventICECandidateAdded         EventType = "ice-candidate-added"
	EventICECandidate              EventType = "ice-candidate"
	EventVideoTrackReplaced        EventType = "video-track-replaced"
	EventPeerConnectionClosed      EventType = "peer-connection-closed"
	EventStatsUpdated              EventType = "stats-updated"
	EventRTCConfigurationUpdated   EventType = "rtc-configuration-updated"
)

// AllEventTypes lists every event the manager emits
var AllEventTypes = []EventType{
	EventConnectionCreated,
	EventLocalStreamAdded,
	EventRemoteStreamAdded,
	EventConnectionStateChanged,
	EventICEConnectionStateChanged,
	EventSignalingStateChanged,
	EventICEGatheringStateChanged,
	EventOfferCreated,
	EventAnswerCreated,
	EventAnswerHandled,
	EventICECandidateAdded,
	EventICECandidate,
	EventVideoTrackReplaced,
	EventPeerConnectionClosed,
	EventStatsUpdated,
	EventRTCConfigurationUpdated,
}

// Event is the single tagged event value delivered to subscribers.
// Only the fields relevant to Type are set.
type Event struct {
	ID            string             `json:"id"`
	Type          EventType          `json:"type"`
	ParticipantID ParticipantID      `json:"participant_id,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
	State         string             `json:"state,omitempty"`
	StreamID      string             `json:"stream_id,omitempty"`
	TrackID       string             `json:"track_id,omitempty"`
	Envelope      *SignalingEnvelope `json:"envelope,omitempty"`
	Stats         *ConnectionStats   `json:"stats,omitempty"`
	RTCConfig     *RTCConfiguration  `json:"rtc_config,omitempty"`
}

// NewEvent creates an event with a fresh id and timestamp
func NewEvent(eventType EventType, participantID ParticipantID) Event {
	return Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		ParticipantID: participantID,
		Timestamp:     time.Now(),
	}
}
