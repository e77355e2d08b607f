package ports

import (
	"context"

	"peerlink/internal/core/domain"
)

// EventPublisher receives every event the connection layer emits
type EventPublisher interface {
	Publish(event domain.Event)
}

// EventSource hands out event subscriptions
type EventSource interface {
	Subscribe(types ...domain.EventType) (<-chan domain.Event, func())
}

// ParticipantEventSource also hands out subscriptions limited to one participant
type ParticipantEventSource interface {
	EventSource
	SubscribeParticipant(id domain.ParticipantID, types ...domain.EventType) (<-chan domain.Event, func())
}

// PeerConnectionService is the connection orchestration surface consumed by the
// signaling relay and the HTTP API.
type PeerConnectionService interface {
	CreateConnection(ctx context.Context, id domain.ParticipantID, cfg domain.CompressionConfig) error
	AddLocalStream(ctx context.Context, id domain.ParticipantID, stream *domain.MediaStream, cfg domain.StreamConfig) error
	CreateOffer(ctx context.Context, id domain.ParticipantID) (domain.SignalingEnvelope, error)
	CreateAnswer(ctx context.Context, id domain.ParticipantID, remoteOffer domain.SignalingEnvelope) (domain.SignalingEnvelope, error)
	HandleAnswer(ctx context.Context, id domain.ParticipantID, remoteAnswer domain.SignalingEnvelope) error
	AddIceCandidate(ctx context.Context, id domain.ParticipantID, candidate domain.SignalingEnvelope) error
	ReplaceVideoTrack(ctx context.Context, id domain.ParticipantID, track domain.Track) error
	CloseConnection(id domain.ParticipantID) error

	GetConnectionStats(id domain.ParticipantID) (domain.ConnectionStats, error)
	GetAllConnectionStats() map[domain.ParticipantID]domain.ConnectionStats
	GetConnectionInfo(id domain.ParticipantID) (domain.ConnectionInfo, error)
	ParticipantIDs() []domain.ParticipantID

	RTCConfiguration() domain.RTCConfiguration
	UpdateRTCConfiguration(cfg domain.RTCConfiguration) error
	Destroy()
}

// TokenAuthorizer checks that a signaling token was issued to the participant
type TokenAuthorizer interface {
	Authorize(token string, id domain.ParticipantID) error
}
