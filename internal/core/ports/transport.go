package ports

import (
	"context"

	"peerlink/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// Transport is one bidirectional real-time connection to a remote participant.
// State callbacks are invoked asynchronously by the transport; they are the only
// source of state changes.
type Transport interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error
	AddICECandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error

	AddTrack(track domain.Track) (Sender, error)
	GetSenders() []Sender

	GetStats(ctx context.Context) (webrtc.StatsReport, error)
	Close() error

	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	OnSignalingStateChange(f func(webrtc.SignalingState))
	OnICEGatheringStateChange(f func(webrtc.ICEGatheringState))
	OnICECandidate(f func(webrtc.ICECandidateInit))
	OnTrack(f func(domain.Track))
}

// Sender is an outbound track slot on a transport
type Sender interface {
	// Track returns the current track, or nil when the slot is empty
	Track() domain.Track
	ReplaceTrack(track domain.Track) error
}

// TransportFactory creates transports for new connections
type TransportFactory interface {
	NewTransport(ctx context.Context, participantID domain.ParticipantID, cfg domain.RTCConfiguration) (Transport, error)
}
