package domain

import (
	"time"

	"github.com/pion/webrtc/v3"
)

type ParticipantID string

// ConnectionStats is a snapshot of transport counters. The transport accumulates;
// this layer only re-reads and republishes.
type ConnectionStats struct {
	BytesReceived   uint64    `json:"bytes_received"`
	BytesSent       uint64    `json:"bytes_sent"`
	PacketsReceived uint64    `json:"packets_received"`
	PacketsSent     uint64    `json:"packets_sent"`
	PacketsLost     uint64    `json:"packets_lost"`
	Jitter          float64   `json:"jitter"`          // seconds
	RoundTripTime   float64   `json:"round_trip_time"` // seconds
	Timestamp       time.Time `json:"timestamp"`
}

// NewConnectionStats returns zeroed stats stamped with now
func NewConnectionStats(now time.Time) ConnectionStats {
	return ConnectionStats{Timestamp: now}
}

// ConnectionInfo is a read-only view of a connection record
type ConnectionInfo struct {
	ParticipantID      ParticipantID              `json:"participant_id"`
	ConnectionState    webrtc.PeerConnectionState `json:"-"`
	ICEConnectionState webrtc.ICEConnectionState  `json:"-"`
	SignalingState     webrtc.SignalingState      `json:"-"`
	ICEGatheringState  webrtc.ICEGatheringState   `json:"-"`
	HasLocalStream     bool                       `json:"has_local_stream"`
	HasRemoteStream    bool                       `json:"has_remote_stream"`
	Compression        CompressionConfig          `json:"compression"`
	Stats              ConnectionStats            `json:"stats"`
	CreatedAt          time.Time                  `json:"created_at"`
	UpdatedAt          time.Time                  `json:"updated_at"`
}

// States returns the state enumerations as strings, keyed the way the event surface names them
func (i ConnectionInfo) States() map[string]string {
	return map[string]string{
		"connection_state":     i.ConnectionState.String(),
		"ice_connection_state": i.ICEConnectionState.String(),
		"signaling_state":      i.SignalingState.String(),
		"ice_gathering_state":  i.ICEGatheringState.String(),
	}
}
