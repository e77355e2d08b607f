package ports

import (
	"context"

	"peerlink/internal/core/domain"
)

// CompressionHook is the per-connection compression engine. It annotates outgoing
// streams; the codec itself lives behind it.
type CompressionHook interface {
	Apply(ctx context.Context, stream *domain.MediaStream, cfg domain.StreamConfig) (*domain.MediaStream, error)
	Config() domain.CompressionConfig
	Close() error
}

type CompressionHookFactory interface {
	NewHook(participantID domain.ParticipantID, cfg domain.CompressionConfig) (CompressionHook, error)
}
