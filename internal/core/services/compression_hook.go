package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"go.uber.org/zap"
)

var (
	ErrHookClosed  = errors.New("compression hook closed")
	ErrEmptyStream = errors.New("stream has no tracks")
)

// MetadataCompressionHook annotates outgoing streams with the connection's compression
// parameters. The codec consumes the metadata; nothing is computed here.
type MetadataCompressionHook struct {
	participantID domain.ParticipantID
	config        domain.CompressionConfig
	logger        *zap.SugaredLogger

	mu     sync.Mutex
	closed bool
}

func (h *MetadataCompressionHook) Apply(ctx context.Context, stream *domain.MediaStream, cfg domain.StreamConfig) (*domain.MediaStream, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return nil, ErrHookClosed
	}

	if stream == nil || len(stream.Tracks) == 0 {
		return nil, ErrEmptyStream
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stream config: %w", err)
	}

	meta := &domain.CompressionMetadata{
		Level:                 cfg.CompressionLevel,
		BitDepth:              h.config.QuantumBitDepth,
		EntanglementLevel:     h.config.EntanglementLevel,
		Complexity:            h.config.Complexity,
		InterferenceThreshold: h.config.InterferenceThreshold,
		Adaptive:              h.config.Adaptive,
		AppliedAt:             time.Now(),
	}
	if cfg.BitDepth > 0 {
		meta.BitDepth = cfg.BitDepth
	}
	if cfg.Adaptive != nil {
		meta.Adaptive = *cfg.Adaptive
	}

	annotated := stream.Clone()
	annotated.Compression = meta

	h.logger.Debugw("compression metadata attached",
		"participant_id", h.participantID,
		"stream_id", stream.ID,
		"level", meta.Level,
		"bit_depth", meta.BitDepth,
		"adaptive", meta.Adaptive,
	)
	return annotated, nil
}

func (h *MetadataCompressionHook) Config() domain.CompressionConfig {
	return h.config
}

// Close releases the hook; Apply fails afterwards. Closing twice is a no-op.
func (h *MetadataCompressionHook) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

// MetadataHookFactory builds a MetadataCompressionHook per connection
type MetadataHookFactory struct {
	logger *zap.SugaredLogger
}

func NewMetadataHookFactory(logger *zap.SugaredLogger) *MetadataHookFactory {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &MetadataHookFactory{logger: logger}
}

func (f *MetadataHookFactory) NewHook(participantID domain.ParticipantID, cfg domain.CompressionConfig) (ports.CompressionHook, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid compression config: %w", err)
	}
	return &MetadataCompressionHook{
		participantID: participantID,
		config:        cfg,
		logger:        f.logger,
	}, nil
}
