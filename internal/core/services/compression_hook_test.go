package services

import (
	"context"
	"testing"

	"peerlink/internal/core/domain"
	"peerlink/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataHookFactory_RejectsInvalidConfig(t *testing.T) {
	f := NewMetadataHookFactory(nil)

	cfg := domain.DefaultCompressionConfig()
	cfg.Complexity = 1.5
	_, err := f.NewHook("a", cfg)
	assert.Error(t, err)

	hook, err := f.NewHook("a", domain.DefaultCompressionConfig())
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultCompressionConfig(), hook.Config())
}

func TestMetadataCompressionHook_Apply(t *testing.T) {
	hook, err := NewMetadataHookFactory(nil).NewHook("a", domain.DefaultCompressionConfig())
	require.NoError(t, err)

	stream := domain.NewMediaStream("cam", testutil.NewVideoTrack("v", "cam"))

	out, err := hook.Apply(context.Background(), stream, domain.DefaultStreamConfig())
	require.NoError(t, err)
	require.NotNil(t, out.Compression)
	assert.Nil(t, stream.Compression)
	assert.Equal(t, 5, out.Compression.Level)
	assert.Equal(t, 8, out.Compression.BitDepth)
	assert.True(t, out.Compression.Adaptive)
	assert.Equal(t, 0.1, out.Compression.InterferenceThreshold)
	assert.False(t, out.Compression.AppliedAt.IsZero())

	_, err = hook.Apply(context.Background(), nil, domain.DefaultStreamConfig())
	assert.ErrorIs(t, err, ErrEmptyStream)

	require.NoError(t, hook.Close())
	require.NoError(t, hook.Close())
	_, err = hook.Apply(context.Background(), stream, domain.DefaultStreamConfig())
	assert.ErrorIs(t, err, ErrHookClosed)
}
