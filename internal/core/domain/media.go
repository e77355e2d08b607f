package domain

import (
	"github.com/pion/webrtc/v3"
)

// Track is the part of a media track this layer needs. Both pion local and remote tracks satisfy it.
type Track interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// MediaStream groups tracks under a stream id
type MediaStream struct {
	ID          string
	Tracks      []Track
	Compression *CompressionMetadata
}

// NewMediaStream creates a stream from tracks
func NewMediaStream(id string, tracks ...Track) *MediaStream {
	return &MediaStream{ID: id, Tracks: tracks}
}

// VideoTracks returns the video tracks of the stream
func (s *MediaStream) VideoTracks() []Track {
	return s.tracksOfKind(webrtc.RTPCodecTypeVideo)
}

// AudioTracks returns the audio tracks of the stream
func (s *MediaStream) AudioTracks() []Track {
	return s.tracksOfKind(webrtc.RTPCodecTypeAudio)
}

func (s *MediaStream) tracksOfKind(kind webrtc.RTPCodecType) []Track {
	var out []Track
	for _, t := range s.Tracks {
		if t != nil && t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// ReplaceTrack swaps old for replacement, keeping the track order. Reports whether old was found.
func (s *MediaStream) ReplaceTrack(old, replacement Track) bool {
	for i, t := range s.Tracks {
		if t == old {
			s.Tracks[i] = replacement
			return true
		}
	}
	return false
}

// Clone returns a shallow copy with its own track slice
func (s *MediaStream) Clone() *MediaStream {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Tracks = append([]Track(nil), s.Tracks...)
	if s.Compression != nil {
		meta := *s.Compression
		cp.Compression = &meta
	}
	return &cp
}

// Stop stops every track that supports stopping and returns the first error
func (s *MediaStream) Stop() error {
	var firstErr error
	for _, t := range s.Tracks {
		stopper, ok := t.(interface{ Stop() error })
		if !ok {
			continue
		}
		if err := stopper.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
