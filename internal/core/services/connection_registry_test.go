package services

import (
	"testing"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/testutil"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecord(id domain.ParticipantID) *ConnectionRecord {
	return NewConnectionRecord(id, testutil.NewStubTransport(id, domain.DefaultRTCConfiguration()), nil, time.Now())
}

func TestConnectionRegistry_PutGetRemove(t *testing.T) {
	r := NewConnectionRegistry()
	rec := newRecord("alice")

	require.NoError(t, r.Put("alice", rec))
	err := r.Put("alice", newRecord("alice"))
	assert.ErrorIs(t, err, domain.ErrDuplicateConnection)

	got, ok := r.Get("alice")
	require.True(t, ok)
	assert.Same(t, rec, got)
	assert.Equal(t, 1, r.Len())

	assert.Same(t, rec, r.Remove("alice"))
	assert.Nil(t, r.Remove("alice"))
	_, ok = r.Get("alice")
	assert.False(t, ok)
	assert.Zero(t, r.Len())
}

func TestConnectionRegistry_AllIsRestartable(t *testing.T) {
	r := NewConnectionRegistry()
	for _, id := range []domain.ParticipantID{"c", "a", "b"} {
		require.NoError(t, r.Put(id, newRecord(id)))
	}

	collect := func() []domain.ParticipantID {
		var ids []domain.ParticipantID
		for id := range r.All() {
			ids = append(ids, id)
		}
		return ids
	}

	assert.Equal(t, []domain.ParticipantID{"a", "b", "c"}, collect())
	assert.Equal(t, []domain.ParticipantID{"a", "b", "c"}, collect())

	r.Remove("b")
	assert.Equal(t, []domain.ParticipantID{"a", "c"}, collect())
	assert.Equal(t, []domain.ParticipantID{"a", "c"}, r.IDs())
}

func TestConnectionRegistry_AllSkipsRemovedDuringIteration(t *testing.T) {
	r := NewConnectionRegistry()
	for _, id := range []domain.ParticipantID{"a", "b", "c"} {
		require.NoError(t, r.Put(id, newRecord(id)))
	}

	var seen []domain.ParticipantID
	for id := range r.All() {
		seen = append(seen, id)
		if id == "a" {
			r.Remove("b")
			require.NoError(t, r.Put("d", newRecord("d")))
		}
	}

	assert.Equal(t, []domain.ParticipantID{"a", "c"}, seen)
}

func TestConnectionRegistry_AllStopsEarly(t *testing.T) {
	r := NewConnectionRegistry()
	for _, id := range []domain.ParticipantID{"a", "b", "c"} {
		require.NoError(t, r.Put(id, newRecord(id)))
	}

	count := 0
	for range r.All() {
		count++
		break
	}
	assert.Equal(t, 1, count)
}

func TestConnectionRecord_StateTransitionsRestampUpdatedAt(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := NewConnectionRecord("a", testutil.NewStubTransport("a", domain.DefaultRTCConfiguration()), nil, created)

	info := rec.Info()
	assert.Equal(t, created, info.CreatedAt)
	assert.Equal(t, created, info.UpdatedAt)
	assert.Equal(t, created, info.Stats.Timestamp)

	later := created.Add(time.Second)
	rec.setSignalingState(webrtc.SignalingStateHaveLocalOffer, later)
	assert.Equal(t, later, rec.Info().UpdatedAt)
}

func TestConnectionRecord_Streams(t *testing.T) {
	rec := newRecord("a")
	assert.Nil(t, rec.LocalStream())
	assert.Nil(t, rec.RemoteStream())

	video := testutil.NewVideoTrack("v", "s")
	rec.setLocalStream(domain.NewMediaStream("s", video))

	local := rec.LocalStream()
	local.Tracks[0] = testutil.NewVideoTrack("mutated", "s")
	assert.Equal(t, "v", rec.LocalStream().Tracks[0].ID())

	_, created := rec.addRemoteTrack(testutil.NewVideoTrack("rv", "remote"))
	assert.True(t, created)
	remote, created := rec.addRemoteTrack(testutil.NewAudioTrack("ra", "remote"))
	assert.False(t, created)
	assert.Len(t, remote.Tracks, 2)

	taken := rec.takeLocalStream()
	require.NotNil(t, taken)
	assert.False(t, rec.Info().HasLocalStream)
	assert.True(t, rec.Info().HasRemoteStream)
}

func TestConnectionRecord_CommitStatsAfterClose(t *testing.T) {
	rec := newRecord("a")
	published := 0

	assert.True(t, rec.commitStats(domain.ConnectionStats{BytesSent: 10}, func() { published++ }))
	rec.markClosed()
	assert.False(t, rec.commitStats(domain.ConnectionStats{BytesSent: 20}, func() { published++ }))

	assert.Equal(t, uint64(10), rec.Stats().BytesSent)
	assert.Equal(t, 1, published)
}
