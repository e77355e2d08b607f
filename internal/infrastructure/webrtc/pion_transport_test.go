package webrtc

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/services"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type foreignTrack struct{}

func (foreignTrack) ID() string                { return "foreign" }
func (foreignTrack) StreamID() string          { return "foreign" }
func (foreignTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeVideo }

func TestToPionConfiguration(t *testing.T) {
	cfg := domain.RTCConfiguration{
		ICEServers: []domain.ICEServer{
			{URLs: []string{"stun:stun.example.org:3478"}},
			{URLs: []string{"turn:turn.example.org:3478"}, Username: "user", Credential: "secret"},
		},
		ICECandidatePoolSize: 4,
		BundlePolicy:         domain.BundlePolicyMaxCompat,
	}

	pc := toPionConfiguration(cfg)
	require.Len(t, pc.ICEServers, 2)
	assert.Nil(t, pc.ICEServers[0].Credential)
	assert.Equal(t, "secret", pc.ICEServers[1].Credential)
	assert.Equal(t, webrtc.ICECredentialTypePassword, pc.ICEServers[1].CredentialType)
	assert.Equal(t, uint8(4), pc.ICECandidatePoolSize)
	assert.Equal(t, webrtc.BundlePolicyMaxCompat, pc.BundlePolicy)
}

func TestBundlePolicy(t *testing.T) {
	tests := map[string]webrtc.BundlePolicy{
		domain.BundlePolicyBalanced:  webrtc.BundlePolicyBalanced,
		domain.BundlePolicyMaxCompat: webrtc.BundlePolicyMaxCompat,
		domain.BundlePolicyMaxBundle: webrtc.BundlePolicyMaxBundle,
		"":                           webrtc.BundlePolicyMaxBundle,
	}
	for in, want := range tests {
		assert.Equal(t, want, bundlePolicy(in), in)
	}
}

func TestGatheringState(t *testing.T) {
	assert.Equal(t, webrtc.ICEGatheringStateNew, gatheringState(webrtc.ICEGathererStateNew))
	assert.Equal(t, webrtc.ICEGatheringStateGathering, gatheringState(webrtc.ICEGathererStateGathering))
	assert.Equal(t, webrtc.ICEGatheringStateComplete, gatheringState(webrtc.ICEGathererStateComplete))
	assert.Equal(t, webrtc.ICEGatheringStateComplete, gatheringState(webrtc.ICEGathererStateClosed))
}

func TestPionTransport_TracksAndOffer(t *testing.T) {
	factory := NewTransportFactory(Config{}, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	transport, err := factory.NewTransport(ctx, "alice", domain.RTCConfiguration{BundlePolicy: domain.BundlePolicyMaxBundle})
	require.NoError(t, err)
	defer transport.Close()

	video, err := NewLocalTrack(webrtc.RTPCodecTypeVideo, "camera", "alice-stream")
	require.NoError(t, err)
	audio, err := NewLocalTrack(webrtc.RTPCodecTypeAudio, "mic", "alice-stream")
	require.NoError(t, err)

	_, err = transport.AddTrack(video)
	require.NoError(t, err)
	_, err = transport.AddTrack(audio)
	require.NoError(t, err)

	_, err = transport.AddTrack(foreignTrack{})
	assert.ErrorIs(t, err, ErrUnsendableTrack)

	offer, err := transport.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.True(t, strings.Contains(offer.SDP, "m=video"))
	assert.True(t, strings.Contains(offer.SDP, "m=audio"))

	senders := transport.GetSenders()
	require.Len(t, senders, 2)
	assert.Equal(t, "camera", senders[0].Track().ID())

	screen, err := NewLocalTrack(webrtc.RTPCodecTypeVideo, "screen", "alice-stream")
	require.NoError(t, err)
	require.NoError(t, senders[0].ReplaceTrack(screen))
	assert.Equal(t, "screen", transport.GetSenders()[0].Track().ID())

	_, err = transport.GetStats(ctx)
	assert.NoError(t, err)

	require.NoError(t, transport.Close())
	require.NoError(t, transport.Close())
	_, err = transport.GetStats(ctx)
	assert.Error(t, err)
}

func TestNewLocalTrack_UnsupportedKind(t *testing.T) {
	_, err := NewLocalTrack(webrtc.RTPCodecType(0), "x", "y")
	assert.Error(t, err)
}

func TestLogFeedback(t *testing.T) {
	tr := &PionTransport{participantID: "alice", logger: zaptest.NewLogger(t).Sugar()}
	tr.logFeedback("camera", []rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: 1},
		&rtcp.TransportLayerNack{Nacks: []rtcp.NackPair{{PacketID: 10}}},
		&rtcp.ReceiverReport{Reports: []rtcp.ReceptionReport{{FractionLost: 12, Jitter: 30}}},
	})
}

// commitGathered sets desc as the local description and returns it once it
// carries every gathered candidate
func commitGathered(t *testing.T, tr *PionTransport, desc webrtc.SessionDescription) webrtc.SessionDescription {
	t.Helper()
	gathered := webrtc.GatheringCompletePromise(tr.pc)
	require.NoError(t, tr.SetLocalDescription(context.Background(), desc))
	select {
	case <-gathered:
	case <-time.After(10 * time.Second):
		t.Fatal("ICE gathering did not complete")
	}
	return *tr.pc.LocalDescription()
}

func TestPionTransport_StatsCountRTP(t *testing.T) {
	ctx := context.Background()
	// pion keeps logging from its own goroutines after the test returns
	factory := NewTransportFactory(Config{}, zap.NewNop().Sugar())
	rtcCfg := domain.RTCConfiguration{BundlePolicy: domain.BundlePolicyMaxBundle}

	callerTransport, err := factory.NewTransport(ctx, "callee", rtcCfg)
	require.NoError(t, err)
	defer callerTransport.Close()
	calleeTransport, err := factory.NewTransport(ctx, "caller", rtcCfg)
	require.NoError(t, err)
	defer calleeTransport.Close()

	caller := callerTransport.(*PionTransport)
	callee := calleeTransport.(*PionTransport)

	received := make(chan struct{})
	var once sync.Once
	callee.OnTrack(func(domain.Track) {
		once.Do(func() { close(received) })
	})

	video, err := NewLocalTrack(webrtc.RTPCodecTypeVideo, "camera", "caller-stream")
	require.NoError(t, err)
	_, err = caller.AddTrack(video)
	require.NoError(t, err)

	offer, err := caller.CreateOffer(ctx)
	require.NoError(t, err)
	require.NoError(t, callee.SetRemoteDescription(ctx, commitGathered(t, caller, offer)))

	answer, err := callee.CreateAnswer(ctx)
	require.NoError(t, err)
	require.NoError(t, caller.SetRemoteDescription(ctx, commitGathered(t, callee, answer)))

	var seq uint16
	sendBurst := func() {
		for i := 0; i < 20; i++ {
			seq++
			_ = video.WriteRTP(&rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    96,
					SequenceNumber: seq,
					Timestamp:      uint32(seq) * 3000,
				},
				Payload: make([]byte, 500),
			})
		}
	}
	reduce := func(tr *PionTransport) domain.ConnectionStats {
		report, err := tr.GetStats(ctx)
		if err != nil {
			return domain.ConnectionStats{}
		}
		return services.ReduceStats(report, time.Now())
	}

	require.Eventually(t, func() bool {
		sendBurst()
		select {
		case <-received:
			return true
		default:
			return false
		}
	}, 15*time.Second, 20*time.Millisecond)

	assert.Eventually(t, func() bool {
		sendBurst()
		sent := reduce(caller)
		got := reduce(callee)
		return sent.BytesSent > 0 && sent.PacketsSent > 0 &&
			got.BytesReceived > 0 && got.PacketsReceived > 0
	}, 10*time.Second, 20*time.Millisecond)
}
