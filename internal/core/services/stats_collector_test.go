package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/testutil"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestReduceStats(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		report webrtc.StatsReport
		want   domain.ConnectionStats
	}{
		{
			name:   "empty report",
			report: webrtc.StatsReport{},
			want:   domain.ConnectionStats{Timestamp: now},
		},
		{
			name: "sums rtp rows and takes worst jitter",
			report: webrtc.StatsReport{
				"in-video":  webrtc.InboundRTPStreamStats{BytesReceived: 1000, PacketsReceived: 10, PacketsLost: 1, Jitter: 0.004},
				"in-audio":  webrtc.InboundRTPStreamStats{BytesReceived: 200, PacketsReceived: 20, PacketsLost: 3, Jitter: 0.012},
				"out-video": webrtc.OutboundRTPStreamStats{BytesSent: 5000, PacketsSent: 50},
				"out-audio": webrtc.OutboundRTPStreamStats{BytesSent: 700, PacketsSent: 70},
				"codec":     webrtc.CodecStats{ID: "codec"},
			},
			want: domain.ConnectionStats{
				BytesReceived:   1200,
				BytesSent:       5700,
				PacketsReceived: 30,
				PacketsSent:     120,
				PacketsLost:     4,
				Jitter:          0.012,
				Timestamp:       now,
			},
		},
		{
			name: "negative loss clamped",
			report: webrtc.StatsReport{
				"in": webrtc.InboundRTPStreamStats{PacketsReceived: 5, PacketsLost: -2},
			},
			want: domain.ConnectionStats{PacketsReceived: 5, Timestamp: now},
		},
		{
			name: "latest succeeded candidate pair wins",
			report: webrtc.StatsReport{
				"old":    webrtc.ICECandidatePairStats{State: webrtc.StatsICECandidatePairStateSucceeded, CurrentRoundTripTime: 0.2, Timestamp: 100},
				"new":    webrtc.ICECandidatePairStats{State: webrtc.StatsICECandidatePairStateSucceeded, CurrentRoundTripTime: 0.05, Timestamp: 200},
				"failed": webrtc.ICECandidatePairStats{State: webrtc.StatsICECandidatePairStateFailed, CurrentRoundTripTime: 9, Timestamp: 300},
			},
			want: domain.ConnectionStats{RoundTripTime: 0.05, Timestamp: now},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReduceStats(tt.report, now))
		})
	}
}

func TestStatsCollector_CollectOnce(t *testing.T) {
	registry := NewConnectionRegistry()
	hub := NewEventHub(nil)
	collector := NewStatsCollector(registry, hub, 0, zaptest.NewLogger(t).Sugar())
	assert.Equal(t, DefaultStatsInterval, collector.Interval())

	failing := testutil.NewStubTransport("a", domain.DefaultRTCConfiguration())
	failing.SetStatsErr(errors.New("closed pipe"))
	healthy := testutil.NewStubTransport("b", domain.DefaultRTCConfiguration())
	healthy.SetStatsReport(webrtc.StatsReport{
		"out": webrtc.OutboundRTPStreamStats{BytesSent: 900, PacketsSent: 9},
	})

	require.NoError(t, registry.Put("a", NewConnectionRecord("a", failing, nil, time.Now())))
	require.NoError(t, registry.Put("b", NewConnectionRecord("b", healthy, nil, time.Now())))

	updates, cancel := hub.Subscribe(domain.EventStatsUpdated)
	defer cancel()

	collector.CollectOnce(context.Background())

	ev := <-updates
	assert.Equal(t, domain.ParticipantID("b"), ev.ParticipantID)
	require.NotNil(t, ev.Stats)
	assert.Equal(t, uint64(900), ev.Stats.BytesSent)
	assert.Len(t, updates, 0)

	rec, _ := registry.Get("b")
	assert.Equal(t, uint64(9), rec.Stats().PacketsSent)
}

func TestStatsCollector_StartStopIdempotent(t *testing.T) {
	collector := NewStatsCollector(NewConnectionRegistry(), nil, 5*time.Millisecond, nil)

	collector.Stop()
	collector.Start()
	collector.Start()
	assert.True(t, collector.Running())

	collector.Stop()
	collector.Stop()
	assert.False(t, collector.Running())

	collector.Start()
	assert.True(t, collector.Running())
	collector.Stop()
}

func TestStatsCollector_ConnectionClosedDuringCollection(t *testing.T) {
	f := newManagerFixture(t)
	f.create(t, "a")
	record, ok := f.manager.registry.Get("a")
	require.True(t, ok)

	transport := f.transports.Transport("a")
	transport.SetStatsReport(webrtc.StatsReport{
		"out": webrtc.OutboundRTPStreamStats{BytesSent: 900, PacketsSent: 9},
	})
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	transport.SetStatsHook(func() {
		once.Do(func() { close(entered) })
		<-release
	})

	events, cancel := f.hub.Subscribe(domain.EventStatsUpdated, domain.EventPeerConnectionClosed)
	defer cancel()

	done := make(chan struct{})
	go func() {
		f.manager.Stats().CollectOnce(context.Background())
		close(done)
	}()
	<-entered

	require.NoError(t, f.manager.CloseConnection("a"))
	close(release)
	<-done

	ev := nextEvent(t, events)
	assert.Equal(t, domain.EventPeerConnectionClosed, ev.Type)
	assertNoEvent(t, events)
	assert.Zero(t, record.Stats().BytesSent)
}
