package monitoring

import (
	"context"
	"strconv"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ConnectionMetrics turns connection events into Prometheus series
type ConnectionMetrics struct {
	registry *prometheus.Registry

	activeConnections   prometheus.Gauge
	connectionsCreated  prometheus.Counter
	connectionsClosed   prometheus.Counter
	stateTransitions    *prometheus.CounterVec
	signalingMessages   *prometheus.CounterVec
	candidatesExchanged *prometheus.CounterVec

	bytesReceived   *prometheus.GaugeVec
	bytesSent       *prometheus.GaugeVec
	packetsLost     *prometheus.GaugeVec
	roundTripTime   *prometheus.GaugeVec
	jitter          *prometheus.GaugeVec
	statsCollection prometheus.Counter

	rtpPackets *prometheus.CounterVec
	rtpBytes   *prometheus.CounterVec
}

// NewConnectionMetrics registers the series on a fresh registry. Go runtime and
// process collectors are included so /metrics serves a complete set.
func NewConnectionMetrics() *ConnectionMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	participant := []string{"participant_id"}

	return &ConnectionMetrics{
		registry: reg,

		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peerlink_connections_active",
			Help: "Number of open peer connections",
		}),
		connectionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_connections_created_total",
			Help: "Total number of peer connections created",
		}),
		connectionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_connections_closed_total",
			Help: "Total number of peer connections closed",
		}),
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_state_transitions_total",
			Help: "State transitions reported by transports",
		}, []string{"kind", "state"}),
		signalingMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_signaling_descriptions_total",
			Help: "Session descriptions created or applied",
		}, []string{"type"}),
		candidatesExchanged: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_ice_candidates_total",
			Help: "ICE candidates gathered locally or added from the remote side",
		}, []string{"direction"}),

		bytesReceived: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peerlink_connection_bytes_received",
			Help: "Bytes received on the connection as last reported by the transport",
		}, participant),
		bytesSent: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peerlink_connection_bytes_sent",
			Help: "Bytes sent on the connection as last reported by the transport",
		}, participant),
		packetsLost: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peerlink_connection_packets_lost",
			Help: "Inbound packets lost as last reported by the transport",
		}, participant),
		roundTripTime: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peerlink_connection_round_trip_time_seconds",
			Help: "Current round trip time of the selected candidate pair",
		}, participant),
		jitter: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peerlink_connection_jitter_seconds",
			Help: "Highest inbound jitter across streams",
		}, participant),
		statsCollection: factory.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_stats_updates_total",
			Help: "Stats snapshots published by the collector",
		}),

		rtpPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_rtp_packets_received_total",
			Help: "RTP packets read from remote tracks",
		}, []string{"payload_type"}),
		rtpBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_rtp_payload_bytes_received_total",
			Help: "RTP payload bytes read from remote tracks",
		}, []string{"payload_type"}),
	}
}

// Registry exposes the registry for the /metrics handler
func (m *ConnectionMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe applies one event
func (m *ConnectionMetrics) Observe(ev domain.Event) {
	id := string(ev.ParticipantID)

	switch ev.Type {
	case domain.EventConnectionCreated:
		m.activeConnections.Inc()
		m.connectionsCreated.Inc()

	case domain.EventPeerConnectionClosed:
		m.activeConnections.Dec()
		m.connectionsClosed.Inc()
		m.bytesReceived.DeleteLabelValues(id)
		m.bytesSent.DeleteLabelValues(id)
		m.packetsLost.DeleteLabelValues(id)
		m.roundTripTime.DeleteLabelValues(id)
		m.jitter.DeleteLabelValues(id)

	case domain.EventConnectionStateChanged:
		m.stateTransitions.WithLabelValues("connection", ev.State).Inc()
	case domain.EventICEConnectionStateChanged:
		m.stateTransitions.WithLabelValues("ice_connection", ev.State).Inc()
	case domain.EventSignalingStateChanged:
		m.stateTransitions.WithLabelValues("signaling", ev.State).Inc()
	case domain.EventICEGatheringStateChanged:
		m.stateTransitions.WithLabelValues("ice_gathering", ev.State).Inc()

	case domain.EventOfferCreated:
		m.signalingMessages.WithLabelValues("offer").Inc()
	case domain.EventAnswerCreated:
		m.signalingMessages.WithLabelValues("answer").Inc()
	case domain.EventAnswerHandled:
		m.signalingMessages.WithLabelValues("remote_answer").Inc()

	case domain.EventICECandidate:
		m.candidatesExchanged.WithLabelValues("local").Inc()
	case domain.EventICECandidateAdded:
		m.candidatesExchanged.WithLabelValues("remote").Inc()

	case domain.EventStatsUpdated:
		if ev.Stats == nil {
			return
		}
		m.statsCollection.Inc()
		m.bytesReceived.WithLabelValues(id).Set(float64(ev.Stats.BytesReceived))
		m.bytesSent.WithLabelValues(id).Set(float64(ev.Stats.BytesSent))
		m.packetsLost.WithLabelValues(id).Set(float64(ev.Stats.PacketsLost))
		m.roundTripTime.WithLabelValues(id).Set(ev.Stats.RoundTripTime)
		m.jitter.WithLabelValues(id).Set(ev.Stats.Jitter)
	}
}

// Run consumes events from source until ctx is done
func (m *ConnectionMetrics) Run(ctx context.Context, source ports.EventSource) {
	events, cancel := source.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.Observe(ev)
		}
	}
}

// ObservePacket counts one remote RTP packet. It matches webrtc.PacketSink.
func (m *ConnectionMetrics) ObservePacket(_ domain.ParticipantID, _ string, packet *rtp.Packet) {
	if packet == nil {
		return
	}
	pt := strconv.Itoa(int(packet.PayloadType))
	m.rtpPackets.WithLabelValues(pt).Inc()
	m.rtpBytes.WithLabelValues(pt).Add(float64(len(packet.Payload)))
}
