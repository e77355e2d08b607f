package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var _ ports.PeerConnectionService = (*PeerConnectionManager)(nil)

// PeerConnectionManager creates, negotiates and tears down one connection per
// remote participant.
type PeerConnectionManager struct {
	registry   *ConnectionRegistry
	stats      *StatsCollector
	transports ports.TransportFactory
	hooks      ports.CompressionHookFactory
	events     ports.EventPublisher
	logger     *zap.SugaredLogger
	now        func() time.Time

	cfgMu     sync.RWMutex
	rtcConfig domain.RTCConfiguration
}

type ManagerOption func(*managerOptions)

type managerOptions struct {
	logger        *zap.SugaredLogger
	statsInterval time.Duration
	now           func() time.Time
	events        ports.EventPublisher
}

func WithLogger(logger *zap.SugaredLogger) ManagerOption {
	return func(o *managerOptions) { o.logger = logger }
}

func WithStatsInterval(interval time.Duration) ManagerOption {
	return func(o *managerOptions) { o.statsInterval = interval }
}

// WithClock overrides the time source used for record and stats timestamps
func WithClock(now func() time.Time) ManagerOption {
	return func(o *managerOptions) { o.now = now }
}

// WithEventPublisher sets where events go. Without it the manager publishes to a
// private EventHub reachable through Events().
func WithEventPublisher(events ports.EventPublisher) ManagerOption {
	return func(o *managerOptions) { o.events = events }
}

// NewPeerConnectionManager builds a manager. The stats loop starts with the first connection.
func NewPeerConnectionManager(
	rtcConfig domain.RTCConfiguration,
	transports ports.TransportFactory,
	hooks ports.CompressionHookFactory,
	opts ...ManagerOption,
) (*PeerConnectionManager, error) {
	if transports == nil {
		return nil, fmt.Errorf("transport factory is required")
	}
	if hooks == nil {
		return nil, fmt.Errorf("compression hook factory is required")
	}
	if err := rtcConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rtc configuration: %w", err)
	}

	o := managerOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop().Sugar()
	}
	if o.events == nil {
		o.events = NewEventHub(o.logger)
	}

	registry := NewConnectionRegistry()
	stats := NewStatsCollector(registry, o.events, o.statsInterval, o.logger)
	stats.now = o.now

	return &PeerConnectionManager{
		registry:   registry,
		stats:      stats,
		transports: transports,
		hooks:      hooks,
		events:     o.events,
		logger:     o.logger,
		now:        o.now,
		rtcConfig:  rtcConfig.Clone(),
	}, nil
}

// Events returns the publisher the manager emits to
func (m *PeerConnectionManager) Events() ports.EventPublisher {
	return m.events
}

// Stats returns the collector polling this manager's connections
func (m *PeerConnectionManager) Stats() *StatsCollector {
	return m.stats
}

func (m *PeerConnectionManager) CreateConnection(ctx context.Context, id domain.ParticipantID, cfg domain.CompressionConfig) (err error) {
	ctx, span := tracing.TraceWebRTC(ctx, "create_connection", string(id))
	defer span.End()
	defer func() { recordError(ctx, err) }()

	if _, exists := m.registry.Get(id); exists {
		return domain.NewConnectionError(domain.KindDuplicateConnection, id, "connection already exists", nil)
	}

	transport, err := m.transports.NewTransport(ctx, id, m.RTCConfiguration())
	if err != nil {
		return domain.NewConnectionError(domain.KindSignalingError, id, "failed to create transport", err)
	}

	hook, err := m.hooks.NewHook(id, cfg)
	if err != nil {
		m.closeTransport(id, transport)
		return domain.NewConnectionError(domain.KindCompressionFailed, id, "failed to create compression hook", err)
	}

	record := NewConnectionRecord(id, transport, hook, m.now())
	if err := m.registry.Put(id, record); err != nil {
		m.closeTransport(id, transport)
		_ = hook.Close()
		return err
	}

	m.wireCallbacks(record)
	m.stats.Start()

	m.logger.Infow("connection created",
		"participant_id", id,
		"quantum_bit_depth", cfg.QuantumBitDepth,
		"entanglement_level", cfg.EntanglementLevel,
	)
	m.publish(domain.NewEvent(domain.EventConnectionCreated, id))
	return nil
}

func (m *PeerConnectionManager) AddLocalStream(ctx context.Context, id domain.ParticipantID, stream *domain.MediaStream, cfg domain.StreamConfig) (err error) {
	ctx, span := tracing.TraceWebRTC(ctx, "add_local_stream", string(id))
	defer span.End()
	defer func() { recordError(ctx, err) }()

	record, err := m.lookup(id)
	if err != nil {
		return err
	}

	if err := m.lockOp(record); err != nil {
		return err
	}
	defer record.opMu.Unlock()

	if record.hasLocalStream() {
		return domain.NewConnectionError(domain.KindMediaAccessDenied, id, "local stream already added", nil)
	}
	if record.Hook == nil {
		return domain.NewConnectionError(domain.KindCompressionFailed, id, "no compression hook", nil)
	}

	annotated, err := record.Hook.Apply(ctx, stream, cfg)
	if err != nil {
		return domain.NewConnectionError(domain.KindCompressionFailed, id, "compression hook rejected stream", err)
	}

	for _, track := range annotated.Tracks {
		if _, err := record.Transport.AddTrack(track); err != nil {
			return domain.NewConnectionError(domain.KindMediaAccessDenied, id, "failed to add track", err).
				WithDetails(map[string]interface{}{"track_id": track.ID()})
		}
	}
	record.setLocalStream(annotated)

	m.logger.Infow("local stream added",
		"participant_id", id,
		"stream_id", annotated.ID,
		"tracks", len(annotated.Tracks),
		"compression_level", cfg.CompressionLevel,
	)

	event := domain.NewEvent(domain.EventLocalStreamAdded, id)
	event.StreamID = annotated.ID
	m.publish(event)
	return nil
}

func (m *PeerConnectionManager) CreateOffer(ctx context.Context, id domain.ParticipantID) (env domain.SignalingEnvelope, err error) {
	ctx, span := tracing.TraceWebRTC(ctx, "create_offer", string(id))
	defer span.End()
	defer func() { recordError(ctx, err) }()

	record, err := m.lookup(id)
	if err != nil {
		return domain.SignalingEnvelope{}, err
	}

	if err := m.lockOp(record); err != nil {
		return domain.SignalingEnvelope{}, err
	}
	defer record.opMu.Unlock()

	offer, err := record.Transport.CreateOffer(ctx)
	if err != nil {
		return domain.SignalingEnvelope{}, signalingError(id, "failed to create offer", err)
	}
	if err := record.Transport.SetLocalDescription(ctx, offer); err != nil {
		return domain.SignalingEnvelope{}, signalingError(id, "failed to set local offer", err)
	}

	env, err = domain.EnvelopeFromDescription(offer)
	if err != nil {
		return domain.SignalingEnvelope{}, signalingError(id, "transport returned invalid offer", err)
	}

	m.logger.Debugw("offer created", "participant_id", id)
	event := domain.NewEvent(domain.EventOfferCreated, id)
	event.Envelope = &env
	m.publish(event)
	return env, nil
}

func (m *PeerConnectionManager) CreateAnswer(ctx context.Context, id domain.ParticipantID, remoteOffer domain.SignalingEnvelope) (env domain.SignalingEnvelope, err error) {
	ctx, span := tracing.TraceWebRTC(ctx, "create_answer", string(id))
	defer span.End()
	defer func() { recordError(ctx, err) }()

	record, err := m.lookup(id)
	if err != nil {
		return domain.SignalingEnvelope{}, err
	}
	if remoteOffer.Kind != domain.EnvelopeOffer {
		return domain.SignalingEnvelope{}, signalingError(id, "remote description is not an offer",
			fmt.Errorf("envelope kind %q", remoteOffer.Kind))
	}

	if err := m.lockOp(record); err != nil {
		return domain.SignalingEnvelope{}, err
	}
	defer record.opMu.Unlock()

	offer, err := remoteOffer.SessionDescription()
	if err != nil {
		return domain.SignalingEnvelope{}, signalingError(id, "invalid remote offer", err)
	}
	if err := record.Transport.SetRemoteDescription(ctx, offer); err != nil {
		return domain.SignalingEnvelope{}, signalingError(id, "failed to set remote offer", err)
	}

	answer, err := record.Transport.CreateAnswer(ctx)
	if err != nil {
		return domain.SignalingEnvelope{}, signalingError(id, "failed to create answer", err)
	}
	if err := record.Transport.SetLocalDescription(ctx, answer); err != nil {
		return domain.SignalingEnvelope{}, signalingError(id, "failed to set local answer", err)
	}

	env, err = domain.EnvelopeFromDescription(answer)
	if err != nil {
		return domain.SignalingEnvelope{}, signalingError(id, "transport returned invalid answer", err)
	}

	m.logger.Debugw("answer created", "participant_id", id)
	event := domain.NewEvent(domain.EventAnswerCreated, id)
	event.Envelope = &env
	m.publish(event)
	return env, nil
}

func (m *PeerConnectionManager) HandleAnswer(ctx context.Context, id domain.ParticipantID, remoteAnswer domain.SignalingEnvelope) (err error) {
	ctx, span := tracing.TraceWebRTC(ctx, "handle_answer", string(id))
	defer span.End()
	defer func() { recordError(ctx, err) }()

	record, err := m.lookup(id)
	if err != nil {
		return err
	}
	if remoteAnswer.Kind != domain.EnvelopeAnswer {
		return signalingError(id, "remote description is not an answer",
			fmt.Errorf("envelope kind %q", remoteAnswer.Kind))
	}

	if err := m.lockOp(record); err != nil {
		return err
	}
	defer record.opMu.Unlock()

	answer, err := remoteAnswer.SessionDescription()
	if err != nil {
		return signalingError(id, "invalid remote answer", err)
	}
	if err := record.Transport.SetRemoteDescription(ctx, answer); err != nil {
		return signalingError(id, "failed to set remote answer", err)
	}

	m.logger.Debugw("answer handled", "participant_id", id)
	m.publish(domain.NewEvent(domain.EventAnswerHandled, id))
	return nil
}

func (m *PeerConnectionManager) AddIceCandidate(ctx context.Context, id domain.ParticipantID, candidate domain.SignalingEnvelope) (err error) {
	ctx, span := tracing.TraceWebRTC(ctx, "add_ice_candidate", string(id))
	defer span.End()
	defer func() { recordError(ctx, err) }()

	record, err := m.lookup(id)
	if err != nil {
		return err
	}

	init, err := candidate.ICECandidateInit()
	if err != nil {
		return domain.NewConnectionError(domain.KindIceGatheringFailed, id, "invalid candidate", err)
	}

	if err := m.lockOp(record); err != nil {
		return err
	}
	defer record.opMu.Unlock()

	if err := record.Transport.AddICECandidate(ctx, init); err != nil {
		return domain.NewConnectionError(domain.KindIceGatheringFailed, id, "failed to add ice candidate", err)
	}

	event := domain.NewEvent(domain.EventICECandidateAdded, id)
	event.Envelope = &candidate
	m.publish(event)
	return nil
}

// ReplaceVideoTrack swaps the track on the first sender currently carrying video
func (m *PeerConnectionManager) ReplaceVideoTrack(ctx context.Context, id domain.ParticipantID, track domain.Track) (err error) {
	ctx, span := tracing.TraceWebRTC(ctx, "replace_video_track", string(id))
	defer span.End()
	defer func() { recordError(ctx, err) }()

	record, err := m.lookup(id)
	if err != nil {
		return err
	}
	if track == nil {
		return domain.NewConnectionError(domain.KindMediaAccessDenied, id, "replacement track is nil", nil)
	}

	if err := m.lockOp(record); err != nil {
		return err
	}
	defer record.opMu.Unlock()

	var (
		sender ports.Sender
		old    domain.Track
	)
	for _, s := range record.Transport.GetSenders() {
		if t := s.Track(); t != nil && t.Kind() == webrtc.RTPCodecTypeVideo {
			sender, old = s, t
			break
		}
	}
	if sender == nil {
		return domain.NewConnectionError(domain.KindMediaAccessDenied, id, "no video sender", nil)
	}

	if err := sender.ReplaceTrack(track); err != nil {
		return domain.NewConnectionError(domain.KindMediaAccessDenied, id, "failed to replace video track", err)
	}
	record.replaceLocalTrack(old, track)

	m.logger.Infow("video track replaced",
		"participant_id", id,
		"old_track_id", old.ID(),
		"track_id", track.ID(),
	)

	event := domain.NewEvent(domain.EventVideoTrackReplaced, id)
	event.TrackID = track.ID()
	m.publish(event)
	return nil
}

// CloseConnection tears down the participant's connection. Closing an unknown
// participant is a no-op.
func (m *PeerConnectionManager) CloseConnection(id domain.ParticipantID) error {
	record := m.registry.Remove(id)
	if record == nil {
		return nil
	}
	record.markClosed()

	m.closeTransport(id, record.Transport)

	if stream := record.takeLocalStream(); stream != nil {
		if err := stream.Stop(); err != nil {
			m.logger.Warnw("failed to stop local tracks", "participant_id", id, "error", err)
		}
	}
	if record.Hook != nil {
		if err := record.Hook.Close(); err != nil {
			m.logger.Warnw("failed to close compression hook", "participant_id", id, "error", err)
		}
	}

	m.logger.Infow("connection closed", "participant_id", id)
	m.publish(domain.NewEvent(domain.EventPeerConnectionClosed, id))
	return nil
}

func (m *PeerConnectionManager) GetConnectionStats(id domain.ParticipantID) (domain.ConnectionStats, error) {
	record, err := m.lookup(id)
	if err != nil {
		return domain.ConnectionStats{}, err
	}
	return record.Stats(), nil
}

func (m *PeerConnectionManager) GetAllConnectionStats() map[domain.ParticipantID]domain.ConnectionStats {
	out := make(map[domain.ParticipantID]domain.ConnectionStats, m.registry.Len())
	for id, record := range m.registry.All() {
		out[id] = record.Stats()
	}
	return out
}

func (m *PeerConnectionManager) GetConnectionInfo(id domain.ParticipantID) (domain.ConnectionInfo, error) {
	record, err := m.lookup(id)
	if err != nil {
		return domain.ConnectionInfo{}, err
	}
	return record.Info(), nil
}

func (m *PeerConnectionManager) ParticipantIDs() []domain.ParticipantID {
	return m.registry.IDs()
}

// RTCConfiguration returns a copy of the configuration used for new connections
func (m *PeerConnectionManager) RTCConfiguration() domain.RTCConfiguration {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.rtcConfig.Clone()
}

// UpdateRTCConfiguration replaces the configuration for connections created
// afterwards. Existing connections are untouched.
func (m *PeerConnectionManager) UpdateRTCConfiguration(cfg domain.RTCConfiguration) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid rtc configuration: %w", err)
	}

	cfg = cfg.Clone()
	m.cfgMu.Lock()
	m.rtcConfig = cfg
	m.cfgMu.Unlock()

	m.logger.Infow("rtc configuration updated",
		"ice_servers", len(cfg.ICEServers),
		"bundle_policy", cfg.BundlePolicy,
	)

	event := domain.NewEvent(domain.EventRTCConfigurationUpdated, "")
	snapshot := cfg.Clone()
	event.RTCConfig = &snapshot
	m.publish(event)
	return nil
}

// Destroy stops the stats loop and closes every connection. The manager can be
// used again afterwards; the next CreateConnection restarts the loop.
func (m *PeerConnectionManager) Destroy() {
	m.stats.Stop()

	ids := m.registry.IDs()
	for _, id := range ids {
		if err := m.CloseConnection(id); err != nil {
			m.logger.Warnw("failed to close connection", "participant_id", id, "error", err)
		}
	}
	if len(ids) > 0 {
		m.logger.Infow("manager destroyed", "closed_connections", len(ids))
	}
}

func (m *PeerConnectionManager) lookup(id domain.ParticipantID) (*ConnectionRecord, error) {
	record, ok := m.registry.Get(id)
	if !ok {
		return nil, connectionNotFound(id)
	}
	return record, nil
}

// lockOp takes the record's operation lock. It fails with CONNECTION_NOT_FOUND,
// leaving the lock released, when the record was closed or replaced while waiting.
func (m *PeerConnectionManager) lockOp(record *ConnectionRecord) error {
	record.opMu.Lock()
	if !m.current(record) {
		record.opMu.Unlock()
		return connectionNotFound(record.ParticipantID)
	}
	return nil
}

func connectionNotFound(id domain.ParticipantID) error {
	return domain.NewConnectionError(domain.KindConnectionNotFound, id, "connection not found", nil)
}

// current reports whether record is still the registered record for its participant
func (m *PeerConnectionManager) current(record *ConnectionRecord) bool {
	registered, ok := m.registry.Get(record.ParticipantID)
	return ok && registered == record
}

func (m *PeerConnectionManager) wireCallbacks(record *ConnectionRecord) {
	id := record.ParticipantID
	t := record.Transport

	t.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if !m.current(record) {
			return
		}
		record.setConnectionState(s, m.now())
		m.logger.Infow("connection state changed", "participant_id", id, "state", s.String())
		m.publishState(domain.EventConnectionStateChanged, id, s.String())
	})
	t.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		if !m.current(record) {
			return
		}
		record.setICEConnectionState(s, m.now())
		m.logger.Debugw("ice connection state changed", "participant_id", id, "state", s.String())
		m.publishState(domain.EventICEConnectionStateChanged, id, s.String())
	})
	t.OnSignalingStateChange(func(s webrtc.SignalingState) {
		if !m.current(record) {
			return
		}
		record.setSignalingState(s, m.now())
		m.logger.Debugw("signaling state changed", "participant_id", id, "state", s.String())
		m.publishState(domain.EventSignalingStateChanged, id, s.String())
	})
	t.OnICEGatheringStateChange(func(s webrtc.ICEGatheringState) {
		if !m.current(record) {
			return
		}
		record.setICEGatheringState(s, m.now())
		m.publishState(domain.EventICEGatheringStateChanged, id, s.String())
	})
	t.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if !m.current(record) {
			return
		}
		env := domain.EnvelopeFromCandidate(c)
		event := domain.NewEvent(domain.EventICECandidate, id)
		event.Envelope = &env
		m.publish(event)
	})
	t.OnTrack(func(track domain.Track) {
		if track == nil || !m.current(record) {
			return
		}
		stream, created := record.addRemoteTrack(track)
		m.logger.Infow("remote track received",
			"participant_id", id,
			"track_id", track.ID(),
			"kind", track.Kind().String(),
		)
		if !created {
			return
		}
		event := domain.NewEvent(domain.EventRemoteStreamAdded, id)
		event.StreamID = stream.ID
		event.TrackID = track.ID()
		m.publish(event)
	})
}

func (m *PeerConnectionManager) closeTransport(id domain.ParticipantID, transport ports.Transport) {
	if err := transport.Close(); err != nil {
		m.logger.Warnw("failed to close transport", "participant_id", id, "error", err)
	}
}

func (m *PeerConnectionManager) publish(event domain.Event) {
	event.Timestamp = m.now()
	m.events.Publish(event)
}

func (m *PeerConnectionManager) publishState(eventType domain.EventType, id domain.ParticipantID, state string) {
	event := domain.NewEvent(eventType, id)
	event.State = state
	m.publish(event)
}

func signalingError(id domain.ParticipantID, message string, cause error) error {
	return domain.NewConnectionError(domain.KindSignalingError, id, message, cause)
}

func recordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	tracing.RecordError(ctx, err)
	if kind := domain.KindOf(err); kind != "" {
		tracing.AddSpanAttributes(ctx, tracing.ErrorKindKey.String(string(kind)))
	}
}
