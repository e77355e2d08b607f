package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/stats"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var ErrUnsendableTrack = errors.New("track cannot be sent by a pion transport")

// PacketSink receives every RTP packet read from a remote track
type PacketSink func(participantID domain.ParticipantID, trackID string, packet *rtp.Packet)

// Config holds the pion settings that are not part of the RTC configuration
type Config struct {
	PortRange struct {
		Min uint16
		Max uint16
	}
	PacketSink PacketSink
}

// TransportFactory creates pion-backed transports
type TransportFactory struct {
	config Config
	logger *zap.SugaredLogger
}

var _ ports.TransportFactory = (*TransportFactory)(nil)

func NewTransportFactory(config Config, logger *zap.SugaredLogger) *TransportFactory {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &TransportFactory{config: config, logger: logger}
}

func (f *TransportFactory) NewTransport(ctx context.Context, participantID domain.ParticipantID, cfg domain.RTCConfiguration) (ports.Transport, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if f.config.PortRange.Min > 0 && f.config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(f.config.PortRange.Min, f.config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	interceptors := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptors); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}
	statsFactory, err := stats.NewInterceptor()
	if err != nil {
		return nil, fmt.Errorf("failed to create stats interceptor: %w", err)
	}
	// called synchronously while the peer connection is built
	var streamStats stats.Getter
	statsFactory.OnNewPeerConnection(func(_ string, getter stats.Getter) {
		streamStats = getter
	})
	interceptors.Add(statsFactory)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
		webrtc.WithInterceptorRegistry(interceptors),
	)
	pc, err := api.NewPeerConnection(toPionConfiguration(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	f.logger.Debugw("peer connection created",
		"participant_id", participantID,
		"ice_servers", len(cfg.ICEServers),
		"bundle_policy", cfg.BundlePolicy,
	)

	return &PionTransport{
		participantID: participantID,
		pc:            pc,
		streamStats:   streamStats,
		sink:          f.config.PacketSink,
		logger:        f.logger,
	}, nil
}

// PionTransport adapts a pion PeerConnection to ports.Transport. Every sender gets
// an RTCP reader; every remote track gets an RTP reader feeding the packet sink.
type PionTransport struct {
	participantID domain.ParticipantID
	pc            *webrtc.PeerConnection
	streamStats   stats.Getter
	sink          PacketSink
	logger        *zap.SugaredLogger

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ ports.Transport = (*PionTransport)(nil)

func (t *PionTransport) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

func (t *PionTransport) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

func (t *PionTransport) SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(desc)
}

func (t *PionTransport) SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(desc)
}

func (t *PionTransport) AddICECandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

func (t *PionTransport) AddTrack(track domain.Track) (ports.Sender, error) {
	local, ok := track.(webrtc.TrackLocal)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsendableTrack, track.ID())
	}

	sender, err := t.pc.AddTrack(local)
	if err != nil {
		return nil, err
	}
	go t.readSenderRTCP(sender, local.ID())

	return &pionSender{sender: sender}, nil
}

func (t *PionTransport) GetSenders() []ports.Sender {
	senders := t.pc.GetSenders()
	out := make([]ports.Sender, 0, len(senders))
	for _, s := range senders {
		out = append(out, &pionSender{sender: s})
	}
	return out
}

func (t *PionTransport) GetStats(ctx context.Context) (webrtc.StatsReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.closed.Load() {
		return nil, fmt.Errorf("peer connection closed")
	}
	report := t.pc.GetStats()
	t.addStreamStats(report, time.Now())
	return report, nil
}

// addStreamStats adds inbound-rtp and outbound-rtp rows from the stats
// interceptor. pion's own report carries no RTP stream rows.
func (t *PionTransport) addStreamStats(report webrtc.StatsReport, now time.Time) {
	if t.streamStats == nil {
		return
	}
	timestamp := webrtc.StatsTimestamp(now.UnixNano() / int64(time.Millisecond))

	for _, receiver := range t.pc.GetReceivers() {
		for _, track := range receiver.Tracks() {
			s := t.streamStats.Get(uint32(track.SSRC()))
			if s == nil {
				continue
			}
			inbound := s.InboundRTPStreamStats
			row := webrtc.InboundRTPStreamStats{
				Timestamp:       timestamp,
				Type:            webrtc.StatsTypeInboundRTP,
				ID:              fmt.Sprintf("inbound-rtp-%d", track.SSRC()),
				SSRC:            track.SSRC(),
				Kind:            track.Kind().String(),
				TrackID:         track.ID(),
				PacketsReceived: uint32(inbound.PacketsReceived),
				PacketsLost:     int32(inbound.PacketsLost),
				BytesReceived:   inbound.BytesReceived,
				NACKCount:       inbound.NACKCount,
				FIRCount:        inbound.FIRCount,
				PLICount:        inbound.PLICount,
			}
			// the interceptor reports jitter in RTP timestamp units
			if rate := track.Codec().ClockRate; rate > 0 {
				row.Jitter = inbound.Jitter / float64(rate)
			}
			report[row.ID] = row
		}
	}

	for _, sender := range t.pc.GetSenders() {
		track := sender.Track()
		for _, encoding := range sender.GetParameters().Encodings {
			s := t.streamStats.Get(uint32(encoding.SSRC))
			if s == nil {
				continue
			}
			outbound := s.OutboundRTPStreamStats
			row := webrtc.OutboundRTPStreamStats{
				Timestamp:   timestamp,
				Type:        webrtc.StatsTypeOutboundRTP,
				ID:          fmt.Sprintf("outbound-rtp-%d", encoding.SSRC),
				SSRC:        encoding.SSRC,
				PacketsSent: uint32(outbound.PacketsSent),
				BytesSent:   outbound.BytesSent,
				NACKCount:   outbound.NACKCount,
				FIRCount:    outbound.FIRCount,
				PLICount:    outbound.PLICount,
			}
			if track != nil {
				row.Kind = track.Kind().String()
				row.TrackID = track.ID()
			}
			report[row.ID] = row
		}
	}
}

func (t *PionTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.closeErr = t.pc.Close()
	})
	return t.closeErr
}

func (t *PionTransport) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	t.pc.OnConnectionStateChange(f)
}

func (t *PionTransport) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	t.pc.OnICEConnectionStateChange(f)
}

func (t *PionTransport) OnSignalingStateChange(f func(webrtc.SignalingState)) {
	t.pc.OnSignalingStateChange(f)
}

func (t *PionTransport) OnICEGatheringStateChange(f func(webrtc.ICEGatheringState)) {
	t.pc.OnICEGatheringStateChange(func(s webrtc.ICEGathererState) {
		f(gatheringState(s))
	})
}

func (t *PionTransport) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		f(c.ToJSON())
	})
}

func (t *PionTransport) OnTrack(f func(domain.Track)) {
	t.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		t.logger.Infow("remote track started",
			"participant_id", t.participantID,
			"track_id", track.ID(),
			"codec", track.Codec().MimeType,
		)

		if track.Kind() == webrtc.RTPCodecTypeVideo {
			t.requestKeyFrame(track)
		}
		go t.readRemoteTrack(track)

		f(track)
	})
}

func (t *PionTransport) requestKeyFrame(track *webrtc.TrackRemote) {
	pli := &rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}
	if err := t.pc.WriteRTCP([]rtcp.Packet{pli}); err != nil {
		t.logger.Debugw("failed to request key frame",
			"participant_id", t.participantID,
			"track_id", track.ID(),
			"error", err,
		)
	}
}

// readRemoteTrack consumes RTP until the track ends
func (t *PionTransport) readRemoteTrack(track *webrtc.TrackRemote) {
	var packets uint64
	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Debugw("remote track read stopped",
					"participant_id", t.participantID,
					"track_id", track.ID(),
					"error", err,
				)
			}
			break
		}
		packets++

		if t.sink != nil {
			t.sink(t.participantID, track.ID(), packet)
		}
	}

	t.logger.Debugw("remote track ended",
		"participant_id", t.participantID,
		"track_id", track.ID(),
		"packets", packets,
	)
}

// readSenderRTCP reads sender RTCP, which lets the NACK and report interceptors
// process it, and logs feedback
func (t *PionTransport) readSenderRTCP(sender *webrtc.RTPSender, trackID string) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		t.logFeedback(trackID, packets)
	}
}

func (t *PionTransport) logFeedback(trackID string, packets []rtcp.Packet) {
	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.PictureLossIndication:
			t.logger.Debugw("received PLI",
				"participant_id", t.participantID,
				"track_id", trackID,
			)
		case *rtcp.TransportLayerNack:
			t.logger.Debugw("received NACK",
				"participant_id", t.participantID,
				"track_id", trackID,
				"nacks", len(p.Nacks),
			)
		case *rtcp.ReceiverReport:
			for _, report := range p.Reports {
				t.logger.Debugw("received receiver report",
					"participant_id", t.participantID,
					"track_id", trackID,
					"fraction_lost", report.FractionLost,
					"jitter", report.Jitter,
				)
			}
		}
	}
}

type pionSender struct {
	sender *webrtc.RTPSender
}

func (s *pionSender) Track() domain.Track {
	if track := s.sender.Track(); track != nil {
		return track
	}
	return nil
}

func (s *pionSender) ReplaceTrack(track domain.Track) error {
	if track == nil {
		return s.sender.ReplaceTrack(nil)
	}
	local, ok := track.(webrtc.TrackLocal)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsendableTrack, track.ID())
	}
	return s.sender.ReplaceTrack(local)
}

// NewLocalTrack creates an RTP track with the default codec for kind (VP8 or Opus)
func NewLocalTrack(kind webrtc.RTPCodecType, id, streamID string) (*webrtc.TrackLocalStaticRTP, error) {
	var capability webrtc.RTPCodecCapability
	switch kind {
	case webrtc.RTPCodecTypeVideo:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	case webrtc.RTPCodecTypeAudio:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	default:
		return nil, fmt.Errorf("unsupported track kind %s", kind)
	}
	return webrtc.NewTrackLocalStaticRTP(capability, id, streamID)
}

func toPionConfiguration(cfg domain.RTCConfiguration) webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		server := webrtc.ICEServer{
			URLs:     append([]string(nil), s.URLs...),
			Username: s.Username,
		}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, server)
	}

	return webrtc.Configuration{
		ICEServers:           servers,
		ICECandidatePoolSize: cfg.ICECandidatePoolSize,
		BundlePolicy:         bundlePolicy(cfg.BundlePolicy),
		SDPSemantics:         webrtc.SDPSemanticsUnifiedPlan,
	}
}

func bundlePolicy(policy string) webrtc.BundlePolicy {
	switch policy {
	case domain.BundlePolicyBalanced:
		return webrtc.BundlePolicyBalanced
	case domain.BundlePolicyMaxCompat:
		return webrtc.BundlePolicyMaxCompat
	default:
		return webrtc.BundlePolicyMaxBundle
	}
}

func gatheringState(s webrtc.ICEGathererState) webrtc.ICEGatheringState {
	switch s {
	case webrtc.ICEGathererStateGathering:
		return webrtc.ICEGatheringStateGathering
	case webrtc.ICEGathererStateComplete, webrtc.ICEGathererStateClosed:
		return webrtc.ICEGatheringStateComplete
	default:
		return webrtc.ICEGatheringStateNew
	}
}
