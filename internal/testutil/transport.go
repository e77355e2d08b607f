// Package testutil provides an in-memory transport for exercising the connection
// layer without a network.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

var ErrTransportClosed = errors.New("transport closed")

// StubTrack is a media track that records whether it was stopped
type StubTrack struct {
	id       string
	streamID string
	kind     webrtc.RTPCodecType

	mu      sync.Mutex
	stopped bool
}

func NewVideoTrack(id, streamID string) *StubTrack {
	return &StubTrack{id: id, streamID: streamID, kind: webrtc.RTPCodecTypeVideo}
}

func NewAudioTrack(id, streamID string) *StubTrack {
	return &StubTrack{id: id, streamID: streamID, kind: webrtc.RTPCodecTypeAudio}
}

func (t *StubTrack) ID() string                { return t.id }
func (t *StubTrack) StreamID() string          { return t.streamID }
func (t *StubTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *StubTrack) Stop() error {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	return nil
}

func (t *StubTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// StubSender is a sender slot. ReplaceErr, when set, rejects every swap.
type StubSender struct {
	mu         sync.Mutex
	track      domain.Track
	ReplaceErr error
}

func NewStubSender(track domain.Track) *StubSender {
	return &StubSender{track: track}
}

func (s *StubSender) Track() domain.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *StubSender) ReplaceTrack(track domain.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ReplaceErr != nil {
		return s.ReplaceErr
	}
	s.track = track
	return nil
}

// StubTransport implements ports.Transport in memory. It walks the signaling
// state machine for offer/answer and fires the signaling callback synchronously;
// every other callback fires only through the Emit helpers.
type StubTransport struct {
	ParticipantID domain.ParticipantID
	Config        domain.RTCConfiguration

	mu             sync.Mutex
	signalingState webrtc.SignalingState
	localDesc      *webrtc.SessionDescription
	remoteDesc     *webrtc.SessionDescription
	senders        []*StubSender
	candidates     []webrtc.ICECandidateInit
	report         webrtc.StatsReport
	closed         bool
	closeCalls     int
	offers         int

	createOfferErr  error
	createAnswerErr error
	addCandidateErr error
	addTrackErr     error
	statsErr        error

	// hooks run before the call takes the stub lock, so they may block
	createOfferHook func()
	statsHook       func()

	onConnectionState    func(webrtc.PeerConnectionState)
	onICEConnectionState func(webrtc.ICEConnectionState)
	onSignalingState     func(webrtc.SignalingState)
	onICEGatheringState  func(webrtc.ICEGatheringState)
	onICECandidate       func(webrtc.ICECandidateInit)
	onTrack              func(domain.Track)
}

var _ ports.Transport = (*StubTransport)(nil)

func NewStubTransport(id domain.ParticipantID, cfg domain.RTCConfiguration) *StubTransport {
	return &StubTransport{
		ParticipantID:  id,
		Config:         cfg,
		signalingState: webrtc.SignalingStateStable,
		report:         webrtc.StatsReport{},
	}
}

func (t *StubTransport) SetCreateOfferErr(err error) {
	t.mu.Lock()
	t.createOfferErr = err
	t.mu.Unlock()
}

func (t *StubTransport) SetCreateAnswerErr(err error) {
	t.mu.Lock()
	t.createAnswerErr = err
	t.mu.Unlock()
}

func (t *StubTransport) SetAddCandidateErr(err error) {
	t.mu.Lock()
	t.addCandidateErr = err
	t.mu.Unlock()
}

func (t *StubTransport) SetAddTrackErr(err error) {
	t.mu.Lock()
	t.addTrackErr = err
	t.mu.Unlock()
}

func (t *StubTransport) SetStatsErr(err error) {
	t.mu.Lock()
	t.statsErr = err
	t.mu.Unlock()
}

// SetStatsReport sets the report returned by GetStats
func (t *StubTransport) SetStatsReport(report webrtc.StatsReport) {
	t.mu.Lock()
	t.report = report
	t.mu.Unlock()
}

// SetCreateOfferHook sets a function run at the start of every CreateOffer
func (t *StubTransport) SetCreateOfferHook(f func()) {
	t.mu.Lock()
	t.createOfferHook = f
	t.mu.Unlock()
}

// SetStatsHook sets a function run at the start of every GetStats
func (t *StubTransport) SetStatsHook(f func()) {
	t.mu.Lock()
	t.statsHook = f
	t.mu.Unlock()
}

func (t *StubTransport) hook(f *func()) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *f
}

func (t *StubTransport) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if f := t.hook(&t.createOfferHook); f != nil {
		f()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return webrtc.SessionDescription{}, ErrTransportClosed
	}
	if t.createOfferErr != nil {
		return webrtc.SessionDescription{}, t.createOfferErr
	}
	t.offers++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("v=0 offer %s %d", t.ParticipantID, t.offers),
	}, nil
}

func (t *StubTransport) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return webrtc.SessionDescription{}, ErrTransportClosed
	}
	if t.createAnswerErr != nil {
		return webrtc.SessionDescription{}, t.createAnswerErr
	}
	if t.signalingState != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("cannot create answer in state %s", t.signalingState)
	}
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("v=0 answer %s", t.ParticipantID),
	}, nil
}

func (t *StubTransport) SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	t.mu.Lock()
	next, err := t.transition(desc.Type, true)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	d := desc
	t.localDesc = &d
	t.mu.Unlock()

	t.fireSignaling(next)
	return nil
}

func (t *StubTransport) SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	t.mu.Lock()
	next, err := t.transition(desc.Type, false)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	d := desc
	t.remoteDesc = &d
	t.mu.Unlock()

	t.fireSignaling(next)
	return nil
}

// transition applies a description to the signaling state. Caller holds t.mu.
func (t *StubTransport) transition(sdpType webrtc.SDPType, local bool) (webrtc.SignalingState, error) {
	if t.closed {
		return 0, ErrTransportClosed
	}

	var next webrtc.SignalingState
	switch {
	case sdpType == webrtc.SDPTypeOffer && t.signalingState == webrtc.SignalingStateStable:
		if local {
			next = webrtc.SignalingStateHaveLocalOffer
		} else {
			next = webrtc.SignalingStateHaveRemoteOffer
		}
	case sdpType == webrtc.SDPTypeOffer && local && t.signalingState == webrtc.SignalingStateHaveLocalOffer:
		next = webrtc.SignalingStateHaveLocalOffer
	case sdpType == webrtc.SDPTypeAnswer && local && t.signalingState == webrtc.SignalingStateHaveRemoteOffer:
		next = webrtc.SignalingStateStable
	case sdpType == webrtc.SDPTypeAnswer && !local && t.signalingState == webrtc.SignalingStateHaveLocalOffer:
		next = webrtc.SignalingStateStable
	default:
		return 0, fmt.Errorf("invalid %s description in state %s", sdpType, t.signalingState)
	}
	t.signalingState = next
	return next, nil
}

func (t *StubTransport) fireSignaling(s webrtc.SignalingState) {
	t.mu.Lock()
	f := t.onSignalingState
	t.mu.Unlock()
	if f != nil {
		f(s)
	}
}

func (t *StubTransport) AddICECandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if t.addCandidateErr != nil {
		return t.addCandidateErr
	}
	t.candidates = append(t.candidates, candidate)
	return nil
}

func (t *StubTransport) AddTrack(track domain.Track) (ports.Sender, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	if t.addTrackErr != nil {
		return nil, t.addTrackErr
	}
	sender := NewStubSender(track)
	t.senders = append(t.senders, sender)
	return sender, nil
}

func (t *StubTransport) GetSenders() []ports.Sender {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ports.Sender, len(t.senders))
	for i, s := range t.senders {
		out[i] = s
	}
	return out
}

// Senders returns the concrete senders for assertions
func (t *StubTransport) Senders() []*StubSender {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*StubSender(nil), t.senders...)
}

func (t *StubTransport) GetStats(ctx context.Context) (webrtc.StatsReport, error) {
	if f := t.hook(&t.statsHook); f != nil {
		f()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.statsErr != nil {
		return nil, t.statsErr
	}
	out := make(webrtc.StatsReport, len(t.report))
	for k, v := range t.report {
		out[k] = v
	}
	return out, nil
}

func (t *StubTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeCalls++
	if t.closed {
		return nil
	}
	t.closed = true
	t.signalingState = webrtc.SignalingStateClosed
	return nil
}

func (t *StubTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *StubTransport) CloseCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCalls
}

func (t *StubTransport) SignalingState() webrtc.SignalingState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.signalingState
}

func (t *StubTransport) LocalDescription() *webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localDesc
}

func (t *StubTransport) RemoteDescription() *webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteDesc
}

func (t *StubTransport) Candidates() []webrtc.ICECandidateInit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), t.candidates...)
}

func (t *StubTransport) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	t.mu.Lock()
	t.onConnectionState = f
	t.mu.Unlock()
}

func (t *StubTransport) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	t.mu.Lock()
	t.onICEConnectionState = f
	t.mu.Unlock()
}

func (t *StubTransport) OnSignalingStateChange(f func(webrtc.SignalingState)) {
	t.mu.Lock()
	t.onSignalingState = f
	t.mu.Unlock()
}

func (t *StubTransport) OnICEGatheringStateChange(f func(webrtc.ICEGatheringState)) {
	t.mu.Lock()
	t.onICEGatheringState = f
	t.mu.Unlock()
}

func (t *StubTransport) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	t.onICECandidate = f
	t.mu.Unlock()
}

func (t *StubTransport) OnTrack(f func(domain.Track)) {
	t.mu.Lock()
	t.onTrack = f
	t.mu.Unlock()
}

func (t *StubTransport) EmitConnectionState(s webrtc.PeerConnectionState) {
	t.mu.Lock()
	f := t.onConnectionState
	t.mu.Unlock()
	if f != nil {
		f(s)
	}
}

func (t *StubTransport) EmitICEConnectionState(s webrtc.ICEConnectionState) {
	t.mu.Lock()
	f := t.onICEConnectionState
	t.mu.Unlock()
	if f != nil {
		f(s)
	}
}

func (t *StubTransport) EmitICEGatheringState(s webrtc.ICEGatheringState) {
	t.mu.Lock()
	f := t.onICEGatheringState
	t.mu.Unlock()
	if f != nil {
		f(s)
	}
}

func (t *StubTransport) EmitICECandidate(c webrtc.ICECandidateInit) {
	t.mu.Lock()
	f := t.onICECandidate
	t.mu.Unlock()
	if f != nil {
		f(c)
	}
}

func (t *StubTransport) EmitTrack(track domain.Track) {
	t.mu.Lock()
	f := t.onTrack
	t.mu.Unlock()
	if f != nil {
		f(track)
	}
}

// StubTransportFactory hands out StubTransports and remembers them per participant
type StubTransportFactory struct {
	mu         sync.Mutex
	transports map[domain.ParticipantID][]*StubTransport
	err        error
}

var _ ports.TransportFactory = (*StubTransportFactory)(nil)

func NewStubTransportFactory() *StubTransportFactory {
	return &StubTransportFactory{transports: make(map[domain.ParticipantID][]*StubTransport)}
}

// SetErr makes every following NewTransport call fail
func (f *StubTransportFactory) SetErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *StubTransportFactory) NewTransport(ctx context.Context, id domain.ParticipantID, cfg domain.RTCConfiguration) (ports.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t := NewStubTransport(id, cfg)
	f.transports[id] = append(f.transports[id], t)
	return t, nil
}

// Transport returns the most recent transport created for id, or nil
func (f *StubTransportFactory) Transport(id domain.ParticipantID) *StubTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts := f.transports[id]
	if len(ts) == 0 {
		return nil
	}
	return ts[len(ts)-1]
}

// Created returns how many transports were created for id
func (f *StubTransportFactory) Created(id domain.ParticipantID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports[id])
}
