package domain

import (
	"fmt"

	"github.com/pion/webrtc/v3"
)

type EnvelopeKind string

const (
	EnvelopeOffer     EnvelopeKind = "offer"
	EnvelopeAnswer    EnvelopeKind = "answer"
	EnvelopeCandidate EnvelopeKind = "candidate"
)

// SignalingEnvelope is what crosses the signaling boundary: a session description
// (offer/answer) or an ICE candidate.
type SignalingEnvelope struct {
	Kind             EnvelopeKind `json:"kind"`
	SDP              string       `json:"sdp,omitempty"`
	Candidate        string       `json:"candidate,omitempty"`
	SDPMLineIndex    *uint16      `json:"sdp_mline_index,omitempty"`
	SDPMid           *string      `json:"sdp_mid,omitempty"`
	UsernameFragment *string      `json:"username_fragment,omitempty"`
}

// OfferEnvelope wraps an offer SDP
func OfferEnvelope(sdp string) SignalingEnvelope {
	return SignalingEnvelope{Kind: EnvelopeOffer, SDP: sdp}
}

// AnswerEnvelope wraps an answer SDP
func AnswerEnvelope(sdp string) SignalingEnvelope {
	return SignalingEnvelope{Kind: EnvelopeAnswer, SDP: sdp}
}

// EnvelopeFromDescription converts an offer or answer description
func EnvelopeFromDescription(desc webrtc.SessionDescription) (SignalingEnvelope, error) {
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		return OfferEnvelope(desc.SDP), nil
	case webrtc.SDPTypeAnswer:
		return AnswerEnvelope(desc.SDP), nil
	default:
		return SignalingEnvelope{}, fmt.Errorf("unsupported description type %q", desc.Type.String())
	}
}

// EnvelopeFromCandidate converts a candidate init
func EnvelopeFromCandidate(c webrtc.ICECandidateInit) SignalingEnvelope {
	return SignalingEnvelope{
		Kind:             EnvelopeCandidate,
		Candidate:        c.Candidate,
		SDPMLineIndex:    c.SDPMLineIndex,
		SDPMid:           c.SDPMid,
		UsernameFragment: c.UsernameFragment,
	}
}

// SessionDescription converts an offer or answer envelope
func (e SignalingEnvelope) SessionDescription() (webrtc.SessionDescription, error) {
	switch e.Kind {
	case EnvelopeOffer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: e.SDP}, nil
	case EnvelopeAnswer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: e.SDP}, nil
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("envelope of kind %q is not a session description", e.Kind)
	}
}

// ICECandidateInit converts a candidate envelope
func (e SignalingEnvelope) ICECandidateInit() (webrtc.ICECandidateInit, error) {
	if e.Kind != EnvelopeCandidate {
		return webrtc.ICECandidateInit{}, fmt.Errorf("envelope of kind %q is not a candidate", e.Kind)
	}
	return webrtc.ICECandidateInit{
		Candidate:        e.Candidate,
		SDPMLineIndex:    e.SDPMLineIndex,
		SDPMid:           e.SDPMid,
		UsernameFragment: e.UsernameFragment,
	}, nil
}
