package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"peerlink/internal/core/domain"
)

var (
	// ParticipantIDRegex validates participant ID format
	ParticipantIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

	iceURLSchemes = map[string]bool{
		"stun":  true,
		"stuns": true,
		"turn":  true,
		"turns": true,
	}
)

const (
	maxParticipantIDLength = 128
	maxSDPLength           = 64 * 1024
	maxCandidateLength     = 1024
)

// ValidateParticipantID validates participant ID
func ValidateParticipantID(id string) error {
	if id == "" {
		return fmt.Errorf("participant ID is required")
	}
	if len(id) > maxParticipantIDLength {
		return fmt.Errorf("participant ID is too long (max %d characters)", maxParticipantIDLength)
	}
	if !ParticipantIDRegex.MatchString(id) {
		return fmt.Errorf("invalid participant ID format")
	}
	return nil
}

// ValidateSDP checks that sdp looks like a session description
func ValidateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("SDP cannot be empty")
	}
	if len(sdp) > maxSDPLength {
		return fmt.Errorf("SDP is too long (max %d bytes)", maxSDPLength)
	}
	if !strings.HasPrefix(sdp, "v=") {
		return fmt.Errorf("invalid SDP format: must start with 'v='")
	}

	for _, field := range []string{"o=", "s=", "t="} {
		if !strings.Contains(sdp, field) {
			return fmt.Errorf("invalid SDP format: missing required field '%s'", field)
		}
	}
	return nil
}

// ValidateEnvelope validates a signaling envelope of the expected kind
func ValidateEnvelope(env domain.SignalingEnvelope, want domain.EnvelopeKind) error {
	if env.Kind != want {
		return fmt.Errorf("expected %s envelope, got %q", want, env.Kind)
	}
	switch env.Kind {
	case domain.EnvelopeOffer, domain.EnvelopeAnswer:
		return ValidateSDP(env.SDP)
	case domain.EnvelopeCandidate:
		return ValidateCandidate(env)
	default:
		return fmt.Errorf("unknown envelope kind %q", env.Kind)
	}
}

// ValidateCandidate validates an ICE candidate envelope. An empty candidate string
// is the end-of-candidates marker and is accepted.
func ValidateCandidate(env domain.SignalingEnvelope) error {
	if len(env.Candidate) > maxCandidateLength {
		return fmt.Errorf("candidate is too long (max %d characters)", maxCandidateLength)
	}
	if env.Candidate != "" && !strings.HasPrefix(env.Candidate, "candidate:") {
		return fmt.Errorf("invalid candidate format: must start with 'candidate:'")
	}
	if env.SDPMid == nil && env.SDPMLineIndex == nil {
		return fmt.Errorf("candidate requires sdp_mid or sdp_mline_index")
	}
	return nil
}

// ValidateICEURL validates a STUN/TURN server URL
func ValidateICEURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("ICE server URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid ICE server URL: %w", err)
	}
	if !iceURLSchemes[u.Scheme] {
		return fmt.Errorf("invalid ICE server URL scheme %q (must be stun, stuns, turn, or turns)", u.Scheme)
	}
	if u.Opaque == "" && u.Host == "" {
		return fmt.Errorf("ICE server URL must have a host")
	}
	return nil
}

// ValidateRTCConfiguration validates every server URL and the TURN credentials
func ValidateRTCConfiguration(cfg domain.RTCConfiguration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	for i, server := range cfg.ICEServers {
		for _, raw := range server.URLs {
			if err := ValidateICEURL(raw); err != nil {
				return fmt.Errorf("ice_servers[%d]: %w", i, err)
			}
			if strings.HasPrefix(raw, "turn") && (server.Username == "" || server.Credential == "") {
				return fmt.Errorf("ice_servers[%d]: TURN server requires username and credential", i)
			}
		}
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
