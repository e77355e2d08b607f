package domain

import "fmt"

const (
	BundlePolicyBalanced  = "balanced"
	BundlePolicyMaxCompat = "max-compat"
	BundlePolicyMaxBundle = "max-bundle"
)

type ICEServer struct {
	URLs       []string `yaml:"urls" json:"urls"`
	Username   string   `yaml:"username,omitempty" json:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty" json:"credential,omitempty"`
}

// RTCConfiguration is applied to connections created after it is set.
// Existing connections keep the configuration they were created with.
type RTCConfiguration struct {
	ICEServers           []ICEServer `yaml:"ice_servers" json:"ice_servers"`
	ICECandidatePoolSize uint8       `yaml:"ice_candidate_pool_size" json:"ice_candidate_pool_size"`
	BundlePolicy         string      `yaml:"bundle_policy" json:"bundle_policy"`
}

// DefaultRTCConfiguration uses a public STUN server and max-bundle
func DefaultRTCConfiguration() RTCConfiguration {
	return RTCConfiguration{
		ICEServers: []ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		ICECandidatePoolSize: 0,
		BundlePolicy:         BundlePolicyMaxBundle,
	}
}

// Validate checks the bundle policy and that every server has at least one URL
func (c RTCConfiguration) Validate() error {
	switch c.BundlePolicy {
	case "", BundlePolicyBalanced, BundlePolicyMaxCompat, BundlePolicyMaxBundle:
	default:
		return fmt.Errorf("unknown bundle policy %q", c.BundlePolicy)
	}
	for i, s := range c.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ice server %d has no urls", i)
		}
	}
	return nil
}

// Clone returns a deep copy
func (c RTCConfiguration) Clone() RTCConfiguration {
	cp := c
	cp.ICEServers = make([]ICEServer, len(c.ICEServers))
	for i, s := range c.ICEServers {
		cp.ICEServers[i] = s
		cp.ICEServers[i].URLs = append([]string(nil), s.URLs...)
	}
	return cp
}
