package domain

import (
	"fmt"
	"strings"
)

// CredentialType describes how an ICE server credential is interpreted.
type CredentialType string

const (
	CredentialNone     CredentialType = ""
	CredentialPassword CredentialType = "password"
)

// ICEServerConfig holds one STUN or TURN server entry.
type ICEServerConfig struct {
	URLs           []string       `json:"urls"`
	Username       string         `json:"username,omitempty"`
	Credential     string         `json:"credential,omitempty"`
	CredentialType CredentialType `json:"credentialType,omitempty"`
}

// IsTURN reports whether any URL of the entry is a TURN URL.
func (s ICEServerConfig) IsTURN() bool {
	for _, u := range s.URLs {
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}

// Validate checks URL schemes and that TURN entries carry credentials.
func (s ICEServerConfig) Validate() error {
	if len(s.URLs) == 0 {
		return fmt.Errorf("ice server has no urls")
	}
	for _, u := range s.URLs {
		switch {
		case strings.HasPrefix(u, "stun:"), strings.HasPrefix(u, "stuns:"),
			strings.HasPrefix(u, "turn:"), strings.HasPrefix(u, "turns:"):
		default:
			return fmt.Errorf("ice server url %q: unsupported scheme", u)
		}
	}
	if s.IsTURN() && (s.Username == "" || s.Credential == "") {
		return fmt.Errorf("turn server %v requires username and credential", s.URLs)
	}
	return nil
}

// CandidatePolicy restricts which local candidates are gathered.
type CandidatePolicy string

const (
	CandidatePolicyAll   CandidatePolicy = "all"
	CandidatePolicyRelay CandidatePolicy = "relay"
)

// ParseCandidatePolicy accepts "all" or "relay" (empty means all).
func ParseCandidatePolicy(s string) (CandidatePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return CandidatePolicyAll, nil
	case "relay":
		return CandidatePolicyRelay, nil
	default:
		return "", fmt.Errorf("unknown ice candidate policy %q", s)
	}
}

// WebRTCConfig configures a transport. Use DefaultWebRTCConfig as the base.
type WebRTCConfig struct {
	ICEServers       []ICEServerConfig
	EnableEncryption bool
	EnableFeedback   bool
	CandidatePolicy  CandidatePolicy
}

// DefaultWebRTCConfig returns encryption and RTCP feedback on, all candidates allowed.
func DefaultWebRTCConfig() WebRTCConfig {
	return WebRTCConfig{
		EnableEncryption: true,
		EnableFeedback:   true,
		CandidatePolicy:  CandidatePolicyAll,
	}
}

// Validate checks every ICE server entry and the candidate policy.
func (c WebRTCConfig) Validate() error {
	for i, s := range c.ICEServers {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("ice server %d: %w", i, err)
		}
	}
	switch c.CandidatePolicy {
	case "", CandidatePolicyAll, CandidatePolicyRelay:
	default:
		return fmt.Errorf("unknown ice candidate policy %q", c.CandidatePolicy)
	}
	if c.CandidatePolicy == CandidatePolicyRelay {
		hasTURN := false
		for _, s := range c.ICEServers {
			hasTURN = hasTURN || s.IsTURN()
		}
		if !hasTURN {
			return fmt.Errorf("relay-only candidate policy requires a turn server")
		}
	}
	return nil
}
