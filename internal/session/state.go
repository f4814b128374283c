package session

import (
	"fmt"

	"peercall/native/internal/domain"
)

// ConnectionState is the overall peer connection state.
type ConnectionState int

const (
	ConnectionNew ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionDisconnected
	ConnectionFailed
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionNew:
		return "new"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionFailed:
		return "failed"
	case ConnectionClosed:
		return "closed"
	default:
		return fmt.Sprintf("connection(%d)", int(s))
	}
}

var connectionTransitions = map[ConnectionState][]ConnectionState{
	ConnectionNew:          {ConnectionConnecting, ConnectionFailed, ConnectionClosed},
	ConnectionConnecting:   {ConnectionConnected, ConnectionFailed, ConnectionClosed},
	ConnectionConnected:    {ConnectionDisconnected, ConnectionFailed, ConnectionClosed},
	ConnectionDisconnected: {ConnectionConnected, ConnectionConnecting, ConnectionFailed, ConnectionClosed},
	ConnectionFailed:       {ConnectionClosed},
}

// Next validates a transition reported by the engine. Reporting the current
// state again is a no-op.
func (s ConnectionState) Next(to ConnectionState) (ConnectionState, error) {
	if to == s {
		return s, nil
	}
	for _, allowed := range connectionTransitions[s] {
		if allowed == to {
			return to, nil
		}
	}
	return s, fmt.Errorf("%w: connection %s -> %s", domain.ErrInvalidTransition, s, to)
}

// ICEState is the connectivity-check state.
type ICEState int

const (
	ICENew ICEState = iota
	ICEChecking
	ICEConnected
	ICECompleted
	ICEDisconnected
	ICEFailed
	ICEClosed
)

func (s ICEState) String() string {
	switch s {
	case ICENew:
		return "new"
	case ICEChecking:
		return "checking"
	case ICEConnected:
		return "connected"
	case ICECompleted:
		return "completed"
	case ICEDisconnected:
		return "disconnected"
	case ICEFailed:
		return "failed"
	case ICEClosed:
		return "closed"
	default:
		return fmt.Sprintf("ice(%d)", int(s))
	}
}

var iceTransitions = map[ICEState][]ICEState{
	ICENew:          {ICEChecking, ICEClosed},
	ICEChecking:     {ICEConnected, ICEFailed, ICEClosed},
	ICEConnected:    {ICECompleted, ICEDisconnected, ICEClosed},
	ICECompleted:    {ICEDisconnected, ICEClosed},
	ICEDisconnected: {ICEConnected, ICEFailed, ICEClosed},
	ICEFailed:       {ICEClosed},
}

// Next validates an ICE transition. Any state may close.
func (s ICEState) Next(to ICEState) (ICEState, error) {
	if to == s {
		return s, nil
	}
	for _, allowed := range iceTransitions[s] {
		if allowed == to {
			return to, nil
		}
	}
	return s, fmt.Errorf("%w: ice %s -> %s", domain.ErrInvalidTransition, s, to)
}

// NegotiationState tracks the offer/answer exchange.
type NegotiationState int

const (
	NegotiationStable NegotiationState = iota
	NegotiationHaveLocalOffer
	NegotiationHaveRemoteOffer
)

func (s NegotiationState) String() string {
	switch s {
	case NegotiationStable:
		return "stable"
	case NegotiationHaveLocalOffer:
		return "have-local-offer"
	case NegotiationHaveRemoteOffer:
		return "have-remote-offer"
	default:
		return fmt.Sprintf("negotiation(%d)", int(s))
	}
}
