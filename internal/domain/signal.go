package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// SDPType distinguishes the two halves of an offer/answer exchange.
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SDPMessage is a session description. Values are never modified after creation.
type SDPMessage struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// ICECandidateMessage is a single trickled ICE candidate.
type ICECandidateMessage struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex int     `json:"sdpMLineIndex"`
}

// MessageType tags every payload carried by the signaling channel.
type MessageType string

const (
	MessageOffer        MessageType = "offer"
	MessageAnswer       MessageType = "answer"
	MessageICECandidate MessageType = "ice-candidate"
	MessageCallRequest  MessageType = "call-request"
	MessageRinging      MessageType = "ringing"
	MessageAccept       MessageType = "accept"
	MessageDecline      MessageType = "decline"
	MessageHangup       MessageType = "hangup"
)

// SignalMessage is the JSON envelope exchanged between the two participants.
type SignalMessage struct {
	CallID         uuid.UUID   `json:"callId"`
	Type           MessageType `json:"type"`
	From           string      `json:"from,omitempty"`
	To             string      `json:"to,omitempty"`
	SDP            string      `json:"sdp,omitempty"`
	ICECandidate   string      `json:"iceCandidate,omitempty"`
	SDPMLineIndex  *int        `json:"sdpMLineIndex,omitempty"`
	SDPMid         *string     `json:"sdpMid,omitempty"`
	CalleeIdentity string      `json:"calleeIdentity,omitempty"`
}

// NewDescriptionMessage wraps a local description for the signaling channel.
func NewDescriptionMessage(callID uuid.UUID, desc SDPMessage) SignalMessage {
	return SignalMessage{
		CallID: callID,
		Type:   MessageType(desc.Type),
		SDP:    desc.SDP,
	}
}

// NewCandidateMessage wraps a local ICE candidate for the signaling channel.
func NewCandidateMessage(callID uuid.UUID, c ICECandidateMessage) SignalMessage {
	index := c.SDPMLineIndex
	return SignalMessage{
		CallID:        callID,
		Type:          MessageICECandidate,
		ICECandidate:  c.Candidate,
		SDPMLineIndex: &index,
		SDPMid:        c.SDPMid,
	}
}

// Description extracts the SDP carried by an offer or answer message.
func (m SignalMessage) Description() (SDPMessage, error) {
	switch m.Type {
	case MessageOffer, MessageAnswer:
		return SDPMessage{Type: SDPType(m.Type), SDP: m.SDP}, nil
	default:
		return SDPMessage{}, fmt.Errorf("message %q carries no session description", m.Type)
	}
}

// Candidate extracts the ICE candidate carried by an ice-candidate message.
func (m SignalMessage) Candidate() (ICECandidateMessage, error) {
	if m.Type != MessageICECandidate {
		return ICECandidateMessage{}, fmt.Errorf("message %q carries no ICE candidate", m.Type)
	}
	c := ICECandidateMessage{
		Candidate: m.ICECandidate,
		SDPMid:    m.SDPMid,
	}
	if m.SDPMLineIndex != nil {
		c.SDPMLineIndex = *m.SDPMLineIndex
	}
	return c, nil
}
