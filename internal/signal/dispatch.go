package signal

import (
	"fmt"

	"peercall/native/internal/domain"
)

// messageHello registers an identity with the relay. It never reaches a Handler.
const messageHello domain.MessageType = "hello"

// Dispatch routes one inbound message to h.
func Dispatch(h domain.Handler, msg domain.SignalMessage) error {
	switch msg.Type {
	case domain.MessageCallRequest:
		h.OnCallRequest(msg)
	case domain.MessageRinging:
		h.OnRinging(msg.CallID)
	case domain.MessageAccept:
		h.OnAccept(msg.CallID)
	case domain.MessageDecline:
		h.OnDecline(msg.CallID)
	case domain.MessageHangup:
		h.OnHangup(msg.CallID)
	case domain.MessageOffer, domain.MessageAnswer:
		desc, err := msg.Description()
		if err != nil {
			return err
		}
		h.OnDescription(msg.CallID, desc)
	case domain.MessageICECandidate:
		c, err := msg.Candidate()
		if err != nil {
			return err
		}
		h.OnRemoteICECandidate(msg.CallID, c)
	default:
		return fmt.Errorf("unhandled message type %q", msg.Type)
	}
	return nil
}
