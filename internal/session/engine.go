package session

import (
	"peercall/native/internal/codec"
	"peercall/native/internal/domain"
)

// Engine is the peer connection underneath a Transport. The Transport calls
// the signaling methods from its task goroutine only; media writes may come
// from capture goroutines concurrently.
type Engine interface {
	CreateOffer() (domain.SDPMessage, error)
	CreateAnswer() (domain.SDPMessage, error)
	SetLocalDescription(desc domain.SDPMessage) error
	SetRemoteDescription(desc domain.SDPMessage) error
	Rollback() error
	AddICECandidate(candidate domain.ICECandidateMessage) error

	// SelectAudioCodec switches the outbound audio track to kind after negotiation.
	SelectAudioCodec(kind codec.AudioKind) error
	WriteAudio(payload []byte, timestamp uint32) error
	WriteVideo(frame *domain.EncodedFrame) error
	// SendKeyFrameRequest asks the remote encoder for a keyframe.
	SendKeyFrameRequest() error

	Close() error
}

// EngineEvents are the callbacks an Engine reports on. They may be invoked
// from any goroutine and must not block.
type EngineEvents struct {
	OnICECandidate    func(domain.ICECandidateMessage)
	OnConnectionState func(ConnectionState)
	OnICEState        func(ICEState)
	OnAudio           func(domain.InboundAudio)
	OnVideo           func(domain.InboundVideo)
	OnKeyFrameRequest func()
}

// EngineFactory builds an engine for one transport.
type EngineFactory func(cfg domain.WebRTCConfig, caps codec.CapabilitySet, events EngineEvents) (Engine, error)
