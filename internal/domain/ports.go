package domain

import (
	"context"

	"github.com/google/uuid"
)

// ICEServerFetcher retrieves STUN/TURN configuration from a credential endpoint.
type ICEServerFetcher interface {
	FetchICEServers(ctx context.Context, endpoint, token string) ([]ICEServerConfig, error)
}

// Signaler carries signaling messages to the remote participant. Delivery is
// assumed reliable and ordered.
type Signaler interface {
	Connect() error
	Send(msg SignalMessage) error
	Close()
}

// Handler receives signaling events.
type Handler interface {
	OnCallRequest(msg SignalMessage)
	OnRinging(callID uuid.UUID)
	OnAccept(callID uuid.UUID)
	OnDecline(callID uuid.UUID)
	OnHangup(callID uuid.UUID)
	OnDescription(callID uuid.UUID, desc SDPMessage)
	OnRemoteICECandidate(callID uuid.UUID, candidate ICECandidateMessage)
}

// CallStore persists call records and the append-only call log.
type CallStore interface {
	SaveCall(ctx context.Context, call *Call) error
	AppendLog(ctx context.Context, entry CallLogEntry) error
	GetCall(ctx context.Context, callID uuid.UUID) (*CallRecord, error)
	History(ctx context.Context, identity string, limit int) (*CallHistory, error)
}

// AudioSource is a capture device delivering interleaved 16-bit PCM from its
// own goroutine. The callback runs synchronously on the capture goroutine.
type AudioSource interface {
	Start(onSamples func(pcm []int16)) error
	Stop()
}

// VideoSource is a capture device delivering raw I420 frames.
type VideoSource interface {
	Start(onFrame func(raw []byte, width, height int)) error
	Stop()
}

// AudioSink plays decoded audio.
type AudioSink interface {
	PlayAudio(pcm []int16)
}

// VideoSink renders decoded video. A missing frame means the last one stays on screen.
type VideoSink interface {
	RenderVideo(frame DecodedFrame)
}
