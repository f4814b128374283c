// Package sessiontest provides an in-memory Engine for exercising transports
// and calls without a network.
package sessiontest

import (
	"fmt"
	"sync"

	"peercall/native/internal/codec"
	"peercall/native/internal/domain"
	"peercall/native/internal/session"
)

// Network pairs the engines created by its factories: media written on one is
// delivered to the other once both have connected.
type Network struct {
	mu      sync.Mutex
	engines map[string]*Engine
	order   []*Engine
}

func NewNetwork() *Network {
	return &Network{engines: make(map[string]*Engine)}
}

// Factory returns an EngineFactory that registers its engine under id.
func (n *Network) Factory(id string) session.EngineFactory {
	return func(cfg domain.WebRTCConfig, caps codec.CapabilitySet, events session.EngineEvents) (session.Engine, error) {
		n.mu.Lock()
		defer n.mu.Unlock()
		e := &Engine{
			id:       id,
			host:     len(n.order) + 1,
			Config:   cfg,
			events:   events,
			network:  n,
			selected: codec.AudioOpus,
		}
		n.engines[id] = e
		n.order = append(n.order, e)
		return e, nil
	}
}

// Engine returns the engine registered under id, or nil.
func (n *Network) Engine(id string) *Engine {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engines[id]
}

func (n *Network) peerOf(e *Engine) *Engine {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, other := range n.order {
		if other != e {
			return other
		}
	}
	return nil
}

// Engine is a scripted engine. It gathers a host and a server reflexive
// candidate when its local description is set and connects once it holds a remote description and at
// least one remote candidate.
type Engine struct {
	id      string
	host    int
	network *Network
	events  session.EngineEvents
	Config  domain.WebRTCConfig

	mu               sync.Mutex
	local            *domain.SDPMessage
	remote           *domain.SDPMessage
	remoteCandidates []domain.ICECandidateMessage
	selected         codec.AudioKind
	connected        bool
	closed           bool
	audioSeq         uint16

	sentAudio        int
	sentVideo        int
	keyFrameRequests int
}

func (e *Engine) CreateOffer() (domain.SDPMessage, error) {
	return domain.SDPMessage{Type: domain.SDPTypeOffer, SDP: e.description("offer")}, nil
}

func (e *Engine) CreateAnswer() (domain.SDPMessage, error) {
	return domain.SDPMessage{Type: domain.SDPTypeAnswer, SDP: e.description("answer")}, nil
}

// description is a minimal SDP advertising the default codec table.
func (e *Engine) description(kind string) string {
	return fmt.Sprintf("v=0\r\no=%s %d 1 IN IP4 10.0.0.%d\r\ns=%s\r\nt=0 0\r\n"+
		"m=audio 9 UDP/TLS/RTP/SAVPF 111 0 8\r\nc=IN IP4 0.0.0.0\r\n"+
		"a=rtpmap:111 opus/48000/2\r\na=rtpmap:0 PCMU/8000\r\na=rtpmap:8 PCMA/8000\r\n"+
		"m=video 9 UDP/TLS/RTP/SAVPF 96\r\nc=IN IP4 0.0.0.0\r\na=rtpmap:96 KFV/90000\r\n",
		e.id, e.host, e.host, kind)
}

func (e *Engine) SetLocalDescription(desc domain.SDPMessage) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine closed")
	}
	first := e.local == nil
	e.local = &desc
	e.mu.Unlock()

	if first {
		e.events.OnConnectionState(session.ConnectionConnecting)
		for _, c := range e.gather() {
			e.events.OnICECandidate(c)
		}
	}
	e.maybeConnect()
	return nil
}

// gather returns a host and a server reflexive candidate.
func (e *Engine) gather() []domain.ICECandidateMessage {
	mid := "0"
	return []domain.ICECandidateMessage{
		{
			Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.%d 50000 typ host", e.host, e.host),
			SDPMid:    &mid,
		},
		{
			Candidate: fmt.Sprintf("candidate:%d 1 udp 1694498815 203.0.113.%d 50001 typ srflx raddr 10.0.0.%d rport 50000",
				e.host+100, e.host, e.host),
			SDPMid: &mid,
		},
	}
}

func (e *Engine) SetRemoteDescription(desc domain.SDPMessage) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine closed")
	}
	e.remote = &desc
	e.mu.Unlock()
	e.maybeConnect()
	return nil
}

func (e *Engine) Rollback() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.local = nil
	return nil
}

func (e *Engine) AddICECandidate(c domain.ICECandidateMessage) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine closed")
	}
	if e.remote == nil {
		e.mu.Unlock()
		return fmt.Errorf("remote description not set")
	}
	e.remoteCandidates = append(e.remoteCandidates, c)
	e.mu.Unlock()
	e.maybeConnect()
	return nil
}

func (e *Engine) maybeConnect() {
	e.mu.Lock()
	ready := !e.connected && !e.closed && e.local != nil && e.remote != nil && len(e.remoteCandidates) > 0
	if ready {
		e.connected = true
	}
	e.mu.Unlock()
	if !ready {
		return
	}
	e.events.OnICEState(session.ICEChecking)
	e.events.OnICEState(session.ICEConnected)
	e.events.OnConnectionState(session.ConnectionConnected)
}

// Fail drives both state machines to failed.
func (e *Engine) Fail() {
	e.events.OnICEState(session.ICEDisconnected)
	e.events.OnICEState(session.ICEFailed)
	e.events.OnConnectionState(session.ConnectionFailed)
}

func (e *Engine) SelectAudioCodec(kind codec.AudioKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedCodec, kind)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.selected = kind
	return nil
}

func (e *Engine) WriteAudio(payload []byte, timestamp uint32) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine closed")
	}
	e.sentAudio++
	e.audioSeq++
	in := domain.InboundAudio{
		Payload:     payload,
		PayloadType: e.selected.PayloadType(),
		Timestamp:   timestamp,
		Sequence:    e.audioSeq,
	}
	connected := e.connected
	e.mu.Unlock()

	if peer := e.network.peerOf(e); connected && peer != nil && peer.isConnected() {
		peer.events.OnAudio(in)
	}
	return nil
}

func (e *Engine) WriteVideo(frame *domain.EncodedFrame) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine closed")
	}
	e.sentVideo++
	connected := e.connected
	e.mu.Unlock()

	if peer := e.network.peerOf(e); connected && peer != nil && peer.isConnected() {
		peer.events.OnVideo(domain.InboundVideo{
			Payload:    frame.Data,
			Timestamp:  frame.Timestamp,
			IsKeyFrame: frame.IsKeyFrame,
		})
	}
	return nil
}

func (e *Engine) SendKeyFrameRequest() error {
	e.mu.Lock()
	e.keyFrameRequests++
	e.mu.Unlock()
	if peer := e.network.peerOf(e); peer != nil && peer.isConnected() {
		peer.events.OnKeyFrameRequest()
	}
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.connected = false
	return nil
}

func (e *Engine) isConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// RemoteCandidates returns the candidates applied to the engine, in order.
func (e *Engine) RemoteCandidates() []domain.ICECandidateMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.ICECandidateMessage(nil), e.remoteCandidates...)
}

// Stats reports media written and keyframe requests sent.
func (e *Engine) Stats() (audio, video, keyFrameRequests int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sentAudio, e.sentVideo, e.keyFrameRequests
}

// SelectedAudio returns the outbound audio kind.
func (e *Engine) SelectedAudio() codec.AudioKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selected
}

// Closed reports whether Close was called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
