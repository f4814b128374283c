// Package session implements the transport layer of a call: the connection
// and ICE state machines, the offer/answer sequence and trickle ICE, on top of
// an Engine.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"peercall/native/internal/codec"
	"peercall/native/internal/domain"
)

var (
	errDisposed       = fmt.Errorf("%w: %w", domain.ErrInvalidSequence, domain.ErrUseAfterDispose)
	errNotInitialized = fmt.Errorf("%w: %w", domain.ErrInvalidSequence, domain.ErrNotInitialized)
)

func sequenceError(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{domain.ErrInvalidSequence}, args...)...)
}

// Transport owns one peer connection. Signaling calls are serialized on a
// task goroutine that is the only writer of the state; events are delivered
// in order on a separate dispatcher goroutine.
type Transport struct {
	newEngine EngineFactory
	caps      codec.CapabilitySet
	log       *logrus.Entry

	ops    chan func()
	wake   chan struct{}
	done   chan struct{}
	events *dispatcher

	inboxMu sync.Mutex
	inbox   []func()

	closeOnce sync.Once
	closed    atomic.Bool
	media     atomic.Pointer[engineRef]

	// owned by the task goroutine
	engine       Engine
	initialized  bool
	pendingLocal *domain.SDPMessage
	remoteSet    bool
	buffered     []domain.ICECandidateMessage

	stateMu sync.Mutex
	conn    ConnectionState
	ice     ICEState
	neg     NegotiationState
}

type engineRef struct{ Engine }

// New returns a transport that will build its engine with newEngine on
// Initialize, advertising caps.
func New(newEngine EngineFactory, caps codec.CapabilitySet) *Transport {
	t := &Transport{
		newEngine: newEngine,
		caps:      caps,
		log:       logrus.WithField("component", "session"),
		ops:       make(chan func()),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		events:    newDispatcher(),
	}
	go t.run()
	return t
}

func (t *Transport) run() {
	for {
		select {
		case op := <-t.ops:
			op()
		case <-t.wake:
			t.drainInbox()
		case <-t.done:
			return
		}
	}
}

func (t *Transport) drainInbox() {
	t.inboxMu.Lock()
	pending := t.inbox
	t.inbox = nil
	t.inboxMu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

// post queues fn for the task goroutine without blocking. Engine callbacks
// use it so an engine that waits on its own goroutines during Close cannot
// deadlock against the task.
func (t *Transport) post(fn func()) {
	if t.closed.Load() {
		return
	}
	t.inboxMu.Lock()
	t.inbox = append(t.inbox, fn)
	t.inboxMu.Unlock()
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// do runs fn on the task goroutine and waits for its result.
func (t *Transport) do(ctx context.Context, fn func() error) error {
	if t.closed.Load() {
		return errDisposed
	}
	result := make(chan error, 1)
	select {
	case t.ops <- func() {
		if t.closed.Load() {
			result <- errDisposed
			return
		}
		// engine callbacks queued earlier apply first
		t.drainInbox()
		result <- fn()
	}:
	case <-t.done:
		return errDisposed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-t.done:
		// Close does not wait for the engine call in flight
		return errDisposed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Initialize builds the engine from cfg. It must precede every other
// signaling call and may only run once.
func (t *Transport) Initialize(ctx context.Context, cfg domain.WebRTCConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid transport config: %w", err)
	}
	return t.do(ctx, func() error {
		if t.initialized {
			return sequenceError("transport already initialized")
		}
		if !cfg.EnableEncryption {
			t.log.Warn("media encryption cannot be disabled, DTLS-SRTP stays on")
		}
		engine, err := t.newEngine(cfg, t.caps, EngineEvents{
			OnICECandidate: func(c domain.ICECandidateMessage) {
				t.events.emit(eventICECandidate, c)
			},
			OnConnectionState: func(s ConnectionState) {
				t.post(func() { t.applyConnectionState(s) })
			},
			OnICEState: func(s ICEState) {
				t.post(func() { t.applyICEState(s) })
			},
			OnAudio: func(a domain.InboundAudio) {
				t.events.emit(eventAudio, a)
			},
			OnVideo: func(v domain.InboundVideo) {
				t.events.emit(eventVideo, v)
			},
			OnKeyFrameRequest: func() {
				t.events.emit(eventKeyFrameRequest, nil)
			},
		})
		if err != nil {
			return fmt.Errorf("%w: create engine: %w", domain.ErrTransportFailure, err)
		}
		t.engine = engine
		t.media.Store(&engineRef{engine})
		if t.closed.Load() {
			// Close ran while the engine was being built
			t.releaseEngine()
			return errDisposed
		}
		t.initialized = true
		t.log.WithFields(logrus.Fields{
			"ice_servers": len(cfg.ICEServers),
			"policy":      cfg.CandidatePolicy,
			"feedback":    cfg.EnableFeedback,
		}).Info("transport initialized")
		return nil
	})
}

// CreateOffer creates a local offer. Only valid in the stable state with no
// offer already outstanding.
func (t *Transport) CreateOffer(ctx context.Context) (domain.SDPMessage, error) {
	var offer domain.SDPMessage
	err := t.do(ctx, func() error {
		if !t.initialized {
			return errNotInitialized
		}
		if neg := t.Negotiation(); neg != NegotiationStable || t.pendingLocal != nil {
			return sequenceError("create offer in %s", neg)
		}
		var err error
		offer, err = t.engine.CreateOffer()
		if err != nil {
			return fmt.Errorf("create offer: %w", err)
		}
		t.pendingLocal = &offer
		return nil
	})
	return offer, err
}

// CreateAnswer answers the remote offer. Only valid after a remote offer is set.
func (t *Transport) CreateAnswer(ctx context.Context) (domain.SDPMessage, error) {
	var answer domain.SDPMessage
	err := t.do(ctx, func() error {
		if !t.initialized {
			return errNotInitialized
		}
		if neg := t.Negotiation(); neg != NegotiationHaveRemoteOffer || t.pendingLocal != nil {
			return sequenceError("create answer in %s", neg)
		}
		var err error
		answer, err = t.engine.CreateAnswer()
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		t.pendingLocal = &answer
		return nil
	})
	return answer, err
}

// SetLocalDescription applies a description previously returned by
// CreateOffer or CreateAnswer.
func (t *Transport) SetLocalDescription(ctx context.Context, desc domain.SDPMessage) error {
	return t.do(ctx, func() error {
		if !t.initialized {
			return errNotInitialized
		}
		if t.pendingLocal == nil || t.pendingLocal.Type != desc.Type {
			return sequenceError("set local %s without creating it", desc.Type)
		}
		if err := t.engine.SetLocalDescription(desc); err != nil {
			return fmt.Errorf("set local description: %w", err)
		}
		t.pendingLocal = nil
		if desc.Type == domain.SDPTypeOffer {
			t.setNegotiation(NegotiationHaveLocalOffer)
		} else {
			t.setNegotiation(NegotiationStable)
		}
		return nil
	})
}

// SetRemoteDescription applies the remote offer (answerer, stable state) or
// answer (offerer, after the local offer). Buffered candidates are flushed
// in arrival order once it lands.
func (t *Transport) SetRemoteDescription(ctx context.Context, desc domain.SDPMessage) error {
	return t.do(ctx, func() error {
		if !t.initialized {
			return errNotInitialized
		}
		neg := t.Negotiation()
		switch desc.Type {
		case domain.SDPTypeOffer:
			if neg != NegotiationStable || t.pendingLocal != nil {
				return sequenceError("remote offer in %s", neg)
			}
		case domain.SDPTypeAnswer:
			if neg != NegotiationHaveLocalOffer {
				return sequenceError("remote answer in %s", neg)
			}
		default:
			return sequenceError("unknown description type %q", desc.Type)
		}

		if err := t.engine.SetRemoteDescription(desc); err != nil {
			return fmt.Errorf("set remote description: %w", err)
		}
		if desc.Type == domain.SDPTypeOffer {
			t.setNegotiation(NegotiationHaveRemoteOffer)
		} else {
			t.setNegotiation(NegotiationStable)
		}
		t.remoteSet = true
		t.flushCandidates()
		return nil
	})
}

// Rollback abandons an offer that has not been answered.
func (t *Transport) Rollback(ctx context.Context) error {
	return t.do(ctx, func() error {
		if !t.initialized {
			return errNotInitialized
		}
		neg := t.Negotiation()
		switch {
		case neg == NegotiationHaveLocalOffer:
			if err := t.engine.Rollback(); err != nil {
				return fmt.Errorf("rollback: %w", err)
			}
		case t.pendingLocal != nil && t.pendingLocal.Type == domain.SDPTypeOffer:
		default:
			return sequenceError("nothing to roll back in %s", neg)
		}
		t.pendingLocal = nil
		t.setNegotiation(NegotiationStable)
		return nil
	})
}

// AddICECandidate adds a remote candidate, or buffers it until the remote
// description is set.
func (t *Transport) AddICECandidate(ctx context.Context, c domain.ICECandidateMessage) error {
	return t.do(ctx, func() error {
		if !t.initialized {
			return errNotInitialized
		}
		if !t.remoteSet {
			t.buffered = append(t.buffered, c)
			t.log.WithField("buffered", len(t.buffered)).Debug("remote candidate buffered")
			return nil
		}
		if err := t.engine.AddICECandidate(c); err != nil {
			return fmt.Errorf("add ice candidate: %w", err)
		}
		return nil
	})
}

func (t *Transport) flushCandidates() {
	pending := t.buffered
	t.buffered = nil
	for _, c := range pending {
		if err := t.engine.AddICECandidate(c); err != nil {
			t.emitError(fmt.Errorf("add buffered candidate: %w", err))
		}
	}
	if len(pending) > 0 {
		t.log.WithField("count", len(pending)).Debug("buffered candidates flushed")
	}
}

// SelectAudioCodec switches outbound audio to the negotiated kind.
func (t *Transport) SelectAudioCodec(ctx context.Context, kind codec.AudioKind) error {
	return t.do(ctx, func() error {
		if !t.initialized {
			return errNotInitialized
		}
		return t.engine.SelectAudioCodec(kind)
	})
}

// SendAudio sends one encoded audio payload. Failures surface on the error event.
func (t *Transport) SendAudio(payload []byte, timestamp uint32) {
	ref := t.media.Load()
	if ref == nil || t.closed.Load() {
		return
	}
	if err := ref.WriteAudio(payload, timestamp); err != nil {
		t.emitError(fmt.Errorf("send audio: %w", err))
	}
}

// SendVideo sends one encoded video frame. Failures surface on the error event.
func (t *Transport) SendVideo(frame *domain.EncodedFrame) {
	ref := t.media.Load()
	if ref == nil || frame == nil || t.closed.Load() {
		return
	}
	if err := ref.WriteVideo(frame); err != nil {
		t.emitError(fmt.Errorf("send video: %w", err))
	}
}

// RequestKeyFrame asks the remote encoder for a keyframe.
func (t *Transport) RequestKeyFrame() {
	ref := t.media.Load()
	if ref == nil || t.closed.Load() {
		return
	}
	if err := ref.SendKeyFrameRequest(); err != nil {
		t.emitError(fmt.Errorf("request keyframe: %w", err))
	}
}

// Close moves both state machines to closed and releases the engine. It
// does not wait for a signaling step in flight: that step runs against the
// closed engine and its caller gets ErrUseAfterDispose. Close is idempotent.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.forceClosed()
		close(t.done)
		t.releaseEngine()
		t.events.close()
		t.log.Info("transport closed")
	})
}

// releaseEngine closes the engine once, whichever of Close and Initialize
// gets to it first.
func (t *Transport) releaseEngine() {
	ref := t.media.Swap(nil)
	if ref == nil {
		return
	}
	if err := ref.Close(); err != nil {
		t.log.WithError(err).Warn("engine close failed")
	}
}

// Done is closed once the transport is closed.
func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) forceClosed() {
	t.stateMu.Lock()
	connChanged := t.conn != ConnectionClosed
	iceChanged := t.ice != ICEClosed
	t.conn, t.ice = ConnectionClosed, ICEClosed
	t.neg = NegotiationStable
	t.stateMu.Unlock()

	if iceChanged {
		t.events.emit(eventICEState, ICEClosed)
	}
	if connChanged {
		t.events.emit(eventConnectionState, ConnectionClosed)
	}
}

func (t *Transport) applyConnectionState(to ConnectionState) {
	t.stateMu.Lock()
	from := t.conn
	next, err := from.Next(to)
	t.conn = next
	t.stateMu.Unlock()

	if err != nil {
		t.log.WithError(err).Warn("ignoring connection state change")
		return
	}
	if next == from {
		return
	}
	t.log.WithFields(logrus.Fields{"from": from, "to": next}).Info("connection state changed")
	t.events.emit(eventConnectionState, next)
	if next == ConnectionFailed {
		t.emitError(fmt.Errorf("connection failed"))
	}
}

func (t *Transport) applyICEState(to ICEState) {
	t.stateMu.Lock()
	from := t.ice
	next, err := from.Next(to)
	t.ice = next
	t.stateMu.Unlock()

	if err != nil {
		t.log.WithError(err).Warn("ignoring ice state change")
		return
	}
	if next == from {
		return
	}
	t.log.WithFields(logrus.Fields{"from": from, "to": next}).Info("ice state changed")
	t.events.emit(eventICEState, next)
	if next == ICEFailed {
		t.emitError(fmt.Errorf("ice connectivity failed"))
	}
}

func (t *Transport) emitError(err error) {
	if t.closed.Load() {
		return
	}
	err = fmt.Errorf("%w: %w", domain.ErrTransportFailure, err)
	t.log.WithError(err).Warn("transport error")
	t.events.emit(eventError, err)
}

func (t *Transport) setNegotiation(s NegotiationState) {
	t.stateMu.Lock()
	if t.conn != ConnectionClosed {
		t.neg = s
	}
	t.stateMu.Unlock()
}

// ConnectionState returns the current connection state.
func (t *Transport) ConnectionState() ConnectionState {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.conn
}

// ICEState returns the current ICE state.
func (t *Transport) ICEState() ICEState {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.ice
}

// Negotiation returns the current offer/answer state.
func (t *Transport) Negotiation() NegotiationState {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.neg
}
