package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"peercall/native/internal/codec"
	"peercall/native/internal/domain"
	"peercall/native/internal/session"
)

const (
	// DefaultRingTimeout ends an unanswered call as missed.
	DefaultRingTimeout = 30 * time.Second

	persistTimeout = 5 * time.Second
)

// Role is the side of the call a Session plays.
type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCaller {
		return "caller"
	}
	return "callee"
}

// Config is shared by every session a Coordinator creates.
type Config struct {
	WebRTC        domain.WebRTCConfig
	Capabilities  codec.CapabilitySet
	EngineFactory session.EngineFactory
	RingTimeout   time.Duration
	// NegotiationTimeout bounds the time from accept to an active call.
	// Zero means RingTimeout.
	NegotiationTimeout time.Duration
	Store              domain.CallStore
	Media              Media
	Pump               PumpConfig
	Now                func() time.Time
}

// Session binds one call to its transport, ring timer, store and media pump.
type Session struct {
	cfg       Config
	role      Role
	remote    string
	signaler  domain.Signaler
	transport *session.Transport
	factory   *codec.Factory
	log       *logrus.Entry

	mu         sync.Mutex
	life       *Lifecycle
	negotiated *codec.Negotiated
	ringTimer  *time.Timer
	negTimer   *time.Timer
	stopped    bool

	pump   atomic.Pointer[Pump]
	unsubs []func()

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	onEnd    func(*Session)
}

func newSession(cfg Config, role Role, call *domain.Call, remote string, signaler domain.Signaler) *Session {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = cfg.RingTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       cfg,
		role:      role,
		remote:    remote,
		signaler:  signaler,
		transport: session.New(cfg.EngineFactory, cfg.Capabilities),
		factory:   codec.NewFactory(cfg.Capabilities),
		log: logrus.WithFields(logrus.Fields{
			"component": "call",
			"call_id":   call.CallID,
			"role":      role.String(),
		}),
		life:   NewLifecycle(call, cfg.Now),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	return s
}

// start initializes the transport, persists the pending call and arms the
// ring timer.
func (s *Session) start(ctx context.Context) error {
	s.unsubs = append(s.unsubs,
		s.transport.OnICECandidate(s.onLocalCandidate),
		s.transport.OnConnectionState(s.onConnectionState),
		s.transport.OnError(func(err error) {
			s.log.WithError(err).Warn("transport error")
		}),
		s.transport.OnAudio(func(in domain.InboundAudio) {
			if p := s.pump.Load(); p != nil {
				p.OnRemoteAudio(in)
			}
		}),
		s.transport.OnVideo(func(in domain.InboundVideo) {
			if p := s.pump.Load(); p != nil {
				p.OnRemoteVideo(in)
			}
		}),
		s.transport.OnKeyFrameRequest(func() {
			if p := s.pump.Load(); p != nil {
				p.OnKeyFrameRequest()
			}
		}),
	)

	if err := s.transport.Initialize(ctx, s.cfg.WebRTC); err != nil {
		return fmt.Errorf("initialize transport: %w", err)
	}

	s.mu.Lock()
	s.persistLocked(nil)
	s.ringTimer = time.AfterFunc(s.cfg.RingTimeout, s.onRingTimeout)
	s.mu.Unlock()
	return nil
}

// ID returns the call id.
func (s *Session) ID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.life.Call().CallID
}

// Role reports whether the local participant placed or received the call.
func (s *Session) Role() Role { return s.role }

// Remote returns the identity of the other participant.
func (s *Session) Remote() string { return s.remote }

// Call returns a snapshot of the call.
func (s *Session) Call() domain.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.life.Call()
}

// Log returns the transitions applied so far.
func (s *Session) Log() []domain.CallLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.life.Entries()
}

// Transport exposes the underlying transport for state inspection.
func (s *Session) Transport() *session.Transport { return s.transport }

// Pump returns the media pump, or nil before the call is active.
func (s *Session) Pump() *Pump { return s.pump.Load() }

// Done is closed once the call reached a terminal state and was torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Accept answers a ringing incoming call. The transport is negotiated when the
// caller's offer arrives.
func (s *Session) Accept() error {
	if s.role != RoleCallee {
		return fmt.Errorf("%w: only the callee accepts", domain.ErrInvalidTransition)
	}
	if err := s.apply(EventAccept); err != nil {
		return err
	}
	return s.send(domain.MessageAccept)
}

// Decline rejects a ringing incoming call.
func (s *Session) Decline() error {
	if s.role != RoleCallee {
		return fmt.Errorf("%w: only the callee declines", domain.ErrInvalidTransition)
	}
	if err := s.apply(EventDecline); err != nil {
		return err
	}
	return s.send(domain.MessageDecline)
}

// Hangup ends the call from the local side. Before the call is active this
// cancels it; teardown does not wait for pending signaling.
func (s *Session) Hangup() error {
	if err := s.apply(EventHangup); err != nil {
		return err
	}
	return s.send(domain.MessageHangup)
}

func (s *Session) send(t domain.MessageType) error {
	return s.sendMessage(domain.SignalMessage{CallID: s.ID(), Type: t})
}

func (s *Session) sendMessage(msg domain.SignalMessage) error {
	msg.To = s.remote
	if err := s.signaler.Send(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// apply runs ev through the lifecycle, persists the transition and starts or
// tears down the call as the new status requires.
func (s *Session) apply(ev Event) error {
	s.mu.Lock()
	entry, err := s.life.Apply(ev)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	// once answered the call can no longer be missed, but it must still connect
	if s.life.Accepted() && s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
		if s.life.Call().Status == domain.CallRinging && !s.stopped {
			s.negTimer = time.AfterFunc(s.cfg.NegotiationTimeout, s.onNegotiationTimeout)
		}
	}
	if entry == nil {
		s.mu.Unlock()
		s.log.WithField("event", ev.String()).Debug("event absorbed")
		return nil
	}
	s.persistLocked(entry)
	status := entry.To
	if status != domain.CallPending && status != domain.CallRinging {
		s.stopTimersLocked()
	}
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"from":   entry.From.String(),
		"to":     entry.To.String(),
		"reason": entry.Reason,
	}).Info("call state")

	switch {
	case status == domain.CallActive:
		s.startMedia()
	case status.Terminal():
		s.teardown()
	}
	return nil
}

func (s *Session) persistLocked(entry *domain.CallLogEntry) {
	if s.cfg.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if entry != nil {
		if err := s.cfg.Store.AppendLog(ctx, *entry); err != nil {
			s.log.WithError(err).Error("append call log")
		}
	}
	if err := s.cfg.Store.SaveCall(ctx, s.life.Call()); err != nil {
		s.log.WithError(err).Error("save call")
	}
}

func (s *Session) onRingTimeout() {
	err := s.apply(EventRingTimeout)
	if err != nil {
		return
	}
	if s.Call().Status != domain.CallMissed {
		return
	}
	s.log.Info("ring timeout")
	if err := s.send(domain.MessageHangup); err != nil {
		s.log.WithError(err).Debug("notify remote of timeout")
	}
}

// onNegotiationTimeout ends an accepted call whose transport never connected.
func (s *Session) onNegotiationTimeout() {
	if err := s.apply(EventTransportFailed); err != nil {
		return
	}
	s.log.WithField("timeout", s.cfg.NegotiationTimeout).Warn("call accepted but never connected")
	if err := s.send(domain.MessageHangup); err != nil {
		s.log.WithError(err).Debug("notify remote of negotiation timeout")
	}
}

func (s *Session) stopTimersLocked() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	if s.negTimer != nil {
		s.negTimer.Stop()
	}
}

func (s *Session) onConnectionState(state session.ConnectionState) {
	var err error
	switch state {
	case session.ConnectionConnected:
		err = s.apply(EventTransportConnected)
	case session.ConnectionFailed:
		err = s.apply(EventTransportFailed)
		if err == nil {
			_ = s.send(domain.MessageHangup)
		}
	default:
		return
	}
	if err != nil && !errors.Is(err, domain.ErrTerminalState) {
		s.log.WithError(err).WithField("state", state.String()).Warn("connection state not applied")
	}
}

func (s *Session) onLocalCandidate(c domain.ICECandidateMessage) {
	if err := s.sendMessage(domain.NewCandidateMessage(s.ID(), c)); err != nil {
		s.log.WithError(err).Warn("forward local candidate")
	}
}

// onRemoteAccepted runs on the caller once the callee accepted: it creates
// and sends the offer.
func (s *Session) onRemoteAccepted() error {
	if err := s.apply(EventAccept); err != nil {
		return err
	}
	offer, err := s.transport.CreateOffer(s.ctx)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.transport.SetLocalDescription(s.ctx, offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	return s.sendMessage(domain.NewDescriptionMessage(s.ID(), offer))
}

// onRemoteDescription applies an offer (callee) or answer (caller).
func (s *Session) onRemoteDescription(desc domain.SDPMessage) error {
	// codecs must be known before the transport can report connected
	neg, err := s.negotiate(desc.SDP)
	if err != nil {
		return err
	}
	if err := s.transport.SetRemoteDescription(s.ctx, desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	if err := s.transport.SelectAudioCodec(s.ctx, neg.Audio); err != nil {
		return fmt.Errorf("select audio codec: %w", err)
	}
	if desc.Type != domain.SDPTypeOffer {
		return nil
	}

	answer, err := s.transport.CreateAnswer(s.ctx)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.transport.SetLocalDescription(s.ctx, answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	return s.sendMessage(domain.NewDescriptionMessage(s.ID(), answer))
}

func (s *Session) negotiate(remoteSDP string) (codec.Negotiated, error) {
	neg, err := codec.NegotiateFromSDP(s.cfg.Capabilities, remoteSDP)
	if err != nil {
		return neg, fmt.Errorf("negotiate codecs: %w", err)
	}
	s.mu.Lock()
	s.negotiated = &neg
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"audio": neg.Audio.String(),
		"video": neg.HasVideo,
	}).Info("codecs negotiated")
	return neg, nil
}

func (s *Session) onRemoteCandidate(c domain.ICECandidateMessage) error {
	return s.transport.AddICECandidate(s.ctx, c)
}

func (s *Session) startMedia() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.pump.Load() != nil {
		return
	}
	if s.negotiated == nil {
		s.log.Warn("call active without negotiated codecs")
		return
	}

	p, err := NewPump(s.transport, s.factory, *s.negotiated, s.cfg.Media, s.cfg.Pump)
	if err != nil {
		s.log.WithError(err).Error("create media pump")
		return
	}
	s.pump.Store(p)
	p.Start()
}

// teardown releases the transport and codecs. It is idempotent.
func (s *Session) teardown() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.stopTimersLocked()
		s.mu.Unlock()

		s.cancel()
		for _, unsubscribe := range s.unsubs {
			unsubscribe()
		}
		if p := s.pump.Load(); p != nil {
			p.Close()
		}
		s.transport.Close()
		close(s.done)

		if s.onEnd != nil {
			s.onEnd(s)
		}
		call := s.Call()
		s.log.WithFields(logrus.Fields{
			"status":   call.Status.String(),
			"duration": call.DurationSeconds,
		}).Info("call finished")
	})
}

// close tears the session down without a lifecycle transition, for a call
// that never got off the ground.
func (s *Session) close() {
	s.teardown()
}
