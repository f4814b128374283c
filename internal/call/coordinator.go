package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"peercall/native/internal/domain"
)

// Coordinator routes signaling to call sessions and places outgoing calls.
// It implements domain.Handler. The model is strictly two-party: while a call
// is in progress further incoming requests are declined.
type Coordinator struct {
	identity string
	cfg      Config
	signal   domain.Signaler
	log      *logrus.Entry

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	incoming func(*Session)
	ended    func(*Session)
}

var _ domain.Handler = (*Coordinator)(nil)

// NewCoordinator creates a coordinator for the local identity. Call
// SetSignaler before use to complete the circular dependency.
func NewCoordinator(identity string, cfg Config) *Coordinator {
	return &Coordinator{
		identity: identity,
		cfg:      cfg,
		log:      logrus.WithFields(logrus.Fields{"component": "call", "identity": identity}),
		sessions: make(map[uuid.UUID]*Session),
	}
}

// SetSignaler injects the signaler after construction (the coordinator needs
// the signaler, the signaler needs the handler).
func (c *Coordinator) SetSignaler(s domain.Signaler) {
	c.signal = s
}

// OnIncoming registers fn to be told about ringing incoming calls. fn runs on
// its own goroutine and decides with Session.Accept or Session.Decline.
func (c *Coordinator) OnIncoming(fn func(*Session)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.incoming = fn
}

// OnEnded registers fn to be told when a session was torn down.
func (c *Coordinator) OnEnded(fn func(*Session)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ended = fn
}

// Session returns the live session for callID, or nil.
func (c *Coordinator) Session(callID uuid.UUID) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[callID]
}

// Dial places a call to callee. The session rings until the callee answers or
// the ring timeout expires.
func (c *Coordinator) Dial(ctx context.Context, callee string) (*Session, error) {
	if callee == "" || callee == c.identity {
		return nil, fmt.Errorf("invalid callee %q", callee)
	}
	c.mu.Lock()
	busy := len(c.sessions) > 0
	c.mu.Unlock()
	if busy {
		return nil, fmt.Errorf("%w: a call is already in progress", domain.ErrInvalidSequence)
	}

	call := domain.NewCall(uuid.New(), c.identity, callee, c.now())
	s, err := c.startSession(ctx, RoleCaller, call, callee)
	if err != nil {
		return nil, err
	}

	c.log.WithFields(logrus.Fields{"call_id": call.CallID, "callee": callee}).Info("placing call")
	if err := s.sendMessage(domain.SignalMessage{
		CallID:         call.CallID,
		Type:           domain.MessageCallRequest,
		CalleeIdentity: callee,
	}); err != nil {
		_ = s.apply(EventHangup)
		return nil, err
	}
	return s, nil
}

// Close hangs up every live session.
func (c *Coordinator) Close() {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		if err := s.Hangup(); err != nil {
			s.close()
		}
	}
}

func (c *Coordinator) now() time.Time {
	if c.cfg.Now != nil {
		return c.cfg.Now()
	}
	return time.Now()
}

func (c *Coordinator) startSession(ctx context.Context, role Role, call *domain.Call, remote string) (*Session, error) {
	s := newSession(c.cfg, role, call, remote, c.signal)
	s.onEnd = c.remove

	c.mu.Lock()
	c.sessions[call.CallID] = s
	c.mu.Unlock()

	if err := s.start(ctx); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (c *Coordinator) remove(s *Session) {
	c.mu.Lock()
	delete(c.sessions, s.ID())
	ended := c.ended
	c.mu.Unlock()
	if ended != nil {
		ended(s)
	}
}

func (c *Coordinator) lookup(callID uuid.UUID, msg domain.MessageType) *Session {
	s := c.Session(callID)
	if s == nil {
		c.log.WithFields(logrus.Fields{"call_id": callID, "type": msg}).Debug("no session for message")
	}
	return s
}

// fail ends the call after a negotiation error and tells the remote side.
func (c *Coordinator) fail(s *Session, err error) {
	s.log.WithError(err).Error("call failed")
	if applyErr := s.apply(EventTransportFailed); applyErr != nil {
		return
	}
	_ = s.send(domain.MessageHangup)
}

func (c *Coordinator) OnCallRequest(msg domain.SignalMessage) {
	log := c.log.WithFields(logrus.Fields{"call_id": msg.CallID, "caller": msg.From})
	if msg.CalleeIdentity != "" && msg.CalleeIdentity != c.identity {
		log.WithField("callee", msg.CalleeIdentity).Warn("call request for another identity")
		return
	}
	if c.Session(msg.CallID) != nil {
		log.Debug("duplicate call request")
		return
	}

	c.mu.Lock()
	busy := len(c.sessions) > 0
	incoming := c.incoming
	c.mu.Unlock()

	if busy {
		log.Info("busy, declining")
		for _, t := range []domain.MessageType{domain.MessageRinging, domain.MessageDecline} {
			if err := c.signal.Send(domain.SignalMessage{CallID: msg.CallID, Type: t, To: msg.From}); err != nil {
				log.WithError(err).Warn("send busy reply")
			}
		}
		return
	}

	call := domain.NewCall(msg.CallID, msg.From, c.identity, c.now())
	s, err := c.startSession(context.Background(), RoleCallee, call, msg.From)
	if err != nil {
		log.WithError(err).Error("start incoming call")
		return
	}
	if err := s.apply(EventRing); err != nil {
		log.WithError(err).Error("ring")
		return
	}
	if err := s.send(domain.MessageRinging); err != nil {
		log.WithError(err).Warn("send ringing")
	}

	log.Info("incoming call")
	if incoming != nil {
		go incoming(s)
	}
}

func (c *Coordinator) OnRinging(callID uuid.UUID) {
	if s := c.lookup(callID, domain.MessageRinging); s != nil {
		if err := s.apply(EventRing); err != nil {
			s.log.WithError(err).Warn("apply ringing")
		}
	}
}

func (c *Coordinator) OnAccept(callID uuid.UUID) {
	s := c.lookup(callID, domain.MessageAccept)
	if s == nil {
		return
	}
	if s.Role() != RoleCaller {
		s.log.Warn("accept received by callee")
		return
	}
	if err := s.onRemoteAccepted(); err != nil {
		c.fail(s, err)
	}
}

func (c *Coordinator) OnDecline(callID uuid.UUID) {
	if s := c.lookup(callID, domain.MessageDecline); s != nil {
		if err := s.apply(EventDecline); err != nil {
			s.log.WithError(err).Warn("apply decline")
		}
	}
}

func (c *Coordinator) OnHangup(callID uuid.UUID) {
	if s := c.lookup(callID, domain.MessageHangup); s != nil {
		if err := s.apply(EventHangup); err != nil && !errors.Is(err, domain.ErrTerminalState) {
			s.log.WithError(err).Warn("apply hangup")
		}
	}
}

func (c *Coordinator) OnDescription(callID uuid.UUID, desc domain.SDPMessage) {
	s := c.lookup(callID, domain.MessageType(desc.Type))
	if s == nil {
		return
	}
	if desc.Type == domain.SDPTypeOffer && s.Role() != RoleCallee {
		s.log.Warn("offer received by caller")
		return
	}
	if err := s.onRemoteDescription(desc); err != nil {
		c.fail(s, err)
	}
}

func (c *Coordinator) OnRemoteICECandidate(callID uuid.UUID, candidate domain.ICECandidateMessage) {
	s := c.lookup(callID, domain.MessageICECandidate)
	if s == nil {
		return
	}
	if err := s.onRemoteCandidate(candidate); err != nil {
		s.log.WithError(err).Warn("add remote ice candidate")
	}
}
