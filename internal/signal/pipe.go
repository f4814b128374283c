package signal

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"peercall/native/internal/domain"
)

const pipeBuffer = 1024

// PipeEnd is one side of an in-memory signaling channel. Messages are
// encoded as they would be on the wire and delivered in order on the peer's
// delivery goroutine.
type PipeEnd struct {
	identity string
	inbox    chan []byte
	peer     *PipeEnd
	log      *logrus.Entry

	mu        sync.Mutex
	handler   domain.Handler
	started   bool
	closed    chan struct{}
	closeOnce sync.Once
}

// NewPipe returns two connected ends.
func NewPipe(identityA, identityB string) (*PipeEnd, *PipeEnd) {
	a := newPipeEnd(identityA)
	b := newPipeEnd(identityB)
	a.peer, b.peer = b, a
	return a, b
}

func newPipeEnd(identity string) *PipeEnd {
	return &PipeEnd{
		identity: identity,
		inbox:    make(chan []byte, pipeBuffer),
		log:      logrus.WithFields(logrus.Fields{"component": "signal", "identity": identity}),
		closed:   make(chan struct{}),
	}
}

// Attach sets the handler for inbound messages. Call before Connect.
func (p *PipeEnd) Attach(h domain.Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

// Connect starts delivering inbound messages.
func (p *PipeEnd) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handler == nil {
		return fmt.Errorf("pipe %s: no handler attached", p.identity)
	}
	if !p.started {
		p.started = true
		go p.deliver(p.handler)
	}
	return nil
}

// Send queues msg for the other end.
func (p *PipeEnd) Send(msg domain.SignalMessage) error {
	if msg.From == "" {
		msg.From = p.identity
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	if err := p.checkOpen(); err != nil {
		return err
	}
	select {
	case <-p.closed:
		return fmt.Errorf("pipe %s closed", p.identity)
	case <-p.peer.closed:
		return fmt.Errorf("pipe %s: peer closed", p.identity)
	case p.peer.inbox <- data:
		return nil
	}
}

func (p *PipeEnd) checkOpen() error {
	select {
	case <-p.closed:
		return fmt.Errorf("pipe %s closed", p.identity)
	case <-p.peer.closed:
		return fmt.Errorf("pipe %s: peer closed", p.identity)
	default:
		return nil
	}
}

// Close stops delivery on this end. It is idempotent.
func (p *PipeEnd) Close() {
	p.closeOnce.Do(func() { close(p.closed) })
}

func (p *PipeEnd) deliver(h domain.Handler) {
	for {
		select {
		case <-p.closed:
			return
		case data := <-p.inbox:
			var msg domain.SignalMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				p.log.WithError(err).Warn("unmarshal failed")
				continue
			}
			if err := Dispatch(h, msg); err != nil {
				p.log.WithError(err).Warn("dropping message")
			}
		}
	}
}
