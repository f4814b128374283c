package session

import (
	"sync"

	"peercall/native/internal/domain"
)

type eventKind int

const (
	eventICECandidate eventKind = iota
	eventConnectionState
	eventICEState
	eventAudio
	eventVideo
	eventKeyFrameRequest
	eventError
)

type event struct {
	kind    eventKind
	payload any
}

type subscriber struct {
	fn func(any)
}

// dispatcher delivers events in order on its own goroutine. The queue is
// unbounded so the transport task and engine callbacks never block on a slow
// subscriber.
type dispatcher struct {
	mu      sync.Mutex
	queue   []event
	closed  bool
	wake    chan struct{}
	stopped chan struct{}

	subMu sync.Mutex
	subs  map[eventKind]*subscriber
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		subs:    make(map[eventKind]*subscriber),
	}
	go d.run()
	return d
}

func (d *dispatcher) emit(kind eventKind, payload any) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, event{kind: kind, payload: payload})
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// close stops accepting events. Already queued events are still delivered.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.stopped)
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		for _, ev := range batch {
			d.deliver(ev)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-d.wake
	}
}

func (d *dispatcher) deliver(ev event) {
	d.subMu.Lock()
	sub := d.subs[ev.kind]
	d.subMu.Unlock()
	if sub != nil {
		sub.fn(ev.payload)
	}
}

// subscribe installs fn as the only subscriber for kind, replacing any
// previous one. The returned func removes it if it is still installed.
func (d *dispatcher) subscribe(kind eventKind, fn func(any)) func() {
	sub := &subscriber{fn: fn}
	d.subMu.Lock()
	d.subs[kind] = sub
	d.subMu.Unlock()

	return func() {
		d.subMu.Lock()
		defer d.subMu.Unlock()
		if d.subs[kind] == sub {
			delete(d.subs, kind)
		}
	}
}

// OnICECandidate subscribes to locally gathered candidates.
func (t *Transport) OnICECandidate(fn func(domain.ICECandidateMessage)) (unsubscribe func()) {
	return t.events.subscribe(eventICECandidate, func(p any) { fn(p.(domain.ICECandidateMessage)) })
}

// OnConnectionState subscribes to connection state changes.
func (t *Transport) OnConnectionState(fn func(ConnectionState)) (unsubscribe func()) {
	return t.events.subscribe(eventConnectionState, func(p any) { fn(p.(ConnectionState)) })
}

// OnICEState subscribes to ICE state changes.
func (t *Transport) OnICEState(fn func(ICEState)) (unsubscribe func()) {
	return t.events.subscribe(eventICEState, func(p any) { fn(p.(ICEState)) })
}

// OnAudio subscribes to inbound audio payloads.
func (t *Transport) OnAudio(fn func(domain.InboundAudio)) (unsubscribe func()) {
	return t.events.subscribe(eventAudio, func(p any) { fn(p.(domain.InboundAudio)) })
}

// OnVideo subscribes to inbound reassembled video frames.
func (t *Transport) OnVideo(fn func(domain.InboundVideo)) (unsubscribe func()) {
	return t.events.subscribe(eventVideo, func(p any) { fn(p.(domain.InboundVideo)) })
}

// OnKeyFrameRequest subscribes to keyframe requests from the remote decoder.
func (t *Transport) OnKeyFrameRequest(fn func()) (unsubscribe func()) {
	return t.events.subscribe(eventKeyFrameRequest, func(any) { fn() })
}

// OnError subscribes to transport errors. Errors wrap domain.ErrTransportFailure.
func (t *Transport) OnError(fn func(error)) (unsubscribe func()) {
	return t.events.subscribe(eventError, func(p any) { fn(p.(error)) })
}
