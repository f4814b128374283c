// Package call drives a two-party call: the lifecycle reducer, the Session
// binding a call to its transport, the Coordinator routing signaling, and the
// media pump between capture, codecs and the transport.
package call

import (
	"fmt"
	"time"

	"peercall/native/internal/domain"
)

// Event is an input to the call lifecycle.
type Event int

const (
	EventRing Event = iota + 1
	EventAccept
	EventTransportConnected
	EventHangup
	EventRingTimeout
	EventDecline
	EventTransportFailed
)

func (e Event) String() string {
	switch e {
	case EventRing:
		return "ring"
	case EventAccept:
		return "accept"
	case EventTransportConnected:
		return "transport-connected"
	case EventHangup:
		return "hangup"
	case EventRingTimeout:
		return "ring-timeout"
	case EventDecline:
		return "decline"
	case EventTransportFailed:
		return "transport-failed"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Log reasons recorded with each transition.
const (
	ReasonRinging   = "ringing"
	ReasonConnected = "connected"
	ReasonHangup    = "hangup"
	ReasonCancelled = "cancelled"
	ReasonTimeout   = "timeout"
	ReasonDeclined  = "declined"
	ReasonFailed    = "failed"
)

// Lifecycle is the call state reducer. It is not safe for concurrent use;
// Session serializes access.
type Lifecycle struct {
	call      *domain.Call
	accepted  bool
	connected bool
	entries   []domain.CallLogEntry
	now       func() time.Time
}

// NewLifecycle wraps a Pending call. now defaults to time.Now.
func NewLifecycle(call *domain.Call, now func() time.Time) *Lifecycle {
	if now == nil {
		now = time.Now
	}
	return &Lifecycle{call: call, now: now}
}

// Call returns the call being driven.
func (l *Lifecycle) Call() *domain.Call { return l.call }

// Entries returns a copy of the call log.
func (l *Lifecycle) Entries() []domain.CallLogEntry {
	return append([]domain.CallLogEntry(nil), l.entries...)
}

// Accepted reports whether the callee accepted.
func (l *Lifecycle) Accepted() bool { return l.accepted }

// Apply feeds ev to the reducer. It returns the log entry of the transition
// it caused, or nil when ev was absorbed without a status change.
func (l *Lifecycle) Apply(ev Event) (*domain.CallLogEntry, error) {
	status := l.call.Status
	if status.Terminal() {
		return nil, fmt.Errorf("%w: %s in %s", domain.ErrTerminalState, ev, status)
	}

	switch ev {
	case EventRing:
		if status == domain.CallPending {
			return l.transition(domain.CallRinging, ReasonRinging), nil
		}
		if status == domain.CallRinging {
			return nil, nil
		}

	case EventAccept:
		if status == domain.CallRinging {
			l.accepted = true
			if l.connected {
				return l.transition(domain.CallActive, ReasonConnected), nil
			}
			return nil, nil
		}

	case EventTransportConnected:
		switch status {
		case domain.CallActive:
			return nil, nil
		case domain.CallPending, domain.CallRinging:
			l.connected = true
			if status == domain.CallRinging && l.accepted {
				return l.transition(domain.CallActive, ReasonConnected), nil
			}
			return nil, nil
		}

	case EventHangup:
		if status == domain.CallActive {
			return l.transition(domain.CallEnded, ReasonHangup), nil
		}
		return l.transition(domain.CallMissed, ReasonCancelled), nil

	case EventRingTimeout:
		if status == domain.CallPending || status == domain.CallRinging {
			return l.transition(domain.CallMissed, ReasonTimeout), nil
		}
		return nil, nil

	case EventDecline:
		if status == domain.CallRinging {
			return l.transition(domain.CallDeclined, ReasonDeclined), nil
		}

	case EventTransportFailed:
		return l.transition(domain.CallEnded, ReasonFailed), nil
	}

	return nil, fmt.Errorf("%w: %s in %s", domain.ErrInvalidTransition, ev, status)
}

func (l *Lifecycle) transition(to domain.CallStatus, reason string) *domain.CallLogEntry {
	now := l.now()
	entry := domain.CallLogEntry{
		CallID: l.call.CallID,
		From:   l.call.Status,
		To:     to,
		Reason: reason,
		At:     now,
	}
	l.call.Status = to

	if to == domain.CallActive && l.call.StartTime == nil {
		start := now
		l.call.StartTime = &start
	}
	if to.Terminal() && l.call.EndTime == nil {
		end := now
		l.call.EndTime = &end
		l.call.DurationSeconds = int64(l.call.Duration() / time.Second)
	}

	l.entries = append(l.entries, entry)
	return &entry
}
