package call

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercall/native/internal/domain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLifecycle() (*Lifecycle, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	call := domain.NewCall(uuid.New(), "alice", "bob", clock.t)
	return NewLifecycle(call, clock.now), clock
}

func apply(t *testing.T, l *Lifecycle, events ...Event) {
	t.Helper()
	for _, ev := range events {
		_, err := l.Apply(ev)
		require.NoError(t, err, "event %s", ev)
	}
}

func TestLifecycleAnsweredCall(t *testing.T) {
	l, clock := newTestLifecycle()

	apply(t, l, EventRing)
	assert.Equal(t, domain.CallRinging, l.Call().Status)

	entry, err := l.Apply(EventAccept)
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, domain.CallRinging, l.Call().Status)

	clock.advance(2 * time.Second)
	entry, err = l.Apply(EventTransportConnected)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, domain.CallActive, l.Call().Status)
	require.NotNil(t, l.Call().StartTime)
	assert.Equal(t, clock.t, *l.Call().StartTime)
	assert.Nil(t, l.Call().EndTime)

	clock.advance(90 * time.Second)
	apply(t, l, EventHangup)
	call := l.Call()
	assert.Equal(t, domain.CallEnded, call.Status)
	require.NotNil(t, call.EndTime)
	assert.Equal(t, int64(90), call.DurationSeconds)
	assert.Equal(t, 90*time.Second, call.Duration())

	entries := l.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, domain.CallPending, entries[0].From)
	assert.Equal(t, domain.CallRinging, entries[0].To)
	assert.Equal(t, ReasonConnected, entries[1].Reason)
	assert.Equal(t, ReasonHangup, entries[2].Reason)
	for _, e := range entries {
		assert.Equal(t, call.CallID, e.CallID)
	}
}

func TestLifecycleConnectedBeforeAccept(t *testing.T) {
	l, _ := newTestLifecycle()
	apply(t, l, EventRing, EventTransportConnected)
	assert.Equal(t, domain.CallRinging, l.Call().Status)

	apply(t, l, EventAccept)
	assert.Equal(t, domain.CallActive, l.Call().Status)
	assert.NotNil(t, l.Call().StartTime)

	// reconnects after a disconnect are absorbed
	entry, err := l.Apply(EventTransportConnected)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestLifecycleTerminalOutcomes(t *testing.T) {
	cases := []struct {
		name   string
		events []Event
		status domain.CallStatus
		reason string
	}{
		{"ring timeout", []Event{EventRing, EventRingTimeout}, domain.CallMissed, ReasonTimeout},
		{"timeout before ringing", []Event{EventRingTimeout}, domain.CallMissed, ReasonTimeout},
		{"declined", []Event{EventRing, EventDecline}, domain.CallDeclined, ReasonDeclined},
		{"caller cancel", []Event{EventRing, EventHangup}, domain.CallMissed, ReasonCancelled},
		{"cancel while pending", []Event{EventHangup}, domain.CallMissed, ReasonCancelled},
		{"failed while ringing", []Event{EventRing, EventTransportFailed}, domain.CallEnded, ReasonFailed},
		{"failed while active", []Event{EventRing, EventAccept, EventTransportConnected, EventTransportFailed}, domain.CallEnded, ReasonFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l, _ := newTestLifecycle()
			apply(t, l, tc.events...)

			call := l.Call()
			assert.Equal(t, tc.status, call.Status)
			assert.NotNil(t, call.EndTime)
			entries := l.Entries()
			assert.Equal(t, tc.reason, entries[len(entries)-1].Reason)
		})
	}
}

func TestLifecycleMissedCallHasNoStartTime(t *testing.T) {
	l, _ := newTestLifecycle()
	apply(t, l, EventRing, EventRingTimeout)
	assert.Nil(t, l.Call().StartTime)
	assert.Equal(t, int64(0), l.Call().DurationSeconds)
	assert.Equal(t, time.Duration(0), l.Call().Duration())
}

func TestLifecycleTerminalRejectsEverything(t *testing.T) {
	l, _ := newTestLifecycle()
	apply(t, l, EventRing, EventDecline)
	end := *l.Call().EndTime

	for _, ev := range []Event{EventRing, EventAccept, EventTransportConnected, EventHangup, EventRingTimeout, EventDecline, EventTransportFailed} {
		_, err := l.Apply(ev)
		assert.True(t, errors.Is(err, domain.ErrTerminalState), "event %s", ev)
	}
	assert.Len(t, l.Entries(), 2)
	assert.Equal(t, end, *l.Call().EndTime)
}

func TestLifecycleInvalidTransitions(t *testing.T) {
	l, _ := newTestLifecycle()
	_, err := l.Apply(EventAccept)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
	_, err = l.Apply(EventDecline)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	apply(t, l, EventRing, EventAccept, EventTransportConnected)
	_, err = l.Apply(EventDecline)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
	_, err = l.Apply(EventRing)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	entry, err := l.Apply(EventRingTimeout)
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, domain.CallActive, l.Call().Status)
}
