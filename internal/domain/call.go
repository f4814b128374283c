package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CallStatus is the lifecycle state of a call. The numeric values are part of
// the record format exposed to collaborators.
type CallStatus int

const (
	CallPending CallStatus = iota
	CallRinging
	CallActive
	CallEnded
	CallMissed
	CallDeclined
)

func (s CallStatus) String() string {
	switch s {
	case CallPending:
		return "pending"
	case CallRinging:
		return "ringing"
	case CallActive:
		return "active"
	case CallEnded:
		return "ended"
	case CallMissed:
		return "missed"
	case CallDeclined:
		return "declined"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Terminal reports whether no further transition is allowed.
func (s CallStatus) Terminal() bool {
	return s == CallEnded || s == CallMissed || s == CallDeclined
}

// Call is one two-party call. StartTime is set exactly once on entering
// Active, EndTime exactly once on entering a terminal state.
type Call struct {
	CallID          uuid.UUID
	CallerID        string
	CalleeID        string
	Status          CallStatus
	StartTime       *time.Time
	EndTime         *time.Time
	DurationSeconds int64
	CreatedAt       time.Time
}

// NewCall creates a Pending call placed by callerID to calleeID.
func NewCall(callID uuid.UUID, callerID, calleeID string, now time.Time) *Call {
	return &Call{
		CallID:    callID,
		CallerID:  callerID,
		CalleeID:  calleeID,
		Status:    CallPending,
		CreatedAt: now,
	}
}

// Duration returns EndTime-StartTime when both are set, else 0.
func (c *Call) Duration() time.Duration {
	if c.StartTime == nil || c.EndTime == nil {
		return 0
	}
	return c.EndTime.Sub(*c.StartTime)
}

// Record converts the call to the collaborator-facing shape.
func (c *Call) Record() CallRecord {
	return CallRecord{
		CallID:          c.CallID,
		CallerIdentity:  c.CallerID,
		CalleeIdentity:  c.CalleeID,
		Status:          c.Status,
		StartTime:       c.StartTime,
		EndTime:         c.EndTime,
		DurationSeconds: c.DurationSeconds,
		CreatedAt:       c.CreatedAt,
	}
}

// CallLogEntry is one immutable journal line for a lifecycle transition.
type CallLogEntry struct {
	CallID uuid.UUID  `json:"callId"`
	From   CallStatus `json:"from"`
	To     CallStatus `json:"to"`
	Reason string     `json:"reason"`
	At     time.Time  `json:"at"`
}

// CallRecord is the persisted and exchanged view of a call.
type CallRecord struct {
	ID              uint       `json:"id"`
	CallID          uuid.UUID  `json:"callId"`
	CallerIdentity  string     `json:"callerIdentity"`
	CalleeIdentity  string     `json:"calleeIdentity"`
	Status          CallStatus `json:"status"`
	StartTime       *time.Time `json:"startTime,omitempty"`
	EndTime         *time.Time `json:"endTime,omitempty"`
	DurationSeconds int64      `json:"durationSeconds"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// CallHistory is the aggregate history view for one identity.
type CallHistory struct {
	Calls                []CallRecord `json:"calls"`
	TotalCount           int64        `json:"totalCount"`
	TotalDurationSeconds int64        `json:"totalDurationSeconds"`
}
