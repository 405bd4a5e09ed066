package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallStatus represents the lifecycle state of a call session
type CallStatus string

const (
	CallStatusActive CallStatus = "active"
	CallStatusEnded  CallStatus = "ended"
)

// Invitation represents a ringing call that has not been answered yet.
// No CallSession exists until the target accepts.
type Invitation struct {
	CallID        uuid.UUID `json:"call_id"`
	InitiatorID   uuid.UUID `json:"initiator_id"`
	TargetID      uuid.UUID `json:"target_id"`
	InitiatorName string    `json:"initiator_name"`
	RequestedAt   time.Time `json:"requested_at"`
}

// CallSession is the authoritative record of an in-progress call.
// Created only when the target accepts; removed exactly once on termination.
type CallSession struct {
	CallID      uuid.UUID  `json:"call_id"`
	InitiatorID uuid.UUID  `json:"initiator_id"`
	TargetID    uuid.UUID  `json:"target_id"`
	Status      CallStatus `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	Duration    int        `json:"duration,omitempty"` // in seconds
}

// Involves reports whether the given participant is a party to this session.
func (s *CallSession) Involves(participantID uuid.UUID) bool {
	return s.InitiatorID == participantID || s.TargetID == participantID
}

// Peer returns the other party of the session relative to participantID.
func (s *CallSession) Peer(participantID uuid.UUID) uuid.UUID {
	if s.InitiatorID == participantID {
		return s.TargetID
	}
	return s.InitiatorID
}

// End-of-call reasons attached to call-ended notifications
const (
	EndReasonHangup           = "hangup"
	EndReasonPeerDisconnected = "peer disconnected"
)
