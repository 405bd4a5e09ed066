package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Signal message types sent by clients
const (
	SignalTypeAuthenticate = "authenticate"
	SignalTypeCallRequest  = "call-request"
	SignalTypeCallResponse = "call-response"
	SignalTypeOffer        = "offer"
	SignalTypeAnswer       = "answer"
	SignalTypeICECandidate = "ice-candidate"
	SignalTypeCallEnded    = "call-ended"
)

// Signal message types sent by the relay
const (
	SignalTypeIncomingCall = "incoming-call"
	SignalTypeCallFailed   = "call-failed"
	SignalTypeCallAccepted = "call-accepted"
	SignalTypeCallDeclined = "call-declined"
)

// Reasons carried by call-failed
const (
	FailReasonOffline = "offline"
)

// Signal is the wire envelope for all signaling traffic, both directions.
// Offer/answer/ice-candidate payloads are opaque to the relay and never
// persisted.
type Signal struct {
	Type          string          `json:"type"`
	CallID        uuid.UUID       `json:"call_id,omitempty"`
	FromID        uuid.UUID       `json:"from_id,omitempty"`
	TargetID      uuid.UUID       `json:"target_id,omitempty"`
	ParticipantID uuid.UUID       `json:"participant_id,omitempty"`
	DisplayName   string          `json:"display_name,omitempty"`
	Accepted      bool            `json:"accepted,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	EndedBy       uuid.UUID       `json:"ended_by,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	EndedAt       *time.Time      `json:"ended_at,omitempty"`
	Duration      int             `json:"duration,omitempty"`
	Timestamp     *time.Time      `json:"timestamp,omitempty"`
}

// IsRelayable reports whether the message type is a negotiation signal that
// the relay forwards verbatim between peers.
func IsRelayable(signalType string) bool {
	switch signalType {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeICECandidate:
		return true
	}
	return false
}
