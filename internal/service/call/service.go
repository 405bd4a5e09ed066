// Package call implements the signaling core: the invitation state machine,
// the negotiation relay and the call lifecycle controller.
package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carelink-backend/internal/domain"
	"carelink-backend/internal/presence"
	"carelink-backend/pkg/constants"
	"carelink-backend/pkg/logger"
	"carelink-backend/pkg/metrics"
)

// Sender delivers a signal to a specific live connection. Implemented by the
// WebSocket hub. Delivery is best-effort; a send error means the connection
// is going away and its disconnect handling will follow.
type Sender interface {
	Send(connectionID uuid.UUID, signal *domain.Signal) error
}

// AppointmentStore is the scheduling collaborator interface the lifecycle
// controller persists finished calls through.
type AppointmentStore interface {
	FindLatestConfirmed(ctx context.Context, participantA, participantB uuid.UUID) (*domain.Appointment, error)
	MarkVideoCall(ctx context.Context, appointmentID uuid.UUID, durationSeconds int) error
}

// PresenceMirror receives best-effort online/offline updates for sibling
// services. May be nil.
type PresenceMirror interface {
	SetOnline(ctx context.Context, participantID uuid.UUID) error
	SetOffline(ctx context.Context, participantID uuid.UUID) error
}

// Pusher sends a device push when an invitation starts ringing. May be nil.
type Pusher interface {
	NotifyIncomingCall(ctx context.Context, targetID, callID uuid.UUID, callerName string)
}

// Service owns the pending-invitation and active-session tables. All mutable
// call state lives here, injected into the hub rather than held as globals.
type Service struct {
	registry     *presence.Registry
	sender       Sender
	appointments AppointmentStore
	mirror       PresenceMirror
	pusher       Pusher
	metrics      *metrics.Metrics

	mu      sync.Mutex
	pending map[uuid.UUID]*domain.Invitation
	active  map[uuid.UUID]*domain.CallSession

	now func() time.Time
}

// NewService creates the signaling service. mirror, pusher and m may be nil.
func NewService(registry *presence.Registry, sender Sender, appointments AppointmentStore, mirror PresenceMirror, pusher Pusher, m *metrics.Metrics) *Service {
	return &Service{
		registry:     registry,
		sender:       sender,
		appointments: appointments,
		mirror:       mirror,
		pusher:       pusher,
		metrics:      m,
		pending:      make(map[uuid.UUID]*domain.Invitation),
		active:       make(map[uuid.UUID]*domain.CallSession),
		now:          time.Now,
	}
}

// Connect registers a participant's connection. Last write wins, so a
// reconnect supersedes the previous connection atomically.
func (s *Service) Connect(ctx context.Context, participantID, connectionID uuid.UUID) {
	s.registry.Register(participantID, connectionID)

	logger.Info("Participant connected",
		zap.String("participant_id", participantID.String()),
		zap.String("connection_id", connectionID.String()))

	if s.mirror != nil {
		if err := s.mirror.SetOnline(ctx, participantID); err != nil {
			logger.Warn("Presence mirror update failed",
				zap.String("participant_id", participantID.String()),
				zap.Error(err))
		}
	}
}

// Disconnect handles a connection going away: it unbinds presence (only if
// this connection is still current), reaps invitations the participant was
// part of, and terminates any active call as "peer disconnected".
func (s *Service) Disconnect(ctx context.Context, participantID, connectionID uuid.UUID) {
	removed := s.registry.Unregister(participantID, connectionID)

	logger.Info("Participant disconnected",
		zap.String("participant_id", participantID.String()),
		zap.String("connection_id", connectionID.String()),
		zap.Bool("presence_removed", removed))

	if removed && s.mirror != nil {
		if err := s.mirror.SetOffline(ctx, participantID); err != nil {
			logger.Warn("Presence mirror update failed",
				zap.String("participant_id", participantID.String()),
				zap.Error(err))
		}
	}

	// Reap ringing invitations involving this participant. A later
	// call-response for a reaped callId resolves as an idempotent no-op.
	s.mu.Lock()
	for callID, inv := range s.pending {
		if inv.InitiatorID == participantID || inv.TargetID == participantID {
			delete(s.pending, callID)
		}
	}
	var ended []uuid.UUID
	for callID, sess := range s.active {
		if sess.Involves(participantID) {
			ended = append(ended, callID)
		}
	}
	s.mu.Unlock()

	for _, callID := range ended {
		s.EndCall(ctx, callID, participantID, domain.EndReasonPeerDisconnected)
	}
}

// RequestCall starts ringing the target, or reports "offline" to the
// initiator when the target has no live connection. No session exists until
// the target accepts, so a crashed ringing client leaves no session residue.
func (s *Service) RequestCall(ctx context.Context, initiatorID uuid.UUID, initiatorName string, targetID uuid.UUID) {
	targetConn, online := s.registry.Lookup(targetID)
	if !online {
		logger.Info("Call request to offline target",
			zap.String("initiator_id", initiatorID.String()),
			zap.String("target_id", targetID.String()))

		if s.metrics != nil {
			s.metrics.RecordCallFailed(domain.FailReasonOffline)
		}

		if initiatorConn, ok := s.registry.Lookup(initiatorID); ok {
			s.send(initiatorConn, &domain.Signal{
				Type:   domain.SignalTypeCallFailed,
				Reason: domain.FailReasonOffline,
			})
		}
		return
	}

	inv := &domain.Invitation{
		CallID:        uuid.New(),
		InitiatorID:   initiatorID,
		TargetID:      targetID,
		InitiatorName: initiatorName,
		RequestedAt:   s.now(),
	}

	s.mu.Lock()
	s.pending[inv.CallID] = inv
	s.mu.Unlock()

	logger.Info("Call ringing",
		zap.String("call_id", inv.CallID.String()),
		zap.String("initiator_id", initiatorID.String()),
		zap.String("target_id", targetID.String()))

	ts := inv.RequestedAt
	s.send(targetConn, &domain.Signal{
		Type:        domain.SignalTypeIncomingCall,
		CallID:      inv.CallID,
		FromID:      initiatorID,
		DisplayName: initiatorName,
		Timestamp:   &ts,
	})

	if s.pusher != nil {
		go s.pusher.NotifyIncomingCall(context.WithoutCancel(ctx), targetID, inv.CallID, initiatorName)
	}
}

// RespondToCall resolves a ringing invitation. A response for an unknown or
// already-resolved callId is a no-op, which absorbs duplicate deliveries.
func (s *Service) RespondToCall(ctx context.Context, callID uuid.UUID, accepted bool) {
	s.mu.Lock()
	inv, ok := s.pending[callID]
	if !ok {
		s.mu.Unlock()
		logger.Debug("Response for unknown or resolved call",
			zap.String("call_id", callID.String()))
		return
	}
	delete(s.pending, callID)

	var sess *domain.CallSession
	if accepted {
		sess = &domain.CallSession{
			CallID:      inv.CallID,
			InitiatorID: inv.InitiatorID,
			TargetID:    inv.TargetID,
			Status:      domain.CallStatusActive,
			StartedAt:   s.now(),
		}
		s.active[callID] = sess
	}
	s.mu.Unlock()

	if accepted {
		logger.Info("Call accepted",
			zap.String("call_id", callID.String()))

		if s.metrics != nil {
			s.metrics.RecordCallAccepted()
		}

		// Both sides learn the call went active; only the initiator acts
		// on it (by sending the offer).
		for _, participantID := range []uuid.UUID{inv.InitiatorID, inv.TargetID} {
			if connID, ok := s.registry.Lookup(participantID); ok {
				s.send(connID, &domain.Signal{
					Type:     domain.SignalTypeCallAccepted,
					CallID:   callID,
					TargetID: inv.TargetID,
				})
			}
		}
		return
	}

	logger.Info("Call declined",
		zap.String("call_id", callID.String()))

	if s.metrics != nil {
		s.metrics.RecordCallDeclined()
	}

	// Only the initiator learns about a decline
	if initiatorConn, ok := s.registry.Lookup(inv.InitiatorID); ok {
		s.send(initiatorConn, &domain.Signal{
			Type:     domain.SignalTypeCallDeclined,
			CallID:   callID,
			TargetID: inv.TargetID,
		})
	}
}

// RelaySignal forwards a negotiation message to the target participant. The
// presence lookup happens at forward time, never cached, so a participant
// that reconnected mid-call keeps receiving signals. An absent target is a
// normal condition: the signal is dropped and the negotiator's own loss
// tolerance applies.
func (s *Service) RelaySignal(ctx context.Context, fromID, toID uuid.UUID, signal *domain.Signal) {
	if !domain.IsRelayable(signal.Type) {
		logger.Warn("Refusing to relay non-negotiation signal",
			zap.String("type", signal.Type))
		return
	}

	targetConn, ok := s.registry.Lookup(toID)
	if !ok {
		logger.Debug("Dropping signal for offline target",
			zap.String("type", signal.Type),
			zap.String("target_id", toID.String()))
		if s.metrics != nil {
			s.metrics.RecordSignalDropped(signal.Type)
		}
		return
	}

	if s.metrics != nil {
		s.metrics.RecordSignalRelayed(signal.Type)
	}

	s.send(targetConn, &domain.Signal{
		Type:    signal.Type,
		CallID:  signal.CallID,
		FromID:  fromID,
		Payload: signal.Payload,
	})
}

// EndCall terminates an active session exactly once. Both termination
// triggers (explicit hang-up and participant disconnect) converge here; the
// first caller to find the session processes it, later callers are no-ops.
// Both sides are notified through fresh presence lookups before the
// appointment update runs, so persistence can never delay notification.
func (s *Service) EndCall(ctx context.Context, callID, endedBy uuid.UUID, reason string) {
	s.mu.Lock()
	sess, ok := s.active[callID]
	if !ok {
		s.mu.Unlock()
		logger.Debug("End for unknown or already-ended call",
			zap.String("call_id", callID.String()))
		return
	}
	// Only a party to the call may end it. Knowing a callId is not enough.
	if !sess.Involves(endedBy) {
		s.mu.Unlock()
		logger.Warn("Ignoring end request from non-participant",
			zap.String("call_id", callID.String()),
			zap.String("ended_by", endedBy.String()))
		return
	}
	delete(s.active, callID)
	s.mu.Unlock()

	endedAt := s.now()
	duration := int(endedAt.Sub(sess.StartedAt).Seconds())
	if duration < 0 {
		duration = 0
	}

	sess.Status = domain.CallStatusEnded
	sess.EndedAt = &endedAt
	sess.Duration = duration

	if reason == "" {
		reason = domain.EndReasonHangup
	}

	logger.Info("Call ended",
		zap.String("call_id", callID.String()),
		zap.String("ended_by", endedBy.String()),
		zap.String("reason", reason),
		zap.Int("duration", duration))

	if s.metrics != nil {
		s.metrics.RecordCallEnded(duration)
	}

	startedAt := sess.StartedAt
	notification := &domain.Signal{
		Type:      domain.SignalTypeCallEnded,
		CallID:    callID,
		EndedBy:   endedBy,
		Reason:    reason,
		StartedAt: &startedAt,
		EndedAt:   &endedAt,
		Duration:  duration,
	}

	for _, participantID := range []uuid.UUID{endedBy, sess.Peer(endedBy)} {
		if connID, ok := s.registry.Lookup(participantID); ok {
			s.send(connID, notification)
		}
	}

	s.persistCallRecord(ctx, sess)
}

// ActiveSession returns the active session for callID, if any.
func (s *Service) ActiveSession(callID uuid.UUID) (*domain.CallSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.active[callID]
	return sess, ok
}

// persistCallRecord books the finished call against the latest CONFIRMED
// appointment between the two participants. A missing appointment or a
// store failure is logged and skipped, never surfaced to the participants.
func (s *Service) persistCallRecord(ctx context.Context, sess *domain.CallSession) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.PersistTimeout)
	defer cancel()

	appt, err := s.appointments.FindLatestConfirmed(persistCtx, sess.InitiatorID, sess.TargetID)
	if err != nil {
		logger.Error("Failed to look up appointment for call record",
			zap.String("call_id", sess.CallID.String()),
			zap.Error(err))
		return
	}
	if appt == nil {
		logger.Info("No confirmed appointment for call, skipping persistence",
			zap.String("call_id", sess.CallID.String()),
			zap.String("initiator_id", sess.InitiatorID.String()),
			zap.String("target_id", sess.TargetID.String()))
		return
	}

	if err := s.appointments.MarkVideoCall(persistCtx, appt.ID, sess.Duration); err != nil {
		logger.Error("Failed to persist call duration",
			zap.String("call_id", sess.CallID.String()),
			zap.String("appointment_id", appt.ID.String()),
			zap.Error(err))
		return
	}

	logger.Info("Call duration persisted",
		zap.String("call_id", sess.CallID.String()),
		zap.String("appointment_id", appt.ID.String()),
		zap.Int("duration", sess.Duration))
}

func (s *Service) send(connectionID uuid.UUID, signal *domain.Signal) {
	if err := s.sender.Send(connectionID, signal); err != nil {
		logger.Warn("Failed to deliver signal",
			zap.String("type", signal.Type),
			zap.String("connection_id", connectionID.String()),
			zap.Error(err))
	}
}
