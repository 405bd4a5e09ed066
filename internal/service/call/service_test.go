package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"carelink-backend/internal/domain"
	"carelink-backend/internal/presence"
)

// fakeSender records every delivered signal per connection.
type fakeSender struct {
	mu   sync.Mutex
	sent map[uuid.UUID][]*domain.Signal
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[uuid.UUID][]*domain.Signal)}
}

func (f *fakeSender) Send(connectionID uuid.UUID, signal *domain.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[connectionID] = append(f.sent[connectionID], signal)
	return nil
}

func (f *fakeSender) signalsFor(connectionID uuid.UUID) []*domain.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.Signal(nil), f.sent[connectionID]...)
}

func (f *fakeSender) lastFor(connectionID uuid.UUID) *domain.Signal {
	signals := f.signalsFor(connectionID)
	if len(signals) == 0 {
		return nil
	}
	return signals[len(signals)-1]
}

type mockAppointmentStore struct {
	mock.Mock
}

func (m *mockAppointmentStore) FindLatestConfirmed(ctx context.Context, participantA, participantB uuid.UUID) (*domain.Appointment, error) {
	args := m.Called(ctx, participantA, participantB)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Appointment), args.Error(1)
}

func (m *mockAppointmentStore) MarkVideoCall(ctx context.Context, appointmentID uuid.UUID, durationSeconds int) error {
	args := m.Called(ctx, appointmentID, durationSeconds)
	return args.Error(0)
}

type fixture struct {
	svc    *Service
	sender *fakeSender
	store  *mockAppointmentStore

	clinicianID   uuid.UUID
	clinicianConn uuid.UUID
	patientID     uuid.UUID
	patientConn   uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	sender := newFakeSender()
	store := new(mockAppointmentStore)
	svc := NewService(presence.NewRegistry(), sender, store, nil, nil, nil)

	f := &fixture{
		svc:           svc,
		sender:        sender,
		store:         store,
		clinicianID:   uuid.New(),
		clinicianConn: uuid.New(),
		patientID:     uuid.New(),
		patientConn:   uuid.New(),
	}
	svc.Connect(context.Background(), f.clinicianID, f.clinicianConn)
	svc.Connect(context.Background(), f.patientID, f.patientConn)
	return f
}

// ring starts an invitation from clinician to patient and returns the callId
// delivered in the incoming-call signal.
func (f *fixture) ring(t *testing.T) uuid.UUID {
	t.Helper()
	f.svc.RequestCall(context.Background(), f.clinicianID, "Dr. Silva", f.patientID)
	incoming := f.sender.lastFor(f.patientConn)
	require.NotNil(t, incoming)
	require.Equal(t, domain.SignalTypeIncomingCall, incoming.Type)
	return incoming.CallID
}

func TestRequestCall_RingsTarget(t *testing.T) {
	f := newFixture(t)

	f.svc.RequestCall(context.Background(), f.clinicianID, "Dr. Silva", f.patientID)

	incoming := f.sender.lastFor(f.patientConn)
	require.NotNil(t, incoming)
	assert.Equal(t, domain.SignalTypeIncomingCall, incoming.Type)
	assert.Equal(t, f.clinicianID, incoming.FromID)
	assert.Equal(t, "Dr. Silva", incoming.DisplayName)
	assert.NotEqual(t, uuid.Nil, incoming.CallID)
	assert.NotNil(t, incoming.Timestamp)

	// Ringing is not a session
	_, active := f.svc.ActiveSession(incoming.CallID)
	assert.False(t, active)
}

func TestRequestCall_OfflineTarget(t *testing.T) {
	f := newFixture(t)
	offlineID := uuid.New()

	f.svc.RequestCall(context.Background(), f.clinicianID, "Dr. Silva", offlineID)

	failed := f.sender.lastFor(f.clinicianConn)
	require.NotNil(t, failed)
	assert.Equal(t, domain.SignalTypeCallFailed, failed.Type)
	assert.Equal(t, domain.FailReasonOffline, failed.Reason)

	f.svc.mu.Lock()
	assert.Empty(t, f.svc.pending)
	assert.Empty(t, f.svc.active)
	f.svc.mu.Unlock()
}

func TestRespondToCall_AcceptCreatesSession(t *testing.T) {
	f := newFixture(t)
	callID := f.ring(t)

	before := time.Now()
	f.svc.RespondToCall(context.Background(), callID, true)

	sess, ok := f.svc.ActiveSession(callID)
	require.True(t, ok)
	assert.Equal(t, domain.CallStatusActive, sess.Status)
	assert.Equal(t, f.clinicianID, sess.InitiatorID)
	assert.Equal(t, f.patientID, sess.TargetID)
	assert.False(t, sess.StartedAt.Before(before))
	assert.False(t, sess.StartedAt.After(time.Now()))

	// Both sides are told the call is active
	for _, conn := range []uuid.UUID{f.clinicianConn, f.patientConn} {
		accepted := f.sender.lastFor(conn)
		require.NotNil(t, accepted)
		assert.Equal(t, domain.SignalTypeCallAccepted, accepted.Type)
		assert.Equal(t, callID, accepted.CallID)
	}
}

func TestRespondToCall_DeclineNotifiesInitiatorOnly(t *testing.T) {
	f := newFixture(t)
	callID := f.ring(t)
	patientSignals := len(f.sender.signalsFor(f.patientConn))

	f.svc.RespondToCall(context.Background(), callID, false)

	declined := f.sender.lastFor(f.clinicianConn)
	require.NotNil(t, declined)
	assert.Equal(t, domain.SignalTypeCallDeclined, declined.Type)

	// The decliner receives nothing further
	assert.Len(t, f.sender.signalsFor(f.patientConn), patientSignals)

	_, active := f.svc.ActiveSession(callID)
	assert.False(t, active)
}

func TestRespondToCall_UnknownCallIsNoOp(t *testing.T) {
	f := newFixture(t)

	f.svc.RespondToCall(context.Background(), uuid.New(), true)

	assert.Empty(t, f.sender.signalsFor(f.clinicianConn))
	assert.Empty(t, f.sender.signalsFor(f.patientConn))
}

func TestRelaySignal_TagsSenderAndForwards(t *testing.T) {
	f := newFixture(t)
	callID := f.ring(t)
	f.svc.RespondToCall(context.Background(), callID, true)

	f.svc.RelaySignal(context.Background(), f.clinicianID, f.patientID, &domain.Signal{
		Type:    domain.SignalTypeOffer,
		CallID:  callID,
		Payload: []byte(`{"sdp":"v=0"}`),
	})

	forwarded := f.sender.lastFor(f.patientConn)
	require.NotNil(t, forwarded)
	assert.Equal(t, domain.SignalTypeOffer, forwarded.Type)
	assert.Equal(t, f.clinicianID, forwarded.FromID)
	assert.JSONEq(t, `{"sdp":"v=0"}`, string(forwarded.Payload))
}

func TestRelaySignal_DropsWhenTargetOffline(t *testing.T) {
	f := newFixture(t)
	f.svc.Disconnect(context.Background(), f.patientID, f.patientConn)
	clinicianSignals := len(f.sender.signalsFor(f.clinicianConn))

	f.svc.RelaySignal(context.Background(), f.clinicianID, f.patientID, &domain.Signal{
		Type:    domain.SignalTypeICECandidate,
		Payload: []byte(`{"candidate":"foo"}`),
	})

	// Dropped silently, no error back to the sender
	assert.Len(t, f.sender.signalsFor(f.clinicianConn), clinicianSignals)
	assert.Empty(t, f.sender.signalsFor(f.patientConn))
}

func TestRelaySignal_UsesFreshLookupAfterReconnect(t *testing.T) {
	f := newFixture(t)
	callID := f.ring(t)
	f.svc.RespondToCall(context.Background(), callID, true)

	newConn := uuid.New()
	f.svc.Connect(context.Background(), f.patientID, newConn)

	f.svc.RelaySignal(context.Background(), f.clinicianID, f.patientID, &domain.Signal{
		Type: domain.SignalTypeAnswer,
	})

	forwarded := f.sender.lastFor(newConn)
	require.NotNil(t, forwarded)
	assert.Equal(t, domain.SignalTypeAnswer, forwarded.Type)
}

func TestEndCall_DurationFromInjectedClock(t *testing.T) {
	f := newFixture(t)
	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return start }

	callID := f.ring(t)
	f.svc.RespondToCall(context.Background(), callID, true)

	f.svc.now = func() time.Time { return start.Add(47*time.Second + 900*time.Millisecond) }
	f.store.On("FindLatestConfirmed", mock.Anything, f.clinicianID, f.patientID).Return(nil, nil).Once()

	f.svc.EndCall(context.Background(), callID, f.clinicianID, domain.EndReasonHangup)

	for _, conn := range []uuid.UUID{f.clinicianConn, f.patientConn} {
		ended := f.sender.lastFor(conn)
		require.NotNil(t, ended)
		assert.Equal(t, domain.SignalTypeCallEnded, ended.Type)
		assert.Equal(t, 47, ended.Duration)
		assert.Equal(t, f.clinicianID, ended.EndedBy)
		assert.Equal(t, domain.EndReasonHangup, ended.Reason)
		require.NotNil(t, ended.StartedAt)
		require.NotNil(t, ended.EndedAt)
		assert.Equal(t, start, *ended.StartedAt)
	}
}

func TestEndCall_NegativeDurationClampsToZero(t *testing.T) {
	f := newFixture(t)
	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return start }

	callID := f.ring(t)
	f.svc.RespondToCall(context.Background(), callID, true)

	// Clock skew: end observed before start
	f.svc.now = func() time.Time { return start.Add(-2 * time.Second) }
	f.store.On("FindLatestConfirmed", mock.Anything, f.clinicianID, f.patientID).Return(nil, nil).Once()

	f.svc.EndCall(context.Background(), callID, f.patientID, domain.EndReasonHangup)

	ended := f.sender.lastFor(f.clinicianConn)
	require.NotNil(t, ended)
	assert.Equal(t, 0, ended.Duration)
}

func TestEndCall_DuplicateEndIsNoOp(t *testing.T) {
	f := newFixture(t)
	callID := f.ring(t)
	f.svc.RespondToCall(context.Background(), callID, true)

	appt := &domain.Appointment{ID: uuid.New(), Status: domain.AppointmentConfirmed}
	f.store.On("FindLatestConfirmed", mock.Anything, f.clinicianID, f.patientID).Return(appt, nil).Once()
	f.store.On("MarkVideoCall", mock.Anything, appt.ID, mock.AnythingOfType("int")).Return(nil).Once()

	f.svc.EndCall(context.Background(), callID, f.clinicianID, domain.EndReasonHangup)
	clinicianSignals := len(f.sender.signalsFor(f.clinicianConn))

	f.svc.EndCall(context.Background(), callID, f.patientID, domain.EndReasonHangup)

	// Exactly one removal, one notification pair, one persistence
	assert.Len(t, f.sender.signalsFor(f.clinicianConn), clinicianSignals)
	f.store.AssertExpectations(t)
}

func TestEndCall_RejectsNonParticipant(t *testing.T) {
	f := newFixture(t)
	callID := f.ring(t)
	f.svc.RespondToCall(context.Background(), callID, true)

	outsiderID := uuid.New()
	outsiderConn := uuid.New()
	f.svc.Connect(context.Background(), outsiderID, outsiderConn)
	clinicianSignals := len(f.sender.signalsFor(f.clinicianConn))
	patientSignals := len(f.sender.signalsFor(f.patientConn))

	f.svc.EndCall(context.Background(), callID, outsiderID, domain.EndReasonHangup)

	// The session survives and nobody is notified or persisted
	_, active := f.svc.ActiveSession(callID)
	assert.True(t, active)
	assert.Len(t, f.sender.signalsFor(f.clinicianConn), clinicianSignals)
	assert.Len(t, f.sender.signalsFor(f.patientConn), patientSignals)
	f.store.AssertNotCalled(t, "FindLatestConfirmed", mock.Anything, mock.Anything, mock.Anything)
}

func TestEndCall_PersistenceFailureDoesNotBlockNotification(t *testing.T) {
	f := newFixture(t)
	callID := f.ring(t)
	f.svc.RespondToCall(context.Background(), callID, true)

	f.store.On("FindLatestConfirmed", mock.Anything, f.clinicianID, f.patientID).
		Return(nil, assert.AnError).Once()

	f.svc.EndCall(context.Background(), callID, f.clinicianID, domain.EndReasonHangup)

	ended := f.sender.lastFor(f.patientConn)
	require.NotNil(t, ended)
	assert.Equal(t, domain.SignalTypeCallEnded, ended.Type)
	f.store.AssertExpectations(t)
}

func TestDisconnect_EndsActiveCallAsPeerDisconnected(t *testing.T) {
	f := newFixture(t)
	callID := f.ring(t)
	f.svc.RespondToCall(context.Background(), callID, true)

	f.store.On("FindLatestConfirmed", mock.Anything, f.clinicianID, f.patientID).Return(nil, nil).Once()

	f.svc.Disconnect(context.Background(), f.patientID, f.patientConn)

	ended := f.sender.lastFor(f.clinicianConn)
	require.NotNil(t, ended)
	assert.Equal(t, domain.SignalTypeCallEnded, ended.Type)
	assert.Equal(t, domain.EndReasonPeerDisconnected, ended.Reason)
	assert.Equal(t, f.patientID, ended.EndedBy)

	_, active := f.svc.ActiveSession(callID)
	assert.False(t, active)
}

func TestDisconnect_ReapsPendingInvitation(t *testing.T) {
	f := newFixture(t)
	callID := f.ring(t)

	f.svc.Disconnect(context.Background(), f.patientID, f.patientConn)

	// A late accept resolves as a no-op
	f.svc.RespondToCall(context.Background(), callID, true)
	_, active := f.svc.ActiveSession(callID)
	assert.False(t, active)
}

func TestDisconnect_StaleConnectionKeepsPresence(t *testing.T) {
	f := newFixture(t)

	// Patient reconnects, then the old connection's close is processed
	newConn := uuid.New()
	f.svc.Connect(context.Background(), f.patientID, newConn)
	f.svc.Disconnect(context.Background(), f.patientID, f.patientConn)

	f.svc.RequestCall(context.Background(), f.clinicianID, "Dr. Silva", f.patientID)
	incoming := f.sender.lastFor(newConn)
	require.NotNil(t, incoming)
	assert.Equal(t, domain.SignalTypeIncomingCall, incoming.Type)
}

func TestFullCallFlow(t *testing.T) {
	f := newFixture(t)
	start := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return start }

	f.svc.RequestCall(context.Background(), f.clinicianID, "Dr. Silva", f.patientID)
	incoming := f.sender.lastFor(f.patientConn)
	require.NotNil(t, incoming)
	callID := incoming.CallID

	f.svc.RespondToCall(context.Background(), callID, true)
	accepted := f.sender.lastFor(f.clinicianConn)
	require.Equal(t, domain.SignalTypeCallAccepted, accepted.Type)

	f.svc.RelaySignal(context.Background(), f.clinicianID, f.patientID, &domain.Signal{
		Type:    domain.SignalTypeOffer,
		CallID:  callID,
		Payload: []byte(`{"sdp":"offer"}`),
	})
	offer := f.sender.lastFor(f.patientConn)
	assert.Equal(t, f.clinicianID, offer.FromID)

	f.svc.RelaySignal(context.Background(), f.patientID, f.clinicianID, &domain.Signal{
		Type:    domain.SignalTypeAnswer,
		CallID:  callID,
		Payload: []byte(`{"sdp":"answer"}`),
	})
	answer := f.sender.lastFor(f.clinicianConn)
	assert.Equal(t, f.patientID, answer.FromID)

	f.svc.RelaySignal(context.Background(), f.patientID, f.clinicianID, &domain.Signal{
		Type:    domain.SignalTypeICECandidate,
		CallID:  callID,
		Payload: []byte(`{"candidate":"c0"}`),
	})
	candidate := f.sender.lastFor(f.clinicianConn)
	assert.Equal(t, f.patientID, candidate.FromID)

	f.svc.now = func() time.Time { return start.Add(10 * time.Second) }
	appt := &domain.Appointment{ID: uuid.New(), Status: domain.AppointmentConfirmed}
	f.store.On("FindLatestConfirmed", mock.Anything, f.clinicianID, f.patientID).Return(appt, nil).Once()
	f.store.On("MarkVideoCall", mock.Anything, appt.ID, 10).Return(nil).Once()

	f.svc.EndCall(context.Background(), callID, f.clinicianID, domain.EndReasonHangup)

	for _, conn := range []uuid.UUID{f.clinicianConn, f.patientConn} {
		ended := f.sender.lastFor(conn)
		require.NotNil(t, ended)
		assert.Equal(t, 10, ended.Duration)
	}
	f.store.AssertExpectations(t)
}
