package ws

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carelink-backend/internal/domain"
	"carelink-backend/internal/presence"
	"carelink-backend/internal/service/call"
	"carelink-backend/pkg/constants"
)

func newTestClient(hub *SignalingHub) *SignalingClient {
	return &SignalingClient{
		hub:          hub,
		send:         make(chan []byte, constants.WebSocketSendBuffer),
		connectionID: uuid.New(),
		userID:       uuid.New(),
	}
}

type noopStore struct{}

func (noopStore) FindLatestConfirmed(ctx context.Context, a, b uuid.UUID) (*domain.Appointment, error) {
	return nil, nil
}

func (noopStore) MarkVideoCall(ctx context.Context, appointmentID uuid.UUID, durationSeconds int) error {
	return nil
}

// newRoutingHub wires a hub to a real call service so route() drives the
// same path a live connection would.
func newRoutingHub() *SignalingHub {
	hub := NewSignalingHub(nil)
	svc := call.NewService(presence.NewRegistry(), hub, noopStore{}, nil, nil, nil)
	hub.SetService(svc)
	return hub
}

// authenticate runs the in-band identity check for a test client the way the
// read pump would.
func authenticate(t *testing.T, c *SignalingClient) {
	t.Helper()
	ok := c.route(&domain.Signal{
		Type:          domain.SignalTypeAuthenticate,
		ParticipantID: c.userID,
	})
	require.True(t, ok)
}

func recvSignal(t *testing.T, c *SignalingClient) *domain.Signal {
	t.Helper()
	select {
	case data := <-c.send:
		var signal domain.Signal
		require.NoError(t, json.Unmarshal(data, &signal))
		return &signal
	default:
		t.Fatal("expected a delivered signal")
		return nil
	}
}

func assertNoSignal(t *testing.T, c *SignalingClient) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected signal delivered: %s", data)
	default:
	}
}

func TestHubSend_DeliversToRegisteredConnection(t *testing.T) {
	hub := NewSignalingHub(nil)
	client := newTestClient(hub)
	hub.addClient(client)

	err := hub.Send(client.connectionID, &domain.Signal{
		Type:   domain.SignalTypeCallAccepted,
		CallID: uuid.New(),
	})
	require.NoError(t, err)

	var got domain.Signal
	require.NoError(t, json.Unmarshal(<-client.send, &got))
	assert.Equal(t, domain.SignalTypeCallAccepted, got.Type)
}

func TestHubSend_UnknownConnection(t *testing.T) {
	hub := NewSignalingHub(nil)

	err := hub.Send(uuid.New(), &domain.Signal{Type: domain.SignalTypeOffer})
	assert.ErrorIs(t, err, ErrConnectionGone)
}

func TestHubSend_FullBufferDropsConnection(t *testing.T) {
	hub := NewSignalingHub(nil)
	client := newTestClient(hub)
	client.send = make(chan []byte, 1)
	hub.addClient(client)

	require.NoError(t, hub.Send(client.connectionID, &domain.Signal{Type: domain.SignalTypeOffer}))

	err := hub.Send(client.connectionID, &domain.Signal{Type: domain.SignalTypeAnswer})
	assert.ErrorIs(t, err, ErrConnectionGone)
	assert.Equal(t, 0, hub.ConnectionCount())

	// Later sends to the dropped connection fail cleanly
	err = hub.Send(client.connectionID, &domain.Signal{Type: domain.SignalTypeAnswer})
	assert.ErrorIs(t, err, ErrConnectionGone)
}

func TestRoute_DropsSignalsBeforeAuthenticate(t *testing.T) {
	hub := newRoutingHub()
	caller := newTestClient(hub)
	target := newTestClient(hub)
	hub.addClient(caller)
	hub.addClient(target)
	authenticate(t, target)

	// The connection stays open but nothing reaches the service
	ok := caller.route(&domain.Signal{
		Type:     domain.SignalTypeCallRequest,
		TargetID: target.userID,
	})
	assert.True(t, ok)
	assertNoSignal(t, target)
	assertNoSignal(t, caller)
}

func TestRoute_AuthenticateMismatchClosesConnection(t *testing.T) {
	hub := newRoutingHub()
	client := newTestClient(hub)
	hub.addClient(client)

	ok := client.route(&domain.Signal{
		Type:          domain.SignalTypeAuthenticate,
		ParticipantID: uuid.New(),
	})
	assert.False(t, ok)
	assert.False(t, client.authenticated)

	// The identity never joined the presence registry, so a caller ringing
	// it is told the participant is offline.
	caller := newTestClient(hub)
	hub.addClient(caller)
	authenticate(t, caller)
	ok = caller.route(&domain.Signal{
		Type:     domain.SignalTypeCallRequest,
		TargetID: client.userID,
	})
	require.True(t, ok)
	failed := recvSignal(t, caller)
	assert.Equal(t, domain.SignalTypeCallFailed, failed.Type)
	assert.Equal(t, domain.FailReasonOffline, failed.Reason)
}

func TestRoute_AuthenticatedCallRequestRingsTarget(t *testing.T) {
	hub := newRoutingHub()
	caller := newTestClient(hub)
	caller.displayName = "Dr. Silva"
	target := newTestClient(hub)
	hub.addClient(caller)
	hub.addClient(target)
	authenticate(t, caller)
	authenticate(t, target)

	ok := caller.route(&domain.Signal{
		Type:     domain.SignalTypeCallRequest,
		TargetID: target.userID,
	})
	require.True(t, ok)

	incoming := recvSignal(t, target)
	assert.Equal(t, domain.SignalTypeIncomingCall, incoming.Type)
	assert.Equal(t, caller.userID, incoming.FromID)
	assert.Equal(t, "Dr. Silva", incoming.DisplayName)
	assert.NotEqual(t, uuid.Nil, incoming.CallID)
}

func TestHubCloseClient_Idempotent(t *testing.T) {
	hub := NewSignalingHub(nil)
	client := newTestClient(hub)
	hub.addClient(client)

	hub.closeClient(client)
	assert.NotPanics(t, func() { hub.closeClient(client) })
	assert.Equal(t, 0, hub.ConnectionCount())
}
