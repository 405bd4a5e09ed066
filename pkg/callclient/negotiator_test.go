package callclient

import (
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carelink-backend/internal/domain"
)

func newTestSession(t *testing.T, role Role, onEnded func(string)) (*Session, *captureTransport) {
	t.Helper()
	transport := &captureTransport{}
	sess, err := newSession(DefaultConfig(), uuid.New(), uuid.New(), role, transport, nil, nil, nil, onEnded)
	require.NoError(t, err)
	t.Cleanup(sess.Close)
	return sess, transport
}

func TestSendOffer_PublishesOfferToPeer(t *testing.T) {
	sess, transport := newTestSession(t, RoleInitiator, nil)

	require.NoError(t, sess.SendOffer())

	offer := transport.lastOfType(domain.SignalTypeOffer)
	require.NotNil(t, offer)
	assert.Equal(t, sess.callID, offer.CallID)
	assert.Equal(t, sess.peerID, offer.TargetID)
	assert.NotEmpty(t, offer.Payload)
}

func TestHandleOffer_ProducesAnswer(t *testing.T) {
	initiator, initiatorTransport := newTestSession(t, RoleInitiator, nil)
	responder, responderTransport := newTestSession(t, RoleResponder, nil)

	require.NoError(t, initiator.SendOffer())
	offer := initiatorTransport.lastOfType(domain.SignalTypeOffer)
	require.NotNil(t, offer)

	require.NoError(t, responder.HandleOffer(offer.Payload))

	answer := responderTransport.lastOfType(domain.SignalTypeAnswer)
	require.NotNil(t, answer)
	require.NoError(t, initiator.HandleAnswer(answer.Payload))
}

func TestHandleCandidate_BuffersBeforeRemoteDescription(t *testing.T) {
	sess, _ := newTestSession(t, RoleResponder, nil)

	sess.HandleCandidate([]byte(`{"candidate":"candidate:1 1 udp 1 127.0.0.1 50000 typ host"}`))

	sess.mu.Lock()
	buffered := len(sess.pendingCandidates)
	sess.mu.Unlock()
	assert.Equal(t, 1, buffered)
}

func TestHandleCandidate_MalformedIsDiscarded(t *testing.T) {
	sess, _ := newTestSession(t, RoleResponder, nil)

	assert.NotPanics(t, func() {
		sess.HandleCandidate([]byte(`not json`))
	})

	sess.mu.Lock()
	buffered := len(sess.pendingCandidates)
	sess.mu.Unlock()
	assert.Equal(t, 0, buffered)
}

func TestToggleAudio_FlipsMutedState(t *testing.T) {
	sess, _ := newTestSession(t, RoleInitiator, nil)

	assert.True(t, sess.ToggleAudio())
	assert.False(t, sess.ToggleAudio())
}

func TestToggleVideo_FlipsDisabledState(t *testing.T) {
	sess, _ := newTestSession(t, RoleInitiator, nil)

	assert.True(t, sess.ToggleVideo())
	assert.False(t, sess.ToggleVideo())
}

func TestSessionClose_Idempotent(t *testing.T) {
	sess, _ := newTestSession(t, RoleInitiator, nil)

	sess.Close()
	assert.NotPanics(t, sess.Close)
}

func TestSessionEnd_FiresExactlyOnce(t *testing.T) {
	var endedCount atomic.Int32
	sess, _ := newTestSession(t, RoleInitiator, func(string) {
		endedCount.Add(1)
	})

	sess.end("connection lost")
	sess.end("connection lost")

	assert.Equal(t, int32(1), endedCount.Load())
}
