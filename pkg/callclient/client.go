// Package callclient is the client-side counterpart of the signaling
// service: it drives the call flow (dial, ring, accept, negotiate, hang up)
// over a signaling transport and owns the WebRTC peer connection for the
// active call. One client holds at most one active session.
package callclient

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"carelink-backend/internal/domain"
	"carelink-backend/pkg/constants"
	"carelink-backend/pkg/logger"
)

// Transport sends signaling envelopes to the coordination service. The
// WebSocket connection satisfies this; tests use an in-memory loop.
type Transport interface {
	Send(signal *domain.Signal) error
}

// Config tunes the client.
type Config struct {
	// ICEServers in URL form, e.g. "stun:stun.l.google.com:19302".
	ICEServers []string
	// RingTimeout bounds how long an unanswered incoming call rings before
	// the client auto-declines. Zero means the default.
	RingTimeout time.Duration
}

// DefaultConfig returns the stock client configuration.
func DefaultConfig() Config {
	return Config{
		ICEServers:  []string{"stun:stun.l.google.com:19302"},
		RingTimeout: constants.RingTimeout,
	}
}

// Events carries the application callbacks. All are optional.
type Events struct {
	OnIncomingCall    func(callID, fromID uuid.UUID, displayName string)
	OnCallAccepted    func(callID uuid.UUID)
	OnCallDeclined    func(callID uuid.UUID)
	OnCallFailed      func(reason string)
	OnCallEnded       func(callID uuid.UUID, reason string, duration int)
	OnRemoteTrack     func(track *webrtc.TrackRemote)
	OnConnectionState func(state ConnectionState)
}

var (
	// ErrCallInProgress means the client already owns a session or is
	// dialing; a second call cannot start until it resolves.
	ErrCallInProgress = errors.New("callclient: call already in progress")
	// ErrNoSuchCall means the callID does not match a ringing invitation or
	// the active session.
	ErrNoSuchCall = errors.New("callclient: no such call")
	// ErrNoActiveCall means there is no active session to operate on.
	ErrNoActiveCall = errors.New("callclient: no active call")
)

// ringingCall is an incoming invitation that has not been answered yet.
type ringingCall struct {
	fromID      uuid.UUID
	displayName string
	timer       *time.Timer
}

// Client is the client-side call state machine.
type Client struct {
	cfg       Config
	transport Transport
	selfID    uuid.UUID
	media     MediaSource
	events    Events

	mu      sync.Mutex
	dialing bool
	ringing map[uuid.UUID]*ringingCall
	session *Session
}

// New creates a call client. media may be nil for a receive-only client.
func New(cfg Config, transport Transport, selfID uuid.UUID, media MediaSource, events Events) *Client {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = constants.RingTimeout
	}
	return &Client{
		cfg:       cfg,
		transport: transport,
		selfID:    selfID,
		media:     media,
		events:    events,
		ringing:   make(map[uuid.UUID]*ringingCall),
	}
}

// Authenticate announces the client's identity on a fresh connection. Must
// be sent before any other signaling.
func (c *Client) Authenticate() error {
	return c.transport.Send(&domain.Signal{
		Type:          domain.SignalTypeAuthenticate,
		ParticipantID: c.selfID,
	})
}

// InitiateCall dials targetID. The outcome arrives later as call-accepted,
// call-declined or call-failed.
func (c *Client) InitiateCall(targetID uuid.UUID) error {
	c.mu.Lock()
	if c.dialing || c.session != nil {
		c.mu.Unlock()
		return ErrCallInProgress
	}
	c.dialing = true
	c.mu.Unlock()

	if err := c.transport.Send(&domain.Signal{
		Type:     domain.SignalTypeCallRequest,
		TargetID: targetID,
	}); err != nil {
		c.mu.Lock()
		c.dialing = false
		c.mu.Unlock()
		return err
	}

	logger.Info("Dialing",
		zap.String("target_id", targetID.String()))
	return nil
}

// RespondToCall answers a ringing invitation. Accepting creates the session
// and the peer connection; the initiator's offer follows over the transport.
func (c *Client) RespondToCall(callID uuid.UUID, accept bool) error {
	c.mu.Lock()
	ring, ok := c.ringing[callID]
	if !ok {
		c.mu.Unlock()
		return ErrNoSuchCall
	}
	delete(c.ringing, callID)
	ring.timer.Stop()

	if accept && (c.dialing || c.session != nil) {
		c.mu.Unlock()
		// Busy: resolve the invitation as declined
		c.sendResponse(callID, false)
		return ErrCallInProgress
	}

	if !accept {
		c.mu.Unlock()
		c.sendResponse(callID, false)
		return nil
	}

	sess, err := c.newSession(callID, ring.fromID, RoleResponder)
	if err != nil {
		c.mu.Unlock()
		c.sendResponse(callID, false)
		return err
	}
	c.session = sess
	c.mu.Unlock()

	c.sendResponse(callID, true)
	return nil
}

// EndCall hangs up the active call. The server notifies both sides, so the
// session is torn down when call-ended comes back; the local teardown here
// just stops media promptly.
func (c *Client) EndCall() error {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return ErrNoActiveCall
	}

	return c.transport.Send(&domain.Signal{
		Type:   domain.SignalTypeCallEnded,
		CallID: sess.callID,
	})
}

// ToggleAudio mutes or unmutes outgoing audio. Returns the new muted state.
func (c *Client) ToggleAudio() (bool, error) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return false, ErrNoActiveCall
	}
	return sess.ToggleAudio(), nil
}

// ToggleVideo disables or enables outgoing video. Returns the new disabled
// state.
func (c *Client) ToggleVideo() (bool, error) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return false, ErrNoActiveCall
	}
	return sess.ToggleVideo(), nil
}

// ActiveCallID returns the callID of the active session, if any.
func (c *Client) ActiveCallID() (uuid.UUID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return uuid.Nil, false
	}
	return c.session.callID, true
}

// ConnectionState returns the active session's negotiation state, or
// StateDisconnected when no call is active.
func (c *Client) ConnectionState() ConnectionState {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return StateDisconnected
	}
	return sess.State()
}

// Close hangs up and releases everything.
func (c *Client) Close() {
	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.dialing = false
	for callID, ring := range c.ringing {
		ring.timer.Stop()
		delete(c.ringing, callID)
	}
	c.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
}

// HandleSignal feeds one inbound envelope from the transport into the state
// machine. The transport's read loop calls this for every message.
func (c *Client) HandleSignal(signal *domain.Signal) {
	switch signal.Type {
	case domain.SignalTypeIncomingCall:
		c.handleIncomingCall(signal)
	case domain.SignalTypeCallAccepted:
		c.handleCallAccepted(signal)
	case domain.SignalTypeCallDeclined:
		c.handleCallDeclined(signal)
	case domain.SignalTypeCallFailed:
		c.handleCallFailed(signal)
	case domain.SignalTypeCallEnded:
		c.handleCallEnded(signal)
	case domain.SignalTypeOffer, domain.SignalTypeAnswer, domain.SignalTypeICECandidate:
		c.handleNegotiation(signal)
	default:
		logger.Debug("Ignoring unknown signal",
			zap.String("type", signal.Type))
	}
}

func (c *Client) handleIncomingCall(signal *domain.Signal) {
	callID := signal.CallID

	c.mu.Lock()
	timer := time.AfterFunc(c.cfg.RingTimeout, func() {
		c.mu.Lock()
		_, still := c.ringing[callID]
		delete(c.ringing, callID)
		c.mu.Unlock()
		if still {
			logger.Info("Ring timeout, auto-declining",
				zap.String("call_id", callID.String()))
			c.sendResponse(callID, false)
		}
	})
	c.ringing[callID] = &ringingCall{
		fromID:      signal.FromID,
		displayName: signal.DisplayName,
		timer:       timer,
	}
	c.mu.Unlock()

	if c.events.OnIncomingCall != nil {
		c.events.OnIncomingCall(callID, signal.FromID, signal.DisplayName)
	}
}

func (c *Client) handleCallAccepted(signal *domain.Signal) {
	c.mu.Lock()
	if !c.dialing || c.session != nil {
		c.mu.Unlock()
		logger.Debug("Unexpected call-accepted",
			zap.String("call_id", signal.CallID.String()))
		return
	}

	sess, err := c.newSession(signal.CallID, signal.TargetID, RoleInitiator)
	if err != nil {
		c.dialing = false
		c.mu.Unlock()
		logger.Error("Failed to create session",
			zap.String("call_id", signal.CallID.String()), zap.Error(err))
		c.transport.Send(&domain.Signal{
			Type:   domain.SignalTypeCallEnded,
			CallID: signal.CallID,
		})
		if c.events.OnCallFailed != nil {
			c.events.OnCallFailed("media unavailable")
		}
		return
	}
	c.session = sess
	c.dialing = false
	c.mu.Unlock()

	if err := sess.SendOffer(); err != nil {
		logger.Error("Failed to send offer",
			zap.String("call_id", signal.CallID.String()), zap.Error(err))
	}

	if c.events.OnCallAccepted != nil {
		c.events.OnCallAccepted(signal.CallID)
	}
}

func (c *Client) handleCallDeclined(signal *domain.Signal) {
	c.mu.Lock()
	c.dialing = false
	c.mu.Unlock()

	if c.events.OnCallDeclined != nil {
		c.events.OnCallDeclined(signal.CallID)
	}
}

func (c *Client) handleCallFailed(signal *domain.Signal) {
	c.mu.Lock()
	c.dialing = false
	c.mu.Unlock()

	if c.events.OnCallFailed != nil {
		c.events.OnCallFailed(signal.Reason)
	}
}

func (c *Client) handleCallEnded(signal *domain.Signal) {
	c.mu.Lock()
	sess := c.session
	if sess != nil && sess.callID == signal.CallID {
		c.session = nil
	} else {
		sess = nil
	}
	c.mu.Unlock()

	if sess != nil {
		sess.Close()
	}

	if c.events.OnCallEnded != nil {
		c.events.OnCallEnded(signal.CallID, signal.Reason, signal.Duration)
	}
}

// handleNegotiation routes offer/answer/candidate to the active session.
// Signals from anyone other than the session's peer are discarded.
func (c *Client) handleNegotiation(signal *domain.Signal) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()

	if sess == nil {
		logger.Debug("Dropping negotiation signal without session",
			zap.String("type", signal.Type))
		return
	}
	if signal.FromID != sess.peerID {
		logger.Warn("Dropping negotiation signal from unexpected peer",
			zap.String("type", signal.Type),
			zap.String("from_id", signal.FromID.String()))
		return
	}

	var err error
	switch signal.Type {
	case domain.SignalTypeOffer:
		err = sess.HandleOffer(signal.Payload)
	case domain.SignalTypeAnswer:
		err = sess.HandleAnswer(signal.Payload)
	case domain.SignalTypeICECandidate:
		sess.HandleCandidate(signal.Payload)
	}
	if err != nil {
		logger.Error("Negotiation failed",
			zap.String("type", signal.Type),
			zap.String("call_id", signal.CallID.String()),
			zap.Error(err))
	}
}

func (c *Client) newSession(callID, peerID uuid.UUID, role Role) (*Session, error) {
	return newSession(c.cfg, callID, peerID, role, c.transport, c.media,
		c.events.OnRemoteTrack,
		c.events.OnConnectionState,
		func(reason string) {
			logger.Info("Session ended locally",
				zap.String("call_id", callID.String()),
				zap.String("reason", reason))
		})
}

func (c *Client) sendResponse(callID uuid.UUID, accepted bool) {
	if err := c.transport.Send(&domain.Signal{
		Type:     domain.SignalTypeCallResponse,
		CallID:   callID,
		Accepted: accepted,
	}); err != nil {
		logger.Warn("Failed to send call response",
			zap.String("call_id", callID.String()), zap.Error(err))
	}
}
