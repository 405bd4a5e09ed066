package callclient

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"carelink-backend/internal/domain"
	"carelink-backend/pkg/logger"
)

// Role says which side of the negotiation this peer drives.
type Role string

const (
	// RoleInitiator creates the offer once the call is accepted.
	RoleInitiator Role = "initiator"
	// RoleResponder waits for the offer and answers it.
	RoleResponder Role = "responder"
)

// ConnectionState is the simplified negotiation state surfaced to the
// application.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
)

// Session owns the peer connection for one active call and runs the
// offer/answer/candidate exchange through the signaling transport.
type Session struct {
	callID    uuid.UUID
	peerID    uuid.UUID
	role      Role
	transport Transport
	media     MediaSource
	pc        *webrtc.PeerConnection

	onRemoteTrack func(track *webrtc.TrackRemote)
	onStateChange func(state ConnectionState)
	onEnded       func(reason string)

	mu          sync.Mutex
	state       ConnectionState
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	audioTrack  webrtc.TrackLocal
	videoTrack  webrtc.TrackLocal
	audioOn     bool
	videoOn     bool
	remoteSet   bool
	// Candidates that arrived before the remote description; added once it
	// is set.
	pendingCandidates []webrtc.ICECandidateInit
	closed            bool
}

func newSession(cfg Config, callID, peerID uuid.UUID, role Role, transport Transport, media MediaSource,
	onRemoteTrack func(*webrtc.TrackRemote), onStateChange func(ConnectionState), onEnded func(string)) (*Session, error) {

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, url := range cfg.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}

	s := &Session{
		callID:        callID,
		peerID:        peerID,
		role:          role,
		transport:     transport,
		media:         media,
		pc:            pc,
		onRemoteTrack: onRemoteTrack,
		onStateChange: onStateChange,
		onEnded:       onEnded,
		state:         StateConnecting,
		audioOn:       true,
		videoOn:       true,
	}

	if err := s.publishLocalMedia(); err != nil {
		pc.Close()
		return nil, err
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		s.sendSignal(domain.SignalTypeICECandidate, candidate.ToJSON())
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logger.Info("Remote track received",
			zap.String("call_id", callID.String()),
			zap.String("kind", track.Kind().String()))
		if s.onRemoteTrack != nil {
			s.onRemoteTrack(track)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("Peer connection state changed",
			zap.String("call_id", callID.String()),
			zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.setState(StateConnected)
		case webrtc.PeerConnectionStateDisconnected:
			s.setState(StateDisconnected)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.setState(StateDisconnected)
			s.end("connection lost")
		}
	})

	return s, nil
}

// State returns the simplified connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state ConnectionState) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()

	if changed && s.onStateChange != nil {
		s.onStateChange(state)
	}
}

// publishLocalMedia attaches the local tracks, or falls back to recvonly
// transceivers when there is no media source.
func (s *Session) publishLocalMedia() error {
	if s.media == nil {
		addRecvOnlyTransceivers(s.callID.String(), s.pc)
		return nil
	}

	audio, err := s.media.AudioTrack()
	if err != nil {
		return err
	}
	if audio != nil {
		sender, err := s.pc.AddTrack(audio)
		if err != nil {
			return err
		}
		s.audioSender = sender
		s.audioTrack = audio
	}

	video, err := s.media.VideoTrack()
	if err != nil {
		return err
	}
	if video != nil {
		sender, err := s.pc.AddTrack(video)
		if err != nil {
			return err
		}
		s.videoSender = sender
		s.videoTrack = video
	}

	if audio == nil && video == nil {
		addRecvOnlyTransceivers(s.callID.String(), s.pc)
	}
	return nil
}

// SendOffer creates and publishes the initiator's offer.
func (s *Session) SendOffer() error {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	s.sendSignal(domain.SignalTypeOffer, offer)
	return nil
}

// HandleOffer applies the remote offer and replies with an answer.
func (s *Session) HandleOffer(payload json.RawMessage) error {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &offer); err != nil {
		return err
	}

	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return err
	}
	s.flushPendingCandidates()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return err
	}
	s.sendSignal(domain.SignalTypeAnswer, answer)
	return nil
}

// HandleAnswer applies the responder's answer on the initiator side.
func (s *Session) HandleAnswer(payload json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &answer); err != nil {
		return err
	}
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return err
	}
	s.flushPendingCandidates()
	return nil
}

// HandleCandidate adds a remote ICE candidate, buffering it when the remote
// description has not arrived yet. Individual candidate failures are logged
// and tolerated; ICE completes on the candidates that did apply.
func (s *Session) HandleCandidate(payload json.RawMessage) {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &candidate); err != nil {
		logger.Warn("Discarding malformed candidate",
			zap.String("call_id", s.callID.String()), zap.Error(err))
		return
	}

	s.mu.Lock()
	if !s.remoteSet {
		s.pendingCandidates = append(s.pendingCandidates, candidate)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.pc.AddICECandidate(candidate); err != nil {
		logger.Warn("AddICECandidate failed",
			zap.String("call_id", s.callID.String()), zap.Error(err))
	}
}

func (s *Session) flushPendingCandidates() {
	s.mu.Lock()
	s.remoteSet = true
	buffered := s.pendingCandidates
	s.pendingCandidates = nil
	s.mu.Unlock()

	for _, candidate := range buffered {
		if err := s.pc.AddICECandidate(candidate); err != nil {
			logger.Warn("AddICECandidate failed",
				zap.String("call_id", s.callID.String()), zap.Error(err))
		}
	}
}

// ToggleAudio flips the outgoing audio track. Returns true when audio is now
// muted. Muting swaps the track out of the sender, no renegotiation needed.
func (s *Session) ToggleAudio() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audioOn = !s.audioOn
	if s.audioSender != nil {
		s.replaceTrack(s.audioSender, s.audioTrack, s.audioOn)
	}
	return !s.audioOn
}

// ToggleVideo flips the outgoing video track. Returns true when video is now
// disabled.
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.videoOn = !s.videoOn
	if s.videoSender != nil {
		s.replaceTrack(s.videoSender, s.videoTrack, s.videoOn)
	}
	return !s.videoOn
}

func (s *Session) replaceTrack(sender *webrtc.RTPSender, track webrtc.TrackLocal, enabled bool) {
	var next webrtc.TrackLocal
	if enabled {
		next = track
	}
	if err := sender.ReplaceTrack(next); err != nil {
		logger.Warn("ReplaceTrack failed",
			zap.String("call_id", s.callID.String()), zap.Error(err))
	}
}

// Close tears the peer connection down. Idempotent.
func (s *Session) Close() {
	if !s.markClosed() {
		return
	}
	s.teardown()
}

// end closes the connection and fires the session-ended callback. The
// closed flag is the single gate, so the callback fires at most once even
// when a state change and an explicit close race.
func (s *Session) end(reason string) {
	if !s.markClosed() {
		return
	}
	s.teardown()
	if s.onEnded != nil {
		s.onEnded(reason)
	}
}

// markClosed reports whether this call performed the open→closed
// transition.
func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

func (s *Session) teardown() {
	if s.media != nil {
		if err := s.media.Close(); err != nil {
			logger.Warn("Media source close failed",
				zap.String("call_id", s.callID.String()), zap.Error(err))
		}
	}
	if err := s.pc.Close(); err != nil {
		logger.Warn("Peer connection close failed",
			zap.String("call_id", s.callID.String()), zap.Error(err))
	}
}

func (s *Session) sendSignal(signalType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("Failed to marshal signal payload",
			zap.String("type", signalType), zap.Error(err))
		return
	}
	if err := s.transport.Send(&domain.Signal{
		Type:     signalType,
		CallID:   s.callID,
		TargetID: s.peerID,
		Payload:  data,
	}); err != nil {
		logger.Warn("Failed to send signal",
			zap.String("type", signalType),
			zap.String("call_id", s.callID.String()),
			zap.Error(err))
	}
}
