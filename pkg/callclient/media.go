package callclient

import (
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"carelink-backend/pkg/logger"
)

// MediaSource supplies the local tracks published into a call. A nil source
// produces a receive-only session, which is how headless and test clients
// run.
type MediaSource interface {
	// AudioTrack returns the local audio track, or nil when the device has
	// no microphone.
	AudioTrack() (webrtc.TrackLocal, error)
	// VideoTrack returns the local video track, or nil when the device has
	// no camera.
	VideoTrack() (webrtc.TrackLocal, error)
	// Close releases capture resources. Called when the session ends.
	Close() error
}

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// CreateOffer/CreateAnswer always produces valid m-lines with ICE
// credentials even without local media.
func addRecvOnlyTransceivers(callID string, pc *webrtc.PeerConnection) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		logger.Warn("AddTransceiver(video) failed",
			zap.String("call_id", callID), zap.Error(err))
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		logger.Warn("AddTransceiver(audio) failed",
			zap.String("call_id", callID), zap.Error(err))
	}
}
