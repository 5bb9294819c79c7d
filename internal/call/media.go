package call

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// MediaSource acquires local audio for a call.
//
// Capture may block on device access; the controller releases its lock while
// waiting. stop releases the devices and must be safe to call once capture
// succeeded. A source may legitimately yield zero tracks (receive-only
// platforms); the controller then negotiates a recvonly audio line so the
// SDP still carries valid m-lines.
type MediaSource interface {
	Capture(ctx context.Context) (tracks []webrtc.TrackLocal, stop func(), err error)
}

// NoCapture yields no local tracks. Used on platforms without microphone
// support and by receive-only peers.
type NoCapture struct{}

func (NoCapture) Capture(context.Context) ([]webrtc.TrackLocal, func(), error) {
	return nil, func() {}, nil
}
