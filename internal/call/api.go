// Package call drives the WebRTC offer/answer/ICE exchange for one room
// membership. It is deliberately standalone: coupling to the transport is
// via the Signaler interface only, so the same controller runs against the
// websocket client, a test double, or a vnet harness.
package call

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// iceDisconnectedTimeout et al. are generous so a brief relay/NAT hiccup
// does not immediately terminate the call; the pion default of 5s is too
// short for paths that see short outages during re-keying or failover.
const (
	iceDisconnectedTimeout = 30 * time.Second
	iceFailedTimeout       = 120 * time.Second
	iceKeepaliveInterval   = 2 * time.Second
)

// NewAPI builds the pion API used for call peer connections: default codecs,
// default interceptors, and a setting engine carrying pion's logger factory
// and relaxed ICE timeouts.
func NewAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	return newAPIWithMediaEngine(mediaEngine)
}

func newAPIWithMediaEngine(mediaEngine *webrtc.MediaEngine) (*webrtc.API, error) {
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	}
	se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepaliveInterval)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}
