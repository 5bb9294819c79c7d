//go:build !linux || !cgo

package call

import "github.com/pion/webrtc/v4"

// NewMicrophoneAPI has no capture driver off linux; calls still connect but
// only receive, matching the recvonly transceiver the controller negotiates
// for trackless sessions.
func NewMicrophoneAPI() (*webrtc.API, MediaSource, error) {
	api, err := NewAPI()
	if err != nil {
		return nil, nil, err
	}
	return api, NoCapture{}, nil
}
