//go:build linux && cgo

package call

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// NewMicrophoneAPI builds the pion API and capture source together: the
// opus encoder's codec parameters must live in the media engine the API is
// constructed with, so the two cannot be assembled independently.
func NewMicrophoneAPI() (*webrtc.API, MediaSource, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, fmt.Errorf("opus encoder: %w", err)
	}
	selector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	api, err := newAPIWithMediaEngine(mediaEngine)
	if err != nil {
		return nil, nil, err
	}
	return api, &microphoneSource{selector: selector}, nil
}

type microphoneSource struct {
	selector *mediadevices.CodecSelector
}

func (s *microphoneSource) Capture(context.Context) ([]webrtc.TrackLocal, func(), error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
		},
		Codec: s.selector,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open microphone: %w", err)
	}

	audio := stream.GetAudioTracks()
	tracks := make([]webrtc.TrackLocal, 0, len(audio))
	for _, t := range audio {
		tracks = append(tracks, t)
	}
	stop := func() {
		for _, t := range stream.GetTracks() {
			_ = t.Close()
		}
	}
	return tracks, stop, nil
}
