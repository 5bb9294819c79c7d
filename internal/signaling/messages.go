package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// EnvelopeType enumerates the frames exchanged over a room channel.
type EnvelopeType string

const (
	EnvelopeChat   EnvelopeType = "chat"
	EnvelopeJoined EnvelopeType = "joined"
	EnvelopeOffer  EnvelopeType = "offer"
	EnvelopeAnswer EnvelopeType = "answer"
	EnvelopeICE    EnvelopeType = "ice"
)

// SDP mirrors the browser RTCSessionDescription JSON shape.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) *SDP {
	return &SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate mirrors the browser RTCIceCandidateInit JSON shape.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) *Candidate {
	return &Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Envelope is the wire message on a room channel.
//
// The relay treats envelopes as opaque text frames; only the peers parse
// them. Payload fields vary by type: text plus timestamps for chat, SDP
// blobs for offer/answer, a candidate structure for ice, a display name for
// joined. Room tags outbound negotiation messages with the pairing code the
// way the original browser client does; receivers may use it to filter.
type Envelope struct {
	Type EnvelopeType `json:"type"`
	Room string       `json:"room,omitempty"`

	Text   string `json:"text,omitempty"`
	Name   string `json:"name,omitempty"`
	SentAt int64  `json:"sentAt,omitempty"`

	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

// ParseEnvelope decodes and validates one inbound frame.
//
// Unknown JSON fields are tolerated (peers may extend payloads); a frame
// that is not valid JSON or fails per-type validation is an error, and the
// consuming layer drops it silently per the relay's error model.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) Validate() error {
	switch e.Type {
	case EnvelopeChat:
		if e.Text == "" {
			return fmt.Errorf("chat envelope missing text")
		}
	case EnvelopeJoined:
		if e.Name == "" {
			return fmt.Errorf("joined envelope missing name")
		}
	case EnvelopeOffer:
		if e.SDP == nil {
			return fmt.Errorf("offer envelope missing sdp")
		}
		if e.SDP.Type != "offer" {
			return fmt.Errorf("offer envelope has sdp.type=%q", e.SDP.Type)
		}
	case EnvelopeAnswer:
		if e.SDP == nil {
			return fmt.Errorf("answer envelope missing sdp")
		}
		if e.SDP.Type != "answer" {
			return fmt.Errorf("answer envelope has sdp.type=%q", e.SDP.Type)
		}
	case EnvelopeICE:
		if e.Candidate == nil {
			return fmt.Errorf("ice envelope missing candidate")
		}
	default:
		return fmt.Errorf("unsupported envelope type %q", e.Type)
	}
	return nil
}

// Encode marshals the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
