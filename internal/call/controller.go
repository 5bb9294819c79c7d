package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/secure-chat/pairing-relay/internal/metrics"
	"github.com/secure-chat/pairing-relay/internal/signaling"
)

// State is the call lifecycle position. Transitions are driven by Start,
// HandleEnvelope, End, and the peer connection's state callbacks.
type State int

const (
	StateIdle State = iota
	StateAwaitingLocalMedia
	StateOfferSent
	StateOfferReceived
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingLocalMedia:
		return "awaiting_local_media"
	case StateOfferSent:
		return "offer_sent"
	case StateOfferReceived:
		return "offer_received"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrCallInProgress = errors.New("call already in progress")
	ErrMediaPending   = errors.New("local media acquisition already in progress")
	ErrCallEnded      = errors.New("call ended during media acquisition")
)

// Signaler delivers envelopes to the remote peer. The websocket Client
// satisfies it; tests substitute a recorder.
type Signaler interface {
	Send(env signaling.Envelope) error
}

// Config wires a Controller. Signaler is required; API defaults to NewAPI()
// and Media to NoCapture.
type Config struct {
	Logger     *slog.Logger
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Room       string
	Signaler   Signaler
	Media      MediaSource
	Metrics    *metrics.Metrics

	// OnStateChange, when set, is called after every state transition with
	// the new state. It runs outside the controller lock, so it may call
	// back into the controller but must not assume the state still holds.
	OnStateChange func(State)
}

// Controller runs the offer/answer/ICE state machine for one call session.
//
// A session begins with Start (outbound) or an inbound offer and finishes
// with End; after End a fresh offer or Start opens a new session. Local
// media is acquired at most once per session, and acquisition happens with
// the lock released so envelopes keep flowing while the device opens.
type Controller struct {
	log        *slog.Logger
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	room       string
	signaler   Signaler
	media      MediaSource
	metrics    *metrics.Metrics
	onState    func(State)

	mu             sync.Mutex
	state          State
	mediaPending   bool
	pc             *webrtc.PeerConnection
	capturedTracks []webrtc.TrackLocal
	stopMedia      func()
	remoteSet      bool
	// pendingRemote holds candidates that raced ahead of the remote
	// description. Candidates arriving before the peer connection exists at
	// all are dropped, not queued.
	pendingRemote []webrtc.ICECandidateInit
}

func New(cfg Config) (*Controller, error) {
	if cfg.Signaler == nil {
		return nil, errors.New("call: signaler is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.API == nil {
		api, err := NewAPI()
		if err != nil {
			return nil, err
		}
		cfg.API = api
	}
	if cfg.Media == nil {
		cfg.Media = NoCapture{}
	}
	return &Controller{
		log:        cfg.Logger,
		api:        cfg.API,
		iceServers: cfg.ICEServers,
		room:       cfg.Room,
		signaler:   cfg.Signaler,
		media:      cfg.Media,
		metrics:    cfg.Metrics,
		onState:    cfg.OnStateChange,
		state:      StateIdle,
	}, nil
}

func (c *Controller) notify(st State) {
	if c.onState != nil {
		c.onState(st)
	}
}

// State reports the current lifecycle position.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start places an outbound call: acquire local media, build the peer
// connection, and send the offer. It fails without a state change if a call
// is already in progress; a media failure returns the controller to idle.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateIdle, StateEnded:
	default:
		c.mu.Unlock()
		return ErrCallInProgress
	}
	if c.mediaPending {
		c.mu.Unlock()
		return ErrMediaPending
	}
	c.state = StateAwaitingLocalMedia
	c.mediaPending = true
	c.mu.Unlock()
	c.notify(StateAwaitingLocalMedia)

	if err := c.captureMedia(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateAwaitingLocalMedia {
		c.mu.Unlock()
		return ErrCallEnded
	}

	pc, err := c.newPeerConnectionLocked()
	if err != nil {
		stop := c.stopMedia
		c.resetLocked(StateIdle)
		c.mu.Unlock()
		if stop != nil {
			stop()
		}
		c.notify(StateIdle)
		return fmt.Errorf("create peer connection: %w", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err == nil {
		err = pc.SetLocalDescription(offer)
	}
	if err != nil {
		stop := c.stopMedia
		c.resetLocked(StateIdle)
		c.mu.Unlock()
		_ = pc.Close()
		if stop != nil {
			stop()
		}
		c.notify(StateIdle)
		return fmt.Errorf("create offer: %w", err)
	}

	c.state = StateOfferSent
	c.mu.Unlock()
	c.notify(StateOfferSent)

	c.metrics.Inc(metrics.CallStarted)
	env := signaling.Envelope{
		Type: signaling.EnvelopeOffer,
		Room: c.room,
		SDP:  signaling.SDPFromPion(*pc.LocalDescription()),
	}
	if err := c.signaler.Send(env); err != nil {
		c.End()
		return fmt.Errorf("send offer: %w", err)
	}
	c.log.Info("call offer sent", "room", c.room)
	return nil
}

// HandleEnvelope feeds one inbound signaling envelope to the state machine.
// Chat and presence envelopes are not the controller's concern and are
// ignored; callers route those to their own UI.
func (c *Controller) HandleEnvelope(ctx context.Context, env signaling.Envelope) error {
	switch env.Type {
	case signaling.EnvelopeOffer:
		return c.handleOffer(ctx, env)
	case signaling.EnvelopeAnswer:
		return c.handleAnswer(env)
	case signaling.EnvelopeICE:
		return c.handleCandidate(env)
	default:
		return nil
	}
}

func (c *Controller) handleOffer(ctx context.Context, env signaling.Envelope) error {
	remote, err := env.SDP.ToPion()
	if err != nil {
		return fmt.Errorf("inbound offer: %w", err)
	}

	c.mu.Lock()
	if c.mediaPending || c.state == StateConnected {
		state := c.state
		c.mu.Unlock()
		c.log.Warn("dropping offer", "state", state.String())
		return nil
	}
	// An inbound offer supersedes any outstanding outbound one; media already
	// held by the session carries over to the new negotiation.
	oldPC := c.pc
	c.pc = nil
	c.remoteSet = false
	c.pendingRemote = nil
	needMedia := c.stopMedia == nil
	c.state = StateAwaitingLocalMedia
	c.mediaPending = needMedia
	c.mu.Unlock()
	c.notify(StateAwaitingLocalMedia)

	if oldPC != nil {
		_ = oldPC.Close()
	}
	if needMedia {
		if err := c.captureMedia(ctx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	if c.state != StateAwaitingLocalMedia {
		c.mu.Unlock()
		return nil
	}

	pc, err := c.newPeerConnectionLocked()
	if err != nil {
		stop := c.stopMedia
		c.resetLocked(StateIdle)
		c.mu.Unlock()
		if stop != nil {
			stop()
		}
		c.notify(StateIdle)
		return fmt.Errorf("create peer connection: %w", err)
	}
	c.mu.Unlock()

	if err := pc.SetRemoteDescription(remote); err != nil {
		c.End()
		return fmt.Errorf("apply remote offer: %w", err)
	}
	c.flushPendingCandidates(pc)

	answer, err := pc.CreateAnswer(nil)
	if err == nil {
		err = pc.SetLocalDescription(answer)
	}
	if err != nil {
		c.End()
		return fmt.Errorf("create answer: %w", err)
	}

	c.mu.Lock()
	if c.pc != pc {
		c.mu.Unlock()
		return nil
	}
	c.state = StateOfferReceived
	c.mu.Unlock()
	c.notify(StateOfferReceived)

	out := signaling.Envelope{
		Type: signaling.EnvelopeAnswer,
		Room: c.room,
		SDP:  signaling.SDPFromPion(*pc.LocalDescription()),
	}
	if err := c.signaler.Send(out); err != nil {
		c.End()
		return fmt.Errorf("send answer: %w", err)
	}
	c.log.Info("call answer sent", "room", c.room)
	return nil
}

func (c *Controller) handleAnswer(env signaling.Envelope) error {
	remote, err := env.SDP.ToPion()
	if err != nil {
		return fmt.Errorf("inbound answer: %w", err)
	}

	c.mu.Lock()
	if c.state != StateOfferSent || c.pc == nil {
		c.mu.Unlock()
		c.log.Warn("dropping answer", "state", c.State().String())
		return nil
	}
	pc := c.pc
	c.mu.Unlock()

	if err := pc.SetRemoteDescription(remote); err != nil {
		c.End()
		return fmt.Errorf("apply remote answer: %w", err)
	}
	c.flushPendingCandidates(pc)
	return nil
}

func (c *Controller) handleCandidate(env signaling.Envelope) error {
	init := env.Candidate.ToPion()

	c.mu.Lock()
	if c.pc == nil {
		c.mu.Unlock()
		c.metrics.Inc(metrics.CallCandidateDropped)
		c.log.Debug("dropping ice candidate, no peer connection")
		return nil
	}
	if !c.remoteSet {
		c.pendingRemote = append(c.pendingRemote, init)
		c.mu.Unlock()
		return nil
	}
	pc := c.pc
	c.mu.Unlock()

	if err := pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// End tears the session down. Idempotent, and a no-op when no call was in
// progress. If media acquisition is in flight the acquiring goroutine
// observes the state change and releases the devices itself.
func (c *Controller) End() {
	c.mu.Lock()
	if c.state == StateIdle || c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	pc := c.pc
	stop := c.stopMedia
	c.resetLocked(StateEnded)
	c.mu.Unlock()

	if pc != nil {
		_ = pc.Close()
	}
	if stop != nil {
		stop()
	}
	c.metrics.Inc(metrics.CallEnded)
	c.log.Info("call ended", "room", c.room)
	c.notify(StateEnded)
}

// resetLocked clears per-session fields; callers still own pc/stopMedia
// teardown outside the lock.
func (c *Controller) resetLocked(to State) {
	c.pc = nil
	c.capturedTracks = nil
	c.stopMedia = nil
	c.remoteSet = false
	c.pendingRemote = nil
	c.state = to
}

// captureMedia runs the capture with the lock released. The caller must have
// moved the controller into AwaitingLocalMedia with mediaPending set. On
// success the tracks and release function are stored on the session; if End
// raced in during the capture the devices are released here.
func (c *Controller) captureMedia(ctx context.Context) error {
	tracks, stop, err := c.media.Capture(ctx)

	c.mu.Lock()
	c.mediaPending = false
	if err != nil {
		backToIdle := c.state == StateAwaitingLocalMedia
		if backToIdle {
			c.state = StateIdle
		}
		c.mu.Unlock()
		c.metrics.Inc(metrics.CallMediaFailed)
		if backToIdle {
			c.notify(StateIdle)
		}
		return fmt.Errorf("acquire local media: %w", err)
	}
	if c.state != StateAwaitingLocalMedia {
		c.mu.Unlock()
		stop()
		return ErrCallEnded
	}
	c.capturedTracks = tracks
	c.stopMedia = stop
	c.mu.Unlock()
	return nil
}

func (c *Controller) newPeerConnectionLocked() (*webrtc.PeerConnection, error) {
	pc, err := c.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: c.iceServers,
	})
	if err != nil {
		return nil, err
	}

	if len(c.capturedTracks) == 0 {
		// Still negotiate an audio m-line so the remote side can send.
		_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			_ = pc.Close()
			return nil, err
		}
	}
	for _, track := range c.capturedTracks {
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		env := signaling.Envelope{
			Type:      signaling.EnvelopeICE,
			Room:      c.room,
			Candidate: signaling.CandidateFromPion(cand.ToJSON()),
		}
		if err := c.signaler.Send(env); err != nil {
			c.log.Warn("send ice candidate", "err", err)
		}
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		c.onConnectionState(pc, st)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.log.Info("remote track", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		go drainTrack(track)
	})

	c.pc = pc
	return pc, nil
}

func (c *Controller) onConnectionState(pc *webrtc.PeerConnection, st webrtc.PeerConnectionState) {
	c.log.Info("peer connection state", "state", st.String(), "room", c.room)

	switch st {
	case webrtc.PeerConnectionStateConnected:
		c.mu.Lock()
		if c.pc == pc && (c.state == StateOfferSent || c.state == StateOfferReceived) {
			c.state = StateConnected
			c.mu.Unlock()
			c.metrics.Inc(metrics.CallConnected)
			c.notify(StateConnected)
			return
		}
		c.mu.Unlock()
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		c.mu.Lock()
		current := c.pc == pc
		c.mu.Unlock()
		if current {
			c.End()
		}
	}
}

// flushPendingCandidates applies candidates that arrived before the remote
// description and marks the session ready for direct application.
func (c *Controller) flushPendingCandidates(pc *webrtc.PeerConnection) {
	c.mu.Lock()
	if c.pc != pc {
		c.mu.Unlock()
		return
	}
	c.remoteSet = true
	pending := c.pendingRemote
	c.pendingRemote = nil
	c.mu.Unlock()

	for _, init := range pending {
		if err := pc.AddICECandidate(init); err != nil {
			c.log.Warn("apply queued ice candidate", "err", err)
		}
	}
}

// drainTrack keeps the remote track's jitter buffer from backing up when no
// playback sink is attached. It exits when the peer connection closes.
func drainTrack(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}
