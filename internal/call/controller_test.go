package call

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/secure-chat/pairing-relay/internal/metrics"
	"github.com/secure-chat/pairing-relay/internal/signaling"
)

type fakeSignaler struct {
	mu   sync.Mutex
	sent []signaling.Envelope
	err  error
}

func (f *fakeSignaler) Send(env signaling.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeSignaler) byType(t signaling.EnvelopeType) []signaling.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []signaling.Envelope
	for _, env := range f.sent {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

type countingMedia struct {
	mu       sync.Mutex
	captures int
	stops    int
	err      error
}

func (m *countingMedia) Capture(context.Context) ([]webrtc.TrackLocal, func(), error) {
	m.mu.Lock()
	m.captures++
	m.mu.Unlock()
	if m.err != nil {
		return nil, nil, m.err
	}
	return nil, func() {
		m.mu.Lock()
		m.stops++
		m.mu.Unlock()
	}, nil
}

func (m *countingMedia) counts() (captures, stops int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.captures, m.stops
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(st State) {
	r.mu.Lock()
	r.states = append(r.states, st)
	r.mu.Unlock()
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func newTestController(t *testing.T, sig Signaler, media MediaSource, m *metrics.Metrics) *Controller {
	t.Helper()
	ctrl, err := New(Config{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Room:     "12345",
		Signaler: sig,
		Media:    media,
		Metrics:  m,
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	t.Cleanup(ctrl.End)
	return ctrl
}

// makeRemoteOffer produces a real offer SDP from a throwaway peer.
func makeRemoteOffer(t *testing.T) signaling.Envelope {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new pc: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		t.Fatalf("add transceiver: %v", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local: %v", err)
	}
	return signaling.Envelope{
		Type: signaling.EnvelopeOffer,
		Room: "12345",
		SDP:  signaling.SDPFromPion(*pc.LocalDescription()),
	}
}

// makeAnswerTo answers a recorded offer envelope from a throwaway peer.
func makeAnswerTo(t *testing.T, offer signaling.Envelope) signaling.Envelope {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new pc: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })

	remote, err := offer.SDP.ToPion()
	if err != nil {
		t.Fatalf("offer sdp: %v", err)
	}
	if err := pc.SetRemoteDescription(remote); err != nil {
		t.Fatalf("set remote: %v", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("create answer: %v", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		t.Fatalf("set local: %v", err)
	}
	return signaling.Envelope{
		Type: signaling.EnvelopeAnswer,
		Room: "12345",
		SDP:  signaling.SDPFromPion(*pc.LocalDescription()),
	}
}

func TestStartSendsOffer(t *testing.T) {
	sig := &fakeSignaler{}
	ctrl := newTestController(t, sig, NoCapture{}, nil)

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := ctrl.State(); got != StateOfferSent {
		t.Fatalf("state = %v, want offer_sent", got)
	}

	offers := sig.byType(signaling.EnvelopeOffer)
	if len(offers) != 1 {
		t.Fatalf("sent %d offers, want 1", len(offers))
	}
	if offers[0].Room != "12345" {
		t.Fatalf("offer room = %q", offers[0].Room)
	}
	if offers[0].SDP == nil || offers[0].SDP.Type != "offer" {
		t.Fatalf("offer sdp = %+v", offers[0].SDP)
	}
}

func TestStartWhileInProgressFails(t *testing.T) {
	sig := &fakeSignaler{}
	ctrl := newTestController(t, sig, NoCapture{}, nil)

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := ctrl.Start(context.Background()); !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("second start = %v, want ErrCallInProgress", err)
	}
}

func TestMediaFailureReturnsToIdle(t *testing.T) {
	sig := &fakeSignaler{}
	m := metrics.New()
	media := &countingMedia{err: errors.New("no microphone")}
	ctrl := newTestController(t, sig, media, m)

	err := ctrl.Start(context.Background())
	if err == nil {
		t.Fatalf("start succeeded without media")
	}
	if got := ctrl.State(); got != StateIdle {
		t.Fatalf("state = %v, want idle", got)
	}
	if len(sig.byType(signaling.EnvelopeOffer)) != 0 {
		t.Fatalf("offer sent despite media failure")
	}
	if got := m.Get(metrics.CallMediaFailed); got != 1 {
		t.Fatalf("call_media_failed = %d, want 1", got)
	}

	// A failed start leaves the controller usable.
	media.err = nil
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start after recovery: %v", err)
	}
}

func TestInboundOfferProducesAnswer(t *testing.T) {
	sig := &fakeSignaler{}
	ctrl := newTestController(t, sig, NoCapture{}, nil)

	if err := ctrl.HandleEnvelope(context.Background(), makeRemoteOffer(t)); err != nil {
		t.Fatalf("handle offer: %v", err)
	}
	if got := ctrl.State(); got != StateOfferReceived {
		t.Fatalf("state = %v, want offer_received", got)
	}

	answers := sig.byType(signaling.EnvelopeAnswer)
	if len(answers) != 1 {
		t.Fatalf("sent %d answers, want 1", len(answers))
	}
	if answers[0].SDP == nil || answers[0].SDP.Type != "answer" {
		t.Fatalf("answer sdp = %+v", answers[0].SDP)
	}
}

func TestRepeatedOfferReusesHeldMedia(t *testing.T) {
	sig := &fakeSignaler{}
	media := &countingMedia{}
	ctrl := newTestController(t, sig, media, nil)

	if err := ctrl.HandleEnvelope(context.Background(), makeRemoteOffer(t)); err != nil {
		t.Fatalf("first offer: %v", err)
	}
	if err := ctrl.HandleEnvelope(context.Background(), makeRemoteOffer(t)); err != nil {
		t.Fatalf("second offer: %v", err)
	}

	if got := ctrl.State(); got != StateOfferReceived {
		t.Fatalf("state = %v, want offer_received", got)
	}
	if captures, _ := media.counts(); captures != 1 {
		t.Fatalf("media captured %d times, want once per session", captures)
	}
	if len(sig.byType(signaling.EnvelopeAnswer)) != 2 {
		t.Fatalf("renegotiation did not answer both offers")
	}
}

func TestInboundOfferSupersedesOutbound(t *testing.T) {
	sig := &fakeSignaler{}
	media := &countingMedia{}
	ctrl := newTestController(t, sig, media, nil)

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := ctrl.HandleEnvelope(context.Background(), makeRemoteOffer(t)); err != nil {
		t.Fatalf("offer while offer_sent: %v", err)
	}

	if got := ctrl.State(); got != StateOfferReceived {
		t.Fatalf("state = %v, want offer_received", got)
	}
	if len(sig.byType(signaling.EnvelopeAnswer)) != 1 {
		t.Fatalf("superseding offer was not answered")
	}
	if captures, _ := media.counts(); captures != 1 {
		t.Fatalf("media captured %d times, want once per session", captures)
	}
}

func TestOfferWhileConnectedDropped(t *testing.T) {
	sig := &fakeSignaler{}
	ctrl := newTestController(t, sig, NoCapture{}, nil)

	ctrl.mu.Lock()
	ctrl.state = StateConnected
	ctrl.mu.Unlock()

	if err := ctrl.HandleEnvelope(context.Background(), makeRemoteOffer(t)); err != nil {
		t.Fatalf("offer while connected should be dropped silently, got %v", err)
	}
	if got := ctrl.State(); got != StateConnected {
		t.Fatalf("state = %v, want connected", got)
	}
	if len(sig.byType(signaling.EnvelopeAnswer)) != 0 {
		t.Fatalf("offer while connected produced an answer")
	}
}

func TestCandidateBeforePeerConnectionDropped(t *testing.T) {
	sig := &fakeSignaler{}
	m := metrics.New()
	ctrl := newTestController(t, sig, NoCapture{}, m)

	env := signaling.Envelope{
		Type:      signaling.EnvelopeICE,
		Candidate: &signaling.Candidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"},
	}
	if err := ctrl.HandleEnvelope(context.Background(), env); err != nil {
		t.Fatalf("handle candidate: %v", err)
	}
	if got := ctrl.State(); got != StateIdle {
		t.Fatalf("state = %v, want idle", got)
	}
	if got := m.Get(metrics.CallCandidateDropped); got != 1 {
		t.Fatalf("call_candidate_dropped = %d, want 1", got)
	}
}

func TestAnswerAloneDoesNotConnect(t *testing.T) {
	sig := &fakeSignaler{}
	ctrl := newTestController(t, sig, NoCapture{}, nil)

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	offers := sig.byType(signaling.EnvelopeOffer)
	if len(offers) != 1 {
		t.Fatalf("sent %d offers, want 1", len(offers))
	}

	if err := ctrl.HandleEnvelope(context.Background(), makeAnswerTo(t, offers[0])); err != nil {
		t.Fatalf("handle answer: %v", err)
	}

	// No candidates were exchanged, so the transport never came up; the
	// session keeps negotiating until the peer connection reports connected.
	if got := ctrl.State(); got != StateOfferSent {
		t.Fatalf("state = %v, want offer_sent", got)
	}
}

func TestAnswerIgnoredOutsideOfferSent(t *testing.T) {
	sig := &fakeSignaler{}
	ctrl := newTestController(t, sig, NoCapture{}, nil)

	env := signaling.Envelope{
		Type: signaling.EnvelopeAnswer,
		SDP:  &signaling.SDP{Type: "answer", SDP: "v=0\r\n"},
	}
	if err := ctrl.HandleEnvelope(context.Background(), env); err != nil {
		t.Fatalf("stray answer should be dropped, got %v", err)
	}
	if got := ctrl.State(); got != StateIdle {
		t.Fatalf("state = %v, want idle", got)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	sig := &fakeSignaler{}
	m := metrics.New()
	media := &countingMedia{}
	ctrl := newTestController(t, sig, media, m)

	// End before any call is a no-op.
	ctrl.End()
	if got := ctrl.State(); got != StateIdle {
		t.Fatalf("state after idle End = %v, want idle", got)
	}
	if got := m.Get(metrics.CallEnded); got != 0 {
		t.Fatalf("call_ended counted for idle End")
	}

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctrl.End()
	ctrl.End()

	if got := ctrl.State(); got != StateEnded {
		t.Fatalf("state = %v, want ended", got)
	}
	if got := m.Get(metrics.CallEnded); got != 1 {
		t.Fatalf("call_ended = %d, want 1", got)
	}
	if _, stops := media.counts(); stops != 1 {
		t.Fatalf("media stopped %d times, want 1", stops)
	}
}

func TestFreshSessionAfterEnded(t *testing.T) {
	sig := &fakeSignaler{}
	media := &countingMedia{}
	ctrl := newTestController(t, sig, media, nil)

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctrl.End()

	if err := ctrl.HandleEnvelope(context.Background(), makeRemoteOffer(t)); err != nil {
		t.Fatalf("offer after End: %v", err)
	}
	if got := ctrl.State(); got != StateOfferReceived {
		t.Fatalf("state = %v, want offer_received", got)
	}
	if captures, _ := media.counts(); captures != 2 {
		t.Fatalf("media captured %d times, want once per session", captures)
	}
}

func TestSendOfferFailureTearsDown(t *testing.T) {
	sig := &fakeSignaler{err: errors.New("socket closed")}
	media := &countingMedia{}
	ctrl := newTestController(t, sig, media, nil)

	if err := ctrl.Start(context.Background()); err == nil {
		t.Fatalf("start succeeded with dead signaler")
	}
	if got := ctrl.State(); got != StateEnded {
		t.Fatalf("state = %v, want ended", got)
	}
	if _, stops := media.counts(); stops != 1 {
		t.Fatalf("media not released on send failure")
	}
}

func TestStateChangeNotifications(t *testing.T) {
	sig := &fakeSignaler{}
	rec := &stateRecorder{}
	ctrl, err := New(Config{
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Room:          "12345",
		Signaler:      sig,
		Media:         NoCapture{},
		OnStateChange: rec.record,
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	t.Cleanup(ctrl.End)

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctrl.End()
	ctrl.End() // the repeat must not notify again

	want := []State{StateAwaitingLocalMedia, StateOfferSent, StateEnded}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("notifications = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("notifications = %v, want %v", got, want)
		}
	}
}

func TestMediaFailureNotifiesIdle(t *testing.T) {
	rec := &stateRecorder{}
	ctrl, err := New(Config{
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Room:          "12345",
		Signaler:      &fakeSignaler{},
		Media:         &countingMedia{err: errors.New("device denied")},
		OnStateChange: rec.record,
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	t.Cleanup(ctrl.End)

	if err := ctrl.Start(context.Background()); err == nil {
		t.Fatalf("start succeeded without media")
	}

	got := rec.snapshot()
	if len(got) != 2 || got[0] != StateAwaitingLocalMedia || got[1] != StateIdle {
		t.Fatalf("notifications = %v, want [awaiting_local_media idle]", got)
	}
}

func TestStateString(t *testing.T) {
	for st, want := range map[State]string{
		StateIdle:               "idle",
		StateAwaitingLocalMedia: "awaiting_local_media",
		StateOfferSent:          "offer_sent",
		StateOfferReceived:      "offer_received",
		StateConnected:          "connected",
		StateEnded:              "ended",
	} {
		if got := st.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", int(st), got, want)
		}
	}
}
