package metrics

import "sync"

// Event names used across the pairing/relay core.
const (
	PairingIssued         = "pairing_issued"
	PairingIssueCollision = "pairing_issue_collision"
	VerifyOK              = "pairing_verify_ok"
	VerifyNotFound        = "pairing_verify_not_found"
	VerifyExpired         = "pairing_verify_expired"

	RoomCreated   = "room_created"
	RoomDeleted   = "room_deleted"
	RelayForwards = "relay_forwards"
	RelayDropped  = "relay_dropped"

	WSJoin           = "ws_join"
	WSLeave          = "ws_leave"
	WSMissingRoom    = "ws_missing_room"
	WSRateLimited    = "ws_rate_limited"
	WSFrameTooLarge  = "ws_frame_too_large"
	WSNonTextDropped = "ws_non_text_dropped"
	WSOriginRejected = "ws_origin_rejected"

	CallStarted          = "call_started"
	CallConnected        = "call_connected"
	CallEnded            = "call_ended"
	CallMediaFailed      = "call_media_failed"
	CallCandidateDropped = "call_candidate_dropped"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The service is expected to plug into a real metrics backend eventually;
// this type keeps the relay's bookkeeping testable and scrapeable without
// pulling in a client library the rest of the code does not need.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc is nil-safe so callers can treat metrics as optional.
func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
