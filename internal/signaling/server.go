// Package signaling is the HTTP+WebSocket boundary of the relay: it exposes
// the pairing API, upgrades connections into rooms, and hands raw frames to
// the room hub. It also provides the client half used by native peers.
package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/secure-chat/pairing-relay/internal/config"
	"github.com/secure-chat/pairing-relay/internal/httpserver"
	"github.com/secure-chat/pairing-relay/internal/metrics"
	"github.com/secure-chat/pairing-relay/internal/origin"
	"github.com/secure-chat/pairing-relay/internal/pairing"
	"github.com/secure-chat/pairing-relay/internal/ratelimit"
	"github.com/secure-chat/pairing-relay/internal/roomhub"
)

// Server is the signaling gateway.
//
// It performs no authentication beyond code possession: anyone who learns a
// live pairing code can join its room. That trust model is the deliberate
// scope boundary of the pairing flow.
type Server struct {
	log     *slog.Logger
	cfg     config.Config
	pairing *pairing.Registry
	hub     *roomhub.Hub
	metrics *metrics.Metrics

	upgrader websocket.Upgrader
}

func NewServer(cfg config.Config, logger *slog.Logger, registry *pairing.Registry, hub *roomhub.Hub, m *metrics.Metrics) *Server {
	s := &Server{
		log:     logger,
		cfg:     cfg,
		pairing: registry,
		hub:     hub,
		metrics: m,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  int(cfg.MaxMessageBytes),
		WriteBufferSize: int(cfg.MaxMessageBytes),
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/share/create", s.handleCreate)
	mux.HandleFunc("POST /api/share/verify", s.handleVerify)
	mux.HandleFunc("GET /api/ice", s.handleICE)
	mux.HandleFunc("GET /ws", s.handleWS)
}

// Handler provides minimal routing for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

type createResponse struct {
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expiresAt"`
}

type verifyRequest struct {
	ID string `json:"id"`
}

type verifyResponse struct {
	OK        bool   `json:"ok"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	code, err := s.pairing.Issue()
	if err != nil {
		s.log.Error("pairing issue failed", "err", err)
		httpserver.WriteJSON(w, http.StatusServiceUnavailable, verifyResponse{OK: false, Reason: "unavailable"})
		return
	}

	s.log.Info("pairing code issued", "code", code.Code, "expires_at", code.ExpiresAt)
	httpserver.WriteJSON(w, http.StatusOK, createResponse{
		ID:        code.Code,
		ExpiresAt: code.ExpiresAt.UnixMilli(),
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.WriteJSON(w, http.StatusBadRequest, verifyResponse{OK: false, Reason: "invalid json"})
		return
	}
	if req.ID == "" {
		httpserver.WriteJSON(w, http.StatusBadRequest, verifyResponse{OK: false, Reason: "id required"})
		return
	}

	expiresAt, err := s.pairing.Verify(req.ID)
	switch {
	case errors.Is(err, pairing.ErrNotFound):
		// Absence of a valid room is an expected outcome, not a server
		// fault, so the status stays 200.
		httpserver.WriteJSON(w, http.StatusOK, verifyResponse{OK: false, Reason: "not_found"})
	case errors.Is(err, pairing.ErrExpired):
		httpserver.WriteJSON(w, http.StatusOK, verifyResponse{OK: false, Reason: "expired"})
	case err != nil:
		s.log.Error("pairing verify failed", "err", err)
		httpserver.WriteJSON(w, http.StatusInternalServerError, verifyResponse{OK: false, Reason: "internal"})
	default:
		httpserver.WriteJSON(w, http.StatusOK, verifyResponse{OK: true, ExpiresAt: expiresAt.UnixMilli()})
	}
}

type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

// handleICE hands peers the ICE server list they should dial with, so the
// STUN configuration lives in one place.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, iceResponse{ICEServers: s.cfg.ICEServers()})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" {
		// Non-browser peers (CLI, tests) send no Origin.
		return true
	}
	normalized, host, ok := origin.NormalizeHeader(header)
	if !ok || !origin.IsAllowed(normalized, host, r.Host, s.cfg.AllowedOrigins) {
		s.metrics.Inc(metrics.WSOriginRejected)
		return false
	}
	return true
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	room := r.URL.Query().Get("room")
	if room == "" {
		s.metrics.Inc(metrics.WSMissingRoom)
		writeClose(ws, websocket.ClosePolicyViolation, "room required")
		_ = ws.Close()
		return
	}

	c := newConn(ws, s.cfg.SendQueueFrames, s.cfg.WSPingInterval)
	s.hub.Join(room, c)
	s.metrics.Inc(metrics.WSJoin)
	s.log.Info("ws client joined", "room", room, "remote_addr", ws.RemoteAddr().String(), "members", s.hub.MemberCount(room))

	go c.writePump()
	s.readLoop(room, c)

	s.hub.Leave(room, c)
	s.metrics.Inc(metrics.WSLeave)
	s.log.Info("ws client left", "room", room, "remote_addr", ws.RemoteAddr().String(), "members", s.hub.MemberCount(room))
	c.shutdown()
}

// readLoop relays inbound text frames until the connection dies. The relay
// is pass-through: no type-specific handling happens at this layer.
func (s *Server) readLoop(room string, c *conn) {
	ws := c.ws
	ws.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))
	})

	limiter := ratelimit.NewFrameLimiter(ratelimit.RealClock{}, s.cfg.MaxMessagesPerSecond)

	for {
		msgType, frame, err := ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				s.metrics.Inc(metrics.WSFrameTooLarge)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))

		if !limiter.Allow() {
			s.metrics.Inc(metrics.WSRateLimited)
			writeClose(ws, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			// The room channel carries opaque text frames only.
			s.metrics.Inc(metrics.WSNonTextDropped)
			continue
		}

		s.hub.Relay(room, c, frame)
	}
}
