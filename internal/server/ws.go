package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"agentbridge/internal/bridge"
	"agentbridge/internal/logging"
	"agentbridge/internal/registry"
)

// maxFrameBytes bounds one socket frame, matching the subprocess line cap.
const maxFrameBytes = 10 * 1024 * 1024

// handleWS upgrades the socket and registers it under the requested role.
// ?role=upstream claims the single upstream slot, displacing any holder;
// everything else is a client.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
		CheckOrigin:     s.checkOrigin,
		// Failed upgrades surface as a server error, not gorilla's default
		// 400/403 split.
		Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
			http.Error(w, "websocket upgrade failed", http.StatusInternalServerError)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Get(logging.CategoryServer).Warn("ws upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	role := registry.RoleClient
	if r.URL.Query().Get("role") == string(registry.RoleUpstream) {
		role = registry.RoleUpstream
	}
	rec := s.registry.Register(conn, role)
	logging.Server("socket connected: %s role=%s from %s", rec.ID, role, r.RemoteAddr)

	go s.readLoop(rec)
}

// checkOrigin admits non-browser clients (no Origin header) always and
// browser origins per the configured allowlist. An empty allowlist means
// same-host only.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if len(s.cfg.Server.AllowedOrigins) == 0 {
		return strings.EqualFold(u.Host, r.Host)
	}
	for _, allowed := range s.cfg.Server.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

// readLoop pumps one socket until it dies. Any read error tears the record
// down; the registry owns the disconnect fan-out from there.
func (s *Server) readLoop(rec *registry.ConnectionRecord) {
	defer s.registry.Unregister(rec.ID)

	conn := rec.Conn()
	conn.SetReadLimit(maxFrameBytes)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.ServerDebug("socket %s read ended: %v", rec.ID, err)
			}
			return
		}
		s.handleFrame(rec, data)
	}
}

// handleFrame routes one inbound frame. Upstream frames flow to clients,
// tool responses resolve their pending request, and everything else from a
// client heads upstream through the chain.
func (s *Server) handleFrame(rec *registry.ConnectionRecord, data []byte) {
	if rec.Role == registry.RoleUpstream {
		// Synchronous delivery on this connection's read loop keeps the
		// upstream stream's frames in arrival order.
		env := bridge.NewEnvelope(bridge.DirectionFromUpstream, data, rec.ID)
		s.chain.Run(context.Background(), env)
		return
	}

	if head := bridge.PeekHead(data); head.Type == "tool_response" {
		var resp bridge.ToolResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			logging.Get(logging.CategoryServer).Warn("malformed tool_response from %s: %v", rec.ID, err)
			return
		}
		s.correlator.Resolve(resp)
		return
	}

	env := bridge.NewEnvelope(bridge.DirectionToUpstream, data, rec.ID).
		WithSession(s.adapter.SessionID(), "")
	s.chain.Dispatch(context.Background(), env)
}
