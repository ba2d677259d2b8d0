package api

import (
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-link/internal/auth"
	"github.com/nerrad567/gray-logic-link/internal/transport"
)

// handleRPC upgrades the HTTP connection and attaches it to the registry as
// an inbound device. The caller authenticates with a ticket query parameter
// (from POST /api/v1/rpc/ticket) or a bearer token; either must carry the
// rpc:connect permission.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	subject, role, ok := s.rpcCaller(r)
	if !ok {
		writeUnauthorized(w, "ticket or bearer token is required")
		return
	}
	if !auth.HasPermission(role, auth.PermRPCConnect) {
		writeForbidden(w, auth.ErrForbidden.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	t := transport.NewWebSocket(conn, true, transport.WebSocketOptions{
		MaxMessageSize: int64(s.wsCfg.MaxMessageSize),
		PingInterval:   time.Duration(s.wsCfg.PingInterval) * time.Second,
		PongTimeout:    time.Duration(s.wsCfg.PongTimeout) * time.Second,
		Encrypted:      r.TLS != nil,
		Logger:         s.logger,
	})
	d := s.registry.Attach(t)

	s.logger.Info("rpc websocket attached",
		"device", d.ID(),
		"subject", subject,
		"remote", r.RemoteAddr,
	)
}

// rpcCaller identifies the caller of the RPC endpoint.
func (s *Server) rpcCaller(r *http.Request) (string, auth.Role, bool) {
	if ticket := r.URL.Query().Get("ticket"); ticket != "" {
		entry, ok := s.tickets.redeem(ticket, time.Now())
		if !ok {
			return "", "", false
		}
		return entry.subject, entry.role, true
	}

	token, ok := bearerToken(r)
	if !ok {
		return "", "", false
	}
	claims, err := auth.ParseToken(token, s.secCfg.JWT.Secret, s.secCfg.JWT.Issuer)
	if err != nil {
		return "", "", false
	}
	return claims.Subject, claims.Role, true
}
