package gateway

import (
	"net"
	"net/http"
	"strings"

	"github.com/basket/agentbridge/internal/apierr"
)

// manageTunnelHeader lets a trusted reverse proxy assert (or deny) admin
// rights explicitly; when absent, a literal loopback Host decides.
const manageTunnelHeader = "X-Agentbridge-Can-Manage-Tunnel"

func canManageTunnel(r *http.Request) bool {
	if flag := r.Header.Get(manageTunnelHeader); flag != "" {
		normalized := strings.ToLower(strings.TrimSpace(flag))
		return normalized == "true" || normalized == "1"
	}

	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1", "[::1]":
		return true
	}
	return false
}

func isSecureRequest(r *http.Request) bool {
	if proto := r.Header.Get("X-Forwarded-Proto"); strings.Contains(strings.ToLower(proto), "https") {
		return true
	}
	return r.TLS != nil
}

func (s *Server) sessionIDFromCookie(r *http.Request) string {
	cookie, err := r.Cookie(s.cfg.Tunnel.SessionCookieName())
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (s *Server) handleTunnelAdminState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Tunnel.ReadAdminState(r.Context(), canManageTunnel(r)))
}

func (s *Server) handleTunnelEnable(w http.ResponseWriter, r *http.Request) {
	if !canManageTunnel(r) {
		s.writeError(w, r, apierr.New(apierr.CodeTunnelForbidden,
			"Only localhost admin can change tunnel settings.", http.StatusForbidden))
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeBody(r, tunnelEnableSchema, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.cfg.Tunnel.Enable(r.Context(), req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTunnelDisable(w http.ResponseWriter, r *http.Request) {
	if !canManageTunnel(r) {
		s.writeError(w, r, apierr.New(apierr.CodeTunnelForbidden,
			"Only localhost admin can change tunnel settings.", http.StatusForbidden))
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Tunnel.Disable())
}

func (s *Server) handleTunnelLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
		Next     string `json:"next"`
	}
	if err := decodeBody(r, tunnelLoginSchema, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	sessionID, redirectTo, err := s.cfg.Tunnel.Login(req.Password, req.Next)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.Tunnel.SessionCookieName(),
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   isSecureRequest(r),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"redirectTo": redirectTo,
	})
}

func (s *Server) handleTunnelLogout(w http.ResponseWriter, r *http.Request) {
	s.cfg.Tunnel.Logout(s.sessionIDFromCookie(r))
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.Tunnel.SessionCookieName(),
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   isSecureRequest(r),
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, okResponse())
}

func (s *Server) handleTunnelSessionCheck(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tunnel.IsSessionValid(s.sessionIDFromCookie(r)) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusUnauthorized)
}
