// Package gateway is the HTTP surface: REST routes for threads, turns,
// auth, approvals, and tunnel management, plus the SSE event stream.
// Handlers translate between HTTP and the domain services; every error
// crossing this boundary is rendered as the stable {code, message}
// envelope.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/basket/agentbridge/internal/apierr"
	"github.com/basket/agentbridge/internal/approval"
	"github.com/basket/agentbridge/internal/config"
	"github.com/basket/agentbridge/internal/service"
	"github.com/basket/agentbridge/internal/shared"
	"github.com/basket/agentbridge/internal/tunnel"
)

// ThreadAPI is the thread service surface the gateway consumes.
type ThreadAPI interface {
	Create(ctx context.Context, req service.CreateThreadRequest) (service.CreateThreadResponse, error)
	Resume(ctx context.Context, threadID, personality string) (service.CreateThreadResponse, error)
	List(ctx context.Context, req service.ThreadListRequest) (json.RawMessage, error)
	Read(ctx context.Context, threadID string) (json.RawMessage, error)
	ListMessages(ctx context.Context, threadID string, req service.MessageListRequest) (service.MessageListResponse, error)
}

// TurnAPI is the turn service surface the gateway consumes.
type TurnAPI interface {
	Start(ctx context.Context, threadID string, req service.StartTurnRequest) (service.StartTurnResponse, error)
	Steer(ctx context.Context, threadID, turnID string, req service.SteerTurnRequest) error
	Interrupt(ctx context.Context, threadID, turnID string) error
}

// AuthAPI is the account service surface the gateway consumes.
type AuthAPI interface {
	StartChatGPTLogin(ctx context.Context) (service.StartLoginResponse, error)
	CancelChatGPTLogin(ctx context.Context, loginID string) error
	ReadState(ctx context.Context) (service.AuthStateResponse, error)
	ListModels(ctx context.Context, limit int, includeHidden bool) (json.RawMessage, error)
}

// ApprovalAPI resolves pending approvals.
type ApprovalAPI interface {
	ApproveCommand(requestID string, decision approval.CommandDecision) error
	ApproveFileChange(requestID string, decision approval.FileDecision) error
}

// EventStream attaches SSE clients.
type EventStream interface {
	Attach(w http.ResponseWriter, lastEventID, origin string) (detach func(), done <-chan struct{}, err error)
}

// Tunnel is the tunnel supervisor surface the gateway consumes.
type Tunnel interface {
	Enable(ctx context.Context, password string) (tunnel.EnableResponse, error)
	Disable() tunnel.EnableResponse
	Login(password, nextPath string) (sessionID, redirectTo string, err error)
	Logout(sessionID string)
	IsSessionValid(sessionID string) bool
	ReadAdminState(ctx context.Context, canManage bool) tunnel.AdminState
	SessionCookieName() string
	PublicHost() string
}

type Config struct {
	Logger *slog.Logger
	Server config.ServerConfig

	Threads   ThreadAPI
	Turns     TurnAPI
	Auth      AuthAPI
	Approvals ApprovalAPI
	Events    EventStream
	Tunnel    Tunnel

	// AgentState reports the supervisor state for /healthz; nil is fine.
	AgentState func() string
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

// Handler builds the full route table wrapped in the CORS and body-limit
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /v1/threads", s.handleCreateThread)
	mux.HandleFunc("GET /v1/threads", s.handleListThreads)
	mux.HandleFunc("GET /v1/threads/{threadID}", s.handleReadThread)
	mux.HandleFunc("POST /v1/threads/{threadID}/resume", s.handleResumeThread)
	mux.HandleFunc("GET /v1/threads/{threadID}/messages", s.handleListMessages)
	mux.HandleFunc("POST /v1/threads/{threadID}/turns", s.handleStartTurn)
	mux.HandleFunc("POST /v1/threads/{threadID}/turns/{turnID}/steer", s.handleSteerTurn)
	mux.HandleFunc("POST /v1/threads/{threadID}/turns/{turnID}/interrupt", s.handleInterruptTurn)

	mux.HandleFunc("POST /v1/auth/chatgpt/start", s.handleStartLogin)
	mux.HandleFunc("POST /v1/auth/chatgpt/cancel", s.handleCancelLogin)
	mux.HandleFunc("GET /v1/auth/state", s.handleAuthState)
	mux.HandleFunc("GET /v1/models", s.handleListModels)

	mux.HandleFunc("POST /v1/approvals/command", s.handleApproveCommand)
	mux.HandleFunc("POST /v1/approvals/file-change", s.handleApproveFileChange)

	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("GET /v1/tunnel/admin/state", s.handleTunnelAdminState)
	mux.HandleFunc("POST /v1/tunnel/admin/enable", s.handleTunnelEnable)
	mux.HandleFunc("POST /v1/tunnel/admin/disable", s.handleTunnelDisable)
	mux.HandleFunc("POST /v1/tunnel/public/login", s.handleTunnelLogin)
	mux.HandleFunc("POST /v1/tunnel/public/logout", s.handleTunnelLogout)
	mux.HandleFunc("GET /v1/tunnel/public/session/check", s.handleTunnelSessionCheck)

	var handler http.Handler = mux
	handler = requestSizeLimit(s.cfg.Server.BodyLimitBytes)(handler)
	handler = traceMiddleware(handler)
	handler = s.corsMiddleware()(handler)
	return handler
}

// traceMiddleware generates a trace_id for each request so log lines
// across the gateway, services, and agent client correlate.
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{"healthy": true}
	if s.cfg.AgentState != nil {
		payload["agent_state"] = s.cfg.AgentState()
	}
	writeJSON(w, http.StatusOK, payload)
}

// --- threads ---

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req service.CreateThreadRequest
	if err := decodeBody(r, createThreadSchema, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.cfg.Threads.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResumeThread(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Personality string `json:"personality"`
	}
	if err := decodeBody(r, resumeThreadSchema, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.cfg.Threads.Resume(r.Context(), r.PathValue("threadID"), req.Personality)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	raw, err := s.cfg.Threads.List(r.Context(), service.ThreadListRequest{
		Cursor: r.URL.Query().Get("cursor"),
		Limit:  queryInt(r, "limit"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeRawJSON(w, raw)
}

func (s *Server) handleReadThread(w http.ResponseWriter, r *http.Request) {
	raw, err := s.cfg.Threads.Read(r.Context(), r.PathValue("threadID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeRawJSON(w, raw)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	resp, err := s.cfg.Threads.ListMessages(r.Context(), r.PathValue("threadID"), service.MessageListRequest{
		Cursor: r.URL.Query().Get("cursor"),
		Limit:  queryInt(r, "limit"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- turns ---

func (s *Server) handleStartTurn(w http.ResponseWriter, r *http.Request) {
	var req service.StartTurnRequest
	if err := decodeBody(r, startTurnSchema, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.cfg.Turns.Start(r.Context(), r.PathValue("threadID"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSteerTurn(w http.ResponseWriter, r *http.Request) {
	var req service.SteerTurnRequest
	if err := decodeBody(r, steerTurnSchema, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.cfg.Turns.Steer(r.Context(), r.PathValue("threadID"), r.PathValue("turnID"), req); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse())
}

func (s *Server) handleInterruptTurn(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Turns.Interrupt(r.Context(), r.PathValue("threadID"), r.PathValue("turnID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse())
}

// --- auth ---

func (s *Server) handleStartLogin(w http.ResponseWriter, r *http.Request) {
	resp, err := s.cfg.Auth.StartChatGPTLogin(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LoginID string `json:"loginId"`
	}
	if err := decodeBody(r, cancelLoginSchema, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.cfg.Auth.CancelChatGPTLogin(r.Context(), req.LoginID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse())
}

func (s *Server) handleAuthState(w http.ResponseWriter, r *http.Request) {
	resp, err := s.cfg.Auth.ReadState(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	raw, err := s.cfg.Auth.ListModels(r.Context(), queryInt(r, "limit"), r.URL.Query().Get("includeHidden") == "true")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeRawJSON(w, raw)
}

// --- approvals ---

func (s *Server) handleApproveCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID string          `json:"requestId"`
		Decision  json.RawMessage `json:"decision"`
	}
	if err := decodeBody(r, approvalSchema, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	decision, err := approval.ParseCommandDecision(req.Decision)
	if err != nil {
		s.writeError(w, r, apierr.Invalid(err.Error()))
		return
	}
	if err := s.cfg.Approvals.ApproveCommand(req.RequestID, decision); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse())
}

func (s *Server) handleApproveFileChange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID string          `json:"requestId"`
		Decision  json.RawMessage `json:"decision"`
	}
	if err := decodeBody(r, approvalSchema, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	decision, err := approval.ParseFileDecision(req.Decision)
	if err != nil {
		s.writeError(w, r, apierr.Invalid(err.Error()))
		return
	}
	if err := s.cfg.Approvals.ApproveFileChange(req.RequestID, decision); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse())
}

// --- events ---

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		lastEventID = r.URL.Query().Get("lastEventId")
	}

	detach, done, err := s.cfg.Events.Attach(w, lastEventID, r.Header.Get("Origin"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer detach()

	select {
	case <-r.Context().Done():
	case <-done:
	}
}

// --- helpers ---

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := apierr.From(err)
	if apiErr == nil {
		s.logger.Error("request failed",
			"method", r.Method, "path", r.URL.Path, "error", err,
			"trace_id", shared.TraceID(r.Context()))
		apiErr = apierr.New("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
	} else if apiErr.Status >= http.StatusInternalServerError {
		s.logger.Warn("request failed",
			"method", r.Method, "path", r.URL.Path, "code", apiErr.Code, "error", apiErr.Message,
			"trace_id", shared.TraceID(r.Context()))
	}
	writeJSON(w, apiErr.Status, map[string]string{
		"code":    apiErr.Code,
		"message": apiErr.Message,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeRawJSON(w http.ResponseWriter, raw json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func okResponse() map[string]bool {
	return map[string]bool{"ok": true}
}

func queryInt(r *http.Request, key string) int {
	if n, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && n > 0 {
		return n
	}
	return 0
}
