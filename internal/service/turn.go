package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/agentbridge/internal/config"
	"github.com/basket/agentbridge/internal/shared"
)

// TurnService starts, steers, and interrupts turns. Interrupting is a
// new RPC call, not a cancellation of the in-flight one.
type TurnService struct {
	rpc Requester
	cfg config.AgentConfig
}

func NewTurnService(rpc Requester, cfg config.AgentConfig) *TurnService {
	return &TurnService{rpc: rpc, cfg: cfg}
}

// StartTurnRequest is the HTTP-facing turn body. Input is passed to the
// agent verbatim (a string or structured content list).
type StartTurnRequest struct {
	Input       json.RawMessage `json:"input"`
	Model       string          `json:"model,omitempty"`
	Effort      string          `json:"effort,omitempty"`
	Summary     string          `json:"summary,omitempty"`
	Personality string          `json:"personality,omitempty"`
	Cwd         string          `json:"cwd,omitempty"`
}

type StartTurnResponse struct {
	TurnID string `json:"turnId"`
}

type SteerTurnRequest struct {
	Input json.RawMessage `json:"input"`
}

func (s *TurnService) Start(ctx context.Context, threadID string, req StartTurnRequest) (StartTurnResponse, error) {
	ctx = shared.WithThreadID(ctx, threadID)
	cwd := req.Cwd
	if cwd == "" {
		cwd = s.cfg.Cwd
	}

	result, err := s.rpc.Request(ctx, "turn/start", map[string]any{
		"threadId":       threadID,
		"input":          req.Input,
		"model":          req.Model,
		"effort":         req.Effort,
		"summary":        req.Summary,
		"personality":    req.Personality,
		"cwd":            cwd,
		"approvalPolicy": s.cfg.ApprovalPolicy,
		"sandboxPolicy":  sandboxPolicy(s.cfg),
	}, 0)
	if err != nil {
		return StartTurnResponse{}, err
	}

	var parsed struct {
		Turn struct {
			ID string `json:"id"`
		} `json:"turn"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil || parsed.Turn.ID == "" {
		return StartTurnResponse{}, fmt.Errorf("agent turn result missing turn.id")
	}
	return StartTurnResponse{TurnID: parsed.Turn.ID}, nil
}

func (s *TurnService) Steer(ctx context.Context, threadID, turnID string, req SteerTurnRequest) error {
	ctx = shared.WithThreadID(ctx, threadID)
	_, err := s.rpc.Request(ctx, "turn/steer", map[string]any{
		"threadId": threadID,
		"turnId":   turnID,
		"input":    req.Input,
	}, 0)
	return err
}

func (s *TurnService) Interrupt(ctx context.Context, threadID, turnID string) error {
	ctx = shared.WithThreadID(ctx, threadID)
	_, err := s.rpc.Request(ctx, "turn/interrupt", map[string]any{
		"threadId": threadID,
		"turnId":   turnID,
	}, 0)
	return err
}
