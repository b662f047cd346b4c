package service

import (
	"context"
	"encoding/json"
	"fmt"
)

// AuthService exposes the agent's account operations: the interactive
// ChatGPT login flow, current auth state, and the model catalog.
type AuthService struct {
	rpc Requester
}

func NewAuthService(rpc Requester) *AuthService {
	return &AuthService{rpc: rpc}
}

type StartLoginResponse struct {
	LoginID string `json:"loginId"`
	AuthURL string `json:"authUrl"`
}

// AuthStateResponse reports how the agent is authenticated. AuthMode is
// null when no account is configured.
type AuthStateResponse struct {
	AuthMode *string         `json:"authMode"`
	Account  json.RawMessage `json:"account"`
}

func (s *AuthService) StartChatGPTLogin(ctx context.Context) (StartLoginResponse, error) {
	result, err := s.rpc.Request(ctx, "account/login/start", map[string]any{
		"type": "chatgpt",
	}, 0)
	if err != nil {
		return StartLoginResponse{}, err
	}

	var parsed StartLoginResponse
	if err := json.Unmarshal(result, &parsed); err != nil || parsed.LoginID == "" {
		return StartLoginResponse{}, fmt.Errorf("agent login result missing loginId")
	}
	return parsed, nil
}

func (s *AuthService) CancelChatGPTLogin(ctx context.Context, loginID string) error {
	_, err := s.rpc.Request(ctx, "account/login/cancel", map[string]any{
		"loginId": loginID,
	}, 0)
	return err
}

func (s *AuthService) ReadState(ctx context.Context) (AuthStateResponse, error) {
	result, err := s.rpc.Request(ctx, "account/read", map[string]any{
		"refreshToken": false,
	}, 0)
	if err != nil {
		return AuthStateResponse{}, err
	}

	var parsed struct {
		Account json.RawMessage `json:"account"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return AuthStateResponse{}, fmt.Errorf("decode account/read result: %w", err)
	}

	resp := AuthStateResponse{Account: parsed.Account}
	var account struct {
		Type string `json:"type"`
	}
	if len(parsed.Account) > 0 {
		_ = json.Unmarshal(parsed.Account, &account)
	}

	switch account.Type {
	case "apiKey":
		mode := "apikey"
		resp.AuthMode = &mode
	case "chatgpt":
		mode := "chatgpt"
		resp.AuthMode = &mode
	case "chatgptAuthTokens":
		mode := "chatgptAuthTokens"
		resp.AuthMode = &mode
	}
	return resp, nil
}

// ListModels returns the agent's model catalog verbatim.
func (s *AuthService) ListModels(ctx context.Context, limit int, includeHidden bool) (json.RawMessage, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.rpc.Request(ctx, "model/list", map[string]any{
		"limit":         limit,
		"includeHidden": includeHidden,
	}, 0)
}
