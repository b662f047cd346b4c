package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/basket/agentbridge/internal/config"
	"github.com/basket/agentbridge/internal/shared"
)

const defaultListLimit = 30

// ThreadService wraps the agent's thread operations and reconstructs
// paginated message history from raw thread turns/items.
type ThreadService struct {
	rpc      Requester
	cfg      config.AgentConfig
	pageSize int
}

func NewThreadService(rpc Requester, cfg config.AgentConfig, pageSize int) *ThreadService {
	if pageSize <= 0 {
		pageSize = 10
	}
	return &ThreadService{rpc: rpc, cfg: cfg, pageSize: pageSize}
}

// CreateThreadRequest is the HTTP-facing create/resume body.
type CreateThreadRequest struct {
	Model       string `json:"model,omitempty"`
	Cwd         string `json:"cwd,omitempty"`
	Personality string `json:"personality,omitempty"`
}

type CreateThreadResponse struct {
	ThreadID string `json:"threadId"`
}

// ThreadListRequest carries opaque agent-side cursor pagination.
type ThreadListRequest struct {
	Cursor string
	Limit  int
}

// HistoryMessage is one reconstructed user or assistant message.
type HistoryMessage struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"createdAt"`
	ItemID    string `json:"itemId,omitempty"`
}

// MessageListResponse pages backward through a thread's history.
// NextCursor is null once the oldest message has been served.
type MessageListResponse struct {
	Data       []HistoryMessage `json:"data"`
	NextCursor *string          `json:"nextCursor"`
}

// MessageListRequest is the history pagination input. Cursor is the
// slice boundary index from a previous response's nextCursor.
type MessageListRequest struct {
	Cursor string
	Limit  int
}

func (s *ThreadService) Create(ctx context.Context, req CreateThreadRequest) (CreateThreadResponse, error) {
	model := req.Model
	if model == "" {
		model = s.cfg.Model
	}
	cwd := req.Cwd
	if cwd == "" {
		cwd = s.cfg.Cwd
	}

	result, err := s.rpc.Request(ctx, "thread/start", map[string]any{
		"model":          model,
		"cwd":            cwd,
		"approvalPolicy": s.cfg.ApprovalPolicy,
		"sandboxPolicy":  sandboxPolicy(s.cfg),
		"personality":    req.Personality,
	}, 0)
	if err != nil {
		return CreateThreadResponse{}, err
	}
	return parseThreadID(result)
}

func (s *ThreadService) Resume(ctx context.Context, threadID, personality string) (CreateThreadResponse, error) {
	ctx = shared.WithThreadID(ctx, threadID)
	result, err := s.rpc.Request(ctx, "thread/resume", map[string]any{
		"threadId":       threadID,
		"personality":    personality,
		"approvalPolicy": s.cfg.ApprovalPolicy,
		"sandboxPolicy":  sandboxPolicy(s.cfg),
	}, 0)
	if err != nil {
		return CreateThreadResponse{}, err
	}
	return parseThreadID(result)
}

// List returns the agent's thread list result verbatim; the cursor is
// opaque to this layer.
func (s *ThreadService) List(ctx context.Context, req ThreadListRequest) (json.RawMessage, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	var cursor any
	if req.Cursor != "" {
		cursor = req.Cursor
	}
	return s.rpc.Request(ctx, "thread/list", map[string]any{
		"cursor":  cursor,
		"limit":   limit,
		"sortKey": "updated_at",
	}, 0)
}

// Read returns the full thread, turns included, verbatim.
func (s *ThreadService) Read(ctx context.Context, threadID string) (json.RawMessage, error) {
	ctx = shared.WithThreadID(ctx, threadID)
	return s.rpc.Request(ctx, "thread/read", map[string]any{
		"threadId":     threadID,
		"includeTurns": true,
	}, 0)
}

// ListMessages reconstructs the user/assistant message history from the
// thread's turns and slices from the end backward: with no cursor the
// newest page is returned, and nextCursor is the boundary index for the
// page before it.
func (s *ThreadService) ListMessages(ctx context.Context, threadID string, req MessageListRequest) (MessageListResponse, error) {
	raw, err := s.Read(ctx, threadID)
	if err != nil {
		return MessageListResponse{}, err
	}

	messages, err := extractThreadMessages(threadID, raw)
	if err != nil {
		return MessageListResponse{}, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = s.pageSize
	}
	if limit > 100 {
		limit = 100
	}

	end := len(messages)
	if req.Cursor != "" {
		if parsed, parseErr := strconv.Atoi(req.Cursor); parseErr == nil {
			end = parsed
		}
	}
	if end < 0 {
		end = 0
	}
	if end > len(messages) {
		end = len(messages)
	}
	start := end - limit
	if start < 0 {
		start = 0
	}

	resp := MessageListResponse{Data: messages[start:end]}
	if start > 0 {
		cursor := strconv.Itoa(start)
		resp.NextCursor = &cursor
	}
	if resp.Data == nil {
		resp.Data = []HistoryMessage{}
	}
	return resp, nil
}

func parseThreadID(result json.RawMessage) (CreateThreadResponse, error) {
	var parsed struct {
		Thread struct {
			ID string `json:"id"`
		} `json:"thread"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil || parsed.Thread.ID == "" {
		return CreateThreadResponse{}, fmt.Errorf("agent thread result missing thread.id")
	}
	return CreateThreadResponse{ThreadID: parsed.Thread.ID}, nil
}

type wireContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type wireHistoryItem struct {
	ID      string            `json:"id"`
	Type    string            `json:"type"`
	Text    string            `json:"text"`
	Content []wireContentPart `json:"content"`
}

type wireHistoryTurn struct {
	UpdatedAt   *float64          `json:"updatedAt"`
	CompletedAt *float64          `json:"completedAt"`
	CreatedAt   *float64          `json:"createdAt"`
	StartedAt   *float64          `json:"startedAt"`
	Items       []wireHistoryItem `json:"items"`
}

// extractThreadMessages flattens user and agent messages out of the raw
// thread/read result, preserving the source's thread/turn/item order.
// Turns without a usable timestamp get a deterministic fallback derived
// from their index, so pagination boundaries stay stable across calls.
func extractThreadMessages(threadID string, raw json.RawMessage) ([]HistoryMessage, error) {
	var parsed struct {
		Thread struct {
			Turns []wireHistoryTurn `json:"turns"`
		} `json:"thread"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode thread/read result: %w", err)
	}

	var messages []HistoryMessage
	for turnIndex, turn := range parsed.Thread.Turns {
		base := turnTimestamp(turn, int64(turnIndex)*1000)

		for itemIndex, item := range turn.Items {
			createdAt := base + int64(itemIndex)

			switch item.Type {
			case "userMessage":
				text := joinUserText(item.Content)
				if text == "" {
					continue
				}
				messages = append(messages, HistoryMessage{
					ID:        fallbackID(item.ID, threadID, "user", turnIndex, itemIndex),
					Role:      "user",
					Text:      text,
					CreatedAt: createdAt,
					ItemID:    item.ID,
				})

			case "agentMessage":
				if item.Text == "" {
					continue
				}
				messages = append(messages, HistoryMessage{
					ID:        fallbackID(item.ID, threadID, "assistant", turnIndex, itemIndex),
					Role:      "assistant",
					Text:      item.Text,
					CreatedAt: createdAt,
					ItemID:    item.ID,
				})
			}
		}
	}
	return messages, nil
}

func turnTimestamp(turn wireHistoryTurn, fallback int64) int64 {
	for _, candidate := range []*float64{turn.UpdatedAt, turn.CompletedAt, turn.CreatedAt, turn.StartedAt} {
		if candidate != nil {
			// Second-resolution timestamps are scaled to millis.
			if *candidate < 1e12 {
				return int64(*candidate * 1000)
			}
			return int64(*candidate)
		}
	}
	return fallback
}

func joinUserText(content []wireContentPart) string {
	var chunks []string
	for _, part := range content {
		if part.Type == "text" && part.Text != "" {
			chunks = append(chunks, part.Text)
		}
	}
	return strings.TrimSpace(strings.Join(chunks, "\n"))
}

func fallbackID(itemID, threadID, role string, turnIndex, itemIndex int) string {
	if itemID != "" {
		return itemID
	}
	return fmt.Sprintf("%s-%s-%d-%d", threadID, role, turnIndex, itemIndex)
}
