// Package events defines the closed set of UI events emitted to browser
// clients and the bus that fans them out over Server-Sent Events.
package events

// Type names a UI event. The set is closed: routing maps every inbound
// agent notification to zero or one of these.
type Type string

const (
	TypeAuthUpdated                 Type = "auth.updated"
	TypeThreadStarted               Type = "thread.started"
	TypeTurnStarted                 Type = "turn.started"
	TypeTurnCompleted               Type = "turn.completed"
	TypeAgentDelta                  Type = "agent.delta"
	TypeReasoningDelta              Type = "reasoning.delta"
	TypeToolStatus                  Type = "tool.status"
	TypeSourcesUpdated              Type = "sources.updated"
	TypeApprovalCommandRequested    Type = "approval.command.requested"
	TypeApprovalFileChangeRequested Type = "approval.filechange.requested"
	TypeError                       Type = "error"
)

// Event is one UI event; Payload is one of the payload structs below.
type Event struct {
	Type    Type `json:"type"`
	Payload any  `json:"payload"`
}

// Envelope wraps an Event with a monotonic sequence id and timestamp for
// SSE delivery and replay. Immutable once created.
type Envelope struct {
	ID    string `json:"id"`
	TS    int64  `json:"ts"`
	Event Event  `json:"event"`
}

type AuthUpdatedPayload struct {
	AuthMode *string `json:"authMode"`
}

type ThreadStartedPayload struct {
	ThreadID string `json:"threadId"`
}

type TurnStartedPayload struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

type TurnCompletedPayload struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// DeltaPayload carries a streamed text fragment for agent.delta and
// reasoning.delta events.
type DeltaPayload struct {
	ThreadID string `json:"threadId"`
	ItemID   string `json:"itemId"`
	Text     string `json:"text"`
}

type ToolStatusPayload struct {
	ThreadID string `json:"threadId"`
	ItemID   string `json:"itemId"`
	Tool     string `json:"tool"`
	Status   string `json:"status"`
	Detail   string `json:"detail,omitempty"`
}

type SourceRef struct {
	Title    string `json:"title"`
	URL      string `json:"url,omitempty"`
	Provider string `json:"provider,omitempty"`
}

type SourcesUpdatedPayload struct {
	ThreadID string      `json:"threadId"`
	ItemID   string      `json:"itemId"`
	Sources  []SourceRef `json:"sources"`
}

type CommandApprovalPayload struct {
	RequestID string   `json:"requestId"`
	ItemID    string   `json:"itemId"`
	ThreadID  string   `json:"threadId"`
	TurnID    string   `json:"turnId"`
	Reason    string   `json:"reason,omitempty"`
	Command   []string `json:"command,omitempty"`
	Cwd       string   `json:"cwd,omitempty"`
}

type FileApprovalPayload struct {
	RequestID string `json:"requestId"`
	ItemID    string `json:"itemId"`
	ThreadID  string `json:"threadId"`
	TurnID    string `json:"turnId"`
	Reason    string `json:"reason,omitempty"`
	GrantRoot string `json:"grantRoot,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Tool status values for ToolStatusPayload.
const (
	ToolStatusInProgress = "inProgress"
	ToolStatusCompleted  = "completed"
	ToolStatusFailed     = "failed"
)
