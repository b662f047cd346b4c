package approval

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/basket/agentbridge/internal/agent"
	"github.com/basket/agentbridge/internal/apierr"
	"github.com/basket/agentbridge/internal/events"
	otelPkg "github.com/basket/agentbridge/internal/otel"
)

const (
	methodCommandApproval = "item/commandExecution/requestApproval"
	methodFileApproval    = "item/fileChange/requestApproval"

	rpcMethodNotFound = -32601
)

type approvalType int

const (
	typeCommand approvalType = iota
	typeFile
)

// Responder is the RPC reply surface the coordinator needs.
type Responder interface {
	Respond(id json.RawMessage, result any) error
	RespondError(id json.RawMessage, code int, message string) error
}

// Publisher is the event-bus surface the coordinator needs.
type Publisher interface {
	Publish(event events.Event) events.Envelope
}

type pendingApproval struct {
	rpcID json.RawMessage
	kind  approvalType
}

// Coordinator holds agent-initiated approval requests until a human
// decides. Each request gets a fresh opaque requestId; the wire-level
// RPC id is retained so the decision can be relayed back as the
// response to the agent's original request. Entries have no expiry: an
// unanswered approval (and the agent turn blocked on it) stays pending
// indefinitely.
type Coordinator struct {
	rpc     Responder
	bus     Publisher
	logger  *slog.Logger
	metrics *otelPkg.Metrics

	mu      sync.Mutex
	pending map[string]pendingApproval
}

func NewCoordinator(rpc Responder, bus Publisher, logger *slog.Logger, metrics *otelPkg.Metrics) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		rpc:     rpc,
		bus:     bus,
		logger:  logger,
		metrics: metrics,
		pending: make(map[string]pendingApproval),
	}
}

type approvalParams struct {
	ItemID    string   `json:"itemId"`
	ThreadID  string   `json:"threadId"`
	TurnID    string   `json:"turnId"`
	Reason    string   `json:"reason"`
	Command   []string `json:"command"`
	Cwd       string   `json:"cwd"`
	GrantRoot string   `json:"grantRoot"`
}

// HandleServerRequest implements agent.ServerRequestHandler. Approval
// methods are stored and published; anything else gets an immediate
// method-not-found reply.
func (c *Coordinator) HandleServerRequest(req agent.ServerRequest) {
	switch req.Method {
	case methodCommandApproval:
		c.accept(req, typeCommand)
	case methodFileApproval:
		c.accept(req, typeFile)
	default:
		c.logger.Warn("unhandled server request from agent", "method", req.Method)
		if err := c.rpc.RespondError(req.ID, rpcMethodNotFound, "Unsupported method: "+req.Method); err != nil {
			c.logger.Error("failed to reject server request", "method", req.Method, "error", err)
		}
	}
}

func (c *Coordinator) accept(req agent.ServerRequest, kind approvalType) {
	var params approvalParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			c.logger.Warn("undecodable approval params", "method", req.Method, "error", err)
		}
	}

	requestID := uuid.NewString()
	c.mu.Lock()
	c.pending[requestID] = pendingApproval{rpcID: req.ID, kind: kind}
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.ApprovalsPending.Add(context.Background(), 1)
	}

	switch kind {
	case typeCommand:
		c.bus.Publish(events.Event{
			Type: events.TypeApprovalCommandRequested,
			Payload: events.CommandApprovalPayload{
				RequestID: requestID,
				ItemID:    params.ItemID,
				ThreadID:  params.ThreadID,
				TurnID:    params.TurnID,
				Reason:    params.Reason,
				Command:   params.Command,
				Cwd:       params.Cwd,
			},
		})
	case typeFile:
		c.bus.Publish(events.Event{
			Type: events.TypeApprovalFileChangeRequested,
			Payload: events.FileApprovalPayload{
				RequestID: requestID,
				ItemID:    params.ItemID,
				ThreadID:  params.ThreadID,
				TurnID:    params.TurnID,
				Reason:    params.Reason,
				GrantRoot: params.GrantRoot,
			},
		})
	}
	c.logger.Info("approval requested", "request_id", requestID, "method", req.Method)
}

// ApproveCommand resolves a pending command approval. The decision
// becomes the result of the agent's original RPC request. A consumed or
// unknown requestId fails with approval-not-found.
func (c *Coordinator) ApproveCommand(requestID string, decision CommandDecision) error {
	entry, err := c.take(requestID, typeCommand, "Command approval request not found")
	if err != nil {
		return err
	}
	return c.rpc.Respond(entry.rpcID, decision)
}

// ApproveFileChange resolves a pending file-change approval.
func (c *Coordinator) ApproveFileChange(requestID string, decision FileDecision) error {
	entry, err := c.take(requestID, typeFile, "File change approval request not found")
	if err != nil {
		return err
	}
	return c.rpc.Respond(entry.rpcID, decision)
}

// PendingCount reports how many approvals await a decision.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Coordinator) take(requestID string, kind approvalType, notFoundMsg string) (pendingApproval, error) {
	c.mu.Lock()
	entry, ok := c.pending[requestID]
	if ok && entry.kind == kind {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()

	if !ok || entry.kind != kind {
		return pendingApproval{}, apierr.New(apierr.CodeApprovalNotFound, notFoundMsg, http.StatusNotFound)
	}
	if c.metrics != nil {
		c.metrics.ApprovalsPending.Add(context.Background(), -1)
	}
	return entry, nil
}
