package agent

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/basket/agentbridge/internal/events"
)

// Publisher is the event-bus surface the router needs.
type Publisher interface {
	Publish(event events.Event) events.Envelope
}

// unknownCommandLabel stands in when a commandExecution item carries a
// command in none of the recognized shapes.
const unknownCommandLabel = "(unknown)"

// Router translates inbound wire notifications into UI events. Upstream
// notifications are inconsistently annotated: deltas carry only an
// itemId, items sometimes only a turnId. The router keeps a correlation
// cache (turn→thread, item→thread, turn→items) populated
// opportunistically from whatever identifiers each notification exposes
// and uses it to backfill threadId. A turn's entries are purged when
// that turn completes.
type Router struct {
	logger *slog.Logger
	bus    Publisher

	mu         sync.Mutex
	turnThread map[string]string
	itemThread map[string]string
	turnItems  map[string]map[string]struct{}
}

func NewRouter(bus Publisher, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:     logger,
		bus:        bus,
		turnThread: make(map[string]string),
		itemThread: make(map[string]string),
		turnItems:  make(map[string]map[string]struct{}),
	}
}

// wireParams is the superset of fields any routed notification may
// carry. Delta fields are pointers: first present of delta, textDelta,
// text wins even when empty.
type wireParams struct {
	AuthMode  *string `json:"authMode"`
	ThreadID  string  `json:"threadId"`
	TurnID    string  `json:"turnId"`
	ItemID    string  `json:"itemId"`
	Delta     *string `json:"delta"`
	TextDelta *string `json:"textDelta"`
	Text      *string `json:"text"`

	Thread struct {
		ID string `json:"id"`
	} `json:"thread"`

	Turn struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId"`
		Status   string `json:"status"`
		Error    struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"turn"`

	Item struct {
		ID       string          `json:"id"`
		Type     string          `json:"type"`
		Status   string          `json:"status"`
		ThreadID string          `json:"threadId"`
		TurnID   string          `json:"turnId"`
		Command  json.RawMessage `json:"command"`
		Tool     string          `json:"tool"`
		Query    string          `json:"query"`
	} `json:"item"`
}

// HandleNotification routes one notification. A panic while routing is
// caught and logged so one bad notification never stops the stream.
func (r *Router) HandleNotification(n Notification) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("notification routing panicked", "method", n.Method, "panic", p)
		}
	}()
	r.route(n)
}

func (r *Router) route(n Notification) {
	var p wireParams
	if len(n.Params) > 0 {
		if err := json.Unmarshal(n.Params, &p); err != nil {
			r.logger.Warn("undecodable notification params", "method", n.Method, "error", err)
			return
		}
	}

	switch n.Method {
	case "account/updated":
		r.bus.Publish(events.Event{
			Type:    events.TypeAuthUpdated,
			Payload: events.AuthUpdatedPayload{AuthMode: p.AuthMode},
		})

	case "thread/started":
		if p.Thread.ID == "" {
			return
		}
		r.bus.Publish(events.Event{
			Type:    events.TypeThreadStarted,
			Payload: events.ThreadStartedPayload{ThreadID: p.Thread.ID},
		})

	case "turn/started":
		if p.Turn.ID == "" || p.Turn.ThreadID == "" {
			return
		}
		r.mu.Lock()
		r.turnThread[p.Turn.ID] = p.Turn.ThreadID
		r.mu.Unlock()
		r.bus.Publish(events.Event{
			Type:    events.TypeTurnStarted,
			Payload: events.TurnStartedPayload{ThreadID: p.Turn.ThreadID, TurnID: p.Turn.ID},
		})

	case "turn/completed":
		r.routeTurnCompleted(&p)

	case "item/agentMessage/delta":
		r.routeDelta(&p, events.TypeAgentDelta)

	case "item/reasoning/summaryTextDelta":
		r.routeDelta(&p, events.TypeReasoningDelta)

	case "item/started":
		r.routeItem(&p, events.ToolStatusInProgress)

	case "item/completed":
		r.routeItem(&p, events.ToolStatusCompleted)
	}
}

func (r *Router) routeTurnCompleted(p *wireParams) {
	turnID := p.Turn.ID
	threadID := p.Turn.ThreadID
	if threadID == "" && turnID != "" {
		r.mu.Lock()
		threadID = r.turnThread[turnID]
		r.mu.Unlock()
	}

	if turnID != "" && threadID != "" {
		status := p.Turn.Status
		if status == "" {
			status = "failed"
		}
		r.bus.Publish(events.Event{
			Type: events.TypeTurnCompleted,
			Payload: events.TurnCompletedPayload{
				ThreadID: threadID,
				TurnID:   turnID,
				Status:   status,
				Error:    p.Turn.Error.Message,
			},
		})
	}

	if turnID != "" {
		r.purgeTurn(turnID)
	}
}

func (r *Router) routeDelta(p *wireParams, eventType events.Type) {
	itemID := p.ItemID
	if itemID == "" {
		itemID = p.Item.ID
	}
	text := firstPresent(p.Delta, p.TextDelta, p.Text)
	if itemID == "" || text == "" {
		return
	}

	threadID := r.resolveThreadID(p)
	if threadID == "" {
		r.logger.Warn("dropping delta with unresolved threadId", "item_id", itemID, "type", string(eventType))
		return
	}

	r.bus.Publish(events.Event{
		Type:    eventType,
		Payload: events.DeltaPayload{ThreadID: threadID, ItemID: itemID, Text: text},
	})
}

func (r *Router) routeItem(p *wireParams, baseStatus string) {
	itemID := p.Item.ID
	itemType := p.Item.Type
	if itemID == "" || itemType == "" {
		return
	}

	threadID := r.resolveThreadID(p)
	r.recordItem(p, itemID, threadID)

	if threadID == "" {
		r.logger.Warn("dropping item notification with unresolved threadId", "item_id", itemID, "item_type", itemType)
		return
	}

	switch itemType {
	case "commandExecution":
		status := baseStatus
		if baseStatus == events.ToolStatusCompleted &&
			(p.Item.Status == "failed" || p.Item.Status == "declined") {
			status = events.ToolStatusFailed
		}
		r.bus.Publish(events.Event{
			Type: events.TypeToolStatus,
			Payload: events.ToolStatusPayload{
				ThreadID: threadID,
				ItemID:   itemID,
				Tool:     "command:" + commandLabel(p.Item.Command),
				Status:   status,
			},
		})

	case "mcpToolCall":
		tool := p.Item.Tool
		if tool == "" {
			tool = "mcpTool"
		}
		status := baseStatus
		if baseStatus == events.ToolStatusCompleted && p.Item.Status == "failed" {
			status = events.ToolStatusFailed
		}
		r.bus.Publish(events.Event{
			Type: events.TypeToolStatus,
			Payload: events.ToolStatusPayload{
				ThreadID: threadID,
				ItemID:   itemID,
				Tool:     tool,
				Status:   status,
			},
		})

	case "webSearch":
		if baseStatus != events.ToolStatusCompleted {
			return
		}
		query := p.Item.Query
		if query == "" {
			query = "Search"
		}
		r.bus.Publish(events.Event{
			Type: events.TypeSourcesUpdated,
			Payload: events.SourcesUpdatedPayload{
				ThreadID: threadID,
				ItemID:   itemID,
				Sources:  []events.SourceRef{{Title: query, Provider: "webSearch"}},
			},
		})
	}
}

// resolveThreadID applies the backfill chain: explicit params.threadId,
// then the nested turn/item threadId, then the cache by itemId, then
// the cache by turnId. The order is load-bearing; do not reorder.
func (r *Router) resolveThreadID(p *wireParams) string {
	if p.ThreadID != "" {
		return p.ThreadID
	}
	if p.Turn.ThreadID != "" {
		return p.Turn.ThreadID
	}
	if p.Item.ThreadID != "" {
		return p.Item.ThreadID
	}

	itemID := p.ItemID
	if itemID == "" {
		itemID = p.Item.ID
	}
	turnID := p.TurnID
	if turnID == "" {
		turnID = p.Turn.ID
	}
	if turnID == "" {
		turnID = p.Item.TurnID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if itemID != "" {
		if threadID, ok := r.itemThread[itemID]; ok {
			return threadID
		}
	}
	if turnID != "" {
		if threadID, ok := r.turnThread[turnID]; ok {
			return threadID
		}
	}
	return ""
}

// recordItem updates the cache from an item notification so later
// deltas for the same item can resolve threadId from itemId alone.
func (r *Router) recordItem(p *wireParams, itemID, threadID string) {
	turnID := p.Item.TurnID
	if turnID == "" {
		turnID = p.TurnID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if threadID != "" {
		r.itemThread[itemID] = threadID
		if turnID != "" {
			if _, ok := r.turnThread[turnID]; !ok {
				r.turnThread[turnID] = threadID
			}
		}
	}
	if turnID != "" {
		items, ok := r.turnItems[turnID]
		if !ok {
			items = make(map[string]struct{})
			r.turnItems[turnID] = items
		}
		items[itemID] = struct{}{}
	}
}

func (r *Router) purgeTurn(turnID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for itemID := range r.turnItems[turnID] {
		delete(r.itemThread, itemID)
	}
	delete(r.turnItems, turnID)
	delete(r.turnThread, turnID)
}

func firstPresent(candidates ...*string) string {
	for _, c := range candidates {
		if c != nil {
			return *c
		}
	}
	return ""
}

// commandLabel renders a human-readable label for a commandExecution
// item. The wire carries the command as an argv array, a plain string,
// or (for network-scoped approvals) a {protocol, host} object.
func commandLabel(raw json.RawMessage) string {
	if len(raw) == 0 {
		return unknownCommandLabel
	}

	var argv []string
	if err := json.Unmarshal(raw, &argv); err == nil {
		return strings.Join(argv, " ")
	}

	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}

	var network struct {
		Protocol string `json:"protocol"`
		Host     string `json:"host"`
	}
	if err := json.Unmarshal(raw, &network); err == nil && network.Host != "" {
		return network.Protocol + "://" + network.Host
	}

	return unknownCommandLabel
}
