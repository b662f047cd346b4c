package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/basket/agentbridge/internal/config"
	"github.com/basket/agentbridge/internal/shared"
)

type rpcCall struct {
	method   string
	params   map[string]any
	threadID string
}

// scriptedRPC records calls and replies from a method → result table.
type scriptedRPC struct {
	calls   []rpcCall
	results map[string]string
	errs    map[string]error
}

func newScriptedRPC() *scriptedRPC {
	return &scriptedRPC{results: map[string]string{}, errs: map[string]error{}}
}

func (f *scriptedRPC) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	var decoded map[string]any
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		if err := json.Unmarshal(b, &decoded); err != nil {
			return nil, fmt.Errorf("params not an object: %w", err)
		}
	}
	f.calls = append(f.calls, rpcCall{method: method, params: decoded, threadID: shared.ThreadID(ctx)})

	if err := f.errs[method]; err != nil {
		return nil, err
	}
	result, ok := f.results[method]
	if !ok {
		return nil, fmt.Errorf("unexpected rpc method %q", method)
	}
	return json.RawMessage(result), nil
}

func (f *scriptedRPC) lastCall(t *testing.T, method string) rpcCall {
	t.Helper()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].method == method {
			return f.calls[i]
		}
	}
	t.Fatalf("no call with method %q", method)
	return rpcCall{}
}

func testAgentConfig() config.AgentConfig {
	return config.AgentConfig{
		Bin:            "agent",
		Cwd:            "/work",
		Model:          "gpt-5",
		ApprovalPolicy: "untrusted",
		WritableRoots:  []string{"/work"},
		NetworkAccess:  true,
	}
}

func TestCreateThreadAppliesConfigDefaults(t *testing.T) {
	rpc := newScriptedRPC()
	rpc.results["thread/start"] = `{"thread":{"id":"thread-1"}}`
	svc := NewThreadService(rpc, testAgentConfig(), 10)

	resp, err := svc.Create(context.Background(), CreateThreadRequest{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if resp.ThreadID != "thread-1" {
		t.Fatalf("threadId = %q", resp.ThreadID)
	}

	call := rpc.lastCall(t, "thread/start")
	if call.params["model"] != "gpt-5" || call.params["cwd"] != "/work" {
		t.Fatalf("params = %+v", call.params)
	}
	sandbox := call.params["sandboxPolicy"].(map[string]any)
	if sandbox["type"] != "workspaceWrite" || sandbox["networkAccess"] != true {
		t.Fatalf("sandboxPolicy = %+v", sandbox)
	}
}

func TestCreateThreadRequestOverridesConfig(t *testing.T) {
	rpc := newScriptedRPC()
	rpc.results["thread/start"] = `{"thread":{"id":"thread-1"}}`
	svc := NewThreadService(rpc, testAgentConfig(), 10)

	_, err := svc.Create(context.Background(), CreateThreadRequest{Model: "gpt-5-mini", Cwd: "/elsewhere"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	call := rpc.lastCall(t, "thread/start")
	if call.params["model"] != "gpt-5-mini" || call.params["cwd"] != "/elsewhere" {
		t.Fatalf("params = %+v", call.params)
	}
}

func TestResumeThreadSendsApprovalAndSandboxPolicy(t *testing.T) {
	rpc := newScriptedRPC()
	rpc.results["thread/resume"] = `{"thread":{"id":"thread-9"}}`
	svc := NewThreadService(rpc, testAgentConfig(), 10)

	resp, err := svc.Resume(context.Background(), "thread-9", "")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resp.ThreadID != "thread-9" {
		t.Fatalf("threadId = %q", resp.ThreadID)
	}
	call := rpc.lastCall(t, "thread/resume")
	if call.params["threadId"] != "thread-9" || call.params["approvalPolicy"] != "untrusted" {
		t.Fatalf("params = %+v", call.params)
	}
}

func TestListThreadsDefaultsAndCursor(t *testing.T) {
	rpc := newScriptedRPC()
	rpc.results["thread/list"] = `{"data":[],"nextCursor":null}`
	svc := NewThreadService(rpc, testAgentConfig(), 10)

	if _, err := svc.List(context.Background(), ThreadListRequest{}); err != nil {
		t.Fatalf("List: %v", err)
	}
	call := rpc.lastCall(t, "thread/list")
	if call.params["cursor"] != nil || call.params["limit"] != float64(30) || call.params["sortKey"] != "updated_at" {
		t.Fatalf("params = %+v", call.params)
	}

	if _, err := svc.List(context.Background(), ThreadListRequest{Cursor: "abc", Limit: 5}); err != nil {
		t.Fatalf("List with cursor: %v", err)
	}
	call = rpc.lastCall(t, "thread/list")
	if call.params["cursor"] != "abc" || call.params["limit"] != float64(5) {
		t.Fatalf("params = %+v", call.params)
	}
}

// historyThread builds a thread/read result with n alternating
// user/assistant messages, one turn per pair, no timestamps.
func historyThread(n int) string {
	type item map[string]any
	var turns []map[string]any
	for i := 0; i < n; i += 2 {
		turn := map[string]any{"items": []item{
			{
				"id":      fmt.Sprintf("u%d", i),
				"type":    "userMessage",
				"content": []map[string]any{{"type": "text", "text": fmt.Sprintf("question %d", i)}},
			},
			{
				"id":   fmt.Sprintf("a%d", i+1),
				"type": "agentMessage",
				"text": fmt.Sprintf("answer %d", i+1),
			},
		}}
		turns = append(turns, turn)
	}
	b, _ := json.Marshal(map[string]any{"thread": map[string]any{"id": "thread-1", "turns": turns}})
	return string(b)
}

func TestListMessagesNewestPageFirst(t *testing.T) {
	rpc := newScriptedRPC()
	rpc.results["thread/read"] = historyThread(10)
	svc := NewThreadService(rpc, testAgentConfig(), 4)

	resp, err := svc.ListMessages(context.Background(), "thread-1", MessageListRequest{})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(resp.Data) != 4 {
		t.Fatalf("page size = %d, want 4", len(resp.Data))
	}
	if resp.Data[0].ID != "u6" || resp.Data[3].ID != "a9" {
		t.Fatalf("page = %+v", resp.Data)
	}
	if resp.NextCursor == nil || *resp.NextCursor != "6" {
		t.Fatalf("nextCursor = %v, want 6", resp.NextCursor)
	}
}

func TestListMessagesWalksBackwardToExhaustion(t *testing.T) {
	rpc := newScriptedRPC()
	rpc.results["thread/read"] = historyThread(10)
	svc := NewThreadService(rpc, testAgentConfig(), 4)

	var pages [][]HistoryMessage
	cursor := ""
	for {
		resp, err := svc.ListMessages(context.Background(), "thread-1", MessageListRequest{Cursor: cursor})
		if err != nil {
			t.Fatalf("ListMessages: %v", err)
		}
		pages = append(pages, resp.Data)
		if resp.NextCursor == nil {
			break
		}
		cursor = *resp.NextCursor
	}

	if len(pages) != 3 {
		t.Fatalf("pages = %d, want 3", len(pages))
	}
	if len(pages[2]) != 2 {
		t.Fatalf("oldest page size = %d, want 2", len(pages[2]))
	}
	if pages[2][0].ID != "u0" {
		t.Fatalf("oldest message = %+v", pages[2][0])
	}
}

func TestListMessagesLimitClampAndBadCursor(t *testing.T) {
	rpc := newScriptedRPC()
	rpc.results["thread/read"] = historyThread(6)
	svc := NewThreadService(rpc, testAgentConfig(), 4)

	resp, err := svc.ListMessages(context.Background(), "thread-1", MessageListRequest{Cursor: "not-a-number", Limit: 500})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	// Unparseable cursor anchors at the end; limit clamps to 100.
	if len(resp.Data) != 6 || resp.NextCursor != nil {
		t.Fatalf("data = %d messages, nextCursor = %v", len(resp.Data), resp.NextCursor)
	}
}

func TestListMessagesSkipsEmptyAndUnknownItems(t *testing.T) {
	rpc := newScriptedRPC()
	rpc.results["thread/read"] = `{"thread":{"turns":[{"items":[
		{"id":"c1","type":"commandExecution"},
		{"id":"u1","type":"userMessage","content":[{"type":"text","text":""}]},
		{"id":"a1","type":"agentMessage","text":"kept"}
	]}]}}`
	svc := NewThreadService(rpc, testAgentConfig(), 10)

	resp, err := svc.ListMessages(context.Background(), "thread-1", MessageListRequest{})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].ID != "a1" {
		t.Fatalf("data = %+v", resp.Data)
	}
}

func TestListMessagesTimestampNormalization(t *testing.T) {
	rpc := newScriptedRPC()
	rpc.results["thread/read"] = `{"thread":{"turns":[
		{"updatedAt":1700000000,"items":[{"id":"a1","type":"agentMessage","text":"seconds"}]},
		{"createdAt":1700000000500,"items":[{"id":"a2","type":"agentMessage","text":"millis"}]},
		{"items":[{"id":"a3","type":"agentMessage","text":"fallback"}]}
	]}}`
	svc := NewThreadService(rpc, testAgentConfig(), 10)

	resp, err := svc.ListMessages(context.Background(), "thread-1", MessageListRequest{})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if resp.Data[0].CreatedAt != 1700000000000 {
		t.Fatalf("seconds timestamp = %d, want scaled to millis", resp.Data[0].CreatedAt)
	}
	if resp.Data[1].CreatedAt != 1700000000500 {
		t.Fatalf("millis timestamp = %d, want unchanged", resp.Data[1].CreatedAt)
	}
	if resp.Data[2].CreatedAt != 2000 {
		t.Fatalf("fallback timestamp = %d, want turnIndex*1000", resp.Data[2].CreatedAt)
	}
}

func TestListMessagesMultilineUserContent(t *testing.T) {
	rpc := newScriptedRPC()
	rpc.results["thread/read"] = `{"thread":{"turns":[{"items":[
		{"type":"userMessage","content":[
			{"type":"text","text":"first"},
			{"type":"image","text":"ignored"},
			{"type":"text","text":"second"}
		]}
	]}]}}`
	svc := NewThreadService(rpc, testAgentConfig(), 10)

	resp, err := svc.ListMessages(context.Background(), "thread-1", MessageListRequest{})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if resp.Data[0].Text != "first\nsecond" {
		t.Fatalf("text = %q", resp.Data[0].Text)
	}
	if resp.Data[0].ID != "thread-1-user-0-0" {
		t.Fatalf("fallback id = %q", resp.Data[0].ID)
	}
}
