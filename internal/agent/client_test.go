package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/agentbridge/internal/apierr"
	"github.com/basket/agentbridge/internal/events"
)

// fakeConn loops outbound lines back into a scripted responder.
type fakeConn struct {
	mu     sync.Mutex
	sent   []sentMessage
	onSend func(msg sentMessage)
}

type sentMessage struct {
	Method string          `json:"method"`
	ID     *int64          `json:"-"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	RawID  json.RawMessage `json:"-"`
}

func (f *fakeConn) EnsureStarted() error { return nil }
func (f *fakeConn) Stop()                {}

func (f *fakeConn) Send(line []byte) {
	var msg sentMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		panic(fmt.Sprintf("malformed outbound line %q: %v", line, err))
	}
	var raw struct {
		ID json.RawMessage `json:"id"`
	}
	_ = json.Unmarshal(line, &raw)
	msg.RawID = raw.ID
	if len(raw.ID) > 0 {
		var id int64
		if err := json.Unmarshal(raw.ID, &id); err == nil {
			msg.ID = &id
		}
	}

	f.mu.Lock()
	f.sent = append(f.sent, msg)
	onSend := f.onSend
	f.mu.Unlock()

	if onSend != nil {
		onSend(msg)
	}
}

func (f *fakeConn) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeConn) countMethod(method string) int {
	n := 0
	for _, msg := range f.sentMessages() {
		if msg.Method == method {
			n++
		}
	}
	return n
}

func testClient(t *testing.T) (*Client, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	client := NewClient(conn, slog.New(slog.NewTextHandler(io.Discard, nil)), ClientOptions{
		Info: ClientInfo{Name: "agentbridge", Version: "test"},
	})
	client.sleep = func(time.Duration) {}
	client.jitter = func() time.Duration { return 0 }
	return client, conn
}

// respondOK answers a request with the given result, via the client's
// inbound path.
func respondOK(client *Client, id int64, result string) {
	client.OnLine([]byte(fmt.Sprintf(`{"id":%d,"result":%s}`, id, result)))
}

func respondErr(client *Client, id int64, message string) {
	client.OnLine([]byte(fmt.Sprintf(`{"id":%d,"error":{"code":-32000,"message":%q}}`, id, message)))
}

// autoHandshake makes the conn complete initialize immediately.
func autoHandshake(client *Client, conn *fakeConn) {
	conn.mu.Lock()
	prev := conn.onSend
	conn.mu.Unlock()
	conn.onSend = func(msg sentMessage) {
		if msg.Method == "initialize" && msg.ID != nil {
			respondOK(client, *msg.ID, `{"ok":true}`)
			return
		}
		if prev != nil {
			prev(msg)
		}
	}
}

func TestResponsesMatchByIDRegardlessOfOrder(t *testing.T) {
	client, conn := testClient(t)
	autoHandshake(client, conn)

	const n = 5
	type outcome struct {
		idx    int
		result json.RawMessage
		err    error
	}
	results := make(chan outcome, n)

	for i := 0; i < n; i++ {
		go func(i int) {
			res, err := client.Request(context.Background(), fmt.Sprintf("m%d", i), nil, time.Second)
			results <- outcome{idx: i, result: res, err: err}
		}(i)
	}

	// Wait for all n requests (plus the handshake) to hit the wire.
	deadline := time.Now().Add(time.Second)
	var calls []sentMessage
	for {
		calls = nil
		for _, msg := range conn.sentMessages() {
			if strings.HasPrefix(msg.Method, "m") && msg.ID != nil {
				calls = append(calls, msg)
			}
		}
		if len(calls) == n {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d requests sent", len(calls), n)
		}
		time.Sleep(time.Millisecond)
	}

	// Respond in reverse arrival order, each result naming its method.
	for i := len(calls) - 1; i >= 0; i-- {
		respondOK(client, *calls[i].ID, fmt.Sprintf(`{"method":%q}`, calls[i].Method))
	}

	for i := 0; i < n; i++ {
		out := <-results
		if out.err != nil {
			t.Fatalf("request %d: %v", out.idx, out.err)
		}
		var body struct {
			Method string `json:"method"`
		}
		if err := json.Unmarshal(out.result, &body); err != nil {
			t.Fatalf("request %d result: %v", out.idx, err)
		}
		if want := fmt.Sprintf("m%d", out.idx); body.Method != want {
			t.Fatalf("request %d got result for %q, want %q", out.idx, body.Method, want)
		}
	}
}

func TestProcessExitFailsAllPending(t *testing.T) {
	client, conn := testClient(t)
	autoHandshake(client, conn)

	const n = 4
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			_, err := client.Request(context.Background(), fmt.Sprintf("m%d", i), nil, 5*time.Second)
			errs <- err
		}(i)
	}

	deadline := time.Now().Add(time.Second)
	for {
		client.mu.Lock()
		pending := len(client.pending)
		client.mu.Unlock()
		if pending == n {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pending = %d, want %d", pending, n)
		}
		time.Sleep(time.Millisecond)
	}

	client.OnExit(errors.New("crashed"))

	for i := 0; i < n; i++ {
		err := <-errs
		apiErr := apierr.From(err)
		if apiErr == nil || apiErr.Code != apierr.CodeAgentNotReady {
			t.Fatalf("pending call error = %v, want %s", err, apierr.CodeAgentNotReady)
		}
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.pending) != 0 {
		t.Fatalf("pending map size = %d, want 0", len(client.pending))
	}
}

func TestEnsureInitializedRunsHandshakeOnce(t *testing.T) {
	client, conn := testClient(t)
	conn.onSend = func(msg sentMessage) {
		switch {
		case msg.Method == "initialize" && msg.ID != nil:
			id := *msg.ID
			go func() {
				time.Sleep(10 * time.Millisecond)
				respondOK(client, id, `{}`)
			}()
		case msg.ID != nil:
			respondOK(client, *msg.ID, `{}`)
		}
	}

	const n = 8
	var wg sync.WaitGroup
	var failures atomic.Int64
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.Request(context.Background(), "thread/list", nil, time.Second); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	if failures.Load() != 0 {
		t.Fatalf("%d concurrent requests failed", failures.Load())
	}
	if got := conn.countMethod("initialize"); got != 1 {
		t.Fatalf("initialize sent %d times, want 1", got)
	}
	if got := conn.countMethod("initialized"); got != 1 {
		t.Fatalf("initialized sent %d times, want 1", got)
	}
}

func TestHandshakeFailureSharedThenRetried(t *testing.T) {
	client, conn := testClient(t)
	var attempts atomic.Int64
	conn.onSend = func(msg sentMessage) {
		if msg.Method == "initialize" && msg.ID != nil {
			if attempts.Add(1) == 1 {
				respondErr(client, *msg.ID, "init failed")
			} else {
				respondOK(client, *msg.ID, `{}`)
			}
			return
		}
		if msg.ID != nil {
			respondOK(client, *msg.ID, `{}`)
		}
	}

	if _, err := client.Request(context.Background(), "m", nil, time.Second); err == nil {
		t.Fatal("first request succeeded despite handshake failure")
	}
	if _, err := client.Request(context.Background(), "m", nil, time.Second); err != nil {
		t.Fatalf("second request after handshake retry: %v", err)
	}
	if got := attempts.Load(); got != 2 {
		t.Fatalf("initialize attempts = %d, want 2", got)
	}
}

func TestOverloadRetriesThreeAttemptsThenFails(t *testing.T) {
	client, conn := testClient(t)
	autoHandshake(client, conn)

	var delays []time.Duration
	client.sleep = func(d time.Duration) { delays = append(delays, d) }

	var attempts atomic.Int64
	prev := conn.onSend
	conn.onSend = func(msg sentMessage) {
		if msg.Method == "busy" && msg.ID != nil {
			attempts.Add(1)
			respondErr(client, *msg.ID, "Server overloaded; retry later.")
			return
		}
		prev(msg)
	}

	_, err := client.Request(context.Background(), "busy", nil, time.Second)
	apiErr := apierr.From(err)
	if apiErr == nil || apiErr.Code != apierr.CodeAgentRequestFailed {
		t.Fatalf("err = %v, want %s", err, apierr.CodeAgentRequestFailed)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	if len(delays) != 2 || delays[0] != 200*time.Millisecond || delays[1] != 400*time.Millisecond {
		t.Fatalf("backoff delays = %v, want [200ms 400ms]", delays)
	}
}

func TestOverloadRecoversMidRetry(t *testing.T) {
	client, conn := testClient(t)
	autoHandshake(client, conn)

	var attempts atomic.Int64
	prev := conn.onSend
	conn.onSend = func(msg sentMessage) {
		if msg.Method == "busy" && msg.ID != nil {
			if attempts.Add(1) < 3 {
				respondErr(client, *msg.ID, "Server overloaded; retry later.")
			} else {
				respondOK(client, *msg.ID, `{"done":true}`)
			}
			return
		}
		prev(msg)
	}

	result, err := client.Request(context.Background(), "busy", nil, time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(result) != `{"done":true}` {
		t.Fatalf("result = %s", result)
	}
}

func TestNonOverloadErrorNotRetried(t *testing.T) {
	client, conn := testClient(t)
	autoHandshake(client, conn)

	var attempts atomic.Int64
	prev := conn.onSend
	conn.onSend = func(msg sentMessage) {
		if msg.Method == "bad" && msg.ID != nil {
			attempts.Add(1)
			respondErr(client, *msg.ID, "invalid params")
			return
		}
		prev(msg)
	}

	_, err := client.Request(context.Background(), "bad", nil, time.Second)
	if apiErr := apierr.From(err); apiErr == nil || apiErr.Code != apierr.CodeAgentRequestFailed {
		t.Fatalf("err = %v, want %s", err, apierr.CodeAgentRequestFailed)
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
}

func TestRequestTimeoutNamesMethodAndClearsPending(t *testing.T) {
	client, conn := testClient(t)
	autoHandshake(client, conn)

	_, err := client.Request(context.Background(), "thread/read", nil, 20*time.Millisecond)
	apiErr := apierr.From(err)
	if apiErr == nil || apiErr.Code != apierr.CodeAgentTimeout {
		t.Fatalf("err = %v, want %s", err, apierr.CodeAgentTimeout)
	}
	if !strings.Contains(apiErr.Message, "thread/read") {
		t.Fatalf("timeout message %q does not name the method", apiErr.Message)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.pending) != 0 {
		t.Fatalf("pending map size = %d, want 0", len(client.pending))
	}
}

func TestServerRequestAndNotificationDispatch(t *testing.T) {
	client, _ := testClient(t)

	var notifs []Notification
	var reqs []ServerRequest
	client.SetHandlers(
		notificationFunc(func(n Notification) { notifs = append(notifs, n) }),
		serverRequestFunc(func(r ServerRequest) { reqs = append(reqs, r) }),
	)

	client.OnLine([]byte(`{"method":"turn/started","params":{"turn":{"id":"t1"}}}`))
	client.OnLine([]byte(`{"id":"rpc-9","method":"item/fileChange/requestApproval","params":{"itemId":"i1"}}`))
	client.OnLine([]byte(`garbage`))

	if len(notifs) != 1 || notifs[0].Method != "turn/started" {
		t.Fatalf("notifications = %+v", notifs)
	}
	if len(reqs) != 1 || reqs[0].Method != "item/fileChange/requestApproval" {
		t.Fatalf("server requests = %+v", reqs)
	}
	if string(reqs[0].ID) != `"rpc-9"` {
		t.Fatalf("server request id = %s, want %q", reqs[0].ID, `"rpc-9"`)
	}
}

func TestRespondEchoesWireID(t *testing.T) {
	client, conn := testClient(t)

	if err := client.Respond(json.RawMessage(`"rpc-4"`), "accept"); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if err := client.RespondError(json.RawMessage(`7`), -32601, "Unsupported method: x"); err != nil {
		t.Fatalf("RespondError: %v", err)
	}

	sent := conn.sentMessages()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(sent))
	}
	if string(sent[0].RawID) != `"rpc-4"` || string(sent[0].Result) != `"accept"` {
		t.Fatalf("response = %+v", sent[0])
	}
	if string(sent[1].RawID) != `7` || sent[1].Error == nil || sent[1].Error.Code != -32601 {
		t.Fatalf("error response = %+v", sent[1])
	}
}

type notificationFunc func(Notification)

func (f notificationFunc) HandleNotification(n Notification) { f(n) }

type serverRequestFunc func(ServerRequest)

func (f serverRequestFunc) HandleServerRequest(r ServerRequest) { f(r) }

func TestExitPublishesErrorEvent(t *testing.T) {
	bus := &capturingBus{}
	client := NewClient(&fakeConn{}, slog.New(slog.NewTextHandler(io.Discard, nil)), ClientOptions{
		Events: bus,
	})

	client.OnExit(errors.New("signal: killed"))

	if len(bus.published) != 1 {
		t.Fatalf("published %d events, want 1", len(bus.published))
	}
	if bus.published[0].Type != events.TypeError {
		t.Fatalf("event type = %s, want %s", bus.published[0].Type, events.TypeError)
	}
	payload := bus.published[0].Payload.(events.ErrorPayload)
	if payload.Code != apierr.CodeAgentNotReady {
		t.Fatalf("code = %s, want %s", payload.Code, apierr.CodeAgentNotReady)
	}
	if payload.Detail != "signal: killed" {
		t.Fatalf("detail = %q", payload.Detail)
	}
}

func TestExitWithoutEventSinkIsSilent(t *testing.T) {
	client, _ := testClient(t)
	// Must not panic with no Events publisher wired.
	client.OnExit(nil)
}
