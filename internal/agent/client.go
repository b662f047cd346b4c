package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/agentbridge/internal/apierr"
	"github.com/basket/agentbridge/internal/events"
	otelPkg "github.com/basket/agentbridge/internal/otel"
	"github.com/basket/agentbridge/internal/shared"
)

// overloadIndicator is the literal substring the agent puts in error
// messages when it sheds load. There is no structured code for this
// condition upstream, so the match stays on the message text.
const overloadIndicator = "Server overloaded; retry later."

const (
	maxAttempts      = 3
	retryBaseDelay   = 200 * time.Millisecond
	retryJitterBound = 100 * time.Millisecond

	defaultRequestTimeout   = 30 * time.Second
	defaultHandshakeTimeout = 15 * time.Second
)

// Conn is the write side of the supervised agent process.
type Conn interface {
	EnsureStarted() error
	Send(line []byte)
	Stop()
}

type handshakeState int

const (
	hsNone handshakeState = iota
	hsInFlight
	hsReady
)

type rpcResult struct {
	result json.RawMessage
	err    error
}

// ClientOptions tune a Client. Zero values take defaults.
type ClientOptions struct {
	Info             ClientInfo
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	Metrics          *otelPkg.Metrics

	// Events, when set, receives an error event whenever the agent
	// process exits, so stream clients can surface the disconnect.
	Events Publisher
}

// Client is the JSON-RPC correlation layer over the agent connection.
// It allocates strictly increasing numeric ids, matches responses to
// in-flight calls by id regardless of arrival order, runs the
// initialize/initialized handshake once (shared by concurrent callers),
// and retries overloaded calls with exponential backoff.
//
// Client is the supervisor's Observer: inbound lines are classified and
// either resolve a pending call or are handed to the notification and
// server-request handlers in wire order.
type Client struct {
	conn    Conn
	logger  *slog.Logger
	opts    ClientOptions
	metrics *otelPkg.Metrics

	nextID atomic.Int64

	mu        sync.Mutex
	pending   map[int64]chan rpcResult
	initState handshakeState
	initDone  chan struct{}
	initErr   error

	notifications NotificationHandler
	serverReqs    ServerRequestHandler

	// sleep and jitter are injectable so retry tests run instantly.
	sleep  func(d time.Duration)
	jitter func() time.Duration
}

func NewClient(conn Conn, logger *slog.Logger, opts ClientOptions) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &Client{
		conn:    conn,
		logger:  logger,
		opts:    opts,
		metrics: opts.Metrics,
		pending: make(map[int64]chan rpcResult),
		sleep:   time.Sleep,
		jitter:  func() time.Duration { return rand.N(retryJitterBound) },
	}
}

// SetHandlers wires the notification and server-request consumers.
// Must be called before the first inbound line.
func (c *Client) SetHandlers(n NotificationHandler, s ServerRequestHandler) {
	c.notifications = n
	c.serverReqs = s
}

// Request sends method with params and waits for the matching response.
// timeout <= 0 takes the configured default. Overloaded responses are
// retried transparently up to maxAttempts before the error surfaces.
func (c *Client) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if err := c.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.opts.RequestTimeout
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err := c.rawRequest(ctx, method, params, timeout)
		if err == nil {
			if c.metrics != nil {
				c.metrics.RPCDuration.Record(ctx, time.Since(start).Seconds())
			}
			return result, nil
		}
		lastErr = err
		if !isOverloaded(err) || attempt == maxAttempts-1 {
			return nil, err
		}

		delay := retryBaseDelay<<attempt + c.jitter()
		c.logger.Warn("agent overloaded, retrying request",
			"method", method, "attempt", attempt+1, "delay", delay,
			"trace_id", shared.TraceID(ctx), "thread_id", shared.ThreadID(ctx))
		if c.metrics != nil {
			c.metrics.RPCRetries.Add(ctx, 1)
		}
		c.sleep(delay)
	}
	return nil, lastErr
}

// Notify sends a fire-and-forget notification (no id, no response).
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	if err := c.ensureInitialized(ctx); err != nil {
		return err
	}
	return c.rawNotify(method, params)
}

// Respond answers an agent-initiated server request, echoing its id.
func (c *Client) Respond(id json.RawMessage, result any) error {
	payload, err := json.Marshal(outboundResponse{ID: id, Result: result})
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	c.conn.Send(payload)
	return nil
}

// RespondError answers an agent-initiated server request with an error.
func (c *Client) RespondError(id json.RawMessage, code int, message string) error {
	payload, err := json.Marshal(outboundError{ID: id, Error: rpcError{Code: code, Message: message}})
	if err != nil {
		return fmt.Errorf("marshal error response: %w", err)
	}
	c.conn.Send(payload)
	return nil
}

// Close stops the underlying process.
func (c *Client) Close() {
	c.conn.Stop()
}

// ensureInitialized runs the initialize/initialized handshake exactly
// once. Concurrent callers during the handshake wait on the same
// in-flight attempt and all observe its outcome; a failed handshake
// resets so the next call retries.
func (c *Client) ensureInitialized(ctx context.Context) error {
	c.mu.Lock()
	switch c.initState {
	case hsReady:
		c.mu.Unlock()
		return nil
	case hsInFlight:
		ch := c.initDone
		c.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
		err := c.initErr
		c.mu.Unlock()
		return err
	}

	c.initState = hsInFlight
	ch := make(chan struct{})
	c.initDone = ch
	c.mu.Unlock()

	err := c.handshake(ctx)

	c.mu.Lock()
	c.initErr = err
	if err != nil {
		// Only reset if no exit event already did.
		if c.initState == hsInFlight {
			c.initState = hsNone
		}
	} else if c.initState == hsInFlight {
		c.initState = hsReady
	}
	close(ch)
	c.mu.Unlock()
	return err
}

func (c *Client) handshake(ctx context.Context) error {
	_, err := c.rawRequest(ctx, "initialize", map[string]any{
		"clientInfo":   c.opts.Info,
		"capabilities": map[string]any{"experimentalApi": true},
	}, c.opts.HandshakeTimeout)
	if err != nil {
		return err
	}
	if err := c.rawNotify("initialized", map[string]any{}); err != nil {
		return err
	}
	c.logger.Info("agent initialized")
	return nil
}

func (c *Client) rawRequest(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	payload, err := json.Marshal(outboundRequest{Method: method, ID: id, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request %s: %w", method, err)
	}

	ch := make(chan rpcResult, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	c.conn.Send(payload)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.result, res.err
	case <-timer.C:
		c.dropPending(id)
		if c.metrics != nil {
			c.metrics.RPCTimeouts.Add(ctx, 1)
		}
		return nil, apierr.Timeout("timed out waiting for " + method)
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

func (c *Client) rawNotify(method string, params any) error {
	payload, err := json.Marshal(outboundNotification{Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal notification %s: %w", method, err)
	}
	c.conn.Send(payload)
	return nil
}

func (c *Client) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// OnLine classifies one stdout line. Responses resolve their pending
// call; server requests and notifications go to the wired handlers.
// Unparseable lines are dropped with a warning, never fatal.
func (c *Client) OnLine(line []byte) {
	msg, kind := parseLine(line)
	switch kind {
	case kindResponse:
		c.resolve(msg)
	case kindServerRequest:
		if c.serverReqs == nil {
			c.logger.Warn("dropping server request, no handler wired", "method", msg.Method)
			return
		}
		c.serverReqs.HandleServerRequest(ServerRequest{ID: msg.ID, Method: msg.Method, Params: msg.Params})
	case kindNotification:
		if c.notifications == nil {
			return
		}
		c.notifications.HandleNotification(Notification{Method: msg.Method, Params: msg.Params})
	default:
		c.logger.Warn("skipping non-JSON-RPC line from agent", "line", shared.Redact(string(line)))
	}
}

// OnStderr logs agent stderr output.
func (c *Client) OnStderr(line string) {
	c.logger.Warn("agent stderr", "line", line)
}

// OnExit fails every pending call with a not-ready error, clears the
// pending map, and resets the handshake so the next request spawns a
// fresh process and re-initializes. Stream clients get an error event.
func (c *Client) OnExit(exitErr error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan rpcResult)
	c.initState = hsNone
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- rpcResult{err: apierr.NotReady("agent process exited")}
	}
	if len(pending) > 0 {
		c.logger.Warn("failed pending agent calls after exit", "count", len(pending))
	}

	if c.opts.Events != nil {
		detail := ""
		if exitErr != nil {
			detail = exitErr.Error()
		}
		c.opts.Events.Publish(events.Event{
			Type: events.TypeError,
			Payload: events.ErrorPayload{
				Code:    apierr.CodeAgentNotReady,
				Message: "Agent process exited.",
				Detail:  detail,
			},
		})
	}
}

func (c *Client) resolve(msg *inboundMessage) {
	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		c.logger.Warn("response with non-numeric id", "id", string(msg.ID))
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		// Late response after timeout; nothing to do.
		return
	}

	if msg.Error != nil {
		message := msg.Error.Message
		if message == "" {
			message = "agent request failed"
		}
		ch <- rpcResult{err: apierr.RequestFailed(message)}
		return
	}
	ch <- rpcResult{result: msg.Result}
}

func isOverloaded(err error) bool {
	apiErr := apierr.From(err)
	return apiErr != nil &&
		apiErr.Code == apierr.CodeAgentRequestFailed &&
		strings.Contains(apiErr.Message, overloadIndicator)
}
