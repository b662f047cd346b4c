package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	otelPkg "github.com/basket/agentbridge/internal/otel"
)

// maxBufferSize caps the replay ring buffer. Clients that fall further
// behind than this must re-fetch history through the REST API.
const maxBufferSize = 500

type sseClient struct {
	id    string
	w     http.ResponseWriter
	flush http.Flusher
	stop  chan struct{}
	once  sync.Once
}

// Bus is the in-process publisher for UI events. Publish appends to the
// replay buffer and broadcasts to every attached SSE client while holding
// the bus lock, so per-client delivery order always matches publish order.
type Bus struct {
	logger    *slog.Logger
	heartbeat time.Duration
	metrics   *otelPkg.Metrics

	mu      sync.Mutex
	seq     uint64
	buffer  []Envelope
	clients map[string]*sseClient
	closed  chan struct{}
}

func NewBus(logger *slog.Logger, heartbeat time.Duration, metrics *otelPkg.Metrics) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Bus{
		logger:    logger,
		heartbeat: heartbeat,
		metrics:   metrics,
		clients:   make(map[string]*sseClient),
		closed:    make(chan struct{}),
	}
}

// Publish wraps event in an envelope, buffers it, and writes it to every
// attached client. It returns the envelope.
func (b *Bus) Publish(event Event) Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	envelope := Envelope{
		ID:    strconv.FormatUint(b.seq, 10),
		TS:    time.Now().UnixMilli(),
		Event: event,
	}

	b.buffer = append(b.buffer, envelope)
	if len(b.buffer) > maxBufferSize {
		b.buffer = b.buffer[1:]
	}

	frame := formatFrame(envelope)
	for _, client := range b.clients {
		b.writeFrame(client, frame)
	}

	if b.metrics != nil {
		b.metrics.EventsPublished.Add(context.Background(), 1)
	}
	return envelope
}

// Attach registers w as an SSE client: writes the stream headers (with
// reflected-origin CORS when origin is non-empty), an initial comment ping,
// replays buffered envelopes newer than lastEventID, and starts a periodic
// heartbeat. The returned detach func must be called exactly once, on
// socket close; done is closed when the bus shuts down.
func (b *Bus) Attach(w http.ResponseWriter, lastEventID, origin string) (detach func(), done <-chan struct{}, err error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support streaming")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	if origin != "" {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Vary", "Origin")
	}
	w.WriteHeader(http.StatusOK)

	client := &sseClient{
		id:    uuid.NewString(),
		w:     w,
		flush: flusher,
		stop:  make(chan struct{}),
	}

	b.mu.Lock()
	b.writeFrame(client, []byte(": connected\n\n"))

	if lastEventID != "" {
		if marker, parseErr := strconv.ParseUint(lastEventID, 10, 64); parseErr == nil {
			for _, envelope := range b.buffer {
				id, idErr := strconv.ParseUint(envelope.ID, 10, 64)
				if idErr != nil || id <= marker {
					continue
				}
				b.writeFrame(client, formatFrame(envelope))
			}
		}
	}

	b.clients[client.id] = client
	clientCount := len(b.clients)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.SSEClients.Add(context.Background(), 1)
	}
	b.logger.Info("sse client connected", "client_id", client.id, "client_count", clientCount)

	go b.heartbeatLoop(client)

	detach = func() {
		client.once.Do(func() {
			close(client.stop)
			b.mu.Lock()
			delete(b.clients, client.id)
			remaining := len(b.clients)
			b.mu.Unlock()
			if b.metrics != nil {
				b.metrics.SSEClients.Add(context.Background(), -1)
			}
			b.logger.Info("sse client disconnected", "client_id", client.id, "client_count", remaining)
		})
	}
	return detach, b.closed, nil
}

// Close stops every heartbeat and signals attached handlers to end their
// streams. Used at process shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	for id, client := range b.clients {
		client.once.Do(func() { close(client.stop) })
		delete(b.clients, id)
	}
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	b.mu.Unlock()
}

// BufferLen reports the number of envelopes currently retained for replay.
func (b *Bus) BufferLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

func (b *Bus) heartbeatLoop(client *sseClient) {
	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-client.stop:
			return
		case <-ticker.C:
			b.mu.Lock()
			// Membership re-check: the handler may have detached while this
			// tick waited for the lock, and its ResponseWriter is then dead.
			if _, ok := b.clients[client.id]; ok {
				b.writeFrame(client, []byte(fmt.Sprintf(": heartbeat %d\n\n", time.Now().UnixMilli())))
			}
			b.mu.Unlock()
		}
	}
}

// writeFrame writes one SSE frame to a client. Write errors are ignored:
// the handler notices the broken socket via its request context and
// detaches the client.
func (b *Bus) writeFrame(client *sseClient, frame []byte) {
	if _, err := client.w.Write(frame); err != nil {
		return
	}
	client.flush.Flush()
}

func formatFrame(envelope Envelope) []byte {
	data, err := json.Marshal(envelope)
	if err != nil {
		// Payloads are plain structs; marshal failure indicates a bug.
		data = []byte(`{}`)
	}
	return []byte(fmt.Sprintf("id: %s\nevent: ui\ndata: %s\n\n", envelope.ID, data))
}
