// Package agent owns the connection to the single long-lived agent child
// process: spawning and supervising it, speaking line-delimited JSON-RPC
// over its stdio, correlating requests to responses, and routing inbound
// notifications into UI events.
package agent

import (
	"bytes"
	"encoding/json"
)

// ClientInfo identifies this service in the initialize handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// Notification is an inbound wire notification (method, no id).
type Notification struct {
	Method string
	Params json.RawMessage
}

// ServerRequest is an agent-initiated request (method + id) that must be
// answered over the same connection via Respond or RespondError.
type ServerRequest struct {
	ID     json.RawMessage
	Method string
	Params json.RawMessage
}

// NotificationHandler consumes inbound notifications in wire order.
type NotificationHandler interface {
	HandleNotification(n Notification)
}

// ServerRequestHandler consumes agent-initiated requests in wire order.
type ServerRequestHandler interface {
	HandleServerRequest(req ServerRequest)
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type outboundRequest struct {
	Method string `json:"method"`
	ID     int64  `json:"id"`
	Params any    `json:"params,omitempty"`
}

type outboundNotification struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type outboundResponse struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result"`
}

type outboundError struct {
	ID    json.RawMessage `json:"id"`
	Error rpcError        `json:"error"`
}

// inboundMessage is one decoded wire line before classification. Absent
// fields stay nil; a present-but-null id counts as absent.
type inboundMessage struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type messageKind int

const (
	kindInvalid messageKind = iota
	kindResponse
	kindServerRequest
	kindNotification
)

var jsonNull = []byte("null")

func (m *inboundMessage) hasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(m.ID, jsonNull)
}

// parseLine decodes one stdout line and classifies it by shape:
// id + result-or-error is a response, id + method is a server request,
// method alone is a notification. Anything else is invalid and dropped
// by the caller.
func parseLine(line []byte) (*inboundMessage, messageKind) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, kindInvalid
	}

	var msg inboundMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, kindInvalid
	}

	switch {
	case msg.hasID() && (msg.Result != nil || msg.Error != nil):
		return &msg, kindResponse
	case msg.hasID() && msg.Method != "":
		return &msg, kindServerRequest
	case msg.Method != "":
		return &msg, kindNotification
	default:
		return nil, kindInvalid
	}
}
