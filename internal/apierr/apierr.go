// Package apierr defines the stable error taxonomy surfaced to HTTP clients.
// Every error that crosses the gateway boundary carries a stable code and an
// HTTP status; transport-level noise (bad wire lines, unroutable
// notifications) never becomes an apierr.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeNotFound            = "NOT_FOUND"
	CodeAgentNotReady       = "AGENT_NOT_READY"
	CodeAgentRequestFailed  = "AGENT_REQUEST_FAILED"
	CodeAgentTimeout        = "AGENT_TIMEOUT"
	CodeApprovalNotFound    = "APPROVAL_NOT_FOUND"
	CodeTunnelForbidden     = "TUNNEL_FORBIDDEN"
	CodeTunnelAuthFailed    = "TUNNEL_AUTH_FAILED"
	CodeTunnelStartFailed   = "TUNNEL_START_FAILED"
	CodeTunnelConfigInvalid = "TUNNEL_CONFIG_INVALID"
)

// Error is an API-visible error. Status is the HTTP status the gateway maps
// it to; Code is stable across releases and safe for clients to branch on.
type Error struct {
	Code    string
	Message string
	Status  int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates an Error with an explicit HTTP status.
func New(code, message string, status int) *Error {
	return &Error{Code: code, Message: message, Status: status}
}

// NotReady reports that the agent process is absent or has crashed.
func NotReady(message string) *Error {
	return New(CodeAgentNotReady, message, http.StatusServiceUnavailable)
}

// RequestFailed wraps a JSON-RPC error returned by the agent process.
func RequestFailed(message string) *Error {
	return New(CodeAgentRequestFailed, message, http.StatusBadGateway)
}

// Timeout reports that no response arrived within the deadline.
func Timeout(message string) *Error {
	return New(CodeAgentTimeout, message, http.StatusGatewayTimeout)
}

// Invalid reports a malformed request body or parameters.
func Invalid(message string) *Error {
	return New(CodeInvalidRequest, message, http.StatusBadRequest)
}

// From extracts an *Error from err, or nil if err carries none.
func From(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return nil
}
