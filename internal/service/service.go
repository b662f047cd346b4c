// Package service implements the RPC-backed domain operations the HTTP
// surface exposes: threads, turns, auth, and models. Each service is a
// thin translation layer over the agent RPC client; thread and turn
// history persistence is entirely the agent's responsibility.
package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/basket/agentbridge/internal/config"
)

// Requester is the RPC surface the services need.
type Requester interface {
	Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
}

// sandboxPolicy is attached to every thread/turn start so the agent
// confines command execution to the configured writable roots.
func sandboxPolicy(cfg config.AgentConfig) map[string]any {
	return map[string]any{
		"type":          "workspaceWrite",
		"writableRoots": cfg.WritableRoots,
		"networkAccess": cfg.NetworkAccess,
	}
}
