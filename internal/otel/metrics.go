package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all agentbridge metric instruments.
type Metrics struct {
	RPCDuration       metric.Float64Histogram
	RPCRetries        metric.Int64Counter
	RPCTimeouts       metric.Int64Counter
	EventsPublished   metric.Int64Counter
	SSEClients        metric.Int64UpDownCounter
	ApprovalsPending  metric.Int64UpDownCounter
	TunnelTransitions metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RPCDuration, err = meter.Float64Histogram("agentbridge.rpc.duration",
		metric.WithDescription("Agent RPC round-trip duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RPCRetries, err = meter.Int64Counter("agentbridge.rpc.retries",
		metric.WithDescription("Agent RPC overload retries"),
	)
	if err != nil {
		return nil, err
	}

	m.RPCTimeouts, err = meter.Int64Counter("agentbridge.rpc.timeouts",
		metric.WithDescription("Agent RPC calls that hit their deadline"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsPublished, err = meter.Int64Counter("agentbridge.events.published",
		metric.WithDescription("UI events published to the event bus"),
	)
	if err != nil {
		return nil, err
	}

	m.SSEClients, err = meter.Int64UpDownCounter("agentbridge.sse.clients",
		metric.WithDescription("Currently attached SSE clients"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsPending, err = meter.Int64UpDownCounter("agentbridge.approvals.pending",
		metric.WithDescription("Approval requests awaiting a human decision"),
	)
	if err != nil {
		return nil, err
	}

	m.TunnelTransitions, err = meter.Int64Counter("agentbridge.tunnel.transitions",
		metric.WithDescription("Tunnel state machine transitions"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
