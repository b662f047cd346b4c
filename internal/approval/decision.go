// Package approval coordinates agent-initiated approval prompts: it holds
// them pending a human decision, publishes them as UI events, and relays
// the decision back over the RPC channel.
package approval

import (
	"encoding/json"
	"fmt"
)

// Enumerated decision strings shared by command and file-change approvals.
const (
	DecisionAccept           = "accept"
	DecisionAcceptForSession = "acceptForSession"
	DecisionDecline          = "decline"
	DecisionCancel           = "cancel"
)

var enumeratedDecisions = map[string]struct{}{
	DecisionAccept:           {},
	DecisionAcceptForSession: {},
	DecisionDecline:          {},
	DecisionCancel:           {},
}

// CommandDecision is either one of the enumerated strings or, for
// commands only, an acceptance carrying exec-policy amendment tokens.
// It marshals back to the exact wire shape the agent expects.
type CommandDecision struct {
	Value      string
	Amendments []string
	amended    bool
}

// ParseCommandDecision validates a decoded request-body value.
func ParseCommandDecision(raw json.RawMessage) (CommandDecision, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if _, ok := enumeratedDecisions[s]; !ok {
			return CommandDecision{}, fmt.Errorf("unknown command decision %q", s)
		}
		return CommandDecision{Value: s}, nil
	}

	var amended struct {
		AcceptWithExecpolicyAmendment *struct {
			ExecpolicyAmendment []string `json:"execpolicy_amendment"`
		} `json:"acceptWithExecpolicyAmendment"`
	}
	if err := json.Unmarshal(raw, &amended); err != nil || amended.AcceptWithExecpolicyAmendment == nil {
		return CommandDecision{}, fmt.Errorf("command decision is neither an enumerated string nor an execpolicy amendment")
	}
	if amended.AcceptWithExecpolicyAmendment.ExecpolicyAmendment == nil {
		return CommandDecision{}, fmt.Errorf("execpolicy amendment missing token list")
	}
	return CommandDecision{
		Amendments: amended.AcceptWithExecpolicyAmendment.ExecpolicyAmendment,
		amended:    true,
	}, nil
}

func (d CommandDecision) MarshalJSON() ([]byte, error) {
	if d.amended {
		return json.Marshal(map[string]any{
			"acceptWithExecpolicyAmendment": map[string]any{
				"execpolicy_amendment": d.Amendments,
			},
		})
	}
	return json.Marshal(d.Value)
}

// FileDecision is one of the enumerated strings.
type FileDecision string

// ParseFileDecision validates a decoded request-body value.
func ParseFileDecision(raw json.RawMessage) (FileDecision, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("file-change decision must be a string")
	}
	if _, ok := enumeratedDecisions[s]; !ok {
		return "", fmt.Errorf("unknown file-change decision %q", s)
	}
	return FileDecision(s), nil
}
