package engine

import (
	"time"

	"github.com/wardlabs/toolgate/pkg/canonical"
	"github.com/wardlabs/toolgate/pkg/policy"
	"github.com/wardlabs/toolgate/pkg/redact"
)

// executionState is the immutable snapshot for one guarded call. Everything
// decision and outcome entries need is captured upfront so the two entries
// can never disagree about what was decided.
type executionState struct {
	requestID     string
	agentID       string
	action        string
	params        map[string]any
	policyID      string
	policyVersion any // string or nil
	policyHash    string
	decisionTime  time.Time
	decisionHash  string
	cost          int64
	costRequested bool
	approvalTTL   time.Duration
}

func (s *executionState) request() policy.Request {
	return policy.Request{
		AgentID:    s.agentID,
		Action:     s.action,
		Parameters: s.params,
		Metadata:   map[string]any{"_redacted": true},
	}
}

func (e *Engine) buildState(action string, params map[string]any, effective policy.Policy, cfg callConfig) (*executionState, error) {
	state := &executionState{
		requestID:     e.newID(),
		agentID:       e.agentID,
		action:        action,
		params:        redact.Parameters(params),
		policyID:      effective.ID(),
		decisionTime:  e.now(),
		cost:          cfg.cost,
		costRequested: cfg.costRequested,
		approvalTTL:   cfg.approvalTTL,
	}
	if versioned, ok := effective.(policy.Versioned); ok {
		state.policyVersion = versioned.Version()
	}

	if hashed, ok := effective.(policy.Hashed); ok && hashed.PolicyHash() != "" {
		state.policyHash = hashed.PolicyHash()
	} else {
		hash, err := canonical.SHA256Hex(map[string]any{
			"policy_id":      state.policyID,
			"policy_version": state.policyVersion,
		})
		if err != nil {
			return nil, &PolicyError{Err: err}
		}
		state.policyHash = hash
	}

	// The decision hash commits to everything the approver is asked to
	// approve, so a replayed approval for different parameters can never
	// match.
	decisionHash, err := canonical.SHA256Hex(map[string]any{
		"version":     "2.0",
		"request_id":  state.requestID,
		"decision_at": formatTimestamp(state.decisionTime),
		"policy_hash": state.policyHash,
		"intent":      state.action,
		"resource":    map[string]any{"type": "function", "name": state.action},
		"parameters":  state.params,
		"actor":       map[string]any{"principal": e.agentID, "source": "go"},
	})
	if err != nil {
		return nil, &PolicyError{Err: err}
	}
	state.decisionHash = decisionHash
	return state, nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(canonical.TimeFormat) + "Z"
}
