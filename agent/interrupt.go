package agent

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/martinemde/agentrt/llm"
)

// DecisionType is a reviewer's resolution of one pending action.
type DecisionType string

const (
	DecisionApprove DecisionType = "approve"
	DecisionEdit    DecisionType = "edit"
	DecisionReject  DecisionType = "reject"
)

var allDecisions = []DecisionType{DecisionApprove, DecisionEdit, DecisionReject}

// Decision resolves one action request. Decisions resuming an interrupt are
// matched to its action requests by position.
type Decision struct {
	Type DecisionType `json:"type"`
	// Arguments replace the proposed arguments of an edit.
	Arguments json.RawMessage `json:"arguments,omitempty"`
	// Message is passed back to the model with a rejection.
	Message string `json:"message,omitempty"`
}

// Approve runs the action with its proposed arguments.
func Approve() Decision { return Decision{Type: DecisionApprove} }

// Edit runs the action with args instead of the proposed arguments. args is
// a json.RawMessage, []byte, string of JSON, or any value json.Marshal accepts.
func Edit(args any) Decision {
	var raw json.RawMessage
	switch v := args.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	case string:
		raw = json.RawMessage(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return Decision{Type: DecisionEdit}
		}
		raw = b
	}
	return Decision{Type: DecisionEdit, Arguments: raw}
}

// Reject skips the action. message, if given, is passed to the model.
func Reject(message string) Decision {
	return Decision{Type: DecisionReject, Message: message}
}

// ReviewConfig sets how a tool's pending actions may be resolved.
type ReviewConfig struct {
	ActionName       string         `json:"action_name"`
	AllowedDecisions []DecisionType `json:"allowed_decisions"`
	// Describe renders the reviewer-facing description of a pending call.
	Describe func(name string, args json.RawMessage) string `json:"-"`
}

func (c *ReviewConfig) allowed() []DecisionType {
	if c == nil || len(c.AllowedDecisions) == 0 {
		return allDecisions
	}
	return c.AllowedDecisions
}

// ActionRequest is one tool call awaiting a decision.
type ActionRequest struct {
	ToolCallID  string          `json:"tool_call_id"`
	Name        string          `json:"name"`
	Arguments   json.RawMessage `json:"arguments"`
	Description string          `json:"description"`
}

// Interrupt suspends a turn until every action request has a decision.
type Interrupt struct {
	ID             string          `json:"id"`
	ThreadID       string          `json:"thread_id"`
	ActionRequests []ActionRequest `json:"action_requests"`
	ReviewConfigs  []ReviewConfig  `json:"review_configs"`
	CreatedAt      time.Time       `json:"created_at"`
}

func describeAction(review *ReviewConfig, call llm.ToolCall) string {
	if review != nil && review.Describe != nil {
		return review.Describe(call.Name, call.Arguments)
	}
	return fmt.Sprintf("Tool execution requires approval\n\nTool: %s\nArgs: %s", call.Name, string(call.Arguments))
}

// validateDecisions checks decisions against the pending interrupt.
func validateDecisions(threadID string, intr *Interrupt, decisions []Decision) error {
	protoErr := func(reason error, detail string) error {
		return &InterruptProtocolError{ThreadID: threadID, InterruptID: intr.ID, Reason: reason, Detail: detail}
	}
	if len(decisions) != len(intr.ActionRequests) {
		return protoErr(ErrDecisionCount, fmt.Sprintf("got %d decision(s) for %d pending action(s)", len(decisions), len(intr.ActionRequests)))
	}
	for i, d := range decisions {
		req := intr.ActionRequests[i]
		var review *ReviewConfig
		if i < len(intr.ReviewConfigs) {
			review = &intr.ReviewConfigs[i]
		}
		if !slices.Contains(review.allowed(), d.Type) {
			return protoErr(ErrDecisionNotAllowed, fmt.Sprintf("decision %q is not allowed for action %d (%s)", d.Type, i, req.Name))
		}
		if d.Type == DecisionEdit {
			var obj map[string]any
			if len(d.Arguments) == 0 || json.Unmarshal(d.Arguments, &obj) != nil || obj == nil {
				return protoErr(ErrDecisionNotAllowed, fmt.Sprintf("edit for action %d (%s) needs a JSON object of arguments", i, req.Name))
			}
		}
	}
	return nil
}

// rejectionContent is the tool result content for a rejected call.
func rejectionContent(name, message string) string {
	content := fmt.Sprintf("Tool call %q was rejected by the reviewer.", name)
	if message != "" {
		content += " Reason: " + message
	}
	return content
}
