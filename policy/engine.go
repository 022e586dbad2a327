// Package policy decides per tool call whether it runs, waits for a human,
// or is refused, using an OPA Rego module.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/martinemde/agentrt/agent"
)

// DefaultQuery is evaluated unless WithQuery says otherwise.
const DefaultQuery = "data.tool_policy.decision"

// Decision is the evaluated outcome for one call.
type Decision struct {
	Verdict agent.Verdict
	Reason  string
}

// Option configures an Engine.
type Option func(*Engine)

// WithQuery sets the rule the engine evaluates.
func WithQuery(query string) Option {
	return func(e *Engine) { e.queryText = query }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// Engine is the OPA policy engine. It implements agent.ApprovalPolicy.
type Engine struct {
	queryText string
	query     rego.PreparedEvalQuery
	logger    *slog.Logger
}

var _ agent.ApprovalPolicy = (*Engine)(nil)

// NewEngine compiles module. The rule may produce a verdict string or an
// object with "decision" and "reason" keys.
func NewEngine(ctx context.Context, module string, opts ...Option) (*Engine, error) {
	e := &Engine{queryText: DefaultQuery}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "policy")

	r := rego.New(
		rego.Query(e.queryText),
		rego.Module("tool_policy.rego", module),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare rego: %w", err)
	}
	e.query = query
	return e, nil
}

// LoadFile compiles the module at path.
func LoadFile(ctx context.Context, path string, opts ...Option) (*Engine, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	return NewEngine(ctx, string(src), opts...)
}

// Evaluate runs the policy against input. An undefined decision allows the
// call.
func (e *Engine) Evaluate(ctx context.Context, input map[string]any) (Decision, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Verdict: agent.VerdictAllow, Reason: "undefined"}, nil
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case string:
		return parseVerdict(v, "")
	case map[string]any:
		verdict, _ := v["decision"].(string)
		reason, _ := v["reason"].(string)
		return parseVerdict(verdict, reason)
	default:
		return Decision{}, fmt.Errorf("policy returned %T, want string or object", v)
	}
}

func parseVerdict(s, reason string) (Decision, error) {
	switch v := agent.Verdict(s); v {
	case agent.VerdictAllow, agent.VerdictRequireApproval, agent.VerdictBlock:
		return Decision{Verdict: v, Reason: reason}, nil
	default:
		return Decision{}, fmt.Errorf("policy returned unknown decision %q", s)
	}
}

// Review evaluates the policy for one tool call. The policy sees
// input.tool_name, input.args and input.interruptible.
func (e *Engine) Review(ctx context.Context, tool agent.Tool, args json.RawMessage) (agent.Verdict, error) {
	var decoded any = map[string]any{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &decoded); err != nil {
			return "", fmt.Errorf("decode %s arguments: %w", tool.Name, err)
		}
	}
	d, err := e.Evaluate(ctx, map[string]any{
		"tool_name":     tool.Name,
		"args":          decoded,
		"interruptible": tool.Interruptible,
	})
	if err != nil {
		return "", err
	}
	if d.Verdict != agent.VerdictAllow {
		e.logger.Debug("policy verdict", "tool", tool.Name, "decision", d.Verdict, "reason", d.Reason)
	}
	return d.Verdict, nil
}

// DefaultPolicy requires approval for outbound messages and blocks shell
// access.
const DefaultPolicy = `
package tool_policy

default decision := "allow"

decision := {"decision": "block", "reason": "shell access is disabled"} if {
	input.tool_name == "run_shell"
}

decision := "require_approval" if {
	input.tool_name == "send_email"
}
`
