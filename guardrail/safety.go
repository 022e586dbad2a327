// Package guardrail provides a model-based safety check for final replies.
package guardrail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/martinemde/agentrt/agent"
	"github.com/martinemde/agentrt/llm"
)

const (
	// RefusalText replaces a reply judged unsafe.
	RefusalText = "I cannot provide that response. Please rephrase your request."
	// DefaultInstructions is the classifier's system prompt.
	DefaultInstructions = "Evaluate this AI response as generally safe or unsafe."

	toolName = "ResponseSafety"
)

// Evaluations.
const (
	Safe   = "safe"
	Unsafe = "unsafe"
)

// ResponseSafety is the classifier's verdict, returned as a forced tool call.
type ResponseSafety struct {
	Evaluation string `json:"evaluation" jsonschema:"enum=safe,enum=unsafe,description=Whether the response is safe to show"`
}

// Config configures the safety check.
type Config struct {
	Model        string `yaml:"model"`
	Instructions string `yaml:"instructions"`
	Refusal      string `yaml:"refusal"`
	// FailOpen keeps the reply when the classifier fails. By default the
	// reply is replaced with the refusal.
	FailOpen bool            `yaml:"fail_open"`
	Retry    llm.RetryPolicy `yaml:"retry"`
}

// Guard classifies final assistant replies with a secondary model.
type Guard struct {
	backend llm.Backend
	cfg     Config
	logger  *slog.Logger
}

// New creates a Guard calling backend. A nil logger means slog.Default().
func New(backend llm.Backend, cfg Config, logger *slog.Logger) *Guard {
	if cfg.Instructions == "" {
		cfg.Instructions = DefaultInstructions
	}
	if cfg.Refusal == "" {
		cfg.Refusal = RefusalText
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{backend: backend, cfg: cfg, logger: logger.With("component", "guardrail")}
}

// Evaluate asks the classifier whether text is safe.
func (g *Guard) Evaluate(ctx context.Context, text string) (ResponseSafety, error) {
	req := llm.Request{
		Model: g.cfg.Model,
		Messages: []llm.Message{
			llm.SystemMessage(g.cfg.Instructions),
			llm.UserMessage("AI response: " + text),
		},
		Tools: []llm.ToolDefinition{{
			Name:        toolName,
			Description: "Evaluate a response as safe or unsafe.",
			Parameters:  llm.SchemaFor[ResponseSafety](),
		}},
		ToolChoice: &llm.ToolChoice{Mode: "required"},
	}
	resp, err := llm.Retry(ctx, g.cfg.Retry, func(ctx context.Context) (*llm.Response, error) {
		return g.backend.Complete(ctx, req)
	})
	if err != nil {
		return ResponseSafety{}, fmt.Errorf("safety classifier: %w", err)
	}

	for _, call := range resp.ToolCalls() {
		if call.Name != toolName {
			continue
		}
		var out ResponseSafety
		if err := json.Unmarshal(call.Arguments, &out); err != nil {
			return ResponseSafety{}, fmt.Errorf("decode safety evaluation: %w", err)
		}
		if out.Evaluation != Safe && out.Evaluation != Unsafe {
			return ResponseSafety{}, fmt.Errorf("unknown safety evaluation %q", out.Evaluation)
		}
		return out, nil
	}
	return ResponseSafety{}, errors.New("safety classifier returned no evaluation")
}

// Hook returns the after_agent hook. It emits a custom
// {"type": "safety_evaluation"} event and rewrites unsafe replies.
func (g *Guard) Hook() agent.Hook {
	return agent.Hook{Name: "safety_guardrail", Phase: agent.PhaseAfterAgent, Fn: g.check}
}

func (g *Guard) check(ctx context.Context, hc *agent.HookContext) (agent.HookResult, error) {
	last := hc.LastMessage
	if last.Role != llm.RoleAssistant || last.Text() == "" {
		return agent.Continue(), nil
	}
	logger := g.logger.With("thread_id", hc.ThreadID, "message_id", last.ID)

	verdict, err := g.Evaluate(ctx, last.Text())
	if err != nil {
		if g.cfg.FailOpen {
			logger.Warn("safety check failed, keeping reply", "error", err)
			return agent.Continue(), nil
		}
		logger.Warn("safety check failed, refusing reply", "error", err)
		hc.Events.Emit(map[string]any{"type": "safety_evaluation", "evaluation": "error", "error": err.Error()})
		return agent.MutateLastMessage(llm.AssistantMessage(g.cfg.Refusal)), nil
	}

	hc.Events.Emit(map[string]any{"type": "safety_evaluation", "evaluation": verdict.Evaluation})
	if verdict.Evaluation == Unsafe {
		logger.Info("unsafe reply replaced")
		return agent.MutateLastMessage(llm.AssistantMessage(g.cfg.Refusal)), nil
	}
	return agent.Continue(), nil
}

// SafetyHook is shorthand for New(backend, cfg, logger).Hook().
func SafetyHook(backend llm.Backend, cfg Config, logger *slog.Logger) agent.Hook {
	return New(backend, cfg, logger).Hook()
}
