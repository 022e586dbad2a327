package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/martinemde/agentrt/llm"
	"github.com/martinemde/agentrt/llm/llmtest"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Model = "test-model"
	cfg.ToolTimeout = 2 * time.Second
	cfg.Retry = llm.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffMultiplier: 2}
	return cfg
}

func newTestRuntime(t *testing.T, backend llm.Backend, opts ...Option) *Runtime {
	t.Helper()
	return newTestRuntimeWith(t, testConfig(), backend, opts...)
}

func newTestRuntimeWith(t *testing.T, cfg Config, backend llm.Backend, opts ...Option) *Runtime {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	rt, err := NewRuntime(cfg, backend, opts...)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	return rt
}

var locationSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"location": map[string]any{"type": "string"},
	},
	"required": []any{"location"},
}

// weatherTool is interruptible and counts its executions.
func weatherTool(runs *atomic.Int32) Tool {
	return Tool{
		Name:          "get_weather",
		Description:   "Get the weather for a location",
		Parameters:    locationSchema,
		Interruptible: true,
		Handler: func(ctx context.Context, call ToolContext) (string, error) {
			runs.Add(1)
			var args struct {
				Location string `json:"location"`
			}
			if err := call.Bind(&args); err != nil {
				return "", err
			}
			return fmt.Sprintf("It's sunny in %s.", args.Location), nil
		},
	}
}

// echoTool runs without review and returns its "text" argument.
func echoTool(runs *atomic.Int32) Tool {
	return Tool{
		Name:        "echo",
		Description: "Echo text",
		Handler: func(ctx context.Context, call ToolContext) (string, error) {
			runs.Add(1)
			var args struct {
				Text string `json:"text"`
			}
			if err := call.Bind(&args); err != nil {
				return "", err
			}
			call.Events.Emit(map[string]any{"type": "echo", "text": args.Text})
			return args.Text, nil
		},
	}
}

func callStep(calls ...llm.ToolCall) llmtest.Step {
	return llmtest.Step{ToolCalls: calls}
}

// replyWithToolResult answers with the last tool result in the request.
func replyWithToolResult(prefix string) llmtest.Step {
	return llmtest.Step{Respond: func(req llm.Request) llmtest.Step {
		return llmtest.Step{Text: prefix + llmtest.LastToolResult(req)}
	}}
}

func lastText(t *testing.T, res *Result) string {
	t.Helper()
	msg, ok := res.LastMessage()
	if !ok {
		t.Fatal("empty conversation")
	}
	return msg.Text()
}

func toolResults(conv []llm.Message) []llm.ToolResult {
	var out []llm.ToolResult
	for _, m := range conv {
		if r := m.ToolResult(); r != nil {
			out = append(out, *r)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
