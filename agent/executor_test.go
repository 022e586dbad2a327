package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/martinemde/agentrt/llm"
)

func newTestExecutor(t *testing.T, opts ExecutorOptions, tools ...Tool) *Executor {
	t.Helper()
	reg := NewToolRegistry()
	for _, tool := range tools {
		if err := reg.Register(tool); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	opts.Logger = quietLogger()
	return NewExecutor(reg, opts)
}

func testEnv() CallEnv {
	return CallEnv{ThreadID: "t1", Events: EventSinkFunc(func(any) {})}
}

func sleepTool() Tool {
	return Tool{
		Name: "sleep",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"ms": map[string]any{"type": "integer"}},
		},
		Handler: func(ctx context.Context, call ToolContext) (string, error) {
			var args struct {
				MS int `json:"ms"`
			}
			if err := call.Bind(&args); err != nil {
				return "", err
			}
			time.Sleep(time.Duration(args.MS) * time.Millisecond)
			return call.CallID, nil
		},
	}
}

func sleepCall(id string, ms int) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: "sleep", Arguments: json.RawMessage(fmt.Sprintf(`{"ms":%d}`, ms))}
}

func TestExecutorPreservesIssuanceOrder(t *testing.T) {
	exec := newTestExecutor(t, ExecutorOptions{Workers: 4}, sleepTool())
	calls := []llm.ToolCall{sleepCall("c1", 30), sleepCall("c2", 1), sleepCall("c3", 15)}

	results := exec.Dispatch(context.Background(), calls, testEnv())
	for i, res := range results {
		if res.ToolCallID != calls[i].ID || res.Content != calls[i].ID {
			t.Errorf("result %d: expected %s, got %+v", i, calls[i].ID, res)
		}
	}
}

func TestExecutorBoundsWorkers(t *testing.T) {
	var inFlight, peak atomic.Int32
	tool := Tool{
		Name: "busy",
		Handler: func(ctx context.Context, call ToolContext) (string, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			return "ok", nil
		},
	}
	exec := newTestExecutor(t, ExecutorOptions{Workers: 2}, tool)

	calls := make([]llm.ToolCall, 6)
	for i := range calls {
		calls[i] = llm.ToolCall{ID: fmt.Sprint(i), Name: "busy", Arguments: json.RawMessage(`{}`)}
	}
	for _, res := range exec.Dispatch(context.Background(), calls, testEnv()) {
		if res.IsError {
			t.Errorf("unexpected error result %+v", res)
		}
	}
	if peak.Load() > 2 {
		t.Errorf("expected at most 2 concurrent handlers, saw %d", peak.Load())
	}
}

func TestExecutorFaults(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	tools := []Tool{
		{Name: "fails", Handler: func(ctx context.Context, call ToolContext) (string, error) {
			return "", errors.New("disk full")
		}},
		{Name: "panics", Handler: func(ctx context.Context, call ToolContext) (string, error) {
			panic("boom")
		}},
		{Name: "hangs", Handler: func(ctx context.Context, call ToolContext) (string, error) {
			<-release
			return "late", nil
		}},
		{Name: "typed", Parameters: locationSchema, Handler: func(ctx context.Context, call ToolContext) (string, error) {
			return "ran", nil
		}},
	}
	exec := newTestExecutor(t, ExecutorOptions{Workers: 4, Timeout: 20 * time.Millisecond}, tools...)

	tests := []struct {
		name string
		call llm.ToolCall
		want string
	}{
		{"handler error", llm.ToolCall{ID: "c1", Name: "fails"}, "Tool error (fails): disk full"},
		{"panic", llm.ToolCall{ID: "c2", Name: "panics"}, "Tool error (panics): panic: boom"},
		{"timeout", llm.ToolCall{ID: "c3", Name: "hangs"}, "Tool error (hangs): context deadline exceeded"},
		{"unknown", llm.ToolCall{ID: "c4", Name: "missing"}, "Unknown tool: missing"},
		{"schema", llm.ToolCall{ID: "c5", Name: "typed", Arguments: json.RawMessage(`{"location":1}`)}, "typed"},
		{"malformed", llm.ToolCall{ID: "c6", Name: "typed", Arguments: json.RawMessage(`{`)}, "not valid JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := exec.Dispatch(context.Background(), []llm.ToolCall{tt.call}, testEnv())[0]
			if !res.IsError || res.Status != llm.StatusError {
				t.Fatalf("expected error result, got %+v", res)
			}
			if res.ToolCallID != tt.call.ID {
				t.Errorf("expected call id %s, got %s", tt.call.ID, res.ToolCallID)
			}
			if !strings.Contains(res.Content, tt.want) {
				t.Errorf("expected %q in %q", tt.want, res.Content)
			}
		})
	}
}

func TestExecutorTruncatesOutput(t *testing.T) {
	tool := Tool{Name: "big", Handler: func(ctx context.Context, call ToolContext) (string, error) {
		return strings.Repeat("x", 1000), nil
	}}
	exec := newTestExecutor(t, ExecutorOptions{Workers: 1, OutputLimit: 100}, tool)

	res := exec.Dispatch(context.Background(), []llm.ToolCall{{ID: "c1", Name: "big"}}, testEnv())[0]
	if res.IsError {
		t.Fatalf("unexpected error %q", res.Content)
	}
	if !strings.Contains(res.Content, "900 characters were removed") {
		t.Errorf("expected truncation marker, got %q", res.Content)
	}
	if strings.Count(res.Content, "x") != 100 {
		t.Errorf("expected 100 characters kept, got %d", strings.Count(res.Content, "x"))
	}
}

func TestExecutorPassesContext(t *testing.T) {
	var got ToolContext
	tool := Tool{Name: "inspect", Handler: func(ctx context.Context, call ToolContext) (string, error) {
		got = call
		call.Events.Emit("progress")
		return "ok", nil
	}}
	exec := newTestExecutor(t, ExecutorOptions{Workers: 1}, tool)

	var events []any
	env := CallEnv{
		ThreadID: "t9",
		Events:   EventSinkFunc(func(p any) { events = append(events, p) }),
		State:    newView([]llm.Message{llm.UserMessage("hi")}),
	}
	exec.Dispatch(context.Background(), []llm.ToolCall{{ID: "c1", Name: "inspect", Arguments: json.RawMessage(`{}`)}}, env)

	if got.ThreadID != "t9" || got.CallID != "c1" || got.Name != "inspect" {
		t.Errorf("unexpected tool context %+v", got)
	}
	if got.State.Len() != 1 || got.State.Count(llm.RoleUser) != 1 {
		t.Errorf("expected conversation view, got %d messages", got.State.Len())
	}
	if len(events) != 1 || events[0] != "progress" {
		t.Errorf("expected custom event forwarded, got %v", events)
	}
}

func TestExecutorDropsEventsAfterTimeout(t *testing.T) {
	emittedLate := make(chan struct{})
	tool := Tool{Name: "straggler", Handler: func(ctx context.Context, call ToolContext) (string, error) {
		call.Events.Emit("started")
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		call.Events.Emit("late")
		close(emittedLate)
		return "too late", nil
	}}
	exec := newTestExecutor(t, ExecutorOptions{Workers: 1, Timeout: 20 * time.Millisecond}, tool)

	var mu sync.Mutex
	var events []any
	env := CallEnv{ThreadID: "t1", Events: EventSinkFunc(func(p any) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, p)
	})}

	res := exec.Dispatch(context.Background(), []llm.ToolCall{{ID: "c1", Name: "straggler", Arguments: json.RawMessage(`{}`)}}, env)[0]
	if !res.IsError || !strings.Contains(res.Content, "context deadline exceeded") {
		t.Fatalf("expected timeout result, got %+v", res)
	}

	select {
	case <-emittedLate:
	case <-time.After(time.Second):
		t.Fatal("handler never reached its late emit")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 || events[0] != "started" {
		t.Errorf("expected only the event emitted before the timeout, got %v", events)
	}
}
