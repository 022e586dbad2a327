// Package llmtest provides a scripted llm.Backend for tests and demos.
package llmtest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/martinemde/agentrt/llm"
)

// Step scripts one backend call.
type Step struct {
	Text      string
	ToolCalls []llm.ToolCall
	// Chunks overrides how Text is split into stream deltas.
	Chunks []string
	// Usage overrides the computed usage.
	Usage *llm.Usage
	// Err fails the call.
	Err error
	// Delay is waited before answering; ChunkDelay between stream deltas.
	Delay      time.Duration
	ChunkDelay time.Duration
	// Respond computes the step from the request when set.
	Respond func(req llm.Request) Step
}

// Backend replays scripted steps in order. Once the script is exhausted the
// Fallback step is used, or the call fails.
type Backend struct {
	name     string
	mu       sync.Mutex
	steps    []Step
	Fallback *Step

	requests    []llm.Request
	inFlight    int
	maxInFlight int
	cancelled   int
}

// New creates a Backend that replays steps.
func New(steps ...Step) *Backend {
	return &Backend{name: "scripted", steps: steps}
}

// Name returns the provider identifier.
func (b *Backend) Name() string { return b.name }

// Push appends steps to the script.
func (b *Backend) Push(steps ...Step) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.steps = append(b.steps, steps...)
}

// Requests returns a copy of every request received.
func (b *Backend) Requests() []llm.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]llm.Request(nil), b.requests...)
}

// Calls returns the number of requests received.
func (b *Backend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

// MaxInFlight returns the highest number of concurrent calls observed.
func (b *Backend) MaxInFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxInFlight
}

// Cancelled returns how many calls stopped because their context ended.
func (b *Backend) Cancelled() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelled
}

func (b *Backend) next(req llm.Request) (Step, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	var step Step
	switch {
	case len(b.steps) > 0:
		step = b.steps[0]
		b.steps = b.steps[1:]
	case b.Fallback != nil:
		step = *b.Fallback
	default:
		b.mu.Unlock()
		return Step{}, fmt.Errorf("llmtest: no scripted step for call %d", len(b.requests))
	}
	b.inFlight++
	if b.inFlight > b.maxInFlight {
		b.maxInFlight = b.inFlight
	}
	b.mu.Unlock()

	if step.Respond != nil {
		step = step.Respond(req)
	}
	return step, nil
}

func (b *Backend) done(cancelled bool) {
	b.mu.Lock()
	b.inFlight--
	if cancelled {
		b.cancelled++
	}
	b.mu.Unlock()
}

// Complete answers with the next scripted step.
func (b *Backend) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	step, err := b.next(req)
	if err != nil {
		return nil, err
	}
	if err := wait(ctx, step.Delay); err != nil {
		b.done(true)
		return nil, err
	}
	b.done(false)
	if step.Err != nil {
		return nil, step.Err
	}
	return response(req, step), nil
}

// Stream answers with the next scripted step as text deltas followed by tool
// calls and a finish event.
func (b *Backend) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamEvent, error) {
	step, err := b.next(req)
	if err != nil {
		return nil, err
	}
	if step.Err != nil {
		b.done(false)
		return nil, step.Err
	}

	ch := make(chan llm.StreamEvent)
	go func() {
		defer close(ch)
		cancelled := true
		defer func() { b.done(cancelled) }()

		if err := wait(ctx, step.Delay); err != nil {
			return
		}
		resp := response(req, step)
		if !emit(ctx, ch, llm.StreamEvent{Type: llm.StreamStart}) {
			return
		}
		for _, chunk := range chunks(step) {
			if err := wait(ctx, step.ChunkDelay); err != nil {
				return
			}
			if !emit(ctx, ch, llm.StreamEvent{Type: llm.TextDelta, Delta: chunk}) {
				return
			}
		}
		for _, call := range resp.ToolCalls() {
			if !emit(ctx, ch, llm.StreamEvent{Type: llm.ToolCallEnd, ToolCall: &call}) {
				return
			}
		}
		if !emit(ctx, ch, llm.StreamEvent{
			Type:         llm.StreamFinish,
			FinishReason: &resp.FinishReason,
			Usage:        &resp.Usage,
			Response:     resp,
		}) {
			return
		}
		cancelled = false
	}()
	return ch, nil
}

func response(req llm.Request, step Step) *llm.Response {
	usage := llm.Usage{InputTokens: 10 * len(req.Messages), OutputTokens: len(step.Text)/4 + 1}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	if step.Usage != nil {
		usage = *step.Usage
	}
	finish := llm.FinishReason{Reason: "stop"}
	if len(step.ToolCalls) > 0 {
		finish = llm.FinishReason{Reason: "tool_calls"}
	}
	model := req.Model
	if model == "" {
		model = "scripted-model"
	}
	return &llm.Response{
		ID:           fmt.Sprintf("resp_%d", time.Now().UnixNano()),
		Model:        model,
		Provider:     "scripted",
		Message:      llm.AssistantMessage(step.Text, step.ToolCalls...),
		FinishReason: finish,
		Usage:        usage,
	}
}

// chunks splits text after each space so every word is its own delta.
func chunks(step Step) []string {
	if step.Chunks != nil {
		return step.Chunks
	}
	if step.Text == "" {
		return nil
	}
	var out []string
	rest := step.Text
	for rest != "" {
		i := strings.IndexByte(rest, ' ')
		if i < 0 {
			out = append(out, rest)
			break
		}
		out = append(out, rest[:i+1])
		rest = rest[i+1:]
	}
	return out
}

func emit(ctx context.Context, ch chan<- llm.StreamEvent, ev llm.StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Call builds a ToolCall with JSON-encoded arguments.
func Call(id, name string, args any) llm.ToolCall {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(err)
	}
	return llm.ToolCall{ID: id, Name: name, Arguments: raw}
}

// LastToolResult returns the content of the last tool message in req.
func LastToolResult(req llm.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if r := req.Messages[i].ToolResult(); r != nil {
			return r.Content
		}
	}
	return ""
}
