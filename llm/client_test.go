package llm

import (
	"context"
	"errors"
	"testing"
)

// mockBackend is a test double for Backend.
type mockBackend struct {
	name     string
	response *Response
	err      error
	events   []StreamEvent
	lastReq  Request
	closed   bool
}

func (m *mockBackend) Name() string { return m.name }

func (m *mockBackend) Complete(ctx context.Context, req Request) (*Response, error) {
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	return m.response, nil
}

func (m *mockBackend) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	ch := make(chan StreamEvent, len(m.events))
	for _, e := range m.events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func (m *mockBackend) Close() error {
	m.closed = true
	return nil
}

func newMockBackend(name, text string) *mockBackend {
	return &mockBackend{
		name: name,
		response: &Response{
			ID:           "test_resp",
			Model:        "test-model",
			Provider:     name,
			Message:      AssistantMessage(text),
			FinishReason: FinishReason{Reason: "stop"},
			Usage:        Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
		},
	}
}

func TestClientComplete(t *testing.T) {
	mock := newMockBackend("test-provider", "Hello!")
	client := NewClient(WithProvider("test-provider", mock))

	resp, err := client.Complete(context.Background(), Request{Model: "test-model", Messages: []Message{UserMessage("Hi")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "Hello!" {
		t.Errorf("expected 'Hello!', got %q", resp.Text())
	}
	if mock.lastReq.Provider != "test-provider" {
		t.Errorf("expected provider to be stamped on the request, got %q", mock.lastReq.Provider)
	}
}

func TestClientRoutesProviderPrefix(t *testing.T) {
	a := newMockBackend("openai", "from openai")
	b := newMockBackend("anthropic", "from anthropic")
	client := NewClient(
		WithProvider("openai", a),
		WithProvider("anthropic", b),
		WithDefaultProvider("openai"),
	)

	resp, err := client.Complete(context.Background(), Request{Model: "anthropic:claude-sonnet"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "from anthropic" {
		t.Errorf("expected anthropic backend, got %q", resp.Text())
	}
	if b.lastReq.Model != "claude-sonnet" {
		t.Errorf("expected prefix stripped, got %q", b.lastReq.Model)
	}

	// An unregistered prefix is part of the model name.
	if _, err := client.Complete(context.Background(), Request{Model: "ft:gpt-4o:org"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.lastReq.Model != "ft:gpt-4o:org" {
		t.Errorf("expected model kept intact, got %q", a.lastReq.Model)
	}
}

func TestClientNoProvider(t *testing.T) {
	client := NewClient()
	_, err := client.Complete(context.Background(), Request{Model: "m"})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %T", err)
	}
}

func TestClientMiddlewareOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
			order = append(order, name+":before")
			resp, err := next(ctx, req)
			order = append(order, name+":after")
			return resp, err
		}
	}
	client := NewClient(
		WithProvider("p", newMockBackend("p", "ok")),
		WithMiddleware(mw("first"), mw("second")),
	)
	if _, err := client.Complete(context.Background(), Request{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"first:before", "second:before", "second:after", "first:after"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: expected %q, got %q", i, want[i], order[i])
		}
	}
}

func TestClientStream(t *testing.T) {
	mock := newMockBackend("p", "")
	mock.events = []StreamEvent{
		{Type: StreamStart},
		{Type: TextDelta, Delta: "Hel"},
		{Type: TextDelta, Delta: "lo"},
		{Type: StreamFinish, FinishReason: &FinishReason{Reason: "stop"}},
	}
	client := NewClient(WithProvider("p", mock))

	ch, err := client.Stream(context.Background(), Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	acc := NewAccumulator()
	for ev := range ch {
		acc.Process(ev)
	}
	if acc.Text() != "Hello" {
		t.Errorf("expected 'Hello', got %q", acc.Text())
	}
}

func TestClientClose(t *testing.T) {
	mock := newMockBackend("p", "")
	client := NewClient(WithProvider("p", mock))
	if err := client.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !mock.closed {
		t.Error("expected backend to be closed")
	}
}
