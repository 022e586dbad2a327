package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/teilomillet/gollm"
	gollmllm "github.com/teilomillet/gollm/llm"
)

func TestGollmAdapterTranslateError(t *testing.T) {
	adapter := &GollmAdapter{provider: "openai"}

	tests := []struct {
		msg   string
		check func(error) bool
	}{
		{"401 Unauthorized", func(err error) bool { var e *AuthenticationError; return errors.As(err, &e) }},
		{"invalid api key", func(err error) bool { var e *AuthenticationError; return errors.As(err, &e) }},
		{"403 Forbidden", func(err error) bool { var e *AccessDeniedError; return errors.As(err, &e) }},
		{"404 not found", func(err error) bool { var e *NotFoundError; return errors.As(err, &e) }},
		{"429 rate limit exceeded", func(err error) bool { var e *RateLimitError; return errors.As(err, &e) }},
		{"context length exceeded", func(err error) bool { var e *ContextLengthError; return errors.As(err, &e) }},
		{"500 internal server error", func(err error) bool { var e *ServerError; return errors.As(err, &e) }},
		{"timeout waiting for response", func(err error) bool { var e *TimeoutError; return errors.As(err, &e) }},
		{"content filter triggered", func(err error) bool { var e *ContentFilterError; return errors.As(err, &e) }},
		{"something unknown", func(err error) bool { var e *ProviderError; return errors.As(err, &e) }},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			err := adapter.translateError(errors.New(tt.msg))
			if !tt.check(err) {
				t.Errorf("unexpected error type %T", err)
			}
		})
	}
}

func TestParseToolCalls(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		names []string
	}{
		{"none", "Just text.", nil},
		{"wrapped", `Let me check. {"tool_calls":[{"name":"get_weather","arguments":{"city":"Boston"}}]}`, []string{"get_weather"}},
		{"bare array", `[{"name":"a","arguments":{}},{"name":"b"}]`, []string{"a", "b"}},
		{"malformed", `{"tool_calls":[{"name":`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := parseToolCalls(tt.text)
			if len(calls) != len(tt.names) {
				t.Fatalf("expected %d calls, got %d", len(tt.names), len(calls))
			}
			for i, call := range calls {
				if call.Name != tt.names[i] {
					t.Errorf("call %d: expected %q, got %q", i, tt.names[i], call.Name)
				}
				if !strings.HasPrefix(call.ID, "call_") {
					t.Errorf("call %d: unexpected id %q", i, call.ID)
				}
				if len(call.Arguments) == 0 {
					t.Errorf("call %d: expected arguments to default to {}", i)
				}
			}
		})
	}
}

func TestGollmBuildResponse(t *testing.T) {
	adapter := &GollmAdapter{provider: "openai", model: "gpt-test"}
	resp := adapter.buildResponse(Request{Messages: []Message{UserMessage("weather in Boston?")}},
		`Checking. {"tool_calls":[{"name":"get_weather","arguments":{"city":"Boston"}}]}`)

	if resp.Text() != "Checking." {
		t.Errorf("expected tool call JSON stripped from text, got %q", resp.Text())
	}
	if resp.FinishReason.Reason != "tool_calls" {
		t.Errorf("expected tool_calls finish, got %q", resp.FinishReason.Reason)
	}
	if resp.Model != "gpt-test" {
		t.Errorf("expected default model, got %q", resp.Model)
	}
	if !resp.Usage.Consistent() {
		t.Errorf("estimated usage must be consistent: %+v", resp.Usage)
	}
}

// fakeGollm replays a fixed reply, token by token when streaming, and
// records the options set on it.
type fakeGollm struct {
	gollm.LLM
	tokens    []string
	streaming bool

	mu      sync.Mutex
	options map[string]any
}

func newFakeGollm(streaming bool, tokens ...string) *fakeGollm {
	return &fakeGollm{tokens: tokens, streaming: streaming, options: make(map[string]any)}
}

func (f *fakeGollm) Generate(ctx context.Context, prompt *gollm.Prompt, opts ...gollmllm.GenerateOption) (string, error) {
	return strings.Join(f.tokens, ""), nil
}

func (f *fakeGollm) SupportsStreaming() bool { return f.streaming }

func (f *fakeGollm) Stream(ctx context.Context, prompt *gollm.Prompt, opts ...gollm.StreamOption) (gollm.TokenStream, error) {
	return &fakeTokenStream{tokens: f.tokens}, nil
}

func (f *fakeGollm) SetOption(key string, value any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.options[key] = value
}

func (f *fakeGollm) option(key string) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.options[key]
}

type fakeTokenStream struct {
	tokens []string
	next   int
}

func (s *fakeTokenStream) Next(ctx context.Context) (*gollm.StreamToken, error) {
	if s.next >= len(s.tokens) {
		return nil, io.EOF
	}
	tok := &gollm.StreamToken{Text: s.tokens[s.next], Type: "text", Index: s.next}
	s.next++
	return tok, nil
}

func (s *fakeTokenStream) Close() error { return nil }

func drainStream(t *testing.T, ch <-chan StreamEvent) (*Accumulator, []string) {
	t.Helper()
	acc := NewAccumulator()
	var deltas []string
	for ev := range ch {
		if ev.Type == TextDelta {
			deltas = append(deltas, ev.Delta)
		}
		acc.Process(ev)
	}
	if err := acc.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if !acc.Finished() {
		t.Fatal("stream ended without a finish event")
	}
	return acc, deltas
}

func TestGollmStreamMatchesComplete(t *testing.T) {
	tests := []struct {
		name   string
		tokens []string
		text   string
		calls  []string
	}{
		{
			name:   "wrapped call split across tokens",
			tokens: []string{"Checking", " the weather.", "\n", `{"`, "tool_", `calls":[{"name":"get_weather","arguments":{"city":"Boston"}}]}`},
			text:   "Checking the weather.",
			calls:  []string{"get_weather"},
		},
		{
			name:   "bare array split inside the marker",
			tokens: []string{"Sure ", "[", `{"na`, `me":"lookup"}]`},
			text:   "Sure",
			calls:  []string{"lookup"},
		},
		{
			name:   "call with no text",
			tokens: []string{"  ", `{"tool_calls":[{"name":"a"},{"name":"b"}]}`, "\n"},
			text:   "",
			calls:  []string{"a", "b"},
		},
		{
			name:   "brackets that are not a call",
			tokens: []string{"See [1", "] and {x}", "  "},
			text:   "See [1] and {x}",
		},
		{
			name:   "surrounding whitespace",
			tokens: []string{"\n  Hello", " world", "\n\n"},
			text:   "Hello world",
		},
		{
			name:   "malformed call stays visible",
			tokens: []string{"Note: ", `{"tool_calls": oops`},
			text:   `Note: {"tool_calls": oops`,
		},
	}

	req := Request{Messages: []Message{UserMessage("hi")}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()

			complete, err := NewGollmAdapterFromLLM("openai", "gpt-test", newFakeGollm(false, tt.tokens...)).Complete(ctx, req)
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			if complete.Text() != tt.text {
				t.Errorf("Complete text: expected %q, got %q", tt.text, complete.Text())
			}

			ch, err := NewGollmAdapterFromLLM("openai", "gpt-test", newFakeGollm(true, tt.tokens...)).Stream(ctx, req)
			if err != nil {
				t.Fatalf("Stream: %v", err)
			}
			acc, deltas := drainStream(t, ch)
			if acc.Text() != complete.Text() {
				t.Errorf("streamed text %q differs from completed text %q", acc.Text(), complete.Text())
			}
			if len(tt.calls) > 0 {
				for _, d := range deltas {
					if strings.ContainsAny(d, "{[") {
						t.Errorf("delta %q leaks tool call JSON", d)
					}
				}
			}

			streamed := acc.Response().ToolCalls()
			if len(streamed) != len(tt.calls) || len(complete.ToolCalls()) != len(tt.calls) {
				t.Fatalf("expected %d calls, streamed %d, completed %d", len(tt.calls), len(streamed), len(complete.ToolCalls()))
			}
			for i, call := range streamed {
				if call.Name != tt.calls[i] {
					t.Errorf("call %d: expected %q, got %q", i, tt.calls[i], call.Name)
				}
			}
		})
	}
}

func TestVisiblePrefixWithholdsMarkerFragments(t *testing.T) {
	tests := map[string]string{
		"Hello":               "Hello",
		"Hello {":             "Hello",
		`Hello {"tool`:        "Hello",
		`Hello [{"n`:          "Hello",
		"Hello [":             "Hello",
		"Hello [x":            "Hello [x",
		"  Hello  ":           "Hello",
		`ok {"tool_calls":[]`: "ok",
	}
	for partial, want := range tests {
		if got := visiblePrefix(partial); got != want {
			t.Errorf("visiblePrefix(%q): expected %q, got %q", partial, want, got)
		}
	}
}

func TestGollmRestoresOptionsAfterOverride(t *testing.T) {
	temp := 0.1
	maxTokens := 64
	req := Request{
		Model:       "gpt-other",
		Messages:    []Message{UserMessage("hi")},
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	}

	check := func(t *testing.T, fake *fakeGollm) {
		t.Helper()
		if got := fake.option("model"); got != "gpt-test" {
			t.Errorf("model not restored: %v", got)
		}
		if got := fake.option("temperature"); got != 0.3 {
			t.Errorf("temperature not restored: %v", got)
		}
		if got := fake.option("max_tokens"); got != 512 {
			t.Errorf("max_tokens not restored: %v", got)
		}
	}

	for _, streaming := range []bool{false, true} {
		fake := newFakeGollm(streaming, "done")
		adapter := NewGollmAdapterFromLLM("openai", "gpt-test", fake, WithTemperature(0.3), WithMaxTokens(512))

		if _, err := adapter.Complete(context.Background(), req); err != nil {
			t.Fatalf("Complete: %v", err)
		}
		check(t, fake)

		ch, err := adapter.Stream(context.Background(), req)
		if err != nil {
			t.Fatalf("Stream: %v", err)
		}
		drainStream(t, ch)
		check(t, fake)
	}
}
