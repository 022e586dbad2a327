package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter wraps a gollm.LLM instance and implements Backend.
//
// gollm works on a single prompt string, so the conversation is flattened
// into a system prompt plus a transcript, and tool calls are recovered from
// a JSON array in the reply text.
type GollmAdapter struct {
	provider    string
	llm         gollm.LLM
	model       string
	maxTokens   int
	temperature float64

	// gollm applies per-request options by mutating the shared LLM, so calls
	// that override them are serialized.
	overrideMu sync.Mutex
}

// NewGollmAdapter creates a GollmAdapter for provider. Without an API key
// gollm reads the provider's usual environment variable.
func NewGollmAdapter(provider string, opts ...AdapterOption) (*GollmAdapter, error) {
	cfg := newAdapterConfig(opts)

	model := cfg.model
	if model == "" {
		switch provider {
		case "anthropic":
			model = "claude-sonnet-4-5-20250929"
		default:
			model = "gpt-4.1-mini"
		}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // retries belong to the runtime's policy
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.gollmOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gollm LLM for provider %s: %w", provider, err)
	}

	return &GollmAdapter{
		provider:    provider,
		llm:         llm,
		model:       model,
		maxTokens:   cfg.maxTokens,
		temperature: cfg.temperature,
	}, nil
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM instance. opts describe
// how llm is configured; per-request overrides are reverted to these values.
func NewGollmAdapterFromLLM(provider, model string, llm gollm.LLM, opts ...AdapterOption) *GollmAdapter {
	cfg := newAdapterConfig(opts)
	return &GollmAdapter{
		provider:    provider,
		llm:         llm,
		model:       model,
		maxTokens:   cfg.maxTokens,
		temperature: cfg.temperature,
	}
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// Complete sends a blocking request and returns the full response.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := a.translateRequest(req)

	if a.needsOverride(req) {
		a.overrideMu.Lock()
		defer a.overrideMu.Unlock()
		a.applyRequestOptions(req)
		defer a.restoreDefaults()
	}

	text, err := a.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}
	return a.buildResponse(req, text), nil
}

// Stream sends a streaming request. Providers without native streaming
// produce a single delta holding the whole reply.
func (a *GollmAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	prompt := a.translateRequest(req)

	release := func() {}
	if a.needsOverride(req) {
		a.overrideMu.Lock()
		a.applyRequestOptions(req)
		release = func() {
			a.restoreDefaults()
			a.overrideMu.Unlock()
		}
	}

	ch := make(chan StreamEvent)

	if !a.llm.SupportsStreaming() {
		go func() {
			defer close(ch)
			defer release()
			if !send(ctx, ch, StreamEvent{Type: StreamStart}) {
				return
			}
			text, err := a.llm.Generate(ctx, prompt)
			if err != nil {
				send(ctx, ch, StreamEvent{Type: StreamError, Err: a.translateError(err)})
				return
			}
			resp := a.buildResponse(req, text)
			if text := resp.Text(); text != "" {
				if !send(ctx, ch, StreamEvent{Type: TextDelta, Delta: text}) {
					return
				}
			}
			a.finish(ctx, ch, resp)
		}()
		return ch, nil
	}

	stream, err := a.llm.Stream(ctx, prompt)
	if err != nil {
		release()
		return nil, a.translateError(err)
	}

	go func() {
		defer close(ch)
		defer release()
		defer stream.Close()

		if !send(ctx, ch, StreamEvent{Type: StreamStart}) {
			return
		}

		var full strings.Builder
		var sent string
		for {
			token, err := stream.Next(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				send(ctx, ch, StreamEvent{Type: StreamError, Err: a.translateError(err)})
				return
			}
			if token == nil || token.Text == "" {
				continue
			}
			full.WriteString(token.Text)
			// Tool call JSON and text that may still turn into it are held back.
			if safe := visiblePrefix(full.String()); len(safe) > len(sent) {
				if !send(ctx, ch, StreamEvent{Type: TextDelta, Delta: safe[len(sent):]}) {
					return
				}
				sent = safe
			}
		}

		resp := a.buildResponse(req, full.String())
		if rest, ok := strings.CutPrefix(resp.Text(), sent); ok && rest != "" {
			if !send(ctx, ch, StreamEvent{Type: TextDelta, Delta: rest}) {
				return
			}
		}
		a.finish(ctx, ch, resp)
	}()

	return ch, nil
}

func (a *GollmAdapter) finish(ctx context.Context, ch chan<- StreamEvent, resp *Response) {
	for _, call := range resp.ToolCalls() {
		if !send(ctx, ch, StreamEvent{Type: ToolCallEnd, ToolCall: &call}) {
			return
		}
	}
	send(ctx, ch, StreamEvent{
		Type:         StreamFinish,
		FinishReason: &resp.FinishReason,
		Usage:        &resp.Usage,
		Response:     resp,
	})
}

// translateRequest flattens the conversation into a gollm Prompt.
func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	var system []string
	var transcript []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			system = append(system, msg.Text())
		case RoleUser:
			transcript = append(transcript, msg.Text())
		case RoleAssistant:
			if text := msg.Text(); text != "" {
				transcript = append(transcript, "[Assistant]: "+text)
			}
			for _, call := range msg.ToolCalls() {
				transcript = append(transcript, fmt.Sprintf("[Tool Call %s]: %s %s", call.ID, call.Name, string(call.Arguments)))
			}
		case RoleTool:
			if r := msg.ToolResult(); r != nil {
				prefix := "[Tool Result]"
				if r.IsError {
					prefix = "[Tool Error]"
				}
				transcript = append(transcript, prefix+": "+r.Content)
			}
		}
	}

	text := strings.Join(transcript, "\n")
	if text == "" {
		text = "Hello"
	}

	var promptOpts []gollm.PromptOption
	if len(system) > 0 {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(strings.Join(system, "\n"), gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
	}
	if req.ToolChoice != nil {
		promptOpts = append(promptOpts, gollm.WithToolChoice(req.ToolChoice.Mode))
	}

	return gollm.NewPrompt(text, promptOpts...)
}

func (a *GollmAdapter) needsOverride(req Request) bool {
	return (req.Model != "" && req.Model != a.model) || req.Temperature != nil || req.MaxTokens != nil
}

func (a *GollmAdapter) applyRequestOptions(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

func (a *GollmAdapter) restoreDefaults() {
	a.llm.SetOption("model", a.model)
	a.llm.SetOption("temperature", a.temperature)
	a.llm.SetOption("max_tokens", a.maxTokens)
}

// buildResponse constructs a Response from generated text.
func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}

	calls := parseToolCalls(text)
	visible := text
	if len(calls) > 0 {
		visible = text[:toolCallStart(text)]
	}
	visible = strings.TrimSpace(visible)

	msg := AssistantMessage(visible, calls...)
	finish := FinishReason{Reason: "stop", Raw: "stop"}
	if len(calls) > 0 {
		finish = FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}

	// gollm does not expose provider usage; estimate from text length.
	in := estimateTokens(req)
	out := len(text) / 4
	return &Response{
		ID:           "resp_" + uuid.New().String()[:8],
		Model:        model,
		Provider:     a.provider,
		Message:      msg,
		FinishReason: finish,
		Usage:        Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
	}
}

var toolCallMarkers = []string{`{"tool_calls"`, `[{"name"`}

// toolCallStart returns the offset of an embedded tool call array, or -1.
func toolCallStart(text string) int {
	for _, marker := range toolCallMarkers {
		if i := strings.Index(text, marker); i >= 0 {
			return i
		}
	}
	return -1
}

// visiblePrefix returns the part of a partial reply that opens the visible
// text of every reply that continues it. A trailing fragment that could grow
// into a tool call marker is withheld, as is surrounding whitespace.
func visiblePrefix(partial string) string {
	text := strings.TrimLeftFunc(partial, unicode.IsSpace)
	if i := toolCallStart(text); i >= 0 {
		text = text[:i]
	} else {
		text = text[:len(text)-markerOverlap(text)]
	}
	return strings.TrimRightFunc(text, unicode.IsSpace)
}

// markerOverlap returns the length of the longest suffix of text that is a
// proper prefix of a tool call marker.
func markerOverlap(text string) int {
	n := 0
	for _, marker := range toolCallMarkers {
		for k := min(len(marker)-1, len(text)); k > n; k-- {
			if strings.HasSuffix(text, marker[:k]) {
				n = k
				break
			}
		}
	}
	return n
}

// parseToolCalls extracts tool calls gollm returns as JSON in the reply,
// either {"tool_calls":[...]} or a bare [{"name":...,"arguments":...}] array.
func parseToolCalls(text string) []ToolCall {
	start := toolCallStart(text)
	if start < 0 {
		return nil
	}

	type rawCall struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	var raw []rawCall
	dec := json.NewDecoder(strings.NewReader(text[start:]))
	if strings.HasPrefix(text[start:], `{"tool_calls"`) {
		var wrapped struct {
			ToolCalls []rawCall `json:"tool_calls"`
		}
		if err := dec.Decode(&wrapped); err != nil {
			return nil
		}
		raw = wrapped.ToolCalls
	} else if err := dec.Decode(&raw); err != nil {
		return nil
	}

	calls := make([]ToolCall, 0, len(raw))
	for _, rc := range raw {
		if rc.Name == "" {
			continue
		}
		args := rc.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, ToolCall{
			ID:        "call_" + uuid.New().String()[:8],
			Name:      rc.Name,
			Arguments: args,
		})
	}
	return calls
}

// translateError maps a gollm error into the backend error hierarchy.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &AbortError{BackendError: BackendError{Message: "request cancelled", Cause: err}}
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	status := 0
	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		status = 401
	case strings.Contains(lower, "403") || strings.Contains(lower, "forbidden"):
		status = 403
	case strings.Contains(lower, "404") || strings.Contains(lower, "not found"):
		status = 404
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		status = 429
	case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
		status = 413
	case strings.Contains(lower, "500") || strings.Contains(lower, "internal server"):
		status = 500
	case strings.Contains(lower, "timeout"):
		return &TimeoutError{BackendError: BackendError{Message: msg, Cause: err}}
	case strings.Contains(lower, "content filter") || strings.Contains(lower, "safety"):
		return &ContentFilterError{ProviderError: ProviderError{
			BackendError: BackendError{Message: msg, Cause: err}, Provider: a.provider,
		}}
	}
	return ErrorFromStatusCode(status, a.provider, msg, err)
}

// estimateTokens gives a rough input token count for a request.
func estimateTokens(req Request) int {
	total := 0
	for _, msg := range req.Messages {
		total += len(msg.Text()) / 4
	}
	if total == 0 {
		total = 10
	}
	return total
}
