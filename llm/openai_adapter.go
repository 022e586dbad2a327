package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIAdapter implements Backend over the OpenAI chat completions API,
// or any endpoint compatible with it, with native tool calling.
type OpenAIAdapter struct {
	name   string
	client *openai.Client
	model  string
	cfg    *adapterConfig
}

// NewOpenAIAdapter creates an OpenAIAdapter.
func NewOpenAIAdapter(opts ...AdapterOption) (*OpenAIAdapter, error) {
	cfg := newAdapterConfig(opts)
	if cfg.apiKey == "" && cfg.baseURL == "" {
		return nil, &ConfigurationError{BackendError: BackendError{Message: "openai adapter requires an API key or base URL"}}
	}

	clientCfg := openai.DefaultConfig(cfg.apiKey)
	if cfg.baseURL != "" {
		clientCfg.BaseURL = cfg.baseURL
	}
	if cfg.httpClient != nil {
		clientCfg.HTTPClient = cfg.httpClient
	}

	model := cfg.model
	if model == "" {
		model = "gpt-4.1-mini"
	}

	return &OpenAIAdapter{
		name:   "openai",
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
		cfg:    cfg,
	}, nil
}

// Name returns the provider identifier.
func (a *OpenAIAdapter) Name() string { return a.name }

// Complete sends a blocking chat completion request.
func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	chatReq := a.buildRequest(req)

	resp, err := a.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, a.translateError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{
			BackendError: BackendError{Message: "response contained no choices"},
			Provider:     a.name,
			Retryable:    true,
		}
	}

	choice := resp.Choices[0]
	calls := make([]ToolCall, 0, len(choice.Message.ToolCalls))
	for _, tc := range choice.Message.ToolCalls {
		calls = append(calls, fromOpenAIToolCall(tc))
	}

	return &Response{
		ID:           resp.ID,
		Model:        resp.Model,
		Provider:     a.name,
		Message:      AssistantMessage(choice.Message.Content, calls...),
		FinishReason: FinishReason{Reason: normalizeFinish(string(choice.FinishReason)), Raw: string(choice.FinishReason)},
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}, nil
}

// Stream sends a streaming chat completion request. Tool call fragments are
// assembled by index and emitted once the stream ends.
func (a *OpenAIAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	chatReq := a.buildRequest(req)
	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := a.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, a.translateError(err)
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		defer stream.Close()

		if !send(ctx, ch, StreamEvent{Type: StreamStart}) {
			return
		}

		type partial struct {
			id, name string
			args     []byte
		}
		calls := make(map[int]*partial)
		var (
			id, model string
			finish    string
			usage     Usage
		)

		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				send(ctx, ch, StreamEvent{Type: StreamError, Err: a.translateError(err)})
				return
			}
			if chunk.ID != "" {
				id = chunk.ID
			}
			if chunk.Model != "" {
				model = chunk.Model
			}
			if chunk.Usage != nil {
				usage = Usage{
					InputTokens:  chunk.Usage.PromptTokens,
					OutputTokens: chunk.Usage.CompletionTokens,
					TotalTokens:  chunk.Usage.TotalTokens,
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				finish = string(choice.FinishReason)
			}
			if choice.Delta.Content != "" {
				if !send(ctx, ch, StreamEvent{Type: TextDelta, Delta: choice.Delta.Content}) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				p := calls[idx]
				if p == nil {
					p = &partial{}
					calls[idx] = p
				}
				if tc.ID != "" {
					p.id = tc.ID
				}
				if tc.Function.Name != "" {
					p.name = tc.Function.Name
				}
				p.args = append(p.args, tc.Function.Arguments...)
			}
		}

		indexes := make([]int, 0, len(calls))
		for idx := range calls {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)

		var done []ToolCall
		for _, idx := range indexes {
			p := calls[idx]
			if p.name == "" {
				continue
			}
			args := json.RawMessage(p.args)
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			call := ToolCall{ID: p.id, Name: p.name, Arguments: args}
			done = append(done, call)
			if !send(ctx, ch, StreamEvent{Type: ToolCallEnd, ToolCall: &call}) {
				return
			}
		}

		fr := FinishReason{Reason: normalizeFinish(finish), Raw: finish}
		send(ctx, ch, StreamEvent{
			Type:         StreamFinish,
			FinishReason: &fr,
			Usage:        &usage,
			Response: &Response{
				ID:           id,
				Model:        model,
				Provider:     a.name,
				Message:      AssistantMessage("", done...),
				FinishReason: fr,
				Usage:        usage,
			},
		})
	}()

	return ch, nil
}

func (a *OpenAIAdapter) buildRequest(req Request) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = a.model
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAIMessages(req.Messages),
	}
	if req.MaxTokens != nil {
		chatReq.MaxCompletionTokens = *req.MaxTokens
	} else if a.cfg.maxTokens > 0 {
		chatReq.MaxCompletionTokens = a.cfg.maxTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}

	for _, t := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if req.ToolChoice != nil && len(chatReq.Tools) > 0 {
		switch req.ToolChoice.Mode {
		case "named":
			chatReq.ToolChoice = openai.ToolChoice{
				Type:     openai.ToolTypeFunction,
				Function: openai.ToolFunction{Name: req.ToolChoice.ToolName},
			}
		case "auto", "none", "required":
			chatReq.ToolChoice = req.ToolChoice.Mode
		}
	}
	return chatReq
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: msg.Text()})
		case RoleUser:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Text()})
		case RoleAssistant:
			m := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Text()}
			for _, call := range msg.ToolCalls() {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Arguments),
					},
				})
			}
			out = append(out, m)
		case RoleTool:
			r := msg.ToolResult()
			if r == nil {
				continue
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    r.Content,
				ToolCallID: r.ToolCallID,
			})
		}
	}
	return out
}

func fromOpenAIToolCall(tc openai.ToolCall) ToolCall {
	args := json.RawMessage(tc.Function.Arguments)
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args}
}

func normalizeFinish(raw string) string {
	switch raw {
	case "stop", "length", "tool_calls", "content_filter":
		return raw
	case "function_call":
		return "tool_calls"
	case "":
		return "stop"
	default:
		return "other"
	}
}

// translateError maps go-openai errors into the backend error hierarchy.
func (a *OpenAIAdapter) translateError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &AbortError{BackendError: BackendError{Message: "request cancelled", Cause: err}}
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return ErrorFromStatusCode(apiErr.HTTPStatusCode, a.name, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return ErrorFromStatusCode(reqErr.HTTPStatusCode, a.name, reqErr.Error(), err)
	}
	return &NetworkError{BackendError: BackendError{Message: "openai request failed", Cause: err}}
}
