package llm

import (
	"encoding/json"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Role identifies who produced a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentKind is the discriminator tag for ContentPart.
type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentToolCall   ContentKind = "tool_call"
	ContentToolResult ContentKind = "tool_result"
	ContentThinking   ContentKind = "thinking"
)

// ToolCall is a model-initiated tool invocation. The id is unique within the
// assistant message that issued it.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ResultStatus classifies a ToolResult.
type ResultStatus string

const (
	StatusSuccess  ResultStatus = "success"
	StatusError    ResultStatus = "error"
	StatusRejected ResultStatus = "rejected"
)

// ToolResult answers exactly one ToolCall.
type ToolResult struct {
	ToolCallID string       `json:"tool_call_id"`
	Name       string       `json:"name"`
	Content    string       `json:"content"`
	IsError    bool         `json:"is_error"`
	Status     ResultStatus `json:"status"`
}

// ThinkingData holds model reasoning content.
type ThinkingData struct {
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
}

// ContentPart is a tagged union representing one block of a message.
type ContentPart struct {
	Kind       ContentKind   `json:"kind"`
	Text       string        `json:"text,omitempty"`
	ToolCall   *ToolCall     `json:"tool_call,omitempty"`
	ToolResult *ToolResult   `json:"tool_result,omitempty"`
	Thinking   *ThinkingData `json:"thinking,omitempty"`
}

// TextPart creates a text ContentPart.
func TextPart(text string) ContentPart {
	return ContentPart{Kind: ContentText, Text: text}
}

// ToolCallPart creates a tool call ContentPart.
func ToolCallPart(call ToolCall) ContentPart {
	return ContentPart{Kind: ContentToolCall, ToolCall: &call}
}

// ToolResultPart creates a tool result ContentPart.
func ToolResultPart(result ToolResult) ContentPart {
	return ContentPart{Kind: ContentToolResult, ToolResult: &result}
}

// ThinkingPart creates a thinking ContentPart.
func ThinkingPart(text, signature string) ContentPart {
	return ContentPart{Kind: ContentThinking, Thinking: &ThinkingData{Text: text, Signature: signature}}
}

// Message is the fundamental unit of conversation.
type Message struct {
	ID         string        `json:"id"`
	Role       Role          `json:"role"`
	Content    []ContentPart `json:"content"`
	Name       string        `json:"name,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// NewMessageID returns a lexically sortable message id.
func NewMessageID() string {
	return "msg_" + ulid.Make().String()
}

// Text returns the concatenation of all text parts.
func (m Message) Text() string {
	var sb strings.Builder
	for _, part := range m.Content {
		if part.Kind == ContentText {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// ToolCalls extracts the tool calls in issue order.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, part := range m.Content {
		if part.Kind == ContentToolCall && part.ToolCall != nil {
			calls = append(calls, *part.ToolCall)
		}
	}
	return calls
}

// ToolResult returns the tool result carried by a tool message, or nil.
func (m Message) ToolResult() *ToolResult {
	for _, part := range m.Content {
		if part.Kind == ContentToolResult && part.ToolResult != nil {
			r := *part.ToolResult
			return &r
		}
	}
	return nil
}

// Reasoning returns concatenated thinking text.
func (m Message) Reasoning() string {
	var sb strings.Builder
	for _, part := range m.Content {
		if part.Kind == ContentThinking && part.Thinking != nil {
			sb.WriteString(part.Thinking.Text)
		}
	}
	return sb.String()
}

// SetText replaces every text part with a single part holding text. Tool
// calls and thinking blocks are kept in place.
func (m *Message) SetText(text string) {
	content := make([]ContentPart, 0, len(m.Content)+1)
	placed := false
	for _, part := range m.Content {
		if part.Kind != ContentText {
			content = append(content, part)
			continue
		}
		if !placed {
			content = append(content, TextPart(text))
			placed = true
		}
	}
	if !placed {
		content = append([]ContentPart{TextPart(text)}, content...)
	}
	m.Content = content
}

// SetToolCallArguments replaces the arguments recorded for the tool call with
// the given id. It reports whether the call was found.
func (m *Message) SetToolCallArguments(callID string, args json.RawMessage) bool {
	for i, part := range m.Content {
		if part.Kind == ContentToolCall && part.ToolCall != nil && part.ToolCall.ID == callID {
			call := *part.ToolCall
			call.Arguments = append(json.RawMessage(nil), args...)
			m.Content[i].ToolCall = &call
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	out.Content = make([]ContentPart, len(m.Content))
	for i, part := range m.Content {
		cp := part
		if part.ToolCall != nil {
			call := *part.ToolCall
			call.Arguments = append(json.RawMessage(nil), part.ToolCall.Arguments...)
			cp.ToolCall = &call
		}
		if part.ToolResult != nil {
			r := *part.ToolResult
			cp.ToolResult = &r
		}
		if part.Thinking != nil {
			th := *part.Thinking
			cp.Thinking = &th
		}
		out.Content[i] = cp
	}
	return out
}

// SystemMessage creates a system Message.
func SystemMessage(text string) Message {
	return Message{ID: NewMessageID(), Role: RoleSystem, Content: []ContentPart{TextPart(text)}}
}

// UserMessage creates a user Message with text content.
func UserMessage(text string) Message {
	return Message{ID: NewMessageID(), Role: RoleUser, Content: []ContentPart{TextPart(text)}}
}

// AssistantMessage creates an assistant Message with optional tool calls.
func AssistantMessage(text string, calls ...ToolCall) Message {
	msg := Message{ID: NewMessageID(), Role: RoleAssistant}
	if text != "" {
		msg.Content = append(msg.Content, TextPart(text))
	}
	for _, call := range calls {
		msg.Content = append(msg.Content, ToolCallPart(call))
	}
	return msg
}

// ToolResultMessage creates a tool Message answering result.ToolCallID.
func ToolResultMessage(result ToolResult) Message {
	if result.Status == "" {
		result.Status = StatusSuccess
		if result.IsError {
			result.Status = StatusError
		}
	}
	return Message{
		ID:         NewMessageID(),
		Role:       RoleTool,
		Content:    []ContentPart{ToolResultPart(result)},
		Name:       result.Name,
		ToolCallID: result.ToolCallID,
	}
}

// ToolChoice controls whether and how the model uses tools.
type ToolChoice struct {
	Mode     string `json:"mode"`                // "auto", "none", "required", "named"
	ToolName string `json:"tool_name,omitempty"` // required when mode is "named"
}

// ToolDefinition describes a tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// Request is the input of Complete and Stream.
type Request struct {
	Model       string            `json:"model"`
	Provider    string            `json:"provider,omitempty"`
	Messages    []Message         `json:"messages"`
	Tools       []ToolDefinition  `json:"tools,omitempty"`
	ToolChoice  *ToolChoice       `json:"tool_choice,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	MaxTokens   *int              `json:"max_tokens,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// FinishReason describes why generation stopped.
type FinishReason struct {
	Reason string `json:"reason"` // "stop", "length", "tool_calls", "content_filter", "error", "other"
	Raw    string `json:"raw,omitempty"`
}

// Usage tracks token consumption of one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add returns the sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}

// Consistent reports whether input and output add up to the total.
func (u Usage) Consistent() bool {
	return u.InputTokens >= 0 && u.OutputTokens >= 0 && u.InputTokens+u.OutputTokens == u.TotalTokens
}

// Response is the output of Complete.
type Response struct {
	ID           string       `json:"id"`
	Model        string       `json:"model"`
	Provider     string       `json:"provider"`
	Message      Message      `json:"message"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
}

// Text returns the text of the response message.
func (r Response) Text() string {
	return r.Message.Text()
}

// ToolCalls returns the tool calls of the response message.
func (r Response) ToolCalls() []ToolCall {
	return r.Message.ToolCalls()
}

// StreamEventType identifies the kind of stream event.
type StreamEventType string

const (
	StreamStart    StreamEventType = "stream_start"
	TextDelta      StreamEventType = "text_delta"
	ReasoningDelta StreamEventType = "reasoning_delta"
	ToolCallEnd    StreamEventType = "tool_call_end"
	StreamFinish   StreamEventType = "finish"
	StreamError    StreamEventType = "error"
)

// StreamEvent is a single event from a streaming response.
type StreamEvent struct {
	Type         StreamEventType `json:"type"`
	Delta        string          `json:"delta,omitempty"`
	ToolCall     *ToolCall       `json:"tool_call,omitempty"`
	FinishReason *FinishReason   `json:"finish_reason,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`
	Response     *Response       `json:"response,omitempty"`
	Err          error           `json:"-"`
}
