package llm

import "strings"

// Accumulator merges stream events into a complete Response. Text deltas are
// concatenated in arrival order, so the accumulated message always equals the
// concatenation of the deltas a consumer saw.
type Accumulator struct {
	text      strings.Builder
	reasoning strings.Builder
	deltas    int
	toolCalls []ToolCall
	finish    *FinishReason
	usage     *Usage
	response  *Response
	err       error
}

// NewAccumulator creates an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Process ingests a single stream event.
func (a *Accumulator) Process(event StreamEvent) {
	switch event.Type {
	case TextDelta:
		a.text.WriteString(event.Delta)
		a.deltas++
	case ReasoningDelta:
		a.reasoning.WriteString(event.Delta)
	case ToolCallEnd:
		if event.ToolCall != nil {
			a.toolCalls = append(a.toolCalls, *event.ToolCall)
		}
	case StreamFinish:
		a.finish = event.FinishReason
		a.usage = event.Usage
		a.response = event.Response
	case StreamError:
		a.err = event.Err
	}
}

// Err returns the error carried by a StreamError event, if any.
func (a *Accumulator) Err() error {
	return a.err
}

// Finished reports whether a StreamFinish event was seen.
func (a *Accumulator) Finished() bool {
	return a.finish != nil || a.response != nil
}

// Text returns the concatenated text deltas.
func (a *Accumulator) Text() string {
	return a.text.String()
}

// Response returns the accumulated response. When the backend attached a
// final Response its metadata is kept, but the text is always the merged
// deltas.
func (a *Accumulator) Response() *Response {
	var resp Response
	if a.response != nil {
		resp = *a.response
		resp.Message = a.response.Message.Clone()
	}

	calls := a.toolCalls
	if len(calls) == 0 && a.response != nil {
		calls = a.response.Message.ToolCalls()
	}

	text := a.text.String()
	if a.deltas == 0 && a.response != nil {
		text = a.response.Message.Text()
	}

	msg := Message{ID: resp.Message.ID, Role: RoleAssistant}
	if a.reasoning.Len() > 0 {
		msg.Content = append(msg.Content, ThinkingPart(a.reasoning.String(), ""))
	}
	if text != "" {
		msg.Content = append(msg.Content, TextPart(text))
	}
	for _, call := range calls {
		msg.Content = append(msg.Content, ToolCallPart(call))
	}
	resp.Message = msg

	if a.finish != nil {
		resp.FinishReason = *a.finish
	}
	if resp.FinishReason.Reason == "" {
		resp.FinishReason = FinishReason{Reason: "stop"}
		if len(calls) > 0 {
			resp.FinishReason = FinishReason{Reason: "tool_calls"}
		}
	}
	if a.usage != nil {
		resp.Usage = *a.usage
	}
	return &resp
}
