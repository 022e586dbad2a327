package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/martinemde/agentrt/llm"
)

// ToolHandler executes a tool call. The returned string becomes the tool
// result content; an error becomes an error result.
type ToolHandler func(ctx context.Context, call ToolContext) (string, error)

// ToolContext is everything a handler gets for one call.
type ToolContext struct {
	ThreadID  string
	CallID    string
	Name      string
	Arguments json.RawMessage
	// Events delivers custom stream events to the caller.
	Events EventSink
	// State is a read-only snapshot of the conversation.
	State ConversationView
}

// Bind decodes the call arguments into v.
func (c ToolContext) Bind(v any) error {
	if err := json.Unmarshal(c.Arguments, v); err != nil {
		return fmt.Errorf("decode %s arguments: %w", c.Name, err)
	}
	return nil
}

// Tool is a registered capability the model may call.
type Tool struct {
	Name        string
	Description string
	// Parameters is a JSON Schema object. Nil accepts any object.
	Parameters map[string]any
	Handler    ToolHandler
	// Interruptible calls wait for a human decision before running.
	Interruptible bool
	Review        *ReviewConfig
}

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// ToolRegistry holds tools and their compiled argument schemas.
type ToolRegistry struct {
	tools map[string]*registeredTool
	mu    sync.RWMutex
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*registeredTool)}
}

// Register adds or replaces a tool. The schema is compiled up front so a
// malformed schema fails here rather than on first use.
func (r *ToolRegistry) Register(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %s has no handler", tool.Name)
	}
	if tool.Parameters == nil {
		tool.Parameters = map[string]any{"type": "object"}
	}
	raw, err := json.Marshal(tool.Parameters)
	if err != nil {
		return fmt.Errorf("encode schema for tool %s: %w", tool.Name, err)
	}
	schema, err := jsonschema.CompileString(tool.Name+".schema.json", string(raw))
	if err != nil {
		return fmt.Errorf("compile schema for tool %s: %w", tool.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = &registeredTool{tool: tool, schema: schema}
	return nil
}

// Unregister removes a tool.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	if !ok {
		return Tool{}, false
	}
	return rt.tool, true
}

// Names returns registered tool names in sorted order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns model-facing definitions sorted by name.
func (r *ToolRegistry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, rt := range r.tools {
		defs = append(defs, llm.ToolDefinition{
			Name:        rt.tool.Name,
			Description: rt.tool.Description,
			Parameters:  rt.tool.Parameters,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Validate checks args against the tool's schema.
func (r *ToolRegistry) Validate(call llm.ToolCall) error {
	r.mu.RLock()
	rt, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown tool %s", call.Name)
	}

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return &ValidationError{Tool: call.Name, CallID: call.ID, Err: fmt.Errorf("arguments are not valid JSON: %w", err)}
	}
	if err := rt.schema.Validate(decoded); err != nil {
		return &ValidationError{Tool: call.Name, CallID: call.ID, Err: err}
	}
	return nil
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
