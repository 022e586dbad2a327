package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/martinemde/agentrt/llm"
)

func noopHandler(ctx context.Context, call ToolContext) (string, error) { return "", nil }

func TestToolRegistryRegister(t *testing.T) {
	reg := NewToolRegistry()
	tests := []struct {
		name    string
		tool    Tool
		wantErr bool
	}{
		{"valid", Tool{Name: "a", Handler: noopHandler, Parameters: locationSchema}, false},
		{"default schema", Tool{Name: "b", Handler: noopHandler}, false},
		{"no name", Tool{Handler: noopHandler}, true},
		{"no handler", Tool{Name: "c"}, true},
		{"bad schema", Tool{Name: "d", Handler: noopHandler, Parameters: map[string]any{"type": 12}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.Register(tt.tool)
			if (err != nil) != tt.wantErr {
				t.Errorf("Register() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
	if got := reg.Names(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("unexpected names %v", got)
	}
	defs := reg.Definitions()
	if len(defs) != 2 || defs[1].Parameters["type"] != "object" {
		t.Errorf("unexpected definitions %+v", defs)
	}
	reg.Unregister("a")
	if _, ok := reg.Get("a"); ok || reg.Count() != 1 {
		t.Error("expected a to be removed")
	}
}

func TestToolRegistryValidate(t *testing.T) {
	reg := NewToolRegistry()
	if err := reg.Register(Tool{Name: "weather", Handler: noopHandler, Parameters: locationSchema}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tests := []struct {
		name string
		args string
		ok   bool
	}{
		{"valid", `{"location":"Boston"}`, true},
		{"missing required", `{}`, false},
		{"wrong type", `{"location":3}`, false},
		{"not json", `{location}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.Validate(llm.ToolCall{ID: "c1", Name: "weather", Arguments: json.RawMessage(tt.args)})
			if tt.ok != (err == nil) {
				t.Fatalf("Validate(%s) = %v", tt.args, err)
			}
			var verr *ValidationError
			if err != nil && (!errors.As(err, &verr) || verr.CallID != "c1") {
				t.Errorf("expected ValidationError, got %T", err)
			}
		})
	}
}

func TestToolContextBind(t *testing.T) {
	call := ToolContext{Name: "x", Arguments: json.RawMessage(`{"location":"Paris"}`)}
	var args struct {
		Location string `json:"location"`
	}
	if err := call.Bind(&args); err != nil || args.Location != "Paris" {
		t.Errorf("Bind: %v %+v", err, args)
	}
	call.Arguments = json.RawMessage(`nope`)
	if err := call.Bind(&args); err == nil {
		t.Error("expected decode error")
	}
}

func TestConversationViewIsReadOnly(t *testing.T) {
	msgs := []llm.Message{llm.UserMessage("hi"), llm.AssistantMessage("hello")}
	view := newView(msgs)

	copied := view.Messages()
	copied[0].SetText("changed")
	if msgs[0].Text() != "hi" {
		t.Error("view copies must not alias the conversation")
	}
	last, ok := view.Last()
	if !ok || last.Text() != "hello" {
		t.Errorf("unexpected last %+v", last)
	}
	if view.Count(llm.RoleAssistant) != 1 || view.Len() != 2 {
		t.Error("unexpected counts")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bad := DefaultConfig()
	bad.ConcurrentCalls = "queue"
	if err := bad.Validate(); err == nil {
		t.Error("expected unknown concurrency mode to fail")
	}
	filled := Config{}.withDefaults()
	if filled.MaxModelCalls != 25 || filled.ToolWorkers != 4 || filled.ConcurrentCalls != ConcurrencyReject {
		t.Errorf("unexpected defaults %+v", filled)
	}
}
