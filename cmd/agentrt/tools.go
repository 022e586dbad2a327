package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/martinemde/agentrt/agent"
	"github.com/martinemde/agentrt/llm"
)

type weatherArgs struct {
	Location string `json:"location" jsonschema:"description=City to get the weather for"`
}

// demoTools are registered on every runtime the CLI builds.
func demoTools() []agent.Tool {
	return []agent.Tool{weatherTool(), summarizeTool()}
}

// weatherTool needs a reviewer's decision before each call runs.
func weatherTool() agent.Tool {
	return agent.Tool{
		Name:          "get_weather",
		Description:   "Get the weather for a given city.",
		Parameters:    llm.SchemaFor[weatherArgs](),
		Interruptible: true,
		Handler: func(ctx context.Context, call agent.ToolContext) (string, error) {
			var args weatherArgs
			if err := call.Bind(&args); err != nil {
				return "", err
			}
			if strings.TrimSpace(args.Location) == "" {
				return "", fmt.Errorf("location is required")
			}
			return fmt.Sprintf("It's sunny in %s.", args.Location), nil
		},
	}
}

// summarizeTool reads the conversation instead of its arguments.
func summarizeTool() agent.Tool {
	return agent.Tool{
		Name:        "summarize_conversation",
		Description: "Summarize the conversation so far.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		Handler: func(ctx context.Context, call agent.ToolContext) (string, error) {
			return fmt.Sprintf("Conversation has %d user messages, %d AI responses, and %d tool results",
				call.State.Count(llm.RoleUser),
				call.State.Count(llm.RoleAssistant),
				call.State.Count(llm.RoleTool),
			), nil
		},
	}
}
