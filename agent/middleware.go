package agent

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/martinemde/agentrt/llm"
)

// Phase is a point in the turn where hooks run.
type Phase string

const (
	PhaseBeforeModel Phase = "before_model"
	PhaseAfterModel  Phase = "after_model"
	PhaseBeforeTools Phase = "before_tools"
	PhaseAfterTools  Phase = "after_tools"
	PhaseAfterAgent  Phase = "after_agent"
)

// HookAction is what a hook asks the orchestrator to do next.
type HookAction string

const (
	ActionContinue          HookAction = "continue"
	ActionMutateLastMessage HookAction = "mutate_last_message"
	ActionJumpToEnd         HookAction = "jump_to_end"
)

// HookContext is what a hook sees.
type HookContext struct {
	ThreadID     string
	Phase        Phase
	Conversation ConversationView
	// LastMessage is the candidate assistant message in after_model and the
	// final message of the conversation otherwise.
	LastMessage llm.Message
	Events      EventSink
}

// HookResult is a hook's verdict. Message is required for
// ActionMutateLastMessage.
type HookResult struct {
	Action  HookAction
	Message *llm.Message
}

// Continue is the pass-through result.
func Continue() HookResult { return HookResult{Action: ActionContinue} }

// JumpToEnd ends the turn after the current phase.
func JumpToEnd() HookResult { return HookResult{Action: ActionJumpToEnd} }

// MutateLastMessage replaces the last message's content with msg's.
func MutateLastMessage(msg llm.Message) HookResult {
	return HookResult{Action: ActionMutateLastMessage, Message: &msg}
}

// HookFunc implements a hook.
type HookFunc func(ctx context.Context, hc *HookContext) (HookResult, error)

// Hook binds a function to one phase. Hooks of the same phase run in
// registration order.
type Hook struct {
	Name  string
	Phase Phase
	Fn    HookFunc
}

// mutable reports whether a mutation result is honored in phase.
func mutable(phase Phase) bool {
	return phase == PhaseAfterModel || phase == PhaseAfterAgent
}

// LoopGuard returns an after_tools hook that ends the turn when the last
// window tool calls repeat a pattern of length 1, 2 or 3.
func LoopGuard(window int) Hook {
	return Hook{
		Name:  "loop_guard",
		Phase: PhaseAfterTools,
		Fn: func(ctx context.Context, hc *HookContext) (HookResult, error) {
			if detectLoop(hc.Conversation.messages, window) {
				hc.Events.Emit(map[string]any{
					"type":    "loop_detected",
					"message": fmt.Sprintf("the last %d tool calls follow a repeating pattern", window),
				})
				return JumpToEnd(), nil
			}
			return Continue(), nil
		},
	}
}

func toolCallSignature(name string, arguments json.RawMessage) string {
	h := sha256.Sum256(arguments)
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// recentSignatures returns signatures of the last count tool calls in
// chronological order.
func recentSignatures(messages []llm.Message, count int) []string {
	var sigs []string
	for i := len(messages) - 1; i >= 0 && len(sigs) < count; i-- {
		calls := messages[i].ToolCalls()
		for j := len(calls) - 1; j >= 0 && len(sigs) < count; j-- {
			sigs = append(sigs, toolCallSignature(calls[j].Name, calls[j].Arguments))
		}
	}
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

func detectLoop(messages []llm.Message, window int) bool {
	if window <= 0 {
		return false
	}
	sigs := recentSignatures(messages, window)
	if len(sigs) < window {
		return false
	}
	for patternLen := 1; patternLen <= 3; patternLen++ {
		if window%patternLen != 0 {
			continue
		}
		match := true
		for i := patternLen; i < window && match; i++ {
			if sigs[i] != sigs[i%patternLen] {
				match = false
			}
		}
		if match {
			return true
		}
	}
	return false
}
