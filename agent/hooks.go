package agent

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/martinemde/agentrt/llm"
	"github.com/martinemde/agentrt/telemetry"
)

// runHooks runs the hooks bound to phase in order. candidate is the
// assistant message not yet appended, set only in after_model. A jump stops
// the remaining hooks of the phase.
func (r *run) runHooks(ctx context.Context, phase Phase, candidate *llm.Message) error {
	for _, h := range r.rt.hooks {
		if h.Phase != phase {
			continue
		}
		hc := &HookContext{
			ThreadID:     r.threadID,
			Phase:        phase,
			Conversation: newView(r.conv),
			Events:       r.sink(),
		}
		if candidate != nil {
			hc.LastMessage = candidate.Clone()
		} else if n := len(r.conv); n > 0 {
			hc.LastMessage = r.conv[n-1].Clone()
		}

		hctx, span := r.rt.tracer.Start(ctx, "agent.hook", trace.WithAttributes(
			attribute.String("hook.name", h.Name),
			attribute.String("hook.phase", string(phase)),
		))
		res, err := h.Fn(hctx, hc)
		if err != nil {
			telemetry.RecordError(span, err)
			span.End()
			return &HookError{Hook: h.Name, Phase: phase, Err: err}
		}
		span.SetAttributes(attribute.String("hook.action", string(res.Action)))
		span.End()

		switch res.Action {
		case "", ActionContinue:
		case ActionJumpToEnd:
			r.logger.Info("hook ended the turn", "hook", h.Name, "phase", phase)
			r.jumped = true
			return nil
		case ActionMutateLastMessage:
			if err := r.mutate(phase, candidate, res.Message, h.Name); err != nil {
				return err
			}
		default:
			r.logger.Warn("unknown hook action ignored", "hook", h.Name, "action", res.Action)
		}
	}
	return nil
}

// mutate applies a hook's replacement content. In after_model it replaces
// the candidate. In after_agent it rewrites the final assistant message in
// place, once per turn, and restarts that message's token stream.
func (r *run) mutate(phase Phase, candidate, msg *llm.Message, hook string) error {
	logger := r.logger.With("hook", hook, "phase", phase)
	if msg == nil {
		logger.Warn("mutation without a message ignored")
		return nil
	}
	if !mutable(phase) {
		logger.Warn("mutation ignored in this phase")
		return nil
	}

	var target *llm.Message
	switch phase {
	case PhaseAfterModel:
		target = candidate
	case PhaseAfterAgent:
		if r.rewritten {
			logger.Warn("final message was already rewritten this turn")
			return nil
		}
		n := len(r.conv)
		if n == 0 || r.conv[n-1].Role != llm.RoleAssistant || r.conv[n-1].ID != r.deferredID {
			logger.Warn("mutation ignored, last message is not this turn's final reply")
			return nil
		}
		target = &r.conv[n-1]
		r.rewritten = true
	}

	before := target.Text()
	replacement := msg.Clone()
	target.Content = replacement.Content
	after := target.Text()
	logger.Info("hook replaced message content", "message_id", target.ID)

	if before != after && r.em.wants(ModeMessages) {
		return r.em.token(target.ID, after, true)
	}
	return nil
}
