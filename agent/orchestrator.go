package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/martinemde/agentrt/llm"
	"github.com/martinemde/agentrt/telemetry"
)

// run is one Invoke or Resume call. It owns a private copy of the thread's
// conversation; nothing reaches the store until the turn suspends or
// completes.
type run struct {
	rt       *Runtime
	threadID string
	st       *threadState
	conv     []llm.Message
	em       *emitter
	logger   *slog.Logger

	model      string
	input      []llm.Message
	decisions  []Decision
	usage      llm.Usage
	modelCalls int
	jumped     bool

	// deferredID is the final assistant message. Its model_call update waits
	// until after_agent hooks had their chance to rewrite it.
	deferredID string
	rewritten  bool
}

func (rt *Runtime) newRun(st *threadState, em *emitter) *run {
	return &run{
		rt:       rt,
		threadID: st.ThreadID,
		st:       st,
		conv:     cloneMessages(st.Conversation),
		em:       em,
		logger:   rt.logger.With("thread_id", st.ThreadID),
		model:    rt.cfg.Model,
	}
}

func (r *run) beginInvoke(in TurnInput) error {
	if p := r.st.Pending; p != nil {
		return &InterruptProtocolError{
			ThreadID:    r.threadID,
			InterruptID: p.Interrupt.ID,
			Reason:      ErrInterruptPending,
			Detail:      "resume the pending interrupt before starting a new turn",
		}
	}
	if in.Model != "" {
		r.model = in.Model
	}
	for _, m := range in.Messages {
		m = m.Clone()
		if m.ID == "" {
			m.ID = llm.NewMessageID()
		}
		r.input = append(r.input, m)
	}
	r.conv = append(r.conv, r.input...)
	return nil
}

func (r *run) beginResume(decisions []Decision) error {
	p := r.st.Pending
	if p == nil {
		return &InterruptProtocolError{ThreadID: r.threadID, Reason: ErrNoPendingInterrupt}
	}
	if err := validateDecisions(r.threadID, &p.Interrupt, decisions); err != nil {
		return err
	}
	if p.Model != "" {
		r.model = p.Model
	}
	r.decisions = decisions
	r.logger = r.logger.With("interrupt_id", p.Interrupt.ID)
	return nil
}

func (r *run) invoke(ctx context.Context) (*Result, error) {
	ctx, span := r.rt.tracer.Start(ctx, "agent.invoke", trace.WithAttributes(
		attribute.String("thread.id", r.threadID),
		attribute.String("llm.model", r.model),
	))
	defer span.End()

	r.logger.Info("turn started", "messages", len(r.input), "model", r.model)
	if err := r.em.update(PhaseUpdate{State: StateInit, Messages: cloneMessages(r.input)}); err != nil {
		return nil, err
	}
	res, err := r.loop(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		r.logger.Error("turn failed", "error", err)
	}
	return res, err
}

func (r *run) resume(ctx context.Context) (*Result, error) {
	p := r.st.Pending
	ctx, span := r.rt.tracer.Start(ctx, "agent.resume", trace.WithAttributes(
		attribute.String("thread.id", r.threadID),
		attribute.String("interrupt.id", p.Interrupt.ID),
		attribute.Int("interrupt.actions", len(p.Interrupt.ActionRequests)),
	))
	defer span.End()

	res, err := r.resolve(ctx, p)
	if err != nil {
		telemetry.RecordError(span, err)
		r.logger.Error("resume failed", "error", err)
	}
	return res, err
}

// resolve applies the decisions, runs the approved and edited calls, commits
// the turn's tool results and continues the loop.
func (r *run) resolve(ctx context.Context, p *pendingTurn) (*Result, error) {
	ai := indexOf(r.conv, p.AssistantID)
	if ai < 0 {
		return nil, fmt.Errorf("checkpoint for thread %s is missing assistant message %s", r.threadID, p.AssistantID)
	}

	resolved := make(map[string]llm.ToolResult, len(p.Calls))
	for id, res := range p.Completed {
		resolved[id] = res
	}
	var approved []llm.ToolCall
	for i, d := range r.decisions {
		req := p.Interrupt.ActionRequests[i]
		call := llm.ToolCall{ID: req.ToolCallID, Name: req.Name, Arguments: req.Arguments}
		r.rt.metrics.RecordInterrupt(string(d.Type))
		r.logger.Info("action resolved", "tool", call.Name, "call_id", call.ID, "decision", d.Type)

		switch d.Type {
		case DecisionApprove:
			approved = append(approved, call)
		case DecisionEdit:
			call.Arguments = d.Arguments
			r.conv[ai].SetToolCallArguments(call.ID, d.Arguments)
			approved = append(approved, call)
		case DecisionReject:
			resolved[call.ID] = llm.ToolResult{
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    rejectionContent(call.Name, d.Message),
				IsError:    true,
				Status:     llm.StatusRejected,
			}
		}
	}

	if len(approved) > 0 {
		for i, res := range r.rt.executor.Dispatch(ctx, approved, r.callEnv()) {
			resolved[approved[i].ID] = res
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msgs := r.appendResults(ordered(p.Calls, resolved))
	// Resolved actions have run; commit so they never run twice.
	r.st.Pending = nil
	r.st.Conversation = r.conv
	r.st.Seq = r.em.lastSeq()
	if err := r.rt.saveState(ctx, r.st); err != nil {
		return nil, err
	}

	if err := r.afterTools(ctx, msgs); err != nil {
		return nil, err
	}
	return r.loop(ctx)
}

func (r *run) loop(ctx context.Context) (*Result, error) {
	for {
		if r.jumped {
			return r.complete(ctx)
		}
		if r.modelCalls >= r.rt.cfg.MaxModelCalls {
			r.logger.Warn("model call limit reached, ending turn", "limit", r.rt.cfg.MaxModelCalls)
			return r.complete(ctx)
		}

		if err := r.runHooks(ctx, PhaseBeforeModel, nil); err != nil {
			return nil, err
		}
		if r.jumped {
			return r.complete(ctx)
		}

		msg, err := r.callModel(ctx)
		if err != nil {
			return nil, err
		}
		if err := r.runHooks(ctx, PhaseAfterModel, &msg); err != nil {
			return nil, err
		}
		r.conv = append(r.conv, msg)

		calls := msg.ToolCalls()
		if len(calls) == 0 {
			r.deferredID = msg.ID
			return r.complete(ctx)
		}
		if err := r.em.update(PhaseUpdate{State: StateModelCall, Messages: []llm.Message{msg.Clone()}}); err != nil {
			return nil, err
		}
		if r.jumped {
			if err := r.skip(ctx, calls); err != nil {
				return nil, err
			}
			return r.complete(ctx)
		}

		if err := r.runHooks(ctx, PhaseBeforeTools, nil); err != nil {
			return nil, err
		}
		if r.jumped {
			if err := r.skip(ctx, calls); err != nil {
				return nil, err
			}
			return r.complete(ctx)
		}

		pending, results, err := r.dispatch(ctx, msg, calls)
		if err != nil {
			return nil, err
		}
		if pending != nil {
			return r.suspend(ctx, pending)
		}
		if err := r.afterTools(ctx, r.appendResults(results)); err != nil {
			return nil, err
		}
	}
}

// request builds the model request. The system prompt is sent but never
// stored in the conversation.
func (r *run) request() llm.Request {
	msgs := make([]llm.Message, 0, len(r.conv)+1)
	if sp := r.rt.cfg.SystemPrompt; sp != "" {
		msgs = append(msgs, llm.SystemMessage(sp))
	}
	msgs = append(msgs, cloneMessages(r.conv)...)
	req := llm.Request{
		Model:    r.model,
		Messages: msgs,
		Metadata: map[string]string{"thread_id": r.threadID},
	}
	if defs := r.rt.registry.Definitions(); len(defs) > 0 {
		req.Tools = defs
		req.ToolChoice = &llm.ToolChoice{Mode: "auto"}
	}
	return req
}

func (r *run) callModel(ctx context.Context) (llm.Message, error) {
	r.modelCalls++
	req := r.request()
	ctx, span := r.rt.tracer.Start(ctx, "agent.model_call", trace.WithAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.messages", len(req.Messages)),
	))
	defer span.End()

	policy := r.rt.cfg.Retry
	onRetry := policy.OnRetry
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		r.logger.Warn("retrying model call", "model", req.Model, "attempt", attempt, "delay", delay, "error", err)
		if onRetry != nil {
			onRetry(err, attempt, delay)
		}
	}

	attempts := 0
	start := time.Now()
	resp, err := llm.Retry(ctx, policy, func(ctx context.Context) (*llm.Response, error) {
		attempts++
		if r.em.wants(ModeMessages) {
			return r.streamModel(ctx, req)
		}
		return r.rt.backend.Complete(ctx, req)
	})
	if err != nil {
		r.rt.metrics.RecordModelCall(req.Model, "error", time.Since(start))
		telemetry.RecordError(span, err)
		if errors.Is(err, ErrStreamClosed) {
			return llm.Message{}, ErrStreamClosed
		}
		return llm.Message{}, &ModelBackendError{Model: req.Model, Attempts: attempts, Err: err}
	}
	r.rt.metrics.RecordModelCall(req.Model, "success", time.Since(start))
	span.SetAttributes(
		attribute.Int("llm.attempts", attempts),
		attribute.String("llm.finish_reason", resp.FinishReason.Reason),
	)
	r.recordUsage(resp, req.Model)

	msg := resp.Message.Clone()
	msg.Role = llm.RoleAssistant
	if msg.ID == "" {
		msg.ID = llm.NewMessageID()
	}
	return msg, nil
}

// streamModel runs one streamed attempt, forwarding text deltas as tokens of
// a fresh message id. A failed attempt's partial tokens stay delivered; the
// retry streams under a new id.
func (r *run) streamModel(ctx context.Context, req llm.Request) (*llm.Response, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := r.rt.backend.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	id := llm.NewMessageID()
	acc := llm.NewAccumulator()
	for ev := range ch {
		acc.Process(ev)
		if ev.Type != llm.TextDelta || ev.Delta == "" {
			continue
		}
		if err := r.em.token(id, ev.Delta, false); err != nil {
			return nil, &llm.AbortError{BackendError: llm.BackendError{Message: "stream consumer went away", Cause: err}}
		}
	}
	if err := acc.Err(); err != nil {
		return nil, err
	}
	if !acc.Finished() {
		if err := ctx.Err(); err != nil {
			return nil, &llm.AbortError{BackendError: llm.BackendError{Message: "model stream cancelled", Cause: err}}
		}
		return nil, &llm.NetworkError{BackendError: llm.BackendError{Message: "model stream ended without a finish event"}}
	}
	resp := acc.Response()
	resp.Message.ID = id
	return resp, nil
}

func (r *run) recordUsage(resp *llm.Response, model string) {
	if resp.Model != "" {
		model = resp.Model
	}
	if model == "" {
		model = r.rt.backend.Name()
	}
	u := resp.Usage
	if err := r.rt.usage.Record(model, u.InputTokens, u.OutputTokens, u.TotalTokens); err != nil {
		r.rt.metrics.RecordUsageIngestError()
		r.logger.Warn("usage record dropped", "error", err)
		return
	}
	r.usage = r.usage.Add(u)
	r.rt.metrics.RecordTokens(model, u.InputTokens, u.OutputTokens)
}

// dispatch runs the calls that need no review and, if any call does, returns
// the pending turn instead of results.
func (r *run) dispatch(ctx context.Context, msg llm.Message, calls []llm.ToolCall) (*pendingTurn, []llm.ToolResult, error) {
	completed := make(map[string]llm.ToolResult, len(calls))
	var direct, review []llm.ToolCall
	for _, call := range calls {
		tool, ok := r.rt.registry.Get(call.Name)
		if !ok {
			direct = append(direct, call)
			continue
		}
		needsReview := tool.Interruptible
		if r.rt.policy != nil {
			verdict, err := r.rt.policy.Review(ctx, tool, call.Arguments)
			if err != nil {
				r.logger.Warn("approval policy failed, requiring approval", "tool", call.Name, "call_id", call.ID, "error", err)
				verdict = VerdictRequireApproval
			}
			switch verdict {
			case VerdictBlock:
				r.rt.metrics.RecordInterrupt("blocked")
				r.logger.Info("tool call blocked by policy", "tool", call.Name, "call_id", call.ID)
				completed[call.ID] = llm.ToolResult{
					ToolCallID: call.ID,
					Name:       call.Name,
					Content:    blockedContent(call.Name),
					IsError:    true,
					Status:     llm.StatusRejected,
				}
				continue
			case VerdictRequireApproval:
				needsReview = true
			}
		}
		if needsReview {
			review = append(review, call)
		} else {
			direct = append(direct, call)
		}
	}

	if len(direct) > 0 {
		for i, res := range r.rt.executor.Dispatch(ctx, direct, r.callEnv()) {
			completed[direct[i].ID] = res
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if len(review) > 0 {
		return r.newPending(msg, calls, review, completed), nil, nil
	}
	return nil, ordered(calls, completed), nil
}

func (r *run) newPending(msg llm.Message, calls, review []llm.ToolCall, completed map[string]llm.ToolResult) *pendingTurn {
	intr := Interrupt{
		ID:        "intr_" + uuid.NewString(),
		ThreadID:  r.threadID,
		CreatedAt: time.Now().UTC(),
	}
	for _, call := range review {
		tool, _ := r.rt.registry.Get(call.Name)
		intr.ActionRequests = append(intr.ActionRequests, ActionRequest{
			ToolCallID:  call.ID,
			Name:        call.Name,
			Arguments:   call.Arguments,
			Description: describeAction(tool.Review, call),
		})
		intr.ReviewConfigs = append(intr.ReviewConfigs, ReviewConfig{
			ActionName:       call.Name,
			AllowedDecisions: append([]DecisionType(nil), tool.Review.allowed()...),
		})
	}
	return &pendingTurn{
		Interrupt:   intr,
		AssistantID: msg.ID,
		Calls:       calls,
		Completed:   completed,
		Model:       r.model,
	}
}

func (r *run) suspend(ctx context.Context, p *pendingTurn) (*Result, error) {
	r.st.Conversation = r.conv
	r.st.Pending = p
	r.st.Seq = r.nextSeq()
	if err := r.rt.saveState(ctx, r.st); err != nil {
		return nil, err
	}
	r.rt.metrics.RecordInterrupt("raised")
	r.logger.Info("turn interrupted", "interrupt_id", p.Interrupt.ID, "actions", len(p.Interrupt.ActionRequests))

	intr := p.Interrupt
	if err := r.em.update(PhaseUpdate{State: StateAwaitingDecision, Interrupt: &intr, Status: StatusAwaitingDecision}); err != nil {
		r.logger.Debug("awaiting_decision update not delivered", "error", err)
	}
	return r.result(StatusAwaitingDecision, &intr), nil
}

func (r *run) complete(ctx context.Context) (*Result, error) {
	if err := r.runHooks(ctx, PhaseAfterAgent, nil); err != nil {
		return nil, err
	}
	if r.deferredID != "" {
		if i := indexOf(r.conv, r.deferredID); i >= 0 {
			if err := r.em.update(PhaseUpdate{State: StateModelCall, Messages: []llm.Message{r.conv[i].Clone()}}); err != nil {
				return nil, err
			}
		}
	}

	r.st.Conversation = r.conv
	r.st.Pending = nil
	r.st.Seq = r.nextSeq()
	if err := r.rt.saveState(ctx, r.st); err != nil {
		return nil, err
	}
	r.logger.Info("turn completed", "model_calls", r.modelCalls, "total_tokens", r.usage.TotalTokens)

	if err := r.em.update(PhaseUpdate{State: StateComplete, Status: StatusComplete}); err != nil {
		r.logger.Debug("complete update not delivered", "error", err)
	}
	return r.result(StatusComplete, nil), nil
}

// nextSeq is the sequence number the thread will have after the closing
// update of this call is delivered.
func (r *run) nextSeq() uint64 {
	seq := r.em.lastSeq()
	if r.em.wants(ModeUpdates) {
		seq++
	}
	return seq
}

func (r *run) result(status Status, intr *Interrupt) *Result {
	return &Result{
		ThreadID:     r.threadID,
		Status:       status,
		Conversation: cloneMessages(r.conv),
		Interrupt:    intr,
		Usage:        r.usage,
	}
}

// skip closes out calls that will never run.
func (r *run) skip(ctx context.Context, calls []llm.ToolCall) error {
	results := make([]llm.ToolResult, len(calls))
	for i, call := range calls {
		results[i] = errorResult(call, fmt.Sprintf("Tool call %q was skipped because the turn ended early.", call.Name))
	}
	msgs := r.appendResults(results)
	return r.em.update(PhaseUpdate{State: StateToolDispatch, Messages: msgs})
}

func (r *run) appendResults(results []llm.ToolResult) []llm.Message {
	msgs := make([]llm.Message, len(results))
	for i, res := range results {
		msgs[i] = llm.ToolResultMessage(res)
	}
	r.conv = append(r.conv, msgs...)
	return cloneMessages(msgs)
}

func (r *run) afterTools(ctx context.Context, msgs []llm.Message) error {
	if err := r.em.update(PhaseUpdate{State: StateToolDispatch, Messages: msgs}); err != nil {
		return err
	}
	if err := r.runHooks(ctx, PhaseAfterTools, nil); err != nil {
		return err
	}
	return r.em.update(PhaseUpdate{State: StateMiddleware})
}

func (r *run) callEnv() CallEnv {
	return CallEnv{ThreadID: r.threadID, Events: r.sink(), State: newView(r.conv)}
}

func (r *run) sink() EventSink {
	return r.em.sink(func(err error) {
		r.logger.Debug("custom event not delivered", "error", err)
	})
}

// ordered lists results in call issuance order.
func ordered(calls []llm.ToolCall, results map[string]llm.ToolResult) []llm.ToolResult {
	out := make([]llm.ToolResult, 0, len(calls))
	for _, call := range calls {
		res, ok := results[call.ID]
		if !ok {
			res = errorResult(call, fmt.Sprintf("Tool error (%s): no result was produced", call.Name))
		}
		out = append(out, res)
	}
	return out
}
