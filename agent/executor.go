package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"

	"github.com/martinemde/agentrt/llm"
	"github.com/martinemde/agentrt/telemetry"
)

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	Workers     int           // pool size, shared by every Dispatch
	Timeout     time.Duration // per call, 0 = none
	OutputLimit int           // characters, 0 = unlimited
	Logger      *slog.Logger
	Metrics     *telemetry.Metrics
	Tracer      trace.Tracer
}

// CallEnv is the per-dispatch context handed to every handler.
type CallEnv struct {
	ThreadID string
	Events   EventSink
	State    ConversationView
}

// Executor runs tool calls on a bounded worker pool.
type Executor struct {
	registry *ToolRegistry
	pool     *semaphore.Weighted
	timeout  time.Duration
	limit    int
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
}

// NewExecutor creates an Executor over registry.
func NewExecutor(registry *ToolRegistry, opts ExecutorOptions) *Executor {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Executor{
		registry: registry,
		pool:     semaphore.NewWeighted(int64(workers)),
		timeout:  opts.Timeout,
		limit:    opts.OutputLimit,
		logger:   logger.With("component", "executor"),
		metrics:  opts.Metrics,
		tracer:   tracer,
	}
}

// Dispatch runs calls concurrently and returns exactly one result per call,
// in the order the calls were given. Faults never escape: bad arguments,
// unknown tools, handler errors, panics and timeouts all become error
// results.
func (e *Executor) Dispatch(ctx context.Context, calls []llm.ToolCall, env CallEnv) []llm.ToolResult {
	results := make([]llm.ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = e.execute(ctx, call, env)
		}()
	}
	wg.Wait()
	return results
}

type toolOutcome struct {
	out string
	err error
}

func (e *Executor) execute(ctx context.Context, call llm.ToolCall, env CallEnv) llm.ToolResult {
	ctx, span := e.tracer.Start(ctx, "agent.tool", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
		attribute.String("thread.id", env.ThreadID),
	))
	defer span.End()
	logger := e.logger.With("thread_id", env.ThreadID, "tool", call.Name, "call_id", call.ID)

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		e.metrics.RecordToolExecution(call.Name, "unknown", 0)
		logger.Warn("unknown tool")
		return errorResult(call, fmt.Sprintf("Unknown tool: %s", call.Name))
	}
	if err := e.registry.Validate(call); err != nil {
		e.metrics.RecordToolExecution(call.Name, "invalid", 0)
		telemetry.RecordError(span, err)
		logger.Debug("tool arguments rejected", "error", err)
		return errorResult(call, err.Error())
	}

	if err := e.pool.Acquire(ctx, 1); err != nil {
		e.metrics.RecordToolExecution(call.Name, "cancelled", 0)
		return errorResult(call, fmt.Sprintf("Tool error (%s): cancelled before it started", call.Name))
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if e.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
	}
	defer cancel()

	events := &callSink{sink: env.Events, logger: logger}
	defer events.settle()

	start := time.Now()
	done := make(chan toolOutcome, 1)
	go func() {
		defer e.pool.Release(1)
		defer func() {
			if p := recover(); p != nil {
				done <- toolOutcome{err: &ToolExecutionFault{Tool: call.Name, CallID: call.ID, Err: fmt.Errorf("%v", p), Panic: true}}
			}
		}()
		out, err := tool.Handler(callCtx, ToolContext{
			ThreadID:  env.ThreadID,
			CallID:    call.ID,
			Name:      call.Name,
			Arguments: call.Arguments,
			Events:    events,
			State:     env.State,
		})
		if err != nil {
			err = &ToolExecutionFault{Tool: call.Name, CallID: call.ID, Err: err}
		}
		done <- toolOutcome{out: out, err: err}
	}()

	var res toolOutcome
	select {
	case res = <-done:
	case <-callCtx.Done():
		select {
		case res = <-done:
		default:
			res = toolOutcome{err: &ToolExecutionFault{Tool: call.Name, CallID: call.ID, Err: callCtx.Err()}}
			logger.Warn("tool did not return in time; a late result will be discarded", "timeout", e.timeout)
		}
	}
	elapsed := time.Since(start)

	if res.err != nil {
		e.metrics.RecordToolExecution(call.Name, "error", elapsed)
		telemetry.RecordError(span, res.err)
		logger.Warn("tool failed", "error", res.err, "duration", elapsed)
		return errorResult(call, fmt.Sprintf("Tool error (%s): %v", call.Name, unwrapFault(res.err)))
	}

	e.metrics.RecordToolExecution(call.Name, "success", elapsed)
	logger.Debug("tool completed", "duration", elapsed, "output_chars", len(res.out))
	return llm.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    TruncateOutput(res.out, e.limit, TruncateHeadTail),
		Status:     llm.StatusSuccess,
	}
}

// callSink forwards one call's custom events until the call settles. A
// handler still running after its result was decided cannot emit.
type callSink struct {
	mu      sync.Mutex
	sink    EventSink
	logger  *slog.Logger
	settled bool
}

func (s *callSink) Emit(payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settled {
		s.logger.Debug("dropped event from a settled tool call")
		return
	}
	if s.sink != nil {
		s.sink.Emit(payload)
	}
}

func (s *callSink) settle() {
	s.mu.Lock()
	s.settled = true
	s.mu.Unlock()
}

func unwrapFault(err error) string {
	if f, ok := err.(*ToolExecutionFault); ok {
		if f.Panic {
			return fmt.Sprintf("panic: %v", f.Err)
		}
		return f.Err.Error()
	}
	return err.Error()
}

func errorResult(call llm.ToolCall, content string) llm.ToolResult {
	return llm.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    content,
		IsError:    true,
		Status:     llm.StatusError,
	}
}
