package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/martinemde/agentrt/checkpoint"
	"github.com/martinemde/agentrt/llm"
	"github.com/martinemde/agentrt/telemetry"
)

const tracerName = "github.com/martinemde/agentrt/agent"

// Status is the outcome of a turn.
type Status string

const (
	StatusComplete         Status = "complete"
	StatusAwaitingDecision Status = "awaiting_decision"
)

// Result is what Invoke and Resume return. Interrupt is set only when Status
// is StatusAwaitingDecision.
type Result struct {
	ThreadID     string        `json:"thread_id"`
	Status       Status        `json:"status"`
	Conversation []llm.Message `json:"conversation"`
	Interrupt    *Interrupt    `json:"interrupt,omitempty"`
	// Usage is the token usage of this call only.
	Usage llm.Usage `json:"usage"`
}

// LastMessage returns the final message of the conversation.
func (r *Result) LastMessage() (llm.Message, bool) {
	if r == nil || len(r.Conversation) == 0 {
		return llm.Message{}, false
	}
	return r.Conversation[len(r.Conversation)-1], true
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithTools registers tools. Registration errors are returned by NewRuntime.
func WithTools(tools ...Tool) Option {
	return func(rt *Runtime) {
		rt.pendingTools = append(rt.pendingTools, tools...)
	}
}

// WithHooks appends middleware hooks in order.
func WithHooks(hooks ...Hook) Option {
	return func(rt *Runtime) {
		rt.hooks = append(rt.hooks, hooks...)
	}
}

// WithStore sets the checkpoint store. The default keeps threads in memory.
func WithStore(store checkpoint.Store) Option {
	return func(rt *Runtime) {
		rt.store = store
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(rt *Runtime) {
		rt.logger = logger
	}
}

// WithMetrics records runtime metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(rt *Runtime) {
		rt.metrics = m
	}
}

// WithTracer traces turns, model calls, tools and hooks with tp. The default
// is the global provider.
func WithTracer(tp trace.TracerProvider) Option {
	return func(rt *Runtime) {
		rt.tracer = tp.Tracer(tracerName)
	}
}

// WithApprovalPolicy consults p before running any tool call.
func WithApprovalPolicy(p ApprovalPolicy) Option {
	return func(rt *Runtime) {
		rt.policy = p
	}
}

// WithUsage shares a usage accumulator, for example across runtimes.
func WithUsage(u *UsageAccumulator) Option {
	return func(rt *Runtime) {
		rt.usage = u
	}
}

// Runtime runs turns of tool-calling conversations. One Runtime serves any
// number of threads; each thread has at most one running call.
type Runtime struct {
	cfg      Config
	backend  llm.Backend
	registry *ToolRegistry
	executor *Executor
	hooks    []Hook
	store    checkpoint.Store
	policy   ApprovalPolicy
	usage    *UsageAccumulator
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
	locks    *threadLocker

	pendingTools []Tool

	seqMu sync.Mutex
	seqs  map[string]uint64
}

// NewRuntime creates a Runtime calling backend.
func NewRuntime(cfg Config, backend llm.Backend, opts ...Option) (*Runtime, error) {
	if backend == nil {
		return nil, errors.New("agent: backend is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rt := &Runtime{
		cfg:      cfg,
		backend:  backend,
		registry: NewToolRegistry(),
		locks:    newThreadLocker(),
		seqs:     make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.store == nil {
		rt.store = checkpoint.NewMemoryStore()
	}
	if rt.usage == nil {
		rt.usage = NewUsageAccumulator()
	}
	if rt.logger == nil {
		rt.logger = slog.Default()
	}
	rt.logger = rt.logger.With("component", "agent")
	if rt.tracer == nil {
		rt.tracer = otel.Tracer(tracerName)
	}
	for _, tool := range rt.pendingTools {
		if err := rt.registry.Register(tool); err != nil {
			return nil, fmt.Errorf("register tool: %w", err)
		}
	}
	rt.pendingTools = nil
	if cfg.LoopDetectionWindow > 0 {
		rt.hooks = append(rt.hooks, LoopGuard(cfg.LoopDetectionWindow))
	}
	for _, h := range rt.hooks {
		if h.Fn == nil {
			return nil, fmt.Errorf("hook %q has no function", h.Name)
		}
	}

	rt.executor = NewExecutor(rt.registry, ExecutorOptions{
		Workers:     cfg.ToolWorkers,
		Timeout:     cfg.ToolTimeout,
		OutputLimit: cfg.ToolOutputLimit,
		Logger:      rt.logger,
		Metrics:     rt.metrics,
		Tracer:      rt.tracer,
	})
	return rt, nil
}

// Config returns the effective configuration.
func (rt *Runtime) Config() Config { return rt.cfg }

// Tools returns the tool registry. Tools may be added between calls.
func (rt *Runtime) Tools() *ToolRegistry { return rt.registry }

// Usage returns the usage accumulator.
func (rt *Runtime) Usage() *UsageAccumulator { return rt.usage }

// Invoke appends in to the thread and runs a turn to completion or to an
// interrupt.
func (rt *Runtime) Invoke(ctx context.Context, threadID string, in TurnInput) (*Result, error) {
	return rt.call(ctx, threadID, func(r *run) error { return r.beginInvoke(in) }, (*run).invoke)
}

// Stream is Invoke with live events for the subscribed modes.
func (rt *Runtime) Stream(ctx context.Context, threadID string, in TurnInput, modes ...Mode) (*Stream, error) {
	return rt.stream(ctx, threadID, modes, func(r *run) error { return r.beginInvoke(in) }, (*run).invoke)
}

// Resume resolves the thread's pending interrupt with one decision per
// action request, in order, and continues the turn.
func (rt *Runtime) Resume(ctx context.Context, threadID string, decisions []Decision) (*Result, error) {
	return rt.call(ctx, threadID, func(r *run) error { return r.beginResume(decisions) }, (*run).resume)
}

// StreamResume is Resume with live events for the subscribed modes. Events
// delivered before the interrupt are not replayed.
func (rt *Runtime) StreamResume(ctx context.Context, threadID string, decisions []Decision, modes ...Mode) (*Stream, error) {
	return rt.stream(ctx, threadID, modes, func(r *run) error { return r.beginResume(decisions) }, (*run).resume)
}

// State returns the stored conversation and pending interrupt of a thread.
// An unknown thread has an empty state.
func (rt *Runtime) State(ctx context.Context, threadID string) (*ThreadState, error) {
	st, err := rt.loadState(ctx, threadID)
	if err != nil {
		return nil, err
	}
	ts := &ThreadState{
		ThreadID:     threadID,
		Conversation: st.Conversation,
		Seq:          rt.startSeq(st),
		UpdatedAt:    st.UpdatedAt,
	}
	if st.Pending != nil {
		intr := st.Pending.Interrupt
		ts.Interrupt = &intr
	}
	return ts, nil
}

// DeleteThread drops the thread's checkpoint.
func (rt *Runtime) DeleteThread(ctx context.Context, threadID string) error {
	unlock, err := rt.lock(ctx, threadID)
	if err != nil {
		return err
	}
	defer unlock()
	if err := rt.store.Delete(ctx, threadID); err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
		return fmt.Errorf("delete checkpoint %s: %w", threadID, err)
	}
	rt.seqMu.Lock()
	delete(rt.seqs, threadID)
	rt.seqMu.Unlock()
	return nil
}

func (rt *Runtime) lock(ctx context.Context, threadID string) (func(), error) {
	if threadID == "" {
		return nil, errors.New("agent: thread id is required")
	}
	if rt.cfg.ConcurrentCalls == ConcurrencySerialize {
		if err := rt.locks.Lock(ctx, threadID); err != nil {
			return nil, err
		}
	} else if !rt.locks.TryLock(threadID) {
		return nil, fmt.Errorf("thread %s: %w", threadID, ErrThreadBusy)
	}
	return func() { rt.locks.Unlock(threadID) }, nil
}

// call runs a non-streaming call. begin validates the request against the
// stored state before anything runs.
func (rt *Runtime) call(ctx context.Context, threadID string, begin func(*run) error, body func(*run, context.Context) (*Result, error)) (*Result, error) {
	unlock, err := rt.lock(ctx, threadID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	st, err := rt.loadState(ctx, threadID)
	if err != nil {
		return nil, err
	}
	em := newEmitter(ctx, threadID, rt.startSeq(st), nil, nil, rt.metrics)
	r := rt.newRun(st, em)
	if err := begin(r); err != nil {
		return nil, err
	}
	return body(r, ctx)
}

// stream starts body on its own goroutine. The thread lock and begin run
// before stream returns so busy threads and protocol errors surface
// immediately.
func (rt *Runtime) stream(ctx context.Context, threadID string, modes []Mode, begin func(*run) error, body func(*run, context.Context) (*Result, error)) (*Stream, error) {
	if len(modes) == 0 {
		modes = []Mode{ModeMessages, ModeUpdates, ModeCustom}
	}
	unlock, err := rt.lock(ctx, threadID)
	if err != nil {
		return nil, err
	}
	st, err := rt.loadState(ctx, threadID)
	if err != nil {
		unlock()
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	s := newStream(cancel)
	em := newEmitter(sctx, threadID, rt.startSeq(st), s.events, modes, rt.metrics)
	r := rt.newRun(st, em)
	if err := begin(r); err != nil {
		cancel()
		unlock()
		return nil, err
	}

	go func() {
		res, err := body(r, sctx)
		cancel()
		em.close()
		rt.noteSeq(threadID, em.lastSeq())
		unlock()
		s.finish(res, err)
	}()
	return s, nil
}
