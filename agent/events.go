package agent

import (
	"context"
	"sync"

	"github.com/martinemde/agentrt/llm"
	"github.com/martinemde/agentrt/telemetry"
)

// Mode is a stream channel a consumer can subscribe to.
type Mode string

const (
	ModeMessages Mode = "messages" // token deltas
	ModeUpdates  Mode = "updates"  // one phase update per completed state
	ModeCustom   Mode = "custom"   // payloads emitted by tools and hooks
)

// State is an orchestrator state.
type State string

const (
	StateInit             State = "init"
	StateModelCall        State = "model_call"
	StateToolDispatch     State = "tool_dispatch"
	StateMiddleware       State = "middleware"
	StateAwaitingDecision State = "awaiting_decision"
	StateComplete         State = "complete"
)

// StreamEvent is one event delivered on a Stream. Exactly one of Token,
// Update and Custom is set, matching Mode.
type StreamEvent struct {
	Seq      uint64       `json:"seq"`
	ThreadID string       `json:"thread_id"`
	Mode     Mode         `json:"mode"`
	Token    *TokenDelta  `json:"token,omitempty"`
	Update   *PhaseUpdate `json:"update,omitempty"`
	Custom   any          `json:"custom,omitempty"`
}

// TokenDelta is a fragment of an assistant message. When Replace is set the
// message text restarts with Delta.
type TokenDelta struct {
	MessageID string `json:"message_id"`
	Delta     string `json:"delta"`
	Replace   bool   `json:"replace,omitempty"`
}

// PhaseUpdate carries what one completed state added to the thread.
type PhaseUpdate struct {
	State     State         `json:"state"`
	Messages  []llm.Message `json:"messages,omitempty"`
	Interrupt *Interrupt    `json:"interrupt,omitempty"`
	Status    Status        `json:"status,omitempty"`
}

// MergeTokens concatenates token deltas per message id in arrival order.
// A Replace delta discards the text merged so far for its message.
func MergeTokens(events []StreamEvent) map[string]string {
	out := make(map[string]string)
	for _, ev := range events {
		if ev.Token == nil {
			continue
		}
		if ev.Token.Replace {
			out[ev.Token.MessageID] = ev.Token.Delta
			continue
		}
		out[ev.Token.MessageID] += ev.Token.Delta
	}
	return out
}

// EventSink receives custom events from tool handlers and hooks.
type EventSink interface {
	Emit(payload any)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(payload any)

// Emit calls f(payload).
func (f EventSinkFunc) Emit(payload any) { f(payload) }

// emitter assigns sequence numbers and delivers events on an unbuffered
// channel. Sequence numbers are only consumed by delivered events.
type emitter struct {
	ctx      context.Context
	threadID string
	ch       chan StreamEvent
	modes    map[Mode]bool
	metrics  *telemetry.Metrics

	mu     sync.Mutex
	seq    uint64
	closed bool
}

func newEmitter(ctx context.Context, threadID string, seq uint64, ch chan StreamEvent, modes []Mode, metrics *telemetry.Metrics) *emitter {
	e := &emitter{
		ctx:      ctx,
		threadID: threadID,
		ch:       ch,
		modes:    make(map[Mode]bool, len(modes)),
		metrics:  metrics,
		seq:      seq,
	}
	for _, m := range modes {
		e.modes[m] = true
	}
	return e
}

func (e *emitter) wants(m Mode) bool {
	return e != nil && e.ch != nil && e.modes[m]
}

// emit blocks until the consumer receives ev or the stream is cancelled.
// Events for unsubscribed modes are skipped without consuming a sequence
// number.
func (e *emitter) emit(ev StreamEvent) error {
	if !e.wants(ev.Mode) {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrStreamClosed
	}
	ev.Seq = e.seq + 1
	ev.ThreadID = e.threadID
	select {
	case e.ch <- ev:
		e.seq++
		e.metrics.RecordStreamEvent(string(ev.Mode))
		return nil
	case <-e.ctx.Done():
		return ErrStreamClosed
	}
}

func (e *emitter) token(messageID, delta string, replace bool) error {
	return e.emit(StreamEvent{Mode: ModeMessages, Token: &TokenDelta{MessageID: messageID, Delta: delta, Replace: replace}})
}

func (e *emitter) update(u PhaseUpdate) error {
	return e.emit(StreamEvent{Mode: ModeUpdates, Update: &u})
}

// lastSeq returns the sequence number of the last delivered event.
func (e *emitter) lastSeq() uint64 {
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

// close stops delivery and closes the channel. Emitters still blocked on a
// send must have been released by cancelling ctx first.
func (e *emitter) close() {
	if e == nil || e.ch == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}

// sink returns the EventSink handed to tools and hooks.
func (e *emitter) sink(onDrop func(error)) EventSink {
	return EventSinkFunc(func(payload any) {
		if err := e.emit(StreamEvent{Mode: ModeCustom, Custom: payload}); err != nil && onDrop != nil {
			onDrop(err)
		}
	})
}
