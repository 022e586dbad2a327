package agent

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/martinemde/agentrt/llm"
	"github.com/martinemde/agentrt/llm/llmtest"
)

func updates(events []StreamEvent) []State {
	var out []State
	for _, ev := range events {
		if ev.Update != nil {
			out = append(out, ev.Update.State)
		}
	}
	return out
}

func customTypes(events []StreamEvent) []string {
	var out []string
	for _, ev := range events {
		if m, ok := ev.Custom.(map[string]any); ok {
			out = append(out, m["type"].(string))
		}
	}
	return out
}

func assertSeqIncreasing(t *testing.T, events []StreamEvent, after uint64) uint64 {
	t.Helper()
	last := after
	for i, ev := range events {
		if ev.Seq <= last {
			t.Fatalf("event %d: seq %d not after %d", i, ev.Seq, last)
		}
		last = ev.Seq
	}
	return last
}

func TestStreamTokensMatchInvoke(t *testing.T) {
	script := func() *llmtest.Backend {
		return llmtest.New(
			llmtest.Step{Text: "Let me check. ", ToolCalls: []llm.ToolCall{llmtest.Call("call_1", "echo", map[string]string{"text": "hi"})}},
			llmtest.Step{Text: "The echo said hi, all done."},
		)
	}
	var runs atomic.Int32
	ctx := context.Background()

	invoked, err := newTestRuntime(t, script(), WithTools(echoTool(&runs))).Invoke(ctx, "t1", UserInput("go"))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	s, err := newTestRuntime(t, script(), WithTools(echoTool(&runs))).Stream(ctx, "t1", UserInput("go"), ModeMessages, ModeUpdates)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events, streamed, err := s.Collect()
	if err != nil {
		t.Fatalf("stream result: %v", err)
	}

	final, _ := streamed.LastMessage()
	merged := MergeTokens(events)
	if merged[final.ID] != lastText(t, invoked) {
		t.Errorf("merged tokens %q differ from invoke reply %q", merged[final.ID], lastText(t, invoked))
	}
	if merged[streamed.Conversation[1].ID] != "Let me check. " {
		t.Errorf("expected tokens for the tool-calling message, got %q", merged[streamed.Conversation[1].ID])
	}
	if len(streamed.Conversation) != len(invoked.Conversation) {
		t.Errorf("stream and invoke conversations differ in length: %d vs %d", len(streamed.Conversation), len(invoked.Conversation))
	}
	assertSeqIncreasing(t, events, 0)
	if events[0].Seq != 1 {
		t.Errorf("expected first seq 1, got %d", events[0].Seq)
	}

	want := []State{StateInit, StateModelCall, StateToolDispatch, StateMiddleware, StateModelCall, StateComplete}
	if got := updates(events); !equalStates(got, want) {
		t.Errorf("unexpected update sequence %v", got)
	}
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestStreamModeFiltering(t *testing.T) {
	var runs atomic.Int32
	backend := llmtest.New(
		callStep(llmtest.Call("call_1", "echo", map[string]string{"text": "hi"})),
		llmtest.Step{Text: "done now"},
	)
	rt := newTestRuntime(t, backend, WithTools(echoTool(&runs)))

	s, err := rt.Stream(context.Background(), "t1", UserInput("go"), ModeCustom)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events, _, err := s.Collect()
	if err != nil {
		t.Fatalf("stream result: %v", err)
	}
	if len(events) != 1 || events[0].Mode != ModeCustom {
		t.Fatalf("expected only the custom event, got %+v", events)
	}
	if events[0].Seq != 1 || events[0].ThreadID != "t1" {
		t.Errorf("unexpected envelope %+v", events[0])
	}
}

func TestStreamResumeDoesNotReplay(t *testing.T) {
	var weatherRuns, echoRuns atomic.Int32
	backend := llmtest.New(
		callStep(
			llmtest.Call("call_1", "echo", map[string]string{"text": "before"}),
			llmtest.Call("call_2", "get_weather", map[string]string{"location": "Boston"}),
		),
		llmtest.Step{Text: "All set."},
	)
	rt := newTestRuntime(t, backend, WithTools(weatherTool(&weatherRuns), echoTool(&echoRuns)))
	ctx := context.Background()

	s, err := rt.Stream(ctx, "t1", UserInput("go"))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	first, res, err := s.Collect()
	if err != nil {
		t.Fatalf("stream result: %v", err)
	}
	if res.Status != StatusAwaitingDecision {
		t.Fatalf("expected awaiting_decision, got %s", res.Status)
	}
	if got := customTypes(first); len(got) != 1 || got[0] != "echo" {
		t.Errorf("expected one custom event before the interrupt, got %v", got)
	}
	lastEv := first[len(first)-1]
	if lastEv.Update == nil || lastEv.Update.State != StateAwaitingDecision || lastEv.Update.Interrupt == nil {
		t.Fatalf("expected awaiting_decision update last, got %+v", lastEv)
	}
	lastSeq := assertSeqIncreasing(t, first, 0)

	s, err = rt.StreamResume(ctx, "t1", []Decision{Approve()})
	if err != nil {
		t.Fatalf("StreamResume: %v", err)
	}
	second, res, err := s.Collect()
	if err != nil {
		t.Fatalf("resume result: %v", err)
	}
	if res.Status != StatusComplete {
		t.Fatalf("expected complete, got %s", res.Status)
	}
	if got := customTypes(second); len(got) != 0 {
		t.Errorf("events from before the interrupt must not be replayed, got %v", got)
	}
	assertSeqIncreasing(t, second, lastSeq)
	if echoRuns.Load() != 1 || weatherRuns.Load() != 1 {
		t.Errorf("unexpected runs echo=%d weather=%d", echoRuns.Load(), weatherRuns.Load())
	}

	st, err := rt.State(ctx, "t1")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st.Seq != second[len(second)-1].Seq {
		t.Errorf("expected stored seq %d, got %d", second[len(second)-1].Seq, st.Seq)
	}
}

func TestStreamProtocolErrorsAreImmediate(t *testing.T) {
	rt := newTestRuntime(t, llmtest.New(llmtest.Step{Text: "ok"}))
	if _, err := rt.StreamResume(context.Background(), "t1", nil); !errors.Is(err, ErrNoPendingInterrupt) {
		t.Errorf("expected ErrNoPendingInterrupt, got %v", err)
	}
	// The failed call released the thread.
	if _, err := rt.Invoke(context.Background(), "t1", UserInput("hi")); err != nil {
		t.Errorf("Invoke after protocol error: %v", err)
	}
}

func TestStreamCloseCancelsTurn(t *testing.T) {
	backend := llmtest.New(llmtest.Step{
		Text:       strings.Repeat("word ", 50),
		ChunkDelay: 5 * time.Millisecond,
	})
	rt := newTestRuntime(t, backend)
	ctx := context.Background()

	s, err := rt.Stream(ctx, "t1", UserInput("talk"), ModeMessages)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	ev := <-s.Events()
	if ev.Token == nil {
		t.Fatalf("expected a token, got %+v", ev)
	}
	s.Close()

	if _, err := s.Result(); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("expected ErrStreamClosed, got %v", err)
	}
	for range s.Events() {
		t.Fatal("events channel should be closed")
	}
	waitFor(t, "backend to observe cancellation", func() bool { return backend.Cancelled() == 1 })

	st, err := rt.State(ctx, "t1")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if len(st.Conversation) != 0 {
		t.Errorf("cancelled turn must not be stored, got %d messages", len(st.Conversation))
	}
}

func TestStreamRewriteVisibleInTokens(t *testing.T) {
	var rewrites atomic.Int32
	redact := func(name string) Hook {
		return Hook{Name: name, Phase: PhaseAfterAgent, Fn: func(ctx context.Context, hc *HookContext) (HookResult, error) {
			if hc.LastMessage.Role != llm.RoleAssistant {
				return Continue(), nil
			}
			rewrites.Add(1)
			return MutateLastMessage(llm.AssistantMessage(name + " redacted")), nil
		}}
	}
	backend := llmtest.New(llmtest.Step{Text: "the secret is 42"})
	rt := newTestRuntime(t, backend, WithHooks(redact("first"), redact("second")))

	s, err := rt.Stream(context.Background(), "t1", UserInput("tell me"), ModeMessages, ModeUpdates)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events, res, err := s.Collect()
	if err != nil {
		t.Fatalf("stream result: %v", err)
	}

	final, _ := res.LastMessage()
	if final.Text() != "first redacted" {
		t.Errorf("expected one rewrite, got %q", final.Text())
	}
	if got := MergeTokens(events)[final.ID]; got != "first redacted" {
		t.Errorf("token stream should end with the rewrite, got %q", got)
	}
	for _, ev := range events {
		if ev.Update != nil && ev.Update.State == StateModelCall {
			if txt := ev.Update.Messages[0].Text(); txt != "first redacted" {
				t.Errorf("model_call update should carry the rewritten message, got %q", txt)
			}
		}
	}
	if rewrites.Load() != 2 {
		t.Errorf("both hooks should ask for a rewrite, got %d", rewrites.Load())
	}

	st, _ := rt.State(context.Background(), "t1")
	if got := st.Conversation[len(st.Conversation)-1].Text(); got != "first redacted" {
		t.Errorf("stored message should be rewritten, got %q", got)
	}
}

func TestStreamRetryUsesFreshMessageID(t *testing.T) {
	backend := llmtest.New(
		llmtest.Step{Err: llm.ErrorFromStatusCode(500, "scripted", "boom", nil)},
		llmtest.Step{Text: "second try"},
	)
	rt := newTestRuntime(t, backend)

	s, err := rt.Stream(context.Background(), "t1", UserInput("hi"), ModeMessages)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events, res, err := s.Collect()
	if err != nil {
		t.Fatalf("stream result: %v", err)
	}
	final, _ := res.LastMessage()
	merged := MergeTokens(events)
	if len(merged) != 1 || merged[final.ID] != "second try" {
		t.Errorf("unexpected merged tokens %v", merged)
	}
}
