// Package agent implements an interruptible tool-calling agent runtime.
//
// A Runtime drives a loop of model calls and tool calls for a thread. It can
// pause mid-turn to ask a human to approve, edit or reject pending tool
// actions, persist the paused thread to a checkpoint store, and later resume
// exactly where it left off. While a turn runs, the Runtime can stream token
// deltas, phase updates and custom events emitted by tools.
//
// # Architecture
//
//   - Runtime: the orchestrator state machine. It is the only writer of a
//     thread's conversation and the sole entry point for Invoke, Stream and
//     Resume.
//   - ToolRegistry and Executor: schema-validated tool lookup and a bounded
//     worker pool that returns results in issuance order.
//   - Hooks: phase-bound middleware that may mutate the last message or jump
//     to the end of the turn.
//   - Interrupt and Decision: the human-in-the-loop protocol.
//   - Stream: an unbuffered, cancellable event channel with a per-thread
//     sequence number.
//   - UsageAccumulator: concurrency-safe token accounting per model.
//
// # Quick Start
//
//	rt, err := agent.NewRuntime(agent.DefaultConfig(), backend,
//	    agent.WithTools(agent.Tool{
//	        Name:          "get_weather",
//	        Parameters:    llm.SchemaFor[WeatherArgs](),
//	        Handler:       getWeather,
//	        Interruptible: true,
//	    }),
//	    agent.WithStore(checkpoint.NewMemoryStore()),
//	)
//
//	res, err := rt.Invoke(ctx, "thread-1", agent.UserInput("weather in Boston?"))
//	if res.Status == agent.StatusAwaitingDecision {
//	    res, err = rt.Resume(ctx, "thread-1", []agent.Decision{agent.Approve()})
//	}
package agent
