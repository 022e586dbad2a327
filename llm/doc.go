// Package llm is the model backend layer of the agent runtime. It defines the
// provider-agnostic message model shared by every other package and the
// Backend contract the orchestrator drives.
//
// # Layers
//
//   - Types: Message is a tagged union of ContentPart blocks (text, tool
//     call, tool result, thinking) with a stable id.
//   - Backend: Complete for blocking calls, Stream for token deltas. Every
//     implementation must stop promptly when its context is cancelled.
//   - Utilities: typed backend errors, RetryPolicy with a generic Retry
//     helper, and an Accumulator that merges stream events into a Response.
//   - Client: routes "provider:model" references to registered backends and
//     applies middleware.
//
// # Adapters
//
// GollmAdapter wraps github.com/teilomillet/gollm and reaches every provider
// gollm supports. OpenAIAdapter speaks the OpenAI chat completions API through
// github.com/sashabaranov/go-openai with native tool calling and streaming.
//
//	adapter, err := llm.NewOpenAIAdapter(llm.WithAPIKey(os.Getenv("OPENAI_API_KEY")))
//	client := llm.NewClient(llm.WithProvider("openai", adapter))
//
//	resp, err := client.Complete(ctx, llm.Request{
//	    Model:    "openai:gpt-4.1",
//	    Messages: []llm.Message{llm.UserMessage("Hello")},
//	})
//	fmt.Println(resp.Text())
package llm
