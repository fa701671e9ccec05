// Package llm defines the Provider interface for Large Language Model backends.
//
// A provider wraps a remote model API (OpenAI, or any backend reachable through
// the any-llm abstraction) and exposes a uniform interface the dialog layer uses
// for streamed completions with tool calling, without coupling to any SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import "context"

// Usage holds token accounting returned by the backend. Counts are in the
// model's native token unit and may differ between providers for the same text.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a response.
// A zero-value request is invalid; at minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically "user"-role and drives the response.
	Messages []Message

	// Tools is the set of tool definitions offered to the model. Leave empty
	// on follow-up requests after a tool round to prevent recursive calls.
	Tools []ToolDefinition

	// Temperature controls output randomness in [0.0, 2.0]. Zero means the
	// provider default.
	Temperature float64

	// TopP is the nucleus-sampling parameter. Zero means the provider default.
	TopP float64

	// MaxTokens caps completion length. Zero means the provider default.
	MaxTokens int
}

// Chunk is a single fragment emitted by a streaming completion. A chunk may
// carry text, a finish signal, tool calls, or any combination.
type Chunk struct {
	// Text is the incremental text content. May be empty when the chunk
	// carries only ToolCalls or a FinishReason.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", "tool_calls",
	// or "error" for failures surfaced mid-stream (Text then holds the error
	// message). Empty on non-final chunks.
	FinishReason string

	// ToolCalls contains fully assembled tool invocations. Providers
	// accumulate fragments internally and emit complete calls on the final
	// chunk only.
	ToolCalls []ToolCall
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the reply. Empty when the model responds
	// exclusively with tool calls.
	Content string

	// ToolCalls lists requested tool invocations; the caller executes them
	// and appends results to the conversation.
	ToolCalls []ToolCall

	Usage Usage
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly: when ctx is cancelled the method must return (or close
// its channel) as quickly as possible.
type Provider interface {
	// StreamCompletion sends req and returns a read-only channel emitting
	// chunks as they arrive. The implementation closes the channel when
	// generation finishes or ctx is cancelled.
	//
	// Callers must drain the channel to avoid goroutine leaks. Errors after
	// the stream opens arrive as a Chunk with FinishReason "error"; the error
	// return is non-nil only when the stream cannot start at all. The channel
	// is never nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response. Convenience for
	// callers that do not need incremental output.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities returns static metadata about the underlying model,
	// constant for the lifetime of the Provider.
	Capabilities() ModelCapabilities
}
