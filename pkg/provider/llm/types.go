package llm

// Message is one entry in a conversation history sent to the model.
// Role follows the chat-completions convention: "system", "user", "assistant"
// or "tool".
type Message struct {
	// Role identifies the author of the message.
	Role string `json:"role"`

	// Content is the textual body. May be empty for assistant messages that
	// carry only tool calls.
	Content string `json:"content"`

	// Name optionally identifies the speaker (e.g. the caller's verified name
	// once authentication succeeds).
	Name string `json:"name,omitempty"`

	// ToolCalls holds tool invocations requested by an assistant message.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a "tool"-role result message back to the assistant
	// request that produced it.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is a single function invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned call identifier, echoed back in the
	// corresponding tool-result message.
	ID string `json:"id"`

	// Name is the registered tool name.
	Name string `json:"name"`

	// Arguments is the raw JSON argument payload. Streaming providers deliver
	// this in fragments; it is complete only once the stream finishes.
	Arguments string `json:"arguments"`
}

// ToolDefinition describes one callable tool offered to the model.
type ToolDefinition struct {
	// Name is the unique tool identifier the model uses to invoke it.
	Name string `json:"name"`

	// Description tells the model what the tool does and when to call it.
	Description string `json:"description"`

	// Parameters is a JSON Schema object describing the expected arguments.
	Parameters map[string]any `json:"parameters"`
}

// ModelCapabilities describes static properties of a provider's model.
type ModelCapabilities struct {
	// SupportsToolCalling reports whether the model can request tool
	// invocations. Callers must not pass Tools to models that cannot.
	SupportsToolCalling bool

	// SupportsStreaming reports whether StreamCompletion delivers incremental
	// chunks (as opposed to a single terminal chunk).
	SupportsStreaming bool

	// ContextWindow is the maximum prompt + completion size in tokens.
	ContextWindow int

	// MaxOutputTokens is the largest completion the model will produce.
	MaxOutputTokens int
}
