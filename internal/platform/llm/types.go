package llm

// Role values mirror the provider wire format.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a completed tool invocation request from the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition mirrors the function-calling JSON schema.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolChoice directs the model's tool selection. Zero value means auto.
type ToolChoice struct {
	// ForcedTool names the single tool the model must call.
	ForcedTool string
	// None disables tool calling for this completion.
	None bool
}

// ResponseFormat requests a structured response (json_schema).
type ResponseFormat struct {
	SchemaName string
	Schema     map[string]any
}

type CompletionRequest struct {
	Messages       []Message
	Tools          []ToolDefinition
	ToolChoice     ToolChoice
	ResponseFormat *ResponseFormat
	Temperature    *float64
	MaxTokens      int
}

// ToolCallDelta is one streamed fragment of an in-progress tool call.
// Index groups fragments belonging to the same call.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// StreamChunk is one provider-pushed chunk.
type StreamChunk struct {
	Delta        string
	ToolCalls    []ToolCallDelta
	FinishReason string
}

// ModelConfig describes the completion model's limits.
type ModelConfig struct {
	Model            string
	MaxInputTokens   int
	SupportsTools    bool
	EmbeddingModel   string
	EmbeddingDim     int
	MaxOutputTokens  int
	ReservedForReply int
}

// AccumulateToolCalls folds streamed deltas into completed calls, in
// index order.
func AccumulateToolCalls(deltas []ToolCallDelta) []ToolCall {
	byIndex := map[int]*ToolCall{}
	order := []int{}
	for _, d := range deltas {
		tc, ok := byIndex[d.Index]
		if !ok {
			tc = &ToolCall{}
			byIndex[d.Index] = tc
			order = append(order, d.Index)
		}
		if d.ID != "" {
			tc.ID = d.ID
		}
		if d.Name != "" {
			tc.Name = d.Name
		}
		tc.Arguments += d.Arguments
	}
	out := make([]ToolCall, 0, len(order))
	for _, i := range order {
		out = append(out, *byIndex[i])
	}
	return out
}
