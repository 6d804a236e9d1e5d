package answer

import (
	"context"

	"github.com/fathomhq/fathom-backend/internal/platform/llm"
	"github.com/fathomhq/fathom-backend/internal/platform/searchindex"
)

// Tool is one capability the engine can invoke mid-answer.
type Tool interface {
	Name() string
	Definition() llm.ToolDefinition
	Run(ctx context.Context, args map[string]any) (*ToolOutput, error)
}

// ToolOutput is what a tool hands back to the engine. ForLLM is the text
// injected into the follow-up completion; Response is the structured
// form surfaced on the event stream. Documents, when set, become citable
// context for the rest of the answer.
type ToolOutput struct {
	ForLLM    string
	Response  any
	Documents []searchindex.ScoredChunk
}

// ForceUseTool bypasses LLM tool choice. When Args is set the tool runs
// with exactly those arguments and no selection call is made.
type ForceUseTool struct {
	Name string
	Args map[string]any
}
