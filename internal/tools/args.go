package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fathomhq/fathom-backend/internal/platform/llm"
	"github.com/fathomhq/fathom-backend/internal/platform/tokencount"
)

const (
	argHistoryMessages = 10
	argHistoryBudget   = 2048
)

const argSelectionPrompt = `Given the conversation and the tool definition below, produce the arguments to call the tool with. Respond with a JSON object matching the tool's parameter schema and nothing else.

Tool definition:
%s

Recent conversation:
%s

Current user message: %s`

// SelectArguments fills a tool's arguments with a separate LLM call, for
// models without native tool calling. History is truncated to the last
// ten messages and a token budget to stay inside the context window.
func SelectArguments(ctx context.Context, client llm.Client, throttle *llm.Throttle, def llm.ToolDefinition, history []llm.Message, question string) (map[string]any, error) {
	defJSON, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("encode tool definition: %w", err)
	}

	if len(history) > argHistoryMessages {
		history = history[len(history)-argHistoryMessages:]
	}
	rendered := make([]string, 0, len(history))
	for _, m := range history {
		rendered = append(rendered, m.Role+": "+m.Content)
	}
	rendered = tokencount.TailByBudget(rendered, argHistoryBudget)

	prompt := fmt.Sprintf(argSelectionPrompt, defJSON, strings.Join(rendered, "\n"), question)
	var msg llm.Message
	err = throttle.Run(ctx, func(ctx context.Context) error {
		var err error
		msg, err = client.Complete(ctx, llm.CompletionRequest{
			Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("select tool arguments: %w", err)
	}

	content := strings.TrimSpace(msg.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	args := map[string]any{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &args); err != nil {
		return nil, fmt.Errorf("decode tool arguments %q: %w", content, err)
	}
	return args, nil
}
