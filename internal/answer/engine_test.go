package answer

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/fathomhq/fathom-backend/internal/platform/llm"
	llmmock "github.com/fathomhq/fathom-backend/internal/platform/llm/mock"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
	"github.com/fathomhq/fathom-backend/internal/platform/searchindex"
)

type fakeTool struct {
	name  string
	out   *ToolOutput
	err   error
	calls []map[string]any
}

func (t *fakeTool) Name() string { return t.name }

func (t *fakeTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        t.name,
		Description: "test tool",
		Parameters:  map[string]any{"type": "object"},
	}
}

func (t *fakeTool) Run(_ context.Context, args map[string]any) (*ToolOutput, error) {
	t.calls = append(t.calls, args)
	if t.err != nil {
		return nil, t.err
	}
	return t.out, nil
}

func newTestEngine(client llm.Client) *Engine {
	return NewEngine(logger.NewNop(), client, client, llm.NewThrottle(2))
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func answerText(events []Event) string {
	var b strings.Builder
	for _, ev := range events {
		if piece, ok := ev.(AnswerPiece); ok {
			b.WriteString(piece.Text)
		}
	}
	return b.String()
}

func lastEvent(events []Event) Event {
	if len(events) == 0 {
		return nil
	}
	return events[len(events)-1]
}

func TestEngineStreamsPlainAnswer(t *testing.T) {
	client := llmmock.New(llmmock.Turn{Chunks: []llm.StreamChunk{
		{Delta: "Hello "},
		{Delta: "world."},
	}})
	e := newTestEngine(client)

	events := collect(t, e.Stream(context.Background(), Request{Question: "hi"}))
	if got := answerText(events); got != "Hello world." {
		t.Fatalf("answer = %q", got)
	}
	if stop, ok := lastEvent(events).(StreamStopInfo); !ok || stop.Reason != StopFinished {
		t.Fatalf("terminal event = %+v", lastEvent(events))
	}
}

func TestEngineToolCallOrdering(t *testing.T) {
	client := llmmock.New(
		llmmock.Turn{Chunks: []llm.StreamChunk{
			{ToolCalls: []llm.ToolCallDelta{{Index: 0, ID: "call1", Name: "search", Arguments: `{"query":"pricing"}`}}},
			{FinishReason: "tool_calls"},
		}},
		llmmock.Turn{Chunks: []llm.StreamChunk{{Delta: "Answer [1]."}}},
	)
	tool := &fakeTool{
		name: "search",
		out: &ToolOutput{
			ForLLM:   "DOCUMENT 1: pricing tiers",
			Response: map[string]any{"hits": 1},
			Documents: []searchindex.ScoredChunk{{
				Chunk: searchindex.Chunk{DocumentID: "doc-a", Link: "http://a", Content: "pricing tiers"},
				Score: 0.9,
			}},
		},
	}
	e := newTestEngine(client)

	events := collect(t, e.Stream(context.Background(), Request{Question: "pricing?", Tools: []Tool{tool}}))

	var kickoffAt, responseAt, firstPieceAt = -1, -1, -1
	for i, ev := range events {
		switch ev.(type) {
		case ToolKickoff:
			kickoffAt = i
		case ToolResponse:
			responseAt = i
		case AnswerPiece:
			if firstPieceAt == -1 {
				firstPieceAt = i
			}
		}
	}
	if kickoffAt == -1 || responseAt == -1 || firstPieceAt == -1 {
		t.Fatalf("missing events: %+v", events)
	}
	if !(kickoffAt < responseAt && responseAt < firstPieceAt) {
		t.Fatalf("tool events must precede answer pieces: kickoff=%d response=%d piece=%d", kickoffAt, responseAt, firstPieceAt)
	}

	if got := answerText(events); got != "Answer [[1]](http://a)." {
		t.Fatalf("answer = %q", got)
	}
	if len(tool.calls) != 1 || tool.calls[0]["query"] != "pricing" {
		t.Fatalf("tool calls = %+v", tool.calls)
	}

	// The follow-up completion must carry the tool exchange.
	followup := client.Requests[1]
	foundTool := false
	for _, m := range followup.Messages {
		if m.Role == llm.RoleTool && m.Content == "DOCUMENT 1: pricing tiers" {
			foundTool = true
		}
	}
	if !foundTool {
		t.Fatalf("tool response missing from follow-up messages: %+v", followup.Messages)
	}
}

func TestEngineToolFailureIsRecoverable(t *testing.T) {
	client := llmmock.New(
		llmmock.Turn{Chunks: []llm.StreamChunk{
			{ToolCalls: []llm.ToolCallDelta{{Index: 0, ID: "call1", Name: "search", Arguments: `{}`}}},
		}},
		llmmock.Turn{Chunks: []llm.StreamChunk{{Delta: "I could not search, but here is what I know."}}},
	)
	tool := &fakeTool{name: "search", err: fmt.Errorf("upstream 503")}
	e := newTestEngine(client)

	events := collect(t, e.Stream(context.Background(), Request{Question: "q", Tools: []Tool{tool}}))

	var resp *ToolResponse
	for _, ev := range events {
		if r, ok := ev.(ToolResponse); ok {
			resp = &r
		}
	}
	if resp == nil || !strings.Contains(resp.Err, "upstream 503") {
		t.Fatalf("tool response = %+v", resp)
	}
	if got := answerText(events); !strings.Contains(got, "here is what I know") {
		t.Fatalf("answer = %q", got)
	}
	if stop, ok := lastEvent(events).(StreamStopInfo); !ok || stop.Reason != StopFinished {
		t.Fatalf("terminal event = %+v", lastEvent(events))
	}
}

func TestEngineForceUseToolSkipsSelection(t *testing.T) {
	client := llmmock.New(
		llmmock.Turn{Chunks: []llm.StreamChunk{{Delta: "Done."}}},
	)
	tool := &fakeTool{name: "lookup", out: &ToolOutput{ForLLM: "result", Response: "result"}}
	e := newTestEngine(client)

	events := collect(t, e.Stream(context.Background(), Request{
		Question: "q",
		Tools:    []Tool{tool},
		Force:    &ForceUseTool{Name: "lookup", Args: map[string]any{"id": "42"}},
	}))

	if len(tool.calls) != 1 || tool.calls[0]["id"] != "42" {
		t.Fatalf("forced tool calls = %+v", tool.calls)
	}
	// Exactly one LLM call: the answer. No tool-selection completion.
	if len(client.Requests) != 1 {
		t.Fatalf("llm calls = %d, want 1", len(client.Requests))
	}
	if got := answerText(events); got != "Done." {
		t.Fatalf("answer = %q", got)
	}
}

func TestEnginePreselectsToolForNonToolModels(t *testing.T) {
	client := llmmock.New(
		llmmock.Turn{Message: llm.Message{Role: llm.RoleAssistant, Content: `{"tool":"search","args":{"query":"x"}}`}},
		llmmock.Turn{Chunks: []llm.StreamChunk{{Delta: "Answer."}}},
	)
	client.ModelConfig.SupportsTools = false
	tool := &fakeTool{name: "search", out: &ToolOutput{ForLLM: "found it", Response: "found it"}}
	e := newTestEngine(client)

	events := collect(t, e.Stream(context.Background(), Request{Question: "q", Tools: []Tool{tool}}))

	if len(tool.calls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(tool.calls))
	}
	if got := answerText(events); got != "Answer." {
		t.Fatalf("answer = %q", got)
	}
	// The answer stream itself must not offer tools.
	if len(client.Requests[1].Tools) != 0 {
		t.Fatalf("answer request carries tools: %+v", client.Requests[1].Tools)
	}
}

func TestEngineCancellationEmitsStopInfo(t *testing.T) {
	client := llmmock.New(llmmock.Turn{Chunks: []llm.StreamChunk{
		{Delta: "First "},
		{Delta: "second "},
		{Delta: "third."},
	}})
	e := newTestEngine(client)

	polls := 0
	events := collect(t, e.Stream(context.Background(), Request{
		Question: "q",
		IsConnected: func() bool {
			polls++
			return polls <= 1
		},
	}))

	if got := answerText(events); got != "First " {
		t.Fatalf("answer = %q, want only the first chunk", got)
	}
	if stop, ok := lastEvent(events).(StreamStopInfo); !ok || stop.Reason != StopCancelled {
		t.Fatalf("terminal event = %+v", lastEvent(events))
	}
}

func TestEnginePreventHallucinationAddendum(t *testing.T) {
	client := llmmock.New(llmmock.Turn{Chunks: []llm.StreamChunk{{Delta: "No info found."}}})
	e := newTestEngine(client)

	collect(t, e.Stream(context.Background(), Request{
		Question:             "q",
		SystemPrompt:         "You are helpful.",
		PreventHallucination: true,
	}))

	system := client.Requests[0].Messages[0]
	if system.Role != llm.RoleSystem || !strings.Contains(system.Content, "no relevant information was found") {
		t.Fatalf("system prompt missing addendum: %q", system.Content)
	}
}

func TestEngineChunkedProcessing(t *testing.T) {
	// 120k chars is ~30k tokens against a 8k-token window with 2000
	// reserved: chunk budget 4800 tokens, so 7 chunks then one
	// consolidation stream.
	turns := make([]llmmock.Turn, 0, 8)
	for i := 0; i < 7; i++ {
		turns = append(turns, llmmock.Turn{Message: llm.Message{Role: llm.RoleAssistant, Content: fmt.Sprintf("analysis %d", i+1)}})
	}
	turns = append(turns, llmmock.Turn{Chunks: []llm.StreamChunk{
		{Delta: "Consolidated "},
		{Delta: "answer."},
	}})
	client := llmmock.New(turns...)
	e := newTestEngine(client)

	events := collect(t, e.Stream(context.Background(), Request{
		Question:    "summarize",
		FileContent: strings.Repeat("a", 120000),
	}))

	if len(client.Requests) != 8 {
		t.Fatalf("llm calls = %d, want 7 chunk analyses plus consolidation", len(client.Requests))
	}
	if got := answerText(events); got != "Consolidated answer." {
		t.Fatalf("consolidated answer = %q", got)
	}
	if stop, ok := lastEvent(events).(StreamStopInfo); !ok || stop.Reason != StopFinished {
		t.Fatalf("terminal event = %+v", lastEvent(events))
	}
	// The chunk prompts accumulate prior analysis.
	if !strings.Contains(client.Requests[1].Messages[0].Content, "analysis 1") {
		t.Fatalf("second chunk prompt missing prior analysis")
	}
}

func TestEngineChunkedFailureEmitsStreamingError(t *testing.T) {
	client := llmmock.New(llmmock.Turn{Err: fmt.Errorf("model overloaded")})
	e := newTestEngine(client)

	events := collect(t, e.Stream(context.Background(), Request{
		Question:    "summarize",
		FileContent: strings.Repeat("a", 120000),
	}))

	se, ok := lastEvent(events).(StreamingError)
	if !ok || !strings.Contains(se.Message, "model overloaded") {
		t.Fatalf("terminal event = %+v", lastEvent(events))
	}
}

func TestEngineSingleChunkFallsBackToNormalPath(t *testing.T) {
	client := llmmock.New(llmmock.Turn{Chunks: []llm.StreamChunk{{Delta: "Plain answer."}}})
	e := newTestEngine(client)

	// Total prompt exceeds the window only because of history; the file
	// itself fits in one chunk, so chunking would change nothing.
	events := collect(t, e.Stream(context.Background(), Request{
		Question:    "q",
		History:     []llm.Message{{Role: llm.RoleUser, Content: strings.Repeat("h", 16000)}},
		FileContent: strings.Repeat("f", 12000),
	}))

	if len(client.Requests) != 1 {
		t.Fatalf("llm calls = %d, want the normal single stream", len(client.Requests))
	}
	if got := answerText(events); got != "Plain answer." {
		t.Fatalf("answer = %q", got)
	}
}
