package answer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fathomhq/fathom-backend/internal/platform/llm"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
	"github.com/fathomhq/fathom-backend/internal/platform/tokencount"
)

const (
	defaultMaxToolCalls = 3

	preventHallucinationAddendum = "You have no retrieved context for this question. State clearly that no relevant information was found; do not invent sources or facts."
)

const toolSelectionPrompt = `You may call at most one of the tools below to help answer the user. Respond with JSON only, in the form {"tool": "<name>", "args": {...}} or {"tool": null} if no tool is needed.

Tools:
%s

User message: %s`

var errCancelled = errors.New("answer: caller disconnected")

// Request is one answer invocation.
type Request struct {
	Question     string
	SystemPrompt string

	// Summary is the latest conversation summary, empty if none.
	Summary string
	// History is the recent message window, oldest first.
	History []llm.Message

	// Docs is the retrieved context, LLM-visible order. DisplayOrder
	// maps each doc to the rank the user sees; nil means identity.
	Docs         []ContextDoc
	DisplayOrder []int

	Tools []Tool
	Force *ForceUseTool

	// FileContent is pasted or uploaded text accompanying the question.
	// When the full prompt exceeds the model window, this is what gets
	// chunked.
	FileContent string

	PreventHallucination bool

	// IsConnected is polled during streaming; false stops the stream
	// with a CANCELLED stop-info.
	IsConnected func() bool

	MaxToolCalls int
}

// Engine drives one or more LLM calls per answer and emits a lazy event
// stream. It runs single threaded per request; tool execution blocks
// the state machine but never the caller's read loop.
type Engine struct {
	log      *logger.Logger
	llm      llm.Client
	fastLLM  llm.Client
	throttle *llm.Throttle
}

func NewEngine(log *logger.Logger, primary, fast llm.Client, throttle *llm.Throttle) *Engine {
	if fast == nil {
		fast = primary
	}
	return &Engine{
		log:      log.With("service", "AnswerEngine"),
		llm:      primary,
		fastLLM:  fast,
		throttle: throttle,
	}
}

// Stream starts the answer and returns its event channel. The channel
// closes after the terminal event (StreamStopInfo or StreamingError).
func (e *Engine) Stream(ctx context.Context, req Request) <-chan Event {
	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		emit := func(ev Event) bool {
			select {
			case <-ctx.Done():
				return false
			case ch <- ev:
				return true
			}
		}
		e.run(ctx, req, emit)
	}()
	return ch
}

func (e *Engine) run(ctx context.Context, req Request, emit func(Event) bool) {
	msgs := e.buildMessages(req)

	// Oversize check happens before any prompt is sent; exceptions are
	// not control flow here.
	if content, oversized := e.oversized(msgs, req); oversized {
		e.runChunked(ctx, req, content, emit)
		return
	}
	if req.FileContent != "" {
		msgs[len(msgs)-1].Content += "\n\nAttached file:\n" + req.FileContent
	}

	if !e.llm.Config().SupportsTools && len(req.Tools) > 0 && req.Force == nil {
		e.runPreselected(ctx, req, msgs, emit)
		return
	}
	e.runToolLoop(ctx, req, msgs, emit)
}

// runToolLoop is the main state machine for tool-calling models:
// CHOOSE_TOOL, RUN_TOOL, INCORPORATE, repeat, then STREAM_ANSWER.
func (e *Engine) runToolLoop(ctx context.Context, req Request, msgs []llm.Message, emit func(Event) bool) {
	tools := map[string]Tool{}
	var defs []llm.ToolDefinition
	for _, t := range req.Tools {
		tools[t.Name()] = t
		defs = append(defs, t.Definition())
	}

	cp := NewCitationProcessor(req.Docs, req.DisplayOrder)
	maxCalls := req.MaxToolCalls
	if maxCalls <= 0 {
		maxCalls = defaultMaxToolCalls
	}

	// A forced tool with args runs before any LLM decision.
	forced := req.Force
	if forced != nil && forced.Args != nil {
		tool, ok := tools[forced.Name]
		if !ok {
			emit(StreamingError{Message: fmt.Sprintf("forced tool %q is not available", forced.Name)})
			return
		}
		call := llm.ToolCall{ID: "forced", Name: forced.Name, Arguments: marshalArgs(forced.Args)}
		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{call}})
		if !e.incorporateTool(ctx, tool, call, &msgs, cp, emit) {
			return
		}
		forced = nil
	}

	for iteration := 0; iteration <= maxCalls; iteration++ {
		creq := llm.CompletionRequest{Messages: msgs, Tools: defs}
		if forced != nil {
			creq.ToolChoice = llm.ToolChoice{ForcedTool: forced.Name}
			forced = nil
		}
		if iteration == maxCalls {
			// Out of tool budget; force a plain answer.
			creq.ToolChoice = llm.ToolChoice{None: true}
		}

		var deltas []llm.ToolCallDelta
		err := e.llm.Stream(ctx, creq, func(chunk llm.StreamChunk) error {
			if e.disconnected(req) {
				return errCancelled
			}
			deltas = append(deltas, chunk.ToolCalls...)
			if chunk.Delta != "" {
				text, infos := cp.Process(chunk.Delta)
				if !e.emitProcessed(text, infos, emit) {
					return errCancelled
				}
			}
			return nil
		})
		if errors.Is(err, errCancelled) {
			emit(StreamStopInfo{Reason: StopCancelled})
			return
		}
		if err != nil {
			emit(StreamingError{Message: err.Error()})
			return
		}

		calls := llm.AccumulateToolCalls(deltas)
		if len(calls) == 0 {
			text, infos := cp.Flush()
			if !e.emitProcessed(text, infos, emit) {
				return
			}
			emit(StreamStopInfo{Reason: StopFinished})
			return
		}

		assistant := llm.Message{Role: llm.RoleAssistant, ToolCalls: calls}
		msgs = append(msgs, assistant)
		for _, call := range calls {
			tool, ok := tools[call.Name]
			if !ok {
				msgs = append(msgs, llm.Message{
					Role:       llm.RoleTool,
					ToolCallID: call.ID,
					Content:    fmt.Sprintf("error: unknown tool %q", call.Name),
				})
				continue
			}
			if !e.incorporateTool(ctx, tool, call, &msgs, cp, emit) {
				return
			}
		}
	}
	emit(StreamStopInfo{Reason: StopFinished})
}

// incorporateTool runs one tool call, emits its events, and appends the
// exchange to the message history. New citable documents extend the
// citation processor's doc list. Returns false on cancellation.
func (e *Engine) incorporateTool(ctx context.Context, tool Tool, call llm.ToolCall, msgs *[]llm.Message, cp *CitationProcessor, emit func(Event) bool) bool {
	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			e.log.Warn("undecodable tool arguments", "tool", tool.Name(), "error", err)
		}
	}
	if !emit(ToolKickoff{ToolName: tool.Name(), Arguments: args}) {
		return false
	}

	out, err := tool.Run(ctx, args)
	if err != nil {
		// The LLM sees the failure and gets a chance to recover.
		if !emit(ToolResponse{ToolName: tool.Name(), Err: err.Error()}) {
			return false
		}
		*msgs = append(*msgs, llm.Message{
			Role:       llm.RoleTool,
			ToolCallID: call.ID,
			Content:    "error: " + err.Error(),
		})
		return true
	}

	if !emit(ToolResponse{ToolName: tool.Name(), Response: out.Response}) {
		return false
	}
	if len(out.Documents) > 0 {
		docs := make([]ContextDoc, 0, len(out.Documents))
		for _, d := range out.Documents {
			docs = append(docs, ContextDoc{
				DocumentID: d.DocumentID,
				Link:       d.Link,
				Title:      d.Title,
				Content:    d.Content,
			})
		}
		cp.ExtendDocs(docs)
	}
	*msgs = append(*msgs, llm.Message{
		Role:       llm.RoleTool,
		ToolCallID: call.ID,
		Content:    out.ForLLM,
	})
	return true
}

// runPreselected handles models without native tool calling: a separate
// fast-LLM call picks the tool, then the answer streams tool-free.
func (e *Engine) runPreselected(ctx context.Context, req Request, msgs []llm.Message, emit func(Event) bool) {
	var b strings.Builder
	tools := map[string]Tool{}
	for _, t := range req.Tools {
		tools[t.Name()] = t
		def := t.Definition()
		fmt.Fprintf(&b, "- %s: %s\n", def.Name, def.Description)
	}
	prompt := fmt.Sprintf(toolSelectionPrompt, b.String(), req.Question)

	var msg llm.Message
	err := e.throttle.Run(ctx, func(ctx context.Context) error {
		var err error
		msg, err = e.fastLLM.Complete(ctx, llm.CompletionRequest{
			Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		})
		return err
	})
	cp := NewCitationProcessor(req.Docs, req.DisplayOrder)
	if err != nil {
		e.log.Warn("tool preselection failed; answering directly", "error", err)
	} else if name, args := parseToolSelection(msg.Content); name != "" {
		tool, ok := tools[name]
		if ok {
			call := llm.ToolCall{ID: "preselected", Name: name, Arguments: marshalArgs(args)}
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{call}})
			if !e.incorporateTool(ctx, tool, call, &msgs, cp, emit) {
				return
			}
		}
	}

	err = e.llm.Stream(ctx, llm.CompletionRequest{Messages: msgs}, func(chunk llm.StreamChunk) error {
		if e.disconnected(req) {
			return errCancelled
		}
		if chunk.Delta != "" {
			text, infos := cp.Process(chunk.Delta)
			if !e.emitProcessed(text, infos, emit) {
				return errCancelled
			}
		}
		return nil
	})
	if errors.Is(err, errCancelled) {
		emit(StreamStopInfo{Reason: StopCancelled})
		return
	}
	if err != nil {
		emit(StreamingError{Message: err.Error()})
		return
	}
	text, infos := cp.Flush()
	if !e.emitProcessed(text, infos, emit) {
		return
	}
	emit(StreamStopInfo{Reason: StopFinished})
}

func (e *Engine) emitProcessed(text string, events []CitationInfo, emit func(Event) bool) bool {
	for _, ev := range events {
		if !emit(ev) {
			return false
		}
	}
	if text != "" && !emit(AnswerPiece{Text: text}) {
		return false
	}
	return true
}

func (e *Engine) disconnected(req Request) bool {
	return req.IsConnected != nil && !req.IsConnected()
}

func (e *Engine) buildMessages(req Request) []llm.Message {
	system := req.SystemPrompt
	if len(req.Docs) == 0 && req.PreventHallucination {
		if system != "" {
			system += "\n\n"
		}
		system += preventHallucinationAddendum
	}

	msgs := make([]llm.Message, 0, len(req.History)+3)
	if system != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: system})
	}
	if req.Summary != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: "Conversation summary so far:\n" + req.Summary})
	}
	msgs = append(msgs, req.History...)

	user := req.Question
	if len(req.Docs) > 0 {
		user = contextBlock(req.Docs) + "\n\n" + req.Question
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: user})
	return msgs
}

// oversized reports whether the prompt would overflow the model window
// and, if so, which content should be chunked.
func (e *Engine) oversized(msgs []llm.Message, req Request) (string, bool) {
	cfg := e.llm.Config()
	available := cfg.MaxInputTokens - cfg.ReservedForReply
	total := tokencount.Estimate(req.FileContent)
	for _, m := range msgs {
		total += tokencount.Estimate(m.Content)
	}
	if total <= available {
		return "", false
	}
	content := req.FileContent
	if content == "" {
		content = req.Question
	}
	// A single chunk after splitting means chunking buys nothing; the
	// normal path handles it identically.
	chunkTokens := available * 8 / 10
	if len(splitByTokens(content, chunkTokens)) <= 1 {
		return "", false
	}
	return content, true
}

func contextBlock(docs []ContextDoc) string {
	var b strings.Builder
	b.WriteString("Use the following retrieved documents. Cite them as [n].\n")
	for i, d := range docs {
		fmt.Fprintf(&b, "\nDOCUMENT %d", i+1)
		if d.Title != "" {
			fmt.Fprintf(&b, " (%s)", d.Title)
		}
		b.WriteString(":\n")
		b.WriteString(d.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func parseToolSelection(content string) (string, map[string]any) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	var sel struct {
		Tool *string        `json:"tool"`
		Args map[string]any `json:"args"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &sel); err != nil || sel.Tool == nil {
		return "", nil
	}
	return *sel.Tool, sel.Args
}

func marshalArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
