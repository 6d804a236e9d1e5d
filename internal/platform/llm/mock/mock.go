// Package mock provides a scriptable llm.Client for tests.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/fathomhq/fathom-backend/internal/platform/llm"
)

// Turn scripts one completion: the chunks streamed (in order) or the
// message returned by Complete.
type Turn struct {
	Message llm.Message
	Chunks  []llm.StreamChunk
	Err     error
}

type Client struct {
	mu    sync.Mutex
	turns []Turn
	next  int

	ModelConfig llm.ModelConfig

	// Requests records every request for assertions.
	Requests []llm.CompletionRequest

	// EmbedDim controls the deterministic embedding size.
	EmbedDim int
}

func New(turns ...Turn) *Client {
	return &Client{
		turns: turns,
		ModelConfig: llm.ModelConfig{
			Model:            "mock",
			MaxInputTokens:   8000,
			SupportsTools:    true,
			EmbeddingModel:   "mock-embed",
			EmbeddingDim:     8,
			MaxOutputTokens:  1024,
			ReservedForReply: 2000,
		},
		EmbedDim: 8,
	}
}

func (c *Client) take(req llm.CompletionRequest) (Turn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Requests = append(c.Requests, req)
	if c.next >= len(c.turns) {
		return Turn{}, fmt.Errorf("mock llm: no scripted turn for request %d", c.next)
	}
	t := c.turns[c.next]
	c.next++
	return t, nil
}

func (c *Client) Complete(_ context.Context, req llm.CompletionRequest) (llm.Message, error) {
	t, err := c.take(req)
	if err != nil {
		return llm.Message{}, err
	}
	if t.Err != nil {
		return llm.Message{}, t.Err
	}
	if t.Message.Role == "" && len(t.Chunks) > 0 {
		// Allow scripting only chunks; collapse them for Complete callers.
		msg := llm.Message{Role: llm.RoleAssistant}
		var deltas []llm.ToolCallDelta
		for _, ch := range t.Chunks {
			msg.Content += ch.Delta
			deltas = append(deltas, ch.ToolCalls...)
		}
		msg.ToolCalls = llm.AccumulateToolCalls(deltas)
		return msg, nil
	}
	return t.Message, nil
}

func (c *Client) Stream(ctx context.Context, req llm.CompletionRequest, onChunk func(llm.StreamChunk) error) error {
	t, err := c.take(req)
	if err != nil {
		return err
	}
	if t.Err != nil {
		return t.Err
	}
	chunks := t.Chunks
	if len(chunks) == 0 && t.Message.Content != "" {
		chunks = []llm.StreamChunk{{Delta: t.Message.Content}}
	}
	for _, ch := range chunks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := onChunk(ch); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		v := make([]float32, c.EmbedDim)
		for j := range v {
			v[j] = float32((len(in)+i+j)%17) / 17.0
		}
		out[i] = v
	}
	return out, nil
}

func (c *Client) Config() llm.ModelConfig { return c.ModelConfig }
