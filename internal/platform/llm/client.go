package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fathomhq/fathom-backend/internal/platform/httpx"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

// Client is the single surface the rest of the backend calls into the
// LLM provider through. Streaming is push-driven: one callback per
// provider chunk.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (Message, error)
	Stream(ctx context.Context, req CompletionRequest, onChunk func(StreamChunk) error) error
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
	Config() ModelConfig
}

type client struct {
	log     *logger.Logger
	baseURL string
	apiKey  string
	cfg     ModelConfig
	http    *http.Client

	maxRetries int
}

func NewClient(log *logger.Logger) (Client, error) {
	apiKey := strings.TrimSpace(os.Getenv("LLM_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("missing LLM_API_KEY")
	}
	baseURL := strings.TrimSpace(os.Getenv("LLM_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(os.Getenv("LLM_MODEL"))
	if model == "" {
		model = "gpt-4o"
	}
	embedModel := strings.TrimSpace(os.Getenv("LLM_EMBED_MODEL"))
	if embedModel == "" {
		embedModel = "text-embedding-3-small"
	}

	maxInput := envInt("LLM_MAX_INPUT_TOKENS", 128000)
	embedDim := envInt("LLM_EMBED_DIM", 1536)
	maxRetries := envInt("LLM_MAX_RETRIES", 4)
	timeoutSec := envInt("LLM_TIMEOUT_SECONDS", 180)

	supportsTools := true
	if v := strings.TrimSpace(os.Getenv("LLM_SUPPORTS_TOOLS")); v != "" {
		supportsTools = strings.EqualFold(v, "true") || v == "1"
	}

	return &client{
		log:     log.With("service", "LLMClient"),
		baseURL: baseURL,
		apiKey:  apiKey,
		cfg: ModelConfig{
			Model:            model,
			MaxInputTokens:   maxInput,
			SupportsTools:    supportsTools,
			EmbeddingModel:   embedModel,
			EmbeddingDim:     embedDim,
			MaxOutputTokens:  envInt("LLM_MAX_OUTPUT_TOKENS", 4096),
			ReservedForReply: 2000,
		},
		http:       &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		maxRetries: maxRetries,
	}, nil
}

// WithModel returns a client bound to a different completion model; the
// fast model used for rephrase/relevance calls comes from here.
func WithModel(base Client, model string) Client {
	model = strings.TrimSpace(model)
	if base == nil || model == "" {
		return base
	}
	if c, ok := base.(*client); ok {
		clone := *c
		clone.cfg.Model = model
		return &clone
	}
	return base
}

func (c *client) Config() ModelConfig { return c.cfg }

type wireToolCall struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

func (c *client) buildPayload(req CompletionRequest, stream bool) map[string]any {
	msgs := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		wm := wireMessage{Role: m.Role, Content: m.Content, Name: m.Name, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			var w wireToolCall
			w.ID = tc.ID
			w.Type = "function"
			w.Function.Name = tc.Name
			w.Function.Arguments = tc.Arguments
			wm.ToolCalls = append(wm.ToolCalls, w)
		}
		msgs = append(msgs, wm)
	}

	payload := map[string]any{
		"model":    c.cfg.Model,
		"messages": msgs,
		"stream":   stream,
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if len(req.Tools) > 0 && !req.ToolChoice.None {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			})
		}
		payload["tools"] = tools
		if req.ToolChoice.ForcedTool != "" {
			payload["tool_choice"] = map[string]any{
				"type":     "function",
				"function": map[string]any{"name": req.ToolChoice.ForcedTool},
			}
		}
	}
	if req.ResponseFormat != nil {
		payload["response_format"] = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   req.ResponseFormat.SchemaName,
				"schema": req.ResponseFormat.Schema,
				"strict": true,
			},
		}
	}
	return payload
}

func (c *client) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		resp, err := c.http.Do(httpReq)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, err
			}
			time.Sleep(httpx.JitterSleep(backoffFor(attempt)))
			continue
		}
		if httpx.IsRetryableHTTPStatus(resp.StatusCode) {
			lastErr = &httpx.StatusError{Code: resp.StatusCode, URL: c.baseURL + path}
			wait := httpx.RetryAfterDuration(resp, backoffFor(attempt), retryBackoffCap)
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(httpx.JitterSleep(wait)):
			}
			continue
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, fmt.Errorf("llm: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return resp, nil
	}
	return nil, fmt.Errorf("llm: retries exhausted: %w", lastErr)
}

func (c *client) Complete(ctx context.Context, req CompletionRequest) (Message, error) {
	resp, err := c.post(ctx, "/v1/chat/completions", c.buildPayload(req, false))
	if err != nil {
		return Message{}, err
	}
	defer resp.Body.Close()

	var out struct {
		Choices []struct {
			Message wireMessage `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Message{}, fmt.Errorf("llm: decode completion: %w", err)
	}
	if len(out.Choices) == 0 {
		return Message{}, fmt.Errorf("llm: empty choices")
	}
	wm := out.Choices[0].Message
	msg := Message{Role: wm.Role, Content: wm.Content}
	for _, tc := range wm.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	return msg, nil
}

func (c *client) Stream(ctx context.Context, req CompletionRequest, onChunk func(StreamChunk) error) error {
	if onChunk == nil {
		return fmt.Errorf("llm: onChunk callback required")
	}
	resp, err := c.post(ctx, "/v1/chat/completions", c.buildPayload(req, true))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return streamSSE(resp.Body, func(_ string, data string) error {
		if data == "[DONE]" {
			return nil
		}
		var ev struct {
			Choices []struct {
				Delta struct {
					Content   string `json:"content"`
					ToolCalls []struct {
						Index    int    `json:"index"`
						ID       string `json:"id"`
						Function struct {
							Name      string `json:"name"`
							Arguments string `json:"arguments"`
						} `json:"function"`
					} `json:"tool_calls"`
				} `json:"delta"`
				FinishReason *string `json:"finish_reason"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			// Providers interleave non-chunk events; skip quietly.
			return nil
		}
		if len(ev.Choices) == 0 {
			return nil
		}
		ch := ev.Choices[0]
		chunk := StreamChunk{Delta: ch.Delta.Content}
		for _, tc := range ch.Delta.ToolCalls {
			chunk.ToolCalls = append(chunk.ToolCalls, ToolCallDelta{
				Index:     tc.Index,
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		if ch.FinishReason != nil {
			chunk.FinishReason = *ch.FinishReason
		}
		if chunk.Delta == "" && len(chunk.ToolCalls) == 0 && chunk.FinishReason == "" {
			return nil
		}
		return onChunk(chunk)
	})
}

func (c *client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	resp, err := c.post(ctx, "/v1/embeddings", map[string]any{
		"model": c.cfg.EmbeddingModel,
		"input": inputs,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("llm: decode embeddings: %w", err)
	}
	vectors := make([][]float32, len(inputs))
	for _, d := range out.Data {
		if d.Index >= 0 && d.Index < len(vectors) {
			vectors[d.Index] = d.Embedding
		}
	}
	for i, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("llm: missing embedding for input %d", i)
		}
	}
	return vectors, nil
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
