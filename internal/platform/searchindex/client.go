package searchindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

const (
	maxErrorBodyBytes = 1024
	indexBatchSize    = 64
)

type client struct {
	log     *logger.Logger
	baseURL string
	http    *http.Client
}

type envelope struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error,omitempty"`
}

func NewClient(log *logger.Logger) (Index, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	baseURL := strings.TrimSpace(os.Getenv("SEARCH_INDEX_URL"))
	if baseURL == "" {
		return nil, fmt.Errorf("missing SEARCH_INDEX_URL")
	}
	c := &client{
		log:     log.With("service", "SearchIndex"),
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	log.Info("search index client ready", "url", c.baseURL)
	return c, nil
}

// NewClientWithBase is the test constructor; it skips env loading.
func NewClientWithBase(log *logger.Logger, baseURL string) Index {
	return &client{
		log:     log.With("service", "SearchIndex"),
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *client) doJSON(ctx context.Context, op, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return opErr(op, OperationErrorValidation, "encode request", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return opErr(op, OperationErrorValidation, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return opErr(op, OperationErrorTransport, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		code := OperationErrorUpstream
		if resp.StatusCode == http.StatusServiceUnavailable {
			code = OperationErrorUnavailable
		}
		return opErr(op, code, fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))), nil)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return opErr(op, OperationErrorUpstream, "decode envelope", err)
	}
	if env.Error != "" {
		return opErr(op, OperationErrorUpstream, env.Error, nil)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return opErr(op, OperationErrorUpstream, "decode result", err)
	}
	return nil
}

func (c *client) HybridRetrieval(ctx context.Context, q HybridQuery) ([]ScoredChunk, error) {
	const op = "hybrid_retrieval"
	if strings.TrimSpace(q.QueryText) == "" && len(q.Embedding) == 0 {
		return nil, opErr(op, OperationErrorValidation, "query text or embedding required", nil)
	}
	if len(q.Filters.AccessList) == 0 {
		return nil, opErr(op, OperationErrorValidation, "access filter required", nil)
	}
	if q.TopK <= 0 {
		q.TopK = 50
	}
	var out struct {
		Chunks []ScoredChunk `json:"chunks"`
	}
	if err := c.doJSON(ctx, op, http.MethodPost, "/search/hybrid", q, &out); err != nil {
		return nil, err
	}
	return out.Chunks, nil
}

func (c *client) IDBasedRetrieval(ctx context.Context, reqs []ChunkRequest) ([]ScoredChunk, error) {
	const op = "id_based_retrieval"
	if len(reqs) == 0 {
		return nil, nil
	}
	var out struct {
		Chunks []ScoredChunk `json:"chunks"`
	}
	body := map[string]any{"chunk_requests": reqs}
	if err := c.doJSON(ctx, op, http.MethodPost, "/search/by-id", body, &out); err != nil {
		return nil, err
	}
	return out.Chunks, nil
}

func (c *client) Index(ctx context.Context, chunks []IndexableChunk) error {
	const op = "index"
	for start := 0; start < len(chunks); start += indexBatchSize {
		end := start + indexBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		body := map[string]any{"chunks": chunks[start:end]}
		if err := c.doJSON(ctx, op, http.MethodPost, "/index", body, nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *client) UpdateAccess(ctx context.Context, updates []AccessUpdate) error {
	const op = "update_access"
	if len(updates) == 0 {
		return nil
	}
	body := map[string]any{"updates": updates}
	return c.doJSON(ctx, op, http.MethodPost, "/documents/access", body, nil)
}

func (c *client) DeleteDocuments(ctx context.Context, documentIDs []string) error {
	const op = "delete_documents"
	if len(documentIDs) == 0 {
		return nil
	}
	body := map[string]any{"document_ids": documentIDs}
	return c.doJSON(ctx, op, http.MethodPost, "/documents/delete", body, nil)
}
