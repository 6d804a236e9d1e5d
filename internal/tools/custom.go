package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/fathomhq/fathom-backend/internal/answer"
	"github.com/fathomhq/fathom-backend/internal/platform/filestore"
	"github.com/fathomhq/fathom-backend/internal/platform/httpx"
	"github.com/fathomhq/fathom-backend/internal/platform/llm"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

const maxToolResponseBytes = 4 << 20

// Config binds a parsed OpenAPI schema to credentials and transport.
type Config struct {
	// BaseURL overrides the schema's servers entry when set.
	BaseURL string
	// Headers are sent on every invocation.
	Headers map[string]string
	// OAuthToken, when set, wins over any custom Authorization header.
	OAuthToken string
}

// CustomTool exposes one OpenAPI method as an answer-engine tool.
type CustomTool struct {
	log   *logger.Logger
	pool  *httpx.Pool
	files filestore.Store

	spec    MethodSpec
	baseURL string
	cfg     Config
}

// NewFromOpenAPI parses the schema and returns one tool per method.
func NewFromOpenAPI(log *logger.Logger, pool *httpx.Pool, files filestore.Store, schema []byte, cfg Config) ([]answer.Tool, error) {
	baseURL, specs, err := ParseOpenAPI(schema)
	if err != nil {
		return nil, err
	}
	if cfg.BaseURL != "" {
		baseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("openapi schema has no server url and no base url override")
	}
	tools := make([]answer.Tool, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, &CustomTool{
			log:     log.With("service", "CustomTool", "tool", spec.Name),
			pool:    pool,
			files:   files,
			spec:    spec,
			baseURL: baseURL,
			cfg:     cfg,
		})
	}
	return tools, nil
}

func (t *CustomTool) Name() string { return t.spec.Name }

// Definition mirrors the method's parameters as a function-calling JSON
// schema: path and query params at the top level, the request body
// under "body".
func (t *CustomTool) Definition() llm.ToolDefinition {
	properties := map[string]any{}
	var required []string
	for _, p := range t.spec.PathParams {
		properties[p.Name] = paramSchema(p)
		required = append(required, p.Name)
	}
	for _, p := range t.spec.QueryParams {
		properties[p.Name] = paramSchema(p)
		if p.Required {
			required = append(required, p.Name)
		}
	}
	if t.spec.BodySchema != nil {
		properties["body"] = t.spec.BodySchema
		required = append(required, "body")
	}
	params := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		params["required"] = required
	}
	return llm.ToolDefinition{
		Name:        t.spec.Name,
		Description: t.spec.Summary,
		Parameters:  params,
	}
}

func (t *CustomTool) Run(ctx context.Context, args map[string]any) (*answer.ToolOutput, error) {
	reqURL, err := t.buildURL(args)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	for k, v := range t.cfg.Headers {
		headers.Set(k, v)
	}
	if t.cfg.OAuthToken != "" {
		if headers.Get("Authorization") != "" {
			t.log.Warn("custom Authorization header overridden by oauth token")
		}
		headers.Set("Authorization", "Bearer "+t.cfg.OAuthToken)
	}

	var body []byte
	if t.spec.BodySchema != nil {
		if raw, ok := args["body"]; ok {
			body, err = json.Marshal(raw)
			if err != nil {
				return nil, fmt.Errorf("encode request body: %w", err)
			}
			headers.Set("Content-Type", "application/json")
		}
	}

	resp, err := t.pool.Do(ctx, httpx.Request{
		Method:  t.spec.Method,
		URL:     reqURL,
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", t.spec.Name, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxToolResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", t.spec.Name, err)
	}

	return t.classify(ctx, resp.Header.Get("Content-Type"), data)
}

func (t *CustomTool) buildURL(args map[string]any) (string, error) {
	path := t.spec.Path
	for _, p := range t.spec.PathParams {
		v, ok := args[p.Name]
		if !ok {
			return "", fmt.Errorf("%s: missing path parameter %q", t.spec.Name, p.Name)
		}
		path = strings.ReplaceAll(path, "{"+p.Name+"}", url.PathEscape(fmt.Sprint(v)))
	}

	query := url.Values{}
	for _, p := range t.spec.QueryParams {
		v, ok := args[p.Name]
		if !ok {
			if p.Required {
				return "", fmt.Errorf("%s: missing query parameter %q", t.spec.Name, p.Name)
			}
			continue
		}
		query.Set(p.Name, fmt.Sprint(v))
	}

	full := t.baseURL + path
	if encoded := query.Encode(); encoded != "" {
		full += "?" + encoded
	}
	return full, nil
}

// classify routes the response by content type: binary and csv payloads
// land in the file store, json is parsed, everything else is text.
func (t *CustomTool) classify(ctx context.Context, contentType string, data []byte) (*answer.ToolOutput, error) {
	mediaType := contentType
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))

	switch {
	case strings.HasPrefix(mediaType, "image/") || mediaType == "text/csv":
		id, err := t.files.Save(ctx, data, mediaType, t.spec.Name+"-response")
		if err != nil {
			return nil, fmt.Errorf("%s: store response file: %w", t.spec.Name, err)
		}
		ref := map[string]any{"file_id": id, "content_type": mediaType}
		return &answer.ToolOutput{
			Response: ref,
			ForLLM:   fmt.Sprintf("The tool returned a %s file, stored with id %s.", mediaType, id),
		}, nil

	case mediaType == "application/json":
		var parsed any
		if err := json.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("%s: decode json response: %w", t.spec.Name, err)
		}
		out := &answer.ToolOutput{Response: parsed, ForLLM: string(data)}
		if docs := t.freshdeskDocuments(parsed); len(docs) > 0 {
			out.Documents = docs
		}
		return out, nil

	default:
		return &answer.ToolOutput{Response: string(data), ForLLM: string(data)}, nil
	}
}

func paramSchema(p Param) map[string]any {
	if p.Schema != nil {
		return p.Schema
	}
	return map[string]any{"type": "string"}
}
