package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fathomhq/fathom-backend/internal/answer"
	"github.com/fathomhq/fathom-backend/internal/answer/summary"
	"github.com/fathomhq/fathom-backend/internal/auth"
	"github.com/fathomhq/fathom-backend/internal/chat"
	apihttp "github.com/fathomhq/fathom-backend/internal/http"
	httpH "github.com/fathomhq/fathom-backend/internal/http/handlers"
	httpMW "github.com/fathomhq/fathom-backend/internal/http/middleware"
	"github.com/fathomhq/fathom-backend/internal/retrieval"
	"github.com/fathomhq/fathom-backend/internal/tools"
)

// NewAPIServer wires the HTTP surface on top of the core.
func NewAPIServer(ctx context.Context, core *Core) (*apihttp.Server, error) {
	log := core.Log

	sessions, err := auth.NewSessions(log)
	if err != nil {
		return nil, err
	}
	bridge, err := auth.NewBridge(ctx, log, auth.BridgeConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("oidc bridge: %w", err)
	}
	authService := auth.NewService(log, bridge, sessions, core.Repos.Users)

	directory, err := auth.NewDirectoryClient(ctx, log)
	if err != nil {
		log.Warn("directory client not configured; group ACLs resolve to direct access only", "error", err)
		directory = nil
	}

	pipeline := retrieval.New(log, core.Index, core.LLM, core.FastLLM, core.Throttle, nil)
	engine := answer.NewEngine(log, core.LLM, core.FastLLM, core.Throttle)
	summaries := summary.New(log, core.Repos, core.Index, core.LLM, core.Throttle)
	chatService := chat.New(log, core.Repos, pipeline, engine, summaries, directory)

	answerTools, err := loadTools(core)
	if err != nil {
		return nil, err
	}

	return apihttp.NewServer(apihttp.RouterConfig{
		AuthHandler:    httpH.NewAuthHandler(log, authService),
		AuthMiddleware: httpMW.NewAuthMiddleware(log, authService),
		ChatHandler:    httpH.NewChatHandler(log, chatService, answerTools),
		PairHandler:    httpH.NewPairHandler(log, core.Repos),
		FileHandler:    httpH.NewFileHandler(log, core.Files, core.Repos),
		HealthHandler:  httpH.NewHealthHandler(),
	}), nil
}

// loadTools builds the custom OpenAPI tools from TOOL_SCHEMA_PATH.
// No path means no tools; the chat runs retrieval-only.
func loadTools(core *Core) ([]answer.Tool, error) {
	path := strings.TrimSpace(os.Getenv("TOOL_SCHEMA_PATH"))
	if path == "" {
		return nil, nil
	}
	schema, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool schema: %w", err)
	}
	cfg := tools.Config{
		BaseURL:    strings.TrimSpace(os.Getenv("TOOL_BASE_URL")),
		OAuthToken: strings.TrimSpace(os.Getenv("TOOL_OAUTH_TOKEN")),
	}
	if raw := strings.TrimSpace(os.Getenv("TOOL_HEADERS")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.Headers); err != nil {
			return nil, fmt.Errorf("parse TOOL_HEADERS: %w", err)
		}
	}
	return tools.NewFromOpenAPI(core.Log, core.Pool, core.Files, schema, cfg)
}
