// Package app wires the platform clients, repositories and services
// into the three processes: api, worker and beat.
package app

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	temporalsdkclient "go.temporal.io/sdk/client"
	"gorm.io/gorm"

	"github.com/fathomhq/fathom-backend/internal/data/db"
	"github.com/fathomhq/fathom-backend/internal/data/repos"
	"github.com/fathomhq/fathom-backend/internal/platform/coordkv"
	"github.com/fathomhq/fathom-backend/internal/platform/dbctx"
	"github.com/fathomhq/fathom-backend/internal/platform/filestore"
	"github.com/fathomhq/fathom-backend/internal/platform/httpx"
	"github.com/fathomhq/fathom-backend/internal/platform/imageproc"
	"github.com/fathomhq/fathom-backend/internal/platform/llm"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
	"github.com/fathomhq/fathom-backend/internal/platform/searchindex"
)

// Core is the dependency set shared by every process.
type Core struct {
	Log   *logger.Logger
	DB    *gorm.DB
	Repos *repos.All

	KV       coordkv.Store
	Index    searchindex.Index
	LLM      llm.Client
	FastLLM  llm.Client
	Throttle *llm.Throttle
	Pool     *httpx.Pool
	Files    filestore.Store
	Images   imageproc.Processor

	Temporal temporalsdkclient.Client
}

// NewCore builds the shared dependency set from the environment.
func NewCore(log *logger.Logger) (*Core, error) {
	pg, err := db.NewPostgresService(log)
	if err != nil {
		return nil, err
	}
	if err := pg.AutoMigrateAll(); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	conn := pg.DB()
	all := repos.New(conn, log)

	kv, err := coordkv.New(log)
	if err != nil {
		log.Warn("redis unavailable; using in-memory coordination", "error", err)
		kv = coordkv.NewMemory()
	}

	index, err := searchindex.NewClient(log)
	if err != nil {
		return nil, err
	}

	llmClient, err := llm.NewClient(log)
	if err != nil {
		return nil, err
	}
	fastLLM := llm.WithModel(llmClient, os.Getenv("LLM_FAST_MODEL"))
	throttle := llm.NewThrottle(envInt64("LLM_MAX_CONCURRENCY", 8))

	files, err := filestore.New(log)
	if err != nil {
		log.Warn("blob store unavailable; using in-memory file store", "error", err)
		files = filestore.NewMemory()
	}

	images, err := imageproc.NewClient(log)
	if err != nil {
		log.Warn("image model server not configured; image processing disabled", "error", err)
		images = nil
	}

	pool := httpx.NewPool(log, &credentialStore{repos: all})

	tc, err := NewTemporalClient(log)
	if err != nil {
		return nil, err
	}

	return &Core{
		Log:      log,
		DB:       conn,
		Repos:    all,
		KV:       kv,
		Index:    index,
		LLM:      llmClient,
		FastLLM:  fastLLM,
		Throttle: throttle,
		Pool:     pool,
		Files:    files,
		Images:   images,
		Temporal: tc,
	}, nil
}

func (c *Core) Close() {
	if c.Temporal != nil {
		c.Temporal.Close()
	}
}

// credentialStore lets the HTTP pool persist refreshed OAuth tokens so
// other workers pick them up.
type credentialStore struct {
	repos *repos.All
}

func (s *credentialStore) SaveToken(ctx context.Context, credentialID, accessToken, refreshToken string, expiry time.Time) error {
	id, err := uuid.Parse(credentialID)
	if err != nil {
		return err
	}
	var exp *time.Time
	if !expiry.IsZero() {
		exp = &expiry
	}
	return s.repos.Credentials.UpdateToken(dbctx.New(ctx), id, accessToken, refreshToken, exp)
}

func envInt64(key string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}
