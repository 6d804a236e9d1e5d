package permissions

import (
	"context"
	"time"

	"github.com/fathomhq/fathom-backend/internal/connectors"
	"github.com/fathomhq/fathom-backend/internal/data/repos"
	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/platform/httpx"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
	"github.com/fathomhq/fathom-backend/internal/platform/searchindex"
)

// Deps is what a source's sync implementation gets to work with.
type Deps struct {
	Pool       *httpx.Pool
	Credential *httpx.Credential
	Config     map[string]any
	Log        *logger.Logger
}

// YieldFunc receives one access snapshot per document. Returning an
// error aborts the stream.
type YieldFunc func(repos.AccessSnapshot) error

// DocSync streams the current external access of every document the
// pair owns. Implementations must call hb.Progress at least once per
// page and abort with an error when it returns false.
type DocSync interface {
	SyncDocs(ctx context.Context, yield YieldFunc, hb connectors.Heartbeat) error
}

// Group is one external group and its member emails.
type Group struct {
	ID      string
	Members []string
}

// GroupSync enumerates external groups, including synthetic ones the
// doc sync emitted.
type GroupSync interface {
	SyncGroups(ctx context.Context, hb connectors.Heartbeat) ([]Group, error)
}

// CensorFunc filters retrieved chunks after the index query for sources
// whose ACL model cannot be fully projected into the access list.
type CensorFunc func(ctx context.Context, userEmail string, chunks []searchindex.ScoredChunk) []searchindex.ScoredChunk

// SyncConfig describes how a source's permissions are kept current.
type SyncConfig struct {
	DocSyncFreq   time.Duration
	GroupSyncFreq time.Duration

	// GroupSyncPerPair runs group sync once per pair instead of once per
	// source; Drive needs it because synthetic folder groups are scoped
	// to a pair's drive.
	GroupSyncPerPair bool

	Censor CensorFunc

	NewDocSync   func(deps Deps) (DocSync, error)
	NewGroupSync func(deps Deps) (GroupSync, error)
}

var registry = map[domain.Source]SyncConfig{
	domain.SourceGoogleDrive: {
		DocSyncFreq:      30 * time.Minute,
		GroupSyncFreq:    8 * time.Hour,
		GroupSyncPerPair: true,
		NewDocSync:       func(deps Deps) (DocSync, error) { return newDriveDocSync(deps) },
		NewGroupSync:     func(deps Deps) (GroupSync, error) { return newDriveGroupSync(deps) },
	},
}

// Config returns the sync behavior for a source; ok is false for
// sources without external permissions.
func Config(source domain.Source) (SyncConfig, bool) {
	cfg, ok := registry[source]
	return cfg, ok
}

// CensorChunks applies each chunk's source censor after the index
// query. Sources without a censor pass through untouched. Censors
// filter; they never rewrite, so order and scores are preserved.
func CensorChunks(ctx context.Context, userEmail string, chunks []searchindex.ScoredChunk) []searchindex.ScoredChunk {
	bySource := map[domain.Source][]searchindex.ScoredChunk{}
	for _, c := range chunks {
		src := domain.Source(c.Source)
		if cfg, ok := registry[src]; ok && cfg.Censor != nil {
			bySource[src] = append(bySource[src], c)
		}
	}
	if len(bySource) == 0 {
		return chunks
	}

	type chunkKey struct {
		doc string
		ord int
	}
	allowed := map[chunkKey]bool{}
	for src, group := range bySource {
		for _, c := range registry[src].Censor(ctx, userEmail, group) {
			allowed[chunkKey{c.DocumentID, c.Ordinal}] = true
		}
	}

	out := make([]searchindex.ScoredChunk, 0, len(chunks))
	for _, c := range chunks {
		if _, censored := bySource[domain.Source(c.Source)]; censored && !allowed[chunkKey{c.DocumentID, c.Ordinal}] {
			continue
		}
		out = append(out, c)
	}
	return out
}
