package connectors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/platform/filestore"
	"github.com/fathomhq/fathom-backend/internal/platform/httpx"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

// Connector is the one capability every adapter must provide: batched,
// checkpointed fetching. A full load passes a zero TimeRange; a poll
// passes the window since the last successful run.
type Connector interface {
	// NextBatch resumes from checkpoint ("" on the first call) and
	// returns the next batch. Implementations must tolerate being
	// restarted from any checkpoint they returned.
	NextBatch(ctx context.Context, checkpoint string, window TimeRange) (*Batch, error)
}

// SlimConnector additionally enumerates just the ids that currently
// exist at the source, for pruning without a full fetch.
type SlimConnector interface {
	Connector
	AllDocumentIDs(ctx context.Context) ([]string, error)
}

// TimeRange is a poll window. Zero Start means fetch everything.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

func (tr TimeRange) IsFull() bool { return tr.Start.IsZero() }

// Deps is what adapters get to talk to the outside world.
type Deps struct {
	Pool       *httpx.Pool
	Credential *httpx.Credential
	Config     map[string]any
	Files      filestore.Store
	Log        *logger.Logger
}

// Factory builds a configured adapter for one pair.
type Factory func(deps Deps) (Connector, error)

var (
	regMu    sync.RWMutex
	registry = map[domain.Source]Factory{}
)

// Register wires a source to its adapter; called from adapter init().
func Register(source domain.Source, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := registry[source]; dup {
		panic(fmt.Sprintf("connector for source %q registered twice", source))
	}
	registry[source] = f
}

func New(source domain.Source, deps Deps) (Connector, error) {
	regMu.RLock()
	f, ok := registry[source]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no connector registered for source %q", source)
	}
	return f(deps)
}

func Registered(source domain.Source) bool {
	regMu.RLock()
	defer regMu.RUnlock()
	_, ok := registry[source]
	return ok
}

// ConfigString reads an optional string key from the pair config.
func ConfigString(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return def
}

// ConfigInt reads an optional int key; json decoding yields float64.
func ConfigInt(cfg map[string]any, key string, def int) int {
	switch v := cfg[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func ConfigBool(cfg map[string]any, key string, def bool) bool {
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return def
}

func ConfigStrings(cfg map[string]any, key string) []string {
	raw, ok := cfg[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
