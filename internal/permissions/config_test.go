package permissions

import (
	"context"
	"testing"
	"time"

	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/platform/searchindex"
)

func scoredChunk(source, docID string, ordinal int) searchindex.ScoredChunk {
	return searchindex.ScoredChunk{
		Chunk: searchindex.Chunk{DocumentID: docID, Ordinal: ordinal, Source: source},
		Score: 0.5,
	}
}

func TestCensorChunksFiltersCensoredSource(t *testing.T) {
	src := domain.Source("censor_test")
	registry[src] = SyncConfig{
		DocSyncFreq: time.Hour,
		Censor: func(_ context.Context, userEmail string, chunks []searchindex.ScoredChunk) []searchindex.ScoredChunk {
			var out []searchindex.ScoredChunk
			for _, c := range chunks {
				if c.DocumentID == "owned-by-"+userEmail {
					out = append(out, c)
				}
			}
			return out
		},
	}
	defer delete(registry, src)

	chunks := []searchindex.ScoredChunk{
		scoredChunk("web", "page-1", 0),
		scoredChunk("censor_test", "owned-by-alice@ex.com", 0),
		scoredChunk("censor_test", "owned-by-bob@ex.com", 0),
		scoredChunk("web", "page-2", 0),
	}

	out := CensorChunks(context.Background(), "alice@ex.com", chunks)
	if len(out) != 3 {
		t.Fatalf("chunks after censoring = %d, want 3", len(out))
	}
	want := []string{"page-1", "owned-by-alice@ex.com", "page-2"}
	for i, id := range want {
		if out[i].DocumentID != id {
			t.Fatalf("chunk %d = %s, want %s (order must survive censoring)", i, out[i].DocumentID, id)
		}
	}
}

func TestCensorChunksPassesThroughWithoutCensors(t *testing.T) {
	chunks := []searchindex.ScoredChunk{
		scoredChunk("web", "page-1", 0),
		scoredChunk("google_drive", "drive-doc", 2),
	}
	out := CensorChunks(context.Background(), "alice@ex.com", chunks)
	if len(out) != 2 {
		t.Fatalf("chunks = %d, want untouched 2", len(out))
	}
	for i := range chunks {
		if out[i].DocumentID != chunks[i].DocumentID || out[i].Ordinal != chunks[i].Ordinal {
			t.Fatalf("chunk %d changed: %+v", i, out[i])
		}
	}
}
