package retrieval

import (
	"context"
	"fmt"
	"sort"

	"github.com/fathomhq/fathom-backend/internal/platform/searchindex"
)

const (
	sourceBoost = 1.8
	imageBoost  = 1.3
)

type chunkKey struct {
	documentID string
	ordinal    int
}

// resolveLargeChunks expands every large-chunk hit into its constituent
// normal chunks, each carrying at least the parent's score. Duplicates
// by (doc id, ordinal) keep the max score.
func (p *Pipeline) resolveLargeChunks(ctx context.Context, hits []searchindex.ScoredChunk) ([]searchindex.ScoredChunk, error) {
	var reqs []searchindex.ChunkRequest
	// Parent scores are keyed per referenced ordinal; two large chunks of
	// the same document carry distinct scores for disjoint child sets.
	parentScore := map[chunkKey]float64{}
	out := make([]searchindex.ScoredChunk, 0, len(hits))
	for _, hit := range hits {
		if len(hit.LargeChunkReferenceIDs) == 0 {
			out = append(out, hit)
			continue
		}
		reqs = append(reqs, searchindex.ChunkRequest{
			DocumentID: hit.DocumentID,
			Ordinals:   hit.LargeChunkReferenceIDs,
		})
		for _, ord := range hit.LargeChunkReferenceIDs {
			key := chunkKey{hit.DocumentID, ord}
			if hit.Score > parentScore[key] {
				parentScore[key] = hit.Score
			}
		}
	}
	if len(reqs) == 0 {
		return dedupeChunks(out), nil
	}

	children, err := p.index.IDBasedRetrieval(ctx, reqs)
	if err != nil {
		return nil, fmt.Errorf("resolve large chunks: %w", err)
	}
	for _, child := range children {
		if parent := parentScore[chunkKey{child.DocumentID, child.Ordinal}]; child.Score < parent {
			child.Score = parent
		}
		out = append(out, child)
	}
	return dedupeChunks(out), nil
}

// coRetrieveSources pulls the source page for every image hit so the
// answer can cite the page, not just the embedded figure. Source chunks
// score 1.8x, image chunks 1.3x, everything else is untouched.
func (p *Pipeline) coRetrieveSources(ctx context.Context, hits []searchindex.ScoredChunk, filters searchindex.Filters) ([]searchindex.ScoredChunk, error) {
	seen := map[string]bool{}
	for _, hit := range hits {
		seen[hit.DocumentID] = true
	}

	sourceIDs := map[string]bool{}
	for _, hit := range hits {
		id := sourceDocumentID(hit.Chunk)
		if id != "" {
			sourceIDs[id] = true
		}
	}
	if len(sourceIDs) == 0 {
		return hits, nil
	}

	out := make([]searchindex.ScoredChunk, 0, len(hits))
	boosted := map[string]bool{}
	for _, hit := range hits {
		if sourceDocumentID(hit.Chunk) != "" {
			hit.Score *= imageBoost
		} else if sourceIDs[hit.DocumentID] {
			hit.Score *= sourceBoost
			boosted[hit.DocumentID] = true
		}
		out = append(out, hit)
	}

	for id := range sourceIDs {
		if seen[id] {
			continue
		}
		fetched, err := p.index.HybridRetrieval(ctx, searchindex.HybridQuery{
			QueryText: fmt.Sprintf("document_id:%q", id),
			Filters:   filters,
			TopK:      1,
		})
		if err != nil {
			return nil, fmt.Errorf("co-retrieve source %s: %w", id, err)
		}
		for _, chunk := range fetched {
			if !boosted[chunk.DocumentID] {
				chunk.Score *= sourceBoost
				boosted[chunk.DocumentID] = true
			}
			out = append(out, chunk)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func sourceDocumentID(chunk searchindex.Chunk) string {
	if chunk.Metadata == nil {
		return ""
	}
	id, _ := chunk.Metadata["source_document_id"].(string)
	return id
}

func dedupeChunks(chunks []searchindex.ScoredChunk) []searchindex.ScoredChunk {
	best := map[chunkKey]int{}
	out := make([]searchindex.ScoredChunk, 0, len(chunks))
	for _, c := range chunks {
		key := chunkKey{c.DocumentID, c.Ordinal}
		if i, ok := best[key]; ok {
			if c.Score > out[i].Score {
				out[i] = c
			}
			continue
		}
		best[key] = len(out)
		out = append(out, c)
	}
	return out
}
