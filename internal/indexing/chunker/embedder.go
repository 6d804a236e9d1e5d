package chunker

import (
	"context"
	"fmt"

	"github.com/fathomhq/fathom-backend/internal/platform/llm"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
	"github.com/fathomhq/fathom-backend/internal/platform/searchindex"
)

const embedBatchSize = 32

// DocContext is the per-document state every chunk inherits at index
// time: who may see it, which sets it belongs to, and its boost.
type DocContext struct {
	AccessList   []string
	DocumentSets []string
	Boost        float64
}

// Embedder turns chunks into indexable chunks, batching embedding calls.
type Embedder struct {
	log *logger.Logger
	llm llm.Client
}

func NewEmbedder(log *logger.Logger, client llm.Client) *Embedder {
	return &Embedder{log: log.With("service", "Embedder"), llm: client}
}

func (e *Embedder) EmbedChunks(ctx context.Context, chunks []searchindex.Chunk, docCtx DocContext) ([]searchindex.IndexableChunk, error) {
	out := make([]searchindex.IndexableChunk, 0, len(chunks))
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := min(start+embedBatchSize, len(chunks))
		inputs := make([]string, 0, end-start)
		for _, chunk := range chunks[start:end] {
			inputs = append(inputs, EmbedText(chunk))
		}
		vectors, err := e.llm.Embed(ctx, inputs)
		if err != nil {
			return nil, fmt.Errorf("embed batch [%d:%d]: %w", start, end, err)
		}
		if len(vectors) != end-start {
			return nil, fmt.Errorf("embed batch returned %d vectors for %d inputs", len(vectors), end-start)
		}
		for i, chunk := range chunks[start:end] {
			out = append(out, searchindex.IndexableChunk{
				Chunk:        chunk,
				Embedding:    vectors[i],
				AccessList:   docCtx.AccessList,
				DocumentSets: docCtx.DocumentSets,
				Boost:        docCtx.Boost,
			})
		}
	}
	return out, nil
}
