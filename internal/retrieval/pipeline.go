package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/fathomhq/fathom-backend/internal/platform/llm"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
	"github.com/fathomhq/fathom-backend/internal/platform/searchindex"
)

const (
	defaultTopK        = 50
	defaultHybridAlpha = 0.5
	defaultTimeDecay   = 0.5
	rerankTopN         = 20
)

// Reranker re-scores the top hits with a heavier model. Optional.
type Reranker interface {
	Rerank(ctx context.Context, query string, chunks []searchindex.ScoredChunk) ([]searchindex.ScoredChunk, error)
}

// Request is one retrieval invocation. History entries are prior chat
// turns, oldest first, already rendered as plain text.
type Request struct {
	Query   string
	History []string
	Filters searchindex.Filters

	TopK        int
	HybridAlpha float64
	TimeDecay   float64

	// Languages enables multilingual query expansion when non-empty.
	Languages []string

	DisableRerank    bool
	SkipLLMRelevance bool

	// ContextBudget caps the total token estimate of the returned
	// chunks. Zero disables packing.
	ContextBudget int
}

// Result carries the final chunk set plus the query retrieval actually
// ran, which the answer engine echoes back to the user.
type Result struct {
	FinalQuery string
	Chunks     []searchindex.ScoredChunk
}

// Pipeline is the full retrieval path: rephrase, hybrid search, large
// chunk resolution, image co-retrieval, optional rerank, LLM relevance,
// budget packing.
type Pipeline struct {
	log      *logger.Logger
	index    searchindex.Index
	llm      llm.Client
	fastLLM  llm.Client
	throttle *llm.Throttle
	reranker Reranker
}

func New(log *logger.Logger, index searchindex.Index, primary, fast llm.Client, throttle *llm.Throttle, reranker Reranker) *Pipeline {
	if fast == nil {
		fast = primary
	}
	return &Pipeline{
		log:      log.With("service", "Retrieval"),
		index:    index,
		llm:      primary,
		fastLLM:  fast,
		throttle: throttle,
		reranker: reranker,
	}
}

func (p *Pipeline) Retrieve(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("empty query")
	}

	finalQuery, err := p.RephraseQuery(ctx, req.Query, req.History)
	if err != nil {
		return nil, err
	}
	searchText := p.ExpandMultilingual(ctx, finalQuery, req.Languages)

	embeddings, err := p.llm.Embed(ctx, []string{finalQuery})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	topK := req.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	alpha := req.HybridAlpha
	if alpha <= 0 {
		alpha = defaultHybridAlpha
	}
	decay := req.TimeDecay
	if decay <= 0 {
		decay = defaultTimeDecay
	}

	hits, err := p.index.HybridRetrieval(ctx, searchindex.HybridQuery{
		QueryText:   searchText,
		Embedding:   embeddings[0],
		Keywords:    extractKeywords(finalQuery),
		Filters:     req.Filters,
		HybridAlpha: alpha,
		TimeDecay:   decay,
		TopK:        topK,
	})
	if err != nil {
		return nil, fmt.Errorf("hybrid retrieval: %w", err)
	}

	hits, err = p.resolveLargeChunks(ctx, hits)
	if err != nil {
		return nil, err
	}
	hits, err = p.coRetrieveSources(ctx, hits, req.Filters)
	if err != nil {
		return nil, err
	}

	if p.reranker != nil && !req.DisableRerank && len(hits) > 0 {
		n := rerankTopN
		if n > len(hits) {
			n = len(hits)
		}
		reranked, err := p.reranker.Rerank(ctx, finalQuery, hits[:n])
		if err != nil {
			p.log.Warn("rerank failed; keeping hybrid order", "error", err)
		} else {
			hits = append(reranked, hits[n:]...)
		}
	}

	if !req.SkipLLMRelevance && len(hits) > 0 {
		hits, err = p.filterByRelevance(ctx, finalQuery, hits)
		if err != nil {
			return nil, err
		}
	}

	hits = packIntoBudget(hits, req.ContextBudget)
	return &Result{FinalQuery: finalQuery, Chunks: hits}, nil
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true,
	"at": true, "be": true, "by": true, "for": true, "from": true,
	"how": true, "in": true, "is": true, "it": true, "of": true,
	"on": true, "or": true, "that": true, "the": true, "to": true,
	"what": true, "when": true, "where": true, "which": true,
	"who": true, "why": true, "with": true,
}

func extractKeywords(query string) []string {
	var out []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,!?;:\"'()[]{}")
		if w == "" || stopwords[w] {
			continue
		}
		out = append(out, w)
	}
	return out
}
