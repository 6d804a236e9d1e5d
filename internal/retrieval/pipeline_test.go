package retrieval

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/fathomhq/fathom-backend/internal/platform/llm"
	llmmock "github.com/fathomhq/fathom-backend/internal/platform/llm/mock"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
	"github.com/fathomhq/fathom-backend/internal/platform/searchindex"
	indexmock "github.com/fathomhq/fathom-backend/internal/platform/searchindex/mock"
	"github.com/fathomhq/fathom-backend/internal/platform/tokencount"
)

func newTestPipeline(idx searchindex.Index, client llm.Client) *Pipeline {
	return New(logger.NewNop(), idx, client, client, llm.NewThrottle(2), nil)
}

func publicChunk(docID string, ordinal int, content string) searchindex.IndexableChunk {
	return searchindex.IndexableChunk{
		Chunk: searchindex.Chunk{
			DocumentID: docID,
			Ordinal:    ordinal,
			Content:    content,
			Source:     "web",
		},
		AccessList: []string{"PUBLIC"},
	}
}

func TestResolveLargeChunksExpandsAndDedupes(t *testing.T) {
	ctx := context.Background()
	idx := indexmock.New()
	if err := idx.Index(ctx, []searchindex.IndexableChunk{
		publicChunk("doc", 0, "first part"),
		publicChunk("doc", 1, "second part"),
	}); err != nil {
		t.Fatalf("seed index: %v", err)
	}
	idx.Scores[indexmock.Key("doc", 0)] = 0.3
	idx.Scores[indexmock.Key("doc", 1)] = 0.4

	p := newTestPipeline(idx, llmmock.New())
	hits := []searchindex.ScoredChunk{
		{Chunk: searchindex.Chunk{DocumentID: "doc", Ordinal: 10, LargeChunkReferenceIDs: []int{0, 1}}, Score: 0.9},
		{Chunk: searchindex.Chunk{DocumentID: "doc", Ordinal: 0, Content: "first part"}, Score: 0.3},
	}
	resolved, err := p.resolveLargeChunks(ctx, hits)
	if err != nil {
		t.Fatalf("resolveLargeChunks: %v", err)
	}

	if len(resolved) != 2 {
		t.Fatalf("resolved chunks = %d, want 2", len(resolved))
	}
	got := map[int]float64{}
	for _, c := range resolved {
		if c.DocumentID != "doc" {
			t.Fatalf("unexpected document %s", c.DocumentID)
		}
		if len(c.LargeChunkReferenceIDs) != 0 {
			t.Fatalf("large chunk survived resolution: %+v", c)
		}
		got[c.Ordinal] = c.Score
	}
	for _, ordinal := range []int{0, 1} {
		if got[ordinal] < 0.9 {
			t.Fatalf("child %d scored %v, want >= parent 0.9", ordinal, got[ordinal])
		}
	}
}

func TestResolveLargeChunksKeepsPerParentScores(t *testing.T) {
	ctx := context.Background()
	idx := indexmock.New()
	if err := idx.Index(ctx, []searchindex.IndexableChunk{
		publicChunk("doc", 0, "first part"),
		publicChunk("doc", 1, "second part"),
	}); err != nil {
		t.Fatalf("seed index: %v", err)
	}
	idx.Scores[indexmock.Key("doc", 0)] = 0.3
	idx.Scores[indexmock.Key("doc", 1)] = 0.4

	p := newTestPipeline(idx, llmmock.New())
	hits := []searchindex.ScoredChunk{
		{Chunk: searchindex.Chunk{DocumentID: "doc", Ordinal: 10, LargeChunkReferenceIDs: []int{0}}, Score: 0.9},
		{Chunk: searchindex.Chunk{DocumentID: "doc", Ordinal: 11, LargeChunkReferenceIDs: []int{1}}, Score: 0.5},
	}
	resolved, err := p.resolveLargeChunks(ctx, hits)
	if err != nil {
		t.Fatalf("resolveLargeChunks: %v", err)
	}
	if len(resolved) != 2 {
		t.Fatalf("resolved chunks = %d, want 2", len(resolved))
	}

	got := map[int]float64{}
	for _, c := range resolved {
		got[c.Ordinal] = c.Score
	}
	if !closeTo(got[0], 0.9) {
		t.Fatalf("child 0 scored %v, want its own parent's 0.9", got[0])
	}
	if !closeTo(got[1], 0.5) {
		t.Fatalf("child 1 scored %v, want its own parent's 0.5, not the sibling's", got[1])
	}
}

func TestImageCoRetrievalBoostsSourceAndImage(t *testing.T) {
	ctx := context.Background()
	idx := indexmock.New()
	page := publicChunk("https://ex/p", 0, "architecture page")
	image := publicChunk("https://ex/p#img1", 0, "architecture diagram")
	image.Metadata = map[string]any{"source_document_id": "https://ex/p"}
	if err := idx.Index(ctx, []searchindex.IndexableChunk{page, image}); err != nil {
		t.Fatalf("seed index: %v", err)
	}
	idx.Scores[indexmock.Key("https://ex/p", 0)] = 0.6

	p := newTestPipeline(idx, llmmock.New())
	hits := []searchindex.ScoredChunk{{Chunk: image.Chunk, Score: 0.9}}
	out, err := p.coRetrieveSources(ctx, hits, searchindex.Filters{AccessList: []string{"PUBLIC"}})
	if err != nil {
		t.Fatalf("coRetrieveSources: %v", err)
	}

	if len(out) != 2 {
		t.Fatalf("chunks = %d, want image plus its source page", len(out))
	}
	if out[0].DocumentID != "https://ex/p#img1" || !closeTo(out[0].Score, 0.9*1.3) {
		t.Fatalf("first hit = %s@%v, want image at 1.17", out[0].DocumentID, out[0].Score)
	}
	if out[1].DocumentID != "https://ex/p" || !closeTo(out[1].Score, 0.6*1.8) {
		t.Fatalf("second hit = %s@%v, want source page at 1.08", out[1].DocumentID, out[1].Score)
	}
}

func TestParseRelevanceDefaultsMissingLinesToYes(t *testing.T) {
	if got := parseRelevance("1: Yes\n2: No\n3: yes", 3); !reflect.DeepEqual(got, []bool{true, false, true}) {
		t.Fatalf("full parse = %v", got)
	}
	if got := parseRelevance("1: Yes\n3: yes", 3); !reflect.DeepEqual(got, []bool{true, true, true}) {
		t.Fatalf("missing line parse = %v", got)
	}
	if got := parseRelevance("garbage", 2); !reflect.DeepEqual(got, []bool{true, true}) {
		t.Fatalf("garbage parse = %v", got)
	}
}

func TestFilterByRelevanceBatches(t *testing.T) {
	ctx := context.Background()
	chunks := make([]searchindex.ScoredChunk, 30)
	for i := range chunks {
		chunks[i] = searchindex.ScoredChunk{Chunk: searchindex.Chunk{DocumentID: "doc", Ordinal: i, Content: "section"}}
	}
	// Batches run in parallel, so both turns carry the same verdict:
	// each batch drops its second section.
	client := llmmock.New(
		llmmock.Turn{Message: llm.Message{Role: llm.RoleAssistant, Content: "2: No"}},
		llmmock.Turn{Message: llm.Message{Role: llm.RoleAssistant, Content: "2: No"}},
	)
	p := newTestPipeline(indexmock.New(), client)
	out, err := p.filterByRelevance(ctx, "query", chunks)
	if err != nil {
		t.Fatalf("filterByRelevance: %v", err)
	}
	if len(out) != 28 {
		t.Fatalf("kept %d chunks, want 28", len(out))
	}
	for _, c := range out {
		if c.Ordinal == 1 || c.Ordinal == 26 {
			t.Fatalf("section 2 of a batch survived: ordinal %d", c.Ordinal)
		}
	}
	if len(client.Requests) != 2 {
		t.Fatalf("llm calls = %d, want one per batch", len(client.Requests))
	}
}

func TestRephraseSkipsLongAndPunctuationHeavyQueries(t *testing.T) {
	ctx := context.Background()
	// A mock with no scripted turns fails any completion; pass-through
	// paths must never reach the LLM.
	p := newTestPipeline(indexmock.New(), llmmock.New())

	long := strings.Repeat("word ", 60)
	got, err := p.RephraseQuery(ctx, long, []string{"prior turn"})
	if err != nil || got != long {
		t.Fatalf("long query rephrased: %q, %v", got, err)
	}

	code := `err := db.Where("id = ?", id).First(&row).Error`
	got, err = p.RephraseQuery(ctx, code, []string{"prior turn"})
	if err != nil || got != code {
		t.Fatalf("punctuation-heavy query rephrased: %q, %v", got, err)
	}

	got, err = p.RephraseQuery(ctx, "what about pricing", nil)
	if err != nil || got != "what about pricing" {
		t.Fatalf("history-free query rephrased: %q, %v", got, err)
	}
}

func TestRephraseUsesHistoryTail(t *testing.T) {
	ctx := context.Background()
	client := llmmock.New(llmmock.Turn{Message: llm.Message{Role: llm.RoleAssistant, Content: "acme contract renewal date"}})
	p := newTestPipeline(indexmock.New(), client)

	got, err := p.RephraseQuery(ctx, "when does it renew", []string{"user: tell me about the acme contract"})
	if err != nil {
		t.Fatalf("RephraseQuery: %v", err)
	}
	if got != "acme contract renewal date" {
		t.Fatalf("rephrased = %q", got)
	}
	if len(client.Requests) != 1 || !strings.Contains(client.Requests[0].Messages[0].Content, "acme contract") {
		t.Fatalf("history missing from rephrase prompt")
	}
}

func TestPackIntoBudgetTruncatesTrailingChunk(t *testing.T) {
	long := strings.Repeat("alpha beta gamma delta ", 100)
	chunks := []searchindex.ScoredChunk{
		{Chunk: searchindex.Chunk{DocumentID: "a", Content: strings.Repeat("x ", 100)}, Score: 0.9},
		{Chunk: searchindex.Chunk{DocumentID: "b", Content: long}, Score: 0.8},
		{Chunk: searchindex.Chunk{DocumentID: "c", Content: "never reached"}, Score: 0.7},
	}
	budget := tokencount.Estimate(chunks[0].Content) + 100

	out := packIntoBudget(chunks, budget)
	if len(out) != 2 {
		t.Fatalf("packed %d chunks, want first intact plus truncated second", len(out))
	}
	if out[0].Content != chunks[0].Content {
		t.Fatalf("first chunk was modified")
	}
	if len(out[1].Content) >= len(long) {
		t.Fatalf("second chunk was not truncated")
	}
	if tokencount.Estimate(out[1].Content) > 100 {
		t.Fatalf("truncated chunk exceeds remaining budget")
	}
}

func TestRetrieveEndToEnd(t *testing.T) {
	ctx := context.Background()
	idx := indexmock.New()
	if err := idx.Index(ctx, []searchindex.IndexableChunk{
		publicChunk("doc-a", 0, "pricing tiers and discounts"),
		publicChunk("doc-b", 0, "unrelated onboarding notes"),
	}); err != nil {
		t.Fatalf("seed index: %v", err)
	}
	idx.Scores[indexmock.Key("doc-a", 0)] = 0.8

	p := newTestPipeline(idx, llmmock.New())
	res, err := p.Retrieve(ctx, Request{
		Query:            "pricing tiers",
		Filters:          searchindex.Filters{AccessList: []string{"PUBLIC"}},
		SkipLLMRelevance: true,
	})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if res.FinalQuery != "pricing tiers" {
		t.Fatalf("final query = %q", res.FinalQuery)
	}
	if len(res.Chunks) != 1 || res.Chunks[0].DocumentID != "doc-a" {
		t.Fatalf("chunks = %+v", res.Chunks)
	}
	if len(idx.HybridQueries) != 1 || len(idx.HybridQueries[0].Embedding) == 0 {
		t.Fatalf("hybrid query missing embedding")
	}
	if got := idx.HybridQueries[0].Keywords; !reflect.DeepEqual(got, []string{"pricing", "tiers"}) {
		t.Fatalf("keywords = %v", got)
	}
}

func closeTo(got, want float64) bool {
	diff := got - want
	return diff < 1e-9 && diff > -1e-9
}
