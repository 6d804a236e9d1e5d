package chunker

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/fathomhq/fathom-backend/internal/connectors"
	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/platform/llm"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
	"github.com/fathomhq/fathom-backend/internal/platform/searchindex"
	"github.com/fathomhq/fathom-backend/internal/platform/tokencount"
)

func testDoc(sections int) *connectors.Document {
	doc := &connectors.Document{
		ID:         "web_test",
		Source:     domain.SourceWeb,
		Title:      "Release notes",
		SemanticID: "Release notes",
		Metadata:   map[string]string{"version": "4.2"},
	}
	for i := 0; i < sections; i++ {
		doc.Sections = append(doc.Sections, connectors.Section{
			Text: strings.Repeat(fmt.Sprintf("section %d body text. ", i), 20),
		})
	}
	return doc
}

func TestChunkBoundariesDeterministic(t *testing.T) {
	c := New(logger.NewNop(), &domain.SearchSettings{MaxTokens: 256})
	doc := testDoc(12)

	first := c.Chunk(doc)
	second := c.Chunk(doc)
	if len(first) == 0 {
		t.Fatalf("no chunks produced")
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("chunk boundaries changed between runs")
	}
}

func TestChunkRespectsBudgetAndOrdinals(t *testing.T) {
	settings := &domain.SearchSettings{MaxTokens: 192}
	c := New(logger.NewNop(), settings)

	doc := testDoc(6)
	// One section far over budget forces the splitter.
	doc.Sections = append(doc.Sections, connectors.Section{
		Text: strings.Repeat("oversized paragraph content here. ", 400),
	})

	chunks := c.Chunk(doc)
	var normal, large []searchindex.Chunk
	for _, ch := range chunks {
		if len(ch.LargeChunkReferenceIDs) > 0 {
			large = append(large, ch)
		} else {
			normal = append(normal, ch)
		}
	}
	if len(normal) < 2 {
		t.Fatalf("expected multiple normal chunks, got %d", len(normal))
	}
	for i, ch := range normal {
		if ch.Ordinal != i {
			t.Fatalf("normal chunk %d has ordinal %d", i, ch.Ordinal)
		}
		if got := tokencount.Estimate(ch.Content); got > c.budget {
			t.Fatalf("chunk %d estimates %d tokens, budget %d", i, got, c.budget)
		}
		if ch.Title != "Release notes" || ch.Metadata["version"] != "4.2" {
			t.Fatalf("chunk %d lost document metadata", i)
		}
	}
	if len(large) == 0 {
		t.Fatalf("expected large chunks")
	}
	for _, ch := range large {
		if ch.Ordinal < len(normal) {
			t.Fatalf("large chunk ordinal %d collides with normal range", ch.Ordinal)
		}
		for _, ref := range ch.LargeChunkReferenceIDs {
			if ref < 0 || ref >= len(normal) {
				t.Fatalf("large chunk references missing ordinal %d", ref)
			}
		}
	}
}

type fakeEmbedClient struct {
	llm.Client
	batches [][]string
}

func (f *fakeEmbedClient) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	f.batches = append(f.batches, inputs)
	out := make([][]float32, len(inputs))
	for i := range out {
		out[i] = []float32{float32(len(inputs[i]))}
	}
	return out, nil
}

func TestEmbedChunksBatches(t *testing.T) {
	fake := &fakeEmbedClient{}
	e := NewEmbedder(logger.NewNop(), fake)

	chunks := make([]searchindex.Chunk, 70)
	for i := range chunks {
		chunks[i] = searchindex.Chunk{DocumentID: "d", Ordinal: i, Content: fmt.Sprintf("chunk %d", i)}
	}
	out, err := e.EmbedChunks(context.Background(), chunks, DocContext{
		AccessList: []string{"user@example.com"},
		Boost:      1.5,
	})
	if err != nil {
		t.Fatalf("EmbedChunks: %v", err)
	}
	if len(out) != 70 {
		t.Fatalf("indexable chunks = %d, want 70", len(out))
	}
	want := []int{32, 32, 6}
	if len(fake.batches) != len(want) {
		t.Fatalf("batches = %d, want %d", len(fake.batches), len(want))
	}
	for i, b := range fake.batches {
		if len(b) != want[i] {
			t.Fatalf("batch %d size = %d, want %d", i, len(b), want[i])
		}
	}
	for _, ic := range out {
		if len(ic.AccessList) != 1 || ic.Boost != 1.5 {
			t.Fatalf("chunk %d missing document context", ic.Ordinal)
		}
		if len(ic.Embedding) != 1 {
			t.Fatalf("chunk %d missing embedding", ic.Ordinal)
		}
	}
}
