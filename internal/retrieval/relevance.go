package retrieval

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/fathomhq/fathom-backend/internal/platform/llm"
	"github.com/fathomhq/fathom-backend/internal/platform/searchindex"
	"github.com/fathomhq/fathom-backend/internal/platform/tokencount"
)

const (
	relevanceBatchSize       = 25
	relevanceSectionTokenCap = 512
)

const relevancePrompt = `Determine whether each section below contains information useful for answering the query. Respond with one line per section, in the form "<section number>: Yes" or "<section number>: No". Do not add anything else.

Query: %s

%s`

var relevanceLine = regexp.MustCompile(`(?m)^\s*(\d+)\s*[:.)]\s*(yes|no)\b`)

// filterByRelevance asks the fast LLM which sections actually bear on
// the query, in batches, in parallel under the global throttle. A line
// the model forgot to emit counts as relevant; better to trust the
// ranker than to drop a section on a parse miss.
func (p *Pipeline) filterByRelevance(ctx context.Context, query string, chunks []searchindex.ScoredChunk) ([]searchindex.ScoredChunk, error) {
	if len(chunks) == 0 {
		return chunks, nil
	}

	relevant := make([]bool, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(chunks); start += relevanceBatchSize {
		end := start + relevanceBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		start, end := start, end
		g.Go(func() error {
			verdicts, err := p.relevanceBatch(gctx, query, chunks[start:end])
			if err != nil {
				return err
			}
			copy(relevant[start:end], verdicts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]searchindex.ScoredChunk, 0, len(chunks))
	for i, c := range chunks {
		if relevant[i] {
			out = append(out, c)
		}
	}
	return out, nil
}

func (p *Pipeline) relevanceBatch(ctx context.Context, query string, batch []searchindex.ScoredChunk) ([]bool, error) {
	var b strings.Builder
	for i, chunk := range batch {
		fmt.Fprintf(&b, "SECTION %d", i+1)
		if chunk.Title != "" {
			fmt.Fprintf(&b, " (%s)", chunk.Title)
		}
		b.WriteString(":\n")
		b.WriteString(tokencount.Truncate(chunk.Content, relevanceSectionTokenCap))
		b.WriteString("\n\n")
	}
	prompt := fmt.Sprintf(relevancePrompt, query, strings.TrimSpace(b.String()))

	var msg llm.Message
	err := p.throttle.Run(ctx, func(ctx context.Context) error {
		var err error
		msg, err = p.fastLLM.Complete(ctx, llm.CompletionRequest{
			Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
			Temperature: floatPtr(0),
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("relevance batch: %w", err)
	}
	return parseRelevance(msg.Content, len(batch)), nil
}

func parseRelevance(response string, n int) []bool {
	verdicts := make([]bool, n)
	for i := range verdicts {
		verdicts[i] = true
	}
	for _, m := range relevanceLine.FindAllStringSubmatch(strings.ToLower(response), -1) {
		idx, err := strconv.Atoi(m[1])
		if err != nil || idx < 1 || idx > n {
			continue
		}
		verdicts[idx-1] = m[2] == "yes"
	}
	return verdicts
}
