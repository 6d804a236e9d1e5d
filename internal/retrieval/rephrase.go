package retrieval

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/fathomhq/fathom-backend/internal/platform/llm"
	"github.com/fathomhq/fathom-backend/internal/platform/tokencount"
)

const (
	// Long queries already carry their own context; rewriting them loses
	// more than it gains.
	maxRephraseQueryTokens = 40
	historyTailBudget      = 1024
)

const historyQueryRephrasePrompt = `Given the following conversation and a follow up input, rephrase the follow up into a SHORT, standalone query (which captures any relevant context from previous messages) for a vectorstore.
IMPORTANT: EDIT THE QUERY TO BE AS CONCISE AS POSSIBLE. Respond with a short, compressed phrase.
If there is a clear change in topic, disregard the previous messages.
Strip out any information that is not relevant for the retrieval task.

Chat History:
%s

Follow Up Input: %s
Standalone question (Respond with only the short combined query):`

const multilingualExpansionPrompt = `Translate the following query into each of these languages: %s.
Return one translation per line with no labels or commentary.

Query: %s`

// RephraseQuery folds recent history into the query so retrieval sees a
// standalone question. Queries that are long or punctuation heavy are
// passed through untouched; those are usually pasted error messages or
// code, and a rewrite destroys the exact tokens keyword search needs.
func (p *Pipeline) RephraseQuery(ctx context.Context, query string, history []string) (string, error) {
	if len(history) == 0 {
		return query, nil
	}
	if tokencount.Estimate(query) > maxRephraseQueryTokens || punctuationHeavy(query) {
		return query, nil
	}

	tail := tokencount.TailByBudget(history, historyTailBudget)
	prompt := fmt.Sprintf(historyQueryRephrasePrompt, strings.Join(tail, "\n"), query)

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
		// Retrieval still works on the raw query; log and move on.
		p.log.Warn("query rephrase failed", "error", err)
		return query, nil
	}
	rephrased := strings.TrimSpace(msg.Content)
	if rephrased == "" {
		return query, nil
	}
	return rephrased, nil
}

// ExpandMultilingual appends translated variants of the query so keyword
// matching works across a multilingual corpus. Queries containing
// newlines are skipped; those are structured input, not questions.
func (p *Pipeline) ExpandMultilingual(ctx context.Context, query string, languages []string) string {
	if len(languages) == 0 || strings.Contains(query, "\n") {
		return query
	}
	prompt := fmt.Sprintf(multilingualExpansionPrompt, strings.Join(languages, ", "), query)

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
		p.log.Warn("multilingual expansion failed", "error", err)
		return query
	}
	variants := []string{query}
	for _, line := range strings.Split(msg.Content, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			variants = append(variants, line)
		}
	}
	return strings.Join(variants, "\n")
}

// punctuationHeavy flags queries that read like code or log output.
func punctuationHeavy(query string) bool {
	total, punct := 0, 0
	for _, r := range query {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			punct++
		}
	}
	if total == 0 {
		return false
	}
	return punct >= 4 && punct*10 > total
}

func floatPtr(f float64) *float64 { return &f }
