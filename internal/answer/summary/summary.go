// Package summary maintains the incremental conversation summaries fed
// back into the answer engine and indexed for retrieval.
package summary

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fathomhq/fathom-backend/internal/data/repos"
	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/platform/dbctx"
	"github.com/fathomhq/fathom-backend/internal/platform/llm"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
	"github.com/fathomhq/fathom-backend/internal/platform/searchindex"
)

const (
	defaultThreshold = 10

	// The answer engine sees the summary plus this many trailing
	// messages instead of the full history.
	recentWindow = 3
)

const updatePrompt = `Maintain a running summary of a conversation.

Current summary:
%s

New messages since the summary was written:
%s

Write the updated summary. Keep every fact, decision, and open question that could matter later; drop filler. Respond with the summary only.`

// DocumentID is the stable index id for a session's summary; version
// bumps overwrite the same document.
func DocumentID(sessionID uuid.UUID) string {
	return "chat_summary_" + sessionID.String()
}

// Cache owns the summary lifecycle: threshold checks, incremental LLM
// updates, persistence, and indexing.
type Cache struct {
	log       *logger.Logger
	repos     *repos.All
	index     searchindex.Index
	llm       llm.Client
	throttle  *llm.Throttle
	threshold int
}

func New(log *logger.Logger, all *repos.All, index searchindex.Index, client llm.Client, throttle *llm.Throttle) *Cache {
	threshold := defaultThreshold
	if v := strings.TrimSpace(os.Getenv("CHAT_SUMMARY_THRESHOLD")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			threshold = n
		}
	}
	return &Cache{
		log:       log.With("service", "ChatSummary"),
		repos:     all,
		index:     index,
		llm:       client,
		throttle:  throttle,
		threshold: threshold,
	}
}

// MaybeUpdate runs after a message is persisted. It summarizes only when
// the message count since the last summary crosses the threshold, and
// prompts with the prior summary plus the new messages, never the whole
// history.
func (c *Cache) MaybeUpdate(ctx context.Context, sessionID uuid.UUID, userEmail string) error {
	dbc := dbctx.New(ctx)

	total, err := c.repos.Messages.CountBySession(dbc, sessionID)
	if err != nil {
		return fmt.Errorf("count messages: %w", err)
	}
	if total < int64(c.threshold) {
		return nil
	}
	latest, err := c.repos.Summaries.GetLatest(dbc, sessionID)
	if err != nil {
		return fmt.Errorf("load latest summary: %w", err)
	}
	since := 0
	prior := "(no summary yet)"
	if latest != nil {
		if total-int64(latest.MessageCountAtCreation) < int64(c.threshold) {
			return nil
		}
		since = latest.MessageCountAtCreation
		prior = latest.Summary
	}

	messages, err := c.repos.Messages.ListBySession(dbc, sessionID)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	if since > len(messages) {
		since = len(messages)
	}
	fresh := messages[since:]
	if len(fresh) == 0 {
		return nil
	}

	prompt := fmt.Sprintf(updatePrompt, prior, renderMessages(fresh))
	var msg llm.Message
	err = c.throttle.Run(ctx, func(ctx context.Context) error {
		var err error
		msg, err = c.llm.Complete(ctx, llm.CompletionRequest{
			Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return fmt.Errorf("summarize: empty summary")
	}

	row, err := c.repos.Summaries.CreateNext(dbc, sessionID, text, int(total))
	if err != nil {
		return fmt.Errorf("store summary: %w", err)
	}
	if err := c.indexSummary(ctx, sessionID, row, userEmail); err != nil {
		return err
	}
	c.log.Info("summary updated", "session_id", sessionID, "version", row.SummaryVersion, "messages", total)
	return nil
}

// indexSummary upserts the summary into the search index so past
// conversations are retrievable. Upsert semantics make version bumps
// idempotent on the same document id.
func (c *Cache) indexSummary(ctx context.Context, sessionID uuid.UUID, row *domain.ChatSummary, userEmail string) error {
	embeddings, err := c.llm.Embed(ctx, []string{row.Summary})
	if err != nil {
		return fmt.Errorf("embed summary: %w", err)
	}
	now := time.Now().UTC()
	chunk := searchindex.IndexableChunk{
		Chunk: searchindex.Chunk{
			DocumentID:   DocumentID(sessionID),
			Ordinal:      0,
			Content:      row.Summary,
			Title:        "Conversation summary",
			Source:       string(domain.SourceChatSummary),
			DocUpdatedAt: &now,
			Metadata:     map[string]any{"summary_version": row.SummaryVersion},
		},
		Embedding:  embeddings[0],
		AccessList: []string{userEmail},
	}
	if err := c.index.Index(ctx, []searchindex.IndexableChunk{chunk}); err != nil {
		return fmt.Errorf("index summary: %w", err)
	}
	return nil
}

// Context returns what the answer engine feeds the LLM for a session:
// the latest summary (empty if none) and the last three messages.
func (c *Cache) Context(ctx context.Context, sessionID uuid.UUID) (string, []*domain.ChatMessage, error) {
	dbc := dbctx.New(ctx)
	latest, err := c.repos.Summaries.GetLatest(dbc, sessionID)
	if err != nil {
		return "", nil, fmt.Errorf("load latest summary: %w", err)
	}
	recent, err := c.repos.Messages.ListRecent(dbc, sessionID, recentWindow)
	if err != nil {
		return "", nil, fmt.Errorf("list recent messages: %w", err)
	}
	summaryText := ""
	if latest != nil {
		summaryText = latest.Summary
	}
	return summaryText, recent, nil
}

func renderMessages(messages []*domain.ChatMessage) string {
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}
