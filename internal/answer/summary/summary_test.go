package summary

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fathomhq/fathom-backend/internal/data/repos"
	"github.com/fathomhq/fathom-backend/internal/data/repos/testutil"
	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/platform/dbctx"
	"github.com/fathomhq/fathom-backend/internal/platform/llm"
	llmmock "github.com/fathomhq/fathom-backend/internal/platform/llm/mock"
	"github.com/fathomhq/fathom-backend/internal/platform/searchindex"
	indexmock "github.com/fathomhq/fathom-backend/internal/platform/searchindex/mock"
)

func seedMessages(t *testing.T, ctx context.Context, tx *gorm.DB, sessionID uuid.UUID, from, n int) {
	t.Helper()
	all := repos.New(tx, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	for i := 0; i < n; i++ {
		role := domain.MessageRoleUser
		if i%2 == 1 {
			role = domain.MessageRoleAssistant
		}
		err := all.Messages.Append(dbc, &domain.ChatMessage{
			SessionID: sessionID,
			Seq:       int64(from + i),
			Role:      role,
			Content:   fmt.Sprintf("message %d", from+i),
		})
		if err != nil {
			t.Fatalf("append message %d: %v", from+i, err)
		}
	}
}

func newTestCache(t *testing.T, tx *gorm.DB, client llm.Client) (*Cache, *indexmock.Index) {
	t.Helper()
	all := repos.New(tx, testutil.Logger(t))
	idx := indexmock.New()
	return New(testutil.Logger(t), all, idx, client, llm.NewThrottle(2)), idx
}

func TestMaybeUpdateBelowThresholdIsNoop(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()

	user := testutil.SeedUser(t, ctx, tx, "u@x.com")
	session := testutil.SeedSession(t, ctx, tx, user.ID)
	seedMessages(t, ctx, tx, session.ID, 0, 4)

	// Zero scripted turns: any LLM call fails the test.
	c, _ := newTestCache(t, tx, llmmock.New())
	if err := c.MaybeUpdate(ctx, session.ID, user.Email); err != nil {
		t.Fatalf("MaybeUpdate: %v", err)
	}

	all := repos.New(tx, testutil.Logger(t))
	latest, err := all.Summaries.GetLatest(dbctx.Context{Ctx: context.Background(), Tx: tx}, session.ID)
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if latest != nil {
		t.Fatalf("summary created below threshold: %+v", latest)
	}
}

func TestMaybeUpdateCreatesAndVersions(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()

	user := testutil.SeedUser(t, ctx, tx, "u@x.com")
	session := testutil.SeedSession(t, ctx, tx, user.ID)
	seedMessages(t, ctx, tx, session.ID, 0, 10)

	client := llmmock.New(
		llmmock.Turn{Message: llm.Message{Role: llm.RoleAssistant, Content: "summary v1"}},
		llmmock.Turn{Message: llm.Message{Role: llm.RoleAssistant, Content: "summary v2"}},
	)
	c, idx := newTestCache(t, tx, client)

	if err := c.MaybeUpdate(ctx, session.ID, user.Email); err != nil {
		t.Fatalf("first update: %v", err)
	}
	// Nine more messages: still under threshold relative to v1.
	seedMessages(t, ctx, tx, session.ID, 10, 9)
	if err := c.MaybeUpdate(ctx, session.ID, user.Email); err != nil {
		t.Fatalf("under-threshold update: %v", err)
	}
	seedMessages(t, ctx, tx, session.ID, 19, 1)
	if err := c.MaybeUpdate(ctx, session.ID, user.Email); err != nil {
		t.Fatalf("second update: %v", err)
	}

	all := repos.New(tx, testutil.Logger(t))
	latest, err := all.Summaries.GetLatest(dbctx.Context{Ctx: context.Background(), Tx: tx}, session.ID)
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if latest == nil || latest.SummaryVersion != 2 || latest.Summary != "summary v2" {
		t.Fatalf("latest = %+v, want version 2", latest)
	}
	if latest.MessageCountAtCreation != 20 {
		t.Fatalf("message count at creation = %d", latest.MessageCountAtCreation)
	}

	// The update prompt carries only the messages since v1.
	second := client.Requests[1].Messages[0].Content
	if !strings.Contains(second, "summary v1") || !strings.Contains(second, "message 19") {
		t.Fatalf("second prompt missing prior summary or new messages")
	}
	if strings.Contains(second, "message 3") {
		t.Fatalf("second prompt re-sent already summarized history")
	}

	// Both versions landed on the same index document.
	chunks := idx.All()
	if len(chunks) != 1 {
		t.Fatalf("indexed chunks = %d, want one overwritten doc", len(chunks))
	}
	chunk := chunks[0]
	if chunk.DocumentID != DocumentID(session.ID) || chunk.Source != string(domain.SourceChatSummary) {
		t.Fatalf("indexed chunk = %+v", chunk.Chunk)
	}
	if chunk.Content != "summary v2" {
		t.Fatalf("indexed content = %q, want latest version", chunk.Content)
	}
	if len(chunk.AccessList) != 1 || chunk.AccessList[0] != user.Email {
		t.Fatalf("access list = %v", chunk.AccessList)
	}
}

func TestContextReturnsSummaryAndLastThree(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()

	user := testutil.SeedUser(t, ctx, tx, "u@x.com")
	session := testutil.SeedSession(t, ctx, tx, user.ID)
	seedMessages(t, ctx, tx, session.ID, 0, 10)

	client := llmmock.New(llmmock.Turn{Message: llm.Message{Role: llm.RoleAssistant, Content: "the summary"}})
	c, _ := newTestCache(t, tx, client)
	if err := c.MaybeUpdate(ctx, session.ID, user.Email); err != nil {
		t.Fatalf("MaybeUpdate: %v", err)
	}

	summaryText, recent, err := c.Context(ctx, session.ID)
	if err != nil {
		t.Fatalf("Context: %v", err)
	}
	if summaryText != "the summary" {
		t.Fatalf("summary = %q", summaryText)
	}
	if len(recent) != 3 {
		t.Fatalf("recent window = %d messages, want 3", len(recent))
	}
	if recent[0].Seq != 7 || recent[2].Seq != 9 {
		t.Fatalf("recent window = [%d..%d], want the last three in order", recent[0].Seq, recent[2].Seq)
	}
}

var _ searchindex.Index = (*indexmock.Index)(nil)
