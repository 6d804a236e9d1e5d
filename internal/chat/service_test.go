package chat

import (
	"context"
	"strings"
	"testing"

	"github.com/fathomhq/fathom-backend/internal/answer"
	"github.com/fathomhq/fathom-backend/internal/answer/summary"
	"github.com/fathomhq/fathom-backend/internal/data/repos"
	"github.com/fathomhq/fathom-backend/internal/data/repos/testutil"
	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/platform/dbctx"
	"github.com/fathomhq/fathom-backend/internal/platform/llm"
	llmmock "github.com/fathomhq/fathom-backend/internal/platform/llm/mock"
	"github.com/fathomhq/fathom-backend/internal/platform/searchindex"
	indexmock "github.com/fathomhq/fathom-backend/internal/platform/searchindex/mock"
	"github.com/fathomhq/fathom-backend/internal/retrieval"
)

func newTestService(t *testing.T, all *repos.All, idx *indexmock.Index, client *llmmock.Client) *Service {
	t.Helper()
	log := testutil.Logger(t)
	throttle := llm.NewThrottle(4)
	pipeline := retrieval.New(log, idx, client, client, throttle, nil)
	engine := answer.NewEngine(log, client, client, throttle)
	summaries := summary.New(log, all, idx, client, throttle)
	return New(log, all, pipeline, engine, summaries, nil)
}

func TestSendPersistsTranscriptAndStreams(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	log := testutil.Logger(t)
	all := repos.New(tx, log)
	user := testutil.SeedUser(t, ctx, tx, "asker@example.com")
	session := testutil.SeedSession(t, ctx, tx, user.ID)

	idx := indexmock.New()
	if err := idx.Index(ctx, []searchindex.IndexableChunk{{
		Chunk: searchindex.Chunk{
			DocumentID: "doc-pricing",
			Ordinal:    0,
			Content:    "pricing starts at ten dollars per seat",
			Title:      "Pricing",
			Link:       "http://kb/pricing",
			Source:     "web",
		},
		AccessList: []string{user.Email},
	}}); err != nil {
		t.Fatalf("seed index: %v", err)
	}

	client := llmmock.New(
		// Relevance filter verdict for the single retrieved section.
		llmmock.Turn{Message: llm.Message{Role: llm.RoleAssistant, Content: "1: Yes"}},
		// The streamed answer.
		llmmock.Turn{Chunks: []llm.StreamChunk{
			{Delta: "Ten dollars per seat "},
			{Delta: "[1]."},
		}},
	)
	svc := newTestService(t, all, idx, client)

	var events []answer.Event
	err := svc.Send(ctx, user, SendRequest{SessionID: session.ID, Message: "pricing details please"}, func(ev answer.Event) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	var text strings.Builder
	sawStop := false
	for _, ev := range events {
		switch v := ev.(type) {
		case answer.AnswerPiece:
			text.WriteString(v.Text)
		case answer.StreamStopInfo:
			sawStop = true
			if v.Reason != answer.StopFinished {
				t.Fatalf("stop reason = %v", v.Reason)
			}
		}
	}
	if !sawStop {
		t.Fatalf("no stop event forwarded")
	}
	if !strings.Contains(text.String(), "Ten dollars per seat") {
		t.Fatalf("streamed answer = %q", text.String())
	}
	// The citation marker was rewritten into a link for the cited doc.
	if !strings.Contains(text.String(), "[[1]](http://kb/pricing)") {
		t.Fatalf("citation not rewritten: %q", text.String())
	}

	msgs, err := svc.Messages(ctx, user, session.ID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Role != domain.MessageRoleUser || msgs[0].Seq != 1 {
		t.Fatalf("first message = %+v", msgs[0])
	}
	if msgs[1].Role != domain.MessageRoleAssistant || !strings.Contains(msgs[1].Content, "Ten dollars") {
		t.Fatalf("assistant message = %+v", msgs[1])
	}
	if len(msgs[1].CitedDocs) == 0 || !strings.Contains(string(msgs[1].CitedDocs), "doc-pricing") {
		t.Fatalf("cited docs = %s", msgs[1].CitedDocs)
	}

	// The session picked up a description from the first message.
	got, err := all.Sessions.GetByID(dbcFor(ctx), session.ID)
	if err != nil {
		t.Fatalf("session reload: %v", err)
	}
	if got.Description != "pricing details please" {
		t.Fatalf("description = %q", got.Description)
	}

	// Retrieval carried the user's ACL.
	q := idx.HybridQueries[0]
	if !containsString(q.Filters.AccessList, user.Email) || !containsString(q.Filters.AccessList, "PUBLIC") {
		t.Fatalf("access list = %v", q.Filters.AccessList)
	}
}

func TestSendRejectsForeignSession(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	all := repos.New(tx, testutil.Logger(t))
	owner := testutil.SeedUser(t, ctx, tx, "owner@example.com")
	intruder := testutil.SeedUser(t, ctx, tx, "intruder@example.com")
	session := testutil.SeedSession(t, ctx, tx, owner.ID)

	svc := newTestService(t, all, indexmock.New(), llmmock.New())
	err := svc.Send(ctx, intruder, SendRequest{SessionID: session.ID, Message: "hi"}, nil)
	if err == nil {
		t.Fatalf("expected ownership error")
	}
	if msgs, _ := all.Messages.ListBySession(dbcFor(ctx), session.ID); len(msgs) != 0 {
		t.Fatalf("message persisted for rejected send: %d", len(msgs))
	}
}

func TestSessionLifecycle(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	all := repos.New(tx, testutil.Logger(t))
	user := testutil.SeedUser(t, ctx, tx, "life@example.com")

	svc := newTestService(t, all, indexmock.New(), llmmock.New())
	created, err := svc.CreateSession(ctx, user)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	sessions, err := svc.ListSessions(ctx, user)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != created.ID {
		t.Fatalf("sessions = %+v", sessions)
	}
	if err := svc.DeleteSession(ctx, user, created.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if sessions, _ = svc.ListSessions(ctx, user); len(sessions) != 0 {
		t.Fatalf("session not deleted")
	}
}

func dbcFor(ctx context.Context) dbctx.Context {
	return dbctx.Context{Ctx: ctx}
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
