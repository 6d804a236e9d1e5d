package docfetching

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"gorm.io/datatypes"

	"github.com/fathomhq/fathom-backend/internal/connectors"
	"github.com/fathomhq/fathom-backend/internal/data/repos"
	"github.com/fathomhq/fathom-backend/internal/data/repos/testutil"
	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/platform/coordkv"
	"github.com/fathomhq/fathom-backend/internal/platform/dbctx"
	"github.com/fathomhq/fathom-backend/internal/platform/filestore"
	"github.com/fathomhq/fathom-backend/internal/platform/llm"
	"github.com/fathomhq/fathom-backend/internal/platform/searchindex"

	_ "github.com/fathomhq/fathom-backend/internal/connectors/file"
)

type fakeIndex struct {
	indexed [][]searchindex.IndexableChunk
	deleted [][]string
}

func (f *fakeIndex) HybridRetrieval(context.Context, searchindex.HybridQuery) ([]searchindex.ScoredChunk, error) {
	panic("unexpected call to HybridRetrieval")
}

func (f *fakeIndex) IDBasedRetrieval(context.Context, []searchindex.ChunkRequest) ([]searchindex.ScoredChunk, error) {
	panic("unexpected call to IDBasedRetrieval")
}

func (f *fakeIndex) UpdateAccess(context.Context, []searchindex.AccessUpdate) error {
	panic("unexpected call to UpdateAccess")
}

func (f *fakeIndex) Index(_ context.Context, chunks []searchindex.IndexableChunk) error {
	f.indexed = append(f.indexed, chunks)
	return nil
}

func (f *fakeIndex) DeleteDocuments(_ context.Context, ids []string) error {
	f.deleted = append(f.deleted, ids)
	return nil
}

type fakeLLM struct {
	llm.Client
}

func (fakeLLM) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i := range out {
		out[i] = []float32{1, 2, 3}
	}
	return out, nil
}

func seedFilePair(t *testing.T, dbc dbctx.Context, files filestore.Store, content string) (*domain.ConnectorCredentialPair, *domain.SearchSettings, string) {
	t.Helper()
	tx, ctx := dbc.Tx, dbc.Ctx
	storedID, err := files.Save(ctx, []byte(content), "text/plain", "note.txt")
	if err != nil {
		t.Fatalf("store file: %v", err)
	}

	cred := testutil.SeedCredential(t, ctx, tx, domain.SourceFile)
	pair := testutil.SeedPair(t, ctx, tx, domain.SourceFile, cred.ID)
	pair.UserUploaded = true
	pair.Config = datatypes.JSON(fmt.Sprintf(`{"files":[{"id":%q,"name":"note.txt"}]}`, storedID))
	if err := tx.WithContext(ctx).Save(pair).Error; err != nil {
		t.Fatalf("save pair: %v", err)
	}
	settings := testutil.SeedSearchSettings(t, ctx, tx, domain.SettingsPresent)
	return pair, settings, storedID
}

func TestRunnerIndexesUploadedFile(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}

	all := repos.New(tx, testutil.Logger(t))
	files := filestore.NewMemory()
	pair, settings, storedID := seedFilePair(t, dbc, files, "meeting notes about the quarterly launch plan")

	idx := &fakeIndex{}
	r := NewRunner(testutil.Logger(t), all, coordkv.NewMemory(), idx, fakeLLM{}, nil, files, nil)

	attempt, err := all.IndexAttempts.TryCreate(dbc, &domain.IndexAttempt{
		PairID:           pair.ID,
		SearchSettingsID: settings.ID,
		TaskID:           "docfetching_test",
		FromBeginning:    true,
	})
	if err != nil || attempt == nil {
		t.Fatalf("TryCreate: attempt=%v err=%v", attempt, err)
	}
	if err := r.Run(ctx, attempt.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := all.IndexAttempts.GetByID(dbc, attempt.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != domain.AttemptSuccess {
		t.Fatalf("status = %s (%s), want SUCCESS", got.Status, got.ErrorMsg)
	}
	if got.DocsIndexed != 1 || got.Failures != 0 {
		t.Fatalf("docs_indexed=%d failures=%d", got.DocsIndexed, got.Failures)
	}

	wantID := "FILE_CONNECTOR__" + storedID
	row, err := all.Documents.GetByDocumentID(dbc, wantID)
	if err != nil {
		t.Fatalf("document row: %v", err)
	}
	if row.PairID != pair.ID || row.ChunkCount == 0 {
		t.Fatalf("document row = %+v", row)
	}

	if len(idx.indexed) == 0 {
		t.Fatalf("nothing written to the index")
	}
	for _, chunk := range idx.indexed[0] {
		if chunk.DocumentID != wantID {
			t.Fatalf("chunk document id = %s", chunk.DocumentID)
		}
		if len(chunk.Embedding) == 0 {
			t.Fatalf("chunk missing embedding")
		}
		if len(chunk.AccessList) != 1 || chunk.AccessList[0] != "PUBLIC" {
			t.Fatalf("access list = %v", chunk.AccessList)
		}
	}
}

func TestImageDocumentIDsAreUniquePerImage(t *testing.T) {
	a := imageDocumentID("https://ex/p", connectors.Section{
		ImageName: "image.png", Link: "https://cdn.example.com/a/image.png",
	})
	b := imageDocumentID("https://ex/p", connectors.Section{
		ImageName: "image.png", Link: "https://cdn.example.com/b/image.png",
	})
	if a == b {
		t.Fatalf("images with the same basename collided: %s", a)
	}
	if a != "https://ex/p#https://cdn.example.com/a/image.png" {
		t.Fatalf("image id = %s", a)
	}

	noLink := imageDocumentID("FILE_CONNECTOR__x", connectors.Section{ImageName: "word/media/image1.png"})
	if noLink != "FILE_CONNECTOR__x#word/media/image1.png" {
		t.Fatalf("linkless image id = %s", noLink)
	}
}

func TestRunnerContinuesPastDocumentFailures(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}

	all := repos.New(tx, testutil.Logger(t))
	files := filestore.NewMemory()
	storedID, err := files.Save(ctx, []byte("good file body"), "text/plain", "good.txt")
	if err != nil {
		t.Fatalf("store file: %v", err)
	}

	cred := testutil.SeedCredential(t, ctx, tx, domain.SourceFile)
	pair := testutil.SeedPair(t, ctx, tx, domain.SourceFile, cred.ID)
	pair.Config = datatypes.JSON(fmt.Sprintf(
		`{"files":[{"id":"missing-blob","name":"gone.txt"},{"id":%q,"name":"good.txt"}]}`, storedID))
	if err := tx.WithContext(ctx).Save(pair).Error; err != nil {
		t.Fatalf("save pair: %v", err)
	}
	settings := testutil.SeedSearchSettings(t, ctx, tx, domain.SettingsPresent)

	r := NewRunner(testutil.Logger(t), all, coordkv.NewMemory(), &fakeIndex{}, fakeLLM{}, nil, files, nil)
	attempt, err := all.IndexAttempts.TryCreate(dbc, &domain.IndexAttempt{
		PairID:           pair.ID,
		SearchSettingsID: settings.ID,
		TaskID:           "docfetching_partial",
		FromBeginning:    true,
	})
	if err != nil || attempt == nil {
		t.Fatalf("TryCreate: attempt=%v err=%v", attempt, err)
	}
	if err := r.Run(ctx, attempt.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := all.IndexAttempts.GetByID(dbc, attempt.ID)
	if got.Status != domain.AttemptSuccess {
		t.Fatalf("status = %s (%s), want SUCCESS despite per-doc failure", got.Status, got.ErrorMsg)
	}
	if got.DocsIndexed != 1 || got.Failures != 1 {
		t.Fatalf("docs_indexed=%d failures=%d, want 1/1", got.DocsIndexed, got.Failures)
	}
}

func TestRunnerRefusesLeasedAttempt(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}

	all := repos.New(tx, testutil.Logger(t))
	files := filestore.NewMemory()
	pair, settings, _ := seedFilePair(t, dbc, files, "body")

	kv := coordkv.NewMemory()
	r := NewRunner(testutil.Logger(t), all, kv, &fakeIndex{}, fakeLLM{}, nil, files, nil)

	attempt, err := all.IndexAttempts.TryCreate(dbc, &domain.IndexAttempt{
		PairID:           pair.ID,
		SearchSettingsID: settings.ID,
		TaskID:           "docfetching_leased",
	})
	if err != nil || attempt == nil {
		t.Fatalf("TryCreate: attempt=%v err=%v", attempt, err)
	}
	if _, err := kv.Acquire(ctx, leasePrefix+attempt.ID.String(), leaseTTL); err != nil {
		t.Fatalf("pre-acquire lease: %v", err)
	}

	err = r.Run(ctx, attempt.ID)
	if err == nil || !strings.Contains(err.Error(), "leased") {
		t.Fatalf("Run = %v, want leased-attempt error", err)
	}
	got, _ := all.IndexAttempts.GetByID(dbc, attempt.ID)
	if got.Status.Terminal() {
		t.Fatalf("attempt must stay non-terminal for the real holder, got %s", got.Status)
	}
}
