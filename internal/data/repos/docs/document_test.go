package docs

import (
	"context"
	"testing"
	"time"

	"github.com/fathomhq/fathom-backend/internal/data/repos/testutil"
	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/platform/dbctx"
)

func TestDocumentUpsertAndStaleListing(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}

	cred := testutil.SeedCredential(t, ctx, tx, domain.SourceWeb)
	pair := testutil.SeedPair(t, ctx, tx, domain.SourceWeb, cred.ID)

	repo := NewDocumentRepo(db, testutil.Logger(t))
	old := time.Now().UTC().Add(-time.Hour)
	rows := []*domain.Document{
		{DocumentID: "web_https://a.example/1", PairID: pair.ID, Source: domain.SourceWeb, Boost: 1, LastSyncedAt: &old},
		{DocumentID: "web_https://a.example/2", PairID: pair.ID, Source: domain.SourceWeb, Boost: 1, LastSyncedAt: &old},
	}
	if err := repo.Upsert(dbc, rows); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// Re-upserting the same document id updates in place.
	rows[0].SemanticID = "Page One"
	if err := repo.Upsert(dbc, rows[:1]); err != nil {
		t.Fatalf("Upsert(again): %v", err)
	}
	ids, err := repo.ListIDsForPair(dbc, pair.ID)
	if err != nil || len(ids) != 2 {
		t.Fatalf("ListIDsForPair: ids=%v err=%v", ids, err)
	}

	cutoff := time.Now().UTC()
	if err := repo.MarkSynced(dbc, []string{"web_https://a.example/1"}, cutoff.Add(time.Minute)); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}
	stale, err := repo.ListStaleForPair(dbc, pair.ID, cutoff)
	if err != nil {
		t.Fatalf("ListStaleForPair: %v", err)
	}
	if len(stale) != 1 || stale[0] != "web_https://a.example/2" {
		t.Fatalf("stale = %v", stale)
	}

	if err := repo.DeleteByDocumentIDs(dbc, stale); err != nil {
		t.Fatalf("DeleteByDocumentIDs: %v", err)
	}
	if ids, err = repo.ListIDsForPair(dbc, pair.ID); err != nil || len(ids) != 1 {
		t.Fatalf("ListIDsForPair(after delete): ids=%v err=%v", ids, err)
	}
}

func TestDocAccessLatestSnapshotWins(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}

	repo := NewDocAccessRepo(db, testutil.Logger(t))
	docID := "drive_file-1"
	if err := repo.Record(dbc, []AccessSnapshot{{DocumentID: docID, UserEmails: []string{"a@x.com"}}}); err != nil {
		t.Fatalf("Record(v1): %v", err)
	}
	if err := repo.Record(dbc, []AccessSnapshot{{DocumentID: docID, UserEmails: []string{"a@x.com", "b@x.com"}, GroupIDs: []string{"drive_folder_root"}}}); err != nil {
		t.Fatalf("Record(v2): %v", err)
	}

	snap, err := repo.GetLatest(dbc, docID)
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if snap == nil || len(snap.UserEmails) != 2 || len(snap.GroupIDs) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestExternalGroupMembership(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}

	repo := NewExternalGroupRepo(db, testutil.Logger(t))
	if err := repo.UpsertMembers(dbc, domain.SourceGoogleDrive, "drive_folder_abc", []string{"a@x.com", "b@x.com"}); err != nil {
		t.Fatalf("UpsertMembers: %v", err)
	}
	if err := repo.UpsertMembers(dbc, domain.SourceConfluence, "conf_space_ops", []string{"b@x.com"}); err != nil {
		t.Fatalf("UpsertMembers: %v", err)
	}
	// Second sync shrinks the drive group.
	if err := repo.UpsertMembers(dbc, domain.SourceGoogleDrive, "drive_folder_abc", []string{"b@x.com"}); err != nil {
		t.Fatalf("UpsertMembers(update): %v", err)
	}

	groups, err := repo.GroupsForUser(dbc, "b@x.com")
	if err != nil || len(groups) != 2 {
		t.Fatalf("GroupsForUser(b): groups=%v err=%v", groups, err)
	}
	groups, err = repo.GroupsForUser(dbc, "a@x.com")
	if err != nil || len(groups) != 0 {
		t.Fatalf("GroupsForUser(a): groups=%v err=%v", groups, err)
	}
}
