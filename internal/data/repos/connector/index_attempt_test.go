package connector

import (
	"context"
	"testing"

	"github.com/fathomhq/fathom-backend/internal/data/repos/testutil"
	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/platform/dbctx"
)

func TestIndexAttemptTryCreateDeduplicates(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}

	cred := testutil.SeedCredential(t, ctx, tx, domain.SourceWeb)
	pair := testutil.SeedPair(t, ctx, tx, domain.SourceWeb, cred.ID)
	settings := testutil.SeedSearchSettings(t, ctx, tx, domain.SettingsPresent)

	repo := NewIndexAttemptRepo(db, testutil.Logger(t))

	first, err := repo.TryCreate(dbc, &domain.IndexAttempt{
		PairID:           pair.ID,
		SearchSettingsID: settings.ID,
		TaskID:           "docfetching_a",
	})
	if err != nil {
		t.Fatalf("TryCreate(first): %v", err)
	}
	if first == nil {
		t.Fatalf("TryCreate(first): expected attempt, got nil")
	}

	dup, err := repo.TryCreate(dbc, &domain.IndexAttempt{
		PairID:           pair.ID,
		SearchSettingsID: settings.ID,
		TaskID:           "docfetching_b",
	})
	if err != nil {
		t.Fatalf("TryCreate(dup): %v", err)
	}
	if dup != nil {
		t.Fatalf("TryCreate(dup): expected nil while first attempt is non-terminal, got %v", dup.ID)
	}

	if err := repo.MarkInProgress(dbc, first.ID); err != nil {
		t.Fatalf("MarkInProgress: %v", err)
	}
	if dup, err = repo.TryCreate(dbc, &domain.IndexAttempt{PairID: pair.ID, SearchSettingsID: settings.ID}); err != nil || dup != nil {
		t.Fatalf("TryCreate while IN_PROGRESS: dup=%v err=%v", dup, err)
	}

	if err := repo.MarkTerminal(dbc, first.ID, domain.AttemptSuccess, ""); err != nil {
		t.Fatalf("MarkTerminal: %v", err)
	}
	next, err := repo.TryCreate(dbc, &domain.IndexAttempt{PairID: pair.ID, SearchSettingsID: settings.ID})
	if err != nil {
		t.Fatalf("TryCreate(after terminal): %v", err)
	}
	if next == nil {
		t.Fatalf("TryCreate(after terminal): expected new attempt")
	}

	latest, err := repo.GetLatest(dbc, pair.ID, settings.ID)
	if err != nil || latest == nil || latest.ID != next.ID {
		t.Fatalf("GetLatest: got=%v err=%v", latest, err)
	}
	success, err := repo.GetLatestSuccess(dbc, pair.ID, settings.ID)
	if err != nil || success == nil || success.ID != first.ID {
		t.Fatalf("GetLatestSuccess: got=%v err=%v", success, err)
	}
}

func TestIndexAttemptTerminalIsSticky(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}

	cred := testutil.SeedCredential(t, ctx, tx, domain.SourceWeb)
	pair := testutil.SeedPair(t, ctx, tx, domain.SourceWeb, cred.ID)
	settings := testutil.SeedSearchSettings(t, ctx, tx, domain.SettingsPresent)

	repo := NewIndexAttemptRepo(db, testutil.Logger(t))
	att, err := repo.TryCreate(dbc, &domain.IndexAttempt{PairID: pair.ID, SearchSettingsID: settings.ID})
	if err != nil || att == nil {
		t.Fatalf("TryCreate: att=%v err=%v", att, err)
	}
	if err := repo.MarkTerminal(dbc, att.ID, domain.AttemptCanceled, "fence lost"); err != nil {
		t.Fatalf("MarkTerminal(canceled): %v", err)
	}
	// A late finalizer must not flip CANCELED to SUCCESS.
	if err := repo.MarkTerminal(dbc, att.ID, domain.AttemptSuccess, ""); err != nil {
		t.Fatalf("MarkTerminal(success): %v", err)
	}
	got, err := repo.GetByID(dbc, att.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != domain.AttemptCanceled {
		t.Fatalf("status = %s, want CANCELED", got.Status)
	}
	if got.ErrorMsg != "fence lost" {
		t.Fatalf("error_msg = %q", got.ErrorMsg)
	}
}

func TestPairRepeatedErrorState(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}

	cred := testutil.SeedCredential(t, ctx, tx, domain.SourceFreshdesk)
	pair := testutil.SeedPair(t, ctx, tx, domain.SourceFreshdesk, cred.ID)

	repo := NewPairRepo(db, testutil.Logger(t))
	const threshold = 3
	for i := 0; i < threshold; i++ {
		if err := repo.RecordRunFailure(dbc, pair.ID, threshold); err != nil {
			t.Fatalf("RecordRunFailure(%d): %v", i, err)
		}
	}
	got, err := repo.GetByID(dbc, pair.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.ConsecutiveFailures != threshold || !got.InRepeatedErrorState {
		t.Fatalf("failures=%d repeated=%v, want %d/true", got.ConsecutiveFailures, got.InRepeatedErrorState, threshold)
	}

	if err := repo.RecordRunSuccess(dbc, pair.ID); err != nil {
		t.Fatalf("RecordRunSuccess: %v", err)
	}
	got, err = repo.GetByID(dbc, pair.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.ConsecutiveFailures != 0 || got.InRepeatedErrorState {
		t.Fatalf("failures=%d repeated=%v after success", got.ConsecutiveFailures, got.InRepeatedErrorState)
	}
}
