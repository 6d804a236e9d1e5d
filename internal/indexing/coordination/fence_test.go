package coordination

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fathomhq/fathom-backend/internal/data/repos/connector"
	"github.com/fathomhq/fathom-backend/internal/data/repos/testutil"
	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/platform/coordkv"
	"github.com/fathomhq/fathom-backend/internal/platform/dbctx"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

func TestFenceLifecycle(t *testing.T) {
	kv := coordkv.NewMemory()
	fences := NewFences(logger.NewNop(), kv)
	ctx := context.Background()

	pairID, settingsID, attemptID := uuid.New(), uuid.New(), uuid.New()
	if err := fences.Raise(ctx, pairID, settingsID, attemptID, "docfetching_x"); err != nil {
		t.Fatalf("Raise: %v", err)
	}

	fence, ok, err := fences.Get(ctx, pairID, settingsID)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if fence.TaskID != "docfetching_x" || fence.AttemptID != attemptID {
		t.Fatalf("fence = %+v", fence)
	}

	before := fence.LastActive
	time.Sleep(5 * time.Millisecond)
	if err := fences.Touch(ctx, pairID, settingsID); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	fence, _, _ = fences.Get(ctx, pairID, settingsID)
	if !fence.LastActive.After(before) {
		t.Fatalf("Touch did not advance last_active")
	}

	if err := fences.Lower(ctx, pairID, settingsID); err != nil {
		t.Fatalf("Lower: %v", err)
	}
	if _, ok, _ := fences.Get(ctx, pairID, settingsID); ok {
		t.Fatalf("fence survived Lower")
	}
}

type fakeProbe struct {
	running map[string]bool
}

func (p *fakeProbe) IsRunning(_ context.Context, taskID string) (bool, error) {
	return p.running[taskID], nil
}

func TestValidatorReapsDeadFences(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}

	cred := testutil.SeedCredential(t, ctx, tx, domain.SourceWeb)
	pair := testutil.SeedPair(t, ctx, tx, domain.SourceWeb, cred.ID)
	settings := testutil.SeedSearchSettings(t, ctx, tx, domain.SettingsPresent)

	attempts := connector.NewIndexAttemptRepo(tx, testutil.Logger(t))
	attempt, err := attempts.TryCreate(dbc, &domain.IndexAttempt{
		PairID:           pair.ID,
		SearchSettingsID: settings.ID,
		TaskID:           "docfetching_dead",
	})
	if err != nil || attempt == nil {
		t.Fatalf("TryCreate: attempt=%v err=%v", attempt, err)
	}

	kv := coordkv.NewMemory()
	// A fence whose task died an hour ago, well past any grace period.
	stale, _ := json.Marshal(Fence{
		TaskID:     "docfetching_dead",
		AttemptID:  attempt.ID,
		LastActive: time.Now().Add(-time.Hour),
	})
	if err := kv.Set(ctx, FenceKey(pair.ID, settings.ID), string(stale), fenceTTL); err != nil {
		t.Fatalf("seed fence: %v", err)
	}
	// A healthy fence for another combination must survive.
	livePair := testutil.SeedPair(t, ctx, tx, domain.SourceWeb, cred.ID)
	live, _ := json.Marshal(Fence{
		TaskID:     "docfetching_live",
		AttemptID:  uuid.New(),
		LastActive: time.Now().Add(-time.Hour),
	})
	if err := kv.Set(ctx, FenceKey(livePair.ID, settings.ID), string(live), fenceTTL); err != nil {
		t.Fatalf("seed fence: %v", err)
	}

	v := NewValidator(testutil.Logger(t), kv, attempts, &fakeProbe{running: map[string]bool{"docfetching_live": true}})
	if err := v.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, err := attempts.GetByID(dbc, attempt.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != domain.AttemptFailed {
		t.Fatalf("reaped attempt status = %s, want FAILED", got.Status)
	}
	if ok, _ := kv.Exists(ctx, FenceKey(pair.ID, settings.ID)); ok {
		t.Fatalf("stale fence survived")
	}
	if ok, _ := kv.Exists(ctx, FenceKey(livePair.ID, settings.ID)); !ok {
		t.Fatalf("live fence was reaped")
	}
}
