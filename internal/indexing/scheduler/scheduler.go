package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fathomhq/fathom-backend/internal/data/repos"
	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/platform/coordkv"
	"github.com/fathomhq/fathom-backend/internal/platform/dbctx"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

const (
	defaultBeat = 30 * time.Second

	// dispatchLockKey serializes attempt creation across scheduler
	// replicas. The guarded insert already dedupes; the lock just keeps
	// replicas from burning task ids against each other.
	dispatchLockKey = "try_create_indexing_task"
	dispatchLockTTL = 30 * time.Second
)

// Dispatcher hands a created attempt to the task queue.
type Dispatcher interface {
	Dispatch(ctx context.Context, queue, taskID string, attemptID uuid.UUID) error
}

// Scheduler is the indexing beat loop: every tick it walks all
// (pair, settings) combinations and dispatches the ones due.
type Scheduler struct {
	log      *logger.Logger
	pairs    repos.PairRepo
	settings repos.SearchSettingsRepo
	attempts repos.IndexAttemptRepo
	kv       coordkv.Store
	dispatch Dispatcher
	beat     time.Duration

	now func() time.Time
}

func New(log *logger.Logger, all *repos.All, kv coordkv.Store, dispatch Dispatcher) *Scheduler {
	return &Scheduler{
		log:      log.With("service", "IndexingScheduler"),
		pairs:    all.Pairs,
		settings: all.SearchSettings,
		attempts: all.IndexAttempts,
		kv:       kv,
		dispatch: dispatch,
		beat:     defaultBeat,
		now:      time.Now,
	}
}

func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.beat)
	defer ticker.Stop()
	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Error("scheduler beat failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) RunOnce(ctx context.Context) error {
	dbc := dbctx.New(ctx)
	active, err := s.settings.ListActive(dbc)
	if err != nil {
		return fmt.Errorf("list search settings: %w", err)
	}
	pairs, err := s.pairs.List(dbc)
	if err != nil {
		return fmt.Errorf("list pairs: %w", err)
	}

	for _, pair := range pairs {
		if pair.Status == domain.PairStatusDeleting {
			continue
		}
		for _, st := range active {
			d, err := s.decide(dbc, pair, st)
			if err != nil {
				s.log.Error("decision failed", "pair_id", pair.ID, "settings_id", st.ID, "error", err)
				continue
			}
			if !d.index {
				continue
			}
			if err := s.dispatchIndexing(ctx, dbc, pair, st, d); err != nil {
				s.log.Error("dispatch failed", "pair_id", pair.ID, "settings_id", st.ID, "error", err)
			}
		}
	}
	return nil
}

type decision struct {
	index         bool
	fromBeginning bool
	clearTrigger  bool
}

func (s *Scheduler) decide(dbc dbctx.Context, pair *domain.ConnectorCredentialPair, st *domain.SearchSettings) (decision, error) {
	if pair.Source.IndexingDisabled() {
		return decision{}, nil
	}

	last, err := s.attempts.GetLatest(dbc, pair.ID, st.ID)
	if err != nil {
		return decision{}, err
	}

	// A FUTURE settings generation backfills once per pair and retries
	// only after failure; refresh cadence applies when it turns PRESENT.
	if st.Status == domain.SettingsFuture {
		switch {
		case last == nil:
			return decision{index: true, fromBeginning: true}, nil
		case last.Status == domain.AttemptSuccess:
			return decision{}, nil
		case !last.Status.Terminal():
			return decision{}, nil
		default:
			return decision{index: true, fromBeginning: true}, nil
		}
	}

	if pair.Status == domain.PairStatusPaused && pair.IndexingTrigger == nil {
		return decision{}, nil
	}
	if pair.IndexingTrigger != nil {
		return decision{
			index:         true,
			fromBeginning: *pair.IndexingTrigger == domain.TriggerReindex,
			clearTrigger:  true,
		}, nil
	}
	if last == nil {
		return decision{index: true, fromBeginning: true}, nil
	}
	if !last.Status.Terminal() {
		return decision{}, nil
	}
	if pair.RefreshFreq == nil {
		return decision{}, nil
	}
	if s.now().Sub(last.UpdatedAt) < time.Duration(*pair.RefreshFreq)*time.Second {
		return decision{}, nil
	}
	return decision{index: true}, nil
}

func (s *Scheduler) dispatchIndexing(ctx context.Context, dbc dbctx.Context, pair *domain.ConnectorCredentialPair, st *domain.SearchSettings, d decision) error {
	lock, err := s.kv.Acquire(ctx, dispatchLockKey, dispatchLockTTL)
	if err != nil {
		if errors.Is(err, coordkv.ErrLeaseHeld) {
			// Another replica is dispatching; it will pick this pair up.
			return nil
		}
		return err
	}
	defer func() { _ = lock.Release(ctx) }()

	taskID := fmt.Sprintf("docfetching_%s_%s_%s", pair.ID, st.ID, uuid.New())
	attempt, err := s.attempts.TryCreate(dbc, &domain.IndexAttempt{
		PairID:           pair.ID,
		SearchSettingsID: st.ID,
		TaskID:           taskID,
		FromBeginning:    d.fromBeginning,
	})
	if err != nil {
		return fmt.Errorf("try create attempt: %w", err)
	}
	if attempt == nil {
		return nil
	}

	queue := domain.QueueConnectorDocFetching
	if pair.UserUploaded {
		queue = domain.QueueUserFilesIndexing
	}
	if err := s.dispatch.Dispatch(ctx, queue, taskID, attempt.ID); err != nil {
		if markErr := s.attempts.MarkTerminal(dbc, attempt.ID, domain.AttemptFailed, fmt.Sprintf("dispatch: %v", err)); markErr != nil {
			s.log.Error("failed to mark undispatched attempt", "attempt_id", attempt.ID, "error", markErr)
		}
		return fmt.Errorf("dispatch task: %w", err)
	}
	if d.clearTrigger {
		if err := s.pairs.SetIndexingTrigger(dbc, pair.ID, nil); err != nil {
			return fmt.Errorf("clear trigger: %w", err)
		}
	}
	s.log.Info("dispatched indexing task",
		"pair_id", pair.ID, "settings_id", st.ID, "task_id", taskID, "queue", queue, "from_beginning", d.fromBeginning)
	return nil
}
