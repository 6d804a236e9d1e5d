package permissions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fathomhq/fathom-backend/internal/data/repos"
	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/platform/dbctx"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

const defaultBeat = time.Minute

// Kind selects which sync a dispatched task runs.
type Kind string

const (
	KindDocSync   Kind = "doc_sync"
	KindGroupSync Kind = "group_sync"
)

// Dispatcher hands a due sync to the task queue.
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID string, kind Kind, pairID uuid.UUID) error
}

// Scheduler is the permission-sync beat loop: it walks active pairs and
// dispatches doc and group syncs whose cadence has lapsed.
type Scheduler struct {
	log      *logger.Logger
	pairs    repos.PairRepo
	dispatch Dispatcher
	beat     time.Duration

	now func() time.Time
}

func NewScheduler(log *logger.Logger, all *repos.All, dispatch Dispatcher) *Scheduler {
	return &Scheduler{
		log:      log.With("service", "PermissionScheduler"),
		pairs:    all.Pairs,
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
			s.log.Error("permission beat failed", "error", err)
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
	pairs, err := s.pairs.ListByStatus(dbc, domain.PairStatusActive)
	if err != nil {
		return fmt.Errorf("list pairs: %w", err)
	}

	// Global group syncs run once per source per beat; the first due
	// pair carries the run.
	groupSynced := map[domain.Source]bool{}

	for _, pair := range pairs {
		cfg, ok := Config(pair.Source)
		if !ok {
			continue
		}
		if s.due(pair.LastTimePermSync, cfg.DocSyncFreq) {
			taskID := fmt.Sprintf("permsync_%s_%s", pair.ID, uuid.New())
			if err := s.dispatch.Dispatch(ctx, taskID, KindDocSync, pair.ID); err != nil {
				s.log.Error("doc sync dispatch failed", "pair_id", pair.ID, "error", err)
			}
		}
		if cfg.NewGroupSync == nil {
			continue
		}
		if !cfg.GroupSyncPerPair && groupSynced[pair.Source] {
			continue
		}
		if s.due(pair.LastTimeGroupSync, cfg.GroupSyncFreq) {
			taskID := fmt.Sprintf("groupsync_%s_%s", pair.ID, uuid.New())
			if err := s.dispatch.Dispatch(ctx, taskID, KindGroupSync, pair.ID); err != nil {
				s.log.Error("group sync dispatch failed", "pair_id", pair.ID, "error", err)
				continue
			}
			groupSynced[pair.Source] = true
		}
	}
	return nil
}

func (s *Scheduler) due(last *time.Time, freq time.Duration) bool {
	if freq <= 0 {
		return false
	}
	if last == nil {
		return true
	}
	return s.now().Sub(*last) >= freq
}
