package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fathomhq/fathom-backend/internal/indexing/coordination"
	"github.com/fathomhq/fathom-backend/internal/indexing/scheduler"
	"github.com/fathomhq/fathom-backend/internal/permissions"
)

// RunBeat drives the periodic loops: the indexing scheduler, the
// permission-sync scheduler and the fence validator. It blocks until
// ctx is cancelled.
func RunBeat(ctx context.Context, core *Core) error {
	if core.Temporal == nil {
		return fmt.Errorf("beat requires TEMPORAL_ADDRESS")
	}
	log := core.Log

	indexDispatch, err := scheduler.NewTemporalDispatcher(log, core.Temporal)
	if err != nil {
		return err
	}
	indexSched := scheduler.New(log, core.Repos, core.KV, indexDispatch)

	permDispatch, err := permissions.NewTemporalDispatcher(log, core.Temporal)
	if err != nil {
		return err
	}
	permSched := permissions.NewScheduler(log, core.Repos, permDispatch)

	validator := coordination.NewValidator(log, core.KV, core.Repos.IndexAttempts, coordination.NewTemporalProbe(core.Temporal))
	validateEvery := time.Duration(envInt64("FENCE_VALIDATION_INTERVAL_SECONDS", 300)) * time.Second

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return indexSched.Run(gctx) })
	g.Go(func() error { return permSched.Run(gctx) })
	g.Go(func() error {
		ticker := time.NewTicker(validateEvery)
		defer ticker.Stop()
		for {
			if err := validator.RunOnce(gctx); err != nil {
				log.Error("fence validation failed", "error", err)
			}
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
			}
		}
	})

	log.Info("beat loops started", "fence_validation_interval", validateEvery.String())
	return g.Wait()
}
