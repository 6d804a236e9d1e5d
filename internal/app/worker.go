package app

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/indexing/docfetching"
	"github.com/fathomhq/fathom-backend/internal/permissions"
)

// RunWorker consumes the indexing and permission-sync task queues. It
// blocks until ctx is cancelled.
func RunWorker(ctx context.Context, core *Core) error {
	if core.Temporal == nil {
		return fmt.Errorf("worker requires TEMPORAL_ADDRESS")
	}
	log := core.Log

	runner := docfetching.NewRunner(log, core.Repos, core.KV, core.Index, core.LLM, core.Images, core.Files, core.Pool)
	fetchActs := &docfetching.Activities{Log: log, Runner: runner}

	syncer := permissions.NewSyncer(log, core.Repos, core.KV, core.Index, core.Pool)
	permActs := &permissions.Activities{Log: log, Syncer: syncer}

	concurrency := int(envInt64("WORKER_CONCURRENCY", 4))
	opts := worker.Options{
		MaxConcurrentActivityExecutionSize:     concurrency,
		MaxConcurrentWorkflowTaskExecutionSize: concurrency,
	}

	workers := make([]worker.Worker, 0, 3)
	for _, queue := range []string{domain.QueueConnectorDocFetching, domain.QueueUserFilesIndexing} {
		w := worker.New(core.Temporal, queue, opts)
		w.RegisterWorkflowWithOptions(docfetching.Workflow, workflow.RegisterOptions{Name: docfetching.WorkflowName})
		w.RegisterActivityWithOptions(fetchActs.Run, activity.RegisterOptions{Name: docfetching.ActivityRun})
		workers = append(workers, w)
	}

	pw := worker.New(core.Temporal, domain.QueuePermissionSync, opts)
	pw.RegisterWorkflowWithOptions(permissions.Workflow, workflow.RegisterOptions{Name: permissions.WorkflowName})
	pw.RegisterActivityWithOptions(permActs.DocSync, activity.RegisterOptions{Name: permissions.ActivityDocSync})
	pw.RegisterActivityWithOptions(permActs.GroupSync, activity.RegisterOptions{Name: permissions.ActivityGroupSync})
	workers = append(workers, pw)

	for _, w := range workers {
		if err := w.Start(); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
	}
	log.Info("workers started", "queues", 3, "concurrency", concurrency)

	<-ctx.Done()
	for _, w := range workers {
		w.Stop()
	}
	return ctx.Err()
}
