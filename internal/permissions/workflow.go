package permissions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	temporalsdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

const (
	WorkflowName      = "PermissionSyncWorkflow"
	ActivityDocSync   = "RunDocSync"
	ActivityGroupSync = "RunGroupSync"
)

func Workflow(ctx workflow.Context, kind string, pairID string) error {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Hour,
		HeartbeatTimeout:    10 * time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)
	switch Kind(kind) {
	case KindDocSync:
		return workflow.ExecuteActivity(ctx, ActivityDocSync, pairID).Get(ctx, nil)
	case KindGroupSync:
		return workflow.ExecuteActivity(ctx, ActivityGroupSync, pairID).Get(ctx, nil)
	default:
		return fmt.Errorf("unknown permission sync kind %q", kind)
	}
}

// Activities is the worker-side registration target.
type Activities struct {
	Log    *logger.Logger
	Syncer *Syncer
}

func (a *Activities) DocSync(ctx context.Context, pairID string) error {
	id, err := uuid.Parse(pairID)
	if err != nil {
		return fmt.Errorf("bad pair id %q: %w", pairID, err)
	}
	return a.Syncer.RunDocSync(ctx, id)
}

func (a *Activities) GroupSync(ctx context.Context, pairID string) error {
	id, err := uuid.Parse(pairID)
	if err != nil {
		return fmt.Errorf("bad pair id %q: %w", pairID, err)
	}
	return a.Syncer.RunGroupSync(ctx, id)
}

// temporalDispatcher starts one permission-sync workflow per due sync.
type temporalDispatcher struct {
	log *logger.Logger
	tc  temporalsdkclient.Client
}

func NewTemporalDispatcher(log *logger.Logger, tc temporalsdkclient.Client) (Dispatcher, error) {
	if tc == nil {
		return nil, fmt.Errorf("temporal client is not configured")
	}
	return &temporalDispatcher{log: log.With("service", "PermissionDispatcher"), tc: tc}, nil
}

func (d *temporalDispatcher) Dispatch(ctx context.Context, taskID string, kind Kind, pairID uuid.UUID) error {
	opts := temporalsdkclient.StartWorkflowOptions{
		ID:        taskID,
		TaskQueue: domain.QueuePermissionSync,
	}
	_, err := d.tc.ExecuteWorkflow(ctx, opts, WorkflowName, string(kind), pairID.String())
	if err != nil {
		return fmt.Errorf("start workflow %s: %w", taskID, err)
	}
	return nil
}
