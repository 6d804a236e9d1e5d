package scheduler

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	temporalsdkclient "go.temporal.io/sdk/client"

	"github.com/fathomhq/fathom-backend/internal/indexing/docfetching"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

// temporalDispatcher starts one docfetching workflow per attempt. The
// task id doubles as the workflow id so the fence validator can probe
// liveness by id alone.
type temporalDispatcher struct {
	log *logger.Logger
	tc  temporalsdkclient.Client
}

func NewTemporalDispatcher(log *logger.Logger, tc temporalsdkclient.Client) (Dispatcher, error) {
	if tc == nil {
		return nil, fmt.Errorf("temporal client is not configured")
	}
	return &temporalDispatcher{log: log.With("service", "TemporalDispatcher"), tc: tc}, nil
}

func (d *temporalDispatcher) Dispatch(ctx context.Context, queue, taskID string, attemptID uuid.UUID) error {
	opts := temporalsdkclient.StartWorkflowOptions{
		ID:        taskID,
		TaskQueue: queue,
		Memo:      map[string]interface{}{"priority": "MEDIUM"},
	}
	_, err := d.tc.ExecuteWorkflow(ctx, opts, docfetching.WorkflowName, attemptID.String())
	if err != nil {
		return fmt.Errorf("start workflow %s: %w", taskID, err)
	}
	return nil
}
