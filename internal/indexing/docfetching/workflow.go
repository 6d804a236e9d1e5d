package docfetching

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

const (
	WorkflowName = "DocFetchingWorkflow"
	ActivityRun  = "RunIndexAttempt"
)

// Workflow wraps one index attempt in a single activity. Retries stay
// off: the scheduler recreates failed attempts on its own cadence, and
// a blind retry would race the fence validator.
func Workflow(ctx workflow.Context, attemptID string) error {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 6 * time.Hour,
		HeartbeatTimeout:    10 * time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)
	return workflow.ExecuteActivity(ctx, ActivityRun, attemptID).Get(ctx, nil)
}

// Activities is the worker-side registration target.
type Activities struct {
	Log    *logger.Logger
	Runner *Runner
}

func (a *Activities) Run(ctx context.Context, attemptID string) error {
	id, err := uuid.Parse(attemptID)
	if err != nil {
		return fmt.Errorf("bad attempt id %q: %w", attemptID, err)
	}
	return a.Runner.Run(ctx, id)
}
