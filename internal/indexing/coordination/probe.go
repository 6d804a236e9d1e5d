package coordination

import (
	"context"
	"errors"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	temporalsdkclient "go.temporal.io/sdk/client"
)

// temporalProbe checks task liveness against Temporal. Task ids double
// as workflow ids, so DescribeWorkflowExecution answers directly.
type temporalProbe struct {
	tc temporalsdkclient.Client
}

func NewTemporalProbe(tc temporalsdkclient.Client) TaskProbe {
	return &temporalProbe{tc: tc}
}

func (p *temporalProbe) IsRunning(ctx context.Context, taskID string) (bool, error) {
	resp, err := p.tc.DescribeWorkflowExecution(ctx, taskID, "")
	if err != nil {
		var nfe *serviceerror.NotFound
		if errors.As(err, &nfe) {
			return false, nil
		}
		return false, err
	}
	return resp.GetWorkflowExecutionInfo().GetStatus() == enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING, nil
}
