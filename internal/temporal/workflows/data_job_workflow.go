package workflows

import (
	sdktemporal "go.temporal.io/sdk/temporal"
	sdkworker "go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/stanstork/stratum-exchange/internal/temporal"
	"github.com/stanstork/stratum-exchange/internal/temporal/activities"
)

// DataJobWorkflow runs a data job once. Retrying is left to the caller,
// which re-submits a failed job.
func DataJobWorkflow(ctx workflow.Context, params temporal.DataJobParams) error {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: temporal.DefaultActivityTimeout,
		RetryPolicy:         &sdktemporal.RetryPolicy{MaximumAttempts: 1},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	logger := workflow.GetLogger(ctx)
	logger.Info("Starting data job workflow", "JobID", params.JobID)

	var a *activities.Activities
	if err := workflow.ExecuteActivity(ctx, a.RunDataJobActivity, params).Get(ctx, nil); err != nil {
		logger.Error("Data job workflow failed.", "JobID", params.JobID, "error", err)
		return err
	}

	logger.Info("Data job workflow completed successfully.", "JobID", params.JobID)
	return nil
}

// Register adds the data job workflow and its activities to a Temporal
// worker.
func Register(r sdkworker.Registry, acts *activities.Activities) {
	r.RegisterWorkflowWithOptions(DataJobWorkflow, workflow.RegisterOptions{Name: temporal.DataJobWorkflowName})
	r.RegisterActivity(acts)
}
