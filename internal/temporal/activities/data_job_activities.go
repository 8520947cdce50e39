package activities

import (
	"context"
	"errors"

	"go.temporal.io/sdk/activity"
	sdktemporal "go.temporal.io/sdk/temporal"

	"github.com/stanstork/stratum-exchange/internal/models"
	"github.com/stanstork/stratum-exchange/internal/temporal"
	"github.com/stanstork/stratum-exchange/internal/worker"
)

type Activities struct {
	Runner worker.Runner
}

// errorTypes names each error class as an application error type so
// workflow callers can tell them apart.
var errorTypes = []struct {
	err  error
	name string
}{
	{models.ErrValidation, "ValidationError"},
	{models.ErrNotFound, "NotFoundError"},
	{models.ErrPrecondition, "PreconditionError"},
	{models.ErrCancelled, "CancelledError"},
	{models.ErrEmptyResult, "EmptyResultError"},
	{models.ErrFormat, "FormatError"},
	{models.ErrStorage, "StorageError"},
	{models.ErrBackend, "BackendError"},
}

func errorType(err error) string {
	for _, t := range errorTypes {
		if errors.Is(err, t.err) {
			return t.name
		}
	}
	return "DataJobError"
}

// RunDataJobActivity executes one job. Failures are already recorded on the
// job and are never retried.
func (a *Activities) RunDataJobActivity(ctx context.Context, params temporal.DataJobParams) error {
	logger := activity.GetLogger(ctx)
	logger.Info("Running data job", "jobID", params.JobID)

	if err := a.Runner.Execute(ctx, params.JobID); err != nil {
		logger.Error("Data job run failed", "jobID", params.JobID, "error", err)
		return sdktemporal.NewNonRetryableApplicationError(err.Error(), errorType(err), err)
	}
	logger.Info("Data job run finished", "jobID", params.JobID)
	return nil
}
