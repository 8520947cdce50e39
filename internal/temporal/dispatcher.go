package temporal

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"

	"github.com/stanstork/stratum-exchange/internal/worker"
)

// Dispatcher runs each submitted job as a DataJobWorkflow. Close stops the
// goroutines waiting for workflow results.
type Dispatcher struct {
	client    client.Client
	taskQueue string
	logger    zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	waiters sync.WaitGroup
}

var _ worker.Dispatcher = (*Dispatcher)(nil)

func NewDispatcher(c client.Client, taskQueue string, logger zerolog.Logger) *Dispatcher {
	if taskQueue == "" {
		taskQueue = TaskQueueName
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger.With().Str("component", "temporal_dispatcher").Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Submit starts the workflow and returns once Temporal accepted it. The
// channel receives the workflow result, or the context error after Close.
func (d *Dispatcher) Submit(ctx context.Context, jobID string) (<-chan error, error) {
	if d.ctx.Err() != nil {
		return nil, worker.ErrPoolClosed
	}
	opts := client.StartWorkflowOptions{
		ID:        DataJobWorkflowIDPrefix + jobID,
		TaskQueue: d.taskQueue,
	}
	opts.WorkflowExecutionErrorWhenAlreadyStarted = true
	run, err := d.client.ExecuteWorkflow(ctx, opts, DataJobWorkflowName, DataJobParams{JobID: jobID})
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return nil, errors.Wrap(worker.ErrAlreadySubmitted, jobID)
		}
		return nil, errors.Wrapf(err, "failed to start workflow for data job %s", jobID)
	}
	d.logger.Info().Str("job_id", jobID).Str("workflow_id", run.GetID()).Str("run_id", run.GetRunID()).Msg("data job workflow started")

	result := make(chan error, 1)
	d.waiters.Add(1)
	go func() {
		defer d.waiters.Done()
		result <- run.Get(d.ctx, nil)
	}()
	return result, nil
}

// Close cancels pending result waits and returns once their goroutines have
// exited. Running workflows are not affected.
func (d *Dispatcher) Close() {
	d.cancel()
	d.waiters.Wait()
}
