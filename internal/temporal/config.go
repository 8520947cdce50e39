package temporal

import "time"

// TaskQueueName is the Temporal task queue data job workflows run on.
const TaskQueueName = "DATA_EXCHANGE"

// DataJobWorkflowName is the registered name of the data job workflow.
const DataJobWorkflowName = "DataJobWorkflow"

// DataJobWorkflowIDPrefix prefixes the job id to form the workflow id, so at
// most one workflow per job is open at a time.
const DataJobWorkflowIDPrefix = "datajob-"

// DefaultActivityTimeout bounds a single data job run. The engine itself
// imposes no timeout; Temporal requires one.
const DefaultActivityTimeout = 24 * time.Hour

// DataJobParams is the input of the data job workflow and its activity.
type DataJobParams struct {
	JobID string
}
