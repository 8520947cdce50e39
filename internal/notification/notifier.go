package notification

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/stanstork/stratum-exchange/internal/models"
)

type EventType string

const (
	EventJobStarted   EventType = "datajob.started"
	EventJobCompleted EventType = "datajob.completed"
	EventJobFailed    EventType = "datajob.failed"
	EventJobCancelled EventType = "datajob.cancelled"
)

// Event is a data job lifecycle change.
type Event struct {
	Type             EventType            `json:"type"`
	JobID            string               `json:"job_id"`
	JobType          models.DataJobType   `json:"job_type"`
	Collection       string               `json:"collection"`
	Format           models.DataFormat    `json:"format"`
	Status           models.DataJobStatus `json:"status"`
	TotalRecords     *int64               `json:"total_records,omitempty"`
	ProcessedRecords int64                `json:"processed_records"`
	ResultURL        *string              `json:"result_url,omitempty"`
	Error            *string              `json:"error,omitempty"`
	OccurredAt       time.Time            `json:"occurred_at"`
}

// NewEvent describes job as it stands after entering the state named by t.
func NewEvent(t EventType, job models.DataJob) Event {
	return Event{
		Type:             t,
		JobID:            job.ID,
		JobType:          job.Type,
		Collection:       job.Collection,
		Format:           job.Format,
		Status:           job.Status,
		TotalRecords:     job.TotalRecords,
		ProcessedRecords: job.ProcessedRecords,
		ResultURL:        job.ResultURL,
		Error:            job.Error,
		OccurredAt:       time.Now().UTC(),
	}
}

type Notifier interface {
	Notify(ctx context.Context, evt Event) error
}

// Fanout delivers every event to each notifier. Delivery failures are logged
// and never returned: notifications must not fail a job.
type Fanout struct {
	notifiers []Notifier
	logger    zerolog.Logger
}

func NewFanout(logger zerolog.Logger, notifiers ...Notifier) *Fanout {
	active := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			active = append(active, n)
		}
	}
	return &Fanout{
		notifiers: active,
		logger:    logger.With().Str("component", "notification").Logger(),
	}
}

func (f *Fanout) Notify(ctx context.Context, evt Event) error {
	for _, n := range f.notifiers {
		logNotifyError(f.logger, n.Notify(ctx, evt), evt)
	}
	return nil
}

func logNotifyError(logger zerolog.Logger, err error, evt Event) {
	if err == nil {
		return
	}
	logger.Warn().
		Err(err).
		Str("job_id", evt.JobID).
		Str("event_type", string(evt.Type)).
		Msg("failed to deliver notification")
}

// LogNotifier writes events to a zerolog logger.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "job_events").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, evt Event) error {
	e := n.logger.Info()
	if evt.Type == EventJobFailed {
		e = n.logger.Warn()
	}
	e = e.Str("event_type", string(evt.Type)).
		Str("job_id", evt.JobID).
		Str("job_type", string(evt.JobType)).
		Str("collection", evt.Collection).
		Str("status", string(evt.Status)).
		Int64("processed_records", evt.ProcessedRecords)
	if evt.Error != nil {
		e = e.Str("error", *evt.Error)
	}
	e.Msg("data job event")
	return nil
}
