// Package engine runs data import and export jobs: it owns the job state
// machine and drives records between a store.Backend and a blob.Store.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stanstork/stratum-exchange/internal/blob"
	"github.com/stanstork/stratum-exchange/internal/filter"
	"github.com/stanstork/stratum-exchange/internal/models"
	"github.com/stanstork/stratum-exchange/internal/notification"
	"github.com/stanstork/stratum-exchange/internal/repository"
	"github.com/stanstork/stratum-exchange/internal/store"
)

// MaxErrorLength bounds the error message stored on a failed job.
const MaxErrorLength = 1000

// SystemUser is the creator recorded on jobs started through ExportData and
// ImportData.
const SystemUser = "system"

type Options struct {
	// TempDir is the parent of per-run staging directories. Empty means
	// os.TempDir().
	TempDir string

	// DetectTimestamps enables conversion of ISO-8601-looking strings in
	// fields without a type hint on import.
	DetectTimestamps bool
}

type Orchestrator struct {
	repo     repository.DataJobRepository
	backend  store.Backend
	blobs    blob.Store
	notifier notification.Notifier
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
}

// New builds an orchestrator. notifier may be nil.
func New(repo repository.DataJobRepository, backend store.Backend, blobs blob.Store, notifier notification.Notifier, opts Options, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		repo:     repo,
		backend:  backend,
		blobs:    blobs,
		notifier: notifier,
		opts:     opts,
		logger:   logger.With().Str("component", "orchestrator").Str("backend", backend.Name()).Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (o *Orchestrator) CreateDataJob(ctx context.Context, in models.CreateDataJobInput) (models.DataJob, error) {
	if err := validateCreate(in); err != nil {
		return models.DataJob{}, err
	}

	now := o.now()
	job := models.DataJob{
		ID:          uuid.NewString(),
		Type:        in.Type,
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		Collection:  in.Collection,
		Format:      in.Format,
		Query:       in.Query,
		Mappings:    in.Mappings,
		FieldTypes:  in.FieldTypes,
		SourceURL:   in.SourceURL,
		Status:      models.DataJobStatusPending,
		CreatedBy:   in.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	created, err := o.repo.Create(ctx, job)
	if err != nil {
		return models.DataJob{}, errors.Wrap(err, "failed to create data job")
	}
	o.logger.Info().Str("job_id", created.ID).Str("type", string(created.Type)).Str("collection", created.Collection).Msg("data job created")
	return created, nil
}

func validateCreate(in models.CreateDataJobInput) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", models.ErrValidation, fmt.Sprintf(format, args...))
	}
	if !in.Type.Valid() {
		return invalid("type must be %q or %q", models.DataJobTypeImport, models.DataJobTypeExport)
	}
	if strings.TrimSpace(in.Name) == "" {
		return invalid("name is required")
	}
	if strings.TrimSpace(in.Collection) == "" {
		return invalid("collection is required")
	}
	if !in.Format.Valid() {
		return invalid("unknown format %q", in.Format)
	}
	if strings.TrimSpace(in.CreatedBy) == "" {
		return invalid("created_by is required")
	}
	if in.Type == models.DataJobTypeImport && (in.SourceURL == nil || strings.TrimSpace(*in.SourceURL) == "") {
		return invalid("source_url is required for import jobs")
	}
	if _, err := filter.Parse(in.Query); err != nil {
		return err
	}
	for field, t := range in.FieldTypes {
		if !t.Valid() {
			return invalid("field %s: unknown field type %q", field, t)
		}
	}
	for internal, external := range in.Mappings {
		if internal == "" || external == "" {
			return invalid("mappings must not contain empty field names")
		}
	}
	return nil
}

// GetDataJobByID returns nil when no job has the id.
func (o *Orchestrator) GetDataJobByID(ctx context.Context, id string) (*models.DataJob, error) {
	job, err := o.repo.GetByID(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get data job %s", id)
	}
	return job, nil
}

func (o *Orchestrator) GetDataJobs(ctx context.Context, opts models.ListOptions) (models.ListResult, error) {
	if opts.Limit < 0 || opts.Offset < 0 {
		return models.ListResult{}, fmt.Errorf("%w: limit and offset must not be negative", models.ErrValidation)
	}
	if opts.OrderByCreatedAt != "" && opts.OrderByCreatedAt != models.SortAsc && opts.OrderByCreatedAt != models.SortDesc {
		return models.ListResult{}, fmt.Errorf("%w: unknown sort order %q", models.ErrValidation, opts.OrderByCreatedAt)
	}
	jobs, total, err := o.repo.List(ctx, opts)
	if err != nil {
		return models.ListResult{}, errors.Wrap(err, "failed to list data jobs")
	}
	if jobs == nil {
		jobs = []models.DataJob{}
	}
	return models.ListResult{Jobs: jobs, Total: total}, nil
}

// UpdateDataJobStatus writes a status change directly. Transitions outside
// the state machine fail with ErrPrecondition; a missing job yields nil.
func (o *Orchestrator) UpdateDataJobStatus(ctx context.Context, id string, status models.DataJobStatus, update models.StatusUpdate) (*models.DataJob, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrValidation, status)
	}
	if update.Progress != nil && (*update.Progress < 0 || *update.Progress > 100) {
		return nil, fmt.Errorf("%w: progress must be between 0 and 100", models.ErrValidation)
	}
	if (update.TotalRecords != nil && *update.TotalRecords < 0) || (update.ProcessedRecords != nil && *update.ProcessedRecords < 0) {
		return nil, fmt.Errorf("%w: record counts must not be negative", models.ErrValidation)
	}
	if update.ResultURL != nil && status != models.DataJobStatusCompleted {
		return nil, fmt.Errorf("%w: result_url is only set on completion", models.ErrValidation)
	}

	current, err := o.repo.GetByID(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get data job %s", id)
	}
	if current == nil {
		return nil, nil
	}
	if !models.CanTransition(current.Status, status) {
		return nil, fmt.Errorf("%w: job %s is %s, cannot become %s", models.ErrPrecondition, id, current.Status, status)
	}
	if err := checkStatusUpdate(current, status, update); err != nil {
		return nil, err
	}

	if update.Error != nil {
		msg := truncate(*update.Error)
		update.Error = &msg
	}
	job, err := o.repo.UpdateStatus(ctx, id, status, update)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to update data job %s", id)
	}
	return job, nil
}

// checkStatusUpdate rejects an update that would leave job inconsistent once
// merged with what is already stored.
func checkStatusUpdate(job *models.DataJob, status models.DataJobStatus, update models.StatusUpdate) error {
	if status == models.DataJobStatusCompleted && job.Type == models.DataJobTypeExport &&
		update.ResultURL == nil && job.ResultURL == nil {
		return fmt.Errorf("%w: a completed export needs a result_url", models.ErrValidation)
	}
	total := job.TotalRecords
	if update.TotalRecords != nil {
		total = update.TotalRecords
	}
	processed := job.ProcessedRecords
	if update.ProcessedRecords != nil {
		processed = *update.ProcessedRecords
	}
	if total != nil && processed > *total {
		return fmt.Errorf("%w: processed_records %d exceeds total_records %d", models.ErrValidation, processed, *total)
	}
	return nil
}

// CancelDataJob moves a pending or processing job to cancelled. A job that
// already reached a terminal state is returned unchanged; a missing job
// yields nil.
func (o *Orchestrator) CancelDataJob(ctx context.Context, id string) (*models.DataJob, error) {
	job, err := o.repo.GetByID(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get data job %s", id)
	}
	if job == nil || job.Status.Terminal() {
		return job, nil
	}

	cancelled, err := o.repo.UpdateStatus(ctx, id, models.DataJobStatusCancelled, models.StatusUpdate{})
	if errors.Is(err, models.ErrPrecondition) {
		// The run finished between the read and the write.
		return o.GetDataJobByID(ctx, id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to cancel data job %s", id)
	}
	if cancelled != nil {
		o.logger.Info().Str("job_id", id).Msg("data job cancelled")
		o.notify(ctx, notification.EventJobCancelled, *cancelled)
	}
	return cancelled, nil
}

// DeleteDataJob removes the job record. The exported file, if any, is
// deleted first on a best-effort basis.
func (o *Orchestrator) DeleteDataJob(ctx context.Context, id string) error {
	job, err := o.repo.GetByID(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "failed to get data job %s", id)
	}
	if job == nil {
		o.logger.Warn().Str("job_id", id).Msg("data job to delete not found")
		return nil
	}
	if job.ResultURL != nil && *job.ResultURL != "" {
		if err := o.blobs.Delete(ctx, *job.ResultURL); err != nil {
			o.logger.Warn().Err(err).Str("job_id", id).Str("result_url", *job.ResultURL).Msg("failed to delete exported file")
		}
	}
	if err := o.repo.Delete(ctx, id); err != nil {
		return errors.Wrapf(err, "failed to delete data job %s", id)
	}
	o.logger.Info().Str("job_id", id).Msg("data job deleted")
	return nil
}

// Execute runs the pipeline matching the job's type.
func (o *Orchestrator) Execute(ctx context.Context, id string) error {
	job, err := o.repo.GetByID(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "failed to get data job %s", id)
	}
	if job == nil {
		return fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	if job.Type == models.DataJobTypeImport {
		return o.ExecuteImportJob(ctx, id)
	}
	return o.ExecuteExportJob(ctx, id)
}

type ExportParams struct {
	Collection string
	Format     models.DataFormat
	Query      map[string]any
	Mappings   map[string]string
}

// ExportData creates an export job owned by SystemUser and runs it to
// completion. The job id is returned even when the run fails.
func (o *Orchestrator) ExportData(ctx context.Context, p ExportParams) (string, error) {
	desc := fmt.Sprintf("Export of %s to %s", p.Collection, p.Format)
	job, err := o.CreateDataJob(ctx, models.CreateDataJobInput{
		Type:        models.DataJobTypeExport,
		Name:        "Export " + p.Collection,
		Description: &desc,
		Collection:  p.Collection,
		Format:      p.Format,
		Query:       p.Query,
		Mappings:    p.Mappings,
		CreatedBy:   SystemUser,
	})
	if err != nil {
		return "", err
	}
	return job.ID, o.ExecuteExportJob(ctx, job.ID)
}

type ImportParams struct {
	Collection string
	Format     models.DataFormat
	SourceURL  string
	Mappings   map[string]string
	FieldTypes map[string]models.FieldType
}

// ImportData creates an import job owned by SystemUser and runs it to
// completion. The job id is returned even when the run fails.
func (o *Orchestrator) ImportData(ctx context.Context, p ImportParams) (string, error) {
	desc := fmt.Sprintf("Import of %s from %s", p.Collection, p.Format)
	job, err := o.CreateDataJob(ctx, models.CreateDataJobInput{
		Type:        models.DataJobTypeImport,
		Name:        "Import " + p.Collection,
		Description: &desc,
		Collection:  p.Collection,
		Format:      p.Format,
		SourceURL:   &p.SourceURL,
		Mappings:    p.Mappings,
		FieldTypes:  p.FieldTypes,
		CreatedBy:   SystemUser,
	})
	if err != nil {
		return "", err
	}
	return job.ID, o.ExecuteImportJob(ctx, job.ID)
}

// begin checks the run preconditions and moves the job to processing. A
// failed job is reset for a fresh run.
func (o *Orchestrator) begin(ctx context.Context, id string, typ models.DataJobType) (*models.DataJob, error) {
	job, err := o.repo.GetByID(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get data job %s", id)
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	if job.Type != typ {
		return nil, fmt.Errorf("%w: job %s is an %s job, not %s", models.ErrPrecondition, id, job.Type, typ)
	}
	if job.Status != models.DataJobStatusPending && job.Status != models.DataJobStatusFailed {
		return nil, fmt.Errorf("%w: job %s is %s", models.ErrPrecondition, id, job.Status)
	}
	if typ == models.DataJobTypeImport && (job.SourceURL == nil || *job.SourceURL == "") {
		return nil, fmt.Errorf("%w: import job %s has no source url", models.ErrPrecondition, id)
	}

	// The reset is a no-op on a pending job and covers one that failed
	// between the read and the write.
	update := models.StatusUpdate{Start: true, ResetRun: true}
	started, err := o.repo.UpdateStatus(ctx, id, models.DataJobStatusProcessing, update)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to start data job %s", id)
	}
	if started == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	o.notify(ctx, notification.EventJobStarted, *started)
	return started, nil
}

// advance writes a status change during a run. A job cancelled or deleted
// meanwhile ends the run.
func (o *Orchestrator) advance(ctx context.Context, id string, status models.DataJobStatus, update models.StatusUpdate) (*models.DataJob, error) {
	job, err := o.repo.UpdateStatus(ctx, id, status, update)
	if errors.Is(err, models.ErrPrecondition) {
		if cerr := o.checkCancelled(ctx, id); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to update data job %s", id)
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s was deleted during the run", models.ErrNotFound, id)
	}
	return job, nil
}

// checkCancelled reports ErrCancelled once the job record has been
// cancelled, and the context error once ctx is done.
func (o *Orchestrator) checkCancelled(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "run interrupted")
	}
	job, err := o.repo.GetByID(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "failed to get data job %s", id)
	}
	if job == nil {
		return fmt.Errorf("%w: %s was deleted during the run", models.ErrNotFound, id)
	}
	if job.Status == models.DataJobStatusCancelled {
		return fmt.Errorf("%w: %s", models.ErrCancelled, id)
	}
	return nil
}

// fail records err on the job unless the run ended because the job was
// cancelled or deleted. err is returned unchanged.
func (o *Orchestrator) fail(ctx context.Context, job *models.DataJob, err error, logger zerolog.Logger) error {
	if errors.Is(err, models.ErrCancelled) {
		logger.Info().Int64("processed_records", job.ProcessedRecords).Msg("run stopped: data job was cancelled")
		return err
	}
	if errors.Is(err, models.ErrNotFound) {
		logger.Warn().Err(err).Msg("run stopped: data job no longer exists")
		return err
	}

	logger.Error().Err(err).Msg("data job failed")
	msg := truncate(err.Error())
	failed, uerr := o.repo.UpdateStatus(context.WithoutCancel(ctx), job.ID, models.DataJobStatusFailed, models.StatusUpdate{Error: &msg})
	if uerr != nil {
		logger.Error().Err(uerr).Msg("failed to record data job failure")
		return err
	}
	if failed != nil {
		o.notify(ctx, notification.EventJobFailed, *failed)
	}
	return err
}

func (o *Orchestrator) notify(ctx context.Context, t notification.EventType, job models.DataJob) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Notify(ctx, notification.NewEvent(t, job)); err != nil {
		o.logger.Warn().Err(err).Str("job_id", job.ID).Str("event_type", string(t)).Msg("failed to publish data job event")
	}
}

func (o *Orchestrator) jobLogger(job *models.DataJob) zerolog.Logger {
	return o.logger.With().
		Str("job_id", job.ID).
		Str("type", string(job.Type)).
		Str("collection", job.Collection).
		Str("format", string(job.Format)).
		Logger()
}

// truncate shortens msg to MaxErrorLength runes.
func truncate(msg string) string {
	if utf8.RuneCountInString(msg) <= MaxErrorLength {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:MaxErrorLength])
}
