package engine

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stanstork/stratum-exchange/internal/codec"
	"github.com/stanstork/stratum-exchange/internal/models"
	"github.com/stanstork/stratum-exchange/internal/notification"
)

// ExecuteImportJob downloads the job's source file and writes its records
// to the collection in batches of the backend's batch limit. Progress is
// persisted after every batch and the job record is checked for
// cancellation before the next one. Committed batches stay applied when the
// run fails or is cancelled.
func (o *Orchestrator) ExecuteImportJob(ctx context.Context, id string) error {
	job, err := o.begin(ctx, id, models.DataJobTypeImport)
	if err != nil {
		return err
	}
	logger := o.jobLogger(job)
	logger.Info().Msg("import started")

	total, err := o.importRecords(ctx, job, logger)
	if err != nil {
		return o.fail(ctx, job, err, logger)
	}

	progress := 100
	done, err := o.advance(ctx, id, models.DataJobStatusCompleted, models.StatusUpdate{
		Progress:         &progress,
		ProcessedRecords: &total,
	})
	if err != nil {
		return o.fail(ctx, job, err, logger)
	}
	logger.Info().Int64("records", total).Msg("import completed")
	o.notify(ctx, notification.EventJobCompleted, *done)
	return nil
}

func (o *Orchestrator) importRecords(ctx context.Context, job *models.DataJob, logger zerolog.Logger) (int64, error) {
	records, err := o.readSource(ctx, job, logger)
	if err != nil {
		return 0, err
	}
	records = codec.RemapInverse(records, job.Mappings)
	for i, rec := range records {
		if err := codec.ApplyFieldTypes(rec, job.FieldTypes, o.opts.DetectTimestamps); err != nil {
			return 0, errors.Wrapf(err, "record %d", i+1)
		}
	}

	total := int64(len(records))
	if _, err := o.advance(ctx, job.ID, models.DataJobStatusProcessing, models.StatusUpdate{TotalRecords: &total}); err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, fmt.Errorf("%w: no records found for import", models.ErrEmptyResult)
	}

	size := o.backend.BatchLimit()
	if size <= 0 {
		size = len(records)
	}
	var processed int64
	for start := 0; start < len(records); start += size {
		if err := o.checkCancelled(ctx, job.ID); err != nil {
			job.ProcessedRecords = processed
			return 0, err
		}
		end := min(start+size, len(records))
		if err := o.backend.WriteBatch(ctx, job.Collection, records[start:end]); err != nil {
			return 0, errors.Wrapf(err, "write records %d-%d", start+1, end)
		}

		processed += int64(end - start)
		job.ProcessedRecords = processed
		progress := percent(processed, total)
		if _, err := o.advance(ctx, job.ID, models.DataJobStatusProcessing, models.StatusUpdate{
			Progress:         &progress,
			ProcessedRecords: &processed,
		}); err != nil {
			return 0, err
		}
		logger.Debug().Int64("processed_records", processed).Int("progress", progress).Msg("batch committed")
	}
	return total, nil
}

// readSource stages the source file of job and decodes it.
func (o *Orchestrator) readSource(ctx context.Context, job *models.DataJob, logger zerolog.Logger) ([]models.Record, error) {
	dir, err := o.stagingDir(job.ID)
	if err != nil {
		return nil, err
	}
	defer o.removeStaging(dir, logger)

	path := filepath.Join(dir, "source")
	if err := writeFile(path, func(f *os.File) error {
		return o.blobs.Download(ctx, *job.SourceURL, f)
	}); err != nil {
		return nil, errors.Wrap(err, "download source")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open staged source")
	}
	defer f.Close()
	return codec.Decode(f, job.Format)
}

func percent(processed, total int64) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(processed) / float64(total) * 100))
}
