package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stanstork/stratum-exchange/internal/blob"
	"github.com/stanstork/stratum-exchange/internal/codec"
	"github.com/stanstork/stratum-exchange/internal/filter"
	"github.com/stanstork/stratum-exchange/internal/models"
	"github.com/stanstork/stratum-exchange/internal/notification"
)

// ExecuteExportJob reads the job's collection, encodes it and uploads the
// file. On failure the job is marked failed and the error returned; a
// partially uploaded file is left in place.
func (o *Orchestrator) ExecuteExportJob(ctx context.Context, id string) error {
	job, err := o.begin(ctx, id, models.DataJobTypeExport)
	if err != nil {
		return err
	}
	logger := o.jobLogger(job)
	logger.Info().Msg("export started")

	total, url, err := o.export(ctx, job, logger)
	if err != nil {
		return o.fail(ctx, job, err, logger)
	}

	progress := 100
	done, err := o.advance(ctx, id, models.DataJobStatusCompleted, models.StatusUpdate{
		Progress:         &progress,
		ProcessedRecords: &total,
		ResultURL:        &url,
	})
	if err != nil {
		return o.fail(ctx, job, err, logger)
	}
	logger.Info().Int64("records", total).Str("result_url", url).Msg("export completed")
	o.notify(ctx, notification.EventJobCompleted, *done)
	return nil
}

func (o *Orchestrator) export(ctx context.Context, job *models.DataJob, logger zerolog.Logger) (int64, string, error) {
	preds, err := filter.Parse(job.Query)
	if err != nil {
		return 0, "", err
	}
	docs, err := o.backend.Query(ctx, job.Collection, preds)
	if err != nil {
		return 0, "", errors.Wrapf(err, "query %s", job.Collection)
	}

	total := int64(len(docs))
	if _, err := o.advance(ctx, job.ID, models.DataJobStatusProcessing, models.StatusUpdate{TotalRecords: &total}); err != nil {
		return 0, "", err
	}
	if total == 0 {
		return 0, "", fmt.Errorf("%w: no records found for export", models.ErrEmptyResult)
	}

	records := make([]models.Record, len(docs))
	for i, doc := range docs {
		records[i] = codec.NormalizeForExport(doc.ID, doc.Fields)
	}

	contentType, err := codec.ContentType(job.Format)
	if err != nil {
		return 0, "", err
	}
	ext, err := codec.Extension(job.Format)
	if err != nil {
		return 0, "", err
	}

	dir, err := o.stagingDir(job.ID)
	if err != nil {
		return 0, "", err
	}
	defer o.removeStaging(dir, logger)

	path := filepath.Join(dir, "export."+ext)
	if err := writeFile(path, func(f *os.File) error {
		return codec.Encode(f, job.Format, records, job.Mappings)
	}); err != nil {
		return 0, "", err
	}

	stamp := codec.FormatTimestamp(o.now())
	key := blob.ExportKey(job.Collection, stamp, ext)
	f, err := os.Open(path)
	if err != nil {
		return 0, "", errors.Wrap(err, "open staged export")
	}
	defer f.Close()

	url, err := o.blobs.Upload(ctx, key, f, contentType, map[string]string{
		"jobId":       job.ID,
		"collection":  job.Collection,
		"format":      string(job.Format),
		"recordCount": strconv.FormatInt(total, 10),
		"timestamp":   stamp,
	})
	if err != nil {
		return 0, "", errors.Wrapf(err, "upload %s", key)
	}
	logger.Debug().Str("key", key).Msg("export uploaded")
	return total, url, nil
}

// stagingDir creates the private working directory of one run.
func (o *Orchestrator) stagingDir(jobID string) (string, error) {
	dir, err := os.MkdirTemp(o.opts.TempDir, "datajob-"+jobID+"-")
	if err != nil {
		return "", errors.Wrap(err, "create staging directory")
	}
	return dir, nil
}

func (o *Orchestrator) removeStaging(dir string, logger zerolog.Logger) {
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn().Err(err).Str("dir", dir).Msg("failed to remove staging directory")
	}
}

func writeFile(path string, fill func(f *os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create staging file")
	}
	if err := fill(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close staging file")
	}
	return nil
}
