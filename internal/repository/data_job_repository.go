package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/stanstork/stratum-exchange/internal/models"
)

// DataJobRepository persists data job records.
type DataJobRepository interface {
	Create(ctx context.Context, job models.DataJob) (models.DataJob, error)
	// GetByID returns nil, nil when the job does not exist.
	GetByID(ctx context.Context, id string) (*models.DataJob, error)
	// List returns one page of jobs and the number of jobs matching the
	// filters before pagination.
	List(ctx context.Context, opts models.ListOptions) ([]models.DataJob, int, error)
	// UpdateStatus moves a job to status and writes the non-nil fields of
	// update in one conditional write. It returns nil, nil when the job does
	// not exist and models.ErrPrecondition when the job's current status may
	// not precede status. started_at is set the first time a job enters
	// processing; completed_at is set on every terminal status.
	UpdateStatus(ctx context.Context, id string, status models.DataJobStatus, update models.StatusUpdate) (*models.DataJob, error)
	Delete(ctx context.Context, id string) error
}

type postgresDataJobRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresDataJobRepository(db *sql.DB) DataJobRepository {
	return &postgresDataJobRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const dataJobColumns = `id, type, name, description, collection, format, query, mappings, field_types,
	source_url, result_url, status, progress, total_records, processed_records,
	started_at, completed_at, error, created_by, created_at, updated_at`

func (r *postgresDataJobRepository) Create(ctx context.Context, job models.DataJob) (models.DataJob, error) {
	query := `
		INSERT INTO data_jobs (` + dataJobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		RETURNING ` + dataJobColumns

	q, err := jsonColumn(job.Query)
	if err != nil {
		return models.DataJob{}, fmt.Errorf("marshal query: %w", err)
	}
	m, err := jsonColumn(job.Mappings)
	if err != nil {
		return models.DataJob{}, fmt.Errorf("marshal mappings: %w", err)
	}
	ft, err := jsonColumn(job.FieldTypes)
	if err != nil {
		return models.DataJob{}, fmt.Errorf("marshal field types: %w", err)
	}

	row := r.db.QueryRowContext(ctx, query,
		job.ID,
		job.Type,
		job.Name,
		job.Description,
		job.Collection,
		job.Format,
		q,
		m,
		ft,
		job.SourceURL,
		job.ResultURL,
		job.Status,
		job.Progress,
		job.TotalRecords,
		job.ProcessedRecords,
		job.StartedAt,
		job.CompletedAt,
		job.Error,
		job.CreatedBy,
		job.CreatedAt,
		job.UpdatedAt,
	)
	created, err := scanDataJob(row)
	if err != nil {
		return models.DataJob{}, fmt.Errorf("insert data job: %w", err)
	}
	return *created, nil
}

func (r *postgresDataJobRepository) GetByID(ctx context.Context, id string) (*models.DataJob, error) {
	query := `SELECT ` + dataJobColumns + ` FROM data_jobs WHERE id = $1`
	job, err := scanDataJob(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get data job %s: %w", id, err)
	}
	return job, nil
}

func (r *postgresDataJobRepository) List(ctx context.Context, opts models.ListOptions) ([]models.DataJob, int, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if opts.Type != nil {
		add("type = $%d", *opts.Type)
	}
	if opts.Status != nil {
		add("status = $%d", *opts.Status)
	}
	if opts.Collection != "" {
		add("collection = $%d", opts.Collection)
	}
	if opts.CreatedBy != "" {
		add("created_by = $%d", opts.CreatedBy)
	}
	if opts.StartDate != nil {
		add("created_at >= $%d", *opts.StartDate)
	}
	if opts.EndDate != nil {
		add("created_at <= $%d", *opts.EndDate)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM data_jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count data jobs: %w", err)
	}

	order := "DESC"
	if opts.OrderByCreatedAt == models.SortAsc {
		order = "ASC"
	}
	query := `SELECT ` + dataJobColumns + ` FROM data_jobs` + where + ` ORDER BY created_at ` + order
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list data jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]models.DataJob, 0)
	for rows.Next() {
		job, err := scanDataJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan data job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list data jobs: %w", err)
	}
	return jobs, total, nil
}

func (r *postgresDataJobRepository) UpdateStatus(ctx context.Context, id string, status models.DataJobStatus, update models.StatusUpdate) (*models.DataJob, error) {
	now := r.now()
	args := []any{id}
	var sets []string
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	set("status", status)
	set("updated_at", now)
	for _, f := range statusFields(status, update, now) {
		if f.keepIfSet {
			args = append(args, f.value)
			sets = append(sets, fmt.Sprintf("%s = COALESCE(%s, $%d)", f.column, f.column, len(args)))
			continue
		}
		set(f.column, f.value)
	}

	args = append(args, pq.Array(statusStrings(models.PredecessorsFor(status, update))))
	query := `UPDATE data_jobs SET ` + strings.Join(sets, ", ") +
		fmt.Sprintf(` WHERE id = $1 AND status = ANY($%d) RETURNING `, len(args)) + dataJobColumns

	job, err := scanDataJob(r.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		return job, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("update data job %s: %w", id, err)
	}

	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}
	return nil, fmt.Errorf("%w: job %s is %s, cannot become %s", models.ErrPrecondition, id, current.Status, status)
}

func (r *postgresDataJobRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM data_jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete data job %s: %w", id, err)
	}
	return nil
}

// statusField is one column written by UpdateStatus besides status and
// updated_at. keepIfSet columns are only written while still NULL.
type statusField struct {
	column    string
	value     any
	keepIfSet bool
}

// statusFields lists the column writes implied by a status change, in a
// fixed order. Both repositories share it so they agree on semantics.
func statusFields(status models.DataJobStatus, u models.StatusUpdate, now time.Time) []statusField {
	var fields []statusField
	if status == models.DataJobStatusProcessing {
		fields = append(fields, statusField{column: "started_at", value: now, keepIfSet: true})
	}

	progress := any(nil)
	if u.Progress != nil {
		progress = *u.Progress
	} else if u.ResetRun {
		progress = 0
	}
	if progress != nil {
		fields = append(fields, statusField{column: "progress", value: progress})
	}

	if u.TotalRecords != nil {
		fields = append(fields, statusField{column: "total_records", value: *u.TotalRecords})
	} else if u.ResetRun {
		fields = append(fields, statusField{column: "total_records", value: nil})
	}

	processed := any(nil)
	if u.ProcessedRecords != nil {
		processed = *u.ProcessedRecords
	} else if u.ResetRun {
		processed = int64(0)
	}
	if processed != nil {
		fields = append(fields, statusField{column: "processed_records", value: processed})
	}

	if u.ResultURL != nil {
		fields = append(fields, statusField{column: "result_url", value: *u.ResultURL})
	} else if u.ResetRun {
		fields = append(fields, statusField{column: "result_url", value: nil})
	}

	if u.Error != nil {
		fields = append(fields, statusField{column: "error", value: *u.Error})
	} else if u.ResetRun {
		fields = append(fields, statusField{column: "error", value: nil})
	}

	if status.Terminal() {
		fields = append(fields, statusField{column: "completed_at", value: now})
	} else if u.ResetRun {
		fields = append(fields, statusField{column: "completed_at", value: nil})
	}
	return fields
}

func statusStrings(statuses []models.DataJobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// jsonColumn renders a map for a JSONB column; nil maps are stored as NULL.
func jsonColumn[T any](v map[string]T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDataJob(row rowScanner) (*models.DataJob, error) {
	var (
		job                  models.DataJob
		query, mappings, fts []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.Type,
		&job.Name,
		&job.Description,
		&job.Collection,
		&job.Format,
		&query,
		&mappings,
		&fts,
		&job.SourceURL,
		&job.ResultURL,
		&job.Status,
		&job.Progress,
		&job.TotalRecords,
		&job.ProcessedRecords,
		&job.StartedAt,
		&job.CompletedAt,
		&job.Error,
		&job.CreatedBy,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(query) > 0 {
		if err := json.Unmarshal(query, &job.Query); err != nil {
			return nil, fmt.Errorf("decode query: %w", err)
		}
	}
	if len(mappings) > 0 {
		if err := json.Unmarshal(mappings, &job.Mappings); err != nil {
			return nil, fmt.Errorf("decode mappings: %w", err)
		}
	}
	if len(fts) > 0 {
		if err := json.Unmarshal(fts, &job.FieldTypes); err != nil {
			return nil, fmt.Errorf("decode field types: %w", err)
		}
	}
	return &job, nil
}
