package repository

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/stanstork/stratum-exchange/internal/models"
)

// DataJobsCollection holds data job documents in the document store.
const DataJobsCollection = "dataJobs"

// mongoDataJob is the stored shape of a job: camelCase field names, as the
// rest of the document store uses.
type mongoDataJob struct {
	ID               string                      `bson:"_id"`
	Type             models.DataJobType          `bson:"type"`
	Name             string                      `bson:"name"`
	Description      *string                     `bson:"description,omitempty"`
	Collection       string                      `bson:"collection"`
	Format           models.DataFormat           `bson:"format"`
	Query            map[string]any              `bson:"query,omitempty"`
	Mappings         map[string]string           `bson:"mappings,omitempty"`
	FieldTypes       map[string]models.FieldType `bson:"fieldTypes,omitempty"`
	SourceURL        *string                     `bson:"sourceUrl,omitempty"`
	ResultURL        *string                     `bson:"resultUrl"`
	Status           models.DataJobStatus        `bson:"status"`
	Progress         int                         `bson:"progress"`
	TotalRecords     *int64                      `bson:"totalRecords"`
	ProcessedRecords int64                       `bson:"processedRecords"`
	StartedAt        *time.Time                  `bson:"startedAt"`
	CompletedAt      *time.Time                  `bson:"completedAt"`
	Error            *string                     `bson:"error"`
	CreatedBy        string                      `bson:"createdBy"`
	CreatedAt        time.Time                   `bson:"createdAt"`
	UpdatedAt        time.Time                   `bson:"updatedAt"`
}

// camelFields maps the column names used by statusFields to document fields.
var camelFields = map[string]string{
	"started_at":        "startedAt",
	"progress":          "progress",
	"total_records":     "totalRecords",
	"processed_records": "processedRecords",
	"result_url":        "resultUrl",
	"error":             "error",
	"completed_at":      "completedAt",
}

type mongoDataJobRepository struct {
	coll *mongo.Collection
	now  func() time.Time
}

func NewMongoDataJobRepository(db *mongo.Database) DataJobRepository {
	return &mongoDataJobRepository{
		coll: db.Collection(DataJobsCollection),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// EnsureMongoIndexes creates the indexes the list filters rely on,
// mirroring the relational schema.
func EnsureMongoIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(DataJobsCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "type", Value: 1}}},
		{Keys: bson.D{{Key: "createdAt", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("%w: create data job indexes: %w", models.ErrBackend, err)
	}
	return nil
}

func toMongoDataJob(j models.DataJob) mongoDataJob {
	return mongoDataJob{
		ID:               j.ID,
		Type:             j.Type,
		Name:             j.Name,
		Description:      j.Description,
		Collection:       j.Collection,
		Format:           j.Format,
		Query:            j.Query,
		Mappings:         j.Mappings,
		FieldTypes:       j.FieldTypes,
		SourceURL:        j.SourceURL,
		ResultURL:        j.ResultURL,
		Status:           j.Status,
		Progress:         j.Progress,
		TotalRecords:     j.TotalRecords,
		ProcessedRecords: j.ProcessedRecords,
		StartedAt:        j.StartedAt,
		CompletedAt:      j.CompletedAt,
		Error:            j.Error,
		CreatedBy:        j.CreatedBy,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
	}
}

func (d mongoDataJob) model() models.DataJob {
	utc := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		u := t.UTC()
		return &u
	}
	return models.DataJob{
		ID:               d.ID,
		Type:             d.Type,
		Name:             d.Name,
		Description:      d.Description,
		Collection:       d.Collection,
		Format:           d.Format,
		Query:            d.Query,
		Mappings:         d.Mappings,
		FieldTypes:       d.FieldTypes,
		SourceURL:        d.SourceURL,
		ResultURL:        d.ResultURL,
		Status:           d.Status,
		Progress:         d.Progress,
		TotalRecords:     d.TotalRecords,
		ProcessedRecords: d.ProcessedRecords,
		StartedAt:        utc(d.StartedAt),
		CompletedAt:      utc(d.CompletedAt),
		Error:            d.Error,
		CreatedBy:        d.CreatedBy,
		CreatedAt:        d.CreatedAt.UTC(),
		UpdatedAt:        d.UpdatedAt.UTC(),
	}
}

func (r *mongoDataJobRepository) Create(ctx context.Context, job models.DataJob) (models.DataJob, error) {
	if _, err := r.coll.InsertOne(ctx, toMongoDataJob(job)); err != nil {
		return models.DataJob{}, fmt.Errorf("insert data job: %w", err)
	}
	return job, nil
}

func (r *mongoDataJobRepository) GetByID(ctx context.Context, id string) (*models.DataJob, error) {
	var doc mongoDataJob
	err := r.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get data job %s: %w", id, err)
	}
	job := doc.model()
	return &job, nil
}

// listFilter builds the find filter of a list request.
func listFilter(opts models.ListOptions) bson.D {
	f := bson.D{}
	if opts.Type != nil {
		f = append(f, bson.E{Key: "type", Value: *opts.Type})
	}
	if opts.Status != nil {
		f = append(f, bson.E{Key: "status", Value: *opts.Status})
	}
	if opts.Collection != "" {
		f = append(f, bson.E{Key: "collection", Value: opts.Collection})
	}
	if opts.CreatedBy != "" {
		f = append(f, bson.E{Key: "createdBy", Value: opts.CreatedBy})
	}
	if opts.StartDate != nil || opts.EndDate != nil {
		rng := bson.D{}
		if opts.StartDate != nil {
			rng = append(rng, bson.E{Key: "$gte", Value: *opts.StartDate})
		}
		if opts.EndDate != nil {
			rng = append(rng, bson.E{Key: "$lte", Value: *opts.EndDate})
		}
		f = append(f, bson.E{Key: "createdAt", Value: rng})
	}
	return f
}

func (r *mongoDataJobRepository) List(ctx context.Context, opts models.ListOptions) ([]models.DataJob, int, error) {
	f := listFilter(opts)
	total, err := r.coll.CountDocuments(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("count data jobs: %w", err)
	}

	order := -1
	if opts.OrderByCreatedAt == models.SortAsc {
		order = 1
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: order}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts.SetSkip(int64(opts.Offset))
	}

	cur, err := r.coll.Find(ctx, f, findOpts)
	if err != nil {
		return nil, 0, fmt.Errorf("list data jobs: %w", err)
	}
	var docs []mongoDataJob
	if err := cur.All(ctx, &docs); err != nil {
		return nil, 0, fmt.Errorf("list data jobs: %w", err)
	}
	jobs := make([]models.DataJob, 0, len(docs))
	for _, d := range docs {
		jobs = append(jobs, d.model())
	}
	return jobs, int(total), nil
}

// statusPipeline renders the update as an aggregation pipeline so that
// startedAt can keep its first value. Values are wrapped in $literal.
func statusPipeline(status models.DataJobStatus, update models.StatusUpdate, now time.Time) mongo.Pipeline {
	literal := func(v any) bson.D { return bson.D{{Key: "$literal", Value: v}} }
	set := bson.D{
		{Key: "status", Value: literal(status)},
		{Key: "updatedAt", Value: literal(now)},
	}
	for _, f := range statusFields(status, update, now) {
		field := camelFields[f.column]
		if f.keepIfSet {
			set = append(set, bson.E{Key: field, Value: bson.D{{Key: "$ifNull", Value: bson.A{"$" + field, literal(f.value)}}}})
			continue
		}
		set = append(set, bson.E{Key: field, Value: literal(f.value)})
	}
	return mongo.Pipeline{{{Key: "$set", Value: set}}}
}

func (r *mongoDataJobRepository) UpdateStatus(ctx context.Context, id string, status models.DataJobStatus, update models.StatusUpdate) (*models.DataJob, error) {
	filter := bson.D{
		{Key: "_id", Value: id},
		{Key: "status", Value: bson.D{{Key: "$in", Value: models.PredecessorsFor(status, update)}}},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc mongoDataJob
	err := r.coll.FindOneAndUpdate(ctx, filter, statusPipeline(status, update, r.now()), opts).Decode(&doc)
	if err == nil {
		job := doc.model()
		return &job, nil
	}
	if err != mongo.ErrNoDocuments {
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

func (r *mongoDataJobRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}}); err != nil {
		return fmt.Errorf("delete data job %s: %w", id, err)
	}
	return nil
}
