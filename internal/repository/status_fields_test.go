package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/stanstork/stratum-exchange/internal/models"
)

func columns(fields []statusField) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.column
	}
	return out
}

func TestStatusFields_ResetRun(t *testing.T) {
	now := time.Now().UTC()
	fields := statusFields(models.DataJobStatusProcessing, models.StatusUpdate{ResetRun: true}, now)

	assert.Equal(t, []string{"started_at", "progress", "total_records", "processed_records", "result_url", "error", "completed_at"}, columns(fields))
	assert.True(t, fields[0].keepIfSet)
	assert.Equal(t, 0, fields[1].value)
	assert.Nil(t, fields[2].value)
	assert.Equal(t, int64(0), fields[3].value)
	assert.Nil(t, fields[6].value)
}

func TestStatusFields_Terminal(t *testing.T) {
	now := time.Now().UTC()
	msg := "boom"
	fields := statusFields(models.DataJobStatusFailed, models.StatusUpdate{Error: &msg}, now)

	assert.Equal(t, []string{"error", "completed_at"}, columns(fields))
	assert.Equal(t, "boom", fields[0].value)
	assert.Equal(t, now, fields[1].value)
}

func TestStatusPipeline_KeepsFirstStartedAt(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := statusPipeline(models.DataJobStatusProcessing, models.StatusUpdate{}, now)

	assert.Equal(t, bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: bson.D{{Key: "$literal", Value: models.DataJobStatusProcessing}}},
		{Key: "updatedAt", Value: bson.D{{Key: "$literal", Value: now}}},
		{Key: "startedAt", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$startedAt", bson.D{{Key: "$literal", Value: now}}}}}},
	}}}, p[0])
}

func TestListFilter(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	typ := models.DataJobTypeImport

	f := listFilter(models.ListOptions{Type: &typ, CreatedBy: "u1", StartDate: &start})
	assert.Equal(t, bson.D{
		{Key: "type", Value: models.DataJobTypeImport},
		{Key: "createdBy", Value: "u1"},
		{Key: "createdAt", Value: bson.D{{Key: "$gte", Value: start}}},
	}, f)
}

func TestMongoDataJob_CamelCaseFields(t *testing.T) {
	total := int64(3)
	raw, err := bson.Marshal(toMongoDataJob(models.DataJob{
		ID:           "j1",
		FieldTypes:   map[string]models.FieldType{"at": models.FieldTypeTimestamp},
		TotalRecords: &total,
		CreatedBy:    "u1",
	}))
	assert.NoError(t, err)

	var m bson.M
	assert.NoError(t, bson.Unmarshal(raw, &m))
	for _, key := range []string{"_id", "fieldTypes", "totalRecords", "processedRecords", "createdBy", "createdAt", "resultUrl"} {
		assert.Contains(t, m, key)
	}
	assert.NotContains(t, m, "created_by")
}
