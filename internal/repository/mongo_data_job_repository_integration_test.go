package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/stanstork/stratum-exchange/internal/models"
	"github.com/stanstork/stratum-exchange/internal/repository"
)

func TestMongoDataJobRepository_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := mongodb.Run(ctx, "mongo:7")
	if err != nil {
		t.Skipf("mongo container unavailable: %v", err)
	}
	defer func() { _ = container.Terminate(ctx) }()

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	defer func() { _ = client.Disconnect(ctx) }()

	require.NoError(t, repository.EnsureMongoIndexes(ctx, client.Database("exchange_test")))
	repo := repository.NewMongoDataJobRepository(client.Database("exchange_test"))
	now := time.Now().UTC().Truncate(time.Millisecond)

	for i, id := range []string{"a", "b", "c"} {
		_, err := repo.Create(ctx, models.DataJob{
			ID:         id,
			Type:       models.DataJobTypeExport,
			Name:       "job " + id,
			Collection: "users",
			Format:     models.DataFormatJSON,
			Status:     models.DataJobStatusPending,
			CreatedBy:  "u1",
			CreatedAt:  now.Add(time.Duration(i) * time.Second),
			UpdatedAt:  now.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	jobs, total, err := repo.List(ctx, models.ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, jobs, 2)
	assert.Equal(t, "c", jobs[0].ID)

	job, err := repo.UpdateStatus(ctx, "a", models.DataJobStatusProcessing, models.StatusUpdate{})
	require.NoError(t, err)
	require.NotNil(t, job.StartedAt)
	started := *job.StartedAt

	processed := int64(5)
	job, err = repo.UpdateStatus(ctx, "a", models.DataJobStatusProcessing, models.StatusUpdate{ProcessedRecords: &processed})
	require.NoError(t, err)
	assert.Equal(t, started, *job.StartedAt)
	assert.Equal(t, int64(5), job.ProcessedRecords)

	job, err = repo.UpdateStatus(ctx, "a", models.DataJobStatusCancelled, models.StatusUpdate{})
	require.NoError(t, err)
	assert.NotNil(t, job.CompletedAt)

	_, err = repo.UpdateStatus(ctx, "a", models.DataJobStatusProcessing, models.StatusUpdate{})
	assert.True(t, errors.Is(err, models.ErrPrecondition))

	job, err = repo.UpdateStatus(ctx, "missing", models.DataJobStatusCancelled, models.StatusUpdate{})
	assert.NoError(t, err)
	assert.Nil(t, job)

	_, err = repo.UpdateStatus(ctx, "b", models.DataJobStatusProcessing, models.StatusUpdate{Start: true, ResetRun: true})
	require.NoError(t, err)
	_, err = repo.UpdateStatus(ctx, "b", models.DataJobStatusProcessing, models.StatusUpdate{Start: true, ResetRun: true})
	assert.ErrorIs(t, err, models.ErrPrecondition)

	require.NoError(t, repo.Delete(ctx, "a"))
	job, err = repo.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, job)
}
