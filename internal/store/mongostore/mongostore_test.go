package mongostore_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/stanstork/stratum-exchange/internal/filter"
	"github.com/stanstork/stratum-exchange/internal/models"
	"github.com/stanstork/stratum-exchange/internal/store"
	"github.com/stanstork/stratum-exchange/internal/store/mongostore"
)

func TestTranslate(t *testing.T) {
	oid := primitive.NewObjectID()
	preds := []filter.Predicate{
		{Field: "age", Operator: filter.OpGreaterOrEqual, Value: 18},
		{Field: "id", Operator: filter.OpEqual, Value: oid.Hex()},
		{Field: "role", Operator: filter.OpNotIn, Value: []any{"bot"}},
		{Field: "tags", Operator: filter.OpArrayContains, Value: "go"},
	}

	q, err := mongostore.Translate(preds)
	require.NoError(t, err)
	assert.Equal(t, bson.D{
		{Key: "age", Value: bson.D{{Key: "$gte", Value: 18}}},
		{Key: "_id", Value: bson.D{{Key: "$eq", Value: oid}}},
		{Key: "role", Value: bson.D{{Key: "$nin", Value: bson.A{"bot"}}}},
		{Key: "tags", Value: "go"},
	}, q)
}

func TestTranslate_AllOperators(t *testing.T) {
	ops := []filter.Operator{
		filter.OpEqual, filter.OpNotEqual, filter.OpGreater, filter.OpGreaterOrEqual,
		filter.OpLess, filter.OpLessOrEqual, filter.OpArrayContains,
		filter.OpArrayContainsAny, filter.OpIn, filter.OpNotIn,
	}
	for _, op := range ops {
		var v any = 1
		if op.TakesList() {
			v = []any{1}
		}
		_, err := mongostore.Translate([]filter.Predicate{{Field: "f", Operator: op, Value: v}})
		assert.NoError(t, err, string(op))
	}
}

func TestTranslate_Empty(t *testing.T) {
	q, err := mongostore.Translate(nil)
	require.NoError(t, err)
	assert.Equal(t, bson.D{}, q)
}

func TestWriteModels(t *testing.T) {
	writes := mongostore.WriteModels([]models.Record{
		{"id": "u1", "name": "Ana"},
		{"name": "Bob"},
	})
	require.Len(t, writes, 2)

	upsert, ok := writes[0].(*mongo.ReplaceOneModel)
	require.True(t, ok)
	assert.Equal(t, bson.D{{Key: "_id", Value: "u1"}}, upsert.Filter)
	assert.Equal(t, models.Record{"name": "Ana"}, upsert.Replacement)
	require.NotNil(t, upsert.Upsert)
	assert.True(t, *upsert.Upsert)

	insert, ok := writes[1].(*mongo.InsertOneModel)
	require.True(t, ok)
	assert.Equal(t, models.Record{"name": "Bob"}, insert.Document)
}

func TestNormalize(t *testing.T) {
	at := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	oid := primitive.NewObjectID()
	got := mongostore.Normalize(bson.M{
		"at":    primitive.NewDateTimeFromTime(at),
		"ref":   oid,
		"items": bson.A{bson.M{"at": primitive.NewDateTimeFromTime(at)}},
	})
	assert.Equal(t, map[string]any{
		"at":    at,
		"ref":   oid.Hex(),
		"items": []any{map[string]any{"at": at}},
	}, got)
}

func TestStore_Integration(t *testing.T) {
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
	client, err := mongostore.Connect(ctx, uri)
	require.NoError(t, err)
	defer func() { _ = client.Disconnect(ctx) }()

	s := mongostore.New(client, "exchange_test", mongostore.Options{}, zerolog.Nop())
	assert.Equal(t, mongostore.DefaultBatchLimit, s.BatchLimit())

	at := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	require.NoError(t, s.WriteBatch(ctx, "users", []models.Record{
		{"id": "u1", "name": "Ana", "age": int64(30), "joined": at},
		{"name": "Bob", "age": int64(17)},
	}))
	// upsert at an existing id replaces the document
	require.NoError(t, s.WriteBatch(ctx, "users", []models.Record{
		{"id": "u1", "name": "Ana B", "age": int64(31), "joined": at},
	}))

	all, err := s.Query(ctx, "users", nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	adults, err := s.Query(ctx, "users", []filter.Predicate{{Field: "age", Operator: filter.OpGreaterOrEqual, Value: 18}})
	require.NoError(t, err)
	require.Len(t, adults, 1)
	assert.Equal(t, "u1", adults[0].ID)
	assert.Equal(t, "Ana B", adults[0].Fields["name"])
	assert.Equal(t, at, adults[0].Fields["joined"])

	id, err := s.Insert(ctx, "users", models.Record{"name": "Cy"})
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, "users", id, models.Record{"age": int64(50)}))
	doc, err := s.Get(ctx, "users", id)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, int64(50), doc.Fields["age"])

	require.NoError(t, s.Delete(ctx, "users", id))
	doc, err = s.Get(ctx, "users", id)
	require.NoError(t, err)
	assert.Nil(t, doc)

	var _ store.Backend = s
}
