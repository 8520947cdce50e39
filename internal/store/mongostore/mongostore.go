// Package mongostore implements store.Backend over MongoDB collections.
package mongostore

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/stanstork/stratum-exchange/internal/filter"
	"github.com/stanstork/stratum-exchange/internal/models"
	"github.com/stanstork/stratum-exchange/internal/store"
)

// DefaultBatchLimit is the number of write operations sent in one bulk write.
const DefaultBatchLimit = 500

type Options struct {
	BatchLimit int
	// Transactional runs every WriteBatch inside a multi-document
	// transaction. Requires a replica set.
	Transactional bool
}

type Store struct {
	client *mongo.Client
	db     *mongo.Database
	opts   Options
	logger zerolog.Logger
}

var _ store.Backend = (*Store)(nil)

// Connect dials uri and pings the server before returning.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

func New(client *mongo.Client, database string, opts Options, logger zerolog.Logger) *Store {
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = DefaultBatchLimit
	}
	return &Store{
		client: client,
		db:     client.Database(database),
		opts:   opts,
		logger: logger.With().Str("component", "mongostore").Logger(),
	}
}

func (s *Store) Name() string { return "mongo" }

func (s *Store) BatchLimit() int { return s.opts.BatchLimit }

func (s *Store) Query(ctx context.Context, collection string, preds []filter.Predicate) ([]store.Document, error) {
	q, err := Translate(preds)
	if err != nil {
		return nil, err
	}
	cur, err := s.db.Collection(collection).Find(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: find in %s: %w", models.ErrBackend, collection, err)
	}
	var raw []bson.M
	if err := cur.All(ctx, &raw); err != nil {
		return nil, fmt.Errorf("%w: read cursor of %s: %w", models.ErrBackend, collection, err)
	}
	docs := make([]store.Document, 0, len(raw))
	for _, m := range raw {
		docs = append(docs, toDocument(m))
	}
	return docs, nil
}

func (s *Store) WriteBatch(ctx context.Context, collection string, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}
	if len(records) > s.opts.BatchLimit {
		return fmt.Errorf("%w: batch of %d exceeds limit %d", models.ErrBackend, len(records), s.opts.BatchLimit)
	}
	writes := WriteModels(records)
	coll := s.db.Collection(collection)
	bulk := func(ctx context.Context) error {
		_, err := coll.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(true))
		return err
	}

	var err error
	if s.opts.Transactional {
		err = s.client.UseSession(ctx, func(sc mongo.SessionContext) error {
			_, txErr := sc.WithTransaction(sc, func(tc mongo.SessionContext) (any, error) {
				return nil, bulk(tc)
			})
			return txErr
		})
	} else {
		err = bulk(ctx)
	}
	if err != nil {
		return fmt.Errorf("%w: bulk write to %s: %w", models.ErrBackend, collection, err)
	}
	s.logger.Debug().Str("collection", collection).Int("records", len(records)).Msg("batch committed")
	return nil
}

// WriteModels turns records into bulk write operations: a replace-upsert on
// _id for records with an id, an insert otherwise.
func WriteModels(records []models.Record) []mongo.WriteModel {
	writes := make([]mongo.WriteModel, 0, len(records))
	for _, rec := range records {
		id, fields := store.SplitID(rec)
		if id == "" {
			writes = append(writes, mongo.NewInsertOneModel().SetDocument(fields))
			continue
		}
		writes = append(writes, mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "_id", Value: documentID(id)}}).
			SetReplacement(fields).
			SetUpsert(true))
	}
	return writes
}

func (s *Store) Get(ctx context.Context, collection, id string) (*store.Document, error) {
	var m bson.M
	err := s.db.Collection(collection).FindOne(ctx, bson.D{{Key: "_id", Value: documentID(id)}}).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s/%s: %w", models.ErrBackend, collection, id, err)
	}
	doc := toDocument(m)
	return &doc, nil
}

func (s *Store) Insert(ctx context.Context, collection string, fields models.Record) (string, error) {
	_, body := store.SplitID(fields)
	res, err := s.db.Collection(collection).InsertOne(ctx, body)
	if err != nil {
		return "", fmt.Errorf("%w: insert into %s: %w", models.ErrBackend, collection, err)
	}
	return idString(res.InsertedID), nil
}

func (s *Store) Update(ctx context.Context, collection, id string, fields models.Record) error {
	_, body := store.SplitID(fields)
	res, err := s.db.Collection(collection).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: documentID(id)}},
		bson.D{{Key: "$set", Value: body}},
	)
	if err != nil {
		return fmt.Errorf("%w: update %s/%s: %w", models.ErrBackend, collection, id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s/%s", models.ErrNotFound, collection, id)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	_, err := s.db.Collection(collection).DeleteOne(ctx, bson.D{{Key: "_id", Value: documentID(id)}})
	if err != nil {
		return fmt.Errorf("%w: delete %s/%s: %w", models.ErrBackend, collection, id, err)
	}
	return nil
}

// documentID restores an ObjectID from its hex form so exported ids import
// back onto the same _id type.
func documentID(id string) any {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return oid
	}
	return id
}

func idString(v any) string {
	if oid, ok := v.(primitive.ObjectID); ok {
		return oid.Hex()
	}
	return fmt.Sprint(v)
}

func toDocument(m bson.M) store.Document {
	doc := store.Document{Fields: make(models.Record, len(m))}
	for k, v := range m {
		if k == "_id" {
			doc.ID = idString(v)
			continue
		}
		doc.Fields[k] = Normalize(v)
	}
	return doc
}

// Normalize converts driver-native values to plain Go values: dates to
// time.Time, ObjectIDs to hex strings, embedded documents to maps.
func Normalize(v any) any {
	switch t := v.(type) {
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.Timestamp:
		return primitive.DateTime(int64(t.T) * 1000).Time().UTC()
	case primitive.ObjectID:
		return t.Hex()
	case primitive.Decimal128:
		return t.String()
	case bson.M:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Normalize(e)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = Normalize(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Normalize(e)
		}
		return out
	}
	return v
}
