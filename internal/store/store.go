// Package store defines the record storage surface the data job engine
// reads exports from and writes imports into.
package store

import (
	"context"
	"fmt"

	"github.com/stanstork/stratum-exchange/internal/filter"
	"github.com/stanstork/stratum-exchange/internal/models"
)

// ErrUnsupportedOperator is returned when a backend cannot express a filter
// operator. It is a backend error.
var ErrUnsupportedOperator = fmt.Errorf("%w: filter operator not supported", models.ErrBackend)

// Document is one stored record with its backend-assigned identifier kept
// apart from its fields.
type Document struct {
	ID     string
	Fields models.Record
}

// Backend is implemented by every record store. The engine never branches on
// the concrete implementation.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string

	// BatchLimit is the largest number of records WriteBatch accepts in one
	// call. Zero means a single call may carry every record.
	BatchLimit() int

	// Query returns every document of collection matching all predicates.
	Query(ctx context.Context, collection string, preds []filter.Predicate) ([]Document, error)

	// WriteBatch writes records atomically. A record carrying an "id" key is
	// upserted at that id, any other record is inserted under a new id.
	WriteBatch(ctx context.Context, collection string, records []models.Record) error

	Get(ctx context.Context, collection, id string) (*Document, error)
	Insert(ctx context.Context, collection string, fields models.Record) (string, error)
	Update(ctx context.Context, collection, id string, fields models.Record) error
	Delete(ctx context.Context, collection, id string) error
}

// SplitID removes the "id" key from a record and returns it as a string.
// The input is not modified.
func SplitID(rec models.Record) (string, models.Record) {
	fields := make(models.Record, len(rec))
	var id string
	for k, v := range rec {
		if k == "id" {
			id = IDString(v)
			continue
		}
		fields[k] = v
	}
	return id, fields
}

// IDString renders an identifier value as text.
func IDString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case interface{ String() string }:
		return t.String()
	}
	return fmt.Sprint(v)
}
