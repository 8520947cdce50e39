package mongostore

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/stanstork/stratum-exchange/internal/filter"
	"github.com/stanstork/stratum-exchange/internal/store"
)

var comparison = map[filter.Operator]string{
	filter.OpEqual:            "$eq",
	filter.OpNotEqual:         "$ne",
	filter.OpGreater:          "$gt",
	filter.OpGreaterOrEqual:   "$gte",
	filter.OpLess:             "$lt",
	filter.OpLessOrEqual:      "$lte",
	filter.OpArrayContainsAny: "$in",
	filter.OpIn:               "$in",
	filter.OpNotIn:            "$nin",
}

// Translate builds a find filter from predicates. Every operator is
// supported; the predicates are ANDed. A predicate on "id" targets _id.
func Translate(preds []filter.Predicate) (bson.D, error) {
	q := bson.D{}
	for _, p := range preds {
		field, value := p.Field, p.Value
		if field == "id" {
			field = "_id"
			value = idValue(value)
		}
		if p.Operator == filter.OpArrayContains {
			q = append(q, bson.E{Key: field, Value: value})
			continue
		}
		op, ok := comparison[p.Operator]
		if !ok {
			return nil, fmt.Errorf("%w: %s", store.ErrUnsupportedOperator, p.Operator)
		}
		if p.Operator.TakesList() {
			list, ok := filter.AsList(value)
			if !ok {
				return nil, fmt.Errorf("operator %s on %s needs an array value", p.Operator, p.Field)
			}
			value = bson.A(list)
		}
		q = append(q, bson.E{Key: field, Value: bson.D{{Key: op, Value: value}}})
	}
	return q, nil
}

func idValue(v any) any {
	switch t := v.(type) {
	case string:
		return documentID(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = idValue(e)
		}
		return out
	}
	return v
}
