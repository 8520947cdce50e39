// Package filter parses the backend-neutral query description stored on a
// data job. A query maps a field name either to a literal, meaning equality,
// or to an {"operator", "value"} object. Fields are combined with AND.
package filter

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/stanstork/stratum-exchange/internal/models"
)

type Operator string

const (
	OpEqual            Operator = "=="
	OpNotEqual         Operator = "!="
	OpGreater          Operator = ">"
	OpGreaterOrEqual   Operator = ">="
	OpLess             Operator = "<"
	OpLessOrEqual      Operator = "<="
	OpArrayContains    Operator = "array-contains"
	OpArrayContainsAny Operator = "array-contains-any"
	OpIn               Operator = "in"
	OpNotIn            Operator = "not-in"
)

var operators = map[Operator]bool{
	OpEqual:            false,
	OpNotEqual:         false,
	OpGreater:          false,
	OpGreaterOrEqual:   false,
	OpLess:             false,
	OpLessOrEqual:      false,
	OpArrayContains:    false,
	OpArrayContainsAny: true,
	OpIn:               true,
	OpNotIn:            true,
}

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	_, ok := operators[op]
	return ok
}

// TakesList reports whether op compares against a list of values.
func (op Operator) TakesList() bool {
	return operators[op]
}

type Predicate struct {
	Field    string
	Operator Operator
	Value    any
}

// Parse converts a query into predicates ordered by field name. A nil or
// empty query yields no predicates.
func Parse(query map[string]any) ([]Predicate, error) {
	if len(query) == 0 {
		return nil, nil
	}
	fields := make([]string, 0, len(query))
	for f := range query {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	preds := make([]Predicate, 0, len(fields))
	for _, field := range fields {
		if field == "" {
			return nil, fmt.Errorf("%w: query has an empty field name", models.ErrValidation)
		}
		p, err := parseField(field, query[field])
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, nil
}

func parseField(field string, raw any) (Predicate, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return Predicate{Field: field, Operator: OpEqual, Value: raw}, nil
	}
	opRaw, hasOp := obj["operator"]
	value, hasValue := obj["value"]
	if !hasOp || !hasValue || len(obj) != 2 {
		return Predicate{}, fmt.Errorf("%w: field %s: predicate must be {operator, value}", models.ErrValidation, field)
	}
	opStr, ok := opRaw.(string)
	if !ok {
		return Predicate{}, fmt.Errorf("%w: field %s: operator must be a string", models.ErrValidation, field)
	}
	op := Operator(opStr)
	if !op.Valid() {
		return Predicate{}, fmt.Errorf("%w: field %s: unknown operator %q", models.ErrValidation, field, opStr)
	}
	if op.TakesList() {
		list, ok := AsList(value)
		if !ok {
			return Predicate{}, fmt.Errorf("%w: field %s: operator %s needs an array value", models.ErrValidation, field, op)
		}
		value = list
	}
	return Predicate{Field: field, Operator: op, Value: value}, nil
}

// AsList returns v as []any when it is a slice or array.
func AsList(v any) ([]any, bool) {
	if l, ok := v.([]any); ok {
		return l, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
