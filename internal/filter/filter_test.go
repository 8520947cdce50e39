package filter_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/stratum-exchange/internal/filter"
	"github.com/stanstork/stratum-exchange/internal/models"
)

func TestParse(t *testing.T) {
	preds, err := filter.Parse(map[string]any{
		"status": "active",
		"age":    map[string]any{"operator": ">=", "value": 18},
		"tags":   map[string]any{"operator": "array-contains-any", "value": []string{"a", "b"}},
		"owner":  nil,
	})
	require.NoError(t, err)
	assert.Equal(t, []filter.Predicate{
		{Field: "age", Operator: filter.OpGreaterOrEqual, Value: 18},
		{Field: "owner", Operator: filter.OpEqual, Value: nil},
		{Field: "status", Operator: filter.OpEqual, Value: "active"},
		{Field: "tags", Operator: filter.OpArrayContainsAny, Value: []any{"a", "b"}},
	}, preds)
}

func TestParse_Empty(t *testing.T) {
	preds, err := filter.Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, preds)
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]map[string]any{
		"unknown operator":  {"a": map[string]any{"operator": "like", "value": "x"}},
		"operator not text": {"a": map[string]any{"operator": 1, "value": "x"}},
		"missing value":     {"a": map[string]any{"operator": "=="}},
		"extra keys":        {"a": map[string]any{"operator": "==", "value": 1, "x": 2}},
		"in without array":  {"a": map[string]any{"operator": "in", "value": "x"}},
		"not-in with bytes": {"a": map[string]any{"operator": "not-in", "value": []byte("x")}},
		"empty field name":  {"": "x"},
	}
	for name, query := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := filter.Parse(query)
			assert.True(t, errors.Is(err, models.ErrValidation), "got %v", err)
		})
	}
}

func TestOperatorTakesList(t *testing.T) {
	assert.True(t, filter.OpIn.TakesList())
	assert.True(t, filter.OpNotIn.TakesList())
	assert.True(t, filter.OpArrayContainsAny.TakesList())
	assert.False(t, filter.OpArrayContains.TakesList())
	assert.False(t, filter.OpEqual.TakesList())
}
