package pgstore

import (
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/stanstork/stratum-exchange/internal/filter"
	"github.com/stanstork/stratum-exchange/internal/store"
)

// Translate renders predicates as a WHERE clause with positional arguments.
// Only equality is supported; a nil value compares with IS NULL.
//
// TODO: the other filter operators map directly onto SQL comparisons and
// ANY/ALL; they are rejected until range exports on tables are needed.
func Translate(preds []filter.Predicate) (string, []any, error) {
	if len(preds) == 0 {
		return "", nil, nil
	}
	conds := make([]string, 0, len(preds))
	var args []any
	for _, p := range preds {
		if p.Operator != filter.OpEqual {
			return "", nil, fmt.Errorf("%w: %s on %s", store.ErrUnsupportedOperator, p.Operator, p.Field)
		}
		col := pq.QuoteIdentifier(p.Field)
		if p.Value == nil {
			conds = append(conds, col+" IS NULL")
			continue
		}
		args = append(args, bindValue(p.Value))
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}
