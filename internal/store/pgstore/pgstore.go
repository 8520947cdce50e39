// Package pgstore implements store.Backend over PostgreSQL tables. Each
// collection is a table with an "id" primary key; record keys are column
// names.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/stanstork/stratum-exchange/internal/filter"
	"github.com/stanstork/stratum-exchange/internal/models"
	"github.com/stanstork/stratum-exchange/internal/store"
)

// maxParams is the bind parameter limit of one PostgreSQL statement.
const maxParams = 65535

type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

var _ store.Backend = (*Store)(nil)

func New(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{db: db, logger: logger.With().Str("component", "pgstore").Logger()}
}

func (s *Store) Name() string { return "postgres" }

// BatchLimit is zero: an import is written by one WriteBatch call.
func (s *Store) BatchLimit() int { return 0 }

func (s *Store) Query(ctx context.Context, collection string, preds []filter.Predicate) ([]store.Document, error) {
	where, args, err := Translate(preds)
	if err != nil {
		return nil, err
	}
	query := "SELECT * FROM " + pq.QuoteIdentifier(collection) + where

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query %s: %w", models.ErrBackend, collection, err)
	}
	defer rows.Close()

	docs, err := scanDocuments(rows)
	if err != nil {
		return nil, fmt.Errorf("%w: scan %s: %w", models.ErrBackend, collection, err)
	}
	return docs, nil
}

// WriteBatch writes all records in one transaction. Records with an id are
// upserted on the id column; the rest are inserted and receive the column
// default. Keys missing from a record are written as DEFAULT. When several
// records share an id, the last one wins.
func (s *Store) WriteBatch(ctx context.Context, collection string, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}

	var withID, withoutID []models.Record
	for _, rec := range records {
		if store.IDString(rec["id"]) != "" {
			withID = append(withID, rec)
		} else {
			withoutID = append(withoutID, rec)
		}
	}

	stmts := make([]statement, 0, 2)
	stmts = append(stmts, buildInserts(collection, lastByID(withID), true)...)
	stmts = append(stmts, buildInserts(collection, withoutID, false)...)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", models.ErrBackend, err)
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%w: write %s: %w", models.ErrBackend, collection, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit %s: %w", models.ErrBackend, collection, err)
	}
	s.logger.Debug().Str("collection", collection).Int("records", len(records)).Int("statements", len(stmts)).Msg("batch committed")
	return nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (*store.Document, error) {
	query := "SELECT * FROM " + pq.QuoteIdentifier(collection) + ` WHERE "id" = $1`
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("%w: get %s/%s: %w", models.ErrBackend, collection, id, err)
	}
	defer rows.Close()

	docs, err := scanDocuments(rows)
	if err != nil {
		return nil, fmt.Errorf("%w: scan %s/%s: %w", models.ErrBackend, collection, id, err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return &docs[0], nil
}

func (s *Store) Insert(ctx context.Context, collection string, fields models.Record) (string, error) {
	_, body := store.SplitID(fields)
	cols := sortedKeys(body)
	if len(cols) == 0 {
		var id string
		query := "INSERT INTO " + pq.QuoteIdentifier(collection) + ` DEFAULT VALUES RETURNING "id"`
		if err := s.db.QueryRowContext(ctx, query).Scan(&id); err != nil {
			return "", fmt.Errorf("%w: insert into %s: %w", models.ErrBackend, collection, err)
		}
		return id, nil
	}

	args := make([]any, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		args[i] = bindValue(body[c])
		marks[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING \"id\"",
		pq.QuoteIdentifier(collection), quoteAll(cols), strings.Join(marks, ", "))

	var id string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return "", fmt.Errorf("%w: insert into %s: %w", models.ErrBackend, collection, err)
	}
	return id, nil
}

func (s *Store) Update(ctx context.Context, collection, id string, fields models.Record) error {
	_, body := store.SplitID(fields)
	cols := sortedKeys(body)
	if len(cols) == 0 {
		return nil
	}
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(c), i+1)
		args = append(args, bindValue(body[c]))
	}
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE "id" = $%d`,
		pq.QuoteIdentifier(collection), strings.Join(sets, ", "), len(args))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: update %s/%s: %w", models.ErrBackend, collection, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s/%s", models.ErrNotFound, collection, id)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	query := "DELETE FROM " + pq.QuoteIdentifier(collection) + ` WHERE "id" = $1`
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("%w: delete %s/%s: %w", models.ErrBackend, collection, id, err)
	}
	return nil
}

// lastByID drops every record whose id appears again later in records.
// PostgreSQL rejects an ON CONFLICT DO UPDATE that touches the same row twice.
func lastByID(records []models.Record) []models.Record {
	last := make(map[string]int, len(records))
	for i, rec := range records {
		last[store.IDString(rec["id"])] = i
	}
	if len(last) == len(records) {
		return records
	}
	out := make([]models.Record, 0, len(last))
	for i, rec := range records {
		if last[store.IDString(rec["id"])] == i {
			out = append(out, rec)
		}
	}
	return out
}

type statement struct {
	query string
	args  []any
}

// buildInserts renders multi-row INSERT statements for records sharing the
// same id presence, split so no statement exceeds maxParams.
func buildInserts(collection string, records []models.Record, upsert bool) []statement {
	if len(records) == 0 {
		return nil
	}
	cols := columnUnion(records, upsert)
	perRow := len(cols)
	if perRow == 0 {
		perRow = 1
	}
	rowsPerStmt := maxParams / perRow

	var stmts []statement
	for start := 0; start < len(records); start += rowsPerStmt {
		end := min(start+rowsPerStmt, len(records))
		stmts = append(stmts, renderInsert(collection, cols, records[start:end], upsert))
	}
	return stmts
}

func renderInsert(collection string, cols []string, records []models.Record, upsert bool) statement {
	var b strings.Builder
	if len(cols) == 0 {
		// empty records: one DEFAULT VALUES row each
		for i := range records {
			if i > 0 {
				b.WriteString("; ")
			}
			b.WriteString("INSERT INTO " + pq.QuoteIdentifier(collection) + " DEFAULT VALUES")
		}
		return statement{query: b.String()}
	}

	args := make([]any, 0, len(records)*len(cols))
	b.WriteString("INSERT INTO ")
	b.WriteString(pq.QuoteIdentifier(collection))
	b.WriteString(" (")
	b.WriteString(quoteAll(cols))
	b.WriteString(") VALUES ")

	for i, rec := range records {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j, c := range cols {
			if j > 0 {
				b.WriteString(", ")
			}
			v, ok := rec[c]
			if !ok {
				b.WriteString("DEFAULT")
				continue
			}
			if c == "id" {
				v = store.IDString(v)
			}
			args = append(args, bindValue(v))
			fmt.Fprintf(&b, "$%d", len(args))
		}
		b.WriteByte(')')
	}

	if upsert {
		b.WriteString(` ON CONFLICT ("id") DO `)
		updates := make([]string, 0, len(cols))
		for _, c := range cols {
			if c == "id" {
				continue
			}
			q := pq.QuoteIdentifier(c)
			updates = append(updates, q+" = EXCLUDED."+q)
		}
		if len(updates) == 0 {
			b.WriteString("NOTHING")
		} else {
			b.WriteString("UPDATE SET ")
			b.WriteString(strings.Join(updates, ", "))
		}
	}
	return statement{query: b.String(), args: args}
}

// columnUnion returns the sorted union of record keys. The id column is
// included only for upserts.
func columnUnion(records []models.Record, withID bool) []string {
	seen := make(map[string]struct{})
	for _, rec := range records {
		for k := range rec {
			if k == "id" && !withID {
				continue
			}
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

func sortedKeys(rec models.Record) []string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func quoteAll(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pq.QuoteIdentifier(c)
	}
	return strings.Join(quoted, ", ")
}

// bindValue converts nested values to JSON for json/jsonb columns.
func bindValue(v any) any {
	switch v.(type) {
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
	return v
}

func scanDocuments(rows *sql.Rows) ([]store.Document, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var docs []store.Document
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		doc := store.Document{Fields: make(models.Record, len(cols))}
		for i, c := range cols {
			v := normalize(values[i])
			if c == "id" {
				if v != nil {
					doc.ID = fmt.Sprint(v)
				}
				continue
			}
			doc.Fields[c] = v
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func normalize(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC()
	}
	return v
}
