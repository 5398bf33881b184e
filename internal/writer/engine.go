// Package writer inserts classified records into tenant tables, either as a
// single multi-row append or as per-record upserts keyed on the table's
// primary key.
package writer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/classifier"
	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/schema"
)

// Mode selects the write strategy.
type Mode string

const (
	ModeAppend Mode = "append"
	ModeUpsert Mode = "upsert"
)

// ParseMode validates a configured mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeAppend:
		return ModeAppend, nil
	case ModeUpsert:
		return ModeUpsert, nil
	}
	return "", fmt.Errorf("unknown write mode %q", s)
}

var (
	ErrEmptyBatch     = errors.New("no records to write")
	ErrColumnMismatch = errors.New("record columns differ from the first record of the batch")
)

// WriteError wraps any failure while writing a batch.
type WriteError struct {
	Table string
	Mode  Mode
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write %s (%s): %v", e.Table, e.Mode, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Outcome is what a successful write returns.
type Outcome struct {
	InsertedCount int              `json:"insertedCount"`
	Rows          []map[string]any `json:"rows"`
}

// KeyProvisioner is the part of the schema provisioner upserts depend on.
type KeyProvisioner interface {
	EnsurePrimaryKey(ctx context.Context, q schema.Querier, target schema.Target) (keys []string, added bool, err error)
}

// Engine writes record batches with one fixed mode.
type Engine struct {
	mode   Mode
	keys   KeyProvisioner
	newID  func() uuid.UUID
	logger *zap.Logger
}

// NewEngine builds an engine. keys is only used in upsert mode.
func NewEngine(mode Mode, keys KeyProvisioner, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{mode: mode, keys: keys, newID: uuid.New, logger: logger}
}

// Mode returns the engine's write strategy.
func (e *Engine) Mode() Mode { return e.mode }

// Write stores records in target using the engine's mode.
func (e *Engine) Write(ctx context.Context, q schema.Querier, target schema.Target, records []classifier.Fields) (*Outcome, error) {
	if e.mode == ModeUpsert {
		return e.Upsert(ctx, q, target, records)
	}
	return e.Append(ctx, q, target, records)
}

// Append inserts every record with one multi-row INSERT ... RETURNING *.
func (e *Engine) Append(ctx context.Context, q schema.Querier, target schema.Target, records []classifier.Fields) (*Outcome, error) {
	fail := func(err error) (*Outcome, error) {
		return nil, &WriteError{Table: target.String(), Mode: ModeAppend, Err: err}
	}

	query, args, err := buildAppend(target, records)
	if err != nil {
		return fail(err)
	}
	rows, err := queryRows(ctx, q, query, args)
	if err != nil {
		return fail(err)
	}
	e.logger.Debug("appended records", zap.Stringer("table", target), zap.Int("rows", len(rows)))
	return &Outcome{InsertedCount: len(rows), Rows: rows}, nil
}

// Upsert writes records one at a time. Tables with a primary key get
// INSERT ... ON CONFLICT DO UPDATE; tables without one first get a generated
// id key and a plain insert.
func (e *Engine) Upsert(ctx context.Context, q schema.Querier, target schema.Target, records []classifier.Fields) (*Outcome, error) {
	fail := func(err error) (*Outcome, error) {
		return nil, &WriteError{Table: target.String(), Mode: ModeUpsert, Err: err}
	}
	if err := validateBatch(target, records); err != nil {
		return fail(err)
	}
	if e.keys == nil {
		return fail(errors.New("upsert mode requires a key provisioner"))
	}

	out := &Outcome{Rows: []map[string]any{}}
	for _, rec := range records {
		keys, provisioned, err := e.keys.EnsurePrimaryKey(ctx, q, target)
		if err != nil {
			return fail(err)
		}
		rec = e.withGeneratedID(rec, keys)

		var query string
		var args []any
		if provisioned {
			query, args, err = buildInsert(target, rec)
		} else {
			query, args, err = buildUpsert(target, rec, keys)
		}
		if err != nil {
			return fail(err)
		}

		rows, err := queryRows(ctx, q, query, args)
		if err != nil {
			return fail(err)
		}
		out.Rows = append(out.Rows, rows...)
		out.InsertedCount += len(rows)
	}
	e.logger.Debug("upserted records", zap.Stringer("table", target), zap.Int("rows", out.InsertedCount))
	return out, nil
}

// withGeneratedID supplies an id when the table is keyed on the generated id
// column and the record has none.
func (e *Engine) withGeneratedID(rec classifier.Fields, keys []string) classifier.Fields {
	if len(keys) != 1 || keys[0] != classifier.ColRowID.Name() || rec.Has(classifier.ColRowID) {
		return rec
	}
	return rec.With(classifier.ColRowID, e.newID().String())
}

func validateBatch(target schema.Target, records []classifier.Fields) error {
	if !target.Table.Valid() {
		return schema.ErrInvalidTarget
	}
	if len(records) == 0 {
		return ErrEmptyBatch
	}
	for _, rec := range records {
		if len(rec) == 0 {
			return schema.ErrNoColumns
		}
		for _, col := range rec.Columns() {
			if !col.Valid() {
				return errors.New("invalid column in record")
			}
		}
	}
	return nil
}

// buildAppend renders a multi-row insert. The column list comes from the
// first record; the value for row i, column j lands in argument i*len(cols)+j
// and is rendered as placeholder $(i*len(cols)+j+1).
func buildAppend(target schema.Target, records []classifier.Fields) (string, []any, error) {
	if err := validateBatch(target, records); err != nil {
		return "", nil, err
	}
	cols := records[0].Columns()

	ins := sq.Insert(target.Qualified()).
		Columns(quoteColumns(cols)...).
		PlaceholderFormat(sq.Dollar).
		Suffix("RETURNING *")
	for i, rec := range records {
		row, err := alignRow(cols, rec)
		if err != nil {
			return "", nil, fmt.Errorf("record %d: %w", i, err)
		}
		ins = ins.Values(row...)
	}
	return ins.ToSql()
}

func buildInsert(target schema.Target, rec classifier.Fields) (string, []any, error) {
	return sq.Insert(target.Qualified()).
		Columns(quoteColumns(rec.Columns())...).
		Values(rec.Values()...).
		PlaceholderFormat(sq.Dollar).
		Suffix("RETURNING *").
		ToSql()
}

func buildUpsert(target schema.Target, rec classifier.Fields, keys []string) (string, []any, error) {
	isKey := make(map[string]bool, len(keys))
	quotedKeys := make([]string, len(keys))
	for i, k := range keys {
		isKey[k] = true
		quotedKeys[i] = pq.QuoteIdentifier(k)
	}

	var sets []string
	for _, col := range rec.Columns() {
		if isKey[col.Name()] {
			continue
		}
		name := pq.QuoteIdentifier(col.Name())
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", name, name))
	}
	conflict := fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", strings.Join(quotedKeys, ", "))
	if len(sets) > 0 {
		conflict = fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(quotedKeys, ", "), strings.Join(sets, ", "))
	}

	return sq.Insert(target.Qualified()).
		Columns(quoteColumns(rec.Columns())...).
		Values(rec.Values()...).
		PlaceholderFormat(sq.Dollar).
		Suffix(conflict).
		Suffix("RETURNING *").
		ToSql()
}

// alignRow orders rec's values by cols. Missing or extra columns are a
// caller error; rows are never padded.
func alignRow(cols []classifier.Column, rec classifier.Fields) ([]any, error) {
	if len(rec) != len(cols) {
		return nil, ErrColumnMismatch
	}
	row := make([]any, len(cols))
	for j, col := range cols {
		v, ok := rec.Get(col.Name())
		if !ok {
			return nil, fmt.Errorf("%w: missing %q", ErrColumnMismatch, col.Name())
		}
		row[j] = v
	}
	return row, nil
}

func quoteColumns(cols []classifier.Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pq.QuoteIdentifier(c.Name())
	}
	return out
}

// queryRows runs a RETURNING statement and collects the rows as maps.
func queryRows(ctx context.Context, q schema.Querier, query string, args []any) ([]map[string]any, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get returned columns: %w", err)
	}

	results := make([]map[string]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range columns {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan returned row: %w", err)
		}

		rowData := make(map[string]any, len(columns))
		for i, colName := range columns {
			if b, ok := values[i].([]byte); ok {
				rowData[colName] = string(b)
			} else {
				rowData[colName] = values[i]
			}
		}
		results = append(results, rowData)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating returned rows: %w", err)
	}
	return results, nil
}
