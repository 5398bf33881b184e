// Package schema provisions tenant tables on demand: it creates missing
// tables and columns from a record's declared column types and makes sure a
// primary key exists when upserting.
package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/classifier"
	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/models"
)

const (
	tableExistsQuery = `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2)`
	columnsQuery     = `SELECT column_name FROM information_schema.columns WHERE table_schema = $1 AND table_name = $2`
	primaryKeyQuery  = `SELECT kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name
 AND tc.table_schema = kcu.table_schema
 AND tc.table_name = kcu.table_name
WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = $1 AND tc.table_name = $2
ORDER BY kcu.ordinal_position`
)

// Postgres error codes raised when concurrent writers race on the same DDL.
const (
	pqDuplicateColumn      = "42701"
	pqInvalidTableDef      = "42P16"
	pqDuplicateTableCreate = "42P07"
)

var (
	ErrInvalidTarget = errors.New("table is not an allow-listed record table")
	ErrNoColumns     = errors.New("record has no columns")
)

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Target is a record table inside a tenant schema.
type Target struct {
	Schema string
	Table  classifier.Table
}

// SchemaName returns the schema, defaulting to public.
func (t Target) SchemaName() string {
	if t.Schema == "" {
		return models.DefaultSchema
	}
	return t.Schema
}

// Qualified returns the quoted "schema"."table" identifier.
func (t Target) Qualified() string {
	return pq.QuoteIdentifier(t.SchemaName()) + "." + pq.QuoteIdentifier(t.Table.Name())
}

func (t Target) String() string {
	return t.SchemaName() + "." + t.Table.Name()
}

// ProvisionError wraps any catalog or DDL failure.
type ProvisionError struct {
	Table string
	Op    string
	Err   error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("failed to provision %s (%s): %v", e.Table, e.Op, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// Provisioner ensures tables and primary keys exist. It keeps no state
// between calls; the catalog is read fresh every time.
type Provisioner struct {
	logger *zap.Logger
}

// NewProvisioner returns a Provisioner that logs DDL through logger.
func NewProvisioner(logger *zap.Logger) *Provisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provisioner{logger: logger}
}

// EnsureTable creates target when missing, with one column per sample field,
// and adds any sample column an existing table lacks. Calling it on a fully
// provisioned table issues no DDL.
func (p *Provisioner) EnsureTable(ctx context.Context, q Querier, target Target, sample classifier.Fields) error {
	if !target.Table.Valid() {
		return &ProvisionError{Table: target.String(), Op: "validate", Err: ErrInvalidTarget}
	}
	if len(sample) == 0 {
		return &ProvisionError{Table: target.String(), Op: "validate", Err: ErrNoColumns}
	}
	for _, col := range sample.Columns() {
		if !col.Valid() {
			return &ProvisionError{Table: target.String(), Op: "validate", Err: errors.New("invalid column in record")}
		}
	}

	exists, err := p.tableExists(ctx, q, target)
	if err != nil {
		return err
	}
	if !exists {
		return p.createTable(ctx, q, target, sample.Columns())
	}

	existing, err := p.Columns(ctx, q, target)
	if err != nil {
		return err
	}
	for _, col := range sample.Columns() {
		if existing[col.Name()] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
			target.Qualified(), pq.QuoteIdentifier(col.Name()), col.Type().SQL())
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return &ProvisionError{Table: target.String(), Op: "add column " + col.Name(), Err: err}
		}
		p.logger.Info("added column", zap.Stringer("table", target), zap.String("column", col.Name()))
	}
	return nil
}

func (p *Provisioner) tableExists(ctx context.Context, q Querier, target Target) (bool, error) {
	var exists bool
	if err := q.QueryRowContext(ctx, tableExistsQuery, target.SchemaName(), target.Table.Name()).Scan(&exists); err != nil {
		return false, &ProvisionError{Table: target.String(), Op: "check existence", Err: err}
	}
	return exists, nil
}

func (p *Provisioner) createTable(ctx context.Context, q Querier, target Target, cols []classifier.Column) error {
	defs := make([]string, len(cols))
	for i, col := range cols {
		defs[i] = pq.QuoteIdentifier(col.Name()) + " " + col.Type().SQL()
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", target.Qualified(), strings.Join(defs, ", "))
	if _, err := q.ExecContext(ctx, stmt); err != nil {
		if pqCode(err) == pqDuplicateTableCreate {
			// Lost a creation race; the table is there now.
			return nil
		}
		return &ProvisionError{Table: target.String(), Op: "create table", Err: err}
	}
	p.logger.Info("created table", zap.Stringer("table", target), zap.Int("columns", len(cols)))
	return nil
}

// Columns returns the set of column names currently in target.
func (p *Provisioner) Columns(ctx context.Context, q Querier, target Target) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, columnsQuery, target.SchemaName(), target.Table.Name())
	if err != nil {
		return nil, &ProvisionError{Table: target.String(), Op: "list columns", Err: err}
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, &ProvisionError{Table: target.String(), Op: "list columns", Err: err}
		}
		cols[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, &ProvisionError{Table: target.String(), Op: "list columns", Err: err}
	}
	return cols, nil
}

// PrimaryKey returns the primary key columns of target in key order, or
// nil when it has none.
func (p *Provisioner) PrimaryKey(ctx context.Context, q Querier, target Target) ([]string, error) {
	rows, err := q.QueryContext(ctx, primaryKeyQuery, target.SchemaName(), target.Table.Name())
	if err != nil {
		return nil, &ProvisionError{Table: target.String(), Op: "lookup primary key", Err: err}
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, &ProvisionError{Table: target.String(), Op: "lookup primary key", Err: err}
		}
		keys = append(keys, name)
	}
	if err := rows.Err(); err != nil {
		return nil, &ProvisionError{Table: target.String(), Op: "lookup primary key", Err: err}
	}
	return keys, nil
}

// EnsurePrimaryKey returns the primary key of target, adding a generated
// UUID id column as primary key when the table has none. added reports
// whether the key was provisioned by this call.
func (p *Provisioner) EnsurePrimaryKey(ctx context.Context, q Querier, target Target) (keys []string, added bool, err error) {
	keys, err = p.PrimaryKey(ctx, q, target)
	if err != nil {
		return nil, false, err
	}
	if len(keys) > 0 {
		return keys, false, nil
	}
	keys, err = p.AddPrimaryKey(ctx, q, target)
	if err != nil {
		return nil, false, err
	}
	return keys, true, nil
}

// AddPrimaryKey adds the generated UUID id column as primary key. If another
// writer got there first, the key it created is returned instead.
func (p *Provisioner) AddPrimaryKey(ctx context.Context, q Querier, target Target) ([]string, error) {
	id := classifier.ColRowID
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s DEFAULT gen_random_uuid() PRIMARY KEY",
		target.Qualified(), pq.QuoteIdentifier(id.Name()), id.Type().SQL())
	if _, err := q.ExecContext(ctx, stmt); err != nil {
		switch pqCode(err) {
		case pqDuplicateColumn, pqInvalidTableDef:
			// Another writer added it first.
			keys, lookupErr := p.PrimaryKey(ctx, q, target)
			if lookupErr == nil && len(keys) > 0 {
				return keys, nil
			}
		}
		return nil, &ProvisionError{Table: target.String(), Op: "add primary key", Err: err}
	}
	p.logger.Info("added primary key", zap.Stringer("table", target), zap.String("column", id.Name()))
	return []string{id.Name()}, nil
}

func pqCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}
