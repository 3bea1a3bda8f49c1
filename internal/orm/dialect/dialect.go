// Package dialect captures the SQL differences between the supported databases.
package dialect

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// Querier is an interface for executing SQL, satisfied by *sql.DB, *sql.Conn and *sql.Tx
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Name identifies a dialect
type Name string

const (
	// Postgres renders $n placeholders and = ANY($1) batch predicates
	Postgres Name = "postgres"
	// SQLite renders ? placeholders and expanded IN lists
	SQLite Name = "sqlite3"
)

// Dialect renders identifiers, placeholders and batch predicates
type Dialect struct {
	name   Name
	schema string
}

// New creates a dialect. schema qualifies table names on Postgres and is ignored by SQLite.
func New(name Name, schema string) (*Dialect, error) {
	switch name {
	case Postgres, SQLite:
		return &Dialect{name: name, schema: schema}, nil
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", name)
	}
}

// ForDriver maps a database/sql driver name to its dialect
func ForDriver(driver, schema string) (*Dialect, error) {
	switch driver {
	case "pgx", "postgres":
		return New(Postgres, schema)
	case "sqlite3", "sqlite":
		return New(SQLite, schema)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}
}

// Name returns the dialect name
func (d *Dialect) Name() Name {
	return d.name
}

// Schema returns the schema qualifying Postgres tables and sequences
func (d *Dialect) Schema() string {
	return d.schema
}

// Quote quotes an identifier
func (d *Dialect) Quote(ident string) string {
	return pq.QuoteIdentifier(ident)
}

// Table returns the quoted, schema-qualified table name
func (d *Dialect) Table(table string) string {
	if d.name == Postgres && d.schema != "" {
		return pq.QuoteIdentifier(d.schema) + "." + pq.QuoteIdentifier(table)
	}
	return pq.QuoteIdentifier(table)
}

// Placeholder returns the n-th (1-based) bind parameter
func (d *Dialect) Placeholder(n int) string {
	if d.name == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// In renders "column matches any of values". Postgres binds a single array
// parameter; SQLite expands one parameter per value. start is the 1-based
// index of the first parameter.
func (d *Dialect) In(column string, values []interface{}, start int) (string, []interface{}) {
	if d.name == Postgres {
		return fmt.Sprintf("%s = ANY(%s)", column, d.Placeholder(start)), []interface{}{array(values)}
	}
	marks := make([]string, len(values))
	for i := range values {
		marks[i] = "?"
	}
	return fmt.Sprintf("%s IN (%s)", column, strings.Join(marks, ", ")), values
}

// array picks the narrowest pq array type for the values
func array(values []interface{}) interface{} {
	ints := make(pq.Int64Array, 0, len(values))
	strs := make(pq.StringArray, 0, len(values))
	for _, v := range values {
		switch val := v.(type) {
		case int64:
			ints = append(ints, val)
		case string:
			strs = append(strs, val)
		default:
			return pq.Array(values)
		}
	}
	switch {
	case len(ints) == len(values):
		return ints
	case len(strs) == len(values):
		return strs
	default:
		return pq.Array(values)
	}
}
