package ident

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/conduit-lang/attrdb/internal/orm/dialect"
	"github.com/conduit-lang/attrdb/internal/orm/ormerr"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

var errNoAllocator = errors.New("no sequence allocator configured")

// DefaultSequenceTable is the counter table used by SQLiteAllocator
const DefaultSequenceTable = "attrdb_sequences"

// PostgresAllocator draws values with nextval in a single round trip
type PostgresAllocator struct {
	Q dialect.Querier

	// Schema qualifies sequence names when set
	Schema string

	// AutoCreate issues CREATE SEQUENCE IF NOT EXISTS before drawing
	AutoCreate bool
}

// Allocate implements SequenceAllocator
func (a *PostgresAllocator) Allocate(ctx context.Context, sequence string, n int) ([]int64, error) {
	name := pq.QuoteIdentifier(sequence)
	if a.Schema != "" {
		name = pq.QuoteIdentifier(a.Schema) + "." + name
	}

	if a.AutoCreate {
		if _, err := a.Q.ExecContext(ctx, "CREATE SEQUENCE IF NOT EXISTS "+name); err != nil {
			return nil, ormerr.ConvertDBError(err)
		}
	}

	rows, err := a.Q.QueryContext(ctx, "SELECT nextval($1::regclass) FROM generate_series(1, $2)", name, n)
	if err != nil {
		return nil, ormerr.ConvertDBError(err)
	}
	defer rows.Close()

	values := make([]int64, 0, n)
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, ormerr.ConvertDBError(err)
	}
	return values, nil
}

// SQLiteAllocator keeps one counter row per sequence in a table of (name, value)
type SQLiteAllocator struct {
	Q dialect.Querier

	// Table defaults to DefaultSequenceTable
	Table string

	// AutoCreate inserts a missing counter row instead of failing
	AutoCreate bool
}

// Allocate implements SequenceAllocator
func (a *SQLiteAllocator) Allocate(ctx context.Context, sequence string, n int) ([]int64, error) {
	table := a.Table
	if table == "" {
		table = DefaultSequenceTable
	}
	table = pq.QuoteIdentifier(table)

	var last int64
	err := a.Q.QueryRowContext(ctx,
		fmt.Sprintf(`UPDATE %s SET "value" = "value" + ? WHERE "name" = ? RETURNING "value"`, table),
		n, sequence).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if !a.AutoCreate {
			return nil, fmt.Errorf("sequence %s does not exist", sequence)
		}
		if _, err := a.Q.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s ("name", "value") VALUES (?, ?)`, table), sequence, n); err != nil {
			return nil, ormerr.ConvertDBError(err)
		}
		last = int64(n)
	case err != nil:
		return nil, ormerr.ConvertDBError(err)
	}

	return span(last, n), nil
}

// RedisAllocator draws values with INCRBY on one key per sequence. Values are
// unique across every process sharing the Redis instance but not transactional.
type RedisAllocator struct {
	Client redis.Cmdable

	// Prefix is prepended to sequence names to form keys
	Prefix string
}

// Allocate implements SequenceAllocator
func (a *RedisAllocator) Allocate(ctx context.Context, sequence string, n int) ([]int64, error) {
	last, err := a.Client.IncrBy(ctx, a.Prefix+sequence, int64(n)).Result()
	if err != nil {
		return nil, &ormerr.ConnectionError{Err: err}
	}
	return span(last, n), nil
}

// span returns the n values ending at last
func span(last int64, n int) []int64 {
	values := make([]int64, n)
	for i := range values {
		values[i] = last - int64(n) + 1 + int64(i)
	}
	return values
}
