package ident

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/conduit-lang/attrdb/internal/orm/ormerr"
	"github.com/conduit-lang/attrdb/internal/orm/ormtest"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresAllocator(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT nextval($1::regclass) FROM generate_series(1, $2)").
		WithArgs(`"public"."items_id_seq"`, 3).
		WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(int64(7)).AddRow(int64(8)).AddRow(int64(9)))

	alloc := &PostgresAllocator{Q: db, Schema: "public"}
	values, err := alloc.Allocate(context.Background(), "items_id_seq", 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 8, 9}, values)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAllocatorAutoCreate(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`CREATE SEQUENCE IF NOT EXISTS "items_id_seq"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT nextval($1::regclass) FROM generate_series(1, $2)").
		WithArgs(`"items_id_seq"`, 1).
		WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(int64(1)))

	alloc := &PostgresAllocator{Q: db, AutoCreate: true}
	values, err := alloc.Allocate(context.Background(), "items_id_seq", 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, values)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAllocatorMissingSequence(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT nextval").
		WillReturnError(&pgconn.PgError{Code: "42P01", Message: `relation "items_id_seq" does not exist`})

	alloc := &PostgresAllocator{Q: db}
	_, err = alloc.Allocate(context.Background(), "items_id_seq", 2)
	var pgErr *pgconn.PgError
	assert.True(t, errors.As(err, &pgErr))
}

func TestSQLiteAllocator(t *testing.T) {
	db := ormtest.OpenSQLite(t)
	ctx := context.Background()
	alloc := &SQLiteAllocator{Q: db}

	values, err := alloc.Allocate(ctx, "items_id_seq", 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, values)

	values, err = alloc.Allocate(ctx, "items_id_seq", 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5}, values)

	_, err = alloc.Allocate(ctx, "widgets_id_seq", 1)
	assert.EqualError(t, err, "sequence widgets_id_seq does not exist")
}

func TestSQLiteAllocatorAutoCreate(t *testing.T) {
	db := ormtest.OpenSQLite(t)
	ctx := context.Background()
	alloc := &SQLiteAllocator{Q: db, AutoCreate: true}

	values, err := alloc.Allocate(ctx, "widgets_id_seq", 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, values)

	values, err = alloc.Allocate(ctx, "widgets_id_seq", 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, values)
}

func TestRedisAllocator(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	alloc := &RedisAllocator{Client: client, Prefix: "attrdb:seq:"}
	ctx := context.Background()

	values, err := alloc.Allocate(ctx, "items_id_seq", 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, values)

	values, err = alloc.Allocate(ctx, "items_id_seq", 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5}, values)

	got, err := mr.Get("attrdb:seq:items_id_seq")
	require.NoError(t, err)
	assert.Equal(t, "5", got)
}

func TestRedisAllocatorConnectionFailure(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	alloc := &RedisAllocator{Client: client}
	_, err = alloc.Allocate(context.Background(), "items_id_seq", 1)
	assert.True(t, ormerr.IsConnection(err))
}
