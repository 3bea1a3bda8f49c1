//go:build integration

package attrdb

import (
	"context"
	"testing"
	"time"

	"github.com/conduit-lang/attrdb/internal/cli/config"
	"github.com/conduit-lang/attrdb/internal/orm/ormerr"
	"github.com/conduit-lang/attrdb/internal/orm/ormtest"
	"github.com/conduit-lang/attrdb/internal/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const postgresDDL = `
CREATE SCHEMA shop;
CREATE TABLE shop.accounts (
    id TEXT PRIMARY KEY,
    name TEXT
);
CREATE TABLE shop.items (
    id BIGINT PRIMARY KEY,
    name TEXT,
    position BIGINT,
    account_id TEXT REFERENCES shop.accounts(id)
);
CREATE TABLE shop.line_items (
    id BIGINT PRIMARY KEY,
    quantity BIGINT NOT NULL DEFAULT 1,
    position BIGINT,
    item_id BIGINT NOT NULL REFERENCES shop.items(id)
);
CREATE TABLE shop.tags (
    id TEXT PRIMARY KEY,
    label TEXT UNIQUE
);`

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("attrdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestPostgresSaveThenQuery(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	pools, err := pool.Open(ctx, map[string]config.DatabaseConfig{
		"main": {Driver: "pgx", DSN: dsn, Schema: "shop", AutoCreateMissing: true},
	}, nil)
	require.NoError(t, err)
	defer pools.Close()

	main, err := pools.Pool("main")
	require.NoError(t, err)
	_, err = main.DB.ExecContext(ctx, postgresDDL)
	require.NoError(t, err)

	env := &Env{Pools: pools, Registry: ormtest.Registry(t)}

	item := Temp("item/id", "tmp-item")
	ids, err := Save(ctx, env, NewDelta().
		Put(Temp("line-item/id", "tmp-l1"), "line-item/item", Set(item)).
		Put(Temp("line-item/id", "tmp-l1"), "line-item/quantity", Set(int64(3))).
		Put(item, "item/name", Set("Widget")).
		Put(item, "item/account", Set(Temp("account/id", "tmp-account"))).
		Put(Temp("account/id", "tmp-account"), "account/name", Set("Acme")))
	require.NoError(t, err)
	assert.Equal(t, int64(1), ids["tmp-item"])
	assert.Equal(t, int64(1), ids["tmp-l1"])

	trees, err := Query(ctx, env, []EntityRef{Ref("item/id", 1), Ref("item/id", 2)}, itemPattern())
	require.NoError(t, err)
	require.Len(t, trees, 2)
	assert.Nil(t, trees[1])
	assert.Equal(t, map[string]interface{}{
		"item/id":   int64(1),
		"item/name": "Widget",
		"item/account": map[string]interface{}{
			"account/id":   ids["tmp-account"],
			"account/name": "Acme",
		},
		"item/line-items": []map[string]interface{}{
			{"line-item/id": int64(1), "line-item/quantity": int64(3)},
		},
	}, trees[0])

	// A unique violation rolls the whole save back
	_, err = Save(ctx, env, NewDelta().
		Put(Temp("tag/id", "tmp-t1"), "tag/label", Set("sale")).
		Put(Temp("tag/id", "tmp-t2"), "tag/label", Set("sale")))
	require.Error(t, err)
	assert.ErrorIs(t, err, ormerr.ErrUniqueViolation)

	var tags int
	require.NoError(t, main.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM shop.tags").Scan(&tags))
	assert.Zero(t, tags)
}
