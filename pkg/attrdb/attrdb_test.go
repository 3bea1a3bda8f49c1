package attrdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/conduit-lang/attrdb/internal/orm/dialect"
	"github.com/conduit-lang/attrdb/internal/orm/ormerr"
	"github.com/conduit-lang/attrdb/internal/orm/ormtest"
	"github.com/conduit-lang/attrdb/internal/orm/resolver"
	"github.com/conduit-lang/attrdb/internal/orm/schema"
	"github.com/conduit-lang/attrdb/internal/orm/transaction"
	"github.com/conduit-lang/attrdb/internal/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteEnv(t *testing.T) (*Env, *sql.DB) {
	t.Helper()
	db := ormtest.OpenSQLite(t)
	d, err := dialect.New(dialect.SQLite, "")
	require.NoError(t, err)
	return &Env{
		Pools:    pool.Static{"main": pool.New("main", db, d)},
		Registry: ormtest.Registry(t),
	}, db
}

func itemPattern() Pattern {
	return Pattern{
		Attr("item/name"),
		Join("item/account", Attr("account/name")),
		Join("item/line-items", Attr("line-item/quantity")),
	}
}

func TestSaveThenQuery(t *testing.T) {
	env, _ := newSQLiteEnv(t)
	ctx := context.Background()

	item := Temp("item/id", "tmp-item")
	ids, err := Save(ctx, env, NewDelta().
		Put(item, "item/name", Set("Widget")).
		Put(item, "item/account", Set(Temp("account/id", "tmp-account"))).
		Put(Temp("account/id", "tmp-account"), "account/name", Set("Acme")).
		Put(Temp("line-item/id", "tmp-l2"), "line-item/item", Set(item)).
		Put(Temp("line-item/id", "tmp-l2"), "line-item/quantity", Set(int64(5))).
		Put(Temp("line-item/id", "tmp-l2"), "line-item/position", Set(int64(2))).
		Put(Temp("line-item/id", "tmp-l1"), "line-item/item", Set(item)).
		Put(Temp("line-item/id", "tmp-l1"), "line-item/quantity", Set(int64(2))).
		Put(Temp("line-item/id", "tmp-l1"), "line-item/position", Set(int64(1))))
	require.NoError(t, err)
	require.Len(t, ids, 4)

	trees, err := Query(ctx, env, []EntityRef{Ref("item/id", ids["tmp-item"])}, itemPattern())
	require.NoError(t, err)
	require.Len(t, trees, 1)

	assert.Equal(t, map[string]interface{}{
		"item/id":   ids["tmp-item"],
		"item/name": "Widget",
		"item/account": map[string]interface{}{
			"account/id":   ids["tmp-account"],
			"account/name": "Acme",
		},
		"item/line-items": []map[string]interface{}{
			{"line-item/id": ids["tmp-l1"], "line-item/quantity": int64(2)},
			{"line-item/id": ids["tmp-l2"], "line-item/quantity": int64(5)},
		},
	}, trees[0])

	// Drop the first line item through the delete-orphan attribute and rename the item
	itemRef := Ref("item/id", ids["tmp-item"])
	_, err = Save(ctx, env, NewDelta().
		Put(itemRef, "item/name", Replace("Widget", "Widget v2")).
		Put(itemRef, "item/line-items", Replace(
			[]EntityRef{Ref("line-item/id", ids["tmp-l1"]), Ref("line-item/id", ids["tmp-l2"])},
			[]EntityRef{Ref("line-item/id", ids["tmp-l2"])})))
	require.NoError(t, err)

	trees, err = Query(ctx, env, []EntityRef{itemRef}, itemPattern())
	require.NoError(t, err)
	assert.Equal(t, "Widget v2", trees[0]["item/name"])
	assert.Equal(t, []map[string]interface{}{
		{"line-item/id": ids["tmp-l2"], "line-item/quantity": int64(5)},
	}, trees[0]["item/line-items"])
}

func TestSaveThenQueryScalarTypes(t *testing.T) {
	env, _ := newSQLiteEnv(t)
	ctx := context.Background()

	amsterdam := time.FixedZone("CET", 3600)
	created := time.Date(2024, 3, 1, 13, 30, 0, 0, amsterdam)
	item := Temp("item/id", "tmp-item")
	ids, err := Save(ctx, env, NewDelta().
		Put(item, "item/price", Set(9.5)).
		Put(item, "item/active", Set(true)).
		Put(item, "item/created-at", Set(created)).
		Put(item, "item/status", Set("live")))
	require.NoError(t, err)

	trees, err := Query(ctx, env, []EntityRef{Ref("item/id", ids["tmp-item"])}, Pattern{
		Attr("item/price"),
		Attr("item/active"),
		Attr("item/created-at"),
		Attr("item/status"),
	})
	require.NoError(t, err)
	require.Len(t, trees, 1)

	got := trees[0]
	assert.Equal(t, 9.5, got["item/price"])
	assert.Equal(t, true, got["item/active"])
	assert.Equal(t, "live", got["item/status"])

	at, ok := got["item/created-at"].(time.Time)
	require.True(t, ok, "instant read back as %T", got["item/created-at"])
	assert.True(t, created.Equal(at), "got %s, want %s", at, created)
	assert.Equal(t, time.UTC, at.Location())
}

func TestSaveThenQueryCustomConverter(t *testing.T) {
	cents := schema.ConverterFuncs{
		ModelToStorage: func(v interface{}) (interface{}, error) {
			f, ok := v.(float64)
			if !ok {
				return nil, fmt.Errorf("expected float64 amount, got %T", v)
			}
			return int64(math.Round(f * 100)), nil
		},
		StorageToModel: func(v interface{}) (interface{}, error) {
			n, ok := v.(int64)
			if !ok {
				return nil, fmt.Errorf("expected int64 cents, got %T", v)
			}
			return float64(n) / 100, nil
		},
	}
	reg, err := schema.Load(strings.NewReader(`
entities:
  product:
    database: main
    attributes:
      id:    {type: identifier-uuid, identity: true}
      price: {type: decimal, column-name: price_cents, converter: cents}
`), map[string]schema.Converter{"cents": cents})
	require.NoError(t, err)

	db := ormtest.OpenSQLite(t)
	_, err = db.Exec(`CREATE TABLE products (id TEXT PRIMARY KEY, price_cents INTEGER)`)
	require.NoError(t, err)
	d, err := dialect.New(dialect.SQLite, "")
	require.NoError(t, err)
	env := &Env{Pools: pool.Static{"main": pool.New("main", db, d)}, Registry: reg}
	ctx := context.Background()

	ids, err := Save(ctx, env, NewDelta().
		Put(Temp("product/id", "tmp-product"), "product/price", Set(12.5)))
	require.NoError(t, err)

	var stored int64
	require.NoError(t, db.QueryRow(`SELECT price_cents FROM products`).Scan(&stored))
	assert.Equal(t, int64(1250), stored)

	trees, err := Query(ctx, env, []EntityRef{Ref("product/id", ids["tmp-product"])}, Pattern{Attr("product/price")})
	require.NoError(t, err)
	require.Len(t, trees, 1)
	assert.Equal(t, 12.5, trees[0]["product/price"])
}

func TestSaveEmptyDelta(t *testing.T) {
	env := &Env{Pools: pool.Static{}, Registry: ormtest.Registry(t)}

	ids, err := Save(context.Background(), env, NewDelta())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSaveValidatesBeforeLookingUpPool(t *testing.T) {
	env := &Env{Pools: pool.Static{}, Registry: ormtest.Registry(t)}

	_, err := Save(context.Background(), env, NewDelta().
		Put(Temp("item/id", "tmp-1"), "item/colour", Set("red")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ormerr.ErrValidation))
}

func TestSaveMissingPool(t *testing.T) {
	env := &Env{Pools: pool.Static{}, Registry: ormtest.Registry(t)}

	_, err := Save(context.Background(), env, NewDelta().
		Put(Temp("item/id", "tmp-1"), "item/name", Set("Widget")))
	assert.ErrorIs(t, err, ErrNoPool)
	assert.EqualError(t, err, `no connection pool configured for database "main"`)

	_, err = Query(context.Background(), env, []EntityRef{Ref("item/id", 1)}, Pattern{Attr("item/name")})
	assert.ErrorIs(t, err, ErrNoPool)
	assert.EqualError(t, err, `no connection pool configured for database "main"`)
}

func TestSaveOptions(t *testing.T) {
	env, db := newSQLiteEnv(t)

	ids, err := Save(context.Background(), env, NewDelta().
		Put(Temp("tag/id", "tmp-tag"), "tag/label", Set("sale")),
		WithIsolation(transaction.Serializable),
		WithTimeout(5*time.Second))
	require.NoError(t, err)
	require.Contains(t, ids, TempID("tmp-tag"))

	var label string
	require.NoError(t, db.QueryRow("SELECT label FROM tags").Scan(&label))
	assert.Equal(t, "sale", label)
}

func TestQueryOptions(t *testing.T) {
	env, db := newSQLiteEnv(t)
	_, err := db.Exec(`INSERT INTO categories (id, name, parent_id) VALUES (1, 'Root', NULL), (2, 'Child', 1)`)
	require.NoError(t, err)

	pattern := Pattern{Join("category/children", Join("category/children", Attr("category/name")))}

	_, err = Query(context.Background(), env, []EntityRef{Ref("category/id", 1)}, pattern, WithMaxDepth(1))
	assert.True(t, errors.Is(err, resolver.ErrMaxDepthExceeded))

	trees, err := Query(context.Background(), env, []EntityRef{Ref("category/id", 1)}, pattern,
		WithMaxDepth(2), WithParallelism(4))
	require.NoError(t, err)
	assert.Equal(t, []map[string]interface{}{
		{"category/id": int64(2), "category/children": []map[string]interface{}{}},
	}, trees[0]["category/children"])
}

func TestQueryNoRoots(t *testing.T) {
	env := &Env{Pools: pool.Static{}, Registry: ormtest.Registry(t)}

	trees, err := Query(context.Background(), env, nil, Pattern{Attr("item/name")})
	require.NoError(t, err)
	assert.Empty(t, trees)
}

func TestQueryUnknownIdentity(t *testing.T) {
	env, _ := newSQLiteEnv(t)

	_, err := Query(context.Background(), env, []EntityRef{Ref("widget/id", 1)}, Pattern{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ormerr.ErrValidation))
}
