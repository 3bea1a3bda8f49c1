package resolver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/conduit-lang/attrdb/internal/orm/delta"
	"github.com/conduit-lang/attrdb/internal/orm/dialect"
	"github.com/conduit-lang/attrdb/internal/orm/ormerr"
	"github.com/conduit-lang/attrdb/internal/orm/ormtest"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder captures every statement sent through it
type recorder struct {
	dialect.Querier
	mu         sync.Mutex
	statements []string
}

func (r *recorder) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	r.mu.Lock()
	r.statements = append(r.statements, query)
	r.mu.Unlock()
	return r.Querier.QueryContext(ctx, query, args...)
}

func (r *recorder) golden() []byte {
	return []byte(strings.Join(r.statements, "\n") + "\n")
}

func newSQLiteResolver(t *testing.T, opts ...Option) *Resolver {
	t.Helper()
	d, err := dialect.New(dialect.SQLite, "")
	require.NoError(t, err)
	return New(ormtest.Registry(t), d, opts...)
}

func seed(t *testing.T, db *sql.DB, statements ...string) {
	t.Helper()
	for _, s := range statements {
		_, err := db.Exec(s)
		require.NoError(t, err)
	}
}

func seedCategories(t *testing.T, db *sql.DB) {
	seed(t, db, `INSERT INTO categories (id, name, parent_id) VALUES
		(1, 'Root A', NULL),
		(2, 'Root B', NULL),
		(3, 'Beta', 1),
		(4, 'Alpha', 1),
		(5, 'Gamma', 2),
		(6, 'Leaf 2', 4),
		(7, 'Leaf 1', 4),
		(8, 'Leaf 3', 5)`)
}

func categoryTree() Pattern {
	return Pattern{
		Attr("category/name"),
		Join("category/children",
			Attr("category/name"),
			Join("category/children", Attr("category/name"))),
	}
}

func TestResolveOneStatementPerLevel(t *testing.T) {
	db := ormtest.OpenSQLite(t)
	seedCategories(t, db)
	rec := &recorder{Querier: db}

	results, err := newSQLiteResolver(t).Resolve(context.Background(), rec,
		[]delta.EntityRef{delta.Ref("category/id", 1), delta.Ref("category/id", 2)}, categoryTree())
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Len(t, rec.statements, 3)
	g := goldie.New(t)
	g.Assert(t, "nested_categories", rec.golden())
}

func TestResolveResultTree(t *testing.T) {
	db := ormtest.OpenSQLite(t)
	seedCategories(t, db)

	results, err := newSQLiteResolver(t).Resolve(context.Background(), db,
		[]delta.EntityRef{delta.Ref("category/id", 2), delta.Ref("category/id", 1)}, categoryTree())
	require.NoError(t, err)

	leaf := func(id int64, name string) map[string]interface{} {
		return map[string]interface{}{"category/id": id, "category/name": name}
	}
	expected := []map[string]interface{}{
		{
			"category/id":   int64(2),
			"category/name": "Root B",
			"category/children": []map[string]interface{}{
				{
					"category/id":       int64(5),
					"category/name":     "Gamma",
					"category/children": []map[string]interface{}{leaf(8, "Leaf 3")},
				},
			},
		},
		{
			"category/id":   int64(1),
			"category/name": "Root A",
			"category/children": []map[string]interface{}{
				{
					"category/id":       int64(4),
					"category/name":     "Alpha",
					"category/children": []map[string]interface{}{leaf(7, "Leaf 1"), leaf(6, "Leaf 2")},
				},
				{
					"category/id":       int64(3),
					"category/name":     "Beta",
					"category/children": []map[string]interface{}{},
				},
			},
		},
	}
	assert.Equal(t, expected, results)
}

func TestResolveManyToManyThroughJoinEntity(t *testing.T) {
	db := ormtest.OpenSQLite(t)
	red, blue := uuid.New(), uuid.New()
	seed(t, db,
		`INSERT INTO items (id, name) VALUES (1, 'Widget'), (2, 'Gadget')`,
		`INSERT INTO tags (id, label) VALUES ('`+red.String()+`', 'red'), ('`+blue.String()+`', 'blue')`,
		`INSERT INTO item_tags (id, item_id, tag_id) VALUES
			(10, 1, '`+red.String()+`'),
			(11, 1, '`+blue.String()+`'),
			(12, 2, '`+red.String()+`')`)
	rec := &recorder{Querier: db}

	results, err := newSQLiteResolver(t).Resolve(context.Background(), rec,
		[]delta.EntityRef{delta.Ref("item/id", 1)},
		Pattern{
			Attr("item/name"),
			Join("item/tags", Join("item-tag/tag", Attr("tag/label"))),
		})
	require.NoError(t, err)
	require.Len(t, results, 1)

	tags, ok := results[0]["item/tags"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, tags, 2)
	assert.Equal(t, map[string]interface{}{"tag/id": red, "tag/label": "red"}, tags[0]["item-tag/tag"])
	assert.Equal(t, map[string]interface{}{"tag/id": blue, "tag/label": "blue"}, tags[1]["item-tag/tag"])

	g := goldie.New(t)
	g.Assert(t, "item_tags", rec.golden())
}

func TestResolveDirectToOneSharedTarget(t *testing.T) {
	db := ormtest.OpenSQLite(t)
	account := uuid.New()
	seed(t, db,
		`INSERT INTO accounts (id, name) VALUES ('`+account.String()+`', 'Acme')`,
		`INSERT INTO items (id, name, account_id) VALUES
			(1, 'Widget', '`+account.String()+`'),
			(2, 'Gadget', '`+account.String()+`'),
			(3, NULL, NULL)`)
	rec := &recorder{Querier: db}

	results, err := newSQLiteResolver(t).Resolve(context.Background(), rec,
		[]delta.EntityRef{delta.Ref("item/id", 1), delta.Ref("item/id", 2), delta.Ref("item/id", 3)},
		Pattern{Attr("item/name"), Join("item/account", Attr("account/name"))})
	require.NoError(t, err)
	require.Len(t, results, 3)

	acme := map[string]interface{}{"account/id": account, "account/name": "Acme"}
	assert.Equal(t, acme, results[0]["item/account"])
	assert.Equal(t, acme, results[1]["item/account"])

	// NULL leaves are omitted
	assert.Equal(t, map[string]interface{}{"item/id": int64(3)}, results[2])

	require.Len(t, rec.statements, 2)
	assert.Contains(t, rec.statements[1], `WHERE "id" IN (?)`)
}

func TestResolveReverseToOneAndScalars(t *testing.T) {
	db := ormtest.OpenSQLite(t)
	account, profile := uuid.New(), uuid.New()
	seed(t, db,
		`INSERT INTO accounts (id, name) VALUES ('`+account.String()+`', 'Acme')`,
		`INSERT INTO profiles (id, bio, account_id) VALUES ('`+profile.String()+`', 'hello', '`+account.String()+`')`,
		`INSERT INTO items (id, name, price, position, active, status, account_id) VALUES
			(1, 'Widget', 9.5, 2, 1, 'live', '`+account.String()+`'),
			(2, 'Gadget', 3, 1, 0, 'draft', '`+account.String()+`')`)

	results, err := newSQLiteResolver(t).Resolve(context.Background(), db,
		[]delta.EntityRef{delta.Ref("account/id", account)},
		Pattern{
			Join("account/profile", Attr("profile/bio")),
			Join("account/items",
				Attr("item/name"), Attr("item/price"), Attr("item/position"),
				Attr("item/active"), Attr("item/status")),
		})
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, account, results[0]["account/id"])
	assert.Equal(t, map[string]interface{}{"profile/id": profile, "profile/bio": "hello"}, results[0]["account/profile"])

	// Ordered by item/position
	items := results[0]["account/items"].([]map[string]interface{})
	require.Len(t, items, 2)
	assert.Equal(t, "Gadget", items[0]["item/name"])
	assert.Equal(t, float64(3), items[0]["item/price"])
	assert.Equal(t, false, items[0]["item/active"])
	assert.Equal(t, "Widget", items[1]["item/name"])
	assert.Equal(t, 9.5, items[1]["item/price"])
	assert.Equal(t, int64(2), items[1]["item/position"])
	assert.Equal(t, true, items[1]["item/active"])
	assert.Equal(t, "live", items[1]["item/status"])
}

func TestResolveMissingRoot(t *testing.T) {
	db := ormtest.OpenSQLite(t)
	seedCategories(t, db)

	results, err := newSQLiteResolver(t).Resolve(context.Background(), db,
		[]delta.EntityRef{delta.Ref("category/id", 1), delta.Ref("category/id", 99)},
		Pattern{Attr("category/name")})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "Root A", results[0]["category/name"])
	assert.Nil(t, results[1])
}

func TestResolveNoRoots(t *testing.T) {
	rec := &recorder{}
	results, err := newSQLiteResolver(t).Resolve(context.Background(), rec, nil, Pattern{Attr("category/name")})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, rec.statements)
}

func TestResolveParallelSiblings(t *testing.T) {
	db := ormtest.OpenSQLite(t)
	account := uuid.New()
	seed(t, db,
		`INSERT INTO accounts (id, name) VALUES ('`+account.String()+`', 'Acme')`,
		`INSERT INTO items (id, name, account_id) VALUES (1, 'Widget', '`+account.String()+`')`,
		`INSERT INTO line_items (id, quantity, position, item_id) VALUES (10, 2, 1, 1), (11, 5, 2, 1)`)

	results, err := newSQLiteResolver(t, WithParallelism(4)).Resolve(context.Background(), db,
		[]delta.EntityRef{delta.Ref("item/id", 1)},
		Pattern{
			Join("item/account", Attr("account/name")),
			Join("item/line-items", Attr("line-item/quantity")),
			Join("item/tags"),
		})
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, "Acme", results[0]["item/account"].(map[string]interface{})["account/name"])
	lines := results[0]["item/line-items"].([]map[string]interface{})
	require.Len(t, lines, 2)
	assert.Equal(t, int64(2), lines[0]["line-item/quantity"])
	assert.Equal(t, int64(5), lines[1]["line-item/quantity"])
	assert.Equal(t, []map[string]interface{}{}, results[0]["item/tags"])
}

func TestResolveValidation(t *testing.T) {
	tests := []struct {
		name    string
		roots   []delta.EntityRef
		pattern Pattern
		want    string
	}{
		{
			name:    "unknown attribute",
			roots:   []delta.EntityRef{delta.Ref("item/id", 1)},
			pattern: Pattern{Attr("item/colour")},
			want:    "item/colour: unknown attribute",
		},
		{
			name:    "attribute of another entity",
			roots:   []delta.EntityRef{delta.Ref("item/id", 1)},
			pattern: Pattern{Attr("tag/label")},
			want:    "attribute does not belong to item",
		},
		{
			name:    "nested pattern on scalar",
			roots:   []delta.EntityRef{delta.Ref("item/id", 1)},
			pattern: Pattern{Join("item/name", Attr("item/id"))},
			want:    "only reference attributes take a nested pattern",
		},
		{
			name:    "duplicate selection",
			roots:   []delta.EntityRef{delta.Ref("item/id", 1)},
			pattern: Pattern{Attr("item/name"), Attr("item/name")},
			want:    "attribute selected more than once",
		},
		{
			name:    "mixed roots",
			roots:   []delta.EntityRef{delta.Ref("item/id", 1), delta.Ref("category/id", 1)},
			pattern: Pattern{},
			want:    "all roots must be item entities",
		},
		{
			name:    "placeholder root",
			roots:   []delta.EntityRef{delta.Temp("item/id", "tmp-1")},
			pattern: Pattern{},
			want:    "cannot query a placeholder",
		},
		{
			name:    "unknown identity key",
			roots:   []delta.EntityRef{delta.Ref("widget/id", 1)},
			pattern: Pattern{},
			want:    "unknown entity identity key widget/id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			_, err := newSQLiteResolver(t).Resolve(context.Background(), rec, tt.roots, tt.pattern)
			require.Error(t, err)
			assert.True(t, ormerr.IsValidation(err))
			assert.Contains(t, err.Error(), tt.want)
			assert.Empty(t, rec.statements)
		})
	}
}

func TestResolveMaxDepth(t *testing.T) {
	rec := &recorder{}
	r := newSQLiteResolver(t, WithMaxDepth(1))

	_, err := r.Resolve(context.Background(), rec, []delta.EntityRef{delta.Ref("category/id", 1)}, categoryTree())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMaxDepthExceeded))
	assert.Empty(t, rec.statements)
}

func TestResolvePostgresStatements(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	d, err := dialect.New(dialect.Postgres, "shop")
	require.NoError(t, err)
	r := New(ormtest.Registry(t), d)

	mock.ExpectQuery(`SELECT "id", "name" FROM "shop"."items" WHERE "id" = ANY($1) ORDER BY "id"`).
		WithArgs(pq.Int64Array{1, 2}).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow(int64(1), "Widget").
			AddRow(int64(2), "Gadget"))
	mock.ExpectQuery(`SELECT "id", "quantity", "item_id" FROM "shop"."line_items" WHERE "item_id" = ANY($1) ORDER BY "position", "id"`).
		WithArgs(pq.Int64Array{1, 2}).
		WillReturnRows(sqlmock.NewRows([]string{"id", "quantity", "item_id"}).
			AddRow(int64(10), int64(3), int64(2)))

	results, err := r.Resolve(context.Background(), db,
		[]delta.EntityRef{delta.Ref("item/id", 1), delta.Ref("item/id", 2)},
		Pattern{Attr("item/name"), Join("item/line-items", Attr("line-item/quantity"))})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, []map[string]interface{}{}, results[0]["item/line-items"])
	assert.Equal(t, []map[string]interface{}{
		{"line-item/id": int64(10), "line-item/quantity": int64(3)},
	}, results[1]["item/line-items"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPatternUnmarshalJSON(t *testing.T) {
	var p Pattern
	err := json.Unmarshal([]byte(`["item/name", {"item/line-items": ["line-item/quantity"], "item/account": []}]`), &p)
	require.NoError(t, err)

	assert.Equal(t, Pattern{
		Attr("item/name"),
		{Key: "item/account", Pattern: Pattern{}},
		Join("item/line-items", Attr("line-item/quantity")),
	}, p)

	assert.Error(t, json.Unmarshal([]byte(`{"item/name": true}`), &p))
	assert.Error(t, json.Unmarshal([]byte(`[42]`), &p))
}
