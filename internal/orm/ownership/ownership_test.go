package ownership

import (
	"testing"

	"github.com/conduit-lang/attrdb/internal/orm/delta"
	"github.com/conduit-lang/attrdb/internal/orm/dependency"
	"github.com/conduit-lang/attrdb/internal/orm/ormerr"
	"github.com/conduit-lang/attrdb/internal/orm/ormtest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolve(t *testing.T, d *delta.Delta) (*Resolution, error) {
	t.Helper()
	reg := ormtest.Registry(t)
	plan, err := delta.NewPlanner(reg).Plan(d)
	require.NoError(t, err)
	return NewEngine(reg).Resolve(plan)
}

func TestDirectReferenceOnInsert(t *testing.T) {
	item := delta.Temp("item/id", "i")
	account := delta.Temp("account/id", "a")

	res, err := resolve(t, delta.New().
		Put(item, "item/account", delta.Set(account)).
		Put(account, "account/name", delta.Set("Acme")))
	require.NoError(t, err)

	writes := res.Columns[item]
	require.Len(t, writes, 1)
	assert.Equal(t, "item/account", writes[0].Attr.Key)
	assert.Equal(t, "account_id", writes[0].Attr.Column)
	assert.Equal(t, account, *writes[0].Target)
	assert.Equal(t, []dependency.Edge{{From: item, To: account}}, res.Edges)
	assert.Empty(t, res.Links)
}

func TestDirectReferenceRemovedOnUpdate(t *testing.T) {
	item := delta.Ref("item/id", 4)
	account := delta.Ref("account/id", uuid.New())

	res, err := resolve(t, delta.New().Put(item, "item/account", delta.Unset(account)))
	require.NoError(t, err)

	writes := res.Columns[item]
	require.Len(t, writes, 1)
	assert.Nil(t, writes[0].Target)
	assert.Empty(t, res.Orphans)
	assert.Empty(t, res.Edges)
}

func TestReverseAdditionFoldsIntoInsert(t *testing.T) {
	item := delta.Temp("item/id", "i")
	account := delta.Temp("account/id", "a")

	// The account lists the new item; the foreign key lives on the item row
	res, err := resolve(t, delta.New().
		Put(account, "account/items", delta.Set([]delta.EntityRef{item})).
		Put(item, "item/name", delta.Set("Widget")))
	require.NoError(t, err)

	assert.Empty(t, res.Columns[account])
	writes := res.Columns[item]
	require.Len(t, writes, 1)
	assert.Equal(t, "item/account", writes[0].Attr.Key)
	assert.Equal(t, "account/items", writes[0].Source.Key)
	assert.Equal(t, account, *writes[0].Target)
	assert.Equal(t, []dependency.Edge{{From: item, To: account}}, res.Edges)
}

func TestReverseChangesOnPersistedRows(t *testing.T) {
	account := delta.Ref("account/id", uuid.New())
	kept := delta.Ref("item/id", 1)
	dropped := delta.Ref("item/id", 2)
	added := delta.Ref("item/id", 3)

	res, err := resolve(t, delta.New().Put(account, "account/items", delta.Replace(
		[]delta.EntityRef{kept, dropped},
		[]delta.EntityRef{kept, added},
	)))
	require.NoError(t, err)

	require.Len(t, res.Unlinks, 1)
	assert.Equal(t, dropped, res.Unlinks[0].Holder)
	assert.Nil(t, res.Unlinks[0].Target)
	assert.Equal(t, account, *res.Unlinks[0].Expect)

	require.Len(t, res.Links, 1)
	assert.Equal(t, added, res.Links[0].Holder)
	assert.Equal(t, account, *res.Links[0].Target)
	assert.Equal(t, "items", res.Links[0].Entity.Table)

	assert.Empty(t, res.Orphans)
}

func TestDeleteOrphanRemoval(t *testing.T) {
	item := delta.Ref("item/id", 10)
	line := delta.Ref("line-item/id", 3)

	res, err := resolve(t, delta.New().Put(item, "item/line-items",
		delta.Replace([]delta.EntityRef{line}, []delta.EntityRef{})))
	require.NoError(t, err)

	require.Len(t, res.Orphans, 1)
	assert.Equal(t, line, res.Orphans[0].Ref)
	assert.Equal(t, "line_items", res.Orphans[0].Entity.Table)
	assert.Equal(t, item, res.Orphans[0].Owner)
	assert.Empty(t, res.Unlinks)
}

func TestDeleteOrphanReparentingStillDeletes(t *testing.T) {
	from := delta.Ref("item/id", 10)
	to := delta.Ref("item/id", 11)
	line := delta.Ref("line-item/id", 3)

	res, err := resolve(t, delta.New().
		Put(from, "item/line-items", delta.Unset([]delta.EntityRef{line})).
		Put(to, "item/line-items", delta.Set([]delta.EntityRef{line})))
	require.NoError(t, err)

	require.Len(t, res.Orphans, 1)
	assert.Equal(t, line, res.Orphans[0].Ref)
	require.Len(t, res.Links, 1)
	assert.Equal(t, to, *res.Links[0].Target)
}

func TestToOneReverseReplacement(t *testing.T) {
	account := delta.Ref("account/id", uuid.New())
	oldProfile := delta.Ref("profile/id", uuid.New())
	newProfile := delta.Temp("profile/id", "p")

	res, err := resolve(t, delta.New().
		Put(account, "account/profile", delta.Replace(oldProfile, newProfile)).
		Put(newProfile, "profile/bio", delta.Set("hello")))
	require.NoError(t, err)

	require.Len(t, res.Orphans, 1)
	assert.Equal(t, oldProfile, res.Orphans[0].Ref)

	writes := res.Columns[newProfile]
	require.Len(t, writes, 1)
	assert.Equal(t, "account_id", writes[0].Attr.Column)
	assert.Equal(t, account, *writes[0].Target)
	assert.Empty(t, res.Links)
}

func TestSameForeignKeyThroughBothSides(t *testing.T) {
	item := delta.Temp("item/id", "i")
	account := delta.Temp("account/id", "a")

	res, err := resolve(t, delta.New().
		Put(item, "item/account", delta.Set(account)).
		Put(account, "account/items", delta.Set([]delta.EntityRef{item})))
	require.NoError(t, err)
	assert.Len(t, res.Columns[item], 1)
}

func TestConflictingForeignKeys(t *testing.T) {
	item := delta.Temp("item/id", "i")
	first := delta.Temp("account/id", "a")
	second := delta.Temp("account/id", "b")

	_, err := resolve(t, delta.New().
		Put(item, "item/account", delta.Set(first)).
		Put(first, "account/name", delta.Set("First")).
		Put(second, "account/items", delta.Set([]delta.EntityRef{item})))
	require.Error(t, err)
	assert.True(t, ormerr.IsValidation(err))
	assert.Contains(t, err.Error(), "conflicting values for the same foreign key (via account/items)")
}
