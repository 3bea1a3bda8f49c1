// Package ownership decides which row and column physically store the foreign key
// of every reference change, and which rows become orphans.
package ownership

import (
	"github.com/conduit-lang/attrdb/internal/orm/delta"
	"github.com/conduit-lang/attrdb/internal/orm/dependency"
	"github.com/conduit-lang/attrdb/internal/orm/ormerr"
	"github.com/conduit-lang/attrdb/internal/orm/schema"
)

// FKWrite sets one foreign key column on one row
type FKWrite struct {
	// Holder is the row storing the foreign key
	Holder delta.EntityRef
	Entity *schema.EntitySpec

	// Attr is the direct reference attribute owning the column
	Attr *schema.AttributeSpec

	// Target is the referenced row; nil writes NULL
	Target *delta.EntityRef

	// Expect restricts an unlink to rows still pointing at the former owner
	Expect *delta.EntityRef

	// Source is the attribute changed in the delta, which differs from Attr for reverse attributes
	Source *schema.AttributeSpec
}

// Orphan is a row deleted after the main write phase because a delete-orphan
// reference to it was removed
type Orphan struct {
	Ref    delta.EntityRef
	Entity *schema.EntitySpec
	Source *schema.AttributeSpec
	Owner  delta.EntityRef
}

// Resolution is the storage-level form of every reference change in a plan
type Resolution struct {
	// Columns holds foreign keys written by the holder's own insert or update
	Columns map[delta.EntityRef][]FKWrite

	// Unlinks set foreign keys to NULL on persisted rows; applied before Links
	Unlinks []FKWrite

	// Links set foreign keys on persisted rows that are not inserted by this save
	Links []FKWrite

	Orphans []Orphan

	// Edges order inserts: From holds a foreign key to To
	Edges []dependency.Edge
}

// Engine resolves ownership against a registry
type Engine struct {
	registry *schema.Registry
}

// NewEngine creates an ownership engine
func NewEngine(registry *schema.Registry) *Engine {
	return &Engine{registry: registry}
}

type columnKey struct {
	holder delta.EntityRef
	attr   string
}

type resolver struct {
	*Engine
	plan    *delta.Plan
	res     *Resolution
	written map[columnKey]*delta.EntityRef
}

// Resolve walks every reference change in enumeration order.
//
// Removal from a delete-orphan attribute always deletes the former target, even
// when the same delta adds it to another owner: removal is applied before
// addition, so moving an entity between owners through such an attribute
// deletes it.
func (e *Engine) Resolve(plan *delta.Plan) (*Resolution, error) {
	r := &resolver{
		Engine:  e,
		plan:    plan,
		res:     &Resolution{Columns: make(map[delta.EntityRef][]FKWrite)},
		written: make(map[columnKey]*delta.EntityRef),
	}

	for _, op := range plan.Operations {
		for _, ac := range op.Changes {
			if !ac.Attr.IsReference() {
				continue
			}
			var err error
			if ac.Attr.IsReverse() {
				err = r.reverse(op, ac)
			} else {
				err = r.direct(op, ac)
			}
			if err != nil {
				return nil, err
			}
		}
	}

	return r.res, nil
}

// direct handles a reference stored on the changed entity's own row
func (r *resolver) direct(op *delta.Operation, ac *delta.AttributeChange) error {
	w := FKWrite{Holder: op.Ref, Entity: op.Entity, Attr: ac.Attr, Source: ac.Attr}

	switch {
	case len(ac.Added) > 0:
		target := ac.Added[0]
		w.Target = &target
		if op.Kind == delta.OpInsert {
			r.res.Edges = append(r.res.Edges, dependency.Edge{From: op.Ref, To: target})
		}
	case len(ac.Removed) > 0 && op.Kind != delta.OpInsert:
		// NULL
	default:
		return nil
	}

	dup, err := r.claim(w)
	if err != nil || dup {
		return err
	}
	r.res.Columns[op.Ref] = append(r.res.Columns[op.Ref], w)
	return nil
}

// reverse translates a change of an fk-owner-of attribute into writes on the target rows
func (r *resolver) reverse(op *delta.Operation, ac *delta.AttributeChange) error {
	owner, ok := r.registry.Owner(ac.Attr)
	if !ok {
		return ormerr.Validationf(op.Ref.String(), ac.Attr.Key, "fk-owner-of %s is not registered", ac.Attr.FKOwnerOf)
	}
	holderEntity, _ := r.registry.Entity(owner.Entity())

	for _, removed := range ac.Removed {
		if removed.IsTemp() {
			continue
		}
		if ac.Attr.DeleteOrphan {
			r.res.Orphans = append(r.res.Orphans, Orphan{
				Ref:    removed,
				Entity: holderEntity,
				Source: ac.Attr,
				Owner:  op.Ref,
			})
			continue
		}
		former := op.Ref
		r.res.Unlinks = append(r.res.Unlinks, FKWrite{
			Holder: removed,
			Entity: holderEntity,
			Attr:   owner,
			Expect: &former,
			Source: ac.Attr,
		})
	}

	for _, added := range ac.Added {
		target := op.Ref
		w := FKWrite{
			Holder: added,
			Entity: holderEntity,
			Attr:   owner,
			Target: &target,
			Source: ac.Attr,
		}
		dup, err := r.claim(w)
		if err != nil {
			return err
		}
		if dup {
			continue
		}

		if holderOp, ok := r.plan.Operation(added); ok && holderOp.Kind == delta.OpInsert {
			r.res.Columns[added] = append(r.res.Columns[added], w)
			r.res.Edges = append(r.res.Edges, dependency.Edge{From: added, To: op.Ref})
			continue
		}
		r.res.Links = append(r.res.Links, w)
	}
	return nil
}

// claim records the value written to a column and rejects a second, different value.
// The same value written through an attribute and its reverse view is folded.
func (r *resolver) claim(w FKWrite) (bool, error) {
	key := columnKey{holder: w.Holder, attr: w.Attr.Key}
	prev, seen := r.written[key]
	if !seen {
		r.written[key] = w.Target
		return false, nil
	}
	if sameTarget(prev, w.Target) {
		return true, nil
	}
	return false, ormerr.Validationf(w.Holder.String(), w.Attr.Key,
		"conflicting values for the same foreign key (via %s)", w.Source.Key)
}

func sameTarget(a, b *delta.EntityRef) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
