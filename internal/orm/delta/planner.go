package delta

import (
	"sort"
	"unicode/utf8"

	"github.com/conduit-lang/attrdb/internal/orm/ormerr"
	"github.com/conduit-lang/attrdb/internal/orm/schema"
)

// OpKind classifies the write an entry turns into
type OpKind int

const (
	// OpInsert creates a row for a placeholder
	OpInsert OpKind = iota
	// OpUpdate changes columns of a persisted row
	OpUpdate
	// OpDelete removes a persisted row
	OpDelete
)

// String returns the string representation of the operation kind
func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// AttributeChange is a validated change of one attribute. For references, Added
// and Removed hold the targets gained and lost by the change.
type AttributeChange struct {
	Attr    *schema.AttributeSpec
	Change  Change
	Added   []EntityRef
	Removed []EntityRef
}

// Operation is the classified write for one entity
type Operation struct {
	Ref     EntityRef
	Kind    OpKind
	Entity  *schema.EntitySpec
	Changes []*AttributeChange
}

// Placeholder is a TempID with the entity it identifies
type Placeholder struct {
	ID     TempID
	Ref    EntityRef
	Entity *schema.EntitySpec
}

// IdentifierPlan lists every placeholder of a delta in enumeration order: the
// order in which placeholders first appear while scanning entries, each entry's
// own ref before its attribute values in key order.
type IdentifierPlan struct {
	Placeholders []Placeholder
}

// Len returns the number of placeholders
func (p *IdentifierPlan) Len() int {
	return len(p.Placeholders)
}

// Plan is the validated, classified form of a delta
type Plan struct {
	Registry    *schema.Registry
	Database    string
	Operations  []*Operation
	Identifiers *IdentifierPlan

	byRef map[EntityRef]*Operation
}

// Operation returns the operation for a ref
func (p *Plan) Operation(ref EntityRef) (*Operation, bool) {
	op, ok := p.byRef[ref]
	return op, ok
}

// Inserts returns the insert operations in enumeration order
func (p *Plan) Inserts() []*Operation {
	return p.filter(OpInsert)
}

// Updates returns the update operations in enumeration order
func (p *Plan) Updates() []*Operation {
	return p.filter(OpUpdate)
}

// Deletes returns the delete operations in enumeration order
func (p *Plan) Deletes() []*Operation {
	return p.filter(OpDelete)
}

func (p *Plan) filter(kind OpKind) []*Operation {
	var ops []*Operation
	for _, op := range p.Operations {
		if op.Kind == kind {
			ops = append(ops, op)
		}
	}
	return ops
}

// Planner validates deltas against a registry
type Planner struct {
	registry *schema.Registry
}

// NewPlanner creates a planner for a registry
func NewPlanner(registry *schema.Registry) *Planner {
	return &Planner{registry: registry}
}

// Plan classifies every entry of the delta and builds its IdentifierPlan.
// Every failure is an *ormerr.ValidationError; the database is never touched.
func (p *Planner) Plan(d *Delta) (*Plan, error) {
	plan := &Plan{
		Registry:    p.registry,
		Identifiers: &IdentifierPlan{},
		byRef:       make(map[EntityRef]*Operation),
	}

	// Pass 1: classify every entity so reference values can be checked against the delta
	for _, entry := range d.Entries() {
		op, err := p.classify(entry)
		if err != nil {
			return nil, err
		}
		if plan.Database == "" {
			plan.Database = op.Entity.Database
		} else if plan.Database != op.Entity.Database {
			return nil, ormerr.Validationf(entry.Ref.String(), "",
				"entity belongs to database %s but the delta writes to %s", op.Entity.Database, plan.Database)
		}
		if _, dup := plan.byRef[op.Ref]; dup {
			return nil, ormerr.Validationf(entry.Ref.String(), "", "entity appears more than once")
		}
		plan.Operations = append(plan.Operations, op)
		plan.byRef[op.Ref] = op
	}

	owners := make(map[TempID]EntityRef)
	for _, op := range plan.Operations {
		if t, ok := op.Ref.TempID(); ok {
			if prev, seen := owners[t]; seen {
				return nil, ormerr.Validationf(op.Ref.String(), "",
					"placeholder %s already identifies %s", t, prev)
			}
			owners[t] = op.Ref
		}
	}

	// Pass 2: validate attribute changes and record placeholders in enumeration order
	seen := make(map[TempID]bool)
	record := func(ref EntityRef) {
		t, ok := ref.TempID()
		if !ok || seen[t] {
			return
		}
		seen[t] = true
		op := plan.byRef[ref]
		plan.Identifiers.Placeholders = append(plan.Identifiers.Placeholders, Placeholder{
			ID:     t,
			Ref:    ref,
			Entity: op.Entity,
		})
	}

	for i, entry := range d.Entries() {
		op := plan.Operations[i]
		record(op.Ref)

		for _, key := range sortedAttributeKeys(entry.Changes) {
			ac, err := p.validateChange(plan, op, key, entry.Changes[key])
			if err != nil {
				return nil, err
			}
			for _, ref := range ac.Added {
				record(ref)
			}
			for _, ref := range ac.Removed {
				record(ref)
			}
			op.Changes = append(op.Changes, ac)
		}
	}

	return plan, nil
}

func (p *Planner) classify(entry *Entry) (*Operation, error) {
	ref := Ref(entry.Ref.IdentityKey, entry.Ref.ID)
	entity, ok := p.registry.EntityForIdentity(ref.IdentityKey)
	if !ok {
		return nil, ormerr.Validationf(ref.String(), "", "unknown entity identity key %s", ref.IdentityKey)
	}
	if !validID(ref.ID) {
		return nil, ormerr.Validationf(ref.String(), "", "unsupported identifier type %T", ref.ID)
	}

	if !ref.IsTemp() {
		if _, err := entity.Identity.Converter.ToStorage(ref.ID); err != nil {
			return nil, ormerr.Validationf(ref.String(), entity.Identity.Key, "%v", err)
		}
	}

	op := &Operation{Ref: ref, Entity: entity}
	switch {
	case ref.IsTemp():
		if entry.Delete {
			return nil, ormerr.Validationf(ref.String(), "", "cannot delete an entity that is not persisted")
		}
		if !entity.Identity.Type.IsIdentifier() {
			return nil, ormerr.Validationf(ref.String(), entity.Identity.Key,
				"identity type %s cannot be allocated for a placeholder", entity.Identity.Type)
		}
		op.Kind = OpInsert
	case entry.Delete:
		if len(entry.Changes) > 0 {
			return nil, ormerr.Validationf(ref.String(), "", "a deleted entity cannot also carry changes")
		}
		op.Kind = OpDelete
	default:
		op.Kind = OpUpdate
	}
	return op, nil
}

func (p *Planner) validateChange(plan *Plan, op *Operation, key string, c Change) (*AttributeChange, error) {
	entity := op.Ref.String()
	attr, ok := p.registry.Attribute(key)
	if !ok {
		return nil, ormerr.Validationf(entity, key, "unknown attribute")
	}
	if attr.Entity() != op.Entity.Name {
		return nil, ormerr.Validationf(entity, key, "attribute does not belong to %s", op.Entity.Name)
	}
	if attr.Identity {
		return nil, ormerr.Validationf(entity, key, "identity attributes cannot be changed")
	}

	ac := &AttributeChange{Attr: attr, Change: c}
	if !attr.IsReference() {
		if c.After == nil {
			return ac, nil
		}
		return ac, p.validateScalar(entity, attr, c.After)
	}

	before, err := p.refs(plan, entity, attr, c.Before)
	if err != nil {
		return nil, err
	}
	after, err := p.refs(plan, entity, attr, c.After)
	if err != nil {
		return nil, err
	}
	ac.Added = difference(after, before)
	ac.Removed = difference(before, after)
	return ac, nil
}

func (p *Planner) validateScalar(entity string, attr *schema.AttributeSpec, value interface{}) error {
	if _, err := attr.Converter.ToStorage(value); err != nil {
		return ormerr.Validationf(entity, attr.Key, "%v", err)
	}
	s, isString := value.(string)
	if !isString {
		return nil
	}
	if attr.MaxLength > 0 && utf8.RuneCountInString(s) > attr.MaxLength {
		return ormerr.Validationf(entity, attr.Key, "value exceeds max length %d", attr.MaxLength)
	}
	if attr.Type == schema.TypeEnum && len(attr.Values) > 0 {
		for _, v := range attr.Values {
			if v == s {
				return nil
			}
		}
		return ormerr.Validationf(entity, attr.Key, "value %q is not one of %v", s, attr.Values)
	}
	return nil
}

// refs validates a reference value and flattens it to a list
func (p *Planner) refs(plan *Plan, entity string, attr *schema.AttributeSpec, value interface{}) ([]EntityRef, error) {
	if value == nil {
		return nil, nil
	}

	var list []EntityRef
	switch v := value.(type) {
	case EntityRef:
		if attr.IsMany() {
			return nil, ormerr.Validationf(entity, attr.Key, "to-many reference expects a list of entity refs")
		}
		list = []EntityRef{v}
	case []EntityRef:
		if !attr.IsMany() {
			return nil, ormerr.Validationf(entity, attr.Key, "to-one reference expects a single entity ref")
		}
		list = append([]EntityRef(nil), v...)
	default:
		return nil, ormerr.Validationf(entity, attr.Key, "reference value must be an entity ref, got %T", value)
	}

	for i, ref := range list {
		ref = Ref(ref.IdentityKey, ref.ID)
		list[i] = ref
		target, ok := p.registry.EntityForIdentity(ref.IdentityKey)
		if !ok || target.Name != attr.Target {
			return nil, ormerr.Validationf(entity, attr.Key, "%s is not a %s", ref, attr.Target)
		}
		if !validID(ref.ID) {
			return nil, ormerr.Validationf(entity, attr.Key, "unsupported identifier type %T", ref.ID)
		}
		if ref.IsTemp() {
			if _, ok := plan.byRef[ref]; !ok {
				return nil, ormerr.Validationf(entity, attr.Key, "placeholder %s is not an entity of this delta", ref)
			}
			continue
		}
		if _, err := target.Identity.Converter.ToStorage(ref.ID); err != nil {
			return nil, ormerr.Validationf(entity, attr.Key, "%v", err)
		}
	}
	return list, nil
}

// difference returns the refs of a not in b, preserving order
func difference(a, b []EntityRef) []EntityRef {
	if len(a) == 0 {
		return nil
	}
	in := make(map[EntityRef]bool, len(b))
	for _, ref := range b {
		in[ref] = true
	}
	var out []EntityRef
	for _, ref := range a {
		if !in[ref] {
			in[ref] = true
			out = append(out, ref)
		}
	}
	return out
}

func sortedAttributeKeys(m map[string]Change) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
