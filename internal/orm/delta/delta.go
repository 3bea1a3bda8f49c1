// Package delta models a save request: an ordered set of per-entity attribute
// changes, and the planner that classifies and validates it against a registry.
package delta

import (
	"fmt"

	"github.com/google/uuid"
)

// TempID is a caller-generated placeholder for an identifier not yet assigned
type TempID string

// EntityRef identifies an entity by its identity attribute key and an identifier.
// ID is a TempID or a persisted value (int64, string or uuid.UUID).
type EntityRef struct {
	IdentityKey string
	ID          interface{}
}

// Ref builds an EntityRef, normalizing integer identifiers to int64
func Ref(identityKey string, id interface{}) EntityRef {
	switch v := id.(type) {
	case int:
		id = int64(v)
	case int32:
		id = int64(v)
	}
	return EntityRef{IdentityKey: identityKey, ID: id}
}

// Temp builds an EntityRef for a placeholder
func Temp(identityKey string, id TempID) EntityRef {
	return EntityRef{IdentityKey: identityKey, ID: id}
}

// TempID returns the placeholder, if the ref holds one
func (r EntityRef) TempID() (TempID, bool) {
	t, ok := r.ID.(TempID)
	return t, ok
}

// IsTemp returns true if the ref holds a placeholder
func (r EntityRef) IsTemp() bool {
	_, ok := r.ID.(TempID)
	return ok
}

// String formats the ref as identity-key[id]
func (r EntityRef) String() string {
	return fmt.Sprintf("%s[%v]", r.IdentityKey, r.ID)
}

func (r EntityRef) key() string {
	return fmt.Sprintf("%s\x00%T\x00%v", r.IdentityKey, r.ID, r.ID)
}

func validID(id interface{}) bool {
	switch id.(type) {
	case TempID, int64, string, uuid.UUID:
		return true
	default:
		return false
	}
}

// Change is the before/after pair of one attribute. Reference values are an
// EntityRef for to-one attributes and a []EntityRef for to-many attributes.
type Change struct {
	Before interface{}
	After  interface{}
}

// Set is a change with only an after value
func Set(after interface{}) Change {
	return Change{After: after}
}

// Replace is a change from before to after
func Replace(before, after interface{}) Change {
	return Change{Before: before, After: after}
}

// Unset is a change removing the before value
func Unset(before interface{}) Change {
	return Change{Before: before}
}

// Entry holds the changes for one entity
type Entry struct {
	Ref     EntityRef
	Changes map[string]Change
	Delete  bool
}

// Delta is an ordered set of entries keyed by EntityRef. Insertion order is the
// enumeration order used for sequence grouping.
type Delta struct {
	entries []*Entry
	index   map[string]*Entry
}

// New creates an empty delta
func New() *Delta {
	return &Delta{index: make(map[string]*Entry)}
}

func (d *Delta) entry(ref EntityRef) *Entry {
	k := ref.key()
	if e, ok := d.index[k]; ok {
		return e
	}
	e := &Entry{Ref: ref, Changes: make(map[string]Change)}
	d.entries = append(d.entries, e)
	d.index[k] = e
	return e
}

// Put records an attribute change, replacing any earlier change of the same attribute
func (d *Delta) Put(ref EntityRef, attribute string, c Change) *Delta {
	d.entry(ref).Changes[attribute] = c
	return d
}

// Tombstone marks an entity for deletion
func (d *Delta) Tombstone(ref EntityRef) *Delta {
	d.entry(ref).Delete = true
	return d
}

// Entries returns the entries in insertion order
func (d *Delta) Entries() []*Entry {
	return d.entries
}

// Len returns the number of entries
func (d *Delta) Len() int {
	return len(d.entries)
}

// TempIDs returns every placeholder used as an entity identifier
func (d *Delta) TempIDs() []TempID {
	var ids []TempID
	for _, e := range d.entries {
		if t, ok := e.Ref.TempID(); ok {
			ids = append(ids, t)
		}
	}
	return ids
}
