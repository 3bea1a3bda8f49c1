package schema

import (
	"fmt"
	"sort"
	"strings"
)

// Registry is the immutable index of entities and attributes. It is safe for
// concurrent use once built.
type Registry struct {
	entities   map[string]*EntitySpec
	attributes map[string]*AttributeSpec
	names      []string
}

// Attribute retrieves an attribute by qualified key
func (r *Registry) Attribute(key string) (*AttributeSpec, bool) {
	attr, ok := r.attributes[key]
	return attr, ok
}

// Entity retrieves an entity by name
func (r *Registry) Entity(name string) (*EntitySpec, bool) {
	entity, ok := r.entities[name]
	return entity, ok
}

// EntityForIdentity resolves the entity whose identity attribute has the given key
func (r *Registry) EntityForIdentity(identityKey string) (*EntitySpec, bool) {
	attr, ok := r.attributes[identityKey]
	if !ok || !attr.Identity {
		return nil, false
	}
	return r.entities[attr.Entity()], true
}

// Entities returns all entities sorted by name
func (r *Registry) Entities() []*EntitySpec {
	result := make([]*EntitySpec, 0, len(r.names))
	for _, name := range r.names {
		result = append(result, r.entities[name])
	}
	return result
}

// Count returns the number of entities
func (r *Registry) Count() int {
	return len(r.entities)
}

// Owner returns the attribute physically holding the foreign key of a reverse attribute
func (r *Registry) Owner(attr *AttributeSpec) (*AttributeSpec, bool) {
	if !attr.IsReverse() {
		return nil, false
	}
	owner, ok := r.attributes[attr.FKOwnerOf]
	return owner, ok
}

// Target returns the entity referenced by a reference attribute
func (r *Registry) Target(attr *AttributeSpec) (*EntitySpec, bool) {
	if !attr.IsReference() {
		return nil, false
	}
	entity, ok := r.entities[attr.Target]
	return entity, ok
}

// SchemaError describes one problem found while building a registry
type SchemaError struct {
	Entity    string
	Attribute string
	Message   string
	Hint      string
}

// Error implements the error interface
func (e *SchemaError) Error() string {
	var b strings.Builder

	if e.Attribute != "" {
		b.WriteString(e.Attribute)
		b.WriteString(": ")
	} else if e.Entity != "" {
		b.WriteString(e.Entity)
		b.WriteString(": ")
	}

	b.WriteString(e.Message)

	if e.Hint != "" {
		b.WriteString("\n  hint: ")
		b.WriteString(e.Hint)
	}

	return b.String()
}

// BuildError aggregates every SchemaError found during Build
type BuildError struct {
	Errors []*SchemaError
}

// Error implements the error interface
func (e *BuildError) Error() string {
	lines := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		lines[i] = "  " + err.Error()
	}
	return fmt.Sprintf("registry has %d error(s):\n%s", len(e.Errors), strings.Join(lines, "\n"))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
