package schema

import (
	"fmt"
	"sort"
)

// Builder collects entity and attribute declarations and validates them into a Registry
type Builder struct {
	entities   map[string]EntitySpec
	attributes []AttributeSpec
	converters map[string]Converter
	errors     []*SchemaError
}

// NewBuilder creates a new registry builder
func NewBuilder() *Builder {
	return &Builder{
		entities:   make(map[string]EntitySpec),
		converters: make(map[string]Converter),
	}
}

// Entity declares entity-level options. Entities referenced only through
// attribute keys get default options.
func (b *Builder) Entity(spec EntitySpec) *Builder {
	if _, exists := b.entities[spec.Name]; exists {
		b.errors = append(b.errors, &SchemaError{
			Entity:  spec.Name,
			Message: "entity is declared more than once",
		})
		return b
	}
	b.entities[spec.Name] = spec
	return b
}

// Attribute declares an attribute
func (b *Builder) Attribute(spec AttributeSpec) *Builder {
	b.attributes = append(b.attributes, spec)
	return b
}

// Converter registers a named custom converter that attributes may select
func (b *Builder) Converter(name string, c Converter) *Builder {
	b.converters[name] = c
	return b
}

// Build validates every declaration and returns the immutable Registry.
// All problems are reported together in a *BuildError.
func (b *Builder) Build() (*Registry, error) {
	reg := &Registry{
		entities:   make(map[string]*EntitySpec),
		attributes: make(map[string]*AttributeSpec),
	}

	for name, decl := range b.entities {
		reg.entities[name] = newEntity(decl)
	}

	for i := range b.attributes {
		attr := b.attributes[i]
		entityName, name := SplitKey(attr.Key)
		if entityName == "" || name == "" {
			b.fail("", attr.Key, "attribute key must be qualified as entity/name", "")
			continue
		}
		if _, dup := reg.attributes[attr.Key]; dup {
			b.fail(entityName, attr.Key, "attribute is declared more than once", "")
			continue
		}
		entity, ok := reg.entities[entityName]
		if !ok {
			entity = newEntity(EntitySpec{Name: entityName})
			reg.entities[entityName] = entity
		}
		spec := attr
		reg.attributes[attr.Key] = &spec
		entity.attributes = append(entity.attributes, &spec)
		entity.byName[name] = &spec
	}

	reg.names = sortedKeys(reg.entities)

	for _, name := range reg.names {
		entity := reg.entities[name]
		sort.Slice(entity.attributes, func(i, j int) bool {
			return entity.attributes[i].Key < entity.attributes[j].Key
		})
		b.validateEntity(reg, entity)
	}

	// Reverse attributes take their storage from the owner, so they are
	// resolved after every direct attribute has its defaults.
	for _, name := range reg.names {
		for _, attr := range reg.entities[name].attributes {
			if attr.IsReverse() {
				b.validateReverse(reg, attr)
			}
		}
	}

	if len(b.errors) > 0 {
		return nil, &BuildError{Errors: b.errors}
	}
	return reg, nil
}

func newEntity(decl EntitySpec) *EntitySpec {
	entity := &EntitySpec{
		Name:     decl.Name,
		Table:    decl.Table,
		Database: decl.Database,
		byName:   make(map[string]*AttributeSpec),
	}
	if entity.Table == "" {
		entity.Table = TableName(entity.Name)
	}
	if entity.Database == "" {
		entity.Database = DefaultDatabase
	}
	return entity
}

func (b *Builder) fail(entity, attribute, message, hint string) {
	b.errors = append(b.errors, &SchemaError{
		Entity:    entity,
		Attribute: attribute,
		Message:   message,
		Hint:      hint,
	})
}

func (b *Builder) validateEntity(reg *Registry, entity *EntitySpec) {
	for _, attr := range entity.attributes {
		if attr.Identity {
			if entity.Identity != nil {
				b.fail(entity.Name, attr.Key,
					fmt.Sprintf("entity already has identity attribute %s", entity.Identity.Key), "")
				continue
			}
			entity.Identity = attr
		}
		b.validateAttribute(reg, entity, attr)
	}

	if entity.Identity == nil {
		b.fail(entity.Name, "", "entity has no identity attribute",
			"Mark one attribute with identity: true")
	}
}

func (b *Builder) validateAttribute(reg *Registry, entity *EntitySpec, attr *AttributeSpec) {
	if attr.Table == "" {
		attr.Table = entity.Table
	} else if attr.Table != entity.Table && !attr.IsReverse() {
		b.fail(entity.Name, attr.Key,
			fmt.Sprintf("table %s differs from the entity table %s", attr.Table, entity.Table),
			"Only fk-owner-of attributes are stored on another table")
	}
	if attr.Column == "" && !attr.IsReverse() {
		attr.Column = ColumnName(attr.Name(), attr.Type)
	}

	if attr.ConverterName != "" {
		c, ok := b.converters[attr.ConverterName]
		if !ok {
			b.fail(entity.Name, attr.Key, fmt.Sprintf("unknown converter %s", attr.ConverterName), "")
		}
		attr.Converter = c
	}
	if attr.Converter == nil {
		attr.Converter = DefaultConverter(attr.Type)
	}

	if attr.MaxLength < 0 {
		b.fail(entity.Name, attr.Key, "max-length must not be negative", "")
	}
	if attr.MaxLength > 0 && attr.Type != TypeString && attr.Type != TypeEnum {
		b.fail(entity.Name, attr.Key, "max-length is only valid on string attributes", "")
	}
	if len(attr.Values) > 0 && attr.Type != TypeEnum {
		b.fail(entity.Name, attr.Key, "values are only valid on enum attributes", "")
	}

	if attr.Identity {
		switch {
		case attr.IsReference():
			b.fail(entity.Name, attr.Key, "identity attribute cannot be a reference", "")
		case attr.Type == TypeSequenceIdentifier && attr.Sequence == "":
			attr.Sequence = SequenceName(attr.Table, attr.Column)
		}
	} else if attr.Sequence != "" {
		b.fail(entity.Name, attr.Key, "sequence is only valid on identifier-sequence identities", "")
	}

	if !attr.IsReference() {
		if attr.Target != "" || attr.Cardinality != CardinalityOne {
			b.fail(entity.Name, attr.Key, "target and cardinality are only valid on references", "")
		}
		if attr.FKOwnerOf != "" || attr.DeleteOrphan || attr.OrderBy != "" {
			b.fail(entity.Name, attr.Key,
				"fk-owner-of, delete-orphan and order-by are only valid on references", "")
		}
		return
	}

	if _, ok := reg.entities[attr.Target]; !ok {
		b.fail(entity.Name, attr.Key, fmt.Sprintf("references unknown entity %q", attr.Target),
			"Ensure the target entity declares an identity attribute")
	}
	if attr.Cardinality == CardinalityMany && !attr.IsReverse() {
		b.fail(entity.Name, attr.Key, "to-many reference requires fk-owner-of",
			"Point fk-owner-of at the to-one reference on the target that stores the foreign key")
	}
	if attr.DeleteOrphan && !attr.IsReverse() {
		b.fail(entity.Name, attr.Key, "delete-orphan requires fk-owner-of", "")
	}
	if attr.OrderBy != "" && (!attr.IsReverse() || attr.Cardinality != CardinalityMany) {
		b.fail(entity.Name, attr.Key, "order-by requires fk-owner-of and cardinality many", "")
	}
}

func (b *Builder) validateReverse(reg *Registry, attr *AttributeSpec) {
	entity := attr.Entity()
	owner, ok := reg.attributes[attr.FKOwnerOf]
	if !ok {
		b.fail(entity, attr.Key, fmt.Sprintf("fk-owner-of points at unknown attribute %s", attr.FKOwnerOf), "")
		return
	}
	if !owner.IsReference() || owner.IsReverse() || owner.Cardinality != CardinalityOne {
		b.fail(entity, attr.Key,
			fmt.Sprintf("fk-owner-of %s must be a direct to-one reference", owner.Key), "")
		return
	}
	if owner.Entity() != attr.Target || owner.Target != entity {
		b.fail(entity, attr.Key,
			fmt.Sprintf("fk-owner-of %s must live on %s and reference %s", owner.Key, attr.Target, entity), "")
		return
	}

	if attr.Column != "" && attr.Column != owner.Column {
		b.fail(entity, attr.Key, "column-name of a reverse attribute is taken from fk-owner-of", "")
	}
	attr.Table = owner.Table
	attr.Column = owner.Column

	if attr.OrderBy != "" {
		orderBy, ok := reg.attributes[attr.OrderBy]
		if !ok || orderBy.Entity() != attr.Target {
			b.fail(entity, attr.Key, fmt.Sprintf("order-by %s must be an attribute of %s", attr.OrderBy, attr.Target), "")
		} else if orderBy.IsReverse() {
			b.fail(entity, attr.Key, fmt.Sprintf("order-by %s must be stored on %s", attr.OrderBy, owner.Table), "")
		}
	}
}
