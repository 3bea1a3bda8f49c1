// Package schema defines the attribute metadata consumed by the save and query engines.
// A Registry is built once, validated, and shared read-only by every component.
package schema

import (
	"fmt"
	"strings"
)

// ValueType is the declared type of an attribute
type ValueType int

const (
	// Identifier types
	TypeUUIDIdentifier ValueType = iota
	TypeSequenceIdentifier

	// Scalar types
	TypeString
	TypeInteger
	TypeDecimal
	TypeInstant
	TypeBoolean
	TypeEnum

	// References to other entities
	TypeReference
)

// String returns the string representation of the value type
func (t ValueType) String() string {
	switch t {
	case TypeUUIDIdentifier:
		return "identifier-uuid"
	case TypeSequenceIdentifier:
		return "identifier-sequence"
	case TypeString:
		return "string"
	case TypeInteger:
		return "integer"
	case TypeDecimal:
		return "decimal"
	case TypeInstant:
		return "instant"
	case TypeBoolean:
		return "boolean"
	case TypeEnum:
		return "enum"
	case TypeReference:
		return "reference"
	default:
		return "unknown"
	}
}

// ParseValueType converts a string to a ValueType
func ParseValueType(s string) (ValueType, error) {
	switch s {
	case "identifier-uuid":
		return TypeUUIDIdentifier, nil
	case "identifier-sequence":
		return TypeSequenceIdentifier, nil
	case "string":
		return TypeString, nil
	case "integer":
		return TypeInteger, nil
	case "decimal":
		return TypeDecimal, nil
	case "instant":
		return TypeInstant, nil
	case "boolean":
		return TypeBoolean, nil
	case "enum":
		return TypeEnum, nil
	case "reference":
		return TypeReference, nil
	default:
		return 0, fmt.Errorf("unknown value type: %s", s)
	}
}

// Cardinality is the number of targets a reference attribute holds
type Cardinality int

const (
	CardinalityOne Cardinality = iota
	CardinalityMany
)

// String returns the string representation of the cardinality
func (c Cardinality) String() string {
	if c == CardinalityMany {
		return "many"
	}
	return "one"
}

// ParseCardinality converts a string to a Cardinality. The empty string means one.
func ParseCardinality(s string) (Cardinality, error) {
	switch s {
	case "", "one":
		return CardinalityOne, nil
	case "many":
		return CardinalityMany, nil
	default:
		return 0, fmt.Errorf("unknown cardinality: %s", s)
	}
}

// DefaultDatabase is the logical schema used by entities that don't name one
const DefaultDatabase = "default"

// AttributeSpec describes one qualified attribute
type AttributeSpec struct {
	// Key is the qualified attribute key, "entity/name"
	Key string

	Type        ValueType
	Cardinality Cardinality
	Identity    bool

	// Target is the referenced entity (references only)
	Target string

	// FKOwnerOf marks a reverse attribute; the foreign key lives in the named
	// to-one reference on the target entity
	FKOwnerOf    string
	DeleteOrphan bool
	OrderBy      string

	Table     string
	Column    string
	MaxLength int

	// Values restricts enum attributes
	Values []string

	// Sequence names the database sequence of an identifier-sequence identity
	Sequence string

	// ConverterName selects a registered custom converter
	ConverterName string

	// Converter is resolved at build time: the custom converter, or the value type default
	Converter Converter
}

// Entity returns the entity (namespace) part of the key
func (a *AttributeSpec) Entity() string {
	entity, _ := SplitKey(a.Key)
	return entity
}

// Name returns the local part of the key
func (a *AttributeSpec) Name() string {
	_, name := SplitKey(a.Key)
	return name
}

// IsReference returns true for reference attributes
func (a *AttributeSpec) IsReference() bool {
	return a.Type == TypeReference
}

// IsReverse returns true if the foreign key is stored by another attribute
func (a *AttributeSpec) IsReverse() bool {
	return a.FKOwnerOf != ""
}

// IsMany returns true for to-many references
func (a *AttributeSpec) IsMany() bool {
	return a.Type == TypeReference && a.Cardinality == CardinalityMany
}

// IsIdentifier returns true for types the identifier resolver can allocate
func (t ValueType) IsIdentifier() bool {
	return t == TypeUUIDIdentifier || t == TypeSequenceIdentifier
}

// EntitySpec groups the attributes of one entity
type EntitySpec struct {
	Name     string
	Table    string
	Database string

	// Identity is the entity's primary key attribute
	Identity *AttributeSpec

	attributes []*AttributeSpec
	byName     map[string]*AttributeSpec
}

// Attributes returns the entity's attributes sorted by key
func (e *EntitySpec) Attributes() []*AttributeSpec {
	result := make([]*AttributeSpec, len(e.attributes))
	copy(result, e.attributes)
	return result
}

// Attribute looks up an attribute by local name
func (e *EntitySpec) Attribute(name string) (*AttributeSpec, bool) {
	attr, ok := e.byName[name]
	return attr, ok
}

// Columns returns the attributes physically stored on the entity's table, sorted by key
func (e *EntitySpec) Columns() []*AttributeSpec {
	var cols []*AttributeSpec
	for _, attr := range e.attributes {
		if attr.IsReverse() {
			continue
		}
		cols = append(cols, attr)
	}
	return cols
}

// SplitKey splits a qualified key into entity and name
func SplitKey(key string) (entity, name string) {
	idx := strings.LastIndex(key, "/")
	if idx < 0 {
		return "", key
	}
	return key[:idx], key[idx+1:]
}

// JoinKey builds a qualified key
func JoinKey(entity, name string) string {
	return entity + "/" + name
}
