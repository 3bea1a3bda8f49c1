// Package codegen generates the DDL matching an attribute registry.
package codegen

import (
	"fmt"
	"strings"

	"github.com/conduit-lang/attrdb/internal/orm/dialect"
	"github.com/conduit-lang/attrdb/internal/orm/schema"
)

// TypeMapper maps attribute value types to column types of one dialect
type TypeMapper struct {
	dialect dialect.Name
}

// NewTypeMapper creates a new TypeMapper
func NewTypeMapper(name dialect.Name) *TypeMapper {
	return &TypeMapper{dialect: name}
}

// MapType returns the column type storing attr. References take the type of
// their target's identity column.
func (tm *TypeMapper) MapType(reg *schema.Registry, attr *schema.AttributeSpec) (string, error) {
	if attr.IsReference() {
		if attr.IsReverse() {
			return "", fmt.Errorf("%s has no column of its own", attr.Key)
		}
		target, ok := reg.Target(attr)
		if !ok {
			return "", fmt.Errorf("%s: unknown target %s", attr.Key, attr.Target)
		}
		return tm.MapType(reg, target.Identity)
	}

	pg := tm.dialect == dialect.Postgres
	switch attr.Type {
	case schema.TypeUUIDIdentifier:
		if pg {
			return "UUID", nil
		}
		return "TEXT", nil
	case schema.TypeSequenceIdentifier, schema.TypeInteger:
		if pg {
			return "BIGINT", nil
		}
		return "INTEGER", nil
	case schema.TypeString, schema.TypeEnum:
		if pg && attr.MaxLength > 0 {
			return fmt.Sprintf("VARCHAR(%d)", attr.MaxLength), nil
		}
		return "TEXT", nil
	case schema.TypeDecimal:
		return "NUMERIC", nil
	case schema.TypeInstant:
		if pg {
			return "TIMESTAMPTZ", nil
		}
		return "TIMESTAMP", nil
	case schema.TypeBoolean:
		return "BOOLEAN", nil
	default:
		return "", fmt.Errorf("%s: unsupported type %s", attr.Key, attr.Type)
	}
}

// MapCheck returns the CHECK clause restricting an enum column, or ""
func (tm *TypeMapper) MapCheck(column string, attr *schema.AttributeSpec) string {
	if attr.Type != schema.TypeEnum || len(attr.Values) == 0 {
		return ""
	}
	values := make([]string, len(attr.Values))
	for i, v := range attr.Values {
		values[i] = quoteLiteral(v)
	}
	return fmt.Sprintf("CHECK (%s IN (%s))", column, strings.Join(values, ", "))
}

// quoteLiteral quotes a SQL string literal
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
