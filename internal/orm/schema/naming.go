package schema

import (
	"strings"

	"github.com/go-openapi/inflect"
)

// TableName returns the default table for an entity: "line-item" becomes "line_items"
func TableName(entity string) string {
	return inflect.Pluralize(snake(entity))
}

// ColumnName returns the default column for an attribute. Direct references
// store their foreign key in "<name>_id".
func ColumnName(name string, t ValueType) string {
	col := snake(name)
	if t == TypeReference {
		col += "_id"
	}
	return col
}

// SequenceName returns the default sequence backing an identifier-sequence column
func SequenceName(table, column string) string {
	return table + "_" + column + "_seq"
}

func snake(s string) string {
	return inflect.Underscore(strings.ReplaceAll(s, "-", "_"))
}
