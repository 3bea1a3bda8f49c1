package codegen

import (
	"fmt"
	"strings"

	"github.com/conduit-lang/attrdb/internal/orm/dialect"
	"github.com/conduit-lang/attrdb/internal/orm/ident"
	"github.com/conduit-lang/attrdb/internal/orm/schema"
)

// DDLGenerator generates the tables, foreign keys and sequences a registry needs
type DDLGenerator struct {
	dialect    *dialect.Dialect
	typeMapper *TypeMapper
}

// NewDDLGenerator creates a new DDL generator
func NewDDLGenerator(d *dialect.Dialect) *DDLGenerator {
	return &DDLGenerator{
		dialect:    d,
		typeMapper: NewTypeMapper(d.Name()),
	}
}

// Generate returns the statements creating every entity of database, or of
// every database when database is empty. Referenced tables come first. Statements
// are idempotent except for Postgres foreign key constraints.
func (g *DDLGenerator) Generate(reg *schema.Registry, database string) ([]string, error) {
	var (
		tables      []string
		foreignKeys []string
		sequences   []string
	)

	for _, entity := range tableOrder(reg) {
		if database != "" && entity.Database != database {
			continue
		}
		table, fks, err := g.generateCreateTable(reg, entity)
		if err != nil {
			return nil, fmt.Errorf("entity %s: %w", entity.Name, err)
		}
		tables = append(tables, table)
		foreignKeys = append(foreignKeys, fks...)
		if entity.Identity.Type == schema.TypeSequenceIdentifier {
			sequences = append(sequences, entity.Identity.Sequence)
		}
	}

	var stmts []string
	if g.dialect.Name() == dialect.Postgres && g.dialect.Schema() != "" {
		stmts = append(stmts, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s;", g.dialect.Quote(g.dialect.Schema())))
	}
	stmts = append(stmts, tables...)
	stmts = append(stmts, foreignKeys...)
	stmts = append(stmts, g.generateSequences(sequences)...)
	return stmts, nil
}

// generateCreateTable renders one entity's table. Postgres foreign keys are
// returned as separate statements so tables may reference each other in any order.
func (g *DDLGenerator) generateCreateTable(reg *schema.Registry, entity *schema.EntitySpec) (string, []string, error) {
	var (
		columns []string
		fks     []string
	)

	for _, attr := range columnAttributes(entity) {
		columnType, err := g.typeMapper.MapType(reg, attr)
		if err != nil {
			return "", nil, err
		}

		column := g.dialect.Quote(attr.Column)
		parts := []string{column, columnType}
		if attr.Identity {
			parts = append(parts, "PRIMARY KEY")
		}
		if check := g.typeMapper.MapCheck(column, attr); check != "" {
			parts = append(parts, check)
		}

		if attr.IsReference() {
			target, _ := reg.Target(attr)
			ref := fmt.Sprintf("REFERENCES %s (%s)", g.dialect.Table(target.Table), g.dialect.Quote(target.Identity.Column))
			if g.dialect.Name() == dialect.Postgres {
				fks = append(fks, fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) %s;",
					g.dialect.Table(entity.Table),
					g.dialect.Quote(entity.Table+"_"+attr.Column+"_fkey"),
					column, ref))
			} else {
				parts = append(parts, ref)
			}
		}
		columns = append(columns, strings.Join(parts, " "))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", g.dialect.Table(entity.Table))
	for i, col := range columns {
		b.WriteString("  ")
		b.WriteString(col)
		if i < len(columns)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(");")
	return b.String(), fks, nil
}

// tableOrder lists referenced entities before the entities referencing them,
// or in name order when the registry has reference cycles
func tableOrder(reg *schema.Registry) []*schema.EntitySpec {
	names, err := schema.NewReferenceGraph(reg).TopologicalSort()
	if err != nil {
		return reg.Entities()
	}
	entities := make([]*schema.EntitySpec, 0, len(names))
	for _, name := range names {
		entity, _ := reg.Entity(name)
		entities = append(entities, entity)
	}
	return entities
}

// generateSequences creates Postgres sequences, or the SQLite counter table
// with one row per sequence
func (g *DDLGenerator) generateSequences(names []string) []string {
	if len(names) == 0 {
		return nil
	}

	var stmts []string
	if g.dialect.Name() == dialect.Postgres {
		for _, name := range names {
			stmts = append(stmts, fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS %s;", g.dialect.Table(name)))
		}
		return stmts
	}

	table := g.dialect.Quote(ident.DefaultSequenceTable)
	stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s ("name" TEXT PRIMARY KEY, "value" INTEGER NOT NULL);`, table))
	for _, name := range names {
		stmts = append(stmts, fmt.Sprintf(`INSERT OR IGNORE INTO %s ("name", "value") VALUES (%s, 0);`, table, quoteLiteral(name)))
	}
	return stmts
}

// columnAttributes returns the identity followed by every attribute stored on
// the entity's own table, in key order
func columnAttributes(entity *schema.EntitySpec) []*schema.AttributeSpec {
	attrs := []*schema.AttributeSpec{entity.Identity}
	for _, attr := range entity.Attributes() {
		if attr.Identity || attr.IsReverse() {
			continue
		}
		attrs = append(attrs, attr)
	}
	return attrs
}
