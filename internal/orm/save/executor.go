package save

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/conduit-lang/attrdb/internal/orm/delta"
	"github.com/conduit-lang/attrdb/internal/orm/dialect"
	"github.com/conduit-lang/attrdb/internal/orm/ormerr"
	"github.com/conduit-lang/attrdb/internal/orm/ownership"
	"github.com/conduit-lang/attrdb/internal/orm/schema"
	"go.uber.org/zap"
)

// Executor runs a Program's statements in phase order:
// inserts, updates, unlinks, links, deletes, orphan deletes.
type Executor struct {
	dialect *dialect.Dialect
	logger  *zap.Logger
}

// NewExecutor creates an executor for a dialect
func NewExecutor(d *dialect.Dialect, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{dialect: d, logger: logger}
}

// assignment is one column value of a row write
type assignment struct {
	attr  *schema.AttributeSpec
	value interface{}
}

// Execute writes the program through q, which is normally the save's transaction.
// ids maps every placeholder of the program to its allocated identifier. The first
// failing statement stops execution; its error names the entity being written.
func (e *Executor) Execute(ctx context.Context, q dialect.Querier, p *Program, ids map[delta.TempID]interface{}) error {
	b := &binder{registry: p.Plan.Registry, ids: ids}
	res := p.Resolution

	e.logger.Debug("executing save program",
		zap.Int("inserts", len(p.Inserts)),
		zap.Int("unlinks", len(res.Unlinks)),
		zap.Int("links", len(res.Links)),
		zap.Int("orphans", len(res.Orphans)))

	for _, op := range p.Inserts {
		if err := e.insert(ctx, q, b, op, res.Columns[op.Ref]); err != nil {
			return err
		}
	}

	for _, op := range p.Plan.Updates() {
		if err := e.update(ctx, q, b, op, res.Columns[op.Ref]); err != nil {
			return err
		}
	}

	for _, w := range res.Unlinks {
		if err := e.setForeignKey(ctx, q, b, w); err != nil {
			return err
		}
	}
	for _, w := range res.Links {
		if err := e.setForeignKey(ctx, q, b, w); err != nil {
			return err
		}
	}

	for _, op := range p.Plan.Deletes() {
		if err := e.delete(ctx, q, b, op.Entity, op.Ref); err != nil {
			return err
		}
	}
	for _, o := range res.Orphans {
		if err := e.delete(ctx, q, b, o.Entity, o.Ref); err != nil {
			return err
		}
	}

	return nil
}

// insert writes a new row with its scalar values and the foreign keys it holds
func (e *Executor) insert(ctx context.Context, q dialect.Querier, b *binder, op *delta.Operation, fks []ownership.FKWrite) error {
	id, err := b.id(op.Ref)
	if err != nil {
		return entityError(op.Ref, err)
	}

	values, err := b.assignments(op, fks, true)
	if err != nil {
		return entityError(op.Ref, err)
	}

	columns := []string{e.dialect.Quote(op.Entity.Identity.Column)}
	marks := []string{e.dialect.Placeholder(1)}
	args := []interface{}{id}
	for _, a := range values {
		args = append(args, a.value)
		columns = append(columns, e.dialect.Quote(a.attr.Column))
		marks = append(marks, e.dialect.Placeholder(len(args)))
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		e.dialect.Table(op.Entity.Table),
		strings.Join(columns, ", "),
		strings.Join(marks, ", "))

	return e.exec(ctx, q, op.Ref, query, args)
}

// update writes changed columns of a persisted row. Nothing is sent when only
// reverse attributes changed.
func (e *Executor) update(ctx context.Context, q dialect.Querier, b *binder, op *delta.Operation, fks []ownership.FKWrite) error {
	values, err := b.assignments(op, fks, false)
	if err != nil {
		return entityError(op.Ref, err)
	}
	if len(values) == 0 {
		return nil
	}

	id, err := b.id(op.Ref)
	if err != nil {
		return entityError(op.Ref, err)
	}

	sets := make([]string, 0, len(values))
	args := make([]interface{}, 0, len(values)+1)
	for _, a := range values {
		args = append(args, a.value)
		sets = append(sets, fmt.Sprintf("%s = %s", e.dialect.Quote(a.attr.Column), e.dialect.Placeholder(len(args))))
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		e.dialect.Table(op.Entity.Table),
		strings.Join(sets, ", "),
		e.dialect.Quote(op.Entity.Identity.Column),
		e.dialect.Placeholder(len(args)))

	return e.exec(ctx, q, op.Ref, query, args)
}

// setForeignKey writes one foreign key column of a row not inserted by this save
func (e *Executor) setForeignKey(ctx context.Context, q dialect.Querier, b *binder, w ownership.FKWrite) error {
	id, err := b.id(w.Holder)
	if err != nil {
		return entityError(w.Holder, err)
	}
	column := e.dialect.Quote(w.Attr.Column)
	identity := e.dialect.Quote(w.Entity.Identity.Column)

	var query string
	var args []interface{}
	if w.Target == nil {
		args = append(args, id)
		query = fmt.Sprintf("UPDATE %s SET %s = NULL WHERE %s = %s",
			e.dialect.Table(w.Entity.Table), column, identity, e.dialect.Placeholder(1))
	} else {
		target, err := b.id(*w.Target)
		if err != nil {
			return entityError(w.Holder, err)
		}
		args = append(args, target, id)
		query = fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s = %s",
			e.dialect.Table(w.Entity.Table), column, e.dialect.Placeholder(1), identity, e.dialect.Placeholder(2))
	}

	if w.Expect != nil {
		expect, err := b.id(*w.Expect)
		if err != nil {
			return entityError(w.Holder, err)
		}
		args = append(args, expect)
		query += fmt.Sprintf(" AND %s = %s", column, e.dialect.Placeholder(len(args)))
	}

	return e.exec(ctx, q, w.Holder, query, args)
}

func (e *Executor) delete(ctx context.Context, q dialect.Querier, b *binder, entity *schema.EntitySpec, ref delta.EntityRef) error {
	id, err := b.id(ref)
	if err != nil {
		return entityError(ref, err)
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = %s",
		e.dialect.Table(entity.Table),
		e.dialect.Quote(entity.Identity.Column),
		e.dialect.Placeholder(1))

	return e.exec(ctx, q, ref, query, []interface{}{id})
}

func (e *Executor) exec(ctx context.Context, q dialect.Querier, ref delta.EntityRef, query string, args []interface{}) error {
	e.logger.Debug("executing statement", zap.Stringer("entity", ref), zap.String("sql", query))
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return ormerr.WithEntity(ormerr.ConvertDBError(err), ref.String())
	}
	return nil
}

func entityError(ref delta.EntityRef, err error) error {
	return fmt.Errorf("%s: %w", ref, err)
}

// binder converts model values into storage values
type binder struct {
	registry *schema.Registry
	ids      map[delta.TempID]interface{}
}

// id returns the storage form of a ref's identifier, resolving placeholders
func (b *binder) id(ref delta.EntityRef) (interface{}, error) {
	entity, ok := b.registry.EntityForIdentity(ref.IdentityKey)
	if !ok {
		return nil, fmt.Errorf("unknown entity identity key %s", ref.IdentityKey)
	}

	id := ref.ID
	if t, isTemp := ref.TempID(); isTemp {
		resolved, ok := b.ids[t]
		if !ok {
			return nil, fmt.Errorf("placeholder %s was not resolved", t)
		}
		id = resolved
	}
	return entity.Identity.Converter.ToStorage(id)
}

// assignments collects the scalar values and held foreign keys of an operation,
// sorted by attribute key. Inserts leave unset scalars to the column default.
func (b *binder) assignments(op *delta.Operation, fks []ownership.FKWrite, insert bool) ([]assignment, error) {
	var values []assignment
	for _, ac := range op.Changes {
		if ac.Attr.IsReference() {
			continue
		}
		if ac.Change.After == nil {
			if !insert {
				values = append(values, assignment{attr: ac.Attr})
			}
			continue
		}
		v, err := ac.Attr.Converter.ToStorage(ac.Change.After)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ac.Attr.Key, err)
		}
		values = append(values, assignment{attr: ac.Attr, value: v})
	}

	for _, w := range fks {
		if w.Target == nil {
			values = append(values, assignment{attr: w.Attr})
			continue
		}
		v, err := b.id(*w.Target)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", w.Attr.Key, err)
		}
		values = append(values, assignment{attr: w.Attr, value: v})
	}

	sort.SliceStable(values, func(i, j int) bool {
		return values[i].attr.Key < values[j].attr.Key
	})
	return values, nil
}
