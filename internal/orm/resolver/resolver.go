// Package resolver reads nested attribute patterns with one batched statement
// per reference attribute per level, independent of the number of roots.
package resolver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/conduit-lang/attrdb/internal/orm/delta"
	"github.com/conduit-lang/attrdb/internal/orm/dialect"
	"github.com/conduit-lang/attrdb/internal/orm/ormerr"
	"github.com/conduit-lang/attrdb/internal/orm/schema"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrMaxDepthExceeded is returned when a pattern nests more reference levels than allowed
var ErrMaxDepthExceeded = errors.New("maximum pattern depth exceeded")

// DefaultMaxDepth bounds pattern nesting unless WithMaxDepth overrides it
const DefaultMaxDepth = 10

// Resolver compiles patterns into batched SELECT statements. It holds no
// per-query state and is safe for concurrent use.
type Resolver struct {
	registry    *schema.Registry
	dialect     *dialect.Dialect
	logger      *zap.Logger
	parallelism int
	maxDepth    int
}

// Option configures a Resolver
type Option func(*Resolver)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithParallelism fetches up to n sibling reference attributes of a level
// concurrently. The querier must then be safe for concurrent use, like *sql.DB.
func WithParallelism(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.parallelism = n
		}
	}
}

// WithMaxDepth sets the maximum number of nested reference levels
func WithMaxDepth(depth int) Option {
	return func(r *Resolver) {
		r.maxDepth = depth
	}
}

// New creates a resolver
func New(registry *schema.Registry, d *dialect.Dialect, opts ...Option) *Resolver {
	r := &Resolver{
		registry:    registry,
		dialect:     d,
		logger:      zap.NewNop(),
		parallelism: 1,
		maxDepth:    DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// row is one fetched entity: its storage values by column and its result map
type row struct {
	key    string
	values map[string]interface{}
	out    map[string]interface{}
}

// link is the fetched targets of one reference attribute, grouped by parent key
type link struct {
	sel      Selection
	attr     *schema.AttributeSpec
	target   *schema.EntitySpec
	children []*row
	byParent map[string][]*row
}

// execution counts the statements of one Resolve call
type execution struct {
	q          dialect.Querier
	statements atomic.Int64
}

// Resolve reads pattern for every root and returns one result map per root, in
// root order; a root with no row yields nil. Result maps are keyed by attribute
// key and always carry the entity's identity. NULL values are omitted, to-many
// references are always present as a possibly empty list.
func (r *Resolver) Resolve(ctx context.Context, q dialect.Querier, roots []delta.EntityRef, pattern Pattern) ([]map[string]interface{}, error) {
	if len(roots) == 0 {
		return []map[string]interface{}{}, nil
	}

	entity, ids, err := r.rootIDs(roots)
	if err != nil {
		return nil, err
	}
	if err := r.validate(entity, pattern, 0); err != nil {
		return nil, err
	}

	exec := &execution{q: q}
	rows, err := r.fetch(ctx, exec, entity, pattern, entity.Identity.Column, ids, nil)
	if err != nil {
		return nil, err
	}
	if err := r.resolveLevel(ctx, exec, entity, rows, pattern); err != nil {
		return nil, err
	}

	byKey := make(map[string]*row, len(rows))
	for _, rw := range rows {
		byKey[rw.key] = rw
	}
	results := make([]map[string]interface{}, len(roots))
	for i, id := range ids {
		if rw, ok := byKey[r.key(entity.Identity, id)]; ok {
			results[i] = rw.out
		}
	}

	r.logger.Debug("pattern resolved",
		zap.String("entity", entity.Name),
		zap.Int("roots", len(roots)),
		zap.Int64("statements", exec.statements.Load()))
	return results, nil
}

// rootIDs checks that every root is a persisted ref of one entity and converts the ids
func (r *Resolver) rootIDs(roots []delta.EntityRef) (*schema.EntitySpec, []interface{}, error) {
	var entity *schema.EntitySpec
	ids := make([]interface{}, len(roots))
	for i, root := range roots {
		root = delta.Ref(root.IdentityKey, root.ID)
		e, ok := r.registry.EntityForIdentity(root.IdentityKey)
		if !ok {
			return nil, nil, ormerr.Validationf(root.String(), "", "unknown entity identity key %s", root.IdentityKey)
		}
		if entity != nil && e != entity {
			return nil, nil, ormerr.Validationf(root.String(), "", "all roots must be %s entities", entity.Name)
		}
		entity = e
		if root.IsTemp() {
			return nil, nil, ormerr.Validationf(root.String(), "", "cannot query a placeholder")
		}
		id, err := e.Identity.Converter.ToStorage(root.ID)
		if err != nil {
			return nil, nil, ormerr.Validationf(root.String(), e.Identity.Key, "%v", err)
		}
		ids[i] = id
	}
	return entity, ids, nil
}

// validate checks the whole pattern before any statement runs
func (r *Resolver) validate(entity *schema.EntitySpec, pattern Pattern, depth int) error {
	seen := make(map[string]bool, len(pattern))
	for _, sel := range pattern {
		attr, ok := r.registry.Attribute(sel.Key)
		if !ok {
			return ormerr.Validationf(entity.Name, sel.Key, "unknown attribute")
		}
		if attr.Entity() != entity.Name {
			return ormerr.Validationf(entity.Name, sel.Key, "attribute does not belong to %s", entity.Name)
		}
		if seen[sel.Key] {
			return ormerr.Validationf(entity.Name, sel.Key, "attribute selected more than once")
		}
		seen[sel.Key] = true

		if !attr.IsReference() {
			if sel.Pattern != nil {
				return ormerr.Validationf(entity.Name, sel.Key, "only reference attributes take a nested pattern")
			}
			continue
		}
		if depth+1 > r.maxDepth {
			return fmt.Errorf("%w: %s is nested %d levels deep (max %d)", ErrMaxDepthExceeded, sel.Key, depth+1, r.maxDepth)
		}
		target, _ := r.registry.Target(attr)
		if err := r.validate(target, sel.Pattern, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// resolveLevel fetches every reference of pattern for rows, attaches the
// results, and descends into each reference's targets
func (r *Resolver) resolveLevel(ctx context.Context, exec *execution, entity *schema.EntitySpec, rows []*row, pattern Pattern) error {
	var refs []Selection
	for _, sel := range pattern {
		if attr, _ := r.registry.Attribute(sel.Key); attr.IsReference() {
			refs = append(refs, sel)
		}
	}
	if len(refs) == 0 || len(rows) == 0 {
		return nil
	}

	links := make([]*link, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for i, sel := range refs {
		g.Go(func() error {
			l, err := r.fetchReference(gctx, exec, entity, rows, sel)
			links[i] = l
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, l := range links {
		r.attach(entity, rows, l)
	}
	for _, l := range links {
		if err := r.resolveLevel(ctx, exec, l.target, l.children, l.sel.Pattern); err != nil {
			return err
		}
	}
	return nil
}

// fetchReference loads the targets of one reference attribute for all rows in one statement
func (r *Resolver) fetchReference(ctx context.Context, exec *execution, entity *schema.EntitySpec, rows []*row, sel Selection) (*link, error) {
	attr, _ := r.registry.Attribute(sel.Key)
	target, _ := r.registry.Target(attr)
	l := &link{sel: sel, attr: attr, target: target, byParent: make(map[string][]*row)}

	if !attr.IsReverse() {
		// The foreign key is on the parent rows: look the targets up by identity
		var ids []interface{}
		seen := make(map[string]bool)
		for _, rw := range rows {
			fk := rw.values[attr.Column]
			if fk == nil {
				continue
			}
			if k := r.key(target.Identity, fk); !seen[k] {
				seen[k] = true
				ids = append(ids, fk)
			}
		}
		if len(ids) == 0 {
			return l, nil
		}

		children, err := r.fetch(ctx, exec, target, sel.Pattern, target.Identity.Column, ids, nil)
		if err != nil {
			return nil, err
		}
		l.children = children
		for _, child := range children {
			l.byParent[child.key] = []*row{child}
		}
		return l, nil
	}

	// The foreign key is on the target rows: look them up by the owning column
	owner, _ := r.registry.Owner(attr)
	ids := make([]interface{}, 0, len(rows))
	for _, rw := range rows {
		ids = append(ids, rw.values[entity.Identity.Column])
	}

	var orderBy *schema.AttributeSpec
	if attr.OrderBy != "" {
		orderBy, _ = r.registry.Attribute(attr.OrderBy)
	}
	children, err := r.fetch(ctx, exec, target, sel.Pattern, owner.Column, ids, orderBy)
	if err != nil {
		return nil, err
	}
	l.children = children
	for _, child := range children {
		parent := r.key(entity.Identity, child.values[owner.Column])
		l.byParent[parent] = append(l.byParent[parent], child)
	}
	return l, nil
}

// attach stores the fetched targets in the parents' result maps
func (r *Resolver) attach(entity *schema.EntitySpec, rows []*row, l *link) {
	for _, rw := range rows {
		var matches []*row
		if l.attr.IsReverse() {
			matches = l.byParent[rw.key]
		} else if fk := rw.values[l.attr.Column]; fk != nil {
			matches = l.byParent[r.key(l.target.Identity, fk)]
		}

		if l.attr.IsMany() {
			list := make([]map[string]interface{}, 0, len(matches))
			for _, m := range matches {
				list = append(list, m.out)
			}
			rw.out[l.attr.Key] = list
			continue
		}
		if len(matches) > 0 {
			rw.out[l.attr.Key] = matches[0].out
		}
	}
}

// fetch runs one SELECT for the entity rows whose column matches any of values
func (r *Resolver) fetch(ctx context.Context, exec *execution, entity *schema.EntitySpec, pattern Pattern, column string, values []interface{}, orderBy *schema.AttributeSpec) ([]*row, error) {
	columns := r.columns(entity, pattern, column)
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = r.dialect.Quote(c)
	}

	where, args := r.dialect.In(r.dialect.Quote(column), values, 1)
	order := r.dialect.Quote(entity.Identity.Column)
	if orderBy != nil {
		order = r.dialect.Quote(orderBy.Column) + ", " + order
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s",
		strings.Join(quoted, ", "), r.dialect.Table(entity.Table), where, order)

	exec.statements.Add(1)
	r.logger.Debug("executing query", zap.String("entity", entity.Name), zap.String("sql", query))

	rows, err := exec.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", entity.Name, ormerr.ConvertDBError(err))
	}
	defer rows.Close()

	var result []*row
	for rows.Next() {
		rw, err := r.scan(rows, entity, pattern, columns)
		if err != nil {
			return nil, err
		}
		result = append(result, rw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s rows: %w", entity.Name, ormerr.ConvertDBError(err))
	}
	return result, nil
}

// columns lists the identity column, the columns the pattern reads or follows,
// and the filter column, without duplicates
func (r *Resolver) columns(entity *schema.EntitySpec, pattern Pattern, filter string) []string {
	columns := []string{entity.Identity.Column}
	seen := map[string]bool{entity.Identity.Column: true}
	add := func(c string) {
		if !seen[c] {
			seen[c] = true
			columns = append(columns, c)
		}
	}
	for _, sel := range pattern {
		attr, _ := r.registry.Attribute(sel.Key)
		if !attr.IsReverse() {
			add(attr.Column)
		}
	}
	add(filter)
	return columns
}

func (r *Resolver) scan(rows *sql.Rows, entity *schema.EntitySpec, pattern Pattern, columns []string) (*row, error) {
	dest := make([]interface{}, len(columns))
	ptrs := make([]interface{}, len(columns))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("failed to scan %s row: %w", entity.Name, err)
	}

	rw := &row{
		values: make(map[string]interface{}, len(columns)),
		out:    make(map[string]interface{}, len(pattern)+1),
	}
	for i, c := range columns {
		if b, ok := dest[i].([]byte); ok {
			dest[i] = string(b)
		}
		rw.values[c] = dest[i]
	}

	id := rw.values[entity.Identity.Column]
	rw.key = r.key(entity.Identity, id)
	modelID, err := entity.Identity.Converter.FromStorage(id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", entity.Identity.Key, err)
	}
	rw.out[entity.Identity.Key] = modelID

	for _, sel := range pattern {
		attr, _ := r.registry.Attribute(sel.Key)
		if attr.IsReference() {
			continue
		}
		v := rw.values[attr.Column]
		if v == nil {
			continue
		}
		model, err := attr.Converter.FromStorage(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", attr.Key, err)
		}
		rw.out[attr.Key] = model
	}
	return rw, nil
}

// key normalizes a storage identifier so values from parents and children compare equal
func (r *Resolver) key(identity *schema.AttributeSpec, v interface{}) string {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	if model, err := identity.Converter.FromStorage(v); err == nil {
		return fmt.Sprint(model)
	}
	return fmt.Sprint(v)
}
