// Package attrdb saves deltas of attribute changes to relational databases and
// reads nested result trees back, both driven by an attribute registry.
//
// A save writes every entity of a delta in one transaction and returns the
// identifier allocated for each placeholder:
//
//	d := attrdb.NewDelta().
//		Put(attrdb.Temp("item/id", "tmp-1"), "item/name", attrdb.Set("Widget"))
//	ids, err := attrdb.Save(ctx, env, d)
//
// A query resolves a pattern for a set of root entities with one statement per
// reference attribute per level:
//
//	trees, err := attrdb.Query(ctx, env, []attrdb.EntityRef{attrdb.Ref("item/id", ids["tmp-1"])},
//		attrdb.Pattern{attrdb.Attr("item/name"), attrdb.Join("item/line-items", attrdb.Attr("line-item/quantity"))})
package attrdb

import (
	"context"
	"time"

	"github.com/conduit-lang/attrdb/internal/orm/delta"
	"github.com/conduit-lang/attrdb/internal/orm/ormerr"
	"github.com/conduit-lang/attrdb/internal/orm/resolver"
	"github.com/conduit-lang/attrdb/internal/orm/save"
	"github.com/conduit-lang/attrdb/internal/orm/schema"
	"github.com/conduit-lang/attrdb/internal/orm/transaction"
	"github.com/conduit-lang/attrdb/internal/pool"
	"go.uber.org/zap"
)

type (
	// TempID is a caller-chosen placeholder for an identifier assigned by Save
	TempID = delta.TempID
	// EntityRef names an entity by identity attribute key and identifier
	EntityRef = delta.EntityRef
	// Delta is an ordered set of attribute changes
	Delta = delta.Delta
	// Change is the before/after pair of one attribute
	Change = delta.Change
	// Pattern selects the attributes returned by Query
	Pattern = resolver.Pattern
	// Selection is one element of a Pattern
	Selection = resolver.Selection
	// PoolLookup finds the connection pool of a logical database
	PoolLookup = pool.Lookup
)

// ErrNoPool is returned by Save and Query when no pool serves the entity's database
var ErrNoPool = pool.ErrNoPool

// Env is what Save and Query run against
type Env struct {
	Pools    PoolLookup
	Registry *schema.Registry
	Logger   *zap.Logger
}

// NewDelta creates an empty delta
func NewDelta() *Delta {
	return delta.New()
}

// Ref refers to a persisted entity
func Ref(identityKey string, id interface{}) EntityRef {
	return delta.Ref(identityKey, id)
}

// Temp refers to an entity created by the same save
func Temp(identityKey string, id TempID) EntityRef {
	return delta.Temp(identityKey, id)
}

// Set is a change with only an after value
func Set(after interface{}) Change {
	return delta.Set(after)
}

// Replace is a change from before to after
func Replace(before, after interface{}) Change {
	return delta.Replace(before, after)
}

// Unset is a change removing the before value
func Unset(before interface{}) Change {
	return delta.Unset(before)
}

// Attr selects an attribute
func Attr(key string) Selection {
	return resolver.Attr(key)
}

// Join selects a reference attribute and the attributes read from its targets
func Join(key string, sub ...Selection) Selection {
	return resolver.Join(key, sub...)
}

type options struct {
	isolation   *transaction.IsolationLevel
	timeout     *time.Duration
	logger      *zap.Logger
	parallelism int
	maxDepth    int
}

// Option tunes a single Save or Query call
type Option func(*options)

// WithIsolation overrides the database's configured isolation level for a save
func WithIsolation(level transaction.IsolationLevel) Option {
	return func(o *options) {
		o.isolation = &level
	}
}

// WithTimeout overrides the database's configured save timeout
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.timeout = &timeout
	}
}

// WithLogger overrides the environment's logger
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithParallelism lets a query fetch up to n sibling reference attributes at once
func WithParallelism(n int) Option {
	return func(o *options) {
		o.parallelism = n
	}
}

// WithMaxDepth limits how deeply a query pattern may nest
func WithMaxDepth(depth int) Option {
	return func(o *options) {
		o.maxDepth = depth
	}
}

func (e *Env) options(opts []Option) *options {
	o := &options{logger: e.Logger}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

// Save writes d in one transaction on the database its entities belong to and
// returns the identifier allocated for every placeholder. Validation failures
// are reported before any connection is taken. On any other failure nothing is
// written.
func Save(ctx context.Context, env *Env, d *Delta, opts ...Option) (map[TempID]interface{}, error) {
	o := env.options(opts)

	program, err := save.Compile(env.Registry, d)
	if err != nil {
		return nil, err
	}
	if program.Empty() {
		return map[TempID]interface{}{}, nil
	}

	p, err := env.Pools.Pool(program.Database())
	if err != nil {
		return nil, err
	}

	isolation, timeout := p.Isolation, p.Timeout
	if o.isolation != nil {
		isolation = *o.isolation
	}
	if o.timeout != nil {
		timeout = *o.timeout
	}

	saver := save.NewSaver(env.Registry, p.DB, p.Dialect,
		save.WithLogger(o.logger.With(zap.String("database", p.Name))),
		save.WithAllocator(p.Allocator),
		save.WithIsolation(isolation),
		save.WithTimeout(timeout),
	)
	return saver.Run(ctx, program)
}

// Query resolves pattern for every root and returns one result tree per root in
// root order. All roots must be of the same entity. A root without a row yields nil.
func Query(ctx context.Context, env *Env, roots []EntityRef, pattern Pattern, opts ...Option) ([]map[string]interface{}, error) {
	if len(roots) == 0 {
		return []map[string]interface{}{}, nil
	}
	o := env.options(opts)

	entity, ok := env.Registry.EntityForIdentity(roots[0].IdentityKey)
	if !ok {
		return nil, ormerr.Validationf(roots[0].String(), "", "unknown entity identity key %s", roots[0].IdentityKey)
	}
	p, err := env.Pools.Pool(entity.Database)
	if err != nil {
		return nil, err
	}

	resolverOpts := []resolver.Option{resolver.WithLogger(o.logger.With(zap.String("database", p.Name)))}
	if o.parallelism > 0 {
		resolverOpts = append(resolverOpts, resolver.WithParallelism(o.parallelism))
	}
	if o.maxDepth > 0 {
		resolverOpts = append(resolverOpts, resolver.WithMaxDepth(o.maxDepth))
	}
	return resolver.New(env.Registry, p.Dialect, resolverOpts...).Resolve(ctx, p.DB, roots, pattern)
}
