package save

import (
	"context"
	"database/sql"
	"time"

	"github.com/conduit-lang/attrdb/internal/orm/delta"
	"github.com/conduit-lang/attrdb/internal/orm/dialect"
	"github.com/conduit-lang/attrdb/internal/orm/ident"
	"github.com/conduit-lang/attrdb/internal/orm/schema"
	"github.com/conduit-lang/attrdb/internal/orm/transaction"
	"go.uber.org/zap"
)

// AllocatorFactory builds the sequence allocator for one save. q is the save's
// transaction, so database-backed sequences roll back with it where the engine allows.
type AllocatorFactory func(q dialect.Querier) ident.SequenceAllocator

// DatabaseAllocator draws sequence values from the database the save writes to
func DatabaseAllocator(d *dialect.Dialect, autoCreate bool) AllocatorFactory {
	return func(q dialect.Querier) ident.SequenceAllocator {
		if d.Name() == dialect.Postgres {
			return &ident.PostgresAllocator{Q: q, Schema: d.Schema(), AutoCreate: autoCreate}
		}
		return &ident.SQLiteAllocator{Q: q, AutoCreate: autoCreate}
	}
}

// StaticAllocator uses the same allocator for every save
func StaticAllocator(alloc ident.SequenceAllocator) AllocatorFactory {
	return func(dialect.Querier) ident.SequenceAllocator {
		return alloc
	}
}

// Saver writes deltas to one database
type Saver struct {
	registry  *schema.Registry
	dialect   *dialect.Dialect
	txManager *transaction.Manager
	executor  *Executor
	resolver  *ident.Resolver
	allocator AllocatorFactory
	txOptions transaction.Options
	logger    *zap.Logger
}

// Option configures a Saver
type Option func(*Saver)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Saver) {
		s.logger = logger
	}
}

// WithAllocator replaces the database sequence allocator
func WithAllocator(f AllocatorFactory) Option {
	return func(s *Saver) {
		s.allocator = f
	}
}

// WithResolver replaces the identifier resolver
func WithResolver(r *ident.Resolver) Option {
	return func(s *Saver) {
		s.resolver = r
	}
}

// WithIsolation sets the transaction isolation level
func WithIsolation(level transaction.IsolationLevel) Option {
	return func(s *Saver) {
		s.txOptions.Isolation = level
	}
}

// WithTimeout bounds each save, including waiting for a connection
func WithTimeout(timeout time.Duration) Option {
	return func(s *Saver) {
		s.txOptions.Timeout = timeout
	}
}

// NewSaver creates a saver writing through db
func NewSaver(registry *schema.Registry, db *sql.DB, d *dialect.Dialect, opts ...Option) *Saver {
	s := &Saver{
		registry:  registry,
		dialect:   d,
		allocator: DatabaseAllocator(d, false),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.resolver == nil {
		s.resolver = ident.NewResolver(ident.WithLogger(s.logger))
	}
	s.txManager = transaction.NewManager(db, s.logger)
	s.executor = NewExecutor(d, s.logger)
	return s
}

// Save compiles and runs a delta. See Run.
func (s *Saver) Save(ctx context.Context, d *delta.Delta) (map[delta.TempID]interface{}, error) {
	program, err := Compile(s.registry, d)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, program)
}

// Run executes a compiled program in one transaction on one connection and returns
// the identifier allocated for every placeholder. On any failure nothing is
// committed and no identifier is returned, so the placeholders may be reused.
func (s *Saver) Run(ctx context.Context, program *Program) (map[delta.TempID]interface{}, error) {
	if program.Empty() {
		return map[delta.TempID]interface{}{}, nil
	}

	start := time.Now()
	var ids map[delta.TempID]interface{}
	err := s.txManager.WithTransaction(ctx, s.txOptions, func(tx *sql.Tx) error {
		resolved, err := s.resolver.Resolve(ctx, program.Plan.Identifiers, s.allocator(tx))
		if err != nil {
			return err
		}
		if err := s.executor.Execute(ctx, tx, program, resolved); err != nil {
			return err
		}
		ids = resolved
		return nil
	})
	if err != nil {
		s.logger.Info("save rolled back",
			zap.String("database", program.Database()),
			zap.Int("operations", len(program.Plan.Operations)),
			zap.Error(err))
		return nil, err
	}

	s.logger.Debug("save committed",
		zap.String("database", program.Database()),
		zap.Int("operations", len(program.Plan.Operations)),
		zap.Int("placeholders", len(ids)),
		zap.Duration("duration", time.Since(start)))
	return ids, nil
}
