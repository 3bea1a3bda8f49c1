// Package pool opens and holds the connections of every configured database.
package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/conduit-lang/attrdb/internal/cli/config"
	"github.com/conduit-lang/attrdb/internal/orm/dialect"
	"github.com/conduit-lang/attrdb/internal/orm/ident"
	"github.com/conduit-lang/attrdb/internal/orm/save"
	"github.com/conduit-lang/attrdb/internal/orm/transaction"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"    // SQLite driver
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNoPool is returned when no pool is configured for a logical database
var ErrNoPool = errors.New("no connection pool configured")

// pingTimeout bounds the connectivity check done when a pool is opened
const pingTimeout = 5 * time.Second

// Pool is one logical database: its connection pool, dialect and save defaults
type Pool struct {
	Name      string
	DB        *sql.DB
	Dialect   *dialect.Dialect
	Allocator save.AllocatorFactory
	Isolation transaction.IsolationLevel
	Timeout   time.Duration

	redis *redis.Client
}

// Lookup finds the pool serving a logical database
type Lookup interface {
	Pool(name string) (*Pool, error)
}

// New wraps an open connection pool with database-backed sequences
func New(name string, db *sql.DB, d *dialect.Dialect) *Pool {
	return &Pool{
		Name:      name,
		DB:        db,
		Dialect:   d,
		Allocator: save.DatabaseAllocator(d, false),
	}
}

// Static is a Lookup over pools built by the caller
type Static map[string]*Pool

// Pool implements Lookup
func (s Static) Pool(name string) (*Pool, error) {
	p, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("%w for database %q", ErrNoPool, name)
	}
	return p, nil
}

// Registry owns the pools opened from configuration
type Registry struct {
	pools  Static
	logger *zap.Logger
}

// Open connects to every configured database. Pools opened before a failure are closed.
func Open(ctx context.Context, cfgs map[string]config.DatabaseConfig, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Registry{pools: make(Static, len(cfgs)), logger: logger}
	for name, cfg := range cfgs {
		p, err := open(ctx, name, cfg)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.pools[name] = p
		logger.Debug("database pool opened",
			zap.String("database", name),
			zap.String("dialect", string(p.Dialect.Name())))
	}
	return r, nil
}

// Pool implements Lookup
func (r *Registry) Pool(name string) (*Pool, error) {
	return r.pools.Pool(name)
}

// Close closes every pool and Redis client
func (r *Registry) Close() error {
	var firstErr error
	for name, p := range r.pools {
		if err := p.Close(); err != nil {
			r.logger.Warn("failed to close database pool", zap.String("database", name), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	r.pools = Static{}
	return firstErr
}

// Close releases the pool's connections
func (p *Pool) Close() error {
	if p.redis != nil {
		p.redis.Close()
	}
	return p.DB.Close()
}

func open(ctx context.Context, name string, cfg config.DatabaseConfig) (*Pool, error) {
	d, err := dialect.ForDriver(cfg.Driver, cfg.Schema)
	if err != nil {
		return nil, fmt.Errorf("database %s: %w", name, err)
	}

	driver := cfg.Driver
	if driver == "sqlite" {
		driver = "sqlite3"
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("database %s: failed to open: %w", name, err)
	}

	if cfg.Pool.MaxOpen > 0 {
		db.SetMaxOpenConns(cfg.Pool.MaxOpen)
	}
	if cfg.Pool.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.Pool.MaxIdle)
	}
	if cfg.Pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.Pool.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database %s: failed to ping: %w", name, err)
	}

	p := &Pool{
		Name:      name,
		DB:        db,
		Dialect:   d,
		Allocator: save.DatabaseAllocator(d, cfg.AutoCreateMissing),
		Isolation: cfg.IsolationLevel(),
		Timeout:   cfg.Timeout,
	}

	if cfg.Sequences == config.SequencesRedis {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			db.Close()
			return nil, fmt.Errorf("database %s: failed to reach redis at %s: %w", name, cfg.RedisAddr, err)
		}
		p.redis = client
		p.Allocator = save.StaticAllocator(&ident.RedisAllocator{
			Client: client,
			Prefix: "attrdb:" + name + ":",
		})
	}

	return p, nil
}
