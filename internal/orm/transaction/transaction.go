// Package transaction runs a unit of work inside one transaction on one
// dedicated pool connection, releasing the connection on every exit path.
package transaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/conduit-lang/attrdb/internal/orm/ormerr"
	"go.uber.org/zap"
)

var (
	// ErrTransactionTimeout is returned when a transaction exceeds its timeout
	ErrTransactionTimeout = errors.New("transaction timeout")
)

// IsolationLevel represents the transaction isolation level
type IsolationLevel int

const (
	// Default uses the database's default level
	Default IsolationLevel = iota
	// ReadUncommitted allows dirty reads
	ReadUncommitted
	// ReadCommitted prevents dirty reads (PostgreSQL default)
	ReadCommitted
	// RepeatableRead prevents non-repeatable reads
	RepeatableRead
	// Serializable provides full isolation
	Serializable
)

// String returns the string representation of the isolation level
func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "READ UNCOMMITTED"
	case ReadCommitted:
		return "READ COMMITTED"
	case RepeatableRead:
		return "REPEATABLE READ"
	case Serializable:
		return "SERIALIZABLE"
	default:
		return "DEFAULT"
	}
}

// ParseIsolationLevel converts a configuration string to an IsolationLevel
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	switch s {
	case "", "default":
		return Default, nil
	case "read-uncommitted":
		return ReadUncommitted, nil
	case "read-committed":
		return ReadCommitted, nil
	case "repeatable-read":
		return RepeatableRead, nil
	case "serializable":
		return Serializable, nil
	default:
		return Default, fmt.Errorf("unknown isolation level: %s", s)
	}
}

// ToSQLOptions converts IsolationLevel to sql.TxOptions
func (l IsolationLevel) ToSQLOptions() *sql.TxOptions {
	var level sql.IsolationLevel
	switch l {
	case ReadUncommitted:
		level = sql.LevelReadUncommitted
	case ReadCommitted:
		level = sql.LevelReadCommitted
	case RepeatableRead:
		level = sql.LevelRepeatableRead
	case Serializable:
		level = sql.LevelSerializable
	default:
		level = sql.LevelDefault
	}
	return &sql.TxOptions{Isolation: level}
}

// Options configures one transaction
type Options struct {
	Isolation IsolationLevel

	// Timeout bounds the whole unit of work, including acquiring the connection; zero means none
	Timeout time.Duration
}

// Transaction wraps a *sql.Tx bound to its own connection
type Transaction struct {
	tx         *sql.Tx
	isolation  IsolationLevel
	committed  atomic.Bool
	rolledBack atomic.Bool
}

// Tx returns the underlying sql.Tx
func (t *Transaction) Tx() *sql.Tx {
	return t.tx
}

// IsolationLevel returns the isolation level of the transaction
func (t *Transaction) IsolationLevel() IsolationLevel {
	return t.isolation
}

// Commit commits the transaction
func (t *Transaction) Commit() error {
	if t.committed.Load() {
		return errors.New("transaction already committed")
	}
	if t.rolledBack.Load() {
		return errors.New("transaction already rolled back")
	}

	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", ormerr.ConvertDBError(err))
	}

	t.committed.Store(true)
	return nil
}

// Rollback rolls back the transaction. Rolling back twice is a no-op.
func (t *Transaction) Rollback() error {
	if t.committed.Load() {
		return errors.New("transaction already committed")
	}
	if t.rolledBack.Load() {
		return nil
	}

	t.rolledBack.Store(true)
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	return nil
}

// IsCommitted returns true if the transaction has been committed
func (t *Transaction) IsCommitted() bool {
	return t.committed.Load()
}

// IsRolledBack returns true if the transaction has been rolled back
func (t *Transaction) IsRolledBack() bool {
	return t.rolledBack.Load()
}

// Manager runs transactions against a pool
type Manager struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewManager creates a new transaction manager
func NewManager(db *sql.DB, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{db: db, logger: logger}
}

// WithConn acquires one connection from the pool for fn and releases it on return
func (m *Manager) WithConn(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &ormerr.ConnectionError{Err: err}
	}
	defer conn.Close()

	return fn(conn)
}

// WithTransaction executes fn within a transaction on a dedicated connection.
// It commits when fn succeeds and rolls back when fn fails, panics or the
// context ends; the connection is released in every case.
func (m *Manager) WithTransaction(ctx context.Context, opts Options, fn func(tx *sql.Tx) error) error {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	err := m.WithConn(ctx, func(conn *sql.Conn) error {
		sqlTx, err := conn.BeginTx(ctx, opts.Isolation.ToSQLOptions())
		if err != nil {
			return ormerr.ConvertDBError(fmt.Errorf("failed to begin transaction: %w", err))
		}
		tx := &Transaction{tx: sqlTx, isolation: opts.Isolation}
		m.logger.Debug("transaction started", zap.Stringer("isolation", opts.Isolation))

		defer func() {
			if p := recover(); p != nil {
				tx.Rollback()
				panic(p)
			}
		}()

		if err := fn(sqlTx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				m.logger.Warn("rollback failed", zap.Error(rbErr))
				return fmt.Errorf("transaction failed: %w, rollback failed: %v", err, rbErr)
			}
			m.logger.Debug("transaction rolled back", zap.Error(err))
			return err
		}

		if err := ctx.Err(); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})

	if err != nil && opts.Timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: transaction exceeded %v: %w", ErrTransactionTimeout, opts.Timeout, err)
	}
	return err
}
