package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/conduit-lang/attrdb/internal/orm/dialect"
	"github.com/conduit-lang/attrdb/internal/orm/transaction"
	"go.uber.org/zap"
)

// Runner executes registry DDL with transaction support
type Runner struct {
	tracker      *Tracker
	transactions *transaction.Manager
	logger       *zap.Logger
}

// NewRunner creates a new runner
func NewRunner(db *sql.DB, d *dialect.Dialect, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		tracker:      NewTracker(db, d),
		transactions: transaction.NewManager(db, logger),
		logger:       logger,
	}
}

// Tracker returns the runner's version tracker
func (r *Runner) Tracker() *Tracker {
	return r.tracker
}

// Checksum identifies a DDL set
func Checksum(stmts []string) string {
	sum := sha256.Sum256([]byte(strings.Join(stmts, "\n")))
	return hex.EncodeToString(sum[:])
}

// Apply executes stmts in one transaction and records them. A set that was
// already applied is skipped and reported as false.
func (r *Runner) Apply(ctx context.Context, stmts []string) (bool, error) {
	if len(stmts) == 0 {
		return false, nil
	}

	if err := r.tracker.Initialize(ctx); err != nil {
		return false, err
	}

	checksum := Checksum(stmts)
	applied, err := r.tracker.IsApplied(ctx, checksum)
	if err != nil {
		return false, err
	}
	if applied {
		r.logger.Info("schema up to date", zap.String("checksum", checksum))
		return false, nil
	}

	start := time.Now()
	err = r.transactions.WithTransaction(ctx, transaction.Options{}, func(tx *sql.Tx) error {
		for i, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("statement %d failed: %w", i+1, err)
			}
		}
		return r.tracker.Record(ctx, tx, &Version{
			Checksum:   checksum,
			Statements: len(stmts),
			AppliedAt:  time.Now().UTC(),
		})
	})
	if err != nil {
		return false, err
	}

	r.logger.Info("schema applied",
		zap.String("checksum", checksum),
		zap.Int("statements", len(stmts)),
		zap.Duration("duration", time.Since(start)))
	return true, nil
}
