// Package migrate applies the DDL generated for a registry and records which
// versions of it a database has already seen.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/conduit-lang/attrdb/internal/orm/dialect"
)

// versionsTable holds one row per applied DDL set
const versionsTable = "attrdb_schema_versions"

// Version is one DDL set applied to a database
type Version struct {
	Checksum   string    // sha256 of the statements
	Statements int       // Number of statements executed
	AppliedAt  time.Time // When the set was applied
}

// Tracker manages schema version history in the database
type Tracker struct {
	db      *sql.DB
	dialect *dialect.Dialect
}

// NewTracker creates a new schema version tracker
func NewTracker(db *sql.DB, d *dialect.Dialect) *Tracker {
	return &Tracker{db: db, dialect: d}
}

// Initialize ensures the versions table (and its Postgres schema) exists
func (t *Tracker) Initialize(ctx context.Context) error {
	if t.dialect.Name() == dialect.Postgres && t.dialect.Schema() != "" {
		query := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", t.dialect.Quote(t.dialect.Schema()))
		if _, err := t.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	"checksum" TEXT PRIMARY KEY,
	"statements" INTEGER NOT NULL,
	"applied_at" TIMESTAMP NOT NULL
)`, t.dialect.Table(versionsTable))

	if _, err := t.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to initialize schema versions table: %w", err)
	}
	return nil
}

// IsApplied checks if a DDL set with this checksum has been applied
func (t *Tracker) IsApplied(ctx context.Context, checksum string) (bool, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE "checksum" = %s`,
		t.dialect.Table(versionsTable), t.dialect.Placeholder(1))

	var count int
	if err := t.db.QueryRowContext(ctx, query, checksum).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check schema version: %w", err)
	}
	return count > 0, nil
}

// Record marks a DDL set as applied in a transaction
func (t *Tracker) Record(ctx context.Context, tx *sql.Tx, v *Version) error {
	query := fmt.Sprintf(`INSERT INTO %s ("checksum", "statements", "applied_at") VALUES (%s, %s, %s)`,
		t.dialect.Table(versionsTable), t.dialect.Placeholder(1), t.dialect.Placeholder(2), t.dialect.Placeholder(3))

	if _, err := tx.ExecContext(ctx, query, v.Checksum, v.Statements, v.AppliedAt); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

// GetApplied returns all applied versions, oldest first
func (t *Tracker) GetApplied(ctx context.Context) ([]*Version, error) {
	query := fmt.Sprintf(`SELECT "checksum", "statements", "applied_at" FROM %s ORDER BY "applied_at" ASC, "checksum" ASC`,
		t.dialect.Table(versionsTable))

	rows, err := t.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query schema versions: %w", err)
	}
	defer rows.Close()

	var versions []*Version
	for rows.Next() {
		v := &Version{}
		if err := rows.Scan(&v.Checksum, &v.Statements, &v.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan schema version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schema versions: %w", err)
	}
	return versions, nil
}
