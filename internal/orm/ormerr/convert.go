package ormerr

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// PostgreSQL SQLSTATE codes (class 23 and class 08).
const (
	pgNotNullViolation    = "23502"
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
	pgCheckViolation      = "23514"
	pgConnectionClass     = "08"
	pgTooManyConnections  = "53300"
)

// ConvertDBError converts driver errors from pgx, lib/pq and sqlite3 into
// ConstraintViolationError or ConnectionError. Unrecognized errors are returned as-is.
func ConvertDBError(err error) error {
	if err == nil {
		return nil
	}

	// Cancellation is reported as-is so callers can match context errors
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	// Already converted
	var cv *ConstraintViolationError
	var ce *ConnectionError
	if errors.As(err, &cv) || errors.As(err, &ce) {
		return err
	}

	// PostgreSQL errors (pgx)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		detail := pgErr.Detail
		if detail == "" {
			detail = pgErr.Message
		}
		if pgErr.Code == pgNotNullViolation && pgErr.ColumnName != "" {
			detail = "column " + pgErr.ColumnName
		}
		if conv := fromSQLState(pgErr.Code, detail, err); conv != nil {
			return conv
		}
		return err
	}

	// PostgreSQL errors (lib/pq)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		detail := pqErr.Detail
		if detail == "" {
			detail = pqErr.Message
		}
		if string(pqErr.Code) == pgNotNullViolation && pqErr.Column != "" {
			detail = "column " + pqErr.Column
		}
		if conv := fromSQLState(string(pqErr.Code), detail, err); conv != nil {
			return conv
		}
		return err
	}

	// SQLite errors
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		if kind := sqliteConstraintKind(liteErr); kind != ConstraintUnknown {
			return &ConstraintViolationError{Kind: kind, Detail: liteErr.Error(), Err: err}
		}
		return err
	}

	// Connectivity
	var connectErr *pgconn.ConnectError
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.As(err, &connectErr) ||
		errors.As(err, &netErr) {
		return &ConnectionError{Err: err}
	}

	// Fallback to string matching for drivers that don't expose codes
	msg := err.Error()
	switch {
	case strings.Contains(msg, "violates unique constraint"),
		strings.Contains(msg, "UNIQUE constraint failed"):
		return &ConstraintViolationError{Kind: ConstraintUnique, Detail: msg, Err: err}
	case strings.Contains(msg, "violates foreign key constraint"),
		strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return &ConstraintViolationError{Kind: ConstraintForeignKey, Detail: msg, Err: err}
	case strings.Contains(msg, "violates not-null constraint"),
		strings.Contains(msg, "NOT NULL constraint failed"):
		return &ConstraintViolationError{Kind: ConstraintNotNull, Detail: msg, Err: err}
	case strings.Contains(msg, "violates check constraint"),
		strings.Contains(msg, "CHECK constraint failed"):
		return &ConstraintViolationError{Kind: ConstraintCheck, Detail: msg, Err: err}
	}

	return err
}

func fromSQLState(code, detail string, err error) error {
	switch code {
	case pgUniqueViolation:
		return &ConstraintViolationError{Kind: ConstraintUnique, Detail: detail, Err: err}
	case pgForeignKeyViolation:
		return &ConstraintViolationError{Kind: ConstraintForeignKey, Detail: detail, Err: err}
	case pgNotNullViolation:
		return &ConstraintViolationError{Kind: ConstraintNotNull, Detail: detail, Err: err}
	case pgCheckViolation:
		return &ConstraintViolationError{Kind: ConstraintCheck, Detail: detail, Err: err}
	case pgTooManyConnections:
		return &ConnectionError{Err: err}
	}
	if strings.HasPrefix(code, pgConnectionClass) {
		return &ConnectionError{Err: err}
	}
	return nil
}

func sqliteConstraintKind(e sqlite3.Error) ConstraintKind {
	if e.Code != sqlite3.ErrConstraint {
		return ConstraintUnknown
	}
	switch e.ExtendedCode {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		return ConstraintUnique
	case sqlite3.ErrConstraintForeignKey:
		return ConstraintForeignKey
	case sqlite3.ErrConstraintNotNull:
		return ConstraintNotNull
	case sqlite3.ErrConstraintCheck:
		return ConstraintCheck
	default:
		return ConstraintCheck
	}
}
