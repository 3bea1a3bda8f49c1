// Package ormtest provides the shared fixture registry and an in-memory SQLite
// database with the matching tables for package tests.
package ormtest

import (
	"bytes"
	"database/sql"
	_ "embed"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/conduit-lang/attrdb/internal/orm/schema"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

//go:embed registry.yml
var registryYAML []byte

//go:embed sqlite.sql
var sqliteDDL string

var dbCounter atomic.Int64

// RegistryYAML returns the fixture registry document
func RegistryYAML() []byte {
	return registryYAML
}

// Registry loads the fixture registry
func Registry(t testing.TB) *schema.Registry {
	t.Helper()
	reg, err := schema.Load(bytes.NewReader(registryYAML), nil)
	require.NoError(t, err)
	return reg
}

// OpenSQLite opens a fresh in-memory database with foreign keys enforced and the
// fixture tables created. The database is closed when the test ends.
func OpenSQLite(t testing.TB) *sql.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:ormtest%d?mode=memory&cache=shared&_foreign_keys=1", dbCounter.Add(1))
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(sqliteDDL)
	require.NoError(t, err)
	return db
}

// SQLiteDDL returns the statements creating the fixture tables
func SQLiteDDL() string {
	return sqliteDDL
}
