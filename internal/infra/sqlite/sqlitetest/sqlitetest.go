// Package sqlitetest opens migrated in-memory databases for tests.
package sqlitetest

import (
	"context"
	"database/sql"
	"testing"

	"github.com/matiasleandrokruk/wanderplan/internal/infra/sqlite"
)

// New returns a fully migrated private in-memory database closed at test end.
func New(tb testing.TB) *sql.DB {
	tb.Helper()
	ctx := context.Background()
	db, err := sqlite.NewDB(ctx, sqlite.Memory)
	if err != nil {
		tb.Fatalf("sqlite.NewDB: %v", err)
	}
	tb.Cleanup(func() { db.Close() })
	if _, err := sqlite.MigrateUp(ctx, db); err != nil {
		tb.Fatalf("sqlite.MigrateUp: %v", err)
	}
	return db
}

// InsertUser adds a user row directly and returns its id.
func InsertUser(tb testing.TB, db *sql.DB, id, email string) string {
	tb.Helper()
	const now = "2026-01-01T00:00:00Z"
	if _, err := db.Exec(
		`INSERT INTO users (id, email, password_hash, display_name, created_at, updated_at) VALUES (?, ?, 'x', '', ?, ?)`,
		id, email, now, now,
	); err != nil {
		tb.Fatalf("insert user: %v", err)
	}
	return id
}
