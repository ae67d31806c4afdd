// Package sqlite opens the application database and applies its migrations.
// It uses modernc.org/sqlite, a pure-Go driver, so the binary needs no CGO.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// Memory is the path for a private in-memory database.
const Memory = ":memory:"

// TimeLayout is the fixed-width UTC timestamp format stored in TEXT columns.
// Fixed width keeps lexical order equal to time order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime reads a value written by FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// pragmas are applied on every new connection through the DSN.
var pragmas = []string{
	"journal_mode(WAL)",
	"foreign_keys(ON)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
}

// NewDB opens (or creates) the database at path. The parent directory must
// already exist. Memory databases are limited to one connection because each
// connection would otherwise see its own empty database.
func NewDB(ctx context.Context, path string) (*sql.DB, error) {
	if path != Memory {
		dir := filepath.Dir(path)
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("sqlite.NewDB: parent directory %q: %w", dir, err)
		}
	}

	params := make([]string, len(pragmas))
	for i, p := range pragmas {
		params[i] = "_pragma=" + p
	}
	dsn := path + "?" + strings.Join(params, "&")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite.NewDB: open %q: %w", path, err)
	}

	if path == Memory {
		db.SetMaxOpenConns(1)
	} else {
		// WAL serializes writers; extra connections serve concurrent reads.
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(4)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("sqlite.NewDB: ping %q: %w", path, err)
	}
	return db, nil
}

// IsUniqueViolation reports whether err is a UNIQUE constraint failure.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
