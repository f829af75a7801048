// Package database opens the SQLite files behind Bernard's stores and
// applies their embedded goose migrations.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

// Open opens (creating if needed) the SQLite database at path with WAL
// journaling and a busy timeout, so concurrent writers wait instead of
// failing with SQLITE_BUSY.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", path, err)
	}
	return db, nil
}

// Migrate applies every pending migration found in fsys. Migration files
// live at the root of fsys and use goose's "-- +goose Up" annotations.
func Migrate(ctx context.Context, db *sql.DB, fsys fs.FS, logger *slog.Logger) error {
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if logger != nil {
		for _, r := range results {
			logger.Debug("migration applied",
				"version", r.Source.Version,
				"path", r.Source.Path,
				"duration", r.Duration,
			)
		}
	}
	return nil
}

// MustSub returns the named subdirectory of an embedded FS. It panics on
// error, which only happens when the embed directive and the name
// disagree.
func MustSub(fsys fs.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(fmt.Sprintf("database: embedded dir %q: %v", dir, err))
	}
	return sub
}

// TimeFormat is the fixed-width UTC layout every store writes. Unlike
// RFC3339Nano it never trims trailing zeros, so stored values order
// correctly as strings.
const TimeFormat = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a TimeFormat value. Invalid input yields the zero time.
func ParseTime(s string) time.Time {
	t, err := time.Parse(TimeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
