package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DefaultSQLitePath is used when no database path is configured.
const DefaultSQLitePath = "policylens.db"

// NewSQLite opens (and creates) the SQLite database at path.
func NewSQLite(ctx context.Context, path string) (Store, error) {
	if path == "" {
		path = DefaultSQLitePath
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	// single writer
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := createTables(ctx, db, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &sqlStore{db: db}, nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS policy_cache (
		url TEXT PRIMARY KEY,
		last_updated TEXT,
		result TEXT NOT NULL,
		last_checked INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_policy_cache_last_checked ON policy_cache(last_checked)`,

	`CREATE TABLE IF NOT EXISTS analyzed_sentences (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url TEXT NOT NULL,
		category TEXT NOT NULL,
		sentence TEXT NOT NULL,
		attribute TEXT NOT NULL,
		span TEXT NOT NULL,
		predicted_value TEXT,
		does_or_not_value TEXT,
		does_or_not_span TEXT,
		purpose_value TEXT,
		purpose_span TEXT,
		third_party_entity TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_analyzed_sentences_url ON analyzed_sentences(url)`,
	`CREATE INDEX IF NOT EXISTS idx_analyzed_sentences_attribute ON analyzed_sentences(url, category, attribute)`,
}
