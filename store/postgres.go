package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// NewPostgres connects to PostgreSQL and creates the tables if needed.
func NewPostgres(ctx context.Context, cfg Config) (Store, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database, cfg.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := createTables(ctx, db, postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &sqlStore{db: db, numbered: true}, nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS policy_cache (
		url VARCHAR(2048) PRIMARY KEY,
		last_updated VARCHAR(100),
		result JSONB NOT NULL,
		last_checked BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_policy_cache_last_checked ON policy_cache(last_checked)`,

	`CREATE TABLE IF NOT EXISTS analyzed_sentences (
		id BIGSERIAL PRIMARY KEY,
		url VARCHAR(2048) NOT NULL,
		category VARCHAR(100) NOT NULL,
		sentence TEXT NOT NULL,
		attribute VARCHAR(100) NOT NULL,
		span TEXT NOT NULL,
		predicted_value VARCHAR(255),
		does_or_not_value VARCHAR(50),
		does_or_not_span TEXT,
		purpose_value VARCHAR(255),
		purpose_span TEXT,
		third_party_entity VARCHAR(255)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_analyzed_sentences_url ON analyzed_sentences(url)`,
	`CREATE INDEX IF NOT EXISTS idx_analyzed_sentences_attribute ON analyzed_sentences(url, category, attribute)`,
}
