package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// sqlStore implements Store over database/sql. Queries are written with '?'
// placeholders and rebound for drivers that number them.
type sqlStore struct {
	db       *sql.DB
	numbered bool
}

func (s *sqlStore) rebind(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// GetPolicy returns the entry for url or ErrNotFound.
func (s *sqlStore) GetPolicy(ctx context.Context, url string) (*PolicyEntry, error) {
	query := s.rebind(`SELECT url, last_updated, result, last_checked FROM policy_cache WHERE url = ?`)

	var (
		entry       PolicyEntry
		lastUpdated sql.NullString
		result      string
		checked     int64
	)
	err := s.db.QueryRowContext(ctx, query, url).Scan(&entry.URL, &lastUpdated, &result, &checked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	entry.LastUpdated = nullString(lastUpdated)
	entry.Result = []byte(result)
	entry.LastChecked = fromMillis(checked)
	return &entry, nil
}

// PutPolicy upserts the entry for entry.URL.
func (s *sqlStore) PutPolicy(ctx context.Context, entry PolicyEntry) error {
	if entry.LastChecked.IsZero() {
		entry.LastChecked = time.Now()
	}
	if len(entry.Result) == 0 {
		entry.Result = []byte("null")
	}
	query := s.rebind(`
	INSERT INTO policy_cache (url, last_updated, result, last_checked)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (url)
	DO UPDATE SET
		last_updated = excluded.last_updated,
		result = excluded.result,
		last_checked = excluded.last_checked
	`)

	_, err := s.db.ExecContext(ctx, query, entry.URL, entry.LastUpdated, string(entry.Result), toMillis(entry.LastChecked))
	if err != nil {
		return fmt.Errorf("failed to store policy: %w", err)
	}
	return nil
}

// DeletePolicy removes the entry and its sentence records.
func (s *sqlStore) DeletePolicy(ctx context.Context, url string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM analyzed_sentences WHERE url = ?`), url); err != nil {
		return fmt.Errorf("failed to delete sentences: %w", err)
	}
	result, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM policy_cache WHERE url = ?`), url)
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// ListPolicies returns entries without results, most recently checked first.
func (s *sqlStore) ListPolicies(ctx context.Context, limit, offset int) ([]PolicyEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.rebind(`SELECT url, last_updated, last_checked FROM policy_cache ORDER BY last_checked DESC, url LIMIT ? OFFSET ?`)

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer rows.Close()

	entries := []PolicyEntry{}
	for rows.Next() {
		var (
			entry       PolicyEntry
			lastUpdated sql.NullString
			checked     int64
		)
		if err := rows.Scan(&entry.URL, &lastUpdated, &checked); err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		entry.LastUpdated = nullString(lastUpdated)
		entry.LastChecked = fromMillis(checked)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ReplaceSentences deletes and re-inserts the records of url in one transaction.
func (s *sqlStore) ReplaceSentences(ctx context.Context, url string, records []SentenceRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM analyzed_sentences WHERE url = ?`), url); err != nil {
		return fmt.Errorf("failed to delete sentences: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
	INSERT INTO analyzed_sentences (url, category, sentence, attribute, span, predicted_value,
		does_or_not_value, does_or_not_span, purpose_value, purpose_span, third_party_entity)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		_, err := stmt.ExecContext(ctx, url, r.Category, r.Sentence, r.Attribute, r.Span, r.PredictedValue,
			r.DoesOrNotValue, r.DoesOrNotSpan, r.PurposeValue, r.PurposeSpan, r.ThirdPartyEntity)
		if err != nil {
			return fmt.Errorf("failed to insert sentence: %w", err)
		}
	}
	return tx.Commit()
}

// Sentences returns the records of url that match filter.
func (s *sqlStore) Sentences(ctx context.Context, url string, filter SentenceFilter) ([]SentenceRecord, error) {
	query := `SELECT url, category, sentence, attribute, span, predicted_value,
		does_or_not_value, does_or_not_span, purpose_value, purpose_span, third_party_entity
	FROM analyzed_sentences WHERE url = ?`
	args := []any{url}
	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, filter.Category)
	}
	if filter.Attribute != "" {
		query += ` AND attribute = ?`
		args = append(args, filter.Attribute)
	}
	if filter.DoesOrNotValue != "" {
		query += ` AND does_or_not_value = ?`
		args = append(args, filter.DoesOrNotValue)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sentences: %w", err)
	}
	defer rows.Close()

	var records []SentenceRecord
	for rows.Next() {
		var r SentenceRecord
		var predicted, doesValue, doesSpan, purpose, pSpan, tpe sql.NullString
		if err := rows.Scan(&r.URL, &r.Category, &r.Sentence, &r.Attribute, &r.Span, &predicted,
			&doesValue, &doesSpan, &purpose, &pSpan, &tpe); err != nil {
			return nil, fmt.Errorf("failed to scan sentence: %w", err)
		}
		r.PredictedValue = nullString(predicted)
		r.DoesOrNotValue = nullString(doesValue)
		r.DoesOrNotSpan = nullString(doesSpan)
		r.PurposeValue = nullString(purpose)
		r.PurposeSpan = nullString(pSpan)
		r.ThirdPartyEntity = nullString(tpe)
		records = append(records, r)
	}
	return records, rows.Err()
}

// CleanupOlderThan removes entries, and their sentences, not checked within olderThan.
func (s *sqlStore) CleanupOlderThan(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := toMillis(time.Now().Add(-olderThan))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, s.rebind(`
	DELETE FROM analyzed_sentences
	WHERE url IN (SELECT url FROM policy_cache WHERE last_checked < ?)
	`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old sentences: %w", err)
	}
	result, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM policy_cache WHERE last_checked < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old policies: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	return s.db.Close()
}

func createTables(ctx context.Context, db *sql.DB, queries []string) error {
	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute: %s: %w", query, err)
		}
	}
	return nil
}
