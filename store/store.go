// Package store persists analysed policies and their sentence records.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no entry exists for a URL.
var ErrNotFound = errors.New("policy not found")

// PolicyEntry is the cached analysis of one policy URL.
type PolicyEntry struct {
	URL string `json:"url"`
	// LastUpdated is the policy's own last-updated marker; nil when the page
	// has none.
	LastUpdated *string         `json:"last_updated"`
	Result      json.RawMessage `json:"result,omitempty"`
	LastChecked time.Time       `json:"last_checked"`
}

// SentenceRecord is one (sentence, attribute, span) row of an analysis. The
// does/purpose/third party columns are set on personal information type rows
// only.
type SentenceRecord struct {
	URL              string  `json:"url"`
	Category         string  `json:"category"`
	Sentence         string  `json:"sentence"`
	Attribute        string  `json:"attribute"`
	Span             string  `json:"span"`
	PredictedValue   *string `json:"predicted_value"`
	DoesOrNotValue   *string `json:"does_or_not_value"`
	DoesOrNotSpan    *string `json:"does_or_not_span"`
	PurposeValue     *string `json:"purpose_value"`
	PurposeSpan      *string `json:"purpose_span"`
	ThirdPartyEntity *string `json:"third_party_entity"`
}

// SentenceFilter narrows a sentence query. Empty fields match anything.
type SentenceFilter struct {
	Category       string
	Attribute      string
	DoesOrNotValue string
}

func (f SentenceFilter) matches(r SentenceRecord) bool {
	if f.Category != "" && r.Category != f.Category {
		return false
	}
	if f.Attribute != "" && r.Attribute != f.Attribute {
		return false
	}
	if f.DoesOrNotValue != "" && (r.DoesOrNotValue == nil || *r.DoesOrNotValue != f.DoesOrNotValue) {
		return false
	}
	return true
}

// Store defines the persistence operations of the policy cache.
type Store interface {
	// GetPolicy returns the entry for url or ErrNotFound.
	GetPolicy(ctx context.Context, url string) (*PolicyEntry, error)

	// PutPolicy inserts or replaces the entry for entry.URL.
	PutPolicy(ctx context.Context, entry PolicyEntry) error

	// DeletePolicy removes the entry and its sentence records.
	DeletePolicy(ctx context.Context, url string) error

	// ListPolicies returns entries without results, most recently checked first.
	ListPolicies(ctx context.Context, limit, offset int) ([]PolicyEntry, error)

	// ReplaceSentences atomically swaps the sentence records of url.
	ReplaceSentences(ctx context.Context, url string, records []SentenceRecord) error

	// Sentences returns the records of url that match filter, in insertion order.
	Sentences(ctx context.Context, url string, filter SentenceFilter) ([]SentenceRecord, error)

	// CleanupOlderThan removes entries not checked within olderThan.
	CleanupOlderThan(ctx context.Context, olderThan time.Duration) (int64, error)

	Close() error
}

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config selects and configures a backend.
type Config struct {
	Driver string
	// Path is the SQLite database file.
	Path string

	Host         string
	Port         int
	Database     string
	Username     string
	Password     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// Open creates the store named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverSQLite:
		return NewSQLite(ctx, cfg.Path)
	case DriverPostgres:
		return NewPostgres(ctx, cfg)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
