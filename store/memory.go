package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store, used for tests and ephemeral runs.
type Memory struct {
	mu        sync.RWMutex
	policies  map[string]PolicyEntry
	sentences map[string][]SentenceRecord
}

func NewMemory() *Memory {
	return &Memory{
		policies:  make(map[string]PolicyEntry),
		sentences: make(map[string][]SentenceRecord),
	}
}

func (m *Memory) GetPolicy(_ context.Context, url string) (*PolicyEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.policies[url]
	if !ok {
		return nil, ErrNotFound
	}
	return &entry, nil
}

func (m *Memory) PutPolicy(_ context.Context, entry PolicyEntry) error {
	if entry.LastChecked.IsZero() {
		entry.LastChecked = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[entry.URL] = entry
	return nil
}

func (m *Memory) DeletePolicy(_ context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[url]; !ok {
		return ErrNotFound
	}
	delete(m.policies, url)
	delete(m.sentences, url)
	return nil
}

func (m *Memory) ListPolicies(_ context.Context, limit, offset int) ([]PolicyEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	entries := make([]PolicyEntry, 0, len(m.policies))
	for _, e := range m.policies {
		e.Result = nil
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].LastChecked.Equal(entries[j].LastChecked) {
			return entries[i].LastChecked.After(entries[j].LastChecked)
		}
		return entries[i].URL < entries[j].URL
	})
	if offset >= len(entries) {
		return []PolicyEntry{}, nil
	}
	entries = entries[offset:]
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (m *Memory) ReplaceSentences(_ context.Context, url string, records []SentenceRecord) error {
	copied := make([]SentenceRecord, len(records))
	for i, r := range records {
		r.URL = url
		copied[i] = r
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentences[url] = copied
	return nil
}

func (m *Memory) Sentences(_ context.Context, url string, filter SentenceFilter) ([]SentenceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []SentenceRecord
	for _, r := range m.sentences[url] {
		if filter.matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) CleanupOlderThan(_ context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for url, e := range m.policies {
		if e.LastChecked.Before(cutoff) {
			delete(m.policies, url)
			delete(m.sentences, url)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error {
	return nil
}
