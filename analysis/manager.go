// Package analysis runs the pipeline behind a freshness-aware policy cache
// and answers questions from the stored sentence records.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hannes/policylens/models"
	"github.com/hannes/policylens/pipeline"
	"github.com/hannes/policylens/scraper"
	"github.com/hannes/policylens/store"
)

var tracer = otel.Tracer("github.com/hannes/policylens/analysis")

// Fetcher downloads a policy page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*scraper.Page, error)
}

// Analyzer runs the extraction pipeline.
type Analyzer interface {
	Analyze(ctx context.Context, url string, paragraphs []string) (*pipeline.Analysis, error)
}

// Options configures a Manager.
type Options struct {
	// MaxAge forces a re-analysis of entries older than this, even when the
	// last-updated marker is unchanged. Zero disables the age check.
	MaxAge time.Duration
	// Timeout bounds a shared run, which does not stop when the caller
	// that started it goes away. Zero leaves it unbounded.
	Timeout time.Duration
}

// Manager decides whether a policy needs to be analysed again.
type Manager struct {
	fetcher  Fetcher
	analyzer Analyzer
	store    store.Store
	opts     Options
	logger   *zap.Logger
	group    singleflight.Group
	now      func() time.Time
}

func NewManager(fetcher Fetcher, analyzer Analyzer, st store.Store, opts Options, logger *zap.Logger) *Manager {
	return &Manager{
		fetcher:  fetcher,
		analyzer: analyzer,
		store:    st,
		opts:     opts,
		logger:   logger.Named("analysis"),
		now:      time.Now,
	}
}

// Request describes one analysis.
type Request struct {
	URL string
	// Force skips the cache.
	Force bool
	// Progress, when set, is told when the run moves to a new stage.
	Progress func(JobStatus)
}

// Result is the summary returned to callers.
type Result struct {
	pipeline.Summary
	LastUpdated *string   `json:"last_updated"`
	Cached      bool      `json:"cached"`
	AnalyzedAt  time.Time `json:"analyzed_at"`
}

// CacheKey is the key a policy URL is stored under.
func CacheKey(url string) (string, error) {
	return scraper.NormalizeURL(url)
}

// Analyze fetches the policy and returns the cached summary when the
// policy's last-updated marker has not changed. Concurrent calls for the
// same URL share one run.
func (m *Manager) Analyze(ctx context.Context, req Request) (*Result, error) {
	key, err := CacheKey(req.URL)
	if err != nil {
		return nil, err
	}

	flight := key
	if req.Force {
		flight = "force:" + key
	}
	// The run outlives any single caller; each caller stops waiting when
	// its own context is done.
	ch := m.group.DoChan(flight, func() (any, error) {
		runCtx := context.WithoutCancel(ctx)
		if m.opts.Timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(runCtx, m.opts.Timeout)
			defer cancel()
		}
		return m.analyze(runCtx, key, req)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		res := *r.Val.(*Result)
		return &res, nil
	}
}

func (m *Manager) analyze(ctx context.Context, key string, req Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Analyze")
	defer span.End()
	span.SetAttributes(attribute.String("url", req.URL), attribute.Bool("force", req.Force))

	progress := func(s JobStatus) {
		if req.Progress != nil {
			req.Progress(s)
		}
	}

	progress(StatusFetching)
	page, err := m.fetcher.Fetch(ctx, req.URL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return nil, err
	}

	if !req.Force {
		if res, ok := m.cached(ctx, key, page.LastUpdated); ok {
			span.SetAttributes(attribute.Bool("cached", true))
			progress(StatusCached)
			return res, nil
		}
	}

	progress(StatusAnalyzing)
	analysis, err := m.analyzer.Analyze(ctx, req.URL, page.Paragraphs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		return nil, err
	}

	payload, err := json.Marshal(analysis.Summary)
	if err != nil {
		return nil, fmt.Errorf("failed to encode summary: %w", err)
	}
	now := m.now()
	entry := store.PolicyEntry{URL: key, LastUpdated: page.LastUpdated, Result: payload, LastChecked: now}
	if err := m.store.PutPolicy(ctx, entry); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := m.store.ReplaceSentences(ctx, key, SentenceRecords(key, analysis.Sentences)); err != nil {
		span.RecordError(err)
		return nil, err
	}

	m.logger.Info("policy analysed",
		zap.String("url", req.URL),
		zap.Bool("forced", req.Force),
		zap.Int("paragraphs", len(page.Paragraphs)),
		zap.Int("sentences", len(analysis.Sentences)))
	progress(StatusCompleted)
	return &Result{Summary: analysis.Summary, LastUpdated: page.LastUpdated, AnalyzedAt: now}, nil
}

// cached returns the stored result when it is still valid for marker.
func (m *Manager) cached(ctx context.Context, key string, marker *string) (*Result, bool) {
	entry, err := m.store.GetPolicy(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("failed to read policy cache", zap.String("url", key), zap.Error(err))
		}
		return nil, false
	}
	if !sameMarker(entry.LastUpdated, marker) {
		m.logger.Debug("last-updated marker changed", zap.String("url", key))
		return nil, false
	}
	if m.opts.MaxAge > 0 && m.now().Sub(entry.LastChecked) > m.opts.MaxAge {
		m.logger.Debug("cached analysis expired", zap.String("url", key))
		return nil, false
	}

	var summary pipeline.Summary
	if err := json.Unmarshal(entry.Result, &summary); err != nil {
		m.logger.Warn("discarding unreadable cached result", zap.String("url", key), zap.Error(err))
		return nil, false
	}
	return &Result{Summary: summary, LastUpdated: entry.LastUpdated, Cached: true, AnalyzedAt: entry.LastChecked}, true
}

// sameMarker treats two missing markers as equal.
func sameMarker(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// SentenceRecords flattens analysed sentences into one record per
// (attribute, span). Personal information type rows also carry the
// sentence's does/purpose/third party predictions.
func SentenceRecords(url string, sentences []pipeline.SentenceResult) []store.SentenceRecord {
	var records []store.SentenceRecord
	for _, s := range sentences {
		for _, attr := range pipeline.AttributesFor(s.Category) {
			for _, span := range s.Attributes[attr] {
				r := store.SentenceRecord{
					URL:            url,
					Category:       s.Category,
					Sentence:       s.Sentence,
					Attribute:      attr,
					Span:           span,
					PredictedValue: lookup(s.PredictedValues, attr),
				}
				if attr == models.AttrPIT {
					r.DoesOrNotValue = lookup(s.PredictedValues, models.AttrDoesDoesNot)
					r.DoesOrNotSpan = first(s.Attributes[models.AttrDoesDoesNot])
					r.PurposeValue = lookup(s.PredictedValues, models.AttrPurpose)
					r.PurposeSpan = first(s.Attributes[models.AttrPurpose])
					r.ThirdPartyEntity = lookup(s.PredictedValues, models.AttrTPE)
				}
				records = append(records, r)
			}
		}
	}
	return records
}

func lookup(m map[string]string, key string) *string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	return &v
}

func first(spans []string) *string {
	if len(spans) == 0 {
		return nil
	}
	s := spans[0]
	return &s
}

// Policies lists cached policies.
func (m *Manager) Policies(ctx context.Context, limit, offset int) ([]store.PolicyEntry, error) {
	return m.store.ListPolicies(ctx, limit, offset)
}

// Forget removes a policy and its sentence records.
func (m *Manager) Forget(ctx context.Context, url string) error {
	key, err := CacheKey(url)
	if err != nil {
		return err
	}
	return m.store.DeletePolicy(ctx, key)
}
