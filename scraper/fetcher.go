// Package scraper fetches privacy policy pages and turns them into
// paragraphs plus a last-updated marker.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/purell"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("github.com/hannes/policylens/scraper")

const (
	DefaultUserAgent    = "Mozilla/5.0"
	DefaultTimeout      = 10 * time.Second
	DefaultMaxBodyBytes = 10 << 20
)

// Config controls how pages are fetched.
type Config struct {
	UserAgent          string
	Timeout            time.Duration
	MaxBodyBytes       int64
	MinParagraphLength int
	// RequestsPerSecond limits requests per host; zero disables the limit.
	RequestsPerSecond float64
	Burst             int
}

// StatusError reports a non-200 response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetching %s: unexpected status %d", e.URL, e.Code)
}

// ErrInvalidURL is returned for URLs that are not absolute http(s) URLs.
var ErrInvalidURL = errors.New("invalid url")

// ErrBodyTooLarge is returned when a response exceeds Config.MaxBodyBytes.
var ErrBodyTooLarge = errors.New("response body too large")

// Page is one fetched policy.
type Page struct {
	URL         string
	ContentType string
	Paragraphs  []string
	Text        string
	LastUpdated *string
	FetchedAt   time.Time
}

// Fetcher downloads policy pages. It is safe for concurrent use.
type Fetcher struct {
	client *resty.Client
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewFetcher(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.MinParagraphLength <= 0 {
		cfg.MinParagraphLength = DefaultMinParagraphLength
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Accept", "text/html,application/xhtml+xml,application/pdf;q=0.9,*/*;q=0.8").
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))

	return &Fetcher{
		client:   client,
		cfg:      cfg,
		logger:   logger.Named("scraper"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// ValidateURL accepts absolute http and https URLs only.
func ValidateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u, nil
}

// NormalizeURL produces the cache key form of a policy URL.
func NormalizeURL(rawURL string) (string, error) {
	u, err := ValidateURL(rawURL)
	if err != nil {
		return "", err
	}
	return purell.NormalizeURL(u,
		purell.FlagsSafe|
			purell.FlagRemoveDotSegments|
			purell.FlagRemoveDuplicateSlashes|
			purell.FlagRemoveDirectoryIndex|
			purell.FlagRemoveFragment|
			purell.FlagSortQuery,
	), nil
}

func (f *Fetcher) limiter(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(f.cfg.RequestsPerSecond), f.cfg.Burst)
		f.limiters[host] = l
	}
	return l
}

// Fetch downloads rawURL once and extracts paragraphs and the
// last-updated marker from the same response.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	ctx, span := tracer.Start(ctx, "Fetch")
	defer span.End()
	span.SetAttributes(attribute.String("url", rawURL))

	u, err := ValidateURL(rawURL)
	if err != nil {
		return nil, failSpan(span, err, "invalid url")
	}

	if f.cfg.RequestsPerSecond > 0 {
		if err := f.limiter(u.Host).Wait(ctx); err != nil {
			return nil, failSpan(span, fmt.Errorf("rate limit wait: %w", err), "rate limit wait")
		}
	}

	start := time.Now()
	resp, err := f.client.R().SetContext(ctx).SetDoNotParseResponse(true).Get(u.String())
	if err != nil {
		return nil, failSpan(span, fmt.Errorf("fetching %s: %w", rawURL, err), "request failed")
	}
	raw := resp.RawBody()
	defer raw.Close()
	if resp.StatusCode() != 200 {
		return nil, failSpan(span, &StatusError{URL: rawURL, Code: resp.StatusCode()}, "unexpected status")
	}

	body, err := io.ReadAll(io.LimitReader(raw, f.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, failSpan(span, fmt.Errorf("reading %s: %w", rawURL, err), "read failed")
	}
	if int64(len(body)) > f.cfg.MaxBodyBytes {
		err := fmt.Errorf("fetching %s: %w (limit %d bytes)", rawURL, ErrBodyTooLarge, f.cfg.MaxBodyBytes)
		return nil, failSpan(span, err, "body too large")
	}

	contentType := resp.Header().Get("Content-Type")
	parser, err := ParserFor(contentType, u.String(), f.cfg.MinParagraphLength)
	if err != nil {
		return nil, failSpan(span, err, "unsupported content")
	}
	doc, err := parser.Parse(body)
	if err != nil {
		return nil, failSpan(span, err, "parse failed")
	}

	page := &Page{
		URL:         rawURL,
		ContentType: contentType,
		Paragraphs:  doc.Paragraphs,
		Text:        doc.Text,
		LastUpdated: LastUpdated(doc.Text),
		FetchedAt:   time.Now(),
	}
	span.SetAttributes(attribute.Int("paragraphs", len(page.Paragraphs)))

	lastUpdated := ""
	if page.LastUpdated != nil {
		lastUpdated = *page.LastUpdated
	}
	f.logger.Debug("fetched policy",
		zap.String("url", rawURL),
		zap.String("content_type", contentType),
		zap.Int("bytes", len(body)),
		zap.Int("paragraphs", len(page.Paragraphs)),
		zap.String("last_updated", lastUpdated),
		zap.Duration("elapsed", time.Since(start)))
	return page, nil
}

// failSpan marks span as failed and returns err.
func failSpan(span trace.Span, err error, msg string) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	return err
}
