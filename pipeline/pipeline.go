// Package pipeline turns policy paragraphs into structured data practice
// findings: categories per paragraph, attribute spans per sentence, and the
// predicted value of every span.
package pipeline

import (
	"context"
	"fmt"
	"runtime"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hannes/policylens/models"
	"github.com/hannes/policylens/segment"
)

var tracer = otel.Tracer("github.com/hannes/policylens/pipeline")

// Models is the model surface the pipeline needs. *models.Manager
// implements it.
type Models interface {
	Classify(ctx context.Context, paragraph string) ([]string, error)
	Extract(ctx context.Context, sentence string, attributes []string) (map[string][]string, error)
	Predict(ctx context.Context, attribute, text string) (string, error)
}

// Options tunes the pipeline.
type Options struct {
	// Workers bounds the number of paragraphs processed at once.
	Workers int
}

// Pipeline runs the classification and extraction stages.
type Pipeline struct {
	models    Models
	segmenter segment.Segmenter
	workers   int
	logger    *zap.Logger
}

func New(m Models, seg segment.Segmenter, opts Options, logger *zap.Logger) *Pipeline {
	if seg == nil {
		seg = segment.New()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pipeline{
		models:    m,
		segmenter: seg,
		workers:   workers,
		logger:    logger.Named("pipeline"),
	}
}

// ParagraphLabels is a paragraph with its predicted categories.
type ParagraphLabels struct {
	Text   string   `json:"text"`
	Labels []string `json:"predicted_labels"`
}

// ClassifyParagraph returns the categories of one paragraph.
func (p *Pipeline) ClassifyParagraph(ctx context.Context, paragraph string) ([]string, error) {
	return p.models.Classify(ctx, paragraph)
}

// ClassifyParagraphs classifies paragraphs concurrently; the result keeps
// paragraph order.
func (p *Pipeline) ClassifyParagraphs(ctx context.Context, paragraphs []string) ([]ParagraphLabels, error) {
	ctx, span := tracer.Start(ctx, "ClassifyParagraphs")
	defer span.End()
	span.SetAttributes(attribute.Int("paragraphs", len(paragraphs)))

	out := make([]ParagraphLabels, len(paragraphs))
	err := p.forEachParagraph(ctx, paragraphs, func(ctx context.Context, i int, paragraph string) error {
		labels, err := p.models.Classify(ctx, paragraph)
		if err != nil {
			return err
		}
		out[i] = ParagraphLabels{Text: paragraph, Labels: labels}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "classification failed")
		return nil, err
	}
	return out, nil
}

// LabelCounts counts how many paragraphs carry each label.
func LabelCounts(paragraphs []ParagraphLabels) map[string]int {
	counts := make(map[string]int)
	for _, p := range paragraphs {
		for _, l := range p.Labels {
			counts[l]++
		}
	}
	return counts
}

// forEachParagraph runs fn for every paragraph on at most p.workers
// goroutines. The first error cancels the rest.
func (p *Pipeline) forEachParagraph(ctx context.Context, paragraphs []string, fn func(ctx context.Context, i int, paragraph string) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, paragraph := range paragraphs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(ctx, i, paragraph); err != nil {
				return fmt.Errorf("paragraph %d: %w", i, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// paragraphResult holds the extraction of one paragraph. items[i] and
// results[i] describe the same sentence.
type paragraphResult struct {
	labels  []string
	items   []SentenceItem
	results []SentenceResult
}

// process classifies, extracts and enriches every paragraph. When keep is
// non-nil, only paragraphs whose labels satisfy it are extracted.
func (p *Pipeline) process(ctx context.Context, paragraphs []string, keep func(labels []string) bool) ([]paragraphResult, error) {
	out := make([]paragraphResult, len(paragraphs))
	err := p.forEachParagraph(ctx, paragraphs, func(ctx context.Context, i int, paragraph string) error {
		labels, err := p.models.Classify(ctx, paragraph)
		if err != nil {
			return err
		}
		out[i].labels = labels
		if keep != nil && !keep(labels) {
			return nil
		}

		items, err := p.ExtractFromParagraph(ctx, paragraph, labels)
		if err != nil {
			return err
		}
		pred := newPredictor(p.models)
		results := make([]SentenceResult, 0, len(items))
		for _, item := range items {
			r, err := enrich(ctx, pred, item)
			if err != nil {
				return err
			}
			results = append(results, r)
		}
		out[i].items = items
		out[i].results = results
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Sentences returns every extracted sentence with its cleaned attributes,
// predicted values and highlighted HTML.
func (p *Pipeline) Sentences(ctx context.Context, paragraphs []string) ([]SentenceResult, error) {
	ctx, span := tracer.Start(ctx, "Sentences")
	defer span.End()

	results, err := p.process(ctx, paragraphs, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "extraction failed")
		return nil, err
	}
	var out []SentenceResult
	for _, r := range results {
		out = append(out, r.results...)
	}
	return out, nil
}

// Analysis is the full result of one pipeline run.
type Analysis struct {
	Summary   Summary
	Sentences []SentenceResult
}

// Analyze runs the whole pipeline over the paragraphs of url.
func (p *Pipeline) Analyze(ctx context.Context, url string, paragraphs []string) (*Analysis, error) {
	ctx, span := tracer.Start(ctx, "Analyze")
	defer span.End()
	span.SetAttributes(attribute.String("url", url), attribute.Int("paragraphs", len(paragraphs)))

	results, err := p.process(ctx, paragraphs, hasTargetCategory)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "analysis failed")
		return nil, err
	}

	pred := newPredictor(p.models)
	builder := newSummaryBuilder(url)
	var sentences []SentenceResult
	for _, r := range results {
		for _, item := range r.items {
			if err := builder.add(ctx, pred, item); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "summary failed")
				return nil, err
			}
		}
		sentences = append(sentences, r.results...)
	}

	summary := builder.build()
	p.logger.Info("analysis complete",
		zap.String("url", url),
		zap.Int("paragraphs", len(paragraphs)),
		zap.Int("sentences", len(sentences)),
		zap.Int("first_party_attributes", len(summary.FirstPartyCollected)),
		zap.Int("third_party_attributes", len(summary.ThirdPartyShared)))
	return &Analysis{Summary: summary, Sentences: sentences}, nil
}

// predictor memoises Predict calls for one run.
type predictor struct {
	models Models
	memo   map[[2]string]string
}

func newPredictor(m Models) *predictor {
	return &predictor{models: m, memo: make(map[[2]string]string)}
}

func (p *predictor) predict(ctx context.Context, attr, text string) (string, error) {
	key := [2]string{attr, text}
	if v, ok := p.memo[key]; ok {
		return v, nil
	}
	v, err := p.models.Predict(ctx, attr, text)
	if err != nil {
		return "", fmt.Errorf("predict %s: %w", attr, err)
	}
	p.memo[key] = v
	return v, nil
}

var _ Models = (*models.Manager)(nil)
