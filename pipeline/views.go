package pipeline

import (
	"context"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/codes"

	"github.com/hannes/policylens/models"
)

// CategoryBlock gathers the sentences of one target category and the
// distinct spans found in them per attribute.
type CategoryBlock struct {
	Attributes map[string][]string `json:"attributes"`
	Sentences  []SentenceResult    `json:"sentences"`
}

// Extraction is the per-category view of a policy.
type Extraction struct {
	URL        string                    `json:"url"`
	Categories map[string]*CategoryBlock `json:"categories"`
}

// ExtractAttributes groups enriched sentences by target category. With
// affirmativeOnly set, only sentences predicted as "Does" that contain a
// personal information type span are kept.
func (p *Pipeline) ExtractAttributes(ctx context.Context, url string, paragraphs []string, affirmativeOnly bool) (*Extraction, error) {
	ctx, span := tracer.Start(ctx, "ExtractAttributes")
	defer span.End()

	results, err := p.process(ctx, paragraphs, hasTargetCategory)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "extraction failed")
		return nil, err
	}

	out := &Extraction{URL: url, Categories: make(map[string]*CategoryBlock, len(TargetCategories))}
	seen := make(map[string]map[string]map[string]struct{})
	for _, c := range TargetCategories {
		out.Categories[c] = &CategoryBlock{Attributes: map[string][]string{}, Sentences: []SentenceResult{}}
		seen[c] = make(map[string]map[string]struct{})
	}

	for _, r := range results {
		for _, s := range r.results {
			block, ok := out.Categories[s.Category]
			if !ok {
				continue
			}
			if affirmativeOnly && (s.PredictedValues[models.AttrDoesDoesNot] != models.DoesValue || len(s.Attributes[models.AttrPIT]) == 0) {
				continue
			}
			for attr, spans := range s.Attributes {
				if seen[s.Category][attr] == nil {
					seen[s.Category][attr] = make(map[string]struct{})
				}
				for _, sp := range spans {
					if _, dup := seen[s.Category][attr][sp]; dup {
						continue
					}
					seen[s.Category][attr][sp] = struct{}{}
					block.Attributes[attr] = append(block.Attributes[attr], sp)
				}
			}
			block.Sentences = append(block.Sentences, s)
		}
	}
	for _, block := range out.Categories {
		for attr := range block.Attributes {
			sort.Strings(block.Attributes[attr])
		}
	}
	return out, nil
}

// PersonalInfo lists personal information type spans and their predicted
// categories, pairwise.
type PersonalInfo struct {
	PersonalInfoTypes   []string `json:"personal_info_types"`
	PredictedCategories []string `json:"predicted_categories"`
}

// PersonalInfoSummary reads the personal information types mentioned in
// first party collection paragraphs.
func (p *Pipeline) PersonalInfoSummary(ctx context.Context, paragraphs []string) (*PersonalInfo, error) {
	ctx, span := tracer.Start(ctx, "PersonalInfoSummary")
	defer span.End()

	results, err := p.process(ctx, paragraphs, func(labels []string) bool {
		for _, l := range labels {
			if l == models.CategoryFirstParty {
				return true
			}
		}
		return false
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "extraction failed")
		return nil, err
	}

	pred := newPredictor(p.models)
	out := &PersonalInfo{PersonalInfoTypes: []string{}, PredictedCategories: []string{}}
	for _, r := range results {
		for _, item := range r.items {
			spans := item.Attributes[models.AttrPIT]
			if len(spans) == 0 {
				continue
			}
			joined := strings.Join(spans, ", ")
			label, err := pred.predict(ctx, models.AttrPIT, joined)
			if err != nil {
				return nil, err
			}
			out.PersonalInfoTypes = append(out.PersonalInfoTypes, joined)
			out.PredictedCategories = append(out.PredictedCategories, label)
		}
	}
	return out, nil
}

// Parties selects the sides a CollectedInfo covers.
type Parties struct {
	First bool
	Third bool
}

// CollectedInfo lists the distinct predicted personal information types a
// policy affirmatively collects, per party. A nil slice means the party was
// not requested.
type CollectedInfo struct {
	URL        string
	FirstParty []string
	ThirdParty []string
}

// CollectedPersonalInfo predicts the information type of every real
// personal information type span in sentences predicted as "Does", for the
// requested parties.
func (p *Pipeline) CollectedPersonalInfo(ctx context.Context, url string, paragraphs []string, parties Parties) (*CollectedInfo, error) {
	ctx, span := tracer.Start(ctx, "CollectedPersonalInfo")
	defer span.End()

	wanted := func(category string) bool {
		return (parties.First && category == models.CategoryFirstParty) ||
			(parties.Third && category == models.CategoryThirdParty)
	}
	results, err := p.process(ctx, paragraphs, func(labels []string) bool {
		for _, l := range labels {
			if wanted(l) {
				return true
			}
		}
		return false
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "extraction failed")
		return nil, err
	}

	pred := newPredictor(p.models)
	sets := map[string]map[string]struct{}{
		models.CategoryFirstParty: {},
		models.CategoryThirdParty: {},
	}
	for _, r := range results {
		for _, item := range r.items {
			if !wanted(item.Category) {
				continue
			}
			doesSpans := item.Attributes[models.AttrDoesDoesNot]
			if len(doesSpans) == 0 {
				continue
			}
			does, err := pred.predict(ctx, models.AttrDoesDoesNot, strings.Join(doesSpans, ", "))
			if err != nil {
				return nil, err
			}
			if does != models.DoesValue {
				continue
			}
			for _, pit := range item.Attributes[models.AttrPIT] {
				if !IsRealSpan(pit, item.Sentence) {
					continue
				}
				value, err := pred.predict(ctx, models.AttrPIT, pit)
				if err != nil {
					return nil, err
				}
				sets[item.Category][value] = struct{}{}
			}
		}
	}

	out := &CollectedInfo{URL: url}
	if parties.First {
		out.FirstParty = sortedKeys(sets[models.CategoryFirstParty])
	}
	if parties.Third {
		out.ThirdParty = sortedKeys(sets[models.CategoryThirdParty])
	}
	return out, nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
