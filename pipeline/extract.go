package pipeline

import (
	"context"
	"html"
	"sort"
	"strings"

	"github.com/hannes/policylens/models"
)

// TargetCategories are the paragraph categories attributes are extracted for.
var TargetCategories = []string{models.CategoryFirstParty, models.CategoryThirdParty}

var (
	firstPartyAttributes = []string{models.AttrDoesDoesNot, models.AttrPIT, models.AttrPurpose}
	thirdPartyAttributes = []string{models.AttrPIT, models.AttrDoesDoesNot, models.AttrTPE, models.AttrPurpose}
)

// AttributesFor lists the attributes extracted for a category, or nil.
func AttributesFor(category string) []string {
	switch category {
	case models.CategoryFirstParty:
		return firstPartyAttributes
	case models.CategoryThirdParty:
		return thirdPartyAttributes
	}
	return nil
}

func isTarget(label string) bool {
	return label == models.CategoryFirstParty || label == models.CategoryThirdParty
}

func hasTargetCategory(labels []string) bool {
	for _, l := range labels {
		if isTarget(l) {
			return true
		}
	}
	return false
}

// IsRealSpan reports whether span occurs in sentence, ignoring case and the
// span's surrounding whitespace.
func IsRealSpan(span, sentence string) bool {
	s := strings.ToLower(strings.TrimSpace(span))
	if s == "" {
		return false
	}
	return strings.Contains(strings.ToLower(sentence), s)
}

// SentenceItem is one sentence read under one target category, with the raw
// spans the span model returned per attribute.
type SentenceItem struct {
	Sentence   string              `json:"sentence"`
	Category   string              `json:"category"`
	Attributes map[string][]string `json:"attributes"`
}

// ExtractFromParagraph asks the span model for every attribute of every
// target label, sentence by sentence. Paragraphs without a target label
// yield nothing.
func (p *Pipeline) ExtractFromParagraph(ctx context.Context, paragraph string, labels []string) ([]SentenceItem, error) {
	var targets []string
	for _, l := range labels {
		if isTarget(l) {
			targets = append(targets, l)
		}
	}
	if len(targets) == 0 {
		return nil, nil
	}

	var items []SentenceItem
	for _, sentence := range p.segmenter.Split(paragraph) {
		for _, category := range targets {
			spans, err := p.models.Extract(ctx, sentence, AttributesFor(category))
			if err != nil {
				return nil, err
			}
			items = append(items, SentenceItem{Sentence: sentence, Category: category, Attributes: spans})
		}
	}
	return items, nil
}

// SentenceResult is a SentenceItem after span cleaning and value prediction.
type SentenceResult struct {
	Sentence string `json:"sentence"`
	Category string `json:"category"`
	// Attributes holds only spans that occur in the sentence; attributes
	// without such spans are left out.
	Attributes      map[string][]string `json:"attributes"`
	PredictedValues map[string]string   `json:"predicted_values"`
	HighlightedHTML string              `json:"highlighted_html"`
}

// CleanAttributes drops spans that do not occur in the sentence.
func CleanAttributes(sentence string, attributes map[string][]string) map[string][]string {
	cleaned := make(map[string][]string, len(attributes))
	for attr, spans := range attributes {
		var real []string
		for _, s := range spans {
			if IsRealSpan(s, sentence) {
				real = append(real, s)
			}
		}
		if len(real) > 0 {
			cleaned[attr] = real
		}
	}
	return cleaned
}

func enrich(ctx context.Context, pred *predictor, item SentenceItem) (SentenceResult, error) {
	cleaned := CleanAttributes(item.Sentence, item.Attributes)
	values := make(map[string]string)
	for _, attr := range AttributesFor(item.Category) {
		joined := strings.Join(cleaned[attr], ", ")
		if joined == "" {
			continue
		}
		v, err := pred.predict(ctx, attr, joined)
		if err != nil {
			return SentenceResult{}, err
		}
		values[attr] = v
	}
	return SentenceResult{
		Sentence:        item.Sentence,
		Category:        item.Category,
		Attributes:      cleaned,
		PredictedValues: values,
		HighlightedHTML: Highlight(item.Sentence, item.Category, cleaned, values),
	}, nil
}

var highlightClasses = map[string]string{
	models.AttrPIT:         "highlight-pit",
	models.AttrPurpose:     "highlight-purpose",
	models.AttrDoesDoesNot: "highlight-does",
	models.AttrTPE:         "highlight-tpe",
}

type mark struct {
	start, end int
	attr       string
}

// Highlight wraps every occurrence of every span in a <mark> element. The
// sentence text is HTML-escaped; overlapping spans keep the attribute that
// comes first for the category.
func Highlight(sentence, category string, attributes map[string][]string, values map[string]string) string {
	order := AttributesFor(category)
	if order == nil {
		order = make([]string, 0, len(attributes))
		for attr := range attributes {
			order = append(order, attr)
		}
		sort.Strings(order)
	}

	taken := make([]bool, len(sentence))
	var marks []mark
	for _, attr := range order {
		for _, span := range attributes[attr] {
			if span == "" {
				continue
			}
			for from := 0; from < len(sentence); {
				idx := strings.Index(sentence[from:], span)
				if idx < 0 {
					break
				}
				start, end := from+idx, from+idx+len(span)
				if free(taken, start, end) {
					for i := start; i < end; i++ {
						taken[i] = true
					}
					marks = append(marks, mark{start: start, end: end, attr: attr})
				}
				from = end
			}
		}
	}
	sort.Slice(marks, func(i, j int) bool { return marks[i].start < marks[j].start })

	var b strings.Builder
	pos := 0
	for _, m := range marks {
		b.WriteString(html.EscapeString(sentence[pos:m.start]))
		b.WriteString(`<mark class="`)
		b.WriteString(highlightClasses[m.attr])
		b.WriteString(`"`)
		if tip := tooltip(m.attr, values); tip != "" {
			b.WriteString(` data-tooltip="`)
			b.WriteString(html.EscapeString(tip))
			b.WriteString(`"`)
		}
		b.WriteString(">")
		b.WriteString(html.EscapeString(sentence[m.start:m.end]))
		b.WriteString("</mark>")
		pos = m.end
	}
	b.WriteString(html.EscapeString(sentence[pos:]))
	return b.String()
}

func free(taken []bool, start, end int) bool {
	for i := start; i < end; i++ {
		if taken[i] {
			return false
		}
	}
	return true
}

func tooltip(attr string, values map[string]string) string {
	v, ok := values[attr]
	if !ok {
		return ""
	}
	switch attr {
	case models.AttrPurpose:
		return "Purpose: " + v
	case models.AttrTPE:
		return "Third party: " + v
	}
	return ""
}
