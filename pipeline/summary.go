package pipeline

import (
	"context"
	"sort"
	"strings"

	"github.com/hannes/policylens/models"
)

// Value is a predicted attribute value and the span it was predicted from.
type Value struct {
	Value string  `json:"value"`
	Span  *string `json:"span"`
}

// Detail is one affirmative statement about a personal information type.
type Detail struct {
	Span             string `json:"span"`
	Sentence         string `json:"sentence"`
	DoesOrNot        Value  `json:"does_or_not"`
	Purpose          Value  `json:"purpose"`
	ThirdPartyEntity *Value `json:"third_party_entity,omitempty"`
}

// AttributeGroup collects the details of one predicted information type.
type AttributeGroup struct {
	Attribute string   `json:"attribute"`
	Details   []Detail `json:"details"`
}

// Summary lists what a policy says is collected and what is shared.
type Summary struct {
	URL                 string           `json:"url"`
	FirstPartyCollected []AttributeGroup `json:"first_party_collected"`
	ThirdPartyShared    []AttributeGroup `json:"third_party_shared"`
}

// groupSet is an insertion-ordered map of predicted value to unique details.
type groupSet struct {
	order   []string
	details map[string]map[string]Detail
}

func newGroupSet() *groupSet {
	return &groupSet{details: make(map[string]map[string]Detail)}
}

func (g *groupSet) add(attr string, d Detail) {
	set, ok := g.details[attr]
	if !ok {
		set = make(map[string]Detail)
		g.details[attr] = set
		g.order = append(g.order, attr)
	}
	set[detailKey(d)] = d
}

func (g *groupSet) groups() []AttributeGroup {
	out := make([]AttributeGroup, 0, len(g.order))
	for _, attr := range g.order {
		details := make([]Detail, 0, len(g.details[attr]))
		for _, d := range g.details[attr] {
			details = append(details, d)
		}
		sort.Slice(details, func(i, j int) bool { return lessDetail(details[i], details[j]) })
		out = append(out, AttributeGroup{Attribute: attr, Details: details})
	}
	return out
}

func optional(s *string) string {
	if s == nil {
		return "\x00"
	}
	return "\x01" + *s
}

func detailFields(d Detail) []string {
	fields := []string{
		d.Span, d.Sentence,
		d.DoesOrNot.Value, optional(d.DoesOrNot.Span),
		d.Purpose.Value, optional(d.Purpose.Span),
	}
	if d.ThirdPartyEntity != nil {
		fields = append(fields, d.ThirdPartyEntity.Value, optional(d.ThirdPartyEntity.Span))
	}
	return fields
}

func detailKey(d Detail) string {
	return strings.Join(detailFields(d), "\x1f")
}

// lessDetail orders details by span, sentence, does value and span, then
// purpose value and span. A missing span sorts first.
func lessDetail(a, b Detail) bool {
	fa, fb := detailFields(a), detailFields(b)
	for i := 0; i < len(fa) && i < len(fb); i++ {
		if fa[i] != fb[i] {
			return fa[i] < fb[i]
		}
	}
	return len(fa) < len(fb)
}

type summaryBuilder struct {
	url        string
	firstParty *groupSet
	thirdParty *groupSet
}

func newSummaryBuilder(url string) *summaryBuilder {
	return &summaryBuilder{url: url, firstParty: newGroupSet(), thirdParty: newGroupSet()}
}

// firstValue predicts attr from the first raw span, or returns "Unknown".
func firstValue(ctx context.Context, pred *predictor, attr string, spans []string) (Value, error) {
	if len(spans) == 0 || spans[0] == "" {
		return Value{Value: "Unknown"}, nil
	}
	return spanValue(ctx, pred, attr, spans[0])
}

// firstRealValue predicts attr from the first span found in sentence, or
// returns "Unknown".
func firstRealValue(ctx context.Context, pred *predictor, attr string, spans []string, sentence string) (Value, error) {
	for _, s := range spans {
		if IsRealSpan(s, sentence) {
			return spanValue(ctx, pred, attr, s)
		}
	}
	return Value{Value: "Unknown"}, nil
}

func spanValue(ctx context.Context, pred *predictor, attr, span string) (Value, error) {
	v, err := pred.predict(ctx, attr, span)
	if err != nil {
		return Value{}, err
	}
	return Value{Value: v, Span: &span}, nil
}

// add records the PIT spans of an affirmative sentence item.
func (b *summaryBuilder) add(ctx context.Context, pred *predictor, item SentenceItem) error {
	var target *groupSet
	switch item.Category {
	case models.CategoryFirstParty:
		target = b.firstParty
	case models.CategoryThirdParty:
		target = b.thirdParty
	default:
		return nil
	}

	doesSpans := item.Attributes[models.AttrDoesDoesNot]
	does := Value{Value: "Unknown"}
	if len(doesSpans) > 0 {
		v, err := pred.predict(ctx, models.AttrDoesDoesNot, strings.Join(doesSpans, ", "))
		if err != nil {
			return err
		}
		first := doesSpans[0]
		does = Value{Value: v, Span: &first}
	}
	if does.Value != models.DoesValue {
		return nil
	}

	purpose, err := firstValue(ctx, pred, models.AttrPurpose, item.Attributes[models.AttrPurpose])
	if err != nil {
		return err
	}
	var tpe *Value
	if item.Category == models.CategoryThirdParty {
		v, err := firstRealValue(ctx, pred, models.AttrTPE, item.Attributes[models.AttrTPE], item.Sentence)
		if err != nil {
			return err
		}
		tpe = &v
	}

	for _, span := range item.Attributes[models.AttrPIT] {
		if !IsRealSpan(span, item.Sentence) {
			continue
		}
		value, err := pred.predict(ctx, models.AttrPIT, span)
		if err != nil {
			return err
		}
		target.add(value, Detail{
			Span:             span,
			Sentence:         item.Sentence,
			DoesOrNot:        does,
			Purpose:          purpose,
			ThirdPartyEntity: tpe,
		})
	}
	return nil
}

func (b *summaryBuilder) build() Summary {
	return Summary{
		URL:                 b.url,
		FirstPartyCollected: b.firstParty.groups(),
		ThirdPartyShared:    b.thirdParty.groups(),
	}
}
