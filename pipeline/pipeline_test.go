package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hannes/policylens/models"
	"github.com/hannes/policylens/segment"
)

// mockModels answers from fixed tables.
type mockModels struct {
	labels map[string][]string
	spans  map[string]map[string]string
	values map[string]string

	classifyErr error

	mu       sync.Mutex
	predicts int
}

func (m *mockModels) Classify(_ context.Context, paragraph string) ([]string, error) {
	if m.classifyErr != nil {
		return nil, m.classifyErr
	}
	if l, ok := m.labels[paragraph]; ok {
		return l, nil
	}
	return []string{models.CategoryOther}, nil
}

func (m *mockModels) Extract(_ context.Context, sentence string, attributes []string) (map[string][]string, error) {
	out := make(map[string][]string, len(attributes))
	for _, attr := range attributes {
		if span, ok := m.spans[sentence][attr]; ok {
			out[attr] = []string{span}
		} else {
			out[attr] = []string{}
		}
	}
	return out, nil
}

func (m *mockModels) Predict(_ context.Context, attribute, text string) (string, error) {
	m.mu.Lock()
	m.predicts++
	m.mu.Unlock()
	if v, ok := m.values[attribute+"|"+text]; ok {
		return v, nil
	}
	if attribute == models.AttrDoesDoesNot {
		return "Unknown", nil
	}
	return "unknown", nil
}

const (
	collectSentence = "We collect your email address for marketing."
	denySentence    = "We do not collect your location."
	shareSentence   = "We share device identifiers with advertisers."
)

var (
	firstPartyParagraph = collectSentence + " " + denySentence
	thirdPartyParagraph = shareSentence
	otherParagraph      = "Contact us at privacy@example.com with any questions."
)

func newMockModels() *mockModels {
	return &mockModels{
		labels: map[string][]string{
			firstPartyParagraph: {models.CategoryFirstParty},
			thirdPartyParagraph: {models.CategoryOther, models.CategoryThirdParty},
		},
		spans: map[string]map[string]string{
			collectSentence: {
				models.AttrDoesDoesNot: "collect",
				models.AttrPIT:         "email address",
				models.AttrPurpose:     "marketing",
			},
			denySentence: {
				models.AttrDoesDoesNot: "do not collect",
				models.AttrPIT:         "location",
			},
			shareSentence: {
				models.AttrDoesDoesNot: "share",
				models.AttrPIT:         "device identifiers",
				models.AttrTPE:         "advertisers",
			},
		},
		values: map[string]string{
			models.AttrDoesDoesNot + "|collect":        "Does",
			models.AttrDoesDoesNot + "|do not collect": "Does Not",
			models.AttrDoesDoesNot + "|share":          "Does",
			models.AttrPIT + "|email address":          "Contact",
			models.AttrPIT + "|location":               "Location",
			models.AttrPIT + "|device identifiers":     "Identifier",
			models.AttrPurpose + "|marketing":          "Marketing",
			models.AttrTPE + "|advertisers":            "Advertiser",
		},
	}
}

func newTestPipeline(m Models) *Pipeline {
	return New(m, segment.Rules{}, Options{Workers: 2}, zap.NewNop())
}

func strPtr(s string) *string { return &s }

func TestIsRealSpan(t *testing.T) {
	tests := []struct {
		span, sentence string
		want           bool
	}{
		{"email", "We collect your Email address.", true},
		{"  EMAIL address ", "We collect your email address.", true},
		{"phone", "We collect your email address.", false},
		{"", "anything", false},
		{"   ", "anything", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRealSpan(tt.span, tt.sentence), "span %q", tt.span)
	}
}

func TestAttributesFor(t *testing.T) {
	assert.Equal(t, []string{"Does/Does Not", "Personal Information Type", "Purpose"}, AttributesFor(models.CategoryFirstParty))
	assert.Equal(t, []string{"Personal Information Type", "Does/Does Not", "Third Party Entity", "Purpose"}, AttributesFor(models.CategoryThirdParty))
	assert.Nil(t, AttributesFor(models.CategoryDataSecurity))
}

func TestClassifyParagraphs(t *testing.T) {
	p := newTestPipeline(newMockModels())
	paragraphs := []string{firstPartyParagraph, otherParagraph, thirdPartyParagraph}

	got, err := p.ClassifyParagraphs(context.Background(), paragraphs)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, para := range paragraphs {
		assert.Equal(t, para, got[i].Text)
	}
	assert.Equal(t, []string{models.CategoryFirstParty}, got[0].Labels)

	assert.Equal(t, map[string]int{
		models.CategoryFirstParty: 1,
		models.CategoryThirdParty: 1,
		models.CategoryOther:      2,
	}, LabelCounts(got))
}

func TestClassifyParagraphs_Error(t *testing.T) {
	m := newMockModels()
	m.classifyErr = errors.New("boom")
	p := newTestPipeline(m)

	_, err := p.ClassifyParagraphs(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.ErrorIs(t, err, m.classifyErr)
}

func TestExtractFromParagraph(t *testing.T) {
	p := newTestPipeline(newMockModels())
	ctx := context.Background()

	items, err := p.ExtractFromParagraph(ctx, otherParagraph, []string{models.CategoryOther})
	require.NoError(t, err)
	assert.Empty(t, items)

	items, err = p.ExtractFromParagraph(ctx, firstPartyParagraph,
		[]string{models.CategoryThirdParty, models.CategoryDataRetention, models.CategoryFirstParty})
	require.NoError(t, err)
	require.Len(t, items, 4)

	assert.Equal(t, collectSentence, items[0].Sentence)
	assert.Equal(t, models.CategoryThirdParty, items[0].Category)
	assert.Len(t, items[0].Attributes, 4)
	assert.Equal(t, collectSentence, items[1].Sentence)
	assert.Equal(t, models.CategoryFirstParty, items[1].Category)
	assert.Len(t, items[1].Attributes, 3)
	assert.Equal(t, denySentence, items[2].Sentence)
}

func TestAnalyze(t *testing.T) {
	p := newTestPipeline(newMockModels())
	paragraphs := []string{firstPartyParagraph, otherParagraph, thirdPartyParagraph}

	got, err := p.Analyze(context.Background(), "https://example.com/privacy", paragraphs)
	require.NoError(t, err)

	want := Summary{
		URL: "https://example.com/privacy",
		FirstPartyCollected: []AttributeGroup{{
			Attribute: "Contact",
			Details: []Detail{{
				Span:      "email address",
				Sentence:  collectSentence,
				DoesOrNot: Value{Value: "Does", Span: strPtr("collect")},
				Purpose:   Value{Value: "Marketing", Span: strPtr("marketing")},
			}},
		}},
		ThirdPartyShared: []AttributeGroup{{
			Attribute: "Identifier",
			Details: []Detail{{
				Span:             "device identifiers",
				Sentence:         shareSentence,
				DoesOrNot:        Value{Value: "Does", Span: strPtr("share")},
				Purpose:          Value{Value: "Unknown"},
				ThirdPartyEntity: &Value{Value: "Advertiser", Span: strPtr("advertisers")},
			}},
		}},
	}
	if diff := cmp.Diff(want, got.Summary); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}

	require.Len(t, got.Sentences, 3)
	deny := got.Sentences[1]
	assert.Equal(t, denySentence, deny.Sentence)
	assert.Equal(t, map[string]string{
		models.AttrDoesDoesNot: "Does Not",
		models.AttrPIT:         "Location",
	}, deny.PredictedValues)
	assert.NotContains(t, deny.Attributes, models.AttrPurpose)
}

func TestAnalyze_DeduplicatesAndSortsDetails(t *testing.T) {
	m := newMockModels()
	repeated := collectSentence + " " + collectSentence + " We collect your email address for billing."
	m.labels[repeated] = []string{models.CategoryFirstParty}
	m.spans["We collect your email address for billing."] = map[string]string{
		models.AttrDoesDoesNot: "collect",
		models.AttrPIT:         "email address",
		models.AttrPurpose:     "billing",
	}

	p := newTestPipeline(m)
	got, err := p.Analyze(context.Background(), "u", []string{repeated})
	require.NoError(t, err)

	require.Len(t, got.Summary.FirstPartyCollected, 1)
	details := got.Summary.FirstPartyCollected[0].Details
	require.Len(t, details, 2)
	assert.Equal(t, "We collect your email address for billing.", details[0].Sentence)
	assert.Equal(t, "unknown", details[0].Purpose.Value)
	assert.Equal(t, collectSentence, details[1].Sentence)
	assert.Empty(t, got.Summary.ThirdPartyShared)
}

func TestExtractAttributes(t *testing.T) {
	p := newTestPipeline(newMockModels())
	paragraphs := []string{firstPartyParagraph, otherParagraph, thirdPartyParagraph}
	ctx := context.Background()

	all, err := p.ExtractAttributes(ctx, "u", paragraphs, false)
	require.NoError(t, err)
	first := all.Categories[models.CategoryFirstParty]
	require.Len(t, first.Sentences, 2)
	assert.Equal(t, []string{"email address", "location"}, first.Attributes[models.AttrPIT])

	affirmative, err := p.ExtractAttributes(ctx, "u", paragraphs, true)
	require.NoError(t, err)
	first = affirmative.Categories[models.CategoryFirstParty]
	require.Len(t, first.Sentences, 1)
	assert.Equal(t, collectSentence, first.Sentences[0].Sentence)
	assert.Equal(t, map[string][]string{
		models.AttrDoesDoesNot: {"collect"},
		models.AttrPIT:         {"email address"},
		models.AttrPurpose:     {"marketing"},
	}, first.Attributes)

	third := affirmative.Categories[models.CategoryThirdParty]
	require.Len(t, third.Sentences, 1)
	assert.Equal(t, []string{"advertisers"}, third.Attributes[models.AttrTPE])
	assert.Contains(t, third.Sentences[0].HighlightedHTML, `<mark class="highlight-tpe" data-tooltip="Third party: Advertiser">advertisers</mark>`)
}

func TestPersonalInfoSummary(t *testing.T) {
	p := newTestPipeline(newMockModels())

	got, err := p.PersonalInfoSummary(context.Background(), []string{firstPartyParagraph, thirdPartyParagraph})
	require.NoError(t, err)
	assert.Equal(t, []string{"email address", "location"}, got.PersonalInfoTypes)
	assert.Equal(t, []string{"Contact", "Location"}, got.PredictedCategories)
}

func TestHighlight(t *testing.T) {
	attrs := map[string][]string{
		models.AttrDoesDoesNot: {"collect"},
		models.AttrPIT:         {"email address"},
		models.AttrPurpose:     {"marketing"},
	}
	values := map[string]string{models.AttrPurpose: "Marketing"}

	got := Highlight(collectSentence, models.CategoryFirstParty, attrs, values)
	assert.Equal(t, `We <mark class="highlight-does">collect</mark> your `+
		`<mark class="highlight-pit">email address</mark> for `+
		`<mark class="highlight-purpose" data-tooltip="Purpose: Marketing">marketing</mark>.`, got)
}

func TestHighlight_EscapesAndSkipsOverlaps(t *testing.T) {
	sentence := "We share data with A&B <partners>, and data again."
	attrs := map[string][]string{
		models.AttrDoesDoesNot: {"share data"},
		models.AttrPIT:         {"data"},
	}

	got := Highlight(sentence, models.CategoryFirstParty, attrs, nil)
	assert.Equal(t, `We <mark class="highlight-does">share data</mark> with A&amp;B &lt;partners&gt;, and `+
		`<mark class="highlight-pit">data</mark> again.`, got)
	assert.Equal(t, 1, strings.Count(got, "highlight-pit"))
}

// multiSpanModels returns several spans per attribute for selected sentences.
type multiSpanModels struct {
	*mockModels
	multi map[string]map[string][]string
}

func (m *multiSpanModels) Extract(ctx context.Context, sentence string, attributes []string) (map[string][]string, error) {
	if spans, ok := m.multi[sentence]; ok {
		out := make(map[string][]string, len(attributes))
		for _, attr := range attributes {
			out[attr] = append([]string{}, spans[attr]...)
		}
		return out, nil
	}
	return m.mockModels.Extract(ctx, sentence, attributes)
}

func TestAnalyze_ThirdPartyEntitySkipsSpansOutsideSentence(t *testing.T) {
	const sentence = "We share your email address with partners."
	base := newMockModels()
	base.labels[sentence] = []string{models.CategoryThirdParty}
	base.values[models.AttrTPE+"|partners"] = "Partner"
	base.values[models.AttrTPE+"|the government"] = "Government"
	m := &multiSpanModels{mockModels: base, multi: map[string]map[string][]string{
		sentence: {
			models.AttrDoesDoesNot: {"share"},
			models.AttrPIT:         {"email address"},
			models.AttrTPE:         {"the government", "partners"},
		},
	}}

	got, err := newTestPipeline(m).Analyze(context.Background(), "u", []string{sentence})
	require.NoError(t, err)

	require.Len(t, got.Summary.ThirdPartyShared, 1)
	details := got.Summary.ThirdPartyShared[0].Details
	require.Len(t, details, 1)
	assert.Equal(t, &Value{Value: "Partner", Span: strPtr("partners")}, details[0].ThirdPartyEntity)
}

func TestAnalyze_ThirdPartyEntityUnknownWithoutRealSpan(t *testing.T) {
	const sentence = "We share your email address with partners."
	base := newMockModels()
	base.labels[sentence] = []string{models.CategoryThirdParty}
	m := &multiSpanModels{mockModels: base, multi: map[string]map[string][]string{
		sentence: {
			models.AttrDoesDoesNot: {"share"},
			models.AttrPIT:         {"email address"},
			models.AttrTPE:         {"advertisers"},
		},
	}}

	got, err := newTestPipeline(m).Analyze(context.Background(), "u", []string{sentence})
	require.NoError(t, err)
	require.Len(t, got.Summary.ThirdPartyShared, 1)
	assert.Equal(t, &Value{Value: "Unknown"}, got.Summary.ThirdPartyShared[0].Details[0].ThirdPartyEntity)
}

func TestCollectedPersonalInfo(t *testing.T) {
	p := newTestPipeline(newMockModels())
	paragraphs := []string{firstPartyParagraph, otherParagraph, thirdPartyParagraph}
	ctx := context.Background()

	got, err := p.CollectedPersonalInfo(ctx, "u", paragraphs, Parties{First: true, Third: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"Contact"}, got.FirstParty)
	assert.Equal(t, []string{"Identifier"}, got.ThirdParty)

	got, err = p.CollectedPersonalInfo(ctx, "u", paragraphs, Parties{Third: true})
	require.NoError(t, err)
	assert.Nil(t, got.FirstParty)
	assert.Equal(t, []string{"Identifier"}, got.ThirdParty)

	got, err = p.CollectedPersonalInfo(ctx, "u", []string{otherParagraph}, Parties{First: true})
	require.NoError(t, err)
	assert.Equal(t, []string{}, got.FirstParty)
}
