package analysis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hannes/policylens/models"
	"github.com/hannes/policylens/store"
)

func pitRecord(category, sentence, value, does string, tpe *string) store.SentenceRecord {
	return store.SentenceRecord{
		Category:         category,
		Sentence:         sentence,
		Attribute:        models.AttrPIT,
		Span:             "span",
		PredictedValue:   strPtr(value),
		DoesOrNotValue:   strPtr(does),
		ThirdPartyEntity: tpe,
	}
}

func seedRecords(t *testing.T, st store.Store, records []store.SentenceRecord) {
	t.Helper()
	key, err := CacheKey(policyURL)
	require.NoError(t, err)
	require.NoError(t, st.ReplaceSentences(context.Background(), key, records))
}

func TestConflictStatement(t *testing.T) {
	m, _, _, st := newTestManager(t, Options{})
	seedRecords(t, st, []store.SentenceRecord{
		pitRecord(models.CategoryFirstParty, "We collect your location.", "Location", "Does", nil),
		pitRecord(models.CategoryFirstParty, "We collect your email.", "Contact", "Does", nil),
		pitRecord(models.CategoryFirstParty, "We do not collect your location.", "Location", "Does Not", nil),
		// third party records never conflict with first party ones
		pitRecord(models.CategoryThirdParty, "We do not share your email.", "Contact", "Does Not", nil),
		{Category: models.CategoryFirstParty, Sentence: "x", Attribute: models.AttrPurpose, Span: "ads", PredictedValue: strPtr("Contact")},
	})

	got, err := m.ConflictStatement(context.Background(), policyURL)
	require.NoError(t, err)
	assert.Equal(t, "Does this privacy policy contain any conflict statement?", got.Question)
	assert.Equal(t, "Yes", got.Answer)
	assert.Equal(t, []string{"Location"}, got.ConflictingAttributes)
}

func TestConflictStatement_NoRecords(t *testing.T) {
	m, _, _, _ := newTestManager(t, Options{})

	got, err := m.ConflictStatement(context.Background(), policyURL)
	require.NoError(t, err)
	assert.Equal(t, "No", got.Answer)
	assert.Empty(t, got.ConflictingAttributes)
	assert.NotNil(t, got.ConflictingAttributes)
}

func TestThirdPartySharing(t *testing.T) {
	m, _, _, st := newTestManager(t, Options{})
	seedRecords(t, st, []store.SentenceRecord{
		pitRecord(models.CategoryThirdParty, "We share your location with advertisers.", "Location", "Does", strPtr("Advertiser")),
		pitRecord(models.CategoryThirdParty, "We share data with partners.", "Generic", "Does", nil),
		pitRecord(models.CategoryThirdParty, "We never sell your email to brokers.", "Contact", "Does Not", strPtr("Broker")),
		pitRecord(models.CategoryFirstParty, "We collect your email.", "Contact", "Does", strPtr("Advertiser")),
	})

	got, err := m.ThirdPartySharing(context.Background(), policyURL)
	require.NoError(t, err)
	assert.Equal(t, "What personal information is shared with third parties?", got.Question)
	assert.Equal(t, []SharedInfo{{
		PersonalInfo: "Location",
		ThirdParty:   "Advertiser",
		Sentence:     "We share your location with advertisers.",
	}}, got.SharedInfo)
}

func TestAnswer(t *testing.T) {
	m, _, _, _ := newTestManager(t, Options{})
	ctx := context.Background()

	got, err := m.Answer(ctx, policyURL, QuestionConflictStatement)
	require.NoError(t, err)
	assert.IsType(t, &ConflictAnswer{}, got)

	got, err = m.Answer(ctx, policyURL, QuestionThirdPartySharing)
	require.NoError(t, err)
	assert.IsType(t, &SharingAnswer{}, got)

	_, err = m.Answer(ctx, policyURL, "favourite_colour")
	assert.ErrorIs(t, err, ErrUnsupportedQuestion)
}
