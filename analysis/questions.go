package analysis

import (
	"context"
	"errors"
	"fmt"

	"github.com/hannes/policylens/models"
	"github.com/hannes/policylens/store"
)

// Question types answered from stored sentence records.
const (
	QuestionConflictStatement = "conflict_statement"
	QuestionThirdPartySharing = "third_party_sharing"
)

// ErrUnsupportedQuestion is returned for unknown question types.
var ErrUnsupportedQuestion = errors.New("unsupported question_type")

// ConflictAnswer reports information types the policy both claims and
// denies collecting.
type ConflictAnswer struct {
	Question              string   `json:"question"`
	Answer                string   `json:"answer"`
	ConflictingAttributes []string `json:"conflicting_attributes"`
}

// SharedInfo is one information type shared with a third party.
type SharedInfo struct {
	PersonalInfo string `json:"personal_info"`
	ThirdParty   string `json:"third_party"`
	Sentence     string `json:"sentence"`
}

// SharingAnswer lists what is shared with third parties.
type SharingAnswer struct {
	Question   string       `json:"question"`
	SharedInfo []SharedInfo `json:"shared_info"`
}

// Answer dispatches on questionType.
func (m *Manager) Answer(ctx context.Context, url, questionType string) (any, error) {
	switch questionType {
	case QuestionConflictStatement:
		return m.ConflictStatement(ctx, url)
	case QuestionThirdPartySharing:
		return m.ThirdPartySharing(ctx, url)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedQuestion, questionType)
	}
}

// ConflictStatement groups first party information type records by
// predicted value; a value with both "Does" and "Does Not" statements is a
// conflict.
func (m *Manager) ConflictStatement(ctx context.Context, url string) (*ConflictAnswer, error) {
	key, err := CacheKey(url)
	if err != nil {
		return nil, err
	}
	records, err := m.store.Sentences(ctx, key, store.SentenceFilter{
		Category:  models.CategoryFirstParty,
		Attribute: models.AttrPIT,
	})
	if err != nil {
		return nil, err
	}

	var order []string
	seen := make(map[string]map[string]bool)
	for _, r := range records {
		if r.PredictedValue == nil || *r.PredictedValue == "" {
			continue
		}
		value := *r.PredictedValue
		if seen[value] == nil {
			seen[value] = make(map[string]bool)
			order = append(order, value)
		}
		if r.DoesOrNotValue != nil {
			seen[value][*r.DoesOrNotValue] = true
		}
	}

	conflicts := []string{}
	for _, value := range order {
		if seen[value][models.DoesValue] && seen[value][models.DoesNotValue] {
			conflicts = append(conflicts, value)
		}
	}
	answer := "No"
	if len(conflicts) > 0 {
		answer = "Yes"
	}
	return &ConflictAnswer{
		Question:              "Does this privacy policy contain any conflict statement?",
		Answer:                answer,
		ConflictingAttributes: conflicts,
	}, nil
}

// ThirdPartySharing lists affirmative third party records that name both an
// information type and a third party.
func (m *Manager) ThirdPartySharing(ctx context.Context, url string) (*SharingAnswer, error) {
	key, err := CacheKey(url)
	if err != nil {
		return nil, err
	}
	records, err := m.store.Sentences(ctx, key, store.SentenceFilter{
		Category:       models.CategoryThirdParty,
		Attribute:      models.AttrPIT,
		DoesOrNotValue: models.DoesValue,
	})
	if err != nil {
		return nil, err
	}

	shared := []SharedInfo{}
	for _, r := range records {
		if r.PredictedValue == nil || *r.PredictedValue == "" || r.ThirdPartyEntity == nil || *r.ThirdPartyEntity == "" {
			continue
		}
		shared = append(shared, SharedInfo{
			PersonalInfo: *r.PredictedValue,
			ThirdParty:   *r.ThirdPartyEntity,
			Sentence:     r.Sentence,
		})
	}
	return &SharingAnswer{
		Question:   "What personal information is shared with third parties?",
		SharedInfo: shared,
	}, nil
}
