package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// QuestionFor is the prompt the span model is trained on.
func QuestionFor(attribute string) string {
	return fmt.Sprintf("What part of the text refers to %s?", attribute)
}

// Suite bundles the models used to analyze one policy.
type Suite struct {
	category SequenceClassifier
	span     SpanModel
	pit      SequenceClassifier
	purpose  SequenceClassifier
	tpe      SequenceClassifier
	ddn      SequenceClassifier

	pitLabels     LabelMap
	purposeLabels LabelMap
	tpeLabels     LabelMap
	threshold     float64
}

// LoadSuite builds every model of specs through backend. On failure the
// models created so far are closed.
func LoadSuite(backend Backend, specs []ModelSpec, threshold float64) (*Suite, error) {
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultCategoryThreshold
	}
	s := &Suite{threshold: threshold}

	for _, spec := range specs {
		if err := s.load(backend, spec); err != nil {
			if closeErr := s.Close(); closeErr != nil {
				err = errors.Join(err, closeErr)
			}
			return nil, err
		}
	}
	if s.category == nil || s.span == nil || s.pit == nil || s.purpose == nil || s.tpe == nil || s.ddn == nil {
		if err := s.Close(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("model suite is incomplete")
	}
	return s, nil
}

func (s *Suite) load(backend Backend, spec ModelSpec) error {
	var labels LabelMap
	if spec.LabelMapping {
		var err error
		labels, err = backend.LabelMapping(spec)
		if err != nil {
			return fmt.Errorf("model %s: %w", spec.Role, err)
		}
	}

	classifier := func(n int) (SequenceClassifier, error) {
		c, err := backend.Classifier(spec, n)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", spec.Role, err)
		}
		return c, nil
	}

	var err error
	switch spec.Role {
	case RoleCategory:
		s.category, err = classifier(len(CategoryLabels))
	case RoleSpan:
		s.span, err = backend.SpanModel(spec)
		if err != nil {
			err = fmt.Errorf("model %s: %w", spec.Role, err)
		}
	case RolePIT:
		s.pitLabels = labels
		s.pit, err = classifier(labels.Size())
	case RolePurpose:
		s.purposeLabels = labels
		s.purpose, err = classifier(labels.Size())
	case RoleTPE:
		s.tpeLabels = labels
		s.tpe, err = classifier(labels.Size())
	case RoleDDN:
		s.ddn, err = classifier(DoesLabels.Size())
	default:
		err = fmt.Errorf("unknown model role: %s", spec.Role)
	}
	return err
}

// NewSuite assembles a suite from already constructed models.
func NewSuite(category SequenceClassifier, span SpanModel, pit, purpose, tpe, ddn SequenceClassifier,
	pitLabels, purposeLabels, tpeLabels LabelMap, threshold float64) *Suite {
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultCategoryThreshold
	}
	return &Suite{
		category:      category,
		span:          span,
		pit:           pit,
		purpose:       purpose,
		tpe:           tpe,
		ddn:           ddn,
		pitLabels:     pitLabels,
		purposeLabels: purposeLabels,
		tpeLabels:     tpeLabels,
		threshold:     threshold,
	}
}

// Classify returns every category whose sigmoid probability is above the
// threshold, in model order, or ["None"] when there is none.
func (s *Suite) Classify(ctx context.Context, paragraph string) ([]string, error) {
	logits, err := s.category.Logits(ctx, paragraph)
	if err != nil {
		return nil, err
	}
	return categoriesFromLogits(logits, s.threshold), nil
}

func categoriesFromLogits(logits []float32, threshold float64) []string {
	var labels []string
	for i, logit := range logits {
		if i >= len(CategoryLabels) {
			break
		}
		if sigmoid(logit) > threshold {
			labels = append(labels, CategoryLabels[i])
		}
	}
	if len(labels) == 0 {
		return []string{CategoryNone}
	}
	return labels
}

// Extract asks the span model one question per attribute. Each attribute
// maps to a single-element list, or an empty list when the answer is blank
// or repeats the question.
func (s *Suite) Extract(ctx context.Context, sentence string, attributes []string) (map[string][]string, error) {
	spans := make(map[string][]string, len(attributes))
	for _, attr := range attributes {
		question := QuestionFor(attr)
		span, err := s.span.Span(ctx, question, sentence)
		if err != nil {
			return nil, fmt.Errorf("span extraction for %q: %w", attr, err)
		}
		trimmed := strings.TrimSpace(span)
		if trimmed == "" || strings.EqualFold(trimmed, question) {
			spans[attr] = []string{}
			continue
		}
		spans[attr] = []string{span}
	}
	return spans, nil
}

// Predict classifies text into a value of the given attribute.
func (s *Suite) Predict(ctx context.Context, attribute, text string) (string, error) {
	var (
		model    SequenceClassifier
		labels   LabelMap
		fallback = unknownLabel
	)
	switch attribute {
	case AttrPIT:
		model, labels = s.pit, s.pitLabels
	case AttrPurpose:
		model, labels = s.purpose, s.purposeLabels
	case AttrTPE:
		model, labels = s.tpe, s.tpeLabels
	case AttrDoesDoesNot:
		model, labels, fallback = s.ddn, DoesLabels, unknownDoesLabel
	default:
		return "", fmt.Errorf("no classifier for attribute %q", attribute)
	}

	logits, err := model.Logits(ctx, text)
	if err != nil {
		return "", err
	}
	return labels.Lookup(argmax(logits), fallback), nil
}

// Close releases every model of the suite.
func (s *Suite) Close() error {
	var errs []error
	for _, c := range []SequenceClassifier{s.category, s.pit, s.purpose, s.tpe, s.ddn} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
		}
	}
	if s.span != nil {
		if err := s.span.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.span.Name(), err))
		}
	}
	return errors.Join(errs...)
}
