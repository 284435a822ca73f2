package models

import (
	"encoding/json"
	"fmt"
	"os"
)

// Category labels in the order of the category model's output logits.
const (
	CategoryDataRetention     = "Data Retention"
	CategoryDataSecurity      = "Data Security"
	CategoryDoNotTrack        = "Do Not Track"
	CategoryFirstParty        = "First Party Collection/Use"
	CategorySpecificAudiences = "International and Specific Audiences"
	CategoryOther             = "Other"
	CategoryPolicyChange      = "Policy Change"
	CategoryThirdParty        = "Third Party Sharing/Collection"
	CategoryUserAccess        = "User Access, Edit and Deletion"
	CategoryUserChoice        = "User Choice/Control"

	// CategoryNone is returned when no category passes the threshold.
	CategoryNone = "None"
)

// DefaultCategoryThreshold is the sigmoid cut-off for the multi-label category head.
const DefaultCategoryThreshold = 0.5

const (
	unknownLabel     = "unknown"
	unknownDoesLabel = "Unknown"
)

// CategoryLabels is the fixed label order of the paragraph category model.
var CategoryLabels = []string{
	CategoryDataRetention,
	CategoryDataSecurity,
	CategoryDoNotTrack,
	CategoryFirstParty,
	CategorySpecificAudiences,
	CategoryOther,
	CategoryPolicyChange,
	CategoryThirdParty,
	CategoryUserAccess,
	CategoryUserChoice,
}

// Attribute names asked of the span model.
const (
	AttrDoesDoesNot = "Does/Does Not"
	AttrPIT         = "Personal Information Type"
	AttrPurpose     = "Purpose"
	AttrTPE         = "Third Party Entity"
)

// Values produced by the Does/Does Not classifier.
const (
	DoesValue    = "Does"
	DoesNotValue = "Does Not"
)

// LabelMap maps a class id to its label.
type LabelMap map[int]string

// DoesLabels is the fixed id mapping of the Does/Does Not classifier.
var DoesLabels = LabelMap{0: DoesValue, 1: DoesNotValue}

// Lookup returns the label for id, or fallback when the id is not mapped.
func (m LabelMap) Lookup(id int, fallback string) string {
	if label, ok := m[id]; ok {
		return label
	}
	return fallback
}

// Size returns the number of output classes implied by the mapping.
func (m LabelMap) Size() int {
	n := 0
	for id := range m {
		if id+1 > n {
			n = id + 1
		}
	}
	return n
}

// ParseLabelMapping inverts a {"label": id} document into an id -> label map.
func ParseLabelMapping(data []byte) (LabelMap, error) {
	var raw map[string]int
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse label mapping: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("label mapping is empty")
	}

	labels := make(LabelMap, len(raw))
	for label, id := range raw {
		if id < 0 {
			return nil, fmt.Errorf("label %q has negative id %d", label, id)
		}
		if existing, ok := labels[id]; ok {
			return nil, fmt.Errorf("labels %q and %q share id %d", existing, label, id)
		}
		labels[id] = label
	}
	return labels, nil
}

// LoadLabelMapping reads and inverts a label_mapping.json file.
func LoadLabelMapping(path string) (LabelMap, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from the validated model directory
	if err != nil {
		return nil, fmt.Errorf("failed to read label mapping: %w", err)
	}
	return ParseLabelMapping(data)
}
