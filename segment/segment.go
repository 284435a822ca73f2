// Package segment splits policy paragraphs into sentences.
package segment

import (
	"fmt"
	"strings"

	"github.com/neurosnap/sentences"
	"github.com/neurosnap/sentences/english"
)

// Segmenter splits text into trimmed, non-empty sentences.
type Segmenter interface {
	Split(text string) []string
}

// Punkt uses the pre-trained English Punkt model, which knows common
// abbreviations such as "e.g." and "Inc.".
type Punkt struct {
	tokenizer *sentences.DefaultSentenceTokenizer
}

func NewPunkt() (*Punkt, error) {
	tok, err := english.NewSentenceTokenizer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load punkt model: %w", err)
	}
	return &Punkt{tokenizer: tok}, nil
}

func (p *Punkt) Split(text string) []string {
	var out []string
	for _, s := range p.tokenizer.Tokenize(text) {
		if t := strings.TrimSpace(s.Text); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Rules breaks after '.', '!' or '?' when followed by whitespace.
type Rules struct{}

func (Rules) Split(text string) []string {
	var out []string
	var current strings.Builder

	flush := func() {
		if t := strings.TrimSpace(current.String()); t != "" {
			out = append(out, t)
		}
		current.Reset()
	}

	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)
		if (r == '.' || r == '!' || r == '?') && i+1 < len(runes) && isSpace(runes[i+1]) {
			flush()
		}
	}
	flush()
	return out
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t' || r == '\r'
}

// New returns the Punkt segmenter, or Rules if the model cannot be loaded.
func New() Segmenter {
	p, err := NewPunkt()
	if err != nil {
		return Rules{}
	}
	return p
}
